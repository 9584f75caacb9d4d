package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
	initialBackoff = 250 * time.Millisecond
)

// WebhookConfig is one webhook endpoint and the stages it subscribes to. An
// empty Stages list subscribes to everything.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Stages  []string          `yaml:"stages,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// WebhookBus fans stage events out to subscribed endpoints. Each delivery
// runs in its own goroutine so publishers never block on a slow endpoint.
type WebhookBus struct {
	configs []WebhookConfig
	client  *http.Client
	logger  *zap.Logger
}

// NewWebhookBus returns nil when no endpoints are configured; callers fall
// back to Nop.
func NewWebhookBus(configs []WebhookConfig, logger *zap.Logger) *WebhookBus {
	if len(configs) == 0 {
		return nil
	}
	return &WebhookBus{
		configs: configs,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// Publish sends the event to every matching endpoint.
func (b *WebhookBus) Publish(e StageEvent) {
	for _, cfg := range b.configs {
		if !subscribed(cfg.Stages, e.Stage) {
			continue
		}
		go func(cfg WebhookConfig) {
			if err := b.send(cfg, e); err != nil {
				b.logger.Warn("stage event delivery failed",
					zap.String("stage", e.Stage),
					zap.String("url", cfg.URL),
					zap.Error(err))
			}
		}(cfg)
	}
}

// send posts one event. Transport errors and 5xx responses are retried with
// a doubling backoff; a 4xx response is permanent and ends delivery at once.
func (b *WebhookBus) send(cfg WebhookConfig, e StageEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal stage event: %w", err)
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(backoff)
			backoff *= 2
		}

		status, err := b.post(cfg, payload)
		switch {
		case err != nil:
			lastErr = err
		case status/100 == 2:
			return nil
		case status >= 400 && status < 500:
			return fmt.Errorf("endpoint %s refused stage %s: status %d", cfg.URL, e.Stage, status)
		default:
			lastErr = fmt.Errorf("status %d from %s", status, cfg.URL)
		}
	}
	return fmt.Errorf("stage %s undelivered after %d attempts: %w", e.Stage, maxAttempts, lastErr)
}

func (b *WebhookBus) post(cfg WebhookConfig, payload []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	// Drain so the connection can be reused.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

func subscribed(stages []string, stage string) bool {
	if len(stages) == 0 {
		return true
	}
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}
