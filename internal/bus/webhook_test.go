package bus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/model"
)

func TestPublishDeliversSubscribedStages(t *testing.T) {
	var mu sync.Mutex
	var received []StageEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e StageEvent
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}))
	defer srv.Close()

	b := NewWebhookBus([]WebhookConfig{
		{URL: srv.URL, Stages: []string{StageToolBlocked}},
	}, zap.NewNop())

	b.Publish(StageEvent{Stage: StageToolAllowed, Tool: "search"})
	b.Publish(StageEvent{Stage: StageToolBlocked, Tool: "payments", RiskLevel: model.RiskHigh})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscribed event never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	if received[0].Stage != StageToolBlocked || received[0].Tool != "payments" {
		t.Errorf("unexpected event %+v", received[0])
	}
}

func TestEmptyStagesSubscribesToAll(t *testing.T) {
	var mu sync.Mutex
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	defer srv.Close()

	b := NewWebhookBus([]WebhookConfig{{URL: srv.URL}}, zap.NewNop())
	b.Publish(StageEvent{Stage: StageToolAllowed})
	b.Publish(StageEvent{Stage: StageRiskAssessment})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := count
		mu.Unlock()
		if n == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d events, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	b := NewWebhookBus([]WebhookConfig{{URL: srv.URL}}, zap.NewNop())
	if err := b.send(b.configs[0], StageEvent{Stage: StageToolBlocked}); err != nil {
		t.Fatalf("send should succeed on retry: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts %d, want 2", attempts)
	}
}

func TestClientErrorsDoNotRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := NewWebhookBus([]WebhookConfig{{URL: srv.URL}}, zap.NewNop())
	if err := b.send(b.configs[0], StageEvent{Stage: StageToolBlocked}); err == nil {
		t.Fatal("4xx should fail without retry")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts %d, want 1", attempts)
	}
}

func TestNilWhenUnconfigured(t *testing.T) {
	if b := NewWebhookBus(nil, zap.NewNop()); b != nil {
		t.Error("no endpoints should yield nil")
	}
}
