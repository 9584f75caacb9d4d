package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/approval"
	"github.com/toolgate-io/toolgate/internal/audit"
	"github.com/toolgate-io/toolgate/internal/bus"
	"github.com/toolgate-io/toolgate/internal/engine"
	"github.com/toolgate-io/toolgate/internal/metrics"
	"github.com/toolgate-io/toolgate/internal/policy"
	"github.com/toolgate-io/toolgate/internal/server"
)

var (
	serveAddr    string
	serveWebhook []string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8466", "Listen address")
	serveCmd.Flags().StringArrayVar(&serveWebhook, "webhook", nil, "Stage event webhook URL (repeatable)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the guardrail API server",
	Long: "Serves evaluate and data-access checks over HTTP with Prometheus metrics.\n" +
		"Approvals are delivered as file tickets; resolve them with 'toolgate approve'\n" +
		"or 'toolgate deny' while the server waits.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	pol, hash, err := policy.LoadWithHash(policyPath)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := audit.OpenSQLite(auditDBPath())
	if err != nil {
		return err
	}

	fileStore, err := approval.NewFileStore(approval.DefaultDir())
	if err != nil {
		return err
	}

	var stageBus bus.Bus = bus.Nop{}
	if len(serveWebhook) > 0 {
		configs := make([]bus.WebhookConfig, 0, len(serveWebhook))
		for _, url := range serveWebhook {
			configs = append(configs, bus.WebhookConfig{URL: url})
		}
		stageBus = bus.NewWebhookBus(configs, logger)
	}

	registry := prometheus.NewRegistry()
	eng, err := engine.New(engine.Options{
		Policy:     pol,
		PolicyHash: hash,
		Store:      store,
		Callback:   fileStore,
		Bus:        stageBus,
		Metrics:    metrics.New(registry),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := approval.NewWatcher(fileStore, eng.Coordinator(), logger)
	go watcher.Run(ctx)

	// Surface audit write failures; the decisions they record already took
	// effect.
	go func() {
		for f := range eng.Failures() {
			logger.Error("audit trail gap",
				zap.String("event_id", f.Event.ID),
				zap.Error(f.Err))
		}
	}()

	// Retention pruning once a day.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := eng.PruneAudit(); err != nil {
					logger.Warn("audit retention prune failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("pruned audit events", zap.Int("count", n))
				}
			}
		}
	}()

	srv := server.New(eng, server.Config{Addr: serveAddr, Registry: registry}, logger)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
