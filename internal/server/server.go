// Package server exposes the guardrail engine over HTTP for workflow
// engines that run out of process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/engine"
	"github.com/toolgate-io/toolgate/internal/model"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr     string
	Registry *prometheus.Registry
}

// Server serves evaluate and data-access checks over HTTP, plus pending
// approvals, health, and Prometheus metrics.
type Server struct {
	eng    *engine.Engine
	logger *zap.Logger
	http   *http.Server
}

// New wires an engine to an HTTP server.
func New(eng *engine.Engine, cfg Config, logger *zap.Logger) *Server {
	s := &Server{eng: eng, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /v1/data-access", s.handleDataAccess)
	mux.HandleFunc("GET /v1/pending", s.handlePending)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if cfg.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve blocks until Shutdown or a listener error.
func (s *Server) Serve() error {
	s.logger.Info("serving guardrail API", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var inv model.Invocation
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("decode invocation: %v", err))
		return
	}
	if inv.Tool == "" {
		httpError(w, http.StatusBadRequest, "tool is required")
		return
	}
	// The approval wait is bounded by the policy deadline; client
	// disconnects cancel it through the request context.
	d := s.eng.EvaluateToolCall(r.Context(), inv)
	writeJSON(w, http.StatusOK, d)
}

type dataAccessRequest struct {
	Ref       model.DataRef       `json:"ref"`
	Operation string              `json:"operation"`
	Context   model.AccessContext `json:"context"`
}

func (s *Server) handleDataAccess(w http.ResponseWriter, r *http.Request) {
	var req dataAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.Operation == "" {
		req.Operation = "read"
	}
	res := s.eng.CheckDataAccess(req.Ref, req.Operation, req.Context)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	type pendingEntry struct {
		ID        string    `json:"id"`
		Tool      string    `json:"tool"`
		SessionID string    `json:"session_id"`
		RiskLevel string    `json:"risk_level"`
		Deadline  time.Time `json:"deadline"`
	}
	reqs := s.eng.PendingApprovals()
	out := make([]pendingEntry, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, pendingEntry{
			ID:        req.ID,
			Tool:      req.Invocation.Tool,
			SessionID: req.Invocation.SessionID,
			RiskLevel: req.Assessment.Level.String(),
			Deadline:  req.Deadline,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
