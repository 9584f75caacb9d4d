package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/engine"
	"github.com/toolgate-io/toolgate/internal/metrics"
	"github.com/toolgate-io/toolgate/internal/model"
	"github.com/toolgate-io/toolgate/internal/policy"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	registry := prometheus.NewRegistry()
	eng, err := engine.New(engine.Options{
		Policy:  policy.Default(),
		Metrics: metrics.New(registry),
	})
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return New(eng, Config{Addr: "127.0.0.1:0", Registry: registry}, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestEvaluateAllows(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/evaluate",
		`{"tool":"search","session_id":"s1","agent_id":"a1","parameters":{"query":"weather"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	var d model.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if d.Blocked {
		t.Errorf("low-risk call blocked: %s", d.Reason)
	}
	if d.Assessment.Level != model.RiskLow {
		t.Errorf("risk %s, want low", d.Assessment.Level)
	}
}

func TestEvaluateRejectsBadJSON(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/evaluate", `{"tool":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	var e map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if e["error"] == "" {
		t.Error("error body should explain the rejection")
	}
}

func TestEvaluateRequiresTool(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/evaluate", `{"session_id":"s1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestDataAccessCrossSessionDenied(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/data-access",
		`{"ref":{"key":"notes","session_id":"s1"},"context":{"session_id":"s2"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	var res model.AccessResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	// Operation defaults to read when omitted.
	if res.Allowed {
		t.Error("cross-session access should be denied")
	}
	if !strings.Contains(res.Reason, "read") {
		t.Errorf("reason should name the defaulted operation: %s", res.Reason)
	}
}

func TestPendingEmpty(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/v1/pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var entries []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode pending list: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("pending %d, want 0", len(entries))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	if rec := do(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz status %d", rec.Code)
	}

	// Record one decision so the registry has samples to expose.
	do(t, s, http.MethodPost, "/v1/evaluate", `{"tool":"search","session_id":"s1"}`)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "toolgate_decisions_total") {
		t.Error("metrics output missing decision counter")
	}
}
