package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atlas-liquidity/dlmm-strategy-engine/internal/metrics"
	"github.com/atlas-liquidity/dlmm-strategy-engine/pkg/types"
	"go.uber.org/zap"
)

type fakeLister struct {
	instances map[string]*types.StrategyInstance
}

func (f *fakeLister) Get(id string) (*types.StrategyInstance, bool) {
	inst, ok := f.instances[id]
	return inst, ok
}

func (f *fakeLister) List() []*types.StrategyInstance {
	out := make([]*types.StrategyInstance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out
}

func newTestServer() *Server {
	lister := &fakeLister{instances: map[string]*types.StrategyInstance{
		"inst-1": {ID: "inst-1", Status: types.StatusRunning},
	}}
	return NewServer(zap.NewNop(), DefaultConfig(), lister, metrics.New())
}

func TestHandleHealth_ReportsSuccess(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if !env.Success {
		t.Fatal("expected success=true")
	}
}

func TestHandleListInstances_ReturnsAllTracked(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/instances", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleGetInstance_NotFoundReturns404(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/instances/missing", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if env.Success {
		t.Fatal("expected success=false for missing instance")
	}
}

func TestHandleGetInstance_FoundReturnsData(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/instances/inst-1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpoint_ServesPrometheusFormat(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
