package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesRegisteredCollectors(t *testing.T) {
	reg := New()
	reg.TickDuration.WithLabelValues("inst-1").Observe(0.25)
	reg.RetryAttempts.WithLabelValues("position.create", "success").Inc()
	reg.InstancePnL.WithLabelValues("inst-1").Set(3.5)
	reg.HealthIssues.WithLabelValues("timer_leak").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"dlmm_engine_tick_duration_seconds",
		"dlmm_engine_retry_attempts_total",
		"dlmm_engine_instance_net_pnl_percent",
		"dlmm_engine_health_issues_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}
