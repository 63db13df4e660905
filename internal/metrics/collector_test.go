package metrics_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/config"
	"github.com/basket/meridian/internal/metrics"
	"github.com/basket/meridian/internal/orchestrator"
)

func TestCollector_SamplePopulatesAgentStatusGauge(t *testing.T) {
	b, err := bus.Open(filepath.Join(t.TempDir(), "bus.db"), nil)
	if err != nil {
		t.Fatalf("bus.Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	orch := orchestrator.New(nil, nil)
	orch.Register(&config.AgentDescriptor{Name: "triager", Mode: config.ModeAutonomous})

	reg := metrics.New()
	collector := metrics.NewCollector(reg, orch, b, []string{"pool.autonomous"})
	collector.RunOnce(context.Background())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	reg.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `meridian_agent_status{agent_name="triager",status="REGISTERED"} 1`) {
		t.Fatalf("expected REGISTERED status gauge for triager, got:\n%s", body)
	}
	if !strings.Contains(body, "meridian_queue_depth") {
		t.Fatalf("expected queue depth gauge to be present, got:\n%s", body)
	}
}
