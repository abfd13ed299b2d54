package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/riptide-engine/riptide/pkg/api"
)

func TestPrometheusObserverCounters(t *testing.T) {
	ctx := context.Background()
	o := NewPrometheusObserver()

	inst := &api.InstanceInfo{ID: "i1", Orchestration: "phone-verification", Status: api.StatusCompleted}

	o.OnInstanceStart(ctx, inst)
	o.OnInstanceStart(ctx, inst)
	o.OnInstanceCompleted(ctx, inst)
	o.OnInstanceFailed(ctx, inst, errors.New("boom"))

	o.OnActivityCompleted(ctx, "i1", "send-code", 1, nil, 50*time.Millisecond)
	o.OnActivityCompleted(ctx, "i1", "send-code", 4, errors.New("gateway down"), 10*time.Millisecond)

	o.OnEventRaised(ctx, "i1", "code-response")
	o.OnTimerFired(ctx, "i1", 2)

	if got := testutil.ToFloat64(o.instancesStarted); got != 2 {
		t.Fatalf("instances_started_total = %v, want 2", got)
	}
	completed := o.instancesCompleted.WithLabelValues("phone-verification", string(api.StatusCompleted))
	if got := testutil.ToFloat64(completed); got != 1 {
		t.Fatalf("instances_completed_total{COMPLETED} = %v, want 1", got)
	}
	failed := o.instancesCompleted.WithLabelValues("phone-verification", string(api.StatusFailed))
	if got := testutil.ToFloat64(failed); got != 1 {
		t.Fatalf("instances_completed_total{FAILED} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.activityFailures.WithLabelValues("send-code")); got != 1 {
		t.Fatalf("activity_failures_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.eventsRaised.WithLabelValues("code-response")); got != 1 {
		t.Fatalf("events_raised_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.timersFired); got != 1 {
		t.Fatalf("timers_fired_total = %v, want 1", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	o := NewPrometheusObserver()
	o.OnInstanceStart(context.Background(), &api.InstanceInfo{ID: "i1"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	o.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "riptide_instances_started_total 1") {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}

func TestRegistryIsPrivate(t *testing.T) {
	a := NewPrometheusObserver()
	b := NewPrometheusObserver()

	// Two observers must not collide on metric registration.
	a.OnTimerFired(context.Background(), "i1", 2)
	if got := testutil.ToFloat64(b.timersFired); got != 0 {
		t.Fatalf("registries are shared: %v", got)
	}
	if a.Registry() == b.Registry() {
		t.Fatal("expected distinct registries")
	}
}
