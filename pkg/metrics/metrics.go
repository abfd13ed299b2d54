// Package metrics exports orchestration engine metrics to Prometheus.
//
// PrometheusObserver implements api.Observer, so it plugs into the engine
// and workers the same way any other observer does. Metrics are registered
// on a private registry; expose them with Handler on the HTTP server's
// /metrics route.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riptide-engine/riptide/pkg/api"
)

// PrometheusObserver records instance and activity lifecycle events as
// Prometheus metrics.
type PrometheusObserver struct {
	registry *prometheus.Registry

	instancesStarted   prometheus.Counter
	instancesCompleted *prometheus.CounterVec
	activityDuration   *prometheus.HistogramVec
	activityFailures   *prometheus.CounterVec
	eventsRaised       *prometheus.CounterVec
	timersFired        prometheus.Counter
}

// NewPrometheusObserver creates an observer with its own registry. All
// metrics carry the "riptide" namespace.
func NewPrometheusObserver() *PrometheusObserver {
	registry := prometheus.NewRegistry()

	o := &PrometheusObserver{
		registry: registry,

		instancesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riptide",
			Name:      "instances_started_total",
			Help:      "Total number of orchestration instances started",
		}),
		instancesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riptide",
				Name:      "instances_completed_total",
				Help:      "Total number of orchestration instances reaching a terminal status",
			},
			[]string{"orchestration", "status"},
		),
		activityDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "riptide",
				Name:      "activity_duration_seconds",
				Help:      "Duration of activity executions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"activity"},
		),
		activityFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riptide",
				Name:      "activity_failures_total",
				Help:      "Total number of failed activity executions",
			},
			[]string{"activity"},
		),
		eventsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "riptide",
				Name:      "events_raised_total",
				Help:      "Total number of external events delivered to instances",
			},
			[]string{"event"},
		),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riptide",
			Name:      "timers_fired_total",
			Help:      "Total number of durable timer fires delivered",
		}),
	}

	registry.MustRegister(
		o.instancesStarted,
		o.instancesCompleted,
		o.activityDuration,
		o.activityFailures,
		o.eventsRaised,
		o.timersFired,
	)
	return o
}

var _ api.Observer = (*PrometheusObserver)(nil)

// Handler returns the HTTP handler serving this observer's metrics.
func (o *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for callers that want to add
// their own collectors next to the engine's.
func (o *PrometheusObserver) Registry() *prometheus.Registry {
	return o.registry
}

func (o *PrometheusObserver) OnInstanceStart(ctx context.Context, inst *api.InstanceInfo) {
	o.instancesStarted.Inc()
}

func (o *PrometheusObserver) OnInstanceCompleted(ctx context.Context, inst *api.InstanceInfo) {
	o.instancesCompleted.WithLabelValues(inst.Orchestration, string(inst.Status)).Inc()
}

func (o *PrometheusObserver) OnInstanceFailed(ctx context.Context, inst *api.InstanceInfo, err error) {
	o.instancesCompleted.WithLabelValues(inst.Orchestration, string(api.StatusFailed)).Inc()
}

func (o *PrometheusObserver) OnActivityStart(ctx context.Context, instanceID, activity string, taskID int32) {
}

func (o *PrometheusObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, taskID int32, err error, d time.Duration) {
	o.activityDuration.WithLabelValues(activity).Observe(d.Seconds())
	if err != nil {
		o.activityFailures.WithLabelValues(activity).Inc()
	}
}

func (o *PrometheusObserver) OnEventRaised(ctx context.Context, instanceID, name string) {
	o.eventsRaised.WithLabelValues(name).Inc()
}

func (o *PrometheusObserver) OnTimerFired(ctx context.Context, instanceID string, taskID int32) {
	o.timersFired.Inc()
}
