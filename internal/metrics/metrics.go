// Package metrics exposes queue, agent and breaker metrics to Prometheus.
//
// All Record/Set methods are safe on a nil *Collector, so services can hold an
// optional collector without guarding every call.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the operator's metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	ticketsAdmitted  prometheus.Counter
	ticketsCompleted prometheus.Counter
	ticketsFailed    prometheus.Counter
	sessionsLaunched prometheus.Counter
	decisions        *prometheus.CounterVec
	breakerOpens     prometheus.Counter
	selfHeals        prometheus.Counter

	queued   prometheus.Gauge
	active   prometheus.Gauge
	awaiting prometheus.Gauge
	paused   prometheus.Gauge

	stepDuration *prometheus.HistogramVec
}

// NewCollector creates a collector and registers its metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ticketsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "operator_tickets_admitted_total",
			Help: "Total number of tickets admitted from the queue",
		}),
		ticketsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "operator_tickets_completed_total",
			Help: "Total number of tickets that completed their workflow",
		}),
		ticketsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "operator_tickets_failed_total",
			Help: "Total number of tickets that ended failed",
		}),
		sessionsLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "operator_sessions_launched_total",
			Help: "Total number of agent sessions launched",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "operator_decisions_total",
			Help: "Step decisions by kind",
		}, []string{"kind"}),
		breakerOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "operator_breaker_opens_total",
			Help: "Total number of circuit breakers that opened",
		}),
		selfHeals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "operator_self_heals_total",
			Help: "Total number of status/directory mismatches repaired",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "operator_tickets_queued",
			Help: "Current number of queued tickets",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "operator_tickets_active",
			Help: "Current number of tickets in progress",
		}),
		awaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "operator_tickets_awaiting",
			Help: "Current number of tickets waiting for review",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "operator_paused",
			Help: "1 when admissions are paused",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "operator_step_duration_seconds",
			Help:    "Wall time of finished agent sessions",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		}, []string{"step"}),
	}

	c.registry.MustRegister(
		c.ticketsAdmitted,
		c.ticketsCompleted,
		c.ticketsFailed,
		c.sessionsLaunched,
		c.decisions,
		c.breakerOpens,
		c.selfHeals,
		c.queued,
		c.active,
		c.awaiting,
		c.paused,
		c.stepDuration,
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordAdmitted() {
	if c == nil {
		return
	}
	c.ticketsAdmitted.Inc()
}

func (c *Collector) RecordCompleted() {
	if c == nil {
		return
	}
	c.ticketsCompleted.Inc()
}

func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.ticketsFailed.Inc()
}

func (c *Collector) RecordLaunch() {
	if c == nil {
		return
	}
	c.sessionsLaunched.Inc()
}

func (c *Collector) RecordDecision(kind string) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordBreakerOpen() {
	if c == nil {
		return
	}
	c.breakerOpens.Inc()
}

func (c *Collector) RecordSelfHeal() {
	if c == nil {
		return
	}
	c.selfHeals.Inc()
}

// RecordStepDuration observes a finished session.
func (c *Collector) RecordStepDuration(step string, d time.Duration) {
	if c == nil {
		return
	}
	c.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// UpdateQueueStats sets the queue gauges.
func (c *Collector) UpdateQueueStats(queued, active, awaiting int, paused bool) {
	if c == nil {
		return
	}
	c.queued.Set(float64(queued))
	c.active.Set(float64(active))
	c.awaiting.Set(float64(awaiting))
	if paused {
		c.paused.Set(1)
	} else {
		c.paused.Set(0)
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
