// Package telemetry turns lifecycle events into Prometheus metrics.
package telemetry

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"resultwatch/internal/eventbus"
	"resultwatch/internal/notifier"
	"resultwatch/internal/watch"
)

const namespace = "resultwatch"

// Collector records invocation and delivery metrics. Feed it with Observe
// or let Run consume the event bus.
type Collector struct {
	invocations   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	fetched       prometheus.Gauge
	delta         prometheus.Counter
	skipped       prometheus.Counter
	seeded        prometheus.Counter
	notifications *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
}

// NewCollector registers the metrics with reg. Registering twice on the same
// registry reuses the existing metrics.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var (
		c   Collector
		err error
	)
	if c.invocations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invocations_total",
		Help:      "Invocations by kind (check, init) and outcome.",
	}, []string{"kind", "outcome"})); err != nil {
		return nil, err
	}
	if c.duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "invocation_duration_seconds",
		Help:      "Wall time of one invocation.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if c.fetched, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "results_fetched",
		Help:      "Results returned by the last successful source read.",
	})); err != nil {
		return nil, err
	}
	if c.delta, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delta_results_total",
		Help:      "New or changed results detected.",
	})); err != nil {
		return nil, err
	}
	if c.skipped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_skipped_total",
		Help:      "Delta results left to a concurrent invocation.",
	})); err != nil {
		return nil, err
	}
	if c.seeded, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_seeded_total",
		Help:      "Entries inserted by initialize-state.",
	})); err != nil {
		return nil, err
	}
	if c.notifications, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification messages by transport and outcome (sent, failed).",
	}, []string{"transport", "outcome"})); err != nil {
		return nil, err
	}
	if c.lastSuccess, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last check that completed without error.",
	})); err != nil {
		return nil, err
	}
	return &c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// Run observes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

func (c *Collector) Observe(ev eventbus.Event) {
	if c == nil {
		return
	}
	switch d := ev.Data.(type) {
	case watch.CheckEvent:
		c.invocations.WithLabelValues("check", d.Outcome).Inc()
		c.duration.WithLabelValues("check").Observe(d.Report.Took.Seconds())
		if d.Report.Fetched > 0 {
			c.fetched.Set(float64(d.Report.Fetched))
		}
		c.delta.Add(float64(d.Report.Delta))
		c.skipped.Add(float64(d.Report.Skipped))
		if d.Outcome == "ok" {
			c.lastSuccess.Set(float64(ev.Time.Unix()))
		}
	case watch.InitEvent:
		c.invocations.WithLabelValues("init", d.Outcome).Inc()
		c.duration.WithLabelValues("init").Observe(d.Report.Took.Seconds())
		c.seeded.Add(float64(d.Report.Seeded))
	case notifier.NotificationEvent:
		outcome := "sent"
		if ev.Type == notifier.EventFailed {
			outcome = "failed"
		}
		c.notifications.WithLabelValues(d.Transport, outcome).Inc()
	}
}
