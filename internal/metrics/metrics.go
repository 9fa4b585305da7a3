// Package metrics exports conversion and cleanup telemetry to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"uniconvert/internal/models"
)

const namespace = "uniconvert"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	reg         prometheus.Registerer
	conversions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	destroyed   *prometheus.CounterVec
	freedBytes  prometheus.Counter
	cleanupErrs prometheus.Counter
}

// New registers the collectors on reg (the default registerer when nil).
// Registering twice on one registry reuses the existing collectors.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{reg: reg}
	var err error
	if m.conversions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversions_total",
		Help:      "Conversions by source format, target format and outcome.",
	}, []string{"source", "target", "outcome"})); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "conversion_duration_seconds",
		Help:      "Time spent inside a conversion capability.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"capability"})); err != nil {
		return nil, err
	}
	if m.destroyed, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_destroyed_total",
		Help:      "Destroyed sessions by trigger.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if m.freedBytes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "freed_bytes_total",
		Help:      "Bytes removed from session workspaces.",
	})); err != nil {
		return nil, err
	}
	if m.cleanupErrs, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanup_errors_total",
		Help:      "Paths that could not be deleted during cleanup.",
	})); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

// TrackStore exposes live session counts and stored bytes, sampled on scrape.
func (m *Metrics) TrackStore(stats func() models.StoreStats) error {
	if m == nil {
		return nil
	}
	if _, err := register(m.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently held by the store.",
	}, func() float64 { return float64(stats().Sessions) })); err != nil {
		return err
	}
	_, err := register(m.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stored_bytes",
		Help:      "Bytes held in session workspaces.",
	}, func() float64 { return float64(stats().TotalBytes) }))
	return err
}

// TrackQueue exposes the worker pool size and queued conversions.
func (m *Metrics) TrackQueue(workers, queued func() int) error {
	if m == nil {
		return nil
	}
	if _, err := register(m.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers",
		Help:      "Running conversion workers.",
	}, func() float64 { return float64(workers()) })); err != nil {
		return err
	}
	_, err := register(m.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queued_conversions",
		Help:      "Conversions waiting for a worker.",
	}, func() float64 { return float64(queued()) }))
	return err
}

func (m *Metrics) ObserveConversion(source, target, outcome, capability string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(source, target, outcome).Inc()
	if capability != "" {
		m.duration.WithLabelValues(capability).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveDestroy(report models.DestroyReport) {
	if m == nil || !report.Existed {
		return
	}
	m.destroyed.WithLabelValues(string(report.Reason)).Inc()
	m.freedBytes.Add(float64(report.FreedBytes()))
	if n := len(report.Errors); n > 0 {
		m.cleanupErrs.Add(float64(n))
	}
}
