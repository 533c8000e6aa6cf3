// Package metrics exposes Prometheus counters for worker supervision and
// content surface lifecycle. All methods are safe on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Close outcomes recorded by SurfaceClosed.
const (
	OutcomeClosed   = "closed"
	OutcomeDeclined = "declined"
	OutcomeForced   = "forced"
	OutcomeTimeout  = "timeout"
)

// Metrics holds all Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	workerSpawns     *prometheus.CounterVec
	workerCrashes    *prometheus.CounterVec
	workerRecoveries *prometheus.CounterVec
	workerUp         *prometheus.GaugeVec

	surfaceCloses *prometheus.CounterVec
	surfaces      prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		workerSpawns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beamhost_worker_spawns_total",
				Help: "Worker processes spawned, including recoveries",
			},
			[]string{"worker"},
		),
		workerCrashes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beamhost_worker_crashes_total",
				Help: "Unexpected worker exits and spawn failures",
			},
			[]string{"worker"},
		),
		workerRecoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beamhost_worker_recoveries_total",
				Help: "Recovery attempts made by the debounce timer",
			},
			[]string{"worker"},
		),
		workerUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "beamhost_worker_up",
				Help: "1 while the worker has reported ready",
			},
			[]string{"worker"},
		),
		surfaceCloses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "beamhost_surface_closes_total",
				Help: "Surface close attempts by outcome",
			},
			[]string{"outcome"},
		),
		surfaces: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "beamhost_surfaces",
				Help: "Surfaces in the ordered list",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WorkerSpawned counts a spawn of worker.
func (m *Metrics) WorkerSpawned(worker string) {
	if m == nil {
		return
	}
	m.workerSpawns.WithLabelValues(worker).Inc()
}

// WorkerCrashed counts an unexpected exit or failed spawn of worker.
func (m *Metrics) WorkerCrashed(worker string) {
	if m == nil {
		return
	}
	m.workerCrashes.WithLabelValues(worker).Inc()
	m.workerUp.WithLabelValues(worker).Set(0)
}

// WorkerRecovering counts a recovery attempt of worker.
func (m *Metrics) WorkerRecovering(worker string) {
	if m == nil {
		return
	}
	m.workerRecoveries.WithLabelValues(worker).Inc()
}

// WorkerUp sets the readiness gauge of worker.
func (m *Metrics) WorkerUp(worker string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.workerUp.WithLabelValues(worker).Set(v)
}

// SurfaceClosed counts a close attempt with the given outcome.
func (m *Metrics) SurfaceClosed(outcome string) {
	if m == nil {
		return
	}
	m.surfaceCloses.WithLabelValues(outcome).Inc()
}

// SetSurfaces sets the surfaces gauge.
func (m *Metrics) SetSurfaces(n int) {
	if m == nil {
		return
	}
	m.surfaces.Set(float64(n))
}
