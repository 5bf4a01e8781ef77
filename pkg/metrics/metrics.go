// Prometheus metrics for motion control
//
// Collectors are registered on a caller-supplied registry so that tests and
// the CLI each get an isolated set.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stepdrive/pkg/pool"
)

const namespace = "stepdrive"

// Motion holds the collectors updated by the sequencer and supervisor.
// All methods are safe on a nil receiver.
type Motion struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	Chunks          prometheus.Counter
	ChunkFailures   *prometheus.CounterVec
	PulsesSubmitted prometheus.Counter
	PulsesCompleted prometheus.Counter
	ChunkDuration   prometheus.Histogram
	StopLatency     prometheus.Histogram
	SensorTrips     *prometheus.CounterVec
	State           *prometheus.GaugeVec

	// Pulse buffer pool counters, read from pkg/pool at scrape time.
	PulsePoolGets   prometheus.CounterFunc
	PulsePoolMisses prometheus.CounterFunc
}

// NewMotion creates the motion collectors on reg. A nil reg gets a fresh
// registry with the Go and process collectors.
func NewMotion(reg *prometheus.Registry) *Motion {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Motion{
		registry: reg,

		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "motion_requests_total",
			Help:      "Motion requests by stop reason.",
		}, []string{"reason"}),

		Chunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_submitted_total",
			Help:      "Waveform chunks submitted to the backend.",
		}),

		ChunkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_failures_total",
			Help:      "Chunk submission failures by action taken (retried, skipped, failed).",
		}, []string{"action"}),

		PulsesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulses_submitted_total",
			Help:      "Step pulses handed to the backend.",
		}),

		PulsesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulses_completed_total",
			Help:      "Step pulses observed finished.",
		}),

		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Wall time from chunk submission to observed completion.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),

		StopLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stop_latency_seconds",
			Help:      "Time from a cancellation request to the pulse loop exiting.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),

		SensorTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_trips_total",
			Help:      "Limit sensor activations by line.",
		}, []string{"sensor"}),

		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "1 for the current supervisor state, 0 otherwise.",
		}, []string{"state"}),

		PulsePoolGets: factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulse_pool_gets_total",
			Help:      "Pulse buffers taken from the pool.",
		}, func() float64 { return float64(pool.ReadStats().PulseGets) }),

		PulsePoolMisses: factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulse_pool_misses_total",
			Help:      "Pulse buffers the pool had to allocate.",
		}, func() float64 { return float64(pool.ReadStats().PulseMisses) }),
	}
}

// Registry returns the registry the collectors live on.
func (m *Motion) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordChunk counts a completed or interrupted chunk.
func (m *Motion) RecordChunk(pulses int, completed bool, took time.Duration) {
	if m == nil {
		return
	}
	m.Chunks.Inc()
	m.PulsesSubmitted.Add(float64(pulses))
	if completed {
		m.PulsesCompleted.Add(float64(pulses))
		m.ChunkDuration.Observe(took.Seconds())
	}
}

// RecordChunkFailure counts a failed submission attempt.
func (m *Motion) RecordChunkFailure(action string) {
	if m == nil {
		return
	}
	m.ChunkFailures.WithLabelValues(action).Inc()
}

// RecordStopLatency observes the delay between a stop and loop exit.
func (m *Motion) RecordStopLatency(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.StopLatency.Observe(d.Seconds())
}

// RecordSensorTrip counts a limit sensor activation.
func (m *Motion) RecordSensorTrip(sensor string) {
	if m == nil {
		return
	}
	m.SensorTrips.WithLabelValues(sensor).Inc()
}

// RecordRequest counts a finished request by stop reason.
func (m *Motion) RecordRequest(reason string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(reason).Inc()
}

// SetState marks state as current among all known states.
func (m *Motion) SetState(state string, known []string) {
	if m == nil {
		return
	}
	for _, s := range known {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}
