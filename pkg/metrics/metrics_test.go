// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepdrive/pkg/pool"
)

func TestRecordChunk(t *testing.T) {
	m := NewMotion(prometheus.NewRegistry())

	m.RecordChunk(2000, true, 4*time.Millisecond)
	m.RecordChunk(500, false, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Chunks))
	assert.Equal(t, 2500.0, testutil.ToFloat64(m.PulsesSubmitted))
	assert.Equal(t, 2000.0, testutil.ToFloat64(m.PulsesCompleted))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ChunkDuration))
}

func TestLabelledCounters(t *testing.T) {
	m := NewMotion(prometheus.NewRegistry())

	m.RecordChunkFailure("retried")
	m.RecordChunkFailure("retried")
	m.RecordChunkFailure("skipped")
	m.RecordSensorTrip("gpio22")
	m.RecordRequest("limit_switch")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunkFailures.WithLabelValues("retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunkFailures.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SensorTrips.WithLabelValues("gpio22")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("limit_switch")))
}

func TestSetState(t *testing.T) {
	m := NewMotion(prometheus.NewRegistry())
	known := []string{"idle", "running"}

	m.SetState("running", known)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.State.WithLabelValues("idle")))
}

func TestPulsePoolCounters(t *testing.T) {
	m := NewMotion(prometheus.NewRegistry())
	before := testutil.ToFloat64(m.PulsePoolGets)

	pool.PutPulses(pool.GetPulses(16))
	pool.PutPulses(pool.GetPulses(16))

	assert.Equal(t, before+2, testutil.ToFloat64(m.PulsePoolGets))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.PulsePoolMisses), 0.0)
}

func TestNilMotionIsSafe(t *testing.T) {
	var m *Motion
	m.RecordChunk(1, true, time.Millisecond)
	m.RecordChunkFailure("failed")
	m.RecordStopLatency(time.Millisecond)
	m.RecordSensorTrip("x")
	m.RecordRequest("completed")
	m.SetState("idle", []string{"idle"})
	assert.Nil(t, m.Registry())
}

func TestHandler(t *testing.T) {
	m := NewMotion(nil)
	m.RecordChunk(10, true, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler(HandlerConfig{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "stepdrive_pulses_completed_total 10")
	assert.True(t, strings.Contains(body, "go_goroutines"), "default registry includes Go collector")
}

func TestHandlerBasicAuth(t *testing.T) {
	m := NewMotion(prometheus.NewRegistry())
	h := m.Handler(HandlerConfig{Username: "admin", Password: "secret"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
