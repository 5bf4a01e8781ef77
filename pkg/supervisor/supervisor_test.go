// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package supervisor

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stepdrive/pkg/endstop"
	"stepdrive/pkg/errors"
	"stepdrive/pkg/gpio"
	"stepdrive/pkg/gpio/gpiotest"
	"stepdrive/pkg/log"
	"stepdrive/pkg/metrics"
	"stepdrive/pkg/safety"
	"stepdrive/pkg/sequencer"
	"stepdrive/pkg/stepper"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var pins = stepper.Pins{Direction: 13, Step: 19, Enable: 12}

const (
	sensorA = 22
	sensorB = 23
)

type harness struct {
	fake    *gpiotest.Backend
	sup     *Supervisor
	metrics *metrics.Motion
}

func newHarness(t *testing.T, seqCfg sequencer.Config) *harness {
	t.Helper()
	fake := gpiotest.New()
	motor, err := stepper.New(fake, pins)
	require.NoError(t, err)

	mm := metrics.NewMotion(prometheus.NewRegistry())
	if seqCfg.PollInterval == 0 {
		seqCfg.PollInterval = 100 * time.Microsecond
	}
	seqCfg.Metrics = mm

	group := endstop.NewEndstopGroup("limits")
	group.Add(endstop.New(endstop.DefaultEndstopConfig(sensorA)))
	group.Add(endstop.New(endstop.DefaultEndstopConfig(sensorB)))

	sup := New(motor, sequencer.New(fake, seqCfg), fake, group, Config{
		PollInterval: 100 * time.Microsecond,
		Metrics:      mm,
	})
	fake.ResetWrites()
	return &harness{fake: fake, sup: sup, metrics: mm}
}

func (h *harness) disableCount() int {
	return h.fake.CountWrites(pins.Enable, gpio.Low)
}

func (h *harness) enableCount() int {
	return h.fake.CountWrites(pins.Enable, gpio.High)
}

func TestRunCompletes(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())
	h.fake.BusyPolls = 1

	out, err := h.sup.Run(context.Background(), Request{Steps: 4500, FreqHz: 500, Clockwise: true})
	require.NoError(t, err)

	assert.Equal(t, safety.ReasonCompleted, out.Reason)
	assert.False(t, out.Cancelled())
	assert.Equal(t, 4500, out.Result.PulsesCompleted)
	assert.Equal(t, []int{2000, 2000, 500}, h.fake.ChunkSizes())
	assert.Equal(t, 1, h.enableCount())
	assert.Equal(t, 1, h.disableCount())
	assert.Equal(t, []gpio.Level{gpio.High}, h.fake.Writes(pins.Direction))
	assert.Equal(t, StateDisabled, h.sup.State())
	assert.Zero(t, h.fake.Watching(sensorA), "sensors disarmed")
	assert.Positive(t, out.Elapsed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Requests.WithLabelValues("completed")))
}

func TestRunLimitSwitchDuringFirstChunk(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())
	h.fake.BusyPolls = 1000
	h.fake.BusyHook = func(id gpio.WaveID, poll int) {
		if poll == 2 {
			h.fake.Set(sensorA, gpio.High)
		}
	}

	out, err := h.sup.Run(context.Background(), Request{Steps: 4500, FreqHz: 500})
	require.NoError(t, err, "cancellation is not an error")

	assert.Equal(t, safety.ReasonLimitSwitch, out.Reason)
	assert.Equal(t, "gpio22", out.Source)
	assert.True(t, out.Cancelled())
	assert.Equal(t, 1, h.fake.Attempts(), "exactly one chunk submitted")
	assert.Zero(t, h.fake.Outstanding())
	assert.Equal(t, 1, h.disableCount(), "driver disabled exactly once")
	assert.False(t, h.sup.motor.Enabled())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SensorTrips.WithLabelValues("gpio22")))
}

func TestRunDoubleTriggerSingleTransition(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())
	h.fake.BusyPolls = 1000
	h.fake.BusyHook = func(id gpio.WaveID, poll int) {
		if poll == 1 {
			h.fake.Set(sensorB, gpio.High)
			h.fake.Set(sensorA, gpio.High)
		}
	}

	var transitions []string
	var mu sync.Mutex
	h.sup.OnStateChange(func(old, new State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, old.String()+"->"+new.String())
	})

	out, err := h.sup.Run(context.Background(), Request{Steps: 100, FreqHz: 500})
	require.NoError(t, err)

	assert.Equal(t, "gpio23", out.Source, "first trigger wins")
	assert.Equal(t, 1, h.disableCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SensorTrips.WithLabelValues("gpio23")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.SensorTrips.WithLabelValues("gpio22")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"idle->enabled", "enabled->running", "running->disabled"}, transitions)
}

func TestRunRejectsInvalidBeforeBackend(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		code errors.ErrorCode
	}{
		{"zero freq", Request{Steps: 100, FreqHz: 0}, errors.ErrInvalidArgument},
		{"negative steps", Request{Steps: -1, FreqHz: 500}, errors.ErrInvalidArgument},
		{"neither form", Request{FreqHz: 500}, errors.ErrConfigMissing},
		{"both forms", Request{Steps: 10, Duration: time.Second, FreqHz: 500}, errors.ErrConfigConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, sequencer.DefaultConfig())

			_, err := h.sup.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
			assert.Zero(t, h.fake.Attempts())
			assert.Empty(t, h.fake.Writes(pins.Enable))
			assert.Zero(t, h.fake.Watching(sensorA))
			assert.Equal(t, StateIdle, h.sup.State())
		})
	}
}

func TestRunRefusesWhenSensorAlreadyActive(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())
	h.fake.Set(sensorB, gpio.High)

	out, err := h.sup.Run(context.Background(), Request{Steps: 100, FreqHz: 500})
	require.NoError(t, err)

	assert.Equal(t, safety.ReasonLimitSwitch, out.Reason)
	assert.Equal(t, "gpio23", out.Source)
	assert.Zero(t, h.enableCount(), "driver never enabled")
	assert.Zero(t, h.fake.Attempts())
	assert.Equal(t, StateIdle, h.sup.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SensorTrips.WithLabelValues("gpio23")))
}

func TestStopCauseIsLogged(t *testing.T) {
	var buf bytes.Buffer
	root := log.New("test")
	root.SetWriter(&buf)
	root.SetColorize(false)
	log.SetDefaultLogger(root)
	t.Cleanup(func() { log.SetDefaultLogger(log.New("stepdrive")) })

	h := newHarness(t, sequencer.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.sup.Run(ctx, Request{Steps: 10, FreqHz: 500})
	require.NoError(t, err)

	h.fake.Set(sensorA, gpio.High)
	_, err = h.sup.Run(context.Background(), Request{Steps: 10, FreqHz: 500})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "stop requested")
	assert.Contains(t, out, "source=context")
	assert.Contains(t, out, "limit sensor tripped")
	assert.Contains(t, out, "sensor=gpio22")
}

func TestRunContextAlreadyCancelled(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())
	h.fake.BusyPolls = 1

	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		out, err := h.sup.Run(ctx, Request{Steps: 4500, FreqHz: 500})
		require.NoError(t, err)

		assert.Equal(t, safety.ReasonUserRequest, out.Reason)
		assert.Equal(t, "context", out.Source)
		assert.True(t, out.Cancelled())
		assert.Zero(t, out.Result.PulsesSubmitted)
	}
	assert.Zero(t, h.enableCount(), "driver never enabled")
	assert.Zero(t, h.fake.Attempts())
	assert.Zero(t, h.fake.Watching(sensorA), "sensors disarmed")
}

func TestRunExternalStop(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())
	h.fake.BusyPolls = 1 << 30

	started := make(chan struct{})
	var once sync.Once
	h.fake.BusyHook = func(gpio.WaveID, int) { once.Do(func() { close(started) }) }

	done := make(chan Outcome, 1)
	go func() {
		out, _ := h.sup.Run(context.Background(), Request{Steps: 10000, FreqHz: 1000})
		done <- out
	}()

	<-started
	assert.True(t, h.sup.Status().Running)
	assert.True(t, h.sup.Stop("websocket"))
	assert.False(t, h.sup.Stop("websocket"), "second stop is a no-op")

	select {
	case out := <-done:
		assert.Equal(t, safety.ReasonUserRequest, out.Reason)
		assert.Equal(t, "websocket", out.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, 1, h.disableCount())

	last, ok := h.sup.LastOutcome()
	require.True(t, ok)
	assert.Equal(t, safety.ReasonUserRequest, last.Reason)
	assert.False(t, h.sup.Status().Running)
}

func TestRunContextCancel(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	h.fake.BusyPolls = 1 << 30
	h.fake.BusyHook = func(gpio.WaveID, int) { cancel() }

	out, err := h.sup.Run(ctx, Request{Steps: 10000, FreqHz: 1000})
	require.NoError(t, err)
	assert.Equal(t, safety.ReasonUserRequest, out.Reason)
	assert.Equal(t, "context", out.Source)
	assert.Equal(t, 1, h.disableCount())
}

func TestRunBusy(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())
	h.fake.BusyPolls = 1 << 30

	started := make(chan struct{})
	var once sync.Once
	h.fake.BusyHook = func(gpio.WaveID, int) { once.Do(func() { close(started) }) }

	errc := make(chan error, 1)
	go func() {
		_, err := h.sup.Run(context.Background(), Request{Steps: 100, FreqHz: 500})
		errc <- err
	}()
	<-started

	_, err := h.sup.Run(context.Background(), Request{Steps: 100, FreqHz: 500})
	assert.ErrorIs(t, err, ErrBusy)

	h.sup.Stop("test")
	require.NoError(t, <-errc)
}

func TestRunSequencerErrorStillDisables(t *testing.T) {
	h := newHarness(t, sequencer.Config{ChunkRetries: 0})
	h.fake.SubmitHook = func(int) error { return io.ErrUnexpectedEOF }

	out, err := h.sup.Run(context.Background(), Request{Steps: 100, FreqHz: 500})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrChunkSubmit))
	assert.Equal(t, safety.ReasonError, out.Reason)
	assert.Equal(t, 1, h.enableCount())
	assert.Equal(t, 1, h.disableCount())
	assert.Equal(t, StateDisabled, h.sup.State())
}

func TestRunByTimeWithLimitSwitch(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.fake.Set(sensorA, gpio.High)
	}()

	out, err := h.sup.Run(context.Background(), Request{Duration: 10 * time.Second, FreqHz: 1000})
	require.NoError(t, err)
	assert.Equal(t, safety.ReasonLimitSwitch, out.Reason)
	assert.Less(t, out.Elapsed, 5*time.Second)
	assert.Equal(t, 1, h.disableCount())
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())

	for i := 0; i < 2; i++ {
		out, err := h.sup.Run(context.Background(), Request{Steps: 10, FreqHz: 500})
		require.NoError(t, err)
		assert.Equal(t, safety.ReasonCompleted, out.Reason, "run %d uses a fresh flag", i)
	}
	assert.Equal(t, 2, h.disableCount())
}

func TestStopWithoutMotion(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())
	assert.False(t, h.sup.Stop("test"))
	_, ok := h.sup.LastOutcome()
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	h := newHarness(t, sequencer.DefaultConfig())
	require.NoError(t, h.sup.Close())
	assert.Equal(t, gpio.Low, h.fake.Level(pins.Enable))
}

func TestRequestString(t *testing.T) {
	assert.Equal(t, "200 steps @ 500 Hz cw", Request{Steps: 200, FreqHz: 500, Clockwise: true}.String())
	assert.Equal(t, "1.5s @ 250 Hz ccw", Request{Duration: 1500 * time.Millisecond, FreqHz: 250}.String())
}
