// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sequencer

import (
	stderrors "errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stepdrive/pkg/errors"
	"stepdrive/pkg/gpio"
	"stepdrive/pkg/gpio/gpiotest"
	"stepdrive/pkg/metrics"
	"stepdrive/pkg/safety"
	"stepdrive/pkg/stepper"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var pins = stepper.Pins{Direction: 13, Step: 19, Enable: 12}

func setup(t *testing.T, cfg Config) (*Sequencer, *gpiotest.Backend, *stepper.Motor) {
	t.Helper()
	fake := gpiotest.New()
	m, err := stepper.New(fake, pins)
	require.NoError(t, err)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Microsecond
	}
	return New(fake, cfg), fake, m
}

func TestNewFillsOnlyTimingDefaults(t *testing.T) {
	s := New(gpiotest.New(), Config{})
	cfg := s.Config()
	assert.Equal(t, DefaultChunkCeiling, cfg.ChunkCeiling)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Zero(t, cfg.ChunkRetries)
	assert.Zero(t, cfg.RetryDelay)
	assert.Equal(t, FailRequest, cfg.Failure)

	s = New(gpiotest.New(), Config{ChunkCeiling: -1, ChunkRetries: -3, RetryDelay: -time.Second})
	cfg = s.Config()
	assert.Equal(t, DefaultChunkCeiling, cfg.ChunkCeiling)
	assert.Zero(t, cfg.ChunkRetries)
	assert.Zero(t, cfg.RetryDelay)
}

func TestHalfPeriod(t *testing.T) {
	tests := []struct {
		freq float64
		want uint32
	}{
		{500, 1000},
		{1000, 500},
		{3, 166666},
		{1500, 333},
		{500000, 1},
	}
	for _, tt := range tests {
		got, err := HalfPeriod(tt.freq)
		require.NoError(t, err, "freq %v", tt.freq)
		assert.Equal(t, tt.want, got, "freq %v", tt.freq)
	}

	for _, bad := range []float64{0, -10, math.NaN(), math.Inf(1), 600000} {
		_, err := HalfPeriod(bad)
		assert.True(t, errors.Is(err, errors.ErrInvalidArgument), "freq %v should be rejected", bad)
	}
}

func TestChunkSizes(t *testing.T) {
	assert.Equal(t, []int{2000, 2000, 500}, ChunkSizes(4500, 2000))
	assert.Equal(t, []int{2000}, ChunkSizes(2000, 2000))
	assert.Equal(t, []int{1}, ChunkSizes(1, 2000))
	assert.Nil(t, ChunkSizes(0, 2000))
}

func TestStepByCountChunks(t *testing.T) {
	s, fake, m := setup(t, DefaultConfig())
	fake.BusyPolls = 2

	res, err := s.StepByCount(m, 4500, 500, safety.NewRunFlag())
	require.NoError(t, err)

	assert.Equal(t, []int{2000, 2000, 500}, fake.ChunkSizes())
	assert.Equal(t, Result{Chunks: 3, PulsesSubmitted: 4500, PulsesCompleted: 4500}, res)
	assert.Len(t, fake.Releases(), 3)
	assert.Zero(t, fake.Outstanding())
}

func TestStepByCountPulseShape(t *testing.T) {
	s, fake, m := setup(t, DefaultConfig())

	_, err := s.StepByCount(m, 3, 1000, safety.NewRunFlag())
	require.NoError(t, err)

	subs := fake.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, pins.Step, subs[0].Pin)
	assert.Equal(t, []gpio.Pulse{
		{Level: gpio.High, Micros: 500}, {Level: gpio.Low, Micros: 500},
		{Level: gpio.High, Micros: 500}, {Level: gpio.Low, Micros: 500},
		{Level: gpio.High, Micros: 500}, {Level: gpio.Low, Micros: 500},
	}, subs[0].Pulses)
}

func TestStepByCountSameHalfPeriodEveryChunk(t *testing.T) {
	s, fake, m := setup(t, Config{ChunkCeiling: 10})

	_, err := s.StepByCount(m, 35, 777, safety.NewRunFlag())
	require.NoError(t, err)

	want, _ := HalfPeriod(777)
	for i, w := range fake.Submissions() {
		for _, p := range w.Pulses {
			require.Equal(t, want, p.Micros, "chunk %d drifted", i)
		}
	}
}

func TestStepByCountCancelDuringFirstChunk(t *testing.T) {
	s, fake, m := setup(t, DefaultConfig())
	fake.BusyPolls = 1000
	run := safety.NewRunFlag()
	fake.BusyHook = func(id gpio.WaveID, poll int) {
		if poll == 1 {
			run.Stop(safety.ReasonLimitSwitch, "gpio22")
		}
	}

	res, err := s.StepByCount(m, 4500, 500, run)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.Attempts(), "no chunk after cancellation")
	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 2000, res.PulsesSubmitted)
	assert.Zero(t, res.PulsesCompleted)
	assert.Zero(t, fake.Outstanding(), "interrupted chunk is released")
	assert.Zero(t, fake.Halts(), "in-flight chunk is not retracted by default")
}

func TestStepByCountCancelAfterFirstChunk(t *testing.T) {
	s, fake, m := setup(t, DefaultConfig())
	run := safety.NewRunFlag()
	fake.BusyHook = func(id gpio.WaveID, poll int) {
		if id == 0 {
			run.Stop(safety.ReasonLimitSwitch, "gpio22")
		}
	}

	res, err := s.StepByCount(m, 4500, 500, run)
	require.NoError(t, err)

	// The first chunk finished before the flag was seen.
	assert.Equal(t, 1, fake.Attempts())
	assert.True(t, res.Cancelled)
	assert.Equal(t, 2000, res.PulsesCompleted)
}

func TestStepByCountHaltOnCancel(t *testing.T) {
	s, fake, m := setup(t, Config{HaltOnCancel: true})
	fake.BusyPolls = 1000
	run := safety.NewRunFlag()
	fake.BusyHook = func(gpio.WaveID, int) { run.Stop(safety.ReasonUserRequest, "test") }

	res, err := s.StepByCount(m, 100, 500, run)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, fake.Halts())
	assert.Zero(t, fake.Outstanding())
}

func TestStepByCountFlagAlreadyStopped(t *testing.T) {
	s, fake, m := setup(t, DefaultConfig())
	run := safety.NewRunFlag()
	run.Stop(safety.ReasonLimitSwitch, "gpio22")

	res, err := s.StepByCount(m, 100, 500, run)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Zero(t, fake.Attempts())
}

func TestStepByCountInvalidArguments(t *testing.T) {
	tests := []struct {
		name  string
		steps int
		freq  float64
	}{
		{"zero freq", 100, 0},
		{"negative freq", 100, -1},
		{"nan freq", 100, math.NaN()},
		{"zero steps", 0, 500},
		{"negative steps", -5, 500},
		{"sub-microsecond half period", 100, 1e6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fake, m := setup(t, DefaultConfig())
			fake.ResetWrites()

			_, err := s.StepByCount(m, tt.steps, tt.freq, safety.NewRunFlag())
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
			assert.Zero(t, fake.Attempts(), "no backend call")
			assert.Empty(t, fake.Writes(pins.Step))
		})
	}
}

func TestStepByCountRetrySucceeds(t *testing.T) {
	s, fake, m := setup(t, Config{ChunkRetries: 2, RetryDelay: time.Microsecond})
	fake.SubmitHook = func(n int) error {
		if n == 1 {
			return io.ErrUnexpectedEOF
		}
		return nil
	}

	res, err := s.StepByCount(m, 10, 500, safety.NewRunFlag())
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Attempts())
	assert.Equal(t, 10, res.PulsesCompleted)
	assert.Zero(t, res.Failures)
}

func TestStepByCountFailRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	mm := metrics.NewMotion(reg)
	s, fake, m := setup(t, Config{ChunkRetries: 2, RetryDelay: time.Microsecond, Metrics: mm})
	fake.SubmitHook = func(n int) error {
		if n >= 2 {
			return io.ErrUnexpectedEOF
		}
		return nil
	}

	res, err := s.StepByCount(m, 4500, 500, safety.NewRunFlag())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrChunkSubmit))
	assert.True(t, stderrors.Is(err, io.ErrUnexpectedEOF))

	assert.Equal(t, 4, fake.Attempts(), "one good chunk then three attempts")
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 2000, res.PulsesCompleted)
	assert.Equal(t, 2.0, testutil.ToFloat64(mm.ChunkFailures.WithLabelValues("retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.ChunkFailures.WithLabelValues("failed")))
}

func TestStepByCountSkipChunk(t *testing.T) {
	s, fake, m := setup(t, Config{Failure: SkipChunk, ChunkRetries: 0})
	fake.SubmitHook = func(n int) error {
		if n == 2 {
			return io.ErrUnexpectedEOF
		}
		return nil
	}

	res, err := s.StepByCount(m, 4500, 500, safety.NewRunFlag())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, 2500, res.PulsesSubmitted, "skipped pulses are not counted")
	assert.Equal(t, 2500, res.PulsesCompleted)
}

func TestStepByCountWaveformsUnsupported(t *testing.T) {
	s, fake, m := setup(t, Config{Failure: SkipChunk})
	fake.NoWaveforms = true

	_, err := s.StepByCount(m, 10, 500, safety.NewRunFlag())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, gpio.ErrWaveformUnsupported))
}

func TestStepByCountMetrics(t *testing.T) {
	mm := metrics.NewMotion(prometheus.NewRegistry())
	s, _, m := setup(t, Config{Metrics: mm})

	_, err := s.StepByCount(m, 4500, 1000, safety.NewRunFlag())
	require.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(mm.Chunks))
	assert.Equal(t, 4500.0, testutil.ToFloat64(mm.PulsesCompleted))
}

func TestStepByTimeRunsUntilDeadline(t *testing.T) {
	s, fake, m := setup(t, DefaultConfig())
	fake.ResetWrites()

	res, err := s.StepByTime(m, 20*time.Millisecond, 1000, safety.NewRunFlag())
	require.NoError(t, err)

	assert.False(t, res.Cancelled)
	assert.Positive(t, res.PulsesCompleted)
	assert.Zero(t, res.Chunks)
	assert.Zero(t, fake.Attempts(), "timed mode does not use waveforms")

	writes := fake.Writes(pins.Step)
	require.Len(t, writes, 2*res.PulsesCompleted)
	for i, l := range writes {
		if i%2 == 0 {
			assert.Equal(t, gpio.High, l)
		} else {
			assert.Equal(t, gpio.Low, l)
		}
	}
}

func TestStepByTimeCancel(t *testing.T) {
	s, fake, m := setup(t, DefaultConfig())
	run := safety.NewRunFlag()
	go func() {
		time.Sleep(10 * time.Millisecond)
		run.Stop(safety.ReasonLimitSwitch, "gpio22")
	}()

	start := time.Now()
	res, err := s.StepByTime(m, 10*time.Second, 1000, run)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, gpio.Low, fake.Level(pins.Step))
}

func TestStepByTimeInvalid(t *testing.T) {
	s, fake, m := setup(t, DefaultConfig())
	fake.ResetWrites()

	_, err := s.StepByTime(m, 0, 1000, safety.NewRunFlag())
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
	_, err = s.StepByTime(m, time.Second, 0, safety.NewRunFlag())
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
	assert.Empty(t, fake.Writes(pins.Step))
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, SkipChunk, p)

	p, err = ParseFailurePolicy("FAIL")
	require.NoError(t, err)
	assert.Equal(t, FailRequest, p)

	_, err = ParseFailurePolicy("ignore")
	assert.Error(t, err)
}
