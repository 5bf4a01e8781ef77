// Package sequencer turns a step count or a duration into step pulses at a
// fixed frequency, checking a run flag at every chunk boundary and poll tick.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sequencer

import (
	stderrors "errors"
	"fmt"
	"math"
	"time"

	"stepdrive/pkg/errors"
	"stepdrive/pkg/gpio"
	"stepdrive/pkg/log"
	"stepdrive/pkg/pool"
	"stepdrive/pkg/rt"
	"stepdrive/pkg/safety"
	"stepdrive/pkg/stepper"
)

// Backend is the subset of gpio.Backend the sequencer drives.
type Backend interface {
	gpio.LineDriver
	gpio.WaveformBackend
}

// Result summarizes one sequencer invocation.
type Result struct {
	// Chunks is the number of waveforms submitted.
	Chunks int

	// PulsesSubmitted counts steps handed to the backend.
	PulsesSubmitted int

	// PulsesCompleted counts steps in chunks observed finished. An interrupted
	// chunk is submitted but not completed.
	PulsesCompleted int

	// Cancelled is set when the run flag cleared before all steps were sent.
	Cancelled bool

	// Failures counts chunks dropped under the SkipChunk policy.
	Failures int
}

var (
	errSkipped = stderrors.New("chunk skipped")
	errStopped = stderrors.New("run flag cleared")
)

// Sequencer generates pulse trains on a backend.
type Sequencer struct {
	backend Backend
	cfg     Config
	logger  *log.Logger
}

// New returns a sequencer using cfg. A non-positive ChunkCeiling or
// PollInterval takes its default. Zero ChunkRetries means a single
// attempt per chunk; start from DefaultConfig for the standard retries.
func New(backend Backend, cfg Config) *Sequencer {
	return &Sequencer{
		backend: backend,
		cfg:     cfg.withDefaults(),
		logger:  log.GetLogger("sequencer"),
	}
}

// Config returns the effective configuration.
func (s *Sequencer) Config() Config {
	return s.cfg
}

// HalfPeriod returns floor(1e6 / (2 * freqHz)) microseconds.
func HalfPeriod(freqHz float64) (uint32, error) {
	if math.IsNaN(freqHz) || math.IsInf(freqHz, 0) || freqHz <= 0 {
		return 0, errors.InvalidArgumentError("freq", fmt.Sprintf("must be a positive finite number, got %v", freqHz))
	}
	half := math.Floor(1e6 / (2 * freqHz))
	if half < 1 {
		return 0, errors.InvalidArgumentError("freq",
			fmt.Sprintf("%v Hz needs a half-period below 1 µs", freqHz))
	}
	if half > math.MaxUint32 {
		return 0, errors.InvalidArgumentError("freq", fmt.Sprintf("%v Hz is too low", freqHz))
	}
	return uint32(half), nil
}

// ChunkSizes splits steps into chunks of at most ceiling steps.
func ChunkSizes(steps, ceiling int) []int {
	if steps <= 0 || ceiling <= 0 {
		return nil
	}
	sizes := make([]int, 0, (steps+ceiling-1)/ceiling)
	for steps > 0 {
		n := min(steps, ceiling)
		sizes = append(sizes, n)
		steps -= n
	}
	return sizes
}

// StepByCount emits steps pulses at freqHz as hardware-timed waveforms of at
// most ChunkCeiling steps each. It checks run before every chunk and at every
// poll tick. Once run clears no further chunk is submitted; the chunk in
// flight finishes unless HaltOnCancel is set. Every created waveform is
// released before StepByCount returns.
func (s *Sequencer) StepByCount(m *stepper.Motor, steps int, freqHz float64, run *safety.RunFlag) (Result, error) {
	var res Result
	half, err := HalfPeriod(freqHz)
	if err != nil {
		return res, err
	}
	if steps <= 0 {
		return res, errors.InvalidArgumentError("steps", fmt.Sprintf("must be > 0, got %d", steps))
	}

	pin := m.Pins().Step
	chunks := ChunkSizes(steps, s.cfg.ChunkCeiling)
	s.logger.WithFields(log.Fields{
		"steps":       steps,
		"freq":        freqHz,
		"half_period": half,
		"chunks":      len(chunks),
	}).Debug("step by count")

	for i, n := range chunks {
		if !run.Running() {
			res.Cancelled = true
			break
		}
		index := i + 1

		buf := pool.GetPulses(2 * n)
		*buf = gpio.AppendStepPulses(*buf, n, half)
		id, err := s.submit(index, gpio.Waveform{Pin: pin, Pulses: *buf}, run)
		pool.PutPulses(buf)

		switch {
		case err == nil:
		case stderrors.Is(err, errSkipped):
			res.Failures++
			continue
		case stderrors.Is(err, errStopped):
			res.Cancelled = true
			s.recordStop(run)
			return res, nil
		default:
			return res, err
		}

		res.Chunks++
		res.PulsesSubmitted += n
		started := time.Now()

		done, err := s.await(id, run)
		s.cfg.Metrics.RecordChunk(n, done, time.Since(started))
		if err != nil {
			return res, err
		}
		if !done {
			res.Cancelled = true
			s.logger.WithFields(log.Fields{"chunk": index, "steps": n}).
				Info("run flag cleared during chunk")
			s.recordStop(run)
			return res, nil
		}
		res.PulsesCompleted += n
	}
	if res.Cancelled {
		s.recordStop(run)
	}
	return res, nil
}

// submit sends one chunk, retrying per Config.
func (s *Sequencer) submit(index int, w gpio.Waveform, run *safety.RunFlag) (gpio.WaveID, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.ChunkRetries; attempt++ {
		if attempt > 0 {
			s.cfg.Metrics.RecordChunkFailure("retried")
			s.logger.WithFields(log.Fields{"chunk": index, "attempt": attempt + 1}).
				WithError(lastErr).Warn("retrying chunk submission")
			if s.cfg.RetryDelay > 0 {
				select {
				case <-time.After(s.cfg.RetryDelay):
				case <-run.Done():
				}
			}
			if !run.Running() {
				return 0, errStopped
			}
		}

		id, err := s.backend.SubmitWaveform(w)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if permanent(err) {
			break
		}
	}

	if s.cfg.Failure == SkipChunk && !permanent(lastErr) {
		s.cfg.Metrics.RecordChunkFailure("skipped")
		s.logger.WithFields(log.Fields{"chunk": index, "steps": len(w.Pulses) / 2}).
			WithError(lastErr).Warn("chunk dropped")
		return 0, errSkipped
	}
	s.cfg.Metrics.RecordChunkFailure("failed")
	return 0, errors.ChunkSubmitError(index, lastErr)
}

// permanent reports errors that no retry or skip can get past.
func permanent(err error) bool {
	return stderrors.Is(err, gpio.ErrWaveformUnsupported) || stderrors.Is(err, gpio.ErrClosed)
}

// await polls the waveform until it finishes or run clears and always
// releases it. It reports whether the waveform was observed finished.
func (s *Sequencer) await(id gpio.WaveID, run *safety.RunFlag) (done bool, err error) {
	defer func() {
		if rerr := s.backend.ReleaseWaveform(id); rerr != nil {
			s.logger.WithField("wave", int(id)).WithError(rerr).Warn("waveform release failed")
			if err == nil {
				err = errors.BackendIOError("waveform release", rerr).SetComponent("sequencer")
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		busy, err := s.backend.WaveformBusy(id)
		if err != nil {
			return false, errors.BackendIOError("waveform busy poll", err).SetComponent("sequencer")
		}
		if !busy {
			return true, nil
		}
		if !run.Running() {
			if s.cfg.HaltOnCancel {
				if herr := s.backend.HaltWaveform(); herr != nil {
					s.logger.WithError(herr).Warn("waveform halt failed")
				}
			}
			return false, nil
		}
		select {
		case <-ticker.C:
		case <-run.Done():
		}
	}
}

func (s *Sequencer) recordStop(run *safety.RunFlag) {
	if at := run.StoppedAt(); !at.IsZero() {
		s.cfg.Metrics.RecordStopLatency(time.Since(at))
	}
}

// StepByTime toggles the step line with half-period sleeps until duration
// elapses or run clears. Timing is software-driven and less precise than
// StepByCount.
func (s *Sequencer) StepByTime(m *stepper.Motor, duration time.Duration, freqHz float64, run *safety.RunFlag) (Result, error) {
	var res Result
	half, err := HalfPeriod(freqHz)
	if err != nil {
		return res, err
	}
	if duration <= 0 {
		return res, errors.InvalidArgumentError("time_ms", fmt.Sprintf("must be > 0, got %v", duration))
	}

	if s.cfg.Realtime {
		restore, err := rt.Enter(rt.Options{Priority: s.cfg.RealtimePriority, LockMemory: true})
		defer restore()
		if err != nil {
			s.logger.WithError(err).Warn("realtime tuning unavailable")
		}
	}

	pin := m.Pins().Step
	sleep := time.Duration(half) * time.Microsecond
	deadline := time.Now().Add(duration)
	s.logger.WithFields(log.Fields{
		"duration":    duration.String(),
		"freq":        freqHz,
		"half_period": half,
	}).Debug("step by time")

	for time.Now().Before(deadline) {
		if !run.Running() {
			res.Cancelled = true
			s.recordStop(run)
			break
		}
		if err := s.backend.Write(pin, gpio.High); err != nil {
			return res, errors.BackendIOError("step write", err).SetComponent("sequencer")
		}
		time.Sleep(sleep)
		if err := s.backend.Write(pin, gpio.Low); err != nil {
			return res, errors.BackendIOError("step write", err).SetComponent("sequencer")
		}
		time.Sleep(sleep)
		res.PulsesSubmitted++
		res.PulsesCompleted++
	}
	return res, nil
}
