// Package supervisor sequences one motion: validate, arm the limit sensors,
// enable the driver, set direction, emit pulses and disable the driver on
// every exit path.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package supervisor

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"stepdrive/pkg/endstop"
	"stepdrive/pkg/errors"
	"stepdrive/pkg/gpio"
	"stepdrive/pkg/log"
	"stepdrive/pkg/metrics"
	"stepdrive/pkg/safety"
	"stepdrive/pkg/sequencer"
	"stepdrive/pkg/stepper"
)

// ErrBusy is returned by Run while another motion is in progress.
var ErrBusy = stderrors.New("supervisor: motion already in progress")

// State is the supervisor lifecycle state.
type State int

const (
	StateIdle State = iota
	StateEnabled
	StateRunning
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnabled:
		return "enabled"
	case StateRunning:
		return "running"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

var stateNames = []string{"idle", "enabled", "running", "disabled"}

// Lines is the part of the backend the supervisor uses directly.
type Lines interface {
	gpio.LineDriver
	gpio.EdgeSource
}

// Config tunes the supervisor.
type Config struct {
	// PollInterval is the period of the post-motion wait on the run flag.
	PollInterval time.Duration

	// Metrics is optional.
	Metrics *metrics.Motion
}

// Status is a snapshot for the status API.
type Status struct {
	State       string           `json:"state"`
	Running     bool             `json:"running"`
	Request     *Request         `json:"request,omitempty"`
	LastOutcome *Outcome         `json:"last_outcome,omitempty"`
	Sensors     []endstop.Status `json:"sensors"`
}

// Supervisor owns a motor, its limit sensors and a sequencer.
type Supervisor struct {
	motor   *stepper.Motor
	seq     *sequencer.Sequencer
	lines   Lines
	sensors *endstop.EndstopGroup
	cfg     Config
	logger  *log.Logger

	runMu sync.Mutex

	mu        sync.Mutex
	state     State
	current   *safety.RunFlag
	request   *Request
	last      *Outcome
	listeners []func(old, new State)
}

// New creates a supervisor. sensors may be nil or empty.
func New(motor *stepper.Motor, seq *sequencer.Sequencer, lines Lines, sensors *endstop.EndstopGroup, cfg Config) *Supervisor {
	if sensors == nil {
		sensors = endstop.NewEndstopGroup("limits")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = sequencer.DefaultPollInterval
	}
	s := &Supervisor{
		motor:   motor,
		seq:     seq,
		lines:   lines,
		sensors: sensors,
		cfg:     cfg,
		logger:  log.GetLogger("supervisor"),
		state:   StateIdle,
	}
	cfg.Metrics.SetState(StateIdle.String(), stateNames)
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers fn to run after every state transition.
func (s *Supervisor) OnStateChange(fn func(old, new State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	old := s.state
	if old == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	listeners := make([]func(old, new State), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.logger.Debug("state %s -> %s", old, state)
	s.cfg.Metrics.SetState(state.String(), stateNames)
	for _, fn := range listeners {
		fn(old, state)
	}
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:   s.state.String(),
		Running: s.current != nil && s.current.Running(),
		Sensors: s.sensors.GetStatus(),
	}
	if s.request != nil {
		req := *s.request
		st.Request = &req
	}
	if s.last != nil {
		out := *s.last
		st.LastOutcome = &out
	}
	s.mu.Unlock()
	return st
}

// LastOutcome returns the outcome of the most recent finished motion.
func (s *Supervisor) LastOutcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Outcome{}, false
	}
	return *s.last, true
}

// Stop requests cancellation of the motion in progress. It returns true if
// this call stopped it.
func (s *Supervisor) Stop(source string) bool {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run == nil {
		return false
	}
	return run.Stop(safety.ReasonUserRequest, source)
}

// onSensor is the edge callback for every armed sensor. It never blocks.
func (s *Supervisor) onSensor(run *safety.RunFlag, e *endstop.Endstop) {
	if !run.Stop(safety.ReasonLimitSwitch, e.GetName()) {
		s.logger.WithField("sensor", e.GetName()).Debug("limit sensor tripped after stop")
	}
}

// onStop runs once per invocation, on the goroutine that cleared the flag.
func (s *Supervisor) onStop(reason safety.StopReason, source string) {
	switch reason {
	case safety.ReasonLimitSwitch:
		s.logger.WithField("sensor", source).Warn("limit sensor tripped, stopping motion")
		s.cfg.Metrics.RecordSensorTrip(source)
	case safety.ReasonUserRequest:
		s.logger.WithField("source", source).Info("stop requested")
	}
}

// Run executes req and blocks until motion has ended and the driver is
// disabled. A limit sensor, Stop or cancellation of ctx ends motion early
// and is reported in the Outcome with a nil error.
func (s *Supervisor) Run(ctx context.Context, req Request) (out Outcome, err error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	if !s.runMu.TryLock() {
		return Outcome{}, ErrBusy
	}
	defer s.runMu.Unlock()

	start := time.Now()
	run := safety.NewRunFlag()
	run.OnStop(s.onStop)

	s.mu.Lock()
	s.current = run
	s.request = &req
	s.mu.Unlock()

	logger := s.logger.With(log.Fields{"request": req.String()})

	defer func() {
		out.Elapsed = time.Since(start)
		if out.Reason == safety.ReasonNone {
			out.Reason = safety.ReasonError
		}
		s.mu.Lock()
		s.current = nil
		s.request = nil
		last := out
		s.last = &last
		s.mu.Unlock()
		s.cfg.Metrics.RecordRequest(string(out.Reason))
	}()

	if err := s.sensors.ArmAll(s.lines, s.lines, func(e *endstop.Endstop) { s.onSensor(run, e) }); err != nil {
		run.Stop(safety.ReasonError, "sensors")
		return Outcome{Reason: safety.ReasonError, Source: "sensors"},
			errors.BackendIOError("arm limit sensors", err).SetComponent("supervisor")
	}
	defer s.sensors.DisarmAll()

	stopOnCancel := context.AfterFunc(ctx, func() {
		run.Stop(safety.ReasonUserRequest, "context")
	})
	defer stopOnCancel()
	if ctx.Err() != nil {
		run.Stop(safety.ReasonUserRequest, "context")
	}

	triggered, err := s.sensors.QueryAll(s.lines)
	if err != nil {
		run.Stop(safety.ReasonError, "sensors")
		return Outcome{Reason: safety.ReasonError, Source: "sensors"},
			errors.BackendIOError("query limit sensors", err).SetComponent("supervisor")
	}
	if len(triggered) > 0 {
		run.Stop(safety.ReasonLimitSwitch, triggered[0].GetName())
		logger.WithField("sensor", triggered[0].GetName()).Info("limit sensor already active, motion refused")
		reason, source := run.Cause()
		return Outcome{Reason: reason, Source: source}, nil
	}

	if !run.Running() {
		reason, source := run.Cause()
		logger.WithField("source", source).Info("motion aborted before start")
		return Outcome{Reason: reason, Source: source}, nil
	}

	if err := s.motor.Enable(); err != nil {
		run.Stop(safety.ReasonError, "stepper")
		return Outcome{Reason: safety.ReasonError, Source: "stepper"}, err
	}
	s.setState(StateEnabled)
	defer func() {
		if derr := s.motor.Disable(); derr != nil {
			logger.WithError(derr).Error("failed to disable driver")
			if err == nil {
				err = derr
			}
		}
		s.setState(StateDisabled)
	}()

	if err := s.motor.SetDirection(req.Clockwise); err != nil {
		run.Stop(safety.ReasonError, "stepper")
		return Outcome{Reason: safety.ReasonError, Source: "stepper"}, err
	}

	s.setState(StateRunning)
	logger.Info("motion started")

	var res sequencer.Result
	if req.ByCount() {
		res, err = s.seq.StepByCount(s.motor, req.Steps, req.FreqHz, run)
	} else {
		res, err = s.seq.StepByTime(s.motor, req.Duration, req.FreqHz, run)
	}
	if err != nil {
		run.Stop(safety.ReasonError, "sequencer")
		logger.WithError(err).Error("motion failed")
		return Outcome{Reason: safety.ReasonError, Source: "sequencer", Result: res}, err
	}

	run.Stop(safety.ReasonCompleted, "sequencer")
	s.awaitStopped(ctx, run)

	reason, source := run.Cause()
	out = Outcome{Reason: reason, Source: source, Result: res}
	logger.WithFields(log.Fields{
		"reason":    string(reason),
		"source":    source,
		"completed": res.PulsesCompleted,
		"submitted": res.PulsesSubmitted,
	}).Info("motion finished")
	return out, nil
}

// awaitStopped polls until the run flag is observed false or ctx ends.
func (s *Supervisor) awaitStopped(ctx context.Context, run *safety.RunFlag) {
	if !run.Running() {
		return
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for run.Running() {
		select {
		case <-ctx.Done():
			return
		case <-run.Done():
		case <-ticker.C:
		}
	}
}

// Close stops any motion, waits for it to end and puts the motor lines in
// the safe state.
func (s *Supervisor) Close() error {
	s.Stop("shutdown")
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.sensors.DisarmAll()
	return s.motor.Close()
}
