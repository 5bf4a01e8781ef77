// Package safety provides the run state shared between the motion loop and
// its asynchronous cancellation sources.
package safety

import (
	"sync"
	"sync/atomic"
	"time"
)

// StopReason describes why a motion invocation stopped.
type StopReason string

const (
	ReasonNone        StopReason = ""
	ReasonCompleted   StopReason = "completed"
	ReasonLimitSwitch StopReason = "limit_switch"
	ReasonUserRequest StopReason = "user_request"
	ReasonError       StopReason = "error"
)

// Cancelled reports whether the reason interrupted motion before completion.
func (r StopReason) Cancelled() bool {
	return r == ReasonLimitSwitch || r == ReasonUserRequest
}

// RunFlag is the per-invocation "running" state. It starts true and moves to
// false exactly once; the first Stop wins and records its reason and source.
//
// Running is a single atomic load and is safe to call from the pulse loop at
// every poll tick. Stop never blocks beyond a short critical section, so it may
// be called from edge callbacks.
type RunFlag struct {
	running atomic.Bool

	mu        sync.Mutex
	reason    StopReason
	source    string
	stoppedAt time.Time
	done      chan struct{}
	onStop    []func(reason StopReason, source string)
}

// NewRunFlag returns a flag in the running state.
func NewRunFlag() *RunFlag {
	f := &RunFlag{done: make(chan struct{})}
	f.running.Store(true)
	return f
}

// Running reports whether the invocation may continue.
func (f *RunFlag) Running() bool {
	return f.running.Load()
}

// Stop moves the flag to false. It returns true only for the call that
// performed the transition; later calls are no-ops.
func (f *RunFlag) Stop(reason StopReason, source string) bool {
	f.mu.Lock()
	if !f.running.CompareAndSwap(true, false) {
		f.mu.Unlock()
		return false
	}
	f.reason = reason
	f.source = source
	f.stoppedAt = time.Now()
	close(f.done)
	callbacks := make([]func(StopReason, string), len(f.onStop))
	copy(callbacks, f.onStop)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(reason, source)
	}
	return true
}

// Done is closed when the flag stops.
func (f *RunFlag) Done() <-chan struct{} {
	return f.done
}

// Reason returns the recorded stop reason, or ReasonNone while running.
func (f *RunFlag) Reason() StopReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Cause returns the stop reason and the source that triggered it
// (a sensor line, "sequencer", "signal", ...).
func (f *RunFlag) Cause() (StopReason, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason, f.source
}

// StoppedAt returns when the flag stopped, or the zero time.
func (f *RunFlag) StoppedAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stoppedAt
}

// OnStop registers fn to run after the transition to stopped. If the flag has
// already stopped, fn runs immediately.
func (f *RunFlag) OnStop(fn func(reason StopReason, source string)) {
	f.mu.Lock()
	if f.running.Load() {
		f.onStop = append(f.onStop, fn)
		f.mu.Unlock()
		return
	}
	reason, source := f.reason, f.source
	f.mu.Unlock()
	fn(reason, source)
}
