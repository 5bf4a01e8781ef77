// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package supervisor

import (
	"fmt"
	"time"

	"stepdrive/pkg/errors"
	"stepdrive/pkg/safety"
	"stepdrive/pkg/sequencer"
)

// Request describes one motion: either a step count or a duration, at a
// fixed frequency. Exactly one of Steps and Duration is set.
type Request struct {
	Steps     int           `json:"steps,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	FreqHz    float64       `json:"freq_hz"`
	Clockwise bool          `json:"clockwise"`
}

// ByCount reports whether the request is a step count.
func (r Request) ByCount() bool {
	return r.Steps != 0
}

// Validate checks the request without touching hardware.
func (r Request) Validate() error {
	switch {
	case r.Steps != 0 && r.Duration != 0:
		return errors.ConflictError("steps", "time_ms")
	case r.Steps == 0 && r.Duration == 0:
		return errors.MissingOptionError("steps or time_ms")
	case r.Steps < 0:
		return errors.InvalidArgumentError("steps", fmt.Sprintf("must be > 0, got %d", r.Steps))
	case r.Duration < 0:
		return errors.InvalidArgumentError("time_ms", fmt.Sprintf("must be > 0, got %v", r.Duration))
	}
	_, err := sequencer.HalfPeriod(r.FreqHz)
	return err
}

func (r Request) String() string {
	dir := "ccw"
	if r.Clockwise {
		dir = "cw"
	}
	if r.ByCount() {
		return fmt.Sprintf("%d steps @ %g Hz %s", r.Steps, r.FreqHz, dir)
	}
	return fmt.Sprintf("%v @ %g Hz %s", r.Duration, r.FreqHz, dir)
}

// Outcome reports how a motion ended. Cancellation is an outcome, not an error.
type Outcome struct {
	Reason  safety.StopReason `json:"reason"`
	Source  string            `json:"source,omitempty"`
	Result  sequencer.Result  `json:"result"`
	Elapsed time.Duration     `json:"elapsed"`
}

// Cancelled reports whether motion stopped before the request was satisfied.
func (o Outcome) Cancelled() bool {
	return o.Reason.Cancelled()
}
