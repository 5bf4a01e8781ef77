// Package stepper drives the direction, step and enable lines of a
// step/dir stepper driver (A4988, DRV8825 and similar).
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stepper

import (
	"fmt"
	"sync"

	"stepdrive/pkg/errors"
	"stepdrive/pkg/gpio"
	"stepdrive/pkg/log"
)

// Pins holds the BCM line numbers of one driver.
type Pins struct {
	Direction int
	Step      int
	Enable    int

	// EnableInverted selects an active-low enable input. Enable and Disable
	// keep their logical meaning either way.
	EnableInverted bool
}

// Validate checks that all three lines are set and distinct.
func (p Pins) Validate() error {
	named := []struct {
		name string
		pin  int
	}{
		{"dir_pin", p.Direction},
		{"step_pin", p.Step},
		{"enable_pin", p.Enable},
	}
	seen := make(map[int]string, len(named))
	for _, n := range named {
		if n.pin < 0 {
			return errors.ValidationError(n.name, fmt.Sprintf("pin %d is negative", n.pin))
		}
		if other, ok := seen[n.pin]; ok {
			return errors.ValidationError(n.name, fmt.Sprintf("pin %d already used by %s", n.pin, other))
		}
		seen[n.pin] = n.name
	}
	return nil
}

// Motor is the handle for one driver. A Motor is owned by a single
// supervisor; methods are nevertheless safe for concurrent use.
//
// The enable line always reflects the last Enable or Disable call.
// Nothing in this package re-enables the driver implicitly.
type Motor struct {
	lines  gpio.LineDriver
	pins   Pins
	logger *log.Logger

	mu        sync.Mutex
	enabled   bool
	clockwise bool
	closed    bool
}

// New configures the three lines as outputs and leaves the driver disabled,
// direction low and step low.
func New(lines gpio.LineDriver, pins Pins) (*Motor, error) {
	if err := pins.Validate(); err != nil {
		return nil, err
	}
	m := &Motor{
		lines:  lines,
		pins:   pins,
		logger: log.GetLogger("stepper"),
	}

	for _, pin := range []int{pins.Direction, pins.Step, pins.Enable} {
		if err := lines.SetMode(pin, gpio.Output); err != nil {
			return nil, errors.BackendIOError(fmt.Sprintf("set mode of gpio%d", pin), err).
				SetComponent("stepper")
		}
	}
	if err := m.writeEnable(false); err != nil {
		return nil, err
	}
	if err := m.write(pins.Direction, gpio.Low); err != nil {
		return nil, err
	}
	if err := m.write(pins.Step, gpio.Low); err != nil {
		return nil, err
	}

	m.logger.WithFields(log.Fields{
		"dir":    pins.Direction,
		"step":   pins.Step,
		"enable": pins.Enable,
	}).Debug("motor lines configured")
	return m, nil
}

// Pins returns the line assignment.
func (m *Motor) Pins() Pins {
	return m.pins
}

func (m *Motor) write(pin int, level gpio.Level) error {
	if err := m.lines.Write(pin, level); err != nil {
		return errors.BackendIOError(fmt.Sprintf("write gpio%d %s", pin, level), err).
			SetComponent("stepper")
	}
	return nil
}

func (m *Motor) writeEnable(on bool) error {
	level := gpio.Low
	if on != m.pins.EnableInverted {
		level = gpio.High
	}
	return m.write(m.pins.Enable, level)
}

// Enable energizes the driver. Calling it on an enabled motor rewrites the
// same level and has no other effect.
func (m *Motor) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeEnable(true); err != nil {
		return err
	}
	if !m.enabled {
		m.logger.Debug("driver enabled")
	}
	m.enabled = true
	return nil
}

// Disable de-energizes the driver. Idempotent.
func (m *Motor) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeEnable(false); err != nil {
		return err
	}
	if m.enabled {
		m.logger.Debug("driver disabled")
	}
	m.enabled = false
	return nil
}

// SetDirection sets the direction line: high for clockwise.
// It must not be called while pulses are being generated.
func (m *Motor) SetDirection(clockwise bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	level := gpio.Low
	if clockwise {
		level = gpio.High
	}
	if err := m.write(m.pins.Direction, level); err != nil {
		return err
	}
	m.clockwise = clockwise
	return nil
}

// Enabled reports the last commanded enable state.
func (m *Motor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Clockwise reports the last commanded direction.
func (m *Motor) Clockwise() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clockwise
}

// Close puts all lines in the safe state: enable inactive, direction low,
// step low. Every line is attempted even if an earlier write fails; the
// first error is returned.
func (m *Motor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(m.writeEnable(false))
	keep(m.write(m.pins.Direction, gpio.Low))
	keep(m.write(m.pins.Step, gpio.Low))
	m.enabled = false
	m.clockwise = false
	return first
}
