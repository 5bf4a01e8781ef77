// Package gpio defines the hardware contract consumed by the motion core:
// digital lines, hardware-timed waveforms and edge notifications.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gpio

import (
	"errors"
	"fmt"
)

// Level is the logical state of a digital line.
type Level uint8

const (
	Low  Level = 0
	High Level = 1
)

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// Mode is the direction of a line.
type Mode uint8

const (
	Input  Mode = 0
	Output Mode = 1
)

// Pull is the internal pull resistor configuration of an input line.
type Pull uint8

const (
	PullOff  Pull = 0
	PullDown Pull = 1
	PullUp   Pull = 2
)

// Edge selects which transitions an edge watcher reports.
type Edge uint8

const (
	RisingEdge Edge = iota + 1
	FallingEdge
	EitherEdge
)

func (e Edge) String() string {
	switch e {
	case RisingEdge:
		return "rising"
	case FallingEdge:
		return "falling"
	case EitherEdge:
		return "either"
	default:
		return fmt.Sprintf("edge(%d)", uint8(e))
	}
}

// Matches reports whether a transition to level is selected by e.
func (e Edge) Matches(level Level) bool {
	switch e {
	case RisingEdge:
		return level == High
	case FallingEdge:
		return level == Low
	case EitherEdge:
		return true
	}
	return false
}

// Pulse drives the waveform pin to Level and holds it for Micros microseconds.
type Pulse struct {
	Level  Level
	Micros uint32
}

// Waveform is an ordered list of transitions on a single pin, transmitted
// once by the backend with hardware timing.
type Waveform struct {
	Pin    int
	Pulses []Pulse
}

// Duration returns the total waveform length in microseconds.
func (w Waveform) Duration() uint64 {
	var total uint64
	for _, p := range w.Pulses {
		total += uint64(p.Micros)
	}
	return total
}

// AppendStepPulses appends count high/low pairs of halfPeriod microseconds
// each to buf and returns the extended slice.
func AppendStepPulses(buf []Pulse, count int, halfPeriod uint32) []Pulse {
	for i := 0; i < count; i++ {
		buf = append(buf,
			Pulse{Level: High, Micros: halfPeriod},
			Pulse{Level: Low, Micros: halfPeriod},
		)
	}
	return buf
}

// WaveID identifies a waveform created on a backend.
type WaveID int

// EdgeHandler is invoked from a backend goroutine when a watched line
// changes. Handlers must not block.
type EdgeHandler func(pin int, level Level)

var (
	// ErrWaveformUnsupported is returned by backends without hardware-timed waveforms.
	ErrWaveformUnsupported = errors.New("gpio: waveforms not supported by backend")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("gpio: backend closed")
)

// LineDriver reads and writes individual lines.
type LineDriver interface {
	SetMode(pin int, mode Mode) error
	SetPull(pin int, pull Pull) error
	Write(pin int, level Level) error
	Read(pin int) (Level, error)
}

// WaveformBackend transmits hardware-timed pulse trains.
//
// SubmitWaveform creates the waveform and starts a single transmission.
// The returned id must be released with ReleaseWaveform once the
// transmission is finished or abandoned.
type WaveformBackend interface {
	SubmitWaveform(w Waveform) (WaveID, error)
	WaveformBusy(id WaveID) (bool, error)
	ReleaseWaveform(id WaveID) error
	HaltWaveform() error
}

// EdgeSource delivers line transitions to registered handlers.
// The returned cancel function stops delivery and is safe to call more than once.
type EdgeSource interface {
	WatchEdge(pin int, edge Edge, handler EdgeHandler) (cancel func(), err error)
}

// Backend is the full hardware contract.
type Backend interface {
	LineDriver
	WaveformBackend
	EdgeSource
	Close() error
}
