// Package gpiotest provides an instrumented in-memory gpio.Backend.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gpiotest

import (
	"fmt"
	"sync"

	"stepdrive/pkg/gpio"
)

type watcher struct {
	id      int
	edge    gpio.Edge
	handler gpio.EdgeHandler
}

type wave struct {
	polls int
}

// Backend records every line write and waveform operation. Waveforms report
// busy for BusyPolls polls and then complete.
type Backend struct {
	// BusyPolls is how many WaveformBusy calls return true per waveform.
	BusyPolls int

	// NoWaveforms makes waveform operations fail with gpio.ErrWaveformUnsupported.
	NoWaveforms bool

	// SubmitHook runs before the n-th submission (1-based); a non-nil error
	// fails that submission.
	SubmitHook func(n int) error

	// BusyHook runs on every WaveformBusy call, outside the lock.
	BusyHook func(id gpio.WaveID, poll int)

	mu          sync.Mutex
	modes       map[int]gpio.Mode
	pulls       map[int]gpio.Pull
	levels      map[int]gpio.Level
	writes      map[int][]gpio.Level
	waves       map[gpio.WaveID]*wave
	nextID      gpio.WaveID
	attempts    int
	submissions []gpio.Waveform
	releases    []gpio.WaveID
	halts       int
	watchers    map[int][]watcher
	nextWatcher int
	closed      bool
}

// New returns an empty fake backend.
func New() *Backend {
	return &Backend{
		modes:    make(map[int]gpio.Mode),
		pulls:    make(map[int]gpio.Pull),
		levels:   make(map[int]gpio.Level),
		writes:   make(map[int][]gpio.Level),
		waves:    make(map[gpio.WaveID]*wave),
		watchers: make(map[int][]watcher),
	}
}

var _ gpio.Backend = (*Backend)(nil)

func (b *Backend) SetMode(pin int, mode gpio.Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gpio.ErrClosed
	}
	b.modes[pin] = mode
	return nil
}

func (b *Backend) SetPull(pin int, pull gpio.Pull) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gpio.ErrClosed
	}
	b.pulls[pin] = pull
	return nil
}

func (b *Backend) Write(pin int, level gpio.Level) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gpio.ErrClosed
	}
	b.levels[pin] = level
	b.writes[pin] = append(b.writes[pin], level)
	return nil
}

func (b *Backend) Read(pin int) (gpio.Level, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return gpio.Low, gpio.ErrClosed
	}
	return b.levels[pin], nil
}

func (b *Backend) SubmitWaveform(w gpio.Waveform) (gpio.WaveID, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, gpio.ErrClosed
	}
	if b.NoWaveforms {
		b.mu.Unlock()
		return 0, gpio.ErrWaveformUnsupported
	}
	b.attempts++
	n := b.attempts
	hook := b.SubmitHook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(n); err != nil {
			return 0, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	pulses := make([]gpio.Pulse, len(w.Pulses))
	copy(pulses, w.Pulses)
	b.submissions = append(b.submissions, gpio.Waveform{Pin: w.Pin, Pulses: pulses})
	id := b.nextID
	b.nextID++
	b.waves[id] = &wave{}
	return id, nil
}

func (b *Backend) WaveformBusy(id gpio.WaveID) (bool, error) {
	b.mu.Lock()
	w, ok := b.waves[id]
	if !ok {
		b.mu.Unlock()
		return false, fmt.Errorf("gpiotest: unknown waveform %d", id)
	}
	w.polls++
	poll := w.polls
	busy := poll <= b.BusyPolls
	hook := b.BusyHook
	b.mu.Unlock()

	if hook != nil {
		hook(id, poll)
	}
	return busy, nil
}

func (b *Backend) ReleaseWaveform(id gpio.WaveID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.waves[id]; !ok {
		return fmt.Errorf("gpiotest: unknown waveform %d", id)
	}
	delete(b.waves, id)
	b.releases = append(b.releases, id)
	return nil
}

func (b *Backend) HaltWaveform() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NoWaveforms {
		return gpio.ErrWaveformUnsupported
	}
	b.halts++
	return nil
}

func (b *Backend) WatchEdge(pin int, edge gpio.Edge, handler gpio.EdgeHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, gpio.ErrClosed
	}
	b.nextWatcher++
	id := b.nextWatcher
	b.watchers[pin] = append(b.watchers[pin], watcher{id: id, edge: edge, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.watchers[pin]
			for i, w := range list {
				if w.id == id {
					b.watchers[pin] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Set changes the level of an input line and delivers the transition to
// matching watchers synchronously, as a backend callback would.
func (b *Backend) Set(pin int, level gpio.Level) {
	b.mu.Lock()
	prev := b.levels[pin]
	b.levels[pin] = level
	var handlers []gpio.EdgeHandler
	if prev != level {
		for _, w := range b.watchers[pin] {
			if w.edge.Matches(level) {
				handlers = append(handlers, w.handler)
			}
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(pin, level)
	}
}

// Pulse raises and lowers pin, delivering both transitions.
func (b *Backend) Pulse(pin int) {
	b.Set(pin, gpio.High)
	b.Set(pin, gpio.Low)
}

// Level returns the current level of pin.
func (b *Backend) Level(pin int) gpio.Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levels[pin]
}

// Mode returns the configured mode of pin and whether it was set.
func (b *Backend) Mode(pin int) (gpio.Mode, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.modes[pin]
	return m, ok
}

// PullOf returns the configured pull of pin.
func (b *Backend) PullOf(pin int) gpio.Pull {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pulls[pin]
}

// Writes returns a copy of every level written to pin, in order.
func (b *Backend) Writes(pin int) []gpio.Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]gpio.Level(nil), b.writes[pin]...)
}

// CountWrites returns how many times level was written to pin.
func (b *Backend) CountWrites(pin int, level gpio.Level) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, l := range b.writes[pin] {
		if l == level {
			n++
		}
	}
	return n
}

// ResetWrites forgets the write history of all pins.
func (b *Backend) ResetWrites() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = make(map[int][]gpio.Level)
}

// Submissions returns the successfully submitted waveforms.
func (b *Backend) Submissions() []gpio.Waveform {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]gpio.Waveform(nil), b.submissions...)
}

// ChunkSizes returns the step count of each submitted waveform.
func (b *Backend) ChunkSizes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sizes := make([]int, len(b.submissions))
	for i, w := range b.submissions {
		sizes[i] = len(w.Pulses) / 2
	}
	return sizes
}

// Attempts returns the number of SubmitWaveform calls, including failed ones.
func (b *Backend) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Releases returns the released waveform ids in order.
func (b *Backend) Releases() []gpio.WaveID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]gpio.WaveID(nil), b.releases...)
}

// Outstanding returns the number of waveforms not yet released.
func (b *Backend) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waves)
}

// Halts returns the number of HaltWaveform calls.
func (b *Backend) Halts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halts
}

// Watching returns the number of active watchers on pin.
func (b *Backend) Watching(pin int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers[pin])
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
