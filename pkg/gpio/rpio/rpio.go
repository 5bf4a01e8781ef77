// Package rpio is a gpio.Backend driving lines directly through
// /dev/gpiomem. It has no hardware-timed waveforms, so it only supports the
// timed step path; limit sensors are sampled by a polling goroutine.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package rpio

import (
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"

	"stepdrive/pkg/errors"
	"stepdrive/pkg/gpio"
	"stepdrive/pkg/log"
)

// DefaultPollInterval is the sensor sampling period.
const DefaultPollInterval = 500 * time.Microsecond

// port is the register access used by Backend.
type port interface {
	SetMode(pin int, mode gpio.Mode)
	SetPull(pin int, pull gpio.Pull)
	Write(pin int, level gpio.Level)
	Read(pin int) gpio.Level
	Close() error
}

// memPort maps the GPIO registers with go-rpio.
type memPort struct{}

func (memPort) SetMode(pin int, mode gpio.Mode) {
	if mode == gpio.Output {
		rpio.Pin(pin).Output()
	} else {
		rpio.Pin(pin).Input()
	}
}

func (memPort) SetPull(pin int, pull gpio.Pull) {
	switch pull {
	case gpio.PullUp:
		rpio.Pin(pin).PullUp()
	case gpio.PullDown:
		rpio.Pin(pin).PullDown()
	default:
		rpio.Pin(pin).PullOff()
	}
}

func (memPort) Write(pin int, level gpio.Level) {
	if level == gpio.High {
		rpio.Pin(pin).High()
	} else {
		rpio.Pin(pin).Low()
	}
}

func (memPort) Read(pin int) gpio.Level {
	if rpio.Pin(pin).Read() == rpio.High {
		return gpio.High
	}
	return gpio.Low
}

func (memPort) Close() error {
	return rpio.Close()
}

type watch struct {
	pin     int
	edge    gpio.Edge
	handler gpio.EdgeHandler
	last    gpio.Level
}

// Backend implements gpio.Backend on memory-mapped registers.
type Backend struct {
	port     port
	interval time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	closed  bool
	watches map[int]*watch
	nextID  int
	stop    chan struct{}
	done    chan struct{}
}

var _ gpio.Backend = (*Backend)(nil)

// Open maps /dev/gpiomem. pollInterval <= 0 uses DefaultPollInterval.
func Open(pollInterval time.Duration) (*Backend, error) {
	if err := rpio.Open(); err != nil {
		return nil, errors.BackendConnectError("rpio", err)
	}
	return newBackend(memPort{}, pollInterval), nil
}

func newBackend(p port, pollInterval time.Duration) *Backend {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Backend{
		port:     p,
		interval: pollInterval,
		logger:   log.GetLogger("rpio"),
		watches:  make(map[int]*watch),
	}
}

func (b *Backend) check() error {
	if b.closed {
		return gpio.ErrClosed
	}
	return nil
}

func (b *Backend) SetMode(pin int, mode gpio.Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.port.SetMode(pin, mode)
	return nil
}

func (b *Backend) SetPull(pin int, pull gpio.Pull) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.port.SetPull(pin, pull)
	return nil
}

func (b *Backend) Write(pin int, level gpio.Level) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.port.Write(pin, level)
	return nil
}

func (b *Backend) Read(pin int) (gpio.Level, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return gpio.Low, err
	}
	return b.port.Read(pin), nil
}

func (b *Backend) SubmitWaveform(gpio.Waveform) (gpio.WaveID, error) {
	return 0, gpio.ErrWaveformUnsupported
}

func (b *Backend) WaveformBusy(gpio.WaveID) (bool, error) {
	return false, gpio.ErrWaveformUnsupported
}

func (b *Backend) ReleaseWaveform(gpio.WaveID) error {
	return gpio.ErrWaveformUnsupported
}

func (b *Backend) HaltWaveform() error {
	return gpio.ErrWaveformUnsupported
}

// WatchEdge samples pin every poll interval and calls handler on matching
// transitions. The first watch starts the poller; the last cancel stops it.
func (b *Backend) WatchEdge(pin int, edge gpio.Edge, handler gpio.EdgeHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}

	b.nextID++
	id := b.nextID
	b.watches[id] = &watch{pin: pin, edge: edge, handler: handler, last: b.port.Read(pin)}
	if b.stop == nil {
		b.stop = make(chan struct{})
		b.done = make(chan struct{})
		go b.poll(b.stop, b.done)
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.unwatch(id) })
	}, nil
}

func (b *Backend) unwatch(id int) {
	b.mu.Lock()
	delete(b.watches, id)
	if len(b.watches) > 0 || b.stop == nil {
		b.mu.Unlock()
		return
	}
	stop, done := b.stop, b.done
	b.stop, b.done = nil, nil
	b.mu.Unlock()

	close(stop)
	<-done
}

type delivery struct {
	handler gpio.EdgeHandler
	pin     int
	level   gpio.Level
}

func (b *Backend) poll(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var out []delivery
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		out = out[:0]
		b.mu.Lock()
		for _, w := range b.watches {
			level := b.port.Read(w.pin)
			if level == w.last {
				continue
			}
			w.last = level
			if w.edge.Matches(level) {
				out = append(out, delivery{w.handler, w.pin, level})
			}
		}
		b.mu.Unlock()

		for _, d := range out {
			d.handler(d.pin, d.level)
		}
	}
}

// Close stops the poller and unmaps the registers. Lines keep their last
// state.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.watches = make(map[int]*watch)
	stop, done := b.stop, b.done
	b.stop, b.done = nil, nil
	b.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	b.logger.Debug("closed")
	return b.port.Close()
}
