// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pigpio

import (
	"net"
	"sync"

	"stepdrive/pkg/gpio"
	"stepdrive/pkg/log"
)

type watch struct {
	pin     int
	edge    gpio.Edge
	handler gpio.EdgeHandler
}

// notifier reads level reports from a notification socket and dispatches
// edges to the registered watches.
type notifier struct {
	conn   net.Conn
	handle uint32
	logger *log.Logger

	mu      sync.Mutex
	watches map[int]watch
	nextID  int
	last    uint32

	done chan struct{}
	once sync.Once
}

func newNotifier(conn net.Conn, handle uint32, initial uint32, logger *log.Logger) *notifier {
	return &notifier{
		conn:    conn,
		handle:  handle,
		logger:  logger,
		watches: make(map[int]watch),
		last:    initial,
		done:    make(chan struct{}),
	}
}

// add registers a watch and returns its id and the new bit mask.
func (n *notifier) add(pin int, edge gpio.Edge, handler gpio.EdgeHandler) (int, uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	n.watches[n.nextID] = watch{pin: pin, edge: edge, handler: handler}
	return n.nextID, n.maskLocked()
}

// remove drops a watch and returns the new bit mask.
func (n *notifier) remove(id int) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.watches, id)
	return n.maskLocked()
}

func (n *notifier) mask() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maskLocked()
}

func (n *notifier) maskLocked() uint32 {
	var m uint32
	for _, w := range n.watches {
		m |= 1 << uint(w.pin)
	}
	return m
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		r, err := ReadReport(n.conn)
		if err != nil {
			select {
			case <-n.closing():
			default:
				n.logger.WithError(err).Warn("notification stream ended")
			}
			return
		}
		if r.Flags != 0 {
			continue
		}
		n.dispatch(r.Level)
	}
}

type delivery struct {
	handler gpio.EdgeHandler
	pin     int
	level   gpio.Level
}

func (n *notifier) dispatch(levels uint32) {
	n.mu.Lock()
	changed := levels ^ n.last
	n.last = levels
	var out []delivery
	for _, w := range n.watches {
		bit := uint32(1) << uint(w.pin)
		if changed&bit == 0 {
			continue
		}
		level := gpio.Low
		if levels&bit != 0 {
			level = gpio.High
		}
		if w.edge.Matches(level) {
			out = append(out, delivery{w.handler, w.pin, level})
		}
	}
	n.mu.Unlock()

	for _, d := range out {
		d.handler(d.pin, d.level)
	}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (n *notifier) closing() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.watches == nil {
		return closedCh
	}
	return nil
}

// close shuts the socket and waits for the reader to exit.
func (n *notifier) close() {
	n.once.Do(func() {
		n.mu.Lock()
		n.watches = nil
		n.mu.Unlock()
		n.conn.Close()
		<-n.done
	})
}
