// Package pigpiotest emulates the subset of pigpiod used by stepdrive on a
// local TCP socket.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pigpiotest

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"stepdrive/pkg/gpio/pigpio"
	"stepdrive/pkg/log"
)

// MaxPulses is the largest waveform the emulator accepts.
const MaxPulses = 12000

type notifyConn struct {
	conn net.Conn
	mask uint32
	seq  uint16
}

// Server is an in-process pigpiod.
type Server struct {
	ln     net.Listener
	logger *log.Logger
	start  time.Time
	wg     sync.WaitGroup

	mu         sync.Mutex
	levels     uint32
	modes      map[int]uint32
	pulls      map[int]uint32
	pending    []pigpio.WirePulse
	waves      map[int][]pigpio.WirePulse
	nextWave   int
	creates    int
	txUntil    time.Time
	transmits  int
	pulsesSent int
	halts      int
	commands   []uint32
	conns      map[net.Conn]struct{}
	notifiers  map[uint32]*notifyConn
	nextHandle uint32
	closed     bool

	createHook   func(n int) int32
	transmitHook func(id int)
	timeScale    float64
}

// SetCreateHook installs fn to run on the n-th WVCRE (1-based). A negative
// return value fails the creation with that error code.
func (s *Server) SetCreateHook(fn func(n int) int32) {
	s.mu.Lock()
	s.createHook = fn
	s.mu.Unlock()
}

// SetTransmitHook installs fn to run after a waveform starts, outside the
// server lock.
func (s *Server) SetTransmitHook(fn func(id int)) {
	s.mu.Lock()
	s.transmitHook = fn
	s.mu.Unlock()
}

// SetTimeScale multiplies the wall time a waveform stays busy. Zero means 1.
func (s *Server) SetTimeScale(scale float64) {
	s.mu.Lock()
	s.timeScale = scale
	s.mu.Unlock()
}

// NewServer listens on addr ("127.0.0.1:0" for an ephemeral port) and
// starts serving.
func NewServer(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:        ln,
		logger:    log.GetLogger("mock-pigpiod"),
		start:     time.Now(),
		modes:     make(map[int]uint32),
		pulls:     make(map[int]uint32),
		waves:     make(map[int][]pigpio.WirePulse),
		conns:     make(map[net.Conn]struct{}),
		notifiers: make(map[uint32]*notifyConn),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the listener, drops all connections and waits for the
// connection goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.ln.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		for h, n := range s.notifiers {
			if n.conn == conn {
				delete(s.notifiers, h)
			}
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		req, err := pigpio.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.WithError(err).Debug("connection closed")
			}
			return
		}
		if req.P3 > pigpio.MaxExtension {
			return
		}
		var ext []byte
		if req.P3 > 0 {
			ext = make([]byte, req.P3)
			if _, err := io.ReadFull(conn, ext); err != nil {
				return
			}
		}

		if req.Cmd == pigpio.CmdNOIB {
			handle := s.openNotify(conn)
			if !s.respond(conn, req, int32(handle)) {
				return
			}
			// The socket now only carries reports; wait for the client to hang up.
			io.Copy(io.Discard, conn)
			return
		}

		res, hook := s.execute(req, ext)
		if !s.respond(conn, req, res) {
			return
		}
		if hook != nil {
			hook()
		}
	}
}

func (s *Server) respond(conn net.Conn, req pigpio.Frame, res int32) bool {
	var buf [pigpio.FrameSize]byte
	out := pigpio.AppendFrame(buf[:0], pigpio.Frame{Cmd: req.Cmd, P1: req.P1, P2: req.P2, P3: uint32(res)})
	_, err := conn.Write(out)
	return err == nil
}

func (s *Server) openNotify(conn net.Conn) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, pigpio.CmdNOIB)
	h := s.nextHandle
	s.nextHandle++
	s.notifiers[h] = &notifyConn{conn: conn}
	return h
}

// execute applies one command and returns its result and an optional hook
// to run after the response is sent.
func (s *Server) execute(req pigpio.Frame, ext []byte) (int32, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, req.Cmd)

	pin := int(req.P1)
	switch req.Cmd {
	case pigpio.CmdMODES:
		if pin > 53 {
			return pigpio.CodeBadGPIO, nil
		}
		if req.P2 > 7 {
			return pigpio.CodeBadMode, nil
		}
		s.modes[pin] = req.P2
		return 0, nil

	case pigpio.CmdPUD:
		if pin > 53 {
			return pigpio.CodeBadGPIO, nil
		}
		if req.P2 > 2 {
			return pigpio.CodeBadPUD, nil
		}
		s.pulls[pin] = req.P2
		return 0, nil

	case pigpio.CmdWRITE:
		if pin > 31 {
			return pigpio.CodeBadGPIO, nil
		}
		if req.P2 > 1 {
			return pigpio.CodeBadLevel, nil
		}
		s.setLevelsLocked(withBit(s.levels, pin, req.P2 == 1))
		return 0, nil

	case pigpio.CmdREAD:
		if pin > 31 {
			return pigpio.CodeBadGPIO, nil
		}
		return int32(s.levels >> uint(pin) & 1), nil

	case pigpio.CmdBR1:
		return int32(s.levels), nil

	case pigpio.CmdNB:
		n, ok := s.notifiers[req.P1]
		if !ok {
			return pigpio.CodeBadHandle, nil
		}
		n.mask = req.P2
		return 0, nil

	case pigpio.CmdNC:
		n, ok := s.notifiers[req.P1]
		if !ok {
			return pigpio.CodeBadHandle, nil
		}
		delete(s.notifiers, req.P1)
		n.conn.Close()
		return 0, nil

	case pigpio.CmdWVCLR:
		s.pending = nil
		s.waves = make(map[int][]pigpio.WirePulse)
		return 0, nil

	case pigpio.CmdWVAG:
		pulses, err := pigpio.DecodePulses(ext)
		if err != nil {
			return pigpio.CodeTooManyPulses, nil
		}
		if len(s.pending)+len(pulses) > MaxPulses {
			return pigpio.CodeTooManyPulses, nil
		}
		s.pending = append(s.pending, pulses...)
		return int32(len(s.pending)), nil

	case pigpio.CmdWVCRE:
		s.creates++
		if s.createHook != nil {
			if code := s.createHook(s.creates); code < 0 {
				return code, nil
			}
		}
		if len(s.pending) == 0 {
			return pigpio.CodeEmptyWaveform, nil
		}
		id := s.nextWave
		s.nextWave++
		s.waves[id] = s.pending
		s.pending = nil
		return int32(id), nil

	case pigpio.CmdWVTX:
		id := int(req.P1)
		pulses, ok := s.waves[id]
		if !ok {
			return pigpio.CodeBadWaveID, nil
		}
		s.transmitLocked(pulses)
		hook := s.transmitHook
		if hook == nil {
			return int32(len(pulses)), nil
		}
		return int32(len(pulses)), func() { hook(id) }

	case pigpio.CmdWVBSY:
		if time.Now().Before(s.txUntil) {
			return 1, nil
		}
		return 0, nil

	case pigpio.CmdWVHLT:
		s.txUntil = time.Time{}
		s.halts++
		return 0, nil

	case pigpio.CmdWVDEL:
		id := int(req.P1)
		if _, ok := s.waves[id]; !ok {
			return pigpio.CodeBadWaveID, nil
		}
		delete(s.waves, id)
		return 0, nil
	}
	return pigpio.CodeUnknownCommand, nil
}

func (s *Server) transmitLocked(pulses []pigpio.WirePulse) {
	var total time.Duration
	levels := s.levels
	for _, p := range pulses {
		total += time.Duration(p.Delay) * time.Microsecond
		levels = (levels | p.On) &^ p.Off
	}
	scale := s.timeScale
	if scale <= 0 {
		scale = 1
	}
	s.txUntil = time.Now().Add(time.Duration(float64(total) * scale))
	s.transmits++
	for _, p := range pulses {
		if p.On != 0 {
			s.pulsesSent++
		}
	}
	s.setLevelsLocked(levels)
}

func withBit(levels uint32, pin int, on bool) uint32 {
	if on {
		return levels | 1<<uint(pin)
	}
	return levels &^ (1 << uint(pin))
}

// setLevelsLocked updates the bank and reports changed watched bits.
func (s *Server) setLevelsLocked(levels uint32) {
	changed := levels ^ s.levels
	s.levels = levels
	if changed == 0 {
		return
	}
	tick := uint32(time.Since(s.start) / time.Microsecond)
	for h, n := range s.notifiers {
		if n.mask&changed == 0 {
			continue
		}
		var buf [pigpio.ReportSize]byte
		out := pigpio.AppendReport(buf[:0], pigpio.Report{Seq: n.seq, Tick: tick, Level: levels})
		n.seq++
		n.conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := n.conn.Write(out); err != nil {
			delete(s.notifiers, h)
		}
	}
}

// SetLevel drives an input line as external hardware would, notifying
// subscribers.
func (s *Server) SetLevel(pin int, high bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLevelsLocked(withBit(s.levels, pin, high))
}

// Level reports the level of pin.
func (s *Server) Level(pin int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels>>uint(pin)&1 == 1
}

// Mode returns the mode last set on pin.
func (s *Server) Mode(pin int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes[pin]
}

// Pull returns the pull last set on pin.
func (s *Server) Pull(pin int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls[pin]
}

// Count returns how many times cmd was received.
func (s *Server) Count(cmd uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

// Waves returns the number of created waveforms not yet deleted.
func (s *Server) Waves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waves)
}

// PulsesSent returns the number of rising transitions transmitted.
func (s *Server) PulsesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulsesSent
}

// Transmits returns the number of WVTX commands accepted.
func (s *Server) Transmits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmits
}

// Halts returns the number of WVHLT commands.
func (s *Server) Halts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halts
}

// Subscribers returns the number of open notification handles.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifiers)
}
