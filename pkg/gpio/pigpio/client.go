// Package pigpio is a gpio.Backend speaking the pigpiod socket protocol.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pigpio

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"

	"stepdrive/pkg/errors"
	"stepdrive/pkg/gpio"
	"stepdrive/pkg/log"
	"stepdrive/pkg/pool"
)

// DefaultAddr is the daemon's default listen address.
const DefaultAddr = "localhost:8888"

// Common errors
var (
	ErrNotConnected = stderrors.New("pigpio: not connected")
	ErrBadPin       = stderrors.New("pigpio: pin out of range 0-31")
)

// Config holds connection settings.
type Config struct {
	// Addr is host:port of pigpiod (default localhost:8888).
	Addr string

	// DialTimeout bounds connection setup (default 5s).
	DialTimeout time.Duration

	// CommandTimeout bounds each command round trip (default 2s).
	CommandTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 2 * time.Second
	}
	return c
}

// Client is a connection to pigpiod. Commands are serialized on one control
// socket; edge notifications use a second socket opened on first WatchEdge.
type Client struct {
	cfg    Config
	logger *log.Logger

	mu   sync.Mutex
	conn net.Conn

	notifyMu sync.Mutex
	notify   *notifier
}

var _ gpio.Backend = (*Client)(nil)

// Dial connects to pigpiod.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, errors.BackendConnectError("pigpio", err).SetContext("addr", cfg.Addr)
	}
	c := &Client{
		cfg:    cfg,
		conn:   conn,
		logger: log.GetLogger("pigpio"),
	}
	c.logger.WithField("addr", cfg.Addr).Info("connected to pigpiod")
	return c, nil
}

func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return conn, nil
}

// Addr returns the daemon address.
func (c *Client) Addr() string {
	return c.cfg.Addr
}

// command performs one round trip and returns the non-negative result.
func (c *Client) command(cmd, p1, p2 uint32, ext []byte) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0, ErrNotConnected
	}
	return roundTrip(c.conn, c.cfg.CommandTimeout, cmd, p1, p2, ext)
}

func roundTrip(conn net.Conn, timeout time.Duration, cmd, p1, p2 uint32, ext []byte) (int32, error) {
	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)
	buf.Grow(FrameSize + len(ext))
	var hdr [FrameSize]byte
	buf.Write(AppendFrame(hdr[:0], Frame{Cmd: cmd, P1: p1, P2: p2, P3: uint32(len(ext))}))
	buf.Write(ext)

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return 0, fmt.Errorf("pigpio: write %s: %w", CommandName(cmd), err)
	}
	resp, err := ReadFrame(conn)
	if err != nil {
		return 0, fmt.Errorf("pigpio: read %s response: %w", CommandName(cmd), err)
	}
	if res := resp.Result(); res < 0 {
		return res, &Error{Command: cmd, Code: res}
	}
	return resp.Result(), nil
}

func checkPin(pin int) error {
	if pin < 0 || pin > 31 {
		return fmt.Errorf("%w: %d", ErrBadPin, pin)
	}
	return nil
}

func (c *Client) SetMode(pin int, mode gpio.Mode) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	_, err := c.command(CmdMODES, uint32(pin), uint32(mode), nil)
	return err
}

func (c *Client) SetPull(pin int, pull gpio.Pull) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	_, err := c.command(CmdPUD, uint32(pin), uint32(pull), nil)
	return err
}

func (c *Client) Write(pin int, level gpio.Level) error {
	if err := checkPin(pin); err != nil {
		return err
	}
	_, err := c.command(CmdWRITE, uint32(pin), uint32(level), nil)
	return err
}

func (c *Client) Read(pin int) (gpio.Level, error) {
	if err := checkPin(pin); err != nil {
		return gpio.Low, err
	}
	res, err := c.command(CmdREAD, uint32(pin), 0, nil)
	if err != nil {
		return gpio.Low, err
	}
	if res != 0 {
		return gpio.High, nil
	}
	return gpio.Low, nil
}

// ReadBank returns the levels of GPIO 0-31 as a bitmask.
func (c *Client) ReadBank() (uint32, error) {
	res, err := c.command(CmdBR1, 0, 0, nil)
	return uint32(res), err
}

// encodePulses writes a single-pin waveform as the daemon's pulse list.
func encodePulses(dst *pool.ByteBuffer, w gpio.Waveform) {
	mask := uint32(1) << uint(w.Pin)
	dst.Grow(len(w.Pulses) * PulseSize)
	var tmp [PulseSize]byte
	for _, p := range w.Pulses {
		wp := WirePulse{Delay: p.Micros}
		if p.Level == gpio.High {
			wp.On = mask
		} else {
			wp.Off = mask
		}
		dst.Write(AppendPulse(tmp[:0], wp))
	}
}

// SubmitWaveform adds the pulses, creates a waveform and sends it once.
// If creation fails the pending pulses are discarded with WVCLR.
func (c *Client) SubmitWaveform(w gpio.Waveform) (gpio.WaveID, error) {
	if err := checkPin(w.Pin); err != nil {
		return 0, err
	}
	if len(w.Pulses) == 0 {
		return 0, &Error{Command: CmdWVCRE, Code: CodeEmptyWaveform}
	}
	if len(w.Pulses)*PulseSize > MaxExtension {
		return 0, &Error{Command: CmdWVAG, Code: CodeTooManyPulses}
	}

	ext := pool.GetByteBuffer()
	encodePulses(ext, w)
	_, err := c.command(CmdWVAG, 0, 0, ext.Bytes())
	pool.PutByteBuffer(ext)
	if err != nil {
		return 0, err
	}
	id, err := c.command(CmdWVCRE, 0, 0, nil)
	if err != nil {
		if _, cerr := c.command(CmdWVCLR, 0, 0, nil); cerr != nil {
			c.logger.WithError(cerr).Warn("wave clear after failed create")
		}
		return 0, err
	}
	if _, err := c.command(CmdWVTX, uint32(id), 0, nil); err != nil {
		if _, derr := c.command(CmdWVDEL, uint32(id), 0, nil); derr != nil {
			c.logger.WithError(derr).Warn("wave delete after failed send")
		}
		return 0, err
	}
	return gpio.WaveID(id), nil
}

// WaveformBusy reports whether any waveform is transmitting.
func (c *Client) WaveformBusy(id gpio.WaveID) (bool, error) {
	res, err := c.command(CmdWVBSY, 0, 0, nil)
	return res == 1, err
}

func (c *Client) ReleaseWaveform(id gpio.WaveID) error {
	_, err := c.command(CmdWVDEL, uint32(id), 0, nil)
	return err
}

func (c *Client) HaltWaveform() error {
	_, err := c.command(CmdWVHLT, 0, 0, nil)
	return err
}

// WatchEdge delivers transitions of pin to handler from the notification
// goroutine.
func (c *Client) WatchEdge(pin int, edge gpio.Edge, handler gpio.EdgeHandler) (func(), error) {
	if err := checkPin(pin); err != nil {
		return nil, err
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	if c.notify == nil {
		n, err := c.openNotifier()
		if err != nil {
			return nil, err
		}
		c.notify = n
	}
	n := c.notify

	id, mask := n.add(pin, edge, handler)
	if _, err := c.command(CmdNB, n.handle, mask, nil); err != nil {
		n.remove(id)
		c.closeNotifierIfIdle()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unwatch(n, id) })
	}, nil
}

func (c *Client) unwatch(n *notifier, id int) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	mask := n.remove(id)
	if c.notify != n {
		return
	}
	if mask != 0 {
		if _, err := c.command(CmdNB, n.handle, mask, nil); err != nil {
			c.logger.WithError(err).Warn("notify mask update failed")
		}
		return
	}
	c.closeNotifierIfIdle()
}

// closeNotifierIfIdle closes the notification stream when nothing is
// watched. notifyMu must be held.
func (c *Client) closeNotifierIfIdle() {
	n := c.notify
	if n == nil || n.mask() != 0 {
		return
	}
	if _, err := c.command(CmdNC, n.handle, 0, nil); err != nil && !stderrors.Is(err, ErrNotConnected) {
		c.logger.WithError(err).Debug("notify close")
	}
	n.close()
	c.notify = nil
}

func (c *Client) openNotifier() (*notifier, error) {
	conn, err := dial(context.Background(), c.cfg)
	if err != nil {
		return nil, errors.BackendConnectError("pigpio notify", err)
	}
	handle, err := roundTrip(conn, c.cfg.CommandTimeout, CmdNOIB, 0, 0, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	initial, err := c.ReadBank()
	if err != nil {
		conn.Close()
		return nil, err
	}
	n := newNotifier(conn, uint32(handle), initial, c.logger)
	go n.run()
	return n, nil
}

// Close closes the notification stream and the control connection.
func (c *Client) Close() error {
	c.notifyMu.Lock()
	if n := c.notify; n != nil {
		c.command(CmdNC, n.handle, 0, nil)
		n.close()
		c.notify = nil
	}
	c.notifyMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.logger.Debug("disconnected")
	return err
}
