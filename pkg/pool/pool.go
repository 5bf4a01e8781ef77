// Buffer pools for the pulse generation hot path
//
// Provides reusable buffers for:
// - Pulse slices (one per waveform chunk)
// - Byte buffers (for encoding backend command frames)
//
// Usage:
//
//	buf := pool.GetPulses(2 * steps)
//	defer pool.PutPulses(buf)
//	// use buf...
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
	"sync/atomic"

	"stepdrive/pkg/gpio"
)

// MaxPooledPulses is the largest pulse buffer kept for reuse: one full
// chunk of 2000 steps at two transitions per step.
const MaxPooledPulses = 4000

var pulsePool = sync.Pool{
	New: func() any {
		pulseMisses.Add(1)
		s := make([]gpio.Pulse, 0, MaxPooledPulses)
		return &s
	},
}

// GetPulses returns an empty pulse slice with at least the given capacity.
func GetPulses(capacity int) *[]gpio.Pulse {
	if capacity > MaxPooledPulses {
		s := make([]gpio.Pulse, 0, capacity)
		return &s
	}
	pulseGets.Add(1)
	s := pulsePool.Get().(*[]gpio.Pulse)
	*s = (*s)[:0]
	return s
}

// PutPulses returns a pulse slice to the pool. Oversized slices are dropped.
func PutPulses(s *[]gpio.Pulse) {
	if s == nil || cap(*s) > MaxPooledPulses {
		return
	}
	*s = (*s)[:0]
	pulsePool.Put(s)
}

// ByteBuffer is a growable byte slice for frame encoding.
type ByteBuffer struct {
	buf []byte
}

var byteBufferPool = sync.Pool{
	New: func() any {
		return &ByteBuffer{
			buf: make([]byte, 0, 64),
		}
	},
}

// GetByteBuffer gets a byte buffer from the pool
func GetByteBuffer() *ByteBuffer {
	b := byteBufferPool.Get().(*ByteBuffer)
	b.buf = b.buf[:0]
	return b
}

// PutByteBuffer returns a byte buffer to the pool. A waveform extension
// never exceeds 64 KiB; anything larger is not pooled.
func PutByteBuffer(b *ByteBuffer) {
	if b == nil || cap(b.buf) > 64*1024 {
		return
	}
	byteBufferPool.Put(b)
}

// Bytes returns the buffer's byte slice
func (b *ByteBuffer) Bytes() []byte {
	return b.buf
}

// Write appends bytes to the buffer
func (b *ByteBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Len returns the buffer length
func (b *ByteBuffer) Len() int {
	return len(b.buf)
}

// Reset clears the buffer
func (b *ByteBuffer) Reset() {
	b.buf = b.buf[:0]
}

// Grow ensures the buffer has capacity for n more bytes
func (b *ByteBuffer) Grow(n int) {
	if cap(b.buf)-len(b.buf) < n {
		newBuf := make([]byte, len(b.buf), cap(b.buf)*2+n)
		copy(newBuf, b.buf)
		b.buf = newBuf
	}
}

var (
	pulseGets   atomic.Uint64
	pulseMisses atomic.Uint64
)

// Stats holds pulse pool usage counters.
type Stats struct {
	PulseGets   uint64
	PulseMisses uint64
}

// ReadStats returns the pulse pool counters.
func ReadStats() Stats {
	return Stats{
		PulseGets:   pulseGets.Load(),
		PulseMisses: pulseMisses.Load(),
	}
}
