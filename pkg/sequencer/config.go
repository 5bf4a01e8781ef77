// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sequencer

import (
	"fmt"
	"strings"
	"time"

	"stepdrive/pkg/metrics"
)

// Defaults for Config.
const (
	DefaultChunkCeiling = 2000
	DefaultPollInterval = time.Millisecond
	DefaultChunkRetries = 2
	DefaultRetryDelay   = 5 * time.Millisecond
)

// FailurePolicy selects what happens when a chunk cannot be submitted after
// all retries.
type FailurePolicy int

const (
	// FailRequest aborts the request with a chunk submission error.
	FailRequest FailurePolicy = iota

	// SkipChunk drops the chunk and continues. Dropped pulses are not counted
	// as submitted or completed.
	SkipChunk
)

func (p FailurePolicy) String() string {
	switch p {
	case FailRequest:
		return "fail"
	case SkipChunk:
		return "skip"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseFailurePolicy accepts "fail" or "skip".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail", "":
		return FailRequest, nil
	case "skip":
		return SkipChunk, nil
	default:
		return FailRequest, fmt.Errorf("unknown chunk failure policy %q (want fail or skip)", s)
	}
}

// Config tunes the sequencer.
type Config struct {
	// ChunkCeiling is the maximum number of steps per waveform.
	ChunkCeiling int

	// PollInterval is the busy-poll period while a chunk transmits.
	PollInterval time.Duration

	// ChunkRetries is how many extra submission attempts a chunk gets.
	ChunkRetries int

	// RetryDelay is the pause between submission attempts.
	RetryDelay time.Duration

	// Failure decides what happens once retries are exhausted.
	Failure FailurePolicy

	// HaltOnCancel stops the in-flight waveform when the run flag clears.
	// By default the in-flight chunk runs to completion.
	HaltOnCancel bool

	// Realtime applies SCHED_FIFO and mlockall around the timed loop.
	Realtime         bool
	RealtimePriority int

	// Metrics is optional.
	Metrics *metrics.Motion
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		ChunkCeiling: DefaultChunkCeiling,
		PollInterval: DefaultPollInterval,
		ChunkRetries: DefaultChunkRetries,
		RetryDelay:   DefaultRetryDelay,
		Failure:      FailRequest,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkCeiling <= 0 {
		c.ChunkCeiling = DefaultChunkCeiling
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ChunkRetries < 0 {
		c.ChunkRetries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}
