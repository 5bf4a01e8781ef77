// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEdgeMatches(t *testing.T) {
	assert.True(t, RisingEdge.Matches(High))
	assert.False(t, RisingEdge.Matches(Low))
	assert.True(t, FallingEdge.Matches(Low))
	assert.False(t, FallingEdge.Matches(High))
	assert.True(t, EitherEdge.Matches(High))
	assert.True(t, EitherEdge.Matches(Low))
	assert.False(t, Edge(9).Matches(High))
	assert.Equal(t, "edge(9)", Edge(9).String())
}

func TestAppendStepPulses(t *testing.T) {
	buf := make([]Pulse, 0, 8)
	buf = AppendStepPulses(buf, 3, 250)
	assert.Len(t, buf, 6)
	for i, p := range buf {
		want := High
		if i%2 == 1 {
			want = Low
		}
		assert.Equal(t, want, p.Level, "pulse %d", i)
		assert.Equal(t, uint32(250), p.Micros)
	}

	w := Waveform{Pin: 19, Pulses: buf}
	assert.Equal(t, uint64(1500), w.Duration())
	assert.Empty(t, AppendStepPulses(nil, 0, 250))
}
