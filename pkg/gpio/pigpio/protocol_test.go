// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pigpio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepdrive/pkg/gpio"
	"stepdrive/pkg/pool"
)

func TestAppendFrameLayout(t *testing.T) {
	got := AppendFrame(nil, Frame{Cmd: CmdWRITE, P1: 19, P2: 1, P3: 0})
	want := []byte{
		4, 0, 0, 0,
		19, 0, 0, 0,
		1, 0, 0, 0,
		0, 0, 0, 0,
	}
	assert.Equal(t, want, got)

	f, err := ReadFrame(bytes.NewReader(got))
	require.NoError(t, err)
	assert.Equal(t, Frame{Cmd: CmdWRITE, P1: 19, P2: 1}, f)
}

func TestFrameResultIsSigned(t *testing.T) {
	f := Frame{P3: uint32(0xffffffff)}
	assert.Equal(t, int32(-1), f.Result())

	resp := AppendFrame(nil, Frame{Cmd: CmdWVCRE, P3: uint32(0xffffffbb)})
	r, err := ReadFrame(bytes.NewReader(resp))
	require.NoError(t, err)
	assert.Equal(t, CodeEmptyWaveform, r.Result())
}

func TestReadFrameShort(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestEncodePulses(t *testing.T) {
	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)

	w := gpio.Waveform{Pin: 19, Pulses: gpio.AppendStepPulses(nil, 2, 1000)}
	encodePulses(buf, w)
	require.Equal(t, 4*PulseSize, buf.Len())

	pulses, err := DecodePulses(buf.Bytes())
	require.NoError(t, err)
	mask := uint32(1) << 19
	assert.Equal(t, []WirePulse{
		{On: mask, Delay: 1000},
		{Off: mask, Delay: 1000},
		{On: mask, Delay: 1000},
		{Off: mask, Delay: 1000},
	}, pulses)
}

func TestDecodePulsesRejectsPartial(t *testing.T) {
	_, err := DecodePulses(make([]byte, PulseSize+3))
	assert.Error(t, err)
}

func TestReportCodec(t *testing.T) {
	r := Report{Seq: 7, Flags: NotifyAlive, Tick: 123456, Level: 1 << 5}
	b := AppendReport(nil, r)
	require.Len(t, b, ReportSize)

	got, err := ReadReport(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Command: CmdWVCRE, Code: CodeTooManyPulses}
	assert.Equal(t, "pigpio: WVCRE failed: PI_TOO_MANY_PULSES (-36)", err.Error())

	err = &Error{Command: 200, Code: -1234}
	assert.Equal(t, "pigpio: CMD200 failed: error (-1234)", err.Error())
}
