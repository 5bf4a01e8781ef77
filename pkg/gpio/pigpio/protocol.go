// pigpiod socket protocol
//
// Every command is a 16-byte little-endian frame (cmd, p1, p2, p3) where p3
// is the length of an optional extension that follows. The daemon answers
// with a 16-byte frame whose last word is the signed result.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pigpio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command codes used by this package.
const (
	CmdMODES uint32 = 0
	CmdPUD   uint32 = 2
	CmdREAD  uint32 = 3
	CmdWRITE uint32 = 4
	CmdBR1   uint32 = 10
	CmdNB    uint32 = 19
	CmdNC    uint32 = 21
	CmdWVCLR uint32 = 27
	CmdWVAG  uint32 = 28
	CmdWVBSY uint32 = 32
	CmdWVHLT uint32 = 33
	CmdWVCRE uint32 = 49
	CmdWVDEL uint32 = 50
	CmdWVTX  uint32 = 51
	CmdNOIB  uint32 = 99
)

var commandNames = map[uint32]string{
	CmdMODES: "MODES",
	CmdPUD:   "PUD",
	CmdREAD:  "READ",
	CmdWRITE: "WRITE",
	CmdBR1:   "BR1",
	CmdNB:    "NB",
	CmdNC:    "NC",
	CmdWVCLR: "WVCLR",
	CmdWVAG:  "WVAG",
	CmdWVBSY: "WVBSY",
	CmdWVHLT: "WVHLT",
	CmdWVCRE: "WVCRE",
	CmdWVDEL: "WVDEL",
	CmdWVTX:  "WVTX",
	CmdNOIB:  "NOIB",
}

// CommandName returns the mnemonic of cmd.
func CommandName(cmd uint32) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("CMD%d", cmd)
}

// Daemon error codes.
const (
	CodeBadGPIO        int32 = -3
	CodeBadMode        int32 = -4
	CodeBadLevel       int32 = -5
	CodeBadPUD         int32 = -6
	CodeNoHandle       int32 = -24
	CodeBadHandle      int32 = -25
	CodeTooManyPulses  int32 = -36
	CodeBadWaveID      int32 = -66
	CodeTooManyCBs     int32 = -67
	CodeTooManyOOL     int32 = -68
	CodeEmptyWaveform  int32 = -69
	CodeNoWaveformID   int32 = -70
	CodeUnknownCommand int32 = -88
)

var errorNames = map[int32]string{
	CodeBadGPIO:        "PI_BAD_GPIO",
	CodeBadMode:        "PI_BAD_MODE",
	CodeBadLevel:       "PI_BAD_LEVEL",
	CodeBadPUD:         "PI_BAD_PUD",
	CodeNoHandle:       "PI_NO_HANDLE",
	CodeBadHandle:      "PI_BAD_HANDLE",
	CodeTooManyPulses:  "PI_TOO_MANY_PULSES",
	CodeBadWaveID:      "PI_BAD_WAVE_ID",
	CodeTooManyCBs:     "PI_TOO_MANY_CBS",
	CodeTooManyOOL:     "PI_TOO_MANY_OOL",
	CodeEmptyWaveform:  "PI_EMPTY_WAVEFORM",
	CodeNoWaveformID:   "PI_NO_WAVEFORM_ID",
	CodeUnknownCommand: "PI_UNKNOWN_COMMAND",
}

// Error is a negative result returned by the daemon.
type Error struct {
	Command uint32
	Code    int32
}

func (e *Error) Error() string {
	name, ok := errorNames[e.Code]
	if !ok {
		name = "error"
	}
	return fmt.Sprintf("pigpio: %s failed: %s (%d)", CommandName(e.Command), name, e.Code)
}

// Frame is a command or response header.
type Frame struct {
	Cmd uint32
	P1  uint32
	P2  uint32
	P3  uint32
}

// FrameSize is the size of a command or response header.
const FrameSize = 16

// AppendFrame appends the encoded frame to b.
func AppendFrame(b []byte, f Frame) []byte {
	b = binary.LittleEndian.AppendUint32(b, f.Cmd)
	b = binary.LittleEndian.AppendUint32(b, f.P1)
	b = binary.LittleEndian.AppendUint32(b, f.P2)
	return binary.LittleEndian.AppendUint32(b, f.P3)
}

// ReadFrame reads one header from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var buf [FrameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Frame{}, err
	}
	return Frame{
		Cmd: binary.LittleEndian.Uint32(buf[0:4]),
		P1:  binary.LittleEndian.Uint32(buf[4:8]),
		P2:  binary.LittleEndian.Uint32(buf[8:12]),
		P3:  binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// Result returns the signed result word of a response frame.
func (f Frame) Result() int32 {
	return int32(f.P3)
}

// PulseSize is the encoded size of one gpioPulse_t.
const PulseSize = 12

// MaxExtension is the largest extension pigpiod accepts on a socket
// command (CMD_MAX_EXTENSION). It bounds one WVAG to 5461 pulses.
const MaxExtension = 1 << 16

// WirePulse is the daemon's pulse representation: GPIO bits to set, GPIO
// bits to clear, then a delay.
type WirePulse struct {
	On    uint32
	Off   uint32
	Delay uint32
}

// AppendPulse appends the encoded pulse to b.
func AppendPulse(b []byte, p WirePulse) []byte {
	b = binary.LittleEndian.AppendUint32(b, p.On)
	b = binary.LittleEndian.AppendUint32(b, p.Off)
	return binary.LittleEndian.AppendUint32(b, p.Delay)
}

// DecodePulses parses a WVAG extension.
func DecodePulses(ext []byte) ([]WirePulse, error) {
	if len(ext)%PulseSize != 0 {
		return nil, fmt.Errorf("pigpio: pulse extension length %d is not a multiple of %d", len(ext), PulseSize)
	}
	pulses := make([]WirePulse, len(ext)/PulseSize)
	for i := range pulses {
		o := i * PulseSize
		pulses[i] = WirePulse{
			On:    binary.LittleEndian.Uint32(ext[o:]),
			Off:   binary.LittleEndian.Uint32(ext[o+4:]),
			Delay: binary.LittleEndian.Uint32(ext[o+8:]),
		}
	}
	return pulses, nil
}

// Report is one notification record.
type Report struct {
	Seq   uint16
	Flags uint16
	Tick  uint32
	Level uint32
}

// ReportSize is the encoded size of a notification record.
const ReportSize = 12

// Notification flags. A report with none of these set is a level change.
const (
	NotifyWatchdog uint16 = 1 << 5
	NotifyAlive    uint16 = 1 << 6
	NotifyEvent    uint16 = 1 << 7
)

// AppendReport appends the encoded report to b.
func AppendReport(b []byte, r Report) []byte {
	b = binary.LittleEndian.AppendUint16(b, r.Seq)
	b = binary.LittleEndian.AppendUint16(b, r.Flags)
	b = binary.LittleEndian.AppendUint32(b, r.Tick)
	return binary.LittleEndian.AppendUint32(b, r.Level)
}

// ReadReport reads one notification record from r.
func ReadReport(r io.Reader) (Report, error) {
	var buf [ReportSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Report{}, err
	}
	return Report{
		Seq:   binary.LittleEndian.Uint16(buf[0:2]),
		Flags: binary.LittleEndian.Uint16(buf[2:4]),
		Tick:  binary.LittleEndian.Uint32(buf[4:8]),
		Level: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}
