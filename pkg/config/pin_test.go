// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"testing"

	"stepdrive/pkg/gpio"
)

func TestParsePin(t *testing.T) {
	all := PinOptions{CanInvert: true, CanPull: true}
	tests := []struct {
		desc    string
		opts    PinOptions
		want    Pin
		wantErr bool
	}{
		{"13", PinOptions{}, Pin{GPIO: 13}, false},
		{"gpio19", PinOptions{}, Pin{GPIO: 19}, false},
		{" GPIO5 ", PinOptions{}, Pin{GPIO: 5}, false},
		{"!12", all, Pin{GPIO: 12, Invert: true}, false},
		{"^22", all, Pin{GPIO: 22, Pull: gpio.PullUp, PullSet: true}, false},
		{"~!gpio23", all, Pin{GPIO: 23, Invert: true, Pull: gpio.PullDown, PullSet: true}, false},
		{"!12", PinOptions{}, Pin{}, true},
		{"^22", PinOptions{CanInvert: true}, Pin{}, true},
		{"", all, Pin{}, true},
		{"PA5", all, Pin{}, true},
		{"32", all, Pin{}, true},
		{"-1", all, Pin{}, true},
	}
	for _, tt := range tests {
		got, err := ParsePin(tt.desc, tt.opts)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePin(%q) = %+v, want error", tt.desc, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePin(%q) error: %v", tt.desc, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePin(%q) = %+v, want %+v", tt.desc, got, tt.want)
		}
	}
}

func TestPinString(t *testing.T) {
	for _, desc := range []string{"13", "!12", "^22", "~!23"} {
		p, err := ParsePin(desc, PinOptions{CanInvert: true, CanPull: true})
		if err != nil {
			t.Fatal(err)
		}
		if p.String() != desc {
			t.Errorf("String() = %q, want %q", p.String(), desc)
		}
	}
}

func TestParsePinList(t *testing.T) {
	pins, err := ParsePinList("22, ^!23,", PinOptions{CanInvert: true, CanPull: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(pins) != 2 || pins[0].GPIO != 22 || pins[1].GPIO != 23 || !pins[1].Invert {
		t.Errorf("unexpected pins %+v", pins)
	}
	if _, err := ParsePinList("22,x", PinOptions{}); err == nil {
		t.Error("expected error for bad item")
	}
}
