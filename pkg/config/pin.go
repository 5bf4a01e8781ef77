// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"fmt"
	"strconv"
	"strings"

	"stepdrive/pkg/gpio"
)

// MaxGPIO is the highest BCM line number accepted in a pin specification.
const MaxGPIO = 31

// Pin is a parsed pin specification.
type Pin struct {
	GPIO   int
	Invert bool      // ! prefix
	Pull   gpio.Pull // ^ pull-up, ~ pull-down
	// PullSet is true when the specification carried a pull prefix.
	PullSet bool
}

func (p Pin) String() string {
	var b strings.Builder
	switch {
	case p.PullSet && p.Pull == gpio.PullUp:
		b.WriteByte('^')
	case p.PullSet && p.Pull == gpio.PullDown:
		b.WriteByte('~')
	}
	if p.Invert {
		b.WriteByte('!')
	}
	b.WriteString(strconv.Itoa(p.GPIO))
	return b.String()
}

// PinOptions selects which prefixes a specification may carry.
type PinOptions struct {
	CanInvert bool
	CanPull   bool
}

// ParsePin parses "[^|~][!]N" or "[^|~][!]gpioN" where N is a BCM line
// number.
func ParsePin(desc string, opts PinOptions) (Pin, error) {
	d := strings.TrimSpace(desc)
	if d == "" {
		return Pin{}, fmt.Errorf("empty pin specification")
	}

	var p Pin
	if opts.CanPull {
		switch d[0] {
		case '^':
			p.Pull, p.PullSet = gpio.PullUp, true
			d = strings.TrimSpace(d[1:])
		case '~':
			p.Pull, p.PullSet = gpio.PullDown, true
			d = strings.TrimSpace(d[1:])
		}
	}
	if opts.CanInvert && strings.HasPrefix(d, "!") {
		p.Invert = true
		d = strings.TrimSpace(d[1:])
	}

	name := strings.TrimPrefix(strings.ToLower(d), "gpio")
	n, err := strconv.Atoi(name)
	if err != nil {
		return Pin{}, fmt.Errorf("invalid pin %q", desc)
	}
	if n < 0 || n > MaxGPIO {
		return Pin{}, fmt.Errorf("pin %q out of range 0-%d", desc, MaxGPIO)
	}
	p.GPIO = n
	return p, nil
}

// ParsePinList parses a comma-separated list of pin specifications.
func ParsePinList(desc string, opts PinOptions) ([]Pin, error) {
	var pins []Pin
	for _, item := range splitList(desc, ",") {
		p, err := ParsePin(item, opts)
		if err != nil {
			return nil, err
		}
		pins = append(pins, p)
	}
	return pins, nil
}

// GetPin returns a pin option from the section.
func (s *Section) GetPin(option string, opts PinOptions) (Pin, error) {
	v, ok := s.lookup(option)
	if !ok {
		return Pin{}, ErrMissingOption(s.name, option)
	}
	p, err := ParsePin(v, opts)
	if err != nil {
		return Pin{}, &ConfigError{Section: s.name, Option: option, Message: err.Error(), Cause: err}
	}
	return p, nil
}
