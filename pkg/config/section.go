// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section is one [name] block. Every getter marks its option as read so
// unknown options can be reported with Config.CheckUnused.
type Section struct {
	name    string
	options map[string]string

	mu       sync.Mutex
	touched  bool
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	s := &Section{
		name:     name,
		options:  make(map[string]string, len(options)),
		accessed: make(map[string]struct{}),
	}
	s.merge(options)
	return s
}

func (s *Section) merge(options map[string]string) {
	for k, v := range options {
		s.options[strings.ToLower(k)] = v
	}
}

// Name returns the section name.
func (s *Section) Name() string {
	return s.name
}

func (s *Section) used() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

// lookup returns the raw value and marks the option read.
func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	s.touched = true
	s.accessed[key] = struct{}{}
	s.mu.Unlock()
	v, ok := s.options[key]
	return v, ok
}

// HasOption reports whether option is present. It does not mark it read.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// Options returns the option names in sorted order.
func (s *Section) Options() []string {
	names := make([]string, 0, len(s.options))
	for k := range s.options {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// UnusedOptions returns the options no getter has read, sorted.
func (s *Section) UnusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	sort.Strings(result)
	return result
}

// Get returns a string option, the fallback if absent, or a missing-option
// error.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.lookup(option); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", ErrMissingOption(s.name, option)
}

func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, ErrMissingOption(s.name, option)
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, ErrInvalidValue(s.name, option, v, "integer")
	}
	return i, nil
}

// GetIntMin is GetInt with a lower bound.
func (s *Section) GetIntMin(option string, minVal int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v < minVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(minVal))
	}
	return v, nil
}

func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, ErrMissingOption(s.name, option)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, ErrInvalidValue(s.name, option, v, "float")
	}
	return f, nil
}

// GetFloatAbove is GetFloat requiring a value strictly greater than above.
func (s *Section) GetFloatAbove(option string, above float64, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v <= above {
		return 0, ErrOutOfRange(s.name, option, v, "must be above "+strconv.FormatFloat(above, 'f', -1, 64))
	}
	return v, nil
}

// GetBool accepts 1, true, yes, on and 0, false, no, off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return false, ErrMissingOption(s.name, option)
	}
	b, ok := parseBool(v)
	if !ok {
		return false, ErrInvalidValue(s.name, option, v, "boolean (true/false/yes/no/on/off/1/0)")
	}
	return b, nil
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// GetDuration parses values such as "1ms" or "250us". A bare number is
// taken as milliseconds.
func (s *Section) GetDuration(option string, fallback ...time.Duration) (time.Duration, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, ErrMissingOption(s.name, option)
	}
	d, err := parseDuration(v)
	if err != nil {
		return 0, ErrInvalidValue(s.name, option, v, "duration")
	}
	return d, nil
}

func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	return time.ParseDuration(v)
}

// GetChoice returns option if it case-insensitively matches one of choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(v), c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

// GetList splits option on sep, dropping empty items.
func (s *Section) GetList(option string, sep string, fallback ...[]string) ([]string, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return nil, ErrMissingOption(s.name, option)
	}
	return splitList(v, sep), nil
}

func splitList(v, sep string) []string {
	result := []string{}
	for _, p := range strings.Split(v, sep) {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
