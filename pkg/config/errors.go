// Package config reads stepdrive motor configuration: an INI-style file
// with [stepper], [sensors], [backend], [sequencer], [status] and [log]
// sections, layered under flags and environment variables.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package config

import "fmt"

// ConfigError locates a problem in a configuration file.
type ConfigError struct {
	Section string
	Option  string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("option '%s' in section '%s': %s", e.Option, e.Section, e.Message)
	}
	if e.Section != "" {
		return fmt.Sprintf("section '%s': %s", e.Section, e.Message)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new ConfigError.
func NewConfigError(section, option, message string) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: message}
}

// ErrMissingOption returns an error for a required but missing option.
func ErrMissingOption(section, option string) *ConfigError {
	return NewConfigError(section, option, "must be specified")
}

// ErrInvalidValue returns an error for a value that does not parse.
func ErrInvalidValue(section, option, value, expected string) *ConfigError {
	return NewConfigError(section, option, fmt.Sprintf("invalid value '%s', expected %s", value, expected))
}

// ErrOutOfRange returns an error for a value outside the allowed range.
func ErrOutOfRange(section, option string, value float64, constraint string) *ConfigError {
	return NewConfigError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice returns an error for a value not among choices.
func ErrInvalidChoice(section, option, value string, choices []string) *ConfigError {
	return NewConfigError(section, option, fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}
