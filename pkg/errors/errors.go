// Unified error handling for stepdrive
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigMissing    ErrorCode = "CONFIG_MISSING"
	ErrConfigConflict   ErrorCode = "CONFIG_CONFLICT"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigFile       ErrorCode = "CONFIG_FILE"

	// Argument errors raised by the motion core before any backend call
	ErrInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// Backend errors
	ErrBackendConnect ErrorCode = "BACKEND_CONNECT"
	ErrBackendIO      ErrorCode = "BACKEND_IO"

	// Motion errors
	ErrChunkSubmit ErrorCode = "CHUNK_SUBMIT"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"
)

// StepError is the unified error type for stepdrive
type StepError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Component names the part of the system that failed (e.g. "sequencer")
	Component string

	// Option is the flag or config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *StepError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Option != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Option, msg)
	}
	if e.Component != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Component, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error
func (e *StepError) Unwrap() error {
	return e.Err
}

// SetComponent sets the failing component
func (e *StepError) SetComponent(component string) *StepError {
	e.Component = component
	return e
}

// SetOption sets the flag or config option
func (e *StepError) SetOption(option string) *StepError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *StepError) SetContext(key string, value interface{}) *StepError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *StepError {
	return &StepError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new StepError
func New(code ErrorCode, message string) *StepError {
	return &StepError{
		Code:    code,
		Message: message,
	}
}

// Configuration errors

// MissingOptionError reports a required flag or option that was not given
func MissingOptionError(option string) *StepError {
	return New(ErrConfigMissing, fmt.Sprintf("%s must be specified", option)).
		SetOption(option)
}

// ConflictError reports mutually exclusive options that were both given
func ConflictError(a, b string) *StepError {
	return New(ErrConfigConflict, fmt.Sprintf("only one of %s or %s may be specified", a, b)).
		SetOption(a)
}

// ValidationError reports an option whose value is out of range or malformed
func ValidationError(option string, reason string) *StepError {
	return New(ErrConfigValidation, fmt.Sprintf("invalid %s: %s", option, reason)).
		SetOption(option)
}

// ConfigFileError wraps a failure to load or interpret the config file
func ConfigFileError(path string, err error) *StepError {
	return Wrap(err, ErrConfigFile, fmt.Sprintf("config file %s", path)).
		SetContext("config_path", path)
}

// Motion errors

// InvalidArgumentError reports a motion argument rejected before touching hardware
func InvalidArgumentError(argument string, reason string) *StepError {
	return New(ErrInvalidArgument, fmt.Sprintf("%s %s", argument, reason)).
		SetOption(argument)
}

// ChunkSubmitError reports a waveform chunk that could not be created or sent
func ChunkSubmitError(chunk int, err error) *StepError {
	return Wrap(err, ErrChunkSubmit, fmt.Sprintf("chunk %d could not be submitted", chunk)).
		SetComponent("sequencer").
		SetContext("chunk", chunk)
}

// Backend errors

// BackendConnectError reports a backend that could not be reached
func BackendConnectError(backend string, err error) *StepError {
	return Wrap(err, ErrBackendConnect, fmt.Sprintf("cannot connect to %s", backend)).
		SetComponent(backend)
}

// BackendIOError reports a failed line or waveform operation on a connected backend
func BackendIOError(operation string, err error) *StepError {
	return Wrap(err, ErrBackendIO, fmt.Sprintf("%s failed", operation))
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *StepError {
	return New(ErrRuntime, message)
}

// FromPanic converts a value obtained from recover() into a StepError.
// It returns nil when r is nil.
func FromPanic(r interface{}) *StepError {
	switch x := r.(type) {
	case nil:
		return nil
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	case runtime.Error:
		return RuntimeError(x.Error())
	case error:
		return RuntimeError(x.Error())
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if err, or any error it wraps, carries the given code
func Is(err error, code ErrorCode) bool {
	var stepErr *StepError
	for err != nil {
		if !stderrors.As(err, &stepErr) {
			return false
		}
		if stepErr.Code == code {
			return true
		}
		err = stepErr.Err
	}
	return false
}

// IsConfig checks if error is a configuration error
func IsConfig(err error) bool {
	return Is(err, ErrConfigMissing) ||
		Is(err, ErrConfigConflict) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigFile) ||
		Is(err, ErrInvalidArgument)
}

// IsBackend checks if error is a backend error
func IsBackend(err error) bool {
	return Is(err, ErrBackendConnect) || Is(err, ErrBackendIO)
}
