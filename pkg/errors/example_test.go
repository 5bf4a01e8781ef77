// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors_test

import (
	"fmt"
	"io"

	"stepdrive/pkg/errors"
)

func Example() {
	err := errors.ConflictError("steps", "time_ms")
	fmt.Println(err)
	fmt.Println(errors.IsConfig(err))

	err = errors.BackendConnectError("pigpio", io.EOF)
	fmt.Println(errors.IsBackend(fmt.Errorf("startup: %w", err)))
	// Output:
	// [CONFIG_CONFLICT:steps] only one of steps or time_ms may be specified
	// true
	// true
}
