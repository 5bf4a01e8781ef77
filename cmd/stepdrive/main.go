// stepdrive drives one stepper motor through a step/dir/enable driver and
// stops when a limit sensor trips.
//
// Usage:
//
//	stepdrive --dir_pin 13 --step_pin 19 --enable_pin 12 \
//	    [--sensor_pins 22,23] (--steps N | --time_ms T) --freq F [--clockwise 0|1]
//
// Every flag may also come from a STEPDRIVE_<FLAG> environment variable or
// from the INI file named by --config:
//
//	[stepper]
//	dir_pin: 13
//	step_pin: 19
//	enable_pin: !12
//	steps: 4000
//	freq: 800
//
//	[sensors]
//	pins: 22, ^23
//
// Exit status is 0 when motion completes or is stopped by a sensor or signal,
// 2 for configuration errors and 1 for backend or runtime failures.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
