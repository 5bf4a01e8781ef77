// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"stepdrive/pkg/config"
	"stepdrive/pkg/endstop"
	"stepdrive/pkg/errors"
	"stepdrive/pkg/gpio"
	"stepdrive/pkg/gpio/pigpio"
	"stepdrive/pkg/gpio/rpio"
	"stepdrive/pkg/log"
	"stepdrive/pkg/metrics"
	"stepdrive/pkg/safety"
	"stepdrive/pkg/sequencer"
	"stepdrive/pkg/status"
	"stepdrive/pkg/stepper"
	"stepdrive/pkg/supervisor"
)

// Exit codes.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const (
	envPrefix = "STEPDRIVE"
	keyConfig = "config"
)

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "stepdrive: %v\n", err)
	if errors.IsConfig(err) {
		return exitConfig
	}
	if errors.IsBackend(err) {
		fmt.Fprintln(stderr, "stepdrive: check that pigpiod is running and reachable at --pigpio_addr")
	}
	return exitRuntime
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "stepdrive",
		Short:         "Drive a stepper motor with limit-sensor cancellation",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return errors.ValidationError("arguments", fmt.Sprintf("unexpected %q", strings.Join(args, " ")))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadSettings(v)
			if err != nil {
				return err
			}
			return drive(cmd.Context(), m, stdout, stderr)
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errors.Wrap(err, errors.ErrConfigValidation, "bad command line")
	})

	addFlags(cmd.Flags())
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func addFlags(f *pflag.FlagSet) {
	f.String(keyConfig, "", "INI motor configuration file")

	f.String(config.KeyDirPin, "", "direction line (BCM number)")
	f.String(config.KeyStepPin, "", "step line (BCM number)")
	f.String(config.KeyEnablePin, "", "enable line; prefix ! for an active-low enable")
	f.String(config.KeySensorPins, "", "comma separated limit sensor lines ([^|~][!]N)")
	f.String(config.KeySensorDebounce, "", "sensor debounce time")
	f.String(config.KeySteps, "", "number of steps to emit")
	f.String(config.KeyTimeMs, "", "run for this many milliseconds (timed pulses)")
	f.String(config.KeyFreq, "", "step frequency in Hz")
	f.String(config.KeyClockwise, "", "direction, 1 for clockwise (default 1)")

	f.String(config.KeyBackend, "", "GPIO backend: pigpio or rpio (default pigpio)")
	f.String(config.KeyPigpioAddr, "", "pigpiod address (default localhost:8888)")

	f.String(config.KeyChunkCeiling, "", "maximum steps per waveform (default 2000)")
	f.String(config.KeyPollInterval, "", "waveform busy poll interval (default 1ms)")
	f.String(config.KeyChunkRetries, "", "extra attempts for a failed chunk (default 2)")
	f.String(config.KeyRetryDelay, "", "pause between chunk attempts (default 5ms)")
	f.String(config.KeyChunkFailure, "", "when a chunk cannot be sent: fail or skip (default fail)")
	f.Bool(config.KeyHaltOnCancel, false, "halt the in-flight waveform when motion is cancelled")
	f.Bool(config.KeyRealtime, false, "use SCHED_FIFO and locked memory for timed pulses")
	f.String(config.KeyRealtimePriority, "", "SCHED_FIFO priority for --realtime")

	f.String(config.KeyStatusAddr, "", "serve the status API on this address")
	f.String(config.KeyStatusUser, "", "basic auth user for /metrics")
	f.String(config.KeyStatusPassword, "", "basic auth password for /metrics")

	f.String(config.KeyLogLevel, "", "log level: debug, info, warn or error")
	f.String(config.KeyLogFormat, "", "log format: text or json")
	f.String(config.KeyLogFile, "", "also write logs to this file (rotated)")
}

// loadSettings layers flags over environment over the config file and
// resolves the result.
func loadSettings(v *viper.Viper) (*config.Motor, error) {
	if path := v.GetString(keyConfig); path != "" {
		values, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(values.Map()); err != nil {
			return nil, errors.ConfigFileError(path, err)
		}
	}
	return config.Resolve(v)
}

// setupLogging installs the root logger and returns a func that releases
// the log file.
func setupLogging(m *config.Motor, stderr io.Writer) (func(), error) {
	root := log.New("stepdrive")
	cleanup := func() {}
	if m.LogFile != "" {
		l, fw, err := log.NewConsoleAndFileLogger("stepdrive", stderr, log.RotationConfig{Filename: m.LogFile})
		if err != nil {
			return nil, errors.ValidationError(config.KeyLogFile, err.Error())
		}
		root = l
		cleanup = func() { fw.Close() }
	} else {
		root.SetWriter(stderr)
	}
	log.ConfigureFromEnv(root)
	if m.LogLevel != "" {
		root.SetLevel(log.ParseLevel(m.LogLevel))
	}
	if m.LogFormat == "json" {
		root.SetFormat(log.FormatJSON)
	}
	log.SetDefaultLogger(root)
	return cleanup, nil
}

func openBackend(ctx context.Context, m *config.Motor) (gpio.Backend, error) {
	switch m.Backend {
	case config.BackendRpio:
		return rpio.Open(0)
	default:
		return pigpio.Dial(ctx, pigpio.Config{Addr: m.PigpioAddr})
	}
}

// drive runs one motion request end to end.
func drive(ctx context.Context, m *config.Motor, stdout, stderr io.Writer) (err error) {
	closeLog, err := setupLogging(m, stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	logger := log.GetLogger("main")

	defer func() {
		if r := recover(); r != nil {
			err = errors.FromPanic(r)
		}
	}()

	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	backend, err := openBackend(ctx, m)
	if err != nil {
		return err
	}
	defer backend.Close()

	motor, err := stepper.New(backend, m.Pins)
	if err != nil {
		return err
	}

	mm := metrics.NewMotion(prometheus.NewRegistry())
	seqCfg := m.Sequencer
	seqCfg.Metrics = mm
	seq := sequencer.New(backend, seqCfg)

	sensors := endstop.NewEndstopGroup("limits")
	for _, cfg := range m.SensorConfigs() {
		sensors.Add(endstop.New(cfg))
	}

	sup := supervisor.New(motor, seq, backend, sensors, supervisor.Config{
		PollInterval: seqCfg.PollInterval,
		Metrics:      mm,
	})
	defer func() {
		if cerr := sup.Close(); cerr != nil {
			logger.WithError(cerr).Warn("failed to release motor lines")
		}
	}()

	logger.WithFields(log.Fields{
		"backend": m.Backend,
		"dir":     m.Pins.Direction,
		"step":    m.Pins.Step,
		"enable":  m.Pins.Enable,
		"sensors": sensors.Len(),
		"request": m.Request.String(),
	}).Info("starting")

	g, gctx := errgroup.WithContext(ctx)
	motionCtx, motionDone := context.WithCancel(gctx)
	defer motionDone()

	if m.StatusAddr != "" {
		srv := status.New(status.Config{
			Addr:   m.StatusAddr,
			Motion: sup,
			Metrics: mm.Handler(metrics.HandlerConfig{
				Username: m.StatusUser,
				Password: m.StatusPassword,
			}),
		})
		g.Go(func() error { return srv.ListenAndServe(motionCtx) })
	}

	var out supervisor.Outcome
	g.Go(func() error {
		defer motionDone()
		var rerr error
		out, rerr = sup.Run(gctx, m.Request)
		return rerr
	})
	if err := g.Wait(); err != nil {
		return err
	}

	report(stdout, out)
	return nil
}

func report(w io.Writer, out supervisor.Outcome) {
	res := out.Result
	switch out.Reason {
	case safety.ReasonCompleted:
		fmt.Fprintf(w, "completed: %d steps in %v\n", res.PulsesCompleted, out.Elapsed.Round(time.Millisecond))
	case safety.ReasonLimitSwitch:
		fmt.Fprintf(w, "stopped by limit sensor %s: %d steps submitted, %d completed\n",
			out.Source, res.PulsesSubmitted, res.PulsesCompleted)
	case safety.ReasonUserRequest:
		fmt.Fprintf(w, "stopped by %s: %d steps submitted, %d completed\n",
			out.Source, res.PulsesSubmitted, res.PulsesCompleted)
	default:
		fmt.Fprintf(w, "finished (%s)\n", out.Reason)
	}
	if res.Failures > 0 {
		fmt.Fprintf(w, "warning: %d chunks dropped\n", res.Failures)
	}
}
