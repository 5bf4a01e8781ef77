// mock-pigpiod emulates a pigpio daemon for bench testing stepdrive without
// a Raspberry Pi. It supports line modes, pulls, reads and writes, single-shot
// waveforms and level-change notifications.
//
// Usage:
//
//	mock-pigpiod [--listen 127.0.0.1:8888] [--trip_pin 22 --trip_after 500ms]
//
// With --trip_pin the emulator raises that line a fixed time after the first
// waveform starts, which exercises the limit-sensor stop path end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stepdrive/pkg/gpio/pigpio/pigpiotest"
	"stepdrive/pkg/log"
)

var (
	flagListen    string
	flagTimeScale float64
	flagTripPin   int
	flagTripAfter time.Duration
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:          "mock-pigpiod",
	Short:        "Emulate pigpiod on a TCP socket",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         serve,
}

func init() {
	rootCmd.Flags().StringVar(&flagListen, "listen", "127.0.0.1:8888", "listen address")
	rootCmd.Flags().Float64Var(&flagTimeScale, "time_scale", 1, "multiplier applied to waveform durations")
	rootCmd.Flags().IntVar(&flagTripPin, "trip_pin", -1, "line to raise after the first waveform starts")
	rootCmd.Flags().DurationVar(&flagTripAfter, "trip_after", 500*time.Millisecond, "delay before raising --trip_pin")
	rootCmd.Flags().StringVar(&flagLogLevel, "log_level", "info", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	level, err := log.LookupLevel(flagLogLevel)
	if err != nil {
		return err
	}
	root := log.New("mock-pigpiod")
	log.ConfigureFromEnv(root)
	root.SetLevel(level)
	log.SetDefaultLogger(root)
	logger := log.GetLogger("server")

	srv, err := pigpiotest.NewServer(flagListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", flagListen, err)
	}
	defer srv.Close()
	srv.SetTimeScale(flagTimeScale)

	if flagTripPin >= 0 {
		var once sync.Once
		srv.SetTransmitHook(func(id int) {
			once.Do(func() {
				time.AfterFunc(flagTripAfter, func() {
					logger.WithField("pin", flagTripPin).Info("raising trip line")
					srv.SetLevel(flagTripPin, true)
				})
			})
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("addr", srv.Addr()).Info("listening")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
