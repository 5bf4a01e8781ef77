// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"stepdrive/pkg/endstop"
	"stepdrive/pkg/errors"
	"stepdrive/pkg/sequencer"
	"stepdrive/pkg/stepper"
	"stepdrive/pkg/supervisor"
)

// Setting keys. They double as flag names and, upper-cased with a
// STEPDRIVE_ prefix, as environment variable names.
const (
	KeyDirPin           = "dir_pin"
	KeyStepPin          = "step_pin"
	KeyEnablePin        = "enable_pin"
	KeySensorPins       = "sensor_pins"
	KeySensorDebounce   = "sensor_debounce"
	KeySteps            = "steps"
	KeyTimeMs           = "time_ms"
	KeyFreq             = "freq"
	KeyClockwise        = "clockwise"
	KeyBackend          = "backend"
	KeyPigpioAddr       = "pigpio_addr"
	KeyChunkCeiling     = "chunk_ceiling"
	KeyPollInterval     = "poll_interval"
	KeyChunkRetries     = "chunk_retries"
	KeyRetryDelay       = "retry_delay"
	KeyChunkFailure     = "chunk_failure"
	KeyHaltOnCancel     = "halt_on_cancel"
	KeyRealtime         = "realtime"
	KeyRealtimePriority = "realtime_priority"
	KeyStatusAddr       = "status_addr"
	KeyStatusUser       = "status_user"
	KeyStatusPassword   = "status_password"
	KeyLogLevel         = "log_level"
	KeyLogFormat        = "log_format"
	KeyLogFile          = "log_file"
)

// Backend names.
const (
	BackendPigpio = "pigpio"
	BackendRpio   = "rpio"
)

// MaxChunkCeiling keeps one chunk's WVAG extension (two pulses per step)
// within pigpio.MaxExtension.
const MaxChunkCeiling = 2700

type kind int

const (
	kindString kind = iota
	kindPin
	kindPinList
	kindInt
	kindFloat
	kindBool
	kindDuration
)

// fileOption places a setting key in the configuration file.
type fileOption struct {
	section string
	option  string
	key     string
	kind    kind
	min     int
	choices []string
}

var fileLayout = []fileOption{
	{"stepper", "dir_pin", KeyDirPin, kindPin, 0, nil},
	{"stepper", "step_pin", KeyStepPin, kindPin, 0, nil},
	{"stepper", "enable_pin", KeyEnablePin, kindPin, 0, nil},
	{"stepper", "freq", KeyFreq, kindFloat, 0, nil},
	{"stepper", "clockwise", KeyClockwise, kindBool, 0, nil},
	{"stepper", "steps", KeySteps, kindInt, 1, nil},
	{"stepper", "time_ms", KeyTimeMs, kindInt, 1, nil},
	{"sensors", "pins", KeySensorPins, kindPinList, 0, nil},
	{"sensors", "debounce", KeySensorDebounce, kindDuration, 0, nil},
	{"backend", "type", KeyBackend, kindString, 0, []string{BackendPigpio, BackendRpio}},
	{"backend", "pigpio_addr", KeyPigpioAddr, kindString, 0, nil},
	{"sequencer", "chunk_ceiling", KeyChunkCeiling, kindInt, 1, nil},
	{"sequencer", "poll_interval", KeyPollInterval, kindDuration, 0, nil},
	{"sequencer", "retries", KeyChunkRetries, kindInt, 0, nil},
	{"sequencer", "retry_delay", KeyRetryDelay, kindDuration, 0, nil},
	{"sequencer", "failure", KeyChunkFailure, kindString, 0, []string{"fail", "skip"}},
	{"sequencer", "halt_on_cancel", KeyHaltOnCancel, kindBool, 0, nil},
	{"sequencer", "realtime", KeyRealtime, kindBool, 0, nil},
	{"sequencer", "realtime_priority", KeyRealtimePriority, kindInt, 0, nil},
	{"status", "addr", KeyStatusAddr, kindString, 0, nil},
	{"status", "username", KeyStatusUser, kindString, 0, nil},
	{"status", "password", KeyStatusPassword, kindString, 0, nil},
	{"log", "level", KeyLogLevel, kindString, 0, []string{"debug", "info", "warn", "error"}},
	{"log", "format", KeyLogFormat, kindString, 0, []string{"text", "json"}},
	{"log", "file", KeyLogFile, kindString, 0, nil},
}

// Source supplies raw setting values by key. *viper.Viper satisfies it.
type Source interface {
	GetString(key string) string
	IsSet(key string) bool
}

// Values is a Source backed by a map.
type Values map[string]string

func (v Values) GetString(key string) string { return v[key] }

func (v Values) IsSet(key string) bool {
	_, ok := v[key]
	return ok
}

// Map converts v for layering into other configuration sources.
func (v Values) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(v))
	for k, s := range v {
		m[k] = s
	}
	return m
}

// FileValues checks every known option of c and returns them keyed by
// setting key. Unknown sections or options are an error.
func FileValues(c *Config) (Values, error) {
	values := make(Values)
	for _, fo := range fileLayout {
		sec := c.Section(fo.section)
		if sec == nil || !sec.HasOption(fo.option) {
			continue
		}
		raw, err := fileValue(sec, fo)
		if err != nil {
			return nil, err
		}
		values[fo.key] = raw
	}
	if err := c.CheckUnused(); err != nil {
		return nil, err
	}
	return values, nil
}

func fileValue(sec *Section, fo fileOption) (string, error) {
	switch fo.kind {
	case kindPin:
		p, err := sec.GetPin(fo.option, PinOptions{CanInvert: fo.key == KeyEnablePin})
		if err != nil {
			return "", err
		}
		return p.String(), nil
	case kindPinList:
		items, err := sec.GetList(fo.option, ",")
		if err != nil {
			return "", err
		}
		specs := make([]string, len(items))
		for i, item := range items {
			p, err := ParsePin(item, PinOptions{CanInvert: true, CanPull: true})
			if err != nil {
				return "", &ConfigError{Section: sec.Name(), Option: fo.option, Message: err.Error(), Cause: err}
			}
			specs[i] = p.String()
		}
		return strings.Join(specs, ","), nil
	case kindInt:
		i, err := sec.GetIntMin(fo.option, fo.min)
		return strconv.Itoa(i), err
	case kindFloat:
		f, err := sec.GetFloatAbove(fo.option, 0)
		return strconv.FormatFloat(f, 'g', -1, 64), err
	case kindBool:
		b, err := sec.GetBool(fo.option)
		return strconv.FormatBool(b), err
	case kindDuration:
		d, err := sec.GetDuration(fo.option)
		return d.String(), err
	}
	if fo.choices != nil {
		return sec.GetChoice(fo.option, fo.choices)
	}
	return sec.Get(fo.option)
}

// LoadFile reads path and returns its settings.
func LoadFile(path string) (Values, error) {
	c, err := Load(path)
	if err != nil {
		return nil, errors.ConfigFileError(path, err)
	}
	values, err := FileValues(c)
	if err != nil {
		return nil, errors.ConfigFileError(path, err)
	}
	return values, nil
}

// Motor is the resolved configuration of one stepdrive run.
type Motor struct {
	Pins           stepper.Pins
	Sensors        []Pin
	SensorDebounce time.Duration
	Request        supervisor.Request

	Backend    string
	PigpioAddr string

	Sequencer sequencer.Config

	StatusAddr     string
	StatusUser     string
	StatusPassword string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// SensorConfigs returns one endstop configuration per sensor pin. Without
// a pull prefix a sensor gets a pull-down.
func (m *Motor) SensorConfigs() []endstop.EndstopConfig {
	cfgs := make([]endstop.EndstopConfig, 0, len(m.Sensors))
	for _, p := range m.Sensors {
		cfg := endstop.DefaultEndstopConfig(p.GPIO)
		if p.PullSet {
			cfg.Pull = p.Pull
		}
		cfg.Inverted = p.Invert
		if m.SensorDebounce > 0 {
			cfg.DebounceTime = m.SensorDebounce
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs
}

// resolver reads typed values from a Source and keeps the first error.
type resolver struct {
	src Source
	err error
}

func (r *resolver) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *resolver) set(key string) bool {
	return r.src.IsSet(key) && strings.TrimSpace(r.src.GetString(key)) != ""
}

func (r *resolver) str(key, fallback string) string {
	if !r.set(key) {
		return fallback
	}
	return strings.TrimSpace(r.src.GetString(key))
}

func (r *resolver) choice(key, fallback string, choices ...string) string {
	v := strings.ToLower(r.str(key, fallback))
	for _, c := range choices {
		if v == c {
			return v
		}
	}
	r.fail(errors.ValidationError(key, fmt.Sprintf("%q is not one of %v", v, choices)))
	return fallback
}

func (r *resolver) pin(key string, opts PinOptions) Pin {
	if !r.set(key) {
		r.fail(errors.MissingOptionError(key))
		return Pin{}
	}
	p, err := ParsePin(r.src.GetString(key), opts)
	if err != nil {
		r.fail(errors.ValidationError(key, err.Error()))
	}
	return p
}

func (r *resolver) integer(key string, fallback, minVal int) int {
	if !r.set(key) {
		return fallback
	}
	i, err := strconv.Atoi(r.str(key, ""))
	if err != nil {
		r.fail(errors.ValidationError(key, "not an integer"))
		return fallback
	}
	if i < minVal {
		r.fail(errors.ValidationError(key, fmt.Sprintf("must be at least %d, got %d", minVal, i)))
	}
	return i
}

func (r *resolver) float(key string) float64 {
	if !r.set(key) {
		r.fail(errors.MissingOptionError(key))
		return 0
	}
	f, err := strconv.ParseFloat(r.str(key, ""), 64)
	if err != nil {
		r.fail(errors.ValidationError(key, "not a number"))
	}
	return f
}

func (r *resolver) boolean(key string, fallback bool) bool {
	if !r.set(key) {
		return fallback
	}
	b, ok := parseBool(r.src.GetString(key))
	if !ok {
		r.fail(errors.ValidationError(key, "expected 0 or 1"))
		return fallback
	}
	return b
}

func (r *resolver) duration(key string, fallback time.Duration) time.Duration {
	if !r.set(key) {
		return fallback
	}
	d, err := parseDuration(r.src.GetString(key))
	if err != nil || d < 0 {
		r.fail(errors.ValidationError(key, "not a duration"))
		return fallback
	}
	return d
}

// Resolve builds a Motor from layered settings. Errors are configuration
// errors naming the offending key.
func Resolve(src Source) (*Motor, error) {
	r := &resolver{src: src}
	m := &Motor{}

	dir := r.pin(KeyDirPin, PinOptions{})
	step := r.pin(KeyStepPin, PinOptions{})
	enable := r.pin(KeyEnablePin, PinOptions{CanInvert: true})
	if r.err != nil {
		return nil, r.err
	}
	m.Pins = stepper.Pins{Direction: dir.GPIO, Step: step.GPIO, Enable: enable.GPIO, EnableInverted: enable.Invert}
	if err := m.Pins.Validate(); err != nil {
		return nil, err
	}

	if r.set(KeySensorPins) {
		sensors, err := ParsePinList(src.GetString(KeySensorPins), PinOptions{CanInvert: true, CanPull: true})
		if err != nil {
			return nil, errors.ValidationError(KeySensorPins, err.Error())
		}
		for _, s := range sensors {
			switch s.GPIO {
			case m.Pins.Direction, m.Pins.Step, m.Pins.Enable:
				return nil, errors.ValidationError(KeySensorPins, fmt.Sprintf("pin %d is a driver line", s.GPIO))
			}
		}
		m.Sensors = sensors
	}
	m.SensorDebounce = r.duration(KeySensorDebounce, 0)

	hasSteps, hasTime := r.set(KeySteps), r.set(KeyTimeMs)
	switch {
	case hasSteps && hasTime:
		return nil, errors.ConflictError(KeySteps, KeyTimeMs)
	case !hasSteps && !hasTime:
		return nil, errors.MissingOptionError("steps or time_ms")
	case hasSteps:
		m.Request.Steps = r.integer(KeySteps, 0, 1)
	default:
		m.Request.Duration = time.Duration(r.integer(KeyTimeMs, 0, 1)) * time.Millisecond
	}
	m.Request.FreqHz = r.float(KeyFreq)
	m.Request.Clockwise = r.boolean(KeyClockwise, true)
	if r.err != nil {
		return nil, r.err
	}
	if err := m.Request.Validate(); err != nil {
		return nil, err
	}

	m.Backend = r.choice(KeyBackend, BackendPigpio, BackendPigpio, BackendRpio)
	if m.Backend == BackendRpio && m.Request.ByCount() {
		r.fail(errors.ValidationError(KeyBackend, "rpio has no waveforms; use time_ms"))
	}
	m.PigpioAddr = r.str(KeyPigpioAddr, "localhost:8888")

	seq := sequencer.DefaultConfig()
	seq.ChunkCeiling = r.integer(KeyChunkCeiling, seq.ChunkCeiling, 1)
	if seq.ChunkCeiling > MaxChunkCeiling {
		r.fail(errors.ValidationError(KeyChunkCeiling, fmt.Sprintf("must be at most %d", MaxChunkCeiling)))
	}
	seq.PollInterval = r.duration(KeyPollInterval, seq.PollInterval)
	seq.ChunkRetries = r.integer(KeyChunkRetries, seq.ChunkRetries, 0)
	seq.RetryDelay = r.duration(KeyRetryDelay, seq.RetryDelay)
	policy, err := sequencer.ParseFailurePolicy(r.str(KeyChunkFailure, "fail"))
	if err != nil {
		r.fail(errors.ValidationError(KeyChunkFailure, err.Error()))
	}
	seq.Failure = policy
	seq.HaltOnCancel = r.boolean(KeyHaltOnCancel, false)
	seq.Realtime = r.boolean(KeyRealtime, false)
	seq.RealtimePriority = r.integer(KeyRealtimePriority, 0, 0)
	if seq.RealtimePriority > 99 {
		r.fail(errors.ValidationError(KeyRealtimePriority, "must be at most 99"))
	}
	m.Sequencer = seq

	m.StatusAddr = r.str(KeyStatusAddr, "")
	m.StatusUser = r.str(KeyStatusUser, "")
	m.StatusPassword = r.str(KeyStatusPassword, "")

	m.LogLevel = r.choice(KeyLogLevel, "info", "debug", "info", "warn", "warning", "error")
	m.LogFormat = r.choice(KeyLogFormat, "text", "text", "json")
	m.LogFile = r.str(KeyLogFile, "")

	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}
