package endstop

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"stepdrive/pkg/gpio"
	"stepdrive/pkg/gpio/gpiotest"
)

func TestDefaultEndstopConfig(t *testing.T) {
	cfg := DefaultEndstopConfig(22)

	if cfg.Name != "gpio22" {
		t.Errorf("Name = %s, want gpio22", cfg.Name)
	}
	if cfg.Pull != gpio.PullDown {
		t.Errorf("Pull = %v, want pull-down", cfg.Pull)
	}
	if cfg.Inverted {
		t.Error("Inverted should be false by default")
	}
	if cfg.DebounceTime != 1*time.Millisecond {
		t.Errorf("DebounceTime = %v, want 1ms", cfg.DebounceTime)
	}
}

func TestNew(t *testing.T) {
	e := New(EndstopConfig{Pin: 5})

	if e.GetName() != "gpio5" {
		t.Errorf("Name = %s, want gpio5", e.GetName())
	}
	if e.GetPin() != 5 {
		t.Errorf("Pin = %d, want 5", e.GetPin())
	}
	if e.GetState() != StateUnknown {
		t.Errorf("Initial state = %s, want unknown", e.GetState())
	}
}

func TestEndstopStateString(t *testing.T) {
	tests := []struct {
		state    EndstopState
		expected string
	}{
		{StateOpen, "open"},
		{StateTriggered, "triggered"},
		{StateUnknown, "unknown"},
		{EndstopState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}

func TestArmConfiguresInput(t *testing.T) {
	fake := gpiotest.New()
	e := New(DefaultEndstopConfig(22))

	if err := e.Arm(fake, fake, nil); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if mode, _ := fake.Mode(22); mode != gpio.Input {
		t.Errorf("mode = %v, want input", mode)
	}
	if fake.PullOf(22) != gpio.PullDown {
		t.Errorf("pull = %v, want pull-down", fake.PullOf(22))
	}
	if fake.Watching(22) != 1 {
		t.Errorf("watchers = %d, want 1", fake.Watching(22))
	}
	if err := e.Arm(fake, fake, nil); !errors.Is(err, ErrAlreadyArmed) {
		t.Errorf("second Arm err = %v, want ErrAlreadyArmed", err)
	}

	e.Disarm()
	e.Disarm()
	if fake.Watching(22) != 0 {
		t.Errorf("watchers after Disarm = %d, want 0", fake.Watching(22))
	}
}

func TestRisingEdgeTriggers(t *testing.T) {
	fake := gpiotest.New()
	e := New(EndstopConfig{Pin: 22})
	var calls atomic.Int32
	if err := e.Arm(fake, fake, func(*Endstop) { calls.Add(1) }); err != nil {
		t.Fatal(err)
	}
	defer e.Disarm()

	fake.Set(22, gpio.High)
	if !e.IsTriggered() {
		t.Error("expected triggered after rising edge")
	}
	fake.Set(22, gpio.Low)
	if e.GetState() != StateOpen {
		t.Errorf("state = %s after falling edge, want open", e.GetState())
	}
	if calls.Load() != 1 {
		t.Errorf("callback calls = %d, want 1", calls.Load())
	}
}

func TestInvertedSensor(t *testing.T) {
	fake := gpiotest.New()
	fake.Set(6, gpio.High)
	e := New(EndstopConfig{Pin: 6, Pull: gpio.PullUp, Inverted: true})
	var calls atomic.Int32
	if err := e.Arm(fake, fake, func(*Endstop) { calls.Add(1) }); err != nil {
		t.Fatal(err)
	}
	defer e.Disarm()

	fake.Set(6, gpio.Low)
	if calls.Load() != 1 || !e.IsTriggered() {
		t.Errorf("inverted sensor should trigger on low, calls = %d", calls.Load())
	}
}

func TestDebounce(t *testing.T) {
	e := New(EndstopConfig{Pin: 1, DebounceTime: time.Hour})
	var calls atomic.Int32
	e.onTrigger = func(*Endstop) { calls.Add(1) }

	e.HandleEdge(1, gpio.High)
	e.HandleEdge(1, gpio.Low)
	e.HandleEdge(1, gpio.High)

	if calls.Load() != 1 {
		t.Errorf("callback calls = %d, want 1 within debounce window", calls.Load())
	}
	if _, trips := e.GetLastTrigger(); trips != 1 {
		t.Errorf("trips = %d, want 1", trips)
	}
}

func TestQuery(t *testing.T) {
	fake := gpiotest.New()
	e := New(EndstopConfig{Pin: 3})

	state, err := e.Query(fake)
	if err != nil || state != StateOpen {
		t.Fatalf("Query = %s, %v; want open", state, err)
	}
	fake.Set(3, gpio.High)
	state, _ = e.Query(fake)
	if state != StateTriggered {
		t.Errorf("Query = %s, want triggered", state)
	}
}

func TestGroup(t *testing.T) {
	fake := gpiotest.New()
	g := NewEndstopGroup("motor")
	g.Add(New(DefaultEndstopConfig(22)))
	g.Add(New(DefaultEndstopConfig(23)))

	var tripped atomic.Value
	if err := g.ArmAll(fake, fake, func(e *Endstop) { tripped.Store(e.GetName()) }); err != nil {
		t.Fatal(err)
	}

	fake.Set(23, gpio.High)
	if got, _ := tripped.Load().(string); got != "gpio23" {
		t.Errorf("tripped = %q, want gpio23", got)
	}

	triggered, err := g.QueryAll(fake)
	if err != nil || len(triggered) != 1 || triggered[0].GetPin() != 23 {
		t.Errorf("QueryAll = %v, %v", triggered, err)
	}

	g.DisarmAll()
	if fake.Watching(22)+fake.Watching(23) != 0 {
		t.Error("watchers remain after DisarmAll")
	}
	if len(g.GetStatus()) != 2 {
		t.Errorf("status entries = %d, want 2", len(g.GetStatus()))
	}
}

func TestGroupArmRollback(t *testing.T) {
	fake := gpiotest.New()
	g := NewEndstopGroup("motor")
	first := New(DefaultEndstopConfig(22))
	second := New(DefaultEndstopConfig(23))
	g.Add(first)
	g.Add(second)

	// Arming the second one fails because it is already armed.
	if err := second.Arm(fake, fake, nil); err != nil {
		t.Fatal(err)
	}
	if err := g.ArmAll(fake, fake, nil); err == nil {
		t.Fatal("expected ArmAll error")
	}
	if first.IsArmed() {
		t.Error("first endstop should be disarmed after rollback")
	}
}
