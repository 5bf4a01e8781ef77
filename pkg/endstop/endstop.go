// Package endstop provides limit sensor reading and edge event handling.
package endstop

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"stepdrive/pkg/gpio"
)

// Common errors
var (
	ErrNotArmed     = errors.New("endstop: not armed")
	ErrAlreadyArmed = errors.New("endstop: already armed")
)

// EndstopState represents the current state of an endstop.
type EndstopState int

const (
	StateOpen EndstopState = iota
	StateTriggered
	StateUnknown
)

func (s EndstopState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Endstop represents a single limit sensor line.
type Endstop struct {
	mu sync.RWMutex

	// Configuration
	name     string
	pin      int
	pull     gpio.Pull
	inverted bool

	// State
	state        EndstopState
	lastTrigger  time.Time
	trips        int
	debounceTime time.Duration
	lastDebounce time.Time

	// Armed state
	cancel    func()
	onTrigger func(e *Endstop)
}

// EndstopConfig holds configuration for an endstop.
type EndstopConfig struct {
	Name string
	Pin  int
	Pull gpio.Pull

	// Inverted treats a low line as triggered.
	Inverted     bool
	DebounceTime time.Duration
}

// DefaultEndstopConfig returns the configuration for an active-high sensor
// on pin with a pull-down.
func DefaultEndstopConfig(pin int) EndstopConfig {
	return EndstopConfig{
		Name:         fmt.Sprintf("gpio%d", pin),
		Pin:          pin,
		Pull:         gpio.PullDown,
		DebounceTime: 1 * time.Millisecond,
	}
}

// New creates a new endstop.
func New(cfg EndstopConfig) *Endstop {
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("gpio%d", cfg.Pin)
	}
	return &Endstop{
		name:         name,
		pin:          cfg.Pin,
		pull:         cfg.Pull,
		inverted:     cfg.Inverted,
		state:        StateUnknown,
		debounceTime: cfg.DebounceTime,
	}
}

func (e *Endstop) active(level gpio.Level) bool {
	return (level == gpio.High) != e.inverted
}

// Arm configures the line as an input and starts delivering edges to
// HandleEdge. onTrigger runs on the backend's callback goroutine and must not
// block.
func (e *Endstop) Arm(lines gpio.LineDriver, events gpio.EdgeSource, onTrigger func(e *Endstop)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyArmed
	}

	if err := lines.SetMode(e.pin, gpio.Input); err != nil {
		return fmt.Errorf("endstop %s: set input: %w", e.name, err)
	}
	if err := lines.SetPull(e.pin, e.pull); err != nil {
		return fmt.Errorf("endstop %s: set pull: %w", e.name, err)
	}
	cancel, err := events.WatchEdge(e.pin, gpio.EitherEdge, e.HandleEdge)
	if err != nil {
		return fmt.Errorf("endstop %s: watch: %w", e.name, err)
	}
	e.cancel = cancel
	e.onTrigger = onTrigger
	e.lastDebounce = time.Time{}
	return nil
}

// Disarm stops edge delivery. Safe to call when not armed.
func (e *Endstop) Disarm() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.onTrigger = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// IsArmed reports whether edges are being delivered.
func (e *Endstop) IsArmed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cancel != nil
}

// HandleEdge is the gpio.EdgeHandler for this sensor. An activating edge
// marks the sensor triggered and runs the trigger callback, subject to
// debounce; a releasing edge marks it open.
func (e *Endstop) HandleEdge(pin int, level gpio.Level) {
	e.mu.Lock()

	if !e.active(level) {
		e.state = StateOpen
		e.mu.Unlock()
		return
	}

	now := time.Now()
	if !e.lastDebounce.IsZero() && now.Sub(e.lastDebounce) < e.debounceTime {
		e.mu.Unlock()
		return
	}
	e.lastDebounce = now

	e.state = StateTriggered
	e.lastTrigger = now
	e.trips++
	callback := e.onTrigger
	e.mu.Unlock()

	if callback != nil {
		callback(e)
	}
}

// Query reads the line and updates the state.
func (e *Endstop) Query(lines gpio.LineDriver) (EndstopState, error) {
	level, err := lines.Read(e.pin)
	if err != nil {
		return StateUnknown, fmt.Errorf("endstop %s: read: %w", e.name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active(level) {
		e.state = StateTriggered
	} else {
		e.state = StateOpen
	}
	return e.state, nil
}

// GetState returns the last known state.
func (e *Endstop) GetState() EndstopState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetName returns the endstop name.
func (e *Endstop) GetName() string {
	return e.name
}

// GetPin returns the BCM line number.
func (e *Endstop) GetPin() int {
	return e.pin
}

// IsTriggered returns true if the endstop is currently triggered.
func (e *Endstop) IsTriggered() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateTriggered
}

// GetLastTrigger returns the time of the last trigger and the trip count.
func (e *Endstop) GetLastTrigger() (time.Time, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastTrigger, e.trips
}

// Status holds endstop status information.
type Status struct {
	Name        string    `json:"name"`
	Pin         int       `json:"pin"`
	State       string    `json:"state"`
	IsTriggered bool      `json:"triggered"`
	IsArmed     bool      `json:"armed"`
	Trips       int       `json:"trips"`
	LastTrigger time.Time `json:"last_trigger,omitempty"`
}

// GetStatus returns the current endstop status.
func (e *Endstop) GetStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Status{
		Name:        e.name,
		Pin:         e.pin,
		State:       e.state.String(),
		IsTriggered: e.state == StateTriggered,
		IsArmed:     e.cancel != nil,
		Trips:       e.trips,
		LastTrigger: e.lastTrigger,
	}
}

// EndstopGroup manages the limit sensors of one motor.
type EndstopGroup struct {
	mu       sync.RWMutex
	name     string
	endstops []*Endstop
}

// NewEndstopGroup creates a new endstop group.
func NewEndstopGroup(name string) *EndstopGroup {
	return &EndstopGroup{
		name:     name,
		endstops: make([]*Endstop, 0),
	}
}

// Add adds an endstop to the group.
func (g *EndstopGroup) Add(e *Endstop) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.endstops = append(g.endstops, e)
}

// Endstops returns the members of the group.
func (g *EndstopGroup) Endstops() []*Endstop {
	g.mu.RLock()
	defer g.mu.RUnlock()
	endstops := make([]*Endstop, len(g.endstops))
	copy(endstops, g.endstops)
	return endstops
}

// Len returns the number of endstops.
func (g *EndstopGroup) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.endstops)
}

// ArmAll arms every endstop with the same callback. On failure the
// endstops armed so far are disarmed again.
func (g *EndstopGroup) ArmAll(lines gpio.LineDriver, events gpio.EdgeSource, onTrigger func(e *Endstop)) error {
	endstops := g.Endstops()
	for i, e := range endstops {
		if err := e.Arm(lines, events, onTrigger); err != nil {
			for _, armed := range endstops[:i] {
				armed.Disarm()
			}
			return err
		}
	}
	return nil
}

// DisarmAll disarms every endstop.
func (g *EndstopGroup) DisarmAll() {
	for _, e := range g.Endstops() {
		e.Disarm()
	}
}

// QueryAll queries all endstops and returns any that are triggered.
func (g *EndstopGroup) QueryAll(lines gpio.LineDriver) ([]*Endstop, error) {
	var triggered []*Endstop
	for _, e := range g.Endstops() {
		state, err := e.Query(lines)
		if err != nil {
			return nil, err
		}
		if state == StateTriggered {
			triggered = append(triggered, e)
		}
	}
	return triggered, nil
}

// GetStatus returns the status of every endstop.
func (g *EndstopGroup) GetStatus() []Status {
	endstops := g.Endstops()
	status := make([]Status, len(endstops))
	for i, e := range endstops {
		status[i] = e.GetStatus()
	}
	return status
}
