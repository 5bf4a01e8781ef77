// Package rt applies best-effort realtime tuning to the goroutine that
// generates software-timed pulses.
package rt

import "errors"

// ErrUnsupported is returned on platforms without realtime scheduling support.
var ErrUnsupported = errors.New("rt: realtime scheduling not supported on this platform")

// DefaultPriority is the SCHED_FIFO priority used when Options.Priority is zero.
const DefaultPriority = 50

// Options selects which tuning Enter applies.
type Options struct {
	// Priority is the SCHED_FIFO priority (1-99).
	Priority int

	// LockMemory pins all current and future pages with mlockall.
	LockMemory bool
}

func (o Options) priority() int {
	if o.Priority <= 0 {
		return DefaultPriority
	}
	if o.Priority > 99 {
		return 99
	}
	return o.Priority
}
