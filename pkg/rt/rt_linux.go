//go:build linux

package rt

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Enter locks the calling goroutine to its OS thread and switches that thread
// to SCHED_FIFO. The returned restore function reverts the scheduling policy,
// releases locked memory and unlocks the thread; it is always non-nil, even
// when err reports that some of the tuning could not be applied (usually
// EPERM without CAP_SYS_NICE).
func Enter(opts Options) (restore func(), err error) {
	runtime.LockOSThread()

	var undo []func()
	restore = func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		runtime.UnlockOSThread()
	}

	if opts.LockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			return restore, fmt.Errorf("rt: mlockall: %w", err)
		}
		undo = append(undo, func() { _ = unix.Munlockall() })
	}

	prev, err := unix.SchedGetAttr(0, 0)
	if err != nil {
		return restore, fmt.Errorf("rt: sched_getattr: %w", err)
	}
	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(opts.priority()),
	}
	if err := unix.SchedSetAttr(0, attr, 0); err != nil {
		return restore, fmt.Errorf("rt: sched_setattr SCHED_FIFO: %w", err)
	}
	undo = append(undo, func() { _ = unix.SchedSetAttr(0, prev, 0) })

	return restore, nil
}
