//go:build !linux

package rt

import "runtime"

// Enter locks the calling goroutine to its OS thread. Scheduling is left
// unchanged and ErrUnsupported is returned.
func Enter(opts Options) (restore func(), err error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, ErrUnsupported
}
