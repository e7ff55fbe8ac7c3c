//go:build !linux

package worker

import "errors"

// raisePriority is a no-op stand-in for non-Linux builds; SCHED_RR
// elevation is a Linux-only, best-effort concept (spec section 4.4).
func raisePriority() error {
	return errors.New("worker: real-time scheduling not supported on this platform")
}
