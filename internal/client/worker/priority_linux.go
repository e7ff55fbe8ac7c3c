//go:build linux

package worker

import "golang.org/x/sys/unix"

// raisePriority attempts to move the calling thread to SCHED_RR with a
// modest round-robin priority, per spec section 4.4 step 1. Best-effort:
// failure (e.g. missing CAP_SYS_NICE) is swallowed by the caller, which
// only logs it — this never blocks a worker from running.
func raisePriority() error {
	return unix.Sched_setscheduler(0, unix.SCHED_RR, &unix.SchedParam{Priority: 10})
}
