// Package uffd wraps the kernel page-fault notification facility described
// in SPEC_FULL.md section 6's "Client kernel-interface contract": open,
// API-negotiate, register-range-MISSING, poll-readable, read-event,
// copy-page-into, zero-page-into, wake-range.
//
// The real facility (Linux userfaultfd(2)) is implemented in linux.go,
// built only under GOOS=linux. FaultHandle is the seam the worker pool
// programs against, so tests can substitute the in-memory fake in
// fake.go on any platform.
package uffd

import (
	"errors"
	"time"
)

// FaultKind is a bitmask of the event kinds a FaultEvent may carry. Only
// PageFault is acted on by the worker loop (spec section 4.4 step 3); any
// other bit is ignored.
type FaultKind uint32

const (
	PageFault FaultKind = 1 << iota
	WriteProtect
)

// FaultEvent is one event read off the fault handle: the faulting
// virtual address and its kind. Transient, consumed once by exactly one
// worker (spec section 3's data model).
type FaultEvent struct {
	Address uint64
	Kind    FaultKind
}

// RegisterMode selects which fault classes a registered range reports.
// This repository only ever uses Missing per spec section 2/4.2.
type RegisterMode uint64

const (
	ModeMissing RegisterMode = 1 << iota
	ModeWriteProtect
)

// ErrAlreadyInstalled is returned by Install/ZeroFill when the target
// page is already mapped — the kernel's EEXIST, translated into the
// fallback-to-wake policy spec section 4.4 step 8 and section 4.5
// describe.
var ErrAlreadyInstalled = errors.New("uffd: page already installed")

// FaultHandle is the abstract kernel page-fault notification facility.
// All methods are safe to call from multiple goroutines except where
// noted; the kernel is responsible for delivering each queued event to
// exactly one reader of ReadEvents.
type FaultHandle interface {
	// Register asks the kernel to notify this handle of faults in
	// [addr, addr+length) matching mode. May be called multiple times
	// over the process lifetime, once per RAM region (spec 4.2).
	Register(addr, length uint64, mode RegisterMode) error

	// Poll blocks up to timeout waiting for the handle to become
	// readable. A timeout is reported via (false, nil), never an
	// error — spec section 4.4 step 2 treats timeouts as benign.
	Poll(timeout time.Duration) (ready bool, err error)

	// ReadEvents reads up to len(buf) fault events in one call,
	// returning the number filled. Spec section 4.4 step 3: batches
	// amortise the syscall cost of reading events.
	ReadEvents(buf []FaultEvent) (n int, err error)

	// Install copies data (exactly one page) into the guest address
	// addr. Returns ErrAlreadyInstalled if the page is already
	// resident (EEXIST).
	Install(addr uint64, data []byte) error

	// ZeroFill installs a zero-filled page at addr. Returns
	// ErrAlreadyInstalled if the page is already resident (EEXIST).
	ZeroFill(addr uint64) error

	// Wake explicitly resolves the fault on [addr, addr+length),
	// without installing any data — used as the EEXIST fallback and
	// by the unblock policy (spec 4.4 step 8, 4.5).
	Wake(addr, length uint64) error

	// Close releases the underlying descriptor.
	Close() error
}
