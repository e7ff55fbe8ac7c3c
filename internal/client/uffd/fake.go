package uffd

import (
	"sync"
	"time"
)

// Fake is an in-memory FaultHandle used by tests on any platform to
// drive the worker pool without a real kernel userfaultfd facility. It
// mirrors the teacher test suite's pattern of a test-only handle feeding
// synthetic fault events (see SPEC_FULL.md section 8).
type Fake struct {
	mu         sync.Mutex
	events     []FaultEvent
	installed  map[uint64][]byte
	zeroed     map[uint64]bool
	woken      map[uint64]bool
	registered []struct{ addr, length uint64 }
	closed     bool

	ready chan struct{}
}

var _ FaultHandle = (*Fake)(nil)

// NewFake constructs an empty Fake handle.
func NewFake() *Fake {
	return &Fake{
		installed: make(map[uint64][]byte),
		zeroed:    make(map[uint64]bool),
		woken:     make(map[uint64]bool),
		ready:     make(chan struct{}, 1),
	}
}

// InjectFault queues a synthetic page-fault event, as if the kernel had
// delivered it, and wakes one pending Poll call.
func (f *Fake) InjectFault(addr uint64) {
	f.mu.Lock()
	f.events = append(f.events, FaultEvent{Address: addr, Kind: PageFault})
	f.mu.Unlock()

	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func (f *Fake) Register(addr, length uint64, mode RegisterMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, struct{ addr, length uint64 }{addr, length})
	return nil
}

func (f *Fake) Poll(timeout time.Duration) (bool, error) {
	select {
	case <-f.ready:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (f *Fake) ReadEvents(buf []FaultEvent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := copy(buf, f.events)
	f.events = f.events[n:]
	return n, nil
}

func (f *Fake) Install(addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.installed[addr]; ok {
		return ErrAlreadyInstalled
	}
	if f.zeroed[addr] {
		return ErrAlreadyInstalled
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	f.installed[addr] = cp
	return nil
}

func (f *Fake) ZeroFill(addr uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.installed[addr]; ok {
		return ErrAlreadyInstalled
	}
	if f.zeroed[addr] {
		return ErrAlreadyInstalled
	}

	f.zeroed[addr] = true
	return nil
}

func (f *Fake) Wake(addr, length uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken[addr] = true
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Resolved reports whether addr has been installed, zero-filled, or
// woken — i.e. whether the fault is considered resolved per spec
// section 3's invariant.
func (f *Fake) Resolved(addr uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.installed[addr]; ok {
		return true
	}
	return f.zeroed[addr] || f.woken[addr]
}

// InstalledData returns a copy of the data installed at addr, if any.
func (f *Fake) InstalledData(addr uint64) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.installed[addr]
	return data, ok
}

// IsZeroed reports whether addr was resolved via ZeroFill.
func (f *Fake) IsZeroed(addr uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zeroed[addr]
}

// Woken reports whether addr was ever explicitly woken, the fallback
// taken when Install or ZeroFill returns ErrAlreadyInstalled.
func (f *Fake) Woken(addr uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.woken[addr]
}
