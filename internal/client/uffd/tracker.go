package uffd

import "github.com/bits-and-blooms/bitset"

// Tracker records which pages of a registered region have been resolved
// (installed, zero-filled, or woken). It exists purely for diagnostics
// and tests — the spec's correctness does not depend on it, since the
// kernel itself is the source of truth for page residency (EEXIST is
// what the worker actually reacts to). Mirrors the teacher's dirty/
// install bitset pattern (packages/orchestrator/internal/sandbox/uffd).
type Tracker struct {
	bits     *bitset.BitSet
	pageSize uint64
	base     uint64
}

// NewTracker builds a Tracker covering numPages pages of pageSize bytes
// starting at base.
func NewTracker(base uint64, numPages uint, pageSize uint64) *Tracker {
	return &Tracker{
		bits:     bitset.New(numPages),
		pageSize: pageSize,
		base:     base,
	}
}

func (t *Tracker) index(addr uint64) uint {
	return uint((addr - t.base) / t.pageSize)
}

// Mark records addr's page as resolved.
func (t *Tracker) Mark(addr uint64) {
	t.bits.Set(t.index(addr))
}

// Check reports whether addr's page has been marked resolved.
func (t *Tracker) Check(addr uint64) bool {
	return t.bits.Test(t.index(addr))
}

// Count returns the number of pages marked resolved.
func (t *Tracker) Count() uint {
	return t.bits.Count()
}

// BitSet exposes the underlying bitset for tests.
func (t *Tracker) BitSet() *bitset.BitSet {
	return t.bits
}
