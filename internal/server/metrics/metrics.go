// Package metrics provides coarse, non-blocking visibility into which
// parts of the backing image are hot, per SPEC_FULL.md section 4.7's
// expansion. It never participates in the request hot path's
// correctness — only observes it.
package metrics

import (
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
)

// regionSize is the granularity at which request counts are bucketed —
// coarse enough to keep the histogram small for multi-gigabyte images.
const regionSize = 64 << 20 // 64 MiB

// Histogram counts requests per regionSize-sized region of a backing
// image, plus an overall touched-region bitset for quick "how much of
// the image has been accessed" checks.
type Histogram struct {
	counts  []atomic.Uint64
	touched *bitset.BitSet
}

// New builds a Histogram sized for an image of imageSize bytes.
func New(imageSize int64) *Histogram {
	regions := uint(imageSize/regionSize) + 1
	return &Histogram{
		counts:  make([]atomic.Uint64, regions),
		touched: bitset.New(regions),
	}
}

// Record notes one request for the page-aligned offset base.
func (h *Histogram) Record(base uint64) {
	idx := uint(base / regionSize)
	if idx >= uint(len(h.counts)) {
		return
	}
	h.counts[idx].Add(1)
	h.touched.Set(idx)
}

// RegionCount returns the request count for the region containing base.
func (h *Histogram) RegionCount(base uint64) uint64 {
	idx := uint(base / regionSize)
	if idx >= uint(len(h.counts)) {
		return 0
	}
	return h.counts[idx].Load()
}

// TouchedRegions returns how many distinct regions have seen at least
// one request.
func (h *Histogram) TouchedRegions() uint {
	return h.touched.Count()
}
