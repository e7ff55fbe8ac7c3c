// Package image implements the server's backing store: the node's shard
// of physical memory, memory-mapped read-only from a file (spec section
// 4.6).
package image

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/vmshard/dsm-uffd/internal/protocol"
)

// Image is a read-only, memory-mapped backing file.
type Image struct {
	file *os.File
	mm   mmap.MMap
	size int64
}

// Open memory-maps path read-only and applies the kernel advice spec
// section 4.6 describes: prefer huge pages (minimise TLB miss cost on
// random access), treat as random access (suppress sequential
// read-ahead), and hint the whole range will be touched (encourage
// early paging-in).
func Open(path string, log *zap.Logger) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image: opening backing file %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("image: stat %q: %w", path, err)
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("image: mmap %q: %w", path, err)
	}

	if err := advise(mm, log); err != nil {
		log.Warn("madvise hints failed, continuing without them", zap.Error(err))
	}

	log.Info("backing image mapped",
		zap.String("path", path),
		zap.String("size", humanize.Bytes(uint64(info.Size()))),
	)

	return &Image{file: f, mm: mm, size: info.Size()}, nil
}

func advise(mm mmap.MMap, log *zap.Logger) error {
	if err := unix.Madvise(mm, unix.MADV_HUGEPAGE); err != nil {
		log.Debug("MADV_HUGEPAGE unavailable", zap.Error(err))
	}
	if err := unix.Madvise(mm, unix.MADV_RANDOM); err != nil {
		return fmt.Errorf("MADV_RANDOM: %w", err)
	}
	if err := unix.Madvise(mm, unix.MADV_WILLNEED); err != nil {
		return fmt.Errorf("MADV_WILLNEED: %w", err)
	}
	return nil
}

// Size returns the mapped file size in bytes.
func (img *Image) Size() int64 {
	return img.size
}

// Slice returns a read-only view of PREFETCH*PAGE_SIZE bytes starting
// at base. Per spec section 4.7 step 2: if the request would run past
// the end of the mapping, base is clamped to 0 — a crude but bounded
// fallback; the client is responsible for sensible addresses.
func (img *Image) Slice(base uint64) []byte {
	size := uint64(img.size)
	if base > size || size-base < protocol.ResponseSize {
		base = 0
	}

	return img.mm[base : base+protocol.ResponseSize]
}

// Close unmaps and closes the backing file.
func (img *Image) Close() error {
	unmapErr := img.mm.Unmap()
	closeErr := img.file.Close()

	if unmapErr != nil {
		return fmt.Errorf("image: unmap: %w", unmapErr)
	}
	if closeErr != nil {
		return fmt.Errorf("image: close: %w", closeErr)
	}
	return nil
}
