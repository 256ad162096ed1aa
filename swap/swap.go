// Package swap implements the swap backend: a bitmap-indexed set of
// page-sized slots carved out of a blockdev.Device, used by spage to
// page writable frames out when the frame table evicts them. The
// bitmap allocator is grounded on the free-bitmap pool design in
// gopher-os's kernel/mem/pmm/allocator.BitmapAllocator, reworked onto
// []uint64 words with math/bits instead of a reflect.SliceHeader and
// unsafe pointer games, since nothing here needs to describe real
// physical memory laid out by a bootloader.
package swap

import (
	"math/bits"
	"sync"

	"vmcore/blockdev"
	"vmcore/frame"
	"vmcore/vmerr"
)

const sectorsPerPage = frame.PageSize / blockdev.SectorSize

// Backend is the swap device: a fixed number of page-sized slots, each
// either free or holding the contents of one evicted page.
type Backend struct {
	mu     sync.Mutex
	dev    blockdev.Device
	slots  int
	bitmap []uint64 // 1 bit per slot; set means in use
}

// New carves a Backend out of dev. The slot count is
// ⌊dev.SectorCount() / sectorsPerPage⌋, per spec.md §4.3.
func New(dev blockdev.Device) *Backend {
	slots := dev.SectorCount() / sectorsPerPage
	words := (slots + 63) / 64
	return &Backend{
		dev:    dev,
		slots:  slots,
		bitmap: make([]uint64, words),
	}
}

// Slots reports the total number of swap slots.
func (b *Backend) Slots() int { return b.slots }

// Alloc reserves and returns a free slot index.
func (b *Backend) Alloc() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for w, word := range b.bitmap {
		if word == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^word)
		slot := w*64 + bit
		if slot >= b.slots {
			break
		}
		b.bitmap[w] |= 1 << uint(bit)
		return slot, nil
	}
	return 0, vmerr.New(vmerr.AllocationFailure, "swap device exhausted (%d slots)", b.slots)
}

// Free releases slot back to the pool without writing anything.
func (b *Backend) Free(slot int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freeLocked(slot)
}

func (b *Backend) freeLocked(slot int) {
	w, bit := slot/64, uint(slot%64)
	b.bitmap[w] &^= 1 << bit
}

// Write stores a full page (len(data) must equal frame.PageSize) into
// slot. The slot must already be allocated; Write does not itself
// allocate so a caller can retry a failed write against the same slot.
func (b *Backend) Write(slot int, data []byte) error {
	if len(data) != frame.PageSize {
		return vmerr.New(vmerr.InvariantViolation, "swap write of %d bytes, want %d", len(data), frame.PageSize)
	}
	if slot < 0 || slot >= b.slots {
		return vmerr.New(vmerr.InvariantViolation, "swap slot %d out of range (%d slots)", slot, b.slots)
	}
	base := slot * sectorsPerPage
	for i := 0; i < sectorsPerPage; i++ {
		chunk := data[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := b.dev.WriteSector(base+i, chunk); err != nil {
			return vmerr.Wrap(vmerr.IOFailure, err, "swap write slot %d sector %d", slot, i)
		}
	}
	return nil
}

// Read fills buf (len(buf) must equal frame.PageSize) with slot's
// contents and frees the slot: per spec.md §4.3, reading a swapped
// page consumes it, since the in-memory frame resolved from it is
// authoritative again the instant the read completes.
func (b *Backend) Read(slot int, buf []byte) error {
	if len(buf) != frame.PageSize {
		return vmerr.New(vmerr.InvariantViolation, "swap read of %d bytes, want %d", len(buf), frame.PageSize)
	}
	if slot < 0 || slot >= b.slots {
		return vmerr.New(vmerr.InvariantViolation, "swap slot %d out of range (%d slots)", slot, b.slots)
	}
	base := slot * sectorsPerPage
	for i := 0; i < sectorsPerPage; i++ {
		chunk := buf[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := b.dev.ReadSector(base+i, chunk); err != nil {
			return vmerr.Wrap(vmerr.IOFailure, err, "swap read slot %d sector %d", slot, i)
		}
	}
	b.mu.Lock()
	b.freeLocked(slot)
	b.mu.Unlock()
	return nil
}
