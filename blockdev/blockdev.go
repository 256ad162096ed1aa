// Package blockdev defines the synchronous sector-addressed interface
// the vm core consumes from the underlying block device driver
// (spec.md §6), plus an in-memory reference device used by tests and
// cmd/vmcoredemo. It is the portable stand-in for the teacher's
// fs.Disk_i, which in biscuit ultimately talks to the AHCI driver;
// this module never drives real hardware, so only the synchronous
// contract the spec names is kept.
package blockdev

import (
	"sync"

	"vmcore/vmerr"
)

// SectorSize is the fixed compile-time sector size the reference
// kernel uses (spec.md §6).
const SectorSize = 512

// Device is a synchronous sector-addressed block device.
type Device interface {
	// ReadSector reads exactly SectorSize bytes into buf.
	ReadSector(sector int, buf []byte) error
	// WriteSector writes exactly SectorSize bytes from buf.
	WriteSector(sector int, buf []byte) error
	// SectorCount reports the number of addressable sectors.
	SectorCount() int
}

// Memory is an in-memory Device, useful for tests and the demo
// harness. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	sectors [][SectorSize]byte
}

// NewMemory allocates a zero-filled in-memory device with n sectors.
func NewMemory(n int) *Memory {
	return &Memory{sectors: make([][SectorSize]byte, n)}
}

func (m *Memory) ReadSector(sector int, buf []byte) error {
	if len(buf) != SectorSize {
		return vmerr.New(vmerr.IOFailure, "read buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sector < 0 || sector >= len(m.sectors) {
		return vmerr.New(vmerr.IOFailure, "sector %d out of range (%d sectors)", sector, len(m.sectors))
	}
	copy(buf, m.sectors[sector][:])
	return nil
}

func (m *Memory) WriteSector(sector int, buf []byte) error {
	if len(buf) != SectorSize {
		return vmerr.New(vmerr.IOFailure, "write buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sector < 0 || sector >= len(m.sectors) {
		return vmerr.New(vmerr.IOFailure, "sector %d out of range (%d sectors)", sector, len(m.sectors))
	}
	copy(m.sectors[sector][:], buf)
	return nil
}

func (m *Memory) SectorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sectors)
}
