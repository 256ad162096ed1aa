// Package fileio defines the file-layer contract the vm core consumes
// (spec.md §6: read_at, write_at, length, reopen) and ships an
// in-memory reference implementation. Reopen duplicates an
// independent cursor over the same inode so that an mmap's private
// file handle is never perturbed by unrelated reads on the same file,
// the same role the teacher's fdops.Fdops_i.Reopen plays for
// fd.Copyfd when a descriptor is duplicated.
package fileio

import (
	"sync"

	"vmcore/vmerr"
)

// File is the file-layer contract consumed by spage for segment and
// mmap loads and mmap write-back.
type File interface {
	// ReadAt reads len(buf) bytes starting at offset. A short read is
	// an IOFailure.
	ReadAt(buf []byte, offset int64) error
	// WriteAt writes len(buf) bytes starting at offset.
	WriteAt(buf []byte, offset int64) error
	// Length reports the current length of the file in bytes.
	Length() int64
	// Reopen returns an independent handle over the same inode; its
	// own cursor state (if any) does not interfere with the
	// original's.
	Reopen() File
}

// Memory is an in-memory File backed by a shared byte buffer,
// useful for tests and cmd/vmcoredemo.
type Memory struct {
	shared *memoryInode
}

type memoryInode struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemory creates a File over a copy of the provided bytes.
func NewMemory(data []byte) *Memory {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Memory{shared: &memoryInode{data: buf}}
}

func (f *Memory) ReadAt(buf []byte, offset int64) error {
	f.shared.mu.RLock()
	defer f.shared.mu.RUnlock()
	if offset < 0 || offset > int64(len(f.shared.data)) {
		return vmerr.New(vmerr.IOFailure, "read offset %d out of range (length %d)", offset, len(f.shared.data))
	}
	n := copy(buf, f.shared.data[offset:])
	if n != len(buf) {
		return vmerr.New(vmerr.IOFailure, "short read: wanted %d bytes, got %d", len(buf), n)
	}
	return nil
}

func (f *Memory) WriteAt(buf []byte, offset int64) error {
	f.shared.mu.Lock()
	defer f.shared.mu.Unlock()
	end := offset + int64(len(buf))
	if end > int64(len(f.shared.data)) {
		grown := make([]byte, end)
		copy(grown, f.shared.data)
		f.shared.data = grown
	}
	copy(f.shared.data[offset:end], buf)
	return nil
}

func (f *Memory) Length() int64 {
	f.shared.mu.RLock()
	defer f.shared.mu.RUnlock()
	return int64(len(f.shared.data))
}

// Reopen returns a new handle sharing the same underlying inode.
func (f *Memory) Reopen() File {
	return &Memory{shared: f.shared}
}
