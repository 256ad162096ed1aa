// Package vmcontext bundles the frame manager, swap backend, disk
// cache, and per-process address spaces into a single handle, and
// exposes the entry points the syscall layer consumes (spec.md §6):
// fault resolution, mmap/munmap, and a pin/unpin pair for safely
// holding a user buffer across a syscall.
//
// The source kernel keeps the frame table, cache, swap bitmap, and
// process table as module-level globals (mem.go's package-level
// Physmem_t, fs.go's package-level cache). Per spec.md §9's "global
// mutable state" note, this module instead threads a Context value
// through every entry point, so tests can instantiate independent
// contexts without any process-wide state leaking between them.
package vmcontext

import (
	"sync"

	"vmcore/blockdev"
	"vmcore/cache"
	"vmcore/fileio"
	"vmcore/frame"
	"vmcore/metrics"
	"vmcore/pagedir"
	"vmcore/spage"
	"vmcore/swap"
	"vmcore/util"
	"vmcore/vmerr"
)

// Metrics aggregates the counters a Context's frame table, address
// spaces and disk cache report through. Sched is not wired to anything:
// the cache's scheduler keeps its own metrics.Sched.
type Metrics struct {
	Frame metrics.Frame
	Cache metrics.Cache
	Sched metrics.Sched
}

// Context is the wiring point for one running instance of the vm
// core: one frame table, one swap backend, one disk cache, and the
// address spaces of whatever processes are currently live.
type Context struct {
	Frames *frame.Manager
	Swap   *swap.Backend
	Cache  *cache.Cache

	metrics *Metrics

	mu     sync.Mutex
	spaces map[uint64]*spage.AddressSpace
}

// New constructs a Context over numFrames physical frames (based at
// base) and a single block device shared by swap and the disk cache,
// matching the source kernel's single physical-memory/single-disk
// assumption.
func New(numFrames int, base uintptr, dev blockdev.Device) *Context {
	m := &Metrics{}
	return &Context{
		Frames:  frame.NewManager(numFrames, base, &m.Frame),
		Swap:    swap.New(dev),
		Cache:   cache.New(dev, &m.Cache),
		metrics: m,
		spaces:  make(map[uint64]*spage.AddressSpace),
	}
}

// Close stops the cache's background scheduler. Callers that built a
// Context for the lifetime of a test or demo run should defer this.
func (c *Context) Close() {
	c.Cache.Close()
}

// NewAddressSpace creates and registers the address space for thread,
// driven by dir, with the given stack-growth bounds.
func (c *Context) NewAddressSpace(thread uint64, dir pagedir.Directory, userSpaceTop, stackBottomLimit uintptr) *spage.AddressSpace {
	as := spage.New(c.Frames, c.Swap, dir, thread, userSpaceTop, stackBottomLimit)
	c.mu.Lock()
	c.spaces[thread] = as
	c.mu.Unlock()
	return as
}

// DestroyAddressSpace tears down and unregisters thread's address
// space, mirroring process exit draining its mappings.
func (c *Context) DestroyAddressSpace(thread uint64) error {
	c.mu.Lock()
	as, ok := c.spaces[thread]
	delete(c.spaces, thread)
	c.mu.Unlock()
	if !ok {
		return vmerr.New(vmerr.BadMapping, "no address space registered for thread %d", thread)
	}
	as.Destroy()
	return nil
}

// AddressSpace returns the registered address space for thread.
func (c *Context) AddressSpace(thread uint64) (*spage.AddressSpace, error) {
	c.mu.Lock()
	as, ok := c.spaces[thread]
	c.mu.Unlock()
	if !ok {
		return nil, vmerr.New(vmerr.AddressViolation, "no address space registered for thread %d", thread)
	}
	return as, nil
}

// ResolveFault is the hardware-fault entry point: supplementary-page
// lookup, frame allocation (possibly evicting), backing-store fill,
// and page-directory install, per spec.md §4.2.
func (c *Context) ResolveFault(thread uint64, vaddr uintptr, forWrite bool, stackPointer uintptr) (bool, error) {
	as, err := c.AddressSpace(thread)
	if err != nil {
		return false, err
	}
	return as.ResolveFault(vaddr, forWrite, stackPointer)
}

// Mmap installs a memory-mapped-file SPTE at vaddr for thread.
func (c *Context) Mmap(thread uint64, file fileio.File, offset int64, vaddr uintptr, writable bool, size int) error {
	as, err := c.AddressSpace(thread)
	if err != nil {
		return err
	}
	return as.MapMmap(file, offset, vaddr, writable, size)
}

// Munmap flushes (if dirty mmap) and removes the mapping at vaddr.
func (c *Context) Munmap(thread uint64, vaddr uintptr) error {
	as, err := c.AddressSpace(thread)
	if err != nil {
		return err
	}
	return as.Unmap(vaddr)
}

// PinUserBuffer resolves and pins every page touching [vaddr, vaddr+length)
// so the syscall layer can safely read or write it without the pages
// being evicted mid-copy. On any failure it unpins whatever it already
// pinned before returning the error.
func (c *Context) PinUserBuffer(thread uint64, vaddr uintptr, length int, forWrite bool) ([]uintptr, error) {
	as, err := c.AddressSpace(thread)
	if err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, vmerr.New(vmerr.AddressViolation, "pin: non-positive length %d", length)
	}

	start := util.Rounddown(vaddr, uintptr(frame.PageSize))
	end := util.Rounddown(vaddr+uintptr(length)-1, uintptr(frame.PageSize))

	var pinned []uintptr
	for vp := start; ; vp += uintptr(frame.PageSize) {
		// a page that is already resident is pinned as it is; only a
		// non-resident page goes through fault resolution first.
		if !as.SetPin(vp, true) {
			if _, err := as.ResolveFault(vp, forWrite, 0); err != nil {
				c.UnpinUserBuffer(thread, pinned)
				return nil, err
			}
			if !as.SetPin(vp, true) {
				c.UnpinUserBuffer(thread, pinned)
				return nil, vmerr.New(vmerr.InvariantViolation, "pin: page %x not resident after fault resolution", vp)
			}
		}
		pinned = append(pinned, vp)
		if vp == end {
			break
		}
	}
	return pinned, nil
}

// UnpinUserBuffer releases the pins taken by a prior PinUserBuffer
// call. Safe to call with a partial list.
func (c *Context) UnpinUserBuffer(thread uint64, pages []uintptr) {
	as, err := c.AddressSpace(thread)
	if err != nil {
		return
	}
	for _, vp := range pages {
		as.SetPin(vp, false)
	}
}

// ReadSector reads length bytes at offset from sector through the
// disk cache.
func (c *Context) ReadSector(sector, offset int, dst []byte, length int) error {
	return c.Cache.Read(sector, offset, dst, length)
}

// WriteSector writes length bytes at offset into sector through the
// disk cache.
func (c *Context) WriteSector(sector, offset int, src []byte, length int) error {
	return c.Cache.Write(sector, offset, src, length)
}

// ZeroSector zeroes sector in the disk cache without performing I/O.
func (c *Context) ZeroSector(sector int) error {
	return c.Cache.Zero(sector)
}
