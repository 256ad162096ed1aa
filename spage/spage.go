// Package spage implements the supplementary page table: per-process
// bookkeeping for virtual pages that are not currently resident, and
// the fault-resolution logic that brings them in. It is the
// generalized descendant of the source kernel's vm.Vm_t (address
// space: pmap + vmregion list under a single lock) and its
// Sys_pgfault/Page_insert methods, reworked so the single lock that
// used to live on Vm_t is shared with frame.Manager: AddressSpace
// never takes a lock of its own, it rides frame.Manager's vm_lock for
// the whole duration of every public call, which is what lets
// eviction reach back into whichever address space owns the victim
// frame without a second, independently-ordered mutex.
package spage

import (
	"vmcore/fileio"
	"vmcore/frame"
	"vmcore/metrics"
	"vmcore/pagedir"
	"vmcore/swap"
	"vmcore/util"
	"vmcore/vmerr"
)

// BackingKind tags how a not-yet-resident page should be materialized.
type BackingKind int

const (
	ZeroFill BackingKind = iota
	FileBacked
	Swapped
)

// spte is one supplementary page-table entry.
type spte struct {
	kind     BackingKind
	writable bool
	mmap     bool

	// FileBacked / mmap payload.
	file   fileio.File
	offset int64
	size   int

	// Swapped payload.
	slot int
}

// AddressSpace is one process's supplementary page table plus the
// page directory it drives. It implements frame.Owner so frame.Manager
// can call back into it during eviction.
type AddressSpace struct {
	frames  *frame.Manager
	swapDev *swap.Backend
	dir     pagedir.Directory
	thread  uint64

	entries  map[uintptr]*spte
	resident map[uintptr]int // vpage -> frame index, for pages currently mapped

	userSpaceTop     uintptr
	stackBottomLimit uintptr

	metrics *metrics.Frame
}

// New constructs an address space over a shared frame table and swap
// device. userSpaceTop and stackBottomLimit bound the stack-growth
// heuristic in ResolveFault. The address space reports swap-outs and
// mmap flushes through the same *metrics.Frame frames was built with,
// so Allocations/Evictions/InUse and these two counters stay on one
// object per frame table.
func New(frames *frame.Manager, swapDev *swap.Backend, dir pagedir.Directory, thread uint64, userSpaceTop, stackBottomLimit uintptr) *AddressSpace {
	return &AddressSpace{
		frames:           frames,
		swapDev:          swapDev,
		dir:              dir,
		thread:           thread,
		entries:          make(map[uintptr]*spte),
		resident:         make(map[uintptr]int),
		userSpaceTop:     userSpaceTop,
		stackBottomLimit: stackBottomLimit,
		metrics:          frames.Metrics(),
	}
}

func pageAlign(vaddr uintptr) uintptr {
	return util.Rounddown(vaddr, uintptr(frame.PageSize))
}

// MapZero installs a ZeroFill SPTE at vaddr.
func (as *AddressSpace) MapZero(vaddr uintptr, writable bool) error {
	as.frames.Lock()
	defer as.frames.Unlock()
	vp := pageAlign(vaddr)
	if err := as.checkUnmappedLocked(vp); err != nil {
		return err
	}
	as.entries[vp] = &spte{kind: ZeroFill, writable: writable}
	return nil
}

// MapSegment installs a non-mmap FileBacked SPTE at vaddr. Write-back
// is never performed for this kind.
func (as *AddressSpace) MapSegment(file fileio.File, offset int64, vaddr uintptr, writable bool, size int) error {
	as.frames.Lock()
	defer as.frames.Unlock()
	if size <= 0 || size > frame.PageSize {
		return vmerr.New(vmerr.BadMapping, "map_segment: size %d exceeds a page", size)
	}
	vp := pageAlign(vaddr)
	if err := as.checkUnmappedLocked(vp); err != nil {
		return err
	}
	as.entries[vp] = &spte{kind: FileBacked, writable: writable, file: file, offset: offset, size: size}
	return nil
}

// MapMmap installs a FileBacked+mmap SPTE at vaddr. The file handle is
// reopened so this mapping's cursor cannot be perturbed by unrelated
// reads against the same inode (mirrors fd.Copyfd's use of
// Fops.Reopen when a descriptor is duplicated).
func (as *AddressSpace) MapMmap(file fileio.File, offset int64, vaddr uintptr, writable bool, size int) error {
	as.frames.Lock()
	defer as.frames.Unlock()
	if size <= 0 || size > frame.PageSize {
		return vmerr.New(vmerr.BadMapping, "map_mmap: size %d exceeds a page", size)
	}
	if file.Length() == 0 {
		return vmerr.New(vmerr.BadMapping, "map_mmap: zero-length file")
	}
	vp := pageAlign(vaddr)
	if err := as.checkUnmappedLocked(vp); err != nil {
		return err
	}
	as.entries[vp] = &spte{
		kind: FileBacked, mmap: true, writable: writable,
		file: file.Reopen(), offset: offset, size: size,
	}
	return nil
}

func (as *AddressSpace) checkUnmappedLocked(vp uintptr) error {
	if _, ok := as.entries[vp]; ok {
		return vmerr.New(vmerr.BadMapping, "vpage %#x already has a mapping", vp)
	}
	if as.dir.Present(vp) {
		return vmerr.New(vmerr.BadMapping, "vpage %#x already present", vp)
	}
	return nil
}

// Unmap clears any mapping at vaddr. It is idempotent-like: unmapping
// an address with no mapping is a no-op. A dirty writable mmap page is
// flushed to its file first.
func (as *AddressSpace) Unmap(vaddr uintptr) error {
	as.frames.Lock()
	defer as.frames.Unlock()
	return as.unmapLocked(pageAlign(vaddr))
}

func (as *AddressSpace) unmapLocked(vp uintptr) error {
	if err := as.flushIfDirtyMmapLocked(vp); err != nil {
		return err
	}
	as.dir.Unmap(vp)
	if frameIdx, ok := as.resident[vp]; ok {
		delete(as.resident, vp)
		if err := as.frames.ReleaseLocked(frameIdx); err != nil {
			return err
		}
	}
	delete(as.entries, vp)
	return nil
}

func (as *AddressSpace) flushIfDirtyMmapLocked(vp uintptr) error {
	e, hasSPTE := as.entries[vp]
	if !hasSPTE || !e.mmap || !e.writable {
		return nil
	}
	frameIdx, hasFrame := as.resident[vp]
	if !hasFrame || !as.dir.Present(vp) {
		return nil
	}
	if !as.dir.TestAndClearDirty(vp) {
		return nil
	}
	data := as.frames.Data(frameIdx)
	if err := e.file.WriteAt(data[:e.size], e.offset); err != nil {
		return vmerr.Wrap(vmerr.IOFailure, err, "flush_mmap: vpage %#x", vp)
	}
	return nil
}

// FlushMmap writes a dirty mmap page's byte window back through the
// file layer without unmapping it, e.g. for an explicit sync request.
func (as *AddressSpace) FlushMmap(vaddr uintptr) error {
	as.frames.Lock()
	defer as.frames.Unlock()
	vp := pageAlign(vaddr)
	e, ok := as.entries[vp]
	if !ok || !e.mmap {
		return vmerr.New(vmerr.BadMapping, "flush_mmap: vpage %#x is not an mmap mapping", vp)
	}
	return as.flushIfDirtyMmapLocked(vp)
}

// Destroy releases every resource the address space holds, per
// spec.md §4.2: swap slots are freed, ZeroFill and non-writable
// FileBacked SPTEs are discarded, and a writable mmap SPTE still
// present is a fatal invariant violation (the syscall layer is
// responsible for unmapping all mmaps before a process exits).
func (as *AddressSpace) Destroy() {
	as.frames.Lock()
	defer as.frames.Unlock()

	for vp, e := range as.entries {
		if e.mmap && e.writable {
			panic(vmerr.New(vmerr.InvariantViolation, "destroy: mmap vpage %#x still mapped at process exit", vp))
		}
		if e.kind == Swapped {
			as.swapDev.Free(e.slot)
		}
	}
	as.entries = make(map[uintptr]*spte)

	for vp, frameIdx := range as.resident {
		if err := as.frames.ReleaseLocked(frameIdx); err != nil {
			panic(vmerr.Wrap(vmerr.InvariantViolation, err, "destroy: vpage %#x", vp))
		}
	}
	as.resident = make(map[uintptr]int)
	as.dir.Destroy()
}

// ResolveFault brings the page containing vaddr into residency and
// returns whether it succeeded. forWrite and stackPointer participate
// exactly as spec.md §4.2 describes: forWrite is accepted for parity
// with the source fault handler's signature and by callers that need
// it to decide whether to retry after a non-fatal failure; the
// dispatch below does not condition on it beyond that, matching the
// source's resolve_fault.
func (as *AddressSpace) ResolveFault(vaddr uintptr, forWrite bool, stackPointer uintptr) (bool, error) {
	as.frames.Lock()
	defer as.frames.Unlock()
	vp := pageAlign(vaddr)

	f, err := as.frames.AllocateLocked()
	if err != nil {
		return false, err
	}

	e, hasSPTE := as.entries[vp]
	if !hasSPTE {
		if as.isStackGrowth(vaddr, stackPointer) {
			zero(as.frames.Data(f))
			as.installResidentLocked(f, vp, true)
			return true, nil
		}
		if err := as.frames.ReleaseLocked(f); err != nil {
			return false, err
		}
		return false, nil
	}

	data := as.frames.Data(f)
	switch e.kind {
	case Swapped:
		if err := as.swapDev.Read(e.slot, data); err != nil {
			_ = as.frames.ReleaseLocked(f)
			return false, err
		}
		as.installResidentLocked(f, vp, true)
		as.dir.TestAndClearDirty(vp)
		delete(as.entries, vp)
		return true, nil

	case FileBacked:
		zero(data)
		if e.size > 0 {
			if err := e.file.ReadAt(data[:e.size], e.offset); err != nil {
				_ = as.frames.ReleaseLocked(f)
				return false, err
			}
		}
		as.installResidentLocked(f, vp, e.writable)
		as.dir.TestAndClearDirty(vp)
		if !e.mmap {
			delete(as.entries, vp)
		}
		return true, nil

	case ZeroFill:
		zero(data)
		as.installResidentLocked(f, vp, e.writable)
		delete(as.entries, vp)
		return true, nil
	}

	_ = as.frames.ReleaseLocked(f)
	return false, vmerr.New(vmerr.InvariantViolation, "unknown SPTE kind for vpage %#x", vp)
}

func (as *AddressSpace) installResidentLocked(f int, vp uintptr, writable bool) {
	as.frames.InstallLocked(f, as.thread, vp, as)
	as.dir.Install(vp, uintptr(f), writable)
	as.resident[vp] = f
}

// SetPin pins or unpins the resident frame backing vaddr, for safely
// holding a user buffer across a syscall (spec.md §6). It reports
// false if vaddr has no resident mapping in this address space.
func (as *AddressSpace) SetPin(vaddr uintptr, pin bool) bool {
	as.frames.Lock()
	defer as.frames.Unlock()
	vp := pageAlign(vaddr)
	f, ok := as.resident[vp]
	if !ok {
		return false
	}
	as.frames.SetPinLocked(f, pin)
	return true
}

func (as *AddressSpace) isStackGrowth(vaddr, stackPointer uintptr) bool {
	if as.userSpaceTop < uintptr(frame.PageSize) {
		return false
	}
	return vaddr < as.userSpaceTop-uintptr(frame.PageSize) &&
		vaddr+32 >= stackPointer &&
		vaddr > as.stackBottomLimit
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// --- frame.Owner ---

func (as *AddressSpace) TestAndClearAccessed(vpage uintptr) bool {
	return as.dir.TestAndClearAccessed(vpage)
}

func (as *AddressSpace) IsWritable(vpage uintptr) bool {
	return as.dir.Writable(vpage)
}

func (as *AddressSpace) MarkNotPresent(vpage uintptr) {
	delete(as.resident, vpage)
	as.dir.MarkNotPresent(vpage)
}

// EvictWritable is called by frame.Manager, with the vm_lock already
// held, for a writable victim page. Per spec.md §4.1 step 3: a dirty
// mmap page is flushed and kept as an mmap SPTE; otherwise the page is
// swapped out. A writable page whose SPTE exists but is not mmap
// violates the invariant that non-mmap writable SPTEs are removed on
// first fault, and is reported as an InvariantViolation error.
func (as *AddressSpace) EvictWritable(vpage uintptr, frameData []byte) error {
	if e, ok := as.entries[vpage]; ok {
		if !e.mmap {
			return vmerr.New(vmerr.InvariantViolation,
				"writable vpage %#x has a non-mmap SPTE at eviction time", vpage)
		}
		if as.dir.TestAndClearDirty(vpage) {
			if err := e.file.WriteAt(frameData[:e.size], e.offset); err != nil {
				return vmerr.Wrap(vmerr.IOFailure, err, "evict flush: vpage %#x", vpage)
			}
			as.metrics.MmapFlushes.Inc()
		}
		return nil
	}

	slot, err := as.swapDev.Alloc()
	if err != nil {
		return err
	}
	if err := as.swapDev.Write(slot, frameData); err != nil {
		return err
	}
	as.entries[vpage] = &spte{kind: Swapped, writable: true, slot: slot}
	as.metrics.SwapOuts.Inc()
	return nil
}
