// Package frame implements the physical-frame allocator: a dense
// frame table with clock eviction, pinning, and cooperation with
// whatever owns each occupied frame (normally a spage.AddressSpace).
// It is the direct descendant of the source kernel's
// mem.Physmem_t (biscuit/src/mem/mem.go), generalized per spec.md §9
// from a refcounted pointer-graph allocator addressing real physical
// RAM into an arena-backed table of stable frame indices, so it can
// run and be tested on an ordinary host.
package frame

import (
	"sync"

	"vmcore/metrics"
	"vmcore/vmerr"
)

// PageSize is the size of a single page/frame in bytes.
const PageSize = 4096

// Owner is implemented by whatever installs a frame's contents — in
// this module, spage.AddressSpace. The frame manager calls back into
// Owner only while evicting a victim, with the manager's lock held,
// mirroring the reentrant vm_lock discipline of spec.md §4.1: the
// manager never re-enters itself, so an ordinary mutex suffices here
// even though the call crosses into spage and, from there, into swap.
type Owner interface {
	// TestAndClearAccessed reads vpage's accessed bit and clears it.
	TestAndClearAccessed(vpage uintptr) bool
	// IsWritable reports whether vpage's mapping was installed
	// writable.
	IsWritable(vpage uintptr) bool
	// MarkNotPresent clears vpage's present bit. Called before any
	// further eviction work so a racing user cannot re-dirty the page.
	MarkNotPresent(vpage uintptr)
	// EvictWritable is called only for writable victims, after
	// MarkNotPresent. It must write frameData back (mmap flush or
	// swap-out) as spec.md §4.1 step 3 describes, or return an error.
	EvictWritable(vpage uintptr, frameData []byte) error
}

// Entry is one physical frame table slot.
type Entry struct {
	owner     Owner
	thread    uint64
	vpage     uintptr
	pinned    bool
	reserved  bool // true from Allocate until Install finalizes it
	permanent bool // true for the frames the table consumed for itself
}

// Owner returns the entry's current owner, or nil if the frame is
// free, reserved, or permanently claimed by the table itself.
func (e *Entry) Owner() Owner { return e.owner }

// Pinned reports whether the entry is pinned against eviction.
func (e *Entry) Pinned() bool { return e.pinned }

// Manager owns the physical frame table.
type Manager struct {
	mu sync.Mutex // vm_lock: serializes the table and coordinated owner edits

	base         uintptr
	mem          []byte
	entries      []Entry
	searchCursor int
	evictCursor  int

	metrics *metrics.Frame
}

// NewManager establishes a frame table of numFrames frames over a
// simulated contiguous region starting at base. It marks the first
// numFrames*entrySize/PageSize frames (rounded down) permanent and
// pinned as the table's own storage; a partly filled last page is not
// reserved, so tables of fewer than PageSize/entrySize frames reserve
// none.
func NewManager(numFrames int, base uintptr, m *metrics.Frame) *Manager {
	if numFrames <= 0 {
		panic("frame: numFrames must be positive")
	}
	if m == nil {
		m = &metrics.Frame{}
	}
	mgr := &Manager{
		base:    base,
		mem:     make([]byte, numFrames*PageSize),
		entries: make([]Entry, numFrames),
		metrics: m,
	}

	selfBytes := numFrames * entrySize
	reserved := selfBytes / PageSize // whole frames only; small tables reserve none
	if reserved >= numFrames {
		reserved = numFrames - 1
	}
	for i := 0; i < reserved; i++ {
		mgr.entries[i].permanent = true
		mgr.entries[i].pinned = true
	}
	mgr.searchCursor = reserved % numFrames
	mgr.evictCursor = reserved % numFrames
	return mgr
}

// entrySize approximates the footprint of one Entry for the purpose
// of self-reservation; it need not be exact, only representative.
const entrySize = 32

// FrameAddr returns the simulated physical address of frame.
func (mgr *Manager) FrameAddr(frame int) uintptr {
	return mgr.base + uintptr(frame)*PageSize
}

// Data returns the page-sized byte slice backing frame. Callers must
// hold a pin or otherwise guarantee exclusive access while writing.
func (mgr *Manager) Data(frame int) []byte {
	return mgr.mem[frame*PageSize : (frame+1)*PageSize]
}

// Lock acquires the manager's vm_lock. Callers that need to perform
// more than one frame-table operation atomically with their own
// bookkeeping (spage.AddressSpace during fault resolution) take the
// lock once with Lock and drive the table through the *Locked methods
// below, rather than relying on a true reentrant mutex — the same
// public/locked-internal split the source kernel's Lock_pmap /
// Unlock_pmap convention uses around vm.Vm_t.
func (mgr *Manager) Lock() { mgr.mu.Lock() }

// Unlock releases the vm_lock acquired by Lock.
func (mgr *Manager) Unlock() { mgr.mu.Unlock() }

// AllocateLocked is Allocate for a caller that already holds the
// vm_lock via Lock.
func (mgr *Manager) AllocateLocked() (int, error) { return mgr.allocateLocked() }

// InstallLocked is Install for a caller that already holds the
// vm_lock via Lock.
func (mgr *Manager) InstallLocked(frame int, thread uint64, vpage uintptr, owner Owner) {
	mgr.installLocked(frame, thread, vpage, owner)
}

// ReleaseLocked is Release for a caller that already holds the
// vm_lock via Lock.
func (mgr *Manager) ReleaseLocked(frame int) error { return mgr.releaseLocked(frame) }

// SetPinLocked is SetPin for a caller that already holds the vm_lock
// via Lock.
func (mgr *Manager) SetPinLocked(frame int, pin bool) { mgr.entries[frame].pinned = pin }

// Allocate returns a free frame, evicting one if the table is full.
// The returned frame is reserved but not yet associated with any
// owner; the caller must call Install (on success) or Release (to
// roll back) before releasing the manager's implicit claim.
func (mgr *Manager) Allocate() (int, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.allocateLocked()
}

func (mgr *Manager) allocateLocked() (int, error) {
	n := len(mgr.entries)
	for i := 0; i < n; i++ {
		idx := mgr.searchCursor
		mgr.searchCursor = (mgr.searchCursor + 1) % n
		e := &mgr.entries[idx]
		if e.owner == nil && !e.reserved && !e.permanent {
			e.reserved = true
			mgr.metrics.Allocations.Inc()
			mgr.metrics.InUse.Inc()
			return idx, nil
		}
	}
	return mgr.evictLocked()
}

// evictLocked runs the second-chance clock sweep described in
// spec.md §4.1. It assumes mgr.mu is held.
func (mgr *Manager) evictLocked() (int, error) {
	n := len(mgr.entries)
	for sweep := 0; sweep < 2*n; sweep++ {
		idx := mgr.evictCursor
		mgr.evictCursor = (mgr.evictCursor + 1) % n
		e := &mgr.entries[idx]
		if e.permanent || e.pinned || e.reserved || e.owner == nil {
			continue
		}
		if e.owner.TestAndClearAccessed(e.vpage) {
			continue
		}

		owner, vpage := e.owner, e.vpage
		owner.MarkNotPresent(vpage)
		if owner.IsWritable(vpage) {
			if err := owner.EvictWritable(vpage, mgr.Data(idx)); err != nil {
				return 0, err
			}
		}

		*e = Entry{reserved: true}
		mgr.metrics.Evictions.Inc()
		return idx, nil
	}
	return 0, vmerr.New(vmerr.InvariantViolation,
		"eviction swept the frame table twice without finding a victim")
}

// Install finalizes a reserved frame returned by Allocate, associating
// it with owner's mapping of vpage for thread.
func (mgr *Manager) Install(frame int, thread uint64, vpage uintptr, owner Owner) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.installLocked(frame, thread, vpage, owner)
}

func (mgr *Manager) installLocked(frame int, thread uint64, vpage uintptr, owner Owner) {
	e := &mgr.entries[frame]
	if !e.reserved {
		panic(vmerr.New(vmerr.InvariantViolation,
			"install on frame %d that was not reserved by Allocate", frame))
	}
	e.owner = owner
	e.thread = thread
	e.vpage = vpage
	e.reserved = false
}

// Release clears a frame. It requires the frame not be pinned.
func (mgr *Manager) Release(frame int) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.releaseLocked(frame)
}

func (mgr *Manager) releaseLocked(frame int) error {
	e := &mgr.entries[frame]
	if e.permanent {
		return vmerr.New(vmerr.InvariantViolation, "release of the table's own frame %d", frame)
	}
	if e.pinned {
		return vmerr.New(vmerr.InvariantViolation, "release of pinned frame %d", frame)
	}
	wasOccupied := e.owner != nil || e.reserved
	*e = Entry{}
	if wasOccupied {
		mgr.metrics.InUse.Dec()
	}
	return nil
}

// SetPin pins or unpins frame against eviction.
func (mgr *Manager) SetPin(frame int, pin bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.entries[frame].pinned = pin
}

// Entry returns a snapshot of frame's table entry, for diagnostics and
// tests.
func (mgr *Manager) Entry(frame int) Entry {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.entries[frame]
}

// NumFrames reports the table's frame count.
func (mgr *Manager) NumFrames() int {
	return len(mgr.entries)
}

// Metrics returns the *metrics.Frame this manager was constructed
// with, so other subsystems that act on its behalf (spage.AddressSpace
// during eviction) report through the same counters.
func (mgr *Manager) Metrics() *metrics.Frame {
	return mgr.metrics
}
