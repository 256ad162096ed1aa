// Package cache implements the buffered disk cache and its background
// I/O scheduler: a fixed array of sector-sized entries with clock
// eviction, per-entry lock and condition variable, and a single
// worker thread that services pending reads and writes in ascending
// sector order. It is the generalized descendant of the source
// kernel's fs.Bdev_block_t (one cached block, its own lock, and
// evict/evict-done hooks) and fs.Bdev_req_t/BlkList_t (the sorted
// pending-request list the device driver's interrupt handler drains),
// reworked so the scheduler and cache share one package: the
// eviction algorithm lives in the cache (§4.4) but is driven by the
// scheduler (§4.5) every time it needs a slot, so splitting them
// across packages would mean an import cycle or a needless interface
// for state both sides mutate directly.
package cache

import (
	"sync"

	"vmcore/blockdev"
	"vmcore/metrics"
	"vmcore/vmerr"
)

// NumEntries is the fixed size of the cache's entry table.
const NumEntries = 64

type entry struct {
	mu   sync.Mutex
	cond *sync.Cond

	sector int // -1 when the slot has never been assigned
	valid  bool

	unready  bool
	dirty    bool
	pinned   bool
	accessed bool
	refs     int
	ioErr    error // set by the worker when a read fails; kept until a retried read, a successful read or Zero clears it

	data [blockdev.SectorSize]byte
}

func newEntry() *entry {
	e := &entry{sector: -1}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Cache is the buffered disk cache plus its scheduler.
type Cache struct {
	mu      sync.Mutex // cache_lock
	entries [NumEntries]*entry
	cursor  int

	dev     blockdev.Device
	sched   *scheduler
	metrics *metrics.Cache
}

// New constructs a Cache over dev and starts its background worker.
// Callers must call Close when done, to stop the worker.
func New(dev blockdev.Device, m *metrics.Cache) *Cache {
	if m == nil {
		m = &metrics.Cache{}
	}
	c := &Cache{dev: dev, metrics: m}
	for i := range c.entries {
		c.entries[i] = newEntry()
	}
	c.sched = newScheduler(c)
	c.sched.start()
	return c
}

// Close stops the background worker. Grounded on spec.md §9's "explicit
// shutdown for test teardown" guidance for the worker goroutine.
func (c *Cache) Close() {
	c.sched.stop()
}

func (c *Cache) findLocked(sector int) (*entry, int) {
	for i, e := range c.entries {
		if e.valid && e.sector == sector {
			return e, i
		}
	}
	return nil, -1
}

// evictLocked runs the clock sweep of spec.md §4.4 and returns the
// entry now reserved (Unready, Pinned, relabeled) for sector. Assumes
// c.mu is held.
func (c *Cache) evictLocked(sector int) (*entry, int, error) {
	n := len(c.entries)
	for sweep := 0; sweep < 2*n; sweep++ {
		idx := c.cursor
		c.cursor = (c.cursor + 1) % n
		e := c.entries[idx]

		if !e.mu.TryLock() {
			continue
		}
		if e.pinned || e.refs > 0 {
			e.mu.Unlock()
			continue
		}
		if e.dirty {
			e.pinned = true
			dirtySector := e.sector
			e.mu.Unlock()
			c.sched.enqueueWriteLocked(dirtySector, idx)
			c.metrics.WriteBack.Inc()
			continue
		}
		if e.accessed {
			e.accessed = false
			e.mu.Unlock()
			continue
		}

		e.sector = sector
		e.valid = true
		e.unready = true
		e.pinned = true
		e.dirty = false
		e.accessed = false
		e.mu.Unlock()
		c.metrics.Evictions.Inc()
		return e, idx, nil
	}
	return nil, 0, vmerr.New(vmerr.InvariantViolation, "cache sweep exhausted without an evictable entry")
}

// acquire returns sector's entry, locked, with Unready cleared, and
// whether the sector was already resident when acquire was called
// (for metrics only — the hit/miss boundary is decided at the first
// lookup, not after waiting for an in-flight read to finish). The
// caller must unlock e.mu when done and is responsible for marking
// Accessed/Dirty.
func (c *Cache) acquire(sector int) (*entry, bool, error) {
	c.mu.Lock()
	if e, idx := c.findLocked(sector); e != nil {
		e.mu.Lock()
		if !e.valid || e.sector != sector {
			// relabeled between the scan and the lock; retry.
			e.mu.Unlock()
			c.mu.Unlock()
			return c.acquire(sector)
		}
		if !e.unready && e.ioErr != nil {
			// the last load of this sector failed and was already
			// reported to whichever caller waited on it; re-issue the
			// read rather than hand this (or any later) caller the
			// stale buffer left behind by the failure.
			e.unready = true
			e.pinned = true
			e.ioErr = nil
			e.mu.Unlock()
			c.sched.enqueueRetryLocked(sector, idx, e)
			e.mu.Lock()
		}
		if e.unready {
			e.refs++
			c.mu.Unlock()
			for e.unready {
				e.cond.Wait()
			}
			e.refs--
			if e.ioErr != nil {
				err := e.ioErr
				e.mu.Unlock()
				return nil, true, err
			}
		} else {
			c.mu.Unlock()
		}
		return e, true, nil
	}

	e, err := c.sched.enqueueReadLocked(sector)
	if err != nil {
		c.mu.Unlock()
		return nil, false, err
	}
	e.mu.Lock()
	e.refs++
	e.mu.Unlock()
	c.mu.Unlock()

	e.mu.Lock()
	for e.unready {
		e.cond.Wait()
	}
	e.refs--
	if e.ioErr != nil {
		err := e.ioErr
		e.mu.Unlock()
		return nil, false, err
	}
	return e, false, nil
}

func checkBounds(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > blockdev.SectorSize {
		return vmerr.New(vmerr.IOFailure, "range [%d,%d) exceeds sector size %d", offset, offset+length, blockdev.SectorSize)
	}
	return nil
}

// Read loads sector if needed and copies length bytes from offset
// into dst, marking the entry Accessed.
func (c *Cache) Read(sector, offset int, dst []byte, length int) error {
	if err := checkBounds(offset, length); err != nil {
		return err
	}
	e, hit, err := c.acquire(sector)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	copy(dst[:length], e.data[offset:offset+length])
	e.accessed = true
	if hit {
		c.metrics.Hits.Inc()
	} else {
		c.metrics.Misses.Inc()
	}
	return nil
}

// Write loads sector if needed and copies length bytes from src into
// the entry at offset, marking it Dirty and Accessed.
func (c *Cache) Write(sector, offset int, src []byte, length int) error {
	if err := checkBounds(offset, length); err != nil {
		return err
	}
	e, _, err := c.acquire(sector)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	copy(e.data[offset:offset+length], src[:length])
	e.dirty = true
	e.accessed = true
	return nil
}

// Zero obtains an entry for sector, fills it with zeros, and marks it
// ready without performing any read.
func (c *Cache) Zero(sector int) error {
	c.mu.Lock()
	if e, _ := c.findLocked(sector); e != nil {
		e.mu.Lock()
		c.mu.Unlock()
		// a read already in flight for this slot must finish (and be
		// discarded) before we zero it, or its completion would later
		// clobber the zeros with whatever it read from disk.
		for e.unready {
			e.cond.Wait()
		}
		for i := range e.data {
			e.data[i] = 0
		}
		e.ioErr = nil
		e.dirty = true
		e.accessed = true
		e.mu.Unlock()
		return nil
	}

	e, _, err := c.evictLocked(sector)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	e.mu.Lock()
	for i := range e.data {
		e.data[i] = 0
	}
	e.unready = false
	e.pinned = false
	e.dirty = true
	e.accessed = true
	e.ioErr = nil
	e.mu.Unlock()
	e.cond.Broadcast()
	return nil
}
