package cache

import (
	"sort"
	"sync"

	"vmcore/blockdev"
	"vmcore/metrics"
)

// request is one pending cache I/O, grounded on the source kernel's
// fs.Bdev_req_t, minus the intrusive linked-list pointers: the
// scheduler here keeps requests in an ordinary sorted slice instead of
// splicing a BlkList_t by hand.
type request struct {
	sector int
	idx    int
	entry  *entry
	write  bool
}

// scheduler is the single background worker plus its ascending-sector
// (elevator) queue, guarded by sched_lock (spec.md §4.5).
type scheduler struct {
	cache *Cache

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []*request
	pendingRead  map[int]*request
	pendingWrite map[int]*request

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	metrics *metrics.Sched
}

func newScheduler(c *Cache) *scheduler {
	s := &scheduler{
		cache:        c,
		pendingRead:  make(map[int]*request),
		pendingWrite: make(map[int]*request),
		stopCh:       make(chan struct{}),
		metrics:      &metrics.Sched{},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *scheduler) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *scheduler) stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *scheduler) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.stopped {
			s.mu.Unlock()
			return
		}
		req := s.popNextLocked()
		s.metrics.QueueDepth.Set(int64(len(s.queue)))
		s.mu.Unlock()

		s.service(req)
	}
}

// insertSortedLocked inserts req keeping the queue in ascending sector
// order (elevator discipline). Assumes s.mu is held.
func (s *scheduler) insertSortedLocked(req *request) {
	i := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].sector >= req.sector })
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = req
}

func (s *scheduler) popNextLocked() *request {
	req := s.queue[0]
	s.queue = s.queue[1:]
	if req.write {
		delete(s.pendingWrite, req.sector)
	} else {
		delete(s.pendingRead, req.sector)
	}
	return req
}

func (s *scheduler) pendingReadEntry(sector int) (*request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pendingRead[sector]
	return req, ok
}

// enqueueReadLocked reserves a cache slot for sector (unless a read for
// it is already pending) and queues the read, plus a speculative
// read-ahead of sector+1. Assumes cache.mu is held.
func (s *scheduler) enqueueReadLocked(sector int) (*entry, error) {
	if req, ok := s.pendingReadEntry(sector); ok {
		s.metrics.Dedups.Inc()
		return req.entry, nil
	}

	e, idx, err := s.cache.evictLocked(sector)
	if err != nil {
		return nil, err
	}
	req := &request{sector: sector, idx: idx, entry: e, write: false}

	s.mu.Lock()
	s.insertSortedLocked(req)
	s.pendingRead[sector] = req
	s.metrics.Reads.Inc()
	s.metrics.QueueDepth.Set(int64(len(s.queue)))
	s.cond.Signal()
	s.mu.Unlock()

	s.maybeReadAheadLocked(sector + 1)
	return e, nil
}

// maybeReadAheadLocked speculatively enqueues a read of sector if it is
// neither resident nor already pending. An out-of-range sector is
// skipped, and a failure to find an evictable cache entry is
// swallowed: read-ahead never fails the read that triggered it.
func (s *scheduler) maybeReadAheadLocked(sector int) {
	if sector < 0 || sector >= s.cache.dev.SectorCount() {
		return
	}
	if _, ok := s.pendingReadEntry(sector); ok {
		return
	}
	if e, _ := s.cache.findLocked(sector); e != nil {
		return
	}

	e, idx, err := s.cache.evictLocked(sector)
	if err != nil {
		return
	}
	req := &request{sector: sector, idx: idx, entry: e, write: false}

	s.mu.Lock()
	s.insertSortedLocked(req)
	s.pendingRead[sector] = req
	s.metrics.ReadAheads.Inc()
	s.metrics.QueueDepth.Set(int64(len(s.queue)))
	s.cond.Signal()
	s.mu.Unlock()
}

// enqueueRetryLocked re-issues a read for sector's entry after a prior
// load of it failed. Unlike enqueueReadLocked, idx already holds
// sector's slot (cache.acquire re-armed it as Unready before calling
// this), so no eviction is needed. Assumes cache.mu is held.
func (s *scheduler) enqueueRetryLocked(sector, idx int, e *entry) {
	if _, ok := s.pendingReadEntry(sector); ok {
		return
	}
	req := &request{sector: sector, idx: idx, entry: e, write: false}

	s.mu.Lock()
	s.insertSortedLocked(req)
	s.pendingRead[sector] = req
	s.metrics.Reads.Inc()
	s.metrics.QueueDepth.Set(int64(len(s.queue)))
	s.cond.Signal()
	s.mu.Unlock()
}

// enqueueWriteLocked queues a write-back for idx/sector unless one is
// already pending. Assumes cache.mu is held; the entry has already
// been pinned by the caller (evictLocked's dirty branch).
func (s *scheduler) enqueueWriteLocked(sector, idx int) {
	s.mu.Lock()
	if _, ok := s.pendingWrite[sector]; ok {
		s.mu.Unlock()
		return
	}
	req := &request{sector: sector, idx: idx, entry: s.cache.entries[idx], write: true}
	s.insertSortedLocked(req)
	s.pendingWrite[sector] = req
	s.metrics.Writes.Inc()
	s.metrics.QueueDepth.Set(int64(len(s.queue)))
	s.cond.Signal()
	s.mu.Unlock()
}

// service performs the actual block I/O outside sched_lock, per
// spec.md §4.5, then clears the pin the eviction path set to protect
// the entry across this gap and broadcasts its condition.
func (s *scheduler) service(req *request) {
	e := req.entry

	if req.write {
		e.mu.Lock()
		var buf [blockdev.SectorSize]byte
		copy(buf[:], e.data[:])
		sector := e.sector
		e.mu.Unlock()

		err := s.cache.dev.WriteSector(sector, buf[:])

		e.mu.Lock()
		if err == nil {
			e.dirty = false
		}
		e.pinned = false
		e.mu.Unlock()
		e.cond.Broadcast()
		return
	}

	var buf [blockdev.SectorSize]byte
	err := s.cache.dev.ReadSector(req.sector, buf[:])

	e.mu.Lock()
	if err == nil {
		e.data = buf
	}
	e.ioErr = err
	e.unready = false
	e.pinned = false
	e.mu.Unlock()
	e.cond.Broadcast()
}
