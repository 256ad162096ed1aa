package frame

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/metrics"
)

type fakeOwner struct {
	accessed map[uintptr]bool
	writable map[uintptr]bool
	present  map[uintptr]bool
	evicted  []uintptr
	evictErr error
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{
		accessed: make(map[uintptr]bool),
		writable: make(map[uintptr]bool),
		present:  make(map[uintptr]bool),
	}
}

func (o *fakeOwner) TestAndClearAccessed(vpage uintptr) bool {
	a := o.accessed[vpage]
	o.accessed[vpage] = false
	return a
}

func (o *fakeOwner) IsWritable(vpage uintptr) bool { return o.writable[vpage] }

func (o *fakeOwner) MarkNotPresent(vpage uintptr) { o.present[vpage] = false }

func (o *fakeOwner) EvictWritable(vpage uintptr, frameData []byte) error {
	o.evicted = append(o.evicted, vpage)
	return o.evictErr
}

func TestAllocateInstallRelease(t *testing.T) {
	mgr := NewManager(8, 0x1000, &metrics.Frame{})
	owner := newFakeOwner()

	f, err := mgr.Allocate()
	require.NoError(t, err)
	require.True(t, mgr.Entry(f).reserved)

	mgr.Install(f, 1, 0xabc000, owner)
	e := mgr.Entry(f)
	require.Equal(t, Owner(owner), e.owner)
	require.False(t, e.reserved)

	require.NoError(t, mgr.Release(f))
	require.Nil(t, mgr.Entry(f).owner)
}

func TestReleasePinnedFails(t *testing.T) {
	mgr := NewManager(4, 0, &metrics.Frame{})
	owner := newFakeOwner()
	f, err := mgr.Allocate()
	require.NoError(t, err)
	mgr.Install(f, 1, 0x2000, owner)
	mgr.SetPin(f, true)

	require.Error(t, mgr.Release(f))
}

func TestInstallWithoutReservationPanics(t *testing.T) {
	mgr := NewManager(4, 0, &metrics.Frame{})
	owner := newFakeOwner()
	require.Panics(t, func() {
		mgr.Install(1, 1, 0x3000, owner)
	})
}

func TestEvictionGivesAccessedFrameASecondChance(t *testing.T) {
	mgr := NewManager(2, 0, &metrics.Frame{})
	owner := newFakeOwner()

	pinned, err := mgr.Allocate()
	require.NoError(t, err)
	mgr.Install(pinned, 1, 0x1000, owner)
	mgr.SetPin(pinned, true)

	recent, err := mgr.Allocate()
	require.NoError(t, err)
	mgr.Install(recent, 1, 0x2000, owner)
	owner.accessed[0x2000] = true

	// The pinned frame can never be evicted, so the only candidate is
	// the accessed one: the clock sweep clears its accessed bit on the
	// first pass and evicts it on the second.
	victim, err := mgr.Allocate()
	require.NoError(t, err)
	require.Equal(t, recent, victim)
}

func TestEvictionFailsWhenEveryFrameIsPinned(t *testing.T) {
	mgr := NewManager(2, 0, &metrics.Frame{})
	owner := newFakeOwner()

	a, err := mgr.Allocate()
	require.NoError(t, err)
	mgr.Install(a, 1, 0x1000, owner)
	mgr.SetPin(a, true)

	b, err := mgr.Allocate()
	require.NoError(t, err)
	mgr.Install(b, 1, 0x2000, owner)
	mgr.SetPin(b, true)

	_, err = mgr.Allocate()
	require.Error(t, err)
}

func TestEvictionCallsOwnerForWritableVictim(t *testing.T) {
	mgr := NewManager(1, 0, &metrics.Frame{})
	owner := newFakeOwner()

	f, err := mgr.Allocate()
	require.NoError(t, err)
	mgr.Install(f, 1, 0x4000, owner)
	owner.writable[0x4000] = true
	owner.present[0x4000] = true

	victim, err := mgr.Allocate()
	require.NoError(t, err)
	require.Equal(t, f, victim)
	require.Equal(t, []uintptr{0x4000}, owner.evicted)
	require.False(t, owner.present[0x4000])
}

func TestEvictionSkipsOwnerCallForReadOnlyVictim(t *testing.T) {
	mgr := NewManager(1, 0, &metrics.Frame{})
	owner := newFakeOwner()

	f, err := mgr.Allocate()
	require.NoError(t, err)
	mgr.Install(f, 1, 0x5000, owner)

	_, err = mgr.Allocate()
	require.NoError(t, err)
	require.Empty(t, owner.evicted)
}

func TestPermanentFramesAreNeverAllocatedOrEvicted(t *testing.T) {
	mgr := NewManager(256, 0, &metrics.Frame{})
	owner := newFakeOwner()

	total := 0
	for i := 0; i < mgr.NumFrames(); i++ {
		if !mgr.Entry(i).permanent {
			total++
		}
	}
	require.Less(t, total, mgr.NumFrames())

	for i := 0; i < total; i++ {
		f, err := mgr.Allocate()
		require.NoError(t, err)
		mgr.Install(f, 1, uintptr(0x10000+i*PageSize), owner)
	}
	// every non-permanent frame is now occupied and none are pinned or
	// accessed, so the next allocation evicts one of them rather than
	// ever touching a permanent frame.
	victim, err := mgr.Allocate()
	require.NoError(t, err)
	require.False(t, mgr.Entry(victim).permanent)
}
