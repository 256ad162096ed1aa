package swap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/blockdev"
	"vmcore/frame"
)

func newBackend(t *testing.T, slots int) *Backend {
	t.Helper()
	dev := blockdev.NewMemory(slots * sectorsPerPage)
	return New(dev)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	b := newBackend(t, 4)
	s0, err := b.Alloc()
	require.NoError(t, err)
	s1, err := b.Alloc()
	require.NoError(t, err)
	require.NotEqual(t, s0, s1)

	b.Free(s0)
	s2, err := b.Alloc()
	require.NoError(t, err)
	require.Equal(t, s0, s2)
}

func TestAllocExhaustion(t *testing.T) {
	b := newBackend(t, 2)
	_, err := b.Alloc()
	require.NoError(t, err)
	_, err = b.Alloc()
	require.NoError(t, err)

	_, err = b.Alloc()
	require.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := newBackend(t, 2)
	slot, err := b.Alloc()
	require.NoError(t, err)

	page := bytes.Repeat([]byte{0xAB}, frame.PageSize)
	require.NoError(t, b.Write(slot, page))

	out := make([]byte, frame.PageSize)
	require.NoError(t, b.Read(slot, out))
	require.Equal(t, page, out)
}

func TestReadFreesSlot(t *testing.T) {
	b := newBackend(t, 1)
	slot, err := b.Alloc()
	require.NoError(t, err)
	page := make([]byte, frame.PageSize)
	require.NoError(t, b.Write(slot, page))

	out := make([]byte, frame.PageSize)
	require.NoError(t, b.Read(slot, out))

	// the slot was freed by the read, so it is immediately reusable.
	again, err := b.Alloc()
	require.NoError(t, err)
	require.Equal(t, slot, again)
}

func TestWriteWrongSizeRejected(t *testing.T) {
	b := newBackend(t, 1)
	slot, err := b.Alloc()
	require.NoError(t, err)
	require.Error(t, b.Write(slot, make([]byte, 10)))
}
