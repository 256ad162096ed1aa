package fileio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryReadWrite(t *testing.T) {
	f := NewMemory([]byte("hello world"))
	buf := make([]byte, 5)
	require.NoError(t, f.ReadAt(buf, 6))
	require.Equal(t, "world", string(buf))

	require.NoError(t, f.WriteAt([]byte("WORLD"), 6))
	require.NoError(t, f.ReadAt(buf, 6))
	require.Equal(t, "WORLD", string(buf))
}

func TestMemoryReopenSharesInode(t *testing.T) {
	f := NewMemory([]byte("0123456789"))
	g := f.Reopen()

	require.NoError(t, f.WriteAt([]byte("X"), 0))
	buf := make([]byte, 1)
	require.NoError(t, g.ReadAt(buf, 0))
	require.Equal(t, "X", string(buf))
}

func TestMemoryShortReadIsIOFailure(t *testing.T) {
	f := NewMemory([]byte("abc"))
	buf := make([]byte, 10)
	require.Error(t, f.ReadAt(buf, 0))
}
