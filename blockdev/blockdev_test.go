package blockdev

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	dev := NewMemory(4)
	var buf [SectorSize]byte
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, dev.WriteSector(2, buf[:]))

	var out [SectorSize]byte
	require.NoError(t, dev.ReadSector(2, out[:]))
	require.Equal(t, buf, out)
}

func TestMemoryOutOfRange(t *testing.T) {
	dev := NewMemory(1)
	buf := make([]byte, SectorSize)
	require.Error(t, dev.ReadSector(5, buf))
	require.Error(t, dev.WriteSector(-1, buf))
}

func TestMemoryBadLength(t *testing.T) {
	dev := NewMemory(1)
	require.Error(t, dev.ReadSector(0, make([]byte, 10)))
}
