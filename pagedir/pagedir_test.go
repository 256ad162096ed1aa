package pagedir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimInstallAndQuery(t *testing.T) {
	d := NewSim()
	d.Install(0x1000, 7, true)

	require.True(t, d.Present(0x1000))
	require.True(t, d.Writable(0x1000))
	frame, ok := d.Frame(0x1000)
	require.True(t, ok)
	require.EqualValues(t, 7, frame)
}

func TestSimAccessedAndDirtyClearOnRead(t *testing.T) {
	d := NewSim()
	d.Install(0x2000, 1, true)
	d.Touch(0x2000)
	d.Dirty(0x2000)

	require.True(t, d.TestAndClearAccessed(0x2000))
	require.False(t, d.TestAndClearAccessed(0x2000))
	require.True(t, d.TestAndClearDirty(0x2000))
	require.False(t, d.TestAndClearDirty(0x2000))
}

func TestSimMarkNotPresentKeepsFrame(t *testing.T) {
	d := NewSim()
	d.Install(0x3000, 2, true)
	d.MarkNotPresent(0x3000)

	require.False(t, d.Present(0x3000))
	frame, ok := d.Frame(0x3000)
	require.True(t, ok)
	require.EqualValues(t, 2, frame)
}

func TestSimUnmapRemovesEntirely(t *testing.T) {
	d := NewSim()
	d.Install(0x4000, 3, false)
	d.Unmap(0x4000)

	_, ok := d.Frame(0x4000)
	require.False(t, ok)
}
