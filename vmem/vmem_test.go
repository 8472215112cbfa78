package vmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageSize = 4096

func TestAllocBestFit(t *testing.T) {
	a := NewArena(pageSize)
	require.NoError(t, a.Add(0, 16*pageSize))

	base, err := a.Alloc(4 * pageSize)
	require.NoError(t, err)
	assert.EqualValues(t, 0, base)
	assert.EqualValues(t, 4*pageSize, a.InUse())
}

func TestAllocRoundsUpToQuantum(t *testing.T) {
	a := NewArena(pageSize)
	require.NoError(t, a.Add(0, 4*pageSize))
	base, err := a.Alloc(pageSize + 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, base)
	assert.EqualValues(t, 2*pageSize, a.InUse())
}

func TestFreeCoalescesNeighbors(t *testing.T) {
	a := NewArena(pageSize)
	require.NoError(t, a.Add(0, 8*pageSize))

	base1, err := a.Alloc(2 * pageSize)
	require.NoError(t, err)
	base2, err := a.Alloc(2 * pageSize)
	require.NoError(t, err)
	base3, err := a.Alloc(4 * pageSize)
	require.NoError(t, err)

	require.NoError(t, a.Free(base1, 2*pageSize))
	require.NoError(t, a.Free(base2, 2*pageSize))
	require.NoError(t, a.Free(base3, 4*pageSize))

	// Fully coalesced back into one span; a fresh 8-page request must fit.
	base, err := a.Alloc(8 * pageSize)
	require.NoError(t, err)
	assert.EqualValues(t, 0, base)
	assert.EqualValues(t, uintptr(0), base1)
}

func TestOutOfSpace(t *testing.T) {
	a := NewArena(pageSize)
	require.NoError(t, a.Add(0, 2*pageSize))
	_, err := a.Alloc(4 * pageSize)
	assert.Error(t, err)
}

func TestFreeUnknownBase(t *testing.T) {
	a := NewArena(pageSize)
	require.NoError(t, a.Add(0, 2*pageSize))
	err := a.Free(pageSize*10, pageSize)
	assert.Error(t, err)
}
