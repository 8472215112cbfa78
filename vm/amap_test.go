package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mimiker/physmem"
)

func TestAmapAddLookupRemove(t *testing.T) {
	alloc := newTestAllocator(t)
	m := NewAmap(4)

	a, err := AllocAnon(context.Background(), alloc)
	require.NoError(t, err)
	require.NoError(t, m.Add(2, a))

	got, ok := m.Lookup(2)
	assert.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 1, m.Len())

	m.Remove(2, alloc)
	_, ok = m.Lookup(2)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestAmapAddOutOfRange(t *testing.T) {
	m := NewAmap(2)
	assert.Error(t, m.Add(5, nil))
}

func TestAmapCloneSharesAnons(t *testing.T) {
	alloc := newTestAllocator(t)
	m := NewAmap(4)
	a, err := AllocAnon(context.Background(), alloc)
	require.NoError(t, err)
	require.NoError(t, m.Add(0, a))

	clone := m.Clone()
	got, ok := clone.Lookup(0)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.True(t, a.Shared())
}

func TestAmapUnrefDropsAnonsAtZero(t *testing.T) {
	alloc := newTestAllocator(t)
	m := NewAmap(4)
	a, err := AllocAnon(context.Background(), alloc)
	require.NoError(t, err)
	require.NoError(t, m.Add(0, a))

	assert.True(t, m.Unref(alloc))
	assert.Equal(t, 0, m.Len())
}

func TestAmapRemoveCompactsDenseList(t *testing.T) {
	alloc := newTestAllocator(t)
	m := NewAmap(4)
	a0, _ := AllocAnon(context.Background(), alloc)
	a1, _ := AllocAnon(context.Background(), alloc)
	a2, _ := AllocAnon(context.Background(), alloc)
	require.NoError(t, m.Add(0, a0))
	require.NoError(t, m.Add(1, a1))
	require.NoError(t, m.Add(2, a2))

	m.Remove(1, alloc)
	assert.Equal(t, 2, m.Len())
	_, ok0 := m.Lookup(0)
	_, ok2 := m.Lookup(2)
	assert.True(t, ok0)
	assert.True(t, ok2)
}
