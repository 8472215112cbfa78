package physmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mimiker/bootargs"
	"mimiker/errno"
)

func TestBuddySplitAndCoalesce(t *testing.T) {
	// spec.md §8's worked example: a single 64-page segment at physical
	// base 0. alloc(4); alloc(4); alloc(8); free(a); free(b); alloc(8)
	// must return the same base as the very first allocation.
	a := NewAllocator(4)
	require.NoError(t, a.AddSegment(0, 64))

	ctx := context.Background()
	pa, err := a.Alloc(ctx, OrderForPages(4))
	require.NoError(t, err)
	assert.EqualValues(t, 0, pa.PA)

	pb, err := a.Alloc(ctx, OrderForPages(4))
	require.NoError(t, err)
	assert.EqualValues(t, 4*PageSize, pb.PA)

	pc, err := a.Alloc(ctx, OrderForPages(8))
	require.NoError(t, err)
	assert.EqualValues(t, 8*PageSize, pc.PA)

	require.NoError(t, a.Free(pa))
	require.NoError(t, a.Free(pb))

	pd, err := a.Alloc(ctx, OrderForPages(8))
	require.NoError(t, err)
	assert.EqualValues(t, 0, pd.PA, "coalesced block should be reused at the original base")
}

func TestAllocExhaustion(t *testing.T) {
	a := NewAllocator(1)
	require.NoError(t, a.AddSegment(0, 4))
	ctx := context.Background()

	_, err := a.Alloc(ctx, 2) // whole segment
	require.NoError(t, err)

	_, err = a.Alloc(ctx, 0)
	assert.Error(t, err)

	select {
	case notice := <-a.OOM():
		assert.Equal(t, 0, notice.Order)
	default:
		t.Fatal("exhausted allocator must notify its OOM channel")
	}
}

func TestNonPowerOfTwoSegmentDecomposes(t *testing.T) {
	a := NewAllocator(1)
	require.NoError(t, a.AddSegment(0, 6)) // 6 = 4 + 2, two chunks
	assert.Len(t, a.chunks, 2)
	assert.Equal(t, 2, a.chunks[0].order)
	assert.Equal(t, 1, a.chunks[1].order)
}

func TestReserveRemovesPagesFromCirculation(t *testing.T) {
	a := NewAllocator(1)
	require.NoError(t, a.AddSegment(0, 8))
	require.NoError(t, a.Reserve(0, 2))

	ctx := context.Background()
	pa, err := a.Alloc(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, uintptr(0), pa.PA)
	assert.NotEqual(t, uintptr(PageSize), pa.PA)
}

func TestNewAllocatorFromConfigUsesExplicitMemBoundsAndReservesRamdisk(t *testing.T) {
	cfg, err := bootargs.Parse(`mem_start=0 mem_end=32768 rd_start=4096 rd_size=4096`)
	require.Equal(t, errno.OK, err)

	a, aerr := NewAllocatorFromConfig(cfg, 4)
	require.NoError(t, aerr)

	ctx := context.Background()
	pa, aerr := a.Alloc(ctx, OrderForPages(1))
	require.NoError(t, aerr)
	assert.NotEqualValues(t, PageSize, pa.PA, "the reserved ramdisk page must not be handed out")
}

func TestNewAllocatorFromConfigFallsBackToMemsize(t *testing.T) {
	cfg, err := bootargs.Parse(`memsize=16384`)
	require.Equal(t, errno.OK, err)

	a, aerr := NewAllocatorFromConfig(cfg, 4)
	require.NoError(t, aerr)
	require.Len(t, a.chunks, 1)
	assert.Equal(t, 2, a.chunks[0].order) // 16384/PageSize == 4 pages == order 2
}

func TestSplitAllocPagePeelsHeadAndKeepsRemainderAllocated(t *testing.T) {
	a := NewAllocator(1)
	require.NoError(t, a.AddSegment(0, 8))
	ctx := context.Background()

	p, err := a.Alloc(ctx, OrderForPages(4)) // order 2, 4 pages
	require.NoError(t, err)

	head, remainder, err := a.SplitAllocPage(p)
	require.NoError(t, err)
	assert.EqualValues(t, p.PA, head.PA)
	assert.Equal(t, 0, head.Order)

	// 4 pages split into a head page + a decomposed remainder of 3 pages
	// (orders 1 and 0), none of which overlap and all of which are still
	// allocated — not reachable from a fresh Alloc.
	require.Len(t, remainder, 2)
	total := head.Len()
	seen := map[uintptr]bool{head.PA: true}
	for _, piece := range remainder {
		assert.False(t, seen[piece.PA], "remainder pieces must not overlap")
		seen[piece.PA] = true
		total += piece.Len()
	}
	assert.Equal(t, p.Len(), total)

	other, err := a.Alloc(ctx, 1) // 2 pages, only the untouched second half of the segment
	require.NoError(t, err)
	assert.EqualValues(t, 4*PageSize, other.PA)

	// The split-off pieces remain individually freeable.
	require.NoError(t, a.Free(head))
	for _, piece := range remainder {
		require.NoError(t, a.Free(piece))
	}
}

func TestSplitAllocPageRejectsSinglePageBlock(t *testing.T) {
	a := NewAllocator(1)
	require.NoError(t, a.AddSegment(0, 4))
	ctx := context.Background()

	p, err := a.Alloc(ctx, 0)
	require.NoError(t, err)

	_, _, err = a.SplitAllocPage(p)
	assert.Error(t, err)
}

func TestOrderForPages(t *testing.T) {
	assert.Equal(t, 0, OrderForPages(1))
	assert.Equal(t, 2, OrderForPages(4))
	assert.Equal(t, 3, OrderForPages(5))
}
