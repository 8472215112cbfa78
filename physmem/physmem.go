// Package physmem is the kernel's physical page allocator (spec.md §2): a
// buddy allocator over one or more physical memory segments. It is grounded
// on the teacher's mem.Physmem_t, which tracks free physical pages with a
// per-page "index of next free page" field (mem/mem.go, Physpg_t.nexti) —
// the same linked-free-list style is kept here, but organized into
// power-of-two buddy blocks per order instead of one flat free list, so that
// allocation and release can run in O(log n) and adjacent free blocks
// coalesce back into larger ones.
package physmem

import (
	"context"
	"fmt"
	"math/bits"
	"sync"

	"golang.org/x/sync/semaphore"

	"mimiker/bootargs"
	"mimiker/klog"
)

// PageSize is the quantum of physical memory this allocator hands out.
const PageSize = 1 << 12

// MaxOrder bounds the largest block size: 2^MaxOrder pages.
const MaxOrder = 20

// Page describes one physical page-sized unit of a block returned by Alloc.
type Page struct {
	PA    uintptr // physical base address
	Order int     // log2(pages in this block)
}

// Len returns the number of pages covered by this block.
func (p Page) Len() int { return 1 << p.Order }

// Size returns the number of bytes covered by this block.
func (p Page) Size() uintptr { return uintptr(p.Len()) * PageSize }

type pageDesc struct {
	free  bool
	order int
	next  int // index of next free page-block head at the same order, -1 if none
}

// chunk is a maximal power-of-two-sized, power-of-two-aligned slice of a
// segment. Buddy math (idx XOR (1<<order)) only holds within a chunk, so a
// segment whose page count isn't itself a power of two is decomposed into
// several independently-managed chunks at AddSegment time.
type chunk struct {
	base     uintptr
	order    int // log2(len(pages))
	pages    []pageDesc
	freeHead [MaxOrder + 1]int
}

func newChunk(base uintptr, order int) *chunk {
	c := &chunk{base: base, order: order, pages: make([]pageDesc, 1<<order)}
	for i := range c.freeHead {
		c.freeHead[i] = -1
	}
	c.pages[0] = pageDesc{free: true, order: order, next: -1}
	c.freeHead[order] = 0
	return c
}

func (c *chunk) contains(pa uintptr) bool {
	size := uintptr(1<<c.order) * PageSize
	return pa >= c.base && pa < c.base+size
}

func (c *chunk) pushFree(idx, order int) {
	c.pages[idx] = pageDesc{free: true, order: order, next: c.freeHead[order]}
	c.freeHead[order] = idx
}

func (c *chunk) popFree(order int) (int, bool) {
	idx := c.freeHead[order]
	if idx < 0 {
		return 0, false
	}
	c.freeHead[order] = c.pages[idx].next
	c.pages[idx].free = false
	return idx, true
}

// removeFree unlinks a specific (non-head, or head) page-block from its
// order's free list, used when coalescing a buddy that isn't at the head.
func (c *chunk) removeFree(idx, order int) {
	cur := c.freeHead[order]
	if cur == idx {
		c.freeHead[order] = c.pages[idx].next
		c.pages[idx].free = false
		return
	}
	for cur >= 0 {
		next := c.pages[cur].next
		if next == idx {
			c.pages[cur].next = c.pages[idx].next
			c.pages[idx].free = false
			return
		}
		cur = next
	}
}

func (c *chunk) alloc(order int) (int, bool) {
	if order > c.order {
		return 0, false
	}
	if idx, ok := c.popFree(order); ok {
		return idx, true
	}
	// Find the smallest available order above the request, then split it
	// down, keeping the buddy halves as free blocks at each intermediate
	// order (the standard buddy-split, grounded on the worked example in
	// spec.md §8).
	for o := order + 1; o <= c.order; o++ {
		idx, ok := c.popFree(o)
		if !ok {
			continue
		}
		for split := o; split > order; split-- {
			buddy := idx + (1 << (split - 1))
			c.pushFree(buddy, split-1)
		}
		c.pages[idx].order = order
		return idx, true
	}
	return 0, false
}

func (c *chunk) free(idx, order int) {
	for order < c.order {
		buddy := idx ^ (1 << order)
		if buddy >= len(c.pages) || !c.pages[buddy].free || c.pages[buddy].order != order {
			break
		}
		c.removeFree(buddy, order)
		if buddy < idx {
			idx = buddy
		}
		order++
	}
	c.pushFree(idx, order)
}

// Allocator is the kernel-wide physical page allocator. One Allocator
// typically backs the whole machine's physical memory (spec.md §2's single
// "physical allocator" module), reserving space during boot for the kernel
// image and any boot-time preallocations.
type Allocator struct {
	mu     sync.Mutex
	chunks []*chunk

	// sem bounds how many allocation/free requests may be in flight at
	// once, simulating contention on the single global allocator when
	// many goroutine-backed threads fault in pages concurrently.
	sem *semaphore.Weighted

	oomCh chan OOMNotice
}

// OOMNotice is sent on an Allocator's OOM channel when Alloc exhausts every
// chunk. Resume, if non-nil, is closed once the condition is believed to
// have cleared (a future swap-out implementation's reclaim completing);
// this core never closes it itself, since it has no reclaim path, but
// keeps the field so a listener's shape doesn't change once one exists.
type OOMNotice struct {
	Order  int
	Resume chan struct{}
}

// NewAllocator constructs an allocator with at most concurrency simultaneous
// Alloc/Free operations in flight.
func NewAllocator(concurrency int64) *Allocator {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Allocator{sem: semaphore.NewWeighted(concurrency), oomCh: make(chan OOMNotice, 1)}
}

// OOM returns the channel an out-of-memory monitor can receive notices on.
// Sends are non-blocking (dropped if nothing is listening and the single
// buffered slot is full), so a slow or absent listener never makes Alloc
// block beyond its own contention semaphore.
func (a *Allocator) OOM() <-chan OOMNotice { return a.oomCh }

func (a *Allocator) notifyOOM(order int) {
	select {
	case a.oomCh <- OOMNotice{Order: order}:
	default:
	}
}

// AddSegment registers a span of npages physical pages starting at base as
// available for allocation, decomposing it into aligned power-of-two chunks.
func (a *Allocator) AddSegment(base uintptr, npages int) error {
	if npages <= 0 {
		return fmt.Errorf("physmem: segment must have at least one page")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	off := uintptr(0)
	remaining := npages
	for remaining > 0 {
		order := bits.Len(uint(remaining)) - 1 // highest set bit
		if order > MaxOrder {
			order = MaxOrder
		}
		size := 1 << order
		a.chunks = append(a.chunks, newChunk(base+off*PageSize, order))
		off += uintptr(size)
		remaining -= size
	}
	klog.Debugf("physmem: added segment base=%#x pages=%d chunks=%d", base, npages, len(a.chunks))
	return nil
}

// Reserve marks npages pages starting at base as permanently unavailable
// (used to carve the kernel image or a boot-time ramdisk out of the
// otherwise-free map before any allocations occur).
func (a *Allocator) Reserve(base uintptr, npages int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < npages; i++ {
		pa := base + uintptr(i)*PageSize
		c, idx, order, ok := a.locateFree(pa)
		if !ok {
			continue // already reserved, outside any segment, or mid-block
		}
		rel := int((pa - c.base) / PageSize)
		c.removeFree(idx, order)
		c.reserveAt(idx, order, rel)
	}
	return nil
}

// locateFree finds the chunk and free-block (idx, order) whose range covers
// pa, if pa's containing block is currently free.
func (a *Allocator) locateFree(pa uintptr) (*chunk, int, int, bool) {
	for _, c := range a.chunks {
		if !c.contains(pa) {
			continue
		}
		rel := int((pa - c.base) / PageSize)
		for order := 0; order <= c.order; order++ {
			head := c.freeHead[order]
			for head >= 0 {
				if head <= rel && rel < head+(1<<order) {
					return c, head, order, true
				}
				head = c.pages[head].next
			}
		}
		return nil, 0, 0, false
	}
	return nil, 0, 0, false
}

// reserveAt splits the already-unlinked free block [idx, idx+2^order) down
// to single pages, at each level keeping free the half that does not
// contain target and recursing only into the half that does, until target
// itself is isolated as an order-0 block and marked used. Used by Reserve,
// which never returns the page to a caller, so target (not idx) is the
// page that must end up reserved.
func (c *chunk) reserveAt(idx, order, target int) {
	if order == 0 {
		c.pages[idx].free = false
		return
	}
	order--
	half := idx + (1 << order)
	if target < half {
		c.pushFree(half, order)
		c.reserveAt(idx, order, target)
	} else {
		c.pushFree(idx, order)
		c.reserveAt(half, order, target)
	}
}

// splitAllocAt recursively halves the already-allocated block [idx,
// idx+2^order) rooted at its own head page, the same binary-split shape
// reserveAt uses for Reserve: at each level the half not containing the
// head page (idx itself) is cut away and kept as its own allocated piece
// — marked used but never linked into any free list — while the half
// containing it is recursed into, down to a single order-0 page.
func (c *chunk) splitAllocAt(idx, order int) []Page {
	if order == 0 {
		return nil
	}
	order--
	half := idx + (1 << order)
	c.pages[half] = pageDesc{free: false, order: order}
	piece := Page{PA: c.base + uintptr(half)*PageSize, Order: order}
	return append([]Page{piece}, c.splitAllocAt(idx, order)...)
}

// SplitAllocPage implements pm_split_alloc_page (spec.md §4.1): given an
// already-allocated block p of more than one page, splits off its first
// physical page as a standalone order-0 block for the slab/pool layer to
// hand out, leaving every other page of p still ALLOCATED — decomposed
// into its own maximal power-of-two pieces, each independently freeable
// later, rather than one irregularly-sized remainder the buddy scheme has
// no order for.
func (a *Allocator) SplitAllocPage(p Page) (head Page, remainder []Page, err error) {
	if p.Order <= 0 {
		return Page{}, nil, fmt.Errorf("physmem: cannot split a single-page block")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.chunks {
		if !c.contains(p.PA) {
			continue
		}
		idx := int((p.PA - c.base) / PageSize)
		c.pages[idx] = pageDesc{free: false, order: 0}
		head = Page{PA: p.PA, Order: 0}
		remainder = c.splitAllocAt(idx, p.Order)
		return head, remainder, nil
	}
	return Page{}, nil, fmt.Errorf("physmem: split of unknown address %#x", p.PA)
}

// Alloc returns a block of 2^order contiguous physical pages, or an error if
// no block of sufficient size is free.
func (a *Allocator) Alloc(ctx context.Context, order int) (Page, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return Page{}, err
	}
	defer a.sem.Release(1)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		if idx, ok := c.alloc(order); ok {
			return Page{PA: c.base + uintptr(idx)*PageSize, Order: order}, nil
		}
	}
	a.notifyOOM(order)
	return Page{}, fmt.Errorf("physmem: out of memory for order %d", order)
}

// AllocPage is shorthand for Alloc(ctx, 0): a single page.
func (a *Allocator) AllocPage(ctx context.Context) (Page, error) {
	return a.Alloc(ctx, 0)
}

// Free returns a previously allocated block to the allocator, coalescing it
// with its buddy whenever the buddy is also free.
func (a *Allocator) Free(p Page) error {
	if err := a.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer a.sem.Release(1)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		if !c.contains(p.PA) {
			continue
		}
		idx := int((p.PA - c.base) / PageSize)
		c.free(idx, p.Order)
		return nil
	}
	return fmt.Errorf("physmem: free of unknown address %#x", p.PA)
}

// NewAllocatorFromConfig builds an allocator sized from the boot
// environment's memsize/mem_start/mem_end/rd_start/rd_size keys (spec.md
// §6): the segment spans [mem_start, mem_end) in pages, falling back to
// [0, memsize) when the explicit bounds are unset, and the ramdisk range
// (if any) is reserved out of circulation before any caller can allocate
// from it — mirroring how the teacher's boot sequence carves out its own
// preloaded ramdisk before handing the rest of memory to the allocator.
func NewAllocatorFromConfig(cfg *bootargs.Config, concurrency int64) (*Allocator, error) {
	a := NewAllocator(concurrency)

	base, npages := uint64(0), cfg.MemSize/PageSize
	if cfg.MemEnd > cfg.MemStart {
		base = cfg.MemStart
		npages = (cfg.MemEnd - cfg.MemStart) / PageSize
	}
	if npages == 0 {
		npages = 1
	}
	if err := a.AddSegment(uintptr(base), int(npages)); err != nil {
		return nil, err
	}

	if cfg.RDSize > 0 {
		rdPages := (cfg.RDSize + PageSize - 1) / PageSize
		if err := a.Reserve(uintptr(cfg.RDStart), int(rdPages)); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// OrderForPages returns the smallest order whose block can hold n pages, a
// convenience for callers that think in page counts rather than orders.
func OrderForPages(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}
