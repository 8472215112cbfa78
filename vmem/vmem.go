// Package vmem is the kernel virtual address allocator (spec.md §2): a
// boundary-tag interval allocator handing out best-fit spans of KVA,
// independent of the physical pages eventually mapped behind them. It has
// no direct teacher analogue (the teacher maps kernel structures statically
// instead of through a KVA arena), so its boundary-tag bookkeeping is
// grounded on the ordered-index style the rest of this module takes from
// gvisor's segment sets: google/btree.BTree in place of a hand-rolled
// balanced tree, ordered first by base address (for neighbor coalescing)
// and, in a second index, by (size, base) for O(log n) best-fit lookup.
package vmem

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"mimiker/util"
)

const degree = 32

type kind int

const (
	free kind = iota
	used
)

type tag struct {
	base uintptr
	size uintptr
	kind kind
}

// byBaseItem orders tags by starting address, the index used to find a
// free tag's immediate neighbors for coalescing on Free.
type byBaseItem struct{ t *tag }

func (a byBaseItem) Less(than btree.Item) bool {
	return a.t.base < than.(byBaseItem).t.base
}

// byFreeItem orders only free tags by (size, base), the index used for
// best-fit allocation: the smallest free span that is still large enough.
type byFreeItem struct{ t *tag }

func (a byFreeItem) Less(than btree.Item) bool {
	b := than.(byFreeItem).t
	if a.t.size != b.size {
		return a.t.size < b.size
	}
	return a.t.base < b.base
}

// Arena is one boundary-tag arena of kernel virtual address space. Multiple
// arenas can stack (the classic vmem "arena sourced from another arena")
// but this kernel core needs exactly one: the KVA range above the direct
// physical map.
type Arena struct {
	mu       sync.Mutex
	quantum  uintptr
	byBase   *btree.BTree
	byFree   *btree.BTree
	capacity uintptr
	inUse    uintptr
}

// NewArena creates an arena with the given allocation quantum (typically
// the page size). Add rejects sizes that are not multiples of it; Alloc and
// Free round their sizes up to it.
func NewArena(quantum uintptr) *Arena {
	return &Arena{
		quantum: quantum,
		byBase:  btree.New(degree),
		byFree:  btree.New(degree),
	}
}

func (a *Arena) roundUp(size uintptr) uintptr {
	return util.Roundup(size, a.quantum)
}

// Add registers [base, base+size) as available span for this arena to hand
// out, analogous to vmem_add in the spec's glossary.
func (a *Arena) Add(base, size uintptr) error {
	if size == 0 || size%a.quantum != 0 {
		return fmt.Errorf("vmem: size %d is not a multiple of quantum %d", size, a.quantum)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	t := &tag{base: base, size: size, kind: free}
	a.byBase.ReplaceOrInsert(byBaseItem{t})
	a.byFree.ReplaceOrInsert(byFreeItem{t})
	a.capacity += size
	return nil
}

// Alloc reserves a span of at least size bytes, returning its base address.
// It uses best-fit: the smallest free tag that still satisfies the request,
// so that large free spans survive for future large requests.
func (a *Arena) Alloc(size uintptr) (uintptr, error) {
	size = a.roundUp(size)
	if size == 0 {
		return 0, fmt.Errorf("vmem: cannot allocate zero bytes")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pivot := byFreeItem{&tag{size: size}}
	var found *tag
	a.byFree.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		found = item.(byFreeItem).t
		return false
	})
	if found == nil {
		return 0, fmt.Errorf("vmem: out of space for %d bytes", size)
	}

	a.byFree.Delete(byFreeItem{found})
	allocBase := found.base

	if found.size == size {
		found.kind = used
		a.byBase.ReplaceOrInsert(byBaseItem{found})
	} else {
		// Split: shrink the free tag to start after the allocated span,
		// and insert a fresh used tag covering [allocBase, allocBase+size).
		found.base += size
		found.size -= size
		a.byFree.ReplaceOrInsert(byFreeItem{found})

		used := &tag{base: allocBase, size: size, kind: used}
		a.byBase.ReplaceOrInsert(byBaseItem{used})
	}
	a.inUse += size
	return allocBase, nil
}

// Free releases a span previously returned by Alloc, coalescing it with
// free neighbors on either side.
func (a *Arena) Free(base, size uintptr) error {
	size = a.roundUp(size)
	a.mu.Lock()
	defer a.mu.Unlock()

	item := a.byBase.Get(byBaseItem{&tag{base: base}})
	if item == nil {
		return fmt.Errorf("vmem: free of unknown base %#x", base)
	}
	t := item.(byBaseItem).t
	if t.kind != used || t.size != size {
		return fmt.Errorf("vmem: free size %d does not match allocation at %#x", size, base)
	}
	a.byBase.Delete(byBaseItem{t})
	t.kind = free
	a.inUse -= size

	// Merge with the following neighbor, if free and adjacent.
	if next := a.nextTag(t); next != nil && next.kind == free && t.base+t.size == next.base {
		a.byBase.Delete(byBaseItem{next})
		a.byFree.Delete(byFreeItem{next})
		t.size += next.size
	}
	// Merge with the preceding neighbor, if free and adjacent.
	if prev := a.prevTag(t); prev != nil && prev.kind == free && prev.base+prev.size == t.base {
		a.byBase.Delete(byBaseItem{prev})
		a.byFree.Delete(byFreeItem{prev})
		prev.size += t.size
		t = prev
	}

	a.byBase.ReplaceOrInsert(byBaseItem{t})
	a.byFree.ReplaceOrInsert(byFreeItem{t})
	return nil
}

func (a *Arena) nextTag(t *tag) *tag {
	var out *tag
	a.byBase.AscendGreaterOrEqual(byBaseItem{&tag{base: t.base + 1}}, func(item btree.Item) bool {
		out = item.(byBaseItem).t
		return false
	})
	return out
}

func (a *Arena) prevTag(t *tag) *tag {
	if t.base == 0 {
		return nil
	}
	var out *tag
	a.byBase.DescendLessOrEqual(byBaseItem{&tag{base: t.base - 1}}, func(item btree.Item) bool {
		out = item.(byBaseItem).t
		return false
	})
	return out
}

// Capacity returns the total span size ever Added to the arena.
func (a *Arena) Capacity() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacity
}

// InUse returns the total bytes currently allocated and not yet freed.
func (a *Arena) InUse() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
