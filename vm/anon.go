package vm

import (
	"context"
	"sync"

	"mimiker/physmem"
	"mimiker/pmap"
)

// Anon is the upper anonymous-memory layer's unit of sharing: a refcounted
// handle on a single physical page, grounded on original_source's
// sys/kern/vm_anon.c. When a page is privately mapped by more than one
// amap slot (after fork shares an amap's aref), every slot holds the same
// Anon until a write forces a copy.
type Anon struct {
	mu     sync.Mutex
	refcnt int32
	pa     uintptr
}

// NewAnon wraps an already-allocated physical page with a fresh Anon at
// refcount 1.
func NewAnon(pa uintptr) *Anon {
	return &Anon{pa: pa, refcnt: 1}
}

// AllocAnon allocates a zero-filled physical page from alloc and wraps it.
func AllocAnon(ctx context.Context, alloc *physmem.Allocator) (*Anon, error) {
	p, err := alloc.AllocPage(ctx)
	if err != nil {
		return nil, err
	}
	pmap.ZeroPage(p.PA)
	return NewAnon(p.PA), nil
}

// PA returns the physical page this anon currently wraps.
func (a *Anon) PA() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pa
}

// Hold bumps the anon's reference count, e.g. when amap.Clone shares it
// with a second address space after fork.
func (a *Anon) Hold() {
	a.mu.Lock()
	a.refcnt++
	a.mu.Unlock()
}

// Drop releases one reference. When the last reference goes away, the
// backing physical page is returned to alloc and true is returned.
func (a *Anon) Drop(alloc *physmem.Allocator) bool {
	a.mu.Lock()
	a.refcnt--
	last := a.refcnt == 0
	pa := a.pa
	a.mu.Unlock()
	if last {
		alloc.Free(physmem.Page{PA: pa, Order: 0})
	}
	return last
}

// Shared reports whether more than one slot currently references this
// anon, the condition that forces a copy-on-write fault to allocate a
// private copy rather than write through the shared page.
func (a *Anon) Shared() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcnt > 1
}

// Copy allocates a fresh page, copies this anon's content into it, and
// returns a new Anon with refcount 1 — the page a COW fault hands the
// faulting thread in place of the shared original.
func (a *Anon) Copy(ctx context.Context, alloc *physmem.Allocator) (*Anon, error) {
	p, err := alloc.AllocPage(ctx)
	if err != nil {
		return nil, err
	}
	pmap.CopyPage(p.PA, a.PA())
	return NewAnon(p.PA), nil
}
