package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"mimiker/physmem"
)

// Amap is the anonymous memory map sitting above a VM object: a slot array
// of Anon pointers, one slot per page offset within a segment's private
// range. Its shape — a sparse anon array plus a dense used-list with
// back-pointers for O(1) removal — is grounded directly on
// original_source/include/sys/vm_amap.h's am_anon/am_slots/am_bckptr
// triple, which this module keeps rather than reaching for a generic
// ordered index: the amap is small, dense iteration over only the
// populated slots (for Clone and Unref) matters more than ordered lookup.
type Amap struct {
	mu     sync.Mutex
	nslots int
	anon   []*Anon // sparse: index by slot, nil if unpopulated
	slots  []int   // dense: list of populated slot indices
	bckptr []int   // per-slot index into slots[], valid only if populated
	refcnt int32
}

// NewAmap creates an amap with nslots slots, all initially unpopulated.
func NewAmap(nslots int) *Amap {
	return &Amap{
		nslots: nslots,
		anon:   make([]*Anon, nslots),
		bckptr: make([]int, nslots),
		refcnt: 1,
	}
}

// Ref bumps the amap's reference count (a second vm_map segment sharing
// this amap's aref after fork).
func (m *Amap) Ref() { atomic.AddInt32(&m.refcnt, 1) }

// Add populates slot with a, displacing anything already there. The
// caller must have already arranged for the displaced anon's refcount
// (Add does not drop it), mirroring amap_add's contract of only being
// called against an empty slot.
func (m *Amap) Add(slot int, a *Anon) error {
	if slot < 0 || slot >= m.nslots {
		return fmt.Errorf("vm: amap slot %d out of range [0,%d)", slot, m.nslots)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.anon[slot] == nil {
		m.bckptr[slot] = len(m.slots)
		m.slots = append(m.slots, slot)
	}
	m.anon[slot] = a
	return nil
}

// Replace swaps the anon occupying an already-populated slot, used to
// install the private copy a copy-on-write fault allocates in place of
// the shared anon that used to occupy the slot. It does not touch the
// dense used-list, since the slot was already occupied.
func (m *Amap) Replace(slot int, a *Anon) {
	if slot < 0 || slot >= m.nslots {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anon[slot] = a
}

// Lookup returns the anon populating slot, if any.
func (m *Amap) Lookup(slot int) (*Anon, bool) {
	if slot < 0 || slot >= m.nslots {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.anon[slot]
	return a, a != nil
}

// Remove clears slot, dropping the held anon reference and freeing its
// page if that was the last reference. The dense used-list is compacted
// by swapping the removed entry with the last one, then fixing up the
// displaced entry's back-pointer — the O(1) removal the bckptr array
// exists for.
func (m *Amap) Remove(slot int, alloc *physmem.Allocator) {
	if slot < 0 || slot >= m.nslots {
		return
	}
	m.mu.Lock()
	a := m.anon[slot]
	if a == nil {
		m.mu.Unlock()
		return
	}
	m.anon[slot] = nil

	last := len(m.slots) - 1
	pos := m.bckptr[slot]
	movedSlot := m.slots[last]
	m.slots[pos] = movedSlot
	m.bckptr[movedSlot] = pos
	m.slots = m.slots[:last]
	m.mu.Unlock()

	a.Drop(alloc)
}

// Clone returns a new amap of the same size sharing every populated slot's
// Anon (each held again), the lazy copy-on-write fork path: neither
// address space copies page content until one of them writes.
func (m *Amap) Clone() *Amap {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := NewAmap(m.nslots)
	clone.slots = append([]int(nil), m.slots...)
	for _, slot := range m.slots {
		a := m.anon[slot]
		a.Hold()
		clone.anon[slot] = a
		clone.bckptr[slot] = m.bckptr[slot]
	}
	return clone
}

// Unref drops the amap's reference count, and once it reaches zero, drops
// every populated slot's anon reference and reports true.
func (m *Amap) Unref(alloc *physmem.Allocator) bool {
	if atomic.AddInt32(&m.refcnt, -1) != 0 {
		return false
	}
	m.mu.Lock()
	slots := append([]int(nil), m.slots...)
	m.mu.Unlock()
	for _, slot := range slots {
		m.Remove(slot, alloc)
	}
	return true
}

// Len reports how many slots are currently populated.
func (m *Amap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
