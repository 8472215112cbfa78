package vm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mimiker/bootargs"
	"mimiker/errno"
	"mimiker/physmem"
	"mimiker/pmap"
	"mimiker/util"
)

// Segment is one mapped, non-overlapping range of an address space
// (spec.md §4). A segment backed by a shared object (Shared ==
// true) has no private amap: every mapper observes the same pages. A
// private segment layers an Amap of Anons above its Object, the classic
// two-level on-demand/COW scheme: a fault first checks the amap for a
// private, possibly-already-copied page before falling back to the
// object's shared page (or allocating a fresh zero page, for anonymous
// memory with nothing resident yet).
type Segment struct {
	Start, End uintptr
	Prot       pmap.Prot
	Shared     bool
	object     *Object
	amap       *Amap
}

func (s *Segment) contains(va uintptr) bool { return va >= s.Start && va < s.End }

// Map is one address space's ordered, non-overlapping set of segments —
// vm_map in spec.md §4. Its lock is taken once per exported call; internal
// helpers assume it is already held, so there is no need for a literally
// reentrant lock despite the original implementation using one (the
// original's recursive rwlock exists because its C call graph re-enters
// vm_map functions from within other vm_map functions while holding the
// lock; this Go port restructures those call chains so the lock is always
// acquired at the single public entry point instead).
type Map struct {
	mu       sync.RWMutex
	pm       *pmap.Pmap
	alloc    *physmem.Allocator
	lo, hi   uintptr // [lo, hi) bounds segments may occupy
	segments []*Segment
	brk      *Segment // the growable segment Sbrk manages, nil until first call
}

// BrkSearchStart is the fixed virtual address the original implementation
// starts its search for the brk segment at (BRK_SEARCH_START); kept as a
// constant offset from the map's own base rather than hardcoded absolute
// address, since this core's maps aren't pinned to one architecture's
// fixed user layout.
const BrkSearchStart = 4096 * physmem.PageSize

// NewMap creates an empty address space spanning [lo, hi) backed by pm and
// allocating physical pages from alloc.
func NewMap(pm *pmap.Pmap, alloc *physmem.Allocator, lo, hi uintptr) *Map {
	return &Map{pm: pm, alloc: alloc, lo: lo, hi: hi}
}

// kernelMap is the one address space every kernel mapping lives in,
// analogous to pmap.Kernel().
var kernelMap = NewMap(pmap.Kernel(), nil, 0, 0)

// Kernel returns the kernel's own address space. SetKernelBounds must be
// called once at boot before it is used (the kernel map's span depends on
// how much KVA vmem carved out, unlike user maps whose bounds are fixed at
// creation).
func Kernel() *Map { return kernelMap }

// SetKernelBounds finishes initializing the kernel map once boot knows how
// much address space and physical memory it has.
func SetKernelBounds(alloc *physmem.Allocator, lo, hi uintptr) {
	kernelMap.mu.Lock()
	defer kernelMap.mu.Unlock()
	kernelMap.alloc = alloc
	kernelMap.lo, kernelMap.hi = lo, hi
}

// SetKernelBoundsFromConfig derives the kernel map's span from the boot
// environment (spec.md §6): the KVA region starts right above configured
// physical memory's end (or memsize, if mem_end wasn't given explicitly)
// and runs for the same number of bytes again, giving the kernel at least
// as much virtual address space as it has physical memory to back it with.
func SetKernelBoundsFromConfig(alloc *physmem.Allocator, cfg *bootargs.Config) {
	physEnd := cfg.MemEnd
	if physEnd == 0 {
		physEnd = cfg.MemSize
	}
	SetKernelBounds(alloc, uintptr(physEnd), uintptr(2*physEnd))
}

func (m *Map) indexOf(start uintptr) int {
	return sort.Search(len(m.segments), func(i int) bool { return m.segments[i].Start >= start })
}

func (m *Map) overlaps(start, end uintptr) bool {
	for _, s := range m.segments {
		if start < s.End && s.Start < end {
			return true
		}
	}
	return false
}

// AllocSegment inserts a new segment spanning [start, end) backed by a
// freshly created object of the given pager, failing if the range is
// outside the map's bounds or overlaps an existing segment.
func (m *Map) AllocSegment(start, end uintptr, prot pmap.Prot, pager Pager, shared bool) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if start >= end || start < m.lo || end > m.hi {
		return nil, fmt.Errorf("vm: segment [%#x,%#x) out of map bounds", start, end)
	}
	if m.overlaps(start, end) {
		return nil, fmt.Errorf("vm: segment [%#x,%#x) overlaps an existing mapping", start, end)
	}

	seg := &Segment{Start: start, End: end, Prot: prot, Shared: shared, object: NewObject(pager)}
	if !shared {
		seg.amap = NewAmap(int(end-start) / physmem.PageSize)
	}

	i := m.indexOf(start)
	m.segments = append(m.segments, nil)
	copy(m.segments[i+1:], m.segments[i:])
	m.segments[i] = seg
	return seg, nil
}

// FindSegment returns the segment containing va, if any.
func (m *Map) FindSegment(va uintptr) (*Segment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findSegmentLocked(va)
}

func (m *Map) findSegmentLocked(va uintptr) (*Segment, bool) {
	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].End > va })
	if i < len(m.segments) && m.segments[i].contains(va) {
		return m.segments[i], true
	}
	return nil, false
}

// FindSpace locates a gap of at least length bytes within the map's
// bounds that doesn't overlap any existing segment, scanning segments in
// address order the way vm_map_findspace does, and returns its base.
func (m *Map) FindSpace(length uintptr) (uintptr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cursor := m.lo
	for _, s := range m.segments {
		if s.Start-cursor >= length {
			return cursor, nil
		}
		if s.End > cursor {
			cursor = s.End
		}
	}
	if m.hi-cursor >= length {
		return cursor, nil
	}
	return 0, fmt.Errorf("vm: no gap of %d bytes in map", length)
}

// Protect changes the protection of the segment covering [start, end),
// updating any already-mapped pages in the range to match.
func (m *Map) Protect(start, end uintptr, prot pmap.Prot) errno.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.findSegmentLocked(start)
	if !ok || seg.End < end {
		return errno.EINVAL
	}
	seg.Prot = prot
	for va := start; va < end; va += physmem.PageSize {
		if _, _, ok := m.pm.Lookup(va); ok {
			m.pm.Protect(va, prot)
		}
	}
	return errno.OK
}

// Resize grows or shrinks seg's end address in place (vm_map_resize,
// underlying sbrk). Shrinking releases the pages and amap slots in the
// vacated range. The original implementation this is grounded on had a
// bug when shrinking by more than the segment's current size, under-
// flowing the new length; this port clamps the new end to the segment's
// start instead of trusting the caller's arithmetic (spec.md §9's noted
// fix).
func (m *Map) Resize(seg *Segment, newEnd uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newEnd < seg.Start {
		newEnd = seg.Start // clamp: never shrink past the segment's own start
	}
	if newEnd > m.hi {
		return fmt.Errorf("vm: resize would exceed map bounds")
	}
	if i := m.indexOf(seg.Start) + 1; i < len(m.segments) && newEnd > m.segments[i].Start {
		return fmt.Errorf("vm: resize would overlap the next segment")
	}

	if newEnd < seg.End {
		for va := newEnd; va < seg.End; va += physmem.PageSize {
			m.pm.Remove(va)
		}
		freed := seg.object.RemoveRange(newEnd-seg.Start, seg.End-seg.Start)
		for _, pa := range freed {
			m.alloc.Free(physmem.Page{PA: pa, Order: 0})
		}
		if seg.amap != nil {
			for slot := int(newEnd-seg.Start) / physmem.PageSize; slot < seg.amap.nslots; slot++ {
				seg.amap.Remove(slot, m.alloc)
			}
		}
	}
	seg.End = newEnd
	return nil
}

// Sbrk grows or shrinks the map's brk segment by incr bytes (vm_map_sbrk),
// returning the break's new end address. incr may be negative to shrink;
// the first call lazily creates the brk segment at BrkSearchStart (relative
// to the map's own base), matching the original's fixed search start. The
// break may never be shrunk below BrkSearchStart — Resize's own clamp
// already prevents shrinking past a segment's Start, so a negative incr
// that would underflow simply stops there rather than wrapping.
func (m *Map) Sbrk(incr int64) (uintptr, error) {
	m.mu.Lock()
	seg := m.brk
	m.mu.Unlock()

	if seg == nil {
		if incr <= 0 {
			return m.lo + BrkSearchStart, nil // nothing to shrink before the break exists
		}
		start := m.lo + BrkSearchStart
		var err error
		seg, err = m.AllocSegment(start, start+uintptr(incr), pmap.ProtRead|pmap.ProtWrite, PagerAnon, false)
		if err != nil {
			return 0, err
		}
		m.mu.Lock()
		m.brk = seg
		m.mu.Unlock()
		return seg.End, nil
	}

	newEnd := seg.End
	if incr >= 0 {
		newEnd += uintptr(incr)
	} else if shrink := uintptr(-incr); shrink <= seg.End-seg.Start {
		newEnd = seg.End - shrink
	} else {
		newEnd = seg.Start
	}
	if err := m.Resize(seg, newEnd); err != nil {
		return 0, err
	}
	return seg.End, nil
}

// PageFault handles a fault at va (vm_page_fault): finding the covering
// segment, checking the access against its protection, and resolving a
// page to map — from the private amap if one already exists there,
// breaking copy-on-write first if the access is a write to a shared anon;
// otherwise from the underlying object; otherwise a fresh zero-filled
// page for anonymous memory.
func (m *Map) PageFault(ctx context.Context, va uintptr, write bool) errno.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.findSegmentLocked(va)
	if !ok {
		return errno.EFAULT
	}
	if write && seg.Prot&pmap.ProtWrite == 0 {
		return errno.EACCES
	}

	off := va - seg.Start
	pageOff := util.Rounddown(off, uintptr(physmem.PageSize))

	if seg.amap != nil {
		slot := int(pageOff) / physmem.PageSize
		if a, ok := seg.amap.Lookup(slot); ok {
			if write && a.Shared() {
				fresh, err := a.Copy(ctx, m.alloc)
				if err != nil {
					return errno.ENOMEM
				}
				a.Drop(m.alloc)
				seg.amap.Replace(slot, fresh)
				a = fresh
			}
			m.pm.Enter(va, a.PA(), seg.Prot)
			return errno.OK
		}
	}

	if pa, ok := seg.object.FindPage(pageOff); ok {
		m.pm.Enter(va, pa, seg.Prot)
		return errno.OK
	}

	switch seg.object.pager {
	case PagerDummy:
		return errno.EFAULT
	case PagerDevice:
		return errno.EFAULT // device pages must be pre-populated via AddPage
	}

	p, err := m.alloc.AllocPage(ctx)
	if err != nil {
		return errno.ENOMEM
	}
	pmap.ZeroPage(p.PA)

	if seg.Shared {
		seg.object.AddPage(pageOff, p.PA)
	} else {
		a := NewAnon(p.PA)
		slot := int(pageOff) / physmem.PageSize
		seg.amap.Add(slot, a)
	}
	m.pm.Enter(va, p.PA, seg.Prot)
	return errno.OK
}

// Clone creates a new address space sharing this one's segments: a shared
// segment's object is ref-counted and handed to the clone directly
// (writes through either map are mutually visible), while a private
// segment's amap is ref-counted and cloned so both address spaces share
// its anons lazily until one of them writes and breaks copy-on-write —
// vm_map_clone.
func (m *Map) Clone(childPmap *pmap.Pmap) *Map {
	m.mu.RLock()
	defer m.mu.RUnlock()

	child := NewMap(childPmap, m.alloc, m.lo, m.hi)
	for _, s := range m.segments {
		clone := &Segment{Start: s.Start, End: s.End, Prot: s.Prot, Shared: s.Shared}
		if s.Shared {
			clone.object = s.object.Clone()
		} else {
			clone.object = s.object.Clone()
			clone.amap = s.amap.Clone()
		}
		child.segments = append(child.segments, clone)
	}
	return child
}

// Destroy unmaps every segment and releases its backing object/amap
// references, freeing any pages whose last reference that drops.
func (m *Map) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, seg := range m.segments {
		for va := seg.Start; va < seg.End; va += physmem.PageSize {
			m.pm.Remove(va)
		}
		if seg.object.Unref() {
			freed := seg.object.RemoveRange(0, seg.End-seg.Start)
			for _, pa := range freed {
				m.alloc.Free(physmem.Page{PA: pa, Order: 0})
			}
		}
		if seg.amap != nil {
			seg.amap.Unref(m.alloc)
		}
	}
	m.segments = nil
}
