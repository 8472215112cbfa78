// Package vm implements the two-level on-demand/copy-on-write paging
// model of spec.md §4: a VM object holds the pages a pager is actually
// backing (anonymous memory, a device, or the dummy pager, which backs none), while an
// amap of anons sits above it as the per-mapping copy-on-write layer. The
// fault handler and vm_map segment bookkeeping live in map.go.
//
// This supersedes the teacher's vm.Vm_t (vm/as.go), which bakes x86 PTE
// bits (PTE_P/PTE_W/PTE_COW/PTE_WASCOW) directly into the address space
// struct; the spec's pmap is architecture-neutral, so the fault logic here
// only ever asks pmap for protection/mapping decisions and never inspects
// a PTE directly. The object's page index is grounded on the ordered-index
// technique this module takes from gvisor via google/btree, used earlier
// for vmem's boundary tags.
package vm

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

const degree = 32

// Pager identifies what backs a VM object's pages.
type Pager int

const (
	// PagerAnon serves pages from anonymous (non-file-backed) memory,
	// zero-filled on first access.
	PagerAnon Pager = iota
	// PagerDummy never produces a page; used for guard segments that
	// must always fault.
	PagerDummy
	// PagerDevice serves a fixed, pre-established mapping (e.g. an MMIO
	// range) and never allocates or frees pages itself.
	PagerDevice
)

type objPage struct {
	offset uintptr
	pa     uintptr
}

type pageItem struct{ p *objPage }

func (a pageItem) Less(than btree.Item) bool {
	return a.p.offset < than.(pageItem).p.offset
}

// Object is a pager-backed store of resident pages, indexed by offset.
// Multiple VM map segments (possibly in different address spaces, after
// fork) can share one Object by holding a reference to it.
type Object struct {
	mu     sync.Mutex
	pager  Pager
	pages  *btree.BTree
	refcnt int32
}

// NewObject creates an empty object backed by the given pager, with an
// initial reference count of 1.
func NewObject(pager Pager) *Object {
	return &Object{pager: pager, pages: btree.New(degree), refcnt: 1}
}

// Ref bumps the object's reference count, e.g. when a new segment starts
// sharing it.
func (o *Object) Ref() { atomic.AddInt32(&o.refcnt, 1) }

// Unref drops the object's reference count, reporting whether it reached
// zero (in which case the caller should release the object's pages).
func (o *Object) Unref() bool {
	return atomic.AddInt32(&o.refcnt, -1) == 0
}

// AddPage inserts or overwrites the resident page at offset.
func (o *Object) AddPage(offset, pa uintptr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages.ReplaceOrInsert(pageItem{&objPage{offset: offset, pa: pa}})
}

// FindPage looks up the resident page at offset, if any.
func (o *Object) FindPage(offset uintptr) (uintptr, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item := o.pages.Get(pageItem{&objPage{offset: offset}})
	if item == nil {
		return 0, false
	}
	return item.(pageItem).p.pa, true
}

// RemovePage deletes the resident page at offset, if present.
func (o *Object) RemovePage(offset uintptr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages.Delete(pageItem{&objPage{offset: offset}})
}

// RemoveRange deletes every resident page whose offset falls in
// [start, end), used when a vm_map segment shrinks or is destroyed.
func (o *Object) RemoveRange(start, end uintptr) []uintptr {
	o.mu.Lock()
	defer o.mu.Unlock()
	var removed []uintptr
	var victims []*objPage
	o.pages.AscendRange(pageItem{&objPage{offset: start}}, pageItem{&objPage{offset: end}}, func(item btree.Item) bool {
		victims = append(victims, item.(pageItem).p)
		return true
	})
	for _, v := range victims {
		o.pages.Delete(pageItem{v})
		removed = append(removed, v.pa)
	}
	return removed
}

// Clone aliases the object for a second segment sharing the same backing
// store (map.go's fork path calls it for every segment, shared or
// private): it bumps the refcount and returns the same Object rather than
// copying its resident pages. A pager-backed Object holds the store
// itself (the zero-filled or device-backed pages a pager produces), which
// both parent and child must keep observing identically after fork; the
// per-mapping copy-on-write behavior a private segment needs lives one
// layer up, in the Amap/anon Clone that map.go also performs for that
// segment. See DESIGN.md's vm/object.go entry for why this diverges from
// a literal deep-copy of resident pages.
func (o *Object) Clone() *Object {
	o.Ref()
	return o
}

// Len reports how many pages are currently resident, for tests and stats.
func (o *Object) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pages.Len()
}
