// Package pmap is the architecture-neutral page-table abstraction spec.md
// §2 calls for: every caller above this package talks only in virtual
// addresses, protection bits, and the four pmap_is/clear_{modified,
// referenced} accessors — never in PTE bit layouts. The teacher's vm/as.go
// hard-codes x86 PTE_P/PTE_W/PTE_U/PTE_COW bits directly into Vm_t, which
// the spec explicitly forbids for a kernel meant to target MIPS, AArch64
// and RISC-V. This package instead keeps a software-simulated page table
// (a map keyed by virtual address) and a simulated physical memory image
// behind it, with reference/modified bits tracked explicitly rather than
// read out of hardware PTEs — the same technique pmap_emulate_bits (spec.md
// §2, and original_source/include/sys/pmap.h) uses on MMUs that don't
// implement R/M bits at all.
package pmap

import (
	"sync"

	"mimiker/errno"
	"mimiker/physmem"
	"mimiker/util"
)

// Prot is a bitmask of page permissions, independent of any architecture's
// PTE encoding.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

type entry struct {
	pa         uintptr
	prot       Prot
	referenced bool
	modified   bool
}

// Pmap is one address space's page table. The kernel pmap (Kernel()) maps
// the kernel's own portion of the address space and is shared by every
// process; user pmaps are created with New.
type Pmap struct {
	mu      sync.Mutex
	entries map[uintptr]*entry
	active  bool
}

var kernelPmap = &Pmap{entries: map[uintptr]*entry{}}

// activeMu guards activeUser, the pmap most recently passed to Activate.
var (
	activeMu   sync.Mutex
	activeUser *Pmap
)

// Kernel returns the pmap backing the kernel's own mappings.
func Kernel() *Pmap { return kernelPmap }

// New creates an empty pmap for a new address space.
func New() *Pmap {
	return &Pmap{entries: map[uintptr]*entry{}}
}

// Activate marks p the active pmap. Since this core models a single
// logical CPU (spec.md non-goal: no SMP), there is at most one active pmap
// at a time; it stands in for loading a hardware TLB/ASID register.
func (p *Pmap) Activate() {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeUser != nil && activeUser != p {
		activeUser.mu.Lock()
		activeUser.active = false
		activeUser.mu.Unlock()
	}
	activeUser = p

	kernelPmap.mu.Lock()
	kernelPmap.active = false
	kernelPmap.mu.Unlock()

	p.mu.Lock()
	p.active = true
	p.mu.Unlock()
}

func pageAlign(va uintptr) uintptr {
	return util.Rounddown(va, uintptr(physmem.PageSize))
}

// Enter creates or overwrites the mapping of one page at va to the physical
// page pa with the given protection. A freshly entered mapping starts
// unreferenced and unmodified.
func (p *Pmap) Enter(va, pa uintptr, prot Prot) {
	va = pageAlign(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[va] = &entry{pa: pa, prot: prot}
}

// Remove unmaps the page at va, if mapped.
func (p *Pmap) Remove(va uintptr) {
	va = pageAlign(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, va)
}

// Protect changes the permitted access of an already-mapped page, e.g.
// stripping ProtWrite to arm a copy-on-write fault.
func (p *Pmap) Protect(va uintptr, prot Prot) errno.Errno {
	va = pageAlign(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[va]
	if !ok {
		return errno.EFAULT
	}
	e.prot = prot
	return errno.OK
}

// Extract returns the physical address a virtual page is mapped to.
func (p *Pmap) Extract(va uintptr) (uintptr, bool) {
	va = pageAlign(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[va]
	if !ok {
		return 0, false
	}
	return e.pa, true
}

// Lookup reports the physical address and protection a page is mapped
// with, without the referenced/modified bits Extract's callers don't need.
func (p *Pmap) Lookup(va uintptr) (pa uintptr, prot Prot, ok bool) {
	va = pageAlign(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[va]
	if !ok {
		return 0, 0, false
	}
	return e.pa, e.prot, true
}

// KEnter maps a page into the kernel pmap. Kernel mappings are never
// demand-paged, so there's no separate "kernel fault" path: KEnter always
// succeeds immediately.
func KEnter(va, pa uintptr, prot Prot) {
	Kernel().Enter(va, pa, prot)
}

// KRemove unmaps a page previously mapped with KEnter.
func KRemove(va uintptr) {
	Kernel().Remove(va)
}

// IsModified reports whether the page at va has been written since the
// mapping was entered or ClearModified was last called.
func (p *Pmap) IsModified(va uintptr) bool {
	va = pageAlign(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[va]; ok {
		return e.modified
	}
	return false
}

// ClearModified resets the modified bit for the page at va.
func (p *Pmap) ClearModified(va uintptr) {
	va = pageAlign(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[va]; ok {
		e.modified = false
	}
}

// IsReferenced reports whether the page at va has been accessed since the
// mapping was entered or ClearReferenced was last called.
func (p *Pmap) IsReferenced(va uintptr) bool {
	va = pageAlign(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[va]; ok {
		return e.referenced
	}
	return false
}

// ClearReferenced resets the referenced bit for the page at va.
func (p *Pmap) ClearReferenced(va uintptr) {
	va = pageAlign(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[va]; ok {
		e.referenced = false
	}
}

// EmulateBits stands in for pmap_emulate_bits: on hardware with no R/M
// bits, the MMU instead traps on every access and the trap handler must
// set referenced (and, for a write, modified) itself. write reports
// whether the faulting access was a store; an access to a page without
// write permission returns EACCES without setting modified.
func (p *Pmap) EmulateBits(va uintptr, write bool) errno.Errno {
	va = pageAlign(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[va]
	if !ok {
		return errno.EFAULT
	}
	e.referenced = true
	if write {
		if e.prot&ProtWrite == 0 {
			return errno.EACCES
		}
		e.modified = true
	}
	return errno.OK
}

// physical memory image backing ZeroPage/CopyPage, simulating the direct
// map the teacher's mem.Dmap provides over real hardware memory.
var (
	memMu sync.Mutex
	mem   = map[uintptr][]byte{}
)

func backing(pa uintptr) []byte {
	memMu.Lock()
	defer memMu.Unlock()
	b, ok := mem[pa]
	if !ok {
		b = make([]byte, physmem.PageSize)
		mem[pa] = b
	}
	return b
}

// ZeroPage fills the physical page pa with zero bytes.
func ZeroPage(pa uintptr) {
	b := backing(pa)
	for i := range b {
		b[i] = 0
	}
}

// CopyPage copies the contents of physical page src into physical page dst.
func CopyPage(dst, src uintptr) {
	d, s := backing(dst), backing(src)
	copy(d, s)
}

// Read returns a copy of the bytes currently stored in physical page pa,
// for tests and diagnostics that need to observe simulated memory content.
func Read(pa uintptr) []byte {
	b := backing(pa)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Write stores data into physical page pa starting at offset off.
func Write(pa uintptr, off int, data []byte) {
	b := backing(pa)
	copy(b[off:], data)
}
