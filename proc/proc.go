// Package proc is the process container of spec.md §3: it groups threads,
// owns a VM map, a file descriptor table, credentials, and the signal
// disposition table, and provides the p_lock serializing signal posting
// and process-group operations — grounded on original_source/include/
// proc.h's proc_t (p_lock/p_threads/p_pid/p_parent/p_uspace/p_fdtable),
// widened where spec.md §3 asks for more (session/pgrp membership,
// credentials) than the original's single-threaded teaching kernel
// tracked. File descriptor contents are a filesystem concern out of this
// core's scope (spec.md §1's Non-goals); FDTable here only manages slot
// allocation the way the teacher's fd.Fd_t/Cwd_t pairing does, leaving
// each slot's backing object opaque.
package proc

import (
	"sync"

	"github.com/google/btree"

	"mimiker/errno"
	"mimiker/ksignal"
	"mimiker/kthread"
	"mimiker/pmap"
	"mimiker/vm"
)

const degree = 32

// Credentials is a process's identity for permission checks (uid/gid,
// real vs. effective, matching the teacher's distinction between the
// credentials a process was created with and what it may have
// setuid'd to).
type Credentials struct {
	UID, EUID int
	GID, EGID int
}

// FDEntry is one slot in a process's file descriptor table. File is left
// opaque (any) since this core treats the VFS only through the vnode
// contract vm's pagers consume — the actual fdops.Fdops_i-equivalent
// implementation lives entirely outside this core's scope.
type FDEntry struct {
	File  any
	Perms int
}

// FDTable is a process's open-file-descriptor table, grounded on the
// teacher's fd.Fd_t slot-array convention.
type FDTable struct {
	mu    sync.Mutex
	slots []*FDEntry
}

// NewFDTable creates an empty table.
func NewFDTable() *FDTable { return &FDTable{} }

// Install allocates the lowest free slot for entry and returns its fd
// number (dup2-less open/socket/pipe path).
func (t *FDTable) Install(entry *FDEntry) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = entry
			return i
		}
	}
	t.slots = append(t.slots, entry)
	return len(t.slots) - 1
}

// Get returns the entry at fd, if open.
func (t *FDTable) Get(fd int) (*FDEntry, errno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, errno.EINVAL
	}
	return t.slots[fd], errno.OK
}

// Close clears fd's slot.
func (t *FDTable) Close(fd int) errno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return errno.EINVAL
	}
	t.slots[fd] = nil
	return errno.OK
}

// Fork returns a copy of t sharing every open entry (the fork(2)
// contract: descriptors are shared by default until one side execve's or
// closes its own copy).
func (t *FDTable) Fork() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := &FDTable{slots: append([]*FDEntry(nil), t.slots...)}
	return clone
}

// Proc is a process: the container spec.md §3 describes.
type Proc struct {
	mu sync.Mutex // p_lock: serializes signal posting and pgrp operations

	PID    int
	Parent *Proc

	Threads []*kthread.Thread
	Map     *vm.Map
	FDs     *FDTable
	Signals *ksignal.Proc
	Creds   Credentials

	Cwd string

	Session int
	PGID    int
}

type pidItem struct{ p *Proc }

func (a pidItem) Less(than btree.Item) bool { return a.p.PID < than.(pidItem).p.PID }

// Table is the kernel-wide set of live processes, indexed by pid
// (proc_find's backing structure).
type Table struct {
	mu   sync.Mutex
	tree *btree.BTree
	next int
}

// NewTable creates an empty process table, pids starting at 1 (pid 0 is
// reserved, matching the teacher's convention that 0 is never a valid
// user-visible id).
func NewTable() *Table {
	return &Table{tree: btree.New(degree), next: 1}
}

// Create allocates a new process, registers it in the table, and links it
// to parent (nil for the first process). The returned process has no
// threads yet; callers add them via Populate.
func (tb *Table) Create(parent *Proc, m *vm.Map) *Proc {
	tb.mu.Lock()
	pid := tb.next
	tb.next++
	tb.mu.Unlock()

	p := &Proc{
		PID:     pid,
		Parent:  parent,
		Map:     m,
		FDs:     NewFDTable(),
		Signals: ksignal.NewProc(),
		Cwd:     "/",
	}
	if parent != nil {
		p.Creds = parent.Creds
		p.Session = parent.Session
		p.PGID = parent.PGID
		p.Cwd = parent.Cwd
	}

	tb.mu.Lock()
	tb.tree.ReplaceOrInsert(pidItem{p})
	tb.mu.Unlock()
	return p
}

// Find looks up a process by pid (proc_find).
func (tb *Table) Find(pid int) (*Proc, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	item := tb.tree.Get(pidItem{&Proc{PID: pid}})
	if item == nil {
		return nil, false
	}
	return item.(pidItem).p, true
}

// Remove deletes a process's entry from the table, called once it has
// been reaped (its threads joined and its VM map destroyed).
func (tb *Table) Remove(p *Proc) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tree.Delete(pidItem{p})
}

// Len reports how many processes are currently registered.
func (tb *Table) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tree.Len()
}

// Populate links th to p, the way proc_populate updates p_threads/
// p_nthreads and the thread's back-pointer (kept here rather than on
// kthread.Thread itself, to avoid a proc <-> kthread import cycle: the
// back-link lives on this side only).
func (p *Proc) Populate(th *kthread.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Threads = append(p.Threads, th)
}

// WithLock runs fn with p_lock held, for signal posting and process-group
// operations that must be serialized against each other (spec.md §3).
func (p *Proc) WithLock(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

// Fork creates a child process sharing this process's VM map via COW
// (vm.Map.Clone), duplicating the FD table and inheriting the signal
// disposition table verbatim (POSIX fork semantics: dispositions are
// inherited, pending signals are not).
func (p *Proc) Fork(tb *Table, childPmap *pmap.Pmap) *Proc {
	p.mu.Lock()
	defer p.mu.Unlock()

	child := tb.Create(p, p.Map.Clone(childPmap))
	child.FDs = p.FDs.Fork()
	for sig := ksignal.Signo(1); int(sig) < ksignal.NSIG; sig++ {
		act := p.Signals.Action(sig)
		child.Signals.SetAction(sig, act)
	}
	return child
}
