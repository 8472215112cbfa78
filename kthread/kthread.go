// Package kthread is the kernel thread control block and its lifecycle
// (spec.md §3): creation, voluntary and involuntary blocking, exit, join,
// and reap. Each Thread is backed by a goroutine, since there is no real
// hardware context to switch in a hosted process, but the single logical
// CPU the spec targets (no SMP) is enforced explicitly: only the thread
// currently holding the scheduler's run token may proceed, everyone else
// parks on their own channel until dispatched — so from the kernel model's
// point of view exactly one thread runs at a time, same as on real
// hardware with one core. The all-threads table is grounded on this
// module's earlier use of google/btree for ordered indices (vmem's
// boundary tags, vm's object page set): here it orders threads by tid for
// thread_find and for debugging dumps.
package kthread

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"mimiker/accnt"
	"mimiker/sched"
	"mimiker/turnstile"
	"mimiker/waitpt"
)

const degree = 32

// State is a thread's coarse lifecycle stage.
type State int

const (
	StateNew State = iota
	StateRunnable
	StateRunning
	StateBlocked
	StateSleeping
	StateDead
)

// Thread is the kernel's thread control block.
type Thread struct {
	tid  uint64
	prio int32 // atomic; current effective priority, possibly boosted
	base int32 // atomic; base priority, restored once a donation ends

	mu        sync.Mutex
	state     State
	blockedOn turnstile.Key
	isBlocked bool
	waitPoint waitpt.Point

	Acct accnt.Accnt

	runTok   chan struct{} // closed by the scheduler to let this thread proceed
	exitCh   chan struct{}
	exitOnce sync.Once
}

type tidItem struct{ t *Thread }

func (a tidItem) Less(than btree.Item) bool { return a.t.tid < than.(tidItem).t.tid }

// Table is the kernel-wide set of live threads, indexed by tid.
type Table struct {
	mu   sync.Mutex
	tree *btree.BTree
	next uint64
}

// NewTable creates an empty thread table.
func NewTable() *Table {
	return &Table{tree: btree.New(degree)}
}

// Create allocates a new thread control block at the given base priority
// and registers it in the table, in StateNew (not yet runnable — the
// caller must Add it to a sched.Scheduler to make it eligible to run).
func (tb *Table) Create(basePrio int) *Thread {
	tb.mu.Lock()
	tb.next++
	tid := tb.next
	tb.mu.Unlock()

	t := &Thread{
		tid:    tid,
		prio:   int32(basePrio),
		base:   int32(basePrio),
		state:  StateNew,
		runTok: make(chan struct{}),
		exitCh: make(chan struct{}),
	}

	tb.mu.Lock()
	tb.tree.ReplaceOrInsert(tidItem{t})
	tb.mu.Unlock()
	return t
}

// Find looks up a thread by tid.
func (tb *Table) Find(tid uint64) (*Thread, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	item := tb.tree.Get(tidItem{&Thread{tid: tid}})
	if item == nil {
		return nil, false
	}
	return item.(tidItem).t, true
}

// Reap removes a dead thread's entry from the table. Callers must only
// Reap a thread after Join has observed it exit; reaping a still-live
// thread is a caller bug.
func (tb *Table) Reap(t *Thread) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tree.Delete(tidItem{t})
}

// Len reports how many threads are currently registered (live or exited
// but not yet reaped).
func (tb *Table) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tree.Len()
}

// TID returns the thread's identifier.
func (t *Thread) TID() uint64 { return t.tid }

// Priority returns the thread's current effective priority, satisfying
// both turnstile.Owner and sched.Runnable.
func (t *Thread) Priority() int { return int(atomic.LoadInt32(&t.prio)) }

// SetPriority sets the thread's current effective priority (turnstile.Owner).
func (t *Thread) SetPriority(p int) { atomic.StoreInt32(&t.prio, int32(p)) }

// BasePriority returns the priority the thread reverts to once any
// donated boost ends (turnstile.Owner).
func (t *Thread) BasePriority() int { return int(atomic.LoadInt32(&t.base)) }

// SetBasePriority changes the thread's own priority, e.g. via a
// sched_set_prio-style API call, independent of any temporary donation.
func (t *Thread) SetBasePriority(p int) {
	atomic.StoreInt32(&t.base, int32(p))
	atomic.StoreInt32(&t.prio, int32(p))
}

// BlockedOn reports the turnstile key this thread is waiting on, if any
// (turnstile.Owner, used for transitive priority propagation).
func (t *Thread) BlockedOn() (turnstile.Key, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockedOn, t.isBlocked
}

// MarkBlocked records that the thread is now waiting on the given
// turnstile key and why (its wait-point, for postmortem diagnostics).
func (t *Thread) MarkBlocked(key turnstile.Key, point waitpt.Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockedOn = key
	t.isBlocked = true
	t.waitPoint = point
	t.state = StateBlocked
}

// MarkRunnable clears any recorded blocking state.
func (t *Thread) MarkRunnable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isBlocked = false
	t.state = StateRunnable
}

// WaitPoint returns the call site the thread last blocked at, for
// diagnostics.
func (t *Thread) WaitPoint() waitpt.Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitPoint
}

// State returns the thread's coarse lifecycle stage.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start launches the thread's goroutine body. The goroutine blocks on its
// run token before fn is invoked, so Start may be called well before the
// scheduler ever actually dispatches this thread.
func (t *Thread) Start(ctx context.Context, fn func(ctx context.Context, self *Thread)) {
	t.mu.Lock()
	t.state = StateRunnable
	t.mu.Unlock()

	go func() {
		select {
		case <-t.runTok:
		case <-ctx.Done():
			t.Exit()
			return
		}
		t.mu.Lock()
		t.state = StateRunning
		t.mu.Unlock()
		fn(ctx, t)
		t.Exit()
	}()
}

// Dispatch grants the thread permission to run, the handoff a sched.Scheduler
// performs after choosing this thread via Switch.
func (t *Thread) Dispatch() {
	close(t.runTok)
	t.runTok = make(chan struct{})
}

// Yield voluntarily gives up the CPU at a cooperative scheduling point,
// blocking until the scheduler Dispatches this thread again. The caller
// is responsible for having already re-added itself to the scheduler's run
// queue (sched.Scheduler.Add) before calling Yield — mirroring how
// sched_switch itself never implicitly requeues the outgoing thread.
func (t *Thread) Yield(ctx context.Context) error {
	t.mu.Lock()
	t.state = StateRunnable
	t.mu.Unlock()

	select {
	case <-t.runTok:
		t.mu.Lock()
		t.state = StateRunning
		t.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exit marks the thread dead and wakes any joiners. Safe to call more than
// once; only the first call has any effect.
func (t *Thread) Exit() {
	t.exitOnce.Do(func() {
		t.mu.Lock()
		t.state = StateDead
		t.mu.Unlock()
		close(t.exitCh)
	})
}

// Join blocks until the thread exits or ctx is canceled.
func (t *Thread) Join(ctx context.Context) error {
	select {
	case <-t.exitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ sched.Runnable = (*Thread)(nil)
var _ turnstile.Owner = (*Thread)(nil)
