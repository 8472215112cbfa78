// Package sleepq implements the kernel's sleep queues (spec.md §5): a hash
// of wait channels, each holding its blocked waiters ordered by priority,
// used by condition variables and any other "block until someone signals
// this address" primitive that isn't itself a contested lock (locks use
// the related turnstile package instead, so that their blocked waiters can
// donate priority to the lock owner).
//
// The bucketed, per-bucket-locked design is grounded on the teacher's
// hashtable.Hashtable_t (hashtable/hashtable.go): this package keeps the
// sharded-bucket shape but drops the lock-free unsafe.Pointer load/store
// trick (sleep queues are already serialized through each bucket's mutex
// while a waiter blocks, so there's no hot lock-free read path to
// optimize for) and replaces the untyped interface{} keys with the typed
// Key (a uintptr address).
package sleepq

import (
	"context"
	"sort"
	"sync"
)

const bucketCount = 64

// Key identifies a wait channel: any stable address-like value distinct
// callers can agree on (e.g. the address of the struct that a condvar
// lives in).
type Key uintptr

type waiter struct {
	prio int
	seq  int64
	wake chan struct{}
}

type bucket struct {
	mu    sync.Mutex
	queue map[Key][]*waiter
}

// Table is a hash of wait channels to their blocked waiter lists.
type Table struct {
	buckets [bucketCount]*bucket
	seq     int64
	seqMu   sync.Mutex
}

// New creates an empty sleep queue table.
func New() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i] = &bucket{queue: map[Key][]*waiter{}}
	}
	return t
}

func (t *Table) bucketFor(key Key) *bucket {
	return t.buckets[uint64(key)%bucketCount]
}

func (t *Table) nextSeq() int64 {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	t.seq++
	return t.seq
}

// Ticket pairs a wait channel with one waiter on it. Wait does not return
// one, and no function in this package takes one.
type Ticket struct {
	key Key
	w   *waiter
}

// insertSorted adds w to a bucket's queue for key, keeping the slice ordered by
// priority descending (highest-priority waiter first), insertion order as
// tiebreak — sleepq_signal always wakes the head.
func insertSorted(list []*waiter, w *waiter) []*waiter {
	i := sort.Search(len(list), func(i int) bool {
		if list[i].prio != w.prio {
			return list[i].prio < w.prio
		}
		return list[i].seq > w.seq
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = w
	return list
}

func removeWaiter(list []*waiter, w *waiter) []*waiter {
	for i, e := range list {
		if e == w {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Wait blocks the calling goroutine on key until Signal or Broadcast wakes
// it, ctx is canceled (sleepq_wait_timed's timeout case, modeled as a
// context deadline). This package has no abort operation: nothing else
// can pull one specific waiter out of the queue. It returns nil if woken
// normally, or ctx.Err() if it had to tear itself out of the queue.
func (t *Table) Wait(ctx context.Context, key Key, prio int) error {
	b := t.bucketFor(key)
	w := &waiter{prio: prio, seq: t.nextSeq(), wake: make(chan struct{})}

	b.mu.Lock()
	b.queue[key] = insertSorted(b.queue[key], w)
	b.mu.Unlock()

	select {
	case <-w.wake:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		b.queue[key] = removeWaiter(b.queue[key], w)
		if len(b.queue[key]) == 0 {
			delete(b.queue, key)
		}
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Signal wakes the single highest-priority waiter on key, if any, and
// reports whether a waiter was woken.
func (t *Table) Signal(key Key) bool {
	b := t.bucketFor(key)
	b.mu.Lock()
	list := b.queue[key]
	if len(list) == 0 {
		b.mu.Unlock()
		return false
	}
	w := list[0]
	b.queue[key] = list[1:]
	if len(b.queue[key]) == 0 {
		delete(b.queue, key)
	}
	b.mu.Unlock()
	close(w.wake)
	return true
}

// Broadcast wakes every waiter currently blocked on key, returning the
// count woken.
func (t *Table) Broadcast(key Key) int {
	b := t.bucketFor(key)
	b.mu.Lock()
	list := b.queue[key]
	delete(b.queue, key)
	b.mu.Unlock()
	for _, w := range list {
		close(w.wake)
	}
	return len(list)
}

// Empty reports whether no thread is currently blocked on key.
func (t *Table) Empty(key Key) bool {
	b := t.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue[key]) == 0
}
