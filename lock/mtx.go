// Package lock implements the kernel's core synchronization primitives
// (spec.md §5): a blocking mutex with priority-inheriting turnstiles, a
// busy-wait spinlock, a writer-preferring rwlock, and a condition
// variable. Locking semantics are grounded directly on the original
// Mimiker sources rather than the teacher (which has no equivalent
// blocking-mutex abstraction of its own): mtx on
// original_source/sys/kern/mutex.c, rwlock on original_source/sys/rwlock.c,
// condvar on original_source/sys/kern/condvar.c.
package lock

import (
	"context"
	"sync/atomic"
	"unsafe"

	"mimiker/turnstile"
)

// globalTurnstiles is the one turnstile table every Mtx in the kernel
// contests through, matching the original's single global set of turnstile
// chains (include/sys/turnstile.h) rather than giving each lock its own.
var globalTurnstiles = turnstile.New()

// Mtx is a blocking, priority-inheriting mutex. Uncontended lock/unlock is
// a single CAS; a contended acquire registers the caller on the global
// turnstile table, donating its priority to whichever thread currently
// holds the lock.
type Mtx struct {
	owner unsafe.Pointer // *ownerBox wrapping the turnstile.Owner holding the lock, nil if free
}

func (m *Mtx) key() turnstile.Key {
	return turnstile.Key(uintptr(unsafe.Pointer(m)))
}

// ownerBox boxes an Owner so atomic.CompareAndSwapPointer has a stable
// pointer identity to swap, since turnstile.Owner is an interface value
// rather than something CAS can compare directly.
type ownerBox struct {
	o turnstile.Owner
}

// Lock acquires the mutex, blocking self (the calling thread, providing
// its own priority for propagation) until the lock is free. Unlike the
// spinlock below, a blocked thread here is descheduled entirely rather
// than busy-waiting.
func (m *Mtx) Lock(ctx context.Context, self turnstile.Owner) error {
	mine := unsafe.Pointer(&ownerBox{self})
	for {
		if atomic.CompareAndSwapPointer(&m.owner, nil, mine) {
			globalTurnstiles.SetOwner(m.key(), self)
			return nil
		}
		if cur := (*ownerBox)(atomic.LoadPointer(&m.owner)); cur != nil {
			globalTurnstiles.SetOwner(m.key(), cur.o)
		}
		if err := globalTurnstiles.Wait(ctx, m.key(), self); err != nil {
			return err
		}
		// Woken by Unlock's broadcast; loop to race for ownership again.
	}
}

// TryLock attempts to acquire the mutex without blocking, reporting
// success.
func (m *Mtx) TryLock(self turnstile.Owner) bool {
	mine := unsafe.Pointer(&ownerBox{self})
	if atomic.CompareAndSwapPointer(&m.owner, nil, mine) {
		globalTurnstiles.SetOwner(m.key(), self)
		return true
	}
	return false
}

// Unlock releases the mutex. It always broadcasts to every contending
// waiter rather than signaling a single one — original_source/sys/kern
// /mutex.c does the same, citing that handing the lock directly to one
// chosen waiter would need the turnstile itself to arbitrate who that is
// while the CAS-based fast path can race a completely new acquirer in
// first; broadcasting and letting every waiter re-race the CAS keeps that
// decision where the fast path already makes it.
func (m *Mtx) Unlock() {
	atomic.StorePointer(&m.owner, nil)
	globalTurnstiles.Broadcast(m.key())
}

// Owner returns the thread currently holding the lock, or nil if it is
// free.
func (m *Mtx) Owner() turnstile.Owner {
	cur := (*ownerBox)(atomic.LoadPointer(&m.owner))
	if cur == nil {
		return nil
	}
	return cur.o
}
