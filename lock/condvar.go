package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"mimiker/sleepq"
)

// globalSleepq is the sleep queue table every Condvar in the kernel blocks
// through, analogous to globalTurnstiles for Mtx.
var globalSleepq = sleepq.New()

// Condvar is a condition variable whose Wait releases an externally held
// lock while blocked, matching original_source/sys/kern/condvar.c. Signal
// and Broadcast are no-ops when nothing is waiting (tracked by a cheap
// atomic counter) rather than paying for a sleep-queue lookup that would
// find nothing — cv_signal and cv_broadcast take the same shortcut in the
// original.
type Condvar struct {
	waiters int32
}

// NewCondvar creates an empty condition variable.
func NewCondvar() *Condvar { return &Condvar{} }

func (cv *Condvar) key() sleepq.Key {
	return sleepq.Key(uintptr(unsafe.Pointer(cv)))
}

// Wait releases locked for the duration of the wait and reacquires it
// before returning, whether woken normally or via ctx cancellation.
func (cv *Condvar) Wait(ctx context.Context, locked sync.Locker, prio int) error {
	atomic.AddInt32(&cv.waiters, 1)
	locked.Unlock()
	err := globalSleepq.Wait(ctx, cv.key(), prio)
	atomic.AddInt32(&cv.waiters, -1)
	locked.Lock()
	return err
}

// Signal wakes at most one waiter, or does nothing if none are waiting.
func (cv *Condvar) Signal() bool {
	if atomic.LoadInt32(&cv.waiters) == 0 {
		return false
	}
	return globalSleepq.Signal(cv.key())
}

// Broadcast wakes every waiter, or does nothing if none are waiting.
func (cv *Condvar) Broadcast() int {
	if atomic.LoadInt32(&cv.waiters) == 0 {
		return 0
	}
	return globalSleepq.Broadcast(cv.key())
}
