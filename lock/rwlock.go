package lock

import (
	"context"
	"sync"
)

// RWLock is a writer-preferring reader/writer lock (spec.md §5): once a
// writer is waiting, new readers queue behind it rather than continuing to
// pile in ahead — the same policy, and the same lack of a reader-starvation
// fix, as original_source/sys/rwlock.c. TryUpgrade and Downgrade carry
// that file's exact preconditions: a reader may only upgrade in place if
// it is provably the sole reader, and a writer may always downgrade since
// nothing else could be holding the lock concurrently with it.
type RWLock struct {
	mu             sync.Mutex
	readers        int
	writer         bool
	waitingWriters int
	readerWake     chan struct{}
	writerWake     chan struct{}
}

// NewRWLock creates an unlocked rwlock.
func NewRWLock() *RWLock {
	return &RWLock{readerWake: make(chan struct{}), writerWake: make(chan struct{})}
}

func closeAndReplace(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

// RLock acquires the lock for reading, blocking while a writer holds it or
// a writer is waiting.
func (rw *RWLock) RLock(ctx context.Context) error {
	rw.mu.Lock()
	for rw.writer || rw.waitingWriters > 0 {
		ch := rw.readerWake
		rw.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		rw.mu.Lock()
	}
	rw.readers++
	rw.mu.Unlock()
	return nil
}

// RUnlock releases a read lock.
func (rw *RWLock) RUnlock() {
	rw.mu.Lock()
	rw.readers--
	if rw.readers == 0 {
		closeAndReplace(&rw.writerWake)
	}
	rw.mu.Unlock()
}

// Lock acquires the lock for writing, blocking until no reader or writer
// holds it.
func (rw *RWLock) Lock(ctx context.Context) error {
	rw.mu.Lock()
	rw.waitingWriters++
	for rw.writer || rw.readers > 0 {
		ch := rw.writerWake
		rw.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			rw.mu.Lock()
			rw.waitingWriters--
			rw.mu.Unlock()
			return ctx.Err()
		}
		rw.mu.Lock()
	}
	rw.waitingWriters--
	rw.writer = true
	rw.mu.Unlock()
	return nil
}

// Unlock releases a write lock.
func (rw *RWLock) Unlock() {
	rw.mu.Lock()
	rw.writer = false
	closeAndReplace(&rw.writerWake)
	if rw.waitingWriters == 0 {
		closeAndReplace(&rw.readerWake)
	}
	rw.mu.Unlock()
}

// TryUpgrade attempts to convert the caller's read lock into a write lock
// in place, succeeding only if the caller is provably the sole reader (no
// other reader could then observe a state change mid-upgrade) and no
// writer is already waiting (matching the writer-preferring policy: an
// in-place upgrade must not let a reader cut in front of a queued writer).
// On failure the caller still holds its read lock and must RUnlock then
// Lock instead.
func (rw *RWLock) TryUpgrade() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.readers == 1 && !rw.writer && rw.waitingWriters == 0 {
		rw.readers = 0
		rw.writer = true
		return true
	}
	return false
}

// Downgrade converts the caller's write lock into a read lock. This always
// succeeds: holding the write lock already guarantees no other reader or
// writer exists.
func (rw *RWLock) Downgrade() {
	rw.mu.Lock()
	rw.writer = false
	rw.readers = 1
	if rw.waitingWriters == 0 {
		closeAndReplace(&rw.readerWake)
	}
	rw.mu.Unlock()
}
