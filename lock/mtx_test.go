package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mimiker/turnstile"
)

type fakeThread struct {
	mu   sync.Mutex
	prio int
	base int
}

func newFakeThread(prio int) *fakeThread { return &fakeThread{prio: prio, base: prio} }
func (f *fakeThread) Priority() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prio
}
func (f *fakeThread) SetPriority(p int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prio = p
}
func (f *fakeThread) BasePriority() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.base
}
func (f *fakeThread) BlockedOn() (turnstile.Key, bool) { return 0, false }

func TestMtxUncontendedLockUnlock(t *testing.T) {
	var m Mtx
	self := newFakeThread(1)
	assert.NoError(t, m.Lock(context.Background(), self))
	assert.Same(t, self, m.Owner())
	m.Unlock()
	assert.Nil(t, m.Owner())
}

func TestMtxTryLockFailsWhenHeld(t *testing.T) {
	var m Mtx
	a, b := newFakeThread(1), newFakeThread(1)
	require := assert.New(t)
	require.True(m.TryLock(a))
	require.False(m.TryLock(b))
	m.Unlock()
	require.True(m.TryLock(b))
}

func TestMtxContendedLockWakesWaiter(t *testing.T) {
	var m Mtx
	holder := newFakeThread(1)
	assert.NoError(t, m.Lock(context.Background(), holder))

	waiter := newFakeThread(5)
	acquired := make(chan struct{})
	go func() {
		assert.NoError(t, m.Lock(context.Background(), waiter))
		close(acquired)
	}()

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 5, holder.Priority(), "contended waiter should donate priority to the holder")

	m.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the mutex")
	}
	assert.Same(t, waiter, m.Owner())
	m.Unlock()
}
