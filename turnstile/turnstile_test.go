package turnstile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeOwner struct {
	mu        sync.Mutex
	prio      int
	base      int
	blockedOn Key
	blocked   bool
}

func newFakeOwner(prio int) *fakeOwner { return &fakeOwner{prio: prio, base: prio} }

func (f *fakeOwner) Priority() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prio
}

func (f *fakeOwner) SetPriority(p int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prio = p
}

func (f *fakeOwner) BasePriority() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.base
}

func (f *fakeOwner) BlockedOn() (Key, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockedOn, f.blocked
}

func TestWaitDonatesPriorityToOwner(t *testing.T) {
	tb := New()
	const lockA = Key(1)

	low := newFakeOwner(1)
	tb.SetOwner(lockA, low)

	high := newFakeOwner(10)
	go func() {
		tb.Wait(context.Background(), lockA, high)
	}()
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 10, low.Priority(), "low-priority owner should inherit the waiter's priority")

	tb.Broadcast(lockA)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, low.Priority(), "priority resets to base once the lock is released")
}

func TestPropagatesTransitivelyThroughChain(t *testing.T) {
	tb := New()
	const lockA, lockB = Key(1), Key(2)

	bottom := newFakeOwner(1)
	tb.SetOwner(lockA, bottom)

	middle := newFakeOwner(2)
	middle.blocked = true
	middle.blockedOn = lockA
	tb.SetOwner(lockB, middle)

	top := newFakeOwner(9)
	go func() {
		tb.Wait(context.Background(), lockB, top)
	}()
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 9, middle.Priority())
	assert.Equal(t, 9, bottom.Priority(), "priority boost should propagate through the chain of owners")
}

func TestBroadcastWakesAllWaiters(t *testing.T) {
	tb := New()
	const key = Key(7)
	n := 3
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		w := newFakeOwner(i)
		go func() {
			tb.Wait(context.Background(), key, w)
			done <- struct{}{}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	woken := tb.Broadcast(key)
	assert.Equal(t, n, woken)
	for i := 0; i < n; i++ {
		<-done
	}
	assert.False(t, tb.Contested(key))
}

func TestWaitersOrderedByPriorityThenArrival(t *testing.T) {
	tb := New()
	const key = Key(42)

	low := newFakeOwner(1)
	high := newFakeOwner(9)
	mid := newFakeOwner(5)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); tb.Wait(context.Background(), key, low) }()
	time.Sleep(5 * time.Millisecond)
	go func() { defer wg.Done(); tb.Wait(context.Background(), key, high) }()
	time.Sleep(5 * time.Millisecond)
	go func() { defer wg.Done(); tb.Wait(context.Background(), key, mid) }()
	time.Sleep(5 * time.Millisecond)

	ts := tb.Take(key)
	ts.mu.Lock()
	require := assert.New(t)
	require.Len(ts.waiters, 3)
	require.Same(high, ts.waiters[0].owner, "highest priority waiter must be first despite arriving second")
	require.Same(mid, ts.waiters[1].owner)
	require.Same(low, ts.waiters[2].owner, "lowest priority waiter sorts last despite arriving first")
	ts.mu.Unlock()

	tb.Broadcast(key)
	wg.Wait()
}

func TestAdjustRepropagatesOnIncreaseOnly(t *testing.T) {
	tb := New()
	const key = Key(7)

	owner := newFakeOwner(1)
	tb.SetOwner(key, owner)

	self := newFakeOwner(2)
	self.blocked = true
	self.blockedOn = key
	go func() { tb.Wait(context.Background(), key, self) }()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, owner.Priority())

	self.SetPriority(9)
	tb.Adjust(self, 2)
	assert.Equal(t, 9, owner.Priority(), "raising the waiter's priority must repropagate to the owner")

	self.SetPriority(3)
	tb.Adjust(self, 9)
	assert.Equal(t, 9, owner.Priority(), "a decrease must not retract an already-donated priority")
}

func TestAdjustReordersWaiterPosition(t *testing.T) {
	tb := New()
	const key = Key(13)

	a := newFakeOwner(1)
	a.blocked = true
	a.blockedOn = key
	b := newFakeOwner(2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); tb.Wait(context.Background(), key, a) }()
	time.Sleep(5 * time.Millisecond)
	go func() { defer wg.Done(); tb.Wait(context.Background(), key, b) }()
	time.Sleep(5 * time.Millisecond)

	ts := tb.Take(key)
	ts.mu.Lock()
	assert.Same(t, b, ts.waiters[0].owner)
	ts.mu.Unlock()

	a.SetPriority(5)
	tb.Adjust(a, 1)

	ts.mu.Lock()
	assert.Same(t, a, ts.waiters[0].owner, "raising a's priority must move it ahead of b")
	ts.mu.Unlock()

	tb.Broadcast(key)
	wg.Wait()
}

func TestWaitCanceledByContext(t *testing.T) {
	tb := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tb.Wait(ctx, Key(99), newFakeOwner(0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
