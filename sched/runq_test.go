package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeRunnable struct {
	name string
	prio int
}

func (f *fakeRunnable) Priority() int { return f.prio }

func TestChooseHighestPriorityFirst(t *testing.T) {
	rq := NewRunQueue()
	low := &fakeRunnable{"low", 1}
	high := &fakeRunnable{"high", 10}
	rq.Add(low)
	rq.Add(high)

	r, ok := rq.Choose()
	assert.True(t, ok)
	assert.Same(t, high, r)

	r, ok = rq.Choose()
	assert.True(t, ok)
	assert.Same(t, low, r)

	_, ok = rq.Choose()
	assert.False(t, ok)
}

func TestChooseIsFIFOWithinPriority(t *testing.T) {
	rq := NewRunQueue()
	a := &fakeRunnable{"a", 3}
	b := &fakeRunnable{"b", 3}
	rq.Add(a)
	rq.Add(b)

	r1, _ := rq.Choose()
	r2, _ := rq.Choose()
	assert.Same(t, a, r1)
	assert.Same(t, b, r2)
}

func TestRemove(t *testing.T) {
	rq := NewRunQueue()
	a := &fakeRunnable{"a", 5}
	rq.Add(a)
	assert.True(t, rq.Remove(a))
	assert.True(t, rq.Empty())
	assert.False(t, rq.Remove(a))
}
