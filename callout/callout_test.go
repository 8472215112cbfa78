package callout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupScheduleAndFire(t *testing.T) {
	w := NewWheel(16)
	stop := w.Start(context.Background())
	defer stop()

	fired := make(chan struct{})
	var co Callout
	w.Setup(&co, func(arg any) { close(fired) }, nil)
	w.ScheduleAbs(&co, 5)

	w.Process(5)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callout never fired")
	}
}

func TestStopPreventsExecution(t *testing.T) {
	w := NewWheel(16)
	stop := w.Start(context.Background())
	defer stop()

	var co Callout
	w.Setup(&co, func(arg any) { t.Fatal("should never be called") }, nil)
	w.ScheduleAbs(&co, 10)

	assert.True(t, w.Stop(&co))
	w.Process(10)

	// give the callout thread a chance to misbehave, if it were going to
	time.Sleep(20 * time.Millisecond)
}

func TestStopReturnsFalseOnceDelegated(t *testing.T) {
	w := NewWheel(16)
	release := make(chan struct{})
	var co Callout
	w.Setup(&co, func(arg any) { <-release }, nil)
	w.ScheduleAbs(&co, 1)
	w.Process(1) // moves it to the delegated queue, but the thread isn't running yet

	assert.False(t, w.Stop(&co), "already delegated, stop must report false")
	close(release)
}

func TestDrainBlocksUntilExecutionCompletes(t *testing.T) {
	w := NewWheel(16)
	stop := w.Start(context.Background())
	defer stop()

	release := make(chan struct{})
	var mu sync.Mutex
	started := false
	var co Callout
	w.Setup(&co, func(arg any) {
		mu.Lock()
		started = true
		mu.Unlock()
		<-release
	}, nil)
	w.ScheduleAbs(&co, 1)
	w.Process(1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return started
	}, time.Second, time.Millisecond)

	done := make(chan bool)
	go func() { done <- w.Drain(context.Background(), &co) }()

	select {
	case <-done:
		t.Fatal("drain returned before the callout finished running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case blocked := <-done:
		assert.True(t, blocked)
	case <-time.After(time.Second):
		t.Fatal("drain never returned")
	}
}

func TestDrainReturnsFalseWhenNothingInFlight(t *testing.T) {
	w := NewWheel(16)
	var co Callout
	w.Setup(&co, func(arg any) {}, nil)
	assert.False(t, w.Drain(context.Background(), &co))
}

func TestOrderedExecution(t *testing.T) {
	w := NewWheel(8)
	stop := w.Start(context.Background())
	defer stop()

	const n = 10
	order := [n]int{2, 5, 4, 6, 9, 0, 8, 1, 3, 7}
	var mu sync.Mutex
	var current int
	var wg sync.WaitGroup
	wg.Add(n)

	callouts := make([]Callout, n)
	for i := 0; i < n; i++ {
		want := order[i]
		w.Setup(&callouts[i], func(arg any) {
			mu.Lock()
			assert.Equal(t, current, want)
			current++
			mu.Unlock()
			wg.Done()
		}, nil)
		w.ScheduleAbs(&callouts[i], uint64(5+order[i]*5))
	}

	for tick := uint64(1); tick <= uint64(5+9*5); tick++ {
		w.Process(tick)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all callouts fired in order")
	}
}

func TestRescheduleFromWithinCallback(t *testing.T) {
	w := NewWheel(8)
	stop := w.Start(context.Background())
	defer stop()

	var count int32
	first := make(chan struct{})
	fired := make(chan struct{})
	var co Callout
	w.Setup(&co, func(arg any) {
		n := count
		count++
		if n == 0 {
			require.True(t, w.Reschedule(&co, 2))
			close(first)
		} else {
			close(fired)
		}
	}, nil)
	w.ScheduleAbs(&co, 1)
	w.Process(1)
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("callout never fired the first time")
	}
	w.Process(2)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("rescheduled callout never fired a second time")
	}
}
