package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCondvarSignalNoopWithoutWaiters(t *testing.T) {
	cv := NewCondvar()
	assert.False(t, cv.Signal())
	assert.Equal(t, 0, cv.Broadcast())
}

func TestCondvarWaitSignal(t *testing.T) {
	cv := NewCondvar()
	var mu sync.Mutex
	woken := make(chan struct{})

	mu.Lock()
	go func() {
		mu.Lock()
		assert.NoError(t, cv.Wait(context.Background(), &mu, 0))
		mu.Unlock()
		close(woken)
	}()
	mu.Unlock()
	time.Sleep(10 * time.Millisecond)

	assert.True(t, cv.Signal())
	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestCondvarBroadcastWakesAll(t *testing.T) {
	cv := NewCondvar()
	var mu sync.Mutex
	n := 3
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			mu.Lock()
			cv.Wait(context.Background(), &mu, 0)
			mu.Unlock()
			done <- struct{}{}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, cv.Broadcast())
	for i := 0; i < n; i++ {
		<-done
	}
}
