package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRWLockMultipleReaders(t *testing.T) {
	rw := NewRWLock()
	ctx := context.Background()
	assert.NoError(t, rw.RLock(ctx))
	assert.NoError(t, rw.RLock(ctx))
	rw.RUnlock()
	rw.RUnlock()
}

func TestRWLockWriterExclusion(t *testing.T) {
	rw := NewRWLock()
	ctx := context.Background()
	assert.NoError(t, rw.Lock(ctx))

	gotLock := make(chan struct{})
	go func() {
		assert.NoError(t, rw.RLock(ctx))
		close(gotLock)
	}()

	select {
	case <-gotLock:
		t.Fatal("reader acquired lock while writer held it")
	case <-time.After(20 * time.Millisecond):
	}

	rw.Unlock()
	select {
	case <-gotLock:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired lock after writer released it")
	}
	rw.RUnlock()
}

func TestRWLockWriterPreference(t *testing.T) {
	rw := NewRWLock()
	ctx := context.Background()
	require := assert.New(t)
	require.NoError(rw.RLock(ctx))

	writerWaiting := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		close(writerWaiting)
		require.NoError(rw.Lock(ctx))
		close(writerDone)
	}()
	time.Sleep(10 * time.Millisecond)

	newReaderBlocked := make(chan struct{})
	go func() {
		require.NoError(rw.RLock(ctx))
		close(newReaderBlocked)
	}()

	select {
	case <-newReaderBlocked:
		t.Fatal("new reader should queue behind the waiting writer")
	case <-time.After(20 * time.Millisecond):
	}

	rw.RUnlock()
	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired lock")
	}
	rw.Unlock()
	<-newReaderBlocked
	rw.RUnlock()
}

func TestTryUpgradeOnlySoleReader(t *testing.T) {
	rw := NewRWLock()
	ctx := context.Background()
	assert.NoError(t, rw.RLock(ctx))
	assert.NoError(t, rw.RLock(ctx))
	assert.False(t, rw.TryUpgrade(), "two readers present, upgrade must fail")
	rw.RUnlock()
	assert.True(t, rw.TryUpgrade(), "sole remaining reader may upgrade")
	rw.Unlock()
}

func TestTryUpgradeFailsWithWaitingWriter(t *testing.T) {
	rw := NewRWLock()
	ctx := context.Background()
	assert.NoError(t, rw.RLock(ctx))

	writerWaiting := make(chan struct{})
	go func() {
		close(writerWaiting)
		assert.NoError(t, rw.Lock(ctx))
		rw.Unlock()
	}()
	time.Sleep(10 * time.Millisecond)
	<-writerWaiting

	// Sole reader, but a writer is already queued: upgrading in place
	// would let this reader cut ahead of it.
	assert.False(t, rw.TryUpgrade(), "sole reader must not upgrade ahead of a waiting writer")
	rw.RUnlock()
}

func TestDowngradeAlwaysSucceeds(t *testing.T) {
	rw := NewRWLock()
	ctx := context.Background()
	assert.NoError(t, rw.Lock(ctx))
	rw.Downgrade()
	rw.RUnlock()
}
