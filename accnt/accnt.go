// Package accnt tracks per-thread and per-process CPU time consumption,
// adapted from the teacher's Accnt_t. The spec's kernel core has no
// userspace memory to copy a rusage struct into, so Fetch returns a typed
// Rusage value instead of the teacher's marshaled byte slice.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates accounting information for a thread or process.
//
// Userns and Sysns store runtime in nanoseconds. The embedded mutex lets
// callers take a consistent snapshot of both fields together.
type Accnt struct {
	Userns int64
	Sysns  int64
	mu     sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds since the Unix epoch.
func (a *Accnt) Now() int64 {
	return time.Now().UnixNano()
}

// IoTime removes time spent waiting for I/O from system time.
func (a *Accnt) IoTime(since int64) {
	a.Systadd(since - a.Now())
}

// SleepTime removes time spent sleeping from system time.
func (a *Accnt) SleepTime(since int64) {
	a.Systadd(since - a.Now())
}

// Finish finalizes accounting by adding the time elapsed since inttime to
// system time.
func (a *Accnt) Finish(inttime int64) {
	a.Systadd(a.Now() - inttime)
}

// Add merges another accounting record into this one.
func (a *Accnt) Add(n *Accnt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
}

// Rusage is a snapshot of accumulated user and system time.
type Rusage struct {
	UserTime time.Duration
	SysTime  time.Duration
}

// Fetch takes a consistent snapshot of the accounting record as a Rusage.
func (a *Accnt) Fetch() Rusage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Rusage{
		UserTime: time.Duration(a.Userns),
		SysTime:  time.Duration(a.Sysns),
	}
}
