// Package limits tracks system-wide resource counters the way the teacher's
// limits package tracks Syslimit_t, repurposed from filesystem/network
// counters (Vnodes, Arpents, Tcpsegs, ...) to the machine-independent
// core's own bounded resources: threads, turnstiles, sleep queue entries,
// and outstanding callouts.
package limits

import "sync/atomic"

// Counter is a resource counter that can be atomically taken and given
// back; Taken leaves the counter unchanged (rather than going negative) on
// a failed over-allocation, same as the teacher's Sysatomic_t.Taken.
type Counter struct {
	n int64
}

// Given increases the available count by delta.
func (c *Counter) Given(delta uint) {
	atomic.AddInt64(&c.n, int64(delta))
}

// Taken attempts to remove delta from the available count, returning false
// (and leaving the counter unchanged) if that would drive it negative.
func (c *Counter) Taken(delta uint) bool {
	if atomic.AddInt64(&c.n, -int64(delta)) >= 0 {
		return true
	}
	atomic.AddInt64(&c.n, int64(delta))
	return false
}

// Take is shorthand for Taken(1).
func (c *Counter) Take() bool { return c.Taken(1) }

// Give is shorthand for Given(1).
func (c *Counter) Give() { c.Given(1) }

// Remaining reports the current count. Racy by construction with
// concurrent Take/Give; intended for diagnostics only.
func (c *Counter) Remaining() int64 { return atomic.LoadInt64(&c.n) }

// Syslimit collects the default system-wide limits on core kernel
// resources, mirroring the shape of the teacher's Syslimit_t.
type Syslimit struct {
	Threads    Counter // Sysprocs analogue: bound on live thread_t count
	Turnstiles Counter
	Sleepqs    Counter
	Callouts   Counter
}

// MkSysLimit returns the default set of system-wide resource limits.
func MkSysLimit() *Syslimit {
	l := &Syslimit{}
	l.Threads.Given(1 << 14)
	l.Turnstiles.Given(1 << 14)
	l.Sleepqs.Given(1 << 14)
	l.Callouts.Given(1 << 16)
	return l
}

// Default is the process-wide instance used unless a caller builds its own
// (tests typically build their own so limit exhaustion in one test can't
// bleed into another).
var Default = MkSysLimit()
