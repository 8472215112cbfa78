// Package callout is the hashed timer wheel of spec.md §4.6: callouts are
// scheduled against an absolute tick deadline into one of a power-of-two
// number of buckets, and callout_process (driven by the system clock)
// migrates whatever has come due into a queue drained by a dedicated
// callout thread at kernel priority — never run from clock-interrupt
// context itself, the same separation the teacher draws between an ISR
// and the work it defers. That dedicated drain loop is the one place this
// repository reaches for golang.org/x/sync/errgroup: it is a single
// goroutine that must be cleanly stoppable and joinable without leaking,
// which is exactly errgroup.WithContext's contract.
package callout

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"mimiker/klog"
)

const (
	flagActive  = 0x1
	flagPending = 0x2
	flagStopped = 0x4
)

// Func is a callout's callback. It runs on the dedicated callout thread,
// never on the clock-tick caller's goroutine.
type Func func(arg any)

// Callout is one scheduled timer event (spec.md's callout_t).
type Callout struct {
	mu    sync.Mutex
	time  uint64
	fn    Func
	arg   any
	flags uint32
	index int

	wheel   *Wheel
	done    chan struct{} // closed when this firing's execution completes
	running bool
}

func (c *Callout) pending() bool { return c.flags&flagPending != 0 }

// Wheel is a hashed timer wheel with nbuckets buckets (nbuckets must be a
// power of two, mirroring the original's mask-based bucket hashing).
type Wheel struct {
	mu      sync.Mutex
	buckets [][]*Callout
	mask    uint64
	now     uint64

	delegated []*Callout
	wake      chan struct{}

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// NewWheel creates a wheel with nbuckets buckets. nbuckets must be a power
// of two; it is rounded up to the next one otherwise.
func NewWheel(nbuckets int) *Wheel {
	n := 1
	for n < nbuckets {
		n <<= 1
	}
	return &Wheel{
		buckets: make([][]*Callout, n),
		mask:    uint64(n - 1),
		wake:    make(chan struct{}, 1),
	}
}

func (w *Wheel) bucketIndex(deadline uint64) uint64 { return deadline & w.mask }

// Setup associates fn/arg with co, leaving it STOPPED (not yet scheduled).
// Mirrors callout_setup.
func (w *Wheel) Setup(co *Callout, fn Func, arg any) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.wheel = w
	co.fn = fn
	co.arg = arg
	co.flags = flagStopped
}

// ScheduleAbs places co into the bucket for the given absolute tick
// deadline (callout_schedule_abs). The caller must supply a deadline not
// less than the wheel's current tick.
func (w *Wheel) ScheduleAbs(co *Callout, deadline uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	co.mu.Lock()
	co.time = deadline
	co.flags = flagPending
	co.index = int(w.bucketIndex(deadline))
	co.mu.Unlock()

	w.buckets[co.index] = append(w.buckets[co.index], co)
}

// Schedule places co using a deadline relative to the wheel's current tick
// (callout_schedule).
func (w *Wheel) Schedule(co *Callout, ticks uint64) {
	w.mu.Lock()
	now := w.now
	w.mu.Unlock()
	w.ScheduleAbs(co, now+ticks)
}

func removeFromBucket(bucket []*Callout, co *Callout) []*Callout {
	for i, c := range bucket {
		if c == co {
			return append(bucket[:i], bucket[i+1:]...)
		}
	}
	return bucket
}

// Stop cancels co if it is still PENDING, returning true in that case.
// Returns false if it has already been delegated to the callout thread or
// executed — callout_stop's exact contract, including that a callout
// cannot be rescheduled via Reschedule after this until scheduled again.
func (w *Wheel) Stop(co *Callout) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	co.mu.Lock()
	defer co.mu.Unlock()
	if !co.pending() {
		return false
	}
	w.buckets[co.index] = removeFromBucket(w.buckets[co.index], co)
	co.flags = flagStopped
	return true
}

// Reschedule is meant to be called from within co's own callback to
// implement a periodic timer; it fails (returns false) if the callout was
// stopped in the meantime (callout_reschedule).
func (w *Wheel) Reschedule(co *Callout, deadline uint64) bool {
	co.mu.Lock()
	stopped := co.flags&flagStopped != 0
	co.mu.Unlock()
	if stopped {
		return false
	}
	w.ScheduleAbs(co, deadline)
	return true
}

// Drain blocks until any in-flight execution of co completes, or returns
// immediately (reporting false) if nothing was in flight — callout_drain.
// Safe to call before freeing co.
func (w *Wheel) Drain(ctx context.Context, co *Callout) bool {
	co.mu.Lock()
	done := co.done
	running := co.running
	co.mu.Unlock()
	if !running || done == nil {
		return false
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return true
}

// Process walks every bucket whose index the tick advanced past since the
// last call and delegates whatever has come due (c.time <= now) to the
// callout thread's queue — callout_process, invoked from the system clock.
func (w *Wheel) Process(now uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for t := w.now + 1; t <= now; t++ {
		idx := w.bucketIndex(t)
		bucket := w.buckets[idx]
		var remaining []*Callout
		for _, co := range bucket {
			co.mu.Lock()
			due := co.time <= now
			if due {
				co.flags = flagActive
				co.done = make(chan struct{})
				w.delegated = append(w.delegated, co)
			}
			co.mu.Unlock()
			if !due {
				remaining = append(remaining, co)
			}
		}
		w.buckets[idx] = remaining
	}
	w.now = now

	if len(w.delegated) > 0 {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// Start launches the dedicated callout thread draining delegated
// callbacks, returning a stop function that cancels it and waits for it to
// exit. Calling the returned function more than once is safe.
func (w *Wheel) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	w.eg = eg
	w.cancel = cancel

	eg.Go(func() error {
		return w.runCalloutThread(ctx)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := eg.Wait(); err != nil && err != context.Canceled {
				klog.Warnf("callout: thread exited: %v", err)
			}
		})
	}
}

func (w *Wheel) runCalloutThread(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		}

		for {
			co := w.popDelegated()
			if co == nil {
				break
			}
			w.run(co)
		}
	}
}

func (w *Wheel) popDelegated() *Callout {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.delegated) == 0 {
		return nil
	}
	co := w.delegated[0]
	w.delegated = w.delegated[1:]
	return co
}

func (w *Wheel) run(co *Callout) {
	co.mu.Lock()
	fn, arg := co.fn, co.arg
	co.running = true
	co.mu.Unlock()

	fn(arg)

	co.mu.Lock()
	co.running = false
	co.flags = 0
	done := co.done
	co.done = nil
	co.mu.Unlock()
	if done != nil {
		close(done)
	}
}
