package sched

import (
	"sync"
	"time"

	"mimiker/turnstile"
)

// Quantum is the fixed time slice every thread runs for before the
// scheduler preempts it in favor of another runnable thread of equal or
// higher priority (spec.md §3).
const Quantum = 10 * time.Millisecond

// Scheduler tracks the currently running thread and the queue of threads
// waiting for their turn. Because this core models a single logical CPU
// (spec.md's explicit no-SMP non-goal), there is exactly one Scheduler and
// exactly one current thread at a time.
type Scheduler struct {
	mu        sync.Mutex
	rq        *RunQueue
	current   Runnable
	remaining time.Duration
}

// NewScheduler creates an idle scheduler with an empty run queue.
func NewScheduler() *Scheduler {
	return &Scheduler{rq: NewRunQueue()}
}

// Add makes r runnable, placing it on the run queue (sched_add).
func (s *Scheduler) Add(r Runnable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rq.Add(r)
}

// Current returns the thread presently occupying the CPU, or nil if idle.
func (s *Scheduler) Current() Runnable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Switch dispatches the next runnable thread (the highest-priority,
// longest-waiting one), making it current and giving it a fresh quantum.
// The thread that was running, if any and still meant to keep running, is
// the caller's responsibility to Add back beforehand (sched_switch never
// implicitly requeues — that decision belongs to whoever is yielding: the
// timer tick for a expired quantum, or the thread itself for a voluntary
// sleep).
func (s *Scheduler) Switch() (Runnable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.rq.Choose()
	if !ok {
		s.current = nil
		return nil, false
	}
	s.current = next
	s.remaining = Quantum
	return next, true
}

// Clock accounts for elapsed CPU time against the current thread's
// quantum (sched_clock, driven by the timer tick), reporting whether its
// quantum has now expired and thread_yield should be called.
func (s *Scheduler) Clock(elapsed time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return false
	}
	s.remaining -= elapsed
	return s.remaining <= 0
}

// SetPriority changes r's priority, re-homing it in the run queue if it is
// currently queued (not running). If ts is non-nil and r is currently
// blocked on a turnstile (r implements turnstile.Owner and reports itself
// blocked), this also calls turnstile_adjust via ts.Adjust so the change
// is reflected in that turnstile's priority-ordered waiter list and, on an
// increase, repropagated to the lock owner.
func (s *Scheduler) SetPriority(r Runnable, setPrio func(int), newPrio int, ts *turnstile.Table) {
	s.mu.Lock()
	wasQueued := s.rq.Remove(r)
	oldPrio := r.Priority()
	setPrio(newPrio)
	if wasQueued {
		s.rq.Add(r)
	}
	s.mu.Unlock()

	if ts == nil {
		return
	}
	if owner, ok := r.(turnstile.Owner); ok {
		ts.Adjust(owner, oldPrio)
	}
}

// Preempt forces the current thread's quantum to expire immediately, used
// when a higher-priority thread becomes runnable (e.g. after priority
// inheritance) and must run before the current thread's quantum would
// otherwise end.
func (s *Scheduler) Preempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = 0
}
