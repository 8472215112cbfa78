// Package ksignal is the signal delivery machinery at the thread layer
// (spec.md §4.12): per-process disposition table, per-thread pending
// queue, and the trampoline-marshaling contract used to hand control to a
// user handler and back via sigreturn. It is grounded on
// original_source/include/sys/signal.h's sig_kill/sig_check/sig_post/
// sig_trap/sigreturn contract, carried into Go with the teacher's
// errno-return, no-log-at-error-level discipline (spec.md §7).
package ksignal

import (
	"sync"

	"mimiker/errno"
)

// Signo identifies a signal, matching original_source's signo_t numbering.
type Signo int

const (
	SIGINT Signo = iota + 1
	SIGILL
	SIGABRT
	SIGFPE
	SIGSEGV
	SIGKILL
	SIGTERM
	SIGCHLD
	SIGUSR1
	SIGUSR2
	SIGBUS
	NSIG = 32
)

// Disposition is a signal's action when no explicit handler intervenes.
type Disposition int

const (
	ActTerm Disposition = iota // terminate the process
	ActCore                    // terminate and dump core
	ActStop                    // stop the process
	ActIgn                     // ignored
)

// defaultAction is the table of default dispositions (original_source's
// sig_defact), consulted by sig_check when no handler is installed.
var defaultAction = map[Signo]Disposition{
	SIGINT:  ActTerm,
	SIGILL:  ActCore,
	SIGABRT: ActCore,
	SIGFPE:  ActCore,
	SIGSEGV: ActCore,
	SIGKILL: ActTerm,
	SIGTERM: ActTerm,
	SIGCHLD: ActIgn,
	SIGUSR1: ActTerm,
	SIGUSR2: ActTerm,
	SIGBUS:  ActCore,
}

func defaultActionFor(s Signo) Disposition {
	if a, ok := defaultAction[s]; ok {
		return a
	}
	return ActTerm
}

// Handler is a registered handler address: sa_handler in
// original_source/include/sys/signal.h. SigDFL and SigIgn are the two
// sentinel non-address values; any other value is a user handler entry
// point.
type Handler uintptr

const (
	SigDFL Handler = 0
	SigIgn Handler = 1
)

// Action is one signal's disposition entry in a process's sigaction table.
type Action struct {
	Handler Handler
	Mask    Set // signals blocked for the duration of the handler
}

// Set is a signal mask/pending-set, a fixed bitset over NSIG signals
// (original_source's sigset_t, a bitstr_t).
type Set uint64

func (s Set) Has(sig Signo) bool  { return s&(1<<uint(sig)) != 0 }
func (s Set) Add(sig Signo) Set   { return s | (1 << uint(sig)) }
func (s Set) Remove(sig Signo) Set { return s &^ (1 << uint(sig)) }

// Info is one queued signal occurrence (original_source's ksiginfo_t):
// the signal number plus enough context to reconstruct a POSIX siginfo_t
// for a handler, or to decide sig_trap's delivery path.
type Info struct {
	Signo Signo
	Code  int     // e.g. a trap subcode: segv access violation vs. protection
	Addr  uintptr // faulting address, for SIGSEGV/SIGBUS
	PID   int
	UID   int
}

// Proc is the per-process signal state: a fixed-size disposition table and
// the lock serializing posting against it (spec.md §3's p_lock, scoped
// here to just the signal-relevant fields this package owns).
type Proc struct {
	mu      sync.Mutex
	actions [NSIG]Action
}

// NewProc creates a process signal table with every signal at its default
// disposition (SigDFL).
func NewProc() *Proc { return &Proc{} }

// SetAction installs act for sig, returning the previous action
// (sigaction's *oldact). SIGKILL's disposition cannot be changed.
func (p *Proc) SetAction(sig Signo, act Action) (Action, errno.Errno) {
	if sig <= 0 || int(sig) >= NSIG {
		return Action{}, errno.EINVAL
	}
	if sig == SIGKILL {
		return Action{}, errno.EINVAL
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.actions[sig]
	p.actions[sig] = act
	return old, errno.OK
}

// Action returns sig's currently installed action.
func (p *Proc) Action(sig Signo) Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.actions[sig]
}

// Wakeable is the minimal thread surface sig_kill needs: find a thread
// whose mask does not block a newly-posted signal and wake it. Kept
// narrow, the same way turnstile.Owner and sched.Runnable are, so this
// package never needs to import kthread.
type Wakeable interface {
	Mask() Set
	Deliver(Info)
}

// Pending is one thread's queued-but-undelivered signals (spec.md §3's
// per-thread ksiginfo queue): a small ordered queue, since a signal can be
// posted more than once before being checked (unlike the disposition
// table, which is process-wide and only one entry deep per signo).
type Pending struct {
	mu    sync.Mutex
	mask  Set
	queue []Info
}

// NewPending creates an empty per-thread signal queue with every signal
// initially unblocked.
func NewPending() *Pending { return &Pending{} }

// Mask returns the thread's current signal mask.
func (pq *Pending) Mask() Set {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.mask
}

// SetMask installs a new mask (sigprocmask), returning the previous one.
// SIGKILL can never be masked, matching the original's enforcement in
// sigprocmask.
func (pq *Pending) SetMask(mask Set) Set {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	old := pq.mask
	pq.mask = mask.Remove(SIGKILL)
	return old
}

// Deliver enqueues a signal occurrence for this thread (Wakeable).
func (pq *Pending) Deliver(info Info) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.queue = append(pq.queue, info)
}

// Check picks the highest-priority deliverable signal whose mask allows
// it and removes it from the queue — sig_check, called on the way back to
// user mode. Lower Signo values are treated as higher priority, matching
// the original's straight linear scan in signal order.
func (pq *Pending) Check() (Info, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	best := -1
	for i, info := range pq.queue {
		if pq.mask.Has(info.Signo) {
			continue
		}
		if best == -1 || info.Signo < pq.queue[best].Signo {
			best = i
		}
	}
	if best == -1 {
		return Info{}, false
	}
	info := pq.queue[best]
	pq.queue = append(pq.queue[:best], pq.queue[best+1:]...)
	return info, true
}

// Kill posts ksi to the target process/thread (sig_kill): dropped
// silently if the process has SIG_IGN installed for this signal (and it
// isn't SIGKILL, which can never be ignored), otherwise delivered to t.
// Callers must already hold whatever p_lock-equivalent serializes posting
// against this process's other signal operations.
func Kill(p *Proc, t Wakeable, info Info) {
	if info.Signo != SIGKILL {
		if act := p.Action(info.Signo); act.Handler == SigIgn {
			return
		}
	}
	t.Deliver(info)
}

// Trap is the synchronous-fault delivery path (sig_trap): CPU exception
// handlers for SIGSEGV/SIGBUS/SIGILL/SIGFPE call this directly rather
// than going through Kill, since a trap always targets the faulting
// thread itself regardless of process-wide SIG_IGN (original_source: "a
// process cannot ignore the signal that is currently killing it").
func Trap(t Wakeable, sig Signo, addr uintptr, code int) {
	t.Deliver(Info{Signo: sig, Addr: addr, Code: code})
}

// Resolve reports what should happen when info is checked against act:
// whether a user handler should run, and if not, the default action to
// take.
func Resolve(act Action, info Info) (handler Handler, def Disposition) {
	if act.Handler == SigDFL {
		return SigDFL, defaultActionFor(info.Signo)
	}
	return act.Handler, ActTerm
}
