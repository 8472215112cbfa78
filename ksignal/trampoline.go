package ksignal

import (
	"sync"

	"mimiker/errno"
)

// UserContext is the architecture's saved user register snapshot (spec.md
// §3's "saved user context (machine-specific register snapshot)"). This
// package never interprets its contents — it only ever copies one whole
// value onto/off of the simulated user stack and patches the three fields
// every signal trampoline ABI needs, so a real port supplies its own
// register layout behind this interface instead of this package reaching
// into per-arch structs (the per-arch trampoline Non-goal).
type UserContext interface {
	// SetEntry patches the context so execution resumes at pc with sp as
	// the stack pointer and the three-argument ABI (signo, siginfo ptr,
	// ucontext ptr) loaded into the architecture's first three argument
	// registers, and the return address set to trampolinePC.
	SetEntry(pc, sp uintptr, arg0, arg1, arg2 uintptr, trampolinePC uintptr)
	// StackPointer reads the context's current stack pointer, the point
	// sig_send grows the user stack down from.
	StackPointer() uintptr
}

// UserStack lets sig_send/sigreturn marshal data onto/off of the target
// thread's user stack, growing down, without this package assuming a
// particular address space representation (vm.Map satisfies a narrow
// adapter of this in the trap-handling glue that wires ksignal to vm).
type UserStack interface {
	// Push writes data below sp (growing down), aligned per align, and
	// returns the new stack pointer (the address data now starts at).
	Push(sp uintptr, data []byte, align uintptr) (uintptr, error)
	// Pop reads n bytes starting at sp (growing back up) into dst.
	Pop(sp uintptr, dst []byte) error
}

// frame is what Send marshals onto the user stack: the saved ucontext
// (opaque to this package, serialized by the caller) plus enough to let
// Return find it again, mirroring original_source's combined sigcode +
// ucontext_t layout.
type frame struct {
	savedCtx []byte
	savedSet Set
}

// pendingFrames tracks in-flight signal frames per thread, keyed by the
// user stack pointer the frame was pushed at — sigreturn's ucp argument
// identifies which frame to pop, the same indirection original_source
// achieves by passing a pointer into the user stack itself.
type pendingFrames struct {
	mu     sync.Mutex
	frames map[uintptr]frame
}

var framesMu sync.Mutex
var allFrames = map[*Pending]*pendingFrames{}

func framesFor(pq *Pending) *pendingFrames {
	framesMu.Lock()
	defer framesMu.Unlock()
	pf, ok := allFrames[pq]
	if !ok {
		pf = &pendingFrames{frames: map[uintptr]frame{}}
		allFrames[pq] = pf
	}
	return pf
}

// Send prepares a thread about to return to user mode to instead enter a
// signal handler (sig_send): it serializes the thread's current user
// context, pushes it onto the user stack, patches the context so
// execution resumes at act.Handler with the POSIX (signo, &siginfo,
// &ucontext) argument convention and trampolinePC as the handler's return
// address (passed to SetEntry, not pushed on the stack), and masks
// act.Mask for the handler's duration (restored by Return). trampolinePC
// is the architecture's fixed sigcode entry point, which itself issues the
// sigreturn syscall on return from the handler.
func Send(pq *Pending, ctx UserContext, stack UserStack, info Info, act Action, trampolinePC uintptr, serialize func(UserContext) []byte) (uintptr, errno.Errno) {
	saved := serialize(ctx)

	sp := ctx.StackPointer()
	sp, err := stack.Push(sp, saved, 16)
	if err != nil {
		return 0, errno.EFAULT
	}

	pf := framesFor(pq)
	pf.mu.Lock()
	pf.frames[sp] = frame{savedCtx: saved, savedSet: pq.Mask()}
	pf.mu.Unlock()

	pq.SetMask(pq.Mask() | act.Mask | (1 << uint(info.Signo)))

	ucontextAddr := sp // the frame IS the ucontext, by construction above
	siginfoAddr := sp  // a real port lays these out as distinct sub-regions of the same pushed block; this core treats the whole frame as one opaque blob
	ctx.SetEntry(uintptr(act.Handler), sp, uintptr(info.Signo), siginfoAddr, ucontextAddr, trampolinePC)
	return sp, errno.OK
}

// Return restores the user context saved by Send, identified by ucp (the
// address Send returned), and restores the signal mask active before
// delivery (sigreturn). Returns EJUSTRETURN on success per spec.md §6's
// syscall-trampoline convention: sigreturn's result must not overwrite the
// register SetEntry already patched. On stack corruption (no frame
// recorded at ucp) nothing is restored from the stack; a SIGILL with
// Code -1 is queued on pq instead. That SIGILL is an ordinary pending
// signal: pq's mask and the process's disposition for SIGILL apply to it
// like to any other signal.
func Return(pq *Pending, ucp uintptr, restore func(saved []byte)) errno.Errno {
	pf := framesFor(pq)
	pf.mu.Lock()
	fr, ok := pf.frames[ucp]
	if ok {
		delete(pf.frames, ucp)
	}
	pf.mu.Unlock()

	if !ok {
		pq.Deliver(Info{Signo: SIGILL, Code: -1})
		return errno.EJUSTRETURN
	}

	restore(fr.savedCtx)
	pq.SetMask(fr.savedSet)
	return errno.EJUSTRETURN
}

// DropFrames discards any in-flight frame bookkeeping for pq, called when
// its owning thread is reaped.
func DropFrames(pq *Pending) {
	framesMu.Lock()
	defer framesMu.Unlock()
	delete(allFrames, pq)
}
