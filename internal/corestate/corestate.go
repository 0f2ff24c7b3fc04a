// Package corestate holds the per-core state:
// one task-state area per core, the "current process" reference, and
// the syscall re-entrancy state machine.
//
// A reference tinfo package stashes the "current thread" behind a
// runtime G-pointer slot (runtime.Gptr/runtime.Setgptr) so any
// goroutine can recover its own Tnote_t without a parameter. This
// kernel schedules whole processes onto cores rather than goroutines
// onto an M:N runtime, so the analogous "current process per core" is
// expressed as a plain per-core array instead — but the state-machine
// shape mirrors tinfo.Tnote_t's posture of "state the running context
// carries with it".
package corestate

import "sync/atomic"

// / SyscallState_t replaces two raw per-core booleans ("syscall
// / running" / "needs reschedule") with a named three-state machine,
// / closing the window where a reschedule request during a syscall
// / could be silently dropped.
type SyscallState_t int32

const (
	/// Idle: no syscall in flight; the timer ISR may reschedule directly.
	Idle SyscallState_t = iota
	/// InSyscall: a syscall is executing; the timer ISR must defer.
	InSyscall
	/// InSyscallPendingResched: a syscall is executing and a timer tick
	/// arrived during it; the syscall tail must yield before returning
	/// to user mode.
	InSyscallPendingResched
)

// / Core_t is one logical CPU's kernel-visible state.
type Core_t struct {
	ID int

	// Rsp0 is the TSS ring-0 stack pointer, kept equal to the top of
	// the current process's ring-0 stack by the scheduler.
	Rsp0 uintptr
	// IST1 is the per-core emergency stack for fault vectors whose
	// ordinary ring-0 stack may be corrupt. It is never
	// repointed at a per-process stack.
	IST1 uintptr
	// SyscallRsp0 is the per-core ring-0 syscall entry stack, kept
	// equal to Rsp0 by the scheduler.
	SyscallRsp0 uintptr

	// Current is an opaque reference to this core's running process
	// (typed as interface{} here to avoid an import cycle with proc;
	// proc.Proc_t is what actually gets stored).
	current atomic.Value

	state int32

	Ticks uint64
}

// / SetCurrent installs p as this core's running process.
func (c *Core_t) SetCurrent(p interface{}) {
	c.current.Store(&p)
}

// / Current returns this core's running process, or nil if none has
// / been set yet.
func (c *Core_t) Current() interface{} {
	v := c.current.Load()
	if v == nil {
		return nil
	}
	return *(v.(*interface{}))
}

// / EnterSyscall transitions Idle -> InSyscall. Called by the syscall
// / entry stub before dispatch.
func (c *Core_t) EnterSyscall() {
	atomic.StoreInt32(&c.state, int32(InSyscall))
}

// / TimerTick is called by the timer ISR. If a syscall is mid-flight it
// / records that a reschedule is owed and returns false (the ISR must
// / not yield directly); otherwise it returns true (the ISR should
// / yield immediately, since pure user code was interrupted).
func (c *Core_t) TimerTick() (yieldNow bool) {
	for {
		old := atomic.LoadInt32(&c.state)
		switch SyscallState_t(old) {
		case Idle:
			return true
		case InSyscall:
			if atomic.CompareAndSwapInt32(&c.state, old, int32(InSyscallPendingResched)) {
				return false
			}
		case InSyscallPendingResched:
			return false
		}
	}
}

// / LeaveSyscall transitions back towards Idle and reports whether a
// / reschedule was requested while the syscall ran: on return it clears
// / the syscall-running state and, if reschedule was requested, the
// / caller yields before returning to user mode.
func (c *Core_t) LeaveSyscall() (needsResched bool) {
	old := atomic.SwapInt32(&c.state, int32(Idle))
	return SyscallState_t(old) == InSyscallPendingResched
}

// / State reports the core's current syscall state, for tests and
// / diagnostics.
func (c *Core_t) State() SyscallState_t {
	return SyscallState_t(atomic.LoadInt32(&c.state))
}

// / Table_t is the array of per-core state, indexed by core id.
type Table_t struct {
	cores []Core_t
}

// / NewTable allocates per-core state for n cores.
func NewTable(n int) *Table_t {
	return &Table_t{cores: make([]Core_t, n)}
}

// / Core returns the state for core id i, initializing its ID field on
// / first access.
func (t *Table_t) Core(i int) *Core_t {
	c := &t.cores[i]
	c.ID = i
	return c
}

// / Len returns the number of cores in the table.
func (t *Table_t) Len() int {
	return len(t.cores)
}
