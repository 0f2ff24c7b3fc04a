// Package syscall is the fast syscall dispatch table, entered after
// the entry stub's per-core ring-0 stack switch: a
// corestate.Core_t re-entrancy check, and dispatch across the 13
// syscalls 0-12.
//
// Grounded on the reference implementation's systemCallTable
// for the numbering and argument shapes and on its sysSleep/sysExit/
// sysWait's "clear the running flag before calling anything that may
// schedule, set it again after" pattern, generalized here into
// corestate.Core_t.EnterSyscall/LeaveSyscall bracketing every dispatch
// instead of a raw flag clear/set pair duplicated at every blocking
// call site.
package syscall

import (
	"nucleus/internal/corestate"
	"nucleus/internal/defs"
	"nucleus/internal/proc"
)

// Syscall numbers, in the order the reference implementation's systemCallTable
// lists them.
const (
	SysPrintBuffer = iota
	SysSleep
	SysExit
	SysWait
	SysReadChar
	SysGetMemSize
	SysOpenFile
	SysReadFile
	SysCloseFile
	SysGetFileSize
	SysFork
	SysExec
	SysGetRootDir

	NumSyscalls
)

// / Args_t is the generic argument/return carrier for a syscall: up to
// / four integer/pointer-sized arguments, matching the x86-64 syscall
// / ABI's rdi/rsi/rdx/r10 argument registers as captured in the saved
// / interrupt frame.
type Args_t struct {
	A0, A1, A2, A3 uint64
}

// / Func is one syscall's implementation. It runs with the re-entrancy
// / state already marked InSyscall; if it needs to block (sleep, wait,
// / the scheduling calls inside fork/exec) it may do so directly, since
// / corestate, not a raw boolean, tracks whether a timer tick arrived
// / during the call.
type Func func(core int, a Args_t) int64

// / Table_t is the syscall dispatch table for one kernel instance.
type Table_t struct {
	fns   [NumSyscalls]Func
	cores *corestate.Table_t
}

// / NewTable returns an empty dispatch table bound to cores.
func NewTable(cores *corestate.Table_t) *Table_t {
	return &Table_t{cores: cores}
}

// / Register installs fn as the implementation of syscall number n.
func (t *Table_t) Register(n int, fn Func) {
	t.fns[n] = fn
}

// / Dispatch is called by the syscall-entry stub (which has already
// / switched onto the per-core syscall stack, corestate.Core_t.
// / SyscallRsp0) with the syscall number and arguments. It brackets the
// / call with EnterSyscall/LeaveSyscall, charges the elapsed time to the
// / calling process's accnt.Accnt_t as system time (SPEC_FULL.md §4.9),
// / and reports whether the caller must yield before returning to ring 3.
func (t *Table_t) Dispatch(core int, n int, a Args_t) (ret int64, err defs.Err_t, mustYield bool) {
	if n < 0 || n >= NumSyscalls || t.fns[n] == nil {
		return 0, defs.EINVAL, false
	}
	c := t.cores.Core(core)
	current, charging := c.Current().(*proc.Proc_t)
	var start int64
	if charging {
		start = current.Accnt.Now()
	}
	c.EnterSyscall()
	ret = t.fns[n](core, a)
	mustYield = c.LeaveSyscall()
	if charging {
		current.Accnt.Finish(start)
	}
	return ret, defs.EOK, mustYield
}
