package syscall

import (
	"testing"

	"nucleus/internal/corestate"
	"nucleus/internal/defs"
)

func TestDispatchRoutesToRegisteredSyscall(t *testing.T) {
	cores := corestate.NewTable(1)
	tbl := NewTable(cores)
	tbl.Register(SysGetMemSize, func(core int, a Args_t) int64 { return 1 << 30 })

	ret, err, yield := tbl.Dispatch(0, SysGetMemSize, Args_t{})
	if !err.Ok() {
		t.Fatalf("unexpected error: %v", err)
	}
	if ret != 1<<30 {
		t.Fatalf("expected memory size return, got %d", ret)
	}
	if yield {
		t.Fatalf("expected no pending reschedule")
	}
}

func TestDispatchUnknownSyscallReturnsEINVAL(t *testing.T) {
	cores := corestate.NewTable(1)
	tbl := NewTable(cores)
	_, err, _ := tbl.Dispatch(0, 99, Args_t{})
	if err != defs.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestDispatchReportsPendingReschedule(t *testing.T) {
	cores := corestate.NewTable(1)
	tbl := NewTable(cores)
	tbl.Register(SysSleep, func(core int, a Args_t) int64 {
		cores.Core(core).TimerTick() // simulate a timer tick arriving mid-syscall
		return 0
	})
	_, _, yield := tbl.Dispatch(0, SysSleep, Args_t{})
	if !yield {
		t.Fatalf("expected mustYield after a timer tick arrived mid-syscall")
	}
}

func TestDispatchLeavesCoreIdleAfterReturn(t *testing.T) {
	cores := corestate.NewTable(1)
	tbl := NewTable(cores)
	tbl.Register(SysExit, func(core int, a Args_t) int64 { return 0 })
	tbl.Dispatch(0, SysExit, Args_t{})
	if cores.Core(0).State() != corestate.Idle {
		t.Fatalf("expected core back to Idle after syscall returns")
	}
}
