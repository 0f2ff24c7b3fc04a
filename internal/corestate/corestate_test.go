package corestate

import "testing"

func TestTimerTickDefersDuringSyscall(t *testing.T) {
	c := &Core_t{}
	c.EnterSyscall()
	if yield := c.TimerTick(); yield {
		t.Fatalf("expected timer tick to defer while a syscall is in flight")
	}
	if c.State() != InSyscallPendingResched {
		t.Fatalf("expected InSyscallPendingResched, got %v", c.State())
	}
	if !c.LeaveSyscall() {
		t.Fatalf("expected LeaveSyscall to report a pending reschedule")
	}
	if c.State() != Idle {
		t.Fatalf("expected Idle after LeaveSyscall, got %v", c.State())
	}
}

func TestTimerTickYieldsWhenIdle(t *testing.T) {
	c := &Core_t{}
	if yield := c.TimerTick(); !yield {
		t.Fatalf("expected timer tick to yield directly when no syscall is running")
	}
}

func TestLeaveSyscallWithoutPendingResched(t *testing.T) {
	c := &Core_t{}
	c.EnterSyscall()
	if c.LeaveSyscall() {
		t.Fatalf("expected no pending reschedule when the timer never fired")
	}
}

func TestCurrentProcessRoundTrip(t *testing.T) {
	c := &Core_t{}
	type fakeProc struct{ pid int }
	p := &fakeProc{pid: 7}
	c.SetCurrent(p)
	got, ok := c.Current().(*fakeProc)
	if !ok || got.pid != 7 {
		t.Fatalf("expected to recover stored process, got %#v", c.Current())
	}
}
