// Package proc is the process table and scheduler:
// a fixed-size slot array, ready/event-wait/killed queues, round-robin
// scheduling, sleep-on-event/wake-by-tag, and the fork/exec/exit/wait
// lifecycle.
//
// The scheduling algorithm itself is recovered from a reference C
// implementation's process.c (allocateNewProcess, schedule, yield,
// sleep, wakeUp, exit, wait, fork, exec) and re-expressed in an
// idiomatic Go shape: the two raw per-core booleans process.c threads through every early-return path are
// replaced by corestate.Core_t's syscall state machine.
package proc

import (
	"nucleus/internal/accnt"
	"nucleus/internal/corestate"
	"nucleus/internal/defs"
	"nucleus/internal/kconfig"
	"nucleus/internal/klock"
	"nucleus/internal/layout"
	"nucleus/internal/mem"
	"nucleus/internal/stats"
	"nucleus/internal/vm"
)

// / State_t is a process's lifecycle state, the Go equivalent of
// / the reference implementation's enum processState.
type State_t int

const (
	Unused State_t = iota
	Init
	Ready
	Running
	Sleeping
	Killed
)

// Event tags a process can sleep on, ported from the reference implementation's
// enum processEvent. Negative values mirror the original's choice to
// keep event tags disjoint from pids (which are non-negative), since
// a killed process both carries its own pid as an event tag (for a
// parent's wait(pid)) and these fixed tags for other wakeups.
const (
	ExitEvent     int64 = -2
	TimerEvent    int64 = -3
	KeyboardEvent int64 = -4
)

// / CalleeSave_t is the ring-0 context-switch frame: the x86-64
// / callee-saved registers plus the return address switchUserProcess
// / resumes at, ported field-for-field from the reference implementation's
// / ring0ProcessContext.
type CalleeSave_t struct {
	R15, R14, R13, R12 uint64
	Rbp, Rbx           uint64
	Ret                uint64
}

// / Proc_t is one process-table entry.
type Proc_t struct {
	PID           int64
	State         State_t
	EventWaitType int64

	Pml4          layout.Pa_t
	Ring0StackV   layout.Va_t
	TotalUserSize int

	Frame interface{} // *intr.Frame_t; interface{} avoids an intr<->proc import cycle
	Ctx   CalleeSave_t

	// Idle marks the one process per core that is never placed on the
	// ready queue and is scheduled only when that queue is empty, resolving
	//"how does the scheduler recognize the idle process"
	// open question with an explicit field instead of a pid==coreid
	// convention.
	Idle bool

	Fds []interface{} // opaque file-descriptor slots; fd package owns the concrete type

	Accnt accnt.Accnt_t
}

// / Table_t is the fixed-size process table plus its three scheduling
// / queues, guarded by a single lock exactly as the reference implementation's
// / processLock guards processTable/readyProcessList/
// / eventWaitProcessList/killedProcessList together.
type Table_t struct {
	lock klock.Spinlock_t

	slots []Proc_t
	ready []*Proc_t
	event []*Proc_t
	killed []*Proc_t

	nextPID int64

	cores *corestate.Table_t
	alloc *mem.Allocator_t
	cfg   kconfig.Config_t

	Stats stats.SchedStats
}

// / NewTable allocates a process table sized per cfg, bound to alloc
// / for page-table/stack allocation and cores for per-core scheduling
// / state.
func NewTable(cfg kconfig.Config_t, alloc *mem.Allocator_t, cores *corestate.Table_t) *Table_t {
	return &Table_t{
		slots: make([]Proc_t, cfg.MaxProcs),
		alloc: alloc,
		cfg:   cfg,
		cores: cores,
	}
}

func (t *Table_t) findUnused() (*Proc_t, defs.Err_t) {
	for i := range t.slots {
		if t.slots[i].State == Unused {
			return &t.slots[i], defs.EOK
		}
	}
	return nil, defs.EAlloc
}

func removeWaitingForEvent(list []*Proc_t, tag int64) ([]*Proc_t, *Proc_t) {
	for i, p := range list {
		if p.EventWaitType == tag {
			out := append(list[:i:i], list[i+1:]...)
			return out, p
		}
	}
	return list, nil
}

// / allocate builds kernel page tables, a ring-0 stack, and a pid for
// / a fresh slot, mirroring allocateNewProcess's two-step "find a slot,
// / then set it up" shape, but without appending to any queue (the
// / caller decides when the process becomes schedulable).
func (t *Table_t) allocate(kernelRegions []vm.MappedRegion_t) (*Proc_t, defs.Err_t) {
	p, err := t.findUnused()
	if !err.Ok() {
		return nil, err
	}
	p.State = Init

	root, err := vm.SetupKernelSpace(t.alloc, kernelRegions)
	if !err.Ok() {
		return nil, err
	}
	stackV, err := t.alloc.AllocPage()
	if !err.Ok() {
		vm.FreeTree(t.alloc, root, 0)
		return nil, err
	}

	p.Pml4 = root
	p.Ring0StackV = stackV
	p.TotalUserSize = t.cfg.DefaultUserSize
	p.PID = t.nextPID
	t.nextPID++
	p.EventWaitType = 0
	p.Idle = false
	p.Fds = make([]interface{}, t.cfg.MaxOpenFiles)
	return p, defs.EOK
}

// / Allocate is the exported, lock-guarded form of allocate. Fork takes
// / the lock itself and calls allocate directly; Exec allocates nothing.
func (t *Table_t) Allocate(kernelRegions []vm.MappedRegion_t) (*Proc_t, defs.Err_t) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.allocate(kernelRegions)
}

// / InitIdle installs the idle process for core id into the slot at
// / index id, matching the reference implementation's initIdleProcess invariant
// / that the idle process entry for core c must live at table index c.
// / rootPml4 is the kernel-only page table already active (CR3) when
// / the core booted.
func (t *Table_t) InitIdle(id int, rootPml4 layout.Pa_t) *Proc_t {
	t.lock.Lock()
	defer t.lock.Unlock()
	p := &t.slots[id]
	if p.State != Unused {
		panic("proc: idle process slot already in use")
	}
	p.PID = t.nextPID
	t.nextPID++
	p.Pml4 = rootPml4
	p.State = Ready
	p.Idle = true
	return p
}

// / StartIdle marks core id's idle process as the one running there,
// / matching the reference implementation's startIdleProcess.
func (t *Table_t) StartIdle(id int) {
	p := &t.slots[id]
	p.State = Running
	t.cores.Core(id).SetCurrent(p)
}

// schedule picks the next process to run on coreID and makes it the
// core's current process: it points the core's ring-0 and syscall
// stacks at that process's ring-0 stack and marks it Running. It does
// not load the process's Pml4 into CR3 and does not save or restore
// any registers. It is called with t.lock held and returns with it
// still held; the caller (Yield/Sleep/Exit) unlocks it afterwards.
func (t *Table_t) schedule(coreID int) *Proc_t {
	core := t.cores.Core(coreID)
	current, _ := core.Current().(*Proc_t)

	var next *Proc_t
	if len(t.ready) == 0 {
		if current != nil && current.Idle {
			panic("proc: idle process already running with empty ready queue")
		}
		next = &t.slots[coreID]
		if !next.Idle {
			panic("proc: table slot for core is not its idle process")
		}
	} else {
		next = t.ready[0]
		t.ready = t.ready[1:]
	}

	core.Rsp0 = uintptr(next.Ring0StackV) + uintptr(layout.PGSIZE)
	core.SyscallRsp0 = core.Rsp0
	next.State = Running
	core.SetCurrent(next)
	t.Stats.Dequeues.Inc()
	return next
}

// / Yield puts the running process back on the ready queue (unless it
// / is the idle process, which never queues itself) and reschedules.
func (t *Table_t) Yield(coreID int) {
	t.lock.Lock()
	if len(t.ready) == 0 {
		t.lock.Unlock()
		return
	}
	core := t.cores.Core(coreID)
	current, _ := core.Current().(*Proc_t)
	current.State = Ready
	if !current.Idle {
		t.ready = append(t.ready, current)
	}
	t.Stats.Yields.Inc()
	t.schedule(coreID)
	t.lock.Unlock()
}

// / Sleep puts the running process on the event-wait queue under tag
// / and reschedules, matching the reference implementation's sleep().
func (t *Table_t) Sleep(coreID int, tag int64) {
	core := t.cores.Core(coreID)
	current, _ := core.Current().(*Proc_t)
	current.State = Sleeping
	current.EventWaitType = tag

	t.lock.Lock()
	t.event = append(t.event, current)
	t.Stats.Sleeps.Inc()
	t.schedule(coreID)
	t.lock.Unlock()
}

// / Wake moves every process waiting on tag from the event-wait queue
// / to the ready queue, matching the reference implementation's wakeUp().
func (t *Table_t) Wake(tag int64) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for {
		var p *Proc_t
		t.event, p = removeWaitingForEvent(t.event, tag)
		if p == nil {
			break
		}
		p.State = Ready
		t.ready = append(t.ready, p)
		t.Stats.Wakes.Inc()
	}
}

// / Exit moves the running process to the killed queue (using its own
// / pid as the wait tag a parent's Wait will match on), wakes anyone
// / blocked in Wait, and reschedules away from it permanently.
func (t *Table_t) Exit(coreID int) {
	core := t.cores.Core(coreID)
	current, _ := core.Current().(*Proc_t)
	current.State = Killed
	current.EventWaitType = current.PID

	t.lock.Lock()
	t.killed = append(t.killed, current)
	t.lock.Unlock()

	t.Wake(ExitEvent)

	t.lock.Lock()
	t.schedule(coreID)
	t.lock.Unlock()
}

// / Wait blocks the calling process (by sleeping on ExitEvent) until
// / the killed-process-table entry for pid appears, then reaps it: the
// / page tables and ring-0 stack are freed and the slot is zeroed so
// / findUnused can reuse it. fdCloser is called once with the reaped
// / process before the slot is zeroed, so the fd package's reference
// / counting can run over the whole fd array, avoiding a stale
// / "cleanup loop bounded by 0, not MAX_N_FILES_PER_PROCESS" bug
// / by iterating every slot instead of none. Before the slot is zeroed,
// / the reaped child's accnt.Accnt_t is folded into the reaping
// / process's own (the fold-on-reap of SPEC_FULL.md §4.9).
func (t *Table_t) Wait(coreID int, pid int64, fdCloser func(*Proc_t)) {
	for {
		t.lock.Lock()
		var p *Proc_t
		t.killed, p = removeWaitingForEvent(t.killed, pid)
		if p != nil {
			if p.State != Killed {
				panic("proc: process on killed list is not in Killed state")
			}
			t.lock.Unlock()

			t.alloc.FreePage(p.Ring0StackV)
			vm.FreeTree(t.alloc, p.Pml4, p.TotalUserSize)
			if fdCloser != nil {
				fdCloser(p)
			}
			if reaper, ok := t.cores.Core(coreID).Current().(*Proc_t); ok {
				reaper.Accnt.Add(&p.Accnt)
			}
			*p = Proc_t{}
			return
		}
		t.lock.Unlock()
		t.Sleep(coreID, ExitEvent)
	}
}

// / Fork allocates a new process whose user address space is a copy of
// / the current one, appends it to the ready queue, and returns its
// / pid. The child's saved interrupt frame is the caller's
// / responsibility to finish populating (rsp/rbp/rip/rflags and a
// / zeroed return value), matching the reference implementation's fork() contract.
// / fdDup is called once the child's fd slot array has been copied from
// / the parent's, so the fd package can bump both the FCB and File_t
// / reference counts for every inherited slot (spec.md §4.3: "duplicate
// / the open-file array and bump reference counts (both FCB and FD)"),
// / mirroring Wait's fdCloser callback.
func (t *Table_t) Fork(coreID int, kernelRegions []vm.MappedRegion_t, fdDup func(*Proc_t)) (*Proc_t, defs.Err_t) {
	core := t.cores.Core(coreID)
	current, _ := core.Current().(*Proc_t)

	t.lock.Lock()
	child, err := t.allocate(kernelRegions)
	if !err.Ok() {
		t.lock.Unlock()
		return nil, err
	}
	t.lock.Unlock()

	if err := vm.CopyUserSpace(t.alloc, child.Pml4, current.Pml4, current.TotalUserSize); !err.Ok() {
		vm.FreeTree(t.alloc, child.Pml4, 0)
		return nil, err
	}
	child.TotalUserSize = current.TotalUserSize
	copy(child.Fds, current.Fds)
	if fdDup != nil {
		fdDup(child)
	}

	t.lock.Lock()
	child.State = Ready
	t.ready = append(t.ready, child)
	t.lock.Unlock()

	return child, defs.EOK
}

// / Exec replaces the calling process's user image with image, reusing
// / its existing Pml4 rather than allocating a new address space
// / (exec: "no new address space — the current
// / pages are reused"). image must fit in TotalUserSize minus one page,
// / matching the reference implementation's exec() size check; a caller finding the
// / file itself too large (or any other failure) is expected to call
// / Exit instead of Exec, exactly as the reference implementation's exec() falls
// / back to exit() on every error path.
//
// / The returned Proc_t's saved interrupt frame still needs its rip/rsp
// / set to the freshly loaded image's entry and stack top; that part is
// / the caller's responsibility since Frame's concrete type lives in
// / the intr package, which proc does not import.
func (t *Table_t) Exec(coreID int, image []byte) (*Proc_t, defs.Err_t) {
	core := t.cores.Core(coreID)
	current, _ := core.Current().(*Proc_t)

	if len(image) > current.TotalUserSize-layout.PGSIZE {
		return nil, defs.EINVAL
	}

	vm.UnmapRange(t.alloc, current.Pml4, layout.UserLoadAddr, layout.UserLoadAddr+layout.Va_t(current.TotalUserSize))
	if err := vm.InitUserSpace(t.alloc, current.Pml4, image, len(image), current.TotalUserSize); !err.Ok() {
		return nil, err
	}
	return current, defs.EOK
}
