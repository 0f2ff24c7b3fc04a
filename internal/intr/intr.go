// Package intr is the interrupt and exception dispatch path: 256
// interrupt-gate descriptors, IST1 assignment for
// vectors whose ring-0 stack may be corrupt at entry, and the common
// dispatch a per-vector ISR stub calls into after saving the interrupt
// frame.
//
// The stub itself (push vector + core id, save general registers in
// canonical order, execute iretq on return) is out of scope per
// spec.md §1, the same boot-environment boundary the ISR-gate loader
// and TSS/GDT setup sit behind; this package is everything above that
// line.
package intr

import (
	"sync"

	"nucleus/internal/defs"
	"nucleus/internal/klock"
)

// / Frame_t is the saved interrupt frame: it lives at the
// / top of a process's ring-0 stack and is what the per-vector ISR
// / stub produces before calling Dispatch.
type Frame_t struct {
	// General-purpose registers, in the canonical save order.
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	Rbp, Rdi, Rsi, Rdx, Rcx, Rbx, Rax    uint64

	CoreID  uint64
	Vector  uint64
	ErrCode uint64

	// Pushed by the CPU on interrupt/exception entry.
	Rip    uint64
	Cs     uint64
	Rflags uint64
	Rsp    uint64
	Ss     uint64
}

// / FromUser reports whether the interrupted context was ring 3, the
// / distinction a fault handler uses to decide whether to kill a
// / process or halt the kernel.
func (f *Frame_t) FromUser() bool {
	return f.Cs&0x3 != 0
}

// Well-known vector numbers
const (
	VecDivideError = 0
	VecNMI         = 2
	VecDoubleFault = 8
	VecInvalidTSS  = 10
	VecStackFault  = 12
	VecGPFault     = 13
	VecPageFault   = 14
	VecTimer       = 0x20
	VecKeyboard    = 0x21
	VecSpurious    = 0xFF
)

// / Handler is invoked by Dispatch with the core id and the saved
// / frame. It may return normally; the ISR stub restores registers and
// / executes iretq.
type Handler func(core int, f *Frame_t)

// / Dispatcher_t is the vector table: a handler and an IST slot per
// / vector. The IST slot is 0 (use rsp0) for every vector except the
// / fault vectors, which get IST slot 1 so the
// / CPU switches to the per-core emergency stack instead of trusting a
// / possibly-corrupt rsp0.
type Dispatcher_t struct {
	lock     klock.Spinlock_t
	handlers [256]Handler
	ist      [256]uint8
}

// / NewDispatcher builds a Dispatcher_t with IST1 assigned to the fault
// / vectors and a no-op spurious-vector handler
// / installed.
func NewDispatcher() *Dispatcher_t {
	d := &Dispatcher_t{}
	for _, v := range []int{VecNMI, VecDoubleFault, VecInvalidTSS, VecStackFault, VecGPFault} {
		d.ist[v] = 1
	}
	d.handlers[VecSpurious] = func(core int, f *Frame_t) {}
	return d
}

// / IST returns the IST slot a vector's gate descriptor should carry.
func (d *Dispatcher_t) IST(vector int) uint8 {
	return d.ist[vector]
}

// / Register installs h as the handler for vector. Boot-time only; no
// / lock is required for correctness but one is taken anyway since
// / Register and Dispatch may race during early AP bring-up.
func (d *Dispatcher_t) Register(vector int, h Handler) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.handlers[vector] = h
}

// / Dispatch indexes the handler table by f.Vector and calls it. An
// / unregistered vector (other than the reserved spurious one) is an
// / unhandled exception: a user-mode fault exits the offending process
// / and a kernel-mode fault halts; those policies are installed as the
// / handlers for every unassigned fault vector by the code that builds
// / the table (see cmd/kernel's registerFaultHandlers), so reaching "no handler" here
// / is itself a kernel bug.
func (d *Dispatcher_t) Dispatch(core int, f *Frame_t) {
	h := d.handlers[f.Vector]
	if h == nil {
		panic("unhandled interrupt vector")
	}
	h(core, f)
}

// VectorLo/VectorHi bound the software vectors available for
// IOAPIC-routed IRQs, above the CPU exception range and the timer and
// keyboard vectors, and below the spurious vector.
const (
	VectorLo = 0x30
	VectorHi = 0xF0
)

// / VectorPool hands out free interrupt vectors to IOAPIC routing
// / requests, one per IRQ line. Adapted from a reference
// / msi.Msivecs_t allocate/free pattern (a map of in-use numbers guarded
// / by a mutex); MSI itself has no role here since this kernel has no
// / PCI bus driver, but the same small allocator shape fits handing out
// / IOAPIC redirection-table vectors.
type VectorPool struct {
	sync.Mutex
	inuse map[int]bool
}

// / NewVectorPool returns an empty pool spanning [VectorLo, VectorHi).
func NewVectorPool() *VectorPool {
	return &VectorPool{inuse: make(map[int]bool)}
}

// / Alloc reserves and returns the lowest free vector, or EOutOfMemory
// / if the pool is exhausted.
func (p *VectorPool) Alloc() (int, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	for v := VectorLo; v < VectorHi; v++ {
		if !p.inuse[v] {
			p.inuse[v] = true
			return v, defs.EOK
		}
	}
	return 0, defs.EOutOfMemory
}

// / Free releases a vector back to the pool.
func (p *VectorPool) Free(v int) {
	p.Lock()
	defer p.Unlock()
	delete(p.inuse, v)
}
