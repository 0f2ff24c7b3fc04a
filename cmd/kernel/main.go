// Command kernel is the boot entry point: it wires every internal
// package into one running kernel instance, in this order: console,
// CPUID feature checks, IDT, interrupt controllers, physical memory,
// paging and the idle process, vector handlers, syscalls, the FAT16
// volume, then SMP bring-up.
//
// main itself is a placeholder: a patched-Go-runtime kernel is entered
// directly by the bootloader at a fixed symbol, not through a hosted
// process's argv/environ, so there is nothing for a hosted main to do
// beyond explain that. Boot is the real, testable entry point, taking
// every piece of hardware it needs as an interface so it can be driven
// from a test without real silicon.
package main

import (
	"encoding/binary"

	"nucleus/internal/apic"
	"nucleus/internal/caller"
	"nucleus/internal/corestate"
	"nucleus/internal/cpuid"
	"nucleus/internal/defs"
	"nucleus/internal/fat16"
	"nucleus/internal/fd"
	"nucleus/internal/intr"
	"nucleus/internal/kconfig"
	"nucleus/internal/keyboard"
	"nucleus/internal/klog"
	"nucleus/internal/layout"
	"nucleus/internal/mem"
	"nucleus/internal/proc"
	"nucleus/internal/smp"
	"nucleus/internal/syscall"
	"nucleus/internal/vm"
)

// / Override_t is one ACPI MADT interrupt-source override entry.
type Override_t struct {
	IRQ, GSI uint8
}

// / Hardware_t collects every out-of-scope external collaborator Boot
// / needs: the console, the disk, the interrupt-controller MMIO layer,
// / the AP bring-up mechanism, the ACPI PM timer, and the firmware
// / memory map. Real implementations live behind the platform's MMIO/
// / port-I/O layer; Hardware_t only names the interfaces this package
// / depends on.
type Hardware_t struct {
	Console    klog.Writer
	Disk       fat16.Disk_i
	APICRouting apic.Routing_i
	SMPStarter smp.Starter_i
	SMPTimer   smp.Timer_i

	BSPApicID  uint32
	APApicIDs  []uint32
	Locals     []apic.LocalInfo_t
	Overrides  []Override_t

	PhysBase            layout.Pa_t
	MemRegions          []mem.MemRegion_t
	KernelImageStart    layout.Pa_t
	KernelImageEnd      layout.Pa_t
	KernelMappedRegions []vm.MappedRegion_t
}

// / Kernel_t is every subsystem Boot wires together, handed back so a
// / caller (or a test) can drive it further.
type Kernel_t struct {
	Cfg      kconfig.Config_t
	Alloc    *mem.Allocator_t
	Cores    *corestate.Table_t
	Procs    *proc.Table_t
	Intr     *intr.Dispatcher_t
	APIC     *apic.Table_t
	Syscalls *syscall.Table_t
	FS       *fat16.Volume_t
	Files    *fd.Table_t
	Keyboard *keyboard.Queue_t
	Faults   *caller.Distinct_caller_t

	kernelRegions []vm.MappedRegion_t
}

// / Boot wires every subsystem together in the reference implementation's
// / kernelStart order and returns the assembled Kernel_t, or the first
// / error any stage reports. cfg.NumCores must already reflect however
// / many entries hw.Locals/hw.APApicIDs enumerate. features is the
// / cpuid.Probe result, taken as a parameter (rather than probed here)
// / so Boot's wiring can be driven from a hosted test with a hand-built
// / Features_t, without executing the CPUID asm stub itself.
func Boot(cfg kconfig.Config_t, hw Hardware_t, features cpuid.Features_t) (*Kernel_t, defs.Err_t) {
	klog.SetConsole(hw.Console)
	klog.Printf("Kernel Started!\n")

	features.Require()

	k := &Kernel_t{Cfg: cfg, kernelRegions: hw.KernelMappedRegions}

	k.Intr = intr.NewDispatcher()
	k.APIC = apic.NewTable(hw.APICRouting)
	for _, l := range hw.Locals {
		k.APIC.AddLocal(l)
	}
	for _, o := range hw.Overrides {
		k.APIC.AddOverride(o.IRQ, o.GSI)
	}

	k.Alloc = &mem.Allocator_t{}
	k.Alloc.Init(hw.PhysBase, hw.MemRegions, hw.KernelImageStart, hw.KernelImageEnd)

	k.Cores = corestate.NewTable(cfg.NumCores)
	k.Procs = proc.NewTable(cfg, k.Alloc, k.Cores)
	k.Keyboard = &keyboard.Queue_t{}
	k.Faults = &caller.Distinct_caller_t{Enabled: true}

	bspPml4, err := vm.SetupKernelSpace(k.Alloc, hw.KernelMappedRegions)
	if !err.Ok() {
		return nil, err
	}
	k.Procs.InitIdle(0, bspPml4)
	k.Procs.StartIdle(0)

	registerFaultHandlers(k)
	k.Intr.Register(intr.VecTimer, func(core int, f *intr.Frame_t) {
		c := k.Cores.Core(core)
		c.Ticks++
		k.Procs.Wake(proc.TimerEvent)
		if c.TimerTick() {
			// Pure user code was interrupted (no syscall in flight):
			// charge the tick to the interrupted process's user time
			// before yielding away from it.
			if p, ok := c.Current().(*proc.Proc_t); ok {
				p.Accnt.Utadd(k.Cfg.TickQuantumMS * 1e6)
			}
			k.Procs.Yield(core)
		}
	})
	k.Intr.Register(intr.VecKeyboard, func(core int, f *intr.Frame_t) {
		k.Keyboard.Push(byte(f.Rax))
		k.Procs.Wake(proc.KeyboardEvent)
	})

	k.Syscalls = syscall.NewTable(k.Cores)
	registerSyscalls(k)

	if hw.Disk != nil {
		vol, err := fat16.Mount(hw.Disk)
		if !err.Ok() {
			return nil, err
		}
		k.FS = vol
		k.Files = fd.NewTable(vol, cfg.MaxFDs)
	}

	activeCores := 1
	if hw.SMPStarter != nil && len(hw.APApicIDs) > 0 {
		bringup := smp.NewBringup()
		smp.StartAll(hw.SMPStarter, hw.SMPTimer, nil, hw.BSPApicID, hw.APApicIDs, apTrampolineVector, bringup)
		activeCores = bringup.Active()
	}

	klog.Printf("Active cores count: %d\n", activeCores)
	return k, defs.EOK
}

// apTrampolineVector is the real-mode trampoline's page-aligned
// vector, fixed by the linker script placing it at a 4 KiB boundary.
const apTrampolineVector = 0x08

// faultVectors are the CPU exception vectors registerFaultHandlers
// covers: the IST1 vectors (whose ring-0 stack at entry may be
// corrupt) plus divide error and page fault. The same policy applies
// to all of them: a user-mode fault exits the offending process, a
// kernel-mode fault is an implementation bug and halts via
// klog.Panicf (which dumps the call chain through internal/caller).
var faultVectors = []int{
	intr.VecDivideError, intr.VecNMI, intr.VecDoubleFault,
	intr.VecInvalidTSS, intr.VecStackFault, intr.VecGPFault, intr.VecPageFault,
}

// registerFaultHandlers wires the faultVectors policy. A user-mode
// fault kills the offending process; the same call site (same Go
// runtime call chain through this handler, a proxy for "the same
// faulting code path") only gets the full diagnostic once, via
// k.Faults.Distinct, so a process that's repeatedly relaunched into
// the same bad access doesn't flood the console on every retry.
func registerFaultHandlers(k *Kernel_t) {
	for _, v := range faultVectors {
		v := v
		k.Intr.Register(v, func(core int, f *intr.Frame_t) {
			if f.FromUser() {
				if distinct, trace := k.Faults.Distinct(); distinct {
					klog.Printf("core %d: user-mode fault, vector %#x, rip %#x\n%s", core, f.Vector, f.Rip, trace)
				}
				k.Procs.Exit(core)
				return
			}
			klog.Panicf("core %d: kernel-mode fault, vector %#x, error %#x, rip %#x", core, f.Vector, f.ErrCode, f.Rip)
		})
	}
}

func registerSyscalls(k *Kernel_t) {
	k.Syscalls.Register(syscall.SysPrintBuffer, func(core int, a syscall.Args_t) int64 {
		buf := vm.UserBytes(layout.Va_t(a.A0), int(a.A1))
		klog.Printf("%s", string(buf))
		return int64(len(buf))
	})
	k.Syscalls.Register(syscall.SysSleep, func(core int, a syscall.Args_t) int64 {
		start := k.Cores.Core(core).Ticks
		for k.Cores.Core(core).Ticks-start < a.A0 {
			k.Procs.Sleep(core, proc.TimerEvent)
		}
		return 0
	})
	k.Syscalls.Register(syscall.SysExit, func(core int, a syscall.Args_t) int64 {
		k.Procs.Exit(core)
		return 0
	})
	k.Syscalls.Register(syscall.SysWait, func(core int, a syscall.Args_t) int64 {
		k.Procs.Wait(core, int64(a.A0), func(p *proc.Proc_t) {
			if k.Files != nil {
				k.Files.CloseAll(p)
			}
		})
		return 0
	})
	k.Syscalls.Register(syscall.SysReadChar, func(core int, a syscall.Args_t) int64 {
		for {
			if c, ok := k.Keyboard.Pop(); ok {
				return int64(c)
			}
			k.Procs.Sleep(core, proc.KeyboardEvent)
		}
	})
	k.Syscalls.Register(syscall.SysGetMemSize, func(core int, a syscall.Args_t) int64 {
		free, allocated := k.Alloc.Counts()
		return int64(free+allocated) * int64(layout.PGSIZE)
	})
	k.Syscalls.Register(syscall.SysOpenFile, func(core int, a syscall.Args_t) int64 {
		if k.Files == nil {
			return -1
		}
		p, _ := k.Cores.Core(core).Current().(*proc.Proc_t)
		name := vm.UserString(layout.Va_t(a.A0), fat16.FilenameSize+fat16.ExtensionSize+2)
		fdIdx, err := k.Files.Open(p, name)
		if !err.Ok() {
			return -1
		}
		return int64(fdIdx)
	})
	k.Syscalls.Register(syscall.SysReadFile, func(core int, a syscall.Args_t) int64 {
		if k.Files == nil {
			return -1
		}
		p, _ := k.Cores.Core(core).Current().(*proc.Proc_t)
		buf := vm.UserBytes(layout.Va_t(a.A1), int(a.A2))
		n, err := k.Files.Read(p, int(a.A0), buf)
		if !err.Ok() {
			return -1
		}
		return int64(n)
	})
	k.Syscalls.Register(syscall.SysCloseFile, func(core int, a syscall.Args_t) int64 {
		if k.Files == nil {
			return -1
		}
		p, _ := k.Cores.Core(core).Current().(*proc.Proc_t)
		if err := k.Files.Close(p, int(a.A0)); !err.Ok() {
			return -1
		}
		return 0
	})
	k.Syscalls.Register(syscall.SysGetFileSize, func(core int, a syscall.Args_t) int64 {
		if k.Files == nil {
			return -1
		}
		p, _ := k.Cores.Core(core).Current().(*proc.Proc_t)
		size, err := k.Files.GetFileSize(p, int(a.A0))
		if !err.Ok() {
			return -1
		}
		return int64(size)
	})
	k.Syscalls.Register(syscall.SysFork, func(core int, a syscall.Args_t) int64 {
		p, _ := k.Cores.Core(core).Current().(*proc.Proc_t)
		child, err := k.Procs.Fork(core, k.kernelRegions, func(c *proc.Proc_t) {
			if k.Files != nil {
				k.Files.DupAll(c)
			}
		})
		if !err.Ok() {
			return -1
		}
		frame := &intr.Frame_t{}
		if pf, ok := p.Frame.(*intr.Frame_t); ok && pf != nil {
			*frame = *pf
		}
		frame.Rsp, frame.Rbp, frame.Rip, frame.Rflags = a.A0, a.A1, a.A2, a.A3
		frame.Rax = 0
		child.Frame = frame
		return child.PID
	})
	k.Syscalls.Register(syscall.SysExec, func(core int, a syscall.Args_t) int64 {
		name := vm.UserString(layout.Va_t(a.A0), fat16.FilenameSize+fat16.ExtensionSize+2)
		fail := func() int64 {
			k.Procs.Exit(core)
			return -1
		}
		if k.Files == nil {
			return fail()
		}
		p, _ := k.Cores.Core(core).Current().(*proc.Proc_t)
		fileIdx, err := k.Files.Open(p, name)
		if !err.Ok() {
			return fail()
		}
		size, err := k.Files.GetFileSize(p, fileIdx)
		if !err.Ok() {
			k.Files.Close(p, fileIdx)
			return fail()
		}
		image := make([]byte, size)
		if _, err := k.Files.Read(p, fileIdx, image); !err.Ok() {
			k.Files.Close(p, fileIdx)
			return fail()
		}
		if err := k.Files.Close(p, fileIdx); !err.Ok() {
			return fail()
		}
		execed, err := k.Procs.Exec(core, image)
		if !err.Ok() {
			return fail()
		}
		execed.Frame = &intr.Frame_t{
			Rip: uint64(layout.UserLoadAddr),
			Rsp: uint64(layout.UserLoadAddr) + uint64(execed.TotalUserSize),
		}
		return 0
	})
	k.Syscalls.Register(syscall.SysGetRootDir, func(core int, a syscall.Args_t) int64 {
		if k.Files == nil {
			return 0
		}
		entries := make([]fat16.DirEntry_t, k.FS.NumRootEntries())
		n := k.Files.GetRootDirectory(entries)
		out := vm.UserBytes(layout.Va_t(a.A0), n*fat16.DirEntrySize)
		for i := 0; i < n; i++ {
			e := entries[i]
			off := i * fat16.DirEntrySize
			copy(out[off:off+fat16.FilenameSize], e.Name[:])
			copy(out[off+fat16.FilenameSize:off+fat16.FilenameSize+fat16.ExtensionSize], e.Ext[:])
			out[off+11] = e.Attributes
			binary.LittleEndian.PutUint16(out[off+26:], e.StartingCluster)
			binary.LittleEndian.PutUint32(out[off+28:], e.FileSize)
		}
		return int64(n)
	})
}

func main() {
	panic("the kernel binary is entered directly by the bootloader; there is no hosted main")
}
