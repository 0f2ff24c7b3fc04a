package main

import (
	"strings"
	"testing"
	"unsafe"

	"nucleus/internal/apic"
	"nucleus/internal/cpuid"
	"nucleus/internal/defs"
	"nucleus/internal/fat16"
	"nucleus/internal/intr"
	"nucleus/internal/kconfig"
	"nucleus/internal/layout"
	"nucleus/internal/mem"
	"nucleus/internal/proc"
	"nucleus/internal/syscall"
	"nucleus/internal/vm"
)

const physBase = layout.Pa_t(0x100000)

type fakeConsole struct{ lines []string }

func (c *fakeConsole) WriteString(s string) { c.lines = append(c.lines, s) }

type fakeRouting struct{}

func (fakeRouting) SetRedirection(gsi, vector uint8, masked bool) {}
func (fakeRouting) EOI()                                          {}

type fakeDisk struct{ sectors [][fat16.SectorSize]byte }

func (d *fakeDisk) ReadSectors(lba uint32, count int, buf []byte) defs.Err_t {
	if int(lba)+count > len(d.sectors) {
		return defs.EINVAL
	}
	for i := 0; i < count; i++ {
		copy(buf[i*fat16.SectorSize:(i+1)*fat16.SectorSize], d.sectors[int(lba)+i][:])
	}
	return defs.EOK
}

func minimalFATImage() *fakeDisk {
	d := &fakeDisk{sectors: make([][fat16.SectorSize]byte, 3)}
	boot := &d.sectors[0]
	copy(boot[3:11], []byte("NUCLEUS "))
	boot[11], boot[12] = byte(fat16.SectorSize), byte(fat16.SectorSize>>8)
	boot[13] = 1 // sectors per cluster
	boot[14] = 1 // reserved sectors
	boot[16] = 1 // nFATs
	boot[17], boot[18] = 16, 0 // root dir entries
	boot[22] = 1               // sectors per FAT
	boot[fat16.SectorSize-2] = 0x55
	boot[fat16.SectorSize-1] = 0xAA
	return d
}

func testConfig() kconfig.Config_t {
	cfg := kconfig.Default()
	cfg.NumCores = 1
	cfg.MaxProcs = 4
	return cfg
}

func baseHardware() Hardware_t {
	return Hardware_t{
		Console:     &fakeConsole{},
		APICRouting: fakeRouting{},
		PhysBase:    physBase,
		MemRegions: []mem.MemRegion_t{
			{Base: physBase, Bytes: uintptr(layout.PGSIZE) * 512, Usable: true},
		},
		KernelMappedRegions: []vm.MappedRegion_t{
			{VStart: layout.KernHighBase, PStart: physBase, Bytes: uintptr(layout.PGSIZE) * 4},
		},
		Locals: []apic.LocalInfo_t{{ApicID: 0, Enabled: true}},
	}
}

func allFeatures() cpuid.Features_t {
	return cpuid.Features_t{GBPages: true, PGE: true, NX: true, APIC: true}
}

func TestBootWiresSubsystemsWithoutDiskOrSMP(t *testing.T) {
	k, err := Boot(testConfig(), baseHardware(), allFeatures())
	if !err.Ok() {
		t.Fatalf("boot failed: %v", err)
	}
	if k.Alloc == nil || k.Cores == nil || k.Procs == nil || k.Intr == nil || k.APIC == nil || k.Syscalls == nil {
		t.Fatalf("expected every core subsystem to be wired")
	}
	if k.FS != nil || k.Files != nil {
		t.Fatalf("expected no filesystem wired when Hardware_t.Disk is nil")
	}
	if len(k.APIC.Locals()) != 1 {
		t.Fatalf("expected one enabled local APIC, got %d", len(k.APIC.Locals()))
	}
}

func TestBootMountsFilesystemWhenDiskProvided(t *testing.T) {
	hw := baseHardware()
	hw.Disk = minimalFATImage()
	k, err := Boot(testConfig(), hw, allFeatures())
	if !err.Ok() {
		t.Fatalf("boot failed: %v", err)
	}
	if k.FS == nil || k.Files == nil {
		t.Fatalf("expected filesystem and fd table wired when a disk is provided")
	}
}

func TestBootRequiresAPICFeature(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Boot to panic without on-chip APIC support")
		}
	}()
	features := allFeatures()
	features.APIC = false
	Boot(testConfig(), baseHardware(), features)
}

// unsafePointerOf returns b's backing array address as a host pointer,
// standing in for a "user" virtual address: these tests run with no
// separate address space, so a syscall handler's vm.UserBytes sees the
// same backing memory the test wrote to.
func unsafePointerOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// fatImageWithFile builds a 4-sector FAT16 image (boot, FAT, root dir,
// one data cluster) holding a single file "HELLO   TXT" with contents
// data, for exercising the file syscalls end to end.
func fatImageWithFile(name string, data []byte) *fakeDisk {
	d := minimalFATImage()
	d.sectors = append(d.sectors, [fat16.SectorSize]byte{})

	fat := &d.sectors[1]
	fat[2*2], fat[2*2+1] = 0xFF, 0xFF // cluster 2 is the only, last cluster

	root := &d.sectors[2]
	copy(root[0:11], []byte(name))
	root[11] = 0x20 // archive attribute
	root[26], root[27] = 2, 0
	root[28] = byte(len(data))

	copy(d.sectors[3][:], data)
	return d
}

// syscallHardware returns Hardware_t wired to a disk carrying a single
// "HELLO   TXT" file, for tests exercising the file syscalls.
func syscallHardware() Hardware_t {
	hw := baseHardware()
	hw.Disk = fatImageWithFile("HELLO   TXT", []byte("hi there"))
	return hw
}

func TestSyscallGetMemSizeIsRegistered(t *testing.T) {
	k, err := Boot(testConfig(), baseHardware(), allFeatures())
	if !err.Ok() {
		t.Fatalf("boot failed: %v", err)
	}
	size, dispErr, _ := k.Syscalls.Dispatch(0, syscall.SysGetMemSize, syscall.Args_t{})
	if !dispErr.Ok() || size <= 0 {
		t.Fatalf("expected a positive memory size, got %d (err %v)", size, dispErr)
	}
}

func TestSyscallOpenReadCloseRoundTrip(t *testing.T) {
	k, err := Boot(testConfig(), syscallHardware(), allFeatures())
	if !err.Ok() {
		t.Fatalf("boot failed: %v", err)
	}
	// The idle process is the only one Boot creates; give it an fd
	// slot array the way proc.Table_t.allocate would for a real one.
	current, _ := k.Cores.Core(0).Current().(*proc.Proc_t)
	current.Fds = make([]interface{}, k.Cfg.MaxOpenFiles)

	nameBuf := make([]byte, 16)
	copy(nameBuf, "HELLO.TXT\x00")
	nameVa := layout.Va_t(uintptr(unsafePointerOf(nameBuf)))

	ret, _, _ := k.Syscalls.Dispatch(0, syscall.SysOpenFile, syscall.Args_t{A0: uint64(nameVa)})
	if ret < 0 {
		t.Fatalf("open failed: %d", ret)
	}
	fdIdx := uint64(ret)

	size, _, _ := k.Syscalls.Dispatch(0, syscall.SysGetFileSize, syscall.Args_t{A0: fdIdx})
	if size != 8 {
		t.Fatalf("expected file size 8, got %d", size)
	}

	readBuf := make([]byte, 8)
	bufVa := layout.Va_t(uintptr(unsafePointerOf(readBuf)))
	n, _, _ := k.Syscalls.Dispatch(0, syscall.SysReadFile, syscall.Args_t{A0: fdIdx, A1: uint64(bufVa), A2: 8})
	if n != 8 || string(readBuf) != "hi there" {
		t.Fatalf("expected to read \"hi there\", got %q (n=%d)", readBuf, n)
	}

	if closed, _, _ := k.Syscalls.Dispatch(0, syscall.SysCloseFile, syscall.Args_t{A0: fdIdx}); closed != 0 {
		t.Fatalf("expected close to succeed, got %d", closed)
	}
}

func TestSyscallGetRootDirCopiesEveryRootSlot(t *testing.T) {
	k, err := Boot(testConfig(), syscallHardware(), allFeatures())
	if !err.Ok() {
		t.Fatalf("boot failed: %v", err)
	}
	buf := make([]byte, 16*fat16.DirEntrySize)
	bufVa := layout.Va_t(uintptr(unsafePointerOf(buf)))
	n, _, _ := k.Syscalls.Dispatch(0, syscall.SysGetRootDir, syscall.Args_t{A0: uint64(bufVa)})
	if n != 16 {
		t.Fatalf("expected the full 16-slot root directory, got %d", n)
	}
	if string(buf[:8]) != "HELLO   " {
		t.Fatalf("expected the first slot to carry HELLO, got %q", buf[:8])
	}
}

func TestUserFaultExitsOffendingProcessWithoutHalting(t *testing.T) {
	k, err := Boot(testConfig(), baseHardware(), allFeatures())
	if !err.Ok() {
		t.Fatalf("boot failed: %v", err)
	}
	frame := &intr.Frame_t{Vector: intr.VecGPFault, Cs: 0x1b} // ring 3 selector
	k.Procs.StartIdle(0)
	k.Cores.Core(0).SetCurrent(&proc.Proc_t{PID: 1, State: proc.Running})
	k.Intr.Dispatch(0, frame)
}

func TestRepeatedUserFaultsFromTheSameSiteLogOnlyOnce(t *testing.T) {
	console := &fakeConsole{}
	hw := baseHardware()
	hw.Console = console
	k, err := Boot(testConfig(), hw, allFeatures())
	if !err.Ok() {
		t.Fatalf("boot failed: %v", err)
	}
	console.lines = nil // drop the boot banner, only the fault path matters here

	frame := &intr.Frame_t{Vector: intr.VecGPFault, Cs: 0x1b}
	k.Procs.StartIdle(0)
	for i := 0; i < 3; i++ {
		k.Cores.Core(0).SetCurrent(&proc.Proc_t{PID: int64(i + 1), State: proc.Running})
		k.Intr.Dispatch(0, frame)
	}

	logged := 0
	for _, l := range console.lines {
		if strings.Contains(l, "user-mode fault") {
			logged++
		}
	}
	if logged != 1 {
		t.Fatalf("expected the repeated fault to be logged exactly once, got %d (lines=%v)", logged, console.lines)
	}
	if k.Faults.Len() != 1 {
		t.Fatalf("expected one recorded fault call site, got %d", k.Faults.Len())
	}
}

// AP bring-up's blocking wait-for-active-count loop is exercised
// directly in internal/smp's own tests (Boot skips StartAll entirely
// unless Hardware_t has an SMPStarter and a non-empty APApicIDs, and
// the tests above supply neither), since Boot has no way to hand a test the internal
// smp.Bringup_t it constructs to simulate an AP joining.
