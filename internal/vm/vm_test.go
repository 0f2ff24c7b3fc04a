package vm

import (
	"testing"

	"nucleus/internal/defs"
	"nucleus/internal/layout"
	"nucleus/internal/mem"
)

const physBase = layout.Pa_t(0x100000)

func freshAlloc(t *testing.T, frames int) *mem.Allocator_t {
	t.Helper()
	a := &mem.Allocator_t{}
	bytes := uintptr(frames) * uintptr(layout.PGSIZE)
	a.Init(physBase, []mem.MemRegion_t{
		{Base: physBase, Bytes: bytes, Usable: true},
	}, 0, 0)
	return a
}

func TestSetupKernelSpace(t *testing.T) {
	alloc := freshAlloc(t, 64)
	regions := []MappedRegion_t{
		{VStart: layout.KernHighBase, PStart: physBase, Bytes: uintptr(layout.PGSIZE) * 4},
	}
	root, err := SetupKernelSpace(alloc, regions)
	if err != defs.EOK {
		t.Fatalf("setup failed: %v", err)
	}
	if !WalkPresent(alloc, root, layout.KernHighBase, false) {
		t.Fatalf("kernel window not mapped present")
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	alloc := freshAlloc(t, 64)
	regions := []MappedRegion_t{
		{VStart: layout.KernHighBase, PStart: physBase, Bytes: uintptr(layout.PGSIZE) * 8},
	}
	root, err := SetupKernelSpace(alloc, regions)
	if err != defs.EOK {
		t.Fatalf("setup failed: %v", err)
	}

	freeBefore, _ := alloc.Counts()

	v, err := alloc.AllocPage()
	if err != defs.EOK {
		t.Fatalf("alloc failed: %v", err)
	}
	pa, _ := alloc.Phys(v)

	uStart := layout.UserLoadAddr
	uEnd := uStart + layout.Va_t(layout.PGSIZE)
	if err := MapRange(alloc, root, uStart, uEnd, pa, layout.PTE_P|layout.PTE_W|layout.PTE_U); err != defs.EOK {
		t.Fatalf("map failed: %v", err)
	}
	if !WalkPresent(alloc, root, uStart, true) {
		t.Fatalf("expected user page present with user bit set")
	}

	UnmapRange(alloc, root, uStart, uEnd)
	if WalkPresent(alloc, root, uStart, false) {
		t.Fatalf("expected page gone after unmap")
	}

	freeAfter, _ := alloc.Counts()
	if freeAfter != freeBefore {
		t.Fatalf("map/unmap leaked frames: before=%d after=%d", freeBefore, freeAfter)
	}
}

func TestMapRangeAlreadyMapped(t *testing.T) {
	alloc := freshAlloc(t, 64)
	root, err := SetupKernelSpace(alloc, nil)
	if err != defs.EOK {
		t.Fatalf("setup failed: %v", err)
	}

	v, _ := alloc.AllocPage()
	pa, _ := alloc.Phys(v)
	uStart := layout.UserLoadAddr
	uEnd := uStart + layout.Va_t(layout.PGSIZE)
	if err := MapRange(alloc, root, uStart, uEnd, pa, layout.PTE_P|layout.PTE_W|layout.PTE_U); err != defs.EOK {
		t.Fatalf("first map failed: %v", err)
	}
	if err := MapRange(alloc, root, uStart, uEnd, pa, layout.PTE_P|layout.PTE_W|layout.PTE_U); err != defs.EAlreadyMapped {
		t.Fatalf("expected EAlreadyMapped, got %v", err)
	}
}

func TestMapRangeNegativeRange(t *testing.T) {
	alloc := freshAlloc(t, 8)
	root, _ := SetupKernelSpace(alloc, nil)
	if err := MapRange(alloc, root, layout.UserLoadAddr+layout.Va_t(layout.PGSIZE), layout.UserLoadAddr, 0, layout.PTE_P); err != defs.ENegativeRange {
		t.Fatalf("expected ENegativeRange, got %v", err)
	}
}

func TestInitAndFreeUserSpace(t *testing.T) {
	alloc := freshAlloc(t, 64)
	// FreeTree frees the root as well, so count before it is allocated.
	freeBeforeUser, _ := alloc.Counts()

	root, err := SetupKernelSpace(alloc, nil)
	if err != defs.EOK {
		t.Fatalf("setup failed: %v", err)
	}

	image := make([]byte, 100)
	for i := range image {
		image[i] = byte(i)
	}
	total := 4 * layout.PGSIZE
	if err := InitUserSpace(alloc, root, image, len(image), total); err != defs.EOK {
		t.Fatalf("init user space failed: %v", err)
	}
	if !WalkPresent(alloc, root, layout.UserLoadAddr, true) {
		t.Fatalf("expected first user page present and user-accessible")
	}

	FreeTree(alloc, root, total)

	freeAfter, _ := alloc.Counts()
	if freeAfter != freeBeforeUser {
		t.Fatalf("free_tree did not return all frames: before=%d after=%d", freeBeforeUser, freeAfter)
	}
}

func TestCopyUserSpace(t *testing.T) {
	alloc := freshAlloc(t, 64)
	srcRoot, _ := SetupKernelSpace(alloc, nil)
	dstRoot, _ := SetupKernelSpace(alloc, nil)

	image := []byte("hello world")
	total := layout.PGSIZE
	if err := InitUserSpace(alloc, srcRoot, image, len(image), total); err != defs.EOK {
		t.Fatalf("init failed: %v", err)
	}
	if err := CopyUserSpace(alloc, dstRoot, srcRoot, total); err != defs.EOK {
		t.Fatalf("copy failed: %v", err)
	}
	if !WalkPresent(alloc, dstRoot, layout.UserLoadAddr, true) {
		t.Fatalf("expected copied page present in dst")
	}
}
