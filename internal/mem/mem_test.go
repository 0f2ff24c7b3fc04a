package mem

import (
	"testing"

	"nucleus/internal/defs"
	"nucleus/internal/layout"
)

const physBase = layout.Pa_t(0x100000)

func freshAllocator(t *testing.T, frames int) *Allocator_t {
	t.Helper()
	a := &Allocator_t{}
	bytes := uintptr(frames) * uintptr(layout.PGSIZE)
	a.Init(physBase, []MemRegion_t{
		{Base: physBase, Bytes: bytes, Usable: true},
	}, 0, 0)
	return a
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := freshAllocator(t, 4)
	freeBefore, _ := a.Counts()

	v, err := a.AllocPage()
	if err != defs.EOK {
		t.Fatalf("alloc failed: %v", err)
	}
	if err := a.FreePage(v); err != defs.EOK {
		t.Fatalf("free failed: %v", err)
	}

	freeAfter, _ := a.Counts()
	if freeAfter != freeBefore {
		t.Fatalf("counters changed across round trip: before=%d after=%d", freeBefore, freeAfter)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := freshAllocator(t, 2)
	if _, err := a.AllocPage(); err != defs.EOK {
		t.Fatalf("first alloc failed: %v", err)
	}
	if _, err := a.AllocPage(); err != defs.EOK {
		t.Fatalf("second alloc failed: %v", err)
	}
	if _, err := a.AllocPage(); err != defs.EOutOfMemory {
		t.Fatalf("expected EOutOfMemory, got %v", err)
	}
}

func TestFreeMisaligned(t *testing.T) {
	a := freshAllocator(t, 2)
	if err := a.FreePage(layout.KernHighBase + 1); err != defs.EMisaligned {
		t.Fatalf("expected EMisaligned, got %v", err)
	}
}

func TestFreeAboveKernelLimit(t *testing.T) {
	a := freshAllocator(t, 2)
	bad := layout.KernHighBase + layout.Va_t(layout.KernWindowSize) + layout.Va_t(layout.PGSIZE)
	if err := a.FreePage(bad); err != defs.EAddrOutOfKernelWindow {
		t.Fatalf("expected EAddrOutOfKernelWindow, got %v", err)
	}
}

func TestFreeInsideKernelImage(t *testing.T) {
	a := &Allocator_t{}
	bytes := uintptr(4) * uintptr(layout.PGSIZE)
	imageEnd := physBase + layout.Pa_t(layout.PGSIZE)
	a.Init(physBase, []MemRegion_t{
		{Base: physBase, Bytes: bytes, Usable: true},
	}, physBase, imageEnd)

	// The allocator should never have placed the image's own frame on
	// the free list in the first place, so draining it and checking
	// for the image frame's virtual address proves the invariant.
	seen := map[layout.Va_t]bool{}
	for {
		v, err := a.AllocPage()
		if err != defs.EOK {
			break
		}
		seen[v] = true
	}
	if seen[layout.KernHighBase] {
		t.Fatalf("image frame was placed on the free list")
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 free frames outside the 1-frame image, got %d", len(seen))
	}
	if err := a.FreePage(layout.KernHighBase); err != defs.EInsideKernelImage {
		t.Fatalf("expected EInsideKernelImage freeing the image frame, got %v", err)
	}
}

func TestFreeListAcyclicAndBounded(t *testing.T) {
	a := freshAllocator(t, 8)
	if !a.Acyclic() {
		t.Fatalf("expected fresh free list to be acyclic")
	}

	var pages []layout.Va_t
	for i := 0; i < 4; i++ {
		v, err := a.AllocPage()
		if err != defs.EOK {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		pages = append(pages, v)
	}
	for _, v := range pages {
		if err := a.FreePage(v); err != defs.EOK {
			t.Fatalf("free failed: %v", err)
		}
	}
	if !a.Acyclic() {
		t.Fatalf("expected free list to remain acyclic after churn")
	}
}

func TestImageFramesNeverFreeListed(t *testing.T) {
	a := &Allocator_t{}
	bytes := uintptr(4) * uintptr(layout.PGSIZE)
	imageEnd := physBase + layout.Pa_t(2*layout.PGSIZE)
	a.Init(physBase, []MemRegion_t{
		{Base: physBase, Bytes: bytes, Usable: true},
	}, physBase, imageEnd)

	free, _ := a.Counts()
	if free != 2 {
		t.Fatalf("expected 2 free frames outside the 2-frame image, got %d", free)
	}
}
