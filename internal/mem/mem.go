// Package mem implements the physical page allocator:
// a singly-linked free list of 4 KiB frames within the kernel's
// identity-mapped window.
//
// A reference Physmem_t links free frames through the frame's own
// first bytes and keeps per-CPU free lists for scalability. This
// kernel has no per-CPU fast path, so that re-architecture is taken
// literally: the free list is an arena-index list (frame number ->
// next frame number, held in a side array) rather than raw pointers
// living inside freed frames, guarded by one klock.Spinlock_t.
package mem

import (
	"nucleus/internal/defs"
	"nucleus/internal/klock"
	"nucleus/internal/layout"
	"nucleus/internal/stats"
)

const noFrame = ^uint32(0)

// / MemRegion_t describes one entry of the firmware-provided physical
// / memory map, in real physical address space (not yet identity-mapped).
type MemRegion_t struct {
	Base   layout.Pa_t
	Bytes  uintptr
	Usable bool
}

// / Allocator_t is the kernel's physical frame allocator.
type Allocator_t struct {
	lock klock.Spinlock_t

	// physBase is the physical address the kernel window's identity
	// map begins at; frame index 0 corresponds to this address and to
	// virtual address layout.KernHighBase.
	physBase  layout.Pa_t
	numFrames uint32

	// next holds, for each frame index currently on the free list, the
	// index of the next free frame; noFrame terminates the list.
	next []uint32

	freeHead uint32
	freeLen  uint32

	kernelImageStart layout.Pa_t
	kernelImageEnd   layout.Pa_t

	Stats stats.AllocStats
}

// / Init walks the firmware memory map and links every usable frame
// / inside the kernel's physical window that does not overlap the
// / kernel image onto the free list. physBase is the
// / physical address that the kernel window's identity map begins at;
// / imageStart/imageEnd bound the kernel's own physical image, whose
// / frames are never placed on the free list.
func (a *Allocator_t) Init(physBase layout.Pa_t, memmap []MemRegion_t, imageStart, imageEnd layout.Pa_t) {
	a.physBase = physBase
	a.numFrames = uint32(layout.KernWindowSize) >> layout.PGSHIFT
	a.next = make([]uint32, a.numFrames)
	a.kernelImageStart = imageStart
	a.kernelImageEnd = imageEnd
	a.freeHead = noFrame
	a.freeLen = 0

	windowEnd := physBase + layout.Pa_t(layout.KernWindowSize)

	for _, region := range memmap {
		if !region.Usable {
			continue
		}
		count := uint32(region.Bytes) >> layout.PGSHIFT
		for i := uint32(0); i < count; i++ {
			p := region.Base + layout.Pa_t(i)<<layout.PGSHIFT
			if p < physBase || p >= windowEnd {
				continue
			}
			if p >= a.kernelImageStart && p < a.kernelImageEnd {
				continue
			}
			idx := uint32((p - physBase) >> layout.PGSHIFT)
			a.push(idx)
		}
	}
}

func (a *Allocator_t) push(idx uint32) {
	a.next[idx] = a.freeHead
	a.freeHead = idx
	a.freeLen++
}

// / frameAddr returns the direct-mapped virtual address of frame idx.
func (a *Allocator_t) frameAddr(idx uint32) layout.Va_t {
	return layout.KernHighBase + layout.Va_t(idx)<<layout.PGSHIFT
}

func (a *Allocator_t) addrIdx(v layout.Va_t) (uint32, defs.Err_t) {
	if v%layout.Va_t(layout.PGSIZE) != 0 {
		return 0, defs.EMisaligned
	}
	if v < layout.KernHighBase || v >= layout.KernHighBase+layout.Va_t(layout.KernWindowSize) {
		return 0, defs.EAddrOutOfKernelWindow
	}
	return uint32((v - layout.KernHighBase) >> layout.PGSHIFT), defs.EOK
}

// / Phys returns the physical address backing the direct-mapped
// / virtual address v, for callers (vm.MapRange) that need to program
// / a page-table entry with a physical address.
func (a *Allocator_t) Phys(v layout.Va_t) (layout.Pa_t, defs.Err_t) {
	idx, err := a.addrIdx(v)
	if err != defs.EOK {
		return 0, err
	}
	return a.physBase + layout.Pa_t(idx)<<layout.PGSHIFT, defs.EOK
}

// / Dmap returns the direct-mapped virtual address of physical address
// / p, the kernel's way of reading/writing a physical frame's contents
// / without switching address spaces.
func (a *Allocator_t) Dmap(p layout.Pa_t) (layout.Va_t, defs.Err_t) {
	windowEnd := a.physBase + layout.Pa_t(layout.KernWindowSize)
	if p < a.physBase || p >= windowEnd {
		return 0, defs.EAddrOutOfKernelWindow
	}
	idx := uint32((p - a.physBase) >> layout.PGSHIFT)
	return a.frameAddr(idx), defs.EOK
}

// / AllocPage returns the direct-mapped virtual address of a free 4 KiB
// / frame, the head of the free list. The caller is responsible for
// / zeroing the returned page; this matches a reference
// / Refpg_new_nozero contract, generalized to the no-refcount model
// / this kernel uses (frames have exactly one owner, never copy-on-write
// / shared).
func (a *Allocator_t) AllocPage() (layout.Va_t, defs.Err_t) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.freeHead == noFrame {
		a.Stats.OOMHits.Inc()
		return 0, defs.EOutOfMemory
	}
	idx := a.freeHead
	a.freeHead = a.next[idx]
	a.freeLen--
	a.Stats.Allocs.Inc()
	return a.frameAddr(idx), defs.EOK
}

// / FreePage inserts the frame at virt back onto the head of the free
// / list. Fails if virt is misaligned, falls inside the kernel image,
// / or lies outside the kernel window.
func (a *Allocator_t) FreePage(virt layout.Va_t) defs.Err_t {
	idx, err := a.addrIdx(virt)
	if err != defs.EOK {
		return err
	}
	p := a.physBase + layout.Pa_t(idx)<<layout.PGSHIFT
	if p >= a.kernelImageStart && p < a.kernelImageEnd {
		return defs.EInsideKernelImage
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	a.push(idx)
	a.Stats.Frees.Inc()
	return defs.EOK
}

// / Counts returns the current free and allocated frame counts for
// / diagnostics.
func (a *Allocator_t) Counts() (free, allocated int) {
	a.lock.Lock()
	defer a.lock.Unlock()
	free = int(a.freeLen)
	allocated = int(a.numFrames) - free
	return
}

// / Acyclic walks the free list and reports whether it is acyclic and
// / every frame lies within bounds, a sanity check every data structure
// / with a reachability invariant can be held to.
func (a *Allocator_t) Acyclic() bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	seen := make(map[uint32]bool, a.freeLen)
	for i := a.freeHead; i != noFrame; i = a.next[i] {
		if seen[i] {
			return false
		}
		seen[i] = true
		if i >= a.numFrames {
			return false
		}
	}
	return uint32(len(seen)) == a.freeLen
}

// / Physmem is the global physical memory allocator instance, mirroring
// / a reference package-level Physmem variable.
var Physmem = &Allocator_t{}
