// Package vm is the address-space manager: it builds
// and edits the four-level x86-64 page-table tree, creates, copies,
// and tears down user address spaces, and enforces the user/kernel
// separation invariants.
//
// Grounded on a reference vm.Vm_t lock discipline (Lock_pmap /
// Unlock_pmap / Lockassert_pmap) for the "pmap lock held during page
// fault handling" pattern, generalized here into the page-table
// builder's own allocate/rollback discipline; the direct-map read/write
// path mirrors mem.Physmem.Dmap from a reference dmap.go.
package vm

import (
	"bytes"
	"unsafe"

	"nucleus/internal/defs"
	"nucleus/internal/layout"
	"nucleus/internal/mem"
)

// / Table_t is one level of the paging hierarchy: 512 64-bit entries.
type Table_t [layout.PTE_PER_TABLE]layout.Pa_t

func tableAt(alloc *mem.Allocator_t, p layout.Pa_t) (*Table_t, defs.Err_t) {
	v, err := alloc.Dmap(p)
	if err != defs.EOK {
		return nil, err
	}
	return (*Table_t)(unsafe.Pointer(uintptr(v))), defs.EOK
}

func zero(t *Table_t) {
	for i := range t {
		t[i] = 0
	}
}

// index bits for each of the four levels, 9 bits apiece starting at bit 12.
func idx(v layout.Va_t, level uint) int {
	return int((uintptr(v) >> (12 + 9*level)) & 0x1ff)
}

// / MappedRegion_t describes a physical region that should be identity
// / mapped into the kernel's high half at SetupKernelSpace time: the
// / kernel window itself, the local/IO APIC MMIO windows, and the
// / framebuffer setup_kernel_space contract.
type MappedRegion_t struct {
	VStart layout.Va_t
	PStart layout.Pa_t
	Bytes  uintptr
}

// / SetupKernelSpace allocates a PML4 and maps every region in regions
// / present+writable, including the kernel physical window and the
// / local/IO interrupt controllers and framebuffer region.
func SetupKernelSpace(alloc *mem.Allocator_t, regions []MappedRegion_t) (layout.Pa_t, defs.Err_t) {
	rootV, err := alloc.AllocPage()
	if err != defs.EOK {
		return 0, err
	}
	root, err := alloc.Phys(rootV)
	if err != defs.EOK {
		return 0, err
	}
	t, err := tableAt(alloc, root)
	if err != defs.EOK {
		return 0, err
	}
	zero(t)

	for _, r := range regions {
		vEnd := r.VStart + layout.Va_t(r.Bytes)
		if err := MapRange(alloc, root, r.VStart, vEnd, r.PStart, layout.PTE_P|layout.PTE_W); err != defs.EOK {
			return 0, err
		}
	}
	return root, defs.EOK
}

// allocTable allocates and zeros a fresh page-table page, returning its
// physical address.
func allocTable(alloc *mem.Allocator_t) (layout.Pa_t, defs.Err_t) {
	v, err := alloc.AllocPage()
	if err != defs.EOK {
		return 0, err
	}
	t, err := tableAt(alloc, mustPhys(alloc, v))
	if err != defs.EOK {
		return 0, err
	}
	zero(t)
	p, _ := alloc.Phys(v)
	return p, defs.EOK
}

func mustPhys(alloc *mem.Allocator_t, v layout.Va_t) layout.Pa_t {
	p, _ := alloc.Phys(v)
	return p
}

// walkFor descends root's tree to the final PT entry for va, allocating
// any missing intermediate table with the given flags. It returns the
// PT's table and the index within it, plus the list of freshly
// allocated intermediate-table frames (for rollback) in allocation
// order.
func walkFor(alloc *mem.Allocator_t, root layout.Pa_t, va layout.Va_t, flags layout.Pa_t) (*Table_t, int, []layout.Pa_t, defs.Err_t) {
	var allocated []layout.Pa_t
	cur := root
	for level := uint(3); level >= 1; level-- {
		t, err := tableAt(alloc, cur)
		if err != defs.EOK {
			return nil, 0, allocated, err
		}
		i := idx(va, level)
		e := t[i]
		if e&layout.PTE_P == 0 {
			childPhys, err := allocTable(alloc)
			if err != defs.EOK {
				return nil, 0, allocated, defs.EAlloc
			}
			t[i] = childPhys | flags&(layout.PTE_W|layout.PTE_U) | layout.PTE_P
			allocated = append(allocated, childPhys)
			cur = childPhys
		} else {
			cur = e & layout.PTE_ADDR
		}
	}
	pt, err := tableAt(alloc, cur)
	if err != defs.EOK {
		return nil, 0, allocated, err
	}
	return pt, idx(va, 0), allocated, defs.EOK
}

func rollback(alloc *mem.Allocator_t, allocated []layout.Pa_t) {
	for i := len(allocated) - 1; i >= 0; i-- {
		v, err := alloc.Dmap(allocated[i])
		if err == defs.EOK {
			alloc.FreePage(v)
		}
	}
}

// / MapRange maps [vStart, vEnd) to physical addresses starting at
// / pStart with the given flags, one 4 KiB page at a time, allocating
// / intermediate tables on demand. It fails if any final PT entry in
// / the range is already present;, any intermediate
// / table allocated while mapping the failing page is freed before the
// / error is returned, since nothing else can yet point at it.
func MapRange(alloc *mem.Allocator_t, root layout.Pa_t, vStart, vEnd layout.Va_t, pStart layout.Pa_t, flags layout.Pa_t) defs.Err_t {
	if pStart%layout.Pa_t(layout.PGSIZE) != 0 {
		return defs.EMisaligned
	}
	if vEnd < vStart {
		return defs.ENegativeRange
	}
	if vStart%layout.Va_t(layout.PGSIZE) != 0 || vEnd%layout.Va_t(layout.PGSIZE) != 0 {
		return defs.EMisaligned
	}

	n := int(vEnd-vStart) / layout.PGSIZE
	for i := 0; i < n; i++ {
		va := vStart + layout.Va_t(i*layout.PGSIZE)
		pa := pStart + layout.Pa_t(i*layout.PGSIZE)

		pt, ptIdx, allocated, err := walkFor(alloc, root, va, flags)
		if err != defs.EOK {
			rollback(alloc, allocated)
			return err
		}
		if pt[ptIdx]&layout.PTE_P != 0 {
			rollback(alloc, allocated)
			return defs.EAlreadyMapped
		}
		pt[ptIdx] = pa | flags | layout.PTE_P
	}
	return defs.EOK
}

// / UnmapRange clears present PT entries in [vStart, vEnd), freeing
// / their backing frames back to the allocator.
func UnmapRange(alloc *mem.Allocator_t, root layout.Pa_t, vStart, vEnd layout.Va_t) {
	n := int(vEnd-vStart) / layout.PGSIZE
	for i := 0; i < n; i++ {
		va := vStart + layout.Va_t(i*layout.PGSIZE)
		walkNoAlloc(alloc, root, va, func(pt *Table_t, ptIdx int) {
			e := pt[ptIdx]
			if e&layout.PTE_P == 0 {
				return
			}
			phys := e & layout.PTE_ADDR
			pt[ptIdx] = 0
			if v, err := alloc.Dmap(phys); err == defs.EOK {
				alloc.FreePage(v)
			}
		})
	}
}

// walkNoAlloc descends to the PT for va without allocating missing
// intermediate tables; it calls fn with the PT and index if the full
// path is present, and is a no-op otherwise.
func walkNoAlloc(alloc *mem.Allocator_t, root layout.Pa_t, va layout.Va_t, fn func(*Table_t, int)) {
	cur := root
	for level := uint(3); level >= 1; level-- {
		t, err := tableAt(alloc, cur)
		if err != defs.EOK {
			return
		}
		e := t[idx(va, level)]
		if e&layout.PTE_P == 0 {
			return
		}
		cur = e & layout.PTE_ADDR
	}
	pt, err := tableAt(alloc, cur)
	if err != defs.EOK {
		return
	}
	fn(pt, idx(va, 0))
}

// / FreeTree unmaps the user range [layout.UserLoadAddr,
// / layout.UserLoadAddr+totalUserSize), then frees every PT, PD, and
// / PDPT frame reachable only from the user half of root, then frees
// / the PML4 frame itself. The shared kernel half (present in every
// / PML4 since SetupKernelSpace) is never touched, matching the
// / data-model invariant that kernel-window frames are owned globally.
func FreeTree(alloc *mem.Allocator_t, root layout.Pa_t, totalUserSize int) {
	UnmapRange(alloc, root, layout.UserLoadAddr, layout.UserLoadAddr+layout.Va_t(totalUserSize))

	pml4, err := tableAt(alloc, root)
	if err != defs.EOK {
		return
	}
	for i4, e4 := range pml4 {
		if e4&layout.PTE_P == 0 || e4&layout.PTE_U == 0 {
			continue
		}
		pdpt, err := tableAt(alloc, e4&layout.PTE_ADDR)
		if err != defs.EOK {
			continue
		}
		for i3, e3 := range pdpt {
			if e3&layout.PTE_P == 0 {
				continue
			}
			pd, err := tableAt(alloc, e3&layout.PTE_ADDR)
			if err == defs.EOK {
				for i2, e2 := range pd {
					if e2&layout.PTE_P == 0 {
						continue
					}
					if v, err := alloc.Dmap(e2 & layout.PTE_ADDR); err == defs.EOK {
						alloc.FreePage(v)
					}
					pd[i2] = 0
				}
			}
			if v, err := alloc.Dmap(e3 & layout.PTE_ADDR); err == defs.EOK {
				alloc.FreePage(v)
			}
			pdpt[i3] = 0
		}
		if v, err := alloc.Dmap(e4 & layout.PTE_ADDR); err == defs.EOK {
			alloc.FreePage(v)
		}
		pml4[i4] = 0
	}
	if v, err := alloc.Dmap(root); err == defs.EOK {
		alloc.FreePage(v)
	}
}

// / InitUserSpace allocates ceil(totalSize/4K) frames starting at
// / layout.UserLoadAddr, copies the first codeSize bytes of image into
// / them, and marks the user's PML4 entry user-accessible.
func InitUserSpace(alloc *mem.Allocator_t, root layout.Pa_t, image []byte, codeSize, totalSize int) defs.Err_t {
	n := layout.PageCount(totalSize)
	for i := 0; i < n; i++ {
		v, err := alloc.AllocPage()
		if err != defs.EOK {
			return err
		}
		page := (*[layout.PGSIZE]byte)(unsafe.Pointer(uintptr(v)))
		for j := range page {
			page[j] = 0
		}
		off := i * layout.PGSIZE
		if off < codeSize {
			end := off + layout.PGSIZE
			if end > codeSize {
				end = codeSize
			}
			if end > len(image) {
				end = len(image)
			}
			if end > off {
				copy(page[:end-off], image[off:end])
			}
		}
		pa, err := alloc.Phys(v)
		if err != defs.EOK {
			return err
		}
		va := layout.UserLoadAddr + layout.Va_t(off)
		if err := MapRange(alloc, root, va, va+layout.Va_t(layout.PGSIZE), pa, layout.PTE_P|layout.PTE_W|layout.PTE_U); err != defs.EOK {
			return err
		}
	}
	return defs.EOK
}

// / CopyUserSpace allocates a fresh frame in dst for every user page
// / present in src and copies the bytes, used by fork.
func CopyUserSpace(alloc *mem.Allocator_t, dst, src layout.Pa_t, totalSize int) defs.Err_t {
	n := layout.PageCount(totalSize)
	for i := 0; i < n; i++ {
		va := layout.UserLoadAddr + layout.Va_t(i*layout.PGSIZE)
		var srcPhys layout.Pa_t
		var present bool
		walkNoAlloc(alloc, src, va, func(pt *Table_t, ptIdx int) {
			e := pt[ptIdx]
			if e&layout.PTE_P != 0 {
				srcPhys = e & layout.PTE_ADDR
				present = true
			}
		})
		if !present {
			continue
		}
		dstV, err := alloc.AllocPage()
		if err != defs.EOK {
			return err
		}
		srcV, err := alloc.Dmap(srcPhys)
		if err != defs.EOK {
			return err
		}
		dstPage := (*[layout.PGSIZE]byte)(unsafe.Pointer(uintptr(dstV)))
		srcPage := (*[layout.PGSIZE]byte)(unsafe.Pointer(uintptr(srcV)))
		*dstPage = *srcPage

		dstPhys, err := alloc.Phys(dstV)
		if err != defs.EOK {
			return err
		}
		if err := MapRange(alloc, dst, va, va+layout.Va_t(layout.PGSIZE), dstPhys, layout.PTE_P|layout.PTE_W|layout.PTE_U); err != defs.EOK {
			return err
		}
	}
	return defs.EOK
}

// / WalkPresent reports whether every entry along the path to va has
// / the present and, when checkUser is set, user bits set — the
// / per-page invariant.
func WalkPresent(alloc *mem.Allocator_t, root layout.Pa_t, va layout.Va_t, checkUser bool) bool {
	ok := true
	cur := root
	for level := uint(3); level >= 1; level-- {
		t, err := tableAt(alloc, cur)
		if err != defs.EOK {
			return false
		}
		e := t[idx(va, level)]
		if e&layout.PTE_P == 0 {
			return false
		}
		if checkUser && e&layout.PTE_U == 0 {
			ok = false
		}
		cur = e & layout.PTE_ADDR
	}
	pt, err := tableAt(alloc, cur)
	if err != defs.EOK {
		return false
	}
	e := pt[idx(va, 0)]
	if e&layout.PTE_P == 0 {
		return false
	}
	if checkUser && e&layout.PTE_U == 0 {
		ok = false
	}
	return ok
}

// / UserBytes views n bytes starting at va as a slice, for a syscall
// / handler dereferencing a pointer argument. It relies on the caller's
// / address space already being the active one: the syscall entry
// / never switches CR3, so a user pointer can be dereferenced directly
// / rather than copied through a staging buffer.
func UserBytes(va layout.Va_t, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), n)
}

// / UserString reads a NUL-terminated string of at most maxLen bytes
// / starting at va, used by open/exec to recover the filename argument.
func UserString(va layout.Va_t, maxLen int) string {
	b := UserBytes(va, maxLen)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
