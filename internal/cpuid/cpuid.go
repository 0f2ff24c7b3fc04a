// Package cpuid decodes the CPUID leaves SetupKernelSpace needs before
// trusting 1 GiB pages, global pages, and NX. A reference mem.Dmap_init
// reads these same leaves before installing its direct map; this
// package generalizes that one-off check into a reusable feature
// query. The leaf read itself is a single CPUID instruction, grounded
// on gopheros's kernel/cpu package, which declares a bodyless Go
// function (ID) backed by a hand-written assembly stub rather than a
// standard-library hook — a stock Go toolchain has no CPUID intrinsic.
//
// No golang.org/x/arch subpackage fits here either: x86/x86asm is a
// disassembler and the module ships no CPUID leaf decoder (see
// DESIGN.md), so the leaf read stays a small asm stub instead of a
// third-party dependency.
package cpuid

// id executes CPUID with the given leaf in eax and subleaf in ecx,
// returning the resulting eax, ebx, ecx, edx. Implemented in
// cpuid_amd64.s.
func id(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// / Features_t is the subset of CPUID-reported features
// / setup_kernel_space consults.
type Features_t struct {
	GBPages bool // CPUID.80000001h:EDX[26], 1 GiB page support
	PGE     bool // CPUID.1h:EDX[13], global page support
	NX      bool // CPUID.80000001h:EDX[20], no-execute support
	APIC    bool // CPUID.1h:EDX[9], on-chip local APIC
}

// / Probe executes the CPUID leaves needed to populate a Features_t.
func Probe() Features_t {
	_, _, _, edx1 := id(0x1, 0)
	_, _, _, edxExt := id(0x80000001, 0)
	return Features_t{
		GBPages: edxExt&(1<<26) != 0,
		PGE:     edx1&(1<<13) != 0,
		NX:      edxExt&(1<<20) != 0,
		APIC:    edx1&(1<<9) != 0,
	}
}

// / Require panics with a descriptive message for every feature
// / setup_kernel_space cannot proceed without, matching a reference
// / own "panic on missing global pages" policy in Dmap_init.
func (f Features_t) Require() {
	if !f.PGE {
		panic("cpuid: no global page support")
	}
	if !f.APIC {
		panic("cpuid: no on-chip local APIC")
	}
}
