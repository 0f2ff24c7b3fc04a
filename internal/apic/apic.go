// Package apic models the local/IO APIC routing contract: the
// firmware's ACPI MADT enumerates local APICs, IO APICs,
// and legacy-IRQ interrupt-source overrides, and this package is the
// core-side consumer of that enumeration, not a register-level driver
// (the MMIO register layout is an out-of-scope external collaborator).
//
// The override table (legacy IRQ -> remapped global system interrupt)
// is grounded on the reference implementation's
// apicInterruptOverridePtrs linear scan, re-expressed here as an
// internal/hashtable lookup instead of a linear array scan.
package apic

import (
	"nucleus/internal/defs"
	"nucleus/internal/hashtable"
	"nucleus/internal/intr"
)

// / LocalInfo_t records one MADT local-APIC entry: the processor's
// / local APIC id and whether the entry's enabled flag was set (a
// / disabled entry names a core the firmware will not start).
type LocalInfo_t struct {
	ApicID  uint8
	Enabled bool
}

// / Routing_i is the MMIO-level collaborator this package drives: the
// / actual local/IO APIC register access is out of scope,
// / so routing logic here is expressed against this interface and
// / exercised in tests with a fake.
type Routing_i interface {
	// SetRedirection programs IOAPIC redirection-table entry gsi to
	// deliver the given vector, masked or not.
	SetRedirection(gsi uint8, vector uint8, masked bool)
	// EOI signals end-of-interrupt to the local APIC.
	EOI()
}

// / Table_t is the routing state built from the MADT: known local
// / APICs, the legacy-IRQ override map, and the MMIO collaborator.
type Table_t struct {
	locals    []LocalInfo_t
	overrides *hashtable.Hashtable_t
	pool      *intr.VectorPool
	hw        Routing_i
}

// / NewTable builds an empty routing table over hw.
func NewTable(hw Routing_i) *Table_t {
	return &Table_t{
		overrides: hashtable.MkHash(32),
		pool:      intr.NewVectorPool(),
		hw:        hw,
	}
}

// / AddLocal records one MADT local-APIC entry.
func (t *Table_t) AddLocal(l LocalInfo_t) {
	t.locals = append(t.locals, l)
}

// / Locals returns every enabled local-APIC entry recorded so far.
func (t *Table_t) Locals() []LocalInfo_t {
	var out []LocalInfo_t
	for _, l := range t.locals {
		if l.Enabled {
			out = append(out, l)
		}
	}
	return out
}

// / AddOverride records that legacy IRQ irq is remapped to global
// / system interrupt gsi by the MADT's interrupt-source-override
// / entries.
func (t *Table_t) AddOverride(irq, gsi uint8) {
	t.overrides.Set(irq, gsi)
}

// / Remap resolves a legacy IRQ number through the override table,
// / returning the IRQ unchanged if no override applies.
func (t *Table_t) Remap(irq uint8) uint8 {
	if v, ok := t.overrides.Get(irq); ok {
		return v.(uint8)
	}
	return irq
}

// / RouteIRQ allocates a software vector for legacy IRQ irq (resolving
// / any MADT override first) and programs the redirection-table entry,
// / unmasked, so d will see f.Vector set to the allocated vector when
// / the IRQ fires.
func (t *Table_t) RouteIRQ(d *intr.Dispatcher_t, irq uint8, h intr.Handler) (int, defs.Err_t) {
	vector, err := t.pool.Alloc()
	if !err.Ok() {
		return 0, err
	}
	d.Register(vector, h)
	gsi := t.Remap(irq)
	t.hw.SetRedirection(gsi, uint8(vector), false)
	return vector, defs.EOK
}

// / UnrouteIRQ masks the redirection entry and releases the vector.
func (t *Table_t) UnrouteIRQ(irq uint8, vector int) {
	gsi := t.Remap(irq)
	t.hw.SetRedirection(gsi, uint8(vector), true)
	t.pool.Free(vector)
}
