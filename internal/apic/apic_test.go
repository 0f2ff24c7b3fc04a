package apic

import (
	"testing"

	"nucleus/internal/intr"
)

type fakeHW struct {
	redirections map[uint8][2]uint8 // gsi -> [vector, masked]
	eois         int
}

func newFakeHW() *fakeHW {
	return &fakeHW{redirections: make(map[uint8][2]uint8)}
}

func (f *fakeHW) SetRedirection(gsi, vector uint8, masked bool) {
	m := uint8(0)
	if masked {
		m = 1
	}
	f.redirections[gsi] = [2]uint8{vector, m}
}

func (f *fakeHW) EOI() { f.eois++ }

func TestRemapUsesOverrideTable(t *testing.T) {
	tb := NewTable(newFakeHW())
	tb.AddOverride(0, 2) // legacy PIT IRQ0 remapped to GSI 2, common on real hardware
	if got := tb.Remap(0); got != 2 {
		t.Fatalf("expected remap to 2, got %d", got)
	}
	if got := tb.Remap(1); got != 1 {
		t.Fatalf("expected unmapped irq unchanged, got %d", got)
	}
}

func TestRouteIRQProgramsRedirectionAndDispatch(t *testing.T) {
	hw := newFakeHW()
	tb := NewTable(hw)
	tb.AddOverride(1, 9)
	d := intr.NewDispatcher()
	called := false
	vector, err := tb.RouteIRQ(d, 1, func(core int, f *intr.Frame_t) { called = true })
	if !err.Ok() {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, ok := hw.redirections[9]
	if !ok {
		t.Fatalf("expected redirection entry for gsi 9")
	}
	if entry[0] != uint8(vector) || entry[1] != 0 {
		t.Fatalf("expected unmasked entry for vector %d, got %v", vector, entry)
	}
	d.Dispatch(0, &intr.Frame_t{Vector: uint64(vector)})
	if !called {
		t.Fatalf("expected routed handler to run")
	}
}

func TestUnrouteIRQMasksAndFreesVector(t *testing.T) {
	hw := newFakeHW()
	tb := NewTable(hw)
	d := intr.NewDispatcher()
	vector, _ := tb.RouteIRQ(d, 5, func(core int, f *intr.Frame_t) {})
	tb.UnrouteIRQ(5, vector)
	if hw.redirections[5][1] != 1 {
		t.Fatalf("expected masked entry after unroute")
	}
	v2, err := tb.pool.Alloc()
	if !err.Ok() || v2 != vector {
		t.Fatalf("expected freed vector %d to be reusable, got %d", vector, v2)
	}
}

func TestLocalsFiltersDisabled(t *testing.T) {
	tb := NewTable(newFakeHW())
	tb.AddLocal(LocalInfo_t{ApicID: 0, Enabled: true})
	tb.AddLocal(LocalInfo_t{ApicID: 1, Enabled: false})
	locals := tb.Locals()
	if len(locals) != 1 || locals[0].ApicID != 0 {
		t.Fatalf("expected only enabled local, got %v", locals)
	}
}
