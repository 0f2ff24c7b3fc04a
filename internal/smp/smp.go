// Package smp brings up application processors over INIT/SIPI and the
// ACPI PM timer per-core bring-up contract. No package in the
// available Go reference code covers AP bring-up directly, so the
// busy-wait and wrap-handling arithmetic here are grounded on a
// reference C implementation's acpiBusySleepUsecs and smpInit,
// re-expressed in an idiomatic Go shape: a klock.Spinlock_t-guarded
// counter instead of a bare C global for the active-core count.
// Sleep durations stay raw microsecond counts.
package smp

import (
	"nucleus/internal/klock"
)

// / Timer_i is the ACPI PM timer collaborator: an out-of-scope external
// / device this package busy-waits against. ExtendedWidth
// / reports whether the timer is the 32-bit variant; otherwise it wraps
// / at 24 bits, mirroring acpiGetTimerPeriod's two cases.
type Timer_i interface {
	Value() uint32
	ExtendedWidth() bool
}

// ACPI_TIMER_FREQ in a reference implementation's acpi.h: the PM timer
// always runs at 3.579545 MHz regardless of CPU speed.
const timerFreqHz = 3579545

func period(extended bool) uint64 {
	if extended {
		return uint64(1) << 32
	}
	return uint64(1) << 24
}

// / BusySleep busy-waits for usecs microseconds against t, handling a
// / single timer wraparound exactly as acpiBusySleepUsecs does:
// / accumulate elapsed ticks each iteration, adding the timer's full
// / period when the raw value decreases.
func BusySleep(t Timer_i, usecs uint64, pause func()) {
	ticks := (timerFreqHz * usecs) / 1000000
	prev := t.Value()
	var count uint64
	for count < ticks {
		curr := t.Value()
		if curr < prev {
			count += period(t.ExtendedWidth()) + uint64(curr) - uint64(prev)
		} else {
			count += uint64(curr) - uint64(prev)
		}
		prev = curr
		if pause != nil {
			pause()
		}
	}
}

// / Starter_i is the local-APIC IPI collaborator: sending INIT and
// / startup IPIs is MMIO register access, out of scope for this
// / package; this package only sequences the calls.
type Starter_i interface {
	SendInit(apicID uint32)
	SendStartup(apicID uint32, vector uint8)
}

// / Bringup_t tracks how many cores have announced themselves active,
// / guarded by a spinlock since every AP's early-boot path increments
// / it concurrently with the BSP's wait loop.
type Bringup_t struct {
	lock   klock.Spinlock_t
	active int
}

// / NewBringup returns a Bringup_t with the BSP itself already counted
// / active, matching smpInit's "gActiveCpuCount = 1" before any IPI is
// / sent.
func NewBringup() *Bringup_t {
	return &Bringup_t{active: 1}
}

// / MarkActive is called from an AP's early-boot path once it has
// / initialized enough state to join the ready queue.
func (b *Bringup_t) MarkActive() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.active++
}

// / Active returns the number of cores that have announced themselves.
func (b *Bringup_t) Active() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.active
}

// / StartAll sends INIT then SIPI (entry vector must be 4 KiB-aligned,
// / since SIPI encodes it as a page number) to every enumerated AP
// / other than bspApicID, then busy-waits in 1ms increments until every
// / core has called MarkActive, mirroring smpInit's sequencing and
// / poll loop.
func StartAll(s Starter_i, t Timer_i, pause func(), bspApicID uint32, apicIDs []uint32, entryVector uint8, b *Bringup_t) {
	if entryVector&0xf != 0 {
		panic("smp: entry vector must be 4KiB-aligned (page number encoding)")
	}
	for _, id := range apicIDs {
		if id != bspApicID {
			s.SendInit(id)
		}
	}
	BusySleep(t, 10000, pause)
	for _, id := range apicIDs {
		if id != bspApicID {
			s.SendStartup(id, entryVector)
		}
	}
	BusySleep(t, 1000, pause)
	for b.Active() < len(apicIDs) {
		BusySleep(t, 1000, pause)
	}
}
