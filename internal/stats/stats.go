// Package stats provides the compiled-out-by-default counters used by
// the allocator and scheduler. Ported from a reference stats package
// nearly verbatim: counters cost nothing unless Stats/Timing are
// flipped to true, matching a reference convention of leaving
// them off in a normal build.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"
)

// / Stats gates the Counter_t instrumentation compiled into the
// / allocator and scheduler.
const Stats = false

// / Timing gates the Cycles_t instrumentation.
const Timing = false

// rdtsc executes RDTSC and returns edx:eax as one 64-bit cycle count.
// Implemented in rdtsc_amd64.s, the same bodyless-func-plus-asm-stub
// shape as internal/cpuid's leaf read and internal/klock's pause.
func rdtsc() uint64

// / Rdtsc returns the current cycle count when Timing is enabled.
func Rdtsc() uint64 {
	if Timing {
		return rdtsc()
	}
	return 0
}

// / Counter_t is a statistical counter, a no-op unless Stats is true.
type Counter_t int64

// / Cycles_t holds a cycle count, a no-op unless Timing is true.
type Cycles_t int64

// / Inc increments the counter.
func (c *Counter_t) Inc() {
	if Stats {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, 1)
	}
}

// / Add adds elapsed cycles since mark to the counter.
func (c *Cycles_t) Add(mark uint64) {
	if Timing {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, int64(Rdtsc()-mark))
	}
}

// / Stats2String renders every Counter_t/Cycles_t field of st as text.
func Stats2String(st interface{}) string {
	if !Stats {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
		if strings.HasSuffix(t, "Cycles_t") {
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}

// / AllocStats counts physical-allocator events: allocations, frees,
// / and allocation attempts that found the free list empty, maintained
// / for diagnostics but not relied on for correctness.
type AllocStats struct {
	Allocs   Counter_t
	Frees    Counter_t
	OOMHits  Counter_t
}

// / SchedStats counts scheduler activity.
type SchedStats struct {
	Dequeues  Counter_t
	Yields    Counter_t
	Sleeps    Counter_t
	Wakes     Counter_t
	Reschedules Counter_t
}
