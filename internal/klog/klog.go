// Package klog centralizes console writes that would otherwise be
// scattered as direct fmt.Printf calls throughout mem, vm, and fat16,
// and implements the two fatal-error paths: a kernel panic (prints a
// diagnostic and halts) and a boot-time fatal (hardware-config errors
// before any process exists to terminate instead).
package klog

import (
	"fmt"

	"nucleus/internal/caller"
)

// / Writer is satisfied by the out-of-scope console driver (VGA text or
// / the framebuffer text layer); klog only depends on this interface.
type Writer interface {
	WriteString(s string)
}

var console Writer

// / SetConsole installs the console the kernel prints to. Until this is
// / called, Printf/Panicf/Fatalf output is dropped silently, which is
// / only expected to happen for the earliest instructions of boot
// / before the framebuffer/VGA driver has registered itself.
func SetConsole(w Writer) {
	console = w
}

// / Printf writes a formatted diagnostic line to the console.
func Printf(format string, args ...interface{}) {
	write(fmt.Sprintf(format, args...))
}

func write(s string) {
	if console == nil {
		return
	}
	console.WriteString(s)
}

// / Halter is satisfied by the core's "stop forever" primitive — an
// / infinite `hlt` loop, out of scope per spec.md §1 and supplied by
// / the boot environment the same way the ISR stub itself is.
type Halter func()

var halt Halter = func() {
	for {
	}
}

// / SetHalter overrides the halt primitive, used by tests to avoid an
// / infinite loop on the host.
func SetHalter(h Halter) {
	halt = h
}

// / Panicf prints a diagnostic and halts the core forever. This is the
// / kernel-mode-fault and invariant-violation path: an
// / "already mapped" page, a negative range, a scheduler invariant
// / violation, and the like are implementation bugs, not recoverable
// / conditions, so there is no return from Panicf.
func Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	write("panic: " + msg + "\n")
	caller.Dump(1, write)
	halt()
}

// / Fatalf is Panicf's boot-time counterpart for hardware-config
// / errors: a missing or checksum-invalid firmware table, no APIC, or
// / an ACPI-enable timeout, none of which have a process to terminate
// / instead.
func Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	write("fatal: " + msg + "\n")
	caller.Dump(1, write)
	halt()
}
