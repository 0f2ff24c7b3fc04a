// Package kconfig holds the boot-time, read-mostly values a reference
// implementation leaves as inline literals (e.g. mem.Phys_init's
// `respgs := 1 << 16`).
// Collecting them in one struct populated once at Boot gives every
// subsystem a single source of truth instead of scattered constants.
package kconfig

import "nucleus/internal/layout"

// / Config_t is the kernel's boot-time configuration. Zero value is not
// / meaningful; callers must use Default or a value built from it.
type Config_t struct {
	// ReservedPages is a count of 4 KiB frames for the kernel's
	// physical free list. mem.Allocator_t.Init does not read it; the
	// free list is built from the firmware memory map.
	ReservedPages int

	// DefaultUserSize is the default total size of a freshly allocated
	// process's user address space, in bytes.
	DefaultUserSize int

	// MaxProcs bounds the fixed-size process table,
	// folding in the surviving field of a reference limits.Syslimit_t.
	MaxProcs int

	// MaxOpenFiles bounds each process's open-file slot array.
	MaxOpenFiles int

	// MaxFDs bounds the global fd table. MaxFCBs is not read: fd.NewTable
	// sizes the FCB table by the volume's root-directory entry count.
	MaxFCBs int
	MaxFDs  int

	// TickQuantumMS is the timer-interrupt period in milliseconds that
	// drives scheduling and getTicks().
	TickQuantumMS int

	// NumCores is the number of enumerated logical cores; filled in
	// after firmware table discovery, before any per-core state exists.
	NumCores int
}

// / Default returns the kernel's compiled-in configuration. Boot may
// / override NumCores after firmware table discovery runs.
func Default() Config_t {
	return Config_t{
		ReservedPages:   1 << 16,
		DefaultUserSize: layout.DefaultUserSize,
		MaxProcs:        1024,
		MaxOpenFiles:    32,
		MaxFCBs:         512,
		MaxFDs:          1024,
		TickQuantumMS:   10,
		NumCores:        1,
	}
}
