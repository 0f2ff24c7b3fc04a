// Package util holds the small generic rounding helpers used wherever
// a byte count needs aligning to a sector, cluster, or page boundary:
// fat16's root-directory sector count and mkfatimg's cluster
// accounting both need the same three-line arithmetic.
//
// Ported from a reference util.Min/Roundup/Rounddown generic helpers
// nearly verbatim; Readn/Writen (a reference generic fixed-width
// byte-array accessors) are dropped, since every fixed-offset field
// read in this codebase (fat16's BPB/directory entries) goes through
// encoding/binary instead, which makes the little-endian convention
// explicit at each call site rather than implicit in a byte count.
package util

// / Int is satisfied by every built-in integer type.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// / Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// / Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// / Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}
