// Package xsync adds the small synchronization helpers the samplers and
// steppers need and the standard library lacks, chiefly atomic arithmetic
// on float64 slices shared across worker goroutines.
package xsync

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// AddFloat64 atomically adds delta to *p using a compare-and-swap loop on
// the float's bit pattern. p must be 8-byte aligned, which Go guarantees
// for float64 slice elements.
func AddFloat64(p *float64, delta float64) {
	addr := (*uint64)(unsafe.Pointer(p))
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// LoadFloat64 atomically reads *p.
func LoadFloat64(p *float64) float64 {
	return math.Float64frombits(atomic.LoadUint64((*uint64)(unsafe.Pointer(p))))
}
