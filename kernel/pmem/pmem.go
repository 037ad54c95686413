// Package pmem is the physical frame allocator: spec.md §4.1. It owns
// every physical page in a contiguous arena, hands out zeroed 4 KiB
// frames, and tracks a reference count per frame so copy-on-write
// sharing (kernel/vm) can tell when a frame is truly free.
//
// The teacher's kalloc.go manages the arena [get_end(), PHYSTOP) by
// dereferencing hardcoded physical addresses directly — correct only
// once linked against a boot layer that placed the kernel at KERNBASE.
// This package keeps that exact technique (unsafe.Pointer(uintptr(pa))
// frame access, first-fit bitmap scan, panic-on-double-free) but takes
// the arena's base and size as parameters so the identical code is
// exercised by both the real boot path (cmd/kernel passes
// riscv.KERNBASE/PHYSTOP) and by tests (which pass a Go-allocated
// arena's address).
package pmem

import (
	"fmt"
	"sync"
	"unsafe"

	"rv39os/kernel/riscv"
)

// Allocator owns one contiguous arena of physical memory.
type Allocator struct {
	mu       sync.Mutex
	base     uintptr
	npages   int
	bitmap   []byte // one bit per page, 1 == allocated
	refcount []int32
	// backing keeps the Go-side allocation (if any) alive so the GC
	// never reclaims memory we have handed out uintptr addresses into.
	backing []byte
}

// New creates an allocator over npages pages starting at base, with
// every page initially free. Production boot code instead calls
// NewKernelArena, which also reserves the kernel image and the bitmap
// itself, matching the teacher's kinit()/freerange() split.
func New(base uintptr, npages int) *Allocator {
	return &Allocator{
		base:     base,
		npages:   npages,
		bitmap:   make([]byte, (npages+7)/8),
		refcount: make([]int32, npages),
	}
}

// NewTestArena allocates its own backing Go memory and returns an
// Allocator over it, for use by unit tests of every higher layer
// (kernel/vm, kernel/proc, ...) that needs real frames without a linked
// boot layer.
func NewTestArena(npages int) *Allocator {
	backing := make([]byte, npages*int(riscv.PGSIZE)+int(riscv.PGSIZE))
	base := riscv.PGROUNDUP(uintptr(unsafe.Pointer(&backing[0])))
	a := New(base, npages)
	a.backing = backing
	return a
}

// NewKernelArena builds the allocator the way the teacher's kinit()
// does: everything from kernelEnd up to phystop is free, and the
// [base, kernelEnd) range (kernel image + bitmap storage itself) is
// marked allocated with refcount 1 so it is never handed out.
func NewKernelArena(kernelStart, kernelEnd, phystop uintptr) *Allocator {
	npages := int((phystop - kernelStart) / riscv.PGSIZE)
	a := New(kernelStart, npages)
	reserved := int(riscv.PGROUNDUP(kernelEnd-kernelStart) / riscv.PGSIZE)
	for i := 0; i < reserved && i < npages; i++ {
		a.setBit(i, true)
		a.refcount[i] = 1
	}
	return a
}

func (a *Allocator) pageIndex(pa uintptr) int {
	if pa < a.base || pa >= a.base+uintptr(a.npages)*riscv.PGSIZE {
		panic("pmem: address out of arena")
	}
	if pa%riscv.PGSIZE != 0 {
		panic("pmem: unaligned address")
	}
	return int((pa - a.base) / riscv.PGSIZE)
}

func (a *Allocator) bitSet(i int) bool {
	return a.bitmap[i/8]&(1<<uint(i%8)) != 0
}

func (a *Allocator) setBit(i int, v bool) {
	if v {
		a.bitmap[i/8] |= 1 << uint(i%8)
	} else {
		a.bitmap[i/8] &^= 1 << uint(i%8)
	}
}

func (a *Allocator) zero(pa uintptr) {
	dst := (*[1 << 12]byte)(unsafe.Pointer(pa))
	for i := range dst {
		dst[i] = 0
	}
}

// AllocFrame returns one zeroed, page-aligned frame with refcount 1, or
// 0 if the arena is exhausted.
func (a *Allocator) AllocFrame() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.npages; i++ {
		if !a.bitSet(i) {
			a.setBit(i, true)
			a.refcount[i] = 1
			pa := a.base + uintptr(i)*riscv.PGSIZE
			a.zero(pa)
			return pa
		}
	}
	return 0
}

// AllocFrames returns n physically contiguous zeroed frames, or 0 if no
// run of that length is free. Refcount of every frame in the run is set
// to 1.
func (a *Allocator) AllocFrames(n int) uintptr {
	if n <= 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	run := 0
	for i := 0; i < a.npages; i++ {
		if a.bitSet(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				a.setBit(j, true)
				a.refcount[j] = 1
			}
			pa := a.base + uintptr(start)*riscv.PGSIZE
			for j := start; j <= i; j++ {
				a.zero(a.base + uintptr(j)*riscv.PGSIZE)
			}
			return pa
		}
	}
	return 0
}

// IncRef bumps the refcount of an already-allocated frame. It panics if
// the frame is currently free: incrementing a free frame's refcount
// would hide a use-after-free from every later FreeFrame caller.
func (a *Allocator) IncRef(pa uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.pageIndex(pa)
	if !a.bitSet(i) {
		panic("pmem: incref on free frame")
	}
	a.refcount[i]++
}

// Refcount returns the current reference count of pa's frame.
func (a *Allocator) Refcount(pa uintptr) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.pageIndex(pa)
	return int(a.refcount[i])
}

// FreeFrame decrements pa's refcount, freeing and zeroing the frame when
// it reaches zero. Double-free, misalignment and out-of-range addresses
// are Corruption-class errors per spec.md §7: fatal, not recoverable.
func (a *Allocator) FreeFrame(pa uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.pageIndex(pa)
	if !a.bitSet(i) || a.refcount[i] <= 0 {
		panic(fmt.Sprintf("pmem: double free at %#x", pa))
	}
	a.refcount[i]--
	if a.refcount[i] == 0 {
		a.setBit(i, false)
		a.zero(pa)
	}
}

// Base and Npages expose the arena geometry, mainly so kernel/vm can
// sanity-check addresses it maps.
func (a *Allocator) Base() uintptr { return a.base }
func (a *Allocator) Npages() int   { return a.npages }

// FreeCount reports the free-frame count, for boot-time klog diagnostics.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := 0; i < a.npages; i++ {
		if !a.bitSet(i) {
			n++
		}
	}
	return n
}
