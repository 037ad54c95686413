// Package vm is the Sv39 page-table engine: spec.md §4.2. It builds on
// the teacher's vm.go (walk/mappages/kvmmap) and generalizes it to the
// full contract spec.md requires: create/lookup/install, region mapping,
// teardown, grow/shrink, copy-on-write fork, and the user-boundary
// copyin/copyout pair. Like the teacher, a page table is just a
// physical address (a pagetable_t) and every PTE is reached by
// dereferencing raw uintptrs through unsafe.Pointer — this package
// trusts that those addresses came from an Allocator over real memory
// (see kernel/pmem), which is true both on real hardware and under the
// package's own tests.
package vm

import (
	"fmt"
	"unsafe"

	"rv39os/kernel/pmem"
	"rv39os/kernel/riscv"
)

// PTE is the pointer-to-leaf type walk returns: the address of the
// 8-byte slot inside a page table, not its contents.
type PTE = *uint64

// PageTable is the physical address of the root of a three-level Sv39
// page table.
type PageTable uintptr

func ptrAt(pt PageTable, idx uintptr) PTE {
	return (PTE)(unsafe.Pointer(uintptr(pt) + idx*8))
}

// Create allocates a fresh, zeroed root page table.
func Create(a *pmem.Allocator) PageTable {
	pa := a.AllocFrame()
	if pa == 0 {
		return 0
	}
	return PageTable(pa)
}

// WalkCreate returns the leaf PTE for va, allocating intermediate
// tables as needed. It returns nil only when an intermediate allocation
// fails.
func WalkCreate(a *pmem.Allocator, pt PageTable, va uintptr) PTE {
	if va >= riscv.MAXVA {
		panic("vm: walk - va out of range")
	}
	for level := 2; level > 0; level-- {
		pte := ptrAt(pt, riscv.PX(level, va))
		if *pte&riscv.PTE_V != 0 {
			pt = PageTable(riscv.PTE2PA(*pte))
		} else {
			child := a.AllocFrame()
			if child == 0 {
				return nil
			}
			*pte = riscv.PA2PTE(child) | riscv.PTE_V
			pt = PageTable(child)
		}
	}
	return ptrAt(pt, riscv.PX(0, va))
}

// WalkLookup returns the leaf PTE for va without allocating, or nil if
// any level of the walk is absent.
func WalkLookup(pt PageTable, va uintptr) PTE {
	if va >= riscv.MAXVA {
		panic("vm: walk - va out of range")
	}
	for level := 2; level > 0; level-- {
		pte := ptrAt(pt, riscv.PX(level, va))
		if *pte&riscv.PTE_V == 0 {
			return nil
		}
		pt = PageTable(riscv.PTE2PA(*pte))
	}
	return ptrAt(pt, riscv.PX(0, va))
}

// MapPage installs a single leaf mapping. Remapping an already-valid
// page is a Corruption-class bug in the caller (spec.md §4.2) and
// panics rather than silently overwriting an existing translation.
func MapPage(a *pmem.Allocator, pt PageTable, va, pa uintptr, perm uint64) error {
	pte := WalkCreate(a, pt, riscv.PGROUNDDOWN(va))
	if pte == nil {
		return fmt.Errorf("vm: mappage - out of memory")
	}
	if *pte&riscv.PTE_V != 0 {
		panic("vm: mappage - remap")
	}
	*pte = riscv.PA2PTE(pa) | perm | riscv.PTE_V
	return nil
}

// MapRegion maps [va, va+size) to [pa, pa+size) page by page.
func MapRegion(a *pmem.Allocator, pt PageTable, va, pa, size uintptr, perm uint64) error {
	if size == 0 {
		panic("vm: mapregion - zero size")
	}
	first := riscv.PGROUNDDOWN(va)
	last := riscv.PGROUNDDOWN(va + size - 1)
	for a_ := first; ; a_ += riscv.PGSIZE {
		off := a_ - first
		if err := MapPage(a, pt, a_, pa+off, perm); err != nil {
			return err
		}
		if a_ == last {
			break
		}
	}
	return nil
}

// Unmap tears down npages leaf mappings starting at va (which must be
// page-aligned), optionally releasing the underlying frames. A mapping
// that is present but not a valid leaf (e.g. pointing at an interior
// table) is a Corruption bug and panics.
func Unmap(a *pmem.Allocator, pt PageTable, va uintptr, npages int, freeFrames bool) {
	if va%riscv.PGSIZE != 0 {
		panic("vm: unmap - unaligned va")
	}
	for i := 0; i < npages; i++ {
		cur := va + uintptr(i)*riscv.PGSIZE
		pte := WalkLookup(pt, cur)
		if pte == nil {
			continue
		}
		if *pte&riscv.PTE_V == 0 {
			continue
		}
		if *pte&(riscv.PTE_R|riscv.PTE_W|riscv.PTE_X) == 0 {
			panic("vm: unmap - not a leaf")
		}
		if freeFrames {
			a.FreeFrame(riscv.PTE2PA(*pte))
		}
		*pte = 0
	}
}

// UvmallocPerm grows a user address space from oldsz to newsz, mapping
// fresh frames with perm (U is added implicitly, matching spec.md's
// note that callers pass only R/W/X). Returns the new size, or 0 on
// failure after rolling back any pages it had already mapped.
func UvmallocPerm(a *pmem.Allocator, pt PageTable, oldsz, newsz uintptr, perm uint64) uintptr {
	if newsz < oldsz {
		return oldsz
	}
	oldszUp := riscv.PGROUNDUP(oldsz)
	for va := oldszUp; va < newsz; va += riscv.PGSIZE {
		pa := a.AllocFrame()
		if pa == 0 {
			Unmap(a, pt, oldszUp, int((va-oldszUp)/riscv.PGSIZE), true)
			return 0
		}
		if err := MapPage(a, pt, va, pa, perm|riscv.PTE_U); err != nil {
			a.FreeFrame(pa)
			Unmap(a, pt, oldszUp, int((va-oldszUp)/riscv.PGSIZE), true)
			return 0
		}
	}
	return newsz
}

// Uvmalloc grows with the common R|W|U permission set sbrk uses.
func Uvmalloc(a *pmem.Allocator, pt PageTable, oldsz, newsz uintptr) uintptr {
	return UvmallocPerm(a, pt, oldsz, newsz, riscv.PTE_R|riscv.PTE_W)
}

// Uvmdealloc shrinks a user address space from oldsz to newsz, freeing
// the pages that fall out of range.
func Uvmdealloc(a *pmem.Allocator, pt PageTable, oldsz, newsz uintptr) uintptr {
	if newsz >= oldsz {
		return oldsz
	}
	if riscv.PGROUNDUP(newsz) < riscv.PGROUNDUP(oldsz) {
		npages := int((riscv.PGROUNDUP(oldsz) - riscv.PGROUNDUP(newsz)) / riscv.PGSIZE)
		Unmap(a, pt, riscv.PGROUNDUP(newsz), npages, true)
	}
	return newsz
}

// Uvmcopy implements COW fork (spec.md §4.2). For each mapped user page
// below sz it bumps the frame's refcount; if the parent's PTE is
// currently writable, both parent and child mappings are rewritten to
// clear W and set COW so the first write by either side triggers
// CowResolve. Non-writable pages (already read-only, e.g. text or an
// already-COW page inherited transitively) are copied as-is: their
// frame already carries the correct refcount bookkeeping from whoever
// mapped them.
func Uvmcopy(a *pmem.Allocator, parent, child PageTable, sz uintptr) error {
	touched := make([]uintptr, 0, sz/riscv.PGSIZE)
	rollback := func() {
		Unmap(a, child, 0, int(riscv.PGROUNDUP(sz)/riscv.PGSIZE), true)
		for _, va := range touched {
			ppte := WalkLookup(parent, va)
			pa := riscv.PTE2PA(*ppte)
			if *ppte&riscv.PTE_COW != 0 && a.Refcount(pa) == 1 {
				*ppte |= riscv.PTE_W
				*ppte &^= riscv.PTE_COW
			}
		}
	}
	for va := uintptr(0); va < sz; va += riscv.PGSIZE {
		ppte := WalkLookup(parent, va)
		if ppte == nil || *ppte&riscv.PTE_V == 0 {
			continue
		}
		pa := riscv.PTE2PA(*ppte)
		flags := *ppte & 0x3FF
		if *ppte&riscv.PTE_W != 0 && *ppte&riscv.PTE_U != 0 {
			flags = flags&^uint64(riscv.PTE_W) | riscv.PTE_COW
			*ppte = riscv.PA2PTE(pa) | flags
		}
		a.IncRef(pa)
		if err := MapPage(a, child, va, pa, flags); err != nil {
			a.FreeFrame(pa)
			// Undo this va's own parent-PTE mutation too: rollback()
			// below only replays prior successes in touched, and this
			// va never made it into that slice.
			if *ppte&riscv.PTE_COW != 0 && a.Refcount(pa) == 1 {
				*ppte |= riscv.PTE_W
				*ppte &^= riscv.PTE_COW
			}
			rollback()
			return err
		}
		touched = append(touched, va)
	}
	return nil
}

// CowResolve handles a write fault on a COW page (spec.md §4.2): clone
// the shared frame, remap the faulting page writable and private, and
// drop the old frame's reference. faultVA need not be page-aligned.
func CowResolve(a *pmem.Allocator, pt PageTable, faultVA uintptr) error {
	va := riscv.PGROUNDDOWN(faultVA)
	pte := WalkLookup(pt, va)
	if pte == nil || *pte&riscv.PTE_V == 0 || *pte&riscv.PTE_U == 0 || *pte&riscv.PTE_COW == 0 {
		return fmt.Errorf("vm: cow - not a cow page at %#x", faultVA)
	}
	oldpa := riscv.PTE2PA(*pte)
	newpa := a.AllocFrame()
	if newpa == 0 {
		return fmt.Errorf("vm: cow - out of memory")
	}
	copyFrame(newpa, oldpa)
	flags := (*pte & 0x3FF) &^ uint64(riscv.PTE_COW) | riscv.PTE_W
	*pte = riscv.PA2PTE(newpa) | flags
	riscv.Sfence_vma()
	a.FreeFrame(oldpa)
	return nil
}

func copyFrame(dst, src uintptr) {
	d := (*[1 << 12]byte)(unsafe.Pointer(dst))
	s := (*[1 << 12]byte)(unsafe.Pointer(src))
	copy(d[:], s[:])
}

// Destroy unmaps [0, MAXVA) releasing frames, then recursively frees
// every intermediate table. An interior PTE with any of R/W/X set is a
// Corruption bug (spec.md §4.2) and panics rather than leaking or
// double-freeing a data frame as if it were a table.
func Destroy(a *pmem.Allocator, pt PageTable, sz uintptr) {
	Unmap(a, pt, 0, int(riscv.PGROUNDUP(sz)/riscv.PGSIZE), true)
	freeWalk(a, pt, 2)
}

func freeWalk(a *pmem.Allocator, pt PageTable, level int) {
	for i := uintptr(0); i < 512; i++ {
		pte := ptrAt(pt, i)
		if *pte&riscv.PTE_V == 0 {
			continue
		}
		if *pte&(riscv.PTE_R|riscv.PTE_W|riscv.PTE_X) != 0 {
			panic("vm: freewalk - leaf found in interior table")
		}
		if level > 0 {
			freeWalk(a, PageTable(riscv.PTE2PA(*pte)), level-1)
		}
	}
	a.FreeFrame(uintptr(pt))
}

// CopyIn copies n bytes from the user page table rooted at pt, user
// address uva, into the kernel buffer dst, validating V and U on every
// page crossed.
func CopyIn(pt PageTable, dst []byte, uva uintptr, n int) error {
	for n > 0 {
		va0 := riscv.PGROUNDDOWN(uva)
		pte := WalkLookup(pt, va0)
		if pte == nil || *pte&riscv.PTE_V == 0 || *pte&riscv.PTE_U == 0 {
			return fmt.Errorf("vm: copyin - invalid user page %#x", va0)
		}
		pa0 := riscv.PTE2PA(*pte)
		off := uva - va0
		cnt := riscv.PGSIZE - off
		if uintptr(n) < cnt {
			cnt = uintptr(n)
		}
		src := (*[1 << 12]byte)(unsafe.Pointer(pa0))
		copy(dst[:cnt], src[off:off+cnt])
		n -= int(cnt)
		dst = dst[cnt:]
		uva = va0 + riscv.PGSIZE
	}
	return nil
}

// CopyOut copies n bytes from the kernel buffer src to the user address
// uva, resolving a COW fault first and failing if the target page is
// not writable even after resolution.
func CopyOut(a *pmem.Allocator, pt PageTable, uva uintptr, src []byte, n int) error {
	for n > 0 {
		va0 := riscv.PGROUNDDOWN(uva)
		pte := WalkLookup(pt, va0)
		if pte == nil || *pte&riscv.PTE_V == 0 || *pte&riscv.PTE_U == 0 {
			return fmt.Errorf("vm: copyout - invalid user page %#x", va0)
		}
		if *pte&riscv.PTE_COW != 0 {
			if err := CowResolve(a, pt, va0); err != nil {
				return err
			}
			pte = WalkLookup(pt, va0)
		}
		if *pte&riscv.PTE_W == 0 {
			return fmt.Errorf("vm: copyout - page not writable %#x", va0)
		}
		pa0 := riscv.PTE2PA(*pte)
		off := uva - va0
		cnt := riscv.PGSIZE - off
		if uintptr(n) < cnt {
			cnt = uintptr(n)
		}
		dst := (*[1 << 12]byte)(unsafe.Pointer(pa0))
		copy(dst[off:off+cnt], src[:cnt])
		n -= int(cnt)
		src = src[cnt:]
		uva = va0 + riscv.PGSIZE
	}
	return nil
}

// CopyInStr copies a NUL-terminated string from user memory, like
// kernel/syscall's fetchstr but usable directly against a page table
// (used by the exec path to read argv before a trap frame exists).
func CopyInStr(pt PageTable, dst []byte, uva uintptr, max int) int {
	got := 0
	for got < max {
		va0 := riscv.PGROUNDDOWN(uva)
		pte := WalkLookup(pt, va0)
		if pte == nil || *pte&riscv.PTE_V == 0 || *pte&riscv.PTE_U == 0 {
			return -1
		}
		pa0 := riscv.PTE2PA(*pte)
		off := uva - va0
		p := (*[1 << 12]byte)(unsafe.Pointer(pa0))
		for off < riscv.PGSIZE {
			c := p[off]
			if got >= max {
				return -1
			}
			dst[got] = c
			got++
			off++
			if c == 0 {
				return got
			}
		}
		uva = va0 + riscv.PGSIZE
	}
	return -1
}
