package vm

import (
	"testing"

	"rv39os/kernel/pmem"
	"rv39os/kernel/riscv"
)

func TestMapPageRoundTrip(t *testing.T) {
	a := pmem.NewTestArena(16)
	pt := Create(a)
	if pt == 0 {
		t.Fatal("Create returned zero page table")
	}

	pa := a.AllocFrame()
	if err := MapPage(a, pt, 0x1000, pa, riscv.PTE_R|riscv.PTE_W|riscv.PTE_U); err != nil {
		t.Fatalf("MapPage: %v", err)
	}

	pte := WalkLookup(pt, 0x1000)
	if pte == nil {
		t.Fatal("WalkLookup found nothing after MapPage")
	}
	if riscv.PTE2PA(*pte) != pa {
		t.Fatalf("PTE2PA = %#x, want %#x", riscv.PTE2PA(*pte), pa)
	}
	if *pte&riscv.PTE_V == 0 {
		t.Fatal("mapped page not marked valid")
	}
}

func TestMapPageRemapPanics(t *testing.T) {
	a := pmem.NewTestArena(8)
	pt := Create(a)
	pa := a.AllocFrame()
	if err := MapPage(a, pt, 0x2000, pa, riscv.PTE_R); err != nil {
		t.Fatalf("MapPage: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic remapping an already-valid page")
		}
	}()
	MapPage(a, pt, 0x2000, pa, riscv.PTE_R)
}

func TestUvmallocAndDealloc(t *testing.T) {
	a := pmem.NewTestArena(32)
	pt := Create(a)

	sz := Uvmalloc(a, pt, 0, 3*riscv.PGSIZE)
	if sz != 3*riscv.PGSIZE {
		t.Fatalf("Uvmalloc grew to %#x, want %#x", sz, 3*riscv.PGSIZE)
	}
	for va := uintptr(0); va < sz; va += riscv.PGSIZE {
		if WalkLookup(pt, va) == nil {
			t.Fatalf("page at %#x not mapped after Uvmalloc", va)
		}
	}

	freeBefore := a.FreeCount()
	sz = Uvmdealloc(a, pt, sz, riscv.PGSIZE)
	if sz != riscv.PGSIZE {
		t.Fatalf("Uvmdealloc shrank to %#x, want %#x", sz, riscv.PGSIZE)
	}
	if a.FreeCount() <= freeBefore {
		t.Fatal("Uvmdealloc did not free any frames")
	}
	if WalkLookup(pt, riscv.PGSIZE) == nil {
		t.Fatal("page within new size was unmapped")
	}
	if WalkLookup(pt, 2*riscv.PGSIZE) != nil {
		t.Fatal("page beyond new size still mapped")
	}
}

// TestCowForkSharesUntilWrite is the spec's copy-on-write fork law:
// parent and child share physical frames (refcount 2) until either
// side writes, at which point the writer gets a private copy and the
// sibling's page is unaffected.
func TestCowForkSharesUntilWrite(t *testing.T) {
	a := pmem.NewTestArena(32)
	parent := Create(a)
	child := Create(a)

	sz := Uvmalloc(a, parent, 0, riscv.PGSIZE)

	var buf [4]byte
	copy(buf[:], "abcd")
	if err := CopyOut(a, parent, 0, buf[:], len(buf)); err != nil {
		t.Fatalf("CopyOut before fork: %v", err)
	}

	if err := Uvmcopy(a, parent, child, sz); err != nil {
		t.Fatalf("Uvmcopy: %v", err)
	}

	parentPTE := WalkLookup(parent, 0)
	childPTE := WalkLookup(child, 0)
	sharedPA := riscv.PTE2PA(*parentPTE)
	if riscv.PTE2PA(*childPTE) != sharedPA {
		t.Fatal("child does not share the parent's frame right after fork")
	}
	if *parentPTE&riscv.PTE_W != 0 || *childPTE&riscv.PTE_W != 0 {
		t.Fatal("shared frame should be read-only (COW) in both page tables")
	}
	if *parentPTE&riscv.PTE_COW == 0 || *childPTE&riscv.PTE_COW == 0 {
		t.Fatal("shared frame should carry PTE_COW in both page tables")
	}
	if got := a.Refcount(sharedPA); got != 2 {
		t.Fatalf("shared frame refcount = %d, want 2", got)
	}

	// The child writes; this must fault through CowResolve via CopyOut,
	// cloning a private frame for the child without touching the parent.
	var childData [4]byte
	copy(childData[:], "wxyz")
	if err := CopyOut(a, child, 0, childData[:], len(childData)); err != nil {
		t.Fatalf("CopyOut into child: %v", err)
	}

	childPTE = WalkLookup(child, 0)
	if riscv.PTE2PA(*childPTE) == sharedPA {
		t.Fatal("child's frame was not privatized by CowResolve")
	}
	if *childPTE&riscv.PTE_COW != 0 {
		t.Fatal("child's privatized page should no longer carry PTE_COW")
	}

	var readBack [4]byte
	if err := CopyIn(parent, readBack[:], 0, len(readBack)); err != nil {
		t.Fatalf("CopyIn from parent: %v", err)
	}
	if string(readBack[:]) != "abcd" {
		t.Fatalf("parent's page was mutated by the child's write: got %q", readBack)
	}
	if got := a.Refcount(sharedPA); got != 1 {
		t.Fatalf("parent's frame refcount after child privatized = %d, want 1", got)
	}
}

func TestDestroyFreesAllFrames(t *testing.T) {
	a := pmem.NewTestArena(32)
	pt := Create(a)
	sz := Uvmalloc(a, pt, 0, 5*riscv.PGSIZE)

	before := a.FreeCount()
	Destroy(a, pt, sz)
	after := a.FreeCount()
	if after <= before {
		t.Fatalf("Destroy did not return frames to the arena: before=%d after=%d", before, after)
	}
	if after != a.Npages() {
		t.Fatalf("Destroy leaked frames: free=%d npages=%d", after, a.Npages())
	}
}

func TestCopyInStrStopsAtNUL(t *testing.T) {
	a := pmem.NewTestArena(8)
	pt := Create(a)
	Uvmalloc(a, pt, 0, riscv.PGSIZE)

	src := append([]byte("hello\x00garbage"), 0)
	if err := CopyOut(a, pt, 0, src, len(src)); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	dst := make([]byte, 32)
	n := CopyInStr(pt, dst, 0, len(dst))
	if n != len("hello")+1 {
		t.Fatalf("CopyInStr returned %d, want %d", n, len("hello")+1)
	}
	if string(dst[:n-1]) != "hello" {
		t.Fatalf("CopyInStr = %q, want %q", dst[:n-1], "hello")
	}
}
