package pmem

import "testing"

func TestAllocFrameZeroedAndAligned(t *testing.T) {
	a := NewTestArena(4)
	pa := a.AllocFrame()
	if pa == 0 {
		t.Fatal("AllocFrame returned 0 on a fresh arena")
	}
	if pa%4096 != 0 {
		t.Fatalf("frame %#x is not page-aligned", pa)
	}
	if a.Refcount(pa) != 1 {
		t.Fatalf("fresh frame refcount = %d, want 1", a.Refcount(pa))
	}
}

func TestAllocExhaustionReturnsZero(t *testing.T) {
	a := NewTestArena(2)
	if a.AllocFrame() == 0 {
		t.Fatal("first alloc should succeed")
	}
	if a.AllocFrame() == 0 {
		t.Fatal("second alloc should succeed")
	}
	if pa := a.AllocFrame(); pa != 0 {
		t.Fatalf("third alloc on a 2-frame arena should fail, got %#x", pa)
	}
}

// TestFrameFreeIffRefcountZero is spec.md §8's universal invariant:
// for every frame, refcount == 0 iff the bitmap bit is clear.
func TestFrameFreeIffRefcountZero(t *testing.T) {
	a := NewTestArena(4)
	before := a.FreeCount()
	pa := a.AllocFrame()
	if a.FreeCount() != before-1 {
		t.Fatalf("FreeCount after one alloc = %d, want %d", a.FreeCount(), before-1)
	}
	a.IncRef(pa)
	if a.Refcount(pa) != 2 {
		t.Fatalf("refcount after IncRef = %d, want 2", a.Refcount(pa))
	}
	a.FreeFrame(pa)
	if a.Refcount(pa) != 1 {
		t.Fatalf("refcount after one FreeFrame of a doubly-referenced frame = %d, want 1", a.Refcount(pa))
	}
	if a.FreeCount() != before-1 {
		t.Fatal("frame should still be allocated while refcount > 0")
	}
	a.FreeFrame(pa)
	if a.FreeCount() != before {
		t.Fatal("frame should be free once refcount reaches 0")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := NewTestArena(4)
	pa := a.AllocFrame()
	a.FreeFrame(pa)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	a.FreeFrame(pa)
}

func TestIncrefOnFreeFramePanics(t *testing.T) {
	a := NewTestArena(4)
	pa := a.AllocFrame()
	a.FreeFrame(pa)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic incrementing a free frame's refcount")
		}
	}()
	a.IncRef(pa)
}

func TestAllocFramesContiguous(t *testing.T) {
	a := NewTestArena(8)
	base := a.AllocFrames(4)
	if base == 0 {
		t.Fatal("AllocFrames(4) should succeed on an 8-frame arena")
	}
	for i := uintptr(0); i < 4; i++ {
		pa := base + i*4096
		if a.Refcount(pa) != 1 {
			t.Fatalf("frame %d of the run has refcount %d, want 1", i, a.Refcount(pa))
		}
	}
}

func TestFreeFrameOutOfRangePanics(t *testing.T) {
	a := NewTestArena(4)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing an address outside the arena")
		}
	}()
	a.FreeFrame(a.Base() + 1<<30)
}
