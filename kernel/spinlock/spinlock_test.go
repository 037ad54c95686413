package spinlock

import "testing"

func TestAcquireReleaseRoundTrip(t *testing.T) {
	lk := New("test")
	lk.Acquire(1)
	if !lk.Holding(1) {
		t.Fatal("Holding should report true for the acquiring id")
	}
	lk.Release(1)
	if lk.Holding(1) {
		t.Fatal("Holding should report false after Release")
	}
}

func TestAcquireSelfDeadlockPanics(t *testing.T) {
	lk := New("test")
	lk.Acquire(1)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic re-acquiring an already-held lock with the same id")
			}
		}()
		lk.Acquire(1)
	}()
	// The failed second Acquire ran PushOff but panicked before any
	// matching PopOff; rebalance it by hand before releasing the lock
	// for real, so this test leaves the package's nesting counter
	// exactly as it found it.
	PopOff()
	lk.Release(1)
}

func TestReleaseWithoutHoldingPanics(t *testing.T) {
	lk := New("test")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic releasing a lock the caller does not hold")
		}
	}()
	lk.Release(1)
}

// TestPushPopOffNesting is spec.md §4.3's nested-interrupt-disable
// invariant: interrupts are only re-enabled once every PushOff has a
// matching PopOff, and only if they were on beforehand.
func TestPushPopOffNesting(t *testing.T) {
	Intr.IntrOn()
	PushOff()
	PushOff()
	if Intr.IntrGet() {
		t.Fatal("interrupts should be off while any PushOff is outstanding")
	}
	PopOff()
	if Intr.IntrGet() {
		t.Fatal("interrupts should stay off until the outermost PopOff")
	}
	PopOff()
	if !Intr.IntrGet() {
		t.Fatal("interrupts should be restored once every PushOff has been popped")
	}
}

func TestAcquireReleaseNestsPushOff(t *testing.T) {
	Intr.IntrOn()
	a := New("a")
	b := New("b")
	a.Acquire(1)
	b.Acquire(1)
	if Intr.IntrGet() {
		t.Fatal("interrupts should be off while holding any spinlock")
	}
	b.Release(1)
	if Intr.IntrGet() {
		t.Fatal("interrupts should stay off: lock a is still held")
	}
	a.Release(1)
	if !Intr.IntrGet() {
		t.Fatal("interrupts should be restored once the outermost spinlock is released")
	}
}
