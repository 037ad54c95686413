// Package spinlock implements the kernel's mutual-exclusion primitive:
// a busy-wait lock that disables interrupts while held, with a
// per-hart nesting counter so a spinlock acquired while already holding
// one does not re-enable interrupts on release. Adapted from the
// teacher's kernel/spinlock.go, generalized from a single untracked
// global lock into the fully specified primitive spec.md §4.3 describes
// (owner tracking, panic-on-self-deadlock, nested acquire/release).
package spinlock

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// IntrController abstracts the two instructions that only the hardware
// boundary (kernel/riscv) can provide: disabling/enabling the supervisor
// interrupt-enable bit and reading it back. The default is a single-hart,
// host-testable stand-in; cmd/kernel overwrites it with the real CSR
// wrappers during boot.
type IntrController interface {
	IntrOff()
	IntrOn()
	IntrGet() bool
}

type fakeIntr struct{ enabled bool }

func (f *fakeIntr) IntrOff()     { f.enabled = false }
func (f *fakeIntr) IntrOn()      { f.enabled = true }
func (f *fakeIntr) IntrGet() bool { return f.enabled }

// Hart models the single supported hart's interrupt-nesting state
// (spec.md is explicit: "single hart only"). Noff counts nested
// push_off/pop_off pairs; Intena records whether interrupts were enabled
// before the outermost push_off, restored only when Noff returns to 0.
type Hart struct {
	Noff   int
	Intena bool
}

var (
	Intr IntrController = &fakeIntr{enabled: true}
	hart Hart
)

// SetIntrController installs the hardware-backed controller; called once
// from cmd/kernel's boot sequence, before any spinlock is used.
func SetIntrController(c IntrController) { Intr = c }

// PushOff disables interrupts, saving the original enable state on the
// first (outermost) call so PopOff can restore it exactly once unwound.
func PushOff() {
	old := Intr.IntrGet()
	Intr.IntrOff()
	if hart.Noff == 0 {
		hart.Intena = old
	}
	hart.Noff++
}

// PopOff re-enables interrupts only when every nested PushOff has been
// matched by a PopOff, and only if they were enabled beforehand.
func PopOff() {
	if Intr.IntrGet() {
		panic("spinlock: pop_off - interrupts enabled")
	}
	if hart.Noff < 1 {
		panic("spinlock: pop_off - not held")
	}
	hart.Noff--
	if hart.Noff == 0 && hart.Intena {
		Intr.IntrOn()
	}
}

// Lock is a busy-wait mutex. Locked is manipulated with atomic
// compare-and-swap so acquire/release remain correct if this code ever
// runs with more than the single modeled hart (a future SMP extension,
// explicitly a non-goal today).
type Lock struct {
	locked uint32
	Name   string
	cpu    uintptr // opaque identity of the holder, 0 when free
}

func New(name string) *Lock { return &Lock{Name: name} }

// Holding reports whether the calling context (identified by id, an
// opaque non-zero token such as a *proc.Proc address) holds lk.
func (lk *Lock) Holding(id uintptr) bool {
	return atomic.LoadUint32(&lk.locked) == 1 && atomic.LoadUintptr(&lk.cpu) == id
}

// Acquire disables interrupts then busy-waits for the lock, panicking if
// the caller already holds it (a same-context reacquire would deadlock
// under the single-hart model, just like a real spinlock deadlocks
// against itself).
func (lk *Lock) Acquire(id uintptr) {
	PushOff()
	if lk.Holding(id) {
		panic(fmt.Sprintf("spinlock: acquire - already holding %s", lk.Name))
	}
	for !atomic.CompareAndSwapUint32(&lk.locked, 0, 1) {
		runtime.Gosched()
	}
	atomic.StoreUintptr(&lk.cpu, id)
}

// Release clears the lock and re-enables interrupts if this was the
// outermost acquire.
func (lk *Lock) Release(id uintptr) {
	if !lk.Holding(id) {
		panic(fmt.Sprintf("spinlock: release - not holding %s", lk.Name))
	}
	atomic.StoreUintptr(&lk.cpu, 0)
	atomic.StoreUint32(&lk.locked, 0)
	PopOff()
}
