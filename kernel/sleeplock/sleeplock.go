// Package sleeplock implements the kernel's blocking lock: spec.md
// §4.3. Unlike spinlock.Lock, a waiter parks the current process
// (releases the CPU) instead of busy-waiting. It is used by the buffer
// cache and the inode cache, both of which must allow other processes
// to run while a disk operation completes.
package sleeplock

import (
	"fmt"
	"unsafe"

	"rv39os/kernel/spinlock"
)

// Scheduler is the thin seam sleeplock needs into kernel/proc's
// sleep/wakeup machinery (spec.md §4.5, §9 "sleep/wakeup without
// condition variables"). kernel/proc cannot be imported directly
// without a dependency cycle (proc needs sleeplock for nothing, but
// every higher layer needs both), so production code wires this up
// once at boot and tests can inject a minimal stand-in.
type Scheduler interface {
	Sleep(chan_ unsafe.Pointer, lk *spinlock.Lock)
	Wakeup(chan_ unsafe.Pointer)
	CurrentID() uintptr
}

var sched Scheduler

// SetScheduler installs the process-layer sleep/wakeup implementation.
func SetScheduler(s Scheduler) { sched = s }

// Lock is a sleeplock: an inner spinlock protecting `locked` and
// `owner`, and a wait channel (its own address) that parked waiters
// sleep on.
type Lock struct {
	inner  spinlock.Lock
	locked bool
	owner  uintptr
	Name   string
}

func New(name string) *Lock { return &Lock{Name: name} }

// Acquire takes the inner spinlock, then parks on the lock's own
// address until `locked` goes false, exactly as spec.md §4.3 specifies.
func (l *Lock) Acquire() {
	id := sched.CurrentID()
	l.inner.Acquire(id)
	for l.locked {
		sched.Sleep(unsafe.Pointer(l), &l.inner)
	}
	l.locked = true
	l.owner = id
	l.inner.Release(id)
}

// Release clears the lock, wakes every sleeper, and releases the inner
// spinlock.
func (l *Lock) Release() {
	id := sched.CurrentID()
	l.inner.Acquire(id)
	if !l.locked || l.owner != id {
		l.inner.Release(id)
		panic(fmt.Sprintf("sleeplock: release - not holding %s", l.Name))
	}
	l.locked = false
	l.owner = 0
	sched.Wakeup(unsafe.Pointer(l))
	l.inner.Release(id)
}

// Holding returns true only if the caller's process matches owner,
// spec.md §4.3's exact wording.
func (l *Lock) Holding() bool {
	return l.locked && l.owner == sched.CurrentID()
}
