package hostdisk

import (
	"unsafe"

	"rv39os/kernel/spinlock"
)

// SingleThreaded satisfies the Scheduler shape kernel/sleeplock,
// kernel/fslog, and kernel/file each declare, for host tools and tests
// that drive those packages without a real kernel/proc.Table. Nothing
// in a host tool actually contends a sleeplock, so Sleep panics rather
// than deadlocking silently if that assumption is ever wrong.
type SingleThreaded struct{}

func (SingleThreaded) Sleep(unsafe.Pointer, *spinlock.Lock) {
	panic("hostdisk: unexpected sleep on a single-threaded host scheduler")
}

func (SingleThreaded) Wakeup(unsafe.Pointer) {}

func (SingleThreaded) CurrentID() uintptr { return 1 }
