package proc

import (
	"unsafe"

	"rv39os/kernel/riscv"
	"rv39os/kernel/spinlock"
)

// Sleep and Wakeup implement kernel/sleeplock.Scheduler,
// kernel/fslog.Scheduler and kernel/file.Scheduler identically (all
// three declare the same three-method shape independently, to avoid
// importing this package). chan_ is an arbitrary address used only
// for equality; lk is any already-held spinlock that must be released
// for the duration of the sleep and re-acquired before Sleep returns,
// spec.md §4.3's sleep/wakeup atomicity requirement.
func (t *Table) Sleep(chan_ unsafe.Pointer, lk *spinlock.Lock) {
	p := t.current()
	if p == nil {
		panic("proc: sleep called with no current process")
	}

	p.Lock.Acquire(t.CurrentID())
	lk.Release(t.CurrentID())

	p.chan_ = chan_
	p.State = Sleeping
	t.switchToScheduler(p)

	p.chan_ = nil
	p.Lock.Release(t.CurrentID())
	lk.Acquire(t.CurrentID())
}

// Wakeup marks every process sleeping on chan_ runnable again.
func (t *Table) Wakeup(chan_ unsafe.Pointer) {
	for i := range t.Procs {
		p := &t.Procs[i]
		if p == t.current() {
			continue
		}
		p.Lock.Acquire(t.CurrentID())
		if p.State == Sleeping && p.chan_ == chan_ {
			p.State = Runnable
		}
		p.Lock.Release(t.CurrentID())
	}
}

// Yield voluntarily gives up the current process's turn.
func (t *Table) Yield() {
	p := t.current()
	p.Lock.Acquire(t.CurrentID())
	p.State = Runnable
	t.switchToScheduler(p)
	p.Lock.Release(t.CurrentID())
}

// switchToScheduler saves the caller's context and swtch's into the
// per-hart scheduler context; caller holds p.Lock, which Scheduler
// releases once it has picked the next process to run (mirrors the
// teacher's acquire-before-swtch/release-after-swtch discipline so
// p.Lock is never held across a context switch boundary from the
// scheduler's point of view).
func (t *Table) switchToScheduler(p *Proc) {
	riscv.Swtch(unsafe.Pointer(&p.Context), unsafe.Pointer(&schedContext))
}

var schedContext Context

// Scheduler runs forever on its hart, picking the next RUNNABLE
// process according to Policy and swtch-ing into it. Call once per
// hart after boot; it never returns.
func (t *Table) Scheduler() {
	for {
		riscv.IntrOnHW()
		var ran bool
		switch t.Policy {
		case MLFQ:
			ran = t.scheduleMLFQ()
		default:
			ran = t.scheduleRoundRobin()
		}
		// spec.md §4.4/§4.9: if no RUNNABLE process was found this pass,
		// the scheduler is the hart's only idle point — halt with wfi
		// until the next interrupt rather than busy-spinning.
		if !ran {
			riscv.Wfi()
		}
	}
}

func (t *Table) scheduleRoundRobin() bool {
	ran := false
	for i := range t.Procs {
		p := &t.Procs[i]
		p.Lock.Acquire(t.CurrentID())
		if p.State == Runnable {
			t.runOne(p)
			ran = true
		}
		p.Lock.Release(t.CurrentID())
	}
	return ran
}

// scheduleMLFQ picks the runnable process at the lowest numeric Level
// (highest priority), ages every other runnable process that has been
// waiting mlfqAgeTicks passes, and demotes a process that has used up
// its level's quantum: SPEC_FULL.md §4's MLFQ supplement.
func (t *Table) scheduleMLFQ() bool {
	var best *Proc
	for i := range t.Procs {
		p := &t.Procs[i]
		p.Lock.Acquire(t.CurrentID())
		if p.State != Runnable {
			p.Lock.Release(t.CurrentID())
			continue
		}
		p.ageTick++
		if p.ageTick >= mlfqAgeTicks && p.Level > 0 {
			p.Level--
			p.ageTick = 0
			p.runTick = 0
		}
		if best == nil || p.Level < best.Level {
			if best != nil {
				best.Lock.Release(t.CurrentID())
			}
			best = p
			continue
		}
		p.Lock.Release(t.CurrentID())
	}
	if best == nil {
		return false
	}
	best.ageTick = 0
	t.runOne(best)
	best.runTick++
	if best.runTick >= mlfqQuantum[best.Level] {
		if best.Level < mlfqLevels-1 {
			best.Level++
		}
		best.runTick = 0
	}
	best.Lock.Release(t.CurrentID())
	return true
}

// runOne switches into p (caller holds p.Lock) and returns once p
// yields or blocks. CurProc is set for the duration of the run so
// t.current's default implementation (see NewSingleHart) can find it.
func (t *Table) runOne(p *Proc) {
	p.State = Running
	t.curProc = p
	forkRetTable = t
	riscv.Swtch(unsafe.Pointer(&schedContext), unsafe.Pointer(&p.Context))
	t.curProc = nil
}

// forkRetTable is the Table whose process is about to run, recorded by
// runOne just before the swtch into it. ForkRet has no arguments (it is
// entered by a raw jump from the assembly swtch, not a Go call), so it
// recovers "which process, in which table" the same way the teacher's
// TaskStub recovers it from the package-level current_proc.
var forkRetTable *Table

// ForkRet is a newly allocated process's first-ever entry point:
// Context.Ra is pointed at it (see Alloc) so the scheduler's initial
// swtch into a RUNNABLE-but-never-run process returns here instead of
// into address zero. It releases the lock runOne's caller is still
// holding across the switch and hands off to usertrapret, mirroring
// the teacher's TaskStub (release p.lock, intr_on, run the task).
//
//export ForkRet
func ForkRet() {
	t := forkRetTable
	p := t.curProc
	p.Lock.Release(t.CurrentID())
	if t.UsertrapRet != nil {
		t.UsertrapRet()
	}
}
