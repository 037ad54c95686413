// Package trap is the interrupt/exception entry point: spec.md §4.9's
// kerneltrap/usertrap dispatch and the COW page-fault handler (§4.2,
// §7). Directly generalizes the teacher's kernel/trap.go, which only
// ever handled a timer interrupt and otherwise spun forever printing
// scause/sepc; this adds the syscall and store/instruction page-fault
// paths real user processes need, while keeping the same CSR-reading,
// //go:linkname hardware boundary the teacher established (trapinithart,
// usertrapret and the trampoline page itself stay pure assembly
// contracts this package never implements in Go).
package trap

import (
	_ "unsafe"

	"rv39os/kernel/klog"
	"rv39os/kernel/proc"
	"rv39os/kernel/riscv"
	"rv39os/kernel/syscall"
	"rv39os/kernel/vm"
)

// Table is the process table this hart's trap handlers dispatch
// against; KMain sets it once during boot before enabling interrupts.
var Table *proc.Table

//go:linkname trapinithart trapinithart
func trapinithart()

// TrapInitHart installs this hart's trap vector; cmd/kernel calls it
// once during boot, mirroring the teacher's trapinithart call in
// KMain.
func TrapInitHart() { trapinithart() }

//go:linkname usertrapret usertrapret
func usertrapret()

// UsertrapRet is usertrapret's exported form, wired into
// proc.Table.UsertrapRet by cmd/kernel's boot sequence so
// kernel/proc.ForkRet can hand off to it without kernel/proc importing
// kernel/trap (which already imports kernel/proc for Table).
func UsertrapRet() { usertrapret() }

// Kerneltrap handles a trap taken while already in kernel mode: only
// a timer interrupt is expected (spec.md's cooperative preemption via
// timer tick), anything else is a kernel bug.
//
//go:nosplit
func Kerneltrap() {
	sepc := riscv.R_sepc()
	sstatus := riscv.R_sstatus()
	scause := riscv.R_scause()

	if !isTimerInterrupt(scause) {
		klog.Errorf("kerneltrap: unexpected scause=%#x sepc=%#x", scause, sepc)
		panic("trap: unexpected kernel trap")
	}

	if p := currentProc(); p != nil && p.State == proc.Running {
		Table.Yield()
	}

	riscv.W_sepc(sepc)
	riscv.W_sstatus(sstatus)
}

// Usertrap handles a trap taken while running user code: a syscall
// (ecall), a COW store page fault, a timer interrupt, or anything
// else which kills the offending process (spec.md §7's classification
// of unrecoverable per-process faults).
func Usertrap() {
	p := currentProc()
	if p == nil {
		panic("trap: usertrap with no current process")
	}

	riscv.W_stvec(riscv.KernelVecAddr())
	p.Trapframe.Epc = uint64(riscv.R_sepc())

	scause := riscv.R_scause()
	switch {
	case scause == riscv.EXC_ECALL_FROM_U:
		// ecall from user mode: advance past it and dispatch.
		if p.Killed {
			Table.Exit(p, -1)
		}
		p.Trapframe.Epc += 4
		riscv.IntrOnHW()
		syscall.Dispatch(Table, p)
	case isTimerInterrupt(scause):
		Table.Yield()
	case scause == riscv.EXC_STORE_PAGE_FAULT:
		addr := riscv.R_stval()
		if err := vm.CowResolve(Table.PMem, p.Pagetable, addr); err != nil {
			klog.Warnf("usertrap: unrecoverable fault at %#x: %v", addr, err)
			p.Killed = true
		}
	default:
		klog.Warnf("usertrap: scause=%#x stval=%#x pid=%d", scause, riscv.R_stval(), p.Pid)
		p.Killed = true
	}

	if p.Killed {
		Table.Exit(p, -1)
	}
	usertrapret()
}

func isTimerInterrupt(scause uintptr) bool {
	return scause&riscv.SCAUSE_INTERRUPT_BIT != 0 && scause&0xff == riscv.IRQ_S_TIMER
}

func currentProc() *proc.Proc {
	if Table == nil {
		return nil
	}
	return Table.Current()
}
