// Package riscv holds the RV64/Sv39 constants and the thin hardware
// boundary: CSR access, TLB shootdown and the assembly context switch.
// None of the functions declared with //go:linkname below have a Go body;
// their definitions live in the machine-mode boot layer and the
// trampoline/swtch assembly, both out of scope for this repository (see
// spec.md §1). A kernel image is only complete once linked against that
// layer. A hosted test binary links only if no code path it reaches
// calls one of these functions.
package riscv

import "unsafe"

const PGSIZE = uintptr(4096)
const PGSHIFT = 12

// MAXVA is the largest address addressable by Sv39, one bit less than
// 2^39 because the top VPN bit must be sign-extended identically.
const MAXVA = uintptr(1) << 38

// PTE flag bits. COW occupies software bit 8, one of the two reserved
// RSW bits in a Sv39 PTE.
const (
	PTE_V   = 1 << 0
	PTE_R   = 1 << 1
	PTE_W   = 1 << 2
	PTE_X   = 1 << 3
	PTE_U   = 1 << 4
	PTE_G   = 1 << 5
	PTE_A   = 1 << 6
	PTE_D   = 1 << 7
	PTE_COW = 1 << 8
)

// sstatus bits.
const (
	SSTATUS_SPP = 1 << 8
	SSTATUS_SPIE = 1 << 5
	SSTATUS_SIE = 1 << 1
)

// scause interrupt bit and IRQ numbers delivered through it.
const (
	SCAUSE_INTERRUPT_BIT = uintptr(1) << 63
	IRQ_S_SOFT           = 1
	IRQ_S_TIMER          = 5
	IRQ_S_EXT            = 9
)

// scause exception codes (non-interrupt).
const (
	EXC_INST_MISALIGN    = 0
	EXC_INST_ACCESS      = 1
	EXC_ILLEGAL_INST     = 2
	EXC_BREAKPOINT       = 3
	EXC_LOAD_MISALIGN    = 4
	EXC_LOAD_ACCESS      = 5
	EXC_STORE_MISALIGN   = 6
	EXC_STORE_ACCESS     = 7
	EXC_ECALL_FROM_U     = 8
	EXC_ECALL_FROM_S     = 9
	EXC_INST_PAGE_FAULT  = 12
	EXC_LOAD_PAGE_FAULT  = 13
	EXC_STORE_PAGE_FAULT = 15
)

func PGROUNDUP(a uintptr) uintptr   { return (a + PGSIZE - 1) &^ (PGSIZE - 1) }
func PGROUNDDOWN(a uintptr) uintptr { return a &^ (PGSIZE - 1) }

// PX extracts the 9-bit Sv39 page-table index for the given level (0,1,2)
// out of a virtual address.
func PX(level int, va uintptr) uintptr {
	return (va >> (PGSHIFT + uintptr(level)*9)) & 0x1FF
}

// PTE2PA and PA2PTE convert between a physical address and the PPN field
// of a PTE; PTE flags occupy the low 10 bits.
func PTE2PA(pte uint64) uintptr { return uintptr(pte>>10) << PGSHIFT }
func PA2PTE(pa uintptr) uint64  { return uint64(pa>>PGSHIFT) << 10 }

// SATP builds the Sv39 satp token for a root page-table physical address.
func SATP(pagetable uintptr) uint64 {
	const satpSv39 = uint64(8) << 60
	return satpSv39 | uint64(pagetable>>PGSHIFT)
}

// --- hardware boundary: CSR access, TLB shootdown, context switch ---
//
// These are declared, not defined: the bodies are provided by the boot
// assembly linked in outside this module (spec.md §1, "boot-time
// machine-mode initializer" and trampoline are explicitly out of scope).

//go:linkname R_sstatus r_sstatus
func R_sstatus() uintptr

//go:linkname W_sstatus w_sstatus
func W_sstatus(x uintptr)

//go:linkname R_sip r_sip
func R_sip() uintptr

//go:linkname W_sip w_sip
func W_sip(x uintptr)

//go:linkname R_sie r_sie
func R_sie() uintptr

//go:linkname W_sie w_sie
func W_sie(x uintptr)

//go:linkname R_sepc r_sepc
func R_sepc() uintptr

//go:linkname W_sepc w_sepc
func W_sepc(x uintptr)

//go:linkname R_scause r_scause
func R_scause() uintptr

//go:linkname R_stval r_stval
func R_stval() uintptr

//go:linkname W_stvec w_stvec
func W_stvec(x uintptr)

//go:linkname R_satp r_satp
func R_satp() uintptr

//go:linkname W_satp w_satp
func W_satp(x uint64)

//go:linkname Sfence_vma sfence_vma
func Sfence_vma()

//go:linkname IntrOffHW intr_off_hw
func IntrOffHW()

//go:linkname IntrOnHW intr_on_hw
func IntrOnHW()

// IntrGetHW reports the current SIE bit of sstatus.
//go:linkname IntrGetHW intr_get_hw
func IntrGetHW() bool

//go:linkname Wfi wfi
func Wfi()

// KernelVecAddr returns the address of the assembly kernel trap
// vector, the value usertrap installs into stvec before returning to
// user mode so a trap taken in the kernel lands in kernelvec rather
// than uservec.
//go:linkname KernelVecAddr kernelvec_addr
func KernelVecAddr() uintptr

// Swtch saves the caller's callee-saved registers into old and restores
// them from new; the kernel-stack half of a context switch.
//go:linkname Swtch swtch
func Swtch(old, new unsafe.Pointer)

// GetForkRetAddr returns the real PC of kernel/proc's exported ForkRet
// function, resolved by the boot layer's symbol table the same way the
// teacher's GetTaskStubAddr resolves TaskStub. A newly allocated
// process's Context.Ra is set to this address so its first swtch
// returns into ForkRet rather than jumping to address zero.
//go:linkname GetForkRetAddr get_forkret_addr
func GetForkRetAddr() uintptr
