package riscv

// Physical memory layout, ported from the teacher's memlayout.go and
// expanded with the trampoline/trapframe/kernel-stack addresses spec.md
// §3 requires and the teacher left commented out.
//
// qemu -machine virt is laid out like this, from qemu's hw/riscv/virt.c:
//
//   00001000 -- boot ROM, provided by qemu
//   02000000 -- CLINT
//   0C000000 -- PLIC
//   10000000 -- uart0
//   10001000 -- virtio disk
//   80000000 -- boot ROM jumps here in machine mode; kernel is loaded here
//
// The kernel uses physical memory thus:
//
//   80000000 -- entry point, then kernel text and data
//   end      -- start of kernel page allocation area
//   PHYSTOP  -- end of RAM usable by the kernel

const (
	UART0     = uintptr(0x10000000)
	UART0_IRQ = 10
)

const (
	VIRTIO0     = uintptr(0x10001000)
	VIRTIO0_IRQ = 1
)

const (
	CLINT       = uintptr(0x2000000)
	CLINT_MTIME = CLINT + 0xBFF8
)

func CLINT_MTIMECMP(hartid int) uintptr { return CLINT + 0x4000 + 8*uintptr(hartid) }

const (
	PLIC          = uintptr(0x0c000000)
	PLIC_PRIORITY = PLIC + 0x0
	PLIC_PENDING  = PLIC + 0x1000
)

func PLIC_MENABLE(hart int) uintptr  { return PLIC + 0x2000 + uintptr(hart)*0x100 }
func PLIC_SENABLE(hart int) uintptr  { return PLIC + 0x2080 + uintptr(hart)*0x100 }
func PLIC_MPRIORITY(hart int) uintptr { return PLIC + 0x200000 + uintptr(hart)*0x2000 }
func PLIC_SPRIORITY(hart int) uintptr { return PLIC + 0x201000 + uintptr(hart)*0x2000 }
func PLIC_MCLAIM(hart int) uintptr   { return PLIC + 0x200004 + uintptr(hart)*0x2000 }
func PLIC_SCLAIM(hart int) uintptr   { return PLIC + 0x201004 + uintptr(hart)*0x2000 }

const (
	KERNBASE = uintptr(0x80000000)
	PHYSTOP  = KERNBASE + 128*1024*1024
)

// TRAMPOLINE is the highest page in every address space, kernel and user
// alike: the user<->kernel transition code so it is reachable regardless
// of which page table is active in satp.
const TRAMPOLINE = MAXVA - PGSIZE

// TRAPFRAME sits one page below the trampoline in every user address
// space.
const TRAPFRAME = TRAMPOLINE - PGSIZE

// KSTACK returns the kernel-space VA of the lowest byte of kernel stack
// page number i,
// each one separated from its neighbor by an unmapped guard page so a
// kernel stack overflow faults instead of corrupting an adjacent stack.
func KSTACK(i int) uintptr {
	return TRAMPOLINE - uintptr(i+1)*2*PGSIZE
}
