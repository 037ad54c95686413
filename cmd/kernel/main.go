// Command kernel is the boot entry point: spec.md §2's control flow,
// generalized from the teacher's cmd/kernel/main.go (kinit/kvminit/
// kvminithart/trapinithart/spinlockTest) into the full sequence
// through mounting the file system, starting the first user process,
// and entering the scheduler.
package main

import (
	_ "unsafe"

	"rv39os/kernel/bio"
	"rv39os/kernel/blockdev"
	"rv39os/kernel/console"
	"rv39os/kernel/file"
	"rv39os/kernel/fs"
	"rv39os/kernel/fslog"
	"rv39os/kernel/klog"
	"rv39os/kernel/pmem"
	"rv39os/kernel/proc"
	"rv39os/kernel/riscv"
	"rv39os/kernel/sleeplock"
	"rv39os/kernel/spinlock"
	_ "rv39os/kernel/sysfile"
	_ "rv39os/kernel/sysproc"
	"rv39os/kernel/trap"
	"rv39os/kernel/virtio"
	"rv39os/kernel/vm"
)

// hwIntr adapts the real per-hart interrupt-enable CSR bit to
// spinlock.IntrController, replacing the package's single-hart
// fakeIntr default once the boot assembly's CSR access is live.
type hwIntr struct{}

func (hwIntr) IntrOff()     { riscv.IntrOffHW() }
func (hwIntr) IntrOn()      { riscv.IntrOnHW() }
func (hwIntr) IntrGet() bool { return riscv.IntrGetHW() }

//go:linkname getEnd get_end
func getEnd() uintptr

const rootDev = 0
const initPath = "/init"

// kvmmap panics on failure, mirroring the teacher's kvmmap which treated
// a mappages failure during kernel page table setup as fatal.
func kvmmap(arena *pmem.Allocator, pt vm.PageTable, va, pa, size uintptr, perm uint64) {
	if err := vm.MapRegion(arena, pt, va, pa, size, perm); err != nil {
		panic("kmain: kvmmap: " + err.Error())
	}
}

// KMain is the Go entry point the boot assembly calls on hart 0 after
// setting up an initial stack: spec.md §2.
//
//export KMain
func KMain() {
	spinlock.SetIntrController(hwIntr{})

	klog.Infof("kmeminit...")
	arena := pmem.NewKernelArena(riscv.KERNBASE, getEnd(), riscv.PHYSTOP)
	klog.Infof("kmeminit... ok, %d free pages", arena.FreeCount())

	klog.Infof("kvminit...")
	kpt := vm.Create(arena)
	kvmmap(arena, kpt, riscv.UART0, riscv.UART0, riscv.PGSIZE, riscv.PTE_R|riscv.PTE_W)
	kvmmap(arena, kpt, riscv.VIRTIO0, riscv.VIRTIO0, riscv.PGSIZE, riscv.PTE_R|riscv.PTE_W)
	kvmmap(arena, kpt, riscv.PLIC, riscv.PLIC, 0x400000, riscv.PTE_R|riscv.PTE_W)
	kvmmap(arena, kpt, riscv.KERNBASE, riscv.KERNBASE, getEnd()-riscv.KERNBASE, riscv.PTE_R|riscv.PTE_X)
	kvmmap(arena, kpt, getEnd(), getEnd(), riscv.PHYSTOP-getEnd(), riscv.PTE_R|riscv.PTE_W)
	klog.Infof("kvminit... ok")

	riscv.W_satp(riscv.SATP(uintptr(kpt)))
	riscv.Sfence_vma()

	klog.Infof("trapinithart...")
	trap.TrapInitHart()
	klog.Infof("trapinithart... ok")

	disk := virtio.Init()
	boot(arena, kpt, disk)
}

func boot(arena *pmem.Allocator, kpt vm.PageTable, disk blockdev.Device) {
	procTable := proc.NewSingleHart(arena, kpt, nil, nil, proc.RoundRobin)
	sleeplock.SetScheduler(procTable)
	bc := bio.New(disk, procTable.CurrentID)

	sbBuf := make([]byte, fs.BSIZE)
	sbBlock := bc.Bread(rootDev, 1)
	copy(sbBuf, sbBlock.Data[:])
	bc.Brelse(sbBlock)
	var sb fs.Superblock
	if err := sb.Decode(sbBuf); err != nil {
		panic("kmain: " + err.Error())
	}

	log := fslog.New(bc, procTable, rootDev, int(sb.LogStart), int(sb.NLog))
	fsys := fs.NewFS(rootDev, sb, bc, log, procTable.CurrentID)

	files := file.New(fsys, procTable.CurrentID)
	file.RegisterDevice(file.ConsoleMajor, console.Default())

	procTable.FS = fsys
	procTable.Files = files
	procTable.Root = fsys.IGet(1)

	trap.Table = procTable
	procTable.UsertrapRet = trap.UsertrapRet

	klog.Infof("userinit...")
	if _, err := procTable.UserInit(initPath); err != nil {
		panic("kmain: userinit: " + err.Error())
	}
	klog.Infof("userinit... ok")

	procTable.Scheduler()
}

func main() {}
