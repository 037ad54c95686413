package proc

import (
	"rv39os/kernel/elf"
	"rv39os/kernel/fs"
	"rv39os/kernel/riscv"
	"rv39os/kernel/vm"
)

const maxArgs = 32
const userStackPages = 1

// Exec replaces p's address space with the program at path, loading
// its PT_LOAD segments and setting up a stack holding argv: spec.md
// §4.5. On any failure p's existing address space is left untouched
// and the caller sees an error (a failed exec does not kill p).
func (t *Table) Exec(p *Proc, path string, argv []string) error {
	ip, _, err := t.FS.Namex(t.Root, path, false)
	if err != nil {
		return err
	}
	t.FS.ILock(ip)

	hdrBuf := make([]byte, elf.HeaderSize)
	if n := t.FS.Readi(ip, hdrBuf, 0, uint32(len(hdrBuf))); n != len(hdrBuf) {
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		return errNotExecutable
	}
	hdr, err := elf.DecodeHeader(hdrBuf)
	if err != nil {
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		return err
	}

	newpt := vm.Create(t.PMem)
	var sz uintptr

	phBuf := make([]byte, elf.ProgHeaderSize)
	for i := uint16(0); i < hdr.Phnum; i++ {
		off := hdr.Phoff + uint64(i)*uint64(elf.ProgHeaderSize)
		if n := t.FS.Readi(ip, phBuf, uint32(off), uint32(len(phBuf))); n != len(phBuf) {
			vm.Destroy(t.PMem, newpt, sz)
			t.FS.IUnlock(ip)
			t.FS.IPut(ip)
			return errNotExecutable
		}
		ph := elf.DecodeProgHeader(phBuf)
		if ph.Type != elf.ProgLoad {
			continue
		}
		var perm uint64 = riscv.PTE_U
		if ph.Flags&0x4 != 0 {
			perm |= riscv.PTE_R
		}
		if ph.Flags&0x2 != 0 {
			perm |= riscv.PTE_W
		}
		if ph.Flags&0x1 != 0 {
			perm |= riscv.PTE_X
		}
		newsz := vm.UvmallocPerm(t.PMem, newpt, sz, uintptr(ph.Vaddr)+uintptr(ph.Memsz), perm)
		if newsz == 0 {
			vm.Destroy(t.PMem, newpt, sz)
			t.FS.IUnlock(ip)
			t.FS.IPut(ip)
			return errOutOfMemory
		}
		sz = newsz
		if err := loadSegment(t, ip, newpt, uintptr(ph.Vaddr), uint32(ph.Off), uint32(ph.Filesz)); err != nil {
			vm.Destroy(t.PMem, newpt, sz)
			t.FS.IUnlock(ip)
			t.FS.IPut(ip)
			return err
		}
	}
	t.FS.IUnlock(ip)
	t.FS.IPut(ip)

	sz = riscv.PGROUNDUP(sz)
	// Two pages: the bottom one is the usable, mapped user stack; the
	// top one is a guard with PTE_U cleared so a stack overflow faults
	// instead of corrupting whatever sits above it (spec.md §4.5).
	stackSize := uintptr(userStackPages+1) * riscv.PGSIZE
	newsz := vm.UvmallocPerm(t.PMem, newpt, sz, sz+stackSize, riscv.PTE_R|riscv.PTE_W|riscv.PTE_U)
	if newsz == 0 {
		vm.Destroy(t.PMem, newpt, sz)
		return errOutOfMemory
	}

	stackTop := newsz - riscv.PGSIZE // bottom of the guard page
	stackBase := stackTop - uintptr(userStackPages)*riscv.PGSIZE

	if guardPTE := vm.WalkLookup(newpt, stackTop); guardPTE != nil {
		*guardPTE &^= riscv.PTE_U
	}

	sp := stackTop
	var argvPtrs [maxArgs]uint64
	if len(argv) > maxArgs {
		vm.Destroy(t.PMem, newpt, newsz)
		return errTooManyArgs
	}
	for i := len(argv) - 1; i >= 0; i-- {
		s := append([]byte(argv[i]), 0)
		sp -= uintptr(len(s))
		sp -= sp % 16
		if sp < stackBase {
			vm.Destroy(t.PMem, newpt, newsz)
			return errArgsTooBig
		}
		if err := vm.CopyOut(t.PMem, newpt, sp, s, len(s)); err != nil {
			vm.Destroy(t.PMem, newpt, newsz)
			return err
		}
		argvPtrs[i] = uint64(sp)
	}
	argc := len(argv)
	sp -= uintptr(argc+1) * 8
	sp -= sp % 16
	if sp < stackBase {
		vm.Destroy(t.PMem, newpt, newsz)
		return errArgsTooBig
	}
	var argvTable [(maxArgs + 1) * 8]byte
	for i := 0; i < argc; i++ {
		putU64(argvTable[i*8:i*8+8], argvPtrs[i])
	}
	if err := vm.CopyOut(t.PMem, newpt, sp, argvTable[:(argc+1)*8], (argc+1)*8); err != nil {
		vm.Destroy(t.PMem, newpt, newsz)
		return err
	}
	argvAddr := sp

	oldpt, oldsz := p.Pagetable, p.Sz
	p.Pagetable = newpt
	p.Sz = newsz
	p.Trapframe.Epc = hdr.Entry
	p.Trapframe.Sp = uint64(sp)
	p.Trapframe.A1 = uint64(argc)
	p.Trapframe.A2 = uint64(argvAddr)
	setName(p, path)

	vm.Destroy(t.PMem, oldpt, oldsz)
	return nil
}

func loadSegment(t *Table, ip *fs.Inode, pt vm.PageTable, va uintptr, fileOff, fileSz uint32) error {
	buf := make([]byte, riscv.PGSIZE)
	for off := uint32(0); off < fileSz; off += uint32(riscv.PGSIZE) {
		n := uint32(riscv.PGSIZE)
		if off+n > fileSz {
			n = fileSz - off
		}
		if m := t.FS.Readi(ip, buf[:n], fileOff+off, n); uint32(m) != n {
			return errNotExecutable
		}
		if err := vm.CopyOut(t.PMem, pt, va+uintptr(off), buf[:n], int(n)); err != nil {
			return err
		}
	}
	return nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

type execError string

func (e execError) Error() string { return string(e) }

const (
	errNotExecutable execError = "proc: not a valid executable"
	errOutOfMemory    execError = "proc: out of memory during exec"
	errTooManyArgs    execError = "proc: too many arguments"
	errArgsTooBig     execError = "proc: arguments too large for stack"
)
