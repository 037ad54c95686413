package proc

import "rv39os/kernel/riscv"

// UserInit creates the first process (pid 1): its root directory is
// the file-system root, and its program is loaded immediately via
// Exec against the well-known init path, matching the boot sequence
// spec.md §2 specifies. Caller (cmd/kernel's KMain) invokes this
// after the file system and root inode are mounted and t.Root is set.
func (t *Table) UserInit(initPath string) (*Proc, error) {
	p := t.Alloc()
	if p == nil {
		panic("proc: userinit - out of process slots")
	}
	p.Cwd = t.FS.IDup(t.Root)
	t.initProc = p

	p.Trapframe.Epc = 0
	p.Trapframe.Sp = uint64(riscv.PGSIZE)
	setName(p, "init")
	p.State = Runnable
	id := t.CurrentID()
	p.Lock.Release(id)

	if err := t.Exec(p, initPath, []string{initPath}); err != nil {
		return nil, err
	}
	return p, nil
}
