package proc

import "rv39os/kernel/vm"

// Fork duplicates parent into a new RUNNABLE process: a copy-on-write
// address space (vm.Uvmcopy), a duplicated trapframe with A0 zeroed
// for the child's return value, and shared-by-refcount open files and
// current directory. spec.md §4.2.
func (t *Table) Fork(parent *Proc) *Proc {
	child := t.Alloc()
	if child == nil {
		return nil
	}

	if err := vm.Uvmcopy(t.PMem, parent.Pagetable, child.Pagetable, parent.Sz); err != nil {
		t.freeProcLocked(child)
		child.Lock.Release(t.CurrentID())
		return nil
	}
	child.Sz = parent.Sz

	*child.Trapframe = *parent.Trapframe
	child.Trapframe.SetReturn(0)

	for i, f := range parent.OFile {
		if f != nil {
			child.OFile[i] = t.Files.Dup(f)
		}
	}
	child.Cwd = t.FS.IDup(parent.Cwd)
	child.Name = parent.Name
	child.Parent = parent
	child.State = Runnable

	child.Lock.Release(t.CurrentID())
	return child
}
