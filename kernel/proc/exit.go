package proc

// Exit closes p's open files, releases its current directory, hands
// its children to the init process, records its exit status, and
// blocks as a ZOMBIE until Wait reaps it: spec.md §4.4.
func (t *Table) Exit(p *Proc, status int) {
	for i, f := range p.OFile {
		if f != nil {
			t.Files.Close(f)
			p.OFile[i] = nil
		}
	}
	t.FS.IPut(p.Cwd)
	p.Cwd = nil

	t.WaitLock.Acquire(t.CurrentID())
	t.reparent(p)
	if p.Parent != nil {
		t.Wakeup(pointerOf(p.Parent))
	}

	p.Lock.Acquire(t.CurrentID())
	p.Xstate = status
	p.State = Zombie
	t.WaitLock.Release(t.CurrentID())

	t.switchToScheduler(p)
	panic("proc: zombie process resumed")
}

// reparent gives every child of p to the init process (pid 1), so a
// process tree never loses a reaper. Caller holds t.WaitLock.
func (t *Table) reparent(p *Proc) {
	for i := range t.Procs {
		c := &t.Procs[i]
		if c.Parent == p {
			c.Parent = t.initProc
			if t.initProc != nil {
				t.Wakeup(pointerOf(t.initProc))
			}
		}
	}
}

// Kill marks pid killed and, if it is currently sleeping, wakes it so
// it can observe Killed and unwind to exit. spec.md §4.4.
func (t *Table) Kill(pid int) bool {
	for i := range t.Procs {
		p := &t.Procs[i]
		p.Lock.Acquire(t.CurrentID())
		if p.Pid == pid {
			p.Killed = true
			if p.State == Sleeping {
				p.State = Runnable
			}
			p.Lock.Release(t.CurrentID())
			return true
		}
		p.Lock.Release(t.CurrentID())
	}
	return false
}
