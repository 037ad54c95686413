package proc

// Wait blocks until some child of p exits, reaps its process-table
// slot, and returns its pid and exit status. Returns ok=false if p
// has no children at all. spec.md §4.4.
func (t *Table) Wait(p *Proc) (pid, xstate int, ok bool) {
	t.WaitLock.Acquire(t.CurrentID())
	for {
		haveChildren := false
		for i := range t.Procs {
			c := &t.Procs[i]
			if c.Parent != p {
				continue
			}
			haveChildren = true
			c.Lock.Acquire(t.CurrentID())
			if c.State == Zombie {
				pid = c.Pid
				xstate = c.Xstate
				t.freeProcLocked(c)
				c.Lock.Release(t.CurrentID())
				t.WaitLock.Release(t.CurrentID())
				return pid, xstate, true
			}
			c.Lock.Release(t.CurrentID())
		}
		if !haveChildren || p.Killed {
			t.WaitLock.Release(t.CurrentID())
			return 0, 0, false
		}
		t.Sleep(pointerOf(p), &t.WaitLock)
	}
}
