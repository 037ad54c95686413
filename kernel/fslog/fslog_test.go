package fslog

import (
	"testing"
	"unsafe"

	"rv39os/hostdisk"
	"rv39os/kernel/bio"
	"rv39os/kernel/sleeplock"
	"rv39os/kernel/spinlock"
)

// singleThreaded is a Scheduler stand-in identical in spirit to
// hostdisk.SingleThreaded: these tests never contend a lock, so Sleep
// should never actually be called.
type singleThreaded struct{}

func (singleThreaded) Sleep(unsafe.Pointer, *spinlock.Lock) {
	panic("fslog test: unexpected sleep")
}
func (singleThreaded) Wakeup(unsafe.Pointer) {}
func (singleThreaded) CurrentID() uintptr    { return 1 }

const (
	logStart = 2
	logSize  = 32
	dataBase = logStart + logSize
)

func newTestLog(t *testing.T) (*bio.Cache, *Log) {
	t.Helper()
	sleeplock.SetScheduler(singleThreaded{})
	path := t.TempDir() + "/disk.img"
	dev, err := hostdisk.Create(path, dataBase+16)
	if err != nil {
		t.Fatalf("hostdisk.Create: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	bc := bio.New(dev, func() uintptr { return 1 })
	return bc, New(bc, singleThreaded{}, 0, logStart, logSize)
}

// TestCommitInstallsDataAfterEnd is the ordinary path: a transaction
// that reaches End() in full has its writes visible on the block
// device once the cache is cleared and re-read.
func TestCommitInstallsDataAfterEnd(t *testing.T) {
	bc, l := newTestLog(t)

	l.Begin()
	b := bc.Bread(0, dataBase)
	copy(b.Data[:5], "hello")
	l.Write(b)
	bc.Brelse(b)
	l.End()

	bc.ClearAll()
	b2 := bc.Bread(0, dataBase)
	if string(b2.Data[:5]) != "hello" {
		t.Fatalf("got %q, want hello", b2.Data[:5])
	}
	bc.Brelse(b2)
}

// TestCrashBeforeHeaderCommitDiscardsTransaction is spec.md §8
// scenario 2: a crash before the header (the commit point) is written
// means the transaction never happened as far as recovery is concerned.
func TestCrashBeforeHeaderCommitDiscardsTransaction(t *testing.T) {
	bc, l := newTestLog(t)
	l.SetCrashStage(CrashBeforeHeaderCommit)

	l.Begin()
	b := bc.Bread(0, dataBase)
	copy(b.Data[:12], "journal-data")
	l.Write(b)
	bc.Brelse(b)
	l.End()

	// Simulate the reboot: fresh cache over the same device, recover.
	bc.ClearAll()
	l2 := New(bc, singleThreaded{}, 0, logStart, logSize)
	l2.RecoverLog()

	bc.ClearAll()
	b2 := bc.Bread(0, dataBase)
	if string(b2.Data[:12]) == "journal-data" {
		t.Fatal("pre-commit transaction survived recovery")
	}
	bc.Brelse(b2)
}

// TestCrashAfterHeaderBeforeInstallCompletesOnRecovery is spec.md §8
// scenario 3: the header (commit point) made it to disk, so recovery
// must finish installing the logged blocks.
func TestCrashAfterHeaderBeforeInstallCompletesOnRecovery(t *testing.T) {
	bc, l := newTestLog(t)
	l.SetCrashStage(CrashAfterHeaderBeforeInstall)

	l.Begin()
	b := bc.Bread(0, dataBase)
	copy(b.Data[:12], "journal-data")
	l.Write(b)
	bc.Brelse(b)
	l.End()

	bc.ClearAll()
	l2 := New(bc, singleThreaded{}, 0, logStart, logSize)
	l2.RecoverLog()

	bc.ClearAll()
	b2 := bc.Bread(0, dataBase)
	if string(b2.Data[:12]) != "journal-data" {
		t.Fatalf("got %q, want journal-data after recovery completed the install", b2.Data[:12])
	}
	bc.Brelse(b2)
}

// TestDuplicateWritesInOneTransactionCoalesce checks spec.md §4.7's
// "duplicate writes to the same block in one transaction coalesce":
// logging the same buffer twice must not grow the header past one
// entry for it.
func TestDuplicateWritesInOneTransactionCoalesce(t *testing.T) {
	bc, l := newTestLog(t)

	l.Begin()
	b := bc.Bread(0, dataBase)
	l.Write(b)
	l.Write(b)
	if l.hdr.N != 1 {
		t.Fatalf("two writes of one block logged %d entries, want 1", l.hdr.N)
	}
	bc.Brelse(b)
	l.End()

	if l.hdr.N != 0 {
		t.Fatalf("header not cleared after End: n=%d", l.hdr.N)
	}
}

func TestBeginEndNestingCommitsOnlyOnLastEnd(t *testing.T) {
	bc, l := newTestLog(t)

	l.Begin()
	l.Begin()
	b := bc.Bread(0, dataBase)
	copy(b.Data[:3], "xyz")
	l.Write(b)
	bc.Brelse(b)
	l.End()
	if l.committing {
		t.Fatal("inner End must not commit while another transaction is outstanding")
	}
	l.End()

	bc.ClearAll()
	b2 := bc.Bread(0, dataBase)
	if string(b2.Data[:3]) != "xyz" {
		t.Fatalf("got %q, want xyz once the outermost End commits", b2.Data[:3])
	}
	bc.Brelse(b2)
}
