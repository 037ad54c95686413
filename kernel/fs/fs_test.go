package fs

import (
	"testing"

	"rv39os/hostdisk"
	"rv39os/kernel/bio"
	"rv39os/kernel/blockdev"
	"rv39os/kernel/fslog"
	"rv39os/kernel/sleeplock"
)

// newTestFS builds a freshly formatted, tiny file system over a host
// temp file, mirroring tools/mkfs's own bootstrap (zero the log/inode/
// bitmap regions, write the superblock, allocate the root directory).
func newTestFS(t *testing.T) *FS {
	t.Helper()
	sched := hostdisk.SingleThreaded{}
	sleeplock.SetScheduler(sched)

	const totalBlocks = 2000
	const logSize = 30
	sb := BuildSuperblock(totalBlocks, logSize, 200)

	path := t.TempDir() + "/disk.img"
	dev, err := hostdisk.Create(path, totalBlocks)
	if err != nil {
		t.Fatalf("hostdisk.Create: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	zero := make([]byte, blockdev.BlockSize)
	for b := sb.LogStart; b < sb.DataStart(); b++ {
		if err := dev.WriteBlock(b, zero); err != nil {
			t.Fatalf("zero block %d: %v", b, err)
		}
	}
	blk := make([]byte, blockdev.BlockSize)
	sb.Encode(blk)
	if err := dev.WriteBlock(1, blk); err != nil {
		t.Fatalf("write superblock: %v", err)
	}

	bc := bio.New(dev, sched.CurrentID)
	log := fslog.New(bc, sched, 0, int(sb.LogStart), int(sb.NLog))
	fsys := NewFS(0, sb, bc, log, sched.CurrentID)

	log.Begin()
	root := fsys.Ialloc(TypeDir)
	if root.Inum != 1 {
		t.Fatalf("root inode = %d, want 1", root.Inum)
	}
	fsys.ILock(root)
	root.Nlink = 1
	fsys.IUpdate(root)
	if err := fsys.Dirlink(root, ".", root.Inum); err != nil {
		t.Fatalf("link .: %v", err)
	}
	if err := fsys.Dirlink(root, "..", root.Inum); err != nil {
		t.Fatalf("link ..: %v", err)
	}
	fsys.IUnlock(root)
	log.End()
	fsys.IPut(root)

	return fsys
}

func (fsys *FS) root() *Inode { return fsys.IGet(1) }

// createFile allocates a regular file inode and links it into dp
// under name, the fs-package-level equivalent of open(..., O_CREATE).
func (fsys *FS) createFile(dp *Inode, name string) *Inode {
	fsys.Log.Begin()
	ip := fsys.Ialloc(TypeFile)
	fsys.ILock(ip)
	ip.Nlink = 1
	fsys.IUpdate(ip)
	fsys.IUnlock(ip)
	fsys.ILock(dp)
	if err := fsys.Dirlink(dp, name, ip.Inum); err != nil {
		fsys.IUnlock(dp)
		fsys.Log.End()
		panic(err)
	}
	fsys.IUnlock(dp)
	fsys.Log.End()
	return ip
}

func (fsys *FS) mkdir(dp *Inode, name string) *Inode {
	fsys.Log.Begin()
	ip := fsys.Ialloc(TypeDir)
	fsys.ILock(ip)
	ip.Nlink = 1
	fsys.IUpdate(ip)
	if err := fsys.Dirlink(ip, ".", ip.Inum); err != nil {
		panic(err)
	}
	if err := fsys.Dirlink(ip, "..", dp.Inum); err != nil {
		panic(err)
	}
	fsys.IUnlock(ip)
	fsys.ILock(dp)
	if err := fsys.Dirlink(dp, name, ip.Inum); err != nil {
		fsys.IUnlock(dp)
		fsys.Log.End()
		panic(err)
	}
	fsys.IUnlock(dp)
	fsys.Log.End()
	return ip
}

func (fsys *FS) symlink(dp *Inode, name, target string) *Inode {
	fsys.Log.Begin()
	ip := fsys.Ialloc(TypeSymlink)
	fsys.ILock(ip)
	ip.Nlink = 1
	fsys.IUpdate(ip)
	fsys.Writei(ip, []byte(target), 0, uint32(len(target)))
	fsys.IUnlock(ip)
	fsys.ILock(dp)
	if err := fsys.Dirlink(dp, name, ip.Inum); err != nil {
		fsys.IUnlock(dp)
		fsys.Log.End()
		panic(err)
	}
	fsys.IUnlock(dp)
	fsys.Log.End()
	return ip
}

// TestFileWriteReadRoundTrip is spec.md §8 scenario 1: write 18 bytes
// to a new file, close, reopen, and read them back exactly.
func TestFileWriteReadRoundTrip(t *testing.T) {
	fsys := newTestFS(t)
	root := fsys.root()
	ip := fsys.createFile(root, "testfile")

	payload := []byte("Hello, filesystem!")
	fsys.Log.Begin()
	fsys.ILock(ip)
	n := fsys.Writei(ip, payload, 0, uint32(len(payload)))
	fsys.IUnlock(ip)
	fsys.Log.End()
	if n != len(payload) {
		t.Fatalf("Writei returned %d, want %d", n, len(payload))
	}
	fsys.IPut(ip)

	// Reopen by path.
	found, _ := fsys.Dirlookup(root, "testfile")
	if found == nil {
		t.Fatal("testfile not found after write")
	}
	fsys.ILock(found)
	buf := make([]byte, 64)
	got := fsys.Readi(found, buf, 0, uint32(len(buf)))
	fsys.IUnlock(found)
	if got != len(payload) {
		t.Fatalf("Readi returned %d, want %d", got, len(payload))
	}
	if string(buf[:got]) != string(payload) {
		t.Fatalf("read back %q, want %q", buf[:got], payload)
	}
	fsys.IPut(found)
	fsys.IPut(root)
}

// TestReadiClampsToFileSize is spec.md §8's readi law:
// readi(off, n) reads exactly min(n, size-off) bytes when off <= size.
func TestReadiClampsToFileSize(t *testing.T) {
	fsys := newTestFS(t)
	root := fsys.root()
	ip := fsys.createFile(root, "clamp")

	fsys.Log.Begin()
	fsys.ILock(ip)
	fsys.Writei(ip, []byte("0123456789"), 0, 10)
	buf := make([]byte, 64)
	n := fsys.Readi(ip, buf, 5, 64)
	fsys.IUnlock(ip)
	fsys.Log.End()

	if n != 5 {
		t.Fatalf("Readi(off=5, n=64) on a 10-byte file returned %d, want 5", n)
	}
	if string(buf[:n]) != "56789" {
		t.Fatalf("got %q, want 56789", buf[:n])
	}
	fsys.IPut(ip)
	fsys.IPut(root)
}

// TestDirectoryEmptinessGuard is spec.md §8 scenario 6: a directory
// with a child cannot be treated as empty; once the child is removed
// it can.
func TestDirectoryEmptinessGuard(t *testing.T) {
	fsys := newTestFS(t)
	root := fsys.root()
	a := fsys.mkdir(root, "a")
	b := fsys.mkdir(a, "b")

	fsys.ILock(a)
	empty := fsys.IsDirEmpty(a)
	fsys.IUnlock(a)
	if empty {
		t.Fatal("directory /a should not read as empty while /a/b exists")
	}

	// Remove /a/b's directory entry from /a (the unlink itself, minus
	// the syscall-layer nlink bookkeeping which lives in kernel/sysfile).
	fsys.ILock(a)
	off := findEntryOffset(t, fsys, a, "b")
	clearEntry(fsys, a, off)
	fsys.IUnlock(a)

	fsys.ILock(a)
	empty = fsys.IsDirEmpty(a)
	fsys.IUnlock(a)
	if !empty {
		t.Fatal("directory /a should read as empty once /a/b's entry is cleared")
	}

	fsys.IPut(b)
	fsys.IPut(a)
	fsys.IPut(root)
}

func findEntryOffset(t *testing.T, fsys *FS, dp *Inode, name string) uint32 {
	t.Helper()
	ip, off := fsys.Dirlookup(dp, name)
	if ip == nil {
		t.Fatalf("%q not found in directory", name)
	}
	fsys.IPut(ip)
	return off
}

func clearEntry(fsys *FS, dp *Inode, off uint32) {
	var de Dirent
	buf := make([]byte, DirentSize)
	de.Encode(buf)
	fsys.Writei(dp, buf, off, DirentSize)
}

// TestSymlinkDepthBound is spec.md §8 scenario 7: a chain of 9
// symlinks fails to resolve, a chain of 7 succeeds.
func TestSymlinkDepthBound(t *testing.T) {
	fsys := newTestFS(t)
	root := fsys.root()

	target := fsys.createFile(root, "target")
	fsys.IPut(target)

	// 7-link chain: link7 -> link6 -> ... -> link1 -> target.
	prev := "target"
	for i := 1; i <= 7; i++ {
		name := linkName("l7", i)
		ip := fsys.symlink(root, name, prev)
		fsys.IPut(ip)
		prev = name
	}
	resolved, _, err := fsys.Namex(root, linkName("l7", 7), false)
	if err != nil {
		t.Fatalf("7-link chain should resolve: %v", err)
	}
	fsys.ILock(resolved)
	if resolved.Type != TypeFile {
		t.Fatal("7-link chain did not resolve to the target file")
	}
	fsys.IUnlock(resolved)
	fsys.IPut(resolved)

	// 9-link chain: one hop too many.
	prev = "target"
	for i := 1; i <= 9; i++ {
		name := linkName("l9", i)
		ip := fsys.symlink(root, name, prev)
		fsys.IPut(ip)
		prev = name
	}
	_, _, err = fsys.Namex(root, linkName("l9", 9), false)
	if err == nil {
		t.Fatal("9-link chain should fail to resolve (exceeds max symlink depth)")
	}

	fsys.IPut(root)
}

func linkName(prefix string, i int) string {
	return prefix + "_" + string(rune('a'+i))
}
