package main

import (
	"io"
	"os"
	"path"
	"strings"

	"rv39os/hostdisk"
	"rv39os/kernel/bio"
	"rv39os/kernel/blockdev"
	"rv39os/kernel/fs"
	"rv39os/kernel/fslog"
	"rv39os/kernel/sleeplock"
)

func writeSuperblock(dev *hostdisk.FileDevice, sb fs.Superblock) error {
	blk := make([]byte, blockdev.BlockSize)
	sb.Encode(blk)
	return dev.WriteBlock(1, blk)
}

// zeroRegion zeroes blocks [from, from+n), covering the log, inode, and
// bitmap regions before anything is allocated out of them — the same
// all-zero starting state fsck/mkfs.c establishes in the original
// xv6 tool this is modeled on.
func zeroRegion(dev *hostdisk.FileDevice, from, n uint32) error {
	zero := make([]byte, blockdev.BlockSize)
	for b := from; b < from+n; b++ {
		if err := dev.WriteBlock(b, zero); err != nil {
			return err
		}
	}
	return nil
}

// builder lays out directories and files on top of a freshly zeroed
// image using the same kernel/fs package the running kernel uses, so
// the image an image built offline and one built by a live kernel are
// byte-for-byte indistinguishable in layout.
type builder struct {
	bc  *bio.Cache
	log *fslog.Log
	fs  *fs.FS
	dev int
}

func newBuilder(dev *hostdisk.FileDevice, sb fs.Superblock) *builder {
	sched := hostdisk.SingleThreaded{}
	sleeplock.SetScheduler(sched)
	bc := bio.New(dev, sched.CurrentID)
	log := fslog.New(bc, sched, 0, int(sb.LogStart), int(sb.NLog))
	fsys := fs.NewFS(0, sb, bc, log, sched.CurrentID)
	return &builder{bc: bc, log: log, fs: fsys, dev: 0}
}

// writeRootDir allocates inode 1 as the root directory with "." and
// ".." both pointing at itself, spec.md §4.8's bootstrap invariant.
func (b *builder) writeRootDir() error {
	b.log.Begin()
	root := b.fs.Ialloc(fs.TypeDir)
	if root.Inum != 1 {
		panic("mkfs: root directory must be inode 1")
	}
	b.fs.ILock(root)
	root.Nlink = 1
	b.fs.IUpdate(root)
	err := b.fs.Dirlink(root, ".", root.Inum)
	if err == nil {
		err = b.fs.Dirlink(root, "..", root.Inum)
	}
	b.fs.IUnlock(root)
	b.log.End()
	return err
}

// addHostFile copies a regular file from the host filesystem at
// hostPath into the image at dest (an absolute path whose parent
// directories must already exist — typically just "/").
func (b *builder) addHostFile(hostPath, dest string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return err
	}

	dir, name := path.Split(dest)
	if dir == "" {
		dir = "/"
	}
	parent, err := b.resolveDir(dir)
	if err != nil {
		return err
	}

	b.log.Begin()
	ip := b.fs.Ialloc(fs.TypeFile)
	b.fs.ILock(ip)
	ip.Nlink = 1
	b.fs.IUpdate(ip)
	b.fs.IUnlock(ip)

	b.fs.ILock(parent)
	dlErr := b.fs.Dirlink(parent, name, ip.Inum)
	b.fs.IUnlock(parent)
	b.log.End()
	if dlErr != nil {
		return dlErr
	}

	const chunk = 10 * fs.BSIZE
	off := uint32(0)
	r := strings.NewReader(string(data))
	buf := make([]byte, chunk)
	b.fs.ILock(ip)
	defer b.fs.IUnlock(ip)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.log.Begin()
			b.fs.Writei(ip, buf[:n], off, uint32(n))
			b.log.End()
			off += uint32(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// resolveDir walks dir (currently only "/" is supported — mkfs seeds a
// flat root directory; nested directories are created by the kernel at
// runtime) and returns its locked-free inode handle.
func (b *builder) resolveDir(dir string) (*fs.Inode, error) {
	if dir != "/" {
		panic("mkfs: only seeding files directly under / is supported")
	}
	return b.fs.IGet(1), nil
}
