// Command imgtool inspects an existing disk image without booting a
// kernel: dump the superblock, list a directory, or extract a file's
// contents to stdout. Like tools/mkfs it is host-only and freely uses
// the hosted ecosystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"rv39os/hostdisk"
	"rv39os/kernel/bio"
	"rv39os/kernel/fs"
	"rv39os/kernel/fslog"
	"rv39os/kernel/sleeplock"
)

var log = logrus.New()

func main() {
	cmdr := subcommands.NewCommander(flag.CommandLine, "imgtool")
	cmdr.Register(cmdr.HelpCommand(), "")
	cmdr.Register(&sbCmd{}, "")
	cmdr.Register(&lsCmd{}, "")
	cmdr.Register(&catCmd{}, "")
	flag.Parse()
	os.Exit(int(cmdr.Execute(context.Background())))
}

// openReadOnly mounts image the same way cmd/kernel's boot() does
// (superblock decode, log replay, fs.NewFS), so any crash the log left
// mid-commit is replayed before this tool looks at anything — exactly
// what a reader should see when they inspect the image, not whatever
// partial state a crash left on disk.
func openReadOnly(image string) (*fs.FS, func(), error) {
	dev, err := hostdisk.Open(image)
	if err != nil {
		return nil, nil, err
	}

	sched := hostdisk.SingleThreaded{}
	sleeplock.SetScheduler(sched)
	bc := bio.New(dev, sched.CurrentID)

	sbBlk := bc.Bread(0, 1)
	sbBuf := make([]byte, fs.BSIZE)
	copy(sbBuf, sbBlk.Data[:])
	bc.Brelse(sbBlk)
	var sb fs.Superblock
	if err := sb.Decode(sbBuf); err != nil {
		dev.Close()
		return nil, nil, err
	}

	lg := fslog.New(bc, sched, 0, int(sb.LogStart), int(sb.NLog))
	fsys := fs.NewFS(0, sb, bc, lg, sched.CurrentID)
	return fsys, func() { dev.Close() }, nil
}

type sbCmd struct{ image string }

func (*sbCmd) Name() string     { return "sb" }
func (*sbCmd) Synopsis() string { return "print the image's superblock" }
func (*sbCmd) Usage() string    { return "sb -image <path>\n" }
func (c *sbCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.image, "image", "fs.img", "path to the disk image")
}
func (c *sbCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	fsys, closeFn, err := openReadOnly(c.image)
	if err != nil {
		log.Errorf("open: %v", err)
		return subcommands.ExitFailure
	}
	defer closeFn()
	sb := fsys.SB
	fmt.Printf("magic=%#x total=%d data=%d inodes=%d log=%d@%d inodestart=%d bmapstart=%d\n",
		sb.Magic, sb.TotalSize, sb.NBlocks, sb.NInodes, sb.NLog, sb.LogStart, sb.InodeStart, sb.BmapStart)
	return subcommands.ExitSuccess
}

type lsCmd struct {
	image string
	path  string
}

func (*lsCmd) Name() string     { return "ls" }
func (*lsCmd) Synopsis() string { return "list a directory in the image" }
func (*lsCmd) Usage() string    { return "ls -image <path> -path <dir>\n" }
func (c *lsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.image, "image", "fs.img", "path to the disk image")
	f.StringVar(&c.path, "path", "/", "directory to list")
}
func (c *lsCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	fsys, closeFn, err := openReadOnly(c.image)
	if err != nil {
		log.Errorf("open: %v", err)
		return subcommands.ExitFailure
	}
	defer closeFn()

	root := fsys.IGet(1)
	dp, _, err := fsys.Namex(root, c.path, false)
	fsys.IPut(root)
	if err != nil {
		log.Errorf("resolve %s: %v", c.path, err)
		return subcommands.ExitFailure
	}
	fsys.ILock(dp)
	defer fsys.IUnlock(dp)
	if dp.Type != fs.TypeDir {
		log.Errorf("%s is not a directory", c.path)
		return subcommands.ExitFailure
	}

	var de fs.Dirent
	buf := make([]byte, fs.DirentSize)
	for off := uint32(0); off < uint32(dp.Size); off += fs.DirentSize {
		n := fsys.Readi(dp, buf, off, fs.DirentSize)
		if n != len(buf) {
			break
		}
		de.Decode(buf)
		if de.Inum == 0 {
			continue
		}
		fmt.Printf("%6d %s\n", de.Inum, de.NameString())
	}
	return subcommands.ExitSuccess
}

type catCmd struct {
	image string
	path  string
}

func (*catCmd) Name() string     { return "cat" }
func (*catCmd) Synopsis() string { return "print a file's contents to stdout" }
func (*catCmd) Usage() string    { return "cat -image <path> -path <file>\n" }
func (c *catCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.image, "image", "fs.img", "path to the disk image")
	f.StringVar(&c.path, "path", "", "file to extract")
}
func (c *catCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.path == "" {
		log.Error("cat: -path is required")
		return subcommands.ExitUsageError
	}
	fsys, closeFn, err := openReadOnly(c.image)
	if err != nil {
		log.Errorf("open: %v", err)
		return subcommands.ExitFailure
	}
	defer closeFn()

	root := fsys.IGet(1)
	ip, _, err := fsys.Namex(root, c.path, false)
	fsys.IPut(root)
	if err != nil {
		log.Errorf("resolve %s: %v", c.path, err)
		return subcommands.ExitFailure
	}
	fsys.ILock(ip)
	defer fsys.IUnlock(ip)

	buf := make([]byte, fs.BSIZE)
	off := uint32(0)
	for off < ip.Size {
		n := fsys.Readi(ip, buf, off, uint32(len(buf)))
		if n <= 0 {
			break
		}
		os.Stdout.Write(buf[:n])
		off += uint32(n)
	}
	return subcommands.ExitSuccess
}
