// Command mkfs builds a fresh on-disk image: spec.md §6.2's layout,
// driven by a TOML manifest describing the image size and the initial
// file tree to seed. It is a host tool (never linked into the kernel
// image), so unlike kernel/* it freely uses the hosted Go ecosystem:
// github.com/google/subcommands for its CLI shape and
// github.com/BurntSushi/toml for the manifest format, both the way the
// pack's host-tooling examples use them, plus logrus for progress
// reporting.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"rv39os/hostdisk"
	"rv39os/kernel/fs"
)

var log = logrus.New()

func main() {
	cmdr := subcommands.NewCommander(flag.CommandLine, "mkfs")
	cmdr.Register(cmdr.HelpCommand(), "")
	cmdr.Register(&buildCmd{}, "")
	flag.Parse()
	os.Exit(int(cmdr.Execute(context.Background())))
}

// Manifest is the TOML input describing one image.
type Manifest struct {
	Image struct {
		Path       string `toml:"path"`
		TotalBlocks uint32 `toml:"total_blocks"`
		LogBlocks   uint32 `toml:"log_blocks"`
		Inodes      uint32 `toml:"inodes"`
	} `toml:"image"`
	Files []FileEntry `toml:"files"`
}

// FileEntry seeds one regular file from a host path into the image at
// Dest.
type FileEntry struct {
	Host string `toml:"host"`
	Dest string `toml:"dest"`
}

type buildCmd struct {
	manifestPath string
}

func (*buildCmd) Name() string     { return "build" }
func (*buildCmd) Synopsis() string { return "build a disk image from a TOML manifest" }
func (*buildCmd) Usage() string {
	return "build -manifest <fs.toml>\n"
}

func (c *buildCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.manifestPath, "manifest", "fs.toml", "path to the image manifest")
}

func (c *buildCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var m Manifest
	if _, err := toml.DecodeFile(c.manifestPath, &m); err != nil {
		log.Errorf("decode manifest: %v", err)
		return subcommands.ExitFailure
	}
	if err := build(m); err != nil {
		log.Errorf("build: %v", err)
		return subcommands.ExitFailure
	}
	log.Infof("wrote %s", m.Image.Path)
	return subcommands.ExitSuccess
}

func build(m Manifest) error {
	dev, err := hostdisk.Create(m.Image.Path, m.Image.TotalBlocks)
	if err != nil {
		return err
	}
	defer dev.Close()

	sb := fs.BuildSuperblock(m.Image.TotalBlocks, m.Image.LogBlocks, m.Image.Inodes)
	log.Infof("geometry: %d blocks, log=%d..%d inodes=%d..%d bitmap=%d data=%d..%d",
		sb.TotalSize, sb.LogStart, sb.InodeStart, sb.InodeStart, sb.BmapStart, sb.BmapStart, sb.DataStart(), sb.TotalSize)

	if err := writeSuperblock(dev, sb); err != nil {
		return err
	}
	if err := zeroRegion(dev, 2, sb.InodeStart-2+sb.InodeBlocks()+1); err != nil {
		return err
	}

	b := newBuilder(dev, sb)
	if err := b.writeRootDir(); err != nil {
		return err
	}
	for _, fe := range m.Files {
		if err := b.addHostFile(fe.Host, fe.Dest); err != nil {
			return fmt.Errorf("add %s: %w", fe.Dest, err)
		}
		log.Infof("added %s -> %s", fe.Host, fe.Dest)
	}
	return nil
}
