// Package fs is the inode layer and path resolver: spec.md §3
// ("Superblock", "Inode", "Directory entry") and §4.8. It sits on top
// of kernel/fslog (which itself sits on kernel/bio) and never touches
// the block device directly — every data, inode, or bitmap block is
// read through kernel/bio's Bread and every change to one is recorded
// with the log's Write inside a Begin/End transaction, so a crash
// mid-write can never leave the file system half-updated.
package fs

import "rv39os/kernel/blockdev"

const (
	// BSIZE is the block size used throughout, spec.md §6.2.
	BSIZE = blockdev.BlockSize
	// Magic identifies a valid on-disk image, spec.md §6.2.
	Magic = 0x20241031

	NDIRECT   = 12
	IndirectN = BSIZE / 4 // 1024 entries per indirect block
	NINDIRECT = IndirectN
	// MaxFileBlocks is (direct + single-indirect + double-indirect).
	MaxFileBlocks = NDIRECT + NINDIRECT + NINDIRECT*NINDIRECT
	MaxFileSize   = MaxFileBlocks * BSIZE

	DIRSIZ = 14
)

// Inode types, spec.md §6.1.
const (
	TypeFree    = 0
	TypeDir     = 1
	TypeFile    = 2
	TypeDev     = 3
	TypeSymlink = 4
)

// Superblock mirrors the on-disk layout spec.md §6.2 fixes byte for
// byte: the magic followed by seven little-endian u32 fields.
type Superblock struct {
	Magic      uint32
	TotalSize  uint32 // total block count
	NBlocks    uint32 // data-block count
	NInodes    uint32 // inode count
	NLog       uint32 // log size, blocks
	LogStart   uint32
	InodeStart uint32
	BmapStart  uint32
}

// InodeBlocks and DataStart compute the derived geometry: how many blocks the
// inode region occupies and where the data region begins, following
// spec.md §6.2's block table exactly (boot, superblock, log, inodes,
// bitmap, data).
func (sb *Superblock) InodeBlocks() uint32 {
	ipb := uint32(BSIZE / DinodeSize)
	return (sb.NInodes + ipb - 1) / ipb
}

func (sb *Superblock) DataStart() uint32 {
	return sb.BmapStart + 1
}

// Encode/Decode marshal the superblock into/out of one 4 KiB block,
// little-endian, matching spec.md §6.2's on-disk integer endianness.
func (sb *Superblock) Encode(blk []byte) {
	putU32(blk[0:4], sb.Magic)
	putU32(blk[4:8], sb.TotalSize)
	putU32(blk[8:12], sb.NBlocks)
	putU32(blk[12:16], sb.NInodes)
	putU32(blk[16:20], sb.NLog)
	putU32(blk[20:24], sb.LogStart)
	putU32(blk[24:28], sb.InodeStart)
	putU32(blk[28:32], sb.BmapStart)
}

func (sb *Superblock) Decode(blk []byte) error {
	sb.Magic = getU32(blk[0:4])
	if sb.Magic != Magic {
		panic("fs: bad superblock magic")
	}
	sb.TotalSize = getU32(blk[4:8])
	sb.NBlocks = getU32(blk[8:12])
	sb.NInodes = getU32(blk[12:16])
	sb.NLog = getU32(blk[16:20])
	sb.LogStart = getU32(blk[20:24])
	sb.InodeStart = getU32(blk[24:28])
	sb.BmapStart = getU32(blk[28:32])
	return nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// BuildSuperblock computes a geometry from a desired total block count,
// log size and inode count, the way tools/mkfs does (spec.md §6.2's
// block table); the inode region is sized to hold exactly ninodes.
func BuildSuperblock(totalBlocks, logSize, ninodes uint32) Superblock {
	sb := Superblock{
		Magic:     Magic,
		TotalSize: totalBlocks,
		NInodes:   ninodes,
		NLog:      logSize,
		LogStart:  2,
	}
	sb.InodeStart = sb.LogStart + sb.NLog
	inodeBlocks := sb.InodeBlocks()
	sb.BmapStart = sb.InodeStart + inodeBlocks
	dataStart := sb.BmapStart + 1
	sb.NBlocks = totalBlocks - dataStart
	return sb
}
