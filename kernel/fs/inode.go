package fs

import (
	"fmt"

	"rv39os/kernel/bio"
	"rv39os/kernel/fslog"
	"rv39os/kernel/sleeplock"
	"rv39os/kernel/spinlock"
)

// DinodeSize is 2+2+2+2 (type/major/minor/nlink) + 4 (size) + 14*4
// (block pointers) = 68 bytes. spec.md's prose calls this "the 64-byte
// dinode" while also specifying 14 block pointers (12 direct + single
// + double indirect) and the 4 GiB max-file-size formula that only
// follows from having both indirect levels; 14 pointers cannot fit in
// 64 bytes, so this implementation follows the field list and the max
// file size (which are used elsewhere and checkable) over the
// parenthetical byte count. See DESIGN.md.
const DinodeSize = 2 + 2 + 2 + 2 + 4 + 14*4

// IPB is inodes per block.
const IPB = BSIZE / DinodeSize

const NINODE = 50 // in-memory inode cache capacity

// Dinode is the on-disk inode, spec.md §3/§6.2.
type Dinode struct {
	Type  int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDIRECT + 2]uint32
}

func (d *Dinode) encode(b []byte) {
	putI16(b[0:2], d.Type)
	putI16(b[2:4], d.Major)
	putI16(b[4:6], d.Minor)
	putI16(b[6:8], d.Nlink)
	putU32(b[8:12], d.Size)
	for i, a := range d.Addrs {
		putU32(b[12+4*i:16+4*i], a)
	}
}

func (d *Dinode) decode(b []byte) {
	d.Type = getI16(b[0:2])
	d.Major = getI16(b[2:4])
	d.Minor = getI16(b[4:6])
	d.Nlink = getI16(b[6:8])
	d.Size = getU32(b[8:12])
	for i := range d.Addrs {
		d.Addrs[i] = getU32(b[12+4*i : 16+4*i])
	}
}

func putI16(b []byte, v int16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func getI16(b []byte) int16    { return int16(uint16(b[0]) | uint16(b[1])<<8) }

// Inode is the in-memory cache entry: spec.md §3 "Inode (in memory)".
type Inode struct {
	Dev   int
	Inum  uint32
	ref   int
	Valid bool
	Lock  sleeplock.Lock

	Dinode
}

// FS bundles the superblock, the log, the buffer cache and the inode
// cache into the one object every higher layer (kernel/file,
// kernel/sysfile) talks to.
type FS struct {
	Dev int
	SB  Superblock
	BC  *bio.Cache
	Log *fslog.Log

	mu     spinlock.Lock
	icache [NINODE]Inode
	idOf   func() uintptr
}

// NewFS wires a pre-formatted device: SB must already have been
// decoded from block 1 and Log constructed over [LogStart, LogStart+NLog).
func NewFS(dev int, sb Superblock, bc *bio.Cache, log *fslog.Log, idOf func() uintptr) *FS {
	fs := &FS{Dev: dev, SB: sb, BC: bc, Log: log, idOf: idOf}
	return fs
}

func (fs *FS) id() uintptr { return fs.idOf() }

// --- bitmap allocator over the data region ---

// Balloc finds the first free data block, marks it allocated and
// zeroed, and logs the bitmap write. First-fit scan order makes
// allocation deterministic given a fixed free-block history, which is
// spec.md §8's idempotence law for truncate+rewrite.
func (fs *FS) Balloc() uint32 {
	for b := uint32(0); b < fs.SB.NBlocks; b += BSIZE * 8 {
		buf := fs.BC.Bread(fs.Dev, fs.SB.BmapStart+b/(BSIZE*8))
		for bi := uint32(0); bi < BSIZE*8 && b+bi < fs.SB.NBlocks; bi++ {
			m := byte(1 << (bi % 8))
			if buf.Data[bi/8]&m == 0 {
				buf.Data[bi/8] |= m
				fs.Log.Write(buf)
				fs.BC.Brelse(buf)
				blockno := b + bi
				fs.zeroBlock(fs.SB.DataStart() + blockno)
				return fs.SB.DataStart() + blockno
			}
		}
		fs.BC.Brelse(buf)
	}
	panic("fs: balloc - out of disk blocks")
}

func (fs *FS) zeroBlock(blockno uint32) {
	buf := fs.BC.Bread(fs.Dev, blockno)
	for i := range buf.Data {
		buf.Data[i] = 0
	}
	fs.Log.Write(buf)
	fs.BC.Brelse(buf)
}

// Bfree clears blockno's bitmap bit.
func (fs *FS) Bfree(blockno uint32) {
	rel := blockno - fs.SB.DataStart()
	buf := fs.BC.Bread(fs.Dev, fs.SB.BmapStart+rel/(BSIZE*8))
	bi := rel % (BSIZE * 8)
	m := byte(1 << (bi % 8))
	if buf.Data[bi/8]&m == 0 {
		panic("fs: bfree - freeing free block")
	}
	buf.Data[bi/8] &^= m
	fs.Log.Write(buf)
	fs.BC.Brelse(buf)
}

// --- inode allocation ---

func (fs *FS) inodeBlockOf(inum uint32) uint32 { return fs.SB.InodeStart + inum/uint32(IPB) }
func (fs *FS) inodeOffsetOf(inum uint32) uint32 { return (inum % uint32(IPB)) * DinodeSize }

// Ialloc scans the inode region for a free dinode (type==0), claims it
// for itype, and returns a newly-got in-memory handle: spec.md §4.8.
func (fs *FS) Ialloc(itype int16) *Inode {
	for inum := uint32(1); inum < fs.SB.NInodes; inum++ {
		buf := fs.BC.Bread(fs.Dev, fs.inodeBlockOf(inum))
		off := fs.inodeOffsetOf(inum)
		var d Dinode
		d.decode(buf.Data[off : off+DinodeSize])
		if d.Type == TypeFree {
			d = Dinode{Type: itype}
			d.encode(buf.Data[off : off+DinodeSize])
			fs.Log.Write(buf)
			fs.BC.Brelse(buf)
			return fs.IGet(inum)
		}
		fs.BC.Brelse(buf)
	}
	panic("fs: ialloc - out of inodes")
}

// IUpdate flushes an in-memory inode's fields back to its dinode slot.
// Must be called after every field mutation inside a transaction.
func (fs *FS) IUpdate(ip *Inode) {
	buf := fs.BC.Bread(fs.Dev, fs.inodeBlockOf(ip.Inum))
	off := fs.inodeOffsetOf(ip.Inum)
	ip.Dinode.encode(buf.Data[off : off+DinodeSize])
	fs.Log.Write(buf)
	fs.BC.Brelse(buf)
}

// IGet finds or creates a cache slot for (dev,inum), bumping its
// refcount. A freshly claimed slot has Valid=false until ILock loads it.
func (fs *FS) IGet(inum uint32) *Inode {
	id := fs.id()
	fs.mu.Acquire(id)
	defer fs.mu.Release(id)

	var empty *Inode
	for i := range fs.icache {
		ip := &fs.icache[i]
		if ip.ref > 0 && ip.Dev == fs.Dev && ip.Inum == inum {
			ip.ref++
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("fs: iget - inode cache exhausted")
	}
	empty.Dev = fs.Dev
	empty.Inum = inum
	empty.ref = 1
	empty.Valid = false
	if empty.Lock.Name == "" {
		empty.Lock = *sleeplock.New(fmt.Sprintf("inode%d", inum))
	}
	return empty
}

// ILock acquires the inode's sleeplock and loads its disk data on
// first lock, exactly spec.md §3's lifecycle.
func (fs *FS) ILock(ip *Inode) {
	ip.Lock.Acquire()
	if !ip.Valid {
		buf := fs.BC.Bread(fs.Dev, fs.inodeBlockOf(ip.Inum))
		off := fs.inodeOffsetOf(ip.Inum)
		ip.Dinode.decode(buf.Data[off : off+DinodeSize])
		fs.BC.Brelse(buf)
		ip.Valid = true
		if ip.Type == TypeFree {
			panic("fs: ilock - inode has no type")
		}
	}
}

func (fs *FS) IUnlock(ip *Inode) { ip.Lock.Release() }

// IDup bumps the refcount of an already-got inode (used when fork
// duplicates an open file's reference, or when a path walk keeps a
// directory inode alive across a lookup).
func (fs *FS) IDup(ip *Inode) *Inode {
	id := fs.id()
	fs.mu.Acquire(id)
	ip.ref++
	fs.mu.Release(id)
	return ip
}

// IPut drops a reference; when it is the last reference, the inode is
// locked, and nlink==0, the inode's data is truncated and its type
// cleared (spec.md §3's "iput" lifecycle) before the cache slot is
// freed.
func (fs *FS) IPut(ip *Inode) {
	id := fs.id()
	fs.mu.Acquire(id)
	if ip.ref == 1 {
		fs.mu.Release(id)
		ip.Lock.Acquire()
		fs.mu.Acquire(id)
		if ip.ref == 1 && ip.Valid && ip.Nlink == 0 {
			fs.mu.Release(id)
			fs.Itrunc(ip)
			ip.Type = TypeFree
			fs.IUpdate(ip)
			ip.Valid = false
			fs.mu.Acquire(id)
		}
		fs.mu.Release(id)
		ip.Lock.Release()
		fs.mu.Acquire(id)
	}
	ip.ref--
	fs.mu.Release(id)
}

// --- block mapping ---

// Bmap maps logical block bn of ip to a disk block number, allocating
// on first touch through direct, single-indirect and double-indirect
// levels in turn: spec.md §4.8.
func (fs *FS) Bmap(ip *Inode, bn uint32) uint32 {
	if bn < NDIRECT {
		if ip.Addrs[bn] == 0 {
			ip.Addrs[bn] = fs.Balloc()
		}
		return ip.Addrs[bn]
	}
	bn -= NDIRECT
	if bn < NINDIRECT {
		return fs.bmapIndirect(&ip.Addrs[NDIRECT], bn)
	}
	bn -= NINDIRECT
	if bn >= uint32(NINDIRECT)*uint32(NINDIRECT) {
		panic("fs: bmap - out of range")
	}
	if ip.Addrs[NDIRECT+1] == 0 {
		ip.Addrs[NDIRECT+1] = fs.Balloc()
	}
	outer := ip.Addrs[NDIRECT+1]
	obuf := fs.BC.Bread(fs.Dev, outer)
	first := bn / uint32(NINDIRECT)
	second := bn % uint32(NINDIRECT)
	innerPtr := getU32(obuf.Data[4*first : 4*first+4])
	changed := false
	if innerPtr == 0 {
		innerPtr = fs.Balloc()
		putU32(obuf.Data[4*first:4*first+4], innerPtr)
		changed = true
	}
	if changed {
		fs.Log.Write(obuf)
	}
	fs.BC.Brelse(obuf)
	return fs.bmapIndirect(&innerPtr, second)
}

// bmapIndirect resolves one level of indirection rooted at *tablePtr
// (allocating the table itself lazily), returning the bn'th entry
// inside it and allocating that entry if it is zero.
func (fs *FS) bmapIndirect(tablePtr *uint32, bn uint32) uint32 {
	if *tablePtr == 0 {
		*tablePtr = fs.Balloc()
	}
	buf := fs.BC.Bread(fs.Dev, *tablePtr)
	addr := getU32(buf.Data[4*bn : 4*bn+4])
	if addr == 0 {
		addr = fs.Balloc()
		putU32(buf.Data[4*bn:4*bn+4], addr)
		fs.Log.Write(buf)
	}
	fs.BC.Brelse(buf)
	return addr
}

// Itrunc frees every data block ip references (direct, indirect,
// double-indirect, and their index blocks), then zeros size.
func (fs *FS) Itrunc(ip *Inode) {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			fs.Bfree(ip.Addrs[i])
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		fs.freeIndirect(ip.Addrs[NDIRECT])
		ip.Addrs[NDIRECT] = 0
	}
	if ip.Addrs[NDIRECT+1] != 0 {
		buf := fs.BC.Bread(fs.Dev, ip.Addrs[NDIRECT+1])
		for i := 0; i < NINDIRECT; i++ {
			inner := getU32(buf.Data[4*i : 4*i+4])
			if inner != 0 {
				fs.freeIndirect(inner)
			}
		}
		fs.BC.Brelse(buf)
		fs.Bfree(ip.Addrs[NDIRECT+1])
		ip.Addrs[NDIRECT+1] = 0
	}
	ip.Size = 0
	fs.IUpdate(ip)
}

func (fs *FS) freeIndirect(table uint32) {
	buf := fs.BC.Bread(fs.Dev, table)
	for i := 0; i < NINDIRECT; i++ {
		addr := getU32(buf.Data[4*i : 4*i+4])
		if addr != 0 {
			fs.Bfree(addr)
		}
	}
	fs.BC.Brelse(buf)
	fs.Bfree(table)
}
