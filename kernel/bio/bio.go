// Package bio is the LRU+hash buffer cache: spec.md §4.6. NBUF=32 fixed
// buffers, looked up by (dev,blockno) through a 37-bucket hash table and
// ordered by recency through a doubly-linked LRU list, exactly as
// spec.md's data model describes. Grounded on the teacher's lock
// discipline (spinlock.Lock + sleeplock.Lock per buffer) and on
// mit-pdos-biscuit's fs/cache.go for the shape of a fixed-capacity,
// refcounted lookup structure — adapted down from biscuit's general
// object cache to the specific fixed NBUF/hash-bucket design spec.md
// requires.
package bio

import (
	"fmt"

	"rv39os/kernel/blockdev"
	"rv39os/kernel/sleeplock"
	"rv39os/kernel/spinlock"
)

const (
	NBUF         = 32
	BufHashSize  = 37
)

const (
	FlagValid = 1 << 0
	FlagDirty = 1 << 1
)

// Buf is one cached block: spec.md §3 "Block cache entry".
type Buf struct {
	Dev     int
	Blockno uint32
	Flags   int
	refcnt  int
	Lock    sleeplock.Lock
	Data    [blockdev.BlockSize]byte

	// LRU list links (head = most recently used).
	lruNext, lruPrev *Buf
	// hash chain link within its bucket.
	hashNext *Buf
}

// Cache is the fixed-size buffer pool.
type Cache struct {
	mu    spinlock.Lock
	bufs  [NBUF]Buf
	head  *Buf // most-recently-used end of the LRU list
	tail  *Buf // least-recently-used end
	hash  [BufHashSize]*Buf
	disk  blockdev.Device
	idOf  func() uintptr
}

// New wires a Cache to the block device it fronts. idOf identifies the
// calling process for the spinlock discipline (see kernel/spinlock);
// production code passes proc.CurrentID, tests a fixed dummy value.
func New(disk blockdev.Device, idOf func() uintptr) *Cache {
	c := &Cache{disk: disk, idOf: idOf}
	for i := range c.bufs {
		c.bufs[i].Lock = *sleeplock.New(fmt.Sprintf("buf%d", i))
		c.pushFront(&c.bufs[i])
	}
	return c
}

func hashKey(dev int, blockno uint32) int {
	return int((uint32(dev)*1000003 + blockno)) % BufHashSize
}

func (c *Cache) pushFront(b *Buf) {
	b.lruPrev = nil
	b.lruNext = c.head
	if c.head != nil {
		c.head.lruPrev = b
	}
	c.head = b
	if c.tail == nil {
		c.tail = b
	}
}

func (c *Cache) unlink(b *Buf) {
	if b.lruPrev != nil {
		b.lruPrev.lruNext = b.lruNext
	} else {
		c.head = b.lruNext
	}
	if b.lruNext != nil {
		b.lruNext.lruPrev = b.lruPrev
	} else {
		c.tail = b.lruPrev
	}
	b.lruNext, b.lruPrev = nil, nil
}

func (c *Cache) hashFind(dev int, blockno uint32) *Buf {
	for b := c.hash[hashKey(dev, blockno)]; b != nil; b = b.hashNext {
		if b.Dev == dev && b.Blockno == blockno {
			return b
		}
	}
	return nil
}

func (c *Cache) hashInsert(b *Buf) {
	k := hashKey(b.Dev, b.Blockno)
	b.hashNext = c.hash[k]
	c.hash[k] = b
}

func (c *Cache) hashRemove(b *Buf) {
	k := hashKey(b.Dev, b.Blockno)
	cur := c.hash[k]
	if cur == b {
		c.hash[k] = b.hashNext
		b.hashNext = nil
		return
	}
	for cur != nil {
		if cur.hashNext == b {
			cur.hashNext = b.hashNext
			b.hashNext = nil
			return
		}
		cur = cur.hashNext
	}
}

// Bread returns the buffer for (dev,blockno), sleeplock held, contents
// valid. On a cache miss it evicts the least-recently-used buffer with
// refcnt==0, matching spec.md's tail-scan eviction policy exactly; if
// every buffer is pinned, that is a development-time signal NBUF is too
// small and it panics rather than block forever.
func (c *Cache) Bread(dev int, blockno uint32) *Buf {
	id := c.idOf()
	c.mu.Acquire(id)
	if b := c.hashFind(dev, blockno); b != nil {
		b.refcnt++
		c.mu.Release(id)
		b.Lock.Acquire()
		if b.Flags&FlagValid == 0 {
			c.fill(b)
		}
		return b
	}

	for b := c.tail; b != nil; b = b.lruPrev {
		if b.refcnt == 0 {
			c.hashRemove(b)
			b.Dev = dev
			b.Blockno = blockno
			b.Flags = 0
			b.refcnt = 1
			c.hashInsert(b)
			c.mu.Release(id)
			b.Lock.Acquire()
			c.fill(b)
			return b
		}
	}
	panic("bio: no free buffers")
}

func (c *Cache) fill(b *Buf) {
	if b.Flags&FlagValid == 0 {
		if err := c.disk.ReadBlock(b.Blockno, b.Data[:]); err != nil {
			panic(fmt.Sprintf("bio: read block %d: %v", b.Blockno, err))
		}
		b.Flags |= FlagValid
	}
}

// Bwrite persists b to disk; the caller must hold b's sleeplock.
func (c *Cache) Bwrite(b *Buf) {
	if !b.Lock.Holding() {
		panic("bio: bwrite - buffer not locked")
	}
	b.Flags |= FlagDirty
	if err := c.disk.WriteBlock(b.Blockno, b.Data[:]); err != nil {
		panic(fmt.Sprintf("bio: write block %d: %v", b.Blockno, err))
	}
	b.Flags &^= FlagDirty
}

// Brelse releases b's sleeplock, and if refcnt drops to zero moves it
// to the head of the LRU list (most recently used, so it survives
// longer before the tail-scan eviction in Bread reaches it).
func (c *Cache) Brelse(b *Buf) {
	if !b.Lock.Holding() {
		panic("bio: brelse - buffer not locked")
	}
	b.Lock.Release()

	id := c.idOf()
	c.mu.Acquire(id)
	b.refcnt--
	if b.refcnt == 0 {
		c.unlink(b)
		c.pushFront(b)
	}
	c.mu.Release(id)
}

// Bpin and Bunpin adjust refcnt without moving the buffer in the LRU
// list; kernel/fslog uses these to keep a modified buffer resident
// until its transaction commits.
func (c *Cache) Bpin(b *Buf) {
	id := c.idOf()
	c.mu.Acquire(id)
	b.refcnt++
	c.mu.Release(id)
}

func (c *Cache) Bunpin(b *Buf) {
	id := c.idOf()
	c.mu.Acquire(id)
	if b.refcnt <= 0 {
		panic("bio: bunpin - refcnt underflow")
	}
	b.refcnt--
	c.mu.Release(id)
}

// ClearAll drops every buffer's VALID bit, forcing the next Bread of
// each block to go back to the disk. This backs the diagnostic
// clear_cache syscall (spec.md §6.1) used by the crash-recovery tests
// to make sure a post-recovery read can't be satisfied by a stale
// in-memory copy of a block the crash simulation didn't actually write.
func (c *Cache) ClearAll() {
	id := c.idOf()
	c.mu.Acquire(id)
	for i := range c.bufs {
		c.bufs[i].Flags = 0
	}
	c.mu.Release(id)
}
