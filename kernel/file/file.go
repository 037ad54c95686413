// Package file is the open-file table and the pipe implementation:
// spec.md §4.9's supplemented file-descriptor layer and the pipe
// feature added in SPEC_FULL.md §12 (present in the original C sources
// but dropped by the distilled spec). Grounded on the teacher's
// spinlock/sleeplock discipline and on mit-pdos-biscuit's fs/file.go
// for the refcounted File struct shape.
package file

import (
	"unsafe"

	"rv39os/kernel/fs"
	"rv39os/kernel/spinlock"
)

const NFILE = 128

// NDEV bounds File.Major the way xv6's devsw[NDEV] does.
const NDEV = 10

// ConsoleMajor is the device major number /dev/console is created
// with, matching xv6's CONSOLE device number.
const ConsoleMajor = 1

// Device is the device-switch contract spec.md §4.9/§4.10 require for
// TypeDevice files: reads/writes dispatch by major number instead of
// following the device inode's own (meaningless) data blocks, the
// same shape as xv6's devsw table.
type Device interface {
	Read(dst []byte) (int, error)
	Write(src []byte) (int, error)
}

var devsw [NDEV]Device

// RegisterDevice installs d as the handler for File.Major == major;
// called once at boot (kernel/console registers itself as CONSOLE).
func RegisterDevice(major int16, d Device) {
	devsw[major] = d
}

type Type int

const (
	TypeNone Type = iota
	TypePipe
	TypeInode
	TypeDevice
)

// File is one entry in the global open-file table; file descriptors in
// a process's fd table are indices into per-process []*File slices
// that alias entries here.
type File struct {
	Type     Type
	ref      int
	Readable bool
	Writable bool
	Pipe     *Pipe
	Ip       *fs.Inode
	Off      uint32
	Major    int16
}

// Table is the fixed-size global open-file table, spec.md §3's "Open
// file (in-kernel)".
type Table struct {
	mu    spinlock.Lock
	files [NFILE]File
	fs    *fs.FS
	idOf  func() uintptr
}

func New(fsys *fs.FS, idOf func() uintptr) *Table {
	return &Table{fs: fsys, idOf: idOf}
}

// Alloc claims an unused table slot with refcount 1.
func (t *Table) Alloc() *File {
	id := t.idOf()
	t.mu.Acquire(id)
	defer t.mu.Release(id)
	for i := range t.files {
		if t.files[i].ref == 0 {
			t.files[i] = File{ref: 1}
			return &t.files[i]
		}
	}
	return nil
}

// Dup bumps f's refcount, used when dup()/fork() shares a descriptor.
func (t *Table) Dup(f *File) *File {
	id := t.idOf()
	t.mu.Acquire(id)
	if f.ref < 1 {
		panic("file: dup of closed file")
	}
	f.ref++
	t.mu.Release(id)
	return f
}

// Close drops a reference; on the last reference the underlying
// resource (pipe end or inode) is released.
func (t *Table) Close(f *File) {
	id := t.idOf()
	t.mu.Acquire(id)
	if f.ref < 1 {
		panic("file: close of closed file")
	}
	f.ref--
	if f.ref > 0 {
		t.mu.Release(id)
		return
	}
	ff := *f
	f.Type = TypeNone
	t.mu.Release(id)

	switch ff.Type {
	case TypePipe:
		ff.Pipe.Close(ff.Writable)
	case TypeInode, TypeDevice:
		t.fs.IPut(ff.Ip)
	}
}

// Read reads up to len(dst) bytes from f at its current offset,
// advancing Off for inode files (pipes have no persistent offset).
func (t *Table) Read(f *File, dst []byte) (int, error) {
	if !f.Readable {
		return 0, errNotReadable
	}
	switch f.Type {
	case TypePipe:
		return f.Pipe.Read(dst)
	case TypeDevice:
		if f.Major < 0 || int(f.Major) >= NDEV || devsw[f.Major] == nil {
			return 0, errNoDevice
		}
		return devsw[f.Major].Read(dst)
	case TypeInode:
		t.fs.ILock(f.Ip)
		n := t.fs.Readi(f.Ip, dst, f.Off, uint32(len(dst)))
		t.fs.IUnlock(f.Ip)
		f.Off += uint32(n)
		return n, nil
	}
	return 0, errBadFileType
}

// Write writes len(src) bytes to f, looping over maxPerTxn-sized
// chunks for inode files so a single write never demands more log
// space than one transaction can hold (mirrors spec.md §4.7's
// transaction block budget).
func (t *Table) Write(f *File, src []byte) (int, error) {
	if !f.Writable {
		return 0, errNotWritable
	}
	switch f.Type {
	case TypePipe:
		return f.Pipe.Write(src)
	case TypeDevice:
		if f.Major < 0 || int(f.Major) >= NDEV || devsw[f.Major] == nil {
			return 0, errNoDevice
		}
		return devsw[f.Major].Write(src)
	case TypeInode:
		const maxPerTxn = (10 - 1) * fs.BSIZE
		total := 0
		for total < len(src) {
			n := len(src) - total
			if n > maxPerTxn {
				n = maxPerTxn
			}
			t.fs.Log.Begin()
			t.fs.ILock(f.Ip)
			written := t.fs.Writei(f.Ip, src[total:total+n], f.Off, uint32(n))
			t.fs.IUnlock(f.Ip)
			t.fs.Log.End()
			if written != n {
				break
			}
			f.Off += uint32(written)
			total += written
		}
		if total != len(src) {
			return total, errShortWrite
		}
		return total, nil
	}
	return 0, errBadFileType
}

// Stat is the spec.md §4.9 fstat payload.
type Stat struct {
	Dev   int32
	Inum  uint32
	Type  int16
	Nlink int16
	Size  uint64
}

func (t *Table) Stat(f *File) (Stat, error) {
	if f.Type != TypeInode && f.Type != TypeDevice {
		return Stat{}, errBadFileType
	}
	t.fs.ILock(f.Ip)
	st := Stat{
		Dev:   int32(f.Ip.Dev),
		Inum:  f.Ip.Inum,
		Type:  f.Ip.Type,
		Nlink: f.Ip.Nlink,
		Size:  uint64(f.Ip.Size),
	}
	t.fs.IUnlock(f.Ip)
	return st, nil
}

type fileError string

func (e fileError) Error() string { return string(e) }

const (
	errNotReadable fileError = "file: not open for reading"
	errNotWritable fileError = "file: not open for writing"
	errBadFileType fileError = "file: unsupported operation for this file type"
	errShortWrite  fileError = "file: short write"
	errNoDevice    fileError = "file: no such device"
)

// --- pipes ---

const PipeSize = 512

// Scheduler is the sleep/wakeup seam, mirrored from kernel/sleeplock
// to avoid an import cycle with kernel/proc.
type Scheduler interface {
	Sleep(chan_ unsafe.Pointer, lk *spinlock.Lock)
	Wakeup(chan_ unsafe.Pointer)
	CurrentID() uintptr
}

// Pipe is a fixed-size ring buffer with independent read/write
// open-ness, spec.md §12's supplemented pipe feature: closing every
// write end wakes blocked readers with a short (possibly zero) read
// rather than blocking forever, and closing every read end makes a
// subsequent write fail.
type Pipe struct {
	mu        spinlock.Lock
	data      [PipeSize]byte
	nread     uint32
	nwrite    uint32
	readOpen  bool
	writeOpen bool
	sched     Scheduler
}

func NewPipe(sched Scheduler) *Pipe {
	return &Pipe{readOpen: true, writeOpen: true, sched: sched}
}

func (p *Pipe) Write(src []byte) (int, error) {
	id := p.sched.CurrentID()
	p.mu.Acquire(id)
	defer p.mu.Release(id)
	total := 0
	for total < len(src) {
		if !p.readOpen {
			return total, errBrokenPipe
		}
		if p.nwrite == p.nread+PipeSize {
			p.sched.Wakeup(unsafe.Pointer(&p.nread))
			p.sched.Sleep(unsafe.Pointer(&p.nwrite), &p.mu)
			continue
		}
		p.data[p.nwrite%PipeSize] = src[total]
		p.nwrite++
		total++
	}
	p.sched.Wakeup(unsafe.Pointer(&p.nread))
	return total, nil
}

func (p *Pipe) Read(dst []byte) (int, error) {
	id := p.sched.CurrentID()
	p.mu.Acquire(id)
	defer p.mu.Release(id)
	for p.nread == p.nwrite && p.writeOpen {
		p.sched.Sleep(unsafe.Pointer(&p.nread), &p.mu)
	}
	n := 0
	for n < len(dst) && p.nread < p.nwrite {
		dst[n] = p.data[p.nread%PipeSize]
		p.nread++
		n++
	}
	p.sched.Wakeup(unsafe.Pointer(&p.nwrite))
	return n, nil
}

// Close marks one end of the pipe closed and wakes whoever is
// blocked on the other end.
func (p *Pipe) Close(writeEnd bool) {
	id := p.sched.CurrentID()
	p.mu.Acquire(id)
	if writeEnd {
		p.writeOpen = false
		p.sched.Wakeup(unsafe.Pointer(&p.nread))
	} else {
		p.readOpen = false
		p.sched.Wakeup(unsafe.Pointer(&p.nwrite))
	}
	p.mu.Release(id)
}

type pipeError string

func (e pipeError) Error() string { return string(e) }

const errBrokenPipe pipeError = "file: write on pipe with no readers"
