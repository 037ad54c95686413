// Package sysfile implements the file-system-facing syscalls: open,
// close, read, write, unlink, dup, mknod, mkdir, chdir, link, symlink,
// pipe, fstat, and exec's syscall entry point. Grounded on
// mit-pdos-biscuit's kernel/sys_file.go for how a monolithic kernel
// wires path lookup + the open-file table + the inode layer together
// under one log transaction per mutating call (spec.md §4.7's "every
// syscall that mutates the file system runs inside exactly one
// transaction").
package sysfile

import (
	"rv39os/kernel/file"
	"rv39os/kernel/fs"
	"rv39os/kernel/proc"
	"rv39os/kernel/syscall"
)

func init() {
	syscall.Register(syscall.SysOpen, "open", sysOpen)
	syscall.Register(syscall.SysClose, "close", sysClose)
	syscall.Register(syscall.SysRead, "read", sysRead)
	syscall.Register(syscall.SysWrite, "write", sysWrite)
	syscall.Register(syscall.SysUnlink, "unlink", sysUnlink)
	syscall.Register(syscall.SysDup, "dup", sysDup)
	syscall.Register(syscall.SysMknod, "mknod", sysMknod)
	syscall.Register(syscall.SysMkdir, "mkdir", sysMkdir)
	syscall.Register(syscall.SysChdir, "chdir", sysChdir)
	syscall.Register(syscall.SysLink, "link", sysLink)
	syscall.Register(syscall.SysSymlink, "symlink", sysSymlink)
	syscall.Register(syscall.SysPipe, "pipe", sysPipe)
	syscall.Register(syscall.SysFstat, "fstat", sysFstat)
	syscall.Register(syscall.SysExec, "exec", sysExec)
}

const maxPath = 128

func allocFd(p *proc.Proc, f *file.File) int {
	for i := range p.OFile {
		if p.OFile[i] == nil {
			p.OFile[i] = f
			return i
		}
	}
	return -1
}

func fdFile(p *proc.Proc, fd int) (*file.File, error) {
	if fd < 0 || fd >= len(p.OFile) || p.OFile[fd] == nil {
		return nil, errBadFd
	}
	return p.OFile[fd], nil
}

func sysOpen(t *proc.Table, p *proc.Proc) (uint64, error) {
	path, err := syscall.ArgStr(t, p, 0, maxPath)
	if err != nil {
		return 0, err
	}
	flags := int(syscall.ArgInt(p, 1))

	t.FS.Log.Begin()
	defer t.FS.Log.End()

	var ip *fs.Inode
	if flags&syscall.OpenCreate != 0 {
		ip, err = createFile(t, path, fs.TypeFile, 0, 0)
		if err != nil {
			return 0, err
		}
	} else {
		ip, _, err = t.FS.Namex(t.Root, path, false)
		if err != nil {
			return 0, err
		}
		t.FS.ILock(ip)
		if ip.Type == fs.TypeDir && flags != syscall.OpenRdOnly {
			t.FS.IUnlock(ip)
			t.FS.IPut(ip)
			return 0, errIsDir
		}
	}

	f := t.Files.Alloc()
	if f == nil {
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		return 0, errTooManyOpen
	}
	fd := allocFd(p, f)
	if fd < 0 {
		t.Files.Close(f)
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		return 0, errTooManyOpen
	}
	f.Type = file.TypeInode
	if ip.Type == fs.TypeDev {
		f.Type = file.TypeDevice
		f.Major = ip.Major
	}
	f.Ip = ip
	f.Off = 0
	f.Readable = flags&syscall.OpenWrOnly == 0
	f.Writable = flags&syscall.OpenWrOnly != 0 || flags&syscall.OpenRdWr != 0
	if flags&syscall.OpenTrunc != 0 && ip.Type == fs.TypeFile {
		t.FS.Itrunc(ip)
	}
	t.FS.IUnlock(ip)
	return uint64(fd), nil
}

// createFile resolves path's parent, creates the last component (or,
// for TypeFile, reuses an existing regular file of that name), and
// returns it locked-and-got; any other existing entry is an error. Mirrors
// spec.md §4.8's create() helper.
func createFile(t *proc.Table, path string, itype int16, major, minor int16) (*fs.Inode, error) {
	dp, name, err := t.FS.Namex(t.Root, path, true)
	if err != nil {
		return nil, err
	}
	t.FS.ILock(dp)

	if existing, _ := t.FS.Dirlookup(dp, name); existing != nil {
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		t.FS.ILock(existing)
		if itype == fs.TypeFile && existing.Type == fs.TypeFile {
			return existing, nil
		}
		t.FS.IUnlock(existing)
		t.FS.IPut(existing)
		return nil, errExists
	}

	ip := t.FS.Ialloc(itype)
	t.FS.ILock(ip)
	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1
	t.FS.IUpdate(ip)

	if itype == fs.TypeDir {
		dp.Nlink++ // for ".."
		t.FS.IUpdate(dp)
		if err := t.FS.Dirlink(ip, ".", ip.Inum); err != nil {
			panic("sysfile: create - dirlink . failed")
		}
		if err := t.FS.Dirlink(ip, "..", dp.Inum); err != nil {
			panic("sysfile: create - dirlink .. failed")
		}
	}
	if err := t.FS.Dirlink(dp, name, ip.Inum); err != nil {
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		return nil, err
	}
	t.FS.IUnlock(dp)
	t.FS.IPut(dp)
	return ip, nil
}

func sysMkdir(t *proc.Table, p *proc.Proc) (uint64, error) {
	path, err := syscall.ArgStr(t, p, 0, maxPath)
	if err != nil {
		return 0, err
	}
	t.FS.Log.Begin()
	defer t.FS.Log.End()
	ip, err := createFile(t, path, fs.TypeDir, 0, 0)
	if err != nil {
		return 0, err
	}
	t.FS.IUnlock(ip)
	t.FS.IPut(ip)
	return 0, nil
}

func sysMknod(t *proc.Table, p *proc.Proc) (uint64, error) {
	path, err := syscall.ArgStr(t, p, 0, maxPath)
	if err != nil {
		return 0, err
	}
	major := int16(syscall.ArgInt(p, 1))
	minor := int16(syscall.ArgInt(p, 2))
	t.FS.Log.Begin()
	defer t.FS.Log.End()
	ip, err := createFile(t, path, fs.TypeDev, major, minor)
	if err != nil {
		return 0, err
	}
	t.FS.IUnlock(ip)
	t.FS.IPut(ip)
	return 0, nil
}

func sysClose(t *proc.Table, p *proc.Proc) (uint64, error) {
	fd := int(syscall.ArgInt(p, 0))
	f, err := fdFile(p, fd)
	if err != nil {
		return 0, err
	}
	p.OFile[fd] = nil
	t.Files.Close(f)
	return 0, nil
}

func sysRead(t *proc.Table, p *proc.Proc) (uint64, error) {
	fd := int(syscall.ArgInt(p, 0))
	addr := syscall.ArgAddr(p, 1)
	n := int(syscall.ArgInt(p, 2))
	if err := syscall.CheckUserRange(p.Pagetable, addr, n, true); err != nil {
		return 0, err
	}
	f, err := fdFile(p, fd)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, n)
	got, err := t.Files.Read(f, buf)
	if err != nil {
		return 0, err
	}
	if err := syscall.PutBytes(t, p, addr, buf[:got]); err != nil {
		return 0, err
	}
	return uint64(got), nil
}

func sysWrite(t *proc.Table, p *proc.Proc) (uint64, error) {
	fd := int(syscall.ArgInt(p, 0))
	addr := syscall.ArgAddr(p, 1)
	n := int(syscall.ArgInt(p, 2))
	if err := syscall.CheckUserRange(p.Pagetable, addr, n, false); err != nil {
		return 0, err
	}
	f, err := fdFile(p, fd)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, n)
	if err := syscall.FetchBytes(p, buf, addr, n); err != nil {
		return 0, err
	}
	wrote, err := t.Files.Write(f, buf)
	if err != nil {
		return uint64(wrote), err
	}
	return uint64(wrote), nil
}

func sysDup(t *proc.Table, p *proc.Proc) (uint64, error) {
	fd := int(syscall.ArgInt(p, 0))
	f, err := fdFile(p, fd)
	if err != nil {
		return 0, err
	}
	nfd := allocFd(p, t.Files.Dup(f))
	if nfd < 0 {
		t.Files.Close(f)
		return 0, errTooManyOpen
	}
	return uint64(nfd), nil
}

func sysFstat(t *proc.Table, p *proc.Proc) (uint64, error) {
	fd := int(syscall.ArgInt(p, 0))
	addr := syscall.ArgAddr(p, 1)
	f, err := fdFile(p, fd)
	if err != nil {
		return 0, err
	}
	st, err := t.Files.Stat(f)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 20)
	putI32(buf[0:4], st.Dev)
	putU32(buf[4:8], st.Inum)
	putI16(buf[8:10], st.Type)
	putI16(buf[10:12], st.Nlink)
	putU64(buf[12:20], st.Size)
	if err := syscall.PutBytes(t, p, addr, buf); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysUnlink(t *proc.Table, p *proc.Proc) (uint64, error) {
	path, err := syscall.ArgStr(t, p, 0, maxPath)
	if err != nil {
		return 0, err
	}
	t.FS.Log.Begin()
	defer t.FS.Log.End()

	dp, name, err := t.FS.Namex(t.Root, path, true)
	if err != nil {
		return 0, err
	}
	t.FS.ILock(dp)
	if name == "." || name == ".." {
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		return 0, errInvalidArg
	}
	ip, off := t.FS.Dirlookup(dp, name)
	if ip == nil {
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		return 0, errNotExist
	}
	t.FS.ILock(ip)
	if ip.Nlink < 1 {
		panic("sysfile: unlink - nlink underflow")
	}
	if ip.Type == fs.TypeDir && !t.FS.IsDirEmpty(ip) {
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		return 0, errDirNotEmpty
	}
	zero := make([]byte, fs.DirentSize)
	t.FS.Writei(dp, zero, off, fs.DirentSize)
	if ip.Type == fs.TypeDir {
		dp.Nlink--
		t.FS.IUpdate(dp)
	}
	t.FS.IUnlock(dp)
	t.FS.IPut(dp)

	ip.Nlink--
	t.FS.IUpdate(ip)
	t.FS.IUnlock(ip)
	t.FS.IPut(ip)
	return 0, nil
}

func sysLink(t *proc.Table, p *proc.Proc) (uint64, error) {
	oldPath, err := syscall.ArgStr(t, p, 0, maxPath)
	if err != nil {
		return 0, err
	}
	newPath, err := syscall.ArgStr(t, p, 1, maxPath)
	if err != nil {
		return 0, err
	}
	t.FS.Log.Begin()
	defer t.FS.Log.End()

	ip, _, err := t.FS.Namex(t.Root, oldPath, false)
	if err != nil {
		return 0, err
	}
	t.FS.ILock(ip)
	if ip.Type == fs.TypeDir {
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		return 0, errIsDir
	}
	ip.Nlink++
	t.FS.IUpdate(ip)
	t.FS.IUnlock(ip)

	if linkErr := linkInto(t, newPath, ip); linkErr != nil {
		t.FS.ILock(ip)
		ip.Nlink--
		t.FS.IUpdate(ip)
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		return 0, linkErr
	}
	t.FS.IPut(ip)
	return 0, nil
}

func linkInto(t *proc.Table, newPath string, ip *fs.Inode) error {
	dp, name, err := t.FS.Namex(t.Root, newPath, true)
	if err != nil {
		return err
	}
	t.FS.ILock(dp)
	defer t.FS.IUnlock(dp)
	defer t.FS.IPut(dp)
	if dp.Dev != ip.Dev {
		return errCrossDevice
	}
	return t.FS.Dirlink(dp, name, ip.Inum)
}

func sysSymlink(t *proc.Table, p *proc.Proc) (uint64, error) {
	target, err := syscall.ArgStr(t, p, 0, maxPath)
	if err != nil {
		return 0, err
	}
	linkPath, err := syscall.ArgStr(t, p, 1, maxPath)
	if err != nil {
		return 0, err
	}
	t.FS.Log.Begin()
	defer t.FS.Log.End()

	ip, err := createFile(t, linkPath, fs.TypeSymlink, 0, 0)
	if err != nil {
		return 0, err
	}
	defer t.FS.IUnlock(ip)
	defer t.FS.IPut(ip)
	if n := t.FS.Writei(ip, []byte(target), 0, uint32(len(target))); n != len(target) {
		return 0, errIO
	}
	return 0, nil
}

func sysChdir(t *proc.Table, p *proc.Proc) (uint64, error) {
	path, err := syscall.ArgStr(t, p, 0, maxPath)
	if err != nil {
		return 0, err
	}
	ip, _, err := t.FS.Namex(p.Cwd, path, false)
	if err != nil {
		return 0, err
	}
	t.FS.ILock(ip)
	if ip.Type != fs.TypeDir {
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		return 0, errNotDir
	}
	t.FS.IUnlock(ip)
	t.FS.IPut(p.Cwd)
	p.Cwd = ip
	return 0, nil
}

func sysPipe(t *proc.Table, p *proc.Proc) (uint64, error) {
	addr := syscall.ArgAddr(p, 0)
	pipe := file.NewPipe(t)
	rf := t.Files.Alloc()
	wf := t.Files.Alloc()
	if rf == nil || wf == nil {
		return 0, errTooManyOpen
	}
	rf.Type, rf.Pipe, rf.Readable = file.TypePipe, pipe, true
	wf.Type, wf.Pipe, wf.Writable = file.TypePipe, pipe, true
	rfd, wfd := allocFd(p, rf), allocFd(p, wf)
	if rfd < 0 || wfd < 0 {
		t.Files.Close(rf)
		t.Files.Close(wf)
		return 0, errTooManyOpen
	}
	var buf [8]byte
	putI32(buf[0:4], int32(rfd))
	putI32(buf[4:8], int32(wfd))
	if err := syscall.PutBytes(t, p, addr, buf[:]); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysExec(t *proc.Table, p *proc.Proc) (uint64, error) {
	path, err := syscall.ArgStr(t, p, 0, maxPath)
	if err != nil {
		return 0, err
	}
	if err := t.Exec(p, path, []string{path}); err != nil {
		return 0, err
	}
	return 0, nil
}

func putI32(b []byte, v int32) { b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24) }
func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func putI16(b []byte, v int16) { b[0], b[1] = byte(v), byte(v>>8) }
func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

type fileError string

func (e fileError) Error() string { return string(e) }

const (
	errBadFd        fileError = "sysfile: bad file descriptor"
	errTooManyOpen  fileError = "sysfile: too many open files"
	errIsDir        fileError = "sysfile: is a directory"
	errNotDir       fileError = "sysfile: not a directory"
	errExists       fileError = "sysfile: file exists"
	errNotExist     fileError = "sysfile: no such file or directory"
	errInvalidArg   fileError = "sysfile: invalid argument"
	errDirNotEmpty  fileError = "sysfile: directory not empty"
	errCrossDevice  fileError = "sysfile: cross-device link"
	errIO           fileError = "sysfile: io error"
)
