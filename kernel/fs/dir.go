package fs

import "strings"

// Dirent is one 14-byte-name directory entry: spec.md §3 "Directory
// entry". A zero Inum marks a free slot.
type Dirent struct {
	Inum uint32
	Name [DIRSIZ]byte
}

const DirentSize = 4 + DIRSIZ

func (d *Dirent) encode(b []byte) { d.Encode(b) }
func (d *Dirent) decode(b []byte) { d.Decode(b) }

// Encode and Decode marshal a Dirent to/from its on-disk bytes; tools/
// imgtool uses these directly to list a directory without duplicating
// the wire format.
func (d *Dirent) Encode(b []byte) {
	putU32(b[0:4], d.Inum)
	copy(b[4:4+DIRSIZ], d.Name[:])
}

func (d *Dirent) Decode(b []byte) {
	d.Inum = getU32(b[0:4])
	copy(d.Name[:], b[4:4+DIRSIZ])
}

// NameString trims the trailing NUL padding off d.Name.
func (d *Dirent) NameString() string {
	return direntName(d.Name[:])
}

func direntName(b []byte) string {
	i := 0
	for i < DIRSIZ && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

func setDirentName(dst []byte, name string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, name)
}

// Dirlookup scans directory dp for name, returning the child's inode
// (got, not locked) and its byte offset within dp's data, or (nil,0)
// if absent. spec.md §4.8.
func (fs *FS) Dirlookup(dp *Inode, name string) (*Inode, uint32) {
	if dp.Type != TypeDir {
		panic("fs: dirlookup - not a directory")
	}
	var de Dirent
	buf := make([]byte, DirentSize)
	for off := uint32(0); off < uint32(dp.Size); off += DirentSize {
		fs.readiInto(dp, buf, off)
		de.decode(buf)
		if de.Inum == 0 {
			continue
		}
		if direntName(buf[4:4+DIRSIZ]) == name {
			return fs.IGet(de.Inum), off
		}
	}
	return nil, 0
}

// Dirlink writes a new (name, inum) entry into directory dp, reusing a
// free slot if one exists and otherwise growing dp. Returns an error
// if name already exists.
func (fs *FS) Dirlink(dp *Inode, name string, inum uint32) error {
	if existing, _ := fs.Dirlookup(dp, name); existing != nil {
		fs.IPut(existing)
		return errExists
	}

	var de Dirent
	buf := make([]byte, DirentSize)
	off := uint32(0)
	found := false
	for ; off < uint32(dp.Size); off += DirentSize {
		fs.readiInto(dp, buf, off)
		de.decode(buf)
		if de.Inum == 0 {
			found = true
			break
		}
	}
	_ = found // off already points at the free slot, or at dp.Size to append

	de = Dirent{Inum: inum}
	setDirentName(de.Name[:], name)
	de.encode(buf)
	fs.Writei(dp, buf, off, DirentSize)
	return nil
}

type dirError string

func (e dirError) Error() string { return string(e) }

const errExists = dirError("fs: directory entry exists")

// readiInto reads exactly len(dst) bytes at off, panicking on a short
// read since callers always pass offsets within dp.Size.
func (fs *FS) readiInto(ip *Inode, dst []byte, off uint32) {
	n := fs.Readi(ip, dst, off, uint32(len(dst)))
	if n != len(dst) {
		panic("fs: short directory read")
	}
}

func skipelem(path string) (elem, rest string) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", ""
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return path, ""
	}
	return path[:i], strings.TrimLeft(path[i:], "/")
}

const maxSymlinkDepth = 8

// Namex resolves path relative to root (the root inode, held by the
// caller) to an inode, following symlinks up to maxSymlinkDepth and
// failing with errSymlinkLoop past that (spec.md §4.8 edge case). A
// symlink's target restarts resolution from root if it leads with "/"
// (absolute) or from the symlink's own parent directory otherwise
// (relative), per spec.md §4.8.
//
// nameiparent stops one component short and additionally returns the
// final element's name, for callers that need to create or unlink it;
// in that mode the final component itself is never dereferenced even
// if it is a symlink, matching the needs of create/unlink/rename.
func (fs *FS) Namex(root *Inode, path string, nameiparent bool) (*Inode, string, error) {
	ip := fs.IDup(root)
	depth := 0
	for {
		name, rest := skipelem(path)
		if name == "" {
			if nameiparent {
				fs.IPut(ip)
				return nil, "", errInvalidPath
			}
			return ip, "", nil
		}
		fs.ILock(ip)
		if ip.Type != TypeDir {
			fs.IUnlock(ip)
			fs.IPut(ip)
			return nil, "", errNotDir
		}
		if nameiparent && rest == "" {
			fs.IUnlock(ip)
			return ip, name, nil
		}
		child, _ := fs.Dirlookup(ip, name)
		fs.IUnlock(ip)
		if child == nil {
			fs.IPut(ip)
			return nil, "", errNotExist
		}

		fs.ILock(child)
		if child.Type == TypeSymlink {
			depth++
			if depth > maxSymlinkDepth {
				fs.IUnlock(child)
				fs.IPut(child)
				fs.IPut(ip)
				return nil, "", errSymlinkLoop
			}
			target := make([]byte, child.Size)
			fs.readiInto(child, target, 0)
			fs.IUnlock(child)
			fs.IPut(child)
			// An absolute target restarts resolution from root; a
			// relative one restarts from the symlink's own parent
			// directory (ip, still held), per spec.md §4.8.
			if len(target) > 0 && target[0] == '/' {
				fs.IPut(ip)
				ip = fs.IDup(root)
			}
			path = string(target) + "/" + rest
			continue
		}
		fs.IUnlock(child)
		fs.IPut(ip)
		ip = child
		path = rest
	}
}

type pathError string

func (e pathError) Error() string { return string(e) }

const (
	errInvalidPath pathError = "fs: invalid path"
	errNotDir      pathError = "fs: not a directory"
	errNotExist    pathError = "fs: no such file or directory"
	errSymlinkLoop pathError = "fs: too many levels of symbolic links"
)

// IsDirEmpty reports whether dp (a directory) has no entries besides
// "." and "..", the precondition spec.md §4.8 places on unlink/rmdir
// of a directory.
func (fs *FS) IsDirEmpty(dp *Inode) bool {
	var de Dirent
	buf := make([]byte, DirentSize)
	for off := uint32(2 * DirentSize); off < uint32(dp.Size); off += DirentSize {
		fs.readiInto(dp, buf, off)
		de.decode(buf)
		if de.Inum != 0 {
			return false
		}
	}
	return true
}
