package fs

// Readi copies up to n bytes of ip's data starting at off into dst,
// returning the number of bytes actually copied (short once off+n
// exceeds ip.Size). Caller must hold ip's lock. spec.md §4.8.
func (fs *FS) Readi(ip *Inode, dst []byte, off, n uint32) int {
	if off > ip.Size {
		return 0
	}
	if off+n > ip.Size {
		n = ip.Size - off
	}
	total := uint32(0)
	for total < n {
		bn := fs.Bmap(ip, off/BSIZE)
		buf := fs.BC.Bread(fs.Dev, bn)
		boff := off % BSIZE
		m := BSIZE - boff
		if m > n-total {
			m = n - total
		}
		copy(dst[total:total+m], buf.Data[boff:boff+m])
		fs.BC.Brelse(buf)
		total += m
		off += m
	}
	return int(total)
}

// Writei copies src into ip's data starting at off, extending ip.Size
// (and allocating new blocks via Bmap) as needed, up to MaxFileSize.
// Caller must hold ip's lock and be inside an fslog transaction.
// Returns the number of bytes written.
func (fs *FS) Writei(ip *Inode, src []byte, off, n uint32) int {
	if off > ip.Size || off+n < off {
		return 0
	}
	if uint64(off)+uint64(n) > uint64(MaxFileSize) {
		n = uint32(uint64(MaxFileSize) - uint64(off))
	}
	total := uint32(0)
	for total < n {
		bn := fs.Bmap(ip, off/BSIZE)
		buf := fs.BC.Bread(fs.Dev, bn)
		boff := off % BSIZE
		m := BSIZE - boff
		if m > n-total {
			m = n - total
		}
		copy(buf.Data[boff:boff+m], src[total:total+m])
		fs.Log.Write(buf)
		fs.BC.Brelse(buf)
		total += m
		off += m
	}
	if off > ip.Size {
		ip.Size = off
	}
	fs.IUpdate(ip)
	return int(total)
}
