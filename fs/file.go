package fs

import (
	"ktkernel/errno"
	"ktkernel/ioobj"
)

// fileRef is File's embeddable refcount, matching struct io's refcnt
// field the same way ioobj's own (unexported, package-private) ref type
// does for its endpoints; fs cannot embed ioobj's ref directly since it
// lives in a different package.
type fileRef struct {
	n int
}

func (r *fileRef) init(n int)  { r.n = n }
func (r *fileRef) addRef()     { r.n++ }
func (r *fileRef) refcnt() int { return r.n }
func (r *fileRef) release() bool {
	if r.n == 0 {
		panic("fs: release of a file with a zero refcount")
	}
	r.n--
	return r.n == 0
}

// File is an open KT file, matching struct ktfs_file. It implements
// ioobj.Io directly (readat/writeat/cntl/close, the same subset
// ktfs_intf fills in) and is always handed to callers wrapped in an
// ioobj.SeekIO, matching ktfs_open's create_seekable_io call.
type File struct {
	ref   fileRef
	fs    *FS
	entry dirEntry
	size  uint64
}

// Read and Write are unsupported: every access to a filesystem file
// goes through ReadAt/WriteAt, either directly or via the SeekIO wrapper
// ktfs_open always returns, matching ktfs_intf's readat/writeat/cntl/
// close-only vtable.
func (f *File) Read(buf []byte) (int, errno.Err_t)  { return 0, errno.ENOTSUP }
func (f *File) Write(buf []byte) (int, errno.Err_t) { return 0, errno.ENOTSUP }

// ReadAt reads up to len(buf) bytes starting at pos, clamped to the
// file's cached size and never crossing it, matching ktfs_readat. A pos
// at or past size is an error, not an empty read.
func (f *File) ReadAt(pos uint64, buf []byte) (int, errno.Err_t) {
	if pos >= f.size {
		return 0, errno.EINVAL
	}
	length := len(buf)
	if pos+uint64(length) > f.size {
		length = int(f.size - pos)
	}

	in, err := f.fs.readInode(f.fs.inodePos(f.entry.Inode))
	if err != errno.Ok {
		return 0, err
	}
	return f.fs.readSpan(&in, pos, buf[:length])
}

// WriteAt writes up to len(buf) bytes starting at pos, clamped to the
// file's cached size and never crossing it, matching ktfs_writeat. It
// does not grow the file: a write past size is truncated to the unwritten
// count, never an implicit Extend, matching spec.md's resolution of the
// "does writeat auto-extend" open question.
func (f *File) WriteAt(pos uint64, buf []byte) (int, errno.Err_t) {
	if pos >= f.size {
		return 0, errno.EINVAL
	}
	length := len(buf)
	if pos+uint64(length) > f.size {
		length = int(f.size - pos)
	}

	in, err := f.fs.readInode(f.fs.inodePos(f.entry.Inode))
	if err != errno.Ok {
		return 0, err
	}
	return f.fs.writeSpan(&in, pos, buf[:length])
}

// Cntl implements GETBLKSZ/GETEND/SETEND, matching ktfs_cntl. GETBLKSZ
// always reports a block size of 1, since ktfs_readat/ktfs_writeat place
// no block-alignment requirement on pos or len themselves (the
// SeekIO wrapper is what enforces alignment for callers going through
// Read/Write).
func (f *File) Cntl(cmd int, arg *uint64) (int, errno.Err_t) {
	switch cmd {
	case ioobj.CtlGetBlkSz:
		return 1, errno.Ok
	case ioobj.CtlSetEnd:
		if err := f.fs.Extend(f, *arg); err != errno.Ok {
			return 0, err
		}
		return 0, errno.Ok
	case ioobj.CtlGetEnd:
		*arg = f.size
		return 0, errno.Ok
	default:
		return 0, errno.EINVAL
	}
}

func (f *File) AddRef() ioobj.Io { f.ref.addRef(); return f }
func (f *File) Refcnt() int      { return f.ref.refcnt() }

// Close removes f from the filesystem's open-file list and flushes,
// matching ktfs_close.
func (f *File) Close() {
	if f.ref.release() {
		f.fs.removeOpenFile(entryName(f.entry))
		f.fs.Flush()
	}
}
