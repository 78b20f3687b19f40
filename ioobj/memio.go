package ioobj

import (
	"sync"

	"ktkernel/errno"
)

// MemIO is a fixed-capacity, mutex-guarded in-memory byte region,
// matching struct memio / create_memory_io. It supports readat/writeat/
// cntl only, the same as the original's memio_iointf.
type MemIO struct {
	ref
	mu   sync.Mutex
	buf  []byte
	size uint64
}

// NewMemIO wraps buf as a memory-backed I/O endpoint, matching
// create_memory_io.
func NewMemIO(buf []byte) *MemIO {
	m := &MemIO{buf: buf, size: uint64(len(buf))}
	m.init(1)
	return m
}

func (m *MemIO) Read(buf []byte) (int, errno.Err_t)  { return 0, errno.ENOTSUP }
func (m *MemIO) Write(buf []byte) (int, errno.Err_t) { return 0, errno.ENOTSUP }

// ReadAt copies up to len(buf) bytes starting at pos, matching
// memio_readat: EINVAL if pos is past the end, and a short read
// clamped to the remaining bytes rather than an error.
func (m *MemIO) ReadAt(pos uint64, buf []byte) (int, errno.Err_t) {
	if len(buf) == 0 {
		return 0, errno.Ok
	}
	if pos > m.size {
		return 0, errno.EINVAL
	}

	n := uint64(len(buf))
	if pos+n > m.size {
		n = m.size - pos
	}

	m.mu.Lock()
	copy(buf[:n], m.buf[pos:pos+n])
	m.mu.Unlock()
	return int(n), errno.Ok
}

// WriteAt copies up to len(buf) bytes starting at pos, matching
// memio_writeat's contract as spec.md states it: symmetric with
// ReadAt. (The original's memio_writeat computes the clamp from len
// instead of pos, an off-by-region bug; this rewrite follows the
// documented symmetric contract instead of reproducing it.)
func (m *MemIO) WriteAt(pos uint64, buf []byte) (int, errno.Err_t) {
	if len(buf) == 0 {
		return 0, errno.Ok
	}
	if pos > m.size {
		return 0, errno.EINVAL
	}

	n := uint64(len(buf))
	if pos+n > m.size {
		n = m.size - pos
	}

	m.mu.Lock()
	copy(m.buf[pos:pos+n], buf[:n])
	m.mu.Unlock()
	return int(n), errno.Ok
}

// Cntl implements GETBLKSZ/GETEND/SETEND, matching memio_cntl.
func (m *MemIO) Cntl(cmd int, arg *uint64) (int, errno.Err_t) {
	switch cmd {
	case CtlGetBlkSz:
		return 1, errno.Ok
	case CtlGetEnd:
		*arg = m.size
		return 0, errno.Ok
	case CtlSetEnd:
		if *arg > m.size {
			return 0, errno.EINVAL
		}
		m.size = *arg
		return 0, errno.Ok
	default:
		return 0, errno.EINVAL
	}
}

func (m *MemIO) AddRef() Io   { m.addRef(); return m }
func (m *MemIO) Refcnt() int  { return m.refcnt() }
func (m *MemIO) Close()       { m.release() }
