package ioobj

import (
	"ktkernel/config"
	"ktkernel/errno"
	"ktkernel/thread"
)

// pipeCore is the shared state behind a connected read/write endpoint
// pair, matching struct pipe. Its ring buffer is sized to one page,
// matching the original's alloc_phys_page-backed buf.
//
// Buffer index mutation relies on the same single-active-thread
// invariant thread.Manager's baton scheduler provides that lets the
// original get away with disable_interrupts()/restore_interrupts()
// instead of a real lock: exactly one of a pipe's readers/writers ever
// executes kernel code at a time, so hpos/tpos need no separate mutex.
type pipeCore struct {
	m *thread.Manager

	buf  []byte
	hpos uint16
	tpos uint16

	bufEmpty *thread.Condition
	bufFull  *thread.Condition

	wio *wpipe
	rio *rpipe
}

type wpipe struct {
	ref
	p *pipeCore
}

type rpipe struct {
	ref
	p *pipeCore
}

// NewPipe creates a connected write/read endpoint pair, matching
// create_pipe.
func NewPipe(m *thread.Manager) (Io, Io) {
	p := &pipeCore{
		m:   m,
		buf: make([]byte, config.PageSize),
	}
	p.bufFull = m.ConditionInit("buf_full")
	p.bufEmpty = m.ConditionInit("buf_empty")

	w := &wpipe{p: p}
	w.init(1)
	r := &rpipe{p: p}
	r.init(1)
	p.wio, p.rio = w, r

	return w, r
}

func (p *pipeCore) rbufEmpty() bool { return p.hpos == p.tpos }

func (p *pipeCore) rbufFull() bool { return uint16(p.tpos-p.hpos) == config.PageSize }

func (p *pipeCore) putc(c byte) {
	p.buf[p.tpos%config.PageSize] = c
	p.tpos++
}

func (p *pipeCore) getc() byte {
	c := p.buf[p.hpos%config.PageSize]
	p.hpos++
	return c
}

func (w *wpipe) Read(buf []byte) (int, errno.Err_t)  { return 0, errno.ENOTSUP }
func (w *wpipe) ReadAt(uint64, []byte) (int, errno.Err_t) { return 0, errno.ENOTSUP }
func (w *wpipe) WriteAt(uint64, []byte) (int, errno.Err_t) { return 0, errno.ENOTSUP }
func (w *wpipe) Cntl(int, *uint64) (int, errno.Err_t) { return 0, errno.ENOTSUP }

// Write copies up to one page of buf into the ring, blocking whenever
// it fills, matching pipe_write.
func (w *wpipe) Write(buf []byte) (int, errno.Err_t) {
	p := w.p

	if w.refcnt() == 0 || p.rio.refcnt() == 0 {
		return 0, errno.EPIPE
	}
	if len(buf) <= 0 {
		return 0, errno.Ok
	}

	length := len(buf)
	if length > config.PageSize {
		length = config.PageSize
	}

	written := 0
	for written < length {
		for p.rbufFull() {
			p.m.Wait(p.bufFull)
		}

		if w.refcnt() == 0 || p.rio.refcnt() == 0 {
			return written, errno.EPIPE
		}

		p.putc(buf[written])
		written++
	}

	p.m.Broadcast(p.bufEmpty)
	return length, errno.Ok
}

func (w *wpipe) AddRef() Io  { w.addRef(); return w }
func (w *wpipe) Refcnt() int { return w.refcnt() }

// Close broadcasts both conditions so any blocked reader/writer wakes
// to observe the new refcount, matching pipe_close_wio.
func (w *wpipe) Close() {
	p := w.p
	w.release()
	p.m.Broadcast(p.bufFull)
	p.m.Broadcast(p.bufEmpty)
}

func (r *rpipe) Write([]byte) (int, errno.Err_t)      { return 0, errno.ENOTSUP }
func (r *rpipe) ReadAt(uint64, []byte) (int, errno.Err_t) { return 0, errno.ENOTSUP }
func (r *rpipe) WriteAt(uint64, []byte) (int, errno.Err_t) { return 0, errno.ENOTSUP }
func (r *rpipe) Cntl(int, *uint64) (int, errno.Err_t) { return 0, errno.ENOTSUP }

// Read drains up to one page from the ring, blocking while it is empty
// and the writer is still open, matching pipe_read: once a byte is
// available it drains everything ready rather than blocking again
// mid-read. An empty ring whose writer has closed reads as (0, Ok).
func (r *rpipe) Read(buf []byte) (int, errno.Err_t) {
	p := r.p

	if r.refcnt() == 0 {
		return 0, errno.EPIPE
	}

	length := len(buf)
	if length > config.PageSize {
		length = config.PageSize
	}

	for p.rbufEmpty() {
		if p.wio.refcnt() == 0 {
			return 0, errno.Ok
		}
		p.m.Wait(p.bufEmpty)
		if r.refcnt() == 0 {
			return 0, errno.EPIPE
		}
	}

	read := 0
	for {
		buf[read] = p.getc()
		read++
		if p.rbufEmpty() || read >= length {
			break
		}
	}

	p.m.Broadcast(p.bufFull)
	return read, errno.Ok
}

func (r *rpipe) AddRef() Io  { r.addRef(); return r }
func (r *rpipe) Refcnt() int { return r.refcnt() }

// Close broadcasts both conditions so any blocked reader/writer wakes
// to observe the new refcount, matching pipe_close_rio. Unlike
// pipe_close_wio/pipe_close_rio, nothing here frees the ring buffer or
// pipeCore once both refcounts reach zero: the Go garbage collector
// reclaims them once the last Io reference to either endpoint is gone.
func (r *rpipe) Close() {
	p := r.p
	r.release()
	p.m.Broadcast(p.bufFull)
	p.m.Broadcast(p.bufEmpty)
}
