// Package ioobj implements the unified I/O object framework (IOF): a
// single Io interface that null, memory-backed, seekable, and pipe
// endpoints all satisfy, plus the read/write/seek helpers built on top
// of it.
//
// Grounded on original_source/sys/io.c. The original dispatches through
// a struct iointf of nullable function pointers, so a type only fills
// in the operations it supports and every other slot is left nil; a Go
// interface has no such partial-implementation, so each concrete type
// here implements every Io method and returns errno.ENOTSUP for the
// ones it does not support, the same way src/fdops's Fdops_i requires
// its stub methods. See DESIGN.md.
package ioobj

import "ktkernel/errno"

// Ioctl commands, matching io.h's IOCTL_* constants.
const (
	CtlGetBlkSz = iota
	CtlSetPos
	CtlGetPos
	CtlGetEnd
	CtlSetEnd
)

// Io is the common interface every I/O endpoint implements, matching
// struct io plus its iointf vtable.
type Io interface {
	Read(buf []byte) (int, errno.Err_t)
	Write(buf []byte) (int, errno.Err_t)
	ReadAt(pos uint64, buf []byte) (int, errno.Err_t)
	WriteAt(pos uint64, buf []byte) (int, errno.Err_t)
	Cntl(cmd int, arg *uint64) (int, errno.Err_t)
	Close()
	AddRef() Io
	Refcnt() int
}

// Fill reads until buf is full, the endpoint returns 0, or it errors,
// matching iofill.
func Fill(io Io, buf []byte) (int, errno.Err_t) {
	pos := 0
	for pos < len(buf) {
		n, err := io.Read(buf[pos:])
		if err != errno.Ok {
			return pos, err
		}
		if n <= 0 {
			return pos, errno.Ok
		}
		pos += n
	}
	return pos, errno.Ok
}

// WriteAll writes until all of buf is written or the endpoint errors,
// matching iowrite's retry-until-done loop.
func WriteAll(io Io, buf []byte) (int, errno.Err_t) {
	pos := 0
	for {
		n, err := io.Write(buf[pos:])
		if err != errno.Ok {
			return pos, err
		}
		if n <= 0 {
			return pos, errno.Ok
		}
		pos += n
		if pos >= len(buf) {
			return pos, errno.Ok
		}
	}
}

// Blksz returns io's block size, matching ioblksz. Endpoints that do
// not implement CtlGetBlkSz report a default block size of 1, matching
// ioctl's fallback for cmd == IOCTL_GETBLKSZ.
func Blksz(io Io) int {
	n, err := io.Cntl(CtlGetBlkSz, nil)
	if err != errno.Ok {
		return 1
	}
	return n
}

// Seek repositions a seekable endpoint, matching ioseek.
func Seek(io Io, pos uint64) errno.Err_t {
	_, err := io.Cntl(CtlSetPos, &pos)
	return err
}

// ref is the embeddable refcount every concrete Io type carries,
// matching struct io's refcnt field and ioinit0/ioinit1/ioaddref/
// ioclose/iorefcnt.
type ref struct {
	n int
}

func (r *ref) init(n int) { r.n = n }

func (r *ref) addRef() { r.n++ }

func (r *ref) refcnt() int { return r.n }

// release decrements the refcount and reports whether it reached zero,
// matching ioclose's refcnt-- and its "call close only once" guard.
func (r *ref) release() bool {
	if r.n == 0 {
		panic("ioobj: release of an object with a zero refcount")
	}
	r.n--
	return r.n == 0
}
