package ioobj

import "ktkernel/errno"

// SeekIO adds a current-position, block-aligned read/write to a
// readat/writeat-only backing endpoint, matching struct seekio /
// create_seekable_io.
type SeekIO struct {
	ref
	backing Io
	pos     uint64
	end     uint64
	blksz   int
}

// NewSeekIO wraps backing with a seek position, matching
// create_seekable_io: it asserts a power-of-two block size and reads
// the backing endpoint's current end via CtlGetEnd.
func NewSeekIO(backing Io) *SeekIO {
	blksz := Blksz(backing)
	if blksz <= 0 || blksz&(blksz-1) != 0 {
		panic("ioobj: seekable backing endpoint has a non-power-of-two block size")
	}

	var end uint64
	if _, err := backing.Cntl(CtlGetEnd, &end); err != errno.Ok {
		panic("ioobj: seekable backing endpoint does not support CtlGetEnd")
	}

	s := &SeekIO{backing: backing.AddRef(), end: end, blksz: blksz}
	s.init(1)
	return s
}

// Read reads at the current position and advances it, matching
// seekio_read: the read is clamped to what remains before end, must be
// at least one block unless it exactly reaches end, and is truncated
// down to a multiple of the block size.
func (s *SeekIO) Read(buf []byte) (int, errno.Err_t) {
	bufsz := len(buf)
	remaining := s.end - s.pos

	if uint64(bufsz) > remaining {
		bufsz = int(remaining)
	} else if bufsz == 0 {
		return 0, errno.Ok
	} else if bufsz < s.blksz {
		return 0, errno.EINVAL
	}

	bufsz &^= s.blksz - 1
	n, err := s.backing.ReadAt(s.pos, buf[:bufsz])
	if n > 0 {
		s.pos += uint64(n)
	}
	return n, err
}

// Write writes at the current position and advances it, matching
// seekio_write: writes past the current end grow it via CtlSetEnd on
// the backing endpoint.
func (s *SeekIO) Write(buf []byte) (int, errno.Err_t) {
	length := len(buf)
	if length == 0 {
		return 0, errno.Ok
	}
	if length < s.blksz {
		return 0, errno.EINVAL
	}

	length &^= s.blksz - 1
	end := s.end

	if end-s.pos < uint64(length) {
		newEnd := s.pos + uint64(length)
		if _, err := s.backing.Cntl(CtlSetEnd, &newEnd); err != errno.Ok {
			return 0, err
		}
		s.end = newEnd
	}

	n, err := s.backing.WriteAt(s.pos, buf[:length])
	if n > 0 {
		s.pos += uint64(n)
	}
	return n, err
}

func (s *SeekIO) ReadAt(pos uint64, buf []byte) (int, errno.Err_t) {
	return s.backing.ReadAt(pos, buf)
}

func (s *SeekIO) WriteAt(pos uint64, buf []byte) (int, errno.Err_t) {
	return s.backing.WriteAt(pos, buf)
}

// Cntl implements GETBLKSZ/GETPOS/SETPOS/GETEND/SETEND locally and
// forwards anything else to the backing endpoint, matching seekio_cntl.
func (s *SeekIO) Cntl(cmd int, arg *uint64) (int, errno.Err_t) {
	switch cmd {
	case CtlGetBlkSz:
		return s.blksz, errno.Ok
	case CtlGetPos:
		*arg = s.pos
		return 0, errno.Ok
	case CtlSetPos:
		if *arg&uint64(s.blksz-1) != 0 || *arg > s.end {
			return 0, errno.EINVAL
		}
		s.pos = *arg
		return 0, errno.Ok
	case CtlGetEnd:
		*arg = s.end
		return 0, errno.Ok
	case CtlSetEnd:
		n, err := s.backing.Cntl(CtlSetEnd, arg)
		if err == errno.Ok {
			s.end = *arg
		}
		return n, err
	default:
		return s.backing.Cntl(cmd, arg)
	}
}

func (s *SeekIO) AddRef() Io  { s.addRef(); return s }
func (s *SeekIO) Refcnt() int { return s.refcnt() }

// Close releases the backing endpoint once the last handle to this
// wrapper closes, matching seekio_close.
func (s *SeekIO) Close() {
	if s.release() {
		s.backing.Close()
	}
}
