package ioobj

import "ktkernel/errno"

// NullIO discards writes and always reads as empty, matching struct
// nullio / create_null_io.
type NullIO struct{ ref }

// NewNullIO creates a null endpoint with a refcount of one, matching
// create_null_io's ioinit1 call.
func NewNullIO() *NullIO {
	n := &NullIO{}
	n.init(1)
	return n
}

func (n *NullIO) Read(buf []byte) (int, errno.Err_t)  { return 0, errno.Ok }
func (n *NullIO) Write(buf []byte) (int, errno.Err_t) { return 0, errno.Ok }

func (n *NullIO) ReadAt(pos uint64, buf []byte) (int, errno.Err_t)  { return 0, errno.ENOTSUP }
func (n *NullIO) WriteAt(pos uint64, buf []byte) (int, errno.Err_t) { return 0, errno.ENOTSUP }
func (n *NullIO) Cntl(cmd int, arg *uint64) (int, errno.Err_t)      { return 0, errno.ENOTSUP }

func (n *NullIO) AddRef() Io { n.addRef(); return n }
func (n *NullIO) Refcnt() int { return n.refcnt() }
func (n *NullIO) Close() {
	// nullio has no close hook in the original; releasing the last
	// reference has no further effect.
	n.release()
}
