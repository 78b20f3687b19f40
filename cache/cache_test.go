package cache

import (
	"testing"

	"ktkernel/errno"
	"ktkernel/ioobj"
	"ktkernel/thread"
)

func newTestCache(t *testing.T, capacity, backingBlocks int) (*Cache, *ioobj.MemIO) {
	t.Helper()
	m := thread.NewManager()
	backing := ioobj.NewMemIO(make([]byte, backingBlocks*BlockSize))
	return New(m, backing, capacity), backing
}

func TestWriteThenReadSameBlockRoundTrips(t *testing.T) {
	c, _ := newTestCache(t, 4, 4)

	payload := make([]byte, BlockSize)
	copy(payload, "hello block")

	n, err := c.WriteAt(0, payload)
	if err != errno.Ok || n != BlockSize {
		t.Fatalf("WriteAt = (%d, %v)", n, err)
	}

	buf := make([]byte, BlockSize)
	n, err = c.ReadAt(0, buf)
	if err != errno.Ok || n != BlockSize {
		t.Fatalf("ReadAt = (%d, %v)", n, err)
	}
	if string(buf[:11]) != "hello block" {
		t.Fatalf("read back %q", buf[:11])
	}
}

func TestReadAtDoesNotWriteThroughBackend(t *testing.T) {
	c, backing := newTestCache(t, 4, 4)

	payload := make([]byte, BlockSize)
	copy(payload, "dirty data")
	c.WriteAt(BlockSize, payload)

	// Reading the same block must not flush it to the backend: the
	// cache is write-back, not write-through.
	buf := make([]byte, BlockSize)
	c.ReadAt(BlockSize, buf)

	direct := make([]byte, BlockSize)
	backing.ReadAt(BlockSize, direct)
	if string(direct[:10]) == "dirty data" {
		t.Fatal("backend observed the write before any flush or eviction")
	}
}

func TestFlushWritesBackDirtySlots(t *testing.T) {
	c, backing := newTestCache(t, 4, 4)

	payload := make([]byte, BlockSize)
	copy(payload, "flush me")
	c.WriteAt(0, payload)

	if err := c.Flush(); err != errno.Ok {
		t.Fatalf("Flush: %v", err)
	}

	direct := make([]byte, BlockSize)
	backing.ReadAt(0, direct)
	if string(direct[:8]) != "flush me" {
		t.Fatalf("backend after flush = %q, want %q", direct[:8], "flush me")
	}
}

func TestEvictionWritesBackDirtyVictimBeforeOverwrite(t *testing.T) {
	c, backing := newTestCache(t, 1, 4)

	first := make([]byte, BlockSize)
	copy(first, "victim block")
	c.WriteAt(0, first)

	// Force eviction of the only slot by touching a different block.
	second := make([]byte, BlockSize)
	c.ReadAt(BlockSize, second)

	direct := make([]byte, BlockSize)
	backing.ReadAt(0, direct)
	if string(direct[:12]) != "victim block" {
		t.Fatalf("evicted dirty block lost, backend = %q", direct[:12])
	}
}

func TestGetBlockRejectsUnalignedPosition(t *testing.T) {
	// ReadAt/WriteAt always pre-align their position before calling
	// getBlock, so this exercises getBlock's own guard directly, the
	// same way it would matter to a caller that bypassed ReadAt/WriteAt.
	c, _ := newTestCache(t, 4, 4)
	if _, err := c.getBlock(1); err != errno.EINVAL {
		t.Fatalf("getBlock at unaligned pos = %v, want EINVAL", err)
	}
}
