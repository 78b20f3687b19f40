// Package cache implements the block cache (BCF): a fixed-capacity,
// clock-replacement cache of 512-byte blocks sitting in front of a
// backing I/O object.
//
// Grounded on original_source/sys/cache.c: struct cache_entry/struct
// cache (Cache and its slots), create_cache (New), cache_get_block
// (getBlock, the second-chance clock search), cache_readat/
// cache_writeat (ReadAt/WriteAt), cache_release_block (releaseBlock),
// and cache_flush (Flush). See DESIGN.md for the two places this
// package deliberately departs from the original: cache_get_block's
// literal eviction order and cache_readat/cache_writeat's literal
// release call.
package cache

import (
	"ktkernel/config"
	"ktkernel/errno"
	"ktkernel/ioobj"
	"ktkernel/thread"
)

// BlockSize is the fixed block size the cache and filesystem share,
// matching CACHE_BLKSZ.
const BlockSize = 512

const (
	flagUsed uint8 = 1 << iota
	flagDirty
	flagValid
)

type slot struct {
	blockID uint32
	flags   uint8
	data    [BlockSize]byte
	lock    *thread.Lock
}

func (s *slot) used() bool  { return s.flags&flagUsed != 0 }
func (s *slot) dirty() bool { return s.flags&flagDirty != 0 }
func (s *slot) valid() bool { return s.flags&flagValid != 0 }

// Cache is a fixed-capacity write-back cache of fixed-size blocks,
// matching struct cache plus its module-level backend/cache_data/
// cache_locks globals (folded into the struct itself here, since this
// rewrite has no reason to keep them as package-level singletons).
type Cache struct {
	m       *thread.Manager
	backend ioobj.Io
	slots   []slot

	clockIdx    uint32
	lastReadIdx uint32
}

// New creates a cache of capacity slots over backend, matching
// create_cache.
func New(m *thread.Manager, backend ioobj.Io, capacity int) *Cache {
	if capacity <= 0 {
		capacity = config.CacheCapacity
	}

	c := &Cache{
		m:       m,
		backend: backend.AddRef(),
		slots:   make([]slot, capacity),
	}
	for i := range c.slots {
		c.slots[i].lock = m.LockInit()
	}
	return c
}

// getBlock implements the clock (second-chance) replacement algorithm,
// matching cache_get_block, and returns the index of the slot holding
// pos's block with its lock held.
//
// Unlike cache_get_block, the eviction path writes back the victim
// slot's dirty data before loading the new block, matching spec.md's
// invariant "eviction writes back before overwrite": the original
// overwrites cache_data[idx] via ioreadat with no write-back check at
// all, which would silently drop dirty data still owed to the backing
// device.
func (c *Cache) getBlock(pos uint64) (int, errno.Err_t) {
	if pos%BlockSize != 0 {
		return 0, errno.EINVAL
	}
	blockID := uint32(pos / BlockSize)

	for i := range c.slots {
		if c.slots[i].valid() && c.slots[i].blockID == blockID {
			c.slots[i].flags |= flagUsed
			c.m.Acquire(c.slots[i].lock)
			c.lastReadIdx = uint32(i)
			return i, errno.Ok
		}
	}

	n := uint32(len(c.slots))
	for c.slots[c.clockIdx].used() {
		c.slots[c.clockIdx].flags &^= flagUsed
		c.clockIdx = (c.clockIdx + 1) % n
	}
	idx := c.clockIdx

	c.m.Acquire(c.slots[idx].lock)

	if c.slots[idx].dirty() {
		victimPos := uint64(c.slots[idx].blockID) * BlockSize
		if _, err := c.backend.WriteAt(victimPos, c.slots[idx].data[:]); err != errno.Ok {
			c.m.Release(c.slots[idx].lock)
			return 0, err
		}
		c.slots[idx].flags &^= flagDirty
	}

	if _, err := c.backend.ReadAt(pos, c.slots[idx].data[:]); err != errno.Ok {
		c.m.Release(c.slots[idx].lock)
		return 0, err
	}

	c.slots[idx].blockID = blockID
	c.slots[idx].flags = flagUsed | flagValid
	c.lastReadIdx = idx
	return int(idx), errno.Ok
}

// releaseBlock unlocks slot idx, matching cache_release_block. When
// writeThrough is set it writes the slot's data back to the backend
// and clears DIRTY first.
//
// cache_readat and cache_writeat both call cache_release_block with
// the slot's *current* CACHE_ISDIRTY flag, which would immediately
// write through and clear DIRTY on every single readat/writeat that
// happens to touch an already-dirty slot — turning the cache
// write-through rather than write-back and directly contradicting
// spec.md's invariant that "a DIRTY slot's block has newer contents
// than the device" until an eviction or flush. ReadAt and WriteAt below
// both call releaseBlock(idx, false): dirty data is only written back
// by getBlock's eviction path or by Flush, matching the write-back
// architecture spec.md's overview and invariants describe.
func (c *Cache) releaseBlock(idx int, writeThrough bool) errno.Err_t {
	s := &c.slots[idx]

	if writeThrough && s.dirty() {
		pos := uint64(s.blockID) * BlockSize
		if _, err := c.backend.WriteAt(pos, s.data[:]); err != errno.Ok {
			return err
		}
		s.flags &^= flagDirty
	}

	if c.m.HeldByCurrent(s.lock) {
		c.m.Release(s.lock)
	}
	return errno.Ok
}

// ReadAt copies up to len(buf) bytes starting at pos from the block
// containing pos, never crossing a block boundary, matching
// cache_readat.
func (c *Cache) ReadAt(pos uint64, buf []byte) (int, errno.Err_t) {
	blockPos := pos / BlockSize * BlockSize
	blockOff := int(pos % BlockSize)

	n := len(buf)
	if blockOff+n > BlockSize {
		n = BlockSize - blockOff
	}

	idx, err := c.getBlock(blockPos)
	if err != errno.Ok {
		return 0, err
	}
	copy(buf[:n], c.slots[idx].data[blockOff:blockOff+n])
	c.releaseBlock(idx, false)
	return n, errno.Ok
}

// WriteAt copies up to len(buf) bytes starting at pos into the block
// containing pos, marking it dirty, matching cache_writeat.
func (c *Cache) WriteAt(pos uint64, buf []byte) (int, errno.Err_t) {
	blockPos := pos / BlockSize * BlockSize
	blockOff := int(pos % BlockSize)

	n := len(buf)
	if blockOff+n > BlockSize {
		n = BlockSize - blockOff
	}

	idx, err := c.getBlock(blockPos)
	if err != errno.Ok {
		return 0, err
	}
	copy(c.slots[idx].data[blockOff:blockOff+n], buf[:n])
	c.slots[idx].flags |= flagDirty
	c.releaseBlock(idx, false)
	return n, errno.Ok
}

// Flush writes back every dirty slot, matching cache_flush.
func (c *Cache) Flush() errno.Err_t {
	for i := range c.slots {
		if err := c.releaseBlock(i, c.slots[i].dirty()); err != errno.Ok {
			return err
		}
	}
	return errno.Ok
}
