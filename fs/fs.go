// Package fs implements the KT filesystem: a superblock + bitmap +
// inode table + direct/indirect/double-indirect data blocks layered on
// top of a cache.Cache, matching original_source/sys/ktfs.c.
//
// The on-disk layout is exactly ktfs.h's: block 0 holds the superblock
// (only its first 14 bytes are meaningful), followed by the data-block
// allocation bitmap, the inode table, then data blocks. See DESIGN.md
// for the mount-time inode-bitmap reconstruction and the block-0
// sentinel semantics this package deliberately keeps from the original.
package fs

import (
	"container/list"
	"encoding/binary"
	"math/bits"

	"ktkernel/cache"
	"ktkernel/config"
	"ktkernel/errno"
	"ktkernel/ioobj"
	"ktkernel/thread"
)

// FS is a mounted KT filesystem, matching struct file_system plus the
// module-level cache/backend/open_files globals ktfs.c carries instead
// (there is exactly one mounted filesystem here too, per spec.md's
// single-root-filesystem non-goal, but folding the globals into a value
// avoids package-level mutable state for no reason).
type FS struct {
	cache   *cache.Cache
	backend ioobj.Io
	super   superblock

	// dataBlockStart is the block number (relative to block 0) at which
	// the data-block region begins: 1 (superblock) + bitmap blocks +
	// inode blocks.
	dataBlockStart uint64

	inodeBitmap []byte
	openFiles   *list.List // of *File
}

// Mount reads the superblock from backend, constructs a cache over it,
// and reconstructs the in-memory inode bitmap by walking the root
// directory, matching ktfs_mount and init_inode_bitmap.
func Mount(m *thread.Manager, backend ioobj.Io) (*FS, errno.Err_t) {
	buf := make([]byte, BlockSize)
	if _, err := backend.ReadAt(0, buf); err != errno.Ok {
		return nil, err
	}
	super := decodeSuperblock(buf[:superblockSize])

	fsys := &FS{
		cache:     cache.New(m, backend, config.CacheCapacity),
		backend:   backend.AddRef(),
		super:     super,
		openFiles: list.New(),
	}
	fsys.dataBlockStart = 1 + uint64(super.BitmapBlockCount) + uint64(super.InodeBlockCount)

	if err := fsys.initInodeBitmap(); err != errno.Ok {
		return nil, err
	}
	return fsys, errno.Ok
}

// initInodeBitmap marks the root directory inode used, then walks every
// dentry the root directory currently holds and marks its inode used,
// matching init_inode_bitmap. The bitmap is never persisted; it is
// rebuilt from the directory tree on every mount.
func (fsys *FS) initInodeBitmap() errno.Err_t {
	rootPos := fsys.inodePos(fsys.super.RootDirectoryInode)
	root, err := fsys.readInode(rootPos)
	if err != errno.Ok {
		return err
	}

	numInodesPerBlock := uint32(BlockSize / InodeSize)
	bitmapBytes := fsys.super.InodeBlockCount*numInodesPerBlock/8 + 1
	fsys.inodeBitmap = make([]byte, bitmapBytes)

	fsys.setInodeBit(fsys.super.RootDirectoryInode)

	return fsys.forEachRootEntry(&root, func(_ uint32, e dirEntry) (bool, errno.Err_t) {
		fsys.setInodeBit(e.Inode)
		return false, errno.Ok
	})
}

// forEachRootEntry calls fn for every live dentry of root in order,
// stopping early if fn returns stop or an error. It generalizes the
// "loop over inode blocks, loop over dentries per block, stop once
// size/KTFS_DENSZ entries have been seen" pattern that ktfs_open,
// ktfs_create, ktfs_delete, and init_inode_bitmap each repeat inline.
func (fsys *FS) forEachRootEntry(root *ktfsInode, fn func(idx uint32, e dirEntry) (stop bool, err errno.Err_t)) errno.Err_t {
	numEntries := root.Size / DentrySize
	blockCount := blocksFor(root.Size)

	var idx uint32
	for b := uint32(0); b < blockCount; b++ {
		for j := uint32(0); j < BlockSize/DentrySize; j++ {
			if idx >= numEntries {
				return errno.Ok
			}
			var buf [DentrySize]byte
			if err := fsys.readDataBlockAt(root, b, j*DentrySize, buf[:]); err != errno.Ok {
				return err
			}
			stop, err := fn(idx, decodeDentry(buf[:]))
			if err != errno.Ok {
				return err
			}
			if stop {
				return errno.Ok
			}
			idx++
		}
	}
	return errno.Ok
}

// inodePos returns the absolute byte position of inode id, matching the
// "inode * KTFS_INOSZ + (1 + bitmap_block_count) * KTFS_BLKSZ"
// expression repeated throughout ktfs.c.
func (fsys *FS) inodePos(id uint16) uint64 {
	return uint64(id)*InodeSize + (1+uint64(fsys.super.BitmapBlockCount))*BlockSize
}

func (fsys *FS) readInode(pos uint64) (ktfsInode, errno.Err_t) {
	var buf [InodeSize]byte
	if _, err := fsys.cache.ReadAt(pos, buf[:]); err != errno.Ok {
		return ktfsInode{}, err
	}
	return decodeInode(buf[:]), errno.Ok
}

func (fsys *FS) writeInode(pos uint64, in *ktfsInode) errno.Err_t {
	_, err := fsys.cache.WriteAt(pos, encodeInode(in))
	return err
}

// dataBlockPos returns the absolute byte position of data block blockID,
// matching "(start_pos_dblock + block_id) * KTFS_BLKSZ".
func (fsys *FS) dataBlockPos(blockID uint32) uint64 {
	return (fsys.dataBlockStart + uint64(blockID)) * BlockSize
}

func (fsys *FS) readIndirectPtr(indirectBlock, idx uint32) (uint32, errno.Err_t) {
	var buf [4]byte
	if _, err := fsys.cache.ReadAt(fsys.dataBlockPos(indirectBlock)+uint64(idx)*4, buf[:]); err != errno.Ok {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), errno.Ok
}

func (fsys *FS) writeIndirectPtr(indirectBlock, idx, ptr uint32) errno.Err_t {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], ptr)
	_, err := fsys.cache.WriteAt(fsys.dataBlockPos(indirectBlock)+uint64(idx)*4, buf[:])
	return err
}

// blockPos implements data_blockat: it translates a logical block index
// within inode into the absolute byte position of that data block,
// resolving one or two levels of indirection as needed, matching
// read_data_blockat/write_data_blockat's shared address computation.
func (fsys *FS) blockPos(inode *ktfsInode, dblockID uint32) (uint64, errno.Err_t) {
	if dblockID < NumDirect {
		return fsys.dataBlockPos(inode.Block[dblockID]), errno.Ok
	}
	if dblockID-NumDirect < IndirectFanout {
		ptr, err := fsys.readIndirectPtr(inode.Indirect, dblockID-NumDirect)
		if err != errno.Ok {
			return 0, err
		}
		return fsys.dataBlockPos(ptr), errno.Ok
	}

	m := dblockID - (NumDirect + IndirectFanout)
	inst := uint32(0)
	if m >= IndirectFanout*IndirectFanout {
		inst = 1
		m -= IndirectFanout * IndirectFanout
	}
	off1, off2 := m/IndirectFanout, m%IndirectFanout

	ind, err := fsys.readIndirectPtr(inode.Dindirect[inst], off1)
	if err != errno.Ok {
		return 0, err
	}
	ptr, err := fsys.readIndirectPtr(ind, off2)
	if err != errno.Ok {
		return 0, err
	}
	return fsys.dataBlockPos(ptr), errno.Ok
}

func (fsys *FS) readDataBlockAt(inode *ktfsInode, dblockID, offset uint32, buf []byte) errno.Err_t {
	pos, err := fsys.blockPos(inode, dblockID)
	if err != errno.Ok {
		return err
	}
	_, err = fsys.cache.ReadAt(pos+uint64(offset), buf)
	return err
}

func (fsys *FS) writeDataBlockAt(inode *ktfsInode, dblockID, offset uint32, buf []byte) errno.Err_t {
	pos, err := fsys.blockPos(inode, dblockID)
	if err != errno.Ok {
		return err
	}
	_, err = fsys.cache.WriteAt(pos+uint64(offset), buf)
	return err
}

// readSpan reads len(buf) bytes starting at byte offset pos within
// inode's data, crossing block boundaries as needed, matching the
// per-block loop shared by ktfs_readat/ktfs_writeat (parameterized here
// instead of duplicated per direction).
func (fsys *FS) readSpan(inode *ktfsInode, pos uint64, buf []byte) (int, errno.Err_t) {
	remaining := len(buf)
	off := 0
	blkNo := uint32(pos / BlockSize)
	blkOff := uint32(pos % BlockSize)
	for remaining > 0 {
		n := BlockSize - int(blkOff)
		if n > remaining {
			n = remaining
		}
		if err := fsys.readDataBlockAt(inode, blkNo, blkOff, buf[off:off+n]); err != errno.Ok {
			return off, err
		}
		off += n
		remaining -= n
		blkNo++
		blkOff = 0
	}
	return off, errno.Ok
}

func (fsys *FS) writeSpan(inode *ktfsInode, pos uint64, buf []byte) (int, errno.Err_t) {
	remaining := len(buf)
	off := 0
	blkNo := uint32(pos / BlockSize)
	blkOff := uint32(pos % BlockSize)
	for remaining > 0 {
		n := BlockSize - int(blkOff)
		if n > remaining {
			n = remaining
		}
		if err := fsys.writeDataBlockAt(inode, blkNo, blkOff, buf[off:off+n]); err != errno.Ok {
			return off, err
		}
		off += n
		remaining -= n
		blkNo++
		blkOff = 0
	}
	return off, errno.Ok
}

// getNewBlock scans the data-block bitmap for the first clear bit, sets
// it, and returns its index, matching ktfs_get_new_block. A return of
// (0, Ok) means the pool is exhausted, exactly as spec.md's "Returning 0
// indicates exhaustion" states; a non-Ok error means the backing cache
// itself failed.
func (fsys *FS) getNewBlock() (uint32, errno.Err_t) {
	limit := fsys.super.BitmapBlockCount * BlockSize
	for i := uint32(0); i < limit; i++ {
		pos := uint64(BlockSize) + uint64(i)
		var b [1]byte
		if _, err := fsys.cache.ReadAt(pos, b[:]); err != errno.Ok {
			return 0, err
		}
		if b[0] == 0xff {
			continue
		}
		j := bits.TrailingZeros8(^b[0])
		b[0] |= 1 << uint(j)
		if _, err := fsys.cache.WriteAt(pos, b[:]); err != errno.Ok {
			return 0, err
		}
		return i*8 + uint32(j), errno.Ok
	}
	return 0, errno.Ok
}

// releaseBlock clears block_id's bit in the data-block bitmap, matching
// ktfs_release_block.
func (fsys *FS) releaseBlock(blockID uint32) errno.Err_t {
	pos := uint64(BlockSize) + uint64(blockID/8)
	var b [1]byte
	if _, err := fsys.cache.ReadAt(pos, b[:]); err != errno.Ok {
		return err
	}
	b[0] &^= 1 << (blockID % 8)
	_, err := fsys.cache.WriteAt(pos, b[:])
	return err
}

// releaseDataBlock releases the data block at logical index dblockID
// within inode, plus any indirect/double-indirect pointer block that
// dblockID was the sole remaining user of, matching
// release_data_block's boundary conditions exactly.
func (fsys *FS) releaseDataBlock(inode *ktfsInode, dblockID uint32) errno.Err_t {
	if dblockID < NumDirect {
		return fsys.releaseBlock(inode.Block[dblockID])
	}
	if dblockID-NumDirect < IndirectFanout {
		if dblockID == NumDirect {
			if err := fsys.releaseBlock(inode.Indirect); err != errno.Ok {
				return err
			}
		}
		ptr, err := fsys.readIndirectPtr(inode.Indirect, dblockID-NumDirect)
		if err != errno.Ok {
			return err
		}
		return fsys.releaseBlock(ptr)
	}

	m := dblockID - (NumDirect + IndirectFanout)
	inst := uint32(0)
	if m >= IndirectFanout*IndirectFanout {
		inst = 1
		m -= IndirectFanout * IndirectFanout
	}
	off1, off2 := m/IndirectFanout, m%IndirectFanout

	if m == 0 {
		if err := fsys.releaseBlock(inode.Dindirect[inst]); err != errno.Ok {
			return err
		}
	}
	idx1, err := fsys.readIndirectPtr(inode.Dindirect[inst], off1)
	if err != errno.Ok {
		return err
	}
	if off2 == 0 {
		if err := fsys.releaseBlock(idx1); err != errno.Ok {
			return err
		}
	}
	idx2, err := fsys.readIndirectPtr(idx1, off2)
	if err != errno.Ok {
		return err
	}
	return fsys.releaseBlock(idx2)
}

// allocateNewDataBlock allocates a fresh data block for logical index
// dblockID within inode, additionally allocating the indirect or
// double-indirect pointer blocks that own it the first time each is
// touched, matching allocate_new_data_block.
func (fsys *FS) allocateNewDataBlock(inode *ktfsInode, dblockID uint32) errno.Err_t {
	newBlock, err := fsys.getNewBlock()
	if err != errno.Ok {
		return err
	}
	if newBlock == 0 {
		return errno.ENODATABLKS
	}

	if dblockID < NumDirect {
		inode.Block[dblockID] = newBlock
		return errno.Ok
	}

	if dblockID-NumDirect < IndirectFanout {
		if dblockID == NumDirect {
			ind, err := fsys.getNewBlock()
			if err != errno.Ok {
				return err
			}
			if ind == 0 {
				return errno.ENODATABLKS
			}
			inode.Indirect = ind
		}
		return fsys.writeIndirectPtr(inode.Indirect, dblockID-NumDirect, newBlock)
	}

	m := dblockID - (NumDirect + IndirectFanout)
	inst := uint32(0)
	if m >= IndirectFanout*IndirectFanout {
		inst = 1
		m -= IndirectFanout * IndirectFanout
	}
	off1, off2 := m/IndirectFanout, m%IndirectFanout

	if m == 0 {
		ind, err := fsys.getNewBlock()
		if err != errno.Ok {
			return err
		}
		if ind == 0 {
			return errno.ENODATABLKS
		}
		inode.Dindirect[inst] = ind
	}

	var idx1 uint32
	if off2 == 0 {
		newIdx1, err := fsys.getNewBlock()
		if err != errno.Ok {
			return err
		}
		if newIdx1 == 0 {
			return errno.ENODATABLKS
		}
		idx1 = newIdx1
		if err := fsys.writeIndirectPtr(inode.Dindirect[inst], off1, idx1); err != errno.Ok {
			return err
		}
	} else {
		idx1, err = fsys.readIndirectPtr(inode.Dindirect[inst], off1)
		if err != errno.Ok {
			return err
		}
	}

	return fsys.writeIndirectPtr(idx1, off2, newBlock)
}

// getNewInode scans the in-memory inode bitmap for the first clear bit,
// matching ktfs_get_new_inode.
func (fsys *FS) getNewInode() (uint16, errno.Err_t) {
	for i := range fsys.inodeBitmap {
		if fsys.inodeBitmap[i] == 0xff {
			continue
		}
		j := bits.TrailingZeros8(^fsys.inodeBitmap[i])
		fsys.inodeBitmap[i] |= 1 << uint(j)
		return uint16(i*8 + j), errno.Ok
	}
	return 0, errno.ENOINODEBLKS
}

func (fsys *FS) releaseInode(id uint16) {
	fsys.inodeBitmap[id/8] &^= 1 << (id % 8)
}

func (fsys *FS) setInodeBit(id uint16) {
	fsys.inodeBitmap[id/8] |= 1 << (id % 8)
}

// Create adds a zero-length file named name to the root directory,
// matching ktfs_create.
func (fsys *FS) Create(name string) errno.Err_t {
	if len(name) > MaxNameLen {
		return errno.EINVAL
	}

	rootPos := fsys.inodePos(fsys.super.RootDirectoryInode)
	root, err := fsys.readInode(rootPos)
	if err != errno.Ok {
		return err
	}

	var exists bool
	if err := fsys.forEachRootEntry(&root, func(_ uint32, e dirEntry) (bool, errno.Err_t) {
		if entryName(e) == name {
			exists = true
			return true, errno.Ok
		}
		return false, errno.Ok
	}); err != errno.Ok {
		return err
	}
	if exists {
		return errno.EINVAL
	}

	blkOff := root.Size % BlockSize
	blkNo := root.Size / BlockSize
	if blkOff == 0 {
		if err := fsys.allocateNewDataBlock(&root, blkNo); err != errno.Ok {
			return err
		}
		if err := fsys.writeInode(rootPos, &root); err != errno.Ok {
			return err
		}
	}

	newInodeNum, err := fsys.getNewInode()
	if err != errno.Ok {
		return err
	}

	var entry dirEntry
	entry.Inode = newInodeNum
	setEntryName(&entry, name)

	if err := fsys.writeDataBlockAt(&root, blkNo, blkOff, encodeDentry(&entry)); err != errno.Ok {
		return err
	}

	root.Size += DentrySize
	if err := fsys.writeInode(rootPos, &root); err != errno.Ok {
		return err
	}

	var newInode ktfsInode
	if err := fsys.writeInode(fsys.inodePos(newInodeNum), &newInode); err != errno.Ok {
		return err
	}

	return fsys.Flush()
}

// Open looks up name in the root directory and returns a seekable I/O
// handle over it, matching ktfs_open: the File is wrapped here with
// ioobj.NewSeekIO before it is returned.
func (fsys *FS) Open(name string) (ioobj.Io, errno.Err_t) {
	rootPos := fsys.inodePos(fsys.super.RootDirectoryInode)
	root, err := fsys.readInode(rootPos)
	if err != errno.Ok {
		return nil, err
	}

	var found dirEntry
	var hit bool
	if err := fsys.forEachRootEntry(&root, func(_ uint32, e dirEntry) (bool, errno.Err_t) {
		if entryName(e) == name {
			found = e
			hit = true
			return true, errno.Ok
		}
		return false, errno.Ok
	}); err != errno.Ok {
		return nil, err
	}
	if !hit {
		return nil, errno.ENOENT
	}

	in, err := fsys.readInode(fsys.inodePos(found.Inode))
	if err != errno.Ok {
		return nil, err
	}

	f := &File{fs: fsys, entry: found, size: uint64(in.Size)}
	f.ref.init(1)
	fsys.openFiles.PushBack(f)

	return ioobj.NewSeekIO(f), errno.Ok
}

// Delete removes name from the root directory, releasing its inode and
// data blocks and compacting the directory by moving the last entry
// into the freed slot, matching ktfs_delete.
func (fsys *FS) Delete(name string) errno.Err_t {
	if len(name) > MaxNameLen {
		return errno.EINVAL
	}

	rootPos := fsys.inodePos(fsys.super.RootDirectoryInode)
	root, err := fsys.readInode(rootPos)
	if err != errno.Ok {
		return err
	}

	var target dirEntry
	var targetIdx uint32
	var hit bool
	if err := fsys.forEachRootEntry(&root, func(idx uint32, e dirEntry) (bool, errno.Err_t) {
		if entryName(e) == name {
			target = e
			targetIdx = idx
			hit = true
			return true, errno.Ok
		}
		return false, errno.Ok
	}); err != errno.Ok {
		return err
	}
	if !hit {
		return errno.ENOENT
	}

	in, err := fsys.readInode(fsys.inodePos(target.Inode))
	if err != errno.Ok {
		return err
	}

	blockCount := blocksFor(in.Size)
	for i := int(blockCount) - 1; i >= 0; i-- {
		if err := fsys.releaseDataBlock(&in, uint32(i)); err != errno.Ok {
			return err
		}
	}
	fsys.releaseInode(target.Inode)

	lastIdx := root.Size/DentrySize - 1
	lastBlkOff, lastBlkNo := (lastIdx*DentrySize)%BlockSize, (lastIdx*DentrySize)/BlockSize
	curBlkOff, curBlkNo := (targetIdx*DentrySize)%BlockSize, (targetIdx*DentrySize)/BlockSize

	var lastEntry [DentrySize]byte
	if err := fsys.readDataBlockAt(&root, lastBlkNo, lastBlkOff, lastEntry[:]); err != errno.Ok {
		return err
	}
	if err := fsys.writeDataBlockAt(&root, curBlkNo, curBlkOff, lastEntry[:]); err != errno.Ok {
		return err
	}

	if lastBlkOff == 0 {
		if err := fsys.releaseDataBlock(&root, lastBlkNo); err != errno.Ok {
			return err
		}
	}

	root.Size -= DentrySize
	if err := fsys.writeInode(rootPos, &root); err != errno.Ok {
		return err
	}

	fsys.removeOpenFile(name)

	return fsys.Flush()
}

// Extend grows file's logical size to newLen, allocating whatever new
// data blocks that requires, matching ktfs_ext_len (the SETEND ioctl
// handler). A newLen at or below the current size, or zero, is a no-op:
// this filesystem never auto-extends on write, per spec.md's explicit
// resolution of that open question.
func (fsys *FS) Extend(f *File, newLen uint64) errno.Err_t {
	if newLen <= f.size || newLen == 0 {
		return errno.Ok
	}

	oldSize := f.size
	inodePos := fsys.inodePos(f.entry.Inode)
	in, err := fsys.readInode(inodePos)
	if err != errno.Ok {
		return err
	}

	f.size = newLen
	in.Size = uint32(newLen)
	if err := fsys.writeInode(inodePos, &in); err != errno.Ok {
		return err
	}

	lastBlock := uint32((newLen - 1) / BlockSize)
	var startBlock uint32
	if oldSize != 0 {
		startBlock = uint32((oldSize-1)/BlockSize) + 1
	}

	for i := startBlock; i <= lastBlock; i++ {
		if err := fsys.allocateNewDataBlock(&in, i); err != errno.Ok {
			return err
		}
		if err := fsys.writeInode(inodePos, &in); err != errno.Ok {
			return err
		}
	}
	return errno.Ok
}

// Flush writes back every dirty cache slot, matching ktfs_flush.
func (fsys *FS) Flush() errno.Err_t {
	return fsys.cache.Flush()
}

func (fsys *FS) removeOpenFile(name string) {
	for e := fsys.openFiles.Front(); e != nil; e = e.Next() {
		if entryName(e.Value.(*File).entry) == name {
			fsys.openFiles.Remove(e)
			return
		}
	}
}
