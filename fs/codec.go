package fs

import (
	"bytes"
	"encoding/binary"
)

// On-disk layout constants, matching ktfs.h.
const (
	// BlockSize is the filesystem's block size, matching KTFS_BLKSZ. It
	// is identical to cache.BlockSize; the two packages are not made to
	// import one another's constant to keep fs's on-disk layout
	// self-describing.
	BlockSize = 512

	// InodeSize is the packed on-disk size of a ktfs_inode, matching
	// KTFS_INOSZ.
	InodeSize = 32

	// DentrySize is the packed on-disk size of a ktfs_dir_entry, matching
	// KTFS_DENSZ.
	DentrySize = 16

	// MaxNameLen is the longest file name storable in a dentry, matching
	// KTFS_MAX_FILENAME_LEN (KTFS_DENSZ - sizeof(uint16_t) - sizeof(uint8_t)).
	MaxNameLen = DentrySize - 2 - 1

	// NumDirect is the number of direct block pointers in an inode,
	// matching KTFS_NUM_DIRECT_DATA_BLOCKS.
	NumDirect = 3

	// IndirectFanout is the number of block pointers per indirect block,
	// matching KTFS_BLKSZ / KTFS_DATA_BLOCK_PTR_SIZE.
	IndirectFanout = BlockSize / 4

	// superblockSize is the number of leading bytes of block 0 that hold
	// the packed superblock, matching ktfs_mount's 14-byte memcpy (not
	// the full 512-byte block it reads into a scratch buffer first).
	superblockSize = 14
)

// MaxAddressableBlocks is the number of logical blocks an inode can
// address (indices 0 through MaxAddressableBlocks-1): 3 direct + 128 indirect + 2*128*128 double-indirect, matching
// spec.md's "Addressable blocks per file" figure.
const MaxAddressableBlocks = NumDirect + IndirectFanout + 2*IndirectFanout*IndirectFanout

type superblock struct {
	BlockCount         uint32
	BitmapBlockCount   uint32
	InodeBlockCount    uint32
	RootDirectoryInode uint16
}

func decodeSuperblock(buf []byte) superblock {
	return superblock{
		BlockCount:         binary.LittleEndian.Uint32(buf[0:4]),
		BitmapBlockCount:   binary.LittleEndian.Uint32(buf[4:8]),
		InodeBlockCount:    binary.LittleEndian.Uint32(buf[8:12]),
		RootDirectoryInode: binary.LittleEndian.Uint16(buf[12:14]),
	}
}

// ktfsInode is the in-memory decoding of a packed ktfs_inode.
type ktfsInode struct {
	Size      uint32
	Flags     uint32
	Block     [NumDirect]uint32
	Indirect  uint32
	Dindirect [2]uint32
}

func decodeInode(buf []byte) ktfsInode {
	var in ktfsInode
	in.Size = binary.LittleEndian.Uint32(buf[0:4])
	in.Flags = binary.LittleEndian.Uint32(buf[4:8])
	for i := 0; i < NumDirect; i++ {
		in.Block[i] = binary.LittleEndian.Uint32(buf[8+i*4 : 12+i*4])
	}
	in.Indirect = binary.LittleEndian.Uint32(buf[20:24])
	in.Dindirect[0] = binary.LittleEndian.Uint32(buf[24:28])
	in.Dindirect[1] = binary.LittleEndian.Uint32(buf[28:32])
	return in
}

func encodeInode(in *ktfsInode) []byte {
	buf := make([]byte, InodeSize)
	binary.LittleEndian.PutUint32(buf[0:4], in.Size)
	binary.LittleEndian.PutUint32(buf[4:8], in.Flags)
	for i := 0; i < NumDirect; i++ {
		binary.LittleEndian.PutUint32(buf[8+i*4:12+i*4], in.Block[i])
	}
	binary.LittleEndian.PutUint32(buf[20:24], in.Indirect)
	binary.LittleEndian.PutUint32(buf[24:28], in.Dindirect[0])
	binary.LittleEndian.PutUint32(buf[28:32], in.Dindirect[1])
	return buf
}

// dirEntry is the in-memory decoding of a packed ktfs_dir_entry.
type dirEntry struct {
	Inode uint16
	Name  [DentrySize - 2]byte
}

func decodeDentry(buf []byte) dirEntry {
	var e dirEntry
	e.Inode = binary.LittleEndian.Uint16(buf[0:2])
	copy(e.Name[:], buf[2:DentrySize])
	return e
}

func encodeDentry(e *dirEntry) []byte {
	buf := make([]byte, DentrySize)
	binary.LittleEndian.PutUint16(buf[0:2], e.Inode)
	copy(buf[2:], e.Name[:])
	return buf
}

func entryName(e dirEntry) string {
	if i := bytes.IndexByte(e.Name[:], 0); i >= 0 {
		return string(e.Name[:i])
	}
	return string(e.Name[:])
}

func setEntryName(e *dirEntry, name string) {
	for i := range e.Name {
		e.Name[i] = 0
	}
	copy(e.Name[:], name)
}

// blocksFor returns the number of BlockSize blocks needed to hold size
// bytes, matching the repeated "size / KTFS_BLKSZ, plus one if there's a
// remainder" pattern throughout ktfs.c.
func blocksFor(size uint32) uint32 {
	n := size / BlockSize
	if size%BlockSize != 0 {
		n++
	}
	return n
}
