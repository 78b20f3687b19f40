// Command mkfs builds an initial KT filesystem image: an output path, a
// byte size, an inode count, and an optional list of local files to
// seed the root directory with.
//
// It is deliberately not a from-scratch byte packer for anything past
// the raw superblock/bitmap/inode-table header: once that header is
// laid out, mkfs mounts it with the real fs package and drives it
// through Create/Open/Cntl(SETEND)/WriteAll/Flush exactly the way a
// running kernel would, so every file it seeds is byte-for-byte what a
// live Create+Extend+Write sequence produces. Grounded on
// fs/fs_test.go's newImage helper for the header layout and on
// syscall/dispatch.go's Fsopen/Write for the file-population sequence.
// See DESIGN.md.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ktkernel/errno"
	"ktkernel/fs"
	"ktkernel/ioobj"
	"ktkernel/thread"
)

func main() {
	out := flag.String("o", "", "output image path (required)")
	size := flag.String("size", "32M", "image size, e.g. 32M, 512K, 1G")
	inodes := flag.Uint("inodes", 128, "number of inodes")
	flag.Parse()

	if *out == "" {
		fmt.Fprintln(os.Stderr, "mkfs: -o output path is required")
		os.Exit(1)
	}

	nbytes, err := parseSize(*size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}

	img, err := build(nbytes, uint32(*inodes), flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*out, img, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mkfs: wrote %s (%d bytes, %d inodes, %d files)\n", *out, len(img), *inodes, len(flag.Args()))
}

// parseSize parses a byte count with an optional K/M/G suffix (base
// 1024), the way the spec's own "32M" example implies.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	switch suffix := s[len(s)-1] | 0x20; suffix {
	case 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %v", s, err)
	}
	return n * mult, nil
}

// layout picks bitmap/inode block counts for an image of totalBlocks
// blocks holding inodeCount inodes, by the same fixed-point search
// getNewBlock's exhaustion contract implies: the bitmap must cover
// every block past the superblock, bitmap, and inode regions, and
// growing the bitmap by one block only ever shrinks the data region it
// has to cover.
func layout(totalBlocks uint64, inodeCount uint32) (bitmapBlocks, inodeBlocks uint32, err error) {
	inodeBlocks = (inodeCount*fs.InodeSize + fs.BlockSize - 1) / fs.BlockSize
	if inodeBlocks == 0 {
		inodeBlocks = 1
	}

	bitmapBlocks = 1
	for {
		reserved := uint64(1) + uint64(bitmapBlocks) + uint64(inodeBlocks)
		if reserved >= totalBlocks {
			return 0, 0, fmt.Errorf("image too small for %d inodes", inodeCount)
		}
		dataBlocks := totalBlocks - reserved
		need := uint32((dataBlocks + fs.BlockSize*8 - 1) / (fs.BlockSize * 8))
		if need == 0 {
			need = 1
		}
		if need == bitmapBlocks {
			return bitmapBlocks, inodeBlocks, nil
		}
		bitmapBlocks = need
	}
}

// build lays out an empty image header, mounts it, and seeds the root
// directory with each of paths (named by its base name).
func build(nbytes uint64, inodeCount uint32, paths []string) ([]byte, error) {
	totalBlocks := nbytes / fs.BlockSize
	if totalBlocks < 3 {
		return nil, fmt.Errorf("image size %d is too small", nbytes)
	}

	bitmapBlocks, inodeBlocks, err := layout(totalBlocks, inodeCount)
	if err != nil {
		return nil, err
	}

	img := make([]byte, totalBlocks*fs.BlockSize)
	putUint32 := func(off uint64, v uint32) {
		img[off] = byte(v)
		img[off+1] = byte(v >> 8)
		img[off+2] = byte(v >> 16)
		img[off+3] = byte(v >> 24)
	}
	putUint32(0, uint32(totalBlocks))
	putUint32(4, bitmapBlocks)
	putUint32(8, inodeBlocks)
	img[12] = 0 // root directory inode 0
	img[13] = 0

	// getNewBlock returns 0 to mean both "block 0" and "exhausted"; a
	// freshly made image must reserve data block 0 so the very first
	// live allocation is never misread as exhaustion, mirroring
	// fs/fs_test.go's newImage.
	img[fs.BlockSize] |= 1

	thr := thread.NewManager()
	fsys, ferr := fs.Mount(thr, ioobj.NewMemIO(img))
	if ferr != errno.Ok {
		return nil, fmt.Errorf("mount freshly built image: %v", ferr)
	}

	for _, path := range paths {
		if err := seedFile(fsys, path); err != nil {
			return nil, err
		}
	}

	if ferr := fsys.Flush(); ferr != errno.Ok {
		return nil, fmt.Errorf("flush: %v", ferr)
	}

	return img, nil
}

func seedFile(fsys *fs.FS, path string) error {
	name := filepath.Base(path)
	if len(name) > fs.MaxNameLen {
		return fmt.Errorf("file name %q longer than %d bytes", name, fs.MaxNameLen)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %v", path, err)
	}

	if ferr := fsys.Create(name); ferr != errno.Ok {
		return fmt.Errorf("create %s: %v", name, ferr)
	}

	io, ferr := fsys.Open(name)
	if ferr != errno.Ok {
		return fmt.Errorf("open %s: %v", name, ferr)
	}
	defer io.Close()

	end := uint64(len(data))
	if _, ferr := io.Cntl(ioobj.CtlSetEnd, &end); ferr != errno.Ok {
		return fmt.Errorf("extend %s to %d bytes: %v", name, end, ferr)
	}

	if _, ferr := ioobj.WriteAll(io, data); ferr != errno.Ok {
		return fmt.Errorf("write %s: %v", name, ferr)
	}

	return nil
}
