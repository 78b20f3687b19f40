package main

import (
	"os"
	"path/filepath"
	"testing"

	"ktkernel/errno"
	"ktkernel/fs"
	"ktkernel/ioobj"
	"ktkernel/thread"
)

func TestParseSize(t *testing.T) {
	cases := map[string]uint64{
		"32M": 32 << 20,
		"512K": 512 << 10,
		"1G": 1 << 30,
		"4096": 4096,
		"1m": 1 << 20,
	}
	for in, want := range cases {
		got, err := parseSize(in)
		if err != nil {
			t.Fatalf("parseSize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	if _, err := parseSize("banana"); err == nil {
		t.Fatal("parseSize(\"banana\") did not error")
	}
}

func TestLayoutReservesInodeAndBitmapBlocks(t *testing.T) {
	bitmapBlocks, inodeBlocks, err := layout(32<<20/fs.BlockSize, 128)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if inodeBlocks != (128*fs.InodeSize+fs.BlockSize-1)/fs.BlockSize {
		t.Fatalf("inodeBlocks = %d, want the exact block count for 128 inodes", inodeBlocks)
	}
	if bitmapBlocks == 0 {
		t.Fatal("bitmapBlocks = 0")
	}
}

func TestLayoutRejectsImageTooSmallForInodes(t *testing.T) {
	if _, _, err := layout(4, 100000); err == nil {
		t.Fatal("layout did not reject an image too small for its inode count")
	}
}

func TestBuildProducesMountableImageWithSeededFiles(t *testing.T) {
	dir := t.TempDir()
	greeting := filepath.Join(dir, "greeting.txt")
	payload := []byte("hello from mkfs")
	if err := os.WriteFile(greeting, payload, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img, err := build(1<<20, 32, []string{greeting})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	thr := thread.NewManager()
	fsys, ferr := fs.Mount(thr, ioobj.NewMemIO(img))
	if ferr != errno.Ok {
		t.Fatalf("Mount built image: %v", ferr)
	}

	io, ferr := fsys.Open("greeting.txt")
	if ferr != errno.Ok {
		t.Fatalf("Open seeded file: %v", ferr)
	}

	got := make([]byte, len(payload))
	if _, ferr := io.ReadAt(0, got); ferr != errno.Ok {
		t.Fatalf("ReadAt: %v", ferr)
	}
	if string(got) != string(payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
}

func TestBuildRejectsNameTooLong(t *testing.T) {
	dir := t.TempDir()
	longName := filepath.Join(dir, "this-name-is-definitely-too-long-for-a-dentry.txt")
	if err := os.WriteFile(longName, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := build(1<<20, 32, []string{longName}); err == nil {
		t.Fatal("build did not reject an over-long file name")
	}
}
