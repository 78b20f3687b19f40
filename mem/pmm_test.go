package mem

import "testing"

func TestAllocFillsEntirePool(t *testing.T) {
	p := NewPool(0, 4)
	if got := p.FreePageCount(); got != 4 {
		t.Fatalf("FreePageCount() = %d, want 4", got)
	}

	pa := p.AllocPages(4)
	if pa != p.Base() {
		t.Fatalf("AllocPages(4) = %#x, want base %#x", pa, p.Base())
	}
	if got := p.FreePageCount(); got != 0 {
		t.Fatalf("FreePageCount() after full alloc = %d, want 0", got)
	}
}

func TestAllocSplitsFromHighEnd(t *testing.T) {
	p := NewPool(0, 4)

	pa := p.AllocPages(1)

	// A single-page allocation out of a 4-page pool must come from the
	// top of the chunk, leaving the low 3 pages still free and
	// allocatable as one run.
	if pa != p.Base()+3*4096 {
		t.Fatalf("AllocPages(1) = %#x, want %#x", pa, p.Base()+3*4096)
	}
	if got := p.FreePageCount(); got != 3 {
		t.Fatalf("FreePageCount() = %d, want 3", got)
	}

	pa2 := p.AllocPages(3)
	if pa2 != p.Base() {
		t.Fatalf("AllocPages(3) = %#x, want base %#x", pa2, p.Base())
	}
}

func TestFreeCoalescesAdjacentChunks(t *testing.T) {
	p := NewPool(0, 4)

	a := p.AllocPages(1)
	b := p.AllocPages(1)
	c := p.AllocPages(1)
	d := p.AllocPages(1)

	if got := p.FreePageCount(); got != 0 {
		t.Fatalf("FreePageCount() = %d, want 0", got)
	}

	// Free out of address order; the pool must still coalesce all four
	// one-page runs back into a single four-page chunk.
	p.FreePages(c, 1)
	p.FreePages(a, 1)
	p.FreePages(d, 1)
	p.FreePages(b, 1)

	if got := p.FreePageCount(); got != 4 {
		t.Fatalf("FreePageCount() after freeing all = %d, want 4", got)
	}

	whole := p.AllocPages(4)
	if whole != p.Base() {
		t.Fatalf("AllocPages(4) after coalesce = %#x, want base %#x", whole, p.Base())
	}
}

func TestBestFitPrefersSmallestSufficientChunk(t *testing.T) {
	p := NewPool(0, 12)

	// Carve the pool into three free chunks of size 2, 3 and 5 pages by
	// allocating everything and freeing only those runs, keeping pages 2
	// and 6 allocated so the free list holds separated runs rather than
	// one coalesced span.
	whole := p.AllocPages(12)
	p.FreePages(whole, 2)                 // chunk A: [0,2)
	p.FreePages(whole+3*4096, 3)          // chunk B: [3,6)
	p.FreePages(whole+7*4096, 5)          // chunk C: [7,12)

	if got := p.FreePageCount(); got != 10 {
		t.Fatalf("FreePageCount() = %d, want 10", got)
	}

	// A request for 3 pages should take the exact-size chunk B rather
	// than splitting the larger chunk C.
	got := p.AllocPages(3)
	if got != whole+3*4096 {
		t.Fatalf("AllocPages(3) = %#x, want chunk B at %#x", got, whole+3*4096)
	}
}

func TestAllocOutOfMemoryPanics(t *testing.T) {
	p := NewPool(0, 2)
	p.AllocPages(2)

	defer func() {
		if recover() == nil {
			t.Fatal("AllocPages beyond capacity did not panic")
		}
	}()
	p.AllocPages(1)
}

func TestBytesRoundTrip(t *testing.T) {
	p := NewPool(0, 1)
	pa := p.AllocPages(1)

	buf := p.Bytes(pa, 4096)
	copy(buf, []byte("hello, kernel"))

	again := p.Bytes(pa, 13)
	if string(again) != "hello, kernel" {
		t.Fatalf("Bytes round trip = %q, want %q", again, "hello, kernel")
	}
}
