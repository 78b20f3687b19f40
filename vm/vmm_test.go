package vm

import (
	"testing"

	"ktkernel/config"
	"ktkernel/mem"
)

// newTestManager builds a Manager over a small pool with a trivial boot
// mapping (no MMIO gigapages, no kernel image sections, and an image
// end on the first megapage boundary so no remainder leaves are mapped)
// so tests can exercise per-process mapping without needing
// gigabyte-scale RAM.
func newTestManager(t *testing.T, npages int) *Manager {
	t.Helper()
	base := mem.Pa_t(0x1000)
	pool := mem.NewPool(base, npages)
	boot := BootConfig{
		RAMStart: 0,
		RAMEnd:   0,
		KimgEnd:  megaSize,
	}
	return NewManager(pool, boot)
}

func TestWellFormedAddresses(t *testing.T) {
	// memory.c's wellformed() only ever tests true for addresses below
	// 2^38: its "all ones" branch checks bits+1==0 against a value that
	// a logical right shift by 38 can never actually produce, so it can
	// never fire. Every address this kernel hands to the VMM (physical
	// RAM, the UMEM window) is well under 2^38, so the dead branch is
	// never missed in practice; this test documents that behavior
	// rather than an idealized "sign-extended canonical address" check.
	cases := []struct {
		vma  uintptr
		want bool
	}{
		{0, true},
		{config.UMEMStartVMA, true},
		{uintptr(1) << 37, true},
		{^uintptr(0), false},
		{uintptr(1) << 40, false},
		{uintptr(1) << 62, false},
	}
	for _, c := range cases {
		if got := WellFormed(c.vma); got != c.want {
			t.Errorf("WellFormed(%#x) = %v, want %v", c.vma, got, c.want)
		}
	}
}

func TestMapPageAndReadBack(t *testing.T) {
	m := newTestManager(t, 8)
	pool := m.Pool()

	pp := pool.AllocPages(1)
	copy(pool.Bytes(pp, config.PageSize), []byte("page contents"))

	vma := uintptr(config.UMEMStartVMA)
	m.MapPage(vma, pp, PTE_U|PTE_R|PTE_W)

	pte := m.walkPte(m.ActiveMspace(), vma)
	if !pte.valid() {
		t.Fatal("mapped page not valid after MapPage")
	}
	if pte.pageptr() != pp {
		t.Fatalf("walkPte pageptr = %#x, want %#x", pte.pageptr(), pp)
	}
}

func TestHandleUmodePageFaultLazilyAllocates(t *testing.T) {
	m := newTestManager(t, 8)
	vma := uintptr(config.UMEMStartVMA)

	if ok := m.HandleUmodePageFault(vma + 17); !ok {
		t.Fatal("HandleUmodePageFault returned false for a legal fault")
	}

	pte := m.walkPte(m.ActiveMspace(), vma)
	if !pte.valid() {
		t.Fatal("page fault did not install a mapping")
	}

	buf := m.Pool().Bytes(pte.pageptr(), config.PageSize)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("lazily faulted page not zeroed at offset %d", i)
		}
	}

	// A second fault on an already-mapped page is fatal.
	if ok := m.HandleUmodePageFault(vma); ok {
		t.Fatal("HandleUmodePageFault returned true for an already-mapped page")
	}

	// An address outside the user window is always fatal.
	if ok := m.HandleUmodePageFault(0); ok {
		t.Fatal("HandleUmodePageFault returned true for a kernel address")
	}
}

func TestValidateVptrLen(t *testing.T) {
	m := newTestManager(t, 8)
	vma := uintptr(config.UMEMStartVMA)
	m.AllocAndMapRange(vma, config.PageSize, PTE_U|PTE_R)

	if err := m.ValidateVptrLen(vma, config.PageSize, PTE_U|PTE_R); err != 0 {
		t.Fatalf("ValidateVptrLen with matching flags = %v, want Ok", err)
	}
	if err := m.ValidateVptrLen(vma, config.PageSize, PTE_U|PTE_W); err == 0 {
		t.Fatal("ValidateVptrLen with missing write flag should fail")
	}
	if err := m.ValidateVptrLen(vma+config.PageSize, config.PageSize, PTE_U|PTE_R); err == 0 {
		t.Fatal("ValidateVptrLen on unmapped page should fail")
	}
}

func TestUnmapAndFreeRangeReturnsPages(t *testing.T) {
	m := newTestManager(t, 8)
	pool := m.Pool()
	before := pool.FreePageCount()

	// Mapping the first page also allocates the pt1 and pt0 tables that
	// cover vma; UnmapAndFreeRange frees only the leaf pages, so those
	// two tables stay allocated.
	const tables = 2
	vma := uintptr(config.UMEMStartVMA)
	m.AllocAndMapRange(vma, 3*config.PageSize, PTE_U|PTE_R|PTE_W)
	if got := pool.FreePageCount(); got != before-3-tables {
		t.Fatalf("FreePageCount after alloc = %d, want %d", got, before-3-tables)
	}

	m.UnmapAndFreeRange(vma, 3*config.PageSize)
	if got := pool.FreePageCount(); got != before-tables {
		t.Fatalf("FreePageCount after unmap = %d, want %d", got, before-tables)
	}

	pte := m.walkPte(m.ActiveMspace(), vma)
	if pte.valid() {
		t.Fatal("page still valid after UnmapAndFreeRange")
	}
}

func TestCloneActiveMspaceCopiesBytesIndependently(t *testing.T) {
	m := newTestManager(t, 64)
	vma := uintptr(config.UMEMStartVMA)
	m.AllocAndMapRange(vma, config.PageSize, PTE_U|PTE_R|PTE_W)

	ogPte := m.walkPte(m.ActiveMspace(), vma)
	copy(m.Pool().Bytes(ogPte.pageptr(), config.PageSize), []byte("original contents"))

	clone := m.CloneActiveMspace()

	clonePte := m.walkPte(clone, vma)
	if !clonePte.valid() {
		t.Fatal("clone did not map the source's user page")
	}
	if clonePte.pageptr() == ogPte.pageptr() {
		t.Fatal("clone shares the same physical page as the source")
	}

	ogBytes := m.Pool().Bytes(ogPte.pageptr(), 18)
	cloneBytes := m.Pool().Bytes(clonePte.pageptr(), 18)
	if string(ogBytes) != string(cloneBytes) {
		t.Fatalf("clone bytes = %q, want %q", cloneBytes, ogBytes)
	}

	// Mutating the clone's copy must not affect the original.
	copy(m.Pool().Bytes(clonePte.pageptr(), config.PageSize), []byte("clone mutation!!!!"))
	ogBytes = m.Pool().Bytes(ogPte.pageptr(), len("original contents"))
	if string(ogBytes) != "original contents" {
		t.Fatal("mutating clone's page mutated the source's page")
	}
}

func TestDiscardActiveMspaceReturnsToMain(t *testing.T) {
	m := newTestManager(t, 64)
	main := m.MainMtag()

	vma := uintptr(config.UMEMStartVMA)
	m.AllocAndMapRange(vma, config.PageSize, PTE_U|PTE_R|PTE_W)
	clone := m.CloneActiveMspace()
	m.SwitchMspace(clone)

	before := m.Pool().FreePageCount()
	got := m.DiscardActiveMspace()
	if got != main {
		t.Fatalf("DiscardActiveMspace returned %#x, want main %#x", got, main)
	}
	if m.ActiveMspace() != main {
		t.Fatalf("ActiveMspace() = %#x after discard, want main %#x", m.ActiveMspace(), main)
	}
	if after := m.Pool().FreePageCount(); after <= before {
		t.Fatalf("discard did not free the clone's user pages: before=%d after=%d", before, after)
	}
}
