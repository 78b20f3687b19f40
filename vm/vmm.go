package vm

import (
	"ktkernel/config"
	"ktkernel/errno"
	"ktkernel/klog"
	"ktkernel/mem"
)

// Mtag_t identifies an address space: the physical address of its root
// (level 2) page table page. Real Sv39 packs this together with a
// paging mode and an ASID into the satp register; this rewrite only
// ever runs one address space active at a time (see the single-hart
// assumption in the Concurrency section this kernel follows), so the
// root address alone is all a caller needs.
type Mtag_t mem.Pa_t

const (
	megaSize = mem.Pa_t(PageTableEntries) * config.PageSize
	gigaSize = mem.Pa_t(PageTableEntries) * megaSize
)

// ImageSection describes one contiguously-permissioned region of the
// kernel image (text, rodata, data+bss) to be mapped as individual
// 4 KiB global leaves, matching memory_init's per-section loops.
type ImageSection struct {
	Start, End mem.Pa_t
	Flags      Pte
}

// Manager owns the physical page pool backing every address space it
// creates, plus the one main/kernel address space every process's
// clone starts from.
type Manager struct {
	pool     *mem.Pool
	mainMtag Mtag_t
	active   Mtag_t
}

// BootConfig describes the boundaries memory_init() uses to build the
// kernel's own address space: everything below RAMStart is treated as
// identity-mapped MMIO and mapped in 1 GiB gigapages, RAMStart..KimgEnd
// is the kernel image (mapped 4 KiB at a time per Sections), and the
// rest of RAM up to RAMEnd is mapped in 2 MiB megapages.
type BootConfig struct {
	RAMStart mem.Pa_t
	RAMEnd   mem.Pa_t
	KimgEnd  mem.Pa_t
	Sections []ImageSection
}

// NewManager builds the kernel's main address space over pool according
// to boot, following memory_init's boot mapping geometry exactly:
// MMIO gigapages, image sections as 4 KiB global leaves, the remainder
// of the image's containing megapage as RW 4 KiB leaves, and the rest
// of RAM in RW megapages.
func NewManager(pool *mem.Pool, boot BootConfig) *Manager {
	root := pool.AllocPages(1)
	zeroPage(pool, root)

	m := &Manager{pool: pool}
	m.mainMtag = Mtag_t(root)
	m.active = m.mainMtag

	for pma := mem.Pa_t(0); pma < boot.RAMStart; pma += gigaSize {
		writePte(pool, root, vpn2(uintptr(pma)), leafPte(pma, PTE_R|PTE_W|PTE_G))
	}

	for _, sec := range boot.Sections {
		for pp := sec.Start; pp < sec.End; pp += config.PageSize {
			m.mapGlobalLeaf(root, pp, pp, sec.Flags|PTE_G)
		}
	}

	megaEnd := boot.RAMStart + megaSize
	lastSectionEnd := boot.KimgEnd
	for pp := lastSectionEnd; pp < megaEnd; pp += config.PageSize {
		m.mapGlobalLeaf(root, pp, pp, PTE_R|PTE_W|PTE_G)
	}

	for pp := megaEnd; pp < boot.RAMEnd; pp += megaSize {
		pt1 := m.ensurePt1(root, pp, true)
		writePte(pool, pt1, vpn1(uintptr(pp)), leafPte(pp, PTE_R|PTE_W|PTE_G))
	}

	klog.Trace("vm: main address space built, root=%#x", root)
	return m
}

// mapGlobalLeaf installs a 4 KiB global leaf during boot mapping,
// allocating the pt1/pt0 subtables it needs along the way. Distinct
// from the general walkAndAlloc path because boot leaves are global
// (their pt1/pt0 tables must also be shared, unlike per-process leaves).
func (m *Manager) mapGlobalLeaf(root mem.Pa_t, vma, pa mem.Pa_t, flags Pte) {
	pt1 := m.ensurePt1(root, vma, true)
	pt0 := m.ensurePt0(pt1, vma, true)
	writePte(m.pool, pt0, vpn0(uintptr(vma)), leafPte(pa, flags))
}

func (m *Manager) ensurePt1(root mem.Pa_t, vma mem.Pa_t, global bool) mem.Pa_t {
	idx := vpn2(uintptr(vma))
	pte := readPte(m.pool, root, idx)
	if !pte.valid() {
		pt1 := m.pool.AllocPages(1)
		zeroPage(m.pool, pt1)
		g := Pte(0)
		if global {
			g = PTE_G
		}
		writePte(m.pool, root, idx, ptabPte(pt1, g))
		return pt1
	}
	return pte.pageptr()
}

func (m *Manager) ensurePt0(pt1 mem.Pa_t, vma mem.Pa_t, global bool) mem.Pa_t {
	idx := vpn1(uintptr(vma))
	pte := readPte(m.pool, pt1, idx)
	if !pte.valid() {
		pt0 := m.pool.AllocPages(1)
		zeroPage(m.pool, pt0)
		g := Pte(0)
		if global {
			g = PTE_G
		}
		writePte(m.pool, pt1, idx, ptabPte(pt0, g))
		return pt0
	}
	return pte.pageptr()
}

// MainMtag returns the kernel's own address space tag.
func (m *Manager) MainMtag() Mtag_t { return m.mainMtag }

// ActiveMspace returns the currently active address space tag,
// matching active_mspace()/active_space_mtag().
func (m *Manager) ActiveMspace() Mtag_t { return m.active }

// SwitchMspace makes mtag the active address space and returns the
// previous one, matching switch_mspace()'s satp write.
func (m *Manager) SwitchMspace(mtag Mtag_t) Mtag_t {
	prev := m.active
	m.active = mtag
	return prev
}

// walkSlot locates the pt0 table and index that would hold vma's leaf
// PTE in mspace, without allocating missing intermediate tables,
// matching walk_pte(). ok is false if any level of the walk is not
// present, in which case pte is the null PTE.
func (m *Manager) walkSlot(mspace Mtag_t, vma uintptr) (pt0 mem.Pa_t, idx uintptr, pte Pte, ok bool) {
	if !WellFormed(vma) {
		panic("vm: walk of ill-formed address")
	}
	if vma%config.PageSize != 0 {
		panic("vm: walk of unaligned address")
	}

	pt2 := mem.Pa_t(mspace)
	pte2 := readPte(m.pool, pt2, vpn2(vma))
	if !pte2.valid() {
		return 0, 0, nullPte(), false
	}
	pt1 := pte2.pageptr()
	pte1 := readPte(m.pool, pt1, vpn1(vma))
	if !pte1.valid() {
		return 0, 0, nullPte(), false
	}
	pt0 = pte1.pageptr()
	idx = vpn0(vma)
	return pt0, idx, readPte(m.pool, pt0, idx), true
}

// walkPte returns the PTE for vma in mspace, matching walk_pte(). It
// returns the null PTE (Pte(0)) if any level of the walk is not
// present.
func (m *Manager) walkPte(mspace Mtag_t, vma uintptr) Pte {
	_, _, pte, _ := m.walkSlot(mspace, vma)
	return pte
}

// writeLeafPte stores pte into the pt0 slot for vma, allocating pt1/pt0
// subtables as needed, matching walk_and_alloc_pte followed by an
// assignment to *pte.
func (m *Manager) writeLeafPte(mspace Mtag_t, vma uintptr, pte Pte) {
	if !WellFormed(vma) {
		panic("vm: walk of ill-formed address")
	}
	if vma%config.PageSize != 0 {
		panic("vm: walk of unaligned address")
	}

	root := mem.Pa_t(mspace)
	pt1 := m.ensurePt1(root, mem.Pa_t(vma), false)
	pt0 := m.ensurePt0(pt1, mem.Pa_t(vma), false)
	writePte(m.pool, pt0, vpn0(vma), pte)
}

// MapPage maps a single 4 KiB page at vma to physical page pp in the
// active address space, matching map_page().
func (m *Manager) MapPage(vma uintptr, pp mem.Pa_t, rwxugFlags Pte) {
	klog.Trace("vm: map_page(vma=%#x, pp=%#x, flags=%#x)", vma, pp, rwxugFlags)
	m.writeLeafPte(m.active, vma, leafPte(pp, rwxugFlags))
}

// MapRange maps size bytes (rounded up to a page) of contiguous
// physical memory starting at pp into vma, matching map_range().
func (m *Manager) MapRange(vma uintptr, size int, pp mem.Pa_t, rwxugFlags Pte) {
	size = roundUp(size, config.PageSize)
	for off := 0; off < size; off += config.PageSize {
		m.MapPage(vma+uintptr(off), pp+mem.Pa_t(off), rwxugFlags)
	}
}

// AllocAndMapRange allocates fresh, zeroed physical pages and maps them
// across vma..vma+size in the active address space, matching
// alloc_and_map_range().
func (m *Manager) AllocAndMapRange(vma uintptr, size int, rwxugFlags Pte) {
	size = roundUp(size, config.PageSize)
	for v := vma; v < vma+uintptr(size); v += config.PageSize {
		pp := m.pool.AllocPages(1)
		zeroPage(m.pool, pp)
		m.MapPage(v, pp, rwxugFlags)
	}
}

// SetRangeFlags updates the permission flags of every valid, non-global
// leaf covering vp..vp+size in the active address space, matching
// set_range_flags().
func (m *Manager) SetRangeFlags(vp uintptr, size int, rwxugFlags Pte) {
	if vp%config.PageSize != 0 {
		panic("vm: SetRangeFlags: unaligned address")
	}
	size = roundUp(size, config.PageSize)

	for vma := vp; vma < vp+uintptr(size); vma += config.PageSize {
		pt0, idx, pte, ok := m.walkSlot(m.active, vma)
		if ok && pte.valid() && !pte.global() {
			newPte := (pte &^ pteFlagsMask) | (rwxugFlags & (PTE_R | PTE_W | PTE_X | PTE_U)) | PTE_A | PTE_D | PTE_V
			writePte(m.pool, pt0, idx, newPte)
		}
	}
}

// UnmapAndFreeRange unmaps and frees every valid, non-global leaf
// covering vp..vp+size in the active address space, matching
// unmap_and_free_range().
func (m *Manager) UnmapAndFreeRange(vp uintptr, size int) {
	if vp%config.PageSize != 0 {
		panic("vm: UnmapAndFreeRange: unaligned address")
	}
	size = roundUp(size, config.PageSize)

	for vma := vp; vma < vp+uintptr(size); vma += config.PageSize {
		pt0, idx, pte, ok := m.walkSlot(m.active, vma)
		if ok && pte.valid() && !pte.global() {
			m.pool.FreePages(pte.pageptr(), 1)
			writePte(m.pool, pt0, idx, nullPte())
		}
	}
}

// CloneActiveMspace copies every global PTE (shallow) and deep-copies
// every valid non-global user leaf, along with its backing page, from
// the active address space into a freshly allocated one, matching
// clone_active_mspace().
func (m *Manager) CloneActiveMspace() Mtag_t {
	ogRoot := mem.Pa_t(m.active)
	cloneRoot := m.pool.AllocPages(1)
	zeroPage(m.pool, cloneRoot)

	for i := uintptr(0); i < PageTableEntries; i++ {
		pte := readPte(m.pool, ogRoot, i)
		if pte.valid() && pte.global() {
			writePte(m.pool, cloneRoot, i, pte)
		}
	}

	cloneMtag := Mtag_t(cloneRoot)

	for vma := config.UMEMStartVMA; vma < config.UMEMEndVMA; vma += config.PageSize {
		ogPte := m.walkPte(m.active, uintptr(vma))
		if !ogPte.valid() || ogPte.global() {
			continue
		}

		ogPp := ogPte.pageptr()
		clonePp := m.pool.AllocPages(1)
		copy(m.pool.Bytes(clonePp, config.PageSize), m.pool.Bytes(ogPp, config.PageSize))

		m.writeLeafPte(cloneMtag, uintptr(vma), leafPte(clonePp, ogPte.flags()))
	}

	klog.Trace("vm: clone_active_mspace -> %#x", cloneRoot)
	return cloneMtag
}

// ResetActiveMspace unmaps and frees all non-global pages from the
// active address space, matching reset_active_mspace().
func (m *Manager) ResetActiveMspace() {
	m.UnmapAndFreeRange(config.UMEMStartVMA, config.UMEMEndVMA-config.UMEMStartVMA)
}

// DiscardActiveMspace resets the active address space and switches back
// to the kernel's main one, matching discard_active_mspace().
func (m *Manager) DiscardActiveMspace() Mtag_t {
	m.ResetActiveMspace()
	m.SwitchMspace(m.mainMtag)
	return m.mainMtag
}

// HandleUmodePageFault services a user-mode page fault at vma: if the
// address already has a valid mapping the fault is fatal (permissions
// or a real bug), otherwise a fresh zeroed page is lazily allocated and
// mapped RWU, matching handle_umode_page_fault(). Returns true if the
// faulting instruction should be restarted.
func (m *Manager) HandleUmodePageFault(vma uintptr) bool {
	if vma < config.UMEMStartVMA || vma >= config.UMEMEndVMA {
		klog.Debug("vm: fault outside user space: vma=%#x", vma)
		return false
	}

	vma = uintptr(mem.PageOf(mem.Pa_t(vma)))
	pte := m.walkPte(m.active, vma)
	if pte.valid() {
		klog.Debug("vm: fault on already-mapped page: vma=%#x", vma)
		return false
	}

	m.AllocAndMapRange(vma, config.PageSize, PTE_U|PTE_R|PTE_W)
	return true
}

// ValidateVptrLen checks that every page covering vp..vp+len is valid
// and carries every flag in rwxugFlags, matching memory_validate_vptr_len.
func (m *Manager) ValidateVptrLen(vp uintptr, length int, rwxugFlags Pte) errno.Err_t {
	vma := uintptr(mem.PageOf(mem.Pa_t(vp)))
	for offset := 0; offset < length; offset += config.PageSize {
		pte := m.walkPte(m.active, vma+uintptr(offset))
		if !pte.valid() || pte.flags()&rwxugFlags != rwxugFlags {
			return errno.EACCESS
		}
	}
	return errno.Ok
}

// ValidateVstr checks that every page backing the NUL-terminated string
// at vp carries every flag in ugFlags, matching memory_validate_vstr.
// It takes the string's maximum scan length because this rewrite has no
// notion of raw pointers to walk byte by byte across page boundaries;
// callers resolve the string length from the byte contents once
// validation succeeds.
func (m *Manager) ValidateVstr(vp uintptr, maxlen int, ugFlags Pte) errno.Err_t {
	vma := uintptr(mem.PageOf(mem.Pa_t(vp)))
	pte := m.walkPte(m.active, vma)
	if !pte.valid() || pte.flags()&ugFlags != ugFlags {
		return errno.EACCESS
	}

	for offset := config.PageSize; vma+uintptr(offset) < vp+uintptr(maxlen); offset += config.PageSize {
		next := vma + uintptr(offset)
		pte = m.walkPte(m.active, next)
		if !pte.valid() || pte.flags()&ugFlags != ugFlags {
			return errno.EACCESS
		}
	}
	return errno.Ok
}

// Pool returns the physical page pool backing this manager, for
// callers (the filesystem, the cache) that need direct byte access to
// pages they hold by physical address.
func (m *Manager) Pool() *mem.Pool { return m.pool }

// CopyOut copies src into the active address space starting at user
// virtual address vp, one page at a time. The original never needs
// this: real hardware translates a user pointer on every access, so
// kprintf/memcpy against a validated pointer just works. This rewrite
// keeps user memory inside the same simulated arena as everything
// else, addressed only through the page table, so the syscall layer
// needs an explicit copy-out the way a real kernel's copyout() does.
// Callers must validate vp first with ValidateVptrLen/ValidateVstr.
func (m *Manager) CopyOut(vp uintptr, src []byte) {
	off := 0
	for off < len(src) {
		page := uintptr(mem.PageOf(mem.Pa_t(vp + uintptr(off))))
		pageOff := int(vp+uintptr(off)) - int(page)
		pte := m.walkPte(m.active, page)
		if !pte.valid() {
			panic("vm: CopyOut of unmapped page")
		}
		n := config.PageSize - pageOff
		if n > len(src)-off {
			n = len(src) - off
		}
		copy(m.pool.Bytes(pte.pageptr(), config.PageSize)[pageOff:pageOff+n], src[off:off+n])
		off += n
	}
}

// CopyIn is CopyOut's mirror image: it fills dst from the active
// address space starting at user virtual address vp.
func (m *Manager) CopyIn(dst []byte, vp uintptr) {
	off := 0
	for off < len(dst) {
		page := uintptr(mem.PageOf(mem.Pa_t(vp + uintptr(off))))
		pageOff := int(vp+uintptr(off)) - int(page)
		pte := m.walkPte(m.active, page)
		if !pte.valid() {
			panic("vm: CopyIn of unmapped page")
		}
		n := config.PageSize - pageOff
		if n > len(dst)-off {
			n = len(dst) - off
		}
		copy(dst[off:off+n], m.pool.Bytes(pte.pageptr(), config.PageSize)[pageOff:pageOff+n])
		off += n
	}
}

func roundUp(n, mult int) int {
	return (n + mult - 1) &^ (mult - 1)
}
