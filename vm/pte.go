// Package vm implements the virtual memory manager (VMM): Sv39-style
// three level page tables built on top of the physical page pool in
// package mem, boot mapping of the kernel's own address space, and
// per-process address spaces with lazy fault-driven allocation.
//
// Grounded on memory.c's struct pte, VPN2/VPN1/VPN0 macros, and the
// leaf_pte/ptab_pte/null_pte constructors, and on biscuit's page-table
// bit twiddling in src/vm/pmap.go, which favors the same kind of
// integer-flag PTE representation over a struct-of-bools.
package vm

import (
	"encoding/binary"

	"ktkernel/config"
	"ktkernel/mem"
)

// Pte is a page table entry, laid out the same way as memory.c's
// struct pte: an 8 bit flags field, a 2 bit reserved-for-software
// field, a 44 bit physical page number, and reserved/pbmt/n bits above
// it that this kernel never sets.
type Pte uint64

// Flag bits, matching the index column of memory.c's PTE flag table.
const (
	PTE_V Pte = 1 << 0 // valid
	PTE_R Pte = 1 << 1 // readable
	PTE_W Pte = 1 << 2 // writable
	PTE_X Pte = 1 << 3 // executable
	PTE_U Pte = 1 << 4 // accessible in user mode
	PTE_G Pte = 1 << 5 // present in every address space
	PTE_A Pte = 1 << 6 // accessed
	PTE_D Pte = 1 << 7 // dirty

	pteFlagsMask Pte = 0xff
	pteMagic         = 10 // ppn field starts at bit 10, same shift memory.c gets from the bitfield layout
)

// PageTableEntries is the number of entries in one level of page table:
// one page's worth of 8 byte entries.
const PageTableEntries = config.PageSize / 8

func nullPte() Pte { return 0 }

func leafPte(pp mem.Pa_t, rwxugFlags Pte) Pte {
	return Pte(pp>>config.PageOrder)<<pteMagic | (rwxugFlags & (PTE_R | PTE_W | PTE_X | PTE_U)) | PTE_A | PTE_D | PTE_V
}

func ptabPte(pt mem.Pa_t, gFlag Pte) Pte {
	return Pte(pt>>config.PageOrder)<<pteMagic | (gFlag & PTE_G) | PTE_V
}

func (p Pte) valid() bool  { return p&PTE_V != 0 }
func (p Pte) global() bool { return p&PTE_G != 0 }
func (p Pte) leaf() bool   { return p&(PTE_R|PTE_W|PTE_X) != 0 }
func (p Pte) flags() Pte   { return p & pteFlagsMask }

func (p Pte) pageptr() mem.Pa_t {
	return mem.Pa_t((uint64(p) >> pteMagic) << config.PageOrder)
}

// WellFormed reports whether bits 63:38 of vma are all zero, matching
// memory.c's wellformed(). Its all-ones test compares bits+1 against
// zero after a logical shift that leaves at most 26 bits set, so it
// never holds: sign-extended upper-half addresses report false.
func WellFormed(vma uintptr) bool {
	bits := vma >> 38
	return bits == 0 || bits+1 == 0
}

func vpn(vma uintptr) uintptr { return vma / config.PageSize }
func vpn2(vma uintptr) uintptr {
	return (vpn(vma) >> (2 * 9)) % PageTableEntries
}
func vpn1(vma uintptr) uintptr {
	return (vpn(vma) >> (1 * 9)) % PageTableEntries
}
func vpn0(vma uintptr) uintptr {
	return (vpn(vma) >> (0 * 9)) % PageTableEntries
}

// readPte and writePte access one slot of a page table page stored in
// the physical page pool, treating the page as an array of little
// endian uint64 entries the way the RISC-V Sv39 MMU would read it.
func readPte(pool *mem.Pool, table mem.Pa_t, idx uintptr) Pte {
	b := pool.Bytes(table, config.PageSize)
	return Pte(binary.LittleEndian.Uint64(b[idx*8 : idx*8+8]))
}

func writePte(pool *mem.Pool, table mem.Pa_t, idx uintptr, pte Pte) {
	b := pool.Bytes(table, config.PageSize)
	binary.LittleEndian.PutUint64(b[idx*8:idx*8+8], uint64(pte))
}

func zeroPage(pool *mem.Pool, pa mem.Pa_t) {
	b := pool.Bytes(pa, config.PageSize)
	for i := range b {
		b[i] = 0
	}
}
