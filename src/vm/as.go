// Package vm implements the paging and virtual-memory manager
// (component D): page tables, the self-map window, TLB invalidation,
// copy-on-write fork, and the page-fault handler. It is grounded on the
// teacher's vm.Vm_t (src/vm/as.go), generalized from the teacher's
// 4-level x86-64 tree to the 32-bit 2-level non-PAE tree this spec
// targets, and from the teacher's multi-type Vmregion_t to the spec's
// simpler fixed heap/stack demand-paging ranges.
package vm

import (
	"sync"

	"onix/src/defs"
	"onix/src/mem"
)

// Kernel/user split: directory index 768 corresponds to virtual address
// 0xC0000000, the traditional x86 split point. Every task's PDE shares
// entries [kernelSplitPDE, PDESELFMAP) read/write, just as the teacher's
// Copy_pde shares the kernel half of the PML4 verbatim.
const kernelSplitPDE = 768

// PDESELFMAP is the last page-directory slot, pointed at the directory
// itself so any PTE is reachable through the self-map window (spec
// §4.1's "self-mapping"). Index 1023 is the final slot.
const PDESELFMAP = 1023

// Fixed user layout. USERHEAPSTART is spec's "kernel_end" for the
// purposes of the demand-paging range [kernel_end, task.brk); the
// stack occupies a fixed window near but below the kernel/user split
// so the two demand-paged regions never collide.
const (
	USERHEAPSTART    = 0x00400000
	USERSTACKNPAGES  = 8
	USERSTACKTOP     = 0x08000000
	USERSTACKBOTTOM  = USERSTACKTOP - USERSTACKNPAGES*mem.PGSIZE
)

/// AddressSpace is a task's address space: its page directory and the
/// physical frame allocator backing it. The mutex serializes every
/// mutation, matching the teacher's Vm_t.Lock_pmap discipline -- page
/// table edits and page-fault handling never run concurrently for a
/// single address space.
type AddressSpace struct {
	sync.Mutex
	Pmap   *mem.Pmap_t
	P_pmap mem.Pa_t
	Phys   *mem.Physmem_t
	isKern bool
}

func didx(va int) int { return (va >> 22) & 0x3ff }
func tidx(va int) int { return (va >> 12) & 0x3ff }

func pageround(va int) int { return va &^ (mem.PGSIZE - 1) }

/// NewKernelAddressSpace builds the initial address space used for
/// kernel-uid tasks. Its directory is the template every user address
/// space's kernel half is copied from.
func NewKernelAddressSpace(phys *mem.Physmem_t) *AddressSpace {
	pa, pt := phys.GetPmap()
	as := &AddressSpace{Pmap: pt, P_pmap: pa, Phys: phys, isKern: true}
	as.Pmap[PDESELFMAP] = pa | mem.PTE_P | mem.PTE_W
	return as
}

/// NewUserAddressSpace allocates a fresh page directory whose kernel
/// half is copied (shared, not cloned) from kern, and whose user half
/// is empty. This is the address space a freshly exec'd/forked task
/// with no parent (e.g. the first user task) starts from.
func NewUserAddressSpace(phys *mem.Physmem_t, kern *AddressSpace) *AddressSpace {
	pa, pt := phys.GetPmap()
	for i := kernelSplitPDE; i < PDESELFMAP; i++ {
		pt[i] = kern.Pmap[i]
	}
	as := &AddressSpace{Pmap: pt, P_pmap: pa, Phys: phys}
	as.Pmap[PDESELFMAP] = pa | mem.PTE_P | mem.PTE_W
	return as
}

// pmapWalk returns a pointer to the PTE for va, allocating the
// intervening page table (via physmem.GetPmap, i.e. Physmem.GetPage
// under the hood) if create is true and the table does not yet exist.
// This is the sole path by which any PTE is read or written, so it
// also doubles as the self-map accessor: walking through as.Pmap[didx]
// to reach the table is exactly what the self-map virtual window
// 0xFFC00000|(didx<<12)|(tidx<<2) resolves to on real hardware.
func (as *AddressSpace) pmapWalk(va int, create bool) (*mem.Pa_t, bool) {
	d := didx(va)
	if d >= kernelSplitPDE && !as.isKern {
		panic("pmapWalk: kernel address in user half")
	}
	pde := &as.Pmap[d]
	if *pde&mem.PTE_P == 0 {
		if !create {
			return nil, false
		}
		pa := as.Phys.GetPage()
		tbl := as.Phys.DmapPmap(pa)
		for i := range tbl {
			tbl[i] = 0
		}
		*pde = pa | mem.PTE_P | mem.PTE_W | mem.PTE_U
	}
	tbl := as.Phys.DmapPmap(*pde & mem.PTE_ADDR)
	return &tbl[tidx(va)], true
}

/// SelfMapPTE resolves the PTE for (didx,tidx) exactly the way the
/// hardware self-map window would: read the directory entry at didx,
/// treat its frame as a page table, and index tidx within it. It
/// exists to let tests verify the self-map invariant (spec §8) against
/// the "normal" path in pmapWalk rather than assuming they agree.
func (as *AddressSpace) SelfMapPTE(didx, tidx int) (mem.Pa_t, bool) {
	pde := as.Pmap[didx]
	if pde&mem.PTE_P == 0 {
		return 0, false
	}
	tbl := as.Phys.DmapPmap(pde & mem.PTE_ADDR)
	return tbl[tidx], true
}

/// LookupPTE returns the current PTE value for va and whether a page
/// table exists for that range (the PTE itself may still be not-present).
func (as *AddressSpace) LookupPTE(va int) (mem.Pa_t, bool) {
	pte, ok := as.pmapWalk(va, false)
	if !ok {
		return 0, false
	}
	return *pte, true
}

/// LinkPage obtains the PTE for vaddr via pmapWalk (creating the page
/// table on demand), allocates a fresh frame, and installs it
/// present|write|user. It is the demand-paging and sys_brk-growth
/// primitive (spec §4.1).
func (as *AddressSpace) LinkPage(vaddr int) defs.Err_t {
	vaddr = pageround(vaddr)
	pte, _ := as.pmapWalk(vaddr, true)
	if *pte&mem.PTE_P != 0 {
		panic("link_page: already mapped")
	}
	pa := as.Phys.GetPage()
	*pte = pa | mem.PTE_P | mem.PTE_W | mem.PTE_U
	as.tlbFlush(vaddr)
	return 0
}

/// UnlinkPage reverses LinkPage: it releases the frame (which only
/// actually frees it once the refcount reaches zero, e.g. under COW)
/// and clears the PTE. It is a no-op, not an error, if nothing was
/// mapped at vaddr, since brk-shrink may run over holes.
func (as *AddressSpace) UnlinkPage(vaddr int) {
	vaddr = pageround(vaddr)
	pte, ok := as.pmapWalk(vaddr, false)
	if !ok || *pte&mem.PTE_P == 0 {
		return
	}
	as.Phys.PutPage(*pte & mem.PTE_ADDR)
	*pte = 0
	as.tlbFlush(vaddr)
}

/// MapPageFixed installs a specific physical address at a specific
/// virtual address with the given flags, used for LAPIC/IOAPIC/NVMe BAR
/// MMIO windows (spec §4.1). The frame is not physmem-managed: MMIO
/// apertures are not RAM and must never be handed back by PutPage.
func (as *AddressSpace) MapPageFixed(va int, pa mem.Pa_t, flags mem.Pa_t) {
	va = pageround(va)
	pte, _ := as.pmapWalk(va, true)
	*pte = (pa &^ mem.PGOFFSET) | flags | mem.PTE_P
	as.tlbFlush(va)
}

// tlbFlush invalidates cached translations for va. This simulation has
// no TLB to invalidate; the hook stays so the sequencing the spec
// requires (edit PTE, then flush, before any other task can observe
// the mapping) is visible at every call site, and so a future port to
// real hardware only needs to fill this one function in.
func (as *AddressSpace) tlbFlush(va int) {
	_ = va
}
