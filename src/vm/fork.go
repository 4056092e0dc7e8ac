package vm

import "onix/src/mem"

// CopyPde implements the fork address-space clone described in spec
// §4.1: the kernel half is shared verbatim; every present user PTE in
// the parent is marked read-only, its frame's refcount bumped, and the
// owning page table (not the underlying data page) is cloned into a
// fresh frame so parent and child can diverge independently after the
// fault handler materializes private copies.
func CopyPde(parent *AddressSpace) *AddressSpace {
	parent.Lock()
	defer parent.Unlock()

	phys := parent.Phys
	pa, pt := phys.GetPmap()
	child := &AddressSpace{Pmap: pt, P_pmap: pa, Phys: phys}

	for i := kernelSplitPDE; i < PDESELFMAP; i++ {
		child.Pmap[i] = parent.Pmap[i]
	}

	for d := 0; d < kernelSplitPDE; d++ {
		pde := parent.Pmap[d]
		if pde&mem.PTE_P == 0 {
			continue
		}
		ptab := phys.DmapPmap(pde & mem.PTE_ADDR)

		clonePa, clone := phys.GetPmap()
		anyPresent := false
		for t := 0; t < 1024; t++ {
			pte := ptab[t]
			if pte&mem.PTE_P == 0 {
				continue
			}
			anyPresent = true
			if pte&mem.PTE_W != 0 {
				pte &^= mem.PTE_W
				ptab[t] = pte
			}
			frame := pte & mem.PTE_ADDR
			phys.Refup(frame)
			clone[t] = pte
		}
		if anyPresent {
			child.Pmap[d] = clonePa | (pde &^ mem.PTE_ADDR)
		} else {
			phys.PutPage(clonePa)
		}
	}

	child.Pmap[PDESELFMAP] = pa | mem.PTE_P | mem.PTE_W
	return child
}

// Uvmfree releases every present user-half mapping (entries below
// kernelSplitPDE) and the page tables
// that held them, then the directory page itself. It is called at task
// exit, after the task has been dequeued from every scheduler list.
func (as *AddressSpace) Uvmfree() {
	as.Lock()
	defer as.Unlock()
	phys := as.Phys
	for d := 0; d < kernelSplitPDE; d++ {
		pde := as.Pmap[d]
		if pde&mem.PTE_P == 0 {
			continue
		}
		ptab := phys.DmapPmap(pde & mem.PTE_ADDR)
		for t := 0; t < 1024; t++ {
			if ptab[t]&mem.PTE_P != 0 {
				phys.PutPage(ptab[t] & mem.PTE_ADDR)
			}
		}
		phys.PutPage(pde & mem.PTE_ADDR)
	}
	phys.PutPage(as.P_pmap)
}
