package vm

import (
	"onix/src/defs"
	"onix/src/mem"
)

// AdjustBrk implements sys_brk's address-space half: shrinking eagerly
// unmaps every page in [newbrk, oldbrk); growing only validates that
// the request is page-aligned and fits within the free frame count --
// the new pages themselves are left for the page-fault handler to
// demand-page in, per spec §4.1.
func (as *AddressSpace) AdjustBrk(oldbrk, newbrk int) (int, defs.Err_t) {
	if newbrk < USERHEAPSTART {
		return oldbrk, defs.EINVAL
	}
	if newbrk%4096 != 0 {
		return oldbrk, defs.EINVAL
	}
	if newbrk == oldbrk {
		return oldbrk, 0
	}
	if newbrk < oldbrk {
		as.Lock()
		for va := newbrk; va < oldbrk; va += 4096 {
			as.unlinkLocked(va)
		}
		as.Unlock()
		return newbrk, 0
	}
	grow := (newbrk - oldbrk) / 4096
	if grow > as.Phys.FreePages() {
		return oldbrk, defs.ENOMEM
	}
	return newbrk, 0
}

// unlinkLocked is UnlinkPage's body for callers that already hold the
// address-space lock (AdjustBrk shrinks a whole range under one lock
// rather than re-acquiring it per page).
func (as *AddressSpace) unlinkLocked(vaddr int) {
	vaddr = pageround(vaddr)
	pte, ok := as.pmapWalk(vaddr, false)
	if !ok || *pte&mem.PTE_P == 0 {
		return
	}
	as.Phys.PutPage(*pte & mem.PTE_ADDR)
	*pte = 0
}
