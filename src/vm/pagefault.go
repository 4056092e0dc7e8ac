package vm

import (
	"onix/src/defs"
	"onix/src/mem"
)

// demandRange reports whether va falls inside one of the two ranges the
// spec allows demand-paging to satisfy an absent-page fault for:
// [kernel_end, brk) or the fixed user stack window.
func demandRange(va, brk int) bool {
	if va >= USERHEAPSTART && va < brk {
		return true
	}
	if va >= USERSTACKBOTTOM && va < USERSTACKTOP {
		return true
	}
	return false
}

/// HandleFault resolves a page fault at faultVA for an address space
/// whose current heap top is brk. It implements the three required
/// outcomes from spec §4.1: present+write → copy-on-write, absent but
/// within a demand-paged range → link a fresh page, anything else is
/// fatal (spec §9: "some fault paths call panic for cases that could
/// plausibly be recovered... the spec treats these as fatal by
/// contract").
func (as *AddressSpace) HandleFault(faultVA int, iswrite bool, brk int) defs.Err_t {
	as.Lock()
	defer as.Unlock()

	va := pageround(faultVA)
	pte, ok := as.pmapWalk(va, false)
	present := ok && pte != nil && *pte&mem.PTE_P != 0

	if present {
		if !iswrite {
			// a present page faulted on a read: only possible if the
			// CPU reported a protection fault we don't model (e.g.
			// supervisor access to a user page); nothing recoverable.
			panic("read fault on present page")
		}
		if *pte&mem.PTE_W != 0 {
			// another thread already resolved this race; nothing to do.
			return 0
		}
		return as.resolveCOW(pte)
	}

	if !demandRange(va, brk) {
		panic("page fault outside heap/stack range")
	}
	pa := as.Phys.GetPage()
	bp := as.Phys.Dmap(pa)
	for i := range bp {
		bp[i] = 0
	}
	npte, _ := as.pmapWalk(va, true)
	*npte = pa | mem.PTE_P | mem.PTE_W | mem.PTE_U
	as.tlbFlush(va)
	return 0
}

// resolveCOW implements the present+write-fault branch: claim the page
// outright if this mapping is the sole owner, otherwise copy it.
func (as *AddressSpace) resolveCOW(pte *mem.Pa_t) defs.Err_t {
	frame := *pte & mem.PTE_ADDR
	flags := *pte &^ mem.PTE_ADDR
	if as.Phys.Refcnt(frame) == 1 {
		*pte = frame | flags | mem.PTE_W
		return 0
	}
	newpa, newbp := as.Phys.GetZeroedPage()
	oldbp := as.Phys.Dmap(frame)
	copy(newbp[:], oldbp[:])
	as.Phys.PutPage(frame)
	*pte = newpa | flags | mem.PTE_W
	return 0
}
