package mem

import "unsafe"

// Bytepg_t is a page viewed as a flat byte array, mirroring the
// teacher's Bytepg_t/Pg2bytes split between typed and raw page views.
type Bytepg_t [PGSIZE]uint8

// ram is the backing store for every frame this allocator manages. A
// physical address is simply an offset into it (relative to startn's
// page), which lets Dmap stand in for the MMU's identity/direct-map
// window without needing to run on real iron.
func (pm *Physmem_t) ramOffset(pa Pa_t) int {
	idx := pm.pgn(pa) - pm.startn
	if int(idx) >= len(pm.Pgs) {
		panic("dmap: address outside managed region")
	}
	return int(idx) * PGSIZE
}

func (pm *Physmem_t) ensureRAM() {
	if pm.ram == nil {
		pm.ram = make([]byte, len(pm.Pgs)*PGSIZE)
	}
}

/// Dmap returns a byte-page view of the frame at pa. Writes through the
/// returned pointer are visible to every other Dmap/DmapPmap call for
/// the same physical address, exactly as a direct-mapped kernel window
/// would behave.
func (pm *Physmem_t) Dmap(pa Pa_t) *Bytepg_t {
	pm.Lock()
	pm.ensureRAM()
	off := pm.ramOffset(pa)
	pm.Unlock()
	return (*Bytepg_t)(unsafe.Pointer(&pm.ram[off]))
}

/// DmapRange returns a flat byte view spanning n physically contiguous
/// frames starting at pa, the multi-page counterpart of Dmap used by
/// the heap's large-object path.
func (pm *Physmem_t) DmapRange(pa Pa_t, n int) []byte {
	pm.Lock()
	pm.ensureRAM()
	off := pm.ramOffset(pa)
	pm.Unlock()
	return pm.ram[off : off+n*PGSIZE]
}

/// DmapPmap returns a page-table view of the frame at pa.
func (pm *Physmem_t) DmapPmap(pa Pa_t) *Pmap_t {
	pm.Lock()
	pm.ensureRAM()
	off := pm.ramOffset(pa)
	pm.Unlock()
	return (*Pmap_t)(unsafe.Pointer(&pm.ram[off]))
}

/// GetPmap allocates a fresh zeroed page-table page and returns both its
/// physical address and a typed pointer to it, the pairing every caller
/// that builds page tables needs.
func (pm *Physmem_t) GetPmap() (Pa_t, *Pmap_t) {
	pa := pm.GetPage()
	pt := pm.DmapPmap(pa)
	for i := range pt {
		pt[i] = 0
	}
	return pa, pt
}

/// AddrOf recovers the physical address of a byte that lives somewhere
/// inside a frame obtained from this allocator (via Dmap/DmapPmap),
/// mirroring a C allocator's trick of masking a block pointer down to
/// its containing page to recover the page header.
func (pm *Physmem_t) AddrOf(p *byte) Pa_t {
	pm.Lock()
	base := uintptr(unsafe.Pointer(&pm.ram[0]))
	pm.Unlock()
	off := uintptr(unsafe.Pointer(p)) - base
	return (Pa_t(pm.startn) << PGSHIFT) + Pa_t(off)
}

/// PageBaseOf returns the page-aligned physical address containing p.
func (pm *Physmem_t) PageBaseOf(p *byte) Pa_t {
	return pm.AddrOf(p) & PGMASK
}

/// GetZeroedPage allocates a fresh frame and returns it already zeroed,
/// along with a byte view -- the common case for user data pages.
func (pm *Physmem_t) GetZeroedPage() (Pa_t, *Bytepg_t) {
	pa := pm.GetPage()
	bp := pm.Dmap(pa)
	for i := range bp {
		bp[i] = 0
	}
	return pa, bp
}
