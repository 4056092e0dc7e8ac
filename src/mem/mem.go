// Package mem implements the physical frame allocator and the page/PTE
// constants shared by every paging-aware subsystem. It tracks physical
// RAM with a reference-counted byte map (component C) and kernel
// virtual address space with a bitmap (component A, via src/bitmap).
package mem

import (
	"fmt"
	"sync"

	"onix/src/bitmap"
)

/// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// Pa_t is a physical address. Keeping it a distinct type from plain
/// uintptr/int catches accidental physical/virtual mixups at compile time,
/// the same discipline the teacher applies to its own Pa_t.
type Pa_t uintptr

/// PGOFFSET masks the byte offset within a page.
const PGOFFSET Pa_t = Pa_t(PGSIZE) - 1

/// PGMASK masks the page-aligned portion of an address.
const PGMASK Pa_t = ^PGOFFSET

// Page table entry flag bits (32-bit, non-PAE paging).
const (
	PTE_P   Pa_t = 1 << 0 /// present
	PTE_W   Pa_t = 1 << 1 /// writable
	PTE_U   Pa_t = 1 << 2 /// user accessible
	PTE_PWT Pa_t = 1 << 3 /// write-through
	PTE_PCD Pa_t = 1 << 4 /// cache disable
	PTE_A   Pa_t = 1 << 5 /// accessed
	PTE_D   Pa_t = 1 << 6 /// dirty
	PTE_PS  Pa_t = 1 << 7 /// page size (4MiB directory entry; unused here)
	PTE_G   Pa_t = 1 << 8 /// global

	/// PTE_ADDR extracts the physical frame number bits of a PTE/PDE.
	PTE_ADDR Pa_t = PGMASK
)

/// Pmap_t is a single page-table or page-directory page: 1024 32-bit
/// entries in a 4KiB page, the non-PAE x86 layout.
type Pmap_t [1024]Pa_t

/// Physpg_t is the accounting record for one physical page. Refcnt is
/// the number of live PTEs that reference this frame; it reaches zero
/// exactly when every mapping has been torn down (spec invariant).
type Physpg_t struct {
	Refcnt int32
}

/// Physmem_t is the physical frame allocator: a byte-indexed reference
/// count array covering every page-frame in the usable region handed to
/// the kernel at boot. A count of 0 means free.
type Physmem_t struct {
	sync.Mutex
	Pgs        []Physpg_t
	startn     uint32 /// page-frame number of Pgs[0]
	scanhint   uint32 /// next index to begin scanning from
	freePages  int
	totalPages int
	ram        []byte /// backing store for Dmap/DmapPmap
}

/// NewPhysmem constructs a frame allocator covering [base, base+size).
/// Per spec.md §4.1, base must be exactly 1 MiB and both base and size
/// must be page-aligned; violating either is a fatal boot-time bug.
func NewPhysmem(base, size Pa_t) *Physmem_t {
	const oneMiB = Pa_t(1 << 20)
	if base != oneMiB {
		panic("usable region must start at 1MiB")
	}
	if base%Pa_t(PGSIZE) != 0 || size%Pa_t(PGSIZE) != 0 {
		panic("region not page aligned")
	}
	total := int((base + size) / Pa_t(PGSIZE))
	startn := uint32(base / Pa_t(PGSIZE))
	free := int(size / Pa_t(PGSIZE))
	npgs := total - int(startn)
	pm := &Physmem_t{
		Pgs:        make([]Physpg_t, npgs),
		startn:     startn,
		totalPages: total,
		freePages:  free,
	}
	return pm
}

func (pm *Physmem_t) pgn(pa Pa_t) uint32 {
	return uint32(pa >> PGSHIFT)
}

/// MarkUsed pre-marks the frame at pa as permanently allocated (refcnt 1)
/// without reducing FreePages below what the caller already accounted
/// for. Used at boot to reserve the kernel image and the frame map
/// itself, which are allocated by the bootloader and never passed
/// through GetPage.
func (pm *Physmem_t) MarkUsed(pa Pa_t) {
	pm.Lock()
	defer pm.Unlock()
	idx := pm.pgn(pa) - pm.startn
	if pm.Pgs[idx].Refcnt != 0 {
		panic("double mark")
	}
	pm.Pgs[idx].Refcnt = 1
	pm.freePages--
}

/// GetPage scans the frame map starting at the last successful
/// allocation point, claims the first free frame, and returns its
/// physical address. Out of memory is fatal: the spec treats allocation
/// failure as an invariant violation, not a recoverable error, at this
/// layer (higher layers such as sys_brk check FreePages first so the
/// user-visible path never hits this panic).
func (pm *Physmem_t) GetPage() Pa_t {
	pm.Lock()
	defer pm.Unlock()
	n := len(pm.Pgs)
	for i := 0; i < n; i++ {
		idx := (int(pm.scanhint) + i) % n
		if pm.Pgs[idx].Refcnt == 0 {
			pm.Pgs[idx].Refcnt = 1
			pm.freePages--
			pm.scanhint = uint32(idx) + 1
			return Pa_t(pm.startn+uint32(idx)) << PGSHIFT
		}
	}
	panic("out of physical memory")
}

/// GetPages claims n physically contiguous free frames, scanning the
/// same way GetPage does, and returns the base address of the run. Used
/// by allocators (the kernel heap's large-object path) that need a
/// multi-page block addressable as one contiguous range rather than a
/// scatter of independently-mapped pages.
func (pm *Physmem_t) GetPages(n int) (Pa_t, bool) {
	pm.Lock()
	defer pm.Unlock()
	if n <= 0 {
		panic("get_pages: n <= 0")
	}
	total := len(pm.Pgs)
	run := 0
	for i := 0; i < total; i++ {
		if pm.Pgs[i].Refcnt == 0 {
			run++
			if run == n {
				start := i - n + 1
				for j := start; j <= i; j++ {
					pm.Pgs[j].Refcnt = 1
				}
				pm.freePages -= n
				return Pa_t(pm.startn+uint32(start)) << PGSHIFT, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

/// PutPages releases a run of n frames previously returned by GetPages.
func (pm *Physmem_t) PutPages(pa Pa_t, n int) {
	pm.Lock()
	defer pm.Unlock()
	start := pm.pgn(pa) - pm.startn
	for j := uint32(0); j < uint32(n); j++ {
		idx := start + j
		if pm.Pgs[idx].Refcnt <= 0 {
			panic("put_pages: already free")
		}
		pm.Pgs[idx].Refcnt--
		if pm.Pgs[idx].Refcnt == 0 {
			pm.freePages++
		}
	}
}

/// PutPage decrements the reference count of the frame at pa. The frame
/// is returned to the free pool when the count reaches zero.
func (pm *Physmem_t) PutPage(pa Pa_t) {
	pm.Lock()
	defer pm.Unlock()
	idx := pm.pgn(pa) - pm.startn
	if pm.Pgs[idx].Refcnt <= 0 {
		panic("put_page: already free")
	}
	pm.Pgs[idx].Refcnt--
	if pm.Pgs[idx].Refcnt == 0 {
		pm.freePages++
	}
}

/// Refup increments a frame's reference count, used when a second
/// mapping (e.g. a COW fork) starts sharing an already-live frame.
func (pm *Physmem_t) Refup(pa Pa_t) {
	pm.Lock()
	defer pm.Unlock()
	idx := pm.pgn(pa) - pm.startn
	if pm.Pgs[idx].Refcnt <= 0 {
		panic("refup: frame not live")
	}
	pm.Pgs[idx].Refcnt++
}

/// Refcnt returns the current reference count of the frame at pa.
func (pm *Physmem_t) Refcnt(pa Pa_t) int {
	pm.Lock()
	defer pm.Unlock()
	idx := pm.pgn(pa) - pm.startn
	return int(pm.Pgs[idx].Refcnt)
}

/// FreePages returns the number of unallocated frames.
func (pm *Physmem_t) FreePages() int {
	pm.Lock()
	defer pm.Unlock()
	return pm.freePages
}

/// TotalPages returns the total number of frames this allocator covers,
/// including the portion below the usable region's start.
func (pm *Physmem_t) TotalPages() int {
	return pm.totalPages
}

/// UsedPages returns totalPages - freePages - (frames below startn),
/// satisfying the invariant free+used+reserved == total when reserved
/// counts the pre-kernel region this allocator never tracks directly.
func (pm *Physmem_t) UsedPages() int {
	pm.Lock()
	defer pm.Unlock()
	tracked := len(pm.Pgs)
	used := 0
	for i := range pm.Pgs {
		if pm.Pgs[i].Refcnt > 0 {
			used++
		}
	}
	_ = tracked
	return used
}

/// String renders a short diagnostic summary, used by the boot log and
/// by the klog dump on a fatal OOM.
func (pm *Physmem_t) String() string {
	pm.Lock()
	defer pm.Unlock()
	return fmt.Sprintf("physmem: %d/%d pages free", pm.freePages, pm.totalPages)
}

// KernelVmap is the kernel virtual-address bitmap (component "Kernel
// Virtual Bitmap" in the data model), tracking which kernel-virtual
// pages are allocated, separate from the physical frame map.
type KernelVmap struct {
	bm *bitmap.Bitmap_t
}

/// NewKernelVmap constructs a kernel VA bitmap starting at the first
/// kernel page index and covering npages kernel pages.
func NewKernelVmap(firstPage, npages int) *KernelVmap {
	return &KernelVmap{bm: bitmap.MkBitmap(firstPage, npages)}
}

/// AllocKpage scans for n consecutive free kernel pages, marks them
/// allocated, and returns the virtual base page index. Callers map the
/// returned pages identity (physical == virtual) at bring-up, per
/// spec.md §4.1.
func (kv *KernelVmap) AllocKpage(n int) (int, bool) {
	return kv.bm.ScanAndSet(n)
}

/// FreeKpage clears the n pages starting at the given virtual page index.
func (kv *KernelVmap) FreeKpage(vpage, n int) {
	kv.bm.Reset(vpage, n)
}
