// Package heap implements the kernel's slab-style dynamic allocator:
// a fixed set of size-class descriptors doubling from 16 to 1024 bytes,
// each backed by page-sized arenas carved into equal blocks, with a
// page-granular path for anything larger. It is the Go shape of the
// arena allocator a small kernel's kmalloc/kfree are built on, kept
// page-lifecycle bookkeeping in the style of the teacher's circular
// buffers: a header overlaid on the front of the page, the rest handed
// out as fixed records.
package heap

import (
	"encoding/binary"
	"unsafe"

	"onix/src/defs"
	"onix/src/mem"
)

// smallest and largest block sizes a descriptor serves; anything bigger
// goes through the page-granular large-allocation path.
const (
	minBlock = 16
	maxBlock = 1024
)

const noFree = ^uint32(0)

/// arenaHeader is overlaid on the first bytes of every small-object
/// arena page, the Go analogue of a C allocator's per-page header
/// struct used to recover bookkeeping from a bare block pointer.
type arenaHeader struct {
	Magic     uint32
	DescIdx   int32
	FreeCount uint32
	FreeHead  uint32 // offset of first free block, or noFree
}

const arenaMagic = 0x4e41524b // "KRAN"

var headerSize = int(unsafe.Sizeof(arenaHeader{}))

type descriptor struct {
	blockSize      int
	blocksPerArena int
	partial        []mem.Pa_t // arenas with >0 and <blocksPerArena free blocks
	reserve        mem.Pa_t   // one fully-empty arena kept warm, or 0 if none
	hasReserve     bool
}

/// Heap_t is the kernel dynamic allocator. It owns no locking of its
/// own beyond what it needs to keep the descriptor tables consistent;
/// callers that share a Heap_t across goroutines are expected to embed
/// it behind their own critical section the way the rest of this kernel
/// guards shared state.
type Heap_t struct {
	phys   *mem.Physmem_t
	descs  []descriptor
	large  map[mem.Pa_t]int // base page -> page count, for the large path
	byPage map[mem.Pa_t]int // base page -> index into descs, for the small path
}

/// New builds a heap allocator over phys with the standard doubling
/// size classes from 16 to 1024 bytes.
func New(phys *mem.Physmem_t) *Heap_t {
	h := &Heap_t{
		phys:   phys,
		large:  make(map[mem.Pa_t]int),
		byPage: make(map[mem.Pa_t]int),
	}
	for sz := minBlock; sz <= maxBlock; sz *= 2 {
		h.descs = append(h.descs, descriptor{
			blockSize:      sz,
			blocksPerArena: (mem.PGSIZE - headerSize) / sz,
		})
	}
	return h
}

func (h *Heap_t) descFor(size int) int {
	for i := range h.descs {
		if h.descs[i].blockSize >= size {
			return i
		}
	}
	return -1
}

func header(page *mem.Bytepg_t) *arenaHeader {
	return (*arenaHeader)(unsafe.Pointer(&page[0]))
}

func blockOffset(idx, blockSize int) int {
	return headerSize + idx*blockSize
}

// linkFreeList lays out a freshly claimed arena page as a singly linked
// free list threaded through the blocks themselves: each free block's
// first four bytes hold the offset of the next free block, noFree at
// the tail. This is the same trick a C slab allocator uses to avoid any
// separate metadata array for free blocks.
func linkFreeList(page *mem.Bytepg_t, d *descriptor) {
	for i := 0; i < d.blocksPerArena; i++ {
		off := blockOffset(i, d.blockSize)
		next := noFree
		if i+1 < d.blocksPerArena {
			next = uint32(blockOffset(i+1, d.blockSize))
		}
		binary.LittleEndian.PutUint32(page[off:], next)
	}
}

/// Kmalloc returns a zeroed block of at least size bytes. Requests over
/// 1024 bytes are served whole pages at a time; everything else comes
/// from the matching size-class arena, allocating a fresh arena on
/// first miss for that class.
func (h *Heap_t) Kmalloc(size int) ([]byte, defs.Err_t) {
	if size <= 0 {
		return nil, defs.EINVAL
	}
	if size > maxBlock {
		return h.kmallocLarge(size)
	}
	di := h.descFor(size)
	d := &h.descs[di]

	pa, ok := h.arenaWithSpace(d)
	if !ok {
		return nil, defs.ENOHEAP
	}
	page := h.phys.Dmap(pa)
	hdr := header(page)

	off := int(hdr.FreeHead)
	hdr.FreeHead = binary.LittleEndian.Uint32(page[off:])
	hdr.FreeCount--

	if hdr.FreeCount == 0 {
		h.dropFromPartial(d, pa)
	} else if hdr.FreeCount == uint32(d.blocksPerArena-1) {
		// arena just left a fully-empty state (it was the reserve);
		// it now has outstanding blocks, so it belongs in partial.
		d.partial = append(d.partial, pa)
	}

	block := page[off : off+d.blockSize]
	for i := range block {
		block[i] = 0
	}
	return block[:size:size], 0
}

// arenaWithSpace returns a page with at least one free block for d,
// preferring an already-partial arena, then the reserve, then carving a
// brand new page.
func (h *Heap_t) arenaWithSpace(d *descriptor) (mem.Pa_t, bool) {
	if n := len(d.partial); n > 0 {
		return d.partial[n-1], true
	}
	if d.hasReserve {
		pa := d.reserve
		d.hasReserve = false
		return pa, true
	}
	return h.newArena(d)
}

func (h *Heap_t) newArena(d *descriptor) (mem.Pa_t, bool) {
	pa, page := h.phys.GetZeroedPage()
	hdr := header(page)
	hdr.Magic = arenaMagic
	hdr.DescIdx = int32(h.descIndex(d))
	hdr.FreeCount = uint32(d.blocksPerArena)
	hdr.FreeHead = uint32(blockOffset(0, d.blockSize))
	linkFreeList(page, d)
	h.byPage[pa] = h.descIndex(d)
	return pa, true
}

func (h *Heap_t) descIndex(d *descriptor) int {
	for i := range h.descs {
		if &h.descs[i] == d {
			return i
		}
	}
	panic("heap: descriptor not owned by this heap")
}

func (h *Heap_t) dropFromPartial(d *descriptor, pa mem.Pa_t) {
	for i, v := range d.partial {
		if v == pa {
			d.partial = append(d.partial[:i], d.partial[i+1:]...)
			return
		}
	}
}

func (h *Heap_t) kmallocLarge(size int) ([]byte, defs.Err_t) {
	npages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	pa, ok := h.phys.GetPages(npages)
	if !ok {
		return nil, defs.ENOHEAP
	}
	h.large[pa] = npages
	buf := h.phys.DmapRange(pa, npages)
	for i := range buf {
		buf[i] = 0
	}
	return buf[:size:size], 0
}

/// Kfree releases a block previously returned by Kmalloc. Passing a
/// pointer not obtained from Kmalloc fails the arena header checks
/// below and panics; a double free is not detected and corrupts the
/// arena's free list -- the allocator trusts its own
/// bookkeeping the way the rest of this kernel trusts invariants it
/// alone is responsible for maintaining.
func (h *Heap_t) Kfree(block []byte) {
	if len(block) == 0 {
		return
	}
	base := h.phys.PageBaseOf(&block[0])

	if npages, ok := h.large[base]; ok {
		h.phys.PutPages(base, npages)
		delete(h.large, base)
		return
	}

	di, ok := h.byPage[base]
	if !ok {
		panic("heap: free of unknown block")
	}
	d := &h.descs[di]
	page := h.phys.Dmap(base)
	hdr := header(page)
	if hdr.Magic != arenaMagic {
		panic("heap: corrupt arena header")
	}

	off := int(uintptr(unsafe.Pointer(&block[0])) - uintptr(unsafe.Pointer(&page[0])))
	wasFull := hdr.FreeCount == 0

	binary.LittleEndian.PutUint32(page[off:], hdr.FreeHead)
	hdr.FreeHead = uint32(off)
	hdr.FreeCount++

	switch {
	case hdr.FreeCount == uint32(d.blocksPerArena):
		h.dropFromPartial(d, base)
		if !d.hasReserve {
			d.hasReserve = true
			d.reserve = base
		} else {
			delete(h.byPage, base)
			h.phys.PutPage(base)
		}
	case wasFull:
		d.partial = append(d.partial, base)
	}
}
