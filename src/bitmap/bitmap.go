// Package bitmap implements a fixed-base bitmap with a scan-for-N-
// consecutive-zeros primitive. It backs the kernel virtual-page
// allocator (src/mem) and any other subsystem that needs to hand out
// contiguous runs of fixed-size slots.
package bitmap

// / Bitmap_t tracks allocation state for a fixed number of indices
// / starting at Base. Bit i (i relative to Base) set means index
// / Base+i is allocated.
type Bitmap_t struct {
	Base int    /// first index this bitmap tracks
	bits []uint64
	n    int /// number of indices tracked
}

const wordbits = 64

/// MkBitmap allocates a bitmap able to track n indices starting at base.
/// All bits start clear.
func MkBitmap(base, n int) *Bitmap_t {
	if n <= 0 {
		panic("bad bitmap size")
	}
	words := (n + wordbits - 1) / wordbits
	return &Bitmap_t{Base: base, bits: make([]uint64, words), n: n}
}

func (b *Bitmap_t) wordbit(i int) (int, uint) {
	return i / wordbits, uint(i % wordbits)
}

/// IsSet reports whether the bit for the given absolute index is set.
func (b *Bitmap_t) IsSet(idx int) bool {
	i := idx - b.Base
	if i < 0 || i >= b.n {
		panic("bitmap: index out of range")
	}
	w, bit := b.wordbit(i)
	return b.bits[w]&(1<<bit) != 0
}

/// Set marks count consecutive bits starting at the absolute index idx.
func (b *Bitmap_t) Set(idx, count int) {
	b.apply(idx, count, true)
}

/// Reset clears count consecutive bits starting at the absolute index idx.
func (b *Bitmap_t) Reset(idx, count int) {
	b.apply(idx, count, false)
}

func (b *Bitmap_t) apply(idx, count int, set bool) {
	if count <= 0 {
		panic("bitmap: bad count")
	}
	start := idx - b.Base
	if start < 0 || start+count > b.n {
		panic("bitmap: range out of bounds")
	}
	for i := start; i < start+count; i++ {
		w, bit := b.wordbit(i)
		if set {
			b.bits[w] |= 1 << bit
		} else {
			b.bits[w] &^= 1 << bit
		}
	}
}

/// Scan finds the first run of count consecutive clear bits and returns
/// the absolute index of its start. ok is false if no such run exists;
/// the bitmap is left unmodified in either case -- callers that want the
/// run claimed must call Set themselves, or call ScanAndSet, which does
/// both (mem's AllocKpage uses ScanAndSet). The bitmap takes no lock.
func (b *Bitmap_t) Scan(count int) (idx int, ok bool) {
	if count <= 0 {
		panic("bitmap: bad count")
	}
	run := 0
	runstart := 0
	for i := 0; i < b.n; i++ {
		w, bit := b.wordbit(i)
		if b.bits[w]&(1<<bit) == 0 {
			if run == 0 {
				runstart = i
			}
			run++
			if run == count {
				return b.Base + runstart, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

/// ScanAndSet finds a run of count consecutive clear bits, marks them
/// set, and returns the absolute start index. This is the atomic
/// find-and-claim operation callers normally want.
func (b *Bitmap_t) ScanAndSet(count int) (idx int, ok bool) {
	idx, ok = b.Scan(count)
	if !ok {
		return 0, false
	}
	b.Set(idx, count)
	return idx, true
}

/// Len returns the number of indices this bitmap tracks.
func (b *Bitmap_t) Len() int {
	return b.n
}
