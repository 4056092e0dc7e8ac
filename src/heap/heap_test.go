package heap

import (
	"testing"

	"onix/src/mem"
)

func testPhysmem(t *testing.T, pages int) *mem.Physmem_t {
	t.Helper()
	return mem.NewPhysmem(1<<20, mem.Pa_t(pages*mem.PGSIZE))
}

func TestSmallAllocIsZeroedAndWritable(t *testing.T) {
	phys := testPhysmem(t, 16)
	h := New(phys)

	b, err := h.Kmalloc(40)
	if err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	if len(b) != 40 {
		t.Fatalf("expected 40 bytes, got %d", len(b))
	}
	for _, v := range b {
		if v != 0 {
			t.Fatal("fresh allocation must be zeroed")
		}
	}
	b[0] = 0xAB
	b[39] = 0xCD
}

func TestFreeIntoEmptyArenaKeepsItAsReserve(t *testing.T) {
	phys := testPhysmem(t, 16)
	h := New(phys)

	before := phys.FreePages()
	a, _ := h.Kmalloc(32)
	afterAlloc := phys.FreePages()
	if afterAlloc != before-1 {
		t.Fatalf("first allocation should claim one arena page")
	}

	h.Kfree(a)
	if phys.FreePages() != afterAlloc {
		t.Fatalf("emptying the only arena should keep it as reserve, not release its page")
	}

	b, _ := h.Kmalloc(32)
	if phys.FreePages() != afterAlloc {
		t.Fatalf("reallocating should reuse the reserve arena without claiming a new page")
	}
	_ = b
}

func TestSecondEmptyArenaIsReleasedOnceReserveHeld(t *testing.T) {
	phys := testPhysmem(t, 16)
	h := New(phys)
	d := &h.descs[h.descFor(64)]
	perArena := d.blocksPerArena

	f0 := phys.FreePages()

	arenaA := make([][]byte, perArena)
	for i := range arenaA {
		arenaA[i], _ = h.Kmalloc(64)
	}
	if phys.FreePages() != f0-1 {
		t.Fatalf("expected one page claimed for the first arena")
	}

	arenaB := make([][]byte, perArena)
	for i := range arenaB {
		arenaB[i], _ = h.Kmalloc(64)
	}
	if phys.FreePages() != f0-2 {
		t.Fatalf("expected a second page claimed for the second arena")
	}

	for _, b := range arenaA {
		h.Kfree(b)
	}
	if phys.FreePages() != f0-2 {
		t.Fatalf("first emptied arena becomes the reserve, its page must stay claimed")
	}

	for _, b := range arenaB {
		h.Kfree(b)
	}
	if phys.FreePages() != f0-1 {
		t.Fatalf("second emptied arena must release its page since a reserve is already held")
	}
}

func TestLargeAllocationSpansContiguousPages(t *testing.T) {
	phys := testPhysmem(t, 32)
	h := New(phys)

	size := 3 * mem.PGSIZE
	before := phys.FreePages()
	b, err := h.Kmalloc(size)
	if err != 0 {
		t.Fatalf("large kmalloc: %v", err)
	}
	if len(b) != size {
		t.Fatalf("expected %d bytes, got %d", size, len(b))
	}
	if phys.FreePages() != before-3 {
		t.Fatalf("expected 3 pages consumed, free went %d -> %d", before, phys.FreePages())
	}
	b[0] = 1
	b[len(b)-1] = 2

	h.Kfree(b)
	if phys.FreePages() != before {
		t.Fatalf("freeing the large block should release all 3 pages")
	}
}

func TestDistinctSizeClassesDoNotAlias(t *testing.T) {
	phys := testPhysmem(t, 16)
	h := New(phys)

	small, _ := h.Kmalloc(16)
	big, _ := h.Kmalloc(1024)
	small[0] = 0x11
	big[0] = 0x22
	if small[0] == big[0] {
		t.Fatal("unrelated allocations must not share storage")
	}
	h.Kfree(small)
	h.Kfree(big)
}

func TestFreeOfForeignPointerPanics(t *testing.T) {
	phys := testPhysmem(t, 16)
	h := New(phys)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic freeing a block this heap never handed out")
		}
	}()
	foreign := make([]byte, 32)
	h.Kfree(foreign)
}

func TestOversizeRequestFailsWithoutPanicking(t *testing.T) {
	phys := testPhysmem(t, 2)
	h := New(phys)

	if _, err := h.Kmalloc(64 * mem.PGSIZE); err == 0 {
		t.Fatal("expected an error for a request larger than all of physical memory")
	}
}
