package vm

import (
	"testing"

	"onix/src/mem"
)

func testPhysmem(t *testing.T, pages int) *mem.Physmem_t {
	t.Helper()
	return mem.NewPhysmem(1<<20, mem.Pa_t(pages*mem.PGSIZE))
}

func TestSelfMapInvariant(t *testing.T) {
	phys := testPhysmem(t, 64)
	kern := NewKernelAddressSpace(phys)
	as := NewUserAddressSpace(phys, kern)

	va := USERHEAPSTART
	if err := as.LinkPage(va); err != 0 {
		t.Fatalf("link_page failed: %v", err)
	}
	direct, _ := as.LookupPTE(va)
	viaSelfMap, ok := as.SelfMapPTE(didx(va), tidx(va))
	if !ok {
		t.Fatal("self-map lookup reported not present")
	}
	if direct != viaSelfMap {
		t.Fatalf("self-map mismatch: direct=%#x selfmap=%#x", direct, viaSelfMap)
	}
}

func TestCOWIsolation(t *testing.T) {
	phys := testPhysmem(t, 64)
	kern := NewKernelAddressSpace(phys)
	parent := NewUserAddressSpace(phys, kern)

	va := USERHEAPSTART
	if err := parent.LinkPage(va); err != 0 {
		t.Fatalf("link_page: %v", err)
	}
	pbuf := phys.Dmap(mustFrame(t, parent, va))
	pbuf[0] = 0xAA

	free0 := phys.FreePages()
	child := CopyPde(parent)
	if free0 != phys.FreePages() {
		t.Fatalf("fork should not change free pages immediately")
	}

	// both present, both read-only post-fork.
	ppte, _ := parent.LookupPTE(va)
	cpte, _ := child.LookupPTE(va)
	if ppte&mem.PTE_W != 0 || cpte&mem.PTE_W != 0 {
		t.Fatal("both mappings should be read-only after fork")
	}
	if phys.Refcnt(ppte&mem.PTE_ADDR) < 2 {
		t.Fatal("shared frame should have refcnt >= 2")
	}

	cbuf := phys.Dmap(mustFrame(t, child, va))
	if cbuf[0] != 0xAA {
		t.Fatalf("child should observe parent's pre-fork write, got %#x", cbuf[0])
	}

	// child writes: must not affect parent's view.
	beforeFree := phys.FreePages()
	if err := child.HandleFault(va, true, USERHEAPSTART+0x100000); err != 0 {
		t.Fatalf("cow fault: %v", err)
	}
	if phys.FreePages() != beforeFree-1 {
		t.Fatalf("cow fault should consume exactly one frame")
	}
	cbuf2 := phys.Dmap(mustFrame(t, child, va))
	cbuf2[0] = 0xBB

	pbuf2 := phys.Dmap(mustFrame(t, parent, va))
	if pbuf2[0] != 0xAA {
		t.Fatalf("parent's page must be unaffected by child's write, got %#x", pbuf2[0])
	}
}

func mustFrame(t *testing.T, as *AddressSpace, va int) mem.Pa_t {
	t.Helper()
	pte, ok := as.LookupPTE(va)
	if !ok || pte&mem.PTE_P == 0 {
		t.Fatalf("expected present pte at %#x", va)
	}
	return pte & mem.PTE_ADDR
}

func TestDemandPagingHeap(t *testing.T) {
	phys := testPhysmem(t, 64)
	kern := NewKernelAddressSpace(phys)
	as := NewUserAddressSpace(phys, kern)

	brk := USERHEAPSTART + 4*mem.PGSIZE
	if err := as.HandleFault(USERHEAPSTART+mem.PGSIZE, false, brk); err != 0 {
		t.Fatalf("demand page within brk should succeed: %v", err)
	}
	if _, ok := as.LookupPTE(USERHEAPSTART + mem.PGSIZE); !ok {
		t.Fatal("expected page table to exist after fault")
	}
}

func TestFaultOutsideRangeIsFatal(t *testing.T) {
	phys := testPhysmem(t, 64)
	kern := NewKernelAddressSpace(phys)
	as := NewUserAddressSpace(phys, kern)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for fault outside demand ranges")
		}
	}()
	as.HandleFault(USERHEAPSTART*100, false, USERHEAPSTART+mem.PGSIZE)
}
