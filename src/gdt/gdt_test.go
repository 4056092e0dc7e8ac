package gdt

import "testing"

func TestNewBuildsSixEntriesWithTSSPresent(t *testing.T) {
	tbl := New()
	if len(tbl.entries) != gdtEntries {
		t.Fatalf("expected %d entries, got %d", gdtEntries, len(tbl.entries))
	}
	for i, want := range []uint8{typeCode, typeData, typeCode, typeData} {
		access := tbl.entries[i+1].Access
		if access&accPresent == 0 {
			t.Fatalf("entry %d should be present", i+1)
		}
		if access&0x0F != want {
			t.Fatalf("entry %d: expected type %#x, got %#x", i+1, want, access&0x0F)
		}
	}
	tss := tbl.entries[5]
	if tss.Access&0x0F != typeTSS {
		t.Fatalf("expected TSS descriptor type, got %#x", tss.Access&0x0F)
	}
}

func TestSelectorsMatchFixedSlotLayout(t *testing.T) {
	if SelKernCode != 0x08 || SelKernData != 0x10 {
		t.Fatalf("unexpected ring-0 selectors: code=%#x data=%#x", SelKernCode, SelKernData)
	}
	if SelUserCode&3 != 3 || SelUserData&3 != 3 {
		t.Fatal("user selectors must carry RPL 3")
	}
	if SelTSS != 0x28 {
		t.Fatalf("unexpected TSS selector: %#x", SelTSS)
	}
}

func TestSetKernelStackUpdatesTSS(t *testing.T) {
	tbl := New()
	tbl.SetKernelStack(0xDEAD0000)
	if tbl.tss.Esp0 != 0xDEAD0000 {
		t.Fatalf("expected Esp0 updated, got %#x", tbl.tss.Esp0)
	}
	if tbl.tss.Ss0 != SelKernData {
		t.Fatalf("expected Ss0 to be the kernel data selector, got %#x", tbl.tss.Ss0)
	}
}
