package pci

import "testing"

type fakeIO struct {
	addr uint32
	regs map[uint32]uint32 // keyed by address word
}

func (f *fakeIO) Out32(port uint16, val uint32) {
	if port == configAddress {
		f.addr = val
	} else {
		f.regs[f.addr] = val
	}
}

func (f *fakeIO) In32(port uint16) uint32 {
	v, ok := f.regs[f.addr]
	if !ok {
		return 0xFFFFFFFF // no device answers: the bus floats high
	}
	return v
}

func TestScanFindsSingleFunction(t *testing.T) {
	io := &fakeIO{regs: map[uint32]uint32{}}
	io.regs[address(0, 3, 0, 0x00)] = 0x00011AF4 // device 0x0001, vendor 0x1AF4
	io.regs[address(0, 3, 0, 0x08)] = 0x01080000 // class 1, subclass 8

	found := Scan(io)
	if len(found) != 1 {
		t.Fatalf("expected exactly 1 function, found %d", len(found))
	}
	f := found[0]
	if f.VendorID != 0x1AF4 || f.DeviceID != 0x0001 || f.ClassCode != 1 || f.Subclass != 8 {
		t.Fatalf("unexpected function: %+v", f)
	}
}

func TestMSIAllocDoesNotRepeat(t *testing.T) {
	seen := map[uint]bool{}
	for i := 0; i < 8; i++ {
		v := AllocMSI()
		if seen[v] {
			t.Fatalf("vector %d allocated twice", v)
		}
		seen[v] = true
	}
	for v := range seen {
		FreeMSI(v)
	}
}

func TestMSIExhaustionPanics(t *testing.T) {
	allocated := make([]uint, 0, 8)
	defer func() {
		for _, v := range allocated {
			FreeMSI(v)
		}
		if recover() == nil {
			t.Fatal("expected panic once the MSI pool is exhausted")
		}
	}()
	for i := 0; i < 9; i++ {
		allocated = append(allocated, AllocMSI())
	}
}
