package boot

import (
	"encoding/binary"
	"testing"

	"onix/src/bootinfo"
	"onix/src/defs"
)

type fakeIO struct{}

func (fakeIO) In8(port uint16) uint8          { return 0 }
func (fakeIO) Out8(port uint16, v uint8)      {}
func (fakeIO) In16(port uint16) uint16        { return 0 }
func (fakeIO) Out16(port uint16, v uint16)    {}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func legacyBlob(base, size uint64) []byte {
	buf := le32(1)
	buf = append(buf, le64(base)...)
	buf = append(buf, le64(size)...)
	buf = append(buf, le32(1)...) // zone valid
	return buf
}

func TestSequenceWiresEverySubsystem(t *testing.T) {
	cfg := Config_t{
		BootMagic:  bootinfo.LegacyMagic,
		BootAddr:   legacyBlob(0x100000, 0x400000),
		LegacyIO:   fakeIO{},
		DestApicID: 0,
	}
	k, err := Sequence(cfg)
	if err != nil {
		t.Fatalf("sequence: %v", err)
	}

	if k.GDT == nil || k.Phys == nil || k.KernelAS == nil || k.Trap == nil || k.Sched == nil || k.Devices == nil {
		t.Fatal("expected every core subsystem to be constructed")
	}
	if k.Phys.TotalPages() == 0 {
		t.Fatal("expected physical memory sized from the boot memory map")
	}

	if k.Trap.Masked(irqKeyboard) {
		t.Fatal("expected the keyboard IRQ to be unmasked")
	}
	if k.Trap.Masked(irqIDEPrimary) || k.Trap.Masked(irqIDESecondary) {
		t.Fatal("expected both IDE IRQs to be unmasked")
	}

	if k.Devices.Find(defs.S_KEYBOARD, 0) == nil {
		t.Fatal("expected the keyboard to be installed in the device table")
	}
	if k.Devices.Find(defs.S_RTC, 0) == nil {
		t.Fatal("expected the RTC to be installed in the device table")
	}
	if len(k.IDE) != 2 {
		t.Fatalf("expected 2 IDE channels, got %d", len(k.IDE))
	}
	// No real drive answers the fake IO, so nothing should be installed.
	if k.Devices.Find(defs.S_IDE_DISK, 0) != nil {
		t.Fatal("expected no IDE disk to be installed when IDENTIFY reports no drive")
	}
	if len(k.NVMe) != 0 {
		t.Fatal("expected no NVMe controllers without a PCI/MMIO surface configured")
	}
}

func TestSequenceRejectsUnknownBootMagic(t *testing.T) {
	cfg := Config_t{BootMagic: 0xBADBAD, BootAddr: nil, LegacyIO: fakeIO{}}
	if _, err := Sequence(cfg); err == nil {
		t.Fatal("expected an error for an unrecognized boot magic")
	}
}
