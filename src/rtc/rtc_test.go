package rtc

import (
	"testing"

	"onix/src/fdt"
	"onix/src/trap"
)

// fakeCMOS simulates the CMOS address/data port pair: writing addrPort
// selects a register, a following write or read on dataPort touches
// that register in regs.
type fakeCMOS struct {
	regs     map[uint8]uint8
	selected uint8
}

func newFakeCMOS() *fakeCMOS {
	return &fakeCMOS{regs: map[uint8]uint8{}}
}

func (f *fakeCMOS) Out8(port uint16, v uint8) {
	switch port {
	case addrPort:
		f.selected = v &^ nmiMask
	case dataPort:
		f.regs[f.selected] = v
	}
}

func (f *fakeCMOS) In8(port uint16) uint8 {
	if port != dataPort {
		return 0
	}
	return f.regs[f.selected]
}

func TestReadTimeConvertsBCD(t *testing.T) {
	io := newFakeCMOS()
	io.regs[regSeconds] = 0x45 // 45
	io.regs[regMinutes] = 0x30 // 30
	io.regs[regHours] = 0x12   // 12
	io.regs[regDay] = 0x01
	io.regs[regMonth] = 0x07
	io.regs[regYear] = 0x26
	io.regs[regCentury] = 0x20

	r := New(io)
	now := r.ReadTime()
	if now.Sec != 45 || now.Min != 30 || now.Hour != 12 {
		t.Fatalf("unexpected time: %+v", now)
	}
	if now.Day != 1 || now.Month != 7 || now.Year != 26 || now.Century != 20 {
		t.Fatalf("unexpected date: %+v", now)
	}
}

func TestSetAlarmWritesBCDAndEnablesRegisterB(t *testing.T) {
	io := newFakeCMOS()
	io.regs[regSeconds] = 0x00
	io.regs[regMinutes] = 0x00
	io.regs[regHours] = 0x00

	r := New(io)
	if err := r.SetAlarm(90); err != 0 {
		t.Fatalf("setalarm: %v", err)
	}
	if io.regs[regSecondsAlarm] != 0x30 {
		t.Fatalf("expected alarm seconds 0x30, got %#x", io.regs[regSecondsAlarm])
	}
	if io.regs[regMinutesAlarm] != 0x01 {
		t.Fatalf("expected alarm minutes 0x01, got %#x", io.regs[regMinutesAlarm])
	}
	if io.regs[regB] != alarmAndH24 {
		t.Fatalf("expected register B %#x, got %#x", alarmAndH24, io.regs[regB])
	}
}

func TestSetAlarmCarriesMinutesAndHours(t *testing.T) {
	io := newFakeCMOS()
	io.regs[regSeconds] = 0x59 // 59
	io.regs[regMinutes] = 0x59 // 59
	io.regs[regHours] = 0x23   // 23

	r := New(io)
	if err := r.SetAlarm(2); err != 0 {
		t.Fatalf("setalarm: %v", err)
	}
	if io.regs[regSecondsAlarm] != 0x01 {
		t.Fatalf("expected alarm seconds 0x01, got %#x", io.regs[regSecondsAlarm])
	}
	if io.regs[regMinutesAlarm] != 0x00 {
		t.Fatalf("expected alarm minutes to roll to 0x00, got %#x", io.regs[regMinutesAlarm])
	}
	if io.regs[regHoursAlarm] != 0x00 {
		t.Fatalf("expected alarm hour to roll to 0x00, got %#x", io.regs[regHoursAlarm])
	}
}

func TestSetAlarmRejectsZero(t *testing.T) {
	io := newFakeCMOS()
	r := New(io)
	if err := r.SetAlarm(0); err == 0 {
		t.Fatal("expected an error arming a zero-second alarm")
	}
}

func TestHandlerNotifiesAlarmChannel(t *testing.T) {
	io := newFakeCMOS()
	r := New(io)
	tr := trap.New()
	r.Init(tr)

	if tr.Masked(irqRTC) {
		t.Fatal("expected IRQ8 to be unmasked after Init")
	}

	r.Handler(0x28)

	select {
	case <-r.AlarmCh:
	default:
		t.Fatal("expected a notification on AlarmCh")
	}
}

func TestHandlerDoesNotBlockWithoutAReceiver(t *testing.T) {
	io := newFakeCMOS()
	r := New(io)
	r.Handler(0x28)
	r.Handler(0x28) // a second fire with nobody having drained the first must not block
}

func TestReadReturnsEightTimeBytes(t *testing.T) {
	io := newFakeCMOS()
	io.regs[regSeconds] = 0x10
	r := New(io)

	buf := make([]byte, 8)
	if err := r.Read(buf, 0, 0); err != 0 {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 10 {
		t.Fatalf("expected seconds 10 (BCD 0x10 converted), got %d", buf[0])
	}
}

func TestWriteIsRejected(t *testing.T) {
	io := newFakeCMOS()
	r := New(io)
	if err := r.Write(make([]byte, 8), 0, 0); err == 0 {
		t.Fatal("expected write to a read-only device to fail")
	}
}

func TestIoctlSetAlarmArmsTheAlarm(t *testing.T) {
	io := newFakeCMOS()
	r := New(io)
	if _, err := r.Ioctl(ioctlSetAlarm, uint32(5)); err != 0 {
		t.Fatalf("ioctl: %v", err)
	}
	if io.regs[regB] != alarmAndH24 {
		t.Fatal("expected ioctl to have armed the alarm")
	}
	if _, err := r.Ioctl(ioctlSetAlarm, "nope"); err == 0 {
		t.Fatal("expected a type-mismatched arg to be rejected")
	}
	if _, err := r.Ioctl(99, uint32(5)); err == 0 {
		t.Fatal("expected an unknown ioctl command to be rejected")
	}
}

func TestProbeDeviceTreeReadsRegAndIRQ(t *testing.T) {
	tree, err := fdt.Parse(buildRTCBlob())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	r := New(newFakeCMOS())
	r.ProbeDeviceTree(tree)

	if !r.dtPresent {
		t.Fatal("expected the device tree probe to find /rtc@70")
	}
	if r.dtAddrPort != addrPort || r.dtDataPort != dataPort {
		t.Fatalf("expected ports %#x/%#x, got %#x/%#x", addrPort, dataPort, r.dtAddrPort, r.dtDataPort)
	}
	if r.dtIRQ != irqRTC {
		t.Fatalf("expected irq %d, got %d", irqRTC, r.dtIRQ)
	}
}

// buildRTCBlob hand-assembles a minimal structure+strings block pair
// in the real FDT token format (fdt's own blobBuilder is unexported),
// containing a single "/rtc@70" node with a reg pair (addrPort,
// dataPort) and one interrupts cell (irqRTC).
func buildRTCBlob() []byte {
	const (
		fdtMagic     = 0xd00dfeed
		fdtBeginNode = 1
		fdtEndNode   = 2
		fdtProp      = 3
		fdtEnd       = 9
	)

	be32 := func(v uint32) []byte {
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
	pad := func(b []byte) []byte {
		for len(b)%4 != 0 {
			b = append(b, 0)
		}
		return b
	}

	var structs, strings []byte
	stroff := map[string]uint32{}
	intern := func(name string) uint32 {
		if off, ok := stroff[name]; ok {
			return off
		}
		off := uint32(len(strings))
		strings = append(strings, append([]byte(name), 0)...)
		stroff[name] = off
		return off
	}
	beginNode := func(name string) {
		structs = append(structs, be32(fdtBeginNode)...)
		structs = append(structs, pad(append([]byte(name), 0))...)
	}
	endNode := func() {
		structs = append(structs, be32(fdtEndNode)...)
	}
	prop := func(name string, value []byte) {
		structs = append(structs, be32(fdtProp)...)
		structs = append(structs, be32(uint32(len(value)))...)
		structs = append(structs, be32(intern(name))...)
		structs = append(structs, pad(value)...)
	}

	beginNode("")
	beginNode("rtc@70")
	reg := append(append(append(be32(addrPort), be32(1)...), be32(dataPort)...), be32(1)...)
	prop("reg", reg)
	prop("interrupts", be32(irqRTC))
	prop("status", []byte("okay\x00"))
	endNode()
	endNode()
	structs = append(structs, be32(fdtEnd)...)

	const headerSize = 40
	structOff := uint32(headerSize)
	stringsOff := structOff + uint32(len(structs))

	hdr := make([]byte, headerSize)
	copy(hdr[0:4], be32(fdtMagic))
	copy(hdr[8:12], be32(structOff))
	copy(hdr[12:16], be32(stringsOff))

	blob := append([]byte{}, hdr...)
	blob = append(blob, structs...)
	blob = append(blob, strings...)
	return blob
}
