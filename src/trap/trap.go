// Package trap owns the interrupt descriptor table, the CPU exception
// messages, and the Local APIC / IOAPIC bring-up and redirection table
// that routes the legacy ISA IRQs (clock, keyboard, IDE, cascade) to
// vectors this kernel's handler table dispatches on.
package trap

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"onix/src/stats"
)

const (
	idtSize     = 48
	irqBase     = 0x20
	irqCascade  = 2
	spuriousVec = 0xFF

	// Fixed MMIO addresses (spec's MMIO layout) -- callers map these via
	// vm.AddressSpace.MapPageFixed before handing the resulting windows
	// to InitAPIC.
	LapicPhysAddr  = 0xFEE00000
	IoapicPhysAddr = 0xFEC00000

	lapicTPR = 0x80
	lapicEOI = 0xB0
	lapicSVR = 0xF0

	lapicSVREnable = 1 << 8

	ioapicIOREGSEL = 0x00
	ioapicIOWIN    = 0x10
	ioapicRedirLow = 0x10 // redirection entry N: low word at 0x10+2N, high at 0x10+2N+1

	pic1DataPort = 0x21
	pic2DataPort = 0xA1
)

/// MMIO_i is a 32-bit memory-mapped register window, the Go shape of a
/// pointer into a page mapped by vm.AddressSpace.MapPageFixed(va, pa,
/// PCD) -- LAPIC and IOAPIC are both accessed this way, never through
/// port I/O.
type MMIO_i interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, v uint32)
}

/// IO_i is the legacy 8259A port pair masked off once the IOAPIC takes
/// over interrupt routing.
type IO_i interface {
	Out8(port uint16, v uint8)
}

var exceptionNames = [...]string{
	"#DE Divide Error", "#DB Reserved", "-- NMI Interrupt", "#BP Breakpoint",
	"#OF Overflow", "#BR BOUND Range Exceeded", "#UD Invalid Opcode",
	"#NM Device Not Available", "#DF Double Fault", "Coprocessor Segment Overrun",
	"#TS Invalid TSS", "#NP Segment Not Present", "#SS Stack-Segment Fault",
	"#GP General Protection", "#PF Page Fault", "-- Intel Reserved",
	"#MF x87 FPU Floating-Point Error", "#AC Alignment Check", "#MC Machine Check",
	"#XF SIMD Floating-Point Exception", "#VE Virtualization Exception",
	"#CP Control Protection Exception",
}

func exceptionName(vector int) string {
	if vector >= 0 && vector < len(exceptionNames) {
		return exceptionNames[vector]
	}
	return exceptionNames[14] // page fault slot doubles as "unknown" per the original
}

/// Handler_t is a registered interrupt service routine. vector is the
/// IDT entry number that fired (0x20+irq for ISA interrupts).
type Handler_t func(vector int)

/// Frame_t is the register snapshot an exception or fault handler
/// receives, matching the layout the trap-entry assembly would push.
type Frame_t struct {
	Eip, Cs, Eflags, Esp, ErrorCode uint32
	Vector                          int
}

/// Table_t is the interrupt dispatch table: one handler per vector,
/// plus the IOAPIC redirection state needed to mask/unmask ISA IRQs.
type Table_t struct {
	handlers [idtSize]Handler_t
	masked   [16]bool
	code     []byte // the kernel's own text, for FatalFault disassembly
	codeBase uint32

	lapic      MMIO_i
	ioapic     MMIO_i
	destApicID uint8
}

/// New builds a trap table with every exception vector wired to a
/// handler that panics with "unhandled exception: <name>" (it does not
/// call FatalFault) and every IRQ vector wired to a no-op default handler,
/// mirroring idt_init's two default passes before individual drivers
/// register their own.
func New() *Table_t {
	t := &Table_t{}
	for i := 0; i < 0x20; i++ {
		t.handlers[i] = func(vector int) { panic(fmt.Sprintf("unhandled exception: %s", exceptionName(vector))) }
	}
	for i := 0x20; i < idtSize; i++ {
		t.handlers[i] = func(vector int) {}
	}
	for i := range t.masked {
		t.masked[i] = true
	}
	return t
}

/// SetCodeImage records the kernel's own executable bytes and load
/// address so a fatal fault can disassemble the faulting instruction.
func (t *Table_t) SetCodeImage(base uint32, code []byte) {
	t.codeBase = base
	t.code = code
}

/// Register installs handler for IRQ irq (0-15), the Go equivalent of
/// set_interrupt_handler.
func (t *Table_t) Register(irq int, handler Handler_t) {
	if irq < 0 || irq >= 16 {
		panic("trap: irq out of range")
	}
	t.handlers[irqBase+irq] = handler
}

/// InitAPIC masks the legacy 8259A pair, programs the LAPIC spurious
/// vector register and TPR, and writes every IOAPIC redirection entry
/// masked, matching interrupt.c's apic_init sequence exactly: 8259A
/// off, TPR <- 0, SVR <- enable|spuriousVec, then one redirection write
/// per ISA IRQ before any driver unmasks its own.
func (t *Table_t) InitAPIC(lapic, ioapic MMIO_i, pic IO_i, destApicID uint8) {
	pic.Out8(pic1DataPort, 0xFF)
	pic.Out8(pic2DataPort, 0xFF)

	t.lapic = lapic
	t.ioapic = ioapic
	t.destApicID = destApicID

	lapic.Write32(lapicTPR, 0)
	lapic.Write32(lapicSVR, lapicSVREnable|spuriousVec)

	for irq := 0; irq < 16; irq++ {
		t.writeRedir(irq, true)
	}
}

// writeRedir writes the redirection-table entry for irq, vector fixed
// at irqBase+irq, fixed delivery mode, physical destination mode, edge
// triggered, active high. Per the ordering invariant, the high word
// (carrying the destination APIC ID) is written before the low word
// (carrying the vector and mask bit), so the entry is never observed
// with a valid low half and a stale destination.
func (t *Table_t) writeRedir(irq int, masked bool) {
	low := uint32(irqBase + irq)
	if masked {
		low |= 1 << 16
	}
	high := uint32(t.destApicID) << 24

	reg := uint32(ioapicRedirLow + irq*2)
	t.ioapic.Write32(ioapicIOREGSEL, reg+1)
	t.ioapic.Write32(ioapicIOWIN, high)
	t.ioapic.Write32(ioapicIOREGSEL, reg)
	t.ioapic.Write32(ioapicIOWIN, low)
}

/// SetMask enables or disables delivery of irq at the IOAPIC
/// redirection table, the software equivalent of flipping the mask bit
/// in the entry ioapic_write_redir wrote at init. When InitAPIC has not
/// been called (tests, or code exercising only the dispatch table),
/// this only updates the in-memory mirror Dispatch consults.
func (t *Table_t) SetMask(irq int, enabled bool) {
	if irq < 0 || irq >= 16 {
		panic("trap: irq out of range")
	}
	t.masked[irq] = !enabled
	if t.ioapic != nil {
		t.writeRedir(irq, !enabled)
	}
}

/// SendEOI signals end-of-interrupt to the LAPIC, the Go shape of
/// send_eoi: a single write of 0 to the EOI register. A no-op when
/// InitAPIC has not configured a LAPIC window.
func (t *Table_t) SendEOI() {
	if t.lapic != nil {
		t.lapic.Write32(lapicEOI, 0)
	}
}

/// Masked reports whether irq is currently masked at the IOAPIC.
func (t *Table_t) Masked(irq int) bool {
	return t.masked[irq]
}

/// Dispatch is what the single assembly trap-entry stub calls after
/// pushing vector onto the C-callable frame: look up and invoke the
/// registered handler, skipping anything still masked.
func (t *Table_t) Dispatch(vector int) {
	isIRQ := vector >= irqBase && vector < irqBase+16
	if isIRQ {
		irq := vector - irqBase
		if t.masked[irq] {
			return
		}
		stats.IrqCounts[irq].Inc()
	}
	h := t.handlers[vector]
	if h == nil {
		panic(fmt.Sprintf("trap: no handler for vector %#x", vector))
	}
	h(vector)
	if isIRQ {
		t.SendEOI()
	}
}

/// FatalFault reports an unrecoverable exception the way
/// exception_handler does -- vector, error code, register snapshot --
/// and additionally disassembles the faulting instruction when the
/// kernel's own code image has been registered via SetCodeImage, which
/// the original's printk-only dump can't do.
func (t *Table_t) FatalFault(f Frame_t) string {
	msg := fmt.Sprintf("EXCEPTION: %s\n  VECTOR: %#04x\n  ERROR: %#08x\n  EFLAGS: %#08x\n  CS: %#02x\n  EIP: %#08x\n  ESP: %#08x\n",
		exceptionName(f.Vector), f.Vector, f.ErrorCode, f.Eflags, f.Cs, f.Eip, f.Esp)
	if insn, ok := t.disassembleAt(f.Eip); ok {
		msg += fmt.Sprintf("  INSN: %s\n", insn)
	}
	return msg
}

func (t *Table_t) disassembleAt(eip uint32) (string, bool) {
	if t.code == nil || eip < t.codeBase {
		return "", false
	}
	off := int(eip - t.codeBase)
	if off < 0 || off >= len(t.code) {
		return "", false
	}
	inst, err := x86asm.Decode(t.code[off:], 32)
	if err != nil {
		return "", false
	}
	return x86asm.GNUSyntax(inst, uint64(eip), nil), true
}
