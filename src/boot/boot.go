// Package boot performs the explicit subsystem construction order a
// real entry stub's call into Go would follow -- gdt, then physical
// memory from the loader's memory map, then the kernel address space,
// then the trap table and APIC, then the scheduler and device table,
// then every driver -- the Go shape of the original's linear
// gdt_init/memory_init/mapping_init/idt_init/... call chain, kept as
// fields on a returned Kernel_t rather than package-level globals so
// construction order is the only thing that can wire one subsystem to
// another.
package boot

import (
	"onix/src/bootinfo"
	"onix/src/clock"
	"onix/src/defs"
	"onix/src/device"
	"onix/src/fdt"
	"onix/src/gdt"
	"onix/src/ide"
	"onix/src/keyboard"
	"onix/src/mem"
	"onix/src/nvme"
	"onix/src/pci"
	"onix/src/rtc"
	"onix/src/task"
	"onix/src/trap"
	"onix/src/vm"
)

const (
	irqKeyboard     = 1
	irqIDEPrimary   = 14
	irqIDESecondary = 15

	ideBasePrimary   = 0x1F0
	ideBaseSecondary = 0x170

	keyboardNode = "/keyboard@60"
)

/// IO_i is the union of every legacy port-I/O method this package's
/// drivers need (clock, keyboard, ide, rtc, trap's PIC mask): one
/// shared real implementation backs all of them, the same way one
/// physical I/O bus does.
type IO_i interface {
	In8(port uint16) uint8
	Out8(port uint16, v uint8)
	In16(port uint16) uint16
	Out16(port uint16, v uint16)
}

// pageMMIO is a page-sized register window backed by plain memory,
// standing in for the LAPIC/IOAPIC MMIO pages a real boot sequence
// would map via vm.AddressSpace.MapPageFixed(va, pa, PCD).
// mem.Physmem_t models conventional RAM sized off the loader's memory
// map only; it has no backing for the fixed 0xFEE00000/0xFEC00000 MMIO
// holes, so there is nothing for this simulation to map those
// addresses to. trap.InitAPIC only needs something implementing
// trap.MMIO_i, so this stands in for the hardware window it would
// otherwise address directly.
type pageMMIO [mem.PGSIZE / 4]uint32

func (w *pageMMIO) Read32(offset uint32) uint32    { return w[offset/4] }
func (w *pageMMIO) Write32(offset uint32, v uint32) { w[offset/4] = v }

/// Config_t collects every raw input a real entry stub would hand the
/// kernel.
type Config_t struct {
	BootMagic uint32
	BootAddr  []byte

	CodeBase uint32
	Code     []byte

	DeviceTree *fdt.Tree_t

	LegacyIO    IO_i
	PCI         pci.IO_i
	NVMEMmioFor nvme.MMIOFor
	DestApicID  uint8
}

/// Kernel_t is everything Sequence constructs.
type Kernel_t struct {
	GDT      *gdt.Table_t
	Phys     *mem.Physmem_t
	KernelAS *vm.AddressSpace
	Trap     *trap.Table_t
	Sched    *task.Scheduler_t
	Devices  *device.Table_t

	Clock    *clock.Clock_t
	Keyboard *keyboard.Keyboard_t
	RTC      *rtc.Rtc_t
	IDE      []*ide.Controller_t
	NVMe     []*nvme.Controller_t
}

/// Sequence builds a Kernel_t in the fixed order comments throughout
/// this package name: gdt -> mem -> vm -> trap/apic -> scheduler ->
/// device table -> individual drivers. Each stage only ever consumes
/// what an earlier stage already returned.
func Sequence(cfg Config_t) (*Kernel_t, error) {
	k := &Kernel_t{}

	k.GDT = gdt.New()

	info, err := bootinfo.Parse(cfg.BootMagic, cfg.BootAddr)
	if err != nil {
		return nil, err
	}
	k.Phys = mem.NewPhysmem(mem.Pa_t(info.Base), mem.Pa_t(info.Size))

	k.KernelAS = vm.NewKernelAddressSpace(k.Phys)

	k.Trap = trap.New()
	k.Trap.SetCodeImage(cfg.CodeBase, cfg.Code)
	k.Trap.InitAPIC(&pageMMIO{}, &pageMMIO{}, cfg.LegacyIO, cfg.DestApicID)

	k.Sched = task.NewScheduler()
	k.Devices = device.New(k.Sched)

	k.Clock = clock.New(cfg.LegacyIO, k.Sched)
	k.Clock.Init(k.Trap)

	k.Keyboard = keyboard.New(cfg.LegacyIO, k.Sched, keyboardLayout(cfg.DeviceTree))
	k.Trap.Register(irqKeyboard, k.Keyboard.Handler)
	k.Trap.SetMask(irqKeyboard, true)
	k.Devices.Install(defs.D_CHAR, defs.S_KEYBOARD, "kbd0", -1, k.Keyboard)

	k.RTC = rtc.New(cfg.LegacyIO)
	if cfg.DeviceTree != nil {
		k.RTC.ProbeDeviceTree(cfg.DeviceTree)
	}
	k.RTC.Init(k.Trap)
	k.Devices.Install(defs.D_CHAR, defs.S_RTC, "rtc0", -1, k.RTC)

	k.IDE = initIDE(cfg, k)

	if cfg.PCI != nil && cfg.NVMEMmioFor != nil {
		k.NVMe = nvme.DiscoverAndInstall(cfg.PCI, cfg.NVMEMmioFor, k.Sched, k.Devices)
	}

	return k, nil
}

// keyboardLayout resolves the device tree's keymap property the way
// rtc_dt_probe resolves CMOS ports -- falling back to the built-in US
// layout when there is no device tree or no keymap property, so a
// missing layout degrades instead of failing bring-up.
func keyboardLayout(tree *fdt.Tree_t) keyboard.Keymap_t {
	if tree == nil {
		return keyboard.USKeymap
	}
	name, ok := tree.Keymap(keyboardNode)
	if !ok {
		return keyboard.USKeymap
	}
	return keyboard.KeymapNamed(name)
}

// initIDE brings up the two conventional ISA IDE channels, installing
// whatever drive on each actually answers IDENTIFY. A channel or drive
// that doesn't respond is simply absent from k.IDE/the device table,
// the Go shape of the original probing both channels unconditionally
// and only registering what it finds.
func initIDE(cfg Config_t, k *Kernel_t) []*ide.Controller_t {
	channels := []struct {
		name    string
		ioBase  uint16
		irq     int
	}{
		{"ide0", ideBasePrimary, irqIDEPrimary},
		{"ide1", ideBaseSecondary, irqIDESecondary},
	}

	var ctrls []*ide.Controller_t
	for _, ch := range channels {
		ctrl := ide.NewController(ch.name, ch.ioBase, cfg.LegacyIO, k.Sched)
		k.Trap.Register(ch.irq, ctrl.Handler)
		k.Trap.SetMask(ch.irq, true)
		ctrls = append(ctrls, ctrl)

		for didx, suffix := range []string{"", "s"} {
			disk := ide.NewDisk(ctrl, ch.name+suffix, didx)
			if err := disk.Identify(); err != 0 {
				continue
			}
			k.Devices.Install(defs.D_BLOCK, defs.S_IDE_DISK, disk.Name, -1, disk)
		}
	}
	return ctrls
}
