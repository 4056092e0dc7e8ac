// Package ide implements the ATA PIO driver: drive/sector selection,
// the busy-wait status-register protocol, IDENTIFY, and the per-
// controller lock that keeps the two drives on one cable from racing
// each other's command register writes.
package ide

import (
	"onix/src/defs"
	"onix/src/mutex"
	"onix/src/task"
)

const (
	regData       = 0x0
	regError      = 0x1
	regFeatures   = 0x1
	regSectorCnt  = 0x2
	regLBALow     = 0x3
	regLBAMid     = 0x4
	regLBAHigh    = 0x5
	regDrive      = 0x6
	regStatus     = 0x7
	regCommand    = 0x7
	regAltStatus  = 0x206
	regControl    = 0x206

	cmdRead     = 0x20
	cmdWrite    = 0x30
	cmdIdentify = 0xEC

	srBSY  = 0x80
	srDRDY = 0x40
	srDF   = 0x20
	srDRQ  = 0x08
	srERR  = 0x01

	lbaMaster = 0xE0
	lbaSlave  = 0xF0

	sectorSize = 512
)

/// IO_i is the port-I/O surface this driver needs, abstracted so tests
/// can substitute an in-memory fake ATA device.
type IO_i interface {
	In8(port uint16) uint8
	Out8(port uint16, v uint8)
	In16(port uint16) uint16
	Out16(port uint16, v uint16)
}

/// Controller_t is one IDE channel (primary or secondary), serializing
/// every command issued to either of its two drives behind a single
/// raw mutex -- exactly one outstanding command per cable, matching the
/// hardware's own limitation.
type Controller_t struct {
	Name    string
	ioBase  uint16
	io      IO_i
	lock    *mutex.Raw_t
	sched   *task.Scheduler_t
	waiting *task.Task_t
	lastErr defs.Err_t
}

/// NewController returns a controller bound to ioBase (0x1F0 primary,
/// 0x170 secondary in the conventional layout).
func NewController(name string, ioBase uint16, io IO_i, sched *task.Scheduler_t) *Controller_t {
	return &Controller_t{Name: name, ioBase: ioBase, io: io, lock: mutex.NewRaw(), sched: sched}
}

/// Handler services the controller's completion interrupt: read the
/// status register (clearing the pending-interrupt condition) and wake
/// whoever is blocked on this command.
func (c *Controller_t) Handler(vector int) {
	c.io.In8(c.ioBase + regStatus)
	if c.waiting != nil {
		c.sched.Unblock(c.waiting)
		c.waiting = nil
	}
}

// LastError reports EIO once this controller has seen the ERR bit in
// its status register, and 0 before that. The ATA error register itself
// is not read, and the value is not cleared by later commands.
func (c *Controller_t) LastError() defs.Err_t {
	return c.lastErr
}

func (c *Controller_t) waitBusyClear(mask uint8) defs.Err_t {
	for {
		status := c.io.In8(c.ioBase + regAltStatus)
		if status&srERR != 0 {
			c.lastErr = defs.EIO
		}
		if status&srBSY != 0 {
			continue
		}
		if status&mask == mask {
			return 0
		}
	}
}

/// Disk_t is one physical drive on a controller.
type Disk_t struct {
	Ctrl          *Controller_t
	Name          string
	selector      uint8
	Master        bool
	TotalSectors  uint32
	Cylinders     uint16
	Heads         uint16
	SectorsPerTrk uint16
}

/// NewDisk returns a drive handle for master (didx==0) or slave.
func NewDisk(ctrl *Controller_t, name string, didx int) *Disk_t {
	d := &Disk_t{Ctrl: ctrl, Name: name, Master: didx == 0}
	if d.Master {
		d.selector = lbaMaster
	} else {
		d.selector = lbaSlave
	}
	return d
}

func (d *Disk_t) selectDrive() {
	d.Ctrl.io.Out8(d.Ctrl.ioBase+regDrive, d.selector)
}

func (d *Disk_t) selectSector(lba uint32, count uint8) {
	c := d.Ctrl
	c.io.Out8(c.ioBase+regFeatures, 0)
	c.io.Out8(c.ioBase+regSectorCnt, count)
	c.io.Out8(c.ioBase+regLBALow, uint8(lba))
	c.io.Out8(c.ioBase+regLBAMid, uint8(lba>>8))
	c.io.Out8(c.ioBase+regLBAHigh, uint8(lba>>16))
	c.io.Out8(c.ioBase+regDrive, d.selector|uint8((lba>>24)&0x0F))
}

func (d *Disk_t) readSectorPIO(buf []byte) {
	base := d.Ctrl.ioBase
	for i := 0; i < sectorSize/2; i++ {
		w := d.Ctrl.io.In16(base + regData)
		buf[i*2] = uint8(w)
		buf[i*2+1] = uint8(w >> 8)
	}
}

func (d *Disk_t) writeSectorPIO(buf []byte) {
	base := d.Ctrl.ioBase
	for i := 0; i < sectorSize/2; i++ {
		w := uint16(buf[i*2]) | uint16(buf[i*2+1])<<8
		d.Ctrl.io.Out16(base+regData, w)
	}
}

/// Read implements device.Ops, reading count sectors starting at lba.
func (d *Disk_t) Read(buf []byte, lba, flags int) defs.Err_t {
	if len(buf)%sectorSize != 0 {
		return defs.EINVAL
	}
	count := len(buf) / sectorSize
	c := d.Ctrl
	c.lock.Lock(c.sched)
	defer c.lock.Unlock(c.sched)

	d.selectDrive()
	if err := c.waitBusyClear(srDRDY); err != 0 {
		return err
	}
	d.selectSector(uint32(lba), uint8(count))
	c.io.Out8(c.ioBase+regCommand, cmdRead)

	for i := 0; i < count; i++ {
		cur := c.sched.Running()
		c.waiting = cur
		c.sched.Block(cur, task.Blocked)
		if err := c.waitBusyClear(srDRQ); err != 0 {
			return err
		}
		d.readSectorPIO(buf[i*sectorSize : (i+1)*sectorSize])
	}
	return 0
}

/// Write implements device.Ops.
func (d *Disk_t) Write(buf []byte, lba, flags int) defs.Err_t {
	if len(buf)%sectorSize != 0 {
		return defs.EINVAL
	}
	count := len(buf) / sectorSize
	c := d.Ctrl
	c.lock.Lock(c.sched)
	defer c.lock.Unlock(c.sched)

	d.selectDrive()
	if err := c.waitBusyClear(srDRDY); err != 0 {
		return err
	}
	d.selectSector(uint32(lba), uint8(count))
	c.io.Out8(c.ioBase+regCommand, cmdWrite)

	for i := 0; i < count; i++ {
		d.writeSectorPIO(buf[i*sectorSize : (i+1)*sectorSize])
		cur := c.sched.Running()
		c.waiting = cur
		c.sched.Block(cur, task.Blocked)
		if err := c.waitBusyClear(0); err != 0 {
			return err
		}
	}
	return 0
}

const (
	ioctlSectorStart = 1
	ioctlSectorCount = 2
)

/// Ioctl implements device.Ops's metadata query, the Go shape of
/// ide_pio_ioctl for a whole-disk device.
func (d *Disk_t) Ioctl(cmd int, arg any) (int, defs.Err_t) {
	switch cmd {
	case ioctlSectorStart:
		return 0, 0
	case ioctlSectorCount:
		return int(d.TotalSectors), 0
	default:
		return 0, defs.EINVAL
	}
}

/// Identify issues IDENTIFY DEVICE and fills in the disk's geometry. A
/// disk that reports zero total sectors is treated as absent.
func (d *Disk_t) Identify() defs.Err_t {
	c := d.Ctrl
	c.lock.Lock(c.sched)
	defer c.lock.Unlock(c.sched)

	d.selectDrive()
	c.io.Out8(c.ioBase+regCommand, cmdIdentify)
	if err := c.waitBusyClear(0); err != 0 {
		return err
	}
	buf := make([]byte, sectorSize)
	d.readSectorPIO(buf)

	totalLBA := uint32(buf[60]) | uint32(buf[61])<<8 | uint32(buf[62])<<16 | uint32(buf[63])<<24
	if totalLBA == 0 {
		return defs.ENODEV
	}
	d.TotalSectors = totalLBA
	d.Cylinders = uint16(buf[2]) | uint16(buf[3])<<8
	d.Heads = uint16(buf[6]) | uint16(buf[7])<<8
	d.SectorsPerTrk = uint16(buf[12]) | uint16(buf[13])<<8
	return 0
}
