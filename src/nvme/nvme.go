// Package nvme implements the NVMe block driver: PCI discovery of a
// class-0x01/subclass-0x08/prog-if-0x02 function, the controller
// bring-up sequence (CC/CSTS reset-then-enable, admin queue setup),
// the admin and IO submission/completion queue pairs and their
// doorbell-ring/phase-bit poll protocol, IDENTIFY parsing, and
// bounce-buffer reads/writes through a disk's partitions, all wired
// into the shared device table. (src/ide disks are installed whole by
// src/boot; only this driver installs partitions.)
package nvme

import (
	"fmt"
	"unsafe"

	"onix/src/defs"
	"onix/src/device"
	"onix/src/mbr"
	"onix/src/mem"
	"onix/src/mutex"
	"onix/src/pci"
	"onix/src/task"
)

const (
	// CtrlNR, DiskNR and PartNR bound how many controllers, namespaces
	// per controller, and partitions per namespace this driver tracks --
	// namespace 1 only, four partition slots filled in mbr.Read order
	// (primary entries first, then logical ones).
	CtrlNR  = 2
	DiskNR  = 1
	PartNR  = 4

	AdminQDepth = 16
	IOQDepth    = 16

	SectorSize = 512

	classMassStorage = 0x01
	subclassNVM      = 0x08
	progIFNVMe       = 0x02

	pciCommandOffset  = 0x04
	pciBAR0Offset     = 0x10
	pciBAR1Offset     = 0x14
	memorySpaceEnable = 1 << 1
	busMasterEnable   = 1 << 2

	regCAP  = 0x0000
	regVS   = 0x0008
	regCC   = 0x0014
	regCSTS = 0x001C
	regAQA  = 0x0024
	regASQ  = 0x0028
	regACQ  = 0x0030
	regDBS  = 0x1000

	cstsRDY = 1 << 0

	ccEN     = 1 << 0
	ccIOSQES = 6 << 16 // 2^6 = 64-byte submission entries
	ccIOCQES = 4 << 20 // 2^4 = 16-byte completion entries

	readyTimeout = 1 << 20

	opCreateIOSQ = 0x01
	opCreateIOCQ = 0x05
	opIdentify   = 0x06

	opWrite = 0x01
	opRead  = 0x02

	cnsNamespace = 0
)

/// MMIO_i is a 32-bit memory-mapped register window, the same shape
/// trap.MMIO_i uses for LAPIC/IOAPIC -- the BAR this driver maps is
/// just another fixed physical window a caller hands in already
/// mapped.
type MMIO_i interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, v uint32)
}

// MMIOFor maps a BAR's physical base address to the register window a
// Controller_t programs; the caller (the boot path) owns the actual
// physical-to-virtual mapping, the same role trap.InitAPIC's lapic and
// ioapic parameters play.
type MMIOFor func(base uint32) MMIO_i

func readReg64(m MMIO_i, off uint32) uint64 {
	lo := m.Read32(off)
	hi := m.Read32(off + 4)
	return uint64(lo) | uint64(hi)<<32
}

func writeReg64(m MMIO_i, off uint32, v uint64) {
	m.Write32(off, uint32(v))
	m.Write32(off+4, uint32(v>>32))
}

/// Cmd_t is one 64-byte NVMe submission queue entry (the fields this
/// driver actually uses; the reserved/metadata words nvme_cmd_t also
/// carries are omitted since nothing here issues metadata-pointer or
/// scatter-gather commands). Prp1 is kept for wire-format fidelity but
/// never dereferenced -- there is no physical DMA to model without
/// real hardware behind MMIO_i, so the associated data buffer is
/// threaded through the queue's own side table instead (see
/// queuePair.data).
type Cmd_t struct {
	Opc   uint8
	Cid   uint16
	Nsid  uint32
	Prp1  uint64
	Cdw10 uint32
	Cdw11 uint32
	Cdw12 uint32
}

/// Cpl_t is one 16-byte completion queue entry. Status bit 0 is the
/// phase bit, bits 1-8 the status code, bits 9-11 the status code type.
type Cpl_t struct {
	Cdw0   uint32
	Cid    uint16
	Status uint16
}

// queuePair is one submission/completion queue pair -- admin (qid 0)
// or IO (qid 1) -- and the phase-bit bookkeeping the poll protocol
// needs across head/tail wraparound.
type queuePair struct {
	qid  uint16
	sq   []Cmd_t
	cq   []Cpl_t
	data [][]byte // data buffer associated with the SQ slot at the same index

	tail, head uint16
	phase      uint16
}

func newQueuePair(qid uint16, depth int) *queuePair {
	return &queuePair{
		qid:   qid,
		sq:    make([]Cmd_t, depth),
		cq:    make([]Cpl_t, depth),
		data:  make([][]byte, depth),
		phase: 1,
	}
}

func addrOfCmds(sq []Cmd_t) uint64 {
	if len(sq) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&sq[0])))
}

func addrOfCpls(cq []Cpl_t) uint64 {
	if len(cq) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&cq[0])))
}

/// Controller_t is one NVMe controller: its MMIO window, admin and IO
/// queue pairs, and the lock serializing every command issued against
/// it, mirroring nvme_ctrl_t.
type Controller_t struct {
	Name     string
	mmio     MMIO_i
	dbStride uint32
	nextCid  uint16
	lock     *mutex.Raw_t
	sched    *task.Scheduler_t

	admin *queuePair
	io    *queuePair

	Disks []*Disk_t
}

/// NewController returns a controller bound to mmio, not yet brought
/// up -- call Init to perform the CC/CSTS reset-then-enable sequence
/// and create its IO queue pair.
func NewController(name string, mmio MMIO_i, sched *task.Scheduler_t) *Controller_t {
	return &Controller_t{Name: name, mmio: mmio, sched: sched, lock: mutex.NewRaw()}
}

func (c *Controller_t) nextCID() uint16 {
	c.nextCid++
	if c.nextCid == 0 {
		c.nextCid = 1
	}
	return c.nextCid
}

func (c *Controller_t) sqDoorbell(qid uint16) uint32 {
	return regDBS + (2*uint32(qid))*c.dbStride
}

func (c *Controller_t) cqDoorbell(qid uint16) uint32 {
	return regDBS + (2*uint32(qid)+1)*c.dbStride
}

// submit writes cmd into q's submission-queue tail slot, rings the SQ
// doorbell, then polls the completion-queue head for its phase bit to
// match the queue's tracked expected phase before extracting the
// status and ringing the CQ doorbell -- the exact submit/poll/
// phase-toggle protocol nvme_admin_submit and nvme_io_submit both
// implement, generalized into one function shared by both queue
// kinds.
func (c *Controller_t) submit(q *queuePair, cmd Cmd_t, data []byte) (Cpl_t, defs.Err_t) {
	cmd.Cid = c.nextCID()
	tail := q.tail
	q.sq[tail] = cmd
	q.data[tail] = data
	q.tail = (tail + 1) % uint16(len(q.sq))
	c.mmio.Write32(c.sqDoorbell(q.qid), uint32(q.tail))

	head := q.head
	for q.cq[head].Status&1 != q.phase {
		// Real hardware DMAs the completion entry into this slot once
		// the command finishes; there is nothing else to do here but
		// spin until it does.
	}
	got := q.cq[head]
	q.head = (head + 1) % uint16(len(q.cq))
	if q.head == 0 {
		q.phase ^= 1
	}
	c.mmio.Write32(c.cqDoorbell(q.qid), uint32(q.head))

	sc := (got.Status >> 1) & 0xFF
	sct := (got.Status >> 9) & 0x7
	if sc != 0 || sct != 0 {
		return got, defs.EIO
	}
	return got, 0
}

/// Init brings the controller up: reset (CC=0, wait CSTS.RDY clear),
/// read CAP for the doorbell stride, allocate and program the admin
/// queue pair, enable (CC=EN|IOSQES|IOCQES, wait CSTS.RDY set), then
/// create the one IO queue pair this driver uses.
func (c *Controller_t) Init() defs.Err_t {
	c.mmio.Write32(regCC, 0)
	if err := c.waitCSTS(false); err != 0 {
		return err
	}

	cap := readReg64(c.mmio, regCAP)
	dstrd := uint32(cap>>32) & 0xF
	c.dbStride = (1 << dstrd) * 4

	c.admin = newQueuePair(0, AdminQDepth)
	c.mmio.Write32(regAQA, uint32(AdminQDepth-1)|uint32(AdminQDepth-1)<<16)
	writeReg64(c.mmio, regASQ, addrOfCmds(c.admin.sq))
	writeReg64(c.mmio, regACQ, addrOfCpls(c.admin.cq))

	c.mmio.Write32(regCC, ccEN|ccIOSQES|ccIOCQES)
	if err := c.waitCSTS(true); err != 0 {
		return err
	}

	return c.createIOQueues()
}

func (c *Controller_t) waitCSTS(ready bool) defs.Err_t {
	for i := 0; i < readyTimeout; i++ {
		rdy := c.mmio.Read32(regCSTS)&cstsRDY != 0
		if rdy == ready {
			return 0
		}
	}
	return defs.EIO
}

func (c *Controller_t) createIOQueues() defs.Err_t {
	c.io = newQueuePair(1, IOQDepth)

	cqCmd := Cmd_t{
		Opc:   opCreateIOCQ,
		Cdw10: uint32(c.io.qid) | uint32(IOQDepth-1)<<16,
		Cdw11: 1, // physically contiguous
	}
	if _, err := c.submit(c.admin, cqCmd, nil); err != 0 {
		return err
	}

	sqCmd := Cmd_t{
		Opc:   opCreateIOSQ,
		Cdw10: uint32(c.io.qid) | uint32(IOQDepth-1)<<16,
		Cdw11: uint32(c.io.qid) | 1<<16, // associated cqid, physically contiguous
	}
	_, err := c.submit(c.admin, sqCmd, nil)
	return err
}

/// Identify issues an admin IDENTIFY command for nsid with the given
/// CNS selector, returning the one-page response buffer.
func (c *Controller_t) Identify(nsid, cns uint32) ([]byte, defs.Err_t) {
	buf := make([]byte, mem.PGSIZE)
	cmd := Cmd_t{Opc: opIdentify, Nsid: nsid, Cdw10: cns}
	_, err := c.submit(c.admin, cmd, buf)
	return buf, err
}

/// Disk_t is one NVMe namespace, identified and ready for block I/O.
type Disk_t struct {
	Ctrl         *Controller_t
	Name         string
	Nsid         uint32
	TotalSectors uint32
	LBASize      uint32
}

/// Identify fills in TotalSectors and LBASize from an IDENTIFY
/// NAMESPACE response, the Go shape of nvme_disk_identify: NSZE gives
/// the sector count (rejecting namespaces larger than 2^32 sectors),
/// FLBAS selects the active LBA format, and that format's LBADS gives
/// the sector size (rejecting anything but 512 bytes).
func (d *Disk_t) Identify() defs.Err_t {
	buf, err := d.Ctrl.Identify(d.Nsid, cnsNamespace)
	if err != 0 {
		return err
	}
	nszeLow := le32(buf[0:4])
	nszeHigh := le32(buf[4:8])
	if nszeHigh != 0 {
		return defs.EINVAL
	}
	flbas := buf[0x1A] & 0xF
	lbaf := buf[0x80+int(flbas)*4:]
	lbads := lbaf[2]
	lbaSize := uint32(1) << lbads
	if lbaSize != SectorSize {
		return defs.EINVAL
	}
	d.TotalSectors = nszeLow
	d.LBASize = lbaSize
	return 0
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// rw performs one bounce-buffer-based transfer of up to a page (8
// sectors): copy into the bounce buffer on a write, submit the IO
// command, copy back out of it on a read.
func (d *Disk_t) rw(buf []byte, lba int, write bool) defs.Err_t {
	if len(buf)%SectorSize != 0 || len(buf) == 0 {
		return defs.EINVAL
	}
	count := len(buf) / SectorSize
	if count > mem.PGSIZE/SectorSize {
		return defs.EINVAL
	}

	c := d.Ctrl
	c.lock.Lock(c.sched)
	defer c.lock.Unlock(c.sched)

	bounce := make([]byte, count*SectorSize)
	if write {
		copy(bounce, buf)
	}
	cmd := Cmd_t{Nsid: d.Nsid, Cdw10: uint32(lba), Cdw12: uint32(count - 1)}
	if write {
		cmd.Opc = opWrite
	} else {
		cmd.Opc = opRead
	}
	if _, err := c.submit(c.io, cmd, bounce); err != 0 {
		return err
	}
	if !write {
		copy(buf, bounce)
	}
	return 0
}

/// Read implements device.Ops.
func (d *Disk_t) Read(buf []byte, sector, flags int) defs.Err_t { return d.rw(buf, sector, false) }

/// Write implements device.Ops.
func (d *Disk_t) Write(buf []byte, sector, flags int) defs.Err_t { return d.rw(buf, sector, true) }

const (
	ioctlSectorStart = 1
	ioctlSectorCount = 2
)

/// Ioctl implements device.Ops's metadata query, the same shape as
/// ide.Disk_t.Ioctl.
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

/// Part_t is one partition (primary or logical) of an NVMe namespace, a window onto
/// its disk's LBA range.
type Part_t struct {
	Disk  *Disk_t
	Name  string
	Start uint32
	Count uint32
}

func (p *Part_t) bounds(sector, nsectors int) defs.Err_t {
	if sector < 0 || nsectors < 0 || uint32(sector+nsectors) > p.Count {
		return defs.EINVAL
	}
	return 0
}

/// Read implements device.Ops, translating a partition-relative sector
/// into an absolute one on the backing disk.
func (p *Part_t) Read(buf []byte, sector, flags int) defs.Err_t {
	if err := p.bounds(sector, len(buf)/SectorSize); err != 0 {
		return err
	}
	return p.Disk.Read(buf, int(p.Start)+sector, flags)
}

/// Write implements device.Ops.
func (p *Part_t) Write(buf []byte, sector, flags int) defs.Err_t {
	if err := p.bounds(sector, len(buf)/SectorSize); err != 0 {
		return err
	}
	return p.Disk.Write(buf, int(p.Start)+sector, flags)
}

/// Ioctl implements device.Ops.
func (p *Part_t) Ioctl(cmd int, arg any) (int, defs.Err_t) {
	switch cmd {
	case ioctlSectorStart:
		return int(p.Start), 0
	case ioctlSectorCount:
		return int(p.Count), 0
	default:
		return 0, defs.EINVAL
	}
}

// diskSectorReader adapts a Disk_t to mbr.ReadSector_i so the standard
// partition-table walk (including the extended-chain recursion this
// kernel added beyond the original's primary-table-only parse) can run
// against an NVMe namespace.
type diskSectorReader struct{ disk *Disk_t }

func (r diskSectorReader) ReadSector(lba uint32) ([]byte, error) {
	buf := make([]byte, SectorSize)
	if err := r.disk.Read(buf, int(lba), 0); err != 0 {
		return nil, fmt.Errorf("nvme: read lba %d: err %d", lba, err)
	}
	return buf, nil
}

func findControllers(pio pci.IO_i) []pci.Function_t {
	var out []pci.Function_t
	for _, f := range pci.Scan(pio) {
		if f.ClassCode == classMassStorage && f.Subclass == subclassNVM && f.ProgIF == progIFNVMe {
			out = append(out, f)
		}
	}
	return out
}

// barAddress reads BAR0, rejecting any 64-bit BAR whose high dword is
// nonzero -- this 32-bit kernel cannot map an MMIO window above 4GiB.
func barAddress(pio pci.IO_i, f pci.Function_t) uint32 {
	bar0 := pci.ReadConfig32(pio, f.Bus, f.Slot, f.Fn, pciBAR0Offset)
	if bar0&0x6 == 0x4 {
		bar1 := pci.ReadConfig32(pio, f.Bus, f.Slot, f.Fn, pciBAR1Offset)
		if bar1 != 0 {
			panic("nvme: 64-bit BAR above 4GiB is unsupported")
		}
	}
	return bar0 &^ 0xF
}

func enableBusMastering(pio pci.IO_i, f pci.Function_t) {
	cmd := pci.ReadConfig32(pio, f.Bus, f.Slot, f.Fn, pciCommandOffset)
	cmd |= memorySpaceEnable | busMasterEnable
	pci.WriteConfig32(pio, f.Bus, f.Slot, f.Fn, pciCommandOffset, cmd)
}

/// DiscoverAndInstall walks the PCI bus for up to CtrlNR NVMe
/// controllers, brings each one up, identifies namespace 1 as its one
/// disk, partitions it, and installs the disk and its non-empty
/// partitions into devices. Returns every controller that completed
/// bring-up, whether or not its namespace turned out to be empty.
func DiscoverAndInstall(pio pci.IO_i, mmioFor MMIOFor, sched *task.Scheduler_t, devices *device.Table_t) []*Controller_t {
	var ctrls []*Controller_t
	found := findControllers(pio)
	for i, f := range found {
		if i >= CtrlNR {
			break
		}
		enableBusMastering(pio, f)
		base := barAddress(pio, f)

		ctrl := NewController(fmt.Sprintf("nvme%d", i), mmioFor(base), sched)
		if err := ctrl.Init(); err != 0 {
			continue
		}
		ctrls = append(ctrls, ctrl)

		disk := &Disk_t{Ctrl: ctrl, Name: fmt.Sprintf("nvme%dn1", i), Nsid: 1}
		if err := disk.Identify(); err != 0 {
			continue
		}
		ctrl.Disks = append(ctrl.Disks, disk)
		install(disk, devices)
	}
	return ctrls
}

func install(disk *Disk_t, devices *device.Table_t) {
	if disk.TotalSectors == 0 {
		return
	}
	diskID := devices.Install(defs.D_BLOCK, defs.S_NVME_NS, disk.Name, -1, disk)

	parts, err := mbr.Read(diskSectorReader{disk})
	if err != nil {
		return
	}
	n := 0
	for _, p := range parts {
		if n >= PartNR {
			break
		}
		if p.Sectors == 0 {
			continue
		}
		n++
		part := &Part_t{Disk: disk, Name: fmt.Sprintf("%sp%d", disk.Name, n), Start: p.LBAStart, Count: p.Sectors}
		devices.Install(defs.D_BLOCK, defs.S_NVME_PART, part.Name, diskID, part)
	}
}
