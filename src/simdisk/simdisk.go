// Package simdisk implements a host-file-backed block device: a
// device.Ops that reads and writes fixed-size sectors of an *os.File
// the way src/ide and src/nvme read and write real hardware, so tools
// like cmd/diskbench can drive and measure the block I/O path without
// any real disk controller.
package simdisk

import (
	"os"

	"onix/src/defs"
	"onix/src/mbr"
)

const SectorSize = 512

// Disk_t is a block device backed by a plain host file: sector N lives
// at byte offset N*SectorSize. New grows the file to its full size up
// front; reads and writes past the last sector return EINVAL, the
// fixed-size-image assumption src/ide and src/nvme both make about
// their backing media.
type Disk_t struct {
	f       *os.File
	sectors int64
}

// New opens path (creating it if absent) as a disk image of size
// sectors*SectorSize, zero-filling any newly created bytes.
func New(path string, sectors int64) (*Disk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	want := sectors * SectorSize
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &Disk_t{f: f, sectors: sectors}, nil
}

func (d *Disk_t) Close() error {
	return d.f.Close()
}

func (d *Disk_t) bounds(sector, nsectors int) defs.Err_t {
	if sector < 0 || nsectors <= 0 || int64(sector+nsectors) > d.sectors {
		return defs.EINVAL
	}
	return 0
}

// Read implements device.Ops: len(buf) must be a positive multiple of
// SectorSize.
func (d *Disk_t) Read(buf []byte, sector, flags int) defs.Err_t {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return defs.EINVAL
	}
	if err := d.bounds(sector, len(buf)/SectorSize); err != 0 {
		return err
	}
	if _, err := d.f.ReadAt(buf, int64(sector)*SectorSize); err != nil {
		return defs.EIO
	}
	return 0
}

// Write implements device.Ops.
func (d *Disk_t) Write(buf []byte, sector, flags int) defs.Err_t {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return defs.EINVAL
	}
	if err := d.bounds(sector, len(buf)/SectorSize); err != 0 {
		return err
	}
	if _, err := d.f.WriteAt(buf, int64(sector)*SectorSize); err != nil {
		return defs.EIO
	}
	return 0
}

const (
	ioctlSectorCount = 1
)

// Ioctl implements device.Ops: ioctlSectorCount reports the disk's
// total sector count.
func (d *Disk_t) Ioctl(cmd int, arg any) (int, defs.Err_t) {
	if cmd != ioctlSectorCount {
		return 0, defs.EINVAL
	}
	return int(d.sectors), 0
}

// ReadSector implements mbr.ReadSector_i so a simulated disk's
// partition table can be walked the same way src/nvme walks a real
// one.
func (d *Disk_t) ReadSector(lba uint32) ([]byte, error) {
	buf := make([]byte, SectorSize)
	if err := d.bounds(int(lba), 1); err != 0 {
		return nil, os.ErrInvalid
	}
	if _, err := d.f.ReadAt(buf, int64(lba)*SectorSize); err != nil {
		return nil, err
	}
	return buf, nil
}

var _ mbr.ReadSector_i = (*Disk_t)(nil)
