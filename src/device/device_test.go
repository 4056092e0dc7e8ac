package device

import (
	"testing"

	"onix/src/defs"
	"onix/src/task"
)

type fakeOps struct {
	reads, writes [][]byte
	errOnWrite    defs.Err_t
}

func (f *fakeOps) Read(buf []byte, sector, flags int) defs.Err_t {
	f.reads = append(f.reads, append([]byte(nil), buf...))
	return 0
}

func (f *fakeOps) Write(buf []byte, sector, flags int) defs.Err_t {
	f.writes = append(f.writes, append([]byte(nil), buf...))
	return f.errOnWrite
}

func (f *fakeOps) Ioctl(cmd int, arg any) (int, defs.Err_t) { return 0, 0 }

func TestInstallFindGet(t *testing.T) {
	sched := task.NewScheduler()
	tbl := New(sched)
	ops := &fakeOps{}
	id := tbl.Install(defs.D_BLOCK, defs.S_IDE_DISK, "hda", -1, ops)

	got := tbl.Find(defs.S_IDE_DISK, 0)
	if got == nil || got.ID != id {
		t.Fatal("expected to find the just-installed device by subtype")
	}
	if tbl.Get(id) != got {
		t.Fatal("Get and Find should resolve to the same device")
	}
}

func TestGetOfUninstalledPanics(t *testing.T) {
	sched := task.NewScheduler()
	tbl := New(sched)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic getting an unused device slot")
		}
	}()
	tbl.Get(3)
}

func TestSubmitDispatchesReadAndWrite(t *testing.T) {
	sched := task.NewScheduler()
	tbl := New(sched)
	ops := &fakeOps{}
	id := tbl.Install(defs.D_BLOCK, defs.S_NVME_NS, "nvme0n1", -1, ops)
	dev := tbl.Get(id)

	wbuf := []byte{1, 2, 3, 4}
	if err := dev.Submit(sched, &Request{Dev: id, Sector: 5, Write: true, Buf: wbuf}); err != 0 {
		t.Fatalf("write submit: %v", err)
	}
	rbuf := make([]byte, 4)
	if err := dev.Submit(sched, &Request{Dev: id, Sector: 5, Write: false, Buf: rbuf}); err != 0 {
		t.Fatalf("read submit: %v", err)
	}
	if len(ops.writes) != 1 || len(ops.reads) != 1 {
		t.Fatalf("expected exactly one write and one read, got %d/%d", len(ops.writes), len(ops.reads))
	}
	if len(dev.pending) != 0 {
		t.Fatal("queue should be empty once every submitted request has completed")
	}
}

func TestLastHardwareErrorSurfacesFromDriver(t *testing.T) {
	sched := task.NewScheduler()
	tbl := New(sched)
	ops := &fakeOps{errOnWrite: defs.EIO}
	id := tbl.Install(defs.D_BLOCK, defs.S_IDE_DISK, "hda", -1, ops)
	dev := tbl.Get(id)

	req := &Request{Dev: id, Write: true, Buf: []byte{0}}
	dev.Submit(sched, req)
	if req.LastHardwareError() != defs.EIO {
		t.Fatalf("expected EIO surfaced on the request, got %v", req.LastHardwareError())
	}
}
