// Package device implements the device table and block-request
// serialization every storage driver (ide, nvme) sits behind: devices
// register themselves once at bring-up, callers look them up by
// subtype, and concurrent block requests to the same device queue FIFO
// rather than racing the underlying controller.
package device

import (
	"sync"

	"onix/src/defs"
	"onix/src/task"
)

type Ops interface {
	Read(buf []byte, sector, flags int) defs.Err_t
	Write(buf []byte, sector, flags int) defs.Err_t
	Ioctl(cmd int, arg any) (int, defs.Err_t)
}

/// Device_t is one entry in the device table: a name, type/subtype pair
/// used for lookup, an optional parent (a partition's backing disk),
/// and the driver-supplied Ops.
type Device_t struct {
	ID      int
	Name    string
	Type    defs.Devtype_t
	Subtype defs.Subtype_t
	Parent  int // device ID, or -1
	Ops     Ops

	mu      sync.Mutex
	pending []*Request
}

/// Request is one queued block I/O operation, the Go analogue of
/// request_t.
type Request struct {
	Dev    int
	Sector int
	Count  int
	Flags  int
	Write  bool
	Buf    []byte

	waiter   *task.Task_t
	lastErr  defs.Err_t
}

/// LastHardwareError reports the error the driver returned for this
/// request, letting a caller distinguish "queued behind other work" from
/// "the controller reported a real failure" -- the io-error detail the
/// original's request struct doesn't carry back to the submitter.
func (r *Request) LastHardwareError() defs.Err_t {
	return r.lastErr
}

const maxDevices = 64

/// Table_t is the global device table (component K).
type Table_t struct {
	mu      sync.Mutex
	devices [maxDevices]*Device_t
	sched   *task.Scheduler_t
}

/// New returns an empty device table. sched is used to block/unblock
/// tasks waiting behind a busy device's request queue.
func New(sched *task.Scheduler_t) *Table_t {
	return &Table_t{sched: sched}
}

/// Install registers a new device and returns its device ID, the Go
/// shape of device_install.
func (t *Table_t) Install(typ defs.Devtype_t, subtype defs.Subtype_t, name string, parent int, ops Ops) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.devices {
		if t.devices[i] == nil {
			d := &Device_t{ID: i, Name: name, Type: typ, Subtype: subtype, Parent: parent, Ops: ops}
			t.devices[i] = d
			return i
		}
	}
	panic("device: table full")
}

/// Find returns the idx'th installed device of the given subtype, or
/// nil, the Go shape of device_find.
func (t *Table_t) Find(subtype defs.Subtype_t, idx int) *Device_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, d := range t.devices {
		if d == nil || d.Subtype != subtype {
			continue
		}
		if n == idx {
			return d
		}
		n++
	}
	return nil
}

/// Get returns the device with the given ID, panicking if it was never
/// installed -- looking up a bogus device ID is a programming error, not
/// something a caller recovers from.
func (t *Table_t) Get(id int) *Device_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.devices[id]
	if d == nil {
		panic("device: lookup of uninstalled device")
	}
	return d
}

/// Submit enqueues req against its device. If the device already has a
/// request in flight, the caller's task blocks until it reaches the
/// front of the FIFO; otherwise the request runs immediately on the
/// calling task. Either way Submit returns once req has actually been
/// serviced.
func (d *Device_t) Submit(sched *task.Scheduler_t, req *Request) defs.Err_t {
	d.mu.Lock()
	empty := len(d.pending) == 0
	d.pending = append(d.pending, req)
	d.mu.Unlock()

	if !empty {
		req.waiter = sched.Running()
		sched.Block(req.waiter, task.Blocked)
	}

	if req.Write {
		req.lastErr = d.Ops.Write(req.Buf, req.Sector, req.Flags)
	} else {
		req.lastErr = d.Ops.Read(req.Buf, req.Sector, req.Flags)
	}

	d.mu.Lock()
	d.pending = d.pending[1:]
	var wake *Request
	if len(d.pending) > 0 {
		wake = d.pending[0]
	}
	d.mu.Unlock()

	if wake != nil && wake.waiter != nil {
		sched.Unblock(wake.waiter)
	}
	return req.lastErr
}
