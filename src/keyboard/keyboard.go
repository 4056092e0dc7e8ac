// Package keyboard decodes PS/2 scancodes off IRQ1 into a small FIFO of
// ASCII bytes a blocked reader task drains, the Go shape of a console
// input queue without any of the line-discipline/TTY machinery that
// sits on top of it elsewhere in the original kernel.
package keyboard

import (
	"onix/src/defs"
	"onix/src/task"
)

const (
	dataPort = 0x60

	shiftMake  = 0x2A
	shiftMake2 = 0x36
	shiftBreak = 0xAA
	shiftBreak2 = 0x36 | 0x80

	breakBit = 0x80

	fifoCapacity = 64
)

/// IO_i is the single port this driver reads, abstracted for testing.
type IO_i interface {
	In8(port uint16) uint8
}

// fifo is a small fixed-capacity circular byte queue, the same
// head/tail-modulo-capacity shape as a page-backed circbuf without the
// lazy page allocation -- this FIFO is always small and always
// kernel-resident, so there is nothing to allocate lazily.
type fifo struct {
	buf        [fifoCapacity]byte
	head, tail int
}

func (f *fifo) full() bool  { return f.head-f.tail == fifoCapacity }
func (f *fifo) empty() bool { return f.head == f.tail }

func (f *fifo) push(b byte) bool {
	if f.full() {
		return false
	}
	f.buf[f.head%fifoCapacity] = b
	f.head++
	return true
}

func (f *fifo) pop() (byte, bool) {
	if f.empty() {
		return 0, false
	}
	b := f.buf[f.tail%fifoCapacity]
	f.tail++
	return b, true
}

/// Keymap_t maps a scancode (index) to the ASCII byte it produces, one
/// table for the unshifted and one for the shifted layout -- the device
/// tree's "keymap" property selects which pair of tables a Keyboard_t
/// is built with, via KeymapNamed.
type Keymap_t struct {
	Plain, Shifted [128]byte
}

/// KeymapNamed resolves a device tree "keymap" property value to a
/// built-in layout, falling back to USKeymap for anything unrecognized
/// so a missing or unsupported layout degrades instead of failing
/// device discovery outright.
func KeymapNamed(name string) Keymap_t {
	switch name {
	case "us-qwerty", "":
		return USKeymap
	default:
		return USKeymap
	}
}

// USKeymap is the built-in fallback layout, covering the printable keys
// a teaching kernel's console actually needs.
var USKeymap = buildUSKeymap()

func buildUSKeymap() Keymap_t {
	var k Keymap_t
	lower := "\x00\x1b1234567890-=\x08\tqwertyuiop[]\r\x00asdfghjkl;'`\x00\\zxcvbnm,./\x00*\x00 "
	upper := "\x00\x1b!@#$%^&*()_+\x08\tQWERTYUIOP{}\r\x00ASDFGHJKL:\"~\x00|ZXCVBNM<>?\x00*\x00 "
	for i := 0; i < len(lower) && i < 128; i++ {
		k.Plain[i] = lower[i]
	}
	for i := 0; i < len(upper) && i < 128; i++ {
		k.Shifted[i] = upper[i]
	}
	return k
}

/// Keyboard_t owns the decode state machine (shift tracking) and the
/// FIFO a console reads from.
type Keyboard_t struct {
	io     IO_i
	sched  *task.Scheduler_t
	keymap Keymap_t

	shift  bool
	q      fifo
	reader *task.Task_t
}

/// New returns a keyboard driver using the given keymap (pass USKeymap
/// absent a device-tree override).
func New(io IO_i, sched *task.Scheduler_t, keymap Keymap_t) *Keyboard_t {
	return &Keyboard_t{io: io, sched: sched, keymap: keymap}
}

/// Handler is the IRQ1 service routine: read one scancode, update shift
/// state or decode and enqueue a byte, then wake a blocked reader.
func (kb *Keyboard_t) Handler(vector int) {
	code := kb.io.In8(dataPort)
	switch code {
	case shiftMake, shiftMake2:
		kb.shift = true
		return
	case shiftBreak, shiftBreak2:
		kb.shift = false
		return
	}
	if code&breakBit != 0 {
		return // key release, nothing to decode
	}
	if int(code) >= len(kb.keymap.Plain) {
		return
	}
	var b byte
	if kb.shift {
		b = kb.keymap.Shifted[code]
	} else {
		b = kb.keymap.Plain[code]
	}
	if b == 0 {
		return
	}
	kb.q.push(b)
	if kb.reader != nil {
		kb.sched.Unblock(kb.reader)
		kb.reader = nil
	}
}

/// ReadByte blocks the calling task until a decoded key is available,
/// then returns it.
func (kb *Keyboard_t) ReadByte() (byte, defs.Err_t) {
	for kb.q.empty() {
		kb.reader = kb.sched.Running()
		kb.sched.Block(kb.reader, task.Blocked)
	}
	b, _ := kb.q.pop()
	return b, 0
}

// Read implements device.Ops for a keyboard installed as a device-table
// entry: sector/flags are meaningless for a character stream, so every
// call fills buf byte by byte from the decode FIFO.
func (kb *Keyboard_t) Read(buf []byte, sector, flags int) defs.Err_t {
	for i := range buf {
		b, err := kb.ReadByte()
		if err != 0 {
			return err
		}
		buf[i] = b
	}
	return 0
}

// Write is not meaningful for an input-only device.
func (kb *Keyboard_t) Write(buf []byte, sector, flags int) defs.Err_t {
	return defs.EINVAL
}

const ioctlPending = 1

/// Ioctl reports how many decoded bytes are queued.
func (kb *Keyboard_t) Ioctl(cmd int, arg any) (int, defs.Err_t) {
	if cmd != ioctlPending {
		return 0, defs.EINVAL
	}
	return kb.q.head - kb.q.tail, 0
}
