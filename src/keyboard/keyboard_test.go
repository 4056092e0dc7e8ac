package keyboard

import (
	"testing"

	"onix/src/task"
)

type fakeIO struct {
	codes []uint8
	pos   int
}

func (f *fakeIO) In8(port uint16) uint8 {
	if f.pos >= len(f.codes) {
		return 0
	}
	c := f.codes[f.pos]
	f.pos++
	return c
}

func TestLowercaseKeyDecodes(t *testing.T) {
	io := &fakeIO{codes: []uint8{0x1E}} // 'a' in the US scancode set
	sched := task.NewScheduler()
	kb := New(io, sched, USKeymap)
	kb.Handler(0x21)

	b, err := kb.ReadByte()
	if err != 0 {
		t.Fatalf("readbyte: %v", err)
	}
	if b != 'a' {
		t.Fatalf("expected 'a', got %q", b)
	}
}

func TestShiftedKeyDecodesUppercase(t *testing.T) {
	io := &fakeIO{codes: []uint8{shiftMake, 0x1E, shiftBreak}}
	sched := task.NewScheduler()
	kb := New(io, sched, USKeymap)
	kb.Handler(0x21) // shift down
	kb.Handler(0x21) // 'a' -> 'A'
	kb.Handler(0x21) // shift up

	b, _ := kb.ReadByte()
	if b != 'A' {
		t.Fatalf("expected 'A', got %q", b)
	}
}

func TestKeyReleaseProducesNoByte(t *testing.T) {
	io := &fakeIO{codes: []uint8{0x1E | breakBit}}
	sched := task.NewScheduler()
	kb := New(io, sched, USKeymap)
	kb.Handler(0x21)

	if !kb.q.empty() {
		t.Fatal("a key release should not enqueue a byte")
	}
}

func TestFIFODropsWhenFull(t *testing.T) {
	var f fifo
	for i := 0; i < fifoCapacity; i++ {
		if !f.push(byte(i)) {
			t.Fatalf("push %d should have succeeded", i)
		}
	}
	if f.push(99) {
		t.Fatal("push into a full fifo should fail")
	}
}

func TestReadFillsBufferFromMultipleKeys(t *testing.T) {
	io := &fakeIO{codes: []uint8{0x1E, 0x30, 0x2E}} // a, b, c
	sched := task.NewScheduler()
	kb := New(io, sched, USKeymap)
	kb.Handler(0x21)
	kb.Handler(0x21)
	kb.Handler(0x21)

	buf := make([]byte, 3)
	if err := kb.Read(buf, 0, 0); err != 0 {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "abc" {
		t.Fatalf("expected \"abc\", got %q", buf)
	}
}
