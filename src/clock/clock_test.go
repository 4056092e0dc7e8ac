package clock

import (
	"testing"

	"onix/src/task"
	"onix/src/trap"
)

type fakeIO struct {
	writes []uint8
	speaker uint8
}

func (f *fakeIO) In8(port uint16) uint8 {
	if port == speakerReg {
		return f.speaker
	}
	return 0
}

func (f *fakeIO) Out8(port uint16, v uint8) {
	if port == speakerReg {
		f.speaker = v
		return
	}
	f.writes = append(f.writes, v)
}

func TestInitProgramsPITAndRegistersIRQ0(t *testing.T) {
	io := &fakeIO{}
	sched := task.NewScheduler()
	c := New(io, sched)
	tr := trap.New()
	c.Init(tr)

	if len(io.writes) != 6 {
		t.Fatalf("expected 6 PIT port writes (2 mode bytes + 4 counter bytes), got %d", len(io.writes))
	}
	if tr.Masked(irqClock) {
		t.Fatal("expected IRQ0 to be unmasked after Init")
	}
}

func TestHandlerAdvancesSchedulerTick(t *testing.T) {
	io := &fakeIO{}
	sched := task.NewScheduler()
	c := New(io, sched)

	before := sched.Running().Ticks
	c.Handler(0x20)
	after := sched.Running().Ticks

	if after != before-1 && after > before {
		t.Fatalf("expected tick count to move from %d, got %d", before, after)
	}
}

func TestBeepTurnsSpeakerOnThenOffAfterExpiry(t *testing.T) {
	io := &fakeIO{}
	sched := task.NewScheduler()
	c := New(io, sched)

	c.StartBeep()
	if io.speaker&3 != 3 {
		t.Fatal("expected speaker gate bits set after StartBeep")
	}
	for i := 0; i < beepTicks+2; i++ {
		c.Handler(0x20)
	}
	if io.speaker&3 != 0 {
		t.Fatal("expected speaker gate bits cleared once the beep expired")
	}
}
