// Package clock programs the 8253/8254 PIT as the system timer and
// drives the scheduler's time-slice accounting off its IRQ0 interrupt,
// the Go shape of pit_init/clock_handler.
package clock

import (
	"onix/src/stats"
	"onix/src/task"
	"onix/src/trap"
)

const (
	pitChan0 = 0x40
	pitChan2 = 0x42
	pitCtrl  = 0x43

	hz         = 100
	oscillator = 1193182
	counter    = oscillator / hz

	speakerReg  = 0x61
	beepHz      = 440
	beepCounter = oscillator / beepHz
	beepTicks   = 5

	irqClock = 0
)

/// IO_i abstracts the PIT/speaker I/O ports, letting tests run without
/// real port access.
type IO_i interface {
	In8(port uint16) uint8
	Out8(port uint16, v uint8)
}

/// Clock_t owns the system timer: PIT programming, the IRQ0 handler
/// that feeds the scheduler, and the PC-speaker beep this kernel
/// piggybacks on the same interrupt the way the original does.
type Clock_t struct {
	io    IO_i
	sched *task.Scheduler_t

	Jiffies uint64
	Ticks   stats.Counter_t

	beeping   bool
	beepUntil uint64
}

/// New returns a clock bound to io and sched. Call Init to program the
/// PIT and register the interrupt handler.
func New(io IO_i, sched *task.Scheduler_t) *Clock_t {
	return &Clock_t{io: io, sched: sched}
}

/// Init programs PIT channel 0 for the HZ=100 tick and channel 2 for the
/// speaker tone, then wires IRQ0 into trapTbl and unmasks it.
func (c *Clock_t) Init(trapTbl *trap.Table_t) {
	c.io.Out8(pitCtrl, 0b00110100)
	c.io.Out8(pitChan0, uint8(counter&0xFF))
	c.io.Out8(pitChan0, uint8((counter>>8)&0xFF))

	c.io.Out8(pitCtrl, 0b10110110)
	c.io.Out8(pitChan2, uint8(beepCounter&0xFF))
	c.io.Out8(pitChan2, uint8((beepCounter>>8)&0xFF))

	trapTbl.Register(irqClock, c.Handler)
	trapTbl.SetMask(irqClock, true)
}

/// Handler is the IRQ0 service routine: stop an expired beep, advance
/// jiffies, and let the scheduler age the running task's time slice.
func (c *Clock_t) Handler(vector int) {
	c.stopBeepIfExpired()
	c.Jiffies++
	c.Ticks.Inc()
	c.sched.Tick()
}

/// StartBeep turns on the PC speaker for a fixed duration, the Go shape
/// of start_beep.
func (c *Clock_t) StartBeep() {
	if !c.beeping {
		c.io.Out8(speakerReg, c.io.In8(speakerReg)|3)
	}
	c.beeping = true
	c.beepUntil = uint64(c.Jiffies) + beepTicks
}

func (c *Clock_t) stopBeepIfExpired() {
	if c.beeping && uint64(c.Jiffies) > c.beepUntil {
		c.io.Out8(speakerReg, c.io.In8(speakerReg)&0xFC)
		c.beeping = false
	}
}
