// Package stats provides the lightweight, compile-time-toggleable
// counters every subsystem (clock ticks, per-IRQ interrupt counts,
// device queue depth) reports through, and a reflection-based dump
// that turns a struct of them into a printable diagnostic block.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"
)

// Enabled and Timing gate counter bookkeeping entirely at compile time:
// flip Enabled to instrument a build without paying for it elsewhere.
const Enabled = false
const Timing = false

// IrqCounts tallies interrupts per IOAPIC line (16 lines on this
// platform), the domain-specific replacement for a flat global array
// keyed by raw vector number.
var IrqCounts [16]Counter_t

/// Rdtsc returns a monotonic timestamp in nanoseconds (taken from
/// time.Now, not the CPU's cycle counter) when Timing is enabled, and 0
/// otherwise.
func Rdtsc() uint64 {
	if Timing {
		return uint64(time.Now().UnixNano())
	}
	return 0
}

/// Counter_t is a statistical counter, a no-op when Enabled is false.
type Counter_t int64

/// Cycles_t accumulates elapsed time in Rdtsc units.
type Cycles_t int64

/// Inc increments the counter.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(unsafe.Pointer(c)), 1)
	}
}

/// Add records the cycles elapsed since start.
func (c *Cycles_t) Add(start uint64) {
	if Timing {
		atomic.AddInt64((*int64)(unsafe.Pointer(c)), int64(Rdtsc()-start))
	}
}

/// Dump converts a struct of Counter_t/Cycles_t fields into a printable
/// diagnostic block, or the empty string when Enabled is false.
func Dump(st interface{}) string {
	if !Enabled {
		return ""
	}
	v := reflect.ValueOf(st)
	var s strings.Builder
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			s.WriteString("\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10))
		case strings.HasSuffix(t, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			s.WriteString("\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10))
		}
	}
	s.WriteString("\n")
	return s.String()
}
