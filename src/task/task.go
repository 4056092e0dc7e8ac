// Package task implements the preemptive scheduler: task control
// blocks, the priority-with-aging ready-queue search, block/unblock
// list management, and fork/exit/wait. It is the pure decision logic a
// real kernel's timer interrupt and syscall dispatch drive; the actual
// stack switch a context switch requires is assembly this package
// doesn't attempt to model.
package task

import (
	"sync"

	"onix/src/defs"
	"onix/src/vm"
)

type State int

const (
	Unused State = iota
	Ready
	Running
	Blocked
	Sleeping
	Dead
)

const maxTasks = 64

/// Task_t is one task control block. Ticks counts down the remainder of
/// the current time slice; Jiffies is the tick count at which this task
/// last ran, used to break ties in favor of whoever has waited longest
/// (the aging half of the scheduling rule).
type Task_t struct {
	Pid      int
	Name     string
	Priority int
	Ticks    int
	Jiffies  uint64
	State    State
	Uid      int
	As       *vm.AddressSpace

	Parent   *Task_t
	Children []*Task_t
	ExitCode int

	WakeAt uint64
}

/// Scheduler_t owns the task table and picks who runs next. Every
/// exported method assumes the caller has already disabled interrupts
/// the way the original requires (InterruptDisable/SetInterruptState
/// below stand in for cli/sti for code, like the mutex package, that
/// needs that discipline without real hardware under it).
type Scheduler_t struct {
	sync.Mutex
	tasks   [maxTasks]*Task_t
	current *Task_t
	idle    *Task_t
	jiffies uint64
	nextPid int
	intrOff bool
}

/// NewScheduler creates the idle task and the first ("init") task and
/// returns a scheduler with init already running, mirroring task_init's
/// "idle at priority 1, init at priority 5" setup.
func NewScheduler() *Scheduler_t {
	s := &Scheduler_t{nextPid: 1}
	s.idle = s.newTask("idle", 1, defs.KernelUser, nil)
	init := s.newTask("init", 5, defs.NormalUser, nil)
	init.State = Running
	s.current = init
	return s
}

func (s *Scheduler_t) newTask(name string, priority, uid int, parent *Task_t) *Task_t {
	slot := -1
	for i := range s.tasks {
		if s.tasks[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		panic("task: no free task slot")
	}
	if priority < 1 {
		priority = 1
	}
	t := &Task_t{
		Pid:      s.nextPid,
		Name:     name,
		Priority: priority,
		Ticks:    priority,
		Uid:      uid,
		State:    Ready,
		Parent:   parent,
	}
	s.nextPid++
	s.tasks[slot] = t
	return t
}

/// InterruptDisable and SetInterruptState bracket a critical section the
/// way cli/pushfl-popfl does on real hardware; lock callers use these to
/// get the same "can't be preempted mid-update" guarantee.
func (s *Scheduler_t) InterruptDisable() bool {
	s.Lock()
	prev := !s.intrOff
	s.intrOff = true
	s.Unlock()
	return prev
}

func (s *Scheduler_t) SetInterruptState(enabled bool) {
	s.Lock()
	s.intrOff = !enabled
	s.Unlock()
}

/// Running returns the currently scheduled task.
func (s *Scheduler_t) Running() *Task_t {
	s.Lock()
	defer s.Unlock()
	return s.current
}

// search picks the best candidate in the given state: most remaining
// ticks wins, ties broken toward whoever ran least recently. Falls back
// to idle when no task is ready, exactly as task_search does.
func (s *Scheduler_t) search(state State) *Task_t {
	var best *Task_t
	for _, t := range s.tasks {
		if t == nil || t == s.current || t.State != state {
			continue
		}
		if best == nil || best.Ticks < t.Ticks || (best.Ticks == t.Ticks && t.Jiffies < best.Jiffies) {
			best = t
		}
	}
	if best == nil && state == Ready {
		best = s.idle
	}
	return best
}

/// Schedule picks the next ready task and switches current to it,
/// refilling the outgoing task's time slice if it ran to completion.
func (s *Scheduler_t) Schedule() {
	s.Lock()
	defer s.Unlock()
	s.scheduleLocked()
}

func (s *Scheduler_t) scheduleLocked() {
	cur := s.current
	next := s.search(Ready)
	if next == nil {
		panic("task: no runnable task, not even idle")
	}
	if cur.State == Running {
		cur.State = Ready
	}
	if cur.Ticks == 0 {
		cur.Ticks = cur.Priority
	}
	next.State = Running
	next.Jiffies = s.jiffies
	s.current = next
}

/// Block moves task out of the running position into state (never
/// Running or Ready) and, if task is the one currently scheduled,
/// immediately picks a replacement.
func (s *Scheduler_t) Block(task *Task_t, state State) {
	if state == Running || state == Ready {
		panic("task: block into a runnable state")
	}
	s.Lock()
	task.State = state
	cur := s.current
	s.Unlock()
	if cur == task {
		s.Schedule()
	}
}

/// Unblock returns a blocked/sleeping task to Ready without running it.
func (s *Scheduler_t) Unblock(task *Task_t) {
	s.Lock()
	defer s.Unlock()
	task.State = Ready
}

/// Yield voluntarily gives up the remainder of the current time slice.
func (s *Scheduler_t) Yield() {
	s.Schedule()
}

/// Tick advances the scheduler's jiffy counter, ages the running task's
/// time slice, wakes any sleepers whose deadline has passed, and forces
/// a reschedule when the running task's slice is exhausted. It is what
/// the PIT/APIC timer interrupt calls on every tick.
func (s *Scheduler_t) Tick() {
	s.Lock()
	s.jiffies++
	now := s.jiffies
	for _, t := range s.tasks {
		if t != nil && t.State == Sleeping && t.WakeAt <= now {
			t.State = Ready
		}
	}
	cur := s.current
	if cur.Ticks > 0 {
		cur.Ticks--
	}
	exhausted := cur.Ticks == 0
	s.Unlock()
	if exhausted {
		s.Schedule()
	}
}

/// Sleep blocks the calling task until at least ticks jiffies have
/// elapsed.
func (s *Scheduler_t) Sleep(task *Task_t, ticks int) {
	s.Lock()
	task.WakeAt = s.jiffies + uint64(ticks)
	s.Unlock()
	s.Block(task, Sleeping)
}
