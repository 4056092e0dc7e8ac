// Package mutex implements the two lock flavors the scheduler is built
// on: a non-reentrant raw mutex that blocks the caller on contention,
// and a reentrant mutex layered on top of it that lets the owning task
// re-acquire without deadlocking itself.
package mutex

import "onix/src/task"

/// Raw_t is a non-reentrant mutex. Acquiring it while already held by
/// the calling task deadlocks that task against itself, by design: the
/// reentrant wrapper below is what code that needs re-entrancy should
/// use instead.
type Raw_t struct {
	locked bool
	waiters []*task.Task_t
}

/// NewRaw returns an unlocked raw mutex.
func NewRaw() *Raw_t {
	return &Raw_t{}
}

/// Lock blocks the calling task until the mutex is free, then claims it.
func (m *Raw_t) Lock(sched *task.Scheduler_t) {
	intr := sched.InterruptDisable()
	cur := sched.Running()
	for m.locked {
		m.waiters = append(m.waiters, cur)
		sched.Block(cur, task.Blocked)
	}
	m.locked = true
	sched.SetInterruptState(intr)
}

/// Unlock releases the mutex and wakes the longest-waiting blocked task,
/// if any, mirroring the original's "unblock one, then yield" handoff.
func (m *Raw_t) Unlock(sched *task.Scheduler_t) {
	intr := sched.InterruptDisable()
	if !m.locked {
		panic("mutex: unlock of unlocked raw mutex")
	}
	m.locked = false
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		sched.Unblock(next)
		sched.SetInterruptState(intr)
		sched.Yield()
		return
	}
	sched.SetInterruptState(intr)
}

/// Reentrant_t lets the owning task call Lock any number of times
/// without blocking on itself; Unlock must be called the same number of
/// times before the underlying raw mutex is actually released.
type Reentrant_t struct {
	base  Raw_t
	owner *task.Task_t
	depth int
}

/// NewReentrant returns an unlocked reentrant mutex.
func NewReentrant() *Reentrant_t {
	return &Reentrant_t{}
}

func (m *Reentrant_t) Lock(sched *task.Scheduler_t) {
	cur := sched.Running()
	if m.owner == cur {
		m.depth++
		return
	}
	m.base.Lock(sched)
	m.owner = cur
	m.depth = 1
}

func (m *Reentrant_t) Unlock(sched *task.Scheduler_t) {
	cur := sched.Running()
	if m.owner != cur {
		panic("mutex: unlock of reentrant mutex by non-owner")
	}
	if m.depth > 1 {
		m.depth--
		return
	}
	m.owner = nil
	m.depth = 0
	m.base.Unlock(sched)
}
