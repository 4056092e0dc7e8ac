package mutex

import (
	"testing"

	"onix/src/task"
)

func TestLockUnlockUncontended(t *testing.T) {
	sched := task.NewScheduler()
	m := NewRaw()
	m.Lock(sched)
	if !m.locked {
		t.Fatal("expected mutex to be held after Lock")
	}
	m.Unlock(sched)
	if m.locked {
		t.Fatal("expected mutex to be free after Unlock")
	}
}

func TestUnlockOfUnlockedRawPanics(t *testing.T) {
	sched := task.NewScheduler()
	m := NewRaw()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic unlocking a raw mutex that isn't held")
		}
	}()
	m.Unlock(sched)
}

func TestReentrantLockAllowsSameOwnerNesting(t *testing.T) {
	sched := task.NewScheduler()
	m := NewReentrant()
	m.Lock(sched)
	m.Lock(sched)
	if m.depth != 2 {
		t.Fatalf("expected depth 2 after nested lock, got %d", m.depth)
	}
	m.Unlock(sched)
	if !m.base.locked {
		t.Fatal("expected underlying raw mutex to still be held after one of two unlocks")
	}
	m.Unlock(sched)
	if m.base.locked {
		t.Fatal("expected underlying raw mutex released after matching unlock count")
	}
}

func TestReentrantUnlockByNonOwnerPanics(t *testing.T) {
	sched := task.NewScheduler()
	m := NewReentrant()
	m.Lock(sched)
	m.owner = &task.Task_t{} // simulate a different task holding ownership
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic unlocking a reentrant mutex not owned by the caller")
		}
	}()
	m.Unlock(sched)
}
