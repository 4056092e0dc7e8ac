package task

import (
	"onix/src/defs"
	"onix/src/vm"
)

/// Fork creates a child of parent sharing its address space copy-on-write
/// (via vm.CopyPde), inheriting priority and uid, and returns the new
/// task ready to run.
func (s *Scheduler_t) Fork(parent *Task_t) *Task_t {
	s.Lock()
	child := s.newTask(parent.Name, parent.Priority, parent.Uid, parent)
	s.Unlock()

	child.As = vm.CopyPde(parent.As)
	parent.Children = append(parent.Children, child)
	return child
}

/// Exit tears down task's address space, records its exit code, marks
/// it Dead (left in the table so a parent can reap it via Waitpid), and
/// wakes the parent if it's blocked waiting.
func (s *Scheduler_t) Exit(task *Task_t, code int) {
	if task.As != nil {
		task.As.Uvmfree()
	}
	s.Lock()
	task.ExitCode = code
	task.State = Dead
	parent := task.Parent
	s.Unlock()

	if parent != nil && parent.State == Blocked {
		s.Unblock(parent)
	}
	s.Block(task, Dead)
}

/// Waitpid blocks parent until some child has exited, then reaps the
/// first dead child found, removing it from the task table and
/// returning its pid and exit code.
func (s *Scheduler_t) Waitpid(parent *Task_t) (int, int, defs.Err_t) {
	for {
		s.Lock()
		if len(parent.Children) == 0 {
			s.Unlock()
			return 0, 0, defs.ECHILD
		}
		for i, c := range parent.Children {
			if c.State == Dead {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				for slot := range s.tasks {
					if s.tasks[slot] == c {
						s.tasks[slot] = nil
						break
					}
				}
				pid, code := c.Pid, c.ExitCode
				s.Unlock()
				return pid, code, 0
			}
		}
		s.Unlock()
		s.Block(parent, Blocked)
	}
}
