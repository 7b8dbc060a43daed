// Package tasks tracks the named steps of one governance saga run.
package tasks

import (
	"fmt"
	"math"
)

// Status is the lifecycle state of a single task.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusPending Status = "PENDING"
	StatusDone    Status = "DONE"
	StatusError   Status = "ERROR"
)

// Task is one named step with its current status.
type Task struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// State is an immutable snapshot of all tasks in declared order.
// Transition methods return a new snapshot and never mutate the receiver.
type State struct {
	order   []string
	entries map[string]Task
}

// NewState declares the ordered task list, all Idle.
func NewState(names ...string) *State {
	s := &State{
		order:   make([]string, 0, len(names)),
		entries: make(map[string]Task, len(names)),
	}
	for _, name := range names {
		if _, ok := s.entries[name]; ok {
			panic(fmt.Sprintf("tasks: duplicate task %q", name))
		}
		s.order = append(s.order, name)
		s.entries[name] = Task{Name: name, Status: StatusIdle}
	}
	return s
}

func (s *State) clone() *State {
	next := &State{
		order:   s.order,
		entries: make(map[string]Task, len(s.entries)),
	}
	for name, task := range s.entries {
		next.entries[name] = task
	}
	return next
}

// Tasks with an unknown name or an illegal transition are programmer
// errors in the saga definition, not runtime conditions.
func (s *State) must(name string, from ...Status) Task {
	task, ok := s.entries[name]
	if !ok {
		panic(fmt.Sprintf("tasks: unknown task %q", name))
	}
	for _, status := range from {
		if task.Status == status {
			return task
		}
	}
	panic(fmt.Sprintf("tasks: task %q cannot transition from %s", name, task.Status))
}

// Start marks the task Pending.
func (s *State) Start(name string) *State {
	task := s.must(name, StatusIdle)
	next := s.clone()
	task.Status = StatusPending
	task.Message = ""
	next.entries[name] = task
	return next
}

// Complete marks the task Done.
func (s *State) Complete(name string) *State {
	task := s.must(name, StatusPending)
	next := s.clone()
	task.Status = StatusDone
	next.entries[name] = task
	return next
}

// Fail marks the task Error with a message.
func (s *State) Fail(name, message string) *State {
	task := s.must(name, StatusPending)
	next := s.clone()
	task.Status = StatusError
	task.Message = message
	next.entries[name] = task
	return next
}

// Reset returns every task to Idle. This is the only transition
// allowed to move a task backwards.
func (s *State) Reset() *State {
	return NewState(s.order...)
}

// Task looks up a single task by name.
func (s *State) Task(name string) (Task, bool) {
	task, ok := s.entries[name]
	return task, ok
}

// Tasks returns all tasks in declared order.
func (s *State) Tasks() []Task {
	out := make([]Task, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name])
	}
	return out
}

// Progress derives the completion percentage: a Done task counts in
// full, a Pending task counts half. Clamped to [0,100].
func (s *State) Progress() int {
	total := len(s.order)
	if total == 0 {
		return 0
	}
	var done, pending int
	for _, task := range s.entries {
		switch task.Status {
		case StatusDone:
			done++
		case StatusPending:
			pending++
		}
	}
	p := int(math.Round(100 * (float64(done) + 0.5*float64(pending)) / float64(total)))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
