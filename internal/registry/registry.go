// Package registry tracks in-flight executions per task and enforces
// max_instances. It is the only shared table of running work; everything
// else goes through its methods.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Slot is one unit of concurrency permission for a task. It is created by
// TryAcquire and returned exactly once via Release. Release is guarded by
// a sync.Once so a crash-path double release cannot corrupt the count.
type Slot struct {
	TaskID      string
	ExecutionID string
	AcquiredAt  time.Time

	reg  *Registry
	once sync.Once

	mu        sync.Mutex
	terminate func(grace time.Duration) bool
}

// SetTerminate installs the termination hook for the slot's process.
// The supervisor installs it the instant the child is spawned and the hook
// stays valid until the slot is released.
func (s *Slot) SetTerminate(fn func(grace time.Duration) bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.terminate = fn
	s.mu.Unlock()
}

// Terminate invokes the installed hook. It returns false when no process
// is attached (not yet spawned, or already gone).
func (s *Slot) Terminate(grace time.Duration) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	fn := s.terminate
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn(grace)
}

// Release returns the slot. Safe to call more than once; only the first
// call has an effect.
func (s *Slot) Release() {
	if s == nil || s.reg == nil {
		return
	}
	s.once.Do(func() {
		s.reg.remove(s)
	})
}

// Registry is a thread-safe table of (taskID, executionID) -> Slot.
// An entry is alive exactly while its child process is alive.
type Registry struct {
	mu     sync.Mutex
	byTask map[string]map[string]*Slot
	byExec map[string]*Slot
}

func New() *Registry {
	return &Registry{
		byTask: make(map[string]map[string]*Slot),
		byExec: make(map[string]*Slot),
	}
}

// TryAcquire atomically claims a slot for (taskID, executionID) if fewer
// than maxInstances slots are held for the task. It never blocks and never
// admits more than maxInstances concurrent slots per task.
func (r *Registry) TryAcquire(taskID, executionID string, maxInstances int) (*Slot, bool) {
	if maxInstances < 1 {
		maxInstances = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	slots := r.byTask[taskID]
	if len(slots) >= maxInstances {
		return nil, false
	}
	if _, dup := r.byExec[executionID]; dup {
		return nil, false
	}

	s := &Slot{TaskID: taskID, ExecutionID: executionID, AcquiredAt: time.Now(), reg: r}
	if slots == nil {
		slots = make(map[string]*Slot)
		r.byTask[taskID] = slots
	}
	slots[executionID] = s
	r.byExec[executionID] = s
	return s, true
}

func (r *Registry) remove(s *Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slots := r.byTask[s.TaskID]; slots != nil {
		delete(slots, s.ExecutionID)
		if len(slots) == 0 {
			delete(r.byTask, s.TaskID)
		}
	}
	delete(r.byExec, s.ExecutionID)
}

// Get returns the live slot for an execution, if any.
func (r *Registry) Get(executionID string) (*Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byExec[executionID]
	return s, ok
}

// Count reports how many executions of the task are currently running.
func (r *Registry) Count(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTask[taskID])
}

// Running lists execution IDs currently running for the task, sorted for
// stable output.
func (r *Registry) Running(taskID string) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byTask[taskID]))
	for id := range r.byTask[taskID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Total reports the number of running executions across all tasks.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byExec)
}
