// Package sched is the single coordinating loop of the engine. It keeps a
// min-heap of (nextFireTime, taskID), sleeps until the earliest entry, and
// hands due tasks to a fire callback. All task-set mutation funnels through
// its methods; the loop goroutine is the only reader of the heap.
package sched

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"taskpilot/internal/trigger"
	logx "taskpilot/pkg/logx"
)

// Fire is invoked by the loop when a task is due. It must return quickly;
// admission gating and process spawn happen on the callee's side.
type Fire func(taskID string, due time.Time)

// Entry is a snapshot row for diagnostics.
type Entry struct {
	TaskID string    `json:"task_id"`
	NextAt time.Time `json:"next_at"`
	Paused bool      `json:"paused"`
}

const idleWait = time.Hour

// defaultMisfireGrace bounds how late a fire may be before the loop calls
// it out. A late entry still fires exactly once; it is never replayed per
// missed period.
const defaultMisfireGrace = time.Minute

type item struct {
	at     time.Time
	taskID string
	gen    uint64
}

type timeHeap []item

func (h timeHeap) Len() int            { return len(h) }
func (h timeHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeHeap) Push(x any)         { *h = append(*h, x.(item)) }
func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type taskState struct {
	spec   trigger.Spec
	gen    uint64 // current generation; heap items with older gens are stale
	last   time.Time
	next   time.Time
	armed  bool
	paused bool
}

// Loop owns the fire-time structure. Mutators bump a per-task generation so
// stale heap entries are discarded lazily instead of rebuilt eagerly.
type Loop struct {
	fire  Fire
	log   logx.Logger
	grace time.Duration

	mu    sync.Mutex
	h     timeHeap
	tasks map[string]*taskState

	wake chan struct{}
}

type Option func(*Loop)

// WithMisfireGrace sets the lateness beyond which a fire is logged as a
// misfire. It never changes the fire-once behavior.
func WithMisfireGrace(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.grace = d
		}
	}
}

func New(fire Fire, log logx.Logger, opts ...Option) *Loop {
	l := &Loop{
		fire:  fire,
		log:   log,
		grace: defaultMisfireGrace,
		tasks: map[string]*taskState{},
		wake:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetMisfireGrace replaces the lateness window at runtime. Zero or negative
// restores the default.
func (l *Loop) SetMisfireGrace(d time.Duration) {
	if d <= 0 {
		d = defaultMisfireGrace
	}
	l.mu.Lock()
	l.grace = d
	l.mu.Unlock()
}

// Upsert registers or replaces the task's schedule. Any prior entry for the
// same id is discarded and the next fire time is computed fresh, so an
// interval task re-anchors at the time of the call. The spec must already
// be validated.
func (l *Loop) Upsert(taskID string, spec trigger.Spec) {
	now := time.Now()
	l.mu.Lock()
	st := l.tasks[taskID]
	if st == nil {
		st = &taskState{}
		l.tasks[taskID] = st
	}
	st.gen++
	st.spec = spec
	st.last = time.Time{}
	st.paused = false
	l.arm(st, taskID, now)
	l.mu.Unlock()
	l.notify()
}

// Remove drops the task from the loop entirely. A running execution is not
// affected.
func (l *Loop) Remove(taskID string) {
	l.mu.Lock()
	if st, ok := l.tasks[taskID]; ok {
		st.gen++
		delete(l.tasks, taskID)
	}
	l.mu.Unlock()
}

// Pause keeps the task registered but stops it firing.
func (l *Loop) Pause(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.tasks[taskID]
	if !ok {
		return false
	}
	st.gen++
	st.armed = false
	st.paused = true
	return true
}

// Resume recomputes the next fire time from now and re-arms the task.
// Like Upsert, it re-anchors the schedule at the time of the call.
func (l *Loop) Resume(taskID string) bool {
	now := time.Now()
	l.mu.Lock()
	st, ok := l.tasks[taskID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	st.gen++
	st.last = time.Time{}
	st.paused = false
	l.arm(st, taskID, now)
	l.mu.Unlock()
	l.notify()
	return true
}

// NextRun reports the task's next scheduled fire time. ok is false for
// unknown, paused, or exhausted tasks.
func (l *Loop) NextRun(taskID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.tasks[taskID]
	if !ok || !st.armed {
		return time.Time{}, false
	}
	return st.next, true
}

// Snapshot lists all registered tasks ordered by next fire time.
func (l *Loop) Snapshot() []Entry {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.tasks))
	for id, st := range l.tasks {
		e := Entry{TaskID: id, Paused: st.paused}
		if st.armed {
			e.NextAt = st.next
		}
		out = append(out, e)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAt.Equal(out[j].NextAt) {
			return out[i].TaskID < out[j].TaskID
		}
		if out[i].NextAt.IsZero() {
			return false
		}
		if out[j].NextAt.IsZero() {
			return true
		}
		return out[i].NextAt.Before(out[j].NextAt)
	})
	return out
}

// arm computes and enqueues the task's next fire time. Caller holds l.mu.
func (l *Loop) arm(st *taskState, taskID string, now time.Time) {
	next, ok := trigger.Next(st.spec, now, st.last)
	if !ok {
		st.armed = false
		return
	}
	st.next = next
	st.armed = true
	heap.Push(&l.h, item{at: next, taskID: taskID, gen: st.gen})
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run evaluates fire times until ctx is canceled. It is the only goroutine
// that pops the heap.
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		due, wait := l.collectDue(time.Now())
		for _, d := range due {
			l.fire(d.taskID, d.at)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-timer.C:
		}
	}
}

// collectDue pops every current entry with at <= now, re-arms recurring
// schedules, and returns how long to sleep until the next entry.
func (l *Loop) collectDue(now time.Time) ([]item, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var due []item
	for l.h.Len() > 0 {
		top := l.h[0]
		st, ok := l.tasks[top.taskID]
		if !ok || top.gen != st.gen {
			heap.Pop(&l.h)
			continue
		}
		if top.at.After(now) {
			return due, top.at.Sub(now)
		}
		heap.Pop(&l.h)

		if late := now.Sub(top.at); late > l.grace {
			l.log.Warn("late fire, running once without catch-up",
				logx.String("task_id", top.taskID),
				logx.Duration("late", late))
		}
		due = append(due, top)

		// Re-anchor at the actual fire time so a stalled loop never
		// produces a backlog of catch-up fires.
		st.last = now
		st.gen++
		l.arm(st, top.taskID, now)
	}
	return due, idleWait
}
