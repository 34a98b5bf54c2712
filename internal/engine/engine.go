// Package engine wires the scheduler loop, concurrency registry, process
// supervisor and log pipeline behind one API surface. An HTTP layer, CLI or
// GUI talks to the Engine; nothing outside this package reaches into the
// parts directly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/logpipe"
	"taskpilot/internal/registry"
	runsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/runtimes"
	"taskpilot/internal/sched"
	"taskpilot/internal/store"
	"taskpilot/internal/supervise"
	logx "taskpilot/pkg/logx"
)

var (
	// ErrInvalidTask wraps every validation failure surfaced by
	// CreateTask/UpdateTask. Nothing is mutated when it is returned.
	ErrInvalidTask = errors.New("invalid task")

	// ErrTaskRunning is returned by DeleteTask while executions are alive.
	ErrTaskRunning = errors.New("task has running executions")
)

// DefaultGrace is the termination grace period used when the caller does
// not specify one.
const DefaultGrace = 10 * time.Second

// Engine is the long-lived coordinator. Create it with New, then Start it;
// every other method is safe for concurrent use while it runs.
type Engine struct {
	db       store.Store
	resolver runtimes.Resolver
	bus      eventbus.Bus
	log      logx.Logger

	reg  *registry.Registry
	pipe *logpipe.Pipeline
	proc *supervise.Supervisor
	loop *sched.Loop

	// Executions and the scheduler stop before the pipeline so final log
	// lines still have a running writer.
	execSup *runsup.Supervisor
	pipeSup *runsup.Supervisor

	// Nanoseconds; hot-reloadable through Apply.
	defaultGrace atomic.Int64
}

// Settings are the tunables exposed through configuration. Zero values
// fall back to each component's default.
type Settings struct {
	MisfireGrace     time.Duration
	TerminateGrace   time.Duration
	HardKillBound    time.Duration
	LogQueueSize     int
	SubscriberBuffer int
}

func New(db store.Store, resolver runtimes.Resolver, bus eventbus.Bus, log logx.Logger, s Settings) *Engine {
	e := &Engine{
		db:       db,
		resolver: resolver,
		bus:      bus,
		log:      log,
		reg:      registry.New(),
	}
	grace := s.TerminateGrace
	if grace <= 0 {
		grace = DefaultGrace
	}
	e.defaultGrace.Store(int64(grace))

	var pipeOpts []logpipe.Option
	if s.LogQueueSize > 0 {
		pipeOpts = append(pipeOpts, logpipe.WithQueueSize(s.LogQueueSize))
	}
	if s.SubscriberBuffer > 0 {
		pipeOpts = append(pipeOpts, logpipe.WithSubscriberBuffer(s.SubscriberBuffer))
	}
	e.pipe = logpipe.New(db, log.With(logx.String("comp", "logpipe")), pipeOpts...)

	var procOpts []supervise.Option
	if s.HardKillBound > 0 {
		procOpts = append(procOpts, supervise.WithHardKillBound(s.HardKillBound))
	}
	e.proc = supervise.New(db, e.pipe, bus, resolver, log.With(logx.String("comp", "supervise")), procOpts...)

	var loopOpts []sched.Option
	if s.MisfireGrace > 0 {
		loopOpts = append(loopOpts, sched.WithMisfireGrace(s.MisfireGrace))
	}
	e.loop = sched.New(e.fire, log.With(logx.String("comp", "sched")), loopOpts...)
	return e
}

// Start brings up the pipeline writer and the scheduler loop, then loads
// every active task from the store. A stored task whose schedule no longer
// validates is deactivated instead of wedging startup.
func (e *Engine) Start(ctx context.Context) error {
	e.pipeSup = runsup.New(context.Background(), runsup.WithLogger(e.log))
	e.execSup = runsup.New(context.Background(), runsup.WithLogger(e.log))

	e.pipeSup.GoRestart("logpipe", e.pipe.Run)
	e.execSup.GoRestart("sched", e.loop.Run)

	tasks, err := e.db.ActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("load active tasks: %w", err)
	}
	for _, t := range tasks {
		if err := t.Spec.Validate(); err != nil {
			e.log.Warn("deactivating task with invalid schedule",
				logx.String("task_id", t.ID),
				logx.String("name", t.Name),
				logx.Err(err))
			if err := e.db.SetTaskActive(ctx, t.ID, false); err != nil {
				e.log.Error("deactivate task", logx.String("task_id", t.ID), logx.Err(err))
			}
			continue
		}
		e.loop.Upsert(t.ID, t.Spec)
	}
	e.log.Info("engine started", logx.Int("active_tasks", len(tasks)))
	return nil
}

// Apply updates the tunables that can change without a restart: the misfire
// grace window, the default termination grace and the live subscriber
// buffer. The write queue length and the hard kill bound are fixed at
// construction.
func (e *Engine) Apply(s Settings) {
	grace := s.TerminateGrace
	if grace <= 0 {
		grace = DefaultGrace
	}
	e.defaultGrace.Store(int64(grace))
	e.loop.SetMisfireGrace(s.MisfireGrace)
	e.pipe.SetSubscriberBuffer(s.SubscriberBuffer)
	e.log.Info("engine settings applied",
		logx.Duration("misfire_grace", s.MisfireGrace),
		logx.Duration("terminate_grace", grace))
}

// Stop shuts down in dependency order: scheduler and executions first
// (running children get the default grace period), then the log pipeline
// after the last line has been appended.
func (e *Engine) Stop(ctx context.Context) error {
	var firstErr error
	if e.execSup != nil {
		if err := e.execSup.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	if e.pipeSup != nil {
		if err := e.pipeSup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.log.Info("engine stopped")
	return firstErr
}

func validateTask(t *store.Task) error {
	if strings.TrimSpace(t.Command) == "" {
		return fmt.Errorf("%w: command required", ErrInvalidTask)
	}
	if t.MaxInstances < 1 {
		return fmt.Errorf("%w: max_instances must be >= 1 (got %d)", ErrInvalidTask, t.MaxInstances)
	}
	if err := t.Spec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return nil
}

// CreateTask validates, persists and (when active) schedules the task.
// The ID is assigned here; callers must treat the returned value as the
// authoritative record.
func (e *Engine) CreateTask(ctx context.Context, t *store.Task) (*store.Task, error) {
	if err := validateTask(t); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	if err := e.db.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	if t.Active {
		e.loop.Upsert(t.ID, t.Spec)
	}
	e.log.Info("task created",
		logx.String("task_id", t.ID),
		logx.String("name", t.Name),
		logx.String("schedule", t.Spec.Kind.String()))
	return t, nil
}

// UpdateTask validates and persists the new definition, replacing any
// scheduled entry. An interval schedule re-anchors at the update.
func (e *Engine) UpdateTask(ctx context.Context, t *store.Task) (*store.Task, error) {
	if err := validateTask(t); err != nil {
		return nil, err
	}
	prev, err := e.db.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = prev.CreatedAt
	t.UpdatedAt = time.Now()
	if err := e.db.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	if t.Active {
		e.loop.Upsert(t.ID, t.Spec)
	} else {
		e.loop.Remove(t.ID)
	}
	e.log.Info("task updated", logx.String("task_id", t.ID))
	return t, nil
}

// DeleteTask removes the task, its executions and its logs. It refuses
// while any execution is running.
func (e *Engine) DeleteTask(ctx context.Context, taskID string) error {
	if e.reg.Count(taskID) > 0 {
		return fmt.Errorf("%w: %s", ErrTaskRunning, taskID)
	}
	e.loop.Remove(taskID)
	if err := e.db.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	e.log.Info("task deleted", logx.String("task_id", taskID))
	return nil
}

// PauseTask unschedules the task. Executions already running continue.
func (e *Engine) PauseTask(ctx context.Context, taskID string) error {
	if _, err := e.db.GetTask(ctx, taskID); err != nil {
		return err
	}
	if err := e.db.SetTaskActive(ctx, taskID, false); err != nil {
		return err
	}
	e.loop.Pause(taskID)
	e.log.Info("task paused", logx.String("task_id", taskID))
	return nil
}

// ResumeTask reschedules the task from now.
func (e *Engine) ResumeTask(ctx context.Context, taskID string) error {
	t, err := e.db.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.db.SetTaskActive(ctx, taskID, true); err != nil {
		return err
	}
	if !e.loop.Resume(taskID) {
		e.loop.Upsert(taskID, t.Spec)
	}
	e.log.Info("task resumed", logx.String("task_id", taskID))
	return nil
}

// RunNow fires the task once, subject to the same concurrency gate as a
// scheduled fire. started is false when the instance limit dropped the
// fire; that is not an error.
func (e *Engine) RunNow(ctx context.Context, taskID string) (executionID string, started bool, err error) {
	t, err := e.db.GetTask(ctx, taskID)
	if err != nil {
		return "", false, err
	}
	return e.admit(ctx, t)
}

// TerminateExecution requests termination with the given grace period.
// It reports false when the execution is not currently running.
func (e *Engine) TerminateExecution(ctx context.Context, executionID string, grace time.Duration) bool {
	if grace <= 0 {
		grace = time.Duration(e.defaultGrace.Load())
	}
	slot, ok := e.reg.Get(executionID)
	if !ok {
		return false
	}
	return slot.Terminate(grace)
}

// ListRunning returns the execution IDs currently running for the task.
func (e *Engine) ListRunning(taskID string) []string { return e.reg.Running(taskID) }

// Tasks lists every registered task.
func (e *Engine) Tasks(ctx context.Context) ([]*store.Task, error) { return e.db.ListTasks(ctx) }

// GetTask returns one task by id.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	return e.db.GetTask(ctx, taskID)
}

// ExecutionHistory returns the task's executions newest-first.
func (e *Engine) ExecutionHistory(ctx context.Context, taskID string, f store.ExecutionFilter) ([]*store.Execution, error) {
	return e.db.ListExecutions(ctx, taskID, f)
}

// Stats aggregates the task's execution history.
func (e *Engine) Stats(ctx context.Context, taskID string) (store.TaskStats, error) {
	return e.db.TaskStats(ctx, taskID)
}

// LogHistory returns a finite filtered slice of an execution's log.
func (e *Engine) LogHistory(ctx context.Context, executionID string, f store.LogFilter) ([]store.LogLine, error) {
	return e.pipe.History(ctx, executionID, f)
}

// SubscribeLogs replays the execution's durable log and follows with a live
// tail while it runs. The channel closes when the execution ends and the
// backlog drains, or when ctx is canceled.
func (e *Engine) SubscribeLogs(ctx context.Context, executionID string) <-chan store.LogLine {
	return e.pipe.Subscribe(ctx, executionID)
}

// NextRun reports the task's next scheduled fire time.
func (e *Engine) NextRun(taskID string) (time.Time, bool) { return e.loop.NextRun(taskID) }

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Schedule   []sched.Entry   `json:"schedule"`
	Running    int             `json:"running"`
	Goroutines runsup.Counters `json:"goroutines"`
}

func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Schedule: e.loop.Snapshot(),
		Running:  e.reg.Total(),
	}
	if e.execSup != nil {
		s.Goroutines = e.execSup.Counters()
	}
	return s
}

// fire is the scheduler's callback. It must not block the loop, so the
// store reads and the process lifetime run on their own goroutine.
func (e *Engine) fire(taskID string, due time.Time) {
	e.execSup.Go("exec."+taskID, func(ctx context.Context) error {
		t, err := e.db.GetTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Deleted between scheduling and firing.
				return nil
			}
			return fmt.Errorf("load task %s: %w", taskID, err)
		}
		if !t.Active {
			return nil
		}
		if _, _, err := e.admit(ctx, t); err != nil {
			return err
		}
		return nil
	})
}

// admit runs the concurrency gate and, if admitted, the full execution
// lifecycle. A denied fire is dropped, not queued.
func (e *Engine) admit(ctx context.Context, t *store.Task) (executionID string, started bool, err error) {
	execID := uuid.NewString()
	slot, ok := e.reg.TryAcquire(t.ID, execID, t.MaxInstances)
	if !ok {
		e.log.Debug("fire dropped, instance limit reached",
			logx.String("task_id", t.ID),
			logx.Int("max_instances", t.MaxInstances))
		e.bus.Publish(eventbus.Event{
			Type: eventbus.EventFireDropped,
			Data: map[string]any{"task_id": t.ID},
		})
		return "", false, nil
	}

	ex := &store.Execution{ID: execID, TaskID: t.ID, State: store.ExecPending}
	if err := e.db.CreateExecution(ctx, ex); err != nil {
		slot.Release()
		return "", false, fmt.Errorf("persist execution: %w", err)
	}

	// The process lifecycle runs under the execution supervisor so shutdown
	// terminates the child and waits for its bookkeeping.
	e.execSup.Go("exec."+t.ID, func(runCtx context.Context) error {
		e.proc.Run(runCtx, t, ex, slot)
		return nil
	})
	return execID, true, nil
}
