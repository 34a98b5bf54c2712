package engine

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/runtimes"
	"taskpilot/internal/store"
	"taskpilot/internal/trigger"
	logx "taskpilot/pkg/logx"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	db, err := store.Open(store.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	e := New(db, runtimes.Static{}, eventbus.New(), logx.Nop(), Settings{})
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return e, db
}

func waitExecState(t *testing.T, db store.Store, execID string, want store.ExecState, timeout time.Duration) *store.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ex, err := db.GetExecution(context.Background(), execID)
		if err == nil && ex.State == want {
			return ex
		}
		if time.Now().After(deadline) {
			state := store.ExecState("?")
			if err == nil {
				state = ex.State
			}
			t.Fatalf("execution %s stuck in %s, want %s", execID, state, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()

	e, db := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		task store.Task
	}{
		{"empty command", store.Task{Name: "x", Command: "  ", MaxInstances: 1}},
		{"zero max instances", store.Task{Name: "x", Command: "true", MaxInstances: 0}},
		{"invalid cron minute", store.Task{
			Name: "x", Command: "true", MaxInstances: 1,
			Spec: trigger.Spec{Kind: trigger.KindCron, Cron: trigger.CronFields{Minute: "61"}},
		}},
		{"negative interval", store.Task{
			Name: "x", Command: "true", MaxInstances: 1,
			Spec: trigger.Spec{Kind: trigger.KindInterval, Every: -time.Second},
		}},
	}
	for _, tc := range cases {
		if _, err := e.CreateTask(ctx, &tc.task); !errors.Is(err, ErrInvalidTask) {
			t.Errorf("%s: err = %v, want ErrInvalidTask", tc.name, err)
		}
	}

	// Nothing was registered.
	tasks, err := db.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("store has %d tasks after rejected creates", len(tasks))
	}
}

func TestRunNowCompletes(t *testing.T) {
	t.Parallel()

	e, db := newTestEngine(t)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, &store.Task{
		Name: "hello", Command: "echo hello", MaxInstances: 1,
		Spec: trigger.Spec{Kind: trigger.KindOneTime, At: time.Now().Add(time.Hour)},
	})
	if err != nil {
		t.Fatal(err)
	}

	execID, started, err := e.RunNow(ctx, task.ID)
	if err != nil || !started {
		t.Fatalf("RunNow = %q, %v, %v", execID, started, err)
	}
	ex := waitExecState(t, db, execID, store.ExecCompleted, 15*time.Second)
	if ex.ExitCode == nil || *ex.ExitCode != 0 {
		t.Errorf("exit code = %v", ex.ExitCode)
	}

	lines, err := e.LogHistory(ctx, execID, store.LogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0].Text != "hello" {
		t.Errorf("log lines = %+v", lines)
	}
}

func TestRunNowDropsOverLimit(t *testing.T) {
	t.Parallel()

	e, db := newTestEngine(t)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, &store.Task{
		Name: "slow", Command: "sleep 30", MaxInstances: 1,
		Spec: trigger.Spec{Kind: trigger.KindOneTime, At: time.Now().Add(time.Hour)},
	})
	if err != nil {
		t.Fatal(err)
	}

	execID, started, err := e.RunNow(ctx, task.ID)
	if err != nil || !started {
		t.Fatalf("first RunNow = %v, %v", started, err)
	}
	waitExecState(t, db, execID, store.ExecRunning, 15*time.Second)

	if _, started, err := e.RunNow(ctx, task.ID); err != nil || started {
		t.Fatalf("second RunNow = %v, %v; want dropped without error", started, err)
	}
	if got := len(e.ListRunning(task.ID)); got != 1 {
		t.Errorf("running = %d, want 1", got)
	}

	if !e.TerminateExecution(ctx, execID, 2*time.Second) {
		t.Fatal("TerminateExecution reported not running")
	}
	waitExecState(t, db, execID, store.ExecTerminated, 15*time.Second)
}

func TestDeleteRejectedWhileRunning(t *testing.T) {
	t.Parallel()

	e, db := newTestEngine(t)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, &store.Task{
		Name: "busy", Command: "sleep 30", MaxInstances: 1,
		Spec: trigger.Spec{Kind: trigger.KindOneTime, At: time.Now().Add(time.Hour)},
	})
	if err != nil {
		t.Fatal(err)
	}
	execID, _, err := e.RunNow(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	waitExecState(t, db, execID, store.ExecRunning, 15*time.Second)

	if err := e.DeleteTask(ctx, task.ID); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("DeleteTask = %v, want ErrTaskRunning", err)
	}

	e.TerminateExecution(ctx, execID, 2*time.Second)
	waitExecState(t, db, execID, store.ExecTerminated, 15*time.Second)

	if err := e.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask after terminate: %v", err)
	}
	if _, err := db.GetTask(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("task still present: %v", err)
	}
}

func TestIntervalSchedulingScenario(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, &store.Task{
		Name: "ticker", Command: "sleep 0.2", MaxInstances: 1, Active: true,
		Spec: trigger.Spec{Kind: trigger.KindInterval, Every: 300 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(20 * time.Second)
	for {
		if got := len(e.ListRunning(task.ID)); got > 1 {
			t.Fatalf("running = %d, exceeds max_instances 1", got)
		}
		stats, err := e.Stats(ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Completed >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d completions", stats.Completed)
		}
		time.Sleep(25 * time.Millisecond)
	}

	if err := e.PauseTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.NextRun(task.ID); ok {
		t.Error("paused task reports a next run")
	}

	// Drain any in-flight execution, then confirm no new ones start.
	drain := time.Now().Add(10 * time.Second)
	for len(e.ListRunning(task.ID)) > 0 {
		if time.Now().After(drain) {
			t.Fatal("execution did not drain after pause")
		}
		time.Sleep(25 * time.Millisecond)
	}
	before, _ := e.Stats(ctx, task.ID)
	time.Sleep(500 * time.Millisecond)
	after, _ := e.Stats(ctx, task.ID)
	if after.Total != before.Total {
		t.Errorf("executions while paused: %d -> %d", before.Total, after.Total)
	}

	if err := e.ResumeTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.NextRun(task.ID); !ok {
		t.Error("resumed task has no next run")
	}
}

func TestStartDeactivatesInvalidStoredSpec(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	db, err := store.Open(store.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	// Written behind the engine's back, as an old database might contain.
	ctx := context.Background()
	now := time.Now()
	bad := &store.Task{
		ID: "bad", Name: "bad", Command: "true", MaxInstances: 1, Active: true,
		Spec:      trigger.Spec{Kind: trigger.KindCron, Cron: trigger.CronFields{Minute: "99"}},
		CreatedAt: now, UpdatedAt: now,
	}
	if err := db.CreateTask(ctx, bad); err != nil {
		t.Fatal(err)
	}

	e := New(db, runtimes.Static{}, eventbus.New(), logx.Nop(), Settings{})
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Stop(stopCtx)
	})

	got, err := db.GetTask(ctx, "bad")
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("invalid task still active after startup")
	}
	if _, ok := e.NextRun("bad"); ok {
		t.Error("invalid task was scheduled")
	}
}

func TestSubscribeLogsLiveTail(t *testing.T) {
	t.Parallel()

	e, db := newTestEngine(t)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, &store.Task{
		Name: "chatty", Command: "echo one; sleep 0.3; echo two", MaxInstances: 1,
		Spec: trigger.Spec{Kind: trigger.KindOneTime, At: time.Now().Add(time.Hour)},
	})
	if err != nil {
		t.Fatal(err)
	}
	execID, _, err := e.RunNow(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	waitExecState(t, db, execID, store.ExecRunning, 15*time.Second)

	subCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	var got []string
	for ln := range e.SubscribeLogs(subCtx, execID) {
		got = append(got, ln.Text)
	}
	if strings.Join(got, ",") != "one,two" {
		t.Errorf("tail = %v", got)
	}
}

func TestApplyUpdatesTerminateGrace(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	e.Apply(Settings{TerminateGrace: 42 * time.Second, MisfireGrace: 7 * time.Second, SubscriberBuffer: 9})
	if got := time.Duration(e.defaultGrace.Load()); got != 42*time.Second {
		t.Fatalf("default grace = %v, want 42s", got)
	}

	// Zero values fall back to the built-in default, not to zero.
	e.Apply(Settings{})
	if got := time.Duration(e.defaultGrace.Load()); got != DefaultGrace {
		t.Fatalf("default grace = %v, want %v", got, DefaultGrace)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateTask(ctx, &store.Task{
		Name: "a", Command: "true", MaxInstances: 1, Active: true,
		Spec: trigger.Spec{Kind: trigger.KindOneTime, At: time.Now().Add(time.Hour)},
	}); err != nil {
		t.Fatal(err)
	}

	snap := e.Snapshot()
	if len(snap.Schedule) != 1 {
		t.Errorf("schedule entries = %d, want 1", len(snap.Schedule))
	}
}
