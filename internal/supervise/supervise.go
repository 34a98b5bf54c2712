// Package supervise owns the lifecycle of one child process per execution:
// spawn through the host shell, drain stdout and stderr into the log
// pipeline, record the terminal state, and guarantee exactly one concurrency
// slot release whatever path the execution takes.
package supervise

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/logpipe"
	"taskpilot/internal/registry"
	"taskpilot/internal/runtimes"
	"taskpilot/internal/store"
	logx "taskpilot/pkg/logx"
)

const (
	// pumpBuf bounds a single read; a line longer than this is forwarded
	// in buffer-sized chunks so the stream never stops draining.
	pumpBuf = 64 * 1024

	// hardKillBound is how long after SIGKILL we wait for the OS to confirm
	// death before declaring the child an orphan.
	defaultHardKillBound = 5 * time.Second

	// shutdownGrace is the grace period used when the engine context is
	// canceled while executions are still running.
	shutdownGrace = 10 * time.Second
)

// terminatedReason is the message every terminated execution carries.
const terminatedReason = "terminated by request"

// Supervisor spawns and tracks child processes. It is stateless across
// executions; all per-execution state lives on the stack of Run.
type Supervisor struct {
	db       store.ExecutionStore
	pipe     *logpipe.Pipeline
	bus      eventbus.Bus
	resolver runtimes.Resolver
	log      logx.Logger

	hardKillBound time.Duration
}

type Option func(*Supervisor)

func WithHardKillBound(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.hardKillBound = d
		}
	}
}

func New(db store.ExecutionStore, pipe *logpipe.Pipeline, bus eventbus.Bus, resolver runtimes.Resolver, log logx.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		db:            db,
		pipe:          pipe,
		bus:           bus,
		resolver:      resolver,
		log:           log,
		hardKillBound: defaultHardKillBound,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run executes the task's command for the given pending execution record and
// blocks until the execution is terminal. The slot is released exactly once,
// whatever happens, including a panic in the pump loops.
func (s *Supervisor) Run(ctx context.Context, task *store.Task, ex *store.Execution, slot *registry.Slot) {
	defer slot.Release()
	defer s.pipe.ExecutionEnded(ex.ID)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("execution supervisor panicked",
				logx.String("task_id", task.ID),
				logx.String("execution_id", ex.ID),
				logx.Any("panic", r))
			s.finish(ex, store.ExecFailed, nil, fmt.Sprintf("internal error: %v", r))
		}
	}()

	s.pipe.StartExecution(ex.ID)

	rt, err := s.resolver.Resolve(ctx, task.RuntimeRef)
	if err != nil {
		s.fail(ex, fmt.Sprintf("resolve runtime: %v", err))
		return
	}

	cmd := exec.Command(shellPath, shellFlag, task.Command)
	configureProc(cmd)
	cmd.Env = childEnv(rt)
	if rt.WorkDir != "" {
		cmd.Dir = rt.WorkDir
	} else if task.WorkDir != "" {
		cmd.Dir = task.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.fail(ex, fmt.Sprintf("open stdout: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.fail(ex, fmt.Sprintf("open stderr: %v", err))
		return
	}

	if err := cmd.Start(); err != nil {
		// Command could not be spawned at all. The execution fails without
		// ever having been running.
		s.fail(ex, fmt.Sprintf("spawn: %v", err))
		return
	}

	now := time.Now()
	ex.State = store.ExecRunning
	ex.StartTime = now
	s.update(ex)
	s.publish(eventbus.EventExecutionStarted, task.ID, ex.ID, nil)
	s.log.Info("execution started",
		logx.String("task_id", task.ID),
		logx.String("execution_id", ex.ID),
		logx.Int("pid", cmd.Process.Pid))

	h := &handle{pid: cmd.Process.Pid, done: make(chan struct{})}
	slot.SetTerminate(func(grace time.Duration) bool {
		return s.terminate(task.ID, ex.ID, h, grace)
	})

	// Each stream drains independently so neither can block the other.
	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pump(&pumps, ex.ID, store.StreamStdout, stdout)
	go s.pump(&pumps, ex.ID, store.StreamStderr, stderr)

	// Engine shutdown terminates the child with the default grace period.
	cancelWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.terminate(task.ID, ex.ID, h, shutdownGrace)
		case <-cancelWatch:
		}
	}()

	pumps.Wait()
	waitErr := cmd.Wait()
	// Taking exited and termRequested under one lock closes the race where
	// a terminate lands between Wait returning and the state decision: once
	// exited is set, terminate reports false and a clean exit stays clean.
	h.mu.Lock()
	h.exited = true
	terminated := h.termRequested
	h.mu.Unlock()
	close(h.done)
	close(cancelWatch)

	exitCode := 0
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	switch {
	case terminated:
		s.finish(ex, store.ExecTerminated, &exitCode, terminatedReason)
		s.publish(eventbus.EventExecutionTerminated, task.ID, ex.ID, &exitCode)
	case exitCode == 0:
		s.finish(ex, store.ExecCompleted, &exitCode, "")
		s.publish(eventbus.EventExecutionFinished, task.ID, ex.ID, &exitCode)
	default:
		s.finish(ex, store.ExecFailed, &exitCode, fmt.Sprintf("process exited with code %d", exitCode))
		s.publish(eventbus.EventExecutionFinished, task.ID, ex.ID, &exitCode)
	}
	s.log.Info("execution finished",
		logx.String("task_id", task.ID),
		logx.String("execution_id", ex.ID),
		logx.String("state", string(ex.State)),
		logx.Int("exit_code", exitCode),
		logx.Duration("duration", ex.Duration))
}

// handle is the live process state the terminate hook operates on.
type handle struct {
	pid  int
	done chan struct{}

	mu            sync.Mutex
	exited        bool
	termRequested bool
}

// terminate signals the child's process group, waits up to grace, escalates
// to a forceful kill, and reports whether a running process was signaled.
// A request that arrives after the child exited but before Wait returns is
// still recorded as a termination; the two were concurrent.
func (s *Supervisor) terminate(taskID, execID string, h *handle, grace time.Duration) bool {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return false
	}
	h.termRequested = true
	h.mu.Unlock()

	s.log.Info("terminating execution",
		logx.String("task_id", taskID),
		logx.String("execution_id", execID),
		logx.Duration("grace", grace))

	signalGroup(h.pid, false)
	select {
	case <-h.done:
		return true
	case <-time.After(grace):
	}

	signalGroup(h.pid, true)
	select {
	case <-h.done:
	case <-time.After(s.hardKillBound):
		// The OS has not confirmed death. The execution is still marked
		// terminated; the orphan is the operator's to find.
		s.log.Error("process survived forceful kill",
			logx.String("task_id", taskID),
			logx.String("execution_id", execID),
			logx.Int("pid", h.pid))
	}
	return true
}

// pump copies one output stream into the log pipeline until EOF. It must
// keep reading no matter what the child writes; a stalled pump blocks the
// child on a full pipe and the execution never reaches a terminal state.
func (s *Supervisor) pump(wg *sync.WaitGroup, execID string, stream store.Stream, r io.Reader) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, pumpBuf)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			s.pipe.Append(execID, stream, strings.TrimRight(string(chunk), "\r\n"), time.Now())
		}
		switch err {
		case nil, bufio.ErrBufferFull:
		case io.EOF:
			return
		default:
			s.log.Debug("output stream closed with error",
				logx.String("execution_id", execID),
				logx.String("stream", string(stream)),
				logx.Err(err))
			_, _ = io.Copy(io.Discard, br)
			return
		}
	}
}

// fail marks an execution that never reached running.
func (s *Supervisor) fail(ex *store.Execution, msg string) {
	s.finish(ex, store.ExecFailed, nil, msg)
	s.publish(eventbus.EventExecutionFinished, ex.TaskID, ex.ID, nil)
	s.log.Warn("execution failed to start",
		logx.String("task_id", ex.TaskID),
		logx.String("execution_id", ex.ID),
		logx.String("error", msg))
}

func (s *Supervisor) finish(ex *store.Execution, state store.ExecState, exitCode *int, msg string) {
	now := time.Now()
	if ex.StartTime.IsZero() {
		ex.StartTime = now
	}
	ex.State = state
	ex.EndTime = now
	ex.Duration = now.Sub(ex.StartTime)
	ex.ExitCode = exitCode
	ex.Error = msg
	s.update(ex)
}

func (s *Supervisor) update(ex *store.Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.UpdateExecution(ctx, ex); err != nil {
		s.log.Error("persist execution state",
			logx.String("execution_id", ex.ID),
			logx.String("state", string(ex.State)),
			logx.Err(err))
	}
}

func (s *Supervisor) publish(typ, taskID, execID string, exitCode *int) {
	data := map[string]any{
		"task_id":      taskID,
		"execution_id": execID,
	}
	if exitCode != nil {
		data["exit_code"] = *exitCode
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func childEnv(rt runtimes.Runtime) []string {
	env := os.Environ()
	if rt.BinDir == "" {
		return env
	}
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			out = append(out, "PATH="+rt.BinDir+string(os.PathListSeparator)+kv[5:])
			found = true
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, "PATH="+rt.BinDir)
	}
	return out
}
