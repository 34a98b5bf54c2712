package store

import (
	"time"

	"taskpilot/internal/trigger"
)

// Task is the registered unit of scheduling. The store is the system of
// record; the scheduler holds only derived state (next fire times).
type Task struct {
	ID          string
	Name        string
	Description string

	// Command is executed via the host shell.
	Command string

	// RuntimeRef is an opaque handle resolved to a binary directory
	// (PATH prefix) by the runtime resolver.
	RuntimeRef string

	// WorkDir overrides the child working directory when the resolver
	// does not provide one.
	WorkDir string

	Spec         trigger.Spec
	MaxInstances int
	Active       bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExecState is the execution lifecycle state.
// Transitions are monotonic: pending -> running -> terminal.
type ExecState string

const (
	ExecPending    ExecState = "pending"
	ExecRunning    ExecState = "running"
	ExecCompleted  ExecState = "completed"
	ExecFailed     ExecState = "failed"
	ExecTerminated ExecState = "terminated"
)

func (s ExecState) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecTerminated
}

// Execution is one concrete run of a task's command.
// It is owned by the engine; external callers only ever read it or request
// termination.
type Execution struct {
	ID     string
	TaskID string
	State  ExecState

	StartTime time.Time
	EndTime   time.Time // zero while not terminal
	Duration  time.Duration

	ExitCode *int
	Error    string
}

// Stream tags a captured output line with its origin.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LogLine is one captured output line. Seq is assigned by the log pipeline
// and is strictly increasing per execution; ordering within one
// (execution, stream) pair follows production order.
type LogLine struct {
	ExecutionID string
	Seq         int64
	Time        time.Time
	Stream      Stream
	Text        string
}

// ExecutionFilter narrows ListExecutions. Zero values mean "no filter";
// results are newest-first.
type ExecutionFilter struct {
	State  ExecState
	Limit  int
	Offset int
}

// LogFilter narrows QueryLogs. Results are in sequence order.
type LogFilter struct {
	Stream   Stream
	Contains string
	Limit    int
	Offset   int
}

// TaskStats aggregates a task's execution history.
type TaskStats struct {
	Total       int
	Completed   int
	Failed      int
	Terminated  int
	AvgDuration time.Duration // over completed executions
	LastState   ExecState
	LastStart   time.Time
}
