// Package store defines the persistence interfaces the engine depends on
// (tasks, executions, logs) and provides the sqlite implementation.
//
// The engine only ever talks to the interfaces; re-deriving the engine per
// storage technology is exactly what this layout avoids.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// TaskStore is CRUD persistence for tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	// DeleteTask removes the task and, by cascade, its executions and logs.
	DeleteTask(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)
	ActiveTasks(ctx context.Context) ([]*Task, error)
	SetTaskActive(ctx context.Context, id string, active bool) error
}

// ExecutionStore is durable persistence for execution records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *Execution) error
	UpdateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// ListExecutions returns the task's executions newest-first.
	ListExecutions(ctx context.Context, taskID string, f ExecutionFilter) ([]*Execution, error)
	TaskStats(ctx context.Context, taskID string) (TaskStats, error)
}

// LogStore is append-only persistence for captured output lines.
type LogStore interface {
	AppendLogs(ctx context.Context, lines []LogLine) error
	// LogsAfter returns lines with Seq > afterSeq in sequence order,
	// up to limit (0 = no limit).
	LogsAfter(ctx context.Context, executionID string, afterSeq int64, limit int) ([]LogLine, error)
	QueryLogs(ctx context.Context, executionID string, f LogFilter) ([]LogLine, error)
}

// Store is the combined production persistence surface.
type Store interface {
	TaskStore
	ExecutionStore
	LogStore
	Close() error
}
