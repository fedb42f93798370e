package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTaskNotFound is returned by Cancel for an unknown task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrSchedulingSkipped wraps the error of a failed execution. The task
	// keeps its schedule; the missed run is not retried.
	ErrSchedulingSkipped = errors.New("scheduled run skipped")
)

// Task is a recurring or one-shot message bound to a session.
type Task struct {
	ID         string
	SessionID  string
	Spec       Spec
	Message    string
	AnchorTime time.Time
	NextRun    time.Time
	LastRun    time.Time
	IsRunning  bool
	LastError  error
	Runs       int

	seq     uint64
	removed bool
}

func (t *Task) info() TaskInfo {
	info := TaskInfo{
		ID:        t.ID,
		SessionID: t.SessionID,
		Spec:      t.Spec.Raw,
		Kind:      t.Spec.Kind.String(),
		Message:   t.Message,
		NextRun:   t.NextRun,
		IsRunning: t.IsRunning,
		Runs:      t.Runs,
	}
	if !t.LastRun.IsZero() {
		last := t.LastRun
		info.LastRun = &last
	}
	if t.LastError != nil {
		info.LastError = t.LastError.Error()
	}
	return info
}

// TaskInfo is a read-only snapshot of a task.
type TaskInfo struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Spec      string     `json:"schedule_spec"`
	Kind      string     `json:"kind"`
	Message   string     `json:"message"`
	NextRun   time.Time  `json:"next_run"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	IsRunning bool       `json:"is_running"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int        `json:"runs"`
}

// Execution is one firing of a task.
type Execution struct {
	ID        string
	TaskID    string
	SessionID string
	Message   string
	DueAt     time.Time
	StartedAt time.Time
}

// Runner performs executions. RunTask blocks until the execution is finished.
type Runner interface {
	RunTask(ctx context.Context, exec Execution) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, exec Execution) error

func (f RunnerFunc) RunTask(ctx context.Context, exec Execution) error {
	return f(ctx, exec)
}

// UpdateKind names a task lifecycle change.
type UpdateKind string

const (
	UpdateScheduled UpdateKind = "scheduled"
	UpdateStarted   UpdateKind = "started"
	UpdateCompleted UpdateKind = "completed"
	UpdateFailed    UpdateKind = "failed"
	UpdateCancelled UpdateKind = "cancelled"
	UpdateRemoved   UpdateKind = "removed"
)

// Update reports a task lifecycle change to the Observer.
type Update struct {
	Kind        UpdateKind
	Task        TaskInfo
	ExecutionID string
	// Err wraps ErrSchedulingSkipped for failed executions.
	Err error
}

// Observer receives task updates. It is called without the scheduler lock
// held and must not block for long.
type Observer func(Update)
