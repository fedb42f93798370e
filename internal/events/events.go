// Package events fans session events out to subscribers.
//
// Publishing never blocks: a subscriber whose buffer is full misses the
// event and the drop is counted.
package events

import (
	"errors"
	"time"
)

// ErrBusClosed is returned when subscribing to a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Type classifies an event.
type Type string

const (
	TypeMessage    Type = "message"
	TypeTaskUpdate Type = "task_update"
	TypeError      Type = "error"
)

// Event is one notification about a session.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Payload   any       `json:"payload"`
}

// MessagePayload carries a history entry produced by a turn.
type MessagePayload struct {
	Sender      string `json:"sender"`
	Text        string `json:"text"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// TaskPayload carries a scheduler task update.
type TaskPayload struct {
	Kind        string    `json:"kind"`
	TaskID      string    `json:"task_id"`
	Spec        string    `json:"schedule_spec"`
	Message     string    `json:"message"`
	NextRun     time.Time `json:"next_run"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// ErrorPayload carries a failure that has no caller to return to.
type ErrorPayload struct {
	Error       string `json:"error"`
	ExecutionID string `json:"execution_id,omitempty"`
}
