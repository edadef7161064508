// Package task defines the runtime's immutable unit of work.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks within the queue. Lower ordinal runs earlier.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// Status is a task's position in the QUEUED -> RUNNING -> terminal DAG.
// RUNNING -> QUEUED is permitted only on retry.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Options configures retry, timeout and transfer behavior for one task.
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
	MaxBackoffDelay time.Duration
	MaxJitter      time.Duration
	Transferables  [][]byte
	Tags           []string
}

// Task is the immutable logical unit of work submitted to the pool. Mutable
// scheduling state (Status, StartedAt, CompletedAt, Attempt) is owned
// exclusively by the supervisor (WorkerPool) between submit and terminal
// transition.
type Task struct {
	ID          string
	Type        string
	UnitKind    string
	Payload     any
	Priority    Priority
	SubmittedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Status      Status
	Options     Options
	Attempt     int
}

// New constructs a Task with a generated ID if none is supplied and a
// SubmittedAt timestamp of now.
func New(id, typ, unitKind string, payload any, priority Priority, opts Options) *Task {
	if id == "" {
		id = uuid.NewString()
	}
	return &Task{
		ID:          id,
		Type:        typ,
		UnitKind:    unitKind,
		Payload:     payload,
		Priority:    priority,
		SubmittedAt: time.Now(),
		Status:      StatusQueued,
		Options:     opts,
	}
}
