package unit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/swarmguard/workerpool/internal/task"
)

// Handler performs the actual work of a task inside a GoroutineExecutionUnit.
// progress may be called zero or more times before returning; each call is
// forwarded to the supervisor as a taskProgress envelope and resets the
// task's deadline. Handler must honor ctx cancellation promptly.
type Handler func(ctx context.Context, t *task.Task, progress func(data map[string]any)) (map[string]any, error)

// GoroutineExecutionUnit is the default in-process ExecutionUnit: a single
// goroutine per task, communicating back to the supervisor over a buffered
// Events channel exactly as the wire protocol in unit.go describes, just
// without serialization.
type GoroutineExecutionUnit struct {
	id      string
	kind    string
	handler Handler

	mu            sync.Mutex
	state         State
	currentTaskID string
	cancelCurrent context.CancelFunc
	createdAt     time.Time
	lastActiveAt  time.Time

	completed int64
	errors    int64
	totalDur  int64 // nanoseconds, for avg computation

	events chan Event
	done   chan struct{}
	closed bool // guarded by mu; true once events has been closed
}

// NewGoroutineExecutionUnit constructs a unit of kind kind driven by
// handler. The returned unit starts in STARTING; its boot goroutine moves
// it to IDLE and then emits workerReady, so a dispatch pass triggered by
// that workerReady already finds the unit idle.
func NewGoroutineExecutionUnit(kind string, handler Handler) *GoroutineExecutionUnit {
	u := &GoroutineExecutionUnit{
		id:        uuid.NewString(),
		kind:      kind,
		handler:   handler,
		state:     StateStarting,
		createdAt: time.Now(),
		events:    make(chan Event, 16),
		done:      make(chan struct{}),
	}
	u.lastActiveAt = u.createdAt
	go u.boot()
	return u
}

func (u *GoroutineExecutionUnit) boot() {
	u.mu.Lock()
	u.state = StateIdle
	u.mu.Unlock()
	u.emit(Event{Kind: EventMessage, Envelope: Envelope{Type: MsgWorkerReady}})
}

// emit sends ev on the events channel, holding mu for the duration so it can
// never race Terminate's close of that same channel.
func (u *GoroutineExecutionUnit) emit(ev Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	select {
	case u.events <- ev:
	case <-u.done:
	}
}

func (u *GoroutineExecutionUnit) ID() string   { return u.id }
func (u *GoroutineExecutionUnit) Kind() string { return u.kind }

func (u *GoroutineExecutionUnit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *GoroutineExecutionUnit) CurrentTaskID() (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateBusy {
		return "", false
	}
	return u.currentTaskID, true
}

func (u *GoroutineExecutionUnit) CreatedAt() time.Time    { return u.createdAt }
func (u *GoroutineExecutionUnit) LastActiveAt() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastActiveAt
}

func (u *GoroutineExecutionUnit) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	completed := atomic.LoadInt64(&u.completed)
	var avg float64
	if completed > 0 {
		avg = float64(atomic.LoadInt64(&u.totalDur)) / float64(completed) / float64(time.Millisecond)
	}
	return Stats{
		Completed:     completed,
		Errors:        atomic.LoadInt64(&u.errors),
		AvgDurationMs: avg,
	}
}

func (u *GoroutineExecutionUnit) PostMessage(env Envelope) error {
	u.mu.Lock()
	state := u.state
	u.mu.Unlock()
	if state == StateTerminating || state == StateError {
		return fmt.Errorf("unit %s: post to terminated unit", u.id)
	}
	if env.Type == MsgPing {
		u.emit(Event{Kind: EventMessage, Envelope: Envelope{Type: MsgPong}})
		return nil
	}
	if env.Type == MsgCancelTask {
		u.mu.Lock()
		if u.currentTaskID == env.TaskID && u.cancelCurrent != nil {
			u.cancelCurrent()
		}
		u.mu.Unlock()
	}
	return nil
}

// StartTask transitions the unit to BUSY and runs handler on its own
// goroutine, reporting the outcome over Events().
func (u *GoroutineExecutionUnit) StartTask(t *task.Task) error {
	u.mu.Lock()
	if u.state != StateIdle {
		u.mu.Unlock()
		return fmt.Errorf("unit %s: startTask while state=%s", u.id, u.state)
	}
	ctx, cancel := context.WithCancel(context.Background())
	u.state = StateBusy
	u.currentTaskID = t.ID
	u.cancelCurrent = cancel
	u.lastActiveAt = time.Now()
	u.mu.Unlock()

	go u.run(ctx, t)
	return nil
}

func (u *GoroutineExecutionUnit) run(ctx context.Context, t *task.Task) {
	start := time.Now()
	progress := func(data map[string]any) {
		u.mu.Lock()
		u.lastActiveAt = time.Now()
		u.mu.Unlock()
		u.emit(Event{Kind: EventMessage, Envelope: Envelope{Type: MsgTaskProgress, TaskID: t.ID, Result: data}})
	}

	result, err := u.handler(ctx, t, progress)

	u.mu.Lock()
	u.lastActiveAt = time.Now()
	u.currentTaskID = ""
	u.cancelCurrent = nil
	if u.state == StateBusy {
		u.state = StateIdle
	}
	if err == nil {
		atomic.AddInt64(&u.completed, 1)
		atomic.AddInt64(&u.totalDur, int64(time.Since(start)))
	} else {
		atomic.AddInt64(&u.errors, 1)
	}
	u.mu.Unlock()

	if err != nil {
		u.emit(Event{Kind: EventMessage, Envelope: Envelope{Type: MsgTaskFailed, TaskID: t.ID, Err: err}})
		return
	}
	u.emit(Event{Kind: EventMessage, Envelope: Envelope{Type: MsgTaskCompleted, TaskID: t.ID, Result: result}})
}

// Terminate stops the unit and closes its Events channel without waiting
// for an in-flight handler. If force, that handler's context is cancelled
// immediately; otherwise the handler is left to run to completion, and its
// outcome is not reported since Events is already closed.
func (u *GoroutineExecutionUnit) Terminate(force bool) error {
	u.mu.Lock()
	if u.state == StateTerminating {
		u.mu.Unlock()
		return nil
	}
	u.state = StateTerminating
	cancel := u.cancelCurrent
	u.mu.Unlock()

	if force && cancel != nil {
		cancel()
	}
	close(u.done)

	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.events)
	}
	u.mu.Unlock()
	return nil
}

func (u *GoroutineExecutionUnit) IsIdle() bool      { return u.State() == StateIdle }
func (u *GoroutineExecutionUnit) IsBusy() bool      { return u.State() == StateBusy }
func (u *GoroutineExecutionUnit) IsAvailable() bool { return u.IsIdle() }

func (u *GoroutineExecutionUnit) Events() <-chan Event { return u.events }
