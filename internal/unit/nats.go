package unit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/workerpool/internal/task"
	"github.com/swarmguard/workerpool/libs/go/core/natsctx"
)

// wireEnvelope is Envelope's JSON-safe shape for the NATS transport; Err is
// flattened to a string since errors do not marshal.
type wireEnvelope struct {
	Type   EnvelopeType   `json:"type"`
	TaskID string         `json:"taskId,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Err    string         `json:"error,omitempty"`
	Data   any            `json:"data,omitempty"`
}

// NATSExecutionUnit is an ExecutionUnit adapter that drives a remote
// subscriber over NATS subjects using the same command/response envelope as
// GoroutineExecutionUnit, demonstrating that "execution unit" is an
// interface contract rather than a specific concurrency primitive. Commands
// publish on "<subjectPrefix>.cmd" with trace context injected into message
// headers exactly as natsctx.Publish does; replies arrive on
// "<subjectPrefix>.evt".
type NATSExecutionUnit struct {
	id            string
	kind          string
	nc            *nats.Conn
	subjectPrefix string

	mu            sync.Mutex
	state         State
	currentTaskID string
	createdAt     time.Time
	lastActiveAt  time.Time
	completed     int64
	errors        int64

	sub    *nats.Subscription
	events chan Event
	done   chan struct{}
	closed bool // guarded by mu; true once events has been closed
}

// NewNATSExecutionUnit creates a unit that proxies task execution to a
// remote subscriber on subjectPrefix. The manager should not mark the unit
// IDLE until it observes a workerReady event, same as any other unit.
func NewNATSExecutionUnit(kind string, nc *nats.Conn, subjectPrefix string) (*NATSExecutionUnit, error) {
	u := &NATSExecutionUnit{
		id:            uuid.NewString(),
		kind:          kind,
		nc:            nc,
		subjectPrefix: subjectPrefix,
		state:         StateStarting,
		createdAt:     time.Now(),
		events:        make(chan Event, 16),
		done:          make(chan struct{}),
	}
	u.lastActiveAt = u.createdAt

	sub, err := natsctx.Subscribe(nc, subjectPrefix+".evt", u.handleReply)
	if err != nil {
		return nil, fmt.Errorf("nats unit %s: subscribe: %w", u.id, err)
	}
	u.sub = sub

	if err := u.publish(context.Background(), Envelope{Type: MsgPing}); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats unit %s: probe: %w", u.id, err)
	}
	return u, nil
}

// handleReply is the per-message callback natsctx.Subscribe hands a trace
// context already extracted from the NATS headers.
func (u *NATSExecutionUnit) handleReply(ctx context.Context, m *nats.Msg) {
	var we wireEnvelope
	if err := json.Unmarshal(m.Data, &we); err != nil {
		// Tolerate bare liveness signals that are not JSON envelopes.
		u.emit(Event{Kind: EventMessage, Envelope: Envelope{Type: MsgPong}})
		return
	}

	u.mu.Lock()
	u.lastActiveAt = time.Now()
	switch we.Type {
	case MsgWorkerReady:
		u.state = StateIdle
	case MsgTaskCompleted:
		u.completed++
		u.currentTaskID = ""
		u.state = StateIdle
	case MsgTaskFailed:
		u.errors++
		u.currentTaskID = ""
		u.state = StateIdle
	}
	u.mu.Unlock()

	env := Envelope{Type: we.Type, TaskID: we.TaskID, Result: we.Result, Data: we.Data}
	if we.Err != "" {
		env.Err = fmt.Errorf("%s", we.Err)
	}
	u.emit(Event{Kind: EventMessage, Envelope: env})
}

// emit sends ev on the events channel, holding mu for the duration so it can
// never race Terminate's close of that same channel.
func (u *NATSExecutionUnit) emit(ev Event) {
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

func (u *NATSExecutionUnit) publish(ctx context.Context, env Envelope) error {
	errStr := ""
	if env.Err != nil {
		errStr = env.Err.Error()
	}
	payload, err := json.Marshal(wireEnvelope{Type: env.Type, TaskID: env.TaskID, Result: env.Result, Err: errStr, Data: env.Data})
	if err != nil {
		return err
	}
	return natsctx.Publish(ctx, u.nc, u.subjectPrefix+".cmd", payload)
}

func (u *NATSExecutionUnit) ID() string   { return u.id }
func (u *NATSExecutionUnit) Kind() string { return u.kind }

func (u *NATSExecutionUnit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *NATSExecutionUnit) CurrentTaskID() (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateBusy {
		return "", false
	}
	return u.currentTaskID, true
}

func (u *NATSExecutionUnit) CreatedAt() time.Time { return u.createdAt }

func (u *NATSExecutionUnit) LastActiveAt() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastActiveAt
}

func (u *NATSExecutionUnit) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Stats{Completed: u.completed, Errors: u.errors}
}

func (u *NATSExecutionUnit) PostMessage(env Envelope) error {
	return u.publish(context.Background(), env)
}

func (u *NATSExecutionUnit) StartTask(t *task.Task) error {
	u.mu.Lock()
	if u.state != StateIdle {
		u.mu.Unlock()
		return fmt.Errorf("nats unit %s: startTask while state=%s", u.id, u.state)
	}
	u.state = StateBusy
	u.currentTaskID = t.ID
	u.lastActiveAt = time.Now()
	u.mu.Unlock()

	return u.publish(context.Background(), Envelope{Type: MsgStartTask, TaskID: t.ID, Data: t.Payload})
}

func (u *NATSExecutionUnit) Terminate(force bool) error {
	u.mu.Lock()
	taskID := u.currentTaskID
	u.state = StateTerminating
	u.mu.Unlock()

	if force && taskID != "" {
		_ = u.publish(context.Background(), Envelope{Type: MsgCancelTask, TaskID: taskID})
	}
	if u.sub != nil {
		_ = u.sub.Unsubscribe()
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

func (u *NATSExecutionUnit) IsIdle() bool      { return u.State() == StateIdle }
func (u *NATSExecutionUnit) IsBusy() bool      { return u.State() == StateBusy }
func (u *NATSExecutionUnit) IsAvailable() bool { return u.IsIdle() }

func (u *NATSExecutionUnit) Events() <-chan Event { return u.events }
