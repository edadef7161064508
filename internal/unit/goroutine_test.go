package unit

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/workerpool/internal/task"
)

func waitForState(t *testing.T, u ExecutionUnit, want State, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if u.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, u.State())
}

func drain(t *testing.T, ch <-chan Event, want EnvelopeType, d time.Duration) Event {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("events channel closed before seeing %s", want)
			}
			if ev.Kind == EventMessage && ev.Envelope.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for envelope type %s", want)
		}
	}
}

func TestGoroutineUnitBootsToIdle(t *testing.T) {
	u := NewGoroutineExecutionUnit("echo", func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
		return map[string]any{}, nil
	})
	defer u.Terminate(true)

	drain(t, u.Events(), MsgWorkerReady, time.Second)
	waitForState(t, u, StateIdle, time.Second)
	if !u.IsIdle() || !u.IsAvailable() {
		t.Fatal("expected unit to be idle and available after boot")
	}
}

func TestGoroutineUnitRunsTaskToCompletion(t *testing.T) {
	u := NewGoroutineExecutionUnit("echo", func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
		progress(map[string]any{"stage": "working"})
		return map[string]any{"ok": true}, nil
	})
	defer u.Terminate(true)
	waitForState(t, u, StateIdle, time.Second)
	drain(t, u.Events(), MsgWorkerReady, time.Second)

	tsk := task.New("t1", "echo", "echo", nil, task.PriorityNormal, task.Options{})
	if err := u.StartTask(tsk); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if !u.IsBusy() {
		t.Fatal("expected unit to be busy immediately after StartTask")
	}

	drain(t, u.Events(), MsgTaskProgress, time.Second)
	completed := drain(t, u.Events(), MsgTaskCompleted, time.Second)
	if completed.Envelope.Result["ok"] != true {
		t.Fatalf("got result %+v", completed.Envelope.Result)
	}
	waitForState(t, u, StateIdle, time.Second)
}

func TestGoroutineUnitReportsTaskFailure(t *testing.T) {
	u := NewGoroutineExecutionUnit("echo", func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
		return nil, context.DeadlineExceeded
	})
	defer u.Terminate(true)
	waitForState(t, u, StateIdle, time.Second)
	drain(t, u.Events(), MsgWorkerReady, time.Second)

	tsk := task.New("t1", "echo", "echo", nil, task.PriorityNormal, task.Options{})
	_ = u.StartTask(tsk)

	failed := drain(t, u.Events(), MsgTaskFailed, time.Second)
	if failed.Envelope.Err == nil {
		t.Fatal("expected a non-nil error on task failure")
	}
}

func TestGoroutineUnitCancelStopsHandler(t *testing.T) {
	started := make(chan struct{})
	u := NewGoroutineExecutionUnit("echo", func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	defer u.Terminate(true)
	waitForState(t, u, StateIdle, time.Second)
	drain(t, u.Events(), MsgWorkerReady, time.Second)

	tsk := task.New("t1", "echo", "echo", nil, task.PriorityNormal, task.Options{})
	_ = u.StartTask(tsk)
	<-started

	if err := u.PostMessage(Envelope{Type: MsgCancelTask, TaskID: "t1"}); err != nil {
		t.Fatalf("PostMessage cancel: %v", err)
	}

	failed := drain(t, u.Events(), MsgTaskFailed, time.Second)
	if failed.Envelope.Err != context.Canceled {
		t.Fatalf("got err %v, want context.Canceled", failed.Envelope.Err)
	}
}

func TestGoroutineUnitEventsChannelClosesOnTerminate(t *testing.T) {
	u := NewGoroutineExecutionUnit("echo", func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
		return map[string]any{}, nil
	})
	waitForState(t, u, StateIdle, time.Second)
	drain(t, u.Events(), MsgWorkerReady, time.Second)

	if err := u.Terminate(true); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	select {
	case _, ok := <-u.Events():
		if ok {
			t.Fatal("expected events channel to be closed, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}
}

func TestGoroutineUnitStartTaskFailsWhenNotIdle(t *testing.T) {
	block := make(chan struct{})
	u := NewGoroutineExecutionUnit("echo", func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
		<-block
		return map[string]any{}, nil
	})
	defer func() {
		close(block)
		u.Terminate(true)
	}()
	waitForState(t, u, StateIdle, time.Second)
	drain(t, u.Events(), MsgWorkerReady, time.Second)

	tsk := task.New("t1", "echo", "echo", nil, task.PriorityNormal, task.Options{})
	if err := u.StartTask(tsk); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	if err := u.StartTask(task.New("t2", "echo", "echo", nil, task.PriorityNormal, task.Options{})); err == nil {
		t.Fatal("expected StartTask on a busy unit to fail")
	}
}
