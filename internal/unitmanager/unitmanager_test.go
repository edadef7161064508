package unitmanager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/workerpool/internal/eventhub"
	"github.com/swarmguard/workerpool/internal/task"
	"github.com/swarmguard/workerpool/internal/unit"
)

func echoFactory() unit.Factory {
	return func(kind string) (unit.ExecutionUnit, error) {
		return unit.NewGoroutineExecutionUnit(kind, func(ctx context.Context, t *task.Task, progress func(map[string]any)) (map[string]any, error) {
			return map[string]any{}, nil
		}), nil
	}
}

func waitForIdleUnit(t *testing.T, m *Manager, kind string, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if m.GetIdleUnit(kind) != nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for an idle unit of kind %s", kind)
}

func TestCreateUnitAndGetIdleUnit(t *testing.T) {
	hub := eventhub.New()
	m := New(Config{MinUnits: 0, MaxUnits: 2, UnitFactory: echoFactory()}, hub, nil, noop.NewMeterProvider().Meter("test"))
	defer m.CloseAll(true)

	u, err := m.CreateUnit("echo")
	if err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}
	waitForIdleUnit(t, m, "echo", time.Second)

	if got := m.GetIdleUnit("echo"); got == nil || got.ID() != u.ID() {
		t.Fatalf("expected GetIdleUnit to return %s, got %+v", u.ID(), got)
	}
	if m.CountByKind("echo") != 1 {
		t.Fatalf("got CountByKind=%d, want 1", m.CountByKind("echo"))
	}
}

func TestCreateUnitRespectsMaxUnits(t *testing.T) {
	hub := eventhub.New()
	m := New(Config{MinUnits: 0, MaxUnits: 1, UnitFactory: echoFactory()}, hub, nil, noop.NewMeterProvider().Meter("test"))
	defer m.CloseAll(true)

	if _, err := m.CreateUnit("echo"); err != nil {
		t.Fatalf("first CreateUnit: %v", err)
	}
	if _, err := m.CreateUnit("echo"); err == nil {
		t.Fatal("expected second CreateUnit to fail at MaxUnits=1")
	}
}

func TestEnsureMinUnits(t *testing.T) {
	hub := eventhub.New()
	m := New(Config{MinUnits: 2, MaxUnits: 4, DefaultKind: "echo", UnitFactory: echoFactory()}, hub, nil, noop.NewMeterProvider().Meter("test"))
	defer m.CloseAll(true)

	m.EnsureMinUnits()
	if got := m.CountByKind("echo"); got != 2 {
		t.Fatalf("got %d units, want 2", got)
	}
}

func TestReleaseUnitRemovesIt(t *testing.T) {
	hub := eventhub.New()
	m := New(Config{MinUnits: 0, MaxUnits: 2, UnitFactory: echoFactory()}, hub, nil, noop.NewMeterProvider().Meter("test"))
	defer m.CloseAll(true)

	u, _ := m.CreateUnit("echo")
	m.ReleaseUnit(u.ID(), true)

	if m.CountByKind("echo") != 0 {
		t.Fatalf("expected unit to be gone, got count=%d", m.CountByKind("echo"))
	}
}

func TestMessageObserverReceivesTaskOutcomes(t *testing.T) {
	hub := eventhub.New()
	m := New(Config{MinUnits: 0, MaxUnits: 2, UnitFactory: echoFactory()}, hub, nil, noop.NewMeterProvider().Meter("test"))
	defer m.CloseAll(true)

	var seen int32
	m.SetMessageObserver(func(u unit.ExecutionUnit, env unit.Envelope) {
		if env.Type == unit.MsgTaskCompleted {
			atomic.AddInt32(&seen, 1)
		}
	})

	u, err := m.CreateUnit("echo")
	if err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}
	waitForIdleUnit(t, m, "echo", time.Second)

	tsk := task.New("t1", "echo", "echo", nil, task.PriorityNormal, task.Options{})
	if err := u.StartTask(tsk); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&seen) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if atomic.LoadInt32(&seen) != 1 {
		t.Fatal("expected the message observer to see exactly one taskCompleted")
	}
}

func TestCloseAllTerminatesEveryUnit(t *testing.T) {
	hub := eventhub.New()
	m := New(Config{MinUnits: 0, MaxUnits: 4, UnitFactory: echoFactory()}, hub, nil, noop.NewMeterProvider().Meter("test"))

	for i := 0; i < 3; i++ {
		if _, err := m.CreateUnit("echo"); err != nil {
			t.Fatalf("CreateUnit: %v", err)
		}
	}
	m.CloseAll(true)

	if m.CountByKind("echo") != 0 {
		t.Fatalf("expected all units released, got count=%d", m.CountByKind("echo"))
	}
	if _, err := m.CreateUnit("echo"); err == nil {
		t.Fatal("expected CreateUnit after CloseAll to fail")
	}
}
