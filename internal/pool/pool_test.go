package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/workerpool/internal/errs"
	"github.com/swarmguard/workerpool/internal/task"
	"github.com/swarmguard/workerpool/internal/unit"
)

// echoFactory returns a Factory whose handler runs fn for every task.
func echoFactory(fn unit.Handler) unit.Factory {
	return func(kind string) (unit.ExecutionUnit, error) {
		return unit.NewGoroutineExecutionUnit(kind, fn), nil
	}
}

func waitResult(t *testing.T, ch <-chan Result, d time.Duration) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(d):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestSubmitCompletes(t *testing.T) {
	p := New(Config{
		MinUnits:    0,
		MaxUnits:    2,
		DefaultKind: "echo",
		UnitFactory: echoFactory(func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
			return map[string]any{"n": tsk.Payload}, nil
		}),
	})
	defer p.Shutdown(true)

	_, ch, err := p.Submit("work", "echo", 7, task.PriorityNormal, task.Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := waitResult(t, ch, 2*time.Second)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Output["n"] != 7 {
		t.Fatalf("got %v", res.Output)
	}
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string

	release := make(chan struct{})
	var once sync.Once

	p := New(Config{
		MinUnits:    1,
		MaxUnits:    1,
		DefaultKind: "echo",
		UnitFactory: echoFactory(func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
			// The first task through holds the single unit until every
			// submission below has had a chance to queue up behind it.
			once.Do(func() { <-release })
			mu.Lock()
			order = append(order, tsk.Type)
			mu.Unlock()
			return map[string]any{}, nil
		}),
	})
	defer p.Shutdown(true)

	// Give the one MinUnits unit time to boot and accept the blocker task.
	time.Sleep(50 * time.Millisecond)

	_, blockerCh, _ := p.Submit("blocker", "echo", nil, task.PriorityNormal, task.Options{})
	time.Sleep(20 * time.Millisecond) // ensure blocker is assigned before the rest queue up

	_, lowCh, _ := p.Submit("low", "echo", nil, task.PriorityLow, task.Options{})
	_, highCh, _ := p.Submit("high", "echo", nil, task.PriorityHigh, task.Options{})
	_, normalCh, _ := p.Submit("normal", "echo", nil, task.PriorityNormal, task.Options{})

	close(release)

	waitResult(t, blockerCh, 2*time.Second)
	waitResult(t, highCh, 2*time.Second)
	waitResult(t, normalCh, 2*time.Second)
	waitResult(t, lowCh, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"blocker", "high", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("got order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var attempts int32

	p := New(Config{
		MinUnits:    0,
		MaxUnits:    1,
		DefaultKind: "flaky",
		UnitFactory: echoFactory(func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return nil, fmt.Errorf("attempt %d failed", n)
			}
			return map[string]any{"attempts": n}, nil
		}),
	})
	defer p.Shutdown(true)

	_, ch, err := p.Submit("work", "flaky", nil, task.PriorityNormal, task.Options{
		MaxRetries:      5,
		RetryDelayBase:  5 * time.Millisecond,
		MaxBackoffDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := waitResult(t, ch, 3*time.Second)
	if res.Err != nil {
		t.Fatalf("expected eventual success, got %v", res.Err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetriesExhausted(t *testing.T) {
	p := New(Config{
		MinUnits:    0,
		MaxUnits:    1,
		DefaultKind: "alwaysfails",
		UnitFactory: echoFactory(func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
			return nil, fmt.Errorf("boom")
		}),
	})
	defer p.Shutdown(true)

	_, ch, err := p.Submit("work", "alwaysfails", nil, task.PriorityNormal, task.Options{
		MaxRetries:     2,
		RetryDelayBase: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := waitResult(t, ch, 2*time.Second)
	if res.Err == nil {
		t.Fatal("expected final failure")
	}
}

func TestProgressResetsDeadline(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})

	p := New(Config{
		MinUnits:    0,
		MaxUnits:    1,
		DefaultKind: "slow",
		UnitFactory: echoFactory(func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
			close(started)
			// Report progress faster than the deadline so a naive one-shot
			// timeout would fire before this returns.
			for i := 0; i < 4; i++ {
				select {
				case <-finish:
					return map[string]any{"ok": true}, nil
				case <-time.After(30 * time.Millisecond):
					progress(map[string]any{"step": i})
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			close(finish)
			return map[string]any{"ok": true}, nil
		}),
	})
	defer p.Shutdown(true)

	_, ch, err := p.Submit("work", "slow", nil, task.PriorityNormal, task.Options{
		Timeout:    50 * time.Millisecond,
		MaxRetries: 0,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	res := waitResult(t, ch, 2*time.Second)
	if res.Err != nil {
		t.Fatalf("progress should have kept the deadline from firing, got %v", res.Err)
	}
}

func TestCancelWhileQueued(t *testing.T) {
	blocked := make(chan struct{})

	p := New(Config{
		MinUnits:    1,
		MaxUnits:    1,
		DefaultKind: "echo",
		UnitFactory: echoFactory(func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
			<-blocked
			return map[string]any{}, nil
		}),
	})
	defer func() {
		close(blocked)
		p.Shutdown(true)
	}()

	time.Sleep(50 * time.Millisecond) // let the MinUnits unit boot

	held, _, _ := p.Submit("holder", "echo", nil, task.PriorityNormal, task.Options{})
	time.Sleep(20 * time.Millisecond)

	queuedTask, queuedCh, _ := p.Submit("queued", "echo", nil, task.PriorityNormal, task.Options{})

	if ok := p.Cancel(queuedTask.ID); !ok {
		t.Fatal("expected Cancel to find the queued task")
	}
	res := waitResult(t, queuedCh, time.Second)
	if res.Err == nil {
		t.Fatal("expected cancellation error")
	}

	status, ok := p.GetStatus(held.ID)
	if !ok {
		t.Fatal("held task should still be tracked")
	}
	if status != task.StatusRunning {
		t.Fatalf("holder should still be running, got %s", status)
	}
}

func TestShutdownDrainsQueue(t *testing.T) {
	p := New(Config{
		MinUnits:    0,
		MaxUnits:    1,
		DefaultKind: "echo",
		UnitFactory: echoFactory(func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	_, ch, err := p.Submit("work", "echo", nil, task.PriorityNormal, task.Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	p.Shutdown(true)

	res := waitResult(t, ch, time.Second)
	if res.Err == nil {
		t.Fatal("expected shutdown error")
	}

	if _, err := p.Submit("late", "echo", nil, task.PriorityNormal, task.Options{}); err == nil {
		t.Fatal("expected submit after shutdown to fail")
	}
}

func TestSubmitRateLimitRejectsBurst(t *testing.T) {
	cfg := Config{
		MinUnits:    0,
		MaxUnits:    1,
		DefaultKind: "echo",
		UnitFactory: echoFactory(func(ctx context.Context, tsk *task.Task, progress func(map[string]any)) (map[string]any, error) {
			return map[string]any{}, nil
		}),
	}
	cfg.SubmitRateLimit.RatePerSecond = 1
	cfg.SubmitRateLimit.Burst = 1
	p := New(cfg)
	defer p.Shutdown(true)

	if _, _, err := p.Submit("work", "echo", nil, task.PriorityNormal, task.Options{}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, _, err := p.Submit("work", "echo", nil, task.PriorityNormal, task.Options{})
	if err == nil || !errs.Is(err, errs.RateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
}
