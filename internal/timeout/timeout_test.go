package timeout

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSetFiresOnExpire(t *testing.T) {
	m := New()
	fired := make(chan struct{})
	m.Set("a", func() { close(fired) }, 20)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for expiry callback")
	}

	stats := m.GetStats()
	if stats.Completed != 1 {
		t.Fatalf("got Completed=%d, want 1", stats.Completed)
	}
}

func TestClearPreventsExpiry(t *testing.T) {
	m := New()
	fired := make(chan struct{})
	m.Set("a", func() { close(fired) }, 50)
	m.Clear("a")

	select {
	case <-fired:
		t.Fatal("expiry callback ran after Clear")
	case <-time.After(100 * time.Millisecond):
	}

	stats := m.GetStats()
	if stats.Cancelled != 1 {
		t.Fatalf("got Cancelled=%d, want 1", stats.Cancelled)
	}
}

func TestTouchDelaysExpiry(t *testing.T) {
	m := New()
	fired := make(chan struct{})
	m.Set("a", func() { close(fired) }, 40)

	time.Sleep(20 * time.Millisecond)
	if !m.Touch("a", 100) {
		t.Fatal("expected Touch to find an active deadline")
	}

	select {
	case <-fired:
		t.Fatal("expiry fired before the touched deadline")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the re-armed deadline to fire")
	}
}

func TestTouchUnknownIDReturnsFalse(t *testing.T) {
	m := New()
	if m.Touch("missing", 10) {
		t.Fatal("expected Touch on an unknown id to return false")
	}
}

func TestSetWithRetryRetriesThenFails(t *testing.T) {
	m := New()
	var retries int32
	final := make(chan struct{})

	m.SetWithRetry("a", func() { close(final) }, func(attempt int, next time.Duration) {
		atomic.AddInt32(&retries, 1)
	}, 10, 2)

	select {
	case <-final:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final failure")
	}

	if got := atomic.LoadInt32(&retries); got != 2 {
		t.Fatalf("got %d retries, want 2", got)
	}
	stats := m.GetStats()
	if stats.Failed != 1 {
		t.Fatalf("got Failed=%d, want 1", stats.Failed)
	}
	if stats.Retried != 2 {
		t.Fatalf("got Retried=%d, want 2", stats.Retried)
	}
}

func TestSetWithRetryFullRespectsMaxBackoff(t *testing.T) {
	m := New()
	final := make(chan struct{})
	var lastDelay time.Duration

	m.SetWithRetryFull("a", func() { close(final) }, func(attempt int, next time.Duration) {
		lastDelay = next
	}, 10, 3, 15*time.Millisecond, 0)

	select {
	case <-final:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final failure")
	}

	if lastDelay > 15*time.Millisecond {
		t.Fatalf("got delay %v, want capped at 15ms", lastDelay)
	}
}

func TestBackoffDelayDoubles(t *testing.T) {
	d0 := BackoffDelay(100, 0, 0, 0)
	d1 := BackoffDelay(100, 1, 0, 0)
	d2 := BackoffDelay(100, 2, 0, 0)

	if d0 != 100*time.Millisecond {
		t.Fatalf("got d0=%v, want 100ms", d0)
	}
	if d1 != 200*time.Millisecond {
		t.Fatalf("got d1=%v, want 200ms", d1)
	}
	if d2 != 400*time.Millisecond {
		t.Fatalf("got d2=%v, want 400ms", d2)
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	d := BackoffDelay(1000, 10, 50*time.Millisecond, 0)
	if d != 50*time.Millisecond {
		t.Fatalf("got %v, want capped at 50ms", d)
	}
}

func TestGetInfoReflectsArmedDeadline(t *testing.T) {
	m := New()
	m.Set("a", func() {}, 5000)
	defer m.Clear("a")

	rec, ok := m.GetInfo("a")
	if !ok {
		t.Fatal("expected an armed record for a")
	}
	if rec.Status != StatusActive {
		t.Fatalf("got status %v, want ACTIVE", rec.Status)
	}
}

func TestClearAllCancelsEverything(t *testing.T) {
	m := New()
	m.Set("a", func() {}, 5000)
	m.Set("b", func() {}, 5000)
	m.ClearAll()

	if _, ok := m.GetInfo("a"); ok {
		t.Fatal("expected a to be cleared")
	}
	if _, ok := m.GetInfo("b"); ok {
		t.Fatal("expected b to be cleared")
	}
}
