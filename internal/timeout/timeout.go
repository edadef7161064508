// Package timeout implements TimeoutManager: deadline tracking
// with exponential-backoff retry and jitter, grounded in the exponential
// backoff used by libs/go/core/resilience.Retry but generalized to the
// spec's exact formula: min(maxBackoffDelay, initialDelay*2^attempt +
// uniformJitter(0, maxJitter)).
package timeout

import (
	"math/rand"
	"sync"
	"time"
)

// Status is a TimeoutRecord's lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusFired     Status = "FIRED"
	StatusCancelled Status = "CANCELLED"
	StatusRetrying  Status = "RETRYING"
)

// Record describes one armed or resolved deadline.
type Record struct {
	OwnerID         string
	Attempt         int
	OriginalDelayMs int64
	NextFireAt      time.Time
	Status          Status
}

// Stats are cumulative, monotonically-increasing counters, except Active,
// which is the number of deadlines currently armed.
type Stats struct {
	Created   int64
	Completed int64
	Cancelled int64
	Failed    int64
	Retried   int64
	Active    int64
}

type entry struct {
	timer       *time.Timer
	record      Record
	maxRetries  int
	maxBackoff  time.Duration
	maxJitter   time.Duration
	onExpire    func()
	onFinal     func()
	onRetry     func(attempt int, nextDelay time.Duration)
	withRetry   bool
}

// Manager tracks named deadlines. Its bookkeeping is guarded by the
// manager's lock; callbacks run on the manager's own timer goroutines after
// that lock is released, so a callback may call back into the Manager
// (Clear, Set, ...), and two callbacks, or a callback and a Set/Clear call,
// can execute concurrently.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	stats   Stats
}

func New() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

func clampDelay(ms int64) time.Duration {
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Set arms a one-shot deadline. A prior deadline with the same id is
// cancelled (not fired). Idempotent when the existing deadline is ACTIVE and
// was armed with the same delay.
func (m *Manager) Set(id string, onExpire func(), delayMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[id]; ok {
		if existing.record.Status == StatusActive && existing.record.OriginalDelayMs == delayMs && !existing.withRetry {
			return
		}
		m.cancelLocked(id)
	}

	delay := clampDelay(delayMs)
	e := &entry{
		record: Record{
			OwnerID:         id,
			OriginalDelayMs: delayMs,
			NextFireAt:      time.Now().Add(delay),
			Status:          StatusActive,
		},
		onExpire: onExpire,
	}
	m.stats.Created++
	m.stats.Active++
	e.timer = time.AfterFunc(delay, func() { m.fire(id) })
	m.entries[id] = e
}

// SetWithRetry arms a deadline that, on expiry, retries with exponential
// backoff (initialDelayMs*2^attempt) until maxRetries is exhausted, at which
// point onFinalFailure runs instead. It adds no jitter and applies no
// backoff cap; SetWithRetryFull takes both.
func (m *Manager) SetWithRetry(id string, onFinalFailure func(), onRetry func(attempt int, nextDelay time.Duration), initialDelayMs int64, maxRetries int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; ok {
		m.cancelLocked(id)
	}

	delay := clampDelay(initialDelayMs)
	e := &entry{
		record: Record{
			OwnerID:         id,
			OriginalDelayMs: initialDelayMs,
			NextFireAt:      time.Now().Add(delay),
			Status:          StatusActive,
		},
		maxRetries: maxRetries,
		maxBackoff: 0,
		withRetry:  true,
		onFinal:    onFinalFailure,
		onRetry:    onRetry,
	}
	m.stats.Created++
	m.stats.Active++
	e.timer = time.AfterFunc(delay, func() { m.fire(id) })
	m.entries[id] = e
}

// SetWithRetryFull is SetWithRetry with explicit backoff cap and jitter
// bound, matching the pool's per-task configuration (maxBackoffDelay,
// maxJitter).
func (m *Manager) SetWithRetryFull(id string, onFinalFailure func(), onRetry func(attempt int, nextDelay time.Duration), initialDelayMs int64, maxRetries int, maxBackoff, maxJitter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; ok {
		m.cancelLocked(id)
	}

	delay := clampDelay(initialDelayMs)
	e := &entry{
		record: Record{
			OwnerID:         id,
			OriginalDelayMs: initialDelayMs,
			NextFireAt:      time.Now().Add(delay),
			Status:          StatusActive,
		},
		maxRetries: maxRetries,
		maxBackoff: maxBackoff,
		maxJitter:  maxJitter,
		withRetry:  true,
		onFinal:    onFinalFailure,
		onRetry:    onRetry,
	}
	m.stats.Created++
	m.stats.Active++
	e.timer = time.AfterFunc(delay, func() { m.fire(id) })
	m.entries[id] = e
}

func (m *Manager) fire(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.record.Status != StatusActive {
		m.mu.Unlock()
		return
	}

	if !e.withRetry {
		e.record.Status = StatusFired
		m.stats.Active--
		m.stats.Completed++
		delete(m.entries, id)
		cb := e.onExpire
		m.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}

	if e.record.Attempt >= e.maxRetries {
		e.record.Status = StatusFired
		m.stats.Active--
		m.stats.Failed++
		delete(m.entries, id)
		cb := e.onFinal
		m.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}

	e.record.Attempt++
	e.record.Status = StatusRetrying
	nextDelay := backoffDelay(e.record.OriginalDelayMs, e.record.Attempt, e.maxBackoff, e.maxJitter)
	e.record.NextFireAt = time.Now().Add(nextDelay)
	e.record.Status = StatusActive
	m.stats.Retried++
	attempt := e.record.Attempt
	cb := e.onRetry
	e.timer = time.AfterFunc(nextDelay, func() { m.fire(id) })
	m.mu.Unlock()

	if cb != nil {
		cb(attempt, nextDelay)
	}
}

// BackoffDelay computes min(maxBackoff, initialDelayMs*2^attempt +
// uniformJitter(0, maxJitter)). Exported so callers that need to schedule a
// retry wait outside the Manager's own timers (e.g. the pool, which
// separates "deadline expired" from "waiting to retry") can reuse the exact
// same formula.
func BackoffDelay(initialDelayMs int64, attempt int, maxBackoff, maxJitter time.Duration) time.Duration {
	return backoffDelay(initialDelayMs, attempt, maxBackoff, maxJitter)
}

func backoffDelay(initialDelayMs int64, attempt int, maxBackoff, maxJitter time.Duration) time.Duration {
	base := time.Duration(initialDelayMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		base *= 2
	}
	jitter := time.Duration(0)
	if maxJitter > 0 {
		jitter = time.Duration(rand.Int63n(int64(maxJitter) + 1))
	}
	total := base + jitter
	if maxBackoff > 0 && total > maxBackoff {
		total = maxBackoff
	}
	return total
}

// Touch re-arms id's existing deadline for delayMs without disturbing its
// attempt counter or retry configuration. Used when a task reports progress:
// the deadline moves out, but a later expiry still counts as the same
// attempt escalating toward maxRetries, not a fresh one.
func (m *Manager) Touch(id string, delayMs int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || e.record.Status != StatusActive {
		return false
	}
	e.timer.Stop()
	delay := clampDelay(delayMs)
	e.record.NextFireAt = time.Now().Add(delay)
	e.timer = time.AfterFunc(delay, func() { m.fire(id) })
	return true
}

// Clear cancels the deadline for id, if any. The record transitions to
// CANCELLED rather than firing.
func (m *Manager) Clear(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(id)
}

func (m *Manager) cancelLocked(id string) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.timer.Stop()
	if e.record.Status == StatusActive || e.record.Status == StatusRetrying {
		m.stats.Active--
		m.stats.Cancelled++
	}
	delete(m.entries, id)
}

// ClearAll cancels every active deadline.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.entries {
		m.cancelLocked(id)
	}
}

// GetInfo returns a snapshot of the record for id, if armed.
func (m *Manager) GetInfo(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.record, true
}

// GetStats returns a snapshot of cumulative counters.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
