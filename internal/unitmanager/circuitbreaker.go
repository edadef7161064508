package unitmanager

import (
	"sync"
	"time"
)

// circuitBreaker is a failure-rate breaker over cumulative success/failure
// counts (reset only when it trips or recovers), adapted from
// libs/go/core/resilience.CircuitBreaker and simplified to the one decision
// UnitManager needs: should createUnit for this kind be allowed right now.
// The adaptive-threshold behavior of the original is dropped since unit
// creation, unlike an HTTP call, has no natural high-frequency sample rate
// to adapt against; a fixed threshold plus cooldown is what
// NewCircuitBreakerAdaptive reduces to when called with adaptive disabled.
type circuitBreaker struct {
	mu sync.Mutex

	minSamples      int
	failureRateOpen float64
	halfOpenAfter   time.Duration

	successes, failures int
	state               breakerState
	openedAt            time.Time
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func newCircuitBreaker(minSamples int, failureRateOpen float64, halfOpenAfter time.Duration) *circuitBreaker {
	return &circuitBreaker{
		minSamples:      minSamples,
		failureRateOpen: failureRateOpen,
		halfOpenAfter:   halfOpenAfter,
		state:           breakerClosed,
	}
}

func (c *circuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (c *circuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == breakerHalfOpen {
		if success {
			c.reset()
		} else {
			c.trip()
		}
		return
	}

	if success {
		c.successes++
	} else {
		c.failures++
	}
	total := c.successes + c.failures
	if total >= c.minSamples && float64(c.failures)/float64(total) >= c.failureRateOpen {
		c.trip()
	}
}

func (c *circuitBreaker) trip() {
	c.state = breakerOpen
	c.openedAt = time.Now()
	c.successes, c.failures = 0, 0
}

func (c *circuitBreaker) reset() {
	c.state = breakerClosed
	c.successes, c.failures = 0, 0
}
