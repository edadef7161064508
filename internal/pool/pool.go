// Package pool implements WorkerPool: the priority-aware scheduler that
// owns a TaskQueue, a UnitManager, a TimeoutManager, and an EventHub, and
// drives tasks from submission through to a terminal result.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/workerpool/internal/errs"
	"github.com/swarmguard/workerpool/internal/eventhub"
	"github.com/swarmguard/workerpool/internal/obs/logging"
	"github.com/swarmguard/workerpool/internal/queue"
	"github.com/swarmguard/workerpool/internal/task"
	"github.com/swarmguard/workerpool/internal/timeout"
	"github.com/swarmguard/workerpool/internal/unit"
	"github.com/swarmguard/workerpool/internal/unitmanager"
	"github.com/swarmguard/workerpool/libs/go/core/resilience"
)

// Result is delivered on a submitted task's result channel exactly once.
type Result struct {
	TaskID string
	Output map[string]any
	Err    error
}

// Config tunes a WorkerPool and everything it owns.
type Config struct {
	MinUnits    int
	MaxUnits    int
	IdleTimeout time.Duration
	DefaultKind string
	UnitFactory unit.Factory

	MaxQueueSize int // 0 = unbounded

	DefaultTimeoutMs       int64
	DefaultMaxRetries      int
	DefaultRetryDelayBase  int64
	DefaultMaxBackoffDelay time.Duration
	DefaultMaxJitter       time.Duration

	ReapInterval      time.Duration
	BreakerMinSamples int
	BreakerFailRate   float64
	BreakerCooldown   time.Duration

	// SubmitRateLimit, if RatePerSecond > 0, caps how fast Submit accepts new
	// tasks using a token bucket with a sliding-window burst cap.
	SubmitRateLimit SubmitRateLimitConfig

	Meter metric.Meter
}

// SubmitRateLimitConfig tunes the optional token-bucket admission limiter in
// front of Submit, adapted from libs/go/core/resilience.RateLimiter.
type SubmitRateLimitConfig struct {
	RatePerSecond float64
	Burst         int64
	Window        time.Duration
	MaxPerWindow  int64
}

func (c *Config) setDefaults() {
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = 30_000
	}
	if c.DefaultRetryDelayBase <= 0 {
		c.DefaultRetryDelayBase = 500
	}
	if c.DefaultMaxBackoffDelay <= 0 {
		c.DefaultMaxBackoffDelay = 30 * time.Second
	}
	if c.DefaultMaxJitter <= 0 {
		c.DefaultMaxJitter = 250 * time.Millisecond
	}
	if c.Meter == nil {
		c.Meter = noop.NewMeterProvider().Meter("workerpool")
	}
}

// tracked is the supervisor-side bookkeeping for one task from submit until
// it settles.
type tracked struct {
	t          *task.Task
	resultCh   chan Result
	unitID     string      // "" while QUEUED or waiting out a retry backoff
	retryTimer *time.Timer // non-nil while waiting out a retry backoff
	settled    bool
	cancel     bool // cancel requested; acted on at next opportunity (unit ack, deadline, or retry wait)
}

// WorkerPool is the scheduler. All state mutation happens under mu; the
// dispatch loop is edge-triggered from submit, unit events, and retry
// timers rather than polled, per the single-threaded-supervisor model the
// rest of this runtime follows.
type WorkerPool struct {
	cfg       Config
	hub       *eventhub.Hub
	queue     *queue.TaskQueue
	units     *unitmanager.Manager
	deadlines *timeout.Manager
	log       interface {
		Warn(msg string, args ...any)
		Info(msg string, args ...any)
	}

	dispatchMu   sync.Mutex // serializes dispatch passes so concurrent triggers behave like one supervisor loop
	mu           sync.Mutex
	tasks        map[string]*tracked
	assignedUnit map[string]unit.ExecutionUnit // taskID -> unit currently running it
	shuttingDown bool
	stopped      bool

	submitLimiter *resilience.RateLimiter // nil when SubmitRateLimit.RatePerSecond <= 0

	tasksQueuedGauge metric.Int64UpDownCounter
}

// noopCtx is used for the few OTel instrument calls the pool makes outside
// any caller-supplied context; the pool's public API is itself
// context-free per its external-interfaces contract.
var noopCtx = context.Background()

// New constructs a WorkerPool and brings its unit pool up to MinUnits.
func New(cfg Config) *WorkerPool {
	cfg.setDefaults()
	hub := eventhub.New()
	p := &WorkerPool{
		cfg:          cfg,
		hub:          hub,
		queue:        queue.New(),
		deadlines:    timeout.New(),
		log:          logging.Named("pool"),
		tasks:        make(map[string]*tracked),
		assignedUnit: make(map[string]unit.ExecutionUnit),
	}
	gauge, _ := cfg.Meter.Int64UpDownCounter("workerpool_tasks_queued")
	p.tasksQueuedGauge = gauge

	if cfg.SubmitRateLimit.RatePerSecond > 0 {
		p.submitLimiter = resilience.NewRateLimiter(
			cfg.SubmitRateLimit.Burst,
			cfg.SubmitRateLimit.RatePerSecond,
			cfg.SubmitRateLimit.Window,
			cfg.SubmitRateLimit.MaxPerWindow,
		)
	}

	p.units = unitmanager.New(unitmanager.Config{
		MinUnits:          cfg.MinUnits,
		MaxUnits:          cfg.MaxUnits,
		IdleTimeout:       cfg.IdleTimeout,
		DefaultKind:       cfg.DefaultKind,
		UnitFactory:       cfg.UnitFactory,
		ReapInterval:      cfg.ReapInterval,
		BreakerMinSamples: cfg.BreakerMinSamples,
		BreakerFailRate:   cfg.BreakerFailRate,
		BreakerCooldown:   cfg.BreakerCooldown,
	}, hub, p.onUnitFailure, cfg.Meter)
	p.units.SetMessageObserver(p.onUnitMessage)
	p.units.EnsureMinUnits()

	return p
}

// Hub exposes the pool's event bus for observability consumers.
func (p *WorkerPool) Hub() *eventhub.Hub { return p.hub }

func (p *WorkerPool) applyDefaults(opts task.Options) task.Options {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(p.cfg.DefaultTimeoutMs) * time.Millisecond
	}
	if opts.RetryDelayBase <= 0 {
		opts.RetryDelayBase = time.Duration(p.cfg.DefaultRetryDelayBase) * time.Millisecond
	}
	if opts.MaxBackoffDelay <= 0 {
		opts.MaxBackoffDelay = p.cfg.DefaultMaxBackoffDelay
	}
	if opts.MaxJitter <= 0 {
		opts.MaxJitter = p.cfg.DefaultMaxJitter
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = p.cfg.DefaultMaxRetries
	}
	return opts
}

// Submit creates a Task and enqueues it. The returned channel receives
// exactly one Result: on COMPLETED, FAILED after retries are exhausted, or
// CANCELLED.
func (p *WorkerPool) Submit(typ, unitKind string, payload any, priority task.Priority, opts task.Options) (*task.Task, <-chan Result, error) {
	if unitKind == "" {
		unitKind = p.cfg.DefaultKind
	}
	if unitKind == "" {
		return nil, nil, errs.New(errs.InvalidArgument, "submit requires a unit kind or pool default kind")
	}

	if p.submitLimiter != nil && !p.submitLimiter.Allow() {
		return nil, nil, errs.New(errs.RateLimited, "submit rate limit exceeded")
	}

	opts = p.applyDefaults(opts)
	t := task.New("", typ, unitKind, payload, priority, opts)

	p.mu.Lock()
	if p.stopped || p.shuttingDown {
		p.mu.Unlock()
		return nil, nil, errs.New(errs.Shutdown, "pool is shutting down")
	}
	if p.cfg.MaxQueueSize > 0 && p.queue.Size() >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		return nil, nil, errs.New(errs.QueueFull, fmt.Sprintf("queue at capacity %d", p.cfg.MaxQueueSize))
	}

	tr := &tracked{t: t, resultCh: make(chan Result, 1)}
	p.tasks[t.ID] = tr
	p.mu.Unlock()

	p.queue.Enqueue(t)
	if p.tasksQueuedGauge != nil {
		p.tasksQueuedGauge.Add(noopCtx, 1)
	}
	p.hub.EmitTask(eventhub.TaskEvent{EventType: eventhub.TaskQueued, TaskID: t.ID, UnitKind: unitKind})

	p.dispatch()
	return t, tr.resultCh, nil
}

// Cancel requests cancellation of taskID. A QUEUED task is removed and
// settled immediately. A RUNNING task is asked to stop cooperatively; it
// settles as CANCELLED once its unit acknowledges or its deadline passes.
func (p *WorkerPool) Cancel(taskID string) bool {
	p.mu.Lock()
	tr, ok := p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		return false
	}

	if tr.unitID == "" {
		if removed := p.queue.Remove(taskID); removed {
			tr.t.Status = task.StatusCancelled
			tr.settled = true
			delete(p.tasks, taskID)
			p.mu.Unlock()

			p.hub.EmitTask(eventhub.TaskEvent{EventType: eventhub.TaskCancelled, TaskID: taskID})
			p.settle(tr, Result{TaskID: taskID, Err: errs.New(errs.Cancelled, "cancelled while queued")})
			return true
		}
		if tr.retryTimer != nil {
			// Waiting out a retry backoff: not in the queue and not
			// assigned to a unit. Stop returns false if the timer already
			// fired and is racing us into dispatch; either way tr.cancel
			// ensures it settles as CANCELLED rather than resuming.
			tr.retryTimer.Stop()
			tr.retryTimer = nil
			tr.cancel = true
			p.mu.Unlock()
			p.finishCancelled(tr)
			return true
		}
		// In the narrow window between DequeueMatching and assignment
		// recording unitID: mark cancel so assign() bails it out.
		tr.cancel = true
		p.mu.Unlock()
		return true
	}

	tr.cancel = true
	p.mu.Unlock()

	if u := p.unitByID(taskID); u != nil {
		_ = u.PostMessage(unit.Envelope{Type: unit.MsgCancelTask, TaskID: taskID})
	}
	return true
}

func (p *WorkerPool) unitByID(taskID string) unit.ExecutionUnit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assignedUnit[taskID]
}

// GetStatus returns the current status of taskID, if known.
func (p *WorkerPool) GetStatus(taskID string) (task.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, ok := p.tasks[taskID]
	if !ok {
		return "", false
	}
	return tr.t.Status, true
}

// GetPending returns queued tasks, optionally filtered by kind.
func (p *WorkerPool) GetPending(kind string) []*task.Task {
	all := p.queue.GetAll()
	if kind == "" {
		return all
	}
	out := make([]*task.Task, 0, len(all))
	for _, t := range all {
		if t.UnitKind == kind {
			out = append(out, t)
		}
	}
	return out
}

// GetRunning returns tasks currently assigned to a unit, optionally
// filtered by kind.
func (p *WorkerPool) GetRunning(kind string) []*task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*task.Task
	for _, tr := range p.tasks {
		if tr.unitID == "" {
			continue
		}
		if kind == "" || tr.t.UnitKind == kind {
			out = append(out, tr.t)
		}
	}
	return out
}

// Stats summarizes the pool's current load.
type Stats struct {
	Queued  int
	Running int
	Units   unitmanager.Stats
}

func (p *WorkerPool) GetStats() Stats {
	p.mu.Lock()
	running := 0
	for _, tr := range p.tasks {
		if tr.unitID != "" {
			running++
		}
	}
	p.mu.Unlock()
	return Stats{
		Queued:  p.queue.Size(),
		Running: running,
		Units:   p.units.GetStats(),
	}
}

// Shutdown stops accepting new submissions, terminates every unit, and
// settles every queued and in-flight task with a SHUTDOWN error. It does
// not wait for in-flight tasks to finish in either mode: force is passed on
// to each unit's Terminate, which with force=true abandons the running task
// (a goroutine unit cancels its handler's context) and with force=false
// leaves it running unobserved, its outcome discarded.
func (p *WorkerPool) Shutdown(force bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	p.log.Info("pool shutting down", "force", force, "queued", p.queue.Size())
	pending := p.queue.GetAll()
	p.queue.Clear()
	p.mu.Unlock()

	for _, t := range pending {
		p.mu.Lock()
		tr, ok := p.tasks[t.ID]
		if ok {
			tr.settled = true
			delete(p.tasks, t.ID)
		}
		p.mu.Unlock()
		if ok {
			p.settle(tr, Result{TaskID: t.ID, Err: errs.New(errs.Shutdown, "pool shut down while queued")})
		}
	}

	p.deadlines.ClearAll()
	p.units.CloseAll(force)

	p.mu.Lock()
	p.stopped = true
	remaining := make([]*tracked, 0, len(p.tasks))
	for _, tr := range p.tasks {
		remaining = append(remaining, tr)
	}
	p.tasks = make(map[string]*tracked)
	p.mu.Unlock()

	for _, tr := range remaining {
		if force {
			p.settle(tr, Result{TaskID: tr.t.ID, Err: errs.New(errs.Shutdown, "pool force-shutdown while running")})
		} else {
			p.settle(tr, Result{TaskID: tr.t.ID, Err: errs.New(errs.Shutdown, "pool shut down while running")})
		}
	}
}
