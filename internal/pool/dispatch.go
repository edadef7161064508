package pool

import (
	"time"

	"github.com/swarmguard/workerpool/internal/errs"
	"github.com/swarmguard/workerpool/internal/eventhub"
	"github.com/swarmguard/workerpool/internal/task"
	"github.com/swarmguard/workerpool/internal/timeout"
	"github.com/swarmguard/workerpool/internal/unit"
)

// dispatch is edge-triggered: called after submit, after a task settles or
// is re-queued for retry, and after a unit reports workerReady. It keeps
// assigning queued tasks to idle units (spawning one if the pool has room)
// until no further progress can be made right now. Concurrent triggers are
// serialized by dispatchMu so they behave like one supervisor loop rather
// than racing each other for the same unit.
func (p *WorkerPool) dispatch() {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	for {
		p.mu.Lock()
		stopped := p.stopped || p.shuttingDown
		p.mu.Unlock()
		if stopped {
			return
		}

		t := p.queue.DequeueMatching(func(t *task.Task) bool {
			return p.units.GetIdleUnit(t.UnitKind) != nil || p.units.CountByKind(t.UnitKind) < p.cfg.MaxUnits
		})
		if t == nil {
			return
		}

		u := p.units.GetIdleUnit(t.UnitKind)
		if u == nil {
			var err error
			u, err = p.units.CreateUnit(t.UnitKind)
			if err != nil {
				// Lost the race for capacity (breaker tripped, or another
				// dispatch pass took the last slot); put the task back and
				// stop this pass rather than spin on it.
				p.log.Warn("dispatch could not create unit", "kind", t.UnitKind, "error", err)
				p.queue.Enqueue(t)
				return
			}
		}

		if !p.assign(t, u) {
			p.queue.Enqueue(t)
			continue
		}
	}
}

// assign hands t to u and arms its deadline. Returns false if u turned out
// not to be idle (lost a race with another assignment), so the caller
// re-queues t. A task cancelled while it sat in the queue is settled as
// CANCELLED here and assign returns true, so it is not re-queued.
func (p *WorkerPool) assign(t *task.Task, u unit.ExecutionUnit) bool {
	p.mu.Lock()
	tr, ok := p.tasks[t.ID]
	if !ok {
		p.mu.Unlock()
		return true // task vanished (shutdown raced us); drop it silently
	}
	if tr.cancel {
		p.mu.Unlock()
		p.finishCancelled(tr)
		return true
	}
	p.mu.Unlock()

	if err := u.StartTask(t); err != nil {
		return false
	}

	now := time.Now()
	t.StartedAt = &now
	t.Status = task.StatusRunning

	p.mu.Lock()
	tr.unitID = u.ID()
	p.assignedUnit[t.ID] = u
	p.mu.Unlock()

	p.hub.EmitTask(eventhub.TaskEvent{EventType: eventhub.TaskStarted, TaskID: t.ID, UnitKind: t.UnitKind, Attempt: t.Attempt})
	p.deadlines.Set(t.ID, func() { p.onDeadlineExpired(t.ID) }, t.Options.Timeout.Milliseconds())

	return true
}

// onUnitMessage is registered with UnitManager as its MessageObserver.
// UnitManager's own watch goroutine is the unit's Events() channel's only
// reader; this is how task-outcome messages reach the pool without a
// second, racing consumer of that channel.
func (p *WorkerPool) onUnitMessage(u unit.ExecutionUnit, env unit.Envelope) {
	switch env.Type {
	case unit.MsgWorkerReady:
		// A freshly created unit reaches IDLE on its own goroutine, after
		// CreateUnit has already returned to dispatch(). Without this, a
		// task that raced ahead of the unit's boot would sit queued until
		// some unrelated submission happened to trigger another pass.
		p.dispatch()
	case unit.MsgTaskProgress:
		p.onProgress(env.TaskID, env.Result)
	case unit.MsgTaskCompleted:
		p.onCompleted(env.TaskID, env.Result)
	case unit.MsgTaskFailed:
		p.onTaskFailure(env.TaskID, errs.Wrap(errs.UnitError, "unit reported task failure", env.Err))
	}
}

func (p *WorkerPool) onProgress(taskID string, data map[string]any) {
	p.mu.Lock()
	tr, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.deadlines.Touch(taskID, tr.t.Options.Timeout.Milliseconds())
	p.hub.EmitTask(eventhub.TaskEvent{EventType: eventhub.TaskProgress, TaskID: taskID, Data: data})
}

func (p *WorkerPool) onCompleted(taskID string, result map[string]any) {
	p.deadlines.Clear(taskID)

	p.mu.Lock()
	tr, ok := p.tasks[taskID]
	if ok {
		tr.settled = true
		delete(p.tasks, taskID)
		delete(p.assignedUnit, taskID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	tr.t.Status = task.StatusCompleted
	now := time.Now()
	tr.t.CompletedAt = &now

	p.hub.EmitTask(eventhub.TaskEvent{EventType: eventhub.TaskCompleted, TaskID: taskID, Data: result})
	p.settle(tr, Result{TaskID: taskID, Output: result})
	p.dispatch()
}

// onDeadlineExpired is TimeoutManager's onExpire callback for a running
// task's deadline.
func (p *WorkerPool) onDeadlineExpired(taskID string) {
	p.onTaskFailure(taskID, errs.New(errs.Timeout, "task deadline expired"))
}

// onTaskFailure is the single funnel for every way a running task can stop
// succeeding: an explicit taskFailed message, a unit error/exit while the
// task was in flight, or deadline expiry. It decides retry vs. final
// failure using the task's own attempt count against its MaxRetries.
func (p *WorkerPool) onTaskFailure(taskID string, cause error) {
	p.mu.Lock()
	tr, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return
	}

	p.deadlines.Clear(taskID)

	if tr.cancel {
		p.finishCancelled(tr)
		return
	}

	p.mu.Lock()
	tr.unitID = ""
	delete(p.assignedUnit, taskID)
	p.mu.Unlock()

	if tr.t.Attempt >= tr.t.Options.MaxRetries {
		p.finalFail(tr, cause)
		return
	}
	p.scheduleRetry(tr, cause)
}

// scheduleRetry waits the backoff interval derived from RetryDelayBase
// before re-queuing tr, so a retry is a genuine pause-then-resubmit rather
// than an immediate re-dispatch.
func (p *WorkerPool) scheduleRetry(tr *tracked, cause error) {
	attempt := tr.t.Attempt + 1
	nextDelay := timeout.BackoffDelay(tr.t.Options.RetryDelayBase.Milliseconds(), attempt, tr.t.Options.MaxBackoffDelay, tr.t.Options.MaxJitter)
	tr.t.Attempt = attempt
	tr.t.Status = task.StatusQueued

	p.hub.EmitTask(eventhub.TaskEvent{
		EventType: eventhub.TaskRetry,
		TaskID:    tr.t.ID,
		Attempt:   attempt,
		NextDelay: nextDelay,
		Err:       cause,
	})

	timer := time.AfterFunc(nextDelay, func() {
		p.mu.Lock()
		cancelled := tr.cancel
		tr.retryTimer = nil
		p.mu.Unlock()
		if cancelled {
			p.finishCancelled(tr)
			return
		}
		p.queue.Enqueue(tr.t)
		p.dispatch()
	})

	p.mu.Lock()
	tr.retryTimer = timer
	p.mu.Unlock()
}

func (p *WorkerPool) finalFail(tr *tracked, err error) {
	p.mu.Lock()
	if tr.settled {
		p.mu.Unlock()
		return
	}
	tr.settled = true
	delete(p.tasks, tr.t.ID)
	delete(p.assignedUnit, tr.t.ID)
	p.mu.Unlock()

	tr.t.Status = task.StatusFailed
	p.hub.EmitTask(eventhub.TaskEvent{EventType: eventhub.TaskFailed, TaskID: tr.t.ID, Err: err})
	p.settle(tr, Result{TaskID: tr.t.ID, Err: err})
	p.dispatch()
}

func (p *WorkerPool) finishCancelled(tr *tracked) {
	p.mu.Lock()
	if tr.settled {
		p.mu.Unlock()
		return
	}
	tr.settled = true
	if tr.retryTimer != nil {
		tr.retryTimer.Stop()
		tr.retryTimer = nil
	}
	p.deadlines.Clear(tr.t.ID)
	delete(p.tasks, tr.t.ID)
	delete(p.assignedUnit, tr.t.ID)
	p.mu.Unlock()

	tr.t.Status = task.StatusCancelled
	p.hub.EmitTask(eventhub.TaskEvent{EventType: eventhub.TaskCancelled, TaskID: tr.t.ID})
	p.settle(tr, Result{TaskID: tr.t.ID, Err: errs.New(errs.Cancelled, "task cancelled")})
	p.dispatch()
}

// settle delivers a task's terminal result exactly once. The channel is
// buffered so this never blocks even if the caller never reads it.
func (p *WorkerPool) settle(tr *tracked, res Result) {
	select {
	case tr.resultCh <- res:
	default:
	}
	close(tr.resultCh)
}

// onUnitFailure is UnitManager's FailureHandler: invoked when a unit errors
// or exits while a task was in flight. The pool treats this identically to
// a unit-reported taskFailed.
func (p *WorkerPool) onUnitFailure(kind, unitID, taskID string, err error) {
	if taskID == "" {
		return
	}
	if err == nil {
		err = errs.New(errs.UnitExit, "unit exited while task was running")
	} else {
		err = errs.Wrap(errs.UnitError, "unit reported an error while task was running", err)
	}
	p.onTaskFailure(taskID, err)
}
