// Package unitmanager implements UnitManager: the pool of live
// ExecutionUnits, keyed by kind, with idle reaping and failure-driven
// respawn.
package unitmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/workerpool/internal/errs"
	"github.com/swarmguard/workerpool/internal/eventhub"
	"github.com/swarmguard/workerpool/internal/obs/logging"
	"github.com/swarmguard/workerpool/internal/unit"
)

// FailureHandler is invoked when a unit errors or exits unexpectedly while
// a task was in flight. The WorkerPool supplies this to decide retry vs.
// final failure for the orphaned task.
type FailureHandler func(kind, unitID, taskID string, err error)

// MessageObserver is invoked for every message a managed unit emits over
// its Events channel, including taskProgress/taskCompleted/taskFailed. A
// unit's Events channel has exactly one reader (this Manager's watch
// goroutine), so task-outcome handling that belongs to the caller (the
// WorkerPool) has to be forwarded through here rather than read directly.
type MessageObserver func(u unit.ExecutionUnit, env unit.Envelope)

// Config tunes UnitManager's pool-sizing policy.
type Config struct {
	MinUnits          int
	MaxUnits          int
	IdleTimeout       time.Duration
	DefaultKind       string
	UnitFactory       unit.Factory
	ReapInterval      time.Duration
	BreakerMinSamples int
	BreakerFailRate   float64
	BreakerCooldown   time.Duration
}

func (c *Config) setDefaults() {
	if c.MinUnits < 0 {
		c.MinUnits = 0
	}
	if c.MaxUnits <= 0 {
		c.MaxUnits = 4
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Second
	}
	if c.BreakerMinSamples <= 0 {
		c.BreakerMinSamples = 5
	}
	if c.BreakerFailRate <= 0 {
		c.BreakerFailRate = 0.8
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
}

type managedUnit struct {
	u            unit.ExecutionUnit
	becameIdleAt time.Time
}

// Manager owns the live ExecutionUnits for every kind.
type Manager struct {
	cfg       Config
	hub       *eventhub.Hub
	onFail    FailureHandler
	onMessage MessageObserver
	log       interface {
		Warn(msg string, args ...any)
		Info(msg string, args ...any)
	}

	mu       sync.Mutex
	units    map[string]*managedUnit // unit ID -> managed unit
	byKind   map[string][]string     // kind -> unit IDs
	breakers map[string]*circuitBreaker

	stopReap chan struct{}
	stopped  bool

	unitsGauge metric.Int64UpDownCounter
}

// New constructs a Manager. meter may be a noop meter in tests. onMessage
// may be nil if the caller has no interest in task-outcome messages beyond
// what onFail already reports.
func New(cfg Config, hub *eventhub.Hub, onFail FailureHandler, meter metric.Meter) *Manager {
	cfg.setDefaults()
	gauge, _ := meter.Int64UpDownCounter("workerpool_units_live")
	m := &Manager{
		cfg:        cfg,
		hub:        hub,
		onFail:     onFail,
		log:        logging.Named("unitmanager"),
		units:      make(map[string]*managedUnit),
		byKind:     make(map[string][]string),
		breakers:   make(map[string]*circuitBreaker),
		stopReap:   make(chan struct{}),
		unitsGauge: gauge,
	}
	go m.reapLoop()
	return m
}

// SetMessageObserver registers the callback invoked for every message a
// managed unit emits. Must be called before any unit starts reporting
// progress, normally right after New.
func (m *Manager) SetMessageObserver(obs MessageObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = obs
}

func (m *Manager) breakerFor(kind string) *circuitBreaker {
	b, ok := m.breakers[kind]
	if !ok {
		b = newCircuitBreaker(m.cfg.BreakerMinSamples, m.cfg.BreakerFailRate, m.cfg.BreakerCooldown)
		m.breakers[kind] = b
	}
	return b
}

// CreateUnit spawns and tracks one unit of kind. Fails with
// NO_UNIT_AVAILABLE if kind is already at MaxUnits or the kind's circuit
// breaker is open from repeated factory/unit failures.
func (m *Manager) CreateUnit(kind string) (unit.ExecutionUnit, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, errs.New(errs.Shutdown, "unit manager stopped")
	}
	if len(m.byKind[kind]) >= m.cfg.MaxUnits {
		m.mu.Unlock()
		return nil, errs.New(errs.NoUnitAvailable, fmt.Sprintf("kind %s at max units", kind))
	}
	breaker := m.breakerFor(kind)
	if !breaker.Allow() {
		m.mu.Unlock()
		return nil, errs.New(errs.NoUnitAvailable, fmt.Sprintf("kind %s circuit open", kind))
	}
	m.mu.Unlock()

	u, err := m.cfg.UnitFactory(kind)
	m.mu.Lock()
	breaker.RecordResult(err == nil)
	m.mu.Unlock()
	if err != nil {
		return nil, errs.Wrap(errs.NoUnitAvailable, "unit factory failed", err)
	}

	m.mu.Lock()
	m.units[u.ID()] = &managedUnit{u: u, becameIdleAt: time.Now()}
	m.byKind[kind] = append(m.byKind[kind], u.ID())
	m.mu.Unlock()

	if m.unitsGauge != nil {
		m.unitsGauge.Add(context.Background(), 1)
	}
	m.hub.EmitUnit(eventhub.UnitEvent{EventType: eventhub.UnitCreated, UnitID: u.ID(), UnitKind: kind})

	go m.watch(u)
	return u, nil
}

// watch forwards a unit's error/exit signals into UnitManager's failure
// handling and keeps becameIdleAt current for idle reaping.
func (m *Manager) watch(u unit.ExecutionUnit) {
	for ev := range u.Events() {
		switch ev.Kind {
		case unit.EventMessage:
			m.onUnitMessage(u, ev.Envelope)
		case unit.EventError:
			m.onUnitTrouble(u, ev.Err, false)
		case unit.EventExit:
			m.onUnitTrouble(u, ev.Err, true)
		}
	}
}

func (m *Manager) onUnitMessage(u unit.ExecutionUnit, env unit.Envelope) {
	m.mu.Lock()
	obs := m.onMessage
	m.mu.Unlock()
	if obs != nil {
		obs(u, env)
	}

	switch env.Type {
	case unit.MsgTaskCompleted:
		m.touchIdle(u.ID())
		m.mu.Lock()
		b := m.breakerFor(u.Kind())
		m.mu.Unlock()
		b.RecordResult(true)
	case unit.MsgTaskFailed:
		// onFail/FailureHandler is reserved for unit-level trouble
		// (error/exit) in onUnitTrouble below; an explicit taskFailed
		// message already reached the caller through the MessageObserver
		// above, so this branch only updates pool-internal bookkeeping.
		m.touchIdle(u.ID())
		m.mu.Lock()
		b := m.breakerFor(u.Kind())
		m.mu.Unlock()
		b.RecordResult(false)
	}
}

func (m *Manager) onUnitTrouble(u unit.ExecutionUnit, err error, exit bool) {
	taskID, hadTask := u.CurrentTaskID()

	m.hub.EmitUnit(eventhub.UnitEvent{
		EventType: map[bool]eventhub.UnitEventType{true: eventhub.UnitExit, false: eventhub.UnitError}[exit],
		UnitID:    u.ID(),
		UnitKind:  u.Kind(),
		Err:       err,
	})

	kind := u.Kind()
	m.mu.Lock()
	b := m.breakerFor(kind)
	m.mu.Unlock()
	b.RecordResult(false)

	m.ReleaseUnit(u.ID(), true)

	if hadTask && m.onFail != nil {
		m.onFail(kind, u.ID(), taskID, err)
	}

	m.mu.Lock()
	min := m.cfg.MinUnits
	live := len(m.byKind[kind])
	m.mu.Unlock()
	if live < min {
		if _, err := m.CreateUnit(kind); err != nil {
			m.log.Warn("respawn after failure did not succeed", "kind", kind, "error", err)
		}
	}
}

func (m *Manager) touchIdle(unitID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mu, ok := m.units[unitID]; ok {
		mu.becameIdleAt = time.Now()
	}
}

// GetIdleUnit returns the first IDLE unit of kind, or nil.
func (m *Manager) GetIdleUnit(kind string) unit.ExecutionUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byKind[kind] {
		mu, ok := m.units[id]
		if ok && mu.u.IsIdle() {
			return mu.u
		}
	}
	return nil
}

// CountByKind returns the number of live units of kind.
func (m *Manager) CountByKind(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKind[kind])
}

// ReleaseUnit terminates and removes unitID. Idempotent on unknown id.
func (m *Manager) ReleaseUnit(unitID string, force bool) {
	m.mu.Lock()
	mu, ok := m.units[unitID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.units, unitID)
	kind := mu.u.Kind()
	ids := m.byKind[kind]
	for i, id := range ids {
		if id == unitID {
			m.byKind[kind] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if m.unitsGauge != nil {
		m.unitsGauge.Add(context.Background(), -1)
	}
	_ = mu.u.Terminate(force)
}

// CloseAll terminates every unit and clears the pool.
func (m *Manager) CloseAll(force bool) {
	m.mu.Lock()
	m.stopped = true
	all := make([]string, 0, len(m.units))
	for id := range m.units {
		all = append(all, id)
	}
	m.mu.Unlock()

	for _, id := range all {
		m.ReleaseUnit(id, force)
	}
	close(m.stopReap)
}

// EnsureMinUnits spawns units of the default kind up to MinUnits.
func (m *Manager) EnsureMinUnits() {
	if m.cfg.DefaultKind == "" {
		return
	}
	for m.CountByKind(m.cfg.DefaultKind) < m.cfg.MinUnits {
		if _, err := m.CreateUnit(m.cfg.DefaultKind); err != nil {
			m.log.Warn("ensureMinUnits could not reach target", "kind", m.cfg.DefaultKind, "error", err)
			return
		}
	}
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopReap:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	now := time.Now()
	var toRelease []string

	m.mu.Lock()
	for kind, ids := range m.byKind {
		live := len(ids)
		for _, id := range ids {
			if live <= m.cfg.MinUnits {
				break
			}
			mu := m.units[id]
			if mu == nil || !mu.u.IsIdle() {
				continue
			}
			if now.Sub(mu.becameIdleAt) >= m.cfg.IdleTimeout {
				toRelease = append(toRelease, id)
				live--
			}
		}
	}
	m.mu.Unlock()

	for _, id := range toRelease {
		m.ReleaseUnit(id, false)
	}
}

// Stats summarizes the live pool.
type Stats struct {
	TotalByKind   map[string]int
	IdleByKind    map[string]int
	BusyByKind    map[string]int
	AvgTaskTimeMs map[string]float64
}

func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		TotalByKind:   make(map[string]int),
		IdleByKind:    make(map[string]int),
		BusyByKind:    make(map[string]int),
		AvgTaskTimeMs: make(map[string]float64),
	}
	for kind, ids := range m.byKind {
		var idle, busy int
		var totalAvg float64
		for _, id := range ids {
			mu := m.units[id]
			if mu == nil {
				continue
			}
			if mu.u.IsIdle() {
				idle++
			} else if mu.u.IsBusy() {
				busy++
			}
			totalAvg += mu.u.Stats().AvgDurationMs
		}
		st.TotalByKind[kind] = len(ids)
		st.IdleByKind[kind] = idle
		st.BusyByKind[kind] = busy
		if len(ids) > 0 {
			st.AvgTaskTimeMs[kind] = totalAvg / float64(len(ids))
		}
	}
	return st
}
