// Package health runs periodic checks of the reactor: session table
// occupancy, write backlog, main loop latency and spare file descriptors.
// Checks run on the reactor goroutine from a timer; failures are logged and
// published as health_warning events.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hercules-project/hercules/internal/config"
	"github.com/hercules-project/hercules/internal/events"
	"github.com/hercules-project/hercules/internal/socket"
	"github.com/hercules-project/hercules/internal/timer"
	"github.com/hercules-project/hercules/internal/util"
)

// Alert levels.
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Result is the outcome of one check.
type Result struct {
	Check   string    `json:"check"`
	OK      bool      `json:"ok"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type check struct {
	name string
	fn   func() Result
}

// Manager runs the health checks.
type Manager struct {
	cfg     config.HealthConfig
	core    *socket.Core
	timers  *timer.Manager
	emitter socket.Emitter
	usage   func() (*util.ProcessUsage, error)
	checks  []check

	maxLoop time.Duration
	tid     int

	mu      sync.RWMutex
	results []Result

	logger zerolog.Logger
}

// NewManager creates a health manager for core.
func NewManager(cfg config.HealthConfig, core *socket.Core, timers *timer.Manager, emitter socket.Emitter) *Manager {
	m := &Manager{
		cfg:     cfg,
		core:    core,
		timers:  timers,
		emitter: emitter,
		usage:   util.GetProcessUsage,
		logger:  util.ComponentLogger("health"),
	}
	m.checks = []check{
		{"occupancy", m.checkOccupancy},
		{"write_backlog", m.checkWriteBacklog},
		{"loop_latency", m.checkLoopLatency},
		{"descriptors", m.checkDescriptors},
	}
	return m
}

// Start registers the check timer.
func (m *Manager) Start() {
	interval := int64(m.cfg.IntervalSec) * 1000
	if interval <= 0 {
		m.logger.Info().Msg("health checks disabled")
		return
	}
	m.tid = m.timers.AddIntervalNamed("health_check", m.timers.Gettick()+interval,
		func(int, int64, int, any) int {
			m.RunChecks()
			return 0
		}, 0, nil, interval)
	m.logger.Info().Int("checks", len(m.checks)).Int("interval_sec", m.cfg.IntervalSec).Msg("health checks started")
}

// Stop removes the check timer.
func (m *Manager) Stop() {
	if m.tid != 0 {
		_ = m.timers.Delete(m.tid, nil)
		m.tid = 0
	}
}

// ObserveLoop records the duration of one main loop iteration.
func (m *Manager) ObserveLoop(d time.Duration) {
	if d > m.maxLoop {
		m.maxLoop = d
	}
}

// RunChecks runs every check, publishes the results and emits a warning
// event for each failure.
func (m *Manager) RunChecks() []Result {
	results := make([]Result, 0, len(m.checks))
	for _, c := range m.checks {
		r := c.fn()
		r.Check = c.name
		r.Time = time.Now()
		results = append(results, r)

		if r.OK {
			m.logger.Debug().Str("check", r.Check).Msg(r.Message)
			continue
		}
		m.logger.Warn().Str("check", r.Check).Str("level", r.Level).Msg(r.Message)
		if m.emitter != nil {
			m.emitter.Emit(context.Background(), events.Event{
				Type:    events.EventHealthWarning,
				Source:  "health",
				Payload: events.HealthPayload{Check: r.Check, Message: r.Message, Level: r.Level},
			})
		}
	}

	m.mu.Lock()
	m.results = results
	m.mu.Unlock()
	return results
}

// Results returns the last published results. Safe for concurrent use.
func (m *Manager) Results() []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Result(nil), m.results...)
}

func (m *Manager) checkOccupancy() Result {
	active := 0
	for _, s := range m.core.Sessions() {
		if !s.Listener {
			active++
		}
	}
	capacity := m.core.Capacity()
	ratio := float64(active) / float64(capacity)
	msg := fmt.Sprintf("%d of %d session slots in use (%.0f%%)", active, capacity, ratio*100)

	switch {
	case m.cfg.OccupancyWarn <= 0:
		return Result{OK: true, Message: msg}
	case ratio >= 1:
		return Result{Level: LevelCritical, Message: msg}
	case ratio >= m.cfg.OccupancyWarn:
		return Result{Level: LevelWarning, Message: msg}
	}
	return Result{OK: true, Message: msg}
}

func (m *Manager) checkWriteBacklog() Result {
	var queued int64
	for _, s := range m.core.Sessions() {
		queued += int64(s.WData)
	}
	msg := fmt.Sprintf("%d kB queued for sending", queued/1024)
	if m.cfg.QueuedOutWarnKB > 0 && queued/1024 >= m.cfg.QueuedOutWarnKB {
		return Result{Level: LevelWarning, Message: msg}
	}
	return Result{OK: true, Message: msg}
}

func (m *Manager) checkLoopLatency() Result {
	worst := m.maxLoop
	m.maxLoop = 0
	msg := fmt.Sprintf("slowest loop iteration %s", worst.Truncate(time.Millisecond))
	if m.cfg.MaxLoopLatencyMs > 0 && worst > time.Duration(m.cfg.MaxLoopLatencyMs)*time.Millisecond {
		return Result{Level: LevelWarning, Message: msg}
	}
	return Result{OK: true, Message: msg}
}

func (m *Manager) checkDescriptors() Result {
	usage, err := m.usage()
	if err != nil {
		return Result{Level: LevelWarning, Message: fmt.Sprintf("cannot read process usage: %v", err)}
	}
	free := m.core.Capacity() - int(usage.OpenFiles)
	msg := fmt.Sprintf("%d descriptors open, %d free in session table", usage.OpenFiles, free)
	switch {
	case free <= 0:
		return Result{Level: LevelCritical, Message: msg}
	case free < m.cfg.MinFreeDescriptor:
		return Result{Level: LevelWarning, Message: msg}
	}
	return Result{OK: true, Message: msg}
}
