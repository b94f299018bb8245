package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/hercules-project/hercules/internal/config"
	"github.com/hercules-project/hercules/internal/events"
	"github.com/hercules-project/hercules/internal/socket"
	"github.com/hercules-project/hercules/internal/timer"
	"github.com/hercules-project/hercules/internal/util"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func newCore(t *testing.T, timers *timer.Manager) *socket.Core {
	t.Helper()
	opts := socket.DefaultOptions()
	opts.MaxConnections = 4096
	c, err := socket.New(opts, timers)
	require.NoError(t, err)
	t.Cleanup(c.Final)
	return c
}

func attach(t *testing.T, c *socket.Core) int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	_, err = c.Attach(fds[0], socket.StreamHandler{})
	require.NoError(t, err)
	return fds[0]
}

func resultOf(results []Result, name string) Result {
	for _, r := range results {
		if r.Check == name {
			return r
		}
	}
	return Result{}
}

func TestChecks(t *testing.T) {
	timers := timer.NewManager()
	core := newCore(t, timers)

	tests := []struct {
		name  string
		cfg   config.HealthConfig
		setup func(m *Manager)
		check string
		ok    bool
		level string
	}{
		{
			name:  "occupancy below threshold",
			cfg:   config.HealthConfig{OccupancyWarn: 0.9},
			check: "occupancy",
			ok:    true,
		},
		{
			name:  "occupancy above threshold",
			cfg:   config.HealthConfig{OccupancyWarn: 0.0001},
			setup: func(*Manager) { attach(t, core) },
			check: "occupancy",
			level: LevelWarning,
		},
		{
			name: "write backlog",
			cfg:  config.HealthConfig{QueuedOutWarnKB: 1},
			setup: func(*Manager) {
				fd := attach(t, core)
				require.NoError(t, core.Write(fd, make([]byte, 2048)))
			},
			check: "write_backlog",
			level: LevelWarning,
		},
		{
			name:  "slow loop",
			cfg:   config.HealthConfig{MaxLoopLatencyMs: 2000},
			setup: func(m *Manager) { m.ObserveLoop(3 * time.Second) },
			check: "loop_latency",
			level: LevelWarning,
		},
		{
			name:  "fast loop",
			cfg:   config.HealthConfig{MaxLoopLatencyMs: 2000},
			setup: func(m *Manager) { m.ObserveLoop(20 * time.Millisecond) },
			check: "loop_latency",
			ok:    true,
		},
		{
			name: "few descriptors left",
			cfg:  config.HealthConfig{MinFreeDescriptor: 64},
			setup: func(m *Manager) {
				m.usage = func() (*util.ProcessUsage, error) {
					return &util.ProcessUsage{OpenFiles: int32(core.Capacity() - 10)}, nil
				}
			},
			check: "descriptors",
			level: LevelWarning,
		},
		{
			name: "descriptors exhausted",
			cfg:  config.HealthConfig{MinFreeDescriptor: 64},
			setup: func(m *Manager) {
				m.usage = func() (*util.ProcessUsage, error) {
					return &util.ProcessUsage{OpenFiles: int32(core.Capacity())}, nil
				}
			},
			check: "descriptors",
			level: LevelCritical,
		},
		{
			name: "usage unavailable",
			cfg:  config.HealthConfig{},
			setup: func(m *Manager) {
				m.usage = func() (*util.ProcessUsage, error) { return nil, errors.New("no proc") }
			},
			check: "descriptors",
			level: LevelWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			m := NewManager(tt.cfg, core, timers, rec)
			if tt.setup != nil {
				tt.setup(m)
			}
			r := resultOf(m.RunChecks(), tt.check)
			assert.Equal(t, tt.ok, r.OK, r.Message)
			assert.Equal(t, tt.level, r.Level)

			warned := false
			for _, e := range rec.events {
				if p := e.Payload.(events.HealthPayload); p.Check == tt.check {
					warned = true
				}
			}
			assert.Equal(t, !tt.ok, warned)
		})
	}
}

func TestLoopLatencyResets(t *testing.T) {
	timers := timer.NewManager()
	m := NewManager(config.HealthConfig{MaxLoopLatencyMs: 100}, newCore(t, timers), timers, nil)

	m.ObserveLoop(time.Second)
	assert.False(t, resultOf(m.RunChecks(), "loop_latency").OK)
	assert.True(t, resultOf(m.RunChecks(), "loop_latency").OK)
}

func TestStart_RunsOnTimer(t *testing.T) {
	tick := int64(0)
	timers := timer.NewManager()
	timers.SetClock(func() int64 { return tick })
	m := NewManager(config.DefaultConfig().Health, newCore(t, timers), timers, nil)

	m.Start()
	defer m.Stop()
	assert.Empty(t, m.Results())

	tick += 30_000
	timers.Perform(tick)
	assert.Len(t, m.Results(), 4)
}
