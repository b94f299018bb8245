// Package timer implements the millisecond timer heap that drives periodic
// work on the reactor goroutine. Timers never fire concurrently: Perform is
// called from the main loop between reactor ticks.
package timer

import (
	"container/heap"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// MinInterval and MaxInterval bound the wait returned by Perform.
	MinInterval = 50
	MaxInterval = 1000

	// lateThreshold is how late (ms) a timer may fire before it is handed the
	// current tick instead of its scheduled one.
	lateThreshold = 1000
)

// Func is a timer callback. tick is the scheduled tick, or the current tick
// when the timer fired late.
type Func func(tid int, tick int64, id int, data any) int

type kind int

const (
	kindOnce kind = iota
	kindInterval
)

var (
	ErrInvalidTimer = errors.New("invalid timer")
	ErrFuncMismatch = errors.New("timer function mismatch")
)

type entry struct {
	tid      int
	tick     int64
	fn       Func
	name     string
	id       int
	data     any
	interval int64
	kind     kind
	index    int // heap position, -1 when not queued
}

type queue []*entry

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].tick == q[j].tick {
		return q[i].tid < q[j].tid
	}
	return q[i].tick < q[j].tick
}
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Manager owns all timers of a process.
type Manager struct {
	clock   func() int64
	start   time.Time
	timers  map[int]*entry
	heap    queue
	nextTID int

	logger zerolog.Logger
}

// NewManager creates a timer manager using the monotonic clock.
func NewManager() *Manager {
	m := &Manager{
		start:   time.Now(),
		timers:  make(map[int]*entry),
		nextTID: 1,
		logger:  log.With().Str("component", "timer").Logger(),
	}
	m.clock = func() int64 { return time.Since(m.start).Milliseconds() }
	return m
}

// SetClock replaces the tick source. Used by tests.
func (m *Manager) SetClock(clock func() int64) {
	m.clock = clock
}

// Gettick returns the current tick in milliseconds.
func (m *Manager) Gettick() int64 {
	return m.clock()
}

// Add schedules fn to run once at tick.
func (m *Manager) Add(tick int64, fn Func, id int, data any) int {
	return m.add(tick, fn, id, data, 0, kindOnce, "")
}

// AddNamed is Add with a name used in logs.
func (m *Manager) AddNamed(name string, tick int64, fn Func, id int, data any) int {
	return m.add(tick, fn, id, data, 0, kindOnce, name)
}

// AddInterval schedules fn at tick and every interval ms afterwards.
func (m *Manager) AddInterval(tick int64, fn Func, id int, data any, interval int64) int {
	return m.AddIntervalNamed("", tick, fn, id, data, interval)
}

// AddIntervalNamed is AddInterval with a name used in logs.
func (m *Manager) AddIntervalNamed(name string, tick int64, fn Func, id int, data any, interval int64) int {
	if interval < 1 {
		m.logger.Error().Str("timer", name).Int64("interval", interval).Msg("invalid timer interval")
		return -1
	}
	return m.add(tick, fn, id, data, interval, kindInterval, name)
}

func (m *Manager) add(tick int64, fn Func, id int, data any, interval int64, k kind, name string) int {
	e := &entry{
		tid:      m.nextTID,
		tick:     tick,
		fn:       fn,
		name:     name,
		id:       id,
		data:     data,
		interval: interval,
		kind:     k,
	}
	m.nextTID++
	m.timers[e.tid] = e
	heap.Push(&m.heap, e)
	return e.tid
}

// Delete removes a timer. fn must match the function it was created with,
// when non-nil.
func (m *Manager) Delete(tid int, fn Func) error {
	e, ok := m.timers[tid]
	if !ok {
		return fmt.Errorf("delete timer %d: %w", tid, ErrInvalidTimer)
	}
	if fn != nil && reflect.ValueOf(e.fn).Pointer() != reflect.ValueOf(fn).Pointer() {
		return fmt.Errorf("delete timer %d: %w", tid, ErrFuncMismatch)
	}
	if e.index >= 0 {
		heap.Remove(&m.heap, e.index)
	}
	delete(m.timers, tid)
	return nil
}

// Tick returns the scheduled tick of a timer.
func (m *Manager) Tick(tid int) (int64, bool) {
	e, ok := m.timers[tid]
	if !ok {
		return 0, false
	}
	return e.tick, true
}

// SetTick reschedules a timer to an absolute tick.
func (m *Manager) SetTick(tid int, tick int64) error {
	e, ok := m.timers[tid]
	if !ok {
		return fmt.Errorf("set tick on timer %d: %w", tid, ErrInvalidTimer)
	}
	e.tick = tick
	if e.index >= 0 {
		heap.Fix(&m.heap, e.index)
	}
	return nil
}

// AddTick shifts a timer by delta ms.
func (m *Manager) AddTick(tid int, delta int64) error {
	e, ok := m.timers[tid]
	if !ok {
		return fmt.Errorf("add tick on timer %d: %w", tid, ErrInvalidTimer)
	}
	return m.SetTick(tid, e.tick+delta)
}

// Len returns the number of pending timers.
func (m *Manager) Len() int {
	return len(m.timers)
}

// Perform runs every timer due at tick and returns how long the caller may
// block before the next one is due, clamped to [MinInterval, MaxInterval].
func (m *Manager) Perform(tick int64) time.Duration {
	diff := int64(MaxInterval)

	for m.heap.Len() > 0 {
		e := m.heap[0]
		diff = e.tick - tick
		if diff > 0 {
			break
		}
		heap.Pop(&m.heap)

		fireTick := e.tick
		if diff < -lateThreshold {
			fireTick = tick
		}
		if e.fn != nil {
			e.fn(e.tid, fireTick, e.id, e.data)
		}

		// the callback may have deleted or rescheduled its own timer
		if _, alive := m.timers[e.tid]; !alive || e.index >= 0 {
			continue
		}
		switch e.kind {
		case kindInterval:
			if e.tick-tick < -lateThreshold {
				e.tick = tick + e.interval
			} else {
				e.tick += e.interval
			}
			heap.Push(&m.heap, e)
		default:
			delete(m.timers, e.tid)
		}
	}

	if m.heap.Len() == 0 {
		diff = MaxInterval
	}
	diff = min(max(diff, MinInterval), MaxInterval)
	return time.Duration(diff) * time.Millisecond
}

// Describe lists the pending timers ordered by due tick, for diagnostics.
func (m *Manager) Describe() []string {
	pending := make([]*entry, len(m.heap))
	copy(pending, m.heap)
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].tick == pending[j].tick {
			return pending[i].tid < pending[j].tid
		}
		return pending[i].tick < pending[j].tick
	})

	out := make([]string, 0, len(pending))
	for _, e := range pending {
		name := e.name
		if name == "" {
			name = "unnamed"
		}
		out = append(out, fmt.Sprintf("%d %s @%d", e.tid, name, e.tick))
	}
	return out
}
