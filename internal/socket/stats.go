package socket

import (
	"fmt"
	"sort"
	"time"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/events"
)

// ioStats counts bytes moved since the last report. Only the reactor
// goroutine touches it.
type ioStats struct {
	in, out             int64 // all sessions
	clientIn, clientOut int64 // non server sessions
	queuedIn, queuedOut int64 // bytes sitting in FIFOs
	totalIn, totalOut   int64
	accepted, rejected  int64
	timedOut            int64
}

// SessionInfo describes one session for monitoring.
type SessionInfo struct {
	FD        int       `json:"fd"`
	ID        string    `json:"id"`
	IP        string    `json:"ip"`
	Flags     Flags     `json:"flags"`
	Listener  bool      `json:"listener"`
	RData     int       `json:"rdata_size"`
	MaxRData  int       `json:"max_rdata"`
	WData     int       `json:"wdata_size"`
	MaxWData  int       `json:"max_wdata"`
	RDataTick int64     `json:"rdata_tick"`
	Created   time.Time `json:"created"`
}

// Snapshot is a point-in-time copy of the reactor state, safe to read from
// other goroutines.
type Snapshot struct {
	Time       time.Time       `json:"time"`
	Poller     string          `json:"poller"`
	Capacity   int             `json:"capacity"`
	FDMax      int             `json:"fd_max"`
	Sessions   []SessionInfo   `json:"sessions"`
	History    []access.Record `json:"ddos_history"`
	InPerSec   int64           `json:"in_bytes_per_sec"`
	OutPerSec  int64           `json:"out_bytes_per_sec"`
	ClientIn   int64           `json:"client_in_bytes_per_sec"`
	ClientOut  int64           `json:"client_out_bytes_per_sec"`
	QueuedIn   int64           `json:"queued_in_bytes"`
	QueuedOut  int64           `json:"queued_out_bytes"`
	TotalIn    int64           `json:"total_in_bytes"`
	TotalOut   int64           `json:"total_out_bytes"`
	Accepted   int64           `json:"accepted"`
	Rejected   int64           `json:"rejected"`
	TimedOut   int64           `json:"timed_out"`
	ActiveConn int             `json:"active_connections"`
}

// String formats the throughput line shown when show_stats is enabled.
func (s Snapshot) String() string {
	return fmt.Sprintf("In: %.03f kB/s (%.03f kB/s, Q: %.03f kB) | Out: %.03f kB/s (%.03f kB/s, Q: %.03f kB) | Sessions: %d/%d",
		float64(s.InPerSec)/1024, float64(s.ClientIn)/1024, float64(s.QueuedIn)/1024,
		float64(s.OutPerSec)/1024, float64(s.ClientOut)/1024, float64(s.QueuedOut)/1024,
		s.ActiveConn, s.Capacity)
}

// Snapshot returns the last published state. Safe for concurrent use.
func (c *Core) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot
}

// Sessions lists the live sessions ordered by descriptor.
func (c *Core) Sessions() []SessionInfo {
	var out []SessionInfo
	for fd := 1; fd < c.fdMax; fd++ {
		s := c.session[fd]
		if s == nil {
			continue
		}
		_, listener := s.handler.(listenHandler)
		out = append(out, SessionInfo{
			FD:        fd,
			ID:        s.ID.String(),
			IP:        access.IP2Str(s.ClientAddr),
			Flags:     s.Flag,
			Listener:  listener,
			RData:     s.rsize - s.rpos,
			MaxRData:  len(s.rdata),
			WData:     s.wsize,
			MaxWData:  len(s.wdata),
			RDataTick: s.rdataTick,
			Created:   s.created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FD < out[j].FD })
	return out
}

func (c *Core) buildSnapshot() Snapshot {
	sessions := c.Sessions()
	active := 0
	for _, s := range sessions {
		if !s.Listener {
			active++
		}
	}
	return Snapshot{
		Time:       c.now(),
		Poller:     c.poller.Name(),
		Capacity:   c.capacity,
		FDMax:      c.fdMax,
		Sessions:   sessions,
		History:    c.history.Records(),
		InPerSec:   c.stats.in,
		OutPerSec:  c.stats.out,
		ClientIn:   c.stats.clientIn,
		ClientOut:  c.stats.clientOut,
		QueuedIn:   c.stats.queuedIn,
		QueuedOut:  c.stats.queuedOut,
		TotalIn:    c.stats.totalIn,
		TotalOut:   c.stats.totalOut,
		Accepted:   c.stats.accepted,
		Rejected:   c.stats.rejected,
		TimedOut:   c.stats.timedOut,
		ActiveConn: active,
	}
}

func (c *Core) publishSnapshot() Snapshot {
	snap := c.buildSnapshot()
	c.snapMu.Lock()
	c.snapshot = snap
	c.snapMu.Unlock()
	return snap
}

// statsTimer publishes a snapshot every second and resets the rate
// counters.
func (c *Core) statsTimer(tid int, tick int64, id int, data any) int {
	snap := c.publishSnapshot()
	if c.opts.ShowStats {
		c.logger.Info().Msg(snap.String())
	}
	c.emit(events.EventStats, events.StatsPayload{
		Sessions:  snap.ActiveConn,
		Capacity:  snap.Capacity,
		InPerSec:  snap.InPerSec,
		OutPerSec: snap.OutPerSec,
		QueuedIn:  snap.QueuedIn,
		QueuedOut: snap.QueuedOut,
	})
	c.stats.in, c.stats.clientIn = 0, 0
	c.stats.out, c.stats.clientOut = 0, 0
	return 0
}
