package access

import (
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DDoSConfig holds the connection-rate limits. Durations are milliseconds.
type DDoSConfig struct {
	Interval  int64 `json:"interval" yaml:"interval"`
	Count     int   `json:"count" yaml:"count"`
	Autoreset int64 `json:"autoreset" yaml:"autoreset"`
}

// DefaultDDoSConfig returns the stock limits: 10 connections within 3s
// flag an address for 10 minutes.
func DefaultDDoSConfig() DDoSConfig {
	return DDoSConfig{
		Interval:  3000,
		Count:     10,
		Autoreset: 600000,
	}
}

// SweepInterval is how often stale history records are evicted.
const SweepInterval = 5 * 60 * 1000

// Record is the connection history of one address. Count is the number of
// connections seen in the current window, including the latest one.
type Record struct {
	IP    uint32 `json:"-"`
	Addr  string `json:"ip"`
	Tick  int64  `json:"tick"`
	Count int    `json:"count"`
	DDoS  bool   `json:"ddos"`
}

// DetectFunc is called when an address crosses the rate threshold.
type DetectFunc func(ip uint32, count int)

// History tracks recent connections per source address. It is owned by the
// reactor goroutine and is not safe for concurrent use.
type History struct {
	cfg      DDoSConfig
	records  map[uint32]*Record
	onDetect DetectFunc
	Debug    bool

	logger zerolog.Logger
}

// NewHistory creates an empty history.
func NewHistory(cfg DDoSConfig) *History {
	return &History{
		cfg:     cfg,
		records: make(map[uint32]*Record),
		logger:  log.With().Str("component", "ddos").Logger(),
	}
}

// OnDetect registers a callback fired when an address gets flagged.
func (h *History) OnDetect(fn DetectFunc) {
	h.onDetect = fn
}

// Config returns the active limits.
func (h *History) Config() DDoSConfig {
	return h.cfg
}

// SetConfig replaces the limits. Existing records are kept.
func (h *History) SetConfig(cfg DDoSConfig) {
	h.cfg = cfg
}

// Check records a connection from ip at tick and combines the result with
// the ACL decision. A flagged address is degraded to at most Accept: an
// unconditional ACL pass yields Accept, anything else yields Reject.
func (h *History) Check(ip uint32, acl Decision, tick int64) Decision {
	rec, ok := h.records[ip]
	if !ok {
		h.records[ip] = &Record{IP: ip, Addr: IP2Str(ip), Tick: tick, Count: 1}
		return acl
	}

	if rec.DDoS {
		rec.Tick = tick
		if h.Debug {
			h.logger.Debug().Str("ip", rec.Addr).Msg("connection from flagged address")
		}
		return degrade(acl)
	}

	if tick-rec.Tick < h.cfg.Interval {
		rec.Tick = tick
		rec.Count++
		if rec.Count >= h.cfg.Count {
			rec.DDoS = true
			h.logger.Warn().
				Str("ip", rec.Addr).
				Int("count", rec.Count).
				Int64("interval_ms", h.cfg.Interval).
				Msg("DDoS attack detected")
			if h.onDetect != nil {
				h.onDetect(ip, rec.Count)
			}
			return degrade(acl)
		}
		return acl
	}

	rec.Tick = tick
	rec.Count = 1
	return acl
}

func degrade(d Decision) Decision {
	if d == AcceptUnconditional {
		return Accept
	}
	return Reject
}

// Sweep evicts idle records: unflagged ones idle for more than three
// intervals and flagged ones idle for more than the autoreset period.
// It returns the number of removed and inspected records.
func (h *History) Sweep(tick int64) (cleared, total int) {
	for ip, rec := range h.records {
		total++
		idle := tick - rec.Tick
		if (!rec.DDoS && idle > h.cfg.Interval*3) || (rec.DDoS && idle > h.cfg.Autoreset) {
			delete(h.records, ip)
			cleared++
		}
	}
	if h.Debug && total > 0 {
		h.logger.Debug().Int("cleared", cleared).Int("total", total).Msg("connection history swept")
	}
	return cleared, total
}

// Reset drops the record of ip. It returns false if none existed.
func (h *History) Reset(ip uint32) bool {
	if _, ok := h.records[ip]; !ok {
		return false
	}
	delete(h.records, ip)
	return true
}

// Lookup returns a copy of the record for ip.
func (h *History) Lookup(ip uint32) (Record, bool) {
	rec, ok := h.records[ip]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of tracked addresses.
func (h *History) Len() int {
	return len(h.records)
}

// Records returns a copy of all records ordered by address.
func (h *History) Records() []Record {
	out := make([]Record, 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Flagged returns the records currently flagged as DDoS sources.
func (h *History) Flagged() []Record {
	var out []Record
	for _, rec := range h.Records() {
		if rec.DDoS {
			out = append(out, rec)
		}
	}
	return out
}
