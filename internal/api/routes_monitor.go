package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/db"
	"github.com/hercules-project/hercules/internal/socket"
)

const streamWriteTimeout = 5 * time.Second

// statsView is the counters part of a snapshot, without the tables.
func statsView(snap socket.Snapshot) gin.H {
	return gin.H{
		"time":                     snap.Time,
		"poller":                   snap.Poller,
		"capacity":                 snap.Capacity,
		"fd_max":                   snap.FDMax,
		"active_connections":       snap.ActiveConn,
		"in_bytes_per_sec":         snap.InPerSec,
		"out_bytes_per_sec":        snap.OutPerSec,
		"client_in_bytes_per_sec":  snap.ClientIn,
		"client_out_bytes_per_sec": snap.ClientOut,
		"queued_in_bytes":          snap.QueuedIn,
		"queued_out_bytes":         snap.QueuedOut,
		"total_in_bytes":           snap.TotalIn,
		"total_out_bytes":          snap.TotalOut,
		"accepted":                 snap.Accepted,
		"rejected":                 snap.Rejected,
		"timed_out":                snap.TimedOut,
		"ddos_tracked":             len(snap.History),
	}
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsView(s.core.Snapshot()))
}

// handleStatsStream pushes the counters over a websocket every
// streamInterval until the client goes away or the bus stops.
func (s *Server) handleStatsStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Str("client_ip", c.ClientIP()).Msg("stats stream upgrade failed")
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(statsView(s.core.Snapshot())); err != nil {
			return
		}

		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-s.bus.StopCh():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.core.Snapshot().Sessions
	if c.Query("listeners") == "false" {
		peers := sessions[:0:0]
		for _, info := range sessions {
			if !info.Listener {
				peers = append(peers, info)
			}
		}
		sessions = peers
	}
	if sessions == nil {
		sessions = []socket.SessionInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleDDoS lists the connect history. ?flagged=true keeps only the
// addresses currently locked out.
func (s *Server) handleDDoS(c *gin.Context) {
	records := s.core.Snapshot().History
	if c.Query("flagged") == "true" {
		flagged := records[:0:0]
		for _, r := range records {
			if r.DDoS {
				flagged = append(flagged, r)
			}
		}
		records = flagged
	}
	if records == nil {
		records = []access.Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   len(records),
		"config":  s.cfg.DDoSConfig(),
	})
}

// handleAudit queries the connection audit log. Filters: kind, ip,
// since (RFC 3339) and limit.
func (s *Server) handleAudit(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log disabled"})
		return
	}

	filter := db.AuditFilter{
		Kind: c.Query("kind"),
		IP:   c.Query("ip"),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since, expected RFC 3339"})
			return
		}
		filter.Since = t
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		filter.Limit = limit
	}

	entries, err := s.audit.Recent(c.Request.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("audit query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit query failed"})
		return
	}
	total, err := s.audit.Count(c.Request.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("audit count failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit query failed"})
		return
	}
	if entries == nil {
		entries = []db.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
		"total":   total,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health checks disabled"})
		return
	}
	results := s.health.Results()
	ok := true
	for _, r := range results {
		ok = ok && r.OK
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":      ok,
		"results": results,
	})
}

func (s *Server) handleLink(c *gin.Context) {
	if s.link == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled": true,
		"status":  s.link.Status(),
	})
}

// handleLogEntries returns the tail of today's log file.
func (s *Server) handleLogEntries(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	entries, err := readRecentLogEntries(s.cfg.Logging.Directory, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the newest
// hercules_*.log file in logDir.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	matches, err := filepath.Glob(filepath.Join(logDir, "hercules_*.log"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return []logEntry{}, nil
	}
	sort.Strings(matches)

	data, err := os.ReadFile(matches[len(matches)-1])
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if start := len(lines) - count; start > 0 {
		lines = lines[start:]
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true, "app": true,
	}

	result := make([]logEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}
		for k, v := range raw {
			if knownKeys[k] {
				continue
			}
			if entry.Fields == nil {
				entry.Fields = make(map[string]interface{})
			}
			entry.Fields[k] = v
		}
		result = append(result, entry)
	}
	return result, nil
}

func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
