package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hercules-project/hercules/internal/events"
)

// Audit event kinds.
const (
	KindRejected  = "rejected"
	KindDDoS      = "ddos_detected"
	KindDDoSReset = "ddos_reset"
	KindTimeout   = "timeout"
	KindLinkUp    = "link_up"
	KindLinkDown  = "link_down"
)

const defaultAuditLimit = 100

// AuditEntry is one row of the connection audit.
type AuditEntry struct {
	ID     int64     `json:"id"`
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	IP     string    `json:"ip"`
	FD     int       `json:"fd"`
	Detail string    `json:"detail,omitempty"`
}

// AuditFilter narrows Recent. Zero fields match everything.
type AuditFilter struct {
	Kind  string
	IP    string
	Since time.Time
	Limit int
}

// AuditLog records connection events.
type AuditLog struct {
	db *Database
}

// NewAuditLog opens the audit database and creates its schema.
func NewAuditLog(path string) (*AuditLog, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}
	a := &AuditLog{db: database}
	if err := a.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return a, nil
}

func (a *AuditLog) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS connection_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at INTEGER NOT NULL,
			kind TEXT NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			fd INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_connection_audit_created ON connection_audit(created_at);
		CREATE INDEX IF NOT EXISTS idx_connection_audit_ip ON connection_audit(ip);
	`
	_, err := a.db.Exec(ctx, schema)
	return err
}

// Close closes the underlying database.
func (a *AuditLog) Close() error {
	return a.db.Close()
}

// Record stores e. A zero Time is replaced by the current time.
func (a *AuditLog) Record(ctx context.Context, e AuditEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := a.db.Exec(ctx,
		"INSERT INTO connection_audit (created_at, kind, ip, fd, detail) VALUES (?, ?, ?, ?, ?)",
		e.Time.UnixMilli(), e.Kind, e.IP, e.FD, e.Detail)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// where builds the WHERE clause for f, empty when f matches everything.
func (f AuditFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.IP != "" {
		conds = append(conds, "ip = ?")
		args = append(args, f.IP)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Count returns the number of entries matching f. Limit is ignored.
func (a *AuditLog) Count(ctx context.Context, f AuditFilter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := a.db.QueryRow(ctx, "SELECT COUNT(*) FROM connection_audit"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

// Recent returns the newest entries matching f.
func (a *AuditLog) Recent(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	query := "SELECT id, created_at, kind, ip, fd, detail FROM connection_audit" + where + " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			ms int64
		)
		if err := rows.Scan(&e.ID, &ms, &e.Kind, &e.IP, &e.FD, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Time = time.UnixMilli(ms)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than before and returns how many went.
func (a *AuditLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := a.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM connection_audit WHERE created_at < ?", before.UnixMilli())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Time("before", before).Msg("audit log pruned")
	}
	return removed, nil
}

// Subscribe records the audited event types published on bus.
func (a *AuditLog) Subscribe(bus *events.EventBus) {
	bus.SubscribeMany([]events.EventType{
		events.EventConnectionRejected,
		events.EventDDoSDetected,
		events.EventDDoSReset,
		events.EventSessionTimeout,
		events.EventLinkUp,
		events.EventLinkDown,
	}, "audit.record", a.onEvent)
}

func (a *AuditLog) onEvent(ctx context.Context, e events.Event) error {
	entry, ok := entryFromEvent(e)
	if !ok {
		return nil
	}
	return a.Record(ctx, entry)
}

func entryFromEvent(e events.Event) (AuditEntry, bool) {
	switch p := e.Payload.(type) {
	case events.RejectPayload:
		return AuditEntry{Kind: KindRejected, IP: p.IP, Detail: p.Reason}, true
	case events.DDoSPayload:
		kind := KindDDoS
		if e.Type == events.EventDDoSReset {
			kind = KindDDoSReset
		}
		return AuditEntry{Kind: kind, IP: p.IP, Detail: fmt.Sprintf("count=%d", p.Count)}, true
	case events.SessionPayload:
		return AuditEntry{Kind: KindTimeout, IP: p.IP, FD: p.FD, Detail: fmt.Sprintf("idle=%ds server=%t", p.Idle, p.Server)}, true
	case events.LinkPayload:
		kind := KindLinkUp
		if e.Type == events.EventLinkDown {
			kind = KindLinkDown
		}
		return AuditEntry{Kind: kind, IP: p.Address, FD: p.FD, Detail: p.Name}, true
	}
	return AuditEntry{}, false
}
