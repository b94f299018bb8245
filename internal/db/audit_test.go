package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hercules-project/hercules/internal/events"
)

func newAuditLog(t *testing.T) *AuditLog {
	t.Helper()
	a, err := NewAuditLog(filepath.Join(t.TempDir(), "data", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAuditLog_RecordAndRecent(t *testing.T) {
	ctx := context.Background()
	a := newAuditLog(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	entries := []AuditEntry{
		{Time: base, Kind: KindRejected, IP: "10.0.0.1", Detail: "access"},
		{Time: base.Add(time.Minute), Kind: KindDDoS, IP: "10.0.0.2", Detail: "count=10"},
		{Time: base.Add(2 * time.Minute), Kind: KindRejected, IP: "10.0.0.2", Detail: "access"},
		{Time: base.Add(3 * time.Minute), Kind: KindTimeout, IP: "10.0.0.3", FD: 7},
	}
	for _, e := range entries {
		require.NoError(t, a.Record(ctx, e))
	}

	tests := []struct {
		name   string
		filter AuditFilter
		want   []string // kind@ip, newest first
	}{
		{
			name:   "all",
			filter: AuditFilter{},
			want:   []string{"timeout@10.0.0.3", "rejected@10.0.0.2", "ddos_detected@10.0.0.2", "rejected@10.0.0.1"},
		},
		{
			name:   "by kind",
			filter: AuditFilter{Kind: KindRejected},
			want:   []string{"rejected@10.0.0.2", "rejected@10.0.0.1"},
		},
		{
			name:   "by ip",
			filter: AuditFilter{IP: "10.0.0.2"},
			want:   []string{"rejected@10.0.0.2", "ddos_detected@10.0.0.2"},
		},
		{
			name:   "since",
			filter: AuditFilter{Since: base.Add(2 * time.Minute)},
			want:   []string{"timeout@10.0.0.3", "rejected@10.0.0.2"},
		},
		{
			name:   "limit",
			filter: AuditFilter{Limit: 1},
			want:   []string{"timeout@10.0.0.3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Recent(ctx, tt.filter)
			require.NoError(t, err)
			var keys []string
			for _, e := range got {
				keys = append(keys, e.Kind+"@"+e.IP)
			}
			assert.Equal(t, tt.want, keys)

			total, err := a.Count(ctx, tt.filter)
			require.NoError(t, err)
			if tt.filter.Limit == 0 {
				assert.Equal(t, int64(len(tt.want)), total)
			} else {
				assert.Equal(t, int64(len(entries)), total)
			}
		})
	}

	latest, err := a.Recent(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 7, latest[0].FD)
	assert.True(t, latest[0].Time.Equal(base.Add(3*time.Minute)))
}

func TestAuditLog_Prune(t *testing.T) {
	ctx := context.Background()
	a := newAuditLog(t)
	now := time.Now()

	require.NoError(t, a.Record(ctx, AuditEntry{Time: now.Add(-48 * time.Hour), Kind: KindTimeout}))
	require.NoError(t, a.Record(ctx, AuditEntry{Time: now.Add(-2 * time.Hour), Kind: KindTimeout}))
	require.NoError(t, a.Record(ctx, AuditEntry{Kind: KindTimeout}))

	removed, err := a.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	left, err := a.Recent(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestAuditLog_Subscribe(t *testing.T) {
	ctx := context.Background()
	a := newAuditLog(t)
	bus := events.NewEventBus()
	defer bus.Stop()
	a.Subscribe(bus)

	emitted := []events.Event{
		{Type: events.EventConnectionRejected, Payload: events.RejectPayload{IP: "1.2.3.4", Reason: "access"}},
		{Type: events.EventDDoSDetected, Payload: events.DDoSPayload{IP: "1.2.3.5", Count: 10}},
		{Type: events.EventDDoSReset, Payload: events.DDoSPayload{IP: "1.2.3.5"}},
		{Type: events.EventSessionTimeout, Payload: events.SessionPayload{IP: "1.2.3.6", FD: 9, Idle: 61}},
		{Type: events.EventLinkDown, Payload: events.LinkPayload{Name: "char", Address: "127.0.0.1:6121", FD: 4}},
		{Type: events.EventSessionOpened, Payload: events.SessionPayload{IP: "1.2.3.7"}},
	}
	for _, e := range emitted {
		require.NoError(t, bus.EmitSync(ctx, e))
	}

	got, err := a.Recent(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, KindLinkDown, got[0].Kind)
	assert.Equal(t, "char", got[0].Detail)
	assert.Equal(t, KindTimeout, got[1].Kind)
	assert.Equal(t, "idle=61s server=false", got[1].Detail)
	assert.Equal(t, KindDDoSReset, got[2].Kind)
	assert.Equal(t, KindDDoS, got[3].Kind)
	assert.Equal(t, KindRejected, got[4].Kind)
}
