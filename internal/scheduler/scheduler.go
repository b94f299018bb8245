// Package scheduler runs the daily maintenance of the server: pruning the
// connection audit and logging the traffic totals of the day.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hercules-project/hercules/internal/config"
	"github.com/hercules-project/hercules/internal/socket"
)

// Pruner deletes audit entries older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler manages the periodic background tasks.
type Scheduler struct {
	cfg    config.DatabaseConfig
	pruner Pruner
	stats  func() socket.Snapshot
	now    func() time.Time
}

// New creates a scheduler. pruner and stats may be nil to skip the
// respective task.
func New(cfg config.DatabaseConfig, pruner Pruner, stats func() socket.Snapshot) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		pruner: pruner,
		stats:  stats,
		now:    time.Now,
	}
}

// Start runs the tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.pruner != nil && s.cfg.RetentionDays > 0 {
		go s.runPruneLoop(ctx)
	}
	if s.stats != nil {
		go s.runStatsLoop(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runPruneLoop(ctx context.Context) {
	for {
		next := nextRun(s.now(), s.cfg.PruneTime)
		wait := next.Sub(s.now())
		log.Info().
			Time("next_run", next).
			Dur("sleep", wait).
			Msg("audit prune scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if _, err := s.RunPrune(ctx); err != nil {
				log.Warn().Err(err).Msg("audit prune failed")
			}
		}
	}
}

// RunPrune deletes audit entries past the retention period.
func (s *Scheduler) RunPrune(ctx context.Context) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	removed, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	log.Info().
		Int("retention_days", s.cfg.RetentionDays).
		Int64("removed", removed).
		Msg("audit prune completed")
	return removed, nil
}

func (s *Scheduler) runStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	var lastIn, lastOut int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.stats()
			log.Info().
				Str("received", formatBytes(snap.TotalIn-lastIn)).
				Str("sent", formatBytes(snap.TotalOut-lastOut)).
				Int64("accepted", snap.Accepted).
				Int64("rejected", snap.Rejected).
				Int("sessions", snap.ActiveConn).
				Msg("daily traffic")
			lastIn, lastOut = snap.TotalIn, snap.TotalOut
		}
	}
}

// nextRun returns the next occurrence of the "HH:MM" wall time at after
// now. Unparseable values fall back to 04:00.
func nextRun(now time.Time, at string) time.Time {
	hour, minute := 4, 0
	if parts := strings.Split(at, ":"); len(parts) == 2 {
		var h, m int
		_, errH := fmt.Sscanf(parts[0], "%d", &h)
		_, errM := fmt.Sscanf(parts[1], "%d", &m)
		if errH == nil && errM == nil && h >= 0 && h < 24 && m >= 0 && m < 60 {
			hour, minute = h, m
		}
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
