// Package scheduler runs the bridge's periodic housekeeping: journal
// retention and a daily usage report.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/linuxdeveloper/ast-api/internal/config"
	"github.com/linuxdeveloper/ast-api/internal/util"
)

// Journal is the part of the event journal the scheduler maintains.
type Journal interface {
	Prune(before time.Time) (int64, error)
	Count() (int, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     *config.Config
	journal Journal
	logger  zerolog.Logger

	now func() time.Time
}

// NewScheduler creates a scheduler. journal may be nil when journaling is
// disabled.
func NewScheduler(cfg *config.Config, journal Journal) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		journal: journal,
		logger:  util.ComponentLogger("scheduler"),
		now:     time.Now,
	}
}

// Start runs all scheduled tasks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	if s.journal != nil && s.cfg.GetJournal().Enabled {
		go s.runPruneLoop(ctx)
	}
	go s.runReportLoop(ctx)

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runPruneLoop(ctx context.Context) {
	for {
		nextRun := NextRun(s.cfg.GetJournal().PruneTime, s.now())
		sleep := nextRun.Sub(s.now())
		if sleep <= 0 {
			sleep = 24 * time.Hour
		}

		s.logger.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleep).
			Msg("journal prune scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
			if _, err := s.PruneJournal(); err != nil {
				s.logger.Warn().Err(err).Msg("journal prune failed")
			}
		}
	}
}

// PruneJournal removes journal entries older than the retention period.
func (s *Scheduler) PruneJournal() (int64, error) {
	if s.journal == nil {
		return 0, nil
	}
	days := s.cfg.GetJournal().RetentionDays
	if days < 1 {
		days = 1
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	return s.journal.Prune(cutoff)
}

func (s *Scheduler) runReportLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.report()
		}
	}
}

func (s *Scheduler) report() {
	jc := s.cfg.GetJournal()
	usage := util.GetResourceUsage(filepath.Dir(jc.Path))

	ev := s.logger.Info().
		Float64("cpu_percent", usage.CPUPercent).
		Float64("memory_percent", usage.MemoryPercent).
		Float64("disk_percent", usage.DiskPercent)
	if s.journal != nil {
		if n, err := s.journal.Count(); err == nil {
			ev = ev.Int("journal_events", n)
		}
	}
	ev.Msg("daily report")
}

// NextRun returns the next occurrence of the HH:MM time of day after now.
// An unparsable value falls back to 04:00.
func NextRun(timeOfDay string, now time.Time) time.Time {
	hour, minute := 4, 0
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(timeOfDay), "%d:%d", &h, &m); err == nil &&
		h >= 0 && h < 24 && m >= 0 && m < 60 {
		hour, minute = h, m
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
