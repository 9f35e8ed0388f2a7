// Package retention deletes old confirmations, conversation history and
// cached speech on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Defaults used when the config leaves a field empty.
const (
	DefaultSchedule  = "0 3 * * *"
	DefaultDays      = 30
	DefaultCacheDays = 7
)

// ConfirmationPurger is implemented by every confirmations.Store.
type ConfirmationPurger interface {
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// HistoryCleaner is implemented by *store.Store.
type HistoryCleaner interface {
	Cleanup(ctx context.Context, cutoff time.Time) (messages, usage int64, err error)
}

// AudioCleaner is implemented by *voice.Cache.
type AudioCleaner interface {
	Cleanup(olderThan time.Duration) (int, error)
}

// Pruner drops idle in-memory state; the rate limiter and token budget
// implement it.
type Pruner interface {
	Prune() int
}

// Config controls what is kept and when the sweep runs.
type Config struct {
	// Schedule is a standard five-field cron expression.
	Schedule string
	// Days is how long confirmations, messages and usage rows are kept.
	Days int
	// CacheDays is how long synthesized audio files are kept.
	CacheDays int
}

// Report counts what one sweep removed.
type Report struct {
	Confirmations int64
	Messages      int64
	Usage         int64
	AudioFiles    int
	Pruned        int
}

// Sweeper runs the cleanup. Any of the targets may be nil.
type Sweeper struct {
	cfg           Config
	confirmations ConfirmationPurger
	history       HistoryCleaner
	audio         AudioCleaner
	pruners       []Pruner
	now           func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithPruners prunes idle per-user state on every sweep.
func WithPruners(p ...Pruner) Option {
	return func(s *Sweeper) { s.pruners = append(s.pruners, p...) }
}

// New validates cfg and returns a sweeper.
func New(cfg Config, c ConfirmationPurger, h HistoryCleaner, a AudioCleaner, opts ...Option) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Days <= 0 {
		cfg.Days = DefaultDays
	}
	if cfg.CacheDays <= 0 {
		cfg.CacheDays = DefaultCacheDays
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("retention: invalid schedule %q: %w", cfg.Schedule, err)
	}
	s := &Sweeper{
		cfg:           cfg,
		confirmations: c,
		history:       h,
		audio:         a,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunOnce performs one sweep. It keeps going past a failing target and
// returns the joined errors.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	cutoff := s.now().AddDate(0, 0, -s.cfg.Days)

	if s.confirmations != nil {
		n, err := s.confirmations.Purge(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge confirmations: %w", err))
		}
		rep.Confirmations = n
	}
	if s.history != nil {
		msgs, usage, err := s.history.Cleanup(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("clean history: %w", err))
		}
		rep.Messages, rep.Usage = msgs, usage
	}
	if s.audio != nil {
		n, err := s.audio.Cleanup(time.Duration(s.cfg.CacheDays) * 24 * time.Hour)
		if err != nil {
			errs = append(errs, fmt.Errorf("clean audio cache: %w", err))
		}
		rep.AudioFiles = n
	}
	for _, p := range s.pruners {
		rep.Pruned += p.Prune()
	}
	return rep, errors.Join(errs...)
}

// Run schedules RunOnce and blocks until ctx is cancelled. A sweep in
// progress is allowed to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		rep, err := s.RunOnce(ctx)
		if err != nil {
			slog.Error("retention sweep failed", "err", err)
		}
		slog.Info("retention sweep finished",
			"confirmations", rep.Confirmations,
			"messages", rep.Messages,
			"usage", rep.Usage,
			"audio_files", rep.AudioFiles,
			"pruned", rep.Pruned,
		)
	})
	if err != nil {
		return fmt.Errorf("retention: schedule: %w", err)
	}

	slog.Info("retention sweeper scheduled", "schedule", s.cfg.Schedule, "days", s.cfg.Days, "cache_days", s.cfg.CacheDays)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
