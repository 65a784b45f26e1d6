// Package sweeper runs the periodic store cleanups that keep sessions and
// rooms consistent when a client vanished without tearing down.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"textbuddies/backend/internal/storage"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// Config holds the sweep cadence and the age thresholds of each job.
type Config struct {
	Interval     time.Duration
	StaleRoomAge time.Duration
	OrphanGrace  time.Duration
	// SearchAge is how long a session may stay connecting with nobody
	// watching its timer.
	SearchAge time.Duration
	Timeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:     time.Minute,
		StaleRoomAge: 24 * time.Hour,
		OrphanGrace:  time.Minute,
		SearchAge:    2 * time.Minute,
		Timeout:      30 * time.Second,
	}
}

// Report counts the rows each job touched.
type Report struct {
	StaleRooms      int
	OrphanedMatches int
	ExpiredSearches int
}

func (r Report) Total() int { return r.StaleRooms + r.OrphanedMatches + r.ExpiredSearches }

type Sweeper struct {
	Storage storage.Storage
	Clock   clockwork.Clock
	Log     *slog.Logger
	Config  Config

	sched gocron.Scheduler
}

func New(s storage.Storage, clock clockwork.Clock, log *slog.Logger, cfg Config) *Sweeper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleRoomAge <= 0 {
		cfg.StaleRoomAge = def.StaleRoomAge
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = def.OrphanGrace
	}
	if cfg.SearchAge <= 0 {
		cfg.SearchAge = def.SearchAge
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Sweeper{Storage: s, Clock: clock, Log: log, Config: cfg}
}

// RunOnce runs every job once. A failing job does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		r    Report
		errs []error
		err  error
	)

	if r.StaleRooms, err = s.Storage.EndStaleRooms(ctx, s.Config.StaleRoomAge); err != nil {
		errs = append(errs, fmt.Errorf("sweeper: stale rooms: %w", err))
	}
	if r.OrphanedMatches, err = s.Storage.ReconcileOrphanedMatches(ctx, s.Config.OrphanGrace); err != nil {
		errs = append(errs, fmt.Errorf("sweeper: orphaned matches: %w", err))
	}
	if r.ExpiredSearches, err = s.Storage.ExpireAbandonedSearches(ctx, s.Config.SearchAge); err != nil {
		errs = append(errs, fmt.Errorf("sweeper: abandoned searches: %w", err))
	}

	return r, errors.Join(errs...)
}

// Start schedules RunOnce every Interval until Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithClock(s.Clock))
	if err != nil {
		return fmt.Errorf("sweeper: new scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.Config.Interval),
		gocron.NewTask(func() { s.sweep(ctx) }),
		gocron.WithName("sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("sweeper: schedule: %w", err)
	}

	s.sched = sched
	sched.Start()
	s.Log.Info("sweeper started", "interval", s.Config.Interval)
	return nil
}

// Stop waits for a running sweep and stops the scheduler.
func (s *Sweeper) Stop() error {
	if s.sched == nil {
		return nil
	}
	err := s.sched.Shutdown()
	s.sched = nil
	return err
}

func (s *Sweeper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.Config.Timeout)
	defer cancel()

	r, err := s.RunOnce(ctx)
	if err != nil {
		s.Log.Error("sweep failed", "error", err)
	}
	if r.Total() > 0 {
		s.Log.Info("sweep done",
			"stale_rooms", r.StaleRooms,
			"orphaned_matches", r.OrphanedMatches,
			"expired_searches", r.ExpiredSearches,
		)
	}
}
