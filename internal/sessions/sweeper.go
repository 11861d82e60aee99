package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/spectra/internal/observability"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// SweeperConfig configures idle-session eviction.
type SweeperConfig struct {
	// IdleTTL is how long a session may go unused before it is evicted.
	IdleTTL time.Duration
	// Schedule is a cron expression or descriptor such as "@every 5m".
	Schedule string
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Sweeper periodically deletes sessions idle for longer than IdleTTL.
type Sweeper struct {
	store   Store
	idleTTL time.Duration
	cron    *cron.Cron
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewSweeper validates the schedule and returns a stopped sweeper.
func NewSweeper(store Store, cfg SweeperConfig) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("sweeper: store is required")
	}
	if cfg.IdleTTL <= 0 {
		return nil, fmt.Errorf("sweeper: idle ttl must be positive")
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = "@every 5m"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:   store,
		idleTTL: cfg.IdleTTL,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "session-sweeper"),
		now:     time.Now,
	}
	s.cron = cron.New(cron.WithParser(cronParser))
	if _, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Warn("session sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep evicts idle sessions once and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.idleTTL)
	idle, err := s.store.List(ctx, ListOptions{IdleSince: cutoff})
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}
	evicted := 0
	for _, session := range idle {
		if err := s.store.Delete(ctx, session.ID); err != nil {
			s.logger.Warn("evict session failed", "session_id", session.ID, "error", err)
			continue
		}
		evicted++
	}
	if remaining, err := s.store.List(ctx, ListOptions{}); err == nil {
		s.metrics.SetActiveSessions(len(remaining))
	}
	if evicted > 0 {
		s.logger.Info("evicted idle sessions", "count", evicted, "idle_ttl", s.idleTTL)
	}
	return evicted, nil
}
