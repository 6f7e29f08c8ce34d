package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs idle eviction every ten minutes.
const DefaultSweepSchedule = "@every 10m"

// ExpiryConfig configures idle-session eviction.
type ExpiryConfig struct {
	// IdleTTL is how long a session may go without activity before eviction.
	// Zero disables eviction.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// Schedule is a cron expression (robfig/cron syntax, descriptors allowed).
	Schedule string `yaml:"sweep_schedule"`
}

// DefaultExpiryConfig returns the default eviction settings.
func DefaultExpiryConfig() ExpiryConfig {
	return ExpiryConfig{
		IdleTTL:  6 * time.Hour,
		Schedule: DefaultSweepSchedule,
	}
}

// Sweeper periodically evicts idle sessions from a Store.
type Sweeper struct {
	store  *Store
	cfg    ExpiryConfig
	keep   func(identity string) bool
	logger *slog.Logger
	cron   *cron.Cron

	// OnEvict is called with the number of sessions removed by each sweep.
	OnEvict func(removed int)
}

// NewSweeper creates a sweeper. keep protects identities from eviction,
// typically those with a download still running.
func NewSweeper(store *Store, cfg ExpiryConfig, keep func(identity string) bool, logger *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("sweeper: store is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sweeper{
		store:  store,
		cfg:    cfg,
		keep:   keep,
		logger: logger.With("component", "session_sweeper"),
		cron:   cron.New(),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Sweep runs one eviction pass and returns the number of sessions removed.
func (s *Sweeper) Sweep() int {
	removed := s.store.EvictIdle(s.cfg.IdleTTL, s.keep)
	if removed > 0 {
		s.logger.Info("evicted idle sessions",
			"removed", removed,
			"remaining", s.store.Len(),
			"idle_ttl", s.cfg.IdleTTL)
	}
	if s.OnEvict != nil {
		s.OnEvict(removed)
	}
	return removed
}

// Start begins the schedule. It does nothing when eviction is disabled.
func (s *Sweeper) Start() {
	if s.cfg.IdleTTL <= 0 {
		s.logger.Debug("session eviction disabled")
		return
	}
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
