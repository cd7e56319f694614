// Package sweeper periodically fails overdue tasks so their reservations
// return to the treasury even when no coordinator is watching.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/domain"
	"github.com/tutu-network/taskvault/internal/infra/metrics"
)

// DefaultIdentity is the principal recorded on sweeper-driven expiries.
const DefaultIdentity domain.Principal = "sweeper"

// Expirer is the slice of the task registry the sweeper needs.
type Expirer interface {
	ExpiredCandidates(now time.Time) []uint64
	HandleExpired(caller domain.Principal, id uint64) error
}

// Config configures the sweeper.
type Config struct {
	// Schedule is a six-field cron spec (seconds first).
	Schedule string `toml:"schedule"`
	Identity string `toml:"identity"`
}

// DefaultConfig sweeps every 30 seconds.
func DefaultConfig() Config {
	return Config{Schedule: "*/30 * * * * *", Identity: string(DefaultIdentity)}
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	cron *cron.Cron
	exp  Expirer
	self domain.Principal
	now  domain.Clock
	log  zerolog.Logger
}

// New validates cfg.Schedule and registers the sweep job. Call Start to run.
func New(cfg Config, exp Expirer, log zerolog.Logger, now domain.Clock) (*Sweeper, error) {
	if now == nil {
		now = time.Now
	}
	self := domain.Principal(cfg.Identity)
	if self == "" {
		self = DefaultIdentity
	}
	s := &Sweeper{
		cron: cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		exp:  exp,
		self: self,
		now:  now,
		log:  log.With().Str("component", "sweeper").Logger(),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("sweeper schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Sweep expires every overdue task once and returns how many it failed.
// Tasks that moved on between listing and expiry are skipped.
func (s *Sweeper) Sweep() int {
	metrics.SweeperRuns.Inc()
	expired := 0
	for _, id := range s.exp.ExpiredCandidates(s.now()) {
		err := s.exp.HandleExpired(s.self, id)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrDeadlineNotPassed):
			s.log.Debug().Uint64("task_id", id).Err(err).Msg("skipped")
		default:
			s.log.Error().Uint64("task_id", id).Err(err).Msg("expire failed")
		}
	}
	if expired > 0 {
		metrics.SweeperExpired.Add(float64(expired))
		s.log.Info().Int("expired", expired).Msg("sweep complete")
	}
	return expired
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info().Msg("started")
}

// Stop halts the schedule and waits for a running sweep to finish or ctx
// to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
