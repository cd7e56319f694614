// Package health runs periodic checks over storage and the ledger
// invariants, exporting results as metrics and for the /health endpoint.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/domain"
	"github.com/tutu-network/taskvault/internal/infra/metrics"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is satisfied by the sqlite store and the Redis sink.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ledger is the treasury surface the checks read.
type Ledger interface {
	CheckInvariants() error
	Reservations() []domain.Reservation
}

// Reconciler is the task registry surface the checks read.
type Reconciler interface {
	Reconcile(reservations []domain.Reservation) error
}

// Deps are the components under watch. Nil fields skip their check.
type Deps struct {
	DB       Pinger
	Redis    Pinger
	Ledger   Ledger
	Tasks    Reconciler
	DataDir  string
	Interval time.Duration
	Log      zerolog.Logger
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      zerolog.Logger
}

// NewChecker creates a checker over the given components.
func NewChecker(d Deps) *Checker {
	c := &Checker{
		interval: d.Interval,
		log:      d.Log.With().Str("component", "health").Logger(),
	}
	if c.interval <= 0 {
		c.interval = 60 * time.Second
	}

	if d.DB != nil {
		c.checks = append(c.checks, Check{
			Name:    "sqlite",
			CheckFn: d.DB.PingContext,
		})
	}
	if d.Redis != nil {
		c.checks = append(c.checks, Check{
			Name:    "redis",
			CheckFn: d.Redis.PingContext,
		})
	}
	if d.DataDir != "" {
		c.checks = append(c.checks, Check{
			Name: "data_dir",
			CheckFn: func(ctx context.Context) error {
				return checkDataDir(d.DataDir)
			},
			RecoverFn: func(ctx context.Context) error {
				return os.MkdirAll(d.DataDir, 0700)
			},
		})
	}
	if d.Ledger != nil {
		c.checks = append(c.checks, Check{
			Name: "ledger_conservation",
			CheckFn: func(ctx context.Context) error {
				return d.Ledger.CheckInvariants()
			},
		})
		if d.Tasks != nil {
			c.checks = append(c.checks, Check{
				Name: "reservation_agreement",
				CheckFn: func(ctx context.Context) error {
					return d.Tasks.Reconcile(d.Ledger.Reservations())
				},
			})
		}
	}
	return c
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

// RunOnce runs every check immediately and returns the results.
func (c *Checker) RunOnce(ctx context.Context) []Status {
	c.runAll(ctx)
	return c.Statuses()
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			c.log.Error().Str("check", check.Name).Err(err).Msg("unhealthy")
			if check.RecoverFn != nil {
				metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.log.Error().Str("check", check.Name).Err(rerr).Msg("recovery failed")
				}
			}
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDataDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
