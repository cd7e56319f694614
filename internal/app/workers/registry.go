// Package workers implements the worker registry: identity, category
// eligibility and a bounded reliability score. It never touches funds.
//
// Reliability moves asymmetrically: a failure costs more than a success
// earns, so a worker's score falls faster than it recovers.
package workers

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/domain"
)

// Config configures reliability bookkeeping.
type Config struct {
	SuccessStep  int // added on success, capped at domain.MaxReliability
	FailureStep  int // subtracted on failure, floored at 0
	SuspendFloor int // Penalize below this deactivates and suspends the worker
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SuccessStep:  100,
		FailureStep:  500,
		SuspendFloor: 2_000,
	}
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now domain.Clock) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPublisher sets the event sink.
func WithPublisher(p domain.EventPublisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.events = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l.With().Str("component", "workers").Logger() }
}

// Registry stores workers keyed by identity.
type Registry struct {
	mu      sync.RWMutex
	config  Config
	auth    domain.Authorizer
	events  domain.EventPublisher
	log     zerolog.Logger
	now     domain.Clock
	workers map[domain.Principal]*domain.Worker
}

// New creates a worker registry.
func New(cfg Config, auth domain.Authorizer, opts ...Option) *Registry {
	r := &Registry{
		config:  cfg,
		auth:    auth,
		events:  domain.NopPublisher{},
		log:     zerolog.Nop(),
		now:     time.Now,
		workers: make(map[domain.Principal]*domain.Worker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) authorized(caller domain.Principal, a domain.Action) bool {
	return r.auth != nil && r.auth.AuthorizedFor(caller, a)
}

func normalizeCategories(cats []domain.Category) ([]domain.Category, error) {
	if len(cats) == 0 {
		return nil, domain.ErrNoCategories
	}
	seen := make(map[domain.Category]bool, len(cats))
	out := make([]domain.Category, 0, len(cats))
	for _, c := range cats {
		if !c.Valid() {
			return nil, fmt.Errorf("%q: %w", c, domain.ErrUnknownCategory)
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ─── Registration ───────────────────────────────────────────────────────────

// Register self-registers caller for the given categories. Reliability
// starts at the midpoint of its range.
func (r *Registry) Register(caller domain.Principal, categories []domain.Category) error {
	if caller == "" {
		return fmt.Errorf("register: empty identity: %w", domain.ErrUnauthorized)
	}
	cats, err := normalizeCategories(categories)
	if err != nil {
		return fmt.Errorf("register %s: %w", caller, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[caller]; exists {
		return fmt.Errorf("register %s: %w", caller, domain.ErrWorkerExists)
	}
	now := r.now()
	w := &domain.Worker{
		ID:           caller,
		Active:       true,
		RegisteredAt: now,
		Reliability:  domain.InitialReliability,
		Categories:   cats,
	}
	r.workers[caller] = w

	r.log.Info().Str("worker", string(caller)).Interface("categories", cats).Msg("worker registered")
	r.events.Publish(domain.Event{
		Kind:        domain.EventWorkerRegistered,
		Time:        now,
		Actor:       caller,
		Worker:      caller,
		Reliability: w.Reliability,
		WorkerState: snapshot(w),
	})
	return nil
}

// SetCategories replaces the caller's own permitted categories.
func (r *Registry) SetCategories(caller domain.Principal, categories []domain.Category) error {
	cats, err := normalizeCategories(categories)
	if err != nil {
		return fmt.Errorf("set categories %s: %w", caller, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[caller]
	if !ok {
		return fmt.Errorf("set categories %s: %w", caller, domain.ErrWorkerNotFound)
	}
	w.Categories = cats
	r.events.Publish(domain.Event{
		Kind:        domain.EventWorkerCategories,
		Time:        r.now(),
		Actor:       caller,
		Worker:      caller,
		Detail:      fmt.Sprint(cats),
		WorkerState: snapshot(w),
	})
	return nil
}

// IsEligible reports whether worker is active and permitted for c. This is
// the only check the task registry relies on before reserving funds.
func (r *Registry) IsEligible(worker domain.Principal, c domain.Category) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[worker]
	return ok && w.Active && w.Permits(c)
}

// ─── Outcomes ───────────────────────────────────────────────────────────────

// RecordOutcome updates stats after a task reaches a terminal outcome.
// Only a principal authorized for ActionRecordOutcome may call it.
func (r *Registry) RecordOutcome(caller, worker domain.Principal, success bool, earnings int64) error {
	if !r.authorized(caller, domain.ActionRecordOutcome) {
		return fmt.Errorf("record outcome by %q: %w", caller, domain.ErrUnauthorized)
	}
	if earnings < 0 {
		return fmt.Errorf("record outcome earnings %d: %w", earnings, domain.ErrInvalidAmount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[worker]
	if !ok {
		return fmt.Errorf("record outcome %s: %w", worker, domain.ErrWorkerNotFound)
	}

	now := r.now()
	w.TotalTasks++
	w.LastActivityAt = now
	if success {
		w.SuccessfulTasks++
		w.TotalEarnings += earnings
		w.Reliability = domain.ClampReliability(w.Reliability + r.config.SuccessStep)
	} else {
		w.Reliability = domain.ClampReliability(w.Reliability - r.config.FailureStep)
	}

	r.log.Info().Str("worker", string(worker)).Bool("success", success).
		Int("reliability", w.Reliability).Msg("outcome recorded")
	r.events.Publish(r.statsEvent(w, caller, now, earnings))
	return nil
}

// Penalize subtracts amount from reliability for integrity violations
// outside the normal task flow. Dropping below the suspend floor
// deactivates the worker until an authority reactivates it.
func (r *Registry) Penalize(caller, worker domain.Principal, amount int, reason string) error {
	if !r.authorized(caller, domain.ActionAdmin) {
		return fmt.Errorf("penalize by %q: %w", caller, domain.ErrUnauthorized)
	}
	if amount <= 0 {
		return fmt.Errorf("penalize %d: %w", amount, domain.ErrInvalidPenalty)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[worker]
	if !ok {
		return fmt.Errorf("penalize %s: %w", worker, domain.ErrWorkerNotFound)
	}

	now := r.now()
	w.Reliability = domain.ClampReliability(w.Reliability - amount)
	suspend := w.Reliability < r.config.SuspendFloor && w.Active
	if suspend {
		w.Active = false
		w.Suspended = true
	}

	r.log.Warn().Str("by", string(caller)).Str("worker", string(worker)).Int("amount", amount).
		Int("reliability", w.Reliability).Str("reason", reason).Msg("worker penalized")
	r.events.Publish(domain.Event{
		Kind:        domain.EventWorkerPenalized,
		Time:        now,
		Actor:       caller,
		Worker:      worker,
		Reliability: w.Reliability,
		Detail:      fmt.Sprintf("-%d: %s", amount, reason),
		WorkerState: snapshot(w),
	})

	if suspend {
		r.log.Warn().Str("worker", string(worker)).Msg("worker auto-deactivated")
		r.events.Publish(domain.Event{
			Kind:        domain.EventWorkerDeactivated,
			Time:        now,
			Actor:       caller,
			Worker:      worker,
			Reliability: w.Reliability,
			Detail:      "reliability below floor",
			WorkerState: snapshot(w),
		})
	}
	return nil
}

func (r *Registry) statsEvent(w *domain.Worker, caller domain.Principal, now time.Time, earnings int64) domain.Event {
	return domain.Event{
		Kind:            domain.EventWorkerStatsUpdated,
		Time:            now,
		Actor:           caller,
		Worker:          w.ID,
		Amount:          earnings,
		TotalTasks:      w.TotalTasks,
		SuccessfulTasks: w.SuccessfulTasks,
		TotalEarnings:   w.TotalEarnings,
		Reliability:     w.Reliability,
		WorkerState:     snapshot(w),
	}
}

// ─── Activation ─────────────────────────────────────────────────────────────

// Deactivate stops worker from receiving new assignments. Allowed for the
// worker itself or an admin. Deactivating an inactive worker is a no-op.
func (r *Registry) Deactivate(caller, worker domain.Principal) error {
	if caller != worker && !r.authorized(caller, domain.ActionAdmin) {
		return fmt.Errorf("deactivate %s by %q: %w", worker, caller, domain.ErrUnauthorized)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[worker]
	if !ok {
		return fmt.Errorf("deactivate %s: %w", worker, domain.ErrWorkerNotFound)
	}
	if !w.Active {
		return nil
	}
	w.Active = false
	r.events.Publish(domain.Event{
		Kind:        domain.EventWorkerDeactivated,
		Time:        r.now(),
		Actor:       caller,
		Worker:      worker,
		Reliability: w.Reliability,
		WorkerState: snapshot(w),
	})
	return nil
}

// Reactivate returns worker to the active pool. A suspended worker can only
// be reactivated by an admin.
func (r *Registry) Reactivate(caller, worker domain.Principal) error {
	isAdmin := r.authorized(caller, domain.ActionAdmin)
	if caller != worker && !isAdmin {
		return fmt.Errorf("reactivate %s by %q: %w", worker, caller, domain.ErrUnauthorized)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[worker]
	if !ok {
		return fmt.Errorf("reactivate %s: %w", worker, domain.ErrWorkerNotFound)
	}
	if w.Active {
		return fmt.Errorf("reactivate %s: %w", worker, domain.ErrWorkerAlreadyActive)
	}
	if w.Suspended && !isAdmin {
		return fmt.Errorf("reactivate %s: %w", worker, domain.ErrWorkerSuspended)
	}
	w.Active = true
	w.Suspended = false

	if isAdmin && caller != worker {
		r.log.Warn().Str("by", string(caller)).Str("worker", string(worker)).Msg("worker reactivated by authority")
	}
	r.events.Publish(domain.Event{
		Kind:        domain.EventWorkerReactivated,
		Time:        r.now(),
		Actor:       caller,
		Worker:      worker,
		Reliability: w.Reliability,
		WorkerState: snapshot(w),
	})
	return nil
}

// ─── Reads ──────────────────────────────────────────────────────────────────

func clone(w *domain.Worker) domain.Worker {
	c := *w
	c.Categories = append([]domain.Category(nil), w.Categories...)
	return c
}

func snapshot(w *domain.Worker) *domain.Worker {
	c := clone(w)
	return &c
}

// Get returns a copy of the worker record.
func (r *Registry) Get(worker domain.Principal) (domain.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[worker]
	if !ok {
		return domain.Worker{}, fmt.Errorf("%s: %w", worker, domain.ErrWorkerNotFound)
	}
	return clone(w), nil
}

// List returns every worker ordered by identity.
func (r *Registry) List() []domain.Worker {
	return r.filter(func(*domain.Worker) bool { return true })
}

// ActiveWorkers returns active workers ordered by identity.
func (r *Registry) ActiveWorkers() []domain.Worker {
	return r.filter(func(w *domain.Worker) bool { return w.Active })
}

// WorkersForCategory returns active workers permitted for c.
func (r *Registry) WorkersForCategory(c domain.Category) []domain.Worker {
	return r.filter(func(w *domain.Worker) bool { return w.Active && w.Permits(c) })
}

func (r *Registry) filter(keep func(*domain.Worker) bool) []domain.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if keep(w) {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the registry contents. Reliability is re-clamped.
func (r *Registry) Restore(ws []domain.Worker) error {
	m := make(map[domain.Principal]*domain.Worker, len(ws))
	for i := range ws {
		w := clone(&ws[i])
		if w.ID == "" {
			return fmt.Errorf("restore: worker with empty identity")
		}
		if _, dup := m[w.ID]; dup {
			return fmt.Errorf("restore %s: %w", w.ID, domain.ErrWorkerExists)
		}
		w.Reliability = domain.ClampReliability(w.Reliability)
		m[w.ID] = &w
	}
	r.mu.Lock()
	r.workers = m
	r.mu.Unlock()
	return nil
}
