// Package treasury implements the funds ledger: a single balance with
// task-scoped reservations and owner-controlled spending rules.
//
// Invariants held after every call:
//
//	TotalBalance == Available + sum(reservations)
//	TotalReserved <= TotalBalance
//	DailySpent + TotalReserved <= MaxSpendPerDay (at reservation time)
//
// Only a principal authorized for ActionLedgerWrite (the task registry) may
// reserve, release or unlock. Anyone may deposit.
package treasury

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/domain"
)

// Config configures the treasury.
type Config struct {
	Rules          domain.TreasuryRules
	InitialBalance int64
}

// DefaultConfig returns production defaults (amounts in the smallest unit).
func DefaultConfig() Config {
	return Config{
		Rules: domain.TreasuryRules{
			MaxSpendPerTask: 5_000,
			MaxSpendPerDay:  50_000,
			MinTaskValue:    100,
			RuleCooldown:    time.Minute,
		},
	}
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now domain.Clock) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPublisher sets the event sink.
func WithPublisher(p domain.EventPublisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l.With().Str("component", "treasury").Logger() }
}

// Service is the funds ledger. All state sits behind one mutex so the
// reserve check-then-act and the daily window read-modify-write are atomic
// across every task.
type Service struct {
	mu     sync.Mutex
	auth   domain.Authorizer
	events domain.EventPublisher
	log    zerolog.Logger
	now    domain.Clock

	rules          domain.TreasuryRules
	rulesChangedAt time.Time

	totalBalance  int64
	totalReserved int64
	dailySpent    int64
	lastReset     time.Time
	reservations  map[uint64]domain.Reservation
	payouts       map[domain.Principal]int64
}

// New creates a treasury.
func New(cfg Config, auth domain.Authorizer, opts ...Option) *Service {
	s := &Service{
		auth:         auth,
		events:       domain.NopPublisher{},
		log:          zerolog.Nop(),
		now:          time.Now,
		rules:        cfg.Rules,
		totalBalance: cfg.InitialBalance,
		reservations: make(map[uint64]domain.Reservation),
		payouts:      make(map[domain.Principal]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastReset = s.now()
	return s
}

// ─── Window ─────────────────────────────────────────────────────────────────

// rollWindow resets the daily counter once a full window has elapsed.
// Caller holds s.mu.
func (s *Service) rollWindow(now time.Time) {
	if now.Sub(s.lastReset) >= domain.DailyWindow {
		if s.dailySpent > 0 {
			s.log.Debug().Int64("spent", s.dailySpent).Msg("daily window reset")
		}
		s.dailySpent = 0
		s.lastReset = now
	}
}

func (s *Service) remainingDaily() int64 {
	r := s.rules.MaxSpendPerDay - s.dailySpent - s.totalReserved
	if r < 0 {
		return 0
	}
	return r
}

func (s *Service) authorize(caller domain.Principal, a domain.Action) error {
	if s.auth == nil || !s.auth.AuthorizedFor(caller, a) {
		return fmt.Errorf("%s by %q: %w", a, caller, domain.ErrUnauthorized)
	}
	return nil
}

// ─── Ledger Operations ──────────────────────────────────────────────────────

// Deposit adds funds to the pool. Open to any caller.
func (s *Service) Deposit(caller domain.Principal, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit %d: %w", amount, domain.ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.rollWindow(now)
	s.totalBalance += amount

	s.log.Info().Str("from", string(caller)).Int64("amount", amount).Int64("balance", s.totalBalance).Msg("deposit")
	s.events.Publish(domain.Event{
		Kind:   domain.EventDeposit,
		Time:   now,
		Actor:  caller,
		Amount: amount,
		Ledger: s.totals(),
	})
	return nil
}

// Reserve earmarks amount against taskID. It fails closed on any rule
// violation and leaves the ledger unchanged.
func (s *Service) Reserve(caller domain.Principal, taskID uint64, amount int64) error {
	if err := s.authorize(caller, domain.ActionLedgerWrite); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("reserve %d for task %d: %w", amount, taskID, domain.ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.rollWindow(now)

	if _, exists := s.reservations[taskID]; exists {
		return fmt.Errorf("task %d: %w", taskID, domain.ErrDuplicateReservation)
	}
	if amount < s.rules.MinTaskValue {
		return fmt.Errorf("reserve %d < min %d: %w", amount, s.rules.MinTaskValue, domain.ErrBelowMinimum)
	}
	if amount > s.rules.MaxSpendPerTask {
		return fmt.Errorf("reserve %d > per-task max %d: %w", amount, s.rules.MaxSpendPerTask, domain.ErrAboveTaskLimit)
	}
	if available := s.totalBalance - s.totalReserved; amount > available {
		return fmt.Errorf("reserve %d, available %d: %w", amount, available, domain.ErrInsufficientFunds)
	}
	// Outstanding reservations count against the window too, so releases
	// landing in this window can never push DailySpent past the cap.
	if s.dailySpent+s.totalReserved+amount > s.rules.MaxSpendPerDay {
		return fmt.Errorf("reserve %d, remaining today %d: %w", amount, s.remainingDaily(), domain.ErrDailyLimitExceeded)
	}

	res := domain.Reservation{TaskID: taskID, Amount: amount, ReservedAt: now}
	s.reservations[taskID] = res
	s.totalReserved += amount

	s.log.Info().Uint64("task_id", taskID).Int64("amount", amount).Int64("reserved", s.totalReserved).Msg("reserved")
	s.events.Publish(domain.Event{
		Kind:        domain.EventReserved,
		Time:        now,
		Actor:       caller,
		TaskID:      taskID,
		Amount:      amount,
		Ledger:      s.totals(),
		Reservation: &res,
	})
	return nil
}

// Release pays the reservation for taskID to recipient and clears it.
// A second call for the same task finds no reservation and fails, so each
// reservation pays out at most once.
func (s *Service) Release(caller domain.Principal, taskID uint64, recipient domain.Principal) (int64, error) {
	if err := s.authorize(caller, domain.ActionLedgerWrite); err != nil {
		return 0, err
	}
	if recipient == "" {
		return 0, fmt.Errorf("release task %d: empty recipient: %w", taskID, domain.ErrWorkerNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.rollWindow(now)

	res, ok := s.reservations[taskID]
	if !ok {
		return 0, fmt.Errorf("release task %d: %w", taskID, domain.ErrNoReservation)
	}

	delete(s.reservations, taskID)
	s.totalReserved -= res.Amount
	s.totalBalance -= res.Amount
	s.dailySpent += res.Amount
	s.payouts[recipient] += res.Amount

	s.log.Info().Uint64("task_id", taskID).Str("to", string(recipient)).Int64("amount", res.Amount).
		Int64("daily_spent", s.dailySpent).Msg("released")
	s.events.Publish(domain.Event{
		Kind:   domain.EventReleased,
		Time:   now,
		Actor:  caller,
		TaskID: taskID,
		Worker: recipient,
		Amount: res.Amount,
		Ledger: s.totals(),
	})
	return res.Amount, nil
}

// Unlock returns the reservation for taskID to the available pool without
// paying anyone. The daily counter is untouched.
func (s *Service) Unlock(caller domain.Principal, taskID uint64) (int64, error) {
	if err := s.authorize(caller, domain.ActionLedgerWrite); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.rollWindow(now)

	res, ok := s.reservations[taskID]
	if !ok {
		return 0, fmt.Errorf("unlock task %d: %w", taskID, domain.ErrNoReservation)
	}

	delete(s.reservations, taskID)
	s.totalReserved -= res.Amount

	s.log.Info().Uint64("task_id", taskID).Int64("amount", res.Amount).Msg("unlocked")
	s.events.Publish(domain.Event{
		Kind:   domain.EventUnlocked,
		Time:   now,
		Actor:  caller,
		TaskID: taskID,
		Amount: res.Amount,
		Ledger: s.totals(),
	})
	return res.Amount, nil
}

// ─── Owner Administration ───────────────────────────────────────────────────

// SetRules replaces the spending rules. Owner only, rate-limited by the
// current RuleCooldown.
func (s *Service) SetRules(caller domain.Principal, rules domain.TreasuryRules) error {
	if err := s.authorize(caller, domain.ActionTreasuryAdmin); err != nil {
		return err
	}
	if err := ValidateRules(rules); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.rollWindow(now)
	if !s.rulesChangedAt.IsZero() && now.Sub(s.rulesChangedAt) < s.rules.RuleCooldown {
		return fmt.Errorf("last change %s ago, cooldown %s: %w",
			now.Sub(s.rulesChangedAt).Round(time.Second), s.rules.RuleCooldown, domain.ErrRuleCooldown)
	}

	old := s.rules
	s.rules = rules
	s.rulesChangedAt = now

	s.log.Warn().Str("by", string(caller)).
		Interface("old", old).Interface("new", rules).Msg("treasury rules changed")
	s.events.Publish(domain.Event{
		Kind:  domain.EventRulesChanged,
		Time:  now,
		Actor: caller,
		Detail: fmt.Sprintf("per_task=%d per_day=%d min=%d cooldown=%s",
			rules.MaxSpendPerTask, rules.MaxSpendPerDay, rules.MinTaskValue, rules.RuleCooldown),
		Ledger: s.totals(),
	})
	return nil
}

// EmergencyWithdraw moves available (never reserved) funds out of the pool.
// Owner only.
func (s *Service) EmergencyWithdraw(caller domain.Principal, amount int64, to domain.Principal) error {
	if err := s.authorize(caller, domain.ActionTreasuryAdmin); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("withdraw %d: %w", amount, domain.ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.rollWindow(now)
	if available := s.totalBalance - s.totalReserved; amount > available {
		return fmt.Errorf("withdraw %d, available %d: %w", amount, available, domain.ErrInsufficientFunds)
	}
	s.totalBalance -= amount

	s.log.Warn().Str("by", string(caller)).Str("to", string(to)).Int64("amount", amount).
		Int64("balance", s.totalBalance).Msg("emergency withdrawal")
	s.events.Publish(domain.Event{
		Kind:   domain.EventWithdrawn,
		Time:   now,
		Actor:  caller,
		Worker: to,
		Amount: amount,
		Ledger: s.totals(),
	})
	return nil
}

// ValidateRules rejects rule sets that could never accept a reservation.
func ValidateRules(r domain.TreasuryRules) error {
	switch {
	case r.MaxSpendPerTask <= 0, r.MaxSpendPerDay <= 0:
		return fmt.Errorf("limits must be positive: %w", domain.ErrInvalidRules)
	case r.MinTaskValue < 0:
		return fmt.Errorf("min task value must not be negative: %w", domain.ErrInvalidRules)
	case r.MinTaskValue > r.MaxSpendPerTask:
		return fmt.Errorf("min %d above per-task max %d: %w", r.MinTaskValue, r.MaxSpendPerTask, domain.ErrInvalidRules)
	case r.RuleCooldown < 0:
		return fmt.Errorf("cooldown must not be negative: %w", domain.ErrInvalidRules)
	}
	return nil
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Snapshot returns the current balances and rules.
func (s *Service) Snapshot() domain.TreasurySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollWindow(s.now())
	return domain.TreasurySnapshot{
		TotalBalance:         s.totalBalance,
		TotalReserved:        s.totalReserved,
		Available:            s.totalBalance - s.totalReserved,
		DailySpent:           s.dailySpent,
		RemainingDailyBudget: s.remainingDaily(),
		LastReset:            s.lastReset,
		ActiveReservations:   len(s.reservations),
		Rules:                s.rules,
	}
}

// Rules returns the current spending rules.
func (s *Service) Rules() domain.TreasuryRules {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules
}

// RemainingDailyBudget returns how much more may be reserved in this window.
func (s *Service) RemainingDailyBudget() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollWindow(s.now())
	return s.remainingDaily()
}

// Reservation returns the active reservation for taskID, if any.
func (s *Service) Reservation(taskID uint64) (domain.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[taskID]
	return r, ok
}

// Reservations returns all active reservations ordered by task ID.
func (s *Service) Reservations() []domain.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedReservations()
}

func (s *Service) sortedReservations() []domain.Reservation {
	out := make([]domain.Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Payouts returns the total released to recipient.
func (s *Service) Payouts(recipient domain.Principal) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payouts[recipient]
}

// CheckInvariants verifies the conservation invariants. It returns nil on
// a consistent ledger.
func (s *Service) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return checkState(s.totalBalance, s.totalReserved, s.dailySpent, s.reservations)
}

func checkState(balance, reserved, spent int64, res map[uint64]domain.Reservation) error {
	var sum int64
	for id, r := range res {
		if r.TaskID != id {
			return fmt.Errorf("reservation keyed %d carries task %d", id, r.TaskID)
		}
		if r.Amount <= 0 {
			return fmt.Errorf("reservation for task %d has amount %d", id, r.Amount)
		}
		sum += r.Amount
	}
	switch {
	case sum != reserved:
		return fmt.Errorf("sum of reservations %d != total reserved %d", sum, reserved)
	case reserved > balance:
		return fmt.Errorf("total reserved %d exceeds balance %d", reserved, balance)
	case balance < 0, spent < 0:
		return fmt.Errorf("negative ledger scalar: balance=%d spent=%d", balance, spent)
	}
	return nil
}

// ─── Persistence ────────────────────────────────────────────────────────────

// totals copies the scalars for an outgoing event. Caller holds s.mu.
func (s *Service) totals() *domain.LedgerTotals {
	return &domain.LedgerTotals{
		TotalBalance:   s.totalBalance,
		TotalReserved:  s.totalReserved,
		DailySpent:     s.dailySpent,
		LastReset:      s.lastReset,
		Rules:          s.rules,
		RulesChangedAt: s.rulesChangedAt,
	}
}

// State exports everything needed to rebuild the ledger.
func (s *Service) State() domain.LedgerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	payouts := make(map[domain.Principal]int64, len(s.payouts))
	for k, v := range s.payouts {
		payouts[k] = v
	}
	return domain.LedgerState{
		TotalBalance:   s.totalBalance,
		TotalReserved:  s.totalReserved,
		DailySpent:     s.dailySpent,
		LastReset:      s.lastReset,
		Reservations:   s.sortedReservations(),
		Payouts:        payouts,
		Rules:          s.rules,
		RulesChangedAt: s.rulesChangedAt,
	}
}

// Restore replaces the ledger with st after checking its invariants.
// On error the ledger is left unchanged.
func (s *Service) Restore(st domain.LedgerState) error {
	res := make(map[uint64]domain.Reservation, len(st.Reservations))
	for _, r := range st.Reservations {
		if _, dup := res[r.TaskID]; dup {
			return fmt.Errorf("restore: task %d: %w", r.TaskID, domain.ErrDuplicateReservation)
		}
		res[r.TaskID] = r
	}
	if err := checkState(st.TotalBalance, st.TotalReserved, st.DailySpent, res); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := ValidateRules(st.Rules); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalBalance = st.TotalBalance
	s.totalReserved = st.TotalReserved
	s.dailySpent = st.DailySpent
	s.lastReset = st.LastReset
	s.reservations = res
	s.rules = st.Rules
	s.rulesChangedAt = st.RulesChangedAt
	s.payouts = make(map[domain.Principal]int64, len(st.Payouts))
	for k, v := range st.Payouts {
		s.payouts[k] = v
	}
	return nil
}
