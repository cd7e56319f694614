package domain

import "time"

// DailyWindow is the length of the rolling spend window.
const DailyWindow = 24 * time.Hour

// Reservation earmarks part of the treasury balance against one task.
type Reservation struct {
	TaskID     uint64    `json:"task_id"`
	Amount     int64     `json:"amount"`
	ReservedAt time.Time `json:"reserved_at"`
}

// TreasuryRules are the owner-controlled spending limits.
type TreasuryRules struct {
	MaxSpendPerTask int64         `json:"max_spend_per_task"`
	MaxSpendPerDay  int64         `json:"max_spend_per_day"`
	MinTaskValue    int64         `json:"min_task_value"`
	RuleCooldown    time.Duration `json:"rule_cooldown"` // minimum gap between rule changes
}

// LedgerState is the persisted scalar state of the treasury plus its
// reservation table. It is enough to rebuild the treasury without replay.
type LedgerState struct {
	TotalBalance   int64               `json:"total_balance"`
	TotalReserved  int64               `json:"total_reserved"`
	DailySpent     int64               `json:"daily_spent"`
	LastReset      time.Time           `json:"last_reset"`
	Reservations   []Reservation       `json:"reservations"`
	Payouts        map[Principal]int64 `json:"payouts,omitempty"`
	Rules          TreasuryRules       `json:"rules"`
	RulesChangedAt time.Time           `json:"rules_changed_at,omitempty"`
}

// LedgerTotals are the treasury scalars carried by every ledger event.
type LedgerTotals struct {
	TotalBalance   int64         `json:"total_balance"`
	TotalReserved  int64         `json:"total_reserved"`
	DailySpent     int64         `json:"daily_spent"`
	LastReset      time.Time     `json:"last_reset"`
	Rules          TreasuryRules `json:"rules"`
	RulesChangedAt time.Time     `json:"rules_changed_at,omitempty"`
}

// TreasurySnapshot is a point-in-time read of the ledger.
type TreasurySnapshot struct {
	TotalBalance         int64         `json:"total_balance"`
	TotalReserved        int64         `json:"total_reserved"`
	Available            int64         `json:"available"`
	DailySpent           int64         `json:"daily_spent"`
	RemainingDailyBudget int64         `json:"remaining_daily_budget"`
	LastReset            time.Time     `json:"last_reset"`
	ActiveReservations   int           `json:"active_reservations"`
	Rules                TreasuryRules `json:"rules"`
}
