package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Every rejection is synchronous and leaves state untouched. Callers treat
// these as "try a different proposal", never as a transient fault.

var (
	// Authorization
	ErrUnauthorized = errors.New("caller is not authorized for this action")

	// Treasury rule violations
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrBelowMinimum         = errors.New("amount below minimum task value")
	ErrAboveTaskLimit       = errors.New("amount exceeds per-task spending limit")
	ErrDailyLimitExceeded   = errors.New("daily spending limit exceeded")
	ErrInsufficientFunds    = errors.New("insufficient available balance")
	ErrDuplicateReservation = errors.New("task already has an active reservation")
	ErrNoReservation        = errors.New("no reservation found for task")
	ErrRuleCooldown         = errors.New("treasury rules changed too recently")
	ErrInvalidRules         = errors.New("treasury rules are inconsistent")

	// Task lifecycle
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("task status does not allow this transition")
	ErrDeadlinePassed    = errors.New("task deadline has passed")
	ErrDeadlineNotPassed = errors.New("task deadline has not passed yet")
	ErrInvalidDeadline   = errors.New("deadline must be in the future")
	ErrPaymentExceedsMax = errors.New("proposed payment exceeds task maximum")
	ErrUnknownCategory   = errors.New("unknown task category")
	ErrProposalRejected  = errors.New("assignment proposal rejected by treasury")
	ErrNotAssignedWorker = errors.New("caller is not the assigned worker")

	// Worker registry
	ErrWorkerNotFound      = errors.New("worker not registered")
	ErrWorkerExists        = errors.New("worker already registered")
	ErrNoCategories        = errors.New("worker must register for at least one category")
	ErrWorkerIneligible    = errors.New("worker is inactive or not permitted for category")
	ErrWorkerSuspended     = errors.New("worker was suspended and needs an authority to reactivate")
	ErrInvalidPenalty      = errors.New("penalty must be positive")
	ErrWorkerAlreadyActive = errors.New("worker is already active")
)
