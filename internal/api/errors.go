package api

import (
	"errors"
	"net/http"

	"github.com/tutu-network/taskvault/internal/domain"
)

// errorStatus maps each sentinel to its HTTP status. Order matters: the
// first match wins, so wrappers are listed before their causes.
var errorStatus = []struct {
	err    error
	status int
	reason string
}{
	{domain.ErrProposalRejected, http.StatusConflict, "proposal_rejected"},

	{domain.ErrTaskNotFound, http.StatusNotFound, "task_not_found"},
	{domain.ErrWorkerNotFound, http.StatusNotFound, "worker_not_found"},

	{domain.ErrNotAssignedWorker, http.StatusForbidden, "not_assigned_worker"},

	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrDuplicateReservation, http.StatusConflict, "duplicate_reservation"},
	{domain.ErrNoReservation, http.StatusConflict, "no_reservation"},
	{domain.ErrWorkerExists, http.StatusConflict, "worker_exists"},
	{domain.ErrWorkerAlreadyActive, http.StatusConflict, "worker_already_active"},
	{domain.ErrWorkerSuspended, http.StatusConflict, "worker_suspended"},
	{domain.ErrRuleCooldown, http.StatusConflict, "rule_cooldown"},
	{domain.ErrDeadlinePassed, http.StatusConflict, "deadline_passed"},
	{domain.ErrDeadlineNotPassed, http.StatusConflict, "deadline_not_passed"},

	{domain.ErrInvalidAmount, http.StatusUnprocessableEntity, "invalid_amount"},
	{domain.ErrBelowMinimum, http.StatusUnprocessableEntity, "below_minimum"},
	{domain.ErrAboveTaskLimit, http.StatusUnprocessableEntity, "above_task_limit"},
	{domain.ErrDailyLimitExceeded, http.StatusUnprocessableEntity, "daily_limit_exceeded"},
	{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{domain.ErrInvalidRules, http.StatusUnprocessableEntity, "invalid_rules"},
	{domain.ErrInvalidDeadline, http.StatusUnprocessableEntity, "invalid_deadline"},
	{domain.ErrPaymentExceedsMax, http.StatusUnprocessableEntity, "payment_exceeds_max"},
	{domain.ErrUnknownCategory, http.StatusUnprocessableEntity, "unknown_category"},
	{domain.ErrNoCategories, http.StatusUnprocessableEntity, "no_categories"},
	{domain.ErrWorkerIneligible, http.StatusUnprocessableEntity, "worker_ineligible"},
	{domain.ErrInvalidPenalty, http.StatusUnprocessableEntity, "invalid_penalty"},
}

// classify returns the HTTP status and a stable reason code for err.
func classify(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.reason
		}
	}
	return http.StatusInternalServerError, "internal"
}

// causeReason returns the reason code of the innermost known cause,
// skipping the wrapping ErrProposalRejected.
func causeReason(err error) string {
	for _, e := range errorStatus[1:] {
		if errors.Is(err, e.err) {
			return e.reason
		}
	}
	return "other"
}

// writeDomainError maps err to a status. Unauthorized depends on whether
// the caller authenticated at all.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrUnauthorized) {
		if principalFrom(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	status, reason := classify(err)
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    reason,
		},
	})
}
