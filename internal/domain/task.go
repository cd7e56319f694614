// Package domain holds the vault's core types and sentinel errors.
// A Task is a unit of paid work that flows through the registry:
// create → propose → reserve → assign → submit → verify → settle.
package domain

import "time"

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "CREATED"
	TaskAssigned  TaskStatus = "ASSIGNED"
	TaskSubmitted TaskStatus = "SUBMITTED"
	TaskVerified  TaskStatus = "VERIFIED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// ParseTaskStatus converts an upper-case status string. ok is false for
// anything outside the lifecycle.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch st := TaskStatus(s); st {
	case TaskCreated, TaskAssigned, TaskSubmitted, TaskVerified,
		TaskCompleted, TaskFailed, TaskCancelled:
		return st, true
	}
	return "", false
}

// Category classifies work. A worker may only be assigned tasks in the
// categories it registered for.
type Category string

const (
	CatDataAnalysis   Category = "data_analysis"
	CatTextGeneration Category = "text_generation"
	CatCodeReview     Category = "code_review"
	CatResearch       Category = "research"
	CatComputation    Category = "computation"
	CatOther          Category = "other"
)

// Categories lists every known category in display order.
func Categories() []Category {
	return []Category{
		CatDataAnalysis, CatTextGeneration, CatCodeReview,
		CatResearch, CatComputation, CatOther,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories() {
		if c == k {
			return true
		}
	}
	return false
}

// Task is a unit of funded work.
type Task struct {
	ID               uint64     `json:"id"`
	Category         Category   `json:"category"`
	Status           TaskStatus `json:"status"`
	Creator          Principal  `json:"creator"`
	AssignedWorker   Principal  `json:"assigned_worker,omitempty"`
	MaxPayment       int64      `json:"max_payment"`
	ActualPayment    int64      `json:"actual_payment"`
	Deadline         time.Time  `json:"deadline"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      time.Time  `json:"completed_at,omitempty"`
	DescriptionRef   string     `json:"description_ref"`
	ResultRef        string     `json:"result_ref,omitempty"`
	VerificationRule string     `json:"verification_rule"`
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed || t.Status == TaskCancelled
}

// HoldsReservation returns true while the treasury must hold exactly
// ActualPayment against this task.
func (t *Task) HoldsReservation() bool {
	return t.Status == TaskAssigned || t.Status == TaskSubmitted
}

// Expired reports whether the deadline has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return !now.Before(t.Deadline)
}

// TaskFilter narrows task listings. Zero values match everything.
type TaskFilter struct {
	Status  TaskStatus
	Worker  Principal
	Creator Principal
	Limit   int
}

// Match reports whether t passes the filter (Limit is ignored here).
func (f TaskFilter) Match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Worker != "" && t.AssignedWorker != f.Worker {
		return false
	}
	if f.Creator != "" && t.Creator != f.Creator {
		return false
	}
	return true
}
