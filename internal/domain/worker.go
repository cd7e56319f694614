package domain

import "time"

// Reliability is expressed in basis points: 10000 = 100%.
const (
	MaxReliability     = 10_000
	InitialReliability = MaxReliability / 2
)

// Worker is a registered identity permitted to perform task categories.
type Worker struct {
	ID              Principal  `json:"id"`
	Active          bool       `json:"active"`
	Suspended       bool       `json:"suspended"` // auto-deactivated; only an authority may reactivate
	RegisteredAt    time.Time  `json:"registered_at"`
	TotalTasks      int64      `json:"total_tasks"`
	SuccessfulTasks int64      `json:"successful_tasks"`
	TotalEarnings   int64      `json:"total_earnings"`
	LastActivityAt  time.Time  `json:"last_activity_at,omitempty"`
	Reliability     int        `json:"reliability"`
	Categories      []Category `json:"categories"`
}

// Permits reports whether the worker registered for category c.
func (w *Worker) Permits(c Category) bool {
	for _, k := range w.Categories {
		if k == c {
			return true
		}
	}
	return false
}

// SuccessRate returns successful/total, or 0 before the first task.
func (w *Worker) SuccessRate() float64 {
	if w.TotalTasks == 0 {
		return 0
	}
	return float64(w.SuccessfulTasks) / float64(w.TotalTasks)
}

// ClampReliability bounds v to [0, MaxReliability].
func ClampReliability(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxReliability {
		return MaxReliability
	}
	return v
}
