package domain

import "time"

// EventKind names an outbound notification.
type EventKind string

const (
	EventTaskCreated       EventKind = "task.created"
	EventTaskStatusChanged EventKind = "task.status_changed"

	EventDeposit      EventKind = "ledger.deposit"
	EventReserved     EventKind = "ledger.reserved"
	EventReleased     EventKind = "ledger.released"
	EventUnlocked     EventKind = "ledger.unlocked"
	EventWithdrawn    EventKind = "ledger.withdrawn"
	EventRulesChanged EventKind = "ledger.rules_changed"

	EventWorkerRegistered   EventKind = "worker.registered"
	EventWorkerStatsUpdated EventKind = "worker.stats_updated"
	EventWorkerDeactivated  EventKind = "worker.deactivated"
	EventWorkerReactivated  EventKind = "worker.reactivated"
	EventWorkerPenalized    EventKind = "worker.penalized"
	EventWorkerCategories   EventKind = "worker.categories_changed"
)

// Event is emitted after a state change commits. Fields irrelevant to a
// kind are left zero.
type Event struct {
	ID        string     `json:"id"`
	Seq       int64      `json:"seq,omitempty"` // publish order, assigned by the dispatcher
	Kind      EventKind  `json:"kind"`
	Time      time.Time  `json:"time"`
	Actor     Principal  `json:"actor,omitempty"`
	TaskID    uint64     `json:"task_id,omitempty"`
	OldStatus TaskStatus `json:"old_status,omitempty"`
	NewStatus TaskStatus `json:"new_status,omitempty"`
	Worker    Principal  `json:"worker,omitempty"`
	Amount    int64      `json:"amount,omitempty"`

	// Worker stats after an update.
	TotalTasks      int64 `json:"total_tasks,omitempty"`
	SuccessfulTasks int64 `json:"successful_tasks,omitempty"`
	TotalEarnings   int64 `json:"total_earnings,omitempty"`
	Reliability     int   `json:"reliability,omitempty"`

	Detail    string `json:"detail,omitempty"`
	HighValue bool   `json:"high_value,omitempty"`

	// State of the touched entity after the change. The journal applies it
	// to the stored tables in the transaction that appends the event.
	Task        *Task         `json:"task,omitempty"`
	WorkerState *Worker       `json:"worker_state,omitempty"`
	Ledger      *LedgerTotals `json:"ledger,omitempty"`
	Reservation *Reservation  `json:"reservation,omitempty"` // set on EventReserved
}
