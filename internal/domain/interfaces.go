package domain

import "time"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// The task registry depends on these; the treasury and worker registry
// implement them. Dependency direction is orchestrator → leaves only.

// Ledger is the part of the treasury the task registry drives.
// Every call is authorized against caller.
type Ledger interface {
	Reserve(caller Principal, taskID uint64, amount int64) error
	Release(caller Principal, taskID uint64, recipient Principal) (int64, error)
	Unlock(caller Principal, taskID uint64) (int64, error)
	Reservation(taskID uint64) (Reservation, bool)
}

// WorkerDirectory is the part of the worker registry the task registry drives.
type WorkerDirectory interface {
	IsEligible(worker Principal, c Category) bool
	RecordOutcome(caller Principal, worker Principal, success bool, earnings int64) error
}

// EventPublisher receives committed state changes. Publish must not block
// on I/O; implementations buffer.
type EventPublisher interface {
	Publish(e Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(Event) {}

// EventGrouper is implemented by publishers that can keep the events of one
// operation together in delivery.
type EventGrouper interface {
	Hold() (release func())
}

// HoldEvents opens an event group on p when p supports one.
func HoldEvents(p EventPublisher) (release func()) {
	if g, ok := p.(EventGrouper); ok {
		return g.Hold()
	}
	return func() {}
}

// Clock returns the current time. Injected so tests can move time.
type Clock func() time.Time
