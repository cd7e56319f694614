package metrics

import (
	"context"
	"strings"

	"github.com/tutu-network/taskvault/internal/domain"
)

// Sink updates metrics from domain events. Treasury gauges are refreshed
// from snapshot after every ledger event.
type Sink struct {
	snapshot func() domain.TreasurySnapshot
}

// NewSink creates a Sink. snapshot may be nil.
func NewSink(snapshot func() domain.TreasurySnapshot) *Sink {
	return &Sink{snapshot: snapshot}
}

func (s *Sink) Name() string { return "metrics" }

func (s *Sink) Handle(_ context.Context, e domain.Event) error {
	EventsPublished.WithLabelValues(string(e.Kind)).Inc()
	if e.HighValue {
		HighValueEvents.WithLabelValues(string(e.Kind)).Inc()
	}

	switch {
	case strings.HasPrefix(string(e.Kind), "ledger."):
		op := strings.TrimPrefix(string(e.Kind), "ledger.")
		LedgerOperations.WithLabelValues(op).Inc()
		if e.Amount > 0 {
			LedgerAmount.WithLabelValues(op).Add(float64(e.Amount))
		}
		s.refresh()
	case e.Kind == domain.EventTaskCreated:
		TasksCreated.WithLabelValues(e.Detail).Inc()
	case e.Kind == domain.EventTaskStatusChanged:
		TaskTransitions.WithLabelValues(string(e.OldStatus), string(e.NewStatus)).Inc()
	case strings.HasPrefix(string(e.Kind), "worker."):
		WorkerEvents.WithLabelValues(strings.TrimPrefix(string(e.Kind), "worker.")).Inc()
		if e.Worker != "" && (e.Kind == domain.EventWorkerRegistered || e.Kind == domain.EventWorkerStatsUpdated ||
			e.Kind == domain.EventWorkerPenalized) {
			WorkerReliability.WithLabelValues(string(e.Worker)).Set(float64(e.Reliability))
		}
	}
	return nil
}

// refresh copies the treasury snapshot into the gauges.
func (s *Sink) refresh() {
	if s.snapshot == nil {
		return
	}
	ObserveTreasury(s.snapshot())
}

// ObserveTreasury sets the treasury gauges from snap.
func ObserveTreasury(snap domain.TreasurySnapshot) {
	TreasuryBalance.Set(float64(snap.TotalBalance))
	TreasuryReserved.Set(float64(snap.TotalReserved))
	TreasuryDailySpent.Set(float64(snap.DailySpent))
	TreasuryDailyRemaining.Set(float64(snap.RemainingDailyBudget))
}
