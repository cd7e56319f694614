package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/domain"
)

// LogSink writes every event to the process log. High-value events log at
// warn so operators notice them without a dashboard.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Handle(_ context.Context, e domain.Event) error {
	ev := s.log.Debug()
	if e.HighValue {
		ev = s.log.Warn().Bool("high_value", true)
	}
	ev = ev.Int64("seq", e.Seq).Str("kind", string(e.Kind)).Str("actor", string(e.Actor))
	if e.TaskID != 0 {
		ev = ev.Uint64("task_id", e.TaskID)
	}
	if e.NewStatus != "" {
		ev = ev.Str("from", string(e.OldStatus)).Str("to", string(e.NewStatus))
	}
	if e.Worker != "" {
		ev = ev.Str("worker", string(e.Worker))
	}
	if e.Amount != 0 {
		ev = ev.Int64("amount", e.Amount)
	}
	if e.Detail != "" {
		ev = ev.Str("detail", e.Detail)
	}
	ev.Msg("event")
	return nil
}
