package events

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/domain"
	"github.com/tutu-network/taskvault/internal/infra/metrics"
)

// ─── Retry Sink ─────────────────────────────────────────────────────────────
// Events a sink rejects are re-queued with exponential backoff and retried
// when the next event arrives or on Flush. Only suitable for sinks that
// tolerate reordering; the journal is never wrapped.

// RetryConfig configures redelivery.
type RetryConfig struct {
	MaxRetries int           // attempts after the first failure before dropping
	BaseDelay  time.Duration // first backoff, doubled per attempt
	MaxDelay   time.Duration // cap on backoff
	MaxPending int           // backlog bound; the oldest event is dropped beyond it
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		MaxPending: 1_000,
	}
}

type retryEntry struct {
	event   domain.Event
	attempt int
	next    time.Time
	lastErr string
}

// retryHeap orders entries by next attempt, then by sequence.
type retryHeap []*retryEntry

func (h retryHeap) Len() int { return len(h) }
func (h retryHeap) Less(i, j int) bool {
	if !h[i].next.Equal(h[j].next) {
		return h[i].next.Before(h[j].next)
	}
	return h[i].event.Seq < h[j].event.Seq
}
func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)   { *h = append(*h, x.(*retryEntry)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// RetryStats reports the backlog.
type RetryStats struct {
	Pending   int   `json:"pending"`
	Retried   int64 `json:"retried"`
	Exhausted int64 `json:"exhausted"`
}

// RetrySink wraps a Sink with a redelivery backlog.
type RetrySink struct {
	inner Sink
	cfg   RetryConfig
	log   zerolog.Logger
	now   domain.Clock

	mu        sync.Mutex
	pending   retryHeap
	retried   int64
	exhausted int64
}

// NewRetrySink wraps inner. A nil now uses time.Now.
func NewRetrySink(inner Sink, cfg RetryConfig, log zerolog.Logger, now domain.Clock) *RetrySink {
	if now == nil {
		now = time.Now
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &RetrySink{
		inner: inner,
		cfg:   cfg,
		log:   log.With().Str("component", "retry").Str("sink", inner.Name()).Logger(),
		now:   now,
	}
}

func (s *RetrySink) Name() string { return s.inner.Name() }

// Handle retries anything due, then delivers e. A failure queues e and is
// returned so the dispatcher logs it.
func (s *RetrySink) Handle(ctx context.Context, e domain.Event) error {
	s.Flush(ctx)
	if err := s.inner.Handle(ctx, e); err != nil {
		s.schedule(&retryEntry{event: e}, err)
		return fmt.Errorf("queued for retry: %w", err)
	}
	return nil
}

// Flush redelivers every due entry and returns how many succeeded. It stops
// at the first failure since the sink is likely still down.
func (s *RetrySink) Flush(ctx context.Context) int {
	delivered := 0
	for {
		s.mu.Lock()
		if len(s.pending) == 0 || s.pending[0].next.After(s.now()) {
			s.mu.Unlock()
			return delivered
		}
		entry := heap.Pop(&s.pending).(*retryEntry)
		s.retried++
		s.mu.Unlock()

		metrics.EventsRetried.WithLabelValues(s.inner.Name()).Inc()
		if err := s.inner.Handle(ctx, entry.event); err != nil {
			s.schedule(entry, err)
			return delivered
		}
		delivered++
	}
}

// backoff is BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (s *RetrySink) backoff(attempt int) time.Duration {
	d := s.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.MaxDelay {
			return s.cfg.MaxDelay
		}
	}
	return d
}

func (s *RetrySink) schedule(entry *retryEntry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.attempt++
	entry.lastErr = err.Error()
	if entry.attempt > s.cfg.MaxRetries {
		s.drop(entry, "retries exhausted")
		return
	}
	entry.next = s.now().Add(s.backoff(entry.attempt))
	heap.Push(&s.pending, entry)

	if s.cfg.MaxPending > 0 && len(s.pending) > s.cfg.MaxPending {
		oldest := 0
		for i, p := range s.pending {
			if p.event.Seq < s.pending[oldest].event.Seq {
				oldest = i
			}
		}
		s.drop(heap.Remove(&s.pending, oldest).(*retryEntry), "backlog full")
	}
}

// drop must be called with s.mu held.
func (s *RetrySink) drop(entry *retryEntry, why string) {
	s.exhausted++
	metrics.EventsDropped.WithLabelValues(s.inner.Name()).Inc()
	s.log.Error().Int64("seq", entry.event.Seq).Str("kind", string(entry.event.Kind)).
		Int("attempts", entry.attempt).Str("last_error", entry.lastErr).Msg("event dropped: " + why)
}

// Stats returns the current backlog counters.
func (s *RetrySink) Stats() RetryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RetryStats{Pending: len(s.pending), Retried: s.retried, Exhausted: s.exhausted}
}
