package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/domain"
)

// flakySink fails while down is set.
type flakySink struct {
	mu    sync.Mutex
	down  bool
	calls int
	got   []int64
}

func (f *flakySink) Name() string { return "flaky" }

func (f *flakySink) Handle(_ context.Context, e domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return errors.New("connection refused")
	}
	f.got = append(f.got, e.Seq)
	return nil
}

func (f *flakySink) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func newTestRetrySink(cfg RetryConfig) (*RetrySink, *flakySink, *stepClock) {
	inner := &flakySink{}
	clock := &stepClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	return NewRetrySink(inner, cfg, zerolog.Nop(), clock.Now), inner, clock
}

func TestRetrySink_RedeliversAfterBackoff(t *testing.T) {
	s, inner, clock := newTestRetrySink(RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	ctx := context.Background()

	inner.setDown(true)
	if err := s.Handle(ctx, domain.Event{Seq: 1}); err == nil {
		t.Fatal("Handle should report the failure")
	}
	if got := s.Stats().Pending; got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	inner.setDown(false)
	if n := s.Flush(ctx); n != 0 {
		t.Errorf("Flush before backoff delivered %d, want 0", n)
	}
	clock.now = clock.now.Add(time.Second)
	if n := s.Flush(ctx); n != 1 {
		t.Errorf("Flush after backoff delivered %d, want 1", n)
	}
	if st := s.Stats(); st.Pending != 0 || st.Retried != 1 {
		t.Errorf("stats = %+v, want empty backlog and 1 retry", st)
	}
}

func TestRetrySink_HandleFlushesDueFirst(t *testing.T) {
	s, inner, clock := newTestRetrySink(RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	ctx := context.Background()

	inner.setDown(true)
	s.Handle(ctx, domain.Event{Seq: 1})
	s.Handle(ctx, domain.Event{Seq: 2})
	inner.setDown(false)
	clock.now = clock.now.Add(time.Second)

	if err := s.Handle(ctx, domain.Event{Seq: 3}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := []int64{1, 2, 3}
	if len(inner.got) != len(want) {
		t.Fatalf("delivered = %v, want %v", inner.got, want)
	}
	for i := range want {
		if inner.got[i] != want[i] {
			t.Errorf("delivered[%d] = %d, want %d", i, inner.got[i], want[i])
		}
	}
}

func TestRetrySink_DropsAfterMaxRetries(t *testing.T) {
	s, inner, clock := newTestRetrySink(RetryConfig{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 2 * time.Second})
	ctx := context.Background()

	inner.setDown(true)
	s.Handle(ctx, domain.Event{Seq: 1})
	for i := 0; i < 5; i++ {
		clock.now = clock.now.Add(time.Minute)
		s.Flush(ctx)
	}
	st := s.Stats()
	if st.Pending != 0 || st.Exhausted != 1 {
		t.Errorf("stats = %+v, want dropped after retries", st)
	}
	if st.Retried != 2 {
		t.Errorf("retried = %d, want 2", st.Retried)
	}
}

func TestRetrySink_BacklogBound(t *testing.T) {
	s, inner, _ := newTestRetrySink(RetryConfig{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Minute, MaxPending: 3})
	ctx := context.Background()

	inner.setDown(true)
	for i := int64(1); i <= 5; i++ {
		s.Handle(ctx, domain.Event{Seq: i})
	}
	st := s.Stats()
	if st.Pending != 3 || st.Exhausted != 2 {
		t.Errorf("stats = %+v, want 3 pending and 2 dropped", st)
	}
}

func TestRetrySink_Backoff(t *testing.T) {
	s, _, _ := newTestRetrySink(RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := s.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
