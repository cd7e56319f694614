// Package events fans domain events out to sinks: the audit journal, Redis
// for presentation layers, metrics and the process log.
//
// Publish never blocks the caller. Events are stamped with an ID and a
// monotonically increasing sequence number at publish time, queued, and
// delivered to every sink in order by a single goroutine. A failing sink is
// logged and skipped; it never affects the operation that produced the event.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/domain"
)

// Sink receives every published event.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e domain.Event) error
}

// BatchSink is a Sink that takes a whole delivery batch at once, for
// example to write it in one transaction. Batches never split an event
// group opened with Hold.
type BatchSink interface {
	Sink
	HandleBatch(ctx context.Context, batch []domain.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, e domain.Event) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Handle(ctx context.Context, e domain.Event) error { return s.Fn(ctx, e) }

// Config configures the dispatcher.
type Config struct {
	// HighValueThreshold flags events whose Amount is at least this value.
	// Zero disables flagging.
	HighValueThreshold int64
}

// Dispatcher implements domain.EventPublisher.
type Dispatcher struct {
	cfg   Config
	sinks []Sink
	log   zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []domain.Event
	seq       int64
	holds     int
	delivered int64
	progress  chan struct{} // closed and replaced after every delivered batch
	closed    bool
	running   bool
	done      chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start to begin delivery.
func NewDispatcher(cfg Config, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	d := &Dispatcher{
		cfg:   cfg,
		sinks: sinks,
		log:      log.With().Str("component", "events").Logger(),
		progress: make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// SetSequence continues numbering after n, typically the last journal
// sequence found on startup.
func (d *Dispatcher) SetSequence(n int64) {
	d.mu.Lock()
	if n > d.seq {
		d.seq = n
	}
	if n > d.delivered {
		d.delivered = n
	}
	d.mu.Unlock()
}

// Sequence returns the last assigned sequence number.
func (d *Dispatcher) Sequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Publish stamps and enqueues e. Events published after Close are dropped.
func (d *Dispatcher) Publish(e domain.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Warn().Str("kind", string(e.Kind)).Msg("publish after close dropped")
		return
	}
	d.seq++
	e.Seq = d.seq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if d.cfg.HighValueThreshold > 0 && e.Amount >= d.cfg.HighValueThreshold {
		e.HighValue = true
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
}

// Hold opens an event group. Events published until the returned function
// is called are delivered in the same batch, so a batch sink never sees
// half of an operation. Holds nest and may overlap across goroutines.
func (d *Dispatcher) Hold() (release func()) {
	d.mu.Lock()
	d.holds++
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.holds--
			if d.holds == 0 {
				d.cond.Broadcast()
			}
			d.mu.Unlock()
		})
	}
}

// Delivered returns the highest sequence number handed to every sink.
func (d *Dispatcher) Delivered() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered
}

// WaitDelivered blocks until every event up to seq has been handed to the
// sinks, or ctx is done.
func (d *Dispatcher) WaitDelivered(ctx context.Context, seq int64) error {
	for {
		d.mu.Lock()
		if d.delivered >= seq {
			d.mu.Unlock()
			return nil
		}
		ch := d.progress
		d.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	go d.run()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	ctx := context.Background()
	for {
		d.mu.Lock()
		for (len(d.queue) == 0 || d.holds > 0) && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		d.deliver(ctx, batch)
	}
}

// deliver hands batch to every sink and then advances the delivered mark.
func (d *Dispatcher) deliver(ctx context.Context, batch []domain.Event) {
	if len(batch) == 0 {
		return
	}
	for _, s := range d.sinks {
		if bs, ok := s.(BatchSink); ok {
			if err := bs.HandleBatch(ctx, batch); err != nil {
				d.log.Error().Err(err).Str("sink", s.Name()).Int64("first_seq", batch[0].Seq).
					Int("events", len(batch)).Msg("sink failed")
			}
			continue
		}
		for _, e := range batch {
			if err := s.Handle(ctx, e); err != nil {
				d.log.Error().Err(err).Str("sink", s.Name()).Int64("seq", e.Seq).
					Str("kind", string(e.Kind)).Msg("sink failed")
			}
		}
	}

	d.mu.Lock()
	if last := batch[len(batch)-1].Seq; last > d.delivered {
		d.delivered = last
	}
	close(d.progress)
	d.progress = make(chan struct{})
	d.mu.Unlock()
}

// Close stops accepting events and waits until the queue drains or ctx is
// done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	running := d.running
	if !running {
		// Nothing will drain the queue; deliver inline.
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()
		d.deliver(ctx, batch)
		return nil
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
