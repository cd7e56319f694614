// Package tasks implements the task registry: the lifecycle state machine
// that orchestrates the treasury and the worker registry.
//
//	Created ──propose──▶ Assigned ──submit──▶ Submitted ──verify──▶ Verified ──▶ Completed
//	   │                    │                     └────────verify(fail)───────▶ Failed
//	   │                    ├──verify(fail) / expire──────────────────────────▶ Failed
//	   └──cancel / expire───┴──cancel─────────────────────────────────────────▶ Cancelled
//
// The registry is the only caller that moves funds or changes reputation,
// and it does so under its own identity. A proposal the treasury rejects
// leaves the task in Created; nothing is retried automatically.
package tasks

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/domain"
)

// DefaultIdentity is the principal the registry uses toward the ledger and
// the worker registry.
const DefaultIdentity domain.Principal = "task-registry"

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now domain.Clock) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPublisher sets the event sink.
func WithPublisher(p domain.EventPublisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.events = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l.With().Str("component", "tasks").Logger() }
}

// WithIdentity overrides the principal used for ledger and outcome calls.
func WithIdentity(p domain.Principal) Option {
	return func(r *Registry) {
		if p != "" {
			r.self = p
		}
	}
}

// entry pairs a task with the lock that serializes every transition on it.
type entry struct {
	mu   sync.Mutex
	task domain.Task
}

// Registry owns all tasks. Lock order: entry.mu, then r.mu, then whatever
// the ledger and worker directory take internally. r.mu is never held while
// acquiring an entry lock.
type Registry struct {
	self    domain.Principal
	auth    domain.Authorizer
	ledger  domain.Ledger
	workers domain.WorkerDirectory
	events  domain.EventPublisher
	log     zerolog.Logger
	now     domain.Clock

	mu     sync.RWMutex
	tasks  map[uint64]*entry
	open   map[uint64]struct{}
	nextID uint64
}

// New creates a task registry driving ledger and workers.
func New(auth domain.Authorizer, ledger domain.Ledger, workers domain.WorkerDirectory, opts ...Option) *Registry {
	r := &Registry{
		self:    DefaultIdentity,
		auth:    auth,
		ledger:  ledger,
		workers: workers,
		events:  domain.NopPublisher{},
		log:     zerolog.Nop(),
		now:     time.Now,
		tasks:   make(map[uint64]*entry),
		open:    make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Identity returns the principal the registry acts as.
func (r *Registry) Identity() domain.Principal { return r.self }

func (r *Registry) authorized(caller domain.Principal, a domain.Action) bool {
	return r.auth != nil && r.auth.AuthorizedFor(caller, a)
}

func (r *Registry) lookup(id uint64) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
	}
	return e, nil
}

// closeOpen drops id from the open working set.
func (r *Registry) closeOpen(id uint64) {
	r.mu.Lock()
	delete(r.open, id)
	r.mu.Unlock()
}

func (r *Registry) emitStatus(t domain.Task, old domain.TaskStatus, caller domain.Principal, worker domain.Principal, amount int64, now time.Time) {
	r.events.Publish(domain.Event{
		Kind:      domain.EventTaskStatusChanged,
		Time:      now,
		Actor:     caller,
		TaskID:    t.ID,
		OldStatus: old,
		NewStatus: t.Status,
		Worker:    worker,
		Amount:    amount,
		Task:      &t,
	})
}

func transitionErr(t domain.Task, op string) error {
	return fmt.Errorf("%s task %d in %s: %w", op, t.ID, t.Status, domain.ErrInvalidTransition)
}

// ─── Create ─────────────────────────────────────────────────────────────────

// CreateRequest carries the creator-supplied task fields.
type CreateRequest struct {
	Category         domain.Category
	MaxPayment       int64
	Deadline         time.Time
	DescriptionRef   string
	VerificationRule string
}

// Create opens a task in Created and adds it to the open set. Any caller
// may create.
func (r *Registry) Create(caller domain.Principal, req CreateRequest) (uint64, error) {
	if caller == "" {
		return 0, fmt.Errorf("create: anonymous caller: %w", domain.ErrUnauthorized)
	}
	if !req.Category.Valid() {
		return 0, fmt.Errorf("create: %q: %w", req.Category, domain.ErrUnknownCategory)
	}
	if req.MaxPayment <= 0 {
		return 0, fmt.Errorf("create: max payment %d: %w", req.MaxPayment, domain.ErrInvalidAmount)
	}
	now := r.now()
	if !req.Deadline.After(now) {
		return 0, fmt.Errorf("create: deadline %s: %w", req.Deadline.Format(time.RFC3339), domain.ErrInvalidDeadline)
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	t := domain.Task{
		ID:               id,
		Category:         req.Category,
		Status:           domain.TaskCreated,
		Creator:          caller,
		MaxPayment:       req.MaxPayment,
		Deadline:         req.Deadline,
		CreatedAt:        now,
		DescriptionRef:   req.DescriptionRef,
		VerificationRule: req.VerificationRule,
	}
	r.tasks[id] = &entry{task: t}
	r.open[id] = struct{}{}
	r.mu.Unlock()

	r.log.Info().Uint64("task_id", id).Str("creator", string(caller)).
		Str("category", string(req.Category)).Int64("max_payment", req.MaxPayment).Msg("task created")
	r.events.Publish(domain.Event{
		Kind:      domain.EventTaskCreated,
		Time:      now,
		Actor:     caller,
		TaskID:    id,
		NewStatus: domain.TaskCreated,
		Amount:    req.MaxPayment,
		Detail:    string(req.Category),
		Task:      &t,
	})
	return id, nil
}

// ─── Propose ────────────────────────────────────────────────────────────────

// ProposeAssignment asks the treasury to fund worker at payment. A nil
// error means the proposal was accepted and the task is Assigned. Any
// ledger rejection wraps domain.ErrProposalRejected and leaves the task in
// Created so the coordinator may propose again.
func (r *Registry) ProposeAssignment(caller domain.Principal, id uint64, worker domain.Principal, payment int64) error {
	if !r.authorized(caller, domain.ActionPropose) {
		return fmt.Errorf("propose task %d by %q: %w", id, caller, domain.ErrUnauthorized)
	}
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.task
	now := r.now()
	switch {
	case t.Status != domain.TaskCreated:
		return transitionErr(t, "propose")
	case t.Expired(now):
		return fmt.Errorf("propose task %d: %w", id, domain.ErrDeadlinePassed)
	case payment <= 0:
		return fmt.Errorf("propose task %d payment %d: %w", id, payment, domain.ErrInvalidAmount)
	case payment > t.MaxPayment:
		return fmt.Errorf("propose task %d payment %d > max %d: %w", id, payment, t.MaxPayment, domain.ErrPaymentExceedsMax)
	case !r.workers.IsEligible(worker, t.Category):
		return fmt.Errorf("propose task %d worker %s for %s: %w", id, worker, t.Category, domain.ErrWorkerIneligible)
	}

	release := domain.HoldEvents(r.events)
	defer release()

	if err := r.ledger.Reserve(r.self, id, payment); err != nil {
		r.log.Info().Uint64("task_id", id).Str("worker", string(worker)).Int64("payment", payment).
			Err(err).Msg("proposal rejected by treasury")
		return fmt.Errorf("task %d: %w: %w", id, domain.ErrProposalRejected, err)
	}

	old := t.Status
	t.Status = domain.TaskAssigned
	t.AssignedWorker = worker
	t.ActualPayment = payment
	e.task = t
	r.closeOpen(id)

	r.log.Info().Uint64("task_id", id).Str("worker", string(worker)).Int64("payment", payment).Msg("task assigned")
	r.emitStatus(t, old, caller, worker, payment, now)
	return nil
}

// ─── Submit ─────────────────────────────────────────────────────────────────

// SubmitResult records the assigned worker's result before the deadline.
func (r *Registry) SubmitResult(caller domain.Principal, id uint64, resultRef string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.task
	now := r.now()
	switch {
	case t.Status != domain.TaskAssigned:
		return transitionErr(t, "submit")
	case caller == "" || caller != t.AssignedWorker:
		return fmt.Errorf("submit task %d by %q: %w", id, caller, domain.ErrNotAssignedWorker)
	case t.Expired(now):
		return fmt.Errorf("submit task %d: %w", id, domain.ErrDeadlinePassed)
	}

	old := t.Status
	t.Status = domain.TaskSubmitted
	t.ResultRef = resultRef
	e.task = t

	r.log.Info().Uint64("task_id", id).Str("worker", string(caller)).Msg("result submitted")
	r.emitStatus(t, old, caller, t.AssignedWorker, t.ActualPayment, now)
	return nil
}

// ─── Verify ─────────────────────────────────────────────────────────────────

// VerifyAndComplete settles a Submitted (or Assigned) task. On success the
// reservation is released to the worker; on failure it is unlocked. The
// worker's reliability is updated either way.
func (r *Registry) VerifyAndComplete(caller domain.Principal, id uint64, success bool) error {
	if !r.authorized(caller, domain.ActionVerify) {
		return fmt.Errorf("verify task %d by %q: %w", id, caller, domain.ErrUnauthorized)
	}
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.task
	if t.Status != domain.TaskSubmitted && t.Status != domain.TaskAssigned {
		return transitionErr(t, "verify")
	}
	release := domain.HoldEvents(r.events)
	defer release()
	if success {
		return r.complete(e, caller)
	}
	return r.fail(e, caller, "verification failed")
}

// complete releases funds and walks the task through Verified to Completed.
// Caller holds e.mu.
func (r *Registry) complete(e *entry, caller domain.Principal) error {
	t := e.task
	paid, err := r.ledger.Release(r.self, t.ID, t.AssignedWorker)
	if err != nil {
		r.log.Error().Uint64("task_id", t.ID).Err(err).Msg("release failed; task left unchanged")
		return fmt.Errorf("complete task %d: %w", t.ID, err)
	}

	now := r.now()
	old := t.Status
	t.Status = domain.TaskVerified
	r.emitStatus(t, old, caller, t.AssignedWorker, paid, now)

	t.Status = domain.TaskCompleted
	t.CompletedAt = now
	e.task = t
	r.emitStatus(t, domain.TaskVerified, caller, t.AssignedWorker, paid, now)

	r.log.Info().Uint64("task_id", t.ID).Str("worker", string(t.AssignedWorker)).Int64("paid", paid).Msg("task completed")
	r.recordOutcome(t, true, paid)
	return nil
}

// fail unlocks any reservation, marks the task Failed and penalizes the
// assigned worker. Caller holds e.mu.
func (r *Registry) fail(e *entry, caller domain.Principal, reason string) error {
	t := e.task
	var unlocked int64
	if t.HoldsReservation() {
		amt, err := r.ledger.Unlock(r.self, t.ID)
		if err != nil {
			r.log.Error().Uint64("task_id", t.ID).Err(err).Msg("unlock failed; task left unchanged")
			return fmt.Errorf("fail task %d: %w", t.ID, err)
		}
		unlocked = amt
	}

	now := r.now()
	old := t.Status
	t.Status = domain.TaskFailed
	t.CompletedAt = now
	e.task = t
	if old == domain.TaskCreated {
		r.closeOpen(t.ID)
	}

	r.log.Info().Uint64("task_id", t.ID).Str("from", string(old)).Str("reason", reason).
		Int64("unlocked", unlocked).Msg("task failed")
	r.emitStatus(t, old, caller, t.AssignedWorker, unlocked, now)
	if t.AssignedWorker != "" {
		r.recordOutcome(t, false, 0)
	}
	return nil
}

// recordOutcome updates worker stats after funds have settled. The settlement
// has already committed, so a failure here is logged rather than returned.
func (r *Registry) recordOutcome(t domain.Task, success bool, earnings int64) {
	if err := r.workers.RecordOutcome(r.self, t.AssignedWorker, success, earnings); err != nil {
		r.log.Error().Uint64("task_id", t.ID).Str("worker", string(t.AssignedWorker)).
			Err(err).Msg("record outcome failed")
	}
}

// ─── Cancel & Expire ────────────────────────────────────────────────────────

// Cancel ends a Created or Assigned task on behalf of its creator or an
// admin, unlocking any reservation. The worker is not penalized.
func (r *Registry) Cancel(caller domain.Principal, id uint64) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.task
	if caller == "" || (caller != t.Creator && !r.authorized(caller, domain.ActionAdmin)) {
		return fmt.Errorf("cancel task %d by %q: %w", id, caller, domain.ErrUnauthorized)
	}
	if t.Status != domain.TaskCreated && t.Status != domain.TaskAssigned {
		return transitionErr(t, "cancel")
	}

	release := domain.HoldEvents(r.events)
	defer release()

	var unlocked int64
	if t.HoldsReservation() {
		amt, err := r.ledger.Unlock(r.self, id)
		if err != nil {
			return fmt.Errorf("cancel task %d: %w", id, err)
		}
		unlocked = amt
	}

	now := r.now()
	old := t.Status
	worker := t.AssignedWorker
	t.Status = domain.TaskCancelled
	t.CompletedAt = now
	t.AssignedWorker = ""
	t.ActualPayment = 0
	e.task = t
	r.closeOpen(id)

	r.log.Info().Uint64("task_id", id).Str("by", string(caller)).Int64("unlocked", unlocked).Msg("task cancelled")
	r.emitStatus(t, old, caller, worker, unlocked, now)
	return nil
}

// HandleExpired fails a Created or Assigned task whose deadline has passed.
// Anyone may call it, so an unresponsive coordinator cannot strand funds.
func (r *Registry) HandleExpired(caller domain.Principal, id uint64) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.task
	if t.Status != domain.TaskCreated && t.Status != domain.TaskAssigned {
		return transitionErr(t, "expire")
	}
	if !t.Expired(r.now()) {
		return fmt.Errorf("expire task %d: %w", id, domain.ErrDeadlineNotPassed)
	}
	release := domain.HoldEvents(r.events)
	defer release()
	return r.fail(e, caller, "deadline expired")
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Get returns a copy of task id.
func (r *Registry) Get(id uint64) (domain.Task, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, nil
}

// Count returns the number of tasks ever created.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// OpenTasks returns IDs still awaiting assignment, ascending.
func (r *Registry) OpenTasks() []uint64 {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.open))
	for id := range r.open {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// entries snapshots the entry pointers in ID order. Ordering uses the map
// keys; entry contents are only read under their own lock.
func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*entry, len(ids))
	for i, id := range ids {
		out[i] = r.tasks[id]
	}
	return out
}

// List returns tasks matching f in ascending ID order.
func (r *Registry) List(f domain.TaskFilter) []domain.Task {
	var out []domain.Task
	for _, e := range r.entries() {
		e.mu.Lock()
		t := e.task
		e.mu.Unlock()
		if !f.Match(&t) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// ExpiredCandidates returns IDs of Created or Assigned tasks whose deadline
// has passed at now.
func (r *Registry) ExpiredCandidates(now time.Time) []uint64 {
	var ids []uint64
	for _, e := range r.entries() {
		e.mu.Lock()
		t := e.task
		e.mu.Unlock()
		if (t.Status == domain.TaskCreated || t.Status == domain.TaskAssigned) && t.Expired(now) {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// Reconcile checks the live registry against the treasury's reservations.
func (r *Registry) Reconcile(reservations []domain.Reservation) error {
	return ReconcileTasks(r.List(domain.TaskFilter{}), reservations)
}

// ReconcileTasks checks that reservations line up with task state: a task
// holds exactly one reservation equal to its ActualPayment while Assigned or
// Submitted, and none otherwise.
func ReconcileTasks(tasks []domain.Task, reservations []domain.Reservation) error {
	byTask := make(map[uint64]int64, len(reservations))
	for _, res := range reservations {
		if _, dup := byTask[res.TaskID]; dup {
			return fmt.Errorf("task %d: %w", res.TaskID, domain.ErrDuplicateReservation)
		}
		byTask[res.TaskID] = res.Amount
	}
	for _, t := range tasks {
		amt, held := byTask[t.ID]
		switch {
		case t.HoldsReservation() && !held:
			return fmt.Errorf("task %d is %s without a reservation", t.ID, t.Status)
		case t.HoldsReservation() && amt != t.ActualPayment:
			return fmt.Errorf("task %d reservation %d != actual payment %d", t.ID, amt, t.ActualPayment)
		case !t.HoldsReservation() && held:
			return fmt.Errorf("task %d is %s but still holds %d", t.ID, t.Status, amt)
		}
		delete(byTask, t.ID)
	}
	for id, amt := range byTask {
		return fmt.Errorf("reservation of %d for unknown task %d", amt, id)
	}
	return nil
}

// ─── Persistence ────────────────────────────────────────────────────────────

// Restore replaces the registry contents. IDs continue after the highest
// restored ID so none is ever reused.
func (r *Registry) Restore(tasks []domain.Task) error {
	m := make(map[uint64]*entry, len(tasks))
	open := make(map[uint64]struct{})
	var maxID uint64
	for _, t := range tasks {
		if t.ID == 0 {
			return fmt.Errorf("restore: task with zero id")
		}
		if _, dup := m[t.ID]; dup {
			return fmt.Errorf("restore: duplicate task %d", t.ID)
		}
		if _, ok := domain.ParseTaskStatus(string(t.Status)); !ok {
			return fmt.Errorf("restore: task %d has status %q", t.ID, t.Status)
		}
		m[t.ID] = &entry{task: t}
		if t.Status == domain.TaskCreated {
			open[t.ID] = struct{}{}
		}
		if t.ID > maxID {
			maxID = t.ID
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = m
	r.open = open
	if maxID > r.nextID {
		r.nextID = maxID
	}
	return nil
}
