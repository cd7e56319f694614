package tasks

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tutu-network/taskvault/internal/app/treasury"
	"github.com/tutu-network/taskvault/internal/app/workers"
	"github.com/tutu-network/taskvault/internal/domain"
)

const (
	coordinator domain.Principal = "coordinator"
	owner       domain.Principal = "owner"
	creator     domain.Principal = "creator"
	alice       domain.Principal = "alice"
	bob         domain.Principal = "bob"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) statuses(taskID uint64) []domain.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TaskStatus
	for _, e := range r.events {
		if e.Kind == domain.EventTaskStatusChanged && e.TaskID == taskID {
			out = append(out, e.NewStatus)
		}
	}
	return out
}

type fixture struct {
	clock    *fakeClock
	events   *recorder
	treasury *treasury.Service
	workers  *workers.Registry
	tasks    *Registry
	deposit  int64
}

func newTestFixture(t *testing.T) *fixture {
	t.Helper()
	auth := domain.NewRoleTable(map[domain.Principal][]domain.Role{
		DefaultIdentity: {domain.RoleTaskRegistry},
		coordinator:     {domain.RoleCoordinator},
		owner:           {domain.RoleOwner},
	})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	rec := &recorder{}

	tr := treasury.New(treasury.Config{Rules: domain.TreasuryRules{
		MaxSpendPerTask: 50,
		MaxSpendPerDay:  1_000,
		MinTaskValue:    1,
		RuleCooldown:    time.Hour,
	}}, auth, treasury.WithClock(clock.Now), treasury.WithPublisher(rec))
	if err := tr.Deposit(owner, 500); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	wr := workers.New(workers.DefaultConfig(), auth, workers.WithClock(clock.Now), workers.WithPublisher(rec))
	for _, w := range []domain.Principal{alice, bob} {
		if err := wr.Register(w, []domain.Category{domain.CatResearch, domain.CatComputation}); err != nil {
			t.Fatalf("Register(%s): %v", w, err)
		}
	}

	reg := New(auth, tr, wr, WithClock(clock.Now), WithPublisher(rec))
	return &fixture{clock: clock, events: rec, treasury: tr, workers: wr, tasks: reg, deposit: 500}
}

func (f *fixture) create(t *testing.T, maxPayment int64, ttl time.Duration) uint64 {
	t.Helper()
	id, err := f.tasks.Create(creator, CreateRequest{
		Category:       domain.CatResearch,
		MaxPayment:     maxPayment,
		Deadline:       f.clock.Now().Add(ttl),
		DescriptionRef: "ipfs://desc",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func (f *fixture) assign(t *testing.T, id uint64, worker domain.Principal, payment int64) {
	t.Helper()
	if err := f.tasks.ProposeAssignment(coordinator, id, worker, payment); err != nil {
		t.Fatalf("ProposeAssignment(%d): %v", id, err)
	}
}

// assertConsistent checks conservation and task/reservation agreement.
func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	if err := f.treasury.CheckInvariants(); err != nil {
		t.Fatalf("treasury invariants: %v", err)
	}
	if err := f.tasks.Reconcile(f.treasury.Reservations()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	var paid int64
	for _, w := range []domain.Principal{alice, bob} {
		paid += f.treasury.Payouts(w)
	}
	if got := f.treasury.Snapshot().TotalBalance + paid; got != f.deposit {
		t.Fatalf("balance + payouts = %d, want %d", got, f.deposit)
	}
}

// ─── Create ─────────────────────────────────────────────────────────────────

func TestCreate(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)
	if id != 1 {
		t.Errorf("first id = %d, want 1", id)
	}

	task, err := f.tasks.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != domain.TaskCreated || task.Creator != creator || task.MaxPayment != 20 {
		t.Errorf("task = %+v", task)
	}
	if open := f.tasks.OpenTasks(); len(open) != 1 || open[0] != id {
		t.Errorf("open = %v, want [%d]", open, id)
	}
	if f.tasks.Count() != 1 {
		t.Errorf("count = %d, want 1", f.tasks.Count())
	}
}

func TestCreate_Rejections(t *testing.T) {
	f := newTestFixture(t)
	now := f.clock.Now()

	tests := []struct {
		name    string
		caller  domain.Principal
		req     CreateRequest
		wantErr error
	}{
		{"anonymous", "", CreateRequest{Category: domain.CatOther, MaxPayment: 1, Deadline: now.Add(time.Hour)}, domain.ErrUnauthorized},
		{"unknown category", creator, CreateRequest{Category: "juggling", MaxPayment: 1, Deadline: now.Add(time.Hour)}, domain.ErrUnknownCategory},
		{"zero payment", creator, CreateRequest{Category: domain.CatOther, Deadline: now.Add(time.Hour)}, domain.ErrInvalidAmount},
		{"past deadline", creator, CreateRequest{Category: domain.CatOther, MaxPayment: 1, Deadline: now}, domain.ErrInvalidDeadline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.tasks.Create(tt.caller, tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if f.tasks.Count() != 0 {
		t.Errorf("rejected creates left %d tasks", f.tasks.Count())
	}
}

// ─── Happy Path ─────────────────────────────────────────────────────────────

func TestLifecycle_Success(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)

	f.assign(t, id, alice, 15)
	if res, ok := f.treasury.Reservation(id); !ok || res.Amount != 15 {
		t.Fatalf("reservation = %+v, %v; want 15", res, ok)
	}
	if len(f.tasks.OpenTasks()) != 0 {
		t.Error("assigned task should leave the open set")
	}
	f.assertConsistent(t)

	if err := f.tasks.SubmitResult(alice, id, "ipfs://result"); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if err := f.tasks.VerifyAndComplete(coordinator, id, true); err != nil {
		t.Fatalf("VerifyAndComplete: %v", err)
	}

	task, _ := f.tasks.Get(id)
	if task.Status != domain.TaskCompleted || task.ResultRef != "ipfs://result" || task.CompletedAt.IsZero() {
		t.Errorf("task = %+v", task)
	}
	if got := f.treasury.Payouts(alice); got != 15 {
		t.Errorf("alice payouts = %d, want 15", got)
	}
	if snap := f.treasury.Snapshot(); snap.DailySpent != 15 || snap.TotalReserved != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	w, _ := f.workers.Get(alice)
	if w.TotalTasks != 1 || w.SuccessfulTasks != 1 || w.TotalEarnings != 15 {
		t.Errorf("worker stats = %+v", w)
	}
	if w.Reliability != domain.InitialReliability+workers.DefaultConfig().SuccessStep {
		t.Errorf("reliability = %d", w.Reliability)
	}

	want := []domain.TaskStatus{domain.TaskAssigned, domain.TaskSubmitted, domain.TaskVerified, domain.TaskCompleted}
	got := f.events.statuses(id)
	if len(got) != len(want) {
		t.Fatalf("status events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("status event %d = %s, want %s", i, got[i], want[i])
		}
	}
	f.assertConsistent(t)
}

func TestVerify_Failure(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)
	f.assign(t, id, bob, 10)
	_ = f.tasks.SubmitResult(bob, id, "ipfs://bad")

	if err := f.tasks.VerifyAndComplete(coordinator, id, false); err != nil {
		t.Fatalf("VerifyAndComplete(false): %v", err)
	}
	task, _ := f.tasks.Get(id)
	if task.Status != domain.TaskFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if f.treasury.Payouts(bob) != 0 {
		t.Error("failed task paid out")
	}
	if snap := f.treasury.Snapshot(); snap.Available != f.deposit || snap.DailySpent != 0 {
		t.Errorf("funds not restored: %+v", snap)
	}
	w, _ := f.workers.Get(bob)
	if w.TotalTasks != 1 || w.SuccessfulTasks != 0 {
		t.Errorf("worker stats = %+v", w)
	}
	f.assertConsistent(t)
}

func TestVerify_DirectlyFromAssigned(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)
	f.assign(t, id, alice, 5)

	if err := f.tasks.VerifyAndComplete(coordinator, id, true); err != nil {
		t.Fatalf("VerifyAndComplete: %v", err)
	}
	if task, _ := f.tasks.Get(id); task.Status != domain.TaskCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
}

// ─── Expiry and Reproposal ──────────────────────────────────────────────────

func TestExpire_UnassignedTask(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)

	if err := f.tasks.HandleExpired(alice, id); !errors.Is(err, domain.ErrDeadlineNotPassed) {
		t.Errorf("early expire err = %v, want ErrDeadlineNotPassed", err)
	}

	f.clock.Advance(time.Hour + time.Second)
	if got := f.tasks.ExpiredCandidates(f.clock.Now()); len(got) != 1 || got[0] != id {
		t.Errorf("candidates = %v, want [%d]", got, id)
	}
	if err := f.tasks.HandleExpired(alice, id); err != nil {
		t.Fatalf("HandleExpired: %v", err)
	}

	task, _ := f.tasks.Get(id)
	if task.Status != domain.TaskFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if len(f.tasks.OpenTasks()) != 0 {
		t.Error("expired task still open")
	}
	if snap := f.treasury.Snapshot(); snap.TotalReserved != 0 || snap.TotalBalance != f.deposit {
		t.Errorf("ledger changed: %+v", snap)
	}
	if err := f.tasks.HandleExpired(alice, id); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second expire err = %v, want ErrInvalidTransition", err)
	}
	f.assertConsistent(t)
}

func TestPropose_NotCreated(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)
	f.assign(t, id, alice, 5)

	err := f.tasks.ProposeAssignment(coordinator, id, bob, 5)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second propose err = %v, want ErrInvalidTransition", err)
	}
	task, _ := f.tasks.Get(id)
	if task.AssignedWorker != alice || task.ActualPayment != 5 {
		t.Errorf("task changed: %+v", task)
	}
	if snap := f.treasury.Snapshot(); snap.TotalReserved != 5 || snap.ActiveReservations != 1 {
		t.Errorf("snapshot = %+v, want single reservation of 5", snap)
	}
}

func TestExpire_AssignedUnlocksAndPenalizes(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Minute)
	f.assign(t, id, alice, 12)

	f.clock.Advance(time.Minute)
	if err := f.tasks.SubmitResult(alice, id, "late"); !errors.Is(err, domain.ErrDeadlinePassed) {
		t.Errorf("late submit err = %v, want ErrDeadlinePassed", err)
	}
	if err := f.tasks.HandleExpired(bob, id); err != nil {
		t.Fatalf("HandleExpired: %v", err)
	}
	if _, ok := f.treasury.Reservation(id); ok {
		t.Error("reservation survived expiry")
	}
	w, _ := f.workers.Get(alice)
	if w.TotalTasks != 1 || w.Reliability != domain.InitialReliability-workers.DefaultConfig().FailureStep {
		t.Errorf("worker = %+v", w)
	}
	f.assertConsistent(t)
}

// ─── Rejections ─────────────────────────────────────────────────────────────

func TestPropose_Rejections(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)
	_ = f.workers.Register("carol", []domain.Category{domain.CatOther})

	tests := []struct {
		name    string
		caller  domain.Principal
		worker  domain.Principal
		payment int64
		wantErr error
	}{
		{"not coordinator", creator, alice, 5, domain.ErrUnauthorized},
		{"owner cannot propose", owner, alice, 5, domain.ErrUnauthorized},
		{"above max payment", coordinator, alice, 21, domain.ErrPaymentExceedsMax},
		{"zero payment", coordinator, alice, 0, domain.ErrInvalidAmount},
		{"unregistered worker", coordinator, "mallory", 5, domain.ErrWorkerIneligible},
		{"wrong category", coordinator, "carol", 5, domain.ErrWorkerIneligible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.tasks.ProposeAssignment(tt.caller, id, tt.worker, tt.payment); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if task, _ := f.tasks.Get(id); task.Status != domain.TaskCreated {
		t.Errorf("status = %s, want created", task.Status)
	}
	if err := f.tasks.ProposeAssignment(coordinator, 99, alice, 5); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("missing task err = %v, want ErrTaskNotFound", err)
	}
}

func TestPropose_TreasuryRejectionLeavesCreated(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 100, time.Hour)

	err := f.tasks.ProposeAssignment(coordinator, id, alice, 60)
	if !errors.Is(err, domain.ErrProposalRejected) || !errors.Is(err, domain.ErrAboveTaskLimit) {
		t.Fatalf("err = %v, want ErrProposalRejected wrapping ErrAboveTaskLimit", err)
	}
	task, _ := f.tasks.Get(id)
	if task.Status != domain.TaskCreated || task.AssignedWorker != "" {
		t.Errorf("task = %+v, want untouched", task)
	}
	if open := f.tasks.OpenTasks(); len(open) != 1 {
		t.Errorf("open = %v, want task still open", open)
	}

	// A corrected proposal is accepted.
	f.assign(t, id, alice, 50)
	f.assertConsistent(t)
}

func TestPropose_AfterDeadline(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Minute)
	f.clock.Advance(2 * time.Minute)
	if err := f.tasks.ProposeAssignment(coordinator, id, alice, 5); !errors.Is(err, domain.ErrDeadlinePassed) {
		t.Errorf("err = %v, want ErrDeadlinePassed", err)
	}
}

func TestSubmit_OnlyAssignedWorker(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)

	if err := f.tasks.SubmitResult(alice, id, "x"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("submit on created err = %v, want ErrInvalidTransition", err)
	}
	f.assign(t, id, alice, 5)
	for _, caller := range []domain.Principal{bob, coordinator, ""} {
		if err := f.tasks.SubmitResult(caller, id, "x"); !errors.Is(err, domain.ErrNotAssignedWorker) {
			t.Errorf("submit by %q err = %v, want ErrNotAssignedWorker", caller, err)
		}
	}
}

func TestVerify_Unauthorized(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)
	f.assign(t, id, alice, 5)
	_ = f.tasks.SubmitResult(alice, id, "x")

	for _, caller := range []domain.Principal{alice, creator, owner, DefaultIdentity} {
		if err := f.tasks.VerifyAndComplete(caller, id, true); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("verify by %q err = %v, want ErrUnauthorized", caller, err)
		}
	}
	if f.treasury.Payouts(alice) != 0 {
		t.Error("unauthorized verify paid out")
	}
}

func TestCoordinatorCannotMoveFundsDirectly(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)
	f.assign(t, id, alice, 5)

	if _, err := f.treasury.Release(coordinator, id, bob); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("coordinator Release err = %v, want ErrUnauthorized", err)
	}
	if err := f.treasury.Reserve(coordinator, 42, 5); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("coordinator Reserve err = %v, want ErrUnauthorized", err)
	}
	if err := f.workers.RecordOutcome(coordinator, alice, true, 1_000); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("coordinator RecordOutcome err = %v, want ErrUnauthorized", err)
	}
}

// ─── Cancel ─────────────────────────────────────────────────────────────────

func TestCancel(t *testing.T) {
	f := newTestFixture(t)
	open := f.create(t, 20, time.Hour)
	assigned := f.create(t, 20, time.Hour)
	f.assign(t, assigned, alice, 8)

	if err := f.tasks.Cancel(alice, assigned); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("worker cancel err = %v, want ErrUnauthorized", err)
	}
	if err := f.tasks.Cancel(creator, open); err != nil {
		t.Fatalf("Cancel(open): %v", err)
	}
	if err := f.tasks.Cancel(owner, assigned); err != nil {
		t.Fatalf("admin Cancel(assigned): %v", err)
	}

	task, _ := f.tasks.Get(assigned)
	if task.Status != domain.TaskCancelled || task.AssignedWorker != "" {
		t.Errorf("task = %+v", task)
	}
	if snap := f.treasury.Snapshot(); snap.TotalReserved != 0 || snap.Available != f.deposit {
		t.Errorf("snapshot = %+v", snap)
	}
	if w, _ := f.workers.Get(alice); w.TotalTasks != 0 || w.Reliability != domain.InitialReliability {
		t.Errorf("cancel must not touch worker: %+v", w)
	}
	if err := f.tasks.Cancel(creator, open); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("double cancel err = %v, want ErrInvalidTransition", err)
	}
	if len(f.tasks.OpenTasks()) != 0 {
		t.Error("cancelled task still open")
	}
	f.assertConsistent(t)
}

func TestCancel_SubmittedRejected(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)
	f.assign(t, id, alice, 5)
	_ = f.tasks.SubmitResult(alice, id, "x")

	if err := f.tasks.Cancel(creator, id); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

// ─── Terminal States ────────────────────────────────────────────────────────

func TestTerminalStatesAreFinal(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)
	f.assign(t, id, alice, 5)
	if err := f.tasks.VerifyAndComplete(coordinator, id, true); err != nil {
		t.Fatal(err)
	}

	ops := map[string]func() error{
		"propose": func() error { return f.tasks.ProposeAssignment(coordinator, id, bob, 5) },
		"submit":  func() error { return f.tasks.SubmitResult(alice, id, "x") },
		"verify":  func() error { return f.tasks.VerifyAndComplete(coordinator, id, true) },
		"cancel":  func() error { return f.tasks.Cancel(creator, id) },
		"expire":  func() error { f.clock.Advance(2 * time.Hour); return f.tasks.HandleExpired(bob, id) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("%s on completed err = %v, want ErrInvalidTransition", name, err)
		}
	}
	if got := f.treasury.Payouts(alice); got != 5 {
		t.Errorf("payouts = %d, want exactly 5", got)
	}
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestVerify_ExactlyOnceUnderContention(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)
	f.assign(t, id, alice, 20)
	_ = f.tasks.SubmitResult(alice, id, "x")

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(success bool) {
			defer wg.Done()
			if f.tasks.VerifyAndComplete(coordinator, id, success) == nil {
				ok.Add(1)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	if ok.Load() != 1 {
		t.Fatalf("settlements = %d, want 1", ok.Load())
	}
	task, _ := f.tasks.Get(id)
	paid := f.treasury.Payouts(alice)
	switch task.Status {
	case domain.TaskCompleted:
		if paid != 20 {
			t.Errorf("completed but paid %d", paid)
		}
	case domain.TaskFailed:
		if paid != 0 {
			t.Errorf("failed but paid %d", paid)
		}
	default:
		t.Errorf("status = %s", task.Status)
	}
	if w, _ := f.workers.Get(alice); w.TotalTasks != 1 {
		t.Errorf("outcome recorded %d times", w.TotalTasks)
	}
	f.assertConsistent(t)
}

func TestRandomOperations_PreserveConservation(t *testing.T) {
	f := newTestFixture(t)
	rng := rand.New(rand.NewSource(7))
	var ids []uint64

	for step := 0; step < 2_000; step++ {
		switch rng.Intn(6) {
		case 0:
			ids = append(ids, f.create(t, int64(1+rng.Intn(60)), time.Duration(1+rng.Intn(120))*time.Minute))
		case 1:
			if len(ids) > 0 {
				w := []domain.Principal{alice, bob}[rng.Intn(2)]
				_ = f.tasks.ProposeAssignment(coordinator, ids[rng.Intn(len(ids))], w, int64(1+rng.Intn(60)))
			}
		case 2:
			if len(ids) > 0 {
				id := ids[rng.Intn(len(ids))]
				task, _ := f.tasks.Get(id)
				_ = f.tasks.SubmitResult(task.AssignedWorker, id, "r")
			}
		case 3:
			if len(ids) > 0 {
				_ = f.tasks.VerifyAndComplete(coordinator, ids[rng.Intn(len(ids))], rng.Intn(3) > 0)
			}
		case 4:
			if len(ids) > 0 {
				_ = f.tasks.Cancel(creator, ids[rng.Intn(len(ids))])
			}
		case 5:
			f.clock.Advance(time.Duration(rng.Intn(30)) * time.Minute)
			for _, id := range f.tasks.ExpiredCandidates(f.clock.Now()) {
				if err := f.tasks.HandleExpired("sweeper", id); err != nil {
					t.Fatalf("step %d: HandleExpired(%d): %v", step, id, err)
				}
			}
		}
		f.assertConsistent(t)
	}
}

func TestConcurrentLifecycles(t *testing.T) {
	f := newTestFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			worker := []domain.Principal{alice, bob}[i%2]
			id, err := f.tasks.Create(creator, CreateRequest{
				Category:   domain.CatComputation,
				MaxPayment: 10,
				Deadline:   f.clock.Now().Add(time.Hour),
			})
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			if err := f.tasks.ProposeAssignment(coordinator, id, worker, 10); err != nil {
				t.Errorf("Propose: %v", err)
				return
			}
			if err := f.tasks.SubmitResult(worker, id, "r"); err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			if err := f.tasks.VerifyAndComplete(coordinator, id, true); err != nil {
				t.Errorf("Verify: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := f.treasury.Payouts(alice) + f.treasury.Payouts(bob); got != 160 {
		t.Errorf("total paid = %d, want 160", got)
	}
	if f.tasks.Count() != 16 {
		t.Errorf("count = %d, want 16", f.tasks.Count())
	}
	f.assertConsistent(t)
}

// ─── Reads & Restore ────────────────────────────────────────────────────────

func TestList_Filter(t *testing.T) {
	f := newTestFixture(t)
	a := f.create(t, 20, time.Hour)
	b := f.create(t, 20, time.Hour)
	_ = f.create(t, 20, time.Hour)
	f.assign(t, a, alice, 5)
	f.assign(t, b, bob, 5)

	if got := f.tasks.List(domain.TaskFilter{Status: domain.TaskAssigned}); len(got) != 2 {
		t.Errorf("assigned = %d, want 2", len(got))
	}
	if got := f.tasks.List(domain.TaskFilter{Worker: bob}); len(got) != 1 || got[0].ID != b {
		t.Errorf("bob's tasks = %v", got)
	}
	if got := f.tasks.List(domain.TaskFilter{Limit: 2}); len(got) != 2 || got[0].ID != 1 {
		t.Errorf("limited = %v", got)
	}
}

func TestList_ConcurrentWithPropose(t *testing.T) {
	f := newTestFixture(t)
	const n = 40
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = f.create(t, 20, time.Hour)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got := f.tasks.List(domain.TaskFilter{})
				if len(got) != n {
					t.Errorf("listed = %d, want %d", len(got), n)
					return
				}
				for j := 1; j < len(got); j++ {
					if got[j-1].ID >= got[j].ID {
						t.Errorf("list out of order at %d: %d, %d", j, got[j-1].ID, got[j].ID)
						return
					}
				}
			}
		}()
	}

	var proposers sync.WaitGroup
	for i, id := range ids {
		proposers.Add(1)
		go func(i int, id uint64) {
			defer proposers.Done()
			worker := []domain.Principal{alice, bob}[i%2]
			if err := f.tasks.ProposeAssignment(coordinator, id, worker, 5); err != nil {
				t.Errorf("Propose(%d): %v", id, err)
			}
		}(i, id)
	}
	proposers.Wait()
	close(stop)
	wg.Wait()

	if got := f.tasks.List(domain.TaskFilter{Status: domain.TaskAssigned}); len(got) != n {
		t.Errorf("assigned = %d, want %d", len(got), n)
	}
	f.assertConsistent(t)
}

func TestRestore_ContinuesIDs(t *testing.T) {
	f := newTestFixture(t)
	deadline := f.clock.Now().Add(time.Hour)
	err := f.tasks.Restore([]domain.Task{
		{ID: 3, Status: domain.TaskCreated, Category: domain.CatOther, Creator: creator, MaxPayment: 5, Deadline: deadline},
		{ID: 7, Status: domain.TaskCompleted, Category: domain.CatOther, Creator: creator, MaxPayment: 5, Deadline: deadline},
	})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if open := f.tasks.OpenTasks(); len(open) != 1 || open[0] != 3 {
		t.Errorf("open = %v, want [3]", open)
	}
	if id := f.create(t, 5, time.Hour); id != 8 {
		t.Errorf("next id = %d, want 8", id)
	}

	bad := []domain.Task{{ID: 1, Status: "limbo"}}
	if err := f.tasks.Restore(bad); err == nil {
		t.Error("Restore accepted unknown status")
	}
}

func TestReconcile_DetectsDrift(t *testing.T) {
	f := newTestFixture(t)
	id := f.create(t, 20, time.Hour)
	f.assign(t, id, alice, 5)

	drift := []domain.Reservation{{TaskID: id, Amount: 6}}
	if err := f.tasks.Reconcile(drift); err == nil {
		t.Error("amount mismatch not detected")
	}
	if err := f.tasks.Reconcile(nil); err == nil {
		t.Error("missing reservation not detected")
	}
	orphan := []domain.Reservation{{TaskID: id, Amount: 5}, {TaskID: 77, Amount: 1}}
	if err := f.tasks.Reconcile(orphan); err == nil {
		t.Error("orphan reservation not detected")
	}
}
