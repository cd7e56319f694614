package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/app/tasks"
	"github.com/tutu-network/taskvault/internal/app/treasury"
	"github.com/tutu-network/taskvault/internal/app/workers"
	"github.com/tutu-network/taskvault/internal/domain"
	"github.com/tutu-network/taskvault/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type vault struct {
	treasury *treasury.Service
	tasks    *tasks.Registry
}

func newTestVault(t *testing.T) vault {
	t.Helper()
	auth := domain.NewRoleTable(map[domain.Principal][]domain.Role{
		tasks.DefaultIdentity: {domain.RoleTaskRegistry},
		"coordinator":         {domain.RoleCoordinator},
	})
	tr := treasury.New(treasury.Config{
		Rules:          domain.TreasuryRules{MaxSpendPerTask: 10, MaxSpendPerDay: 100, MinTaskValue: 1},
		InitialBalance: 50,
	}, auth)
	wr := workers.New(workers.DefaultConfig(), auth)
	_ = wr.Register("alice", []domain.Category{domain.CatOther})
	reg := tasks.New(auth, tr, wr)

	id, err := reg.Create("creator", tasks.CreateRequest{
		Category: domain.CatOther, MaxPayment: 10, Deadline: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.ProposeAssignment("coordinator", id, "alice", 8); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	return vault{treasury: tr, tasks: reg}
}

func statusOf(t *testing.T, c *Checker, name string) Status {
	t.Helper()
	for _, s := range c.Statuses() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("check %q not found", name)
	return Status{}
}

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker_SkipsNilDeps(t *testing.T) {
	c := NewChecker(Deps{Log: zerolog.Nop()})
	if len(c.checks) != 0 {
		t.Errorf("checks = %d, want 0", len(c.checks))
	}
	if c.interval != 60*time.Second {
		t.Errorf("interval = %v, want 60s", c.interval)
	}
}

func TestChecker_RunAllHealthy(t *testing.T) {
	v := newTestVault(t)
	c := NewChecker(Deps{
		DB:      newTestDB(t),
		Ledger:  v.treasury,
		Tasks:   v.tasks,
		DataDir: t.TempDir(),
	})

	statuses := c.RunOnce(context.Background())
	if len(statuses) != 4 {
		t.Fatalf("Statuses() = %d, want 4", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(Deps{DB: newTestDB(t)})
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

type driftedLedger struct {
	*treasury.Service
}

func (d driftedLedger) Reservations() []domain.Reservation {
	return []domain.Reservation{{TaskID: 1, Amount: 9}}
}

func TestChecker_ReservationDrift(t *testing.T) {
	v := newTestVault(t)
	c := NewChecker(Deps{Ledger: driftedLedger{v.treasury}, Tasks: v.tasks})
	c.runAll(context.Background())

	if s := statusOf(t, c, "ledger_conservation"); !s.Healthy {
		t.Errorf("conservation should pass: %s", s.Error)
	}
	if s := statusOf(t, c, "reservation_agreement"); s.Healthy {
		t.Error("reservation_agreement should fail on amount drift")
	}
	if c.IsHealthy() {
		t.Error("IsHealthy() should be false")
	}
}

func TestChecker_DataDirRecovers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	c := NewChecker(Deps{DataDir: dir})

	c.runAll(context.Background())
	if statusOf(t, c, "data_dir").Healthy {
		t.Fatal("missing data dir should fail")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("recovery should create %s: %v", dir, err)
	}
	c.runAll(context.Background())
	if !statusOf(t, c, "data_dir").Healthy {
		t.Error("data_dir should pass after recovery")
	}
}

func TestChecker_DataDirIsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	c := NewChecker(Deps{DataDir: path})
	c.runAll(context.Background())
	if statusOf(t, c, "data_dir").Healthy {
		t.Error("data_dir should fail when path is a file")
	}
}

func TestChecker_FailingCheck(t *testing.T) {
	recovered := false
	c := &Checker{
		log: zerolog.Nop(),
		checks: []Check{
			{
				Name:      "always_fail",
				CheckFn:   func(ctx context.Context) error { return errors.New("boom") },
				RecoverFn: func(ctx context.Context) error { recovered = true; return nil },
			},
		},
	}
	c.runAll(context.Background())

	statuses := c.Statuses()
	if statuses[0].Healthy || statuses[0].Error != "boom" {
		t.Errorf("status = %+v", statuses[0])
	}
	if !recovered {
		t.Error("RecoverFn not called")
	}
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	c := NewChecker(Deps{DB: newTestDB(t), Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(c.Statuses()) != 1 {
		t.Errorf("statuses = %d, want 1", len(c.Statuses()))
	}
}
