package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"text/tabwriter"
	"time"

	"github.com/tutu-network/taskvault/internal/app/tasks"
	"github.com/tutu-network/taskvault/internal/daemon"
	"github.com/tutu-network/taskvault/internal/domain"
	"github.com/tutu-network/taskvault/internal/security"
)

// runCLI executes the root command with args and returns its output. Flag
// variables are reset first since cobra keeps them between runs.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	outputFormat = "table"
	taskStatus, taskWorker, taskCreator, taskLimit = "", "", "", 0
	workerCategory, workerActive = "", false
	auditTask, auditKind, auditActor, auditAfter, auditLimit = 0, "", "", 0, 50
	configForce = false

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// newTestHome seeds a vault under a fresh TASKVAULT_HOME: 10000 deposited,
// task 1 completed by alice for 600, task 2 open.
func newTestHome(t *testing.T) {
	t.Helper()
	t.Setenv("TASKVAULT_HOME", t.TempDir())

	cfg := daemon.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Treasury.InitialDeposit = 10_000
	cfg.Roles = map[string][]string{"coord": {"coordinator"}}
	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}

	if err := d.Workers.Register("alice", []domain.Category{domain.CatResearch}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var ids []uint64
	for i := 0; i < 2; i++ {
		id, err := d.Tasks.Create("carol", tasks.CreateRequest{
			Category:   domain.CatResearch,
			MaxPayment: 1_000,
			Deadline:   time.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}
	if err := d.Tasks.ProposeAssignment("coord", ids[0], "alice", 600); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := d.Tasks.VerifyAndComplete("coord", ids[0], true); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	d.Close()
}

func TestStatus(t *testing.T) {
	newTestHome(t)

	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"Balance:", "9400", "COMPLETED=1", "CREATED=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "status", "-o", "json")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var v statusView
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if v.Balance != 9_400 || v.Payouts["alice"] != 600 {
		t.Errorf("status = %+v, want balance 9400 and alice paid 600", v)
	}
}

func TestStatus_NoState(t *testing.T) {
	t.Setenv("TASKVAULT_HOME", t.TempDir())
	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "No saved state") {
		t.Errorf("output = %q, want no-state message", out)
	}
}

func TestTasks(t *testing.T) {
	newTestHome(t)

	out, err := runCLI(t, "tasks", "--status", "completed")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if !strings.Contains(out, "COMPLETED") || strings.Contains(out, "CREATED") {
		t.Errorf("filtered output:\n%s", out)
	}

	out, err = runCLI(t, "tasks", "-o", "yaml")
	if err != nil {
		t.Fatalf("tasks yaml: %v", err)
	}
	if !strings.Contains(out, "max_payment: 1000") {
		t.Errorf("yaml output missing max_payment:\n%s", out)
	}

	if _, err := runCLI(t, "tasks", "--status", "bogus"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestTaskShow(t *testing.T) {
	newTestHome(t)

	out, err := runCLI(t, "tasks", "show", "1")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "alice") || !strings.Contains(out, "600 (max 1000)") {
		t.Errorf("show output:\n%s", out)
	}

	if _, err := runCLI(t, "tasks", "show", "99"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("show 99 = %v, want ErrTaskNotFound", err)
	}
	if _, err := runCLI(t, "tasks", "show", "x"); err == nil {
		t.Error("expected error for invalid id")
	}
}

func TestWorkers(t *testing.T) {
	newTestHome(t)

	out, err := runCLI(t, "workers", "--category", "research")
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if !strings.Contains(out, "alice") || !strings.Contains(out, "100%") {
		t.Errorf("workers output:\n%s", out)
	}

	out, err = runCLI(t, "workers", "--category", "computation")
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	if !strings.Contains(out, "No workers.") {
		t.Errorf("output = %q, want none", out)
	}
}

func TestAudit(t *testing.T) {
	newTestHome(t)

	out, err := runCLI(t, "audit", "--task", "1", "-o", "json")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	var events []domain.Event
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(events) == 0 {
		t.Fatal("no events for task 1")
	}
	for _, e := range events {
		if e.TaskID != 1 {
			t.Errorf("event %d has task %d, want 1", e.Seq, e.TaskID)
		}
	}

	out, err = runCLI(t, "audit", "--kind", string(domain.EventReleased))
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !strings.Contains(out, "ledger.released") {
		t.Errorf("audit output:\n%s", out)
	}
}

func TestVerifyJournal(t *testing.T) {
	newTestHome(t)

	out, err := runCLI(t, "verify-journal", "-o", "json")
	if err != nil {
		t.Fatalf("verify-journal: %v", err)
	}
	var v verifyView
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if !v.Valid || v.Report.Entries == 0 || v.Attestation == nil {
		t.Fatalf("verify = %+v", v)
	}
	if err := security.VerifyAttestation(*v.Attestation); err != nil {
		t.Errorf("VerifyAttestation: %v", err)
	}
}

func TestConfigInit(t *testing.T) {
	t.Setenv("TASKVAULT_HOME", t.TempDir())

	if _, err := runCLI(t, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := runCLI(t, "config", "init"); err == nil {
		t.Error("second init without --force should fail")
	}
	if _, err := runCLI(t, "config", "init", "--force"); err != nil {
		t.Errorf("init --force: %v", err)
	}
	out, err := runCLI(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "[treasury]") {
		t.Errorf("config show output:\n%s", out)
	}
}

func TestRender_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := render(&buf, "xml", 1, func(*tabwriter.Writer) {})
	if err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestJSONShape_KeepsIntegers(t *testing.T) {
	v, err := jsonShape(map[string]int64{"big": 12_000_000})
	if err != nil {
		t.Fatalf("jsonShape: %v", err)
	}
	if got := v.(map[string]any)["big"]; got != int64(12_000_000) {
		t.Errorf("big = %#v, want int64 12000000", got)
	}
}
