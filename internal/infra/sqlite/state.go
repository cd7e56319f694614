package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tutu-network/taskvault/internal/domain"
)

// ErrStateInconsistent is returned by CheckState when the stored state
// violates a ledger invariant.
var ErrStateInconsistent = errors.New("stored state inconsistent")

const stateSeqKey = "state_seq"

// State is a full snapshot of the vault.
type State struct {
	Ledger     domain.LedgerState
	HasLedger  bool // false until the first ledger event is stored
	Tasks      []domain.Task
	Workers    []domain.Worker
	SavedAt    time.Time
	JournalSeq int64 // journal head the tables reflect
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ─── Write-through ──────────────────────────────────────────────────────────

// applyEvent folds the state carried by e into the tables.
func applyEvent(ctx context.Context, tx execer, e domain.Event) error {
	if e.Task != nil {
		if err := putTask(ctx, tx, *e.Task); err != nil {
			return err
		}
	}
	if e.WorkerState != nil {
		if err := putWorker(ctx, tx, *e.WorkerState); err != nil {
			return err
		}
	}
	if e.Ledger != nil {
		if err := putLedger(ctx, tx, *e.Ledger, e.Time); err != nil {
			return err
		}
	}

	switch e.Kind {
	case domain.EventReserved:
		if e.Reservation != nil {
			if err := putReservation(ctx, tx, *e.Reservation); err != nil {
				return err
			}
		}
	case domain.EventReleased, domain.EventUnlocked:
		if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE task_id = ?`, int64(e.TaskID)); err != nil {
			return fmt.Errorf("clear reservation %d: %w", e.TaskID, err)
		}
		if e.Kind == domain.EventReleased {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO payouts (recipient, amount) VALUES (?, ?)
				 ON CONFLICT(recipient) DO UPDATE SET amount = amount + excluded.amount`,
				string(e.Worker), e.Amount)
			if err != nil {
				return fmt.Errorf("add payout %s: %w", e.Worker, err)
			}
		}
	}
	return nil
}

func setStateSeq(ctx context.Context, tx execer, seq int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO node_info (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		stateSeqKey, strconv.FormatInt(seq, 10))
	if err != nil {
		return fmt.Errorf("save state seq: %w", err)
	}
	return nil
}

func putLedger(ctx context.Context, tx execer, l domain.LedgerTotals, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (id, total_balance, total_reserved, daily_spent, last_reset,
			max_spend_per_task, max_spend_per_day, min_task_value, rule_cooldown_ns,
			rules_changed_at, saved_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			total_balance=excluded.total_balance,
			total_reserved=excluded.total_reserved,
			daily_spent=excluded.daily_spent,
			last_reset=excluded.last_reset,
			max_spend_per_task=excluded.max_spend_per_task,
			max_spend_per_day=excluded.max_spend_per_day,
			min_task_value=excluded.min_task_value,
			rule_cooldown_ns=excluded.rule_cooldown_ns,
			rules_changed_at=excluded.rules_changed_at,
			saved_at=excluded.saved_at`,
		l.TotalBalance, l.TotalReserved, l.DailySpent, unixNano(l.LastReset),
		l.Rules.MaxSpendPerTask, l.Rules.MaxSpendPerDay, l.Rules.MinTaskValue, int64(l.Rules.RuleCooldown),
		nullableUnix(l.RulesChangedAt), unixNano(at),
	)
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

func putReservation(ctx context.Context, tx execer, r domain.Reservation) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO reservations (task_id, amount, reserved_at) VALUES (?, ?, ?)`,
		int64(r.TaskID), r.Amount, unixNano(r.ReservedAt))
	if err != nil {
		return fmt.Errorf("save reservation %d: %w", r.TaskID, err)
	}
	return nil
}

func putTask(ctx context.Context, tx execer, t domain.Task) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO tasks (id, category, status, creator, assigned_worker, max_payment, actual_payment,
			deadline, created_at, completed_at, description_ref, result_ref, verification_rule)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(t.ID), string(t.Category), string(t.Status), string(t.Creator), nullStr(string(t.AssignedWorker)),
		t.MaxPayment, t.ActualPayment, unixNano(t.Deadline), unixNano(t.CreatedAt), nullableUnix(t.CompletedAt),
		t.DescriptionRef, t.ResultRef, t.VerificationRule)
	if err != nil {
		return fmt.Errorf("save task %d: %w", t.ID, err)
	}
	return nil
}

func putWorker(ctx context.Context, tx execer, w domain.Worker) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO workers (id, active, suspended, registered_at, total_tasks, successful_tasks,
			total_earnings, last_activity_at, reliability, categories)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(w.ID), w.Active, w.Suspended, unixNano(w.RegisteredAt), w.TotalTasks, w.SuccessfulTasks,
		w.TotalEarnings, nullableUnix(w.LastActivityAt), w.Reliability, joinCategories(w.Categories))
	if err != nil {
		return fmt.Errorf("save worker %s: %w", w.ID, err)
	}
	return nil
}

// ─── Checkpoint ─────────────────────────────────────────────────────────────

// SaveState replaces the stored tables with st in one transaction. It is
// only correct when st reflects exactly the journal head st.JournalSeq.
func (d *DB) SaveState(ctx context.Context, st State) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"reservations", "payouts", "tasks", "workers"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	l := st.Ledger
	err = putLedger(ctx, tx, domain.LedgerTotals{
		TotalBalance:   l.TotalBalance,
		TotalReserved:  l.TotalReserved,
		DailySpent:     l.DailySpent,
		LastReset:      l.LastReset,
		Rules:          l.Rules,
		RulesChangedAt: l.RulesChangedAt,
	}, st.SavedAt)
	if err != nil {
		return err
	}
	for _, r := range l.Reservations {
		if err := putReservation(ctx, tx, r); err != nil {
			return err
		}
	}
	for who, amt := range l.Payouts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payouts (recipient, amount) VALUES (?, ?)`, string(who), amt); err != nil {
			return fmt.Errorf("save payout %s: %w", who, err)
		}
	}
	for _, t := range st.Tasks {
		if err := putTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, w := range st.Workers {
		if err := putWorker(ctx, tx, w); err != nil {
			return err
		}
	}
	if err := setStateSeq(ctx, tx, st.JournalSeq); err != nil {
		return err
	}
	return tx.Commit()
}

// ─── Load ───────────────────────────────────────────────────────────────────

// LoadState reads the stored tables. found is false when nothing has been
// stored yet.
func (d *DB) LoadState(ctx context.Context) (st State, found bool, err error) {
	if st.JournalSeq, err = d.stateSeq(ctx); err != nil {
		return State{}, false, err
	}

	var (
		lastReset, savedAt, cooldown int64
		rulesChanged                 sql.NullInt64
	)
	l := &st.Ledger
	err = d.db.QueryRowContext(ctx,
		`SELECT total_balance, total_reserved, daily_spent, last_reset, max_spend_per_task,
			max_spend_per_day, min_task_value, rule_cooldown_ns, rules_changed_at, saved_at
		 FROM ledger WHERE id = 1`,
	).Scan(&l.TotalBalance, &l.TotalReserved, &l.DailySpent, &lastReset, &l.Rules.MaxSpendPerTask,
		&l.Rules.MaxSpendPerDay, &l.Rules.MinTaskValue, &cooldown, &rulesChanged, &savedAt)
	switch {
	case err == sql.ErrNoRows:
		if st.JournalSeq == 0 {
			return State{}, false, nil
		}
		st.Ledger = domain.LedgerState{}
	case err != nil:
		return State{}, false, fmt.Errorf("load ledger: %w", err)
	default:
		st.HasLedger = true
		l.LastReset = fromUnix(lastReset)
		l.Rules.RuleCooldown = time.Duration(cooldown)
		l.RulesChangedAt = fromNullUnix(rulesChanged)
		st.SavedAt = fromUnix(savedAt)
	}

	if l.Reservations, err = d.loadReservations(ctx); err != nil {
		return State{}, false, err
	}
	if l.Payouts, err = d.loadPayouts(ctx); err != nil {
		return State{}, false, err
	}
	if st.Tasks, err = d.ListTasks(ctx, domain.TaskFilter{}); err != nil {
		return State{}, false, err
	}
	if st.Workers, err = d.ListWorkers(ctx); err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

// stateSeq returns the journal head the tables reflect, 0 if none.
func (d *DB) stateSeq(ctx context.Context) (int64, error) {
	var v string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM node_info WHERE key = ?`, stateSeqKey).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load state seq: %w", err)
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("state seq %q: %w", v, ErrStateInconsistent)
	}
	return seq, nil
}

func (d *DB) loadReservations(ctx context.Context) ([]domain.Reservation, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT task_id, amount, reserved_at FROM reservations ORDER BY task_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var (
			r      domain.Reservation
			id, at int64
		)
		if err := rows.Scan(&id, &r.Amount, &at); err != nil {
			return nil, err
		}
		r.TaskID = uint64(id)
		r.ReservedAt = fromUnix(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) loadPayouts(ctx context.Context) (map[domain.Principal]int64, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT recipient, amount FROM payouts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Principal]int64)
	for rows.Next() {
		var (
			who string
			amt int64
		)
		if err := rows.Scan(&who, &amt); err != nil {
			return nil, err
		}
		out[domain.Principal(who)] = amt
	}
	return out, rows.Err()
}

// ListTasks returns stored tasks matching f in ID order.
func (d *DB) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, category, status, creator, assigned_worker, max_payment, actual_payment,
			deadline, created_at, completed_at, description_ref, result_ref, verification_rule
		 FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if !f.Match(&t) {
			continue
		}
		tasks = append(tasks, t)
		if f.Limit > 0 && len(tasks) >= f.Limit {
			break
		}
	}
	return tasks, rows.Err()
}

func scanTask(s scanner) (domain.Task, error) {
	var (
		t                  domain.Task
		id, deadline, crAt int64
		worker             sql.NullString
		completedAt        sql.NullInt64
		category, status   string
		creator            string
	)
	err := s.Scan(&id, &category, &status, &creator, &worker, &t.MaxPayment, &t.ActualPayment,
		&deadline, &crAt, &completedAt, &t.DescriptionRef, &t.ResultRef, &t.VerificationRule)
	if err != nil {
		return t, err
	}
	t.ID = uint64(id)
	t.Category = domain.Category(category)
	t.Status = domain.TaskStatus(status)
	t.Creator = domain.Principal(creator)
	t.AssignedWorker = domain.Principal(worker.String)
	t.Deadline = fromUnix(deadline)
	t.CreatedAt = fromUnix(crAt)
	t.CompletedAt = fromNullUnix(completedAt)
	return t, nil
}

// ListWorkers returns stored workers in ID order.
func (d *DB) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, active, suspended, registered_at, total_tasks, successful_tasks,
			total_earnings, last_activity_at, reliability, categories
		 FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []domain.Worker
	for rows.Next() {
		var (
			w          domain.Worker
			id, cats   string
			registered int64
			lastActive sql.NullInt64
		)
		if err := rows.Scan(&id, &w.Active, &w.Suspended, &registered, &w.TotalTasks, &w.SuccessfulTasks,
			&w.TotalEarnings, &lastActive, &w.Reliability, &cats); err != nil {
			return nil, err
		}
		w.ID = domain.Principal(id)
		w.RegisteredAt = fromUnix(registered)
		w.LastActivityAt = fromNullUnix(lastActive)
		w.Categories = splitCategories(cats)
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func joinCategories(cats []domain.Category) string {
	s := make([]string, len(cats))
	for i, c := range cats {
		s[i] = string(c)
	}
	sort.Strings(s)
	return strings.Join(s, ",")
}

func splitCategories(s string) []domain.Category {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]domain.Category, len(parts))
	for i, p := range parts {
		out[i] = domain.Category(p)
	}
	return out
}

// ─── Consistency ────────────────────────────────────────────────────────────

// CheckState verifies the stored snapshot directly in SQL: reservations
// match funded tasks one to one, the reserved total matches the
// reservation table and never exceeds the balance.
func (d *DB) CheckState(ctx context.Context) error {
	holding := fmt.Sprintf("('%s', '%s')", domain.TaskAssigned, domain.TaskSubmitted)

	var id int64
	err := d.db.QueryRowContext(ctx,
		`SELECT t.id FROM tasks t LEFT JOIN reservations r ON r.task_id = t.id
		 WHERE t.status IN `+holding+` AND (r.task_id IS NULL OR r.amount != t.actual_payment)
		 ORDER BY t.id LIMIT 1`).Scan(&id)
	switch {
	case err == nil:
		return fmt.Errorf("task %d funded state disagrees with reservations: %w", id, ErrStateInconsistent)
	case err != sql.ErrNoRows:
		return err
	}

	err = d.db.QueryRowContext(ctx,
		`SELECT r.task_id FROM reservations r LEFT JOIN tasks t ON t.id = r.task_id
		 WHERE t.id IS NULL OR t.status NOT IN `+holding+`
		 ORDER BY r.task_id LIMIT 1`).Scan(&id)
	switch {
	case err == nil:
		return fmt.Errorf("reservation for task %d has no funded task: %w", id, ErrStateInconsistent)
	case err != sql.ErrNoRows:
		return err
	}

	var balance, reserved, sum int64
	err = d.db.QueryRowContext(ctx,
		`SELECT l.total_balance, l.total_reserved, COALESCE((SELECT SUM(amount) FROM reservations), 0)
		 FROM ledger l WHERE l.id = 1`).Scan(&balance, &reserved, &sum)
	if err == sql.ErrNoRows {
		var n int64
		if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reservations`).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%d reservations without a ledger row: %w", n, ErrStateInconsistent)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if reserved != sum {
		return fmt.Errorf("total_reserved %d != sum of reservations %d: %w", reserved, sum, ErrStateInconsistent)
	}
	if reserved > balance {
		return fmt.Errorf("reserved %d exceeds balance %d: %w", reserved, balance, ErrStateInconsistent)
	}
	return nil
}
