package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tutu-network/taskvault/internal/domain"
)

// GenesisHash is the prev_hash of the first journal entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrJournalOrder is returned when an event arrives with a sequence
	// number at or below the journal head.
	ErrJournalOrder = errors.New("journal sequence out of order")
	// ErrJournalTampered is returned by VerifyJournal when a row no longer
	// matches its hash or its predecessor.
	ErrJournalTampered = errors.New("journal integrity check failed")
)

// ─── Journal ────────────────────────────────────────────────────────────────

// entryHash chains payload onto prev.
func entryHash(prev string, seq int64, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%d\n", prev, seq)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// AppendEvent adds e to the journal. e.Seq must be greater than the
// current head.
func (d *DB) AppendEvent(ctx context.Context, e domain.Event) error {
	return d.AppendEvents(ctx, []domain.Event{e})
}

// AppendEvents journals events in order and applies the state each one
// carries to the stored tables, all in one transaction. After commit the
// tables describe the vault exactly as of the last appended event.
func (d *DB) AppendEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var headSeq int64
	prev := GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM journal ORDER BY seq DESC LIMIT 1`).Scan(&headSeq, &prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read journal head: %w", err)
	}

	for _, e := range events {
		if e.Seq <= headSeq {
			return fmt.Errorf("event seq %d, head %d: %w", e.Seq, headSeq, ErrJournalOrder)
		}
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", e.Seq, err)
		}

		var taskID sql.NullInt64
		if e.TaskID != 0 {
			taskID = sql.NullInt64{Int64: int64(e.TaskID), Valid: true}
		}
		hash := entryHash(prev, e.Seq, payload)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO journal (seq, id, kind, time, actor, task_id, worker, amount, payload, prev_hash, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Seq, e.ID, string(e.Kind), unixNano(e.Time), string(e.Actor), taskID,
			nullStr(string(e.Worker)), e.Amount, string(payload), prev, hash,
		)
		if err != nil {
			return fmt.Errorf("insert journal %d: %w", e.Seq, err)
		}
		if err := applyEvent(ctx, tx, e); err != nil {
			return fmt.Errorf("apply event %d: %w", e.Seq, err)
		}
		headSeq, prev = e.Seq, hash
	}

	if err := setStateSeq(ctx, tx, headSeq); err != nil {
		return err
	}
	return tx.Commit()
}

// LastSeq returns the journal head sequence, or 0 when empty.
func (d *DB) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := d.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM journal`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// EventFilter narrows an Events query. Zero fields match everything.
type EventFilter struct {
	TaskID   uint64
	Kind     domain.EventKind
	Actor    domain.Principal
	AfterSeq int64
	Limit    int
}

// Events returns journal entries matching f in sequence order.
func (d *DB) Events(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.TaskID != 0 {
		where = append(where, "task_id = ?")
		args = append(args, int64(f.TaskID))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, string(f.Actor))
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}

	q := `SELECT payload FROM journal`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e domain.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// JournalReport summarizes a successful verification.
type JournalReport struct {
	Entries int64  `json:"entries"`
	HeadSeq int64  `json:"head_seq"`
	Head    string `json:"head_hash"`
}

// VerifyJournal walks the whole journal recomputing every hash. Any edited,
// reordered or deleted row breaks the chain and yields ErrJournalTampered.
func (d *DB) VerifyJournal(ctx context.Context) (JournalReport, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT seq, payload, prev_hash, hash FROM journal ORDER BY seq`)
	if err != nil {
		return JournalReport{}, err
	}
	defer rows.Close()

	rep := JournalReport{Head: GenesisHash}
	for rows.Next() {
		var (
			seq              int64
			payload          string
			prevHash, stored string
		)
		if err := rows.Scan(&seq, &payload, &prevHash, &stored); err != nil {
			return rep, err
		}
		if prevHash != rep.Head {
			return rep, fmt.Errorf("seq %d: prev_hash does not match seq %d: %w", seq, rep.HeadSeq, ErrJournalTampered)
		}
		if got := entryHash(prevHash, seq, []byte(payload)); got != stored {
			return rep, fmt.Errorf("seq %d: content hash mismatch: %w", seq, ErrJournalTampered)
		}
		var e domain.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil || e.Seq != seq {
			return rep, fmt.Errorf("seq %d: payload does not match row: %w", seq, ErrJournalTampered)
		}
		rep.Entries++
		rep.HeadSeq = seq
		rep.Head = stored
	}
	return rep, rows.Err()
}

// ─── Sink ───────────────────────────────────────────────────────────────────

// JournalSink appends dispatched events to the journal. Each delivery
// batch is one transaction, so the stored state never lands between two
// events of the same operation.
type JournalSink struct {
	db *DB
}

// NewJournalSink wraps db.
func NewJournalSink(db *DB) *JournalSink { return &JournalSink{db: db} }

func (s *JournalSink) Name() string { return "journal" }

func (s *JournalSink) Handle(ctx context.Context, e domain.Event) error {
	return s.db.AppendEvent(ctx, e)
}

func (s *JournalSink) HandleBatch(ctx context.Context, batch []domain.Event) error {
	return s.db.AppendEvents(ctx, batch)
}
