package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"pocketSettle/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT    NOT NULL,
	pocket_id  TEXT    NOT NULL,
	claim_id   TEXT    NOT NULL DEFAULT '',
	identity   TEXT    NOT NULL DEFAULT '',
	account_id TEXT    NOT NULL DEFAULT '',
	amount     TEXT    NOT NULL DEFAULT '',
	ledger_id  TEXT    NOT NULL DEFAULT '',
	score      INTEGER NOT NULL DEFAULT 0,
	action     TEXT    NOT NULL DEFAULT '',
	signals    TEXT    NOT NULL DEFAULT '[]',
	reason     TEXT    NOT NULL DEFAULT '',
	at         TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_pocket_idx ON audit_events (pocket_id, at);
`

const insertEvent = `INSERT INTO audit_events
	(kind, pocket_id, claim_id, identity, account_id, amount, ledger_id, score, action, signals, reason, at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteRecorder stores audit events in a local SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	r := NewSQLiteRecorder(db)
	if err := r.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewSQLiteRecorder wraps an already open database.
func NewSQLiteRecorder(db *sql.DB) *SQLiteRecorder {
	return &SQLiteRecorder{db: db}
}

func (r *SQLiteRecorder) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate audit db: %w", err)
	}
	return nil
}

func (r *SQLiteRecorder) Record(ctx context.Context, e Event) error {
	signals, err := json.Marshal(e.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	if e.Signals == nil {
		signals = []byte("[]")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err = r.db.ExecContext(ctx, insertEvent,
		string(e.Kind),
		e.PocketID,
		e.ClaimID,
		e.Identity,
		e.AccountID,
		e.Amount,
		e.LedgerID,
		e.Score,
		string(e.Action),
		string(signals),
		e.Reason,
		e.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ByPocket returns the events recorded for a pocket, oldest first.
func (r *SQLiteRecorder) ByPocket(ctx context.Context, pocketID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT kind, pocket_id, claim_id, identity, account_id, amount,
		ledger_id, score, action, signals, reason, at FROM audit_events WHERE pocket_id = ? ORDER BY id`, pocketID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e              Event
			kind, action   string
			signals, stamp string
		)
		if err := rows.Scan(&kind, &e.PocketID, &e.ClaimID, &e.Identity, &e.AccountID, &e.Amount,
			&e.LedgerID, &e.Score, &action, &signals, &e.Reason, &stamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Kind = Kind(kind)
		e.Action = model.RiskAction(action)
		if err := json.Unmarshal([]byte(signals), &e.Signals); err != nil {
			return nil, fmt.Errorf("decode signals: %w", err)
		}
		if e.At, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
			return nil, fmt.Errorf("parse audit time: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
