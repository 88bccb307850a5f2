package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Wyydra/duocall/internal/adapter/driven/persistence"
	"github.com/Wyydra/duocall/internal/core/domain"
	_ "modernc.org/sqlite"
)

// CallRepository is the durable call history and user directory.
type CallRepository struct {
	*persistence.Feed

	db  *sql.DB
	mu  sync.Mutex // serializes writers
	now func() time.Time
}

func Open(path string) (*CallRepository, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_history (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT NOT NULL UNIQUE,
			caller_id        TEXT NOT NULL,
			receiver_id      TEXT NOT NULL,
			call_type        TEXT NOT NULL CHECK (call_type IN ('voice', 'video')),
			status           TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_call_history_pair ON call_history (caller_id, receiver_id, seq);
		CREATE INDEX IF NOT EXISTS idx_call_history_receiver ON call_history (receiver_id, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_history: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users: %w", err)
	}

	return &CallRepository{
		Feed: persistence.NewFeed(),
		db:   db,
		now:  time.Now,
	}, nil
}

func (r *CallRepository) Close() error {
	return r.db.Close()
}

// SeedUsers upserts directory entries.
func (r *CallRepository) SeedUsers(ctx context.Context, users map[domain.UserID]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, name := range users {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO users (id, display_name) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name
		`, id.String(), name); err != nil {
			return fmt.Errorf("seed user %s: %w", id, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (domain.CallRecord, error) {
	var (
		rec     domain.CallRecord
		id      string
		created string
	)
	if err := s.Scan(&id, &rec.CallerID, &rec.ReceiverID, &rec.Kind, &rec.Status, &rec.DurationSeconds, &created); err != nil {
		return domain.CallRecord{}, err
	}
	callID, err := domain.ParseCallID(id)
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("bad record id %q: %w", id, err)
	}
	rec.ID = callID
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("bad created_at %q: %w", created, err)
	}
	return rec, nil
}

const recordColumns = `id, caller_id, receiver_id, call_type, status, duration_seconds, created_at`

// Insert adds a ringing record and closes any open record of the same pair
// in the same transaction.
func (r *CallRepository) Insert(ctx context.Context, caller, receiver domain.UserID, kind domain.CallKind) (domain.CallRecord, error) {
	rec, err := domain.NewCallRecord(caller, receiver, kind, r.now())
	if err != nil {
		return domain.CallRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CallRecord{}, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM call_history
		WHERE caller_id = ? AND receiver_id = ? AND status IN ('ringing', 'active')
	`, caller.String(), receiver.String())
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("query open records: %w", err)
	}
	var open []domain.CallRecord
	for rows.Next() {
		old, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return domain.CallRecord{}, err
		}
		open = append(open, old)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.CallRecord{}, err
	}

	for i := range open {
		if err := open[i].Apply(persistence.Supersede(open[i].Status)); err != nil {
			return domain.CallRecord{}, err
		}
		if err := updateRow(ctx, tx, open[i]); err != nil {
			return domain.CallRecord{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO call_history (id, caller_id, receiver_id, call_type, status, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID.String(), rec.CallerID.String(), rec.ReceiverID.String(), string(rec.Kind), string(rec.Status),
		rec.DurationSeconds, rec.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return domain.CallRecord{}, fmt.Errorf("insert call record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.CallRecord{}, err
	}

	for _, old := range open {
		r.Publish(domain.RecordUpdated, old)
	}
	r.Publish(domain.RecordInserted, *rec)
	return *rec, nil
}

func updateRow(ctx context.Context, tx *sql.Tx, rec domain.CallRecord) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE call_history SET status = ?, duration_seconds = ? WHERE id = ?
	`, string(rec.Status), rec.DurationSeconds, rec.ID.String())
	if err != nil {
		return fmt.Errorf("update call record: %w", err)
	}
	return nil
}

// UpdateLatest patches the newest record of the pair.
func (r *CallRepository) UpdateLatest(ctx context.Context, f domain.RecordFilter, p domain.RecordPatch) (domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CallRecord{}, err
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM call_history
		WHERE caller_id = ? AND receiver_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, f.CallerID.String(), f.ReceiverID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CallRecord{}, fmt.Errorf("%w: %s -> %s", domain.ErrRecordNotFound, f.CallerID, f.ReceiverID)
	}
	if err != nil {
		return domain.CallRecord{}, err
	}

	if err := rec.Apply(p); err != nil {
		return domain.CallRecord{}, err
	}
	if err := updateRow(ctx, tx, rec); err != nil {
		return domain.CallRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CallRecord{}, err
	}

	r.Publish(domain.RecordUpdated, rec)
	return rec, nil
}

func (r *CallRepository) List(ctx context.Context, user domain.UserID, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM call_history
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, user.String(), user.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	var out []domain.CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *CallRepository) Lookup(ctx context.Context, id domain.UserID) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT display_name FROM users WHERE id = ?`, id.String()).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	if err != nil {
		return "", err
	}
	return name, nil
}
