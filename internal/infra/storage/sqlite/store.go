// Package sqlite persists task records in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/infra/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 5,
	input        TEXT NOT NULL DEFAULT '{}',
	result       TEXT,
	degraded     INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	retries      INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	started_at   DATETIME,
	completed_at DATETIME,
	updated_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
`

const columns = `id, kind, status, priority, input, result, degraded, error,
	retries, max_retries, created_at, started_at, completed_at, updated_at`

const upsertQuery = `
	INSERT INTO tasks (` + columns + `)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET
		status=excluded.status, result=excluded.result, degraded=excluded.degraded,
		error=excluded.error, retries=excluded.retries, started_at=excluded.started_at,
		completed_at=excluded.completed_at, updated_at=excluded.updated_at`

// Store implements storage.TaskRepository on SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at dbPath and ensures the
// tasks table exists. The caller is responsible for calling Close.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func upsertArgs(rec *domain.TaskRecord) []any {
	input := "{}"
	if len(rec.Input) > 0 {
		input = string(rec.Input)
	}
	var result any
	if len(rec.Result) > 0 {
		result = string(rec.Result)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return []any{
		rec.ID, string(rec.Kind), string(rec.Status), rec.Priority,
		input, result, rec.Degraded, rec.Error,
		rec.Retries, rec.MaxRetries,
		rec.CreatedAt.UTC(), nullTime(rec.StartedAt), nullTime(rec.CompletedAt), updated.UTC(),
	}
}

// Save inserts or updates a record.
func (s *Store) Save(ctx context.Context, rec *domain.TaskRecord) error {
	if _, err := s.db.ExecContext(ctx, upsertQuery, upsertArgs(rec)...); err != nil {
		return fmt.Errorf("save task %s: %w", rec.ID, err)
	}
	return nil
}

// SaveBatch saves records in one transaction.
func (s *Store) SaveBatch(ctx context.Context, recs []*domain.TaskRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, upsertQuery, upsertArgs(rec)...); err != nil {
			return fmt.Errorf("save task %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTaskNotFound
	}
	return rec, err
}

// List returns records matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter storage.ListFilter) ([]*domain.TaskRecord, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + columns + " FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Kind != "" {
		q.WriteString(" AND kind=?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		q.WriteString(" AND status=?")
		args = append(args, string(filter.Status))
	}
	q.WriteString(" ORDER BY created_at DESC, id ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var recs []*domain.TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountByStatus returns record counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	var kind, status, input string
	var result sql.NullString
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&rec.ID, &kind, &status, &rec.Priority,
		&input, &result, &rec.Degraded, &rec.Error,
		&rec.Retries, &rec.MaxRetries,
		&rec.CreatedAt, &startedAt, &completedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = domain.Kind(kind)
	rec.Status = domain.TaskStatus(status)
	rec.Input = json.RawMessage(input)
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return &rec, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
