package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/infra/storage"
)

// TaskRepo implements storage.TaskRepository using PostgreSQL.
type TaskRepo struct {
	db *DB
}

// NewTaskRepo creates a new PostgreSQL task repository.
func NewTaskRepo(db *DB) *TaskRepo {
	return &TaskRepo{db: db}
}

const upsertTaskQuery = `
	INSERT INTO tasks (
		id, kind, status, priority, input, result, degraded, error,
		retries, max_retries, created_at, started_at, completed_at, updated_at
	) VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, NOW())
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		result = EXCLUDED.result,
		degraded = EXCLUDED.degraded,
		error = EXCLUDED.error,
		retries = EXCLUDED.retries,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		updated_at = NOW()
`

func upsertArgs(rec *domain.TaskRecord) []any {
	input := "{}"
	if len(rec.Input) > 0 {
		input = string(rec.Input)
	}
	var result sql.NullString
	if len(rec.Result) > 0 {
		result = sql.NullString{String: string(rec.Result), Valid: true}
	}
	return []any{
		rec.ID, string(rec.Kind), string(rec.Status), rec.Priority,
		input, result, rec.Degraded, rec.Error,
		rec.Retries, rec.MaxRetries, rec.CreatedAt, rec.StartedAt, rec.CompletedAt,
	}
}

// Save inserts or updates a task record.
func (r *TaskRepo) Save(ctx context.Context, rec *domain.TaskRecord) error {
	if _, err := r.db.ExecContext(ctx, upsertTaskQuery, upsertArgs(rec)...); err != nil {
		return fmt.Errorf("failed to save task %s: %w", rec.ID, err)
	}
	return nil
}

// SaveBatch saves multiple records in one transaction.
func (r *TaskRepo) SaveBatch(ctx context.Context, recs []*domain.TaskRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertTaskQuery)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, upsertArgs(rec)...); err != nil {
			return fmt.Errorf("failed to save task %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

type taskRow struct {
	ID          string         `db:"id"`
	Kind        string         `db:"kind"`
	Status      string         `db:"status"`
	Priority    int            `db:"priority"`
	Input       string         `db:"input"`
	Result      sql.NullString `db:"result"`
	Degraded    bool           `db:"degraded"`
	Error       string         `db:"error"`
	Retries     int            `db:"retries"`
	MaxRetries  int            `db:"max_retries"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (t *taskRow) toDomain() *domain.TaskRecord {
	rec := &domain.TaskRecord{
		ID:         t.ID,
		Kind:       domain.Kind(t.Kind),
		Status:     domain.TaskStatus(t.Status),
		Priority:   t.Priority,
		Input:      json.RawMessage(t.Input),
		Degraded:   t.Degraded,
		Error:      t.Error,
		Retries:    t.Retries,
		MaxRetries: t.MaxRetries,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
	if t.Result.Valid {
		rec.Result = json.RawMessage(t.Result.String)
	}
	if t.StartedAt.Valid {
		started := t.StartedAt.Time
		rec.StartedAt = &started
	}
	if t.CompletedAt.Valid {
		completed := t.CompletedAt.Time
		rec.CompletedAt = &completed
	}
	return rec
}

const selectTaskColumns = `
	SELECT id, kind, status, priority, input::text AS input, result::text AS result,
		degraded, error, retries, max_retries, created_at, started_at, completed_at, updated_at
	FROM tasks
`

// Get retrieves a task record by id.
func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	var row taskRow
	err := r.db.GetContext(ctx, &row, selectTaskColumns+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toDomain(), nil
}

// List retrieves task records, newest first.
func (r *TaskRepo) List(ctx context.Context, filter storage.ListFilter) ([]*domain.TaskRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := selectTaskColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []taskRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	out := make([]*domain.TaskRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// CountByStatus returns record counts keyed by status.
func (r *TaskRepo) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	query := `SELECT status, COUNT(*) AS count FROM tasks GROUP BY status`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	counts := make(map[domain.TaskStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.TaskStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// Close closes the database connection.
func (r *TaskRepo) Close() error {
	return r.db.Close()
}
