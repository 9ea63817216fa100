// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

// DB matches the pgxpool.Pool methods the stores call; pgxmock's pool
// interface implements it too.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TaskStore implements linkcheck.TaskStore using Postgres. Status
// transitions rely on conditional UPDATEs and the processed counter on an
// additive UPDATE ... RETURNING, so concurrent workers never lose writes.
type TaskStore struct {
	db DB
}

// NewTaskStore wraps an existing pool.
func NewTaskStore(db DB) *TaskStore {
	return &TaskStore{db: db}
}

// Connect opens a pgx pool for dsn and returns a TaskStore over it.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return pool, nil
}

// CreateTask inserts a new task row.
func (s *TaskStore) CreateTask(ctx context.Context, task linkcheck.Task) error {
	query := `
		INSERT INTO tasks (id, project_id, owner_id, source, status,
			total_links, processed_links, progress_percent, eta_seconds,
			error_text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
	`
	_, err := s.db.Exec(ctx, query,
		task.ID, task.ProjectID, task.OwnerID, task.Source, task.Status,
		task.TotalLinks, task.ProcessedLinks, task.ProgressPercent,
		task.EstimatedRemaining, task.ErrorText, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches one task row.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (linkcheck.Task, error) {
	query := `
		SELECT id, project_id, owner_id, source, status, total_links,
			processed_links, progress_percent, eta_seconds, error_text,
			created_at, updated_at
		FROM tasks
		WHERE id = $1;
	`
	var task linkcheck.Task
	err := s.db.QueryRow(ctx, query, taskID).Scan(
		&task.ID, &task.ProjectID, &task.OwnerID, &task.Source, &task.Status,
		&task.TotalLinks, &task.ProcessedLinks, &task.ProgressPercent,
		&task.EstimatedRemaining, &task.ErrorText,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return linkcheck.Task{}, linkcheck.ErrTaskNotFound
		}
		return linkcheck.Task{}, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// UpdateTaskStatus applies from->to guarded by the current status. The number
// of affected rows decides the CAS result.
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, taskID string, from, to linkcheck.TaskStatus, errText string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, error_text = $2, updated_at = now()
		WHERE id = $3 AND status = $4;
	`
	tag, err := s.db.Exec(ctx, query, to, errText, taskID, from)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementProcessed bumps processed_links atomically and returns the fresh
// counters. LEAST keeps the counter from passing total under duplicate acks.
func (s *TaskStore) IncrementProcessed(ctx context.Context, taskID string) (int64, int64, error) {
	query := `
		UPDATE tasks
		SET processed_links = LEAST(processed_links + 1, total_links),
			updated_at = now()
		WHERE id = $1
		RETURNING processed_links, total_links;
	`
	var processed, total int64
	err := s.db.QueryRow(ctx, query, taskID).Scan(&processed, &total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, linkcheck.ErrTaskNotFound
		}
		return 0, 0, fmt.Errorf("increment processed: %w", err)
	}
	return processed, total, nil
}

// UpdateProgress persists the derived read-model fields.
func (s *TaskStore) UpdateProgress(ctx context.Context, taskID string, percent float64, etaSeconds int64) error {
	query := `
		UPDATE tasks
		SET progress_percent = $1, eta_seconds = $2, updated_at = now()
		WHERE id = $3;
	`
	tag, err := s.db.Exec(ctx, query, percent, etaSeconds, taskID)
	if err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return linkcheck.ErrTaskNotFound
	}
	return nil
}
