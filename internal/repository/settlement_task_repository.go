package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

// SettlementTaskRepository persists asynchronous settlement tasks.
type SettlementTaskRepository struct {
	db *sqlx.DB
}

// NewSettlementTaskRepository constructs the repository.
func NewSettlementTaskRepository(db *sqlx.DB) *SettlementTaskRepository {
	return &SettlementTaskRepository{db: db}
}

const selectSettlementTask = `SELECT id, project_id, stage_id, operator_id, operator_email, operator_role, force, status, settlement_id, error_code, error_message, note, created_at, started_at, finished_at
	FROM settlement_tasks`

// Create inserts a pending task.
func (r *SettlementTaskRepository) Create(ctx context.Context, task *models.SettlementTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = models.SettlementTaskPending
	}
	const query = `INSERT INTO settlement_tasks (id, project_id, stage_id, operator_id, operator_email, operator_role, force, status, created_at)
		VALUES (:id, :project_id, :stage_id, :operator_id, :operator_email, :operator_role, :force, :status, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, task); err != nil {
		return fmt.Errorf("create settlement task: %w", err)
	}
	return nil
}

// GetByID fetches a task.
func (r *SettlementTaskRepository) GetByID(ctx context.Context, id string) (*models.SettlementTask, error) {
	query := selectSettlementTask + ` WHERE id = $1`
	var task models.SettlementTask
	if err := r.db.GetContext(ctx, &task, query, id); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListPending returns tasks still waiting for a worker, oldest first.
func (r *SettlementTaskRepository) ListPending(ctx context.Context, limit int) ([]models.SettlementTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectSettlementTask + ` WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`
	var tasks []models.SettlementTask
	if err := r.db.SelectContext(ctx, &tasks, query, limit); err != nil {
		return nil, fmt.Errorf("list pending settlement tasks: %w", err)
	}
	return tasks, nil
}

// MarkProcessing moves a pending task to processing. It returns sql.ErrNoRows
// when another worker already claimed the task.
func (r *SettlementTaskRepository) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE settlement_tasks SET status = 'processing', started_at = $2 WHERE id = $1 AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark settlement task processing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark settlement task processing rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Requeue returns a processing task to pending so a retry can claim it again.
func (r *SettlementTaskRepository) Requeue(ctx context.Context, id string) error {
	const query = `UPDATE settlement_tasks SET status = 'pending', started_at = NULL WHERE id = $1 AND status = 'processing'`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("requeue settlement task: %w", err)
	}
	return nil
}

// MarkCompleted records the settlement produced by a task.
func (r *SettlementTaskRepository) MarkCompleted(ctx context.Context, id, settlementID string, at time.Time) error {
	const query = `UPDATE settlement_tasks SET status = 'completed', settlement_id = $2, finished_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, settlementID, at); err != nil {
		return fmt.Errorf("mark settlement task completed: %w", err)
	}
	return nil
}

// MarkCompletedWithNote finishes a task that had nothing left to settle.
func (r *SettlementTaskRepository) MarkCompletedWithNote(ctx context.Context, id, note string, at time.Time) error {
	const query = `UPDATE settlement_tasks SET status = 'completed', note = $2, finished_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, note, at); err != nil {
		return fmt.Errorf("mark settlement task completed: %w", err)
	}
	return nil
}

// MarkFailed records the error that stopped a task.
func (r *SettlementTaskRepository) MarkFailed(ctx context.Context, id, code, message string, at time.Time) error {
	const query = `UPDATE settlement_tasks SET status = 'failed', error_code = $2, error_message = $3, finished_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, code, message, at); err != nil {
		return fmt.Errorf("mark settlement task failed: %w", err)
	}
	return nil
}
