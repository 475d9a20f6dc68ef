package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

// StageRepository reads stages and guards their settlement lock.
type StageRepository struct {
	db *sqlx.DB
}

// NewStageRepository constructs the repository.
func NewStageRepository(db *sqlx.DB) *StageRepository {
	return &StageRepository{db: db}
}

const stageColumns = `id, project_id, name, start_time, end_time, report_reward_pool, comment_reward_pool,
	settling_at, settled_at, paused_at, archived_at, final_rankings, scoring_results, comment_rankings, comment_scores`

// GetByID fetches a stage.
func (r *StageRepository) GetByID(ctx context.Context, stageID string) (*models.Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM stages WHERE id = $1`
	var stage models.Stage
	if err := r.db.GetContext(ctx, &stage, query, stageID); err != nil {
		return nil, err
	}
	return &stage, nil
}

// AcquireSettlementLock marks the stage as settling. It returns sql.ErrNoRows
// when another settlement already holds the lock or the stage is settled.
func (r *StageRepository) AcquireSettlementLock(ctx context.Context, stageID string, at time.Time) error {
	const query = `UPDATE stages SET settling_at = $1 WHERE id = $2 AND settling_at IS NULL AND settled_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, at, stageID)
	if err != nil {
		return fmt.Errorf("acquire settlement lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire settlement lock rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReleaseSettlementLock returns an unsettled stage to voting.
func (r *StageRepository) ReleaseSettlementLock(ctx context.Context, stageID string) error {
	const query = `UPDATE stages SET settling_at = NULL WHERE id = $1 AND settled_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, stageID); err != nil {
		return fmt.Errorf("release settlement lock: %w", err)
	}
	return nil
}
