package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

// SettlementRepository persists settlement records and their side effects.
type SettlementRepository struct {
	db *sqlx.DB
}

// NewSettlementRepository constructs the repository.
func NewSettlementRepository(db *sqlx.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

const (
	insertSettlementRecordQuery = `INSERT INTO settlement_history (id, project_id, stage_id, settlement_type, operator_email, total_reward_distributed, participant_count, status, settlement_data, settled_at)
		VALUES (:id, :project_id, :stage_id, :settlement_type, :operator_email, :total_reward_distributed, :participant_count, :status, :settlement_data, :settled_at)`
	insertGroupDetailQuery = `INSERT INTO stage_settlement_details (id, settlement_id, project_id, stage_id, group_id, final_rank, student_score, teacher_score, total_score, allocated_points, member_emails, member_points_distribution, created_at)
		VALUES (:id, :settlement_id, :project_id, :stage_id, :group_id, :final_rank, :student_score, :teacher_score, :total_score, :allocated_points, :member_emails, :member_points_distribution, :created_at)`
	insertCommentDetailQuery = `INSERT INTO comment_settlement_details (id, settlement_id, project_id, stage_id, comment_id, author_email, final_rank, student_score, teacher_score, total_score, allocated_points, created_at)
		VALUES (:id, :settlement_id, :project_id, :stage_id, :comment_id, :author_email, :final_rank, :student_score, :teacher_score, :total_score, :allocated_points, :created_at)`
	awardCommentQuery      = `UPDATE comments SET is_awarded = TRUE, award_rank = $1 WHERE id = $2`
	insertTransactionQuery = `INSERT INTO transactions (id, project_id, stage_id, settlement_id, user_email, amount, transaction_type, source, related_submission_id, related_comment_id, metadata, created_at)
		VALUES (:id, :project_id, :stage_id, :settlement_id, :user_email, :amount, :transaction_type, :source, :related_submission_id, :related_comment_id, :metadata, :created_at)`
	finalizeStageQuery = `UPDATE stages SET settling_at = NULL, settled_at = :settled_at, final_rankings = :final_rankings, scoring_results = :scoring_results,
		comment_rankings = :comment_rankings, comment_scores = :comment_scores
		WHERE id = :stage_id AND settling_at IS NOT NULL AND settled_at IS NULL`
	activateSettlementQuery = `UPDATE settlement_history SET status = 'active' WHERE id = $1 AND status = 'pending'`
	settleProposalsQuery    = `UPDATE ranking_proposals
		SET settled_at = $1,
		    status = CASE WHEN status = 'pending' AND voting_result = 'agree' THEN 'settled' ELSE status END
		WHERE project_id = $2 AND stage_id = $3 AND settled_at IS NULL`
)

// CommitBatch writes every settlement effect in one transaction: the pending
// history record, audit details, comment awards, point transactions, the stage
// results, record activation and the consumed proposals. Any failure rolls the
// whole batch back. A stage that is no longer settling yields sql.ErrNoRows.
func (r *SettlementRepository) CommitBatch(ctx context.Context, batch *models.SettlementBatch) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settlement tx: %w", err)
	}

	rollback := func(err error) error {
		_ = tx.Rollback()
		return err
	}

	if _, err := tx.NamedExecContext(ctx, insertSettlementRecordQuery, batch.Record); err != nil {
		return rollback(fmt.Errorf("insert settlement record: %w", err))
	}
	for _, detail := range batch.GroupDetails {
		if _, err := tx.NamedExecContext(ctx, insertGroupDetailQuery, detail); err != nil {
			return rollback(fmt.Errorf("insert group settlement detail %s: %w", detail.GroupID, err))
		}
	}
	for _, detail := range batch.CommentDetails {
		if _, err := tx.NamedExecContext(ctx, insertCommentDetailQuery, detail); err != nil {
			return rollback(fmt.Errorf("insert comment settlement detail %s: %w", detail.CommentID, err))
		}
	}
	for _, award := range batch.CommentAwards {
		if _, err := tx.ExecContext(ctx, awardCommentQuery, award.Rank, award.CommentID); err != nil {
			return rollback(fmt.Errorf("award comment %s: %w", award.CommentID, err))
		}
	}
	for _, txn := range batch.Transactions {
		if _, err := tx.NamedExecContext(ctx, insertTransactionQuery, txn); err != nil {
			return rollback(fmt.Errorf("insert transaction for %s: %w", txn.UserEmail, err))
		}
	}

	res, err := tx.NamedExecContext(ctx, finalizeStageQuery, batch.Stage)
	if err != nil {
		return rollback(fmt.Errorf("finalize stage: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return rollback(fmt.Errorf("finalize stage rows affected: %w", err))
	}
	if affected == 0 {
		return rollback(fmt.Errorf("finalize stage %s: %w", batch.Stage.StageID, sql.ErrNoRows))
	}

	if _, err := tx.ExecContext(ctx, activateSettlementQuery, batch.Record.ID); err != nil {
		return rollback(fmt.Errorf("activate settlement record: %w", err))
	}
	if _, err := tx.ExecContext(ctx, settleProposalsQuery, batch.Stage.SettledAt, batch.Record.ProjectID, batch.Record.StageID); err != nil {
		return rollback(fmt.Errorf("settle ranking proposals: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settlement tx: %w", err)
	}
	return nil
}

// GetActiveByStage returns the latest active settlement of a stage.
func (r *SettlementRepository) GetActiveByStage(ctx context.Context, projectID, stageID string) (*models.SettlementRecord, error) {
	const query = `SELECT ` + settlementRecordColumns + `
		FROM settlement_history
		WHERE project_id = $1 AND stage_id = $2 AND status = 'active'
		ORDER BY settled_at DESC
		LIMIT 1`
	var record models.SettlementRecord
	if err := r.db.GetContext(ctx, &record, query, projectID, stageID); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListGroupDetails returns the group rows of a settlement by final rank.
func (r *SettlementRepository) ListGroupDetails(ctx context.Context, settlementID string) ([]models.GroupSettlementDetail, error) {
	const query = `SELECT id, settlement_id, project_id, stage_id, group_id, final_rank, student_score, teacher_score, total_score, allocated_points, member_emails, member_points_distribution, created_at
		FROM stage_settlement_details WHERE settlement_id = $1 ORDER BY final_rank, group_id`
	var details []models.GroupSettlementDetail
	if err := r.db.SelectContext(ctx, &details, query, settlementID); err != nil {
		return nil, fmt.Errorf("list group settlement details: %w", err)
	}
	return details, nil
}

// ListCommentDetails returns the comment rows of a settlement by final rank.
func (r *SettlementRepository) ListCommentDetails(ctx context.Context, settlementID string) ([]models.CommentSettlementDetail, error) {
	const query = `SELECT id, settlement_id, project_id, stage_id, comment_id, author_email, final_rank, student_score, teacher_score, total_score, allocated_points, created_at
		FROM comment_settlement_details WHERE settlement_id = $1 ORDER BY final_rank, comment_id`
	var details []models.CommentSettlementDetail
	if err := r.db.SelectContext(ctx, &details, query, settlementID); err != nil {
		return nil, fmt.Errorf("list comment settlement details: %w", err)
	}
	return details, nil
}

const settlementRecordColumns = `id, project_id, stage_id, settlement_type, operator_email, total_reward_distributed, participant_count, status, settlement_data, settled_at`

// ListSettlementHistory returns a project's settlement records, newest first.
func (r *SettlementRepository) ListSettlementHistory(ctx context.Context, projectID string, filter models.SettlementHistoryFilter) ([]models.SettlementRecord, error) {
	conditions := []string{"project_id = $1"}
	args := []interface{}{projectID}
	if filter.StageID != "" {
		args = append(args, filter.StageID)
		conditions = append(conditions, fmt.Sprintf("stage_id = $%d", len(args)))
	}
	if filter.SettlementType != "" {
		args = append(args, filter.SettlementType)
		conditions = append(conditions, fmt.Sprintf("settlement_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + settlementRecordColumns + ` FROM settlement_history WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY settled_at DESC`
	var records []models.SettlementRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list settlement history: %w", err)
	}
	return records, nil
}

// GetSettlement returns one settlement record of a project.
func (r *SettlementRepository) GetSettlement(ctx context.Context, projectID, settlementID string) (*models.SettlementRecord, error) {
	query := `SELECT ` + settlementRecordColumns + ` FROM settlement_history WHERE id = $1 AND project_id = $2`
	var record models.SettlementRecord
	if err := r.db.GetContext(ctx, &record, query, settlementID, projectID); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListSettlementTransactions returns the point grants written by a settlement.
func (r *SettlementRepository) ListSettlementTransactions(ctx context.Context, projectID, settlementID string) ([]models.Transaction, error) {
	const query = `SELECT id, project_id, stage_id, settlement_id, user_email, amount, transaction_type, source, related_submission_id, related_comment_id, metadata, created_at
		FROM transactions WHERE settlement_id = $1 AND project_id = $2 ORDER BY created_at, id`
	var txns []models.Transaction
	if err := r.db.SelectContext(ctx, &txns, query, settlementID, projectID); err != nil {
		return nil, fmt.Errorf("list settlement transactions: %w", err)
	}
	return txns, nil
}
