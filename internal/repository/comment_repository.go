package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

// CommentRepository reads stage comments considered for comment rewards.
type CommentRepository struct {
	db *sqlx.DB
}

// NewCommentRepository constructs the repository.
func NewCommentRepository(db *sqlx.DB) *CommentRepository {
	return &CommentRepository{db: db}
}

// CountEligibleAuthors counts distinct authors of top-level comments with a
// mention whose author is an active member and at least one reader still marks
// the comment helpful in their latest reaction.
func (r *CommentRepository) CountEligibleAuthors(ctx context.Context, projectID, stageID string) (int, error) {
	const query = `SELECT COUNT(DISTINCT c.author_email)
		FROM comments c
		WHERE c.project_id = $1 AND c.stage_id = $2 AND NOT c.is_reply
		  AND (c.mentioned_groups IS NOT NULL OR c.mentioned_users IS NOT NULL)
		  AND EXISTS (SELECT 1 FROM group_members gm WHERE gm.user_email = c.author_email AND gm.project_id = c.project_id AND gm.is_active)
		  AND EXISTS (
			SELECT 1 FROM (
				SELECT r.target_id, r.reaction_type,
				       ROW_NUMBER() OVER (PARTITION BY r.target_id, r.user_email ORDER BY r.created_at DESC) AS rn
				FROM reactions r
				WHERE r.target_type = 'comment'
			) latest
			WHERE latest.target_id = c.id AND latest.rn = 1 AND latest.reaction_type = 'helpful'
		  )`
	var total int
	if err := r.db.GetContext(ctx, &total, query, projectID, stageID); err != nil {
		return 0, fmt.Errorf("count eligible comment authors: %w", err)
	}
	return total, nil
}

// ListByIDs loads the stage comments with the given ids.
func (r *CommentRepository) ListByIDs(ctx context.Context, stageID string, ids []string) ([]models.Comment, error) {
	if len(ids) == 0 {
		return []models.Comment{}, nil
	}
	const query = `SELECT id, project_id, stage_id, author_email, content FROM comments WHERE stage_id = $1 AND id = ANY($2)`
	var comments []models.Comment
	if err := r.db.SelectContext(ctx, &comments, query, stageID, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list comments by ids: %w", err)
	}
	return comments, nil
}
