package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

// SubmissionRepository reads approved submissions and the groups behind them.
type SubmissionRepository struct {
	db *sqlx.DB
}

// NewSubmissionRepository constructs the repository.
func NewSubmissionRepository(db *sqlx.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// ListApprovedSubmissions returns the most recently approved submission of each group.
func (r *SubmissionRepository) ListApprovedSubmissions(ctx context.Context, projectID, stageID string) ([]models.Submission, error) {
	const query = `WITH latest AS (
			SELECT s.id, s.project_id, s.stage_id, s.group_id, s.participation, s.approved_at,
			       ROW_NUMBER() OVER (PARTITION BY s.group_id ORDER BY s.approved_at DESC) AS rn
			FROM submissions s
			WHERE s.project_id = $1 AND s.stage_id = $2 AND s.status = 'approved' AND s.approved_at IS NOT NULL
		)
		SELECT l.id, l.project_id, l.stage_id, l.group_id, g.name AS group_name, l.participation, l.approved_at
		FROM latest l
		LEFT JOIN groups g ON g.id = l.group_id
		WHERE l.rn = 1
		ORDER BY l.group_id`
	var submissions []models.Submission
	if err := r.db.SelectContext(ctx, &submissions, query, projectID, stageID); err != nil {
		return nil, fmt.Errorf("list approved submissions: %w", err)
	}
	return submissions, nil
}

// CountActiveGroups counts the active groups of a project.
func (r *SubmissionRepository) CountActiveGroups(ctx context.Context, projectID string) (int, error) {
	const query = `SELECT COUNT(*) FROM groups WHERE project_id = $1 AND status = 'active'`
	var total int
	if err := r.db.GetContext(ctx, &total, query, projectID); err != nil {
		return 0, fmt.Errorf("count active groups: %w", err)
	}
	return total, nil
}

// ListGroups returns every group of a project.
func (r *SubmissionRepository) ListGroups(ctx context.Context, projectID string) ([]models.Group, error) {
	const query = `SELECT id, project_id, name, status FROM groups WHERE project_id = $1 ORDER BY name`
	var groups []models.Group
	if err := r.db.SelectContext(ctx, &groups, query, projectID); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// ListActiveMemberEmails returns the distinct emails of active group members in the project.
func (r *SubmissionRepository) ListActiveMemberEmails(ctx context.Context, projectID string) ([]string, error) {
	const query = `SELECT DISTINCT user_email FROM group_members WHERE project_id = $1 AND is_active ORDER BY user_email`
	var emails []string
	if err := r.db.SelectContext(ctx, &emails, query, projectID); err != nil {
		return nil, fmt.Errorf("list active member emails: %w", err)
	}
	return emails, nil
}
