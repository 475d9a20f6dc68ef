package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

// ProjectRepository reads project level settings and membership.
type ProjectRepository struct {
	db *sqlx.DB
}

// NewProjectRepository constructs the repository.
func NewProjectRepository(db *sqlx.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// GetScoringOverrides returns the nullable scoring columns of a project.
func (r *ProjectRepository) GetScoringOverrides(ctx context.Context, projectID string) (*models.ProjectScoringOverrides, error) {
	const query = `SELECT id, student_ranking_weight, teacher_ranking_weight, max_comment_selections, comment_reward_percentile FROM projects WHERE id = $1`
	var overrides models.ProjectScoringOverrides
	if err := r.db.GetContext(ctx, &overrides, query, projectID); err != nil {
		return nil, err
	}
	return &overrides, nil
}

// HasManagerRole reports whether the user is an active leader or teacher of the project.
func (r *ProjectRepository) HasManagerRole(ctx context.Context, projectID, email string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM project_members
		WHERE project_id = $1 AND user_email = $2 AND is_active AND role IN ('leader', 'teacher')
	)`
	var ok bool
	if err := r.db.GetContext(ctx, &ok, query, projectID, email); err != nil {
		return false, err
	}
	return ok, nil
}

// ListManagerEmails returns the active leaders and teachers of a project.
func (r *ProjectRepository) ListManagerEmails(ctx context.Context, projectID string) ([]string, error) {
	const query = `SELECT user_email FROM project_members
		WHERE project_id = $1 AND is_active AND role IN ('leader', 'teacher')
		ORDER BY user_email`
	var emails []string
	if err := r.db.SelectContext(ctx, &emails, query, projectID); err != nil {
		return nil, fmt.Errorf("list project managers: %w", err)
	}
	return emails, nil
}
