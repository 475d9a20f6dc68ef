package repository

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectRepositoryGetScoringOverrides(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewProjectRepository(db)

	mock.ExpectQuery("FROM projects WHERE id = \\$1").
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_ranking_weight", "teacher_ranking_weight", "max_comment_selections", "comment_reward_percentile"}).
			AddRow("proj-1", 0.6, 0.4, nil, nil))

	overrides, err := repo.GetScoringOverrides(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NotNil(t, overrides.StudentRankingWeight)
	assert.InDelta(t, 0.6, *overrides.StudentRankingWeight, 1e-9)
	assert.Nil(t, overrides.MaxCommentSelections)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectRepositoryHasManagerRole(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewProjectRepository(db)

	mock.ExpectQuery("FROM project_members").
		WithArgs("proj-1", "lead@x.io").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.HasManagerRole(context.Background(), "proj-1", "lead@x.io")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectRepositoryListManagerEmails(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewProjectRepository(db)

	mock.ExpectQuery("SELECT user_email FROM project_members").
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_email"}).AddRow("lead@x.io").AddRow("teacher@x.io"))

	emails, err := repo.ListManagerEmails(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"lead@x.io", "teacher@x.io"}, emails)
	assert.NoError(t, mock.ExpectationsWereMet())
}
