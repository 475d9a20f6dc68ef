package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestStageRepositoryGetByID(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewStageRepository(db)

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "project_id", "name", "start_time", "end_time", "report_reward_pool", "comment_reward_pool",
		"settling_at", "settled_at", "paused_at", "archived_at", "final_rankings", "scoring_results", "comment_rankings", "comment_scores"}).
		AddRow("stg-1", "proj-1", "Stage 1", start, start.Add(48*time.Hour), 100.0, 30.0, nil, nil, nil, nil, nil, nil, nil, nil)
	mock.ExpectQuery("SELECT .* FROM stages WHERE id = \\$1").
		WithArgs("stg-1").
		WillReturnRows(rows)

	stage, err := repo.GetByID(context.Background(), "stg-1")
	require.NoError(t, err)
	assert.Equal(t, "Stage 1", stage.Name)
	assert.Equal(t, 100.0, stage.ReportRewardPool)
	assert.Equal(t, models.StageStatusVoting, stage.StatusAt(start.Add(72*time.Hour)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStageRepositoryAcquireSettlementLock(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewStageRepository(db)
	now := time.Now().UTC()

	lockQuery := regexp.QuoteMeta("UPDATE stages SET settling_at = $1 WHERE id = $2 AND settling_at IS NULL AND settled_at IS NULL")
	mock.ExpectExec(lockQuery).WithArgs(now, "stg-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(lockQuery).WithArgs(now, "stg-1").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.AcquireSettlementLock(context.Background(), "stg-1", now))
	err := repo.AcquireSettlementLock(context.Background(), "stg-1", now)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStageRepositoryReleaseSettlementLock(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewStageRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE stages SET settling_at = NULL WHERE id = $1 AND settled_at IS NULL")).
		WithArgs("stg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ReleaseSettlementLock(context.Background(), "stg-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
