package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
	appErrors "github.com/noah-isme/scoring-settlement-api/pkg/errors"
)

type overridesStub struct {
	overrides *models.ProjectScoringOverrides
	err       error
}

func (s overridesStub) GetScoringOverrides(context.Context, string) (*models.ProjectScoringOverrides, error) {
	return s.overrides, s.err
}

type systemConfigStub map[string]string

func (s systemConfigStub) GetString(_ context.Context, key string) (string, error) {
	if value, ok := s[key]; ok {
		return value, nil
	}
	return "", appErrors.ErrCacheMiss
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func serviceDefaults() models.ScoringConfig {
	return models.ScoringConfig{StudentWeight: 0.7, TeacherWeight: 0.3, MaxCommentSelections: 3}
}

func TestScoringConfigUsesServiceDefaults(t *testing.T) {
	svc := NewScoringConfigService(overridesStub{err: sql.ErrNoRows}, systemConfigStub{}, nil, nil, serviceDefaults())

	cfg, err := svc.GetEffectiveScoringConfig(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScoringConfigSourceService, cfg.Source)
	assert.Equal(t, 3, cfg.MaxCommentSelections)
}

func TestScoringConfigInvalidServiceDefaultsFallBackToBuiltin(t *testing.T) {
	svc := NewScoringConfigService(nil, nil, nil, nil, models.ScoringConfig{StudentWeight: 0.9, TeacherWeight: 0.9, MaxCommentSelections: 3})

	cfg, err := svc.GetEffectiveScoringConfig(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, BuiltinScoringConfig(), cfg)
}

func TestScoringConfigSystemKeysApply(t *testing.T) {
	system := systemConfigStub{
		SystemKeyStudentRankingWeight:    "0.6",
		SystemKeyTeacherRankingWeight:    "0.4",
		SystemKeyMaxCommentSelections:    "5",
		SystemKeyCommentRewardPercentile: "not-a-number",
	}
	svc := NewScoringConfigService(overridesStub{overrides: &models.ProjectScoringOverrides{ProjectID: "proj-1"}}, system, nil, nil, serviceDefaults())

	cfg, err := svc.GetEffectiveScoringConfig(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScoringConfigSourceSystem, cfg.Source)
	assert.InDelta(t, 0.6, cfg.StudentWeight, 1e-9)
	assert.Equal(t, 5, cfg.MaxCommentSelections)
	assert.Zero(t, cfg.CommentRewardPercentile)
}

func TestScoringConfigProjectOverridesWin(t *testing.T) {
	overrides := &models.ProjectScoringOverrides{
		ProjectID:               "proj-1",
		StudentRankingWeight:    floatPtr(0.5),
		TeacherRankingWeight:    floatPtr(0.5),
		CommentRewardPercentile: floatPtr(20),
	}
	system := systemConfigStub{SystemKeyMaxCommentSelections: "4"}
	svc := NewScoringConfigService(overridesStub{overrides: overrides}, system, nil, nil, serviceDefaults())

	cfg, err := svc.GetEffectiveScoringConfig(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScoringConfigSourceProject, cfg.Source)
	assert.InDelta(t, 0.5, cfg.StudentWeight, 1e-9)
	assert.Equal(t, 4, cfg.MaxCommentSelections)
	assert.InDelta(t, 20, cfg.CommentRewardPercentile, 1e-9)
}

func TestScoringConfigInvalidProjectOverridesIgnored(t *testing.T) {
	overrides := &models.ProjectScoringOverrides{
		ProjectID:            "proj-1",
		StudentRankingWeight: floatPtr(0.8),
		MaxCommentSelections: intPtr(0),
	}
	svc := NewScoringConfigService(overridesStub{overrides: overrides}, nil, nil, nil, serviceDefaults())

	cfg, err := svc.GetEffectiveScoringConfig(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScoringConfigSourceService, cfg.Source)
	assert.InDelta(t, 0.7, cfg.StudentWeight, 1e-9)
}

func TestScoringConfigStorageErrorIsReported(t *testing.T) {
	svc := NewScoringConfigService(overridesStub{err: errors.New("db down")}, nil, nil, nil, serviceDefaults())

	cfg, err := svc.GetEffectiveScoringConfig(context.Background(), "proj-1")
	require.Error(t, err)
	assert.Equal(t, models.ScoringConfigSourceService, cfg.Source)
}
