package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
	appErrors "github.com/noah-isme/scoring-settlement-api/pkg/errors"
)

// System configuration keys consulted when a project has no override.
const (
	SystemKeyMaxCommentSelections    = "config:max_comment_selections"
	SystemKeyStudentRankingWeight    = "config:student_ranking_weight"
	SystemKeyTeacherRankingWeight    = "config:teacher_ranking_weight"
	SystemKeyCommentRewardPercentile = "config:comment_reward_percentile"
)

const weightSumTolerance = 0.001

type scoringOverridesReader interface {
	GetScoringOverrides(ctx context.Context, projectID string) (*models.ProjectScoringOverrides, error)
}

type systemConfigReader interface {
	GetString(ctx context.Context, key string) (string, error)
}

// ScoringConfigService resolves the effective scoring configuration of a project.
type ScoringConfigService struct {
	projects  scoringOverridesReader
	system    systemConfigReader
	validator *validator.Validate
	logger    *zap.Logger
	defaults  models.ScoringConfig
}

// BuiltinScoringConfig is the last resort configuration.
func BuiltinScoringConfig() models.ScoringConfig {
	return models.ScoringConfig{
		StudentWeight:        DefaultStudentWeight,
		TeacherWeight:        DefaultTeacherWeight,
		MaxCommentSelections: 3,
		Source:               models.ScoringConfigSourceDefault,
	}
}

// NewScoringConfigService constructs the service. Service defaults that fail
// validation are replaced by the builtin configuration.
func NewScoringConfigService(projects scoringOverridesReader, system systemConfigReader, validate *validator.Validate, logger *zap.Logger, defaults models.ScoringConfig) *ScoringConfigService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ScoringConfigService{projects: projects, system: system, validator: validate, logger: logger}
	defaults.Source = models.ScoringConfigSourceService
	if err := svc.check(defaults); err != nil {
		logger.Warn("invalid service scoring defaults, using builtin values", zap.Error(err))
		defaults = BuiltinScoringConfig()
	}
	svc.defaults = defaults
	return svc
}

// GetEffectiveScoringConfig walks project overrides, system keys and service
// defaults. A layer that yields an invalid combination is ignored.
func (s *ScoringConfigService) GetEffectiveScoringConfig(ctx context.Context, projectID string) (models.ScoringConfig, error) {
	effective := s.defaults

	if candidate, ok := s.systemLayer(ctx, effective); ok {
		if err := s.check(candidate); err != nil {
			s.logger.Warn("invalid system scoring configuration ignored", zap.Error(err))
		} else {
			effective = candidate
		}
	}

	if s.projects == nil {
		return effective, nil
	}
	overrides, err := s.projects.GetScoringOverrides(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return effective, nil
		}
		return effective, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load project scoring configuration")
	}
	if candidate, ok := applyProjectOverrides(effective, overrides); ok {
		if err := s.check(candidate); err != nil {
			s.logger.Warn("invalid project scoring configuration ignored", zap.String("project_id", projectID), zap.Error(err))
		} else {
			effective = candidate
		}
	}
	return effective, nil
}

func (s *ScoringConfigService) systemLayer(ctx context.Context, base models.ScoringConfig) (models.ScoringConfig, bool) {
	if s.system == nil {
		return base, false
	}
	candidate := base
	applied := false

	readFloat := func(key string, dst *float64) {
		raw, ok := s.readSystemKey(ctx, key)
		if !ok {
			return
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.logger.Warn("unparsable system scoring key", zap.String("key", key), zap.String("value", raw))
			return
		}
		*dst = value
		applied = true
	}
	readFloat(SystemKeyStudentRankingWeight, &candidate.StudentWeight)
	readFloat(SystemKeyTeacherRankingWeight, &candidate.TeacherWeight)
	readFloat(SystemKeyCommentRewardPercentile, &candidate.CommentRewardPercentile)

	if raw, ok := s.readSystemKey(ctx, SystemKeyMaxCommentSelections); ok {
		if value, err := strconv.Atoi(raw); err == nil {
			candidate.MaxCommentSelections = value
			applied = true
		} else {
			s.logger.Warn("unparsable system scoring key", zap.String("key", SystemKeyMaxCommentSelections), zap.String("value", raw))
		}
	}

	if applied {
		candidate.Source = models.ScoringConfigSourceSystem
	}
	return candidate, applied
}

func (s *ScoringConfigService) readSystemKey(ctx context.Context, key string) (string, bool) {
	raw, err := s.system.GetString(ctx, key)
	if err != nil {
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("system scoring key lookup failed", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	return raw, raw != ""
}

func applyProjectOverrides(base models.ScoringConfig, overrides *models.ProjectScoringOverrides) (models.ScoringConfig, bool) {
	if overrides == nil {
		return base, false
	}
	candidate := base
	applied := false
	if overrides.StudentRankingWeight != nil {
		candidate.StudentWeight = *overrides.StudentRankingWeight
		applied = true
	}
	if overrides.TeacherRankingWeight != nil {
		candidate.TeacherWeight = *overrides.TeacherRankingWeight
		applied = true
	}
	if overrides.MaxCommentSelections != nil {
		candidate.MaxCommentSelections = *overrides.MaxCommentSelections
		applied = true
	}
	if overrides.CommentRewardPercentile != nil {
		candidate.CommentRewardPercentile = *overrides.CommentRewardPercentile
		applied = true
	}
	if applied {
		candidate.Source = models.ScoringConfigSourceProject
	}
	return candidate, applied
}

func (s *ScoringConfigService) check(cfg models.ScoringConfig) error {
	if err := s.validator.Struct(cfg); err != nil {
		return err
	}
	if sum := cfg.StudentWeight + cfg.TeacherWeight; math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("ranking weights sum to %.4f, expected 1", sum)
	}
	return nil
}
