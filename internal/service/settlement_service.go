package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jmoiron/sqlx/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-isme/scoring-settlement-api/internal/dto"
	"github.com/noah-isme/scoring-settlement-api/internal/models"
	appErrors "github.com/noah-isme/scoring-settlement-api/pkg/errors"
	"github.com/noah-isme/scoring-settlement-api/pkg/idgen"
)

const (
	distributionTolerance = 0.01
	commentPreviewLength  = 50
	studentRaterPrefix    = "group_"
	settlementTypeStage   = "stage"
	lockReleaseTimeout    = 5 * time.Second
)

type settlementStageStore interface {
	GetByID(ctx context.Context, stageID string) (*models.Stage, error)
	AcquireSettlementLock(ctx context.Context, stageID string, at time.Time) error
	ReleaseSettlementLock(ctx context.Context, stageID string) error
}

type settlementVotingReader interface {
	ListTeacherSubmissionVotes(ctx context.Context, projectID, stageID string) ([]models.RankingVoteRow, error)
	ListTeacherCommentVotes(ctx context.Context, projectID, stageID string) ([]models.RankingVoteRow, error)
	ListApprovedProposals(ctx context.Context, projectID, stageID string) ([]models.RankingProposal, error)
	ListLatestCommentProposals(ctx context.Context, projectID, stageID string) ([]models.CommentRankingProposal, error)
}

type settlementSubmissionReader interface {
	ListApprovedSubmissions(ctx context.Context, projectID, stageID string) ([]models.Submission, error)
	ListGroups(ctx context.Context, projectID string) ([]models.Group, error)
	ListActiveMemberEmails(ctx context.Context, projectID string) ([]string, error)
}

type settlementCommentReader interface {
	CountEligibleAuthors(ctx context.Context, projectID, stageID string) (int, error)
	ListByIDs(ctx context.Context, stageID string, ids []string) ([]models.Comment, error)
}

type settlementStore interface {
	CommitBatch(ctx context.Context, batch *models.SettlementBatch) error
	GetActiveByStage(ctx context.Context, projectID, stageID string) (*models.SettlementRecord, error)
	ListGroupDetails(ctx context.Context, settlementID string) ([]models.GroupSettlementDetail, error)
	ListCommentDetails(ctx context.Context, settlementID string) ([]models.CommentSettlementDetail, error)
	ListSettlementHistory(ctx context.Context, projectID string, filter models.SettlementHistoryFilter) ([]models.SettlementRecord, error)
	GetSettlement(ctx context.Context, projectID, settlementID string) (*models.SettlementRecord, error)
	ListSettlementTransactions(ctx context.Context, projectID, settlementID string) ([]models.Transaction, error)
}

type projectRoleChecker interface {
	HasManagerRole(ctx context.Context, projectID, email string) (bool, error)
}

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type scoringConfigProvider interface {
	GetEffectiveScoringConfig(ctx context.Context, projectID string) (models.ScoringConfig, error)
}

type settlementValidator interface {
	Validate(ctx context.Context, projectID, stageID string) *dto.ValidationReport
}

// SettlementServiceConfig tunes settlement behaviour.
type SettlementServiceConfig struct {
	ResultsCacheTTL time.Duration
}

// SettlementService previews, executes and reports stage settlements.
type SettlementService struct {
	stages      settlementStageStore
	voting      settlementVotingReader
	submissions settlementSubmissionReader
	comments    settlementCommentReader
	settlements settlementStore
	projects    projectRoleChecker
	audit       auditWriter
	scoring     scoringConfigProvider
	validator   settlementValidator
	cache       *CacheService
	progress    *ProgressEmitter
	notifier    *NotificationService
	metrics     *MetricsService
	tracer      trace.Tracer
	logger      *zap.Logger
	now         func() time.Time
	cfg         SettlementServiceConfig
}

// SettlementServiceParams groups constructor dependencies.
type SettlementServiceParams struct {
	Stages      settlementStageStore
	Voting      settlementVotingReader
	Submissions settlementSubmissionReader
	Comments    settlementCommentReader
	Settlements settlementStore
	Projects    projectRoleChecker
	Audit       auditWriter
	Scoring     scoringConfigProvider
	Validator   settlementValidator
	Cache       *CacheService
	Progress    *ProgressEmitter
	Notifier    *NotificationService
	Metrics     *MetricsService
	Tracer      trace.TracerProvider
	Logger      *zap.Logger
	Config      SettlementServiceConfig
}

// NewSettlementService constructs the service.
func NewSettlementService(params SettlementServiceParams) *SettlementService {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracerProvider := params.Tracer
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}
	return &SettlementService{
		stages:      params.Stages,
		voting:      params.Voting,
		submissions: params.Submissions,
		comments:    params.Comments,
		settlements: params.Settlements,
		projects:    params.Projects,
		audit:       params.Audit,
		scoring:     params.Scoring,
		validator:   params.Validator,
		cache:       params.Cache,
		progress:    params.Progress,
		notifier:    params.Notifier,
		metrics:     params.Metrics,
		tracer:      tracerProvider.Tracer("settlement"),
		logger:      logger,
		now:         time.Now,
		cfg:         params.Config,
	}
}

// ValidateStage runs the pre-settlement checks for a stage without changing it.
func (s *SettlementService) ValidateStage(ctx context.Context, actor *models.JWTClaims, stageID string) (*dto.ValidationReport, error) {
	stage, err := s.loadStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManage(ctx, actor, stage.ProjectID); err != nil {
		return nil, err
	}
	return s.validator.Validate(ctx, stage.ProjectID, stageID), nil
}

// PreviewScores computes both reward tracks of a stage without writing anything.
func (s *SettlementService) PreviewScores(ctx context.Context, actor *models.JWTClaims, stageID string) (*dto.SettlementPreview, error) {
	ctx, span := s.tracer.Start(ctx, "SettlementService.PreviewScores", trace.WithAttributes(attribute.String("stage_id", stageID)))
	defer span.End()

	stage, err := s.loadStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManage(ctx, actor, stage.ProjectID); err != nil {
		return nil, err
	}

	cfg := s.scoringConfig(ctx, stage.ProjectID)
	votes, err := s.loadReportVotes(ctx, stage.ProjectID, stage.ID)
	if err != nil {
		return nil, err
	}
	if votes.count == 0 {
		return nil, appErrors.Clone(appErrors.ErrNoVotes, "no votes submitted yet")
	}

	report := ComputeScores(votes.teacher, votes.student, stage.ReportRewardPool, ScoringOptions{
		Logger:        s.logger,
		StudentWeight: cfg.StudentWeight,
		TeacherWeight: cfg.TeacherWeight,
	})
	preview := &dto.SettlementPreview{
		StageID:           stage.ID,
		StageStatus:       stage.StatusAt(s.now()),
		ReportRewardPool:  stage.ReportRewardPool,
		CommentRewardPool: stage.CommentRewardPool,
		Config:            cfg,
		VoteCount:         votes.count,
		Report:            report,
	}
	if stage.CommentRewardPool > 0 {
		comment, topN, err := s.computeCommentTrack(ctx, stage, cfg)
		if err != nil {
			return nil, err
		}
		preview.Comment = &comment
		preview.CommentTopN = topN
	}
	if preview.GroupNames, err = s.groupNames(ctx, stage.ProjectID, report.Rankings); err != nil {
		return nil, err
	}
	return preview, nil
}

// SettleStage runs a full settlement of the stage: validation, locking,
// scoring of both reward tracks and one atomic commit of every derived
// write. Any failure after the lock is taken returns the stage to voting.
func (s *SettlementService) SettleStage(ctx context.Context, actor *models.JWTClaims, stageID string, force bool) (*dto.SettlementOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "SettlementService.SettleStage", trace.WithAttributes(
		attribute.String("stage_id", stageID),
		attribute.Bool("force", force),
	))
	defer span.End()

	start := time.Now()
	outcome, err := s.settle(ctx, actor, stageID, force)
	s.metrics.ObserveSettlement(settlementOutcomeLabel(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("settlement_id", outcome.SettlementID),
		attribute.Float64("points_distributed", outcome.TotalPointsDistributed),
	)
	span.SetStatus(codes.Ok, "stage settled")
	return outcome, nil
}

func (s *SettlementService) settle(ctx context.Context, actor *models.JWTClaims, stageID string, force bool) (*dto.SettlementOutcome, error) {
	stage, err := s.loadStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManage(ctx, actor, stage.ProjectID); err != nil {
		return nil, err
	}
	operator := actor.Email
	s.progress.Emit(ctx, operator, stage.ProjectID, stageID, MilestoneInitializing)

	validation := s.validator.Validate(ctx, stage.ProjectID, stageID)
	if !validation.Valid && !force {
		return nil, appErrors.WithDetails(appErrors.ErrSettlementValidationFailed, dto.ValidationFailure{
			Validation:           validation,
			RequiresConfirmation: true,
		})
	}
	if force && (len(validation.Warnings) > 0 || len(validation.Errors) > 0) {
		s.logger.Warn("settlement validation bypassed",
			zap.String("stage_id", stageID),
			zap.String("operator", operator),
			zap.Strings("errors", validation.Errors),
			zap.Int("warnings", len(validation.Warnings)))
		s.writeAudit(ctx, actor, models.AuditActionSettlementWarningBypass, stageID, map[string]interface{}{
			"warnings":          validation.Warnings,
			"errors":            validation.Errors,
			"validationDetails": validation.Checks,
		})
	}

	if err := settleableStatus(stage.StatusAt(s.now())); err != nil {
		return nil, err
	}
	if stage.ReportRewardPool <= 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidRewardPool,
			fmt.Sprintf("report reward pool must be greater than zero (current: %.2f)", stage.ReportRewardPool))
	}
	votes, err := s.loadReportVotes(ctx, stage.ProjectID, stageID)
	if err != nil {
		return nil, err
	}
	if votes.count == 0 {
		return nil, appErrors.ErrNoVotes
	}

	if err := s.stages.AcquireSettlementLock(ctx, stageID, s.now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrSettlementInProgress
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to lock stage for settlement")
	}
	s.progress.Emit(ctx, operator, stage.ProjectID, stageID, MilestoneLockAcquired)

	outcome, notice, err := s.settleLocked(ctx, actor, stage, votes)
	if err != nil {
		s.releaseLock(ctx, stageID)
		return nil, err
	}

	s.afterCommit(ctx, actor, stage, outcome, notice)
	return outcome, nil
}

// settleLocked computes and commits a settlement. The caller holds the stage lock.
func (s *SettlementService) settleLocked(ctx context.Context, actor *models.JWTClaims, stage *models.Stage, votes reportVotes) (*dto.SettlementOutcome, *SettlementNotice, error) {
	cfg := s.scoringConfig(ctx, stage.ProjectID)
	report := ComputeScores(votes.teacher, votes.student, stage.ReportRewardPool, ScoringOptions{
		Logger:        s.logger,
		StudentWeight: cfg.StudentWeight,
		TeacherWeight: cfg.TeacherWeight,
	})
	if report.Empty() {
		return nil, nil, appErrors.ErrNoVotes
	}
	s.progress.Emit(ctx, actor.Email, stage.ProjectID, stage.ID, MilestoneVotesCalculated)

	reportTotal := report.TotalScore()
	if reportTotal > stage.ReportRewardPool+distributionTolerance {
		return nil, nil, appErrors.Clone(appErrors.ErrDistributionExceedsPool, fmt.Sprintf(
			"total reward distribution (%.2f) exceeds reward pool (%.2f)", reportTotal, stage.ReportRewardPool))
	}

	settledAt := s.now().UTC()
	settlementID := idgen.New(idgen.PrefixSettlement)
	batch := &models.SettlementBatch{}

	s.progress.Emit(ctx, actor.Email, stage.ProjectID, stage.ID, MilestoneReportDistribution)
	groupAlloc, err := s.allocateGroupPoints(ctx, stage, settlementID, report, settledAt)
	if err != nil {
		return nil, nil, err
	}
	batch.GroupDetails = groupAlloc.details
	batch.Transactions = groupAlloc.transactions

	var (
		comment        *models.ScoringResult
		commentTotal   float64
		commentAuthors map[string]string
	)
	if stage.CommentRewardPool > 0 {
		s.progress.Emit(ctx, actor.Email, stage.ProjectID, stage.ID, MilestoneCommentDistribution)
		result, topN, err := s.computeCommentTrack(ctx, stage, cfg)
		if err != nil {
			return nil, nil, err
		}
		commentTotal = result.TotalScore()
		if commentTotal > stage.CommentRewardPool+distributionTolerance {
			return nil, nil, appErrors.Clone(appErrors.ErrCommentDistributionExceedsPool, fmt.Sprintf(
				"total comment reward distribution (%.2f) exceeds comment pool (%.2f)", commentTotal, stage.CommentRewardPool))
		}
		s.logger.Debug("comment track computed",
			zap.String("stage_id", stage.ID),
			zap.Int("top_n", topN),
			zap.Int("ranked_comments", len(result.Rankings)))

		commentAlloc, err := s.allocateCommentPoints(ctx, stage, settlementID, result, settledAt)
		if err != nil {
			return nil, nil, err
		}
		batch.CommentDetails = commentAlloc.details
		batch.CommentAwards = commentAlloc.awards
		batch.Transactions = append(batch.Transactions, commentAlloc.transactions...)
		commentAuthors = commentAlloc.authors
		comment = &result
	}

	snapshot, err := json.Marshal(models.SettlementSnapshot{
		Rankings:       report.Rankings,
		Scores:         report.Scores,
		WeightedScores: report.WeightedScores,
		VoteCount:      votes.count,
	})
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode settlement snapshot")
	}
	batch.Record = models.SettlementRecord{
		ID:                     settlementID,
		ProjectID:              stage.ProjectID,
		StageID:                stage.ID,
		SettlementType:         settlementTypeStage,
		OperatorEmail:          actor.Email,
		TotalRewardDistributed: reportTotal,
		ParticipantCount:       len(report.Scores),
		Status:                 models.SettlementStatusPending,
		SettlementData:         snapshot,
		SettledAt:              settledAt,
	}
	batch.Stage = models.StageSettlementUpdate{
		StageID:        stage.ID,
		SettledAt:      settledAt,
		FinalRankings:  mustJSON(report.Rankings),
		ScoringResults: mustJSON(report.Scores),
	}
	if comment != nil {
		batch.Stage.CommentRankings = mustJSON(comment.Rankings)
		batch.Stage.CommentScores = mustJSON(comment.Scores)
	}

	if err := s.commit(ctx, batch); err != nil {
		return nil, nil, err
	}

	groupNames, err := s.groupNames(ctx, stage.ProjectID, report.Rankings)
	if err != nil {
		s.logger.Warn("failed to resolve group names", zap.String("stage_id", stage.ID), zap.Error(err))
		groupNames = fallbackNames(report.Rankings)
	}

	outcome := &dto.SettlementOutcome{
		SettlementID:           settlementID,
		StageID:                stage.ID,
		FinalRankings:          report.Rankings,
		ScoringResults:         report.Scores,
		WeightedScores:         report.WeightedScores,
		TotalPointsDistributed: reportTotal,
		ParticipantCount:       len(report.Scores),
		SettledAt:              settledAt,
		GroupNames:             groupNames,
		CommentAuthors:         commentAuthors,
		Warnings:               groupAlloc.warnings,
	}
	if comment != nil && len(comment.Rankings) > 0 {
		outcome.CommentRankings = comment.Rankings
		outcome.CommentScores = comment.Scores
		outcome.CommentPointsDistributed = commentTotal
	}
	notice := &SettlementNotice{
		ProjectID:    stage.ProjectID,
		StageID:      stage.ID,
		StageName:    stage.Name,
		SettlementID: settlementID,
		Transactions: batch.Transactions,
	}
	return outcome, notice, nil
}

func (s *SettlementService) commit(ctx context.Context, batch *models.SettlementBatch) error {
	ctx, span := s.tracer.Start(ctx, "SettlementRepository.CommitBatch", trace.WithAttributes(
		attribute.Int("group_details", len(batch.GroupDetails)),
		attribute.Int("comment_details", len(batch.CommentDetails)),
		attribute.Int("transactions", len(batch.Transactions)),
	))
	defer span.End()

	start := time.Now()
	err := s.settlements.CommitBatch(ctx, batch)
	s.metrics.ObserveDBQuery("settlement_commit", time.Since(start))
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrSettlementInProgress, "settlement lock was lost before commit")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit settlement")
}

// afterCommit runs the best-effort side effects of a committed settlement.
func (s *SettlementService) afterCommit(ctx context.Context, actor *models.JWTClaims, stage *models.Stage, outcome *dto.SettlementOutcome, notice *SettlementNotice) {
	if err := s.cache.Invalidate(ctx, SettlementResultsCacheKey(stage.ID)); err != nil {
		s.logger.Warn("failed to invalidate settled results cache", zap.String("stage_id", stage.ID), zap.Error(err))
	}
	s.writeAudit(ctx, actor, models.AuditActionStageSettled, stage.ID, map[string]interface{}{
		"settlementId":           outcome.SettlementID,
		"totalRewardDistributed": outcome.TotalPointsDistributed,
		"participantCount":       outcome.ParticipantCount,
	})
	s.metrics.AddPointsDistributed("report", outcome.TotalPointsDistributed)
	s.metrics.AddPointsDistributed("comment", outcome.CommentPointsDistributed)

	members, err := s.submissions.ListActiveMemberEmails(ctx, stage.ProjectID)
	if err != nil {
		s.logger.Warn("failed to list stage members for notification", zap.String("stage_id", stage.ID), zap.Error(err))
	}
	notice.Members = members
	s.notifier.DispatchSettlement(*notice)

	s.progress.Emit(ctx, actor.Email, stage.ProjectID, stage.ID, MilestoneCompleted)
	s.logger.Info("stage settled",
		zap.String("stage_id", stage.ID),
		zap.String("settlement_id", outcome.SettlementID),
		zap.String("operator", actor.Email),
		zap.Float64("points_distributed", outcome.TotalPointsDistributed),
		zap.Int("participants", outcome.ParticipantCount))
}

// releaseLock returns the stage to voting. It runs even when ctx was cancelled.
func (s *SettlementService) releaseLock(ctx context.Context, stageID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()
	if err := s.stages.ReleaseSettlementLock(releaseCtx, stageID); err != nil {
		s.logger.Error("failed to release settlement lock", zap.String("stage_id", stageID), zap.Error(err))
		return
	}
	s.logger.Info("settlement lock released", zap.String("stage_id", stageID))
}

// GetSettledResults returns the persisted outcome of a completed stage.
func (s *SettlementService) GetSettledResults(ctx context.Context, actor *models.JWTClaims, stageID string) (*dto.SettledResults, error) {
	stage, err := s.loadStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, actor, stage.ProjectID); err != nil {
		return nil, err
	}
	if stage.StatusAt(s.now()) != models.StageStatusCompleted {
		return nil, appErrors.ErrStageNotSettled
	}

	key := SettlementResultsCacheKey(stageID)
	var cached dto.SettledResults
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return &cached, nil
	}

	results := &dto.SettledResults{
		StageID:        stageID,
		GroupDetails:   []models.GroupSettlementDetail{},
		CommentDetails: []models.CommentSettlementDetail{},
	}
	if err := decodeStageJSON(stage.FinalRankings, &results.FinalRankings); err != nil {
		return nil, err
	}
	if err := decodeStageJSON(stage.ScoringResults, &results.ScoringResults); err != nil {
		return nil, err
	}
	if err := decodeStageJSON(stage.CommentRankings, &results.CommentRankings); err != nil {
		return nil, err
	}
	if err := decodeStageJSON(stage.CommentScores, &results.CommentScores); err != nil {
		return nil, err
	}

	record, err := s.settlements.GetActiveByStage(ctx, stage.ProjectID, stageID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settlement")
	default:
		results.Settlement = record
		groupDetails, err := s.settlements.ListGroupDetails(ctx, record.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settlement details")
		}
		commentDetails, err := s.settlements.ListCommentDetails(ctx, record.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load comment settlement details")
		}
		if groupDetails != nil {
			results.GroupDetails = groupDetails
		}
		if commentDetails != nil {
			results.CommentDetails = commentDetails
		}
	}

	if err := s.cache.Set(ctx, key, results, s.cfg.ResultsCacheTTL); err != nil {
		s.logger.Debug("settled results not cached", zap.String("stage_id", stageID), zap.Error(err))
	}
	return results, nil
}

// ListSettlementHistory returns the settlement records of a project. Only
// administrators and project managers may list them.
func (s *SettlementService) ListSettlementHistory(ctx context.Context, actor *models.JWTClaims, projectID string, filter models.SettlementHistoryFilter) (*dto.SettlementHistory, error) {
	if err := s.authorizeManage(ctx, actor, projectID); err != nil {
		return nil, err
	}
	records, err := s.settlements.ListSettlementHistory(ctx, projectID, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settlement history")
	}
	if records == nil {
		records = []models.SettlementRecord{}
	}
	return &dto.SettlementHistory{Settlements: records, TotalCount: len(records)}, nil
}

// GetSettlementDetails returns one settlement with its transactions and audit rows.
func (s *SettlementService) GetSettlementDetails(ctx context.Context, actor *models.JWTClaims, projectID, settlementID string) (*dto.SettlementDetails, error) {
	record, txns, err := s.loadSettlement(ctx, actor, projectID, settlementID)
	if err != nil {
		return nil, err
	}
	details := &dto.SettlementDetails{
		Settlement:     record,
		Transactions:   txns,
		GroupDetails:   []models.GroupSettlementDetail{},
		CommentDetails: []models.CommentSettlementDetail{},
		Summary:        summarizeTransactions(txns),
	}
	groups, err := s.settlements.ListGroupDetails(ctx, settlementID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settlement details")
	}
	comments, err := s.settlements.ListCommentDetails(ctx, settlementID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load comment settlement details")
	}
	if groups != nil {
		details.GroupDetails = groups
	}
	if comments != nil {
		details.CommentDetails = comments
	}
	return details, nil
}

// ListSettlementTransactions returns the point grants written by one settlement.
func (s *SettlementService) ListSettlementTransactions(ctx context.Context, actor *models.JWTClaims, projectID, settlementID string) (*dto.SettlementTransactions, error) {
	_, txns, err := s.loadSettlement(ctx, actor, projectID, settlementID)
	if err != nil {
		return nil, err
	}
	summary := summarizeTransactions(txns)
	return &dto.SettlementTransactions{
		Transactions: txns,
		TotalCount:   summary.TransactionCount,
		TotalAmount:  summary.TotalAmount,
	}, nil
}

func (s *SettlementService) loadSettlement(ctx context.Context, actor *models.JWTClaims, projectID, settlementID string) (*models.SettlementRecord, []models.Transaction, error) {
	if err := s.authorizeView(ctx, actor, projectID); err != nil {
		return nil, nil, err
	}
	record, err := s.settlements.GetSettlement(ctx, projectID, settlementID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.ErrSettlementNotFound
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settlement")
	}
	txns, err := s.settlements.ListSettlementTransactions(ctx, projectID, settlementID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settlement transactions")
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	return record, txns, nil
}

func summarizeTransactions(txns []models.Transaction) dto.SettlementSummary {
	summary := dto.SettlementSummary{TransactionCount: len(txns), ParticipantEmails: []string{}}
	seen := make(map[string]struct{}, len(txns))
	for _, txn := range txns {
		summary.TotalAmount += txn.Amount
		if _, ok := seen[txn.UserEmail]; ok {
			continue
		}
		seen[txn.UserEmail] = struct{}{}
		summary.ParticipantEmails = append(summary.ParticipantEmails, txn.UserEmail)
	}
	return summary
}

type reportVotes struct {
	teacher []models.RaterRanking
	student []models.RaterRanking
	count   int
}

// loadReportVotes reads the latest teacher submission rankings and the
// approved student proposals. Each group's proposal counts as one rater.
func (s *SettlementService) loadReportVotes(ctx context.Context, projectID, stageID string) (reportVotes, error) {
	rows, err := s.voting.ListTeacherSubmissionVotes(ctx, projectID, stageID)
	if err != nil {
		return reportVotes{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher rankings")
	}
	proposals, err := s.voting.ListApprovedProposals(ctx, projectID, stageID)
	if err != nil {
		return reportVotes{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ranking proposals")
	}

	student := make([]models.RaterRanking, 0, len(proposals))
	for _, proposal := range proposals {
		rankings, err := NormalizeRankingPayload(proposal.RankingData)
		if err != nil {
			s.logger.Warn("skipping malformed ranking proposal", zap.String("proposal_id", proposal.ID), zap.Error(err))
			continue
		}
		student = append(student, models.RaterRanking{RaterID: studentRaterPrefix + proposal.GroupID, Rankings: rankings})
	}
	return reportVotes{
		teacher: AggregateVotes(rows),
		student: student,
		count:   len(rows) + len(proposals),
	}, nil
}

// computeCommentTrack scores comments from teacher comment rankings and each
// active member's latest comment ranking proposal.
func (s *SettlementService) computeCommentTrack(ctx context.Context, stage *models.Stage, cfg models.ScoringConfig) (models.ScoringResult, int, error) {
	rows, err := s.voting.ListTeacherCommentVotes(ctx, stage.ProjectID, stage.ID)
	if err != nil {
		return models.ScoringResult{}, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher comment rankings")
	}
	proposals, err := s.voting.ListLatestCommentProposals(ctx, stage.ProjectID, stage.ID)
	if err != nil {
		return models.ScoringResult{}, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load comment ranking proposals")
	}
	authors, err := s.comments.CountEligibleAuthors(ctx, stage.ProjectID, stage.ID)
	if err != nil {
		return models.ScoringResult{}, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count comment authors")
	}

	student := make([]models.RaterRanking, 0, len(proposals))
	for _, proposal := range proposals {
		rankings, err := NormalizeRankingPayload(proposal.RankingData)
		if err != nil {
			s.logger.Warn("skipping malformed comment ranking", zap.String("proposal_id", proposal.ID), zap.Error(err))
			continue
		}
		student = append(student, models.RaterRanking{RaterID: proposal.AuthorEmail, Rankings: rankings})
	}

	topN := CommentRewardLimit(authors, cfg.CommentRewardPercentile, cfg.MaxCommentSelections)
	result := ComputeScores(AggregateVotes(rows), student, stage.CommentRewardPool, ScoringOptions{
		Logger:        s.logger,
		StudentWeight: cfg.StudentWeight,
		TeacherWeight: cfg.TeacherWeight,
		TopN:          topN,
	})
	return result, topN, nil
}

type groupAllocation struct {
	details      []models.GroupSettlementDetail
	transactions []models.Transaction
	warnings     []string
}

// allocateGroupPoints splits each group's points among the participants of
// its approved submission. Each participant receives ceil of their share
// rounded to cents, so a group may be paid slightly more than allocated.
func (s *SettlementService) allocateGroupPoints(ctx context.Context, stage *models.Stage, settlementID string, report models.ScoringResult, at time.Time) (groupAllocation, error) {
	var alloc groupAllocation
	submissions, err := s.submissions.ListApprovedSubmissions(ctx, stage.ProjectID, stage.ID)
	if err != nil {
		return alloc, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approved submissions")
	}
	byGroup := make(map[string]models.Submission, len(submissions))
	for _, submission := range submissions {
		byGroup[submission.GroupID] = submission
	}

	for _, groupID := range sortedKeys(report.Scores) {
		allocated := report.Scores[groupID]
		submission, ok := byGroup[groupID]
		if !ok {
			alloc.skip(s.logger, stage.ID, groupID, "group has no approved submission, skipping point distribution")
			continue
		}
		participants, err := submission.Participants()
		if err != nil {
			alloc.skip(s.logger, stage.ID, groupID, "group participation is malformed, skipping point distribution")
			continue
		}
		if len(participants) == 0 {
			alloc.skip(s.logger, stage.ID, groupID, "group has no participants, skipping point distribution")
			continue
		}

		groupName := submission.DisplayName()
		emails := sortedKeys(participants)
		distribution := make(map[string]float64, len(participants))
		for _, email := range emails {
			distribution[email] = math.Round(allocated*participants[email]*100) / 100
		}

		detailID := idgen.New(idgen.PrefixStageDetail)
		alloc.details = append(alloc.details, models.GroupSettlementDetail{
			ID:                       detailID,
			SettlementID:             settlementID,
			ProjectID:                stage.ProjectID,
			StageID:                  stage.ID,
			GroupID:                  groupID,
			FinalRank:                report.Rankings[groupID],
			StudentScore:             report.StudentScores[groupID],
			TeacherScore:             report.TeacherScores[groupID],
			TotalScore:               report.WeightedScores[groupID],
			AllocatedPoints:          allocated,
			MemberEmails:             types.JSONText(mustJSON(emails)),
			MemberPointsDistribution: types.JSONText(mustJSON(distribution)),
			CreatedAt:                at,
		})

		submissionID := submission.ID
		for _, email := range emails {
			share := participants[email]
			alloc.transactions = append(alloc.transactions, models.Transaction{
				ID:                  idgen.New(idgen.PrefixTransaction),
				ProjectID:           stage.ProjectID,
				StageID:             stage.ID,
				SettlementID:        settlementID,
				UserEmail:           email,
				Amount:              int64(math.Ceil(distribution[email])),
				TransactionType:     models.TransactionTypeStageSettlement,
				Source:              fmt.Sprintf("Stage settlement reward - %s (participation %d%%)", groupName, int(math.Round(share*100))),
				RelatedSubmissionID: &submissionID,
				Metadata: types.JSONText(mustJSON(map[string]interface{}{
					"groupId":                 groupID,
					"groupName":               groupName,
					"rank":                    report.Rankings[groupID],
					"participationPercentage": share,
					"settlementDetailId":      detailID,
					"originalAmount":          distribution[email],
				})),
				CreatedAt: at,
			})
		}
	}
	return alloc, nil
}

func (a *groupAllocation) skip(logger *zap.Logger, stageID, groupID, reason string) {
	logger.Warn(reason, zap.String("stage_id", stageID), zap.String("group_id", groupID))
	a.warnings = append(a.warnings, fmt.Sprintf("%s: %s", groupID, reason))
}

type commentAllocation struct {
	details      []models.CommentSettlementDetail
	awards       []models.CommentAward
	transactions []models.Transaction
	authors      map[string]string
}

// allocateCommentPoints awards every comment with a positive score that still exists.
func (s *SettlementService) allocateCommentPoints(ctx context.Context, stage *models.Stage, settlementID string, result models.ScoringResult, at time.Time) (commentAllocation, error) {
	alloc := commentAllocation{authors: make(map[string]string)}
	awarded := make([]string, 0, len(result.Scores))
	for _, commentID := range sortedKeys(result.Scores) {
		if result.Scores[commentID] > 0 {
			awarded = append(awarded, commentID)
		}
	}
	if len(awarded) == 0 {
		return alloc, nil
	}

	comments, err := s.comments.ListByIDs(ctx, stage.ID, awarded)
	if err != nil {
		return alloc, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load awarded comments")
	}
	byID := make(map[string]models.Comment, len(comments))
	for _, comment := range comments {
		byID[comment.ID] = comment
	}

	for _, commentID := range awarded {
		comment, ok := byID[commentID]
		if !ok {
			s.logger.Warn("awarded comment not found, skipping", zap.String("stage_id", stage.ID), zap.String("comment_id", commentID))
			continue
		}
		points := result.Scores[commentID]
		rank := result.Rankings[commentID]
		preview := comment.Preview(commentPreviewLength)
		detailID := idgen.New(idgen.PrefixCommentSettlement)
		relatedID := commentID

		alloc.details = append(alloc.details, models.CommentSettlementDetail{
			ID:              detailID,
			SettlementID:    settlementID,
			ProjectID:       stage.ProjectID,
			StageID:         stage.ID,
			CommentID:       commentID,
			AuthorEmail:     comment.AuthorEmail,
			FinalRank:       rank,
			StudentScore:    result.StudentScores[commentID],
			TeacherScore:    result.TeacherScores[commentID],
			TotalScore:      result.WeightedScores[commentID],
			AllocatedPoints: points,
			CreatedAt:       at,
		})
		alloc.awards = append(alloc.awards, models.CommentAward{CommentID: commentID, Rank: rank})
		alloc.transactions = append(alloc.transactions, models.Transaction{
			ID:               idgen.New(idgen.PrefixTransaction),
			ProjectID:        stage.ProjectID,
			StageID:          stage.ID,
			SettlementID:     settlementID,
			UserEmail:        comment.AuthorEmail,
			Amount:           int64(math.Ceil(points)),
			TransactionType:  models.TransactionTypeCommentSettlement,
			Source:           fmt.Sprintf("Comment reward - rank %d: %q", rank, preview),
			RelatedCommentID: &relatedID,
			Metadata: types.JSONText(mustJSON(map[string]interface{}{
				"commentId":          commentID,
				"rank":               rank,
				"contentPreview":     preview,
				"settlementDetailId": detailID,
				"originalAmount":     points,
			})),
			CreatedAt: at,
		})
		alloc.authors[commentID] = comment.AuthorEmail
	}
	return alloc, nil
}

// AuthorizeSettlement loads the stage and checks the actor may settle it.
func (s *SettlementService) AuthorizeSettlement(ctx context.Context, actor *models.JWTClaims, stageID string) (*models.Stage, error) {
	stage, err := s.loadStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManage(ctx, actor, stage.ProjectID); err != nil {
		return nil, err
	}
	return stage, nil
}

// AuthorizeProjectView checks the actor may read settlement state of the project.
func (s *SettlementService) AuthorizeProjectView(ctx context.Context, actor *models.JWTClaims, projectID string) error {
	return s.authorizeView(ctx, actor, projectID)
}

func (s *SettlementService) loadStage(ctx context.Context, stageID string) (*models.Stage, error) {
	stage, err := s.stages.GetByID(ctx, stageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrStageNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load stage")
	}
	return stage, nil
}

// authorizeManage allows platform administrators and project leaders or teachers.
func (s *SettlementService) authorizeManage(ctx context.Context, actor *models.JWTClaims, projectID string) error {
	if actor == nil || actor.Email == "" {
		return appErrors.ErrUnauthorized
	}
	if actor.IsAdmin() {
		return nil
	}
	ok, err := s.projects.HasManagerRole(ctx, projectID, actor.Email)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check project permission")
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrForbidden, "only project leaders, teachers or administrators can manage settlements")
	}
	return nil
}

// authorizeView additionally lets active project members read settled results.
func (s *SettlementService) authorizeView(ctx context.Context, actor *models.JWTClaims, projectID string) error {
	err := s.authorizeManage(ctx, actor, projectID)
	var appErr *appErrors.Error
	if err == nil || !errors.As(err, &appErr) || appErr.Code != appErrors.ErrForbidden.Code {
		return err
	}
	members, listErr := s.submissions.ListActiveMemberEmails(ctx, projectID)
	if listErr != nil {
		return appErrors.Wrap(listErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check project membership")
	}
	for _, member := range members {
		if member == actor.Email {
			return nil
		}
	}
	return appErrors.Clone(appErrors.ErrForbidden, "only project members can view settlement results")
}

func (s *SettlementService) scoringConfig(ctx context.Context, projectID string) models.ScoringConfig {
	cfg, err := s.scoring.GetEffectiveScoringConfig(ctx, projectID)
	if err != nil {
		s.logger.Warn("using fallback scoring config", zap.String("project_id", projectID), zap.String("source", cfg.Source), zap.Error(err))
	}
	return cfg
}

func (s *SettlementService) groupNames(ctx context.Context, projectID string, rankings map[string]int) (map[string]string, error) {
	groups, err := s.submissions.ListGroups(ctx, projectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load groups")
	}
	names := fallbackNames(rankings)
	for _, group := range groups {
		if _, ok := names[group.ID]; ok && group.Name != "" {
			names[group.ID] = group.Name
		}
	}
	return names, nil
}

func (s *SettlementService) writeAudit(ctx context.Context, actor *models.JWTClaims, action, stageID string, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(values)
	if err != nil {
		s.logger.Warn("failed to encode audit payload", zap.String("action", action), zap.Error(err))
		return
	}
	resourceID := stageID
	entry := &models.AuditLog{
		Action:     action,
		Resource:   "stage",
		ResourceID: &resourceID,
		NewValues:  payload,
		CreatedAt:  s.now().UTC(),
	}
	if actor.UserID != "" {
		userID := actor.UserID
		entry.UserID = &userID
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to write audit log", zap.String("action", action), zap.String("stage_id", stageID), zap.Error(err))
	}
}

func settleableStatus(status models.StageStatus) error {
	switch status {
	case models.StageStatusVoting:
		return nil
	case models.StageStatusSettling:
		return appErrors.ErrSettlementInProgress
	case models.StageStatusCompleted:
		return appErrors.ErrStageAlreadySettled
	default:
		return appErrors.Clone(appErrors.ErrInvalidStageStatus,
			fmt.Sprintf("stage must be in voting status to settle (current: %s)", status))
	}
}

func settlementOutcomeLabel(err error) string {
	if err == nil {
		return SettlementOutcomeSuccess
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case appErrors.ErrSettlementValidationFailed.Code:
			return SettlementOutcomeValidationFailed
		case appErrors.ErrSettlementInProgress.Code, appErrors.ErrStageAlreadySettled.Code, appErrors.ErrInvalidStageStatus.Code:
			return SettlementOutcomeConflict
		}
	}
	return SettlementOutcomeFailed
}

func decodeStageJSON(raw []byte, dest interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode stage results")
	}
	return nil
}

func fallbackNames(rankings map[string]int) map[string]string {
	names := make(map[string]string, len(rankings))
	for id := range rankings {
		names[id] = id
	}
	return names
}

// mustJSON encodes values that cannot fail to marshal (maps and slices of primitives).
func mustJSON(value interface{}) []byte {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("encode settlement json: %v", err))
	}
	return raw
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
