package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/noah-isme/scoring-settlement-api/internal/dto"
	"github.com/noah-isme/scoring-settlement-api/internal/models"
	appErrors "github.com/noah-isme/scoring-settlement-api/pkg/errors"
)

type staticScoring struct {
	cfg models.ScoringConfig
}

func (s staticScoring) GetEffectiveScoringConfig(context.Context, string) (models.ScoringConfig, error) {
	return s.cfg, nil
}

type validatorStub struct {
	mu     sync.Mutex
	report *dto.ValidationReport
	calls  int
}

func (v *validatorStub) Validate(context.Context, string, string) *dto.ValidationReport {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.report
}

type jsonCacheRepo struct {
	mu      sync.Mutex
	values  map[string][]byte
	deleted []string
}

func (r *jsonCacheRepo) Get(_ context.Context, key string, dest interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, ok := r.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (r *jsonCacheRepo) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		r.values = make(map[string][]byte)
	}
	r.values[key] = raw
	return nil
}

func (r *jsonCacheRepo) Delete(_ context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		delete(r.values, key)
		r.deleted = append(r.deleted, key)
	}
	return nil
}

type settlementFixture struct {
	stages      *stageStub
	voting      *votingStub
	submissions *submissionStub
	comments    *commentStub
	store       *settlementStoreStub
	projects    *projectRoleStub
	audit       *auditStub
	validator   *validatorStub
	cacheRepo   *jsonCacheRepo
	progress    *recordingPublisher
	notices     *recordingPublisher
	notifier    *NotificationService
	spans       *tracetest.SpanRecorder
	service     *SettlementService
}

var (
	adminActor   = &models.JWTClaims{UserID: "u-admin", Email: "admin@x.io", Role: models.RoleAdmin}
	teacherActor = &models.JWTClaims{UserID: "u-teacher", Email: "teacher@x.io", Role: models.RoleTeacher}
	studentActor = &models.JWTClaims{UserID: "u-student", Email: "a@x.io", Role: models.RoleStudent}
)

func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()
	now := time.Now()
	batch := now.Add(-30 * time.Minute)

	f := &settlementFixture{
		stages: &stageStub{stage: &models.Stage{
			ID:                "stg-1",
			ProjectID:         "proj-1",
			Name:              "Stage 1",
			StartTime:         now.Add(-48 * time.Hour),
			EndTime:           now.Add(-time.Hour),
			ReportRewardPool:  100,
			CommentRewardPool: 30,
		}},
		voting: &votingStub{
			teacherSubmissionVotes: []models.RankingVoteRow{
				{RaterID: "teacher@x.io", ItemID: "g1", Rank: 2, BatchAt: batch},
				{RaterID: "teacher@x.io", ItemID: "g2", Rank: 1, BatchAt: batch},
				{RaterID: "teacher@x.io", ItemID: "g3", Rank: 3, BatchAt: batch},
			},
			approvedProposals: []models.RankingProposal{
				{ID: "prop-1", GroupID: "g1", Status: models.ProposalStatusPending, VotingResult: models.VotingResultAgree, RankingData: []byte(`{"g1":1,"g2":2,"g3":3}`)},
			},
			teacherCommentVotes: []models.RankingVoteRow{
				{RaterID: "teacher@x.io", ItemID: "c1", Rank: 1, BatchAt: batch},
				{RaterID: "teacher@x.io", ItemID: "c2", Rank: 2, BatchAt: batch},
			},
			commentProposals: []models.CommentRankingProposal{
				{ID: "crp-1", AuthorEmail: "b@x.io", RankingData: []byte(`[{"commentId":"c1","rank":1},{"commentId":"c2","rank":2}]`)},
			},
		},
		submissions: &submissionStub{
			submissions: []models.Submission{
				{ID: "sub-1", GroupID: "g1", GroupName: namePtr("Alpha"), Participation: []byte(`{"a@x.io":0.5,"b@x.io":0.5}`)},
				{ID: "sub-2", GroupID: "g2", Participation: []byte(`{"c@x.io":1,"idle@x.io":0}`)},
				{ID: "sub-3", GroupID: "g3"},
			},
			groups:  []models.Group{{ID: "g1", ProjectID: "proj-1", Name: "Alpha"}},
			members: []string{"a@x.io", "b@x.io", "c@x.io"},
		},
		comments: &commentStub{
			eligibleAuthors: 10,
			comments: []models.Comment{
				{ID: "c1", StageID: "stg-1", AuthorEmail: "a@x.io", Content: "A very thorough review of the second group's report covering every section"},
				{ID: "c2", StageID: "stg-1", AuthorEmail: "d@x.io", Content: "Short note"},
			},
		},
		store:     &settlementStoreStub{},
		projects:  &projectRoleStub{managers: map[string]bool{"teacher@x.io": true}},
		audit:     &auditStub{},
		validator: &validatorStub{report: &dto.ValidationReport{Valid: true, Warnings: []string{}, Errors: []string{}}},
		cacheRepo: &jsonCacheRepo{},
		progress:  &recordingPublisher{},
		notices:   &recordingPublisher{},
		spans:     tracetest.NewSpanRecorder(),
	}
	f.notifier = NewNotificationService(f.notices, nil, nil, NotificationServiceConfig{RatePerSecond: 1000, Burst: 100})
	f.service = NewSettlementService(SettlementServiceParams{
		Stages:      f.stages,
		Voting:      f.voting,
		Submissions: f.submissions,
		Comments:    f.comments,
		Settlements: f.store,
		Projects:    f.projects,
		Audit:       f.audit,
		Scoring:     staticScoring{cfg: BuiltinScoringConfig()},
		Validator:   f.validator,
		Cache:       NewCacheService(f.cacheRepo, nil, time.Minute, nil, true),
		Progress:    NewProgressEmitter(f.progress, time.Second, nil),
		Notifier:    f.notifier,
		Metrics:     NewMetricsService(),
		Tracer:      sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans)),
	})
	return f
}

func requireAppErrorCode(t *testing.T, err error, code string) *appErrors.Error {
	t.Helper()
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr), "expected app error, got %v", err)
	assert.Equal(t, code, appErr.Code)
	return appErr
}

func TestSettleStageCommitsFullBatch(t *testing.T) {
	f := newSettlementFixture(t)

	outcome, err := f.service.SettleStage(context.Background(), teacherActor, "stg-1", false)
	require.NoError(t, err)
	f.notifier.Wait()

	assert.Equal(t, map[string]int{"g1": 1, "g2": 2, "g3": 3}, outcome.FinalRankings)
	assert.Equal(t, map[string]float64{"g1": 50, "g2": 33, "g3": 17}, outcome.ScoringResults)
	assert.Equal(t, 100.0, outcome.TotalPointsDistributed)
	assert.Equal(t, 3, outcome.ParticipantCount)
	assert.Equal(t, map[string]string{"g1": "Alpha", "g2": "g2", "g3": "g3"}, outcome.GroupNames)
	assert.Equal(t, map[string]float64{"c1": 20, "c2": 10}, outcome.CommentScores)
	assert.Equal(t, 30.0, outcome.CommentPointsDistributed)
	assert.Equal(t, map[string]string{"c1": "a@x.io", "c2": "d@x.io"}, outcome.CommentAuthors)
	require.Len(t, outcome.Warnings, 1)
	assert.Contains(t, outcome.Warnings[0], "g3")

	require.Len(t, f.store.batches, 1)
	batch := f.store.batches[0]
	assert.Equal(t, outcome.SettlementID, batch.Record.ID)
	assert.Equal(t, models.SettlementStatusPending, batch.Record.Status)
	assert.Equal(t, "teacher@x.io", batch.Record.OperatorEmail)
	assert.Equal(t, 100.0, batch.Record.TotalRewardDistributed)
	assert.Len(t, batch.GroupDetails, 2)
	assert.Len(t, batch.CommentDetails, 2)
	assert.Equal(t, []models.CommentAward{{CommentID: "c1", Rank: 1}, {CommentID: "c2", Rank: 2}}, batch.CommentAwards)
	assert.JSONEq(t, `{"g1":1,"g2":2,"g3":3}`, string(batch.Stage.FinalRankings))
	assert.JSONEq(t, `{"c1":20,"c2":10}`, string(batch.Stage.CommentScores))

	amounts := make(map[string]int64)
	for _, txn := range batch.Transactions {
		amounts[txn.TransactionType+":"+txn.UserEmail] += txn.Amount
		assert.Equal(t, outcome.SettlementID, txn.SettlementID)
	}
	assert.Equal(t, map[string]int64{
		"stage_settlement:a@x.io":   25,
		"stage_settlement:b@x.io":   25,
		"stage_settlement:c@x.io":   33,
		"comment_settlement:a@x.io": 20,
		"comment_settlement:d@x.io": 10,
	}, amounts)

	var commentMeta map[string]interface{}
	for _, txn := range batch.Transactions {
		if txn.RelatedCommentID != nil && *txn.RelatedCommentID == "c1" {
			require.NoError(t, json.Unmarshal(txn.Metadata, &commentMeta))
		}
	}
	assert.Len(t, []rune(commentMeta["contentPreview"].(string)), commentPreviewLength)

	assert.Zero(t, f.stages.released)
	assert.Equal(t, []string{models.AuditActionStageSettled}, f.audit.actions())
	assert.Equal(t, []string{SettlementResultsCacheKey("stg-1")}, f.cacheRepo.deleted)

	steps := make([]string, 0)
	for _, event := range f.progress.snapshot() {
		steps = append(steps, event.Message)
	}
	assert.Equal(t, []string{"INITIALIZING", "LOCK_ACQUIRED", "VOTES_CALCULATED", "DISTRIBUTING_REPORT_REWARDS", "DISTRIBUTING_COMMENT_REWARDS", "COMPLETED"}, steps)

	var received, settled int
	for _, event := range f.notices.snapshot() {
		switch event.Type {
		case EventTypeTransactionReceived:
			received++
		case EventTypeStageSettled:
			settled++
		}
	}
	assert.Equal(t, 5, received)
	assert.Equal(t, 3, settled)
}

func TestSettleStageSkipsCommentTrackWithoutPool(t *testing.T) {
	f := newSettlementFixture(t)
	f.stages.stage.CommentRewardPool = 0

	outcome, err := f.service.SettleStage(context.Background(), adminActor, "stg-1", false)
	require.NoError(t, err)

	assert.Nil(t, outcome.CommentRankings)
	require.Len(t, f.store.batches, 1)
	assert.Empty(t, f.store.batches[0].CommentDetails)
	assert.Nil(t, f.store.batches[0].Stage.CommentRankings)
}

func TestSettleStageValidationFailureRequiresConfirmation(t *testing.T) {
	f := newSettlementFixture(t)
	f.validator.report = &dto.ValidationReport{
		Valid:    false,
		Errors:   []string{"some ranking proposals are not approved"},
		Warnings: []string{},
	}

	_, err := f.service.SettleStage(context.Background(), adminActor, "stg-1", false)
	appErr := requireAppErrorCode(t, err, appErrors.ErrSettlementValidationFailed.Code)
	failure, ok := appErr.Details.(dto.ValidationFailure)
	require.True(t, ok)
	assert.True(t, failure.RequiresConfirmation)
	assert.Same(t, f.validator.report, failure.Validation)

	assert.False(t, f.stages.locked)
	assert.Empty(t, f.store.batches)
	assert.Empty(t, f.audit.actions())
}

func TestSettleStageForceBypassesValidationAndAudits(t *testing.T) {
	f := newSettlementFixture(t)
	f.validator.report = &dto.ValidationReport{
		Valid:    false,
		Errors:   []string{"some groups have not completed intra-group voting"},
		Warnings: []string{"no teacher comment rankings"},
	}

	_, err := f.service.SettleStage(context.Background(), adminActor, "stg-1", true)
	require.NoError(t, err)

	actions := f.audit.actions()
	assert.Equal(t, []string{models.AuditActionSettlementWarningBypass, models.AuditActionStageSettled}, actions)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(f.audit.logs[0].NewValues, &payload))
	assert.Contains(t, payload, "validationDetails")
	assert.Len(t, f.store.batches, 1)
}

func TestSettleStageRejectsNonManagers(t *testing.T) {
	f := newSettlementFixture(t)

	_, err := f.service.SettleStage(context.Background(), studentActor, "stg-1", false)
	requireAppErrorCode(t, err, appErrors.ErrForbidden.Code)
	assert.Zero(t, f.validator.calls)

	_, err = f.service.SettleStage(context.Background(), nil, "stg-1", false)
	requireAppErrorCode(t, err, appErrors.ErrUnauthorized.Code)
}

func TestSettleStageUnknownStage(t *testing.T) {
	f := newSettlementFixture(t)
	f.stages.stage = nil

	_, err := f.service.SettleStage(context.Background(), adminActor, "missing", false)
	requireAppErrorCode(t, err, appErrors.ErrStageNotFound.Code)
}

func TestSettleStageRejectsStagesOutsideVoting(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		mutate func(stage *models.Stage)
		code   string
	}{
		{"completed", func(stage *models.Stage) { stage.SettledAt = &now }, appErrors.ErrStageAlreadySettled.Code},
		{"settling", func(stage *models.Stage) { stage.SettlingAt = &now }, appErrors.ErrSettlementInProgress.Code},
		{"active", func(stage *models.Stage) { stage.EndTime = now.Add(time.Hour) }, appErrors.ErrInvalidStageStatus.Code},
		{"paused", func(stage *models.Stage) { stage.PausedAt = &now }, appErrors.ErrInvalidStageStatus.Code},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newSettlementFixture(t)
			tc.mutate(f.stages.stage)

			_, err := f.service.SettleStage(context.Background(), adminActor, "stg-1", false)
			requireAppErrorCode(t, err, tc.code)
			assert.Empty(t, f.store.batches)
		})
	}
}

func TestSettleStageFailsFastBeforeLocking(t *testing.T) {
	t.Run("empty reward pool", func(t *testing.T) {
		f := newSettlementFixture(t)
		f.stages.stage.ReportRewardPool = 0

		_, err := f.service.SettleStage(context.Background(), adminActor, "stg-1", false)
		requireAppErrorCode(t, err, appErrors.ErrInvalidRewardPool.Code)
		assert.False(t, f.stages.locked)
	})
	t.Run("no votes", func(t *testing.T) {
		f := newSettlementFixture(t)
		f.voting.teacherSubmissionVotes = nil
		f.voting.approvedProposals = nil

		_, err := f.service.SettleStage(context.Background(), adminActor, "stg-1", false)
		requireAppErrorCode(t, err, appErrors.ErrNoVotes.Code)
		assert.False(t, f.stages.locked)
	})
}

func TestSettleStageLockConflict(t *testing.T) {
	f := newSettlementFixture(t)
	f.stages.locked = true

	_, err := f.service.SettleStage(context.Background(), adminActor, "stg-1", false)
	requireAppErrorCode(t, err, appErrors.ErrSettlementInProgress.Code)
	assert.Empty(t, f.store.batches)
	assert.Zero(t, f.stages.released)
}

func TestSettleStageCommitFailureReleasesLock(t *testing.T) {
	f := newSettlementFixture(t)
	f.store.commitErr = errors.New("insert transaction: connection reset")

	_, err := f.service.SettleStage(context.Background(), adminActor, "stg-1", false)
	requireAppErrorCode(t, err, appErrors.ErrInternal.Code)
	f.notifier.Wait()

	assert.Equal(t, 1, f.stages.released)
	assert.False(t, f.stages.locked)
	assert.Empty(t, f.audit.actions())
	assert.Empty(t, f.notices.snapshot())
	assert.Empty(t, f.cacheRepo.deleted)
}

func TestSettleStageReleasesLockWhenStorageFailsMidway(t *testing.T) {
	f := newSettlementFixture(t)
	f.voting.failOn = "ListTeacherCommentVotes"

	_, err := f.service.SettleStage(context.Background(), adminActor, "stg-1", false)
	requireAppErrorCode(t, err, appErrors.ErrInternal.Code)
	assert.Equal(t, 1, f.stages.released)
	assert.Empty(t, f.store.batches)
}

func TestSettleStageSurvivesNotificationFailures(t *testing.T) {
	f := newSettlementFixture(t)
	f.progress.failOn = adminActor.Email
	f.notices.failOn = "a@x.io"

	outcome, err := f.service.SettleStage(context.Background(), adminActor, "stg-1", false)
	require.NoError(t, err)
	f.notifier.Wait()

	assert.NotEmpty(t, outcome.SettlementID)
	assert.Empty(t, f.progress.snapshot())
	for _, event := range f.notices.snapshot() {
		assert.NotEqual(t, "a@x.io", event.Recipient)
	}
}

func TestSettleStageConcurrentOperatorsSettleOnce(t *testing.T) {
	f := newSettlementFixture(t)
	f.stages.stage.CommentRewardPool = 0

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.SettleStage(context.Background(), adminActor, "stg-1", false)
		}(i)
	}
	wg.Wait()
	f.notifier.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireAppErrorCode(t, err, appErrors.ErrSettlementInProgress.Code)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, f.store.batches, 1)
}

func TestPreviewScoresWritesNothing(t *testing.T) {
	f := newSettlementFixture(t)

	preview, err := f.service.PreviewScores(context.Background(), teacherActor, "stg-1")
	require.NoError(t, err)

	assert.Equal(t, models.StageStatusVoting, preview.StageStatus)
	assert.Equal(t, 4, preview.VoteCount)
	assert.Equal(t, 100.0, preview.Report.TotalScore())
	require.NotNil(t, preview.Comment)
	assert.Equal(t, 3, preview.CommentTopN)
	assert.Equal(t, "Alpha", preview.GroupNames["g1"])

	assert.False(t, f.stages.locked)
	assert.Empty(t, f.store.batches)
	assert.Empty(t, f.progress.snapshot())
}

func TestPreviewScoresWithoutVotes(t *testing.T) {
	f := newSettlementFixture(t)
	f.voting.teacherSubmissionVotes = nil
	f.voting.approvedProposals = nil

	_, err := f.service.PreviewScores(context.Background(), adminActor, "stg-1")
	requireAppErrorCode(t, err, appErrors.ErrNoVotes.Code)
}

func TestGetSettledResultsCachesPersistedOutcome(t *testing.T) {
	f := newSettlementFixture(t)
	settledAt := time.Now().Add(-time.Minute)
	f.stages.stage.SettledAt = &settledAt
	f.stages.stage.FinalRankings = []byte(`{"g1":1,"g2":2}`)
	f.stages.stage.ScoringResults = []byte(`{"g1":60,"g2":40}`)
	f.store.record = &models.SettlementRecord{ID: "settle_1", StageID: "stg-1", Status: models.SettlementStatusActive}
	f.store.groupDetails = []models.GroupSettlementDetail{{ID: "std_1", GroupID: "g1", FinalRank: 1, AllocatedPoints: 60}}

	first, err := f.service.GetSettledResults(context.Background(), studentActor, "stg-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"g1": 1, "g2": 2}, first.FinalRankings)
	assert.Equal(t, "settle_1", first.Settlement.ID)
	assert.Len(t, first.GroupDetails, 1)
	assert.NotNil(t, first.CommentDetails)

	second, err := f.service.GetSettledResults(context.Background(), studentActor, "stg-1")
	require.NoError(t, err)
	assert.Equal(t, first.FinalRankings, second.FinalRankings)
	assert.Equal(t, 1, f.store.detailCalls, "second read is served from cache")
}

func TestGetSettledResultsRequiresCompletedStage(t *testing.T) {
	f := newSettlementFixture(t)

	_, err := f.service.GetSettledResults(context.Background(), adminActor, "stg-1")
	requireAppErrorCode(t, err, appErrors.ErrStageNotSettled.Code)
}

func TestGetSettledResultsRejectsOutsiders(t *testing.T) {
	f := newSettlementFixture(t)
	settledAt := time.Now()
	f.stages.stage.SettledAt = &settledAt
	outsider := &models.JWTClaims{UserID: "u-x", Email: "outsider@x.io", Role: models.RoleStudent}

	_, err := f.service.GetSettledResults(context.Background(), outsider, "stg-1")
	requireAppErrorCode(t, err, appErrors.ErrForbidden.Code)
}

func TestValidateStageReturnsReport(t *testing.T) {
	f := newSettlementFixture(t)

	report, err := f.service.ValidateStage(context.Background(), teacherActor, "stg-1")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, f.validator.calls)
}

func TestListSettlementHistoryIsManagerOnly(t *testing.T) {
	f := newSettlementFixture(t)
	f.store.history = []models.SettlementRecord{{ID: "settle_1", ProjectID: "proj-1", StageID: "stg-1", Status: models.SettlementStatusActive}}
	filter := models.SettlementHistoryFilter{StageID: "stg-1"}

	history, err := f.service.ListSettlementHistory(context.Background(), teacherActor, "proj-1", filter)
	require.NoError(t, err)
	assert.Equal(t, 1, history.TotalCount)
	assert.Equal(t, filter, f.store.gotFilter)

	_, err = f.service.ListSettlementHistory(context.Background(), studentActor, "proj-1", filter)
	requireAppErrorCode(t, err, appErrors.ErrForbidden.Code)

	f.store.history = nil
	history, err = f.service.ListSettlementHistory(context.Background(), adminActor, "proj-1", models.SettlementHistoryFilter{})
	require.NoError(t, err)
	assert.NotNil(t, history.Settlements)
	assert.Zero(t, history.TotalCount)
}

func TestGetSettlementDetailsSummarizesTransactions(t *testing.T) {
	f := newSettlementFixture(t)
	f.store.history = []models.SettlementRecord{{ID: "settle_1", ProjectID: "proj-1", StageID: "stg-1", Status: models.SettlementStatusActive}}
	f.store.groupDetails = []models.GroupSettlementDetail{{ID: "std_1", GroupID: "g1", FinalRank: 1}}
	f.store.transactions = []models.Transaction{
		{ID: "txn_1", UserEmail: "a@x.io", Amount: 50},
		{ID: "txn_2", UserEmail: "b@x.io", Amount: 50},
		{ID: "txn_3", UserEmail: "a@x.io", Amount: 10},
	}

	details, err := f.service.GetSettlementDetails(context.Background(), studentActor, "proj-1", "settle_1")
	require.NoError(t, err)
	assert.Equal(t, "settle_1", details.Settlement.ID)
	assert.Len(t, details.Transactions, 3)
	assert.Len(t, details.GroupDetails, 1)
	assert.NotNil(t, details.CommentDetails)
	assert.Equal(t, dto.SettlementSummary{
		TransactionCount:  3,
		TotalAmount:       110,
		ParticipantEmails: []string{"a@x.io", "b@x.io"},
	}, details.Summary)

	txns, err := f.service.ListSettlementTransactions(context.Background(), studentActor, "proj-1", "settle_1")
	require.NoError(t, err)
	assert.Equal(t, 3, txns.TotalCount)
	assert.Equal(t, int64(110), txns.TotalAmount)
}

func TestSettlementReadsRejectUnknownSettlementAndOutsiders(t *testing.T) {
	f := newSettlementFixture(t)
	outsider := &models.JWTClaims{UserID: "u-x", Email: "outsider@x.io", Role: models.RoleStudent}

	_, err := f.service.GetSettlementDetails(context.Background(), adminActor, "proj-1", "settle_missing")
	requireAppErrorCode(t, err, appErrors.ErrSettlementNotFound.Code)

	_, err = f.service.ListSettlementTransactions(context.Background(), outsider, "proj-1", "settle_1")
	requireAppErrorCode(t, err, appErrors.ErrForbidden.Code)
}

func endedSpans(recorder *tracetest.SpanRecorder) map[string]sdktrace.ReadOnlySpan {
	spans := make(map[string]sdktrace.ReadOnlySpan)
	for _, span := range recorder.Ended() {
		spans[span.Name()] = span
	}
	return spans
}

func spanAttribute(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSettleStageRecordsSpans(t *testing.T) {
	f := newSettlementFixture(t)

	outcome, err := f.service.SettleStage(context.Background(), teacherActor, "stg-1", false)
	require.NoError(t, err)
	f.notifier.Wait()

	spans := endedSpans(f.spans)
	settle, ok := spans["SettlementService.SettleStage"]
	require.True(t, ok)
	assert.Equal(t, codes.Ok, settle.Status().Code)
	id, ok := spanAttribute(settle, "settlement_id")
	require.True(t, ok)
	assert.Equal(t, outcome.SettlementID, id.AsString())

	commit, ok := spans["SettlementRepository.CommitBatch"]
	require.True(t, ok)
	assert.Equal(t, settle.SpanContext().SpanID(), commit.Parent().SpanID())
	txns, _ := spanAttribute(commit, "transactions")
	assert.Equal(t, int64(5), txns.AsInt64())
}

func TestSettleStageFailureMarksSpanError(t *testing.T) {
	f := newSettlementFixture(t)
	f.store.commitErr = errors.New("connection reset")

	_, err := f.service.SettleStage(context.Background(), adminActor, "stg-1", false)
	require.Error(t, err)

	spans := endedSpans(f.spans)
	assert.Equal(t, codes.Error, spans["SettlementService.SettleStage"].Status().Code)
	assert.Equal(t, codes.Error, spans["SettlementRepository.CommitBatch"].Status().Code)
	assert.NotEmpty(t, spans["SettlementRepository.CommitBatch"].Events())
}
