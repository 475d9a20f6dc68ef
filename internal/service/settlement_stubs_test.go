package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

var errStub = errors.New("storage unavailable")

type votingStub struct {
	teacherSubmissionVotes []models.RankingVoteRow
	teacherCommentVotes    []models.RankingVoteRow
	latestProposals        []models.RankingProposal
	approvedProposals      []models.RankingProposal
	commentProposals       []models.CommentRankingProposal
	progress               []models.GroupVotingProgress
	commentCounts          models.CommentRankingCounts
	submissionStats        models.TeacherRankingStats
	commentStats           models.TeacherRankingStats
	activeTeachers         int
	teacherRankedGroups    []string
	failOn                 string
}

func (s *votingStub) fail(method string) error {
	if s.failOn == method {
		return errStub
	}
	return nil
}

func (s *votingStub) ListTeacherSubmissionVotes(context.Context, string, string) ([]models.RankingVoteRow, error) {
	return s.teacherSubmissionVotes, s.fail("ListTeacherSubmissionVotes")
}

func (s *votingStub) ListTeacherCommentVotes(context.Context, string, string) ([]models.RankingVoteRow, error) {
	return s.teacherCommentVotes, s.fail("ListTeacherCommentVotes")
}

func (s *votingStub) ListLatestProposals(context.Context, string, string) ([]models.RankingProposal, error) {
	return s.latestProposals, s.fail("ListLatestProposals")
}

func (s *votingStub) ListApprovedProposals(context.Context, string, string) ([]models.RankingProposal, error) {
	return s.approvedProposals, s.fail("ListApprovedProposals")
}

func (s *votingStub) ListLatestCommentProposals(context.Context, string, string) ([]models.CommentRankingProposal, error) {
	return s.commentProposals, s.fail("ListLatestCommentProposals")
}

func (s *votingStub) ListGroupVotingProgress(context.Context, string, string) ([]models.GroupVotingProgress, error) {
	return s.progress, s.fail("ListGroupVotingProgress")
}

func (s *votingStub) CountCommentRankings(context.Context, string, string) (models.CommentRankingCounts, error) {
	return s.commentCounts, s.fail("CountCommentRankings")
}

func (s *votingStub) TeacherSubmissionRankingStats(context.Context, string, string) (models.TeacherRankingStats, error) {
	return s.submissionStats, s.fail("TeacherSubmissionRankingStats")
}

func (s *votingStub) TeacherCommentRankingStats(context.Context, string, string) (models.TeacherRankingStats, error) {
	return s.commentStats, s.fail("TeacherCommentRankingStats")
}

func (s *votingStub) CountActiveTeachers(context.Context, string) (int, error) {
	return s.activeTeachers, s.fail("CountActiveTeachers")
}

func (s *votingStub) ListTeacherRankedGroups(context.Context, string, string) ([]string, error) {
	return s.teacherRankedGroups, s.fail("ListTeacherRankedGroups")
}

type submissionStub struct {
	submissions  []models.Submission
	groups       []models.Group
	members      []string
	activeGroups int
	failOn       string
}

func (s *submissionStub) fail(method string) error {
	if s.failOn == method {
		return errStub
	}
	return nil
}

func (s *submissionStub) ListApprovedSubmissions(context.Context, string, string) ([]models.Submission, error) {
	return s.submissions, s.fail("ListApprovedSubmissions")
}

func (s *submissionStub) CountActiveGroups(context.Context, string) (int, error) {
	return s.activeGroups, s.fail("CountActiveGroups")
}

func (s *submissionStub) ListGroups(context.Context, string) ([]models.Group, error) {
	return s.groups, s.fail("ListGroups")
}

func (s *submissionStub) ListActiveMemberEmails(context.Context, string) ([]string, error) {
	return s.members, s.fail("ListActiveMemberEmails")
}

type stageStub struct {
	mu       sync.Mutex
	stage    *models.Stage
	locked   bool
	acquired int
	released int
	lockErr  error
	getErr   error
}

func (s *stageStub) GetByID(context.Context, string) (*models.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.stage == nil {
		return nil, sql.ErrNoRows
	}
	snapshot := *s.stage
	return &snapshot, nil
}

func (s *stageStub) AcquireSettlementLock(_ context.Context, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockErr != nil {
		return s.lockErr
	}
	if s.locked {
		return sql.ErrNoRows
	}
	s.locked = true
	s.acquired++
	s.stage.SettlingAt = &at
	return nil
}

func (s *stageStub) ReleaseSettlementLock(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = false
	s.released++
	s.stage.SettlingAt = nil
	return nil
}

type commentStub struct {
	eligibleAuthors int
	comments        []models.Comment
}

func (s *commentStub) CountEligibleAuthors(context.Context, string, string) (int, error) {
	return s.eligibleAuthors, nil
}

func (s *commentStub) ListByIDs(_ context.Context, _ string, ids []string) ([]models.Comment, error) {
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	result := make([]models.Comment, 0, len(ids))
	for _, comment := range s.comments {
		if _, ok := wanted[comment.ID]; ok {
			result = append(result, comment)
		}
	}
	return result, nil
}

type settlementStoreStub struct {
	history        []models.SettlementRecord
	gotFilter      models.SettlementHistoryFilter
	transactions   []models.Transaction
	batches        []*models.SettlementBatch
	commitErr      error
	record         *models.SettlementRecord
	groupDetails   []models.GroupSettlementDetail
	commentDetails []models.CommentSettlementDetail
	detailCalls    int
}

func (s *settlementStoreStub) CommitBatch(_ context.Context, batch *models.SettlementBatch) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *settlementStoreStub) GetActiveByStage(context.Context, string, string) (*models.SettlementRecord, error) {
	if s.record == nil {
		return nil, sql.ErrNoRows
	}
	return s.record, nil
}

func (s *settlementStoreStub) ListGroupDetails(context.Context, string) ([]models.GroupSettlementDetail, error) {
	s.detailCalls++
	return s.groupDetails, nil
}

func (s *settlementStoreStub) ListSettlementHistory(_ context.Context, _ string, filter models.SettlementHistoryFilter) ([]models.SettlementRecord, error) {
	s.gotFilter = filter
	return s.history, nil
}

func (s *settlementStoreStub) GetSettlement(_ context.Context, _, settlementID string) (*models.SettlementRecord, error) {
	for i := range s.history {
		if s.history[i].ID == settlementID {
			return &s.history[i], nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *settlementStoreStub) ListSettlementTransactions(context.Context, string, string) ([]models.Transaction, error) {
	return s.transactions, nil
}

func (s *settlementStoreStub) ListCommentDetails(context.Context, string) ([]models.CommentSettlementDetail, error) {
	return s.commentDetails, nil
}

type projectRoleStub struct {
	managers map[string]bool
}

func (s *projectRoleStub) ListManagerEmails(context.Context, string) ([]string, error) {
	return sortedKeys(s.managers), nil
}

func (s *projectRoleStub) HasManagerRole(_ context.Context, _ string, email string) (bool, error) {
	return s.managers[email], nil
}

type auditStub struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func (s *auditStub) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

func (s *auditStub) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]string, 0, len(s.logs))
	for _, log := range s.logs {
		actions = append(actions, log.Action)
	}
	return actions
}

func namePtr(value string) *string {
	return &value
}

func (s *stageStub) lockCycles() (acquired, released int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired, s.released
}
