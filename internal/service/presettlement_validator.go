package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/scoring-settlement-api/internal/dto"
	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

type validationVotingReader interface {
	ListGroupVotingProgress(ctx context.Context, projectID, stageID string) ([]models.GroupVotingProgress, error)
	ListLatestProposals(ctx context.Context, projectID, stageID string) ([]models.RankingProposal, error)
	ListApprovedProposals(ctx context.Context, projectID, stageID string) ([]models.RankingProposal, error)
	CountCommentRankings(ctx context.Context, projectID, stageID string) (models.CommentRankingCounts, error)
	TeacherSubmissionRankingStats(ctx context.Context, projectID, stageID string) (models.TeacherRankingStats, error)
	TeacherCommentRankingStats(ctx context.Context, projectID, stageID string) (models.TeacherRankingStats, error)
	CountActiveTeachers(ctx context.Context, projectID string) (int, error)
	ListTeacherRankedGroups(ctx context.Context, projectID, stageID string) ([]string, error)
}

type validationSubmissionReader interface {
	ListApprovedSubmissions(ctx context.Context, projectID, stageID string) ([]models.Submission, error)
	CountActiveGroups(ctx context.Context, projectID string) (int, error)
}

// PreSettlementValidator checks whether a stage is ready to be settled.
// allGroupsVoted and allProposalsApproved block settlement; the other checks
// only produce warnings.
type PreSettlementValidator struct {
	voting      validationVotingReader
	submissions validationSubmissionReader
	logger      *zap.Logger
}

// NewPreSettlementValidator constructs the validator.
func NewPreSettlementValidator(voting validationVotingReader, submissions validationSubmissionReader, logger *zap.Logger) *PreSettlementValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreSettlementValidator{voting: voting, submissions: submissions, logger: logger}
}

// Validate runs every check concurrently. It never returns an error: storage
// failures mark the report invalid and are listed in Errors.
func (v *PreSettlementValidator) Validate(ctx context.Context, projectID, stageID string) *dto.ValidationReport {
	report := &dto.ValidationReport{Valid: true, Warnings: []string{}, Errors: []string{}}
	checks := &report.Checks

	var groupsRanked *dto.GroupsRankedDetails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		checks.AllGroupsVoted, err = v.checkAllGroupsVoted(gctx, projectID, stageID)
		return err
	})
	g.Go(func() (err error) {
		checks.AllProposalsApproved, err = v.checkAllProposalsApproved(gctx, projectID, stageID)
		return err
	})
	g.Go(func() (err error) {
		checks.HasCommentRankings, err = v.checkCommentRankings(gctx, projectID, stageID)
		return err
	})
	g.Go(func() (err error) {
		checks.HasTeacherSubmissionRankings, err = v.checkTeacherRankings(gctx, projectID, stageID, v.voting.TeacherSubmissionRankingStats)
		return err
	})
	g.Go(func() (err error) {
		checks.HasTeacherCommentRankings, err = v.checkTeacherRankings(gctx, projectID, stageID, v.voting.TeacherCommentRankingStats)
		return err
	})
	g.Go(func() (err error) {
		checks.AllGroupsRanked, groupsRanked, err = v.checkAllGroupsRanked(gctx, projectID, stageID)
		return err
	})

	if err := g.Wait(); err != nil {
		v.logger.Error("pre-settlement validation failed", zap.String("stage_id", stageID), zap.Error(err))
		report.Valid = false
		report.Errors = append(report.Errors, fmt.Sprintf("validation could not complete: %v", err))
		return report
	}

	if !checks.AllGroupsVoted.Passed {
		report.Valid = false
		report.Errors = append(report.Errors, "some groups have not completed intra-group voting")
	}
	if !checks.AllProposalsApproved.Passed {
		report.Valid = false
		report.Errors = append(report.Errors, "some ranking proposals are not approved")
	}
	if !checks.HasCommentRankings.Passed {
		report.Warnings = append(report.Warnings, "no comment rankings, the comment reward pool will not be distributed")
	}
	if !checks.HasTeacherSubmissionRankings.Passed {
		report.Warnings = append(report.Warnings, "no teacher submission rankings, report rewards will follow student rankings only")
	}
	if !checks.HasTeacherCommentRankings.Passed {
		report.Warnings = append(report.Warnings, "no teacher comment rankings, comment rewards will follow student rankings only")
	}
	if !checks.AllGroupsRanked.Passed && groupsRanked != nil {
		worst := groupsRanked.TotalGroups + 1
		if len(groupsRanked.UnrankedByStudents) > 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"groups without any student ranking: %s; they will be treated as last (rank %d)",
				strings.Join(groupsRanked.UnrankedByStudents, ", "), worst))
		}
		if len(groupsRanked.UnrankedByTeachers) > 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"groups without any teacher ranking: %s; their teacher rank will use the worst value (rank %d)",
				strings.Join(groupsRanked.UnrankedByTeachers, ", "), worst))
		}
	}
	return report
}

func (v *PreSettlementValidator) checkAllGroupsVoted(ctx context.Context, projectID, stageID string) (dto.ValidationCheck, error) {
	totalGroups, err := v.submissions.CountActiveGroups(ctx, projectID)
	if err != nil {
		return dto.ValidationCheck{}, err
	}
	progress, err := v.voting.ListGroupVotingProgress(ctx, projectID, stageID)
	if err != nil {
		return dto.ValidationCheck{}, err
	}

	details := dto.GroupsVotedDetails{TotalGroups: totalGroups, GroupsWithSettledProposals: len(progress)}
	for _, group := range progress {
		if group.VotedMembers >= group.TotalMembers {
			details.GroupsWithAllMembersVoted++
			continue
		}
		details.MissingGroups = append(details.MissingGroups, group)
	}
	passed := details.GroupsWithSettledProposals > 0 && details.GroupsWithAllMembersVoted == details.GroupsWithSettledProposals
	return dto.ValidationCheck{Passed: passed, Details: details}, nil
}

func (v *PreSettlementValidator) checkAllProposalsApproved(ctx context.Context, projectID, stageID string) (dto.ValidationCheck, error) {
	proposals, err := v.voting.ListLatestProposals(ctx, projectID, stageID)
	if err != nil {
		return dto.ValidationCheck{}, err
	}

	details := dto.ProposalsApprovedDetails{TotalProposals: len(proposals)}
	for _, p := range proposals {
		switch p.Status {
		case models.ProposalStatusSettled:
			details.SettledProposals++
		case models.ProposalStatusPending:
			details.PendingProposals++
		case models.ProposalStatusWithdrawn:
			details.WithdrawnProposals++
		case models.ProposalStatusReset:
			details.ResetProposals++
		}
		switch p.VotingResult {
		case models.VotingResultDisagree:
			details.DisagreedProposals++
		case models.VotingResultTie:
			details.TieProposals++
			if p.ResetCount > 0 {
				details.TieProposalsUsedReset++
			} else {
				details.TieProposalsCanReset++
			}
		}
		if p.Approved() {
			details.AgreedProposals++
			continue
		}
		details.UnsettledProposals = append(details.UnsettledProposals, dto.UnsettledProposal{
			GroupID:      p.GroupID,
			GroupName:    p.GroupName,
			ProposalID:   p.ID,
			Status:       p.Status,
			VotingResult: p.VotingResult,
			ResetCount:   p.ResetCount,
		})
	}
	passed := details.TotalProposals > 0 && details.AgreedProposals == details.TotalProposals
	return dto.ValidationCheck{Passed: passed, Details: details}, nil
}

func (v *PreSettlementValidator) checkCommentRankings(ctx context.Context, projectID, stageID string) (dto.ValidationCheck, error) {
	counts, err := v.voting.CountCommentRankings(ctx, projectID, stageID)
	if err != nil {
		return dto.ValidationCheck{}, err
	}
	details := dto.CommentRankingsDetails{
		StudentCommentRankings: counts.Student,
		TeacherCommentRankings: counts.Teacher,
		TotalCommentRankings:   counts.Student + counts.Teacher,
	}
	return dto.ValidationCheck{Passed: details.TotalCommentRankings > 0, Details: details}, nil
}

type teacherStatsFunc func(ctx context.Context, projectID, stageID string) (models.TeacherRankingStats, error)

func (v *PreSettlementValidator) checkTeacherRankings(ctx context.Context, projectID, stageID string, stats teacherStatsFunc) (dto.ValidationCheck, error) {
	totalTeachers, err := v.voting.CountActiveTeachers(ctx, projectID)
	if err != nil {
		return dto.ValidationCheck{}, err
	}
	result, err := stats(ctx, projectID, stageID)
	if err != nil {
		return dto.ValidationCheck{}, err
	}
	details := dto.TeacherRankingDetails{
		TeachersWhoRanked: result.TeachersWhoRanked,
		TotalTeachers:     totalTeachers,
		TotalRankings:     result.TotalRankings,
	}
	return dto.ValidationCheck{Passed: result.TeachersWhoRanked > 0, Details: details}, nil
}

func (v *PreSettlementValidator) checkAllGroupsRanked(ctx context.Context, projectID, stageID string) (dto.ValidationCheck, *dto.GroupsRankedDetails, error) {
	submissions, err := v.submissions.ListApprovedSubmissions(ctx, projectID, stageID)
	if err != nil {
		return dto.ValidationCheck{}, nil, err
	}
	if len(submissions) == 0 {
		details := &dto.GroupsRankedDetails{
			AllGroupsRankedByStudents: true,
			AllGroupsRankedByTeachers: true,
			UnrankedByStudents:        []string{},
			UnrankedByTeachers:        []string{},
		}
		return dto.ValidationCheck{Passed: true, Details: details}, details, nil
	}

	proposals, err := v.voting.ListApprovedProposals(ctx, projectID, stageID)
	if err != nil {
		return dto.ValidationCheck{}, nil, err
	}
	teacherGroups, err := v.voting.ListTeacherRankedGroups(ctx, projectID, stageID)
	if err != nil {
		return dto.ValidationCheck{}, nil, err
	}

	submittedGroups := make(map[string]struct{}, len(submissions))
	for _, submission := range submissions {
		submittedGroups[submission.GroupID] = struct{}{}
	}

	studentRanked := make(map[string]struct{})
	for _, proposal := range proposals {
		rankings, err := NormalizeRankingPayload(proposal.RankingData)
		if err != nil {
			v.logger.Warn("skipping malformed ranking proposal", zap.String("proposal_id", proposal.ID), zap.Error(err))
			continue
		}
		for groupID := range rankings {
			if _, ok := submittedGroups[groupID]; ok {
				studentRanked[groupID] = struct{}{}
			}
		}
	}
	teacherRanked := make(map[string]struct{}, len(teacherGroups))
	for _, groupID := range teacherGroups {
		if _, ok := submittedGroups[groupID]; ok {
			teacherRanked[groupID] = struct{}{}
		}
	}

	details := &dto.GroupsRankedDetails{
		TotalGroups:        len(submittedGroups),
		UnrankedByStudents: []string{},
		UnrankedByTeachers: []string{},
		StudentRankedCount: len(studentRanked),
		TeacherRankedCount: len(teacherRanked),
	}
	for _, submission := range submissions {
		if _, ok := studentRanked[submission.GroupID]; !ok {
			details.UnrankedByStudents = append(details.UnrankedByStudents, submission.DisplayName())
		}
		if _, ok := teacherRanked[submission.GroupID]; !ok {
			details.UnrankedByTeachers = append(details.UnrankedByTeachers, submission.DisplayName())
		}
	}
	details.AllGroupsRankedByStudents = len(details.UnrankedByStudents) == 0
	details.AllGroupsRankedByTeachers = len(details.UnrankedByTeachers) == 0
	passed := details.AllGroupsRankedByStudents && details.AllGroupsRankedByTeachers
	return dto.ValidationCheck{Passed: passed, Details: details}, details, nil
}
