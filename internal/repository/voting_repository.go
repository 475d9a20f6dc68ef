package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

// VotingRepository reads teacher rankings and student ranking proposals.
type VotingRepository struct {
	db *sqlx.DB
}

// NewVotingRepository constructs the repository.
func NewVotingRepository(db *sqlx.DB) *VotingRepository {
	return &VotingRepository{db: db}
}

// Teacher ranking tables by target.
const (
	teacherSubmissionRankingsTable = "teacher_submission_rankings"
	teacherCommentRankingsTable    = "teacher_comment_rankings"
)

// ListTeacherSubmissionVotes returns every teacher ranking row of submissions in the stage.
func (r *VotingRepository) ListTeacherSubmissionVotes(ctx context.Context, projectID, stageID string) ([]models.RankingVoteRow, error) {
	const query = `SELECT teacher_email AS rater_id, group_id AS item_id, rank, created_at AS batch_at
		FROM teacher_submission_rankings
		WHERE project_id = $1 AND stage_id = $2
		ORDER BY teacher_email, created_at DESC`
	var rows []models.RankingVoteRow
	if err := r.db.SelectContext(ctx, &rows, query, projectID, stageID); err != nil {
		return nil, fmt.Errorf("list teacher submission votes: %w", err)
	}
	return rows, nil
}

// ListTeacherCommentVotes returns every teacher ranking row of comments in the stage.
func (r *VotingRepository) ListTeacherCommentVotes(ctx context.Context, projectID, stageID string) ([]models.RankingVoteRow, error) {
	const query = `SELECT teacher_email AS rater_id, comment_id AS item_id, rank, created_at AS batch_at
		FROM teacher_comment_rankings
		WHERE project_id = $1 AND stage_id = $2
		ORDER BY teacher_email, created_at DESC`
	var rows []models.RankingVoteRow
	if err := r.db.SelectContext(ctx, &rows, query, projectID, stageID); err != nil {
		return nil, fmt.Errorf("list teacher comment votes: %w", err)
	}
	return rows, nil
}

const latestProposalsCTE = `WITH latest AS (
		SELECT rp.id, rp.project_id, rp.stage_id, rp.group_id, rp.ranking_data, rp.status, rp.voting_result, rp.created_at, rp.settled_at,
		       ROW_NUMBER() OVER (PARTITION BY rp.group_id ORDER BY rp.created_at DESC) AS rn
		FROM ranking_proposals rp
		WHERE rp.project_id = $1 AND rp.stage_id = $2
	)`

// ListLatestProposals returns the newest proposal of each group with its reset count.
func (r *VotingRepository) ListLatestProposals(ctx context.Context, projectID, stageID string) ([]models.RankingProposal, error) {
	return r.listProposals(ctx, projectID, stageID, "")
}

// ListApprovedProposals returns the latest proposals that are pending with an agree result.
func (r *VotingRepository) ListApprovedProposals(ctx context.Context, projectID, stageID string) ([]models.RankingProposal, error) {
	return r.listProposals(ctx, projectID, stageID, ` AND l.status = 'pending' AND l.voting_result = 'agree'`)
}

func (r *VotingRepository) listProposals(ctx context.Context, projectID, stageID, filter string) ([]models.RankingProposal, error) {
	query := latestProposalsCTE + `
		SELECT l.id, l.project_id, l.stage_id, l.group_id, g.name AS group_name, l.ranking_data, l.status, l.voting_result,
		       (SELECT COUNT(*) FROM ranking_proposals x
		         WHERE x.project_id = l.project_id AND x.stage_id = l.stage_id AND x.group_id = l.group_id AND x.status = 'reset') AS reset_count,
		       l.created_at, l.settled_at
		FROM latest l
		LEFT JOIN groups g ON g.id = l.group_id
		WHERE l.rn = 1` + filter + `
		ORDER BY l.group_id`
	var proposals []models.RankingProposal
	if err := r.db.SelectContext(ctx, &proposals, query, projectID, stageID); err != nil {
		return nil, fmt.Errorf("list ranking proposals: %w", err)
	}
	return proposals, nil
}

// ListGroupVotingProgress returns member and voter counts for every approved proposal.
func (r *VotingRepository) ListGroupVotingProgress(ctx context.Context, projectID, stageID string) ([]models.GroupVotingProgress, error) {
	query := latestProposalsCTE + `
		SELECT l.group_id, g.name AS group_name, l.id AS proposal_id,
		       (SELECT COUNT(*) FROM group_members gm WHERE gm.group_id = l.group_id AND gm.is_active) AS total_members,
		       (SELECT COUNT(DISTINCT pv.voter_email) FROM proposal_votes pv WHERE pv.proposal_id = l.id) AS voted_members
		FROM latest l
		LEFT JOIN groups g ON g.id = l.group_id
		WHERE l.rn = 1 AND l.status = 'pending' AND l.voting_result = 'agree'
		ORDER BY l.group_id`
	var progress []models.GroupVotingProgress
	if err := r.db.SelectContext(ctx, &progress, query, projectID, stageID); err != nil {
		return nil, fmt.Errorf("list group voting progress: %w", err)
	}
	return progress, nil
}

// ListLatestCommentProposals returns each active member's newest comment ranking.
func (r *VotingRepository) ListLatestCommentProposals(ctx context.Context, projectID, stageID string) ([]models.CommentRankingProposal, error) {
	const query = `WITH latest AS (
			SELECT crp.id, crp.author_email, crp.ranking_data, crp.created_at,
			       ROW_NUMBER() OVER (PARTITION BY crp.author_email ORDER BY crp.created_at DESC) AS rn
			FROM comment_ranking_proposals crp
			WHERE crp.project_id = $1 AND crp.stage_id = $2
		)
		SELECT l.id, l.author_email, l.ranking_data, l.created_at
		FROM latest l
		WHERE l.rn = 1
		  AND EXISTS (SELECT 1 FROM group_members gm WHERE gm.user_email = l.author_email AND gm.project_id = $1 AND gm.is_active)
		ORDER BY l.author_email`
	var proposals []models.CommentRankingProposal
	if err := r.db.SelectContext(ctx, &proposals, query, projectID, stageID); err != nil {
		return nil, fmt.Errorf("list comment ranking proposals: %w", err)
	}
	return proposals, nil
}

// CountCommentRankings counts student comment proposals from active members and teacher comment rankings.
func (r *VotingRepository) CountCommentRankings(ctx context.Context, projectID, stageID string) (models.CommentRankingCounts, error) {
	const query = `SELECT
		(SELECT COUNT(*) FROM comment_ranking_proposals crp
		  WHERE crp.project_id = $1 AND crp.stage_id = $2
		    AND EXISTS (SELECT 1 FROM group_members gm WHERE gm.user_email = crp.author_email AND gm.project_id = $1 AND gm.is_active)) AS student_rankings,
		(SELECT COUNT(*) FROM teacher_comment_rankings WHERE project_id = $1 AND stage_id = $2) AS teacher_rankings`
	var counts models.CommentRankingCounts
	if err := r.db.GetContext(ctx, &counts, query, projectID, stageID); err != nil {
		return counts, fmt.Errorf("count comment rankings: %w", err)
	}
	return counts, nil
}

// TeacherSubmissionRankingStats summarises teacher submission rankings.
func (r *VotingRepository) TeacherSubmissionRankingStats(ctx context.Context, projectID, stageID string) (models.TeacherRankingStats, error) {
	return r.teacherRankingStats(ctx, teacherSubmissionRankingsTable, projectID, stageID)
}

// TeacherCommentRankingStats summarises teacher comment rankings.
func (r *VotingRepository) TeacherCommentRankingStats(ctx context.Context, projectID, stageID string) (models.TeacherRankingStats, error) {
	return r.teacherRankingStats(ctx, teacherCommentRankingsTable, projectID, stageID)
}

func (r *VotingRepository) teacherRankingStats(ctx context.Context, table, projectID, stageID string) (models.TeacherRankingStats, error) {
	query := fmt.Sprintf(`SELECT COUNT(DISTINCT teacher_email) AS teachers_who_ranked, COUNT(*) AS total_rankings
		FROM %s WHERE project_id = $1 AND stage_id = $2`, table)
	var stats models.TeacherRankingStats
	if err := r.db.GetContext(ctx, &stats, query, projectID, stageID); err != nil {
		return stats, fmt.Errorf("teacher ranking stats from %s: %w", table, err)
	}
	return stats, nil
}

// CountActiveTeachers counts active teachers assigned to the project.
func (r *VotingRepository) CountActiveTeachers(ctx context.Context, projectID string) (int, error) {
	const query = `SELECT COUNT(DISTINCT user_email) FROM project_members WHERE project_id = $1 AND role = 'teacher' AND is_active`
	var total int
	if err := r.db.GetContext(ctx, &total, query, projectID); err != nil {
		return 0, fmt.Errorf("count active teachers: %w", err)
	}
	return total, nil
}

// ListTeacherRankedGroups returns the groups that received at least one teacher ranking.
func (r *VotingRepository) ListTeacherRankedGroups(ctx context.Context, projectID, stageID string) ([]string, error) {
	const query = `SELECT DISTINCT group_id FROM teacher_submission_rankings WHERE project_id = $1 AND stage_id = $2 ORDER BY group_id`
	var groups []string
	if err := r.db.SelectContext(ctx, &groups, query, projectID, stageID); err != nil {
		return nil, fmt.Errorf("list teacher ranked groups: %w", err)
	}
	return groups, nil
}
