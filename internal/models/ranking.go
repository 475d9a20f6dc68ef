package models

import "time"

// RankingVoteRow is one raw item rank cast by a rater within a batch.
type RankingVoteRow struct {
	RaterID string    `db:"rater_id"`
	ItemID  string    `db:"item_id"`
	Rank    int       `db:"rank"`
	BatchAt time.Time `db:"batch_at"`
}

// RaterRanking is one rater's latest complete ranking.
type RaterRanking struct {
	RaterID  string         `json:"raterId"`
	Rankings map[string]int `json:"rankings"`
}

// Proposal lifecycle values.
const (
	ProposalStatusPending   = "pending"
	ProposalStatusSettled   = "settled"
	ProposalStatusWithdrawn = "withdrawn"
	ProposalStatusReset     = "reset"

	VotingResultAgree    = "agree"
	VotingResultDisagree = "disagree"
	VotingResultTie      = "tie"
	VotingResultNoVotes  = "no_votes"
)

// RankingProposal is a group-authored ranking of the stage's submissions.
type RankingProposal struct {
	ID           string     `db:"id" json:"id"`
	ProjectID    string     `db:"project_id" json:"projectId"`
	StageID      string     `db:"stage_id" json:"stageId"`
	GroupID      string     `db:"group_id" json:"groupId"`
	GroupName    *string    `db:"group_name" json:"groupName,omitempty"`
	RankingData  []byte     `db:"ranking_data" json:"-"`
	Status       string     `db:"status" json:"status"`
	VotingResult string     `db:"voting_result" json:"votingResult"`
	ResetCount   int        `db:"reset_count" json:"resetCount"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	SettledAt    *time.Time `db:"settled_at" json:"settledAt,omitempty"`
}

// Approved reports whether the proposal is eligible for settlement.
func (p RankingProposal) Approved() bool {
	return p.Status == ProposalStatusPending && p.VotingResult == VotingResultAgree
}

// GroupVotingProgress compares a group's active members with the voters on its approved proposal.
type GroupVotingProgress struct {
	GroupID      string  `db:"group_id" json:"groupId"`
	GroupName    *string `db:"group_name" json:"groupName,omitempty"`
	ProposalID   string  `db:"proposal_id" json:"proposalId"`
	TotalMembers int     `db:"total_members" json:"totalMembers"`
	VotedMembers int     `db:"voted_members" json:"votedMembers"`
}

// CommentRankingProposal is a student's personal ranking of comments.
type CommentRankingProposal struct {
	ID          string    `db:"id"`
	AuthorEmail string    `db:"author_email"`
	RankingData []byte    `db:"ranking_data"`
	CreatedAt   time.Time `db:"created_at"`
}

// TeacherRankingStats summarises teacher ranking coverage.
type TeacherRankingStats struct {
	TeachersWhoRanked int `db:"teachers_who_ranked" json:"teachersWhoRanked"`
	TotalRankings     int `db:"total_rankings" json:"totalRankings"`
}

// CommentRankingCounts counts comment rankings by track.
type CommentRankingCounts struct {
	Student int `db:"student_rankings"`
	Teacher int `db:"teacher_rankings"`
}
