package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// SettlementStatus tracks the lifecycle of a settlement record.
type SettlementStatus string

const (
	SettlementStatusPending  SettlementStatus = "pending"
	SettlementStatusActive   SettlementStatus = "active"
	SettlementStatusReversed SettlementStatus = "reversed"
)

// Transaction types written by settlements.
const (
	TransactionTypeStageSettlement   = "stage_settlement"
	TransactionTypeCommentSettlement = "comment_settlement"
)

// SettlementRecord is one executed settlement of a stage.
type SettlementRecord struct {
	ID                     string           `db:"id" json:"id"`
	ProjectID              string           `db:"project_id" json:"projectId"`
	StageID                string           `db:"stage_id" json:"stageId"`
	SettlementType         string           `db:"settlement_type" json:"settlementType"`
	OperatorEmail          string           `db:"operator_email" json:"operatorEmail"`
	TotalRewardDistributed float64          `db:"total_reward_distributed" json:"totalRewardDistributed"`
	ParticipantCount       int              `db:"participant_count" json:"participantCount"`
	Status                 SettlementStatus `db:"status" json:"status"`
	SettlementData         []byte           `db:"settlement_data" json:"-"`
	SettledAt              time.Time        `db:"settled_at" json:"settledAt"`
}

// SettlementHistoryFilter narrows a project's settlement history. Empty fields match everything.
type SettlementHistoryFilter struct {
	StageID        string           `form:"stageId"`
	SettlementType string           `form:"settlementType"`
	Status         SettlementStatus `form:"status" binding:"omitempty,oneof=pending active reversed"`
}

// SettlementSnapshot is the serialized audit snapshot stored with a settlement record.
type SettlementSnapshot struct {
	Rankings       map[string]int     `json:"rankings"`
	Scores         map[string]float64 `json:"scores"`
	WeightedScores map[string]float64 `json:"weightedScores"`
	VoteCount      int                `json:"voteCount"`
}

// GroupSettlementDetail is the per-group audit row of a settlement.
type GroupSettlementDetail struct {
	ID                       string         `db:"id" json:"id"`
	SettlementID             string         `db:"settlement_id" json:"settlementId"`
	ProjectID                string         `db:"project_id" json:"projectId"`
	StageID                  string         `db:"stage_id" json:"stageId"`
	GroupID                  string         `db:"group_id" json:"groupId"`
	FinalRank                int            `db:"final_rank" json:"finalRank"`
	StudentScore             float64        `db:"student_score" json:"studentScore"`
	TeacherScore             float64        `db:"teacher_score" json:"teacherScore"`
	TotalScore               float64        `db:"total_score" json:"totalScore"`
	AllocatedPoints          float64        `db:"allocated_points" json:"allocatedPoints"`
	MemberEmails             types.JSONText `db:"member_emails" json:"memberEmails"`
	MemberPointsDistribution types.JSONText `db:"member_points_distribution" json:"memberPointsDistribution"`
	CreatedAt                time.Time      `db:"created_at" json:"createdAt"`
}

// CommentSettlementDetail is the per-comment audit row of a settlement.
type CommentSettlementDetail struct {
	ID              string    `db:"id" json:"id"`
	SettlementID    string    `db:"settlement_id" json:"settlementId"`
	ProjectID       string    `db:"project_id" json:"projectId"`
	StageID         string    `db:"stage_id" json:"stageId"`
	CommentID       string    `db:"comment_id" json:"commentId"`
	AuthorEmail     string    `db:"author_email" json:"authorEmail"`
	FinalRank       int       `db:"final_rank" json:"finalRank"`
	StudentScore    float64   `db:"student_score" json:"studentScore"`
	TeacherScore    float64   `db:"teacher_score" json:"teacherScore"`
	TotalScore      float64   `db:"total_score" json:"totalScore"`
	AllocatedPoints float64   `db:"allocated_points" json:"allocatedPoints"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// Transaction is a single point grant to one user.
type Transaction struct {
	ID                  string         `db:"id" json:"id"`
	ProjectID           string         `db:"project_id" json:"projectId"`
	StageID             string         `db:"stage_id" json:"stageId"`
	SettlementID        string         `db:"settlement_id" json:"settlementId"`
	UserEmail           string         `db:"user_email" json:"userEmail"`
	Amount              int64          `db:"amount" json:"amount"`
	TransactionType     string         `db:"transaction_type" json:"transactionType"`
	Source              string         `db:"source" json:"source"`
	RelatedSubmissionID *string        `db:"related_submission_id" json:"relatedSubmissionId,omitempty"`
	RelatedCommentID    *string        `db:"related_comment_id" json:"relatedCommentId,omitempty"`
	Metadata            types.JSONText `db:"metadata" json:"metadata"`
	CreatedAt           time.Time      `db:"created_at" json:"createdAt"`
}

// CommentAward flags an awarded comment with its final rank.
type CommentAward struct {
	CommentID string `db:"comment_id"`
	Rank      int    `db:"award_rank"`
}

// SettlementBatch is the full write set committed atomically by a settlement.
type SettlementBatch struct {
	Record         SettlementRecord
	GroupDetails   []GroupSettlementDetail
	CommentDetails []CommentSettlementDetail
	CommentAwards  []CommentAward
	Transactions   []Transaction
	Stage          StageSettlementUpdate
}
