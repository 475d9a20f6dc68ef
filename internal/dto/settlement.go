package dto

import (
	"time"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
)

// SettleStageRequest captures POST /stages/:id/settlement payload.
type SettleStageRequest struct {
	Force bool `json:"force"`
}

// ValidationCheck is one named pre-settlement check.
type ValidationCheck struct {
	Passed  bool        `json:"passed"`
	Details interface{} `json:"details"`
}

// ValidationChecks groups the six pre-settlement checks.
type ValidationChecks struct {
	AllGroupsVoted               ValidationCheck `json:"allGroupsVoted"`
	AllProposalsApproved         ValidationCheck `json:"allProposalsApproved"`
	HasCommentRankings           ValidationCheck `json:"hasCommentRankings"`
	HasTeacherSubmissionRankings ValidationCheck `json:"hasTeacherSubmissionRankings"`
	HasTeacherCommentRankings    ValidationCheck `json:"hasTeacherCommentRankings"`
	AllGroupsRanked              ValidationCheck `json:"allGroupsRanked"`
}

// ValidationReport is the structured pre-settlement validation result.
type ValidationReport struct {
	Valid    bool             `json:"valid"`
	Checks   ValidationChecks `json:"checks"`
	Warnings []string         `json:"warnings"`
	Errors   []string         `json:"errors"`
}

// ValidationFailure is attached to VALIDATION_FAILED errors.
type ValidationFailure struct {
	Validation           *ValidationReport `json:"validation"`
	RequiresConfirmation bool              `json:"requiresConfirmation"`
}

// GroupsVotedDetails describes intra-group voting completion.
type GroupsVotedDetails struct {
	TotalGroups                int                          `json:"totalGroups"`
	GroupsWithSettledProposals int                          `json:"groupsWithSettledProposals"`
	GroupsWithAllMembersVoted  int                          `json:"groupsWithAllMembersVoted"`
	MissingGroups              []models.GroupVotingProgress `json:"missingGroups,omitempty"`
}

// UnsettledProposal lists a latest proposal that is not ready for settlement.
type UnsettledProposal struct {
	GroupID      string  `json:"groupId"`
	GroupName    *string `json:"groupName,omitempty"`
	ProposalID   string  `json:"proposalId"`
	Status       string  `json:"status"`
	VotingResult string  `json:"votingResult"`
	ResetCount   int     `json:"resetCount"`
}

// ProposalsApprovedDetails summarises the latest proposal per group.
type ProposalsApprovedDetails struct {
	TotalProposals        int                 `json:"totalProposals"`
	SettledProposals      int                 `json:"settledProposals"`
	AgreedProposals       int                 `json:"agreedProposals"`
	DisagreedProposals    int                 `json:"disagreedProposals"`
	TieProposals          int                 `json:"tieProposals"`
	TieProposalsCanReset  int                 `json:"tieProposalsCanReset"`
	TieProposalsUsedReset int                 `json:"tieProposalsUsedReset"`
	PendingProposals      int                 `json:"pendingProposals"`
	WithdrawnProposals    int                 `json:"withdrawnProposals"`
	ResetProposals        int                 `json:"resetProposals"`
	UnsettledProposals    []UnsettledProposal `json:"unsettledProposals,omitempty"`
}

// CommentRankingsDetails counts student and teacher comment rankings.
type CommentRankingsDetails struct {
	StudentCommentRankings int `json:"studentCommentRankings"`
	TeacherCommentRankings int `json:"teacherCommentRankings"`
	TotalCommentRankings   int `json:"totalCommentRankings"`
}

// TeacherRankingDetails counts teacher ranking coverage.
type TeacherRankingDetails struct {
	TeachersWhoRanked int `json:"teachersWhoRanked"`
	TotalTeachers     int `json:"totalTeachers"`
	TotalRankings     int `json:"totalRankings"`
}

// GroupsRankedDetails lists groups missing a student or teacher ranking.
type GroupsRankedDetails struct {
	TotalGroups               int      `json:"totalGroups"`
	AllGroupsRankedByStudents bool     `json:"allGroupsRankedByStudents"`
	AllGroupsRankedByTeachers bool     `json:"allGroupsRankedByTeachers"`
	UnrankedByStudents        []string `json:"unrankedByStudents"`
	UnrankedByTeachers        []string `json:"unrankedByTeachers"`
	StudentRankedCount        int      `json:"studentRankedCount"`
	TeacherRankedCount        int      `json:"teacherRankedCount"`
}

// SettlementPreview is the dry-run result of a settlement.
type SettlementPreview struct {
	StageID           string                `json:"stageId"`
	StageStatus       models.StageStatus    `json:"stageStatus"`
	ReportRewardPool  float64               `json:"reportRewardPool"`
	CommentRewardPool float64               `json:"commentRewardPool"`
	Config            models.ScoringConfig  `json:"config"`
	VoteCount         int                   `json:"voteCount"`
	Report            models.ScoringResult  `json:"report"`
	Comment           *models.ScoringResult `json:"comment,omitempty"`
	CommentTopN       int                   `json:"commentTopN,omitempty"`
	GroupNames        map[string]string     `json:"groupNames"`
}

// SettlementOutcome is returned by a successful settlement.
type SettlementOutcome struct {
	SettlementID             string             `json:"settlementId"`
	StageID                  string             `json:"stageId"`
	FinalRankings            map[string]int     `json:"finalRankings"`
	ScoringResults           map[string]float64 `json:"scoringResults"`
	WeightedScores           map[string]float64 `json:"weightedScores"`
	TotalPointsDistributed   float64            `json:"totalPointsDistributed"`
	ParticipantCount         int                `json:"participantCount"`
	SettledAt                time.Time          `json:"settledTime"`
	GroupNames               map[string]string  `json:"groupNames"`
	CommentAuthors           map[string]string  `json:"commentAuthors,omitempty"`
	CommentRankings          map[string]int     `json:"commentRankings,omitempty"`
	CommentScores            map[string]float64 `json:"commentScores,omitempty"`
	CommentPointsDistributed float64            `json:"commentPointsDistributed,omitempty"`
	Warnings                 []string           `json:"warnings,omitempty"`
}

// SettledResults exposes the persisted outcome of a completed stage.
type SettledResults struct {
	StageID         string                           `json:"stageId"`
	Settlement      *models.SettlementRecord         `json:"settlement,omitempty"`
	FinalRankings   map[string]int                   `json:"finalRankings"`
	ScoringResults  map[string]float64               `json:"scoringResults"`
	CommentRankings map[string]int                   `json:"commentRankings,omitempty"`
	CommentScores   map[string]float64               `json:"commentScores,omitempty"`
	GroupDetails    []models.GroupSettlementDetail   `json:"groupDetails"`
	CommentDetails  []models.CommentSettlementDetail `json:"commentDetails"`
}

// SettlementHistory lists the settlement records of a project, newest first.
type SettlementHistory struct {
	Settlements []models.SettlementRecord `json:"settlements"`
	TotalCount  int                       `json:"totalCount"`
}

// SettlementSummary totals the transactions of one settlement.
type SettlementSummary struct {
	TransactionCount  int      `json:"transactionCount"`
	TotalAmount       int64    `json:"totalAmount"`
	ParticipantEmails []string `json:"participantEmails"`
}

// SettlementDetails is the full audit view of one settlement.
type SettlementDetails struct {
	Settlement     *models.SettlementRecord         `json:"settlement"`
	Transactions   []models.Transaction             `json:"transactions"`
	GroupDetails   []models.GroupSettlementDetail   `json:"groupDetails"`
	CommentDetails []models.CommentSettlementDetail `json:"commentDetails"`
	Summary        SettlementSummary                `json:"summary"`
}

// SettlementTransactions lists the point grants written by one settlement.
type SettlementTransactions struct {
	Transactions []models.Transaction `json:"transactions"`
	TotalCount   int                  `json:"totalCount"`
	TotalAmount  int64                `json:"totalAmount"`
}
