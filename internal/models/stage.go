package models

import "time"

// StageStatus is derived from the stage's time window and lifecycle markers.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusActive    StageStatus = "active"
	StageStatusVoting    StageStatus = "voting"
	StageStatusSettling  StageStatus = "settling"
	StageStatusCompleted StageStatus = "completed"
	StageStatusPaused    StageStatus = "paused"
	StageStatusArchived  StageStatus = "archived"
)

// Stage is one scoring round of a project.
type Stage struct {
	ID                string     `db:"id" json:"id"`
	ProjectID         string     `db:"project_id" json:"projectId"`
	Name              string     `db:"name" json:"name"`
	StartTime         time.Time  `db:"start_time" json:"startTime"`
	EndTime           time.Time  `db:"end_time" json:"endTime"`
	ReportRewardPool  float64    `db:"report_reward_pool" json:"reportRewardPool"`
	CommentRewardPool float64    `db:"comment_reward_pool" json:"commentRewardPool"`
	SettlingAt        *time.Time `db:"settling_at" json:"settlingAt,omitempty"`
	SettledAt         *time.Time `db:"settled_at" json:"settledAt,omitempty"`
	PausedAt          *time.Time `db:"paused_at" json:"pausedAt,omitempty"`
	ArchivedAt        *time.Time `db:"archived_at" json:"archivedAt,omitempty"`
	FinalRankings     []byte     `db:"final_rankings" json:"-"`
	ScoringResults    []byte     `db:"scoring_results" json:"-"`
	CommentRankings   []byte     `db:"comment_rankings" json:"-"`
	CommentScores     []byte     `db:"comment_scores" json:"-"`
}

// StatusAt derives the stage status at the given instant. Lifecycle markers
// take precedence over the time window.
func (s *Stage) StatusAt(now time.Time) StageStatus {
	switch {
	case s.ArchivedAt != nil:
		return StageStatusArchived
	case s.SettledAt != nil:
		return StageStatusCompleted
	case s.SettlingAt != nil:
		return StageStatusSettling
	case s.PausedAt != nil:
		return StageStatusPaused
	case now.Before(s.StartTime):
		return StageStatusPending
	case now.Before(s.EndTime):
		return StageStatusActive
	default:
		return StageStatusVoting
	}
}

// StageSettlementUpdate carries the stage columns written when a settlement commits.
type StageSettlementUpdate struct {
	StageID         string    `db:"stage_id"`
	SettledAt       time.Time `db:"settled_at"`
	FinalRankings   []byte    `db:"final_rankings"`
	ScoringResults  []byte    `db:"scoring_results"`
	CommentRankings []byte    `db:"comment_rankings"`
	CommentScores   []byte    `db:"comment_scores"`
}
