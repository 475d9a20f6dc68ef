package models

// Project member roles allowed to manage settlements.
const (
	ProjectRoleLeader  = "leader"
	ProjectRoleTeacher = "teacher"
	ProjectRoleMember  = "member"
)

// ProjectScoringOverrides holds nullable per-project scoring configuration.
type ProjectScoringOverrides struct {
	ProjectID               string   `db:"id"`
	StudentRankingWeight    *float64 `db:"student_ranking_weight"`
	TeacherRankingWeight    *float64 `db:"teacher_ranking_weight"`
	MaxCommentSelections    *int     `db:"max_comment_selections"`
	CommentRewardPercentile *float64 `db:"comment_reward_percentile"`
}

// ScoringConfig is the effective configuration used by a settlement.
type ScoringConfig struct {
	StudentWeight           float64 `json:"studentWeight" validate:"gte=0,lte=1"`
	TeacherWeight           float64 `json:"teacherWeight" validate:"gte=0,lte=1"`
	MaxCommentSelections    int     `json:"maxCommentSelections" validate:"gte=1"`
	CommentRewardPercentile float64 `json:"commentRewardPercentile" validate:"gte=0,lte=100"`
	Source                  string  `json:"source"`
}

// Scoring configuration sources.
const (
	ScoringConfigSourceProject = "project"
	ScoringConfigSourceSystem  = "system"
	ScoringConfigSourceService = "service"
	ScoringConfigSourceDefault = "default"
)

// Group is a project team whose submissions are ranked.
type Group struct {
	ID        string `db:"id" json:"id"`
	ProjectID string `db:"project_id" json:"projectId"`
	Name      string `db:"name" json:"name"`
	Status    string `db:"status" json:"status"`
}
