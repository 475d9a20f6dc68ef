package models

import (
	"encoding/json"
	"time"
)

// Submission is a group's approved deliverable for a stage.
type Submission struct {
	ID            string     `db:"id" json:"id"`
	ProjectID     string     `db:"project_id" json:"projectId"`
	StageID       string     `db:"stage_id" json:"stageId"`
	GroupID       string     `db:"group_id" json:"groupId"`
	GroupName     *string    `db:"group_name" json:"groupName,omitempty"`
	Participation []byte     `db:"participation" json:"-"`
	ApprovedAt    *time.Time `db:"approved_at" json:"approvedAt,omitempty"`
}

// Participants decodes the participation map keeping only positive shares.
func (s Submission) Participants() (map[string]float64, error) {
	result := make(map[string]float64)
	if len(s.Participation) == 0 {
		return result, nil
	}
	var raw map[string]float64
	if err := json.Unmarshal(s.Participation, &raw); err != nil {
		return nil, err
	}
	for email, share := range raw {
		if share > 0 {
			result[email] = share
		}
	}
	return result, nil
}

// DisplayName returns the group name or falls back to the group id.
func (s Submission) DisplayName() string {
	if s.GroupName != nil && *s.GroupName != "" {
		return *s.GroupName
	}
	return s.GroupID
}

// Comment is a stage discussion entry that may receive comment rewards.
type Comment struct {
	ID          string `db:"id" json:"id"`
	ProjectID   string `db:"project_id" json:"projectId"`
	StageID     string `db:"stage_id" json:"stageId"`
	AuthorEmail string `db:"author_email" json:"authorEmail"`
	Content     string `db:"content" json:"content"`
}

// Preview returns at most n runes of the comment content.
func (c Comment) Preview(n int) string {
	runes := []rune(c.Content)
	if len(runes) <= n {
		return c.Content
	}
	return string(runes[:n])
}
