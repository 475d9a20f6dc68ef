package models

import "time"

// SettlementTaskStatus captures asynchronous settlement task states.
type SettlementTaskStatus string

const (
	SettlementTaskPending    SettlementTaskStatus = "pending"
	SettlementTaskProcessing SettlementTaskStatus = "processing"
	SettlementTaskCompleted  SettlementTaskStatus = "completed"
	SettlementTaskFailed     SettlementTaskStatus = "failed"
)

// SettlementTask is a queued settlement request.
type SettlementTask struct {
	ID            string               `db:"id" json:"id"`
	ProjectID     string               `db:"project_id" json:"projectId"`
	StageID       string               `db:"stage_id" json:"stageId"`
	OperatorID    string               `db:"operator_id" json:"operatorId"`
	OperatorEmail string               `db:"operator_email" json:"operatorEmail"`
	OperatorRole  string               `db:"operator_role" json:"-"`
	Force         bool                 `db:"force" json:"force"`
	Status        SettlementTaskStatus `db:"status" json:"status"`
	SettlementID  *string              `db:"settlement_id" json:"settlementId,omitempty"`
	ErrorCode     *string              `db:"error_code" json:"errorCode,omitempty"`
	ErrorMessage  *string              `db:"error_message" json:"errorMessage,omitempty"`
	Note          *string              `db:"note" json:"note,omitempty"`
	CreatedAt     time.Time            `db:"created_at" json:"createdAt"`
	StartedAt     *time.Time           `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt    *time.Time           `db:"finished_at" json:"finishedAt,omitempty"`
}

// Operator rebuilds the claims of the user who requested the task.
func (t *SettlementTask) Operator() *JWTClaims {
	return &JWTClaims{UserID: t.OperatorID, Email: t.OperatorEmail, Role: UserRole(t.OperatorRole)}
}
