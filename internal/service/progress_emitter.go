package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/scoring-settlement-api/pkg/notify"
)

// EventTypeSettlementProgress is the notification type of progress pushes.
const EventTypeSettlementProgress = "settlement_progress"

// ProgressMilestone is one reported step of a settlement run.
type ProgressMilestone struct {
	Step    string
	Percent int
}

// Settlement milestones in the order they are reached.
var (
	MilestoneInitializing        = ProgressMilestone{Step: "INITIALIZING", Percent: 0}
	MilestoneLockAcquired        = ProgressMilestone{Step: "LOCK_ACQUIRED", Percent: 10}
	MilestoneVotesCalculated     = ProgressMilestone{Step: "VOTES_CALCULATED", Percent: 30}
	MilestoneReportDistribution  = ProgressMilestone{Step: "DISTRIBUTING_REPORT_REWARDS", Percent: 60}
	MilestoneCommentDistribution = ProgressMilestone{Step: "DISTRIBUTING_COMMENT_REWARDS", Percent: 80}
	MilestoneCompleted           = ProgressMilestone{Step: "COMPLETED", Percent: 100}
)

type eventPublisher interface {
	Publish(ctx context.Context, event notify.Event) error
}

// ProgressEmitter pushes settlement milestones to the operator running it.
type ProgressEmitter struct {
	publisher eventPublisher
	timeout   time.Duration
	logger    *zap.Logger
}

// NewProgressEmitter constructs an emitter. Every push is bounded by timeout.
func NewProgressEmitter(publisher eventPublisher, timeout time.Duration, logger *zap.Logger) *ProgressEmitter {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressEmitter{publisher: publisher, timeout: timeout, logger: logger}
}

// Emit publishes a milestone. Failures are logged and never surface to the caller.
func (e *ProgressEmitter) Emit(ctx context.Context, operator, projectID, stageID string, milestone ProgressMilestone) {
	if e == nil || e.publisher == nil || operator == "" {
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	err := e.publisher.Publish(pushCtx, notify.Event{
		Type:      EventTypeSettlementProgress,
		Recipient: operator,
		ProjectID: projectID,
		StageID:   stageID,
		Message:   milestone.Step,
		Payload: map[string]interface{}{
			"step":     milestone.Step,
			"progress": milestone.Percent,
		},
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("settlement progress push failed",
			zap.String("stage_id", stageID),
			zap.String("step", milestone.Step),
			zap.Error(err))
	}
}
