package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/noah-isme/scoring-settlement-api/internal/models"
	"github.com/noah-isme/scoring-settlement-api/pkg/notify"
)

// Notification types sent after a settlement commits or fails.
const (
	EventTypeTransactionReceived = "transaction_received"
	EventTypeStageSettled        = "stage_settled"
	EventTypeSettlementFailed    = "settlement_failed"
)

// SettlementNotice describes a committed settlement for notification fan-out.
type SettlementNotice struct {
	ProjectID    string
	StageID      string
	StageName    string
	SettlementID string
	Transactions []models.Transaction
	Members      []string
}

// SettlementFailureNotice describes a background settlement that did not complete.
type SettlementFailureNotice struct {
	ProjectID    string
	StageID      string
	TaskID       string
	Operator     string
	ErrorCode    string
	ErrorMessage string
	Managers     []string
}

// NotificationServiceConfig tunes fan-out.
type NotificationServiceConfig struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// NotificationService delivers post-settlement notifications off the request path.
type NotificationService struct {
	publisher eventPublisher
	limiter   *rate.Limiter
	timeout   time.Duration
	metrics   *MetricsService
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewNotificationService constructs the service.
func NewNotificationService(publisher eventPublisher, metrics *MetricsService, logger *zap.Logger, cfg NotificationServiceConfig) *NotificationService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		timeout:   cfg.Timeout,
		metrics:   metrics,
		logger:    logger,
	}
}

// DispatchSettlement sends the notice on a detached goroutine bounded by the
// service timeout. It returns immediately.
func (s *NotificationService) DispatchSettlement(notice SettlementNotice) {
	if s == nil || s.publisher == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		sent, failed := s.deliver(ctx, BuildSettlementEvents(notice))
		s.logger.Info("settlement notifications delivered",
			zap.String("stage_id", notice.StageID),
			zap.String("settlement_id", notice.SettlementID),
			zap.Int("sent", sent),
			zap.Int("failed", failed))
	}()
}

// DispatchSettlementFailure alerts the project managers that a queued
// settlement failed. Like DispatchSettlement it never blocks the caller.
func (s *NotificationService) DispatchSettlementFailure(notice SettlementFailureNotice) {
	if s == nil || s.publisher == nil || len(notice.Managers) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		sent, failed := s.deliver(ctx, BuildSettlementFailureEvents(notice))
		s.logger.Info("settlement failure notifications delivered",
			zap.String("stage_id", notice.StageID),
			zap.String("task_id", notice.TaskID),
			zap.Int("sent", sent),
			zap.Int("failed", failed))
	}()
}

// Wait blocks until in-flight dispatches finish.
func (s *NotificationService) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

// WaitContext is Wait bounded by ctx. It returns ctx.Err() when deliveries
// are still running at the deadline.
func (s *NotificationService) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *NotificationService) deliver(ctx context.Context, events []notify.Event) (sent, failed int) {
	for i, event := range events {
		if err := s.limiter.Wait(ctx); err != nil {
			remaining := len(events) - i
			s.logger.Warn("notification fan-out interrupted", zap.Int("dropped", remaining), zap.Error(err))
			s.metrics.RecordNotifications("dropped", remaining)
			return sent, failed + remaining
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			failed++
			s.metrics.RecordNotifications("failed", 1)
			s.logger.Warn("notification publish failed", zap.String("type", event.Type), zap.String("recipient", event.Recipient), zap.Error(err))
			continue
		}
		sent++
		s.metrics.RecordNotifications("sent", 1)
	}
	return sent, failed
}

// BuildSettlementEvents creates one transaction_received event per point
// grant and one stage_settled event per stage member.
func BuildSettlementEvents(notice SettlementNotice) []notify.Event {
	now := time.Now().UTC()
	stageLabel := notice.StageName
	if stageLabel == "" {
		stageLabel = notice.StageID
	}
	events := make([]notify.Event, 0, len(notice.Transactions)+len(notice.Members))
	for _, txn := range notice.Transactions {
		events = append(events, notify.Event{
			Type:      EventTypeTransactionReceived,
			Recipient: txn.UserEmail,
			ProjectID: notice.ProjectID,
			StageID:   notice.StageID,
			Title:     "Points received",
			Message:   fmt.Sprintf("You received %d points from %s", txn.Amount, stageLabel),
			Payload: map[string]interface{}{
				"transactionId":   txn.ID,
				"transactionType": txn.TransactionType,
				"amount":          txn.Amount,
				"settlementId":    notice.SettlementID,
			},
			OccurredAt: now,
		})
	}
	for _, member := range notice.Members {
		events = append(events, notify.Event{
			Type:       EventTypeStageSettled,
			Recipient:  member,
			ProjectID:  notice.ProjectID,
			StageID:    notice.StageID,
			Title:      "Stage settled",
			Message:    fmt.Sprintf("%s has been settled", stageLabel),
			Payload:    map[string]interface{}{"settlementId": notice.SettlementID},
			OccurredAt: now,
		})
	}
	return events
}

// BuildSettlementFailureEvents creates one settlement_failed event per manager.
func BuildSettlementFailureEvents(notice SettlementFailureNotice) []notify.Event {
	now := time.Now().UTC()
	events := make([]notify.Event, 0, len(notice.Managers))
	for _, manager := range notice.Managers {
		events = append(events, notify.Event{
			Type:      EventTypeSettlementFailed,
			Recipient: manager,
			ProjectID: notice.ProjectID,
			StageID:   notice.StageID,
			Title:     "Settlement failed",
			Message:   fmt.Sprintf("Settlement of stage %s failed: %s", notice.StageID, notice.ErrorMessage),
			Payload: map[string]interface{}{
				"taskId":       notice.TaskID,
				"operator":     notice.Operator,
				"errorCode":    notice.ErrorCode,
				"errorMessage": notice.ErrorMessage,
			},
			OccurredAt: now,
		})
	}
	return events
}
