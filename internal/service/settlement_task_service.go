package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/scoring-settlement-api/internal/dto"
	"github.com/noah-isme/scoring-settlement-api/internal/models"
	appErrors "github.com/noah-isme/scoring-settlement-api/pkg/errors"
	"github.com/noah-isme/scoring-settlement-api/pkg/idgen"
	"github.com/noah-isme/scoring-settlement-api/pkg/jobs"
)

// SettlementJobType tags settlement jobs on the background queue.
const SettlementJobType = "settlement"

const noteAlreadySettled = "stage was already settled; nothing to do"

type settlementTaskStore interface {
	Create(ctx context.Context, task *models.SettlementTask) error
	GetByID(ctx context.Context, id string) (*models.SettlementTask, error)
	ListPending(ctx context.Context, limit int) ([]models.SettlementTask, error)
	MarkProcessing(ctx context.Context, id string, at time.Time) error
	Requeue(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, settlementID string, at time.Time) error
	MarkCompletedWithNote(ctx context.Context, id, note string, at time.Time) error
	MarkFailed(ctx context.Context, id, code, message string, at time.Time) error
}

type taskDispatcher interface {
	Enqueue(job jobs.Job) error
}

type stageSettler interface {
	AuthorizeSettlement(ctx context.Context, actor *models.JWTClaims, stageID string) (*models.Stage, error)
	AuthorizeProjectView(ctx context.Context, actor *models.JWTClaims, projectID string) error
	SettleStage(ctx context.Context, actor *models.JWTClaims, stageID string, force bool) (*dto.SettlementOutcome, error)
}

type stageReader interface {
	GetByID(ctx context.Context, stageID string) (*models.Stage, error)
}

// SettlementTaskService accepts settlement requests for background execution.
type SettlementTaskService struct {
	tasks   settlementTaskStore
	settler stageSettler
	queue   taskDispatcher
	logger  *zap.Logger
	now     func() time.Time
}

// NewSettlementTaskService constructs the service.
func NewSettlementTaskService(tasks settlementTaskStore, settler stageSettler, queue taskDispatcher, logger *zap.Logger) *SettlementTaskService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettlementTaskService{
		tasks:   tasks,
		settler: settler,
		queue:   queue,
		logger:  logger,
		now:     time.Now,
	}
}

// EnqueueSettlement records a pending task for the stage and hands it to the queue.
func (s *SettlementTaskService) EnqueueSettlement(ctx context.Context, actor *models.JWTClaims, stageID string, force bool) (*models.SettlementTask, error) {
	stage, err := s.settler.AuthorizeSettlement(ctx, actor, stageID)
	if err != nil {
		return nil, err
	}
	if stage.StatusAt(s.now()) == models.StageStatusCompleted {
		return nil, appErrors.ErrStageAlreadySettled
	}

	task := &models.SettlementTask{
		ID:            idgen.New(idgen.PrefixTask),
		ProjectID:     stage.ProjectID,
		StageID:       stageID,
		OperatorID:    actor.UserID,
		OperatorEmail: actor.Email,
		OperatorRole:  string(actor.Role),
		Force:         force,
		Status:        models.SettlementTaskPending,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create settlement task")
	}

	if err := s.queue.Enqueue(jobs.Job{ID: task.ID, Key: stageID, Type: SettlementJobType}); err != nil {
		appErr := appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue settlement task")
		if errors.Is(err, jobs.ErrDuplicateKey) {
			appErr = appErrors.Clone(appErrors.ErrSettlementInProgress, "a settlement task for this stage is already running")
		}
		if markErr := s.tasks.MarkFailed(ctx, task.ID, appErr.Code, appErr.Message, s.now().UTC()); markErr != nil {
			s.logger.Sugar().Warnw("failed to mark settlement task failed", "task_id", task.ID, "error", markErr)
		}
		return nil, appErr
	}
	return task, nil
}

// GetTask returns a task to its operator or to anyone allowed to view the project.
func (s *SettlementTaskService) GetTask(ctx context.Context, actor *models.JWTClaims, taskID string) (*models.SettlementTask, error) {
	if actor == nil || actor.Email == "" {
		return nil, appErrors.ErrUnauthorized
	}
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "settlement task not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load settlement task")
	}
	if task.OperatorEmail == actor.Email {
		return task, nil
	}
	if err := s.settler.AuthorizeProjectView(ctx, actor, task.ProjectID); err != nil {
		return nil, err
	}
	return task, nil
}

// RecoverPendingTasks requeues tasks left pending by a previous process.
func (s *SettlementTaskService) RecoverPendingTasks(ctx context.Context) {
	pending, err := s.tasks.ListPending(ctx, 50)
	if err != nil {
		s.logger.Sugar().Warnw("failed to recover pending settlement tasks", "error", err)
		return
	}
	for _, task := range pending {
		if err := s.queue.Enqueue(jobs.Job{ID: task.ID, Key: task.StageID, Type: SettlementJobType}); err != nil {
			s.logger.Sugar().Warnw("failed to requeue settlement task", "task_id", task.ID, "error", err)
		}
	}
}

type projectManagerLister interface {
	ListManagerEmails(ctx context.Context, projectID string) ([]string, error)
}

type settlementFailureNotifier interface {
	DispatchSettlementFailure(notice SettlementFailureNotice)
}

// SettlementWorker runs queued settlement tasks.
type SettlementWorker struct {
	tasks    settlementTaskStore
	stages   stageReader
	settler  stageSettler
	managers projectManagerLister
	notifier settlementFailureNotifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewSettlementWorker constructs a worker. Managers and notifier may be nil,
// in which case failed tasks are only recorded.
func NewSettlementWorker(tasks settlementTaskStore, stages stageReader, settler stageSettler, managers projectManagerLister, notifier settlementFailureNotifier, logger *zap.Logger) *SettlementWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettlementWorker{
		tasks:    tasks,
		stages:   stages,
		settler:  settler,
		managers: managers,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle processes one queue job. Storage failures before the settlement
// starts are retried by the queue. Once SettleStage has run, its outcome is
// final: a failed settlement is recorded and never re-run automatically.
func (w *SettlementWorker) Handle(ctx context.Context, job jobs.Job) error {
	task, err := w.tasks.GetByID(ctx, job.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Permanent(fmt.Errorf("settlement task %s not found", job.ID))
		}
		return err
	}
	if err := w.tasks.MarkProcessing(ctx, task.ID, w.now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			w.logger.Debug("settlement task already claimed", zap.String("task_id", task.ID))
			return nil
		}
		return err
	}

	stage, err := w.stages.GetByID(ctx, task.StageID)
	switch {
	case err == nil && stage.StatusAt(w.now()) == models.StageStatusCompleted:
		w.completeWithNote(ctx, task.ID)
		return nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		if requeueErr := w.tasks.Requeue(ctx, task.ID); requeueErr != nil {
			w.logger.Sugar().Warnw("failed to requeue settlement task", "task_id", task.ID, "error", requeueErr)
		}
		return fmt.Errorf("load stage %s: %w", task.StageID, err)
	}

	outcome, err := w.settler.SettleStage(ctx, task.Operator(), task.StageID, task.Force)
	if err != nil {
		appErr := appErrors.FromError(err)
		if appErr.Code == appErrors.ErrStageAlreadySettled.Code {
			w.completeWithNote(ctx, task.ID)
			return nil
		}
		w.fail(ctx, task, appErr)
		return jobs.Permanent(err)
	}

	if err := w.tasks.MarkCompleted(ctx, task.ID, outcome.SettlementID, w.now().UTC()); err != nil {
		w.logger.Sugar().Warnw("failed to mark settlement task completed",
			"task_id", task.ID, "settlement_id", outcome.SettlementID, "error", err)
	}
	w.logger.Info("settlement task completed",
		zap.String("task_id", task.ID),
		zap.String("stage_id", task.StageID),
		zap.String("settlement_id", outcome.SettlementID))
	return nil
}

// Abandon records a task the queue stopped retrying. Permanent failures were
// already recorded by Handle.
func (w *SettlementWorker) Abandon(ctx context.Context, job jobs.Job, err error) {
	if jobs.IsPermanent(err) {
		return
	}
	appErr := appErrors.FromError(err)
	task, loadErr := w.tasks.GetByID(ctx, job.ID)
	if loadErr != nil {
		w.logger.Sugar().Warnw("failed to load abandoned settlement task", "task_id", job.ID, "error", loadErr)
		w.markFailed(ctx, job.ID, appErr)
		return
	}
	w.fail(ctx, task, appErr)
}

// fail records the failure on the task and tells the project managers.
func (w *SettlementWorker) fail(ctx context.Context, task *models.SettlementTask, appErr *appErrors.Error) {
	w.markFailed(ctx, task.ID, appErr)
	w.logger.Warn("settlement task failed",
		zap.String("task_id", task.ID),
		zap.String("stage_id", task.StageID),
		zap.String("code", appErr.Code),
		zap.String("message", appErr.Message))

	if w.notifier == nil || w.managers == nil {
		return
	}
	managers, err := w.managers.ListManagerEmails(ctx, task.ProjectID)
	if err != nil {
		w.logger.Sugar().Warnw("failed to list project managers for failure notice", "task_id", task.ID, "error", err)
		return
	}
	w.notifier.DispatchSettlementFailure(SettlementFailureNotice{
		ProjectID:    task.ProjectID,
		StageID:      task.StageID,
		TaskID:       task.ID,
		Operator:     task.OperatorEmail,
		ErrorCode:    appErr.Code,
		ErrorMessage: appErr.Message,
		Managers:     managers,
	})
}

func (w *SettlementWorker) markFailed(ctx context.Context, taskID string, appErr *appErrors.Error) {
	if err := w.tasks.MarkFailed(ctx, taskID, appErr.Code, appErr.Message, w.now().UTC()); err != nil {
		w.logger.Sugar().Warnw("failed to mark settlement task failed", "task_id", taskID, "error", err)
	}
}

func (w *SettlementWorker) completeWithNote(ctx context.Context, taskID string) {
	if err := w.tasks.MarkCompletedWithNote(ctx, taskID, noteAlreadySettled, w.now().UTC()); err != nil {
		w.logger.Sugar().Warnw("failed to mark settlement task completed", "task_id", taskID, "error", err)
	}
}
