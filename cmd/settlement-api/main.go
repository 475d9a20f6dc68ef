package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	_ "github.com/noah-isme/scoring-settlement-api/api/swagger"
	"github.com/noah-isme/scoring-settlement-api/internal/handler"
	"github.com/noah-isme/scoring-settlement-api/internal/middleware"
	"github.com/noah-isme/scoring-settlement-api/internal/models"
	"github.com/noah-isme/scoring-settlement-api/internal/repository"
	"github.com/noah-isme/scoring-settlement-api/internal/service"
	"github.com/noah-isme/scoring-settlement-api/pkg/cache"
	"github.com/noah-isme/scoring-settlement-api/pkg/config"
	"github.com/noah-isme/scoring-settlement-api/pkg/database"
	"github.com/noah-isme/scoring-settlement-api/pkg/jobs"
	"github.com/noah-isme/scoring-settlement-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/scoring-settlement-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/scoring-settlement-api/pkg/middleware/requestid"
	"github.com/noah-isme/scoring-settlement-api/pkg/notify"
	"github.com/noah-isme/scoring-settlement-api/pkg/tracing"
)

// @title Scoring Settlement API
// @version 1.0.0
// @description Stage settlement engine for project peer review rewards
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := tracing.NewProvider(cfg.Tracing, cfg.Env, logr)
	if err != nil {
		logr.Fatal("failed to init tracing", zap.Error(err))
	}
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect redis", zap.Error(err))
	}
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	metrics := service.NewMetricsService()
	publisher := notify.NewRedisPublisher(redisClient, cfg.Notification.ChannelPrefix)
	notifier := service.NewNotificationService(publisher, metrics, logr, service.NotificationServiceConfig{
		Timeout:       cfg.Notification.Timeout,
		RatePerSecond: cfg.Notification.RatePerSecond,
		Burst:         cfg.Notification.Burst,
	})
	projects := repository.NewProjectRepository(db)
	settlementSvc := newSettlementService(cfg, db, cacheRepo, projects, publisher, notifier, metrics, tracerProvider, logr)
	authSvc := service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Audience:          firstOrEmpty(cfg.JWT.Audience),
	})
	auditRepo := repository.NewAuditRepository(db)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	metricsHandler := handler.NewMetricsHandler(metrics, map[string]handler.ReadinessCheck{
		"postgres": db.PingContext,
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	})
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(authSvc))
	api.Use(middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleTeacher, models.RoleStudent))

	settlementHandler := handler.NewSettlementHandler(settlementSvc)
	api.GET("/stages/:id/settlement/preview", settlementHandler.Preview)
	api.GET("/stages/:id/settlement/validation", settlementHandler.Validate)
	api.POST("/stages/:id/settlement", settlementHandler.Settle)
	api.GET("/stages/:id/settlement", settlementHandler.Results)

	historyHandler := handler.NewSettlementHistoryHandler(settlementSvc)
	api.GET("/projects/:projectId/settlements", historyHandler.List)
	api.GET("/projects/:projectId/settlements/:settlementId", historyHandler.Details)
	api.GET("/projects/:projectId/settlements/:settlementId/transactions", historyHandler.Transactions)

	var queue *jobs.Queue
	if cfg.Settlement.AsyncEnabled {
		taskRepo := repository.NewSettlementTaskRepository(db)
		worker := service.NewSettlementWorker(taskRepo, repository.NewStageRepository(db), settlementSvc, projects, notifier, logr)
		queue = jobs.NewQueue("settlement", worker.Handle, jobs.QueueConfig{
			Workers:     cfg.Settlement.Workers,
			MaxRetries:  cfg.Settlement.WorkerRetries,
			RetryDelay:  cfg.Settlement.RetryDelay,
			OnExhausted: worker.Abandon,
			Logger:      logr,
		})
		queue.Start(ctx)

		taskSvc := service.NewSettlementTaskService(taskRepo, settlementSvc, queue, logr)
		taskSvc.RecoverPendingTasks(ctx)

		taskHandler := handler.NewSettlementTaskHandler(taskSvc)
		api.POST("/stages/:id/settlement/tasks",
			middleware.Audit(auditRepo, logr, models.AuditActionSettlementRequested, "stage", "id"),
			taskHandler.Enqueue)
		api.GET("/settlement-tasks/:taskId", taskHandler.Status)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "async_settlement", cfg.Settlement.AsyncEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("server shutdown failed", zap.Error(err))
	}
	if queue != nil {
		queue.Stop()
	}
	if err := notifier.WaitContext(shutdownCtx); err != nil {
		logr.Warn("notifications still in flight at shutdown", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logr.Warn("tracer provider shutdown failed", zap.Error(err))
	}
}

func newSettlementService(
	cfg *config.Config,
	db *sqlx.DB,
	cacheRepo *repository.CacheRepository,
	projects *repository.ProjectRepository,
	publisher *notify.RedisPublisher,
	notifier *service.NotificationService,
	metrics *service.MetricsService,
	tracerProvider trace.TracerProvider,
	logr *zap.Logger,
) *service.SettlementService {
	voting := repository.NewVotingRepository(db)
	submissions := repository.NewSubmissionRepository(db)

	scoring := service.NewScoringConfigService(projects, cacheRepo, validator.New(), logr, models.ScoringConfig{
		StudentWeight:           cfg.Scoring.StudentWeight,
		TeacherWeight:           cfg.Scoring.TeacherWeight,
		MaxCommentSelections:    cfg.Scoring.MaxCommentSelections,
		CommentRewardPercentile: cfg.Scoring.CommentRewardPercentile,
	})

	return service.NewSettlementService(service.SettlementServiceParams{
		Stages:      repository.NewStageRepository(db),
		Voting:      voting,
		Submissions: submissions,
		Comments:    repository.NewCommentRepository(db),
		Settlements: repository.NewSettlementRepository(db),
		Projects:    projects,
		Audit:       repository.NewAuditRepository(db),
		Scoring:     scoring,
		Validator:   service.NewPreSettlementValidator(voting, submissions, logr),
		Cache:       service.NewCacheService(cacheRepo, metrics, cfg.Settlement.ResultsCacheTTL, logr, cfg.Settlement.CacheEnabled),
		Progress:    service.NewProgressEmitter(publisher, cfg.Notification.Timeout, logr),
		Notifier:    notifier,
		Metrics:     metrics,
		Tracer:      tracerProvider,
		Logger:      logr,
		Config:      service.SettlementServiceConfig{ResultsCacheTTL: cfg.Settlement.ResultsCacheTTL},
	})
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
