package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // PostgreSQL driver

	"cmdgate/internal/approvals"
	"cmdgate/internal/audit"
	"cmdgate/internal/broker"
	"cmdgate/internal/commands"
	"cmdgate/internal/config"
	"cmdgate/internal/constants"
	"cmdgate/internal/logger"
	"cmdgate/internal/notify"
	"cmdgate/internal/rules"
	"cmdgate/internal/users"
	"cmdgate/pkg/bootstrap"
	"cmdgate/pkg/health"
	"cmdgate/pkg/metrics"
	"cmdgate/pkg/middleware"
	"cmdgate/pkg/ratelimit"
	"cmdgate/pkg/tracing"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const serviceName = "cmdgate-service"

type App struct {
	config         *config.Config
	logger         logger.Logger
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redisClient    *redis.Client
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config:      cfg,
		logger:      log,
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	if err := a.initServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	tp, err := tracing.Init(a.config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db

	if a.config.Database.RunMigrations {
		if err := bootstrap.RunMigrations(a.db, a.config.Database.MigrationsPath, a.logger); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.logger.WarnwCtx(ctx, "Redis connection failed, rule cache disabled", "error", err)
	} else {
		a.redisClient = redisClient
	}

	return nil
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.API.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.config.API.RateLimit.RPS,
			Burst:           a.config.API.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.API.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.API.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.logger.InfowCtx(context.Background(), "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	auditRecorder := audit.NewPostgresRecorder(a.db, a.logger)
	notifier := a.initNotifier()

	var ruleCache rules.Cache = rules.NopCache{}
	if a.redisClient != nil && a.config.Rules.Cache.Enabled {
		ttl := a.config.Rules.Cache.TTLSeconds * time.Second
		ruleCache = rules.NewRedisCache(a.redisClient, ttl, a.logger)
	}

	userRepo := users.NewRepository(a.db)
	ruleRepo := rules.NewRepository(a.db)
	commandRepo := commands.NewRepository(a.db)
	approvalRepo := approvals.NewRepository(a.db)

	ruleService := rules.NewService(ruleRepo, ruleCache, auditRecorder, notifier, a.logger)
	executor := commands.NewExecutor(commandRepo, auditRecorder, notifier, a.logger)
	commandService := commands.NewService(commandRepo, ruleService, executor, a.logger)
	approvalService := approvals.NewService(approvalRepo, commandRepo, executor, auditRecorder, notifier, a.logger)

	identity := users.IdentityMiddleware(userRepo, a.logger)

	v1 := router.Group("/api/v1")
	v1.Use(identity)

	rules.NewHandler(ruleService, a.logger).RegisterRoutes(v1)
	commands.NewHandler(commandService, a.logger).RegisterRoutes(v1)
	approvals.NewHandler(approvalService, a.logger).RegisterRoutes(v1)
	audit.NewHandler(auditRecorder, a.logger).RegisterRoutes(v1)

	metrics.RegisterPipelineMetrics()
	metrics.RegisterCircuitBreakerMetrics()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	if a.redisClient != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redisClient))
	}

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
	return nil
}

func (a *App) initNotifier() notify.Notifier {
	if a.config.Broker.Type != "kafka" || a.config.Broker.Kafka.NotificationTopic == "" {
		return notify.NopNotifier{}
	}

	producer, err := broker.NewProducer(a.config.Broker, a.logger)
	if err != nil {
		a.logger.WarnwCtx(context.Background(), "Failed to create notification producer, notifications disabled", "error", err)
		return notify.NopNotifier{}
	}

	a.logger.InfowCtx(context.Background(), "Notification producer initialized",
		"topic", a.config.Broker.Kafka.NotificationTopic)
	return notify.NewKafkaNotifier(producer, a.config.Broker.Kafka.NotificationTopic, a.logger)
}

func (a *App) initServer() error {
	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Server.Port),
		Handler: a.router,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.logger.InfowCtx(ctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(ctx)
	case err := <-errChan:
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	dbErrs := a.dbConnector.ShutdownDatabases(ctx, a.redisClient, a.db)
	errs = append(errs, dbErrs...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}
