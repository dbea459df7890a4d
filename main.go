package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/auth"
	"github.com/Kocoro-lab/chatflow/internal/chat"
	"github.com/Kocoro-lab/chatflow/internal/circuitbreaker"
	"github.com/Kocoro-lab/chatflow/internal/config"
	"github.com/Kocoro-lab/chatflow/internal/db"
	"github.com/Kocoro-lab/chatflow/internal/health"
	"github.com/Kocoro-lab/chatflow/internal/httpapi"
	"github.com/Kocoro-lab/chatflow/internal/interceptors"
	"github.com/Kocoro-lab/chatflow/internal/intent"
	"github.com/Kocoro-lab/chatflow/internal/llm"
	"github.com/Kocoro-lab/chatflow/internal/streaming"
	"github.com/Kocoro-lab/chatflow/internal/tasks"
	"github.com/Kocoro-lab/chatflow/internal/temporal"
	"github.com/Kocoro-lab/chatflow/internal/tools"
	"github.com/Kocoro-lab/chatflow/internal/tracing"
	"github.com/Kocoro-lab/chatflow/internal/workflows"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	store, err := db.Open(ctx, db.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Name,
		SSLMode:         cfg.Database.SSLMode,
		MaxConnections:  cfg.Database.MaxConnections,
		IdleConnections: cfg.Database.IdleConnections,
		MaxLifetime:     cfg.Database.MaxLifetime,
	}, circuitbreaker.DatabaseSettings(), logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer store.Close()

	healthMgr := health.NewManager(0, logger)
	mustRegister(logger, healthMgr, health.NewStoreChecker(store))
	if sqlStore, ok := store.(*db.SQLStore); ok {
		mustRegister(logger, healthMgr, health.NewBreakerChecker("database_breaker", sqlStore.BreakerState))
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		mustRegister(logger, healthMgr, health.NewRedisChecker(rdb))
	}
	mcfg := streaming.DefaultManagerConfig()
	if cfg.Streaming.ReplayCapacity > 0 {
		mcfg.Capacity = cfg.Streaming.ReplayCapacity
	}
	if cfg.Streaming.MaxLen > 0 {
		mcfg.MaxLen = cfg.Streaming.MaxLen
	}
	if cfg.Streaming.StreamTTL > 0 {
		mcfg.TTL = cfg.Streaming.StreamTTL
	}
	streams := streaming.NewManager(rdb, logger, mcfg)

	gen := newGenerator(cfg.LLM, logger)
	mustRegister(logger, healthMgr, health.NewBreakerChecker("llm_breaker", gen.BreakerState))

	classifier := intent.NewClassifier(intent.DefaultRules())
	var routing *config.RoutingWatcher
	if cfg.Routing.Path != "" {
		routing = config.NewRoutingWatcher(cfg.Routing.Path, classifier, cfg.Routing.Debounce, logger)
		if cfg.Routing.Watch {
			if err := routing.Start(); err != nil {
				logger.Warn("Routing rules watcher not started", zap.Error(err))
			}
			defer routing.Stop()
		} else if err := routing.Reload(); err != nil {
			logger.Info("Using built-in routing rules", zap.String("path", cfg.Routing.Path), zap.Error(err))
		}
	}

	dialogueCfg := workflows.DefaultDialogueConfig()
	dialogueCfg.Model = cfg.LLM.Model
	dialogueCfg.Temperature = cfg.LLM.DialogueTemperature
	dialogueCfg.MaxTokens = cfg.LLM.MaxTokens
	dialogueCfg.HistoryLimit = cfg.Workflow.HistoryLimit
	dialogue := workflows.NewDialogueWorkflow(gen, tools.DialogueTools(nil), dialogueCfg, logger)

	reportCfg := workflows.DefaultReportConfig()
	reportCfg.Model = cfg.LLM.Model
	reportCfg.Temperature = cfg.LLM.ReportTemperature
	reportCfg.MaxTokens = cfg.LLM.MaxTokens
	reportCfg.HistoryLimit = cfg.Workflow.HistoryLimit
	if cfg.Workflow.MinContentLength > 0 {
		reportCfg.MinContentLength = cfg.Workflow.MinContentLength
	}
	report := workflows.NewReportWorkflow(gen, reportCfg, logger)

	supervisor := workflows.NewSupervisor(classifier, dialogue, report, nil, logger)
	streamer := streaming.NewStreamer(supervisor, streaming.Options{
		ReportChunkSize:  cfg.Streaming.ReportChunkSize,
		ReportChunkDelay: cfg.Streaming.ReportChunkDelay,
		ChunkSize:        cfg.Streaming.ChunkSize,
		ChunkDelay:       cfg.Streaming.ChunkDelay,
	}, logger)

	taskSvc := tasks.NewService(store, report, streamer, streams, tasks.Config{
		Lease:               cfg.Tasks.Lease,
		EstimatedCompletion: cfg.Tasks.EstimatedCompletion,
		HistoryLimit:        cfg.Workflow.HistoryLimit,
		RecoveryInterval:    cfg.Tasks.RecoveryInterval,
	}, logger)

	var (
		pool *tasks.WorkerPool
		tw   worker.Worker
		tc   client.Client
	)
	switch cfg.Tasks.Dispatcher {
	case config.DispatcherTemporal:
		tc, err = temporal.Dial(ctx, cfg.Temporal.Host, cfg.Temporal.Namespace, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Temporal", zap.Error(err))
		}
		defer tc.Close()
		tw = worker.New(tc, cfg.Temporal.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: cfg.Tasks.Workers,
		})
		tasks.Register(tw, taskSvc)
		if err := tw.Start(); err != nil {
			logger.Fatal("Failed to start Temporal worker", zap.Error(err))
		}
		logger.Info("Temporal worker started", zap.String("queue", cfg.Temporal.TaskQueue))
		taskSvc.SetDispatcher(tasks.NewTemporalDispatcher(tc, cfg.Temporal.TaskQueue, cfg.Tasks.Timeout, logger))
		mustRegister(logger, healthMgr, health.NewTemporalChecker(tc))
	default:
		pool = tasks.NewWorkerPool(taskSvc, tasks.PoolConfig{
			Workers:     cfg.Tasks.Workers,
			QueueSize:   cfg.Tasks.QueueSize,
			TaskTimeout: cfg.Tasks.Timeout,
		}, logger)
		pool.Start()
		taskSvc.SetDispatcher(pool)
	}
	go taskSvc.RunLeaseRecovery(ctx)

	chatSvc := chat.NewService(store, supervisor, streamer, cfg.Workflow.HistoryLimit, logger)

	var jwtMgr *auth.JWTManager
	if cfg.Auth.Enabled {
		jwtMgr = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Expiry)
	}
	opts := httpapi.Options{
		Auth:         auth.NewMiddleware(jwtMgr, !cfg.Auth.Enabled, logger),
		Health:       healthMgr,
		PingInterval: cfg.Streaming.PingInterval,
	}
	if cfg.RateLimit.Enabled {
		opts.RateLimiter = httpapi.NewRateLimiter(rdb, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, logger)
	}
	api := httpapi.NewServer(chatSvc, taskSvc, streams, opts, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("HTTP server listening",
			zap.String("address", srv.Addr),
			zap.String("dispatcher", cfg.Tasks.Dispatcher),
			zap.String("llm_provider", cfg.LLM.Provider),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down chatflow service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if pool != nil {
		if err := pool.Stop(shutdownCtx); err != nil {
			logger.Warn("Worker pool did not drain", zap.Error(err))
		}
	}
	if tw != nil {
		tw.Stop()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return zcfg.Build()
}

// newGenerator builds the configured provider behind a Guard.
func newGenerator(cfg config.LLMConfig, logger *zap.Logger) *llm.Guard {
	var inner llm.Generator
	switch cfg.Provider {
	case "openai":
		inner = llm.NewOpenAIGenerator(cfg.APIKey, cfg.BaseURL, cfg.Model, interceptors.NewHTTPClient())
	case "anthropic":
		inner = llm.NewAnthropicGenerator(cfg.APIKey, cfg.BaseURL, cfg.Model, interceptors.NewHTTPClient())
	default:
		logger.Warn("No LLM provider configured, using offline responses")
		inner = llm.EchoGenerator{}
	}

	breaker := circuitbreaker.GenerationSettings()
	if cfg.Breaker.FailureThreshold > 0 {
		breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if cfg.Breaker.MaxRequests > 0 {
		breaker.MaxRequests = cfg.Breaker.MaxRequests
	}
	if cfg.Breaker.Timeout > 0 {
		breaker.Timeout = cfg.Breaker.Timeout
	}
	return llm.NewGuard(inner, llm.GuardOptions{
		Provider:          cfg.Provider,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Breaker:           breaker,
	}, logger)
}

func mustRegister(logger *zap.Logger, m *health.Manager, c health.Checker) {
	if err := m.Register(c); err != nil {
		logger.Fatal("Failed to register health checker", zap.Error(err))
	}
}
