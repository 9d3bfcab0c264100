package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/showjihyun/agentrag/internal/agentexec"
	"github.com/showjihyun/agentrag/internal/api"
	"github.com/showjihyun/agentrag/internal/config"
	"github.com/showjihyun/agentrag/internal/events"
	"github.com/showjihyun/agentrag/internal/governor"
	"github.com/showjihyun/agentrag/internal/metrics"
	"github.com/showjihyun/agentrag/internal/orchestrator"
	"github.com/showjihyun/agentrag/internal/registry"
	pgstore "github.com/showjihyun/agentrag/internal/store"
	"github.com/showjihyun/agentrag/internal/trace"
	"github.com/showjihyun/agentrag/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting orchestrd...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/orchestrd.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Trace and metrics always have an in-memory primary; Postgres and
	// Redis extend them when reachable.
	memRecorder := trace.NewMemoryRecorder()
	memSink := metrics.NewMemorySink()
	recorders := []trace.Recorder{memRecorder}
	sinks := []metrics.Sink{memSink}

	// Initialize PostgreSQL store
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			recorders = append(recorders, ps)
			sinks = append(sinks, ps)
		}
	}

	// Initialize event bus
	var bus *events.Bus
	if cfg.Database.Redis.URL != "" {
		b, busErr := events.NewBus(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without event streams", zap.Error(busErr))
		} else {
			bus = b
			recorders = append(recorders, b)
			sinks = append(sinks, b)
			logger.Info("Event bus initialized")
		}
	}

	recorder := trace.NewMultiRecorder(recorders...)
	sink := metrics.NewMultiSink(sinks...)

	// Agent registry, seeded from persisted profiles when available
	reg := registry.New(cfg.Orchestrator.OverloadThreshold, logger)
	if pgStore != nil {
		profiles, loadErr := pgStore.ListProfiles(context.Background())
		if loadErr != nil {
			logger.Warn("failed to load profiles from DB", zap.Error(loadErr))
		} else {
			for _, p := range profiles {
				reg.Register(p)
			}
			logger.Info("Loaded profiles from DB", zap.Int("count", len(profiles)))
		}
	}

	// Concurrency governor
	gov := governor.New(cfg.Orchestrator.AdmissionLimit, cfg.Workflow.MaxInstances, logger)
	govCtx, govCancel := context.WithCancel(context.Background())
	defer govCancel()
	gov.StartMaintenance(govCtx)

	// Executors. The local executor echoes inputs; a deployment swaps
	// in a transport to real agent workers here.
	executor := agentexec.NewLocal(50*time.Millisecond, 0.9)
	blocks := workflow.BlockFunc(func(ctx context.Context, blockType string, config, input map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"block": blockType, "input": input}, nil
	})

	// Orchestrator
	orchCfg := orchestrator.Config{
		DecomposeThreshold: cfg.Orchestrator.DecomposeThreshold,
		TaskTimeout:        time.Duration(cfg.Orchestrator.TaskTimeoutSec * float64(time.Second)),
	}
	orch := orchestrator.New(reg, gov, executor, recorder, sink, orchCfg, logger)

	// Per-agent dispatch streams for external workers
	var msgBus *orchestrator.MessageBus
	if cfg.Database.Redis.URL != "" {
		mb, mbErr := orchestrator.NewMessageBus(cfg.Database.Redis.URL, logger)
		if mbErr != nil {
			logger.Warn("Redis unavailable, running without agent streams", zap.Error(mbErr))
		} else {
			msgBus = mb
			orch.AttachBus(mb)
		}
	}

	// Workflow engine
	retry := workflow.DefaultRetryPolicy()
	retry.RetryCount = cfg.Workflow.RetryCount
	retry.NodeTimeout = time.Duration(cfg.Workflow.NodeTimeoutSec * float64(time.Second))
	engine := workflow.NewEngine(executor, blocks, gov, recorder, sink, retry, logger)

	// Build HTTP handler
	handler := api.NewHandler(reg, orch, engine, gov, recorder, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("orchestrd listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down orchestrd...")
	govCancel()
	srv.Shutdown(context.Background())
	if bus != nil {
		bus.Close()
	}
	if msgBus != nil {
		msgBus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}
