package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/timetable-solver/api/swagger"
	"github.com/noah-isme/timetable-solver/internal/handler"
	internalmiddleware "github.com/noah-isme/timetable-solver/internal/middleware"
	"github.com/noah-isme/timetable-solver/internal/repository"
	"github.com/noah-isme/timetable-solver/internal/service"
	"github.com/noah-isme/timetable-solver/internal/solver"
	"github.com/noah-isme/timetable-solver/pkg/cache"
	"github.com/noah-isme/timetable-solver/pkg/config"
	"github.com/noah-isme/timetable-solver/pkg/database"
	"github.com/noah-isme/timetable-solver/pkg/export"
	"github.com/noah-isme/timetable-solver/pkg/jobs"
	"github.com/noah-isme/timetable-solver/pkg/logger"
	corsmiddleware "github.com/noah-isme/timetable-solver/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/timetable-solver/pkg/middleware/requestid"
)

// @title Timetable Solver API
// @version 1.0.0
// @description Asynchronous university course timetabling: submit a project, poll for the schedule.
// @BasePath /api/v1
// @schemes http

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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()

	metrics := service.NewMetricsService()

	var cacheRepo *repository.CacheRepository
	if cfg.ResultCache.Enabled {
		client, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, result cache disabled", zap.Error(err))
		} else {
			cacheRepo = repository.NewCacheRepository(client, "results", logr)
			defer cacheRepo.Close()
		}
	}
	var cacheStore service.CacheRepository
	if cacheRepo != nil {
		cacheStore = cacheRepo
	}
	cacheSvc := service.NewCacheService(cacheStore, metrics, cfg.ResultCache.TTL, logr, cacheRepo != nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runRepo := repository.NewRunRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db, 4)
	registry := service.NewRunRegistry(cfg.Solver.ResultTTL)
	worker := service.NewRunWorker(registry, runRepo, cacheSvc, metrics, cfg.ResultCache.TTL, logr)
	queue := jobs.NewQueue("solver", worker.Handle, jobs.QueueConfig{
		Workers:    cfg.Solver.Workers,
		BufferSize: cfg.Solver.QueueSize,
		Logger:     logr,
	})

	runSvc := service.NewRunService(snapshotRepo, runRepo, queue, registry, cacheSvc, metrics, validator.New(), logr, service.RunServiceConfig{
		Solver:          solverOptions(cfg.Solver),
		ResultTTL:       cfg.Solver.ResultTTL,
		CleanupInterval: cfg.Solver.CleanupInterval,
		CacheTTL:        cfg.ResultCache.TTL,
	})
	exportSvc := service.NewExportService(runSvc, export.NewCSVExporter(), export.NewPDFExporter(), logr)

	runSvc.RecoverInterrupted(ctx)
	queue.Start(ctx)
	runSvc.StartCleanup(ctx)

	checks := map[string]handler.Pinger{"database": handler.PingFunc(db.PingContext)}
	if cacheRepo != nil {
		checks["redis"] = cacheRepo
	}
	r := newRouter(cfg, logr, metrics, handler.NewRunHandler(runSvc, exportSvc), handler.NewMetricsHandler(metrics, checks))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "workers", cfg.Solver.Workers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown failed", zap.Error(err))
	}
	queue.Stop()
}

func newRouter(cfg *config.Config, logr *zap.Logger, metrics *service.MetricsService, runs *handler.RunHandler, probes *handler.MetricsHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics))

	r.GET("/health", probes.Health)
	r.GET("/ready", probes.Ready)
	r.GET("/metrics", probes.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/solve", runs.Solve)
	api.GET("/runs/:id", runs.Status)
	api.POST("/runs/:id/cancel", runs.Cancel)
	api.GET("/runs/:id/export", runs.Export)
	api.GET("/results/:id", runs.Results)
	return r
}

func solverOptions(cfg config.SolverConfig) solver.Options {
	opts := solver.DefaultOptions()
	if cfg.MaxIterations > 0 {
		opts.MaxIterations = cfg.MaxIterations
	}
	if cfg.NodeBudget > 0 {
		opts.NodeBudget = cfg.NodeBudget
	}
	if cfg.TimeBudget > 0 {
		opts.TimeBudget = cfg.TimeBudget
	}
	if cfg.StallIterations > 0 {
		opts.StallIterations = cfg.StallIterations
	}
	if cfg.InitialTemperature > 0 {
		opts.InitialTemperature = cfg.InitialTemperature
	}
	if cfg.CoolingRate > 0 && cfg.CoolingRate < 1 {
		opts.CoolingRate = cfg.CoolingRate
	}
	return opts
}
