package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"soulqueue/internal/cleanup"
	"soulqueue/internal/completion"
	"soulqueue/internal/config"
	"soulqueue/internal/downloader"
	apphttp "soulqueue/internal/http"
	"soulqueue/internal/metrics"
	"soulqueue/internal/reconcile"
	"soulqueue/internal/repository/sqlite"
	"soulqueue/internal/service"
	"soulqueue/internal/storage"
	"soulqueue/internal/transfer"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwtsecret is empty, API is unauthenticated")
	}

	release, err := sqlite.Lock(cfg.Database.Path)
	if err != nil {
		if errors.Is(err, sqlite.ErrLocked) {
			logger.Fatalf("another instance is using %s", cfg.Database.Path)
		}
		logger.Fatalf("lock database: %v", err)
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warnf("release lock: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	historyRepo := sqlite.NewHistoryRepository(db)
	if err := historyRepo.Init(ctx); err != nil {
		logger.Fatalf("init history repository: %v", err)
	}
	history := service.NewHistoryService(historyRepo, logger)

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	var organizer completion.Organizer
	if cfg.PostProcessing() {
		org, err := storage.NewLibraryOrganizer(storage.OrganizerConfig{
			DownloadRoot: cfg.Pipeline.DownloadRoot,
			LibraryRoot:  cfg.Pipeline.LibraryRoot,
			Bucket:       cfg.Storage.Bucket,
			KeyPrefix:    cfg.Storage.KeyPrefix,
			Logger:       logger,
		}, storageSvc)
		if err != nil {
			logger.Fatalf("setup organizer: %v", err)
		}
		organizer = org
	}

	client := transfer.NewClient(cfg.Transfer.BaseURL, transfer.APIKey(cfg.Transfer.APIKey), cfg.Transfer.Timeout)
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := client.Ping(pingCtx); err != nil {
		logger.Warnf("transfer daemon not reachable yet: %v", err)
	}
	cancelPing()

	m := metrics.New()
	engine := downloader.NewEngine(downloader.Config{
		Intervals: reconcile.Intervals{
			Active: cfg.Poll.Active,
			Idle:   cfg.Poll.Idle,
			Bulk:   cfg.Poll.Bulk,
		},
		QueueTimeout:     cfg.Reconcile.QueueTimeout,
		MissingThreshold: cfg.Reconcile.MissingThreshold,
		FetchTimeout:     cfg.Reconcile.FetchTimeout,
		PipelineWorkers:  cfg.Pipeline.Workers,
		PipelineTimeout:  cfg.Pipeline.Timeout,
		Cleanup: cleanup.Config{
			Delays:     cfg.Cleanup.Delays,
			SweepDelay: cfg.Cleanup.SweepDelay,
			SweepBatch: cfg.Cleanup.SweepBatch,
			RateLimit:  cfg.Cleanup.RateLimit,
		},
		Logger:  logger,
		Metrics: m,
	}, client, organizer, history)

	if err := engine.Start(ctx); err != nil {
		logger.Fatalf("start engine: %v", err)
	}

	housekeeper, err := service.NewHousekeeper(service.HousekeeperConfig{
		HistoryCron:      cfg.Housekeeping.HistoryCron,
		HistoryRetention: time.Duration(cfg.History.RetentionDays) * 24 * time.Hour,
		FinishedCron:     cfg.Housekeeping.FinishedCron,
		FinishedTTL:      cfg.Queue.FinishedTTL,
		Logger:           logger,
	}, history, engine)
	if err != nil {
		logger.Fatalf("setup housekeeping: %v", err)
	}
	housekeeper.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(engine, history, storageSvc, cfg.Storage.Bucket, m, cfg.Auth.JWTSecret)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}
	srv.RegisterOnShutdown(handler.Close)

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Drain requests before the engine stops; the handler's Close hook ends
	// event streams so they do not hold the shutdown open.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	engine.Shutdown()
	housekeeper.Stop(shutdownCtx)
	history.Close()

	logger.Info("bye")
}

// buildStorage returns nil when no bucket is configured; archiving is optional.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("storage bucket not set, library archiving disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
