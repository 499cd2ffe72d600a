// Package main runs the background segmentation worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nomoretears/backend/config"
	"github.com/nomoretears/backend/internal/aiservice"
	"github.com/nomoretears/backend/internal/auth"
	"github.com/nomoretears/backend/internal/courses"
	"github.com/nomoretears/backend/internal/lecturers"
	"github.com/nomoretears/backend/internal/realtime"
	"github.com/nomoretears/backend/internal/segments"
	"github.com/nomoretears/backend/internal/tasks"
	"github.com/nomoretears/backend/internal/worker"
	"github.com/nomoretears/backend/pkg/database"
	"github.com/nomoretears/backend/pkg/logger"
	"github.com/nomoretears/backend/pkg/queue"
	"github.com/nomoretears/backend/pkg/redis"
	"github.com/nomoretears/backend/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg.Env, cfg.LogLevel)
	defer log.Sync()

	ctx := context.Background()
	mongoDB, err := database.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database, log)
	if err != nil {
		log.Fatal("mongo", zap.Error(err))
	}
	defer mongoDB.Close(context.Background())

	pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, log)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		Endpoint:             cfg.AWS.Endpoint,
		PublicBaseURL:        cfg.AWS.PublicBaseURL,
		VideoBucket:          cfg.AWS.VideoBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, log)
	if err != nil {
		log.Fatal("s3", zap.Error(err))
	}

	// Publish-only: dashboards are connected to the API servers.
	events := realtime.NewRedisPubSub(rdb.Client, log)
	updater := segments.NewUpdater(courses.NewRepository(mongoDB), lecturers.NewRepository(mongoDB), events, log)

	deps := worker.Deps{
		Queue:   queue.NewQueue(rdb.Client, log, cfg.Worker.MaxAttempts),
		Tasks:   tasks.NewRepository(pool),
		Store:   s3Client,
		AI:      aiservice.NewClient(cfg.AI, log),
		Updater: updater,
		Events:  events,
	}
	if cfg.AI.WebhookSecret != "" && cfg.Server.PublicBaseURL != "" {
		deps.Tokens = auth.NewServiceTokens(cfg.AI.WebhookSecret, cfg.AI.SegmentTimeout+10*time.Minute)
		deps.CallbackURL = cfg.Server.PublicBaseURL + "/upload/segmentation-complete"
	}
	processor := worker.NewSegmentationProcessor(deps, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.Worker.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("worker metrics listening", zap.String("port", cfg.Worker.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Run(workerCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	_ = metricsSrv.Shutdown(shutdownCtx)
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("segmentation worker did not stop in time")
	}
	log.Info("worker stopped")
}
