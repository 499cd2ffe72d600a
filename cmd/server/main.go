// Package main runs the lecture upload and indexing HTTP API with WebSocket events and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nomoretears/backend/config"
	"github.com/nomoretears/backend/internal/aiservice"
	"github.com/nomoretears/backend/internal/auth"
	"github.com/nomoretears/backend/internal/courses"
	"github.com/nomoretears/backend/internal/lecturers"
	"github.com/nomoretears/backend/internal/middleware"
	"github.com/nomoretears/backend/internal/realtime"
	"github.com/nomoretears/backend/internal/segments"
	"github.com/nomoretears/backend/internal/tasks"
	"github.com/nomoretears/backend/internal/upload"
	"github.com/nomoretears/backend/internal/worker"
	"github.com/nomoretears/backend/pkg/database"
	"github.com/nomoretears/backend/pkg/logger"
	"github.com/nomoretears/backend/pkg/queue"
	"github.com/nomoretears/backend/pkg/redis"
	"github.com/nomoretears/backend/pkg/response"
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
	if s3Client.VideoBucket() == "" {
		log.Warn("S3_VIDEO_BUCKET not set; upload endpoints will report a configuration error")
	}

	// Realtime events fan out through Redis so the worker binary reaches dashboards too.
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, log)
	hub := realtime.NewHub(log, redisPubSub, redisPubSub)
	defer hub.Close()

	courseRepo := courses.NewRepository(mongoDB)
	lecturerRepo := lecturers.NewRepository(mongoDB)
	taskRepo := tasks.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, log, cfg.Worker.MaxAttempts)
	aiClient := aiservice.NewClient(cfg.AI, log)
	updater := segments.NewUpdater(courseRepo, lecturerRepo, hub, log)

	var tokens *auth.ServiceTokens
	if cfg.AI.WebhookSecret != "" {
		tokens = auth.NewServiceTokens(cfg.AI.WebhookSecret, cfg.AI.SegmentTimeout+10*time.Minute)
	} else {
		log.Warn("AI_WEBHOOK_SECRET not set; segmentation webhook accepts unauthenticated calls")
	}

	uploadSvc := upload.NewService(upload.Deps{
		Store:     s3Client,
		Courses:   courseRepo,
		Lecturers: lecturerRepo,
		AI:        aiClient,
		Tasks:     taskRepo,
		Queue:     jobQueue,
		Updater:   updater,
		Events:    hub,

		IndexingBudget: cfg.AI.IndexingBudget,
	}, log)
	uploadHandler := upload.NewHandler(uploadSvc, upload.HandlerConfig{
		MaxDirectUpload:     int64(cfg.Server.MaxDirectUploadMB) << 20,
		DirectUploadTimeout: cfg.Server.DirectUploadTimeout,
		ExposeDetail:        !cfg.IsProduction(),
	}, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(log))

	router.GET("/health", func(c *gin.Context) {
		hctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		checks := map[string]func(context.Context) error{
			"mongo":    mongoDB.Ping,
			"postgres": pool.Ping,
			"redis":    rdb.Ping,
		}
		for name, ping := range checks {
			if err := ping(hctx); err != nil {
				log.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
				response.ServiceUnavailable(c, name+" unreachable")
				return
			}
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	uploadHandler.RegisterRoutes(router, middleware.ServiceToken(tokens))

	// WebSocket (course dashboards; courseId in query)
	router.GET("/ws", realtime.ServeWs(hub, realtime.NewUpgrader(cfg.Server.CORSAllowedOrigins), log))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (AI segmentation)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	if cfg.Worker.Embedded {
		deps := worker.Deps{
			Queue:   jobQueue,
			Tasks:   taskRepo,
			Store:   s3Client,
			AI:      aiClient,
			Updater: updater,
			Events:  hub,
		}
		if tokens != nil && cfg.Server.PublicBaseURL != "" {
			deps.Tokens = tokens
			deps.CallbackURL = cfg.Server.PublicBaseURL + "/upload/segmentation-complete"
		}
		processor := worker.NewSegmentationProcessor(deps, log)
		go func() {
			defer close(workerDone)
			processor.Run(workerCtx)
		}()
	} else {
		close(workerDone)
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.Server.Port), zap.Bool("embedded_worker", cfg.Worker.Embedded))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn("segmentation worker did not stop in time")
	}
	log.Info("server stopped")
}
