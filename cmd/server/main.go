// Package main runs the live classroom HTTP server with WebSocket fan-out
// and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/classroom-live/backend/config"
	"github.com/classroom-live/backend/internal/attendance"
	"github.com/classroom-live/backend/internal/auth"
	"github.com/classroom-live/backend/internal/chat"
	"github.com/classroom-live/backend/internal/history"
	"github.com/classroom-live/backend/internal/live"
	"github.com/classroom-live/backend/internal/middleware"
	"github.com/classroom-live/backend/internal/observability"
	"github.com/classroom-live/backend/internal/presence"
	"github.com/classroom-live/backend/internal/realtime"
	"github.com/classroom-live/backend/internal/sessions"
	"github.com/classroom-live/backend/pkg/database"
	"github.com/classroom-live/backend/pkg/queue"
	"github.com/classroom-live/backend/pkg/redis"
	"github.com/classroom-live/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Warn("redis unavailable, running single-instance", zap.Error(err))
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	metrics := observability.NewMetrics("liveclass")

	registry := presence.NewRegistry(
		cfg.Live.OutboundQueueLimit,
		time.Duration(cfg.Live.HeartbeatTimeoutSeconds)*time.Second,
		logger,
	)

	var broadcaster *realtime.Broadcaster
	if rdb != nil {
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		broadcaster = realtime.NewBroadcaster(registry, pubsub, pubsub, metrics, logger)
	} else {
		broadcaster = realtime.NewBroadcaster(registry, nil, nil, metrics, logger)
	}

	chatStore, err := chat.NewStore(cfg.Live.ChatStore, pool)
	if err != nil {
		logger.Fatal("chat store", zap.Error(err))
	}

	sessionRepo := sessions.NewRepository(pool)
	attendanceRepo := attendance.NewRepository(pool)

	// Presence events go through the Redis job queue when available so the
	// attendance write never sits on the join/leave path; the worker binary
	// drains them. Without Redis they are written inline.
	var recorder live.PresenceRecorder = attendanceRepo
	if rdb != nil {
		recorder = queue.NewQueue(rdb.Client, logger)
	}

	svc := live.NewService(sessionRepo, registry, chatStore, broadcaster, recorder, metrics, logger, live.Config{
		JoinWindow:    time.Duration(cfg.Live.JoinWindowSeconds) * time.Second,
		AppendRetries: cfg.Live.AppendRetries,
	})

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	registry.StartSweeper(sweepCtx, time.Duration(cfg.Live.SweepIntervalSeconds)*time.Second)

	sessionHandler := sessions.NewHandler(sessionRepo, svc,
		time.Duration(cfg.Live.JoinWindowSeconds)*time.Second,
		cfg.Live.DefaultDurationSeconds, logger)
	historyHandler := history.NewHandler(svc, cfg.Live.PollIntervalSeconds)
	attendanceHandler := attendance.NewHandler(attendanceRepo)

	jwtValidate := func(token string) (uuid.UUID, string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", err
		}
		return claims.UserID, claims.Name, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	// Reconciliation endpoint: read-only, no auth, safe to poll.
	router.GET("/sessions/:id/history", historyHandler.GetHistory)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/sessions", sessionHandler.List)
		api.POST("/sessions", middleware.RequireRole("admin"), sessionHandler.Create)
		api.GET("/sessions/:id", sessionHandler.GetByID)
		api.POST("/sessions/:id/end", middleware.RequireRole("admin"), sessionHandler.End)
		api.POST("/sessions/:id/announcements", middleware.RequireRole("admin"), sessionHandler.Announce)
		api.GET("/sessions/:id/attendance", middleware.RequireRole("admin"), attendanceHandler.GetAttendance)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWS(svc, logger, jwtValidate, cfg.Server.CORSAllowedOrigins))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sweepCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
