// Package main runs the video session HTTP server: session API, signaling relay WebSocket, expiry
// sweeper and, optionally, the archive worker, with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/the3tree/3tree-sub003/config"
	"github.com/the3tree/3tree-sub003/internal/auth"
	"github.com/the3tree/3tree-sub003/internal/bookings"
	"github.com/the3tree/3tree-sub003/internal/metrics"
	"github.com/the3tree/3tree-sub003/internal/middleware"
	"github.com/the3tree/3tree-sub003/internal/models"
	"github.com/the3tree/3tree-sub003/internal/realtime"
	"github.com/the3tree/3tree-sub003/internal/sessionlog"
	"github.com/the3tree/3tree-sub003/internal/sessions"
	"github.com/the3tree/3tree-sub003/internal/signaling"
	"github.com/the3tree/3tree-sub003/internal/turn"
	"github.com/the3tree/3tree-sub003/internal/worker"
	"github.com/the3tree/3tree-sub003/pkg/database"
	"github.com/the3tree/3tree-sub003/pkg/queue"
	"github.com/the3tree/3tree-sub003/pkg/redis"
	"github.com/the3tree/3tree-sub003/pkg/response"
	"github.com/the3tree/3tree-sub003/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var transport signaling.Transport
	switch cfg.Signaling.Transport {
	case "memory":
		mem := signaling.NewMemoryTransport(logger)
		defer mem.Close()
		transport = mem
		logger.Warn("memory signaling transport: participants must connect to this instance")
	default:
		transport = signaling.NewRedisTransport(rdb.Client, logger)
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			ArchiveBucket:   cfg.AWS.ArchiveBucket,
			Endpoint:        cfg.AWS.Endpoint,
			PresignExpire:   cfg.AWS.PresignExpire,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled, sessions will not be archived", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Bookings (read-only view of the booking service's table)
	bookingRepo := bookings.NewRepository(pool)
	bookingHandler := bookings.NewHandler(bookingRepo)

	// Sessions
	sessionRepo := sessions.NewRepository(pool)
	registry := sessions.NewRegistry(bookingRepo, sessionRepo, sessions.Config{
		EarlyJoinWindow: cfg.Session.EarlyJoinWindow,
		LateJoinGrace:   cfg.Session.LateJoinGrace,
		PendingTimeout:  cfg.Session.PendingTimeout,
	}, logger)
	sweeper := sessions.NewSweeper(registry, cfg.Session.SweepInterval, logger)

	// Realtime relay, presence and attendance
	attendanceRepo := sessionlog.NewRepository(pool)
	hub := realtime.NewHub(transport, logger)
	hub.SetParticipantHooks(realtime.AttendanceHooks(attendanceRepo, logger))
	notifier := realtime.NewNotifier(transport, logger)

	iceIssuer := turn.NewIssuer(cfg.WebRTC.ICEUrls, cfg.WebRTC.TURNUrls, cfg.WebRTC.TURNSecret, cfg.WebRTC.TURNCredentialTTL)
	sessionHandler := sessions.NewHandler(registry, hub, iceIssuer, attendanceRepo)

	// Archive jobs
	jobQueue := queue.NewQueue(rdb.Client, logger)
	var archiver *worker.Archiver
	if s3Client != nil {
		sessionHandler.SetArchives(s3Client)
		if cfg.AWS.ArchiveInProcess {
			archiver = worker.NewArchiver(sessionRepo, bookingRepo, attendanceRepo, s3Client, jobQueue, logger)
		}
	}

	registry.OnEvent(func(_ context.Context, e sessions.Event) {
		reason := ""
		if e.Session.EndReason != nil {
			reason = string(*e.Session.EndReason)
		}
		metrics.RecordSessionEvent(string(e.Kind), reason)
	})
	registry.OnEvent(notifier.SessionEvent)
	if s3Client != nil {
		registry.OnEvent(func(ctx context.Context, e sessions.Event) {
			if e.Kind != sessions.EventEnded {
				return
			}
			if err := jobQueue.EnqueueArchive(context.WithoutCancel(ctx), queue.ArchivePayload{SessionID: e.Session.ID}); err != nil {
				logger.Error("enqueue session archive", zap.Error(err), zap.String("session_id", e.Session.ID.String()))
			}
		})
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health", "/metrics"))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Auth (public)
	router.POST("/auth/login", authHandler.Login)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/auth/me", authHandler.Me(middleware.ContextUserID))
		api.GET("/bookings", bookingHandler.ListMine)

		api.POST("/bookings/:id/session", sessionHandler.CreateOrResume)
		api.GET("/sessions/:id", sessionHandler.Get)
		api.POST("/sessions/:id/activate", sessionHandler.Activate)
		api.POST("/sessions/:id/end", sessionHandler.End)
		api.GET("/sessions/:id/presence", sessionHandler.Presence)
		api.GET("/sessions/:id/ice-servers", sessionHandler.ICEServers)
		api.GET("/sessions/:id/attendance", middleware.RequireRole(models.RoleTherapist, models.RoleAdmin), sessionHandler.Attendance)
		api.GET("/sessions/:id/archive", middleware.RequireRole(models.RoleTherapist, models.RoleAdmin), sessionHandler.Archive)
	}

	// WebSocket (token in Authorization header or query)
	router.GET("/ws", realtime.ServeWs(hub, realtime.Options{
		Validate:   jwtService.ValidateToken,
		Rooms:      registry,
		RatePerSec: cfg.Signaling.RatePerSec,
		RateBurst:  cfg.Signaling.RateBurst,
		Logger:     logger,
	}))

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// WriteTimeout is left unset: it would cut long-lived relay sockets.
	}

	sweeper.Start()
	defer sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("signaling_transport", cfg.Signaling.Transport))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if archiver != nil {
		g.Go(func() error {
			logger.Info("archive worker started")
			archiver.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
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
