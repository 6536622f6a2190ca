package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"campuslink-backend/internal/config"
	"campuslink-backend/internal/database"
	"campuslink-backend/internal/domain"
	callHandler "campuslink-backend/internal/handler/http/call"
	conversationHandler "campuslink-backend/internal/handler/http/conversation"
	presenceHandler "campuslink-backend/internal/handler/http/presence"
	pushHandler "campuslink-backend/internal/handler/http/push"
	wsHandler "campuslink-backend/internal/handler/ws"
	"campuslink-backend/internal/middleware"
	"campuslink-backend/internal/repository/cassandra"
	"campuslink-backend/internal/repository/postgres"
	redisrepo "campuslink-backend/internal/repository/redis"
	callService "campuslink-backend/internal/service/call"
	conversationService "campuslink-backend/internal/service/conversation"
	directoryService "campuslink-backend/internal/service/directory"
	notificationService "campuslink-backend/internal/service/notification"
	presenceService "campuslink-backend/internal/service/presence"
	"campuslink-backend/internal/service/signaling"
	pkgerrors "campuslink-backend/pkg/errors"
	"campuslink-backend/pkg/jwt"
	"campuslink-backend/pkg/logger"
	"campuslink-backend/pkg/metrics"
	"campuslink-backend/pkg/push"
)

func main() {
	cfg := config.Load()

	logger.InitDefault()
	defer logger.Sync()

	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWT.Secret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiry)

	// Redis holds the shared records every feature depends on; without it
	// there is no service.
	redisDB, err := database.NewRedisDB(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisDB.Close()
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr()))

	// Postgres backs the user directory and call history. Retry briefly,
	// then run without it: profiles degrade to uid-only and history is
	// skipped.
	var postgresDB *database.PostgresDB
	for attempt := 1; attempt <= 5; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		postgresDB, err = database.NewPostgresDB(ctx, &cfg.Database)
		cancel()
		if err == nil {
			break
		}
		logger.Warn("postgres connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if postgresDB != nil {
		defer postgresDB.Close()
		logger.Info("connected to Postgres", zap.String("database", cfg.Database.Database))
	} else {
		logger.Warn("running without Postgres, directory and history degraded")
	}

	// Cassandra carries the call transition audit log. Optional.
	var cassandraDB *database.CassandraDB
	if cfg.Cassandra.Enabled() {
		cassandraDB, err = database.NewCassandraDB(&cfg.Cassandra)
		if err != nil {
			logger.Warn("cassandra unavailable, call events disabled", zap.Error(err))
		} else {
			defer cassandraDB.Close()
			logger.Info("connected to Cassandra", zap.Strings("hosts", cfg.Cassandra.Hosts))
		}
	}

	// Repositories
	presenceRepo := redisrepo.NewPresenceRepository(redisDB)
	conversationRepo := redisrepo.NewConversationRepository(redisDB)
	callRepo := redisrepo.NewCallRepository(redisDB)

	if cfg.RTC.RingingIndex {
		if err := callRepo.EnableRingingIndex(context.Background()); err != nil {
			logger.Warn("failed to enable ringing index, sessions will fan out", zap.Error(err))
		}
	}

	var userRepo *postgres.UserRepository
	var historyRepo *postgres.CallHistoryRepository
	if postgresDB != nil {
		userRepo = postgres.NewUserRepository(postgresDB.Pool)
		historyRepo = postgres.NewCallHistoryRepository(postgresDB.Pool)
	}

	var eventRepo *cassandra.CallEventRepository
	if cassandraDB != nil {
		eventRepo = cassandra.NewCallEventRepository(cassandraDB.Session)
	}

	// Services
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	directorySvc := buildDirectoryService(cfg, userRepo)
	presenceSvc := presenceService.NewService(presenceRepo, appMetrics, cfg.Presence.HeartbeatInterval)
	conversationSvc := conversationService.NewService(conversationRepo, directorySvc)

	var historyStore callService.HistoryStore
	if historyRepo != nil {
		historyStore = historyRepo
	}
	var eventLog callService.EventLog
	if eventRepo != nil {
		eventLog = eventRepo
	}

	// Push notifications reach callees with no live session. A provider
	// failure only disables push, never calls.
	var notificationSvc *notificationService.Service
	var notifier callService.Notifier
	pushProvider, err := push.NewProvider()
	if err != nil {
		logger.Warn("push provider unavailable, device notifications disabled", zap.Error(err))
	} else {
		pushTokenRepo := redisrepo.NewPushTokenRepository(redisDB)
		notificationSvc = notificationService.NewService(pushProvider, pushTokenRepo, presenceSvc)
		notifier = notificationSvc
	}

	callSvc := callService.NewService(callRepo, conversationRepo, historyStore, eventLog, notifier, directorySvc, appMetrics, cfg.ICE.URLs, cfg.RTC.AutoAccept)

	newListener := func() *signaling.Listener {
		return signaling.NewListener(callRepo, conversationRepo, directorySvc, redisrepo.CallPath, appMetrics)
	}

	// Handlers
	presenceHdlr := presenceHandler.NewHandler(presenceSvc)
	conversationHdlr := conversationHandler.NewHandler(conversationSvc)
	callHdlr := callHandler.NewHandler(callSvc)
	sessionHdlr := wsHandler.NewHandler(presenceSvc, callSvc, newListener, appMetrics, nil)
	var pushHdlr *pushHandler.Handler
	if notificationSvc != nil {
		pushHdlr = pushHandler.NewHandler(notificationSvc)
	}

	// Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.CORS.Origins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": cfg.Server.ServiceName,
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.GET("/ws", sessionHdlr.Serve)

		v1.GET("/presence/:user_id", presenceHdlr.GetPresence)
		v1.POST("/presence/online", presenceHdlr.SetOnline)
		v1.POST("/presence/offline", presenceHdlr.SetOffline)
		v1.POST("/presence/heartbeat", presenceHdlr.Heartbeat)

		v1.POST("/conversations", conversationHdlr.Ensure)
		v1.GET("/conversations", conversationHdlr.List)
		v1.GET("/conversations/:id", conversationHdlr.Get)
		v1.PUT("/conversations/:id/typing", conversationHdlr.SetTyping)
		v1.PUT("/conversations/:id/read", conversationHdlr.MarkRead)
		v1.PUT("/conversations/:id/last-message", conversationHdlr.SetLastMessage)

		v1.GET("/rtc/ice-config", callHdlr.GetICEConfig)
		v1.GET("/calls/history", callHdlr.GetHistory)

		if pushHdlr != nil {
			v1.POST("/push/tokens", pushHdlr.RegisterToken)
			v1.DELETE("/push/tokens", pushHdlr.UnregisterToken)
		}
	}

	// Serve with graceful shutdown
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("rtc service listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}

// buildDirectoryService picks the richest directory the configuration
// allows: Postgres plus MinIO avatars, Postgres alone, or a stub that
// degrades every profile to uid-only.
func buildDirectoryService(cfg *config.Config, userRepo *postgres.UserRepository) *directoryService.Service {
	if userRepo == nil {
		return directoryService.NewService(unavailableDirectory{})
	}
	if cfg.MinIO.Enabled() {
		svc, err := directoryService.NewServiceWithAvatars(
			userRepo,
			cfg.MinIO.Endpoint,
			cfg.MinIO.AccessKey,
			cfg.MinIO.SecretKey,
			cfg.MinIO.Bucket,
			cfg.MinIO.UseSSL,
		)
		if err == nil {
			return svc
		}
		logger.Warn("minio unavailable, serving raw avatar values", zap.Error(err))
	}
	return directoryService.NewService(userRepo)
}

// unavailableDirectory stands in when Postgres is down
type unavailableDirectory struct{}

func (unavailableDirectory) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return nil, pkgerrors.ErrNotFound
}

func (unavailableDirectory) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return nil, pkgerrors.ErrNotFound
}
