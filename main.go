package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"marketplace-chat/internal/cache"
	"marketplace-chat/internal/config"
	"marketplace-chat/internal/db"
	grpcclient "marketplace-chat/internal/grpc"
	"marketplace-chat/internal/handlers"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/rabbitmq"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/telemetry"
	"marketplace-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := observability.NewLogger(cfg.LogLevel, cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init tracing")
	}

	database, err := db.Connect(ctx, cfg.DatabaseDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	users, closeUsers := userDirectory(ctx, cfg, database, log)
	defer closeUsers()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	defer publisher.Close()
	log.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("noop_reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")

	events := observability.NewEventPublisher(publisher, log)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRouting, cfg.ServiceName, cfg.Env, log)

	messageRepo := repositories.NewMessageRepo(database)
	hub := ws.NewHub(log)
	relay := ws.NewRelay(hub, users, messageRepo, ws.RelayOptions{
		QueueSize:      cfg.SendQueueSize,
		PersistTimeout: cfg.PersistTimeout,
		Events:         events,
		Audit:          audit,
		Logger:         log,
	})

	chatHandler := handlers.NewChatHandler(messageRepo, users, log)
	chatWS := ws.NewChatWebSocketHandler(relay, log)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatWS.Register(router)
	router.GET("/chat/history/:room_name", chatHandler.History)
	router.GET("/chat/users", chatHandler.Partners)

	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("chat service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by the server.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracer shutdown")
	}
}

// userDirectory picks the user service over gRPC when configured and the
// local users table otherwise, optionally fronted by redis.
func userDirectory(ctx context.Context, cfg config.Config, database *sqlx.DB, log zerolog.Logger) (repositories.UserDirectory, func()) {
	var directory repositories.UserDirectory = repositories.NewUserRepo(database)
	closers := []func(){}

	if cfg.UserGRPCAddr != "" {
		conn, err := grpc.NewClient(cfg.UserGRPCAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
			grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
		)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.UserGRPCAddr).Msg("failed to connect to user grpc")
		}
		closers = append(closers, func() { _ = conn.Close() })
		directory = grpcclient.NewUserClient(conn)
		log.Info().Str("addr", cfg.UserGRPCAddr).Msg("user lookups via user service")
	}

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, user cache disabled")
		} else {
			closers = append(closers, func() { _ = client.Close() })
			directory = cache.NewUserCache(client, directory, cfg.UserCacheTTL, log)
			log.Info().Dur("ttl", cfg.UserCacheTTL).Msg("user cache enabled")
		}
	}

	return directory, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}
