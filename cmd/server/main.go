package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/orderscan/screenlink/internal/bus"
	"github.com/orderscan/screenlink/internal/config"
	"github.com/orderscan/screenlink/internal/database"
	"github.com/orderscan/screenlink/internal/dedupe"
	"github.com/orderscan/screenlink/internal/handler"
	"github.com/orderscan/screenlink/internal/jobs"
	"github.com/orderscan/screenlink/internal/middleware"
	"github.com/orderscan/screenlink/internal/redis"
	"github.com/orderscan/screenlink/internal/repository"
	"github.com/orderscan/screenlink/internal/service"
	"github.com/orderscan/screenlink/internal/token"
	"github.com/orderscan/screenlink/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var screenRepo repository.PairedScreenRepository
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		cancel()
		log.Info().Msg("database connected")

		screenRepo = repository.NewPairedScreenRepository(db.DB)
	} else {
		log.Info().Msg("DATABASE_URL not set: paired screens are not recorded")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		redisClient, err = redis.NewClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")
	} else {
		log.Info().Msg("REDIS_URL not set: running single instance")
	}

	router := bus.NewRouter(redisClient)
	defer router.Close()

	tokens := token.NewProvider(cfg.JWTSecret, cfg.TokenTTL())

	var (
		sessionStore service.SessionStore
		scanFilter   dedupe.Filter
		limiter      middleware.Limiter
	)
	if redisClient != nil {
		sessionStore = service.NewRedisSessionStore(redisClient.Client, cfg.PairingGrace())
		scanFilter = dedupe.NewRedisFilter(redisClient.Client, "scan", cfg.DedupeWindow())
		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
	} else {
		sessionStore = service.NewMemorySessionStore()
		scanFilter = dedupe.NewCache(cfg.DedupeWindow(), 0)
		limiter = middleware.NewRateLimiter()
	}

	var screens ws.ScreenToucher
	var staleScreens jobs.StaleScreenPruner
	if screenRepo != nil {
		screens = screenRepo
		staleScreens = screenRepo
	}

	pairingService := service.NewPairingService(sessionStore, tokens, screenRepo, router, service.PairingOptions{
		TTL:         cfg.PairingTTL(),
		Grace:       cfg.PairingGrace(),
		WSURL:       cfg.PublicWSURL,
		DisplayName: cfg.DisplayName,
	})

	delivery := service.DeliveryOptions{
		MaxRetries: cfg.CommandMaxRetries,
		AckTimeout: cfg.CommandAckTimeout(),
	}
	acks := service.NewAckTracker()
	router.OnRemoteAck(acks.Deliver)
	commandService := service.NewCommandService(router, acks, delivery)

	hub := ws.NewHub(tokens, router, acks, commandService, scanFilter, screens, ws.Options{
		OrderURLTemplate: cfg.OrderURLTemplate,
		NavigateTTL:      cfg.NavigateTTL(),
		Delivery:         delivery,
		AckRelay:         router,
	})
	defer hub.Close()

	approveRateLimit := middleware.NewIPRateLimitMiddleware(limiter, cfg.ApproveRateLimitPerM, "pairing-approve")
	channelAuth := middleware.NewChannelAuthMiddleware(tokens)

	r := handler.NewRouter(handler.RouterConfig{
		Pairing:      handler.NewPairingHandler(pairingService, cfg.DisplayName, approveRateLimit.Handler),
		Channels:     handler.NewChannelHandler(router, commandService, cfg.NavigateTTL(), channelAuth.Handler),
		Socket:       hub,
		Health:       hub,
		IsProduction: isProduction,
	})

	cleanupJob := jobs.NewCleanupJob(pairingService, staleScreens, config.PairedScreenRetention, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
