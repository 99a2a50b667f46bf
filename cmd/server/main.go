package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	sitelink "github.com/moneta-dev/sitelink"
	echoapi "github.com/moneta-dev/sitelink/api/echo"
	"github.com/moneta-dev/sitelink/config"
	"github.com/moneta-dev/sitelink/correlate"
	"github.com/moneta-dev/sitelink/domain"
	"github.com/moneta-dev/sitelink/flowstore"
	"github.com/moneta-dev/sitelink/internal/server"
	"github.com/moneta-dev/sitelink/internal/sweeper"
	"github.com/moneta-dev/sitelink/log"
	"github.com/moneta-dev/sitelink/mongodb"
	"github.com/moneta-dev/sitelink/projector"
	"github.com/moneta-dev/sitelink/providers"
	"github.com/moneta-dev/sitelink/tracing"
)

var (
	appLogger      log.Logger
	httpServer     *http.Server
	tracerProvider *sdktrace.TracerProvider
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	appLogger = log.NewZerologAdapter(logLevel, cfg.LogPretty)

	ctx := context.Background()
	appLogger.Info(ctx, "Starting sitelink server...", map[string]interface{}{
		"http_port":       cfg.HTTPPort,
		"session_backend": cfg.SessionBackend,
		"mongo_db_name":   cfg.MongoDBName,
		"providers":       len(cfg.Providers),
	})

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize TracerProvider", err)
	}
	tracerProvider = tp

	if initErr := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); initErr != nil {
		appLogger.Fatal(ctx, "Failed to initialize MongoDB connection", initErr)
	}
	db := mongodb.GetDB()

	userSiteRepo, err := mongodb.NewUserSiteRepositoryMongo(ctx, db)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize UserSiteRepository", err)
	}
	sessionArchive, err := mongodb.NewSessionArchive(ctx, db)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize SessionArchive", err)
	}

	clock := domain.SystemClock{}

	var (
		sessions   domain.SessionStore
		correlator domain.TokenCorrelator
		cleaner    sweeper.TerminalCleaner
	)
	tokenTTL := time.Duration(cfg.CallbackTokenTTLMin) * time.Minute
	switch cfg.SessionBackend {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sessions = flowstore.NewRedisStore(redisClient, cfg.RedisPrefix, clock)
		correlator = correlate.NewRedisCorrelator(redisClient, cfg.RedisPrefix, tokenTTL, clock)
	default:
		memStore := flowstore.NewMemoryStore(clock)
		sessions = memStore
		cleaner = memStore
		correlator = correlate.NewMemoryCorrelator(tokenTTL, clock)
	}

	descriptors, err := cfg.BuildDescriptors()
	if err != nil {
		appLogger.Fatal(ctx, "Invalid provider catalogue", err)
	}
	registry, err := sitelink.NewProviderRegistry(descriptors...)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to build provider registry", err)
	}

	flowService := sitelink.NewFlowService(sitelink.FlowServiceConfig{
		Registry:   registry,
		Sessions:   sessions,
		Correlator: correlator,
		Adapters: map[domain.ProviderType]providers.Adapter{
			domain.ProviderTypeScraping:         providers.NewScrapingAdapter(nil),
			domain.ProviderTypeDirectConnection: providers.NewDirectConnectionAdapter(nil),
		},
		Projector:   projector.NewUserSiteProjector(userSiteRepo, clock),
		Archiver:    sessionArchive,
		Clock:       clock,
		CallbackURL: cfg.CallbackURL,
		RedirectTTL: time.Duration(cfg.RedirectSessionTTLMin) * time.Minute,
		FormTTL:     time.Duration(cfg.FormSessionTTLMin) * time.Minute,
	})

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweeper.New(flowService, cleaner, time.Duration(cfg.SweepIntervalSec)*time.Second).Run(sweepCtx)

	flowAPI := echoapi.NewFlowAPI(flowService, cfg.SuccessLandingURL, cfg.FailureLandingURL)
	httpServer = server.NewHTTPServer(cfg, appLogger, flowAPI)

	go func() {
		appLogger.Info(ctx, "HTTP server listening", map[string]interface{}{"addr": httpServer.Addr})
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			appLogger.Fatal(ctx, "HTTP server failed", serveErr)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info(ctx, "Shutting down...")

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown failed", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "TracerProvider shutdown failed", err)
	}
	if err := mongodb.Disconnect(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "MongoDB disconnect failed", err)
	}
	appLogger.Info(ctx, "Server stopped.")
}
