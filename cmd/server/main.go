package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"hookrelay.io/relay/common/id"
	"hookrelay.io/relay/common/logger"
	"hookrelay.io/relay/common/otel"
	"hookrelay.io/relay/core/config"
	"hookrelay.io/relay/core/db"
	"hookrelay.io/relay/internal/aisession"
	"hookrelay.io/relay/internal/http/handler"
	"hookrelay.io/relay/internal/http/middleware"
	httprouter "hookrelay.io/relay/internal/http/router"
	"hookrelay.io/relay/internal/ingest"
	"hookrelay.io/relay/internal/metrics"
	"hookrelay.io/relay/internal/queue"
	"hookrelay.io/relay/internal/store"
	"hookrelay.io/relay/internal/workflow"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "hookrelay server starting", "env", cfg.Env)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.Stream)

	producer := queue.NewRedisProducer(redisClient, cfg.Queue.Stream, cfg.Queue.DelayedSet, nil)
	defer producer.Close()

	sink := metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
	stores := store.NewStores(database.Pool())

	correlator := workflow.NewCorrelator(stores, producer, sink, nil)
	ingestService := ingest.NewService(stores, ingest.NewTxRunner(database), producer, correlator, sink, nil)
	aiClient := aisession.NewClient(cfg.AI, sink, nil)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, ingestService, aiClient)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, ingestService ingest.Service, aiClient *aisession.Client) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router,
		handler.NewWebhookHandler(ingestService),
		handler.NewAPIKeyHandler(aiClient),
	)

	return router
}

const banner = `
██╗  ██╗ ██████╗  ██████╗ ██╗  ██╗██████╗ ███████╗██╗      █████╗ ██╗   ██╗
██║  ██║██╔═══██╗██╔═══██╗██║ ██╔╝██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝
███████║██║   ██║██║   ██║█████╔╝ ██████╔╝█████╗  ██║     ███████║ ╚████╔╝
██╔══██║██║   ██║██║   ██║██╔═██╗ ██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝
██║  ██║╚██████╔╝╚██████╔╝██║  ██╗██║  ██║███████╗███████╗██║  ██║   ██║
╚═╝  ╚═╝ ╚═════╝  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝
`
