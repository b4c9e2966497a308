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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"hookrelay.io/relay/common/id"
	"hookrelay.io/relay/common/logger"
	"hookrelay.io/relay/common/otel"
	"hookrelay.io/relay/core/config"
	"hookrelay.io/relay/core/db"
	"hookrelay.io/relay/internal/aisession"
	"hookrelay.io/relay/internal/metrics"
	"hookrelay.io/relay/internal/queue"
	"hookrelay.io/relay/internal/secret"
	"hookrelay.io/relay/internal/store"
	"hookrelay.io/relay/internal/worker"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
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

	// Each process needs a distinct consumer name or Redis delivers its
	// pending messages to a sibling.
	consumerName := cfg.Queue.Consumer
	if consumerName == "" {
		hostname, _ := os.Hostname()
		consumerName = fmt.Sprintf("worker-%s-%s", hostname, uuid.NewString()[:8])
	}

	slog.InfoContext(ctx, "hookrelay worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Queue.Group,
		"consumer_name", consumerName)

	// Use a different snowflake node ID than the server
	if err := id.Init(2); err != nil {
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
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.Stream)

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Queue.Stream,
		Group:        cfg.Queue.Group,
		Consumer:     consumerName,
		DLQStream:    cfg.Queue.DLQStream,
		BatchSize:    1, // one job at a time per loop
		Block:        5 * time.Second,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	// Low-noise deferrals re-enter the pipeline through the producer.
	producer := queue.NewRedisProducer(redisClient, cfg.Queue.Stream, cfg.Queue.DelayedSet, nil)
	defer producer.Close()

	var cipher *secret.Cipher
	if cfg.Secrets.MasterKey != "" {
		key, err := cfg.Secrets.Key()
		if err != nil {
			slog.ErrorContext(ctx, "failed to load master key", "error", err)
			os.Exit(1)
		}
		cipher, err = secret.NewCipher(key)
		if err != nil {
			slog.ErrorContext(ctx, "failed to create cipher", "error", err)
			os.Exit(1)
		}
	} else {
		slog.WarnContext(ctx, "SECRET_MASTER_KEY not set, executions requiring stored API keys will fail")
	}

	sink := metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
	stores := store.NewStores(database.Pool())
	aiClient := aisession.NewClient(cfg.AI, sink, nil)

	processor := worker.NewProcessor(stores, producer, aiClient, cipher, worker.ProcessorConfig{
		SessionTimeout:     cfg.AI.SessionTimeout,
		LowNoiseBaseDelay:  cfg.Worker.LowNoiseBaseDelay,
		LowNoiseMaxDelay:   cfg.Worker.LowNoiseMaxDelay,
		LowNoiseMaxRetries: cfg.Worker.LowNoiseMaxRetries,
	}, sink, nil)

	w := worker.New(consumer, processor.Process, worker.Config{
		Concurrency:     cfg.Worker.Concurrency,
		StartsPerMinute: cfg.Worker.StartsPerMinute,
	}, sink, nil)

	reclaimer := worker.NewReclaimer(redisClient, worker.ReclaimerConfig{
		Stream:    cfg.Queue.Stream,
		Group:     cfg.Queue.Group,
		Consumer:  consumerName + "-reclaimer",
		MinIdle:   5 * time.Minute,
		Interval:  time.Minute,
		BatchSize: 10,
	}, consumer, processor.Process, nil)

	mover := queue.NewDelayedMover(redisClient, queue.DelayedMoverConfig{
		Stream:     cfg.Queue.Stream,
		DelayedSet: cfg.Queue.DelayedSet,
		Interval:   time.Second,
		BatchSize:  100,
	})

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "metrics server error", "error", err)
		}
	}()

	errCh := make(chan error, 3)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()
	go func() {
		mover.Run(ctx)
		errCh <- nil
	}()

	slog.InfoContext(ctx, "worker initialized and running", "concurrency", cfg.Worker.Concurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Reclaimer and mover stop quickly, the worker may be mid-session.
	reclaimer.Stop()
	mover.Stop()
	w.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "metrics server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "worker shutdown complete")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

const banner = `
██╗  ██╗ ██████╗  ██████╗ ██╗  ██╗██████╗ ███████╗██╗      █████╗ ██╗   ██╗
██║  ██║██╔═══██╗██╔═══██╗██║ ██╔╝██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝
███████║██║   ██║██║   ██║█████╔╝ ██████╔╝█████╗  ██║     ███████║ ╚████╔╝
██╔══██║██║   ██║██║   ██║██╔═██╗ ██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝
██║  ██║╚██████╔╝╚██████╔╝██║  ██╗██║  ██║███████╗███████╗██║  ██║   ██║
╚═╝  ╚═╝ ╚═════╝  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝
                                                        execution worker
`
