package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"bulksms/internal/awsutil"
	"bulksms/internal/config"
	"bulksms/internal/enqueue"
	"bulksms/internal/httpserver"
	"bulksms/internal/ledger"
	"bulksms/internal/logging"
	"bulksms/internal/observability"
	sqsqueue "bulksms/internal/queue/sqs"
	"bulksms/internal/shortener"
	"bulksms/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	led := ledger.New(db)
	store.Billing = led
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.JobsQueueURL}

	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	links := shortener.New(store, cache, cfg.PublicBaseURL+"/r")

	svc := &enqueue.Service{
		Store:           store,
		Queue:           producer,
		Billing:         led,
		Links:           links,
		BatchSize:       cfg.BatchSize,
		TrackingBaseURL: cfg.PublicBaseURL,
		UnsubBaseURL:    cfg.PublicBaseURL,
	}

	s := httpserver.New()
	api := &httpserver.API{
		Store:     store,
		Enqueue:   svc,
		Scheduler: producer,
		Ledger:    led,
		Links:     links,
	}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := http.ListenAndServe(":"+cfg.MetricsPort, metricsMux); err != nil {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	handler := httpserver.Logging(httpserver.Metrics(observability.APIRequests)(s.Mux))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
