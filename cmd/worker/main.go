package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"bulksms/internal/awsutil"
	"bulksms/internal/config"
	"bulksms/internal/enqueue"
	"bulksms/internal/httpserver"
	"bulksms/internal/ledger"
	"bulksms/internal/logging"
	"bulksms/internal/observability"
	"bulksms/internal/providers/mitto"
	sqsqueue "bulksms/internal/queue/sqs"
	"bulksms/internal/shortener"
	"bulksms/internal/store/pg"
	workerproc "bulksms/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)
	led := ledger.New(db)
	store.Billing = led

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()

	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.JobsQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer{
		SQS: sqsClient, QueueURL: cfg.JobsQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// health server (liveness + readiness)
	healthMux := httpserver.New().Mux
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.JobsQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	))
	healthMux.Handle("/metrics", promhttp.Handler())

	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(healthMux),
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	// Mitto + limiter/breaker + processor
	provider := &mitto.Client{
		APIKey:  cfg.MittoAPIKey,
		HTTP:    &http.Client{Timeout: 20 * time.Second},
		Sender:  cfg.MittoSender,
		BaseURL: cfg.MittoBaseURL,
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.MittoRPSPerPod), cfg.MittoBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mitto",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	// scheduled-enqueue jobs run the same enqueue service the API uses
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.JobsQueueURL}
	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	enqueueSvc := &enqueue.Service{
		Store:           store,
		Queue:           producer,
		Billing:         led,
		Links:           shortener.New(store, cache, cfg.PublicBaseURL+"/r"),
		BatchSize:       cfg.BatchSize,
		TrackingBaseURL: cfg.PublicBaseURL,
		UnsubBaseURL:    cfg.PublicBaseURL,
	}

	processor := &workerproc.Processor{
		Store:    store,
		Sender:   provider,
		Billing:  led,
		Enqueuer: enqueueSvc,
		Queue:    producer,
		Limiter:  limiter,
		Breaker:  cb,
	}

	// start polling
	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "queue_url", cfg.JobsQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, job sqsqueue.BatchJob) (err error) {
			start := time.Now()
			slog.Info("worker job start", "job_id", job.JobID, "kind", job.Kind, "campaign_id", job.CampaignID)
			defer func() {
				if err != nil {
					slog.Info("worker job finish",
						"job_id", job.JobID,
						"status", "error",
						"duration", time.Since(start),
						"err", err,
					)
				} else {
					slog.Info("worker job finish",
						"job_id", job.JobID,
						"status", "ok",
						"duration", time.Since(start),
					)
				}
			}()
			err = processor.Process(ctx, job)
			return err
		})
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loop")
	}
}
