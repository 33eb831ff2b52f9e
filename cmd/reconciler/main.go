package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bulksms/internal/config"
	"bulksms/internal/httpserver"
	"bulksms/internal/ledger"
	"bulksms/internal/logging"
	"bulksms/internal/observability"
	"bulksms/internal/providers/mitto"
	"bulksms/internal/reconcile"
	"bulksms/internal/store/pg"
)

func mustDuration(name, v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Error("invalid duration", "name", name, "value", v, "err", err)
		os.Exit(1)
	}
	return d
}

func main() {
	cfg := config.LoadReconciler()
	logging.Init("reconciler", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("reconciler db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	store.Billing = ledger.New(db)
	provider := &mitto.Client{
		APIKey:  cfg.MittoAPIKey,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		BaseURL: cfg.MittoBaseURL,
	}

	poller := &reconcile.Poller{
		Store:      store,
		Provider:   provider,
		StaleAfter: mustDuration("DLR_POLL_STALE_AFTER", cfg.PollStaleAfter),
		BatchLimit: cfg.PollLimit,
	}
	watchdog := &reconcile.Watchdog{
		Store:      store,
		StaleAfter: mustDuration("CLAIM_STALE_AFTER", cfg.ClaimStaleAfter),
		BatchLimit: cfg.WatchdogLimit,
	}
	eventAudit := &reconcile.EventAudit{
		Store:      store,
		OlderThan:  mustDuration("EVENT_AUDIT_OLDER_THAN", cfg.EventAuditOlderThan),
		BatchLimit: cfg.EventAuditLimit,
	}

	healthMux := httpserver.New().Mux
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(c context.Context) error {
		return db.Ping(c)
	}))
	healthMux.Handle("/metrics", promhttp.Handler())

	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(healthMux),
	}
	go func() {
		slog.Info("reconciler health listening", "port", cfg.Port)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("reconciler health server failed", "err", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		reconcile.Loop(ctx, mustDuration("DLR_POLL_INTERVAL", cfg.PollInterval), "dlr-poller", poller.Run)
	}()
	go func() {
		defer wg.Done()
		reconcile.Loop(ctx, mustDuration("WATCHDOG_INTERVAL", cfg.WatchdogInterval), "watchdog", watchdog.Run)
	}()
	go func() {
		defer wg.Done()
		reconcile.Loop(ctx, mustDuration("EVENT_AUDIT_INTERVAL", cfg.EventAuditInterval), "event-audit", eventAudit.Run)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("reconciler shutdown", "signal", sig.String())

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}
