package reconcile

import (
	"context"
	"log/slog"
	"time"

	"bulksms/internal/observability"
	"bulksms/internal/store"
	"bulksms/internal/util"
)

type EventStore interface {
	ListUnprocessedEvents(ctx context.Context, olderThan time.Time, limit int) ([]store.WebhookEvent, error)
}

// EventAudit surfaces webhook events that were recorded but whose handler
// never finished. The replay guard refuses to re-run them, so they stay
// unstamped until an operator resolves them; this sweep keeps them visible
// instead of silent.
type EventAudit struct {
	Store      EventStore
	OlderThan  time.Duration
	BatchLimit int
}

func (a *EventAudit) Run(ctx context.Context) error {
	limit := a.BatchLimit
	if limit <= 0 {
		limit = 200
	}
	events, err := a.Store.ListUnprocessedEvents(ctx, util.NowUTC().Add(-a.OlderThan), limit)
	if err != nil {
		return err
	}

	observability.UnprocessedEvents.Set(float64(len(events)))
	for _, e := range events {
		slog.Warn("webhook event stuck unprocessed",
			"provider", e.Provider, "event_id", e.EventID,
			"event_type", e.EventType, "received_at", e.ReceivedAt)
	}
	return nil
}
