// Package replay makes webhook event processing at most once. Events are
// recorded before any side effect runs; the unique key on
// (provider, event_id) rejects replays. Events whose handler died mid-way
// stay recorded but unstamped and surface in the unprocessed listing for an
// operator; they are never re-run automatically.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"bulksms/internal/store"
)

type EventStore interface {
	InsertEvent(ctx context.Context, in store.WebhookEventInsert) (bool, error)
	EventProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, provider, eventID string, now time.Time) error
}

type Guard struct {
	Store EventStore
}

func New(s EventStore) *Guard { return &Guard{Store: s} }

type Meta struct {
	EventType string
	OwnerID   string
	Payload   []byte
}

type Processor func(ctx context.Context) error

// Process runs processor at most once per (provider, eventID). Returns true
// when the processor ran on this call, false for a duplicate. The insert is
// the gate: any existing row, processed or not, makes the delivery a
// duplicate, so a concurrent redelivery cannot race a handler still in
// flight and a failed handler is not silently retried. A processor error
// leaves the event recorded but unstamped; those rows show up in the
// unprocessed listing.
func (g *Guard) Process(ctx context.Context, provider, eventID string, meta Meta, processor Processor) (bool, error) {
	now := time.Now().UTC()
	inserted, err := g.Store.InsertEvent(ctx, store.WebhookEventInsert{
		Provider:    provider,
		EventID:     eventID,
		PayloadHash: hashPayload(meta.Payload),
		EventType:   meta.EventType,
		OwnerID:     meta.OwnerID,
		Payload:     meta.Payload,
		Now:         now,
	})
	if err != nil {
		return false, err
	}

	if !inserted {
		done, err := g.Store.EventProcessed(ctx, provider, eventID)
		if err != nil {
			return false, err
		}
		if done {
			slog.Debug("webhook event replayed, skipping", "provider", provider, "event_id", eventID)
		} else {
			// first run is in flight or died; the unprocessed listing is
			// the recovery path, not a retry here
			slog.Warn("duplicate delivery of unresolved webhook event", "provider", provider, "event_id", eventID)
		}
		return false, nil
	}

	if err := processor(ctx); err != nil {
		return false, err
	}
	if err := g.Store.MarkEventProcessed(ctx, provider, eventID, time.Now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

func hashPayload(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DeriveEventID builds a stable event id for providers that do not send one:
// hash of the provider message id, the raw status, and the receipt time
// rounded to a bucket. A re-sent receipt inside the bucket dedupes; a genuine
// later status change lands in a new bucket and processes normally.
func DeriveEventID(providerMsgID, statusCode string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Minute
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", providerMsgID, statusCode, at.UTC().Truncate(bucket).Unix())))
	return hex.EncodeToString(sum[:16])
}
