// Package reconcile closes the gaps webhooks leave open: a fallback poller
// asks the provider about receipts that never arrived, and a watchdog
// resolves claims orphaned by crashed workers.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bulksms/internal/observability"
	"bulksms/internal/providers/mitto"
	"bulksms/internal/store"
	"bulksms/internal/util"
)

type Store interface {
	ListStaleSubmitted(ctx context.Context, olderThan time.Time, limit int) ([]store.Message, error)
	MarkDelivery(ctx context.Context, in store.DeliveryUpdate) (bool, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]store.Message, error)
	ResolveStaleToSubmitted(ctx context.Context, id string, now time.Time) (bool, error)
	ResolveStaleToUnknown(ctx context.Context, id, reason string, now time.Time) (bool, error)
	RecomputeAggregates(ctx context.Context, campaignID, ownerID string, now time.Time) error
}

type StatusClient interface {
	GetStatus(ctx context.Context, providerMessageID string) (mitto.StatusResponse, error)
}

// Poller reconciles messages stuck in submitted past StaleAfter by querying
// the provider directly. Updates go through the same conditional MarkDelivery
// as webhook receipts, so a racing webhook cannot be overwritten.
type Poller struct {
	Store      Store
	Provider   StatusClient
	StaleAfter time.Duration
	BatchLimit int
}

func (p *Poller) Run(ctx context.Context) error {
	limit := p.BatchLimit
	if limit <= 0 {
		limit = 200
	}
	now := util.NowUTC()
	stale, err := p.Store.ListStaleSubmitted(ctx, now.Add(-p.StaleAfter), limit)
	if err != nil {
		return err
	}

	touched := map[string][2]string{}
	for _, m := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.reconcileOne(ctx, m) {
			touched[m.CampaignID] = [2]string{m.CampaignID, m.OwnerID}
		}
	}
	recomputeAll(ctx, p.Store, touched)
	return nil
}

func (p *Poller) reconcileOne(ctx context.Context, m store.Message) bool {
	st, err := p.Provider.GetStatus(ctx, m.ProviderMsgID)
	if errors.Is(err, mitto.ErrMessageNotFound) {
		// the provider no longer knows the id; the receipt will never come
		updated, err := p.Store.MarkDelivery(ctx, store.DeliveryUpdate{
			Provider: "mitto", ProviderMsgID: m.ProviderMsgID,
			NewState: "failed", RawStatus: "not_found", ErrorCode: "PROVIDER_NOT_FOUND",
			Now: util.NowUTC(),
		})
		if err != nil {
			slog.Error("poller not-found update failed", "message_id", m.ID, "error", err)
			return false
		}
		observability.PollerUpdates.WithLabelValues("not_found").Inc()
		return updated
	}
	if err != nil {
		slog.Warn("status poll failed", "message_id", m.ID, "provider_msg_id", m.ProviderMsgID, "error", err)
		return false
	}

	var newState string
	switch st.Status {
	case "delivered":
		newState = "delivered"
	case "failed":
		newState = "failed"
	default:
		// still pending at the provider; check again next cycle
		observability.PollerUpdates.WithLabelValues("pending").Inc()
		return false
	}

	updated, err := p.Store.MarkDelivery(ctx, store.DeliveryUpdate{
		Provider: "mitto", ProviderMsgID: m.ProviderMsgID,
		NewState: newState, RawStatus: st.Status, ErrorCode: st.ErrorCode,
		Now: util.NowUTC(),
	})
	if err != nil {
		slog.Error("poller delivery update failed", "message_id", m.ID, "error", err)
		return false
	}
	if updated {
		observability.PollerUpdates.WithLabelValues(newState).Inc()
	}
	return updated
}

func recomputeAll(ctx context.Context, s Store, touched map[string][2]string) {
	for _, pair := range touched {
		if err := s.RecomputeAggregates(ctx, pair[0], pair[1], util.NowUTC()); err != nil {
			slog.Error("aggregate recompute failed", "campaign_id", pair[0], "error", err)
		}
	}
}

// Loop runs fn on every tick until ctx is canceled.
func Loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("reconcile cycle failed", "loop", name, "error", err)
			}
		}
	}
}
