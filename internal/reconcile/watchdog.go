package reconcile

import (
	"context"
	"log/slog"
	"time"

	"bulksms/internal/observability"
	"bulksms/internal/util"
)

// Watchdog resolves processing claims whose worker died. A row that carries
// a provider id was sent, so it becomes submitted with its bookkeeping
// backfilled. A row without one is ambiguous: the crash may have happened
// after the provider call, so it is parked as unknown, never requeued.
type Watchdog struct {
	Store      Store
	StaleAfter time.Duration
	BatchLimit int
}

func (w *Watchdog) Run(ctx context.Context) error {
	limit := w.BatchLimit
	if limit <= 0 {
		limit = 200
	}
	now := util.NowUTC()
	stale, err := w.Store.ListStaleProcessing(ctx, now.Add(-w.StaleAfter), limit)
	if err != nil {
		return err
	}

	touched := map[string][2]string{}
	for _, m := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}

		if m.ProviderMsgID != "" {
			resolved, err := w.Store.ResolveStaleToSubmitted(ctx, m.ID, util.NowUTC())
			if err != nil {
				slog.Error("watchdog submit backfill failed", "message_id", m.ID, "error", err)
				continue
			}
			if resolved {
				observability.WatchdogResolved.WithLabelValues("submitted").Inc()
				slog.Warn("stale claim had a provider id, backfilled submitted",
					"message_id", m.ID, "provider_msg_id", m.ProviderMsgID, "claim_token", m.ClaimToken)
				touched[m.CampaignID] = [2]string{m.CampaignID, m.OwnerID}
			}
			continue
		}

		resolved, err := w.Store.ResolveStaleToUnknown(ctx, m.ID, "claim expired without proof of send", util.NowUTC())
		if err != nil {
			slog.Error("watchdog unknown resolution failed", "message_id", m.ID, "error", err)
			continue
		}
		if resolved {
			observability.WatchdogResolved.WithLabelValues("unknown").Inc()
			slog.Warn("stale claim without provider id parked as unknown",
				"message_id", m.ID, "claim_token", m.ClaimToken, "attempts", m.Attempts)
			touched[m.CampaignID] = [2]string{m.CampaignID, m.OwnerID}
		}
	}
	recomputeAll(ctx, w.Store, touched)
	return nil
}
