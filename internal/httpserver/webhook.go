package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"bulksms/internal/observability"
	"bulksms/internal/providers/mitto"
	"bulksms/internal/replay"
	"bulksms/internal/store"
	"bulksms/internal/util"
)

type DLRStore interface {
	MarkDelivery(ctx context.Context, in store.DeliveryUpdate) (bool, error)
	CampaignForProviderMsgID(ctx context.Context, providerMsgID string) (campaignID, ownerID string, found bool, err error)
	RecomputeAggregates(ctx context.Context, campaignID, ownerID string, now time.Time) error
}

type Guard interface {
	Process(ctx context.Context, provider, eventID string, meta replay.Meta, processor replay.Processor) (bool, error)
}

const maxWebhookBody = 1 << 20

// Webhook receives Mitto delivery receipts. Duplicates are acknowledged with
// 200 and never reprocessed; a failed handler returns 5xx so the provider
// retries the delivery.
type Webhook struct {
	Store  DLRStore
	Guard  Guard
	Secret string

	VerifySignature func(secret string, body []byte, provided string) bool
	EventIDBucket   time.Duration
}

func (wh *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/mitto/dlr", wh.handleMittoDLR).Methods(http.MethodPost)
}

func (wh *Webhook) handleMittoDLR(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	if wh.VerifySignature == nil || !wh.VerifySignature(wh.Secret, body, r.Header.Get("X-Mitto-Signature")) {
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	payload, err := mitto.ParseDLR(body)
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	touched := map[string][2]string{}
	for _, ev := range payload.Events {
		observability.WebhookEvents.WithLabelValues(ev.Status).Inc()

		var newState string
		switch ev.Status {
		case "delivered":
			newState = "delivered"
		case "failed", "undelivered", "expired", "rejected":
			newState = "failed"
		default:
			// intermediate statuses carry no state transition
			continue
		}

		eventID := ev.EventID
		if eventID == "" {
			at := ev.Time()
			if at.IsZero() {
				at = util.NowUTC()
			}
			eventID = replay.DeriveEventID(ev.MessageID, ev.StatusCode, at, wh.EventIDBucket)
		}

		ran, err := wh.Guard.Process(r.Context(), "mitto", eventID, replay.Meta{
			EventType: ev.Status,
			Payload:   body,
		}, func(ctx context.Context) error {
			updated, err := wh.Store.MarkDelivery(ctx, store.DeliveryUpdate{
				Provider: "mitto", ProviderMsgID: ev.MessageID,
				NewState: newState, RawStatus: ev.StatusCode, ErrorCode: ev.ErrorCode,
				Now: util.NowUTC(),
			})
			if err != nil {
				return err
			}
			if !updated {
				// late or repeated receipt for a message already terminal
				return nil
			}
			campaignID, ownerID, found, err := wh.Store.CampaignForProviderMsgID(ctx, ev.MessageID)
			if err == nil && found {
				touched[campaignID] = [2]string{campaignID, ownerID}
			}
			return err
		})
		if err != nil {
			slog.Error("dlr processing failed", "provider_msg_id", ev.MessageID, "status", ev.Status, "err", err)
			http.Error(rw, ErrDependency, http.StatusInternalServerError)
			return
		}
		if !ran {
			observability.WebhookDuplicates.Inc()
		}
	}

	for _, pair := range touched {
		if err := wh.Store.RecomputeAggregates(r.Context(), pair[0], pair[1], util.NowUTC()); err != nil {
			slog.Error("aggregate recompute failed", "campaign_id", pair[0], "err", err)
		}
	}

	rw.WriteHeader(http.StatusOK)
}
