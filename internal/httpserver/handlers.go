package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"bulksms/internal/domain"
	"bulksms/internal/ledger"
	"bulksms/internal/store"
	"bulksms/internal/util"
)

type EnqueueService interface {
	Enqueue(ctx context.Context, campaignID, ownerID string) (domain.EnqueueResult, error)
}

type APIStore interface {
	GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error)
	GetMessage(ctx context.Context, id string) (store.Message, bool, error)
	MarkCampaignCancelled(ctx context.Context, id string, now time.Time) (bool, error)
}

type Scheduler interface {
	EnqueueScheduled(ctx context.Context, campaignID, ownerID string, at time.Time) (string, error)
}

type BalanceLedger interface {
	Available(ctx context.Context, ownerID string) (ledger.Balance, error)
	TopUp(ctx context.Context, ownerID string, credits int64, idempotencyKey string, now time.Time) error
}

type Resolver interface {
	Resolve(ctx context.Context, code string) (string, bool, error)
}

type API struct {
	Store     APIStore
	Enqueue   EnqueueService
	Scheduler Scheduler
	Ledger    BalanceLedger
	Links     Resolver
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns/{id}/enqueue", a.handleEnqueue).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/schedule", a.handleSchedule).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
	mux.HandleFunc("/v1/messages/{id}", a.handleGetMessage).Methods(http.MethodGet)
	mux.HandleFunc("/v1/balance", a.handleGetBalance).Methods(http.MethodGet)
	mux.HandleFunc("/v1/balance/topup", a.handleTopUp).Methods(http.MethodPost)
	if a.Links != nil {
		mux.HandleFunc("/r/{code}", a.handleRedirect).Methods(http.MethodGet)
	}
}

func ownerID(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	owner := ownerID(r)
	if owner == "" {
		http.Error(w, ErrMissingOwner, http.StatusBadRequest)
		return
	}

	res, err := a.Enqueue.Enqueue(r.Context(), id, owner)
	switch {
	case errors.Is(err, domain.ErrCampaignNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	case errors.Is(err, domain.ErrNoRecipients):
		http.Error(w, "no eligible recipients", http.StatusUnprocessableEntity)
		return
	case errors.Is(err, domain.ErrInsufficientCredits):
		http.Error(w, "insufficient allowance or credits", http.StatusPaymentRequired)
		return
	case err != nil:
		slog.Error("campaign enqueue failed", "campaign_id", id, "owner_id", owner, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(res)
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	owner := ownerID(r)
	if owner == "" {
		http.Error(w, ErrMissingOwner, http.StatusBadRequest)
		return
	}

	var req struct {
		At time.Time `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.At.IsZero() {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	camp, found, err := a.Store.GetCampaign(r.Context(), id)
	if err != nil {
		slog.Error("get campaign failed", "campaign_id", id, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found || camp.OwnerID != owner {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	jobID, err := a.Scheduler.EnqueueScheduled(r.Context(), id, owner, req.At)
	if err != nil {
		slog.Error("schedule enqueue failed", "campaign_id", id, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"jobId": jobID, "scheduledAt": req.At.UTC().Format(time.RFC3339)})
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	owner := ownerID(r)
	if owner == "" {
		http.Error(w, ErrMissingOwner, http.StatusBadRequest)
		return
	}

	camp, found, err := a.Store.GetCampaign(r.Context(), id)
	if err != nil {
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found || camp.OwnerID != owner {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	cancelled, err := a.Store.MarkCampaignCancelled(r.Context(), id, util.NowUTC())
	if err != nil {
		slog.Error("campaign cancel failed", "campaign_id", id, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}

type campaignResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Total      int64      `json:"total"`
	Delivered  int64      `json:"delivered"`
	Failed     int64      `json:"failed"`
	Processed  int64      `json:"processed"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	owner := ownerID(r)
	if owner == "" {
		http.Error(w, ErrMissingOwner, http.StatusBadRequest)
		return
	}

	camp, found, err := a.Store.GetCampaign(r.Context(), id)
	if err != nil {
		slog.Error("get campaign failed", "campaign_id", id, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found || camp.OwnerID != owner {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(campaignResponse{
		ID: camp.ID, Name: camp.Name, Kind: camp.Kind, Status: camp.Status,
		Total: camp.Total, Delivered: camp.Delivered, Failed: camp.Failed, Processed: camp.Processed,
		StartedAt: camp.StartedAt, FinishedAt: camp.FinishedAt,
	})
}

type messageResponse struct {
	ID             string     `json:"id"`
	CampaignID     string     `json:"campaignId"`
	To             string     `json:"to"`
	Status         string     `json:"status"`
	ProviderMsgID  string     `json:"providerMsgId,omitempty"`
	DeliveryStatus string     `json:"deliveryStatus,omitempty"`
	BillingStatus  string     `json:"billingStatus"`
	LastError      string     `json:"lastError,omitempty"`
	Attempts       int        `json:"attempts"`
	SubmittedAt    *time.Time `json:"submittedAt,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	FailedAt       *time.Time `json:"failedAt,omitempty"`
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	owner := ownerID(r)
	if owner == "" {
		http.Error(w, ErrMissingOwner, http.StatusBadRequest)
		return
	}

	msg, found, err := a.Store.GetMessage(r.Context(), id)
	if err != nil {
		slog.Error("get message failed", "message_id", id, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found || msg.OwnerID != owner {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(messageResponse{
		ID: msg.ID, CampaignID: msg.CampaignID, To: msg.To, Status: msg.Status,
		ProviderMsgID: msg.ProviderMsgID, DeliveryStatus: msg.DeliveryStatus,
		BillingStatus: msg.BillingStatus, LastError: msg.LastError, Attempts: msg.Attempts,
		SubmittedAt: msg.SubmittedAt, DeliveredAt: msg.DeliveredAt, FailedAt: msg.FailedAt,
	})
}

func (a *API) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		http.Error(w, ErrMissingOwner, http.StatusBadRequest)
		return
	}
	bal, err := a.Ledger.Available(r.Context(), owner)
	if err != nil {
		slog.Error("balance lookup failed", "owner_id", owner, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(bal)
}

func (a *API) handleTopUp(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		http.Error(w, ErrMissingOwner, http.StatusBadRequest)
		return
	}
	var req struct {
		Credits        int64  `json:"credits"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Credits <= 0 || req.IdempotencyKey == "" {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := a.Ledger.TopUp(r.Context(), owner, req.Credits, req.IdempotencyKey, util.NowUTC()); err != nil {
		slog.Error("topup failed", "owner_id", owner, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleRedirect(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	target, found, err := a.Links.Resolve(r.Context(), code)
	if err != nil {
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
