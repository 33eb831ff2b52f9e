package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bulksms/internal/domain"
	"bulksms/internal/ledger"
	"bulksms/internal/store"
)

type stubStore struct {
	campaign  store.Campaign
	message   store.Message
	cancelled bool
}

func (s *stubStore) GetCampaign(_ context.Context, id string) (store.Campaign, bool, error) {
	if id != s.campaign.ID {
		return store.Campaign{}, false, nil
	}
	return s.campaign, true, nil
}

func (s *stubStore) GetMessage(_ context.Context, id string) (store.Message, bool, error) {
	if id != s.message.ID {
		return store.Message{}, false, nil
	}
	return s.message, true, nil
}

func (s *stubStore) MarkCampaignCancelled(_ context.Context, _ string, _ time.Time) (bool, error) {
	s.cancelled = true
	return true, nil
}

type stubEnqueue struct {
	res domain.EnqueueResult
	err error
}

func (s stubEnqueue) Enqueue(context.Context, string, string) (domain.EnqueueResult, error) {
	return s.res, s.err
}

type stubLedger struct {
	bal     ledger.Balance
	topups  int
	lastKey string
}

func (s *stubLedger) Available(context.Context, string) (ledger.Balance, error) {
	return s.bal, nil
}

func (s *stubLedger) TopUp(_ context.Context, _ string, _ int64, key string, _ time.Time) error {
	s.topups++
	s.lastKey = key
	return nil
}

func serve(api *API, method, path, owner, body string) *httptest.ResponseRecorder {
	srv := New()
	api.Register(srv.Mux)
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	rec := httptest.NewRecorder()
	srv.Mux.ServeHTTP(rec, req)
	return rec
}

func testCampaign() store.Campaign {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return store.Campaign{
		ID: "cmp_1", OwnerID: "own_1", Name: "June sale", Kind: "marketing",
		Status: "sending", Total: 100, Delivered: 40, Failed: 2, Processed: 42,
		StartedAt: &started,
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	api := &API{
		Store:   &stubStore{campaign: testCampaign()},
		Enqueue: stubEnqueue{res: domain.EnqueueResult{CampaignID: "cmp_1", Created: 100, EnqueuedJobs: 1}},
	}
	rec := serve(api, http.MethodPost, "/v1/campaigns/cmp_1/enqueue", "own_1", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body.String())
	}
	var res domain.EnqueueResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Created != 100 {
		t.Fatalf("res = %+v", res)
	}
}

func TestEnqueueEndpointErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", domain.ErrCampaignNotFound, http.StatusNotFound},
		{"no recipients", domain.ErrNoRecipients, http.StatusUnprocessableEntity},
		{"no funds", domain.ErrInsufficientCredits, http.StatusPaymentRequired},
	}
	for _, tc := range cases {
		api := &API{Store: &stubStore{}, Enqueue: stubEnqueue{err: tc.err}}
		rec := serve(api, http.MethodPost, "/v1/campaigns/cmp_1/enqueue", "own_1", "")
		if rec.Code != tc.want {
			t.Errorf("%s: code = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestEnqueueEndpointRequiresOwner(t *testing.T) {
	api := &API{Store: &stubStore{}, Enqueue: stubEnqueue{}}
	rec := serve(api, http.MethodPost, "/v1/campaigns/cmp_1/enqueue", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestGetCampaignOwnership(t *testing.T) {
	api := &API{Store: &stubStore{campaign: testCampaign()}, Enqueue: stubEnqueue{}}

	rec := serve(api, http.MethodGet, "/v1/campaigns/cmp_1", "own_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var res campaignResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Total != 100 || res.Delivered != 40 {
		t.Fatalf("res = %+v", res)
	}

	// another owner must not see it
	rec = serve(api, http.MethodGet, "/v1/campaigns/cmp_1", "own_2", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-owner code = %d, want 404", rec.Code)
	}
}

func TestGetMessageEndpoint(t *testing.T) {
	api := &API{
		Store: &stubStore{message: store.Message{
			ID: "msg_1", CampaignID: "cmp_1", OwnerID: "own_1", To: "+15550000001",
			Status: "delivered", ProviderMsgID: "prov_1", BillingStatus: "paid",
		}},
		Enqueue: stubEnqueue{},
	}
	rec := serve(api, http.MethodGet, "/v1/messages/msg_1", "own_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var res messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "delivered" || res.BillingStatus != "paid" {
		t.Fatalf("res = %+v", res)
	}
}

func TestBalanceAndTopUp(t *testing.T) {
	led := &stubLedger{bal: ledger.Balance{Allowance: 100, Credits: 50}}
	api := &API{Store: &stubStore{}, Enqueue: stubEnqueue{}, Ledger: led}

	rec := serve(api, http.MethodGet, "/v1/balance", "own_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var bal ledger.Balance
	if err := json.Unmarshal(rec.Body.Bytes(), &bal); err != nil {
		t.Fatal(err)
	}
	if bal.Total() != 150 {
		t.Fatalf("bal = %+v", bal)
	}

	rec = serve(api, http.MethodPost, "/v1/balance/topup", "own_1", `{"credits":500,"idempotencyKey":"pay_1"}`)
	if rec.Code != http.StatusAccepted || led.topups != 1 || led.lastKey != "pay_1" {
		t.Fatalf("code=%d topups=%d key=%s", rec.Code, led.topups, led.lastKey)
	}

	rec = serve(api, http.MethodPost, "/v1/balance/topup", "own_1", `{"credits":0,"idempotencyKey":"pay_2"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero credits accepted: %d", rec.Code)
	}
}

type stubResolver struct{ target string }

func (s stubResolver) Resolve(_ context.Context, code string) (string, bool, error) {
	if code != "abc123" {
		return "", false, nil
	}
	return s.target, true, nil
}

func TestRedirect(t *testing.T) {
	api := &API{Store: &stubStore{}, Enqueue: stubEnqueue{}, Links: stubResolver{target: "https://example.com/sale"}}

	rec := serve(api, http.MethodGet, "/r/abc123", "", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("code = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/sale" {
		t.Fatalf("location = %q", loc)
	}

	rec = serve(api, http.MethodGet, "/r/missing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing code = %d", rec.Code)
	}
}
