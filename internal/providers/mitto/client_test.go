package mitto

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestBulkSendPartialAcceptance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Mitto-API-Key") != "key-123" {
			t.Errorf("missing api key header")
		}
		var req bulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		resp := bulkResponse{BulkID: "blk_1"}
		for i, m := range req.Messages {
			entry := struct {
				Reference string `json:"reference"`
				MessageID string `json:"messageId"`
				Status    string `json:"status"`
				ErrorCode string `json:"errorCode"`
				ErrorText string `json:"errorText"`
			}{Reference: m.Reference}
			if i == 1 {
				entry.ErrorCode = "INVALID_DESTINATION"
				entry.ErrorText = "bad number"
			} else {
				entry.MessageID = "prov_" + m.Reference
				entry.Status = "accepted"
			}
			resp.Messages = append(resp.Messages, entry)
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := &Client{APIKey: "key-123", HTTP: srv.Client(), Sender: "ACME", BaseURL: srv.URL}
	out, status, err := c.BulkSend(context.Background(), []BulkMessage{
		{To: "+15550000001", Text: "hi", Reference: "msg_a"},
		{To: "+15550000002", Text: "hi", Reference: "msg_b"},
		{To: "+15550000003", Text: "hi", Reference: "msg_c"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if out.BulkID != "blk_1" || len(out.Results) != 3 {
		t.Fatalf("outcome = %+v", out)
	}
	if !out.Results[0].Accepted || out.Results[0].ProviderMessageID != "prov_msg_a" {
		t.Fatalf("first result = %+v", out.Results[0])
	}
	if out.Results[1].Accepted || out.Results[1].Error == "" {
		t.Fatalf("second result = %+v", out.Results[1])
	}
	if !out.Results[2].Accepted {
		t.Fatalf("third result = %+v", out.Results[2])
	}
}

func TestBulkSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errorText":"throttled"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Client{APIKey: "k", HTTP: srv.Client(), Sender: "ACME", BaseURL: srv.URL}
	_, status, err := c.BulkSend(context.Background(), []BulkMessage{{To: "+1555", Text: "x", Reference: "msg_a"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !ShouldRetry(err, status) {
		t.Fatalf("503 should be retryable, status=%d err=%v", status, err)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := &Client{APIKey: "k", HTTP: srv.Client(), BaseURL: srv.URL}
	_, err := c.GetStatus(context.Background(), "prov_gone")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("err = %v, want ErrMessageNotFound", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		want   bool
	}{
		{"deadline", context.DeadlineExceeded, 0, true},
		{"net timeout", net.Error(timeoutErr{}), 0, true},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, 0, true},
		{"connection reset", &url.Error{Op: "Post", URL: "https://rest.mittoapi.net/v2/sms/bulk", Err: errors.New("connection reset by peer")}, 0, true},
		{"429", nil, 429, true},
		{"503", nil, 503, true},
		{"400", nil, 400, false},
		{"401", nil, 401, false},
		{"200", nil, 200, false},
	}
	for _, tc := range cases {
		if got := ShouldRetry(tc.err, tc.status); got != tc.want {
			t.Errorf("%s: ShouldRetry = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBackoffMonotonic(t *testing.T) {
	var prev time.Duration
	for i := 0; i < 5; i++ {
		d := Backoff(i)
		if d < prev {
			t.Fatalf("backoff shrank at attempt %d: %v < %v", i, d, prev)
		}
		prev = d
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"events":[{"messageId":"prov_1","status":"delivered"}]}`)
	sig := Sign("secret", body)
	if !VerifySignature("secret", body, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature("secret", body, sig+"00") {
		t.Fatal("tampered signature accepted")
	}
	if VerifySignature("other", body, sig) {
		t.Fatal("wrong secret accepted")
	}
}
