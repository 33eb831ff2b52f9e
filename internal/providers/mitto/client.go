package mitto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	APIKey string
	HTTP   *http.Client

	Sender  string // alphanumeric sender id or long number
	BaseURL string
}

// BulkMessage is one recipient within a bulk call. Reference carries our
// internal message id so the provider's per-recipient results can be matched
// back without relying on ordering.
type BulkMessage struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	Reference string `json:"reference"`
}

type bulkRequest struct {
	From     string        `json:"from"`
	Messages []BulkMessage `json:"messages"`
}

type bulkResponse struct {
	BulkID   string `json:"bulkId"`
	Messages []struct {
		Reference string `json:"reference"`
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
		ErrorCode string `json:"errorCode"`
		ErrorText string `json:"errorText"`
	} `json:"messages"`
	ErrorText string `json:"errorText"`
}

// BulkResult is the per-recipient outcome of a bulk call. Accepted carries a
// provider message id; rejected carries the provider's reason.
type BulkResult struct {
	InternalRef       string
	Accepted          bool
	ProviderMessageID string
	Error             string
}

type BulkOutcome struct {
	BulkID  string
	Results []BulkResult
}

// BulkSend submits up to one API call for the whole batch. On a non-2xx or
// transport error nothing was accepted and the error is returned for the
// caller's retry classifier.
func (c *Client) BulkSend(ctx context.Context, messages []BulkMessage) (BulkOutcome, int, error) {
	body, _ := json.Marshal(bulkRequest{From: c.Sender, Messages: messages})

	raw, status, err := c.do(ctx, http.MethodPost, "/v2/sms/bulk", body)
	if err != nil {
		return BulkOutcome{}, status, err
	}

	var out bulkResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return BulkOutcome{}, status, errors.New("mitto: malformed bulk response")
	}

	results := make([]BulkResult, 0, len(out.Messages))
	for _, m := range out.Messages {
		r := BulkResult{InternalRef: m.Reference}
		if m.MessageID != "" && m.ErrorCode == "" {
			r.Accepted = true
			r.ProviderMessageID = m.MessageID
		} else {
			r.Error = m.ErrorCode
			if m.ErrorText != "" {
				r.Error = m.ErrorCode + ": " + m.ErrorText
			}
		}
		results = append(results, r)
	}
	return BulkOutcome{BulkID: out.BulkID, Results: results}, status, nil
}

type SingleResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	ErrorCode string `json:"errorCode"`
	ErrorText string `json:"errorText"`
}

// SingleSend submits one message outside a campaign batch.
func (c *Client) SingleSend(ctx context.Context, to, text, reference string) (SingleResponse, int, error) {
	body, _ := json.Marshal(map[string]string{
		"from": c.Sender, "to": to, "text": text, "reference": reference,
	})
	raw, status, err := c.do(ctx, http.MethodPost, "/v2/sms", body)
	if err != nil {
		return SingleResponse{}, status, err
	}
	var out SingleResponse
	_ = json.Unmarshal(raw, &out)
	if out.ErrorCode != "" {
		return out, status, errors.New("mitto: " + out.ErrorCode)
	}
	return out, status, nil
}

type StatusResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"` // delivered | failed | pending
	ErrorCode string `json:"errorCode"`
	DoneAt    string `json:"doneAt"`
}

var ErrMessageNotFound = errors.New("mitto: message not found")

// GetStatus queries the current delivery state of an accepted message. The
// fallback poller uses it when receipts go missing.
func (c *Client) GetStatus(ctx context.Context, providerMessageID string) (StatusResponse, error) {
	raw, status, err := c.do(ctx, http.MethodGet, "/v2/sms/"+providerMessageID+"/status", nil)
	if status == http.StatusNotFound {
		return StatusResponse{}, ErrMessageNotFound
	}
	if err != nil {
		return StatusResponse{}, err
	}
	var out StatusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return StatusResponse{}, errors.New("mitto: malformed status response")
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://rest.mittoapi.net"
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, _ := http.NewRequestWithContext(ctx, method, baseURL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mitto-API-Key", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			ErrorText string `json:"errorText"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.ErrorText != "" {
			return raw, resp.StatusCode, errors.New("mitto: " + apiErr.ErrorText)
		}
		return raw, resp.StatusCode, errors.New("mitto: request failed")
	}
	return raw, resp.StatusCode, nil
}

// Retry decision for transient errors
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil && httpStatus == 0 {
		// no HTTP response at all: timeouts, refused and reset connections
		// alike; the caller releases the batch rather than failing it
		return true
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return false
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
