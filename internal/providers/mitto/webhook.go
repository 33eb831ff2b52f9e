package mitto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// VerifySignature checks the X-Mitto-Signature header: hex HMAC-SHA256 of
// the raw request body under the shared webhook secret.
func VerifySignature(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// DLREvent is one delivery receipt in a webhook POST. EventID may be empty;
// some Mitto tenants do not emit stable event ids and the receiver derives
// one instead.
type DLREvent struct {
	EventID    string `json:"eventId"`
	MessageID  string `json:"messageId"`
	Status     string `json:"status"` // delivered | failed
	StatusCode string `json:"statusCode"`
	ErrorCode  string `json:"errorCode"`
	Timestamp  string `json:"timestamp"` // RFC 3339
}

type DLRPayload struct {
	Events []DLREvent `json:"events"`
}

func ParseDLR(body []byte) (DLRPayload, error) {
	var p DLRPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return DLRPayload{}, err
	}
	return p, nil
}

func (e DLREvent) Time() time.Time {
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}
