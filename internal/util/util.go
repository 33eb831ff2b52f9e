package util

import (
	cryptorand "crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NormalizePhone(p string) string {
	// keep it simple for now
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}

// RenderTemplate does simple {var} substitution on the campaign text.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// NewMessageID returns a sortable message identifier (ULIDs index well).
func NewMessageID() string {
	t := time.Now().UTC()
	return "msg_" + ulid.MustNew(ulid.Timestamp(t), cryptorand.Reader).String()
}

func NewCampaignID() string {
	t := time.Now().UTC()
	return "cmp_" + ulid.MustNew(ulid.Timestamp(t), cryptorand.Reader).String()
}

// NewTrackingID returns a short URL-safe id for offer links.
func NewTrackingID() string {
	b := make([]byte, 9)
	_, _ = cryptorand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
