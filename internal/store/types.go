package store

import "time"

type Campaign struct {
	ID          string
	OwnerID     string
	Name        string
	Kind        string // marketing | service
	Status      string
	MessageText string
	ListID      string
	Total       int64
	Delivered   int64
	Failed      int64
	Processed   int64
	StartedAt   *time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Contact struct {
	ID           string
	OwnerID      string
	Phone        string
	Vars         map[string]string
	IsSubscribed bool
}

type Message struct {
	ID             string
	CampaignID     string
	OwnerID        string
	ContactID      string
	To             string
	Text           string
	TrackingID     string
	Status         string
	ProviderMsgID  string
	ProviderBulkID string
	DeliveryStatus string
	ClaimToken     string
	ClaimedAt      *time.Time
	SubmittedAt    *time.Time
	DeliveredAt    *time.Time
	FailedAt       *time.Time
	BillingStatus  string
	BillingError   string
	LastError      string
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type MessageInsert struct {
	ID         string
	CampaignID string
	OwnerID    string
	ContactID  string
	To         string
	Text       string
	TrackingID string
	Now        time.Time
}

// DeliveryUpdate applies a terminal delivery outcome to a submitted message,
// keyed by provider message id. Zero rows affected is a harmless no-op.
type DeliveryUpdate struct {
	Provider      string
	ProviderMsgID string
	NewState      string // delivered | failed
	RawStatus     string // provider's own status code, stored verbatim
	ErrorCode     string
	Now           time.Time
}

type WebhookEvent struct {
	Provider    string
	EventID     string
	PayloadHash string
	EventType   string
	OwnerID     string
	Payload     []byte
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

type WebhookEventInsert struct {
	Provider    string
	EventID     string
	PayloadHash string
	EventType   string
	OwnerID     string
	Payload     []byte
	Now         time.Time
}
