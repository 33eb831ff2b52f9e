package domain

import "errors"

// MessageState is the per-recipient delivery state machine.
//
// queued -> processing -> submitted -> delivered|failed
// queued -> failed (hard provider rejection)
// processing -> queued (transient failure before any provider id)
// processing -> unknown (watchdog, no proof of send; never auto-retried)
type MessageState string

const (
	StateQueued     MessageState = "queued"
	StateProcessing MessageState = "processing"
	StateSubmitted  MessageState = "submitted"
	StateDelivered  MessageState = "delivered"
	StateFailed     MessageState = "failed"
	StateUnknown    MessageState = "unknown"
)

// InFlight reports whether a message in this state holds a worker claim.
func (s MessageState) InFlight() bool { return s == StateProcessing }

// Terminal reports whether no further transitions are allowed.
func (s MessageState) Terminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateUnknown
}

type CampaignState string

const (
	CampaignDraft     CampaignState = "draft"
	CampaignScheduled CampaignState = "scheduled"
	CampaignPaused    CampaignState = "paused"
	CampaignSending   CampaignState = "sending"
	CampaignCompleted CampaignState = "completed"
	CampaignFailed    CampaignState = "failed"
	CampaignCancelled CampaignState = "cancelled"
)

// Enqueueable reports whether an enqueue call may start sending this campaign.
func (s CampaignState) Enqueueable() bool {
	return s == CampaignDraft || s == CampaignScheduled || s == CampaignPaused
}

// Sendable reports whether a batch job for this campaign should still run.
// In-flight batches of a paused campaign are allowed to finish.
func (s CampaignState) Sendable() bool {
	return s == CampaignSending || s == CampaignPaused
}

// MessageKind controls link policy: marketing messages always carry an
// unsubscribe link, service messages never do.
type MessageKind string

const (
	KindMarketing MessageKind = "marketing"
	KindService   MessageKind = "service"
)

type BillingStatus string

const (
	BillingPending BillingStatus = "pending"
	BillingPaid    BillingStatus = "paid"
	BillingFailed  BillingStatus = "failed"
)

var (
	ErrCampaignNotFound    = errors.New("campaign not found")
	ErrNoRecipients        = errors.New("no eligible recipients")
	ErrInsufficientCredits = errors.New("insufficient allowance or credits")
)

// EnqueueResult is returned by the enqueue service. AlreadyHandled marks the
// idempotent no-op path: the campaign was not in an enqueueable state or
// already has message rows.
type EnqueueResult struct {
	CampaignID     string `json:"campaignId"`
	Created        int    `json:"created"`
	EnqueuedJobs   int    `json:"enqueuedJobs"`
	AlreadyHandled bool   `json:"alreadyHandled,omitempty"`
}
