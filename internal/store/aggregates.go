package store

import "time"

// Counts is a snapshot of per-state message counts for one campaign.
// Aggregates are always recomputed from these counts, never incremented,
// so concurrent recomputations are commutative.
type Counts struct {
	Total          int64
	Queued         int64
	Processing     int64
	Accepted       int64 // provider_msg_id IS NOT NULL
	Delivered      int64
	FailedDelivery int64 // failed or unknown
}

func (c Counts) PendingDelivery() int64 {
	return c.Accepted - c.Delivered - c.FailedDelivery
}

func (c Counts) Processed() int64 {
	return c.Delivered + c.FailedDelivery
}

// DeriveCampaignStatus maps message counts onto a campaign status. An empty
// return means "leave the status unchanged". Past the delivery SLA, pending
// receipts no longer hold the campaign open; it completes with the remainder
// outstanding rather than flipping to failed.
func DeriveCampaignStatus(c Counts, startedAt *time.Time, now time.Time, sla time.Duration) string {
	if c.Total == 0 {
		return "failed"
	}

	slaExceeded := false
	if startedAt != nil && sla > 0 {
		slaExceeded = now.Sub(*startedAt) > sla
	}

	switch {
	case c.Queued+c.Processing > 0:
		return "sending"
	case c.PendingDelivery() > 0 && !slaExceeded:
		return "sending"
	case c.PendingDelivery() > 0 && slaExceeded:
		return "completed"
	case c.FailedDelivery == c.Total:
		return "failed"
	case c.Delivered > 0 || c.FailedDelivery > 0:
		return "completed"
	}
	return ""
}

// DefaultSLA scales the delivery SLA with campaign size.
func DefaultSLA(total int64) time.Duration {
	switch {
	case total <= 100:
		return 10 * time.Minute
	case total <= 5000:
		return 30 * time.Minute
	default:
		return time.Hour
	}
}
