package store

import (
	"testing"
	"time"
)

func TestCountsPendingAndProcessed(t *testing.T) {
	c := Counts{Total: 10, Accepted: 8, Delivered: 5, FailedDelivery: 1}
	if got := c.PendingDelivery(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	if got := c.Processed(); got != 6 {
		t.Fatalf("processed = %d, want 6", got)
	}
}

func TestDeriveCampaignStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-5 * time.Minute)
	old := now.Add(-2 * time.Hour)

	cases := []struct {
		name      string
		counts    Counts
		startedAt *time.Time
		want      string
	}{
		{"no messages", Counts{}, nil, "failed"},
		{"still queued", Counts{Total: 3, Queued: 1, Accepted: 2, Delivered: 2}, &recent, "sending"},
		{"awaiting receipts within sla", Counts{Total: 3, Accepted: 3, Delivered: 1}, &recent, "sending"},
		{"awaiting receipts past sla", Counts{Total: 3, Accepted: 3, Delivered: 1}, &old, "completed"},
		{"all failed", Counts{Total: 2, Accepted: 2, FailedDelivery: 2}, &recent, "failed"},
		{"all delivered", Counts{Total: 2, Accepted: 2, Delivered: 2}, &recent, "completed"},
		{"mixed terminal", Counts{Total: 2, Accepted: 2, Delivered: 1, FailedDelivery: 1}, &recent, "completed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveCampaignStatus(tc.counts, tc.startedAt, now, 30*time.Minute)
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestDefaultSLA(t *testing.T) {
	if DefaultSLA(50) != 10*time.Minute {
		t.Fatal("small campaign sla")
	}
	if DefaultSLA(1000) != 30*time.Minute {
		t.Fatal("medium campaign sla")
	}
	if DefaultSLA(100000) != time.Hour {
		t.Fatal("large campaign sla")
	}
}
