// Package enqueue fans a campaign out into per-recipient message rows and
// durable batch jobs. It is safe to call repeatedly for the same campaign:
// message rows are written once, and still-queued rows whose jobs never
// reached the queue get re-submitted.
package enqueue

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"bulksms/internal/domain"
	"bulksms/internal/ledger"
	"bulksms/internal/observability"
	"bulksms/internal/store"
	"bulksms/internal/util"
)

type Store interface {
	GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error)
	HasMessages(ctx context.Context, campaignID string) (bool, error)
	ListSubscribedContacts(ctx context.Context, ownerID, listID string) ([]store.Contact, error)
	MarkCampaignSending(ctx context.Context, id string, now time.Time) (bool, error)
	MarkCampaignFailed(ctx context.Context, id string, now time.Time) error
	RevertCampaignEnqueue(ctx context.Context, id, prevStatus string, now time.Time) error
	InsertMessages(ctx context.Context, inserts []store.MessageInsert) error
	QueuedMessageIDs(ctx context.Context, campaignID string) ([]string, error)
}

type Queue interface {
	EnqueueBatch(ctx context.Context, campaignID, ownerID string, messageIDs []string) (string, error)
}

type Billing interface {
	Reserve(ctx context.Context, ownerID, campaignID string, units int64, now time.Time) (ledger.Reservation, error)
	Release(ctx context.Context, ownerID, campaignID string, now time.Time) error
}

type Links interface {
	ShortenAllInText(ctx context.Context, ownerID, text string) string
	Shorten(ctx context.Context, ownerID, targetURL string) (string, error)
}

type Service struct {
	Store   Store
	Queue   Queue
	Billing Billing
	Links   Links

	BatchSize       int
	TrackingBaseURL string // click-through tracking endpoint
	UnsubBaseURL    string // unsubscribe endpoint
}

// Enqueue resolves the campaign audience, writes queued message rows and
// submits one batch job per BatchSize messages. Marketing campaigns get a
// tracked offer link and an unsubscribe link appended; service campaigns
// never do.
func (s *Service) Enqueue(ctx context.Context, campaignID, ownerID string) (domain.EnqueueResult, error) {
	now := util.NowUTC()

	camp, found, err := s.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return domain.EnqueueResult{}, err
	}
	if !found || camp.OwnerID != ownerID {
		return domain.EnqueueResult{}, domain.ErrCampaignNotFound
	}

	// idempotency: rows already written means a previous call got this far.
	// Rows can also be stranded in queued when no batch ever reached the
	// queue; those get re-submitted instead of reported done.
	if has, err := s.Store.HasMessages(ctx, campaignID); err != nil {
		return domain.EnqueueResult{}, err
	} else if has {
		return s.resumeQueued(ctx, camp, ownerID, now)
	}
	if !domain.CampaignState(camp.Status).Enqueueable() {
		return domain.EnqueueResult{CampaignID: campaignID, AlreadyHandled: true}, nil
	}

	contacts, err := s.Store.ListSubscribedContacts(ctx, ownerID, camp.ListID)
	if err != nil {
		return domain.EnqueueResult{}, err
	}
	if len(contacts) == 0 {
		if err := s.Store.MarkCampaignFailed(ctx, campaignID, now); err != nil {
			return domain.EnqueueResult{}, err
		}
		return domain.EnqueueResult{CampaignID: campaignID}, domain.ErrNoRecipients
	}

	if s.Billing != nil {
		if _, err := s.Billing.Reserve(ctx, ownerID, campaignID, int64(len(contacts)), now); err != nil {
			return domain.EnqueueResult{}, err
		}
	}

	if flipped, err := s.Store.MarkCampaignSending(ctx, campaignID, now); err != nil {
		return domain.EnqueueResult{}, err
	} else if !flipped {
		// concurrent enqueue won the status race
		return domain.EnqueueResult{CampaignID: campaignID, AlreadyHandled: true}, nil
	}

	body := camp.MessageText
	if s.Links != nil {
		body = s.Links.ShortenAllInText(ctx, ownerID, body)
	}

	inserts := make([]store.MessageInsert, 0, len(contacts))
	for _, c := range contacts {
		trackingID := util.NewTrackingID()
		inserts = append(inserts, store.MessageInsert{
			ID:         util.NewMessageID(),
			CampaignID: campaignID,
			OwnerID:    ownerID,
			ContactID:  c.ID,
			To:         util.NormalizePhone(c.Phone),
			Text:       s.renderText(body, c, camp.Kind, trackingID),
			TrackingID: trackingID,
			Now:        now,
		})
	}
	if err := s.Store.InsertMessages(ctx, inserts); err != nil {
		return domain.EnqueueResult{}, err
	}

	ids, err := s.Store.QueuedMessageIDs(ctx, campaignID)
	if err != nil {
		return domain.EnqueueResult{}, err
	}

	enqueued, lastErr := s.enqueueBatches(ctx, campaignID, ownerID, ids)

	if enqueued == 0 && lastErr != nil {
		// nothing reached the queue; undo so a later enqueue can start over
		if err := s.Store.RevertCampaignEnqueue(ctx, campaignID, camp.Status, now); err != nil {
			slog.Error("campaign status rollback failed", "campaign_id", campaignID, "error", err)
		}
		if s.Billing != nil {
			if err := s.Billing.Release(ctx, ownerID, campaignID, util.NowUTC()); err != nil {
				slog.Error("reservation release failed", "campaign_id", campaignID, "error", err)
			}
		}
		return domain.EnqueueResult{}, lastErr
	}

	return domain.EnqueueResult{CampaignID: campaignID, Created: len(inserts), EnqueuedJobs: enqueued}, nil
}

// resumeQueued re-submits batch jobs for rows a previous enqueue wrote but
// never got onto the queue. Duplicate jobs are harmless: the claim token
// protocol lets exactly one job claim each row.
func (s *Service) resumeQueued(ctx context.Context, camp store.Campaign, ownerID string, now time.Time) (domain.EnqueueResult, error) {
	state := domain.CampaignState(camp.Status)
	if !state.Enqueueable() && state != domain.CampaignSending {
		return domain.EnqueueResult{CampaignID: camp.ID, AlreadyHandled: true}, nil
	}

	ids, err := s.Store.QueuedMessageIDs(ctx, camp.ID)
	if err != nil {
		return domain.EnqueueResult{}, err
	}
	if len(ids) == 0 {
		return domain.EnqueueResult{CampaignID: camp.ID, AlreadyHandled: true}, nil
	}

	if state != domain.CampaignSending {
		// a failed run rolled the status back; flip it forward again
		if _, err := s.Store.MarkCampaignSending(ctx, camp.ID, now); err != nil {
			return domain.EnqueueResult{}, err
		}
	}

	enqueued, lastErr := s.enqueueBatches(ctx, camp.ID, ownerID, ids)
	if enqueued == 0 && lastErr != nil {
		return domain.EnqueueResult{}, lastErr
	}
	slog.Info("re-enqueued stranded queued rows", "campaign_id", camp.ID, "messages", len(ids), "jobs", enqueued)
	return domain.EnqueueResult{CampaignID: camp.ID, AlreadyHandled: true, EnqueuedJobs: enqueued}, nil
}

func (s *Service) enqueueBatches(ctx context.Context, campaignID, ownerID string, ids []string) (int, error) {
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	enqueued := 0
	var lastErr error
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		if _, err := s.Queue.EnqueueBatch(ctx, campaignID, ownerID, ids[start:end]); err != nil {
			lastErr = err
			observability.EnqueuedJobs.WithLabelValues("send-batch", "error").Inc()
			slog.Error("batch job enqueue failed", "campaign_id", campaignID, "batch_start", start, "error", err)
			continue
		}
		enqueued++
		observability.EnqueuedJobs.WithLabelValues("send-batch", "ok").Inc()
	}
	return enqueued, lastErr
}

func (s *Service) renderText(body string, c store.Contact, kind, trackingID string) string {
	text := util.RenderTemplate(body, c.Vars)
	if kind != string(domain.KindMarketing) {
		return text
	}

	var b strings.Builder
	b.WriteString(text)
	if s.TrackingBaseURL != "" {
		b.WriteString(" ")
		b.WriteString(strings.TrimRight(s.TrackingBaseURL, "/"))
		b.WriteString("/t/")
		b.WriteString(trackingID)
	}
	if s.UnsubBaseURL != "" {
		b.WriteString(" Opt out: ")
		b.WriteString(strings.TrimRight(s.UnsubBaseURL, "/"))
		b.WriteString("/u/")
		b.WriteString(c.ID)
	}
	return b.String()
}
