package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"bulksms/internal/domain"
	"bulksms/internal/observability"
	"bulksms/internal/providers/mitto"
	sqsqueue "bulksms/internal/queue/sqs"
	"bulksms/internal/store"
	"bulksms/internal/util"
)

type Store interface {
	CampaignSendable(ctx context.Context, campaignID, ownerID string) (bool, error)
	MessagesByClaimToken(ctx context.Context, token string) ([]store.Message, error)
	ClaimBatch(ctx context.Context, ids []string, campaignID, ownerID, token string, now time.Time) ([]store.Message, error)
	MarkSubmitted(ctx context.Context, id, token, providerMsgID, providerBulkID string, now time.Time) (bool, error)
	MarkSendFailed(ctx context.Context, id, token, lastError string, now time.Time) error
	ReleaseToQueued(ctx context.Context, ids []string, token, lastError string, now time.Time) (int64, error)
	MarkBillingFailed(ctx context.Context, id, billingError string, now time.Time) error
	RecomputeAggregates(ctx context.Context, campaignID, ownerID string, now time.Time) error
}

type Sender interface {
	BulkSend(ctx context.Context, messages []mitto.BulkMessage) (mitto.BulkOutcome, int, error)
}

type Billing interface {
	ConsumeForMessage(ctx context.Context, ownerID, campaignID, messageID string, now time.Time) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, campaignID, ownerID string) (domain.EnqueueResult, error)
}

type Requeuer interface {
	Requeue(ctx context.Context, job sqsqueue.BatchJob, delay time.Duration) error
}

type Processor struct {
	Store    Store
	Sender   Sender
	Billing  Billing
	Enqueuer Enqueuer
	Queue    Requeuer
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker
}

// Process handles one durable job. A returned error makes SQS redeliver the
// job; returning nil consumes it.
func (p *Processor) Process(ctx context.Context, job sqsqueue.BatchJob) error {
	switch job.Kind {
	case sqsqueue.JobKindScheduledEnqueue:
		return p.processScheduledEnqueue(ctx, job)
	case sqsqueue.JobKindSendBatch, "":
		return p.processSendBatch(ctx, job)
	default:
		slog.Error("unknown job kind, dropping", "kind", job.Kind, "job_id", job.JobID)
		return nil
	}
}

func (p *Processor) processScheduledEnqueue(ctx context.Context, job sqsqueue.BatchJob) error {
	// SQS delays cap at 15 minutes; jobs scheduled further out hop queues
	// until their time arrives
	if wait := time.Until(job.ScheduledAt); wait > time.Minute && p.Queue != nil {
		slog.Info("scheduled enqueue not due yet, requeueing",
			"campaign_id", job.CampaignID, "job_id", job.JobID, "wait", wait)
		return p.Queue.Requeue(ctx, job, wait)
	}

	res, err := p.Enqueuer.Enqueue(ctx, job.CampaignID, job.OwnerID)
	switch {
	case err == nil:
		slog.Info("scheduled campaign enqueued", "campaign_id", job.CampaignID,
			"created", res.Created, "jobs", res.EnqueuedJobs, "already_handled", res.AlreadyHandled)
		return nil
	case errors.Is(err, domain.ErrCampaignNotFound),
		errors.Is(err, domain.ErrNoRecipients),
		errors.Is(err, domain.ErrInsufficientCredits):
		// redriving cannot fix these; the campaign row records the outcome
		slog.Warn("scheduled enqueue dropped", "campaign_id", job.CampaignID, "reason", err)
		return nil
	default:
		return err
	}
}

// processSendBatch runs the claim-send-settle cycle for one batch. The claim
// token in the job makes it safe against redelivery: a retried job re-finds
// the rows it already claimed, and the provider_msg_id guard keeps any row
// that was already accepted out of the new attempt.
func (p *Processor) processSendBatch(ctx context.Context, job sqsqueue.BatchJob) error {
	now := util.NowUTC()

	sendable, err := p.Store.CampaignSendable(ctx, job.CampaignID, job.OwnerID)
	if err != nil {
		return err
	}
	if !sendable {
		// cancelled or otherwise stopped; rows stay queued and unbilled
		slog.Info("campaign no longer sendable, dropping batch", "campaign_id", job.CampaignID, "job_id", job.JobID)
		return nil
	}

	claimed, err := p.Store.MessagesByClaimToken(ctx, job.JobID)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		claimed, err = p.Store.ClaimBatch(ctx, job.MessageIDs, job.CampaignID, job.OwnerID, job.JobID, now)
		if err != nil {
			return err
		}
	}

	// safety filter: a row with a provider id must never be sent again
	toSend := claimed[:0]
	for _, m := range claimed {
		if m.ProviderMsgID != "" {
			slog.Error("claimed row already carries a provider id, skipping", "message_id", m.ID)
			continue
		}
		toSend = append(toSend, m)
	}
	if len(toSend) == 0 {
		return nil
	}

	bulk := make([]mitto.BulkMessage, 0, len(toSend))
	for _, m := range toSend {
		bulk = append(bulk, mitto.BulkMessage{To: m.To, Text: m.Text, Reference: m.ID})
	}

	outcome, err := p.sendWithRetries(ctx, job, toSend, bulk)
	if err != nil {
		return err
	}
	if outcome == nil {
		// hard rejection already settled per message
		p.recompute(ctx, job)
		return nil
	}

	p.settle(ctx, job, toSend, *outcome)
	p.recompute(ctx, job)
	return nil
}

// sendWithRetries makes the single provider call for the batch, retrying
// only transient failures. Before any acceptance the whole batch may be
// released back to queued; after acceptance no retry path exists.
func (p *Processor) sendWithRetries(ctx context.Context, job sqsqueue.BatchJob, claimed []store.Message, bulk []mitto.BulkMessage) (*mitto.BulkOutcome, error) {
	ids := make([]string, 0, len(claimed))
	for _, m := range claimed {
		ids = append(ids, m.ID)
	}

	var lastErr error
	start := time.Now()

	for attempt := 0; attempt < 3; attempt++ {
		if p.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 5*time.Second)
			err := p.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.ProviderSend.WithLabelValues("bulk", "rate_limited_local", "0").Inc()
				time.Sleep(200 * time.Millisecond)
				continue
			}
		}

		resAny, err := p.executeWithBreaker(ctx, bulk)

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.ProviderSend.WithLabelValues("bulk", "cb_open", "0").Inc()
			// claims stay in place; redelivery re-finds them via the token
			return nil, err
		}

		if err == nil {
			r := resAny.(bulkCallResult)
			observability.ProviderSend.WithLabelValues("bulk", "ok", strconv.Itoa(r.httpStatus)).Inc()
			observability.ProviderLatency.Observe(time.Since(start).Seconds())
			return &r.outcome, nil
		}

		lastErr = err
		httpStatus := 0
		var bce bulkCallError
		if errors.As(err, &bce) {
			httpStatus = bce.httpStatus
		}
		observability.ProviderSend.WithLabelValues("bulk", "error", strconv.Itoa(httpStatus)).Inc()

		if !mitto.ShouldRetry(err, httpStatus) {
			// hard rejection of the whole call; nothing was accepted
			now := util.NowUTC()
			for _, m := range claimed {
				if err := p.Store.MarkSendFailed(ctx, m.ID, job.JobID, "provider rejected: "+err.Error(), now); err != nil {
					slog.Error("mark send failed errored", "message_id", m.ID, "error", err)
				}
				observability.BatchMessages.WithLabelValues("rejected").Inc()
			}
			return nil, nil
		}

		time.Sleep(mitto.Backoff(attempt))
	}

	// transient failure exhausted local retries: release and let SQS redrive
	released, relErr := p.Store.ReleaseToQueued(ctx, ids, job.JobID, "transient send failure: "+lastErr.Error(), util.NowUTC())
	if relErr != nil {
		slog.Error("release to queued failed", "job_id", job.JobID, "error", relErr)
	} else {
		slog.Warn("batch released after transient failures", "job_id", job.JobID, "released", released)
	}
	return nil, lastErr
}

// settle applies per-recipient outcomes. Everything in here runs after the
// provider call, so errors are logged and swallowed; a redelivered job must
// never resend.
func (p *Processor) settle(ctx context.Context, job sqsqueue.BatchJob, claimed []store.Message, outcome mitto.BulkOutcome) {
	byRef := make(map[string]mitto.BulkResult, len(outcome.Results))
	for _, r := range outcome.Results {
		byRef[r.InternalRef] = r
	}

	now := util.NowUTC()
	for _, m := range claimed {
		res, ok := byRef[m.ID]
		if !ok {
			// provider response omitted this recipient; no proof of send
			if err := p.Store.MarkSendFailed(ctx, m.ID, job.JobID, "missing from provider response", now); err != nil {
				slog.Error("mark send failed errored", "message_id", m.ID, "error", err)
			}
			observability.BatchMessages.WithLabelValues("missing").Inc()
			continue
		}

		if !res.Accepted {
			if err := p.Store.MarkSendFailed(ctx, m.ID, job.JobID, res.Error, now); err != nil {
				slog.Error("mark send failed errored", "message_id", m.ID, "error", err)
			}
			observability.BatchMessages.WithLabelValues("rejected").Inc()
			continue
		}

		marked, err := p.Store.MarkSubmitted(ctx, m.ID, job.JobID, res.ProviderMessageID, outcome.BulkID, now)
		if err != nil {
			slog.Error("mark submitted errored", "message_id", m.ID, "provider_msg_id", res.ProviderMessageID, "error", err)
			continue
		}
		if !marked {
			slog.Warn("submit update matched no row", "message_id", m.ID)
			continue
		}
		observability.BatchMessages.WithLabelValues("accepted").Inc()

		if p.Billing != nil {
			if err := p.Billing.ConsumeForMessage(ctx, job.OwnerID, job.CampaignID, m.ID, now); err != nil {
				observability.BillingApplied.WithLabelValues("error").Inc()
				slog.Error("billing settlement failed", "message_id", m.ID, "error", err)
				if err := p.Store.MarkBillingFailed(ctx, m.ID, err.Error(), now); err != nil {
					slog.Error("mark billing failed errored", "message_id", m.ID, "error", err)
				}
			} else {
				observability.BillingApplied.WithLabelValues("ok").Inc()
			}
		}
	}
}

func (p *Processor) recompute(ctx context.Context, job sqsqueue.BatchJob) {
	if err := p.Store.RecomputeAggregates(ctx, job.CampaignID, job.OwnerID, util.NowUTC()); err != nil {
		slog.Error("aggregate recompute failed", "campaign_id", job.CampaignID, "error", err)
	}
}

func (p *Processor) executeWithBreaker(ctx context.Context, bulk []mitto.BulkMessage) (any, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		outcome, httpStatus, callErr := p.Sender.BulkSend(reqCtx, bulk)
		if callErr != nil {
			return nil, bulkCallError{err: callErr, httpStatus: httpStatus}
		}
		return bulkCallResult{outcome: outcome, httpStatus: httpStatus}, nil
	}

	if p.Breaker == nil {
		return call()
	}
	return p.Breaker.Execute(call)
}

type bulkCallResult struct {
	outcome    mitto.BulkOutcome
	httpStatus int
}

type bulkCallError struct {
	err        error
	httpStatus int
}

func (e bulkCallError) Error() string { return e.err.Error() }
func (e bulkCallError) Unwrap() error { return e.err }
