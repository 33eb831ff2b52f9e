package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
)

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

const (
	JobKindSendBatch        = "send-batch"
	JobKindScheduledEnqueue = "scheduled-enqueue"
)

// BatchJob is one durable unit of work. JobID doubles as the claim token for
// the batch's message rows: SQS redeliveries of the same job carry the same
// JobID, so a retried job re-finds its own claims instead of double-claiming.
// Keep it small; SQS has a 256KB message size limit.
type BatchJob struct {
	Kind       string   `json:"kind"`
	JobID      string   `json:"jobId"`
	CampaignID string   `json:"campaignId"`
	OwnerID    string   `json:"ownerId"`
	MessageIDs []string `json:"messageIds,omitempty"`

	// scheduled-enqueue only
	ScheduledAt time.Time `json:"scheduledAt,omitzero"`
}

func (p *Producer) EnqueueBatch(ctx context.Context, campaignID, ownerID string, messageIDs []string) (string, error) {
	job := BatchJob{
		Kind:       JobKindSendBatch,
		JobID:      uuid.NewString(),
		CampaignID: campaignID,
		OwnerID:    ownerID,
		MessageIDs: messageIDs,
	}
	return job.JobID, p.send(ctx, job, 0)
}

// EnqueueScheduled defers a campaign enqueue with an SQS delay. Delays past
// the SQS 15 minute ceiling re-enqueue themselves on delivery.
func (p *Producer) EnqueueScheduled(ctx context.Context, campaignID, ownerID string, at time.Time) (string, error) {
	job := BatchJob{
		Kind:        JobKindScheduledEnqueue,
		JobID:       uuid.NewString(),
		CampaignID:  campaignID,
		OwnerID:     ownerID,
		ScheduledAt: at.UTC(),
	}
	return job.JobID, p.send(ctx, job, delaySeconds(time.Until(at)))
}

// Requeue re-submits an existing job, preserving its JobID.
func (p *Producer) Requeue(ctx context.Context, job BatchJob, delay time.Duration) error {
	return p.send(ctx, job, delaySeconds(delay))
}

func (p *Producer) send(ctx context.Context, job BatchJob, delay int32) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &p.QueueURL,
		MessageBody:  str(string(body)),
		DelaySeconds: delay,
	})
	return err
}

// delaySeconds clamps to the SQS limit of 900 seconds.
func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if s > 900 {
		s = 900
	}
	return int32(s)
}

func str(s string) *string { return &s }
