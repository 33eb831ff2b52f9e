package pg

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulksms/internal/store"
)

// ReservationReleaser returns a campaign's unconsumed reservation remainder
// to the owner's balance.
type ReservationReleaser interface {
	Release(ctx context.Context, ownerID, campaignID string, now time.Time) error
}

type Store struct {
	DB *pgxpool.Pool

	// optional; when set, reservations are released as campaigns go terminal
	Billing ReservationReleaser
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const messageColumns = `
	id, campaign_id, owner_id, contact_id, to_phone, text, COALESCE(tracking_id,''),
	status, COALESCE(provider_msg_id,''), COALESCE(provider_bulk_id,''), COALESCE(delivery_status,''),
	COALESCE(claim_token,''), claimed_at, submitted_at, delivered_at, failed_at,
	billing_status, COALESCE(billing_error,''), COALESCE(last_error,''), attempts, created_at, updated_at`

func scanMessage(row pgx.Row) (store.Message, error) {
	var m store.Message
	err := row.Scan(
		&m.ID, &m.CampaignID, &m.OwnerID, &m.ContactID, &m.To, &m.Text, &m.TrackingID,
		&m.Status, &m.ProviderMsgID, &m.ProviderBulkID, &m.DeliveryStatus,
		&m.ClaimToken, &m.ClaimedAt, &m.SubmittedAt, &m.DeliveredAt, &m.FailedAt,
		&m.BillingStatus, &m.BillingError, &m.LastError, &m.Attempts, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

// --- campaigns ---

func (s *Store) GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, owner_id, name, kind, status, message_text, COALESCE(list_id,''),
		       total, delivered, failed, processed, started_at, finished_at, created_at, updated_at
		FROM campaigns WHERE id=$1
	`, id)
	var c store.Campaign
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Kind, &c.Status, &c.MessageText, &c.ListID,
		&c.Total, &c.Delivered, &c.Failed, &c.Processed, &c.StartedAt, &c.FinishedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Campaign{}, false, nil
		}
		return store.Campaign{}, false, err
	}
	return c, true, nil
}

// MarkCampaignSending flips an enqueueable campaign to sending. Zero rows
// means another enqueue call won the race or the campaign moved on.
func (s *Store) MarkCampaignSending(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status='sending', started_at=$2, updated_at=$2
		WHERE id=$1 AND status IN ('draft','scheduled','paused')
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkCampaignFailed(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='failed', finished_at=$2, updated_at=$2 WHERE id=$1
	`, id, now)
	return err
}

// RevertCampaignEnqueue puts a campaign back to its pre-enqueue status after
// a failed enqueue (no jobs could be submitted).
func (s *Store) RevertCampaignEnqueue(ctx context.Context, id, prevStatus string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, started_at=NULL, updated_at=$3 WHERE id=$1 AND status='sending'
	`, id, prevStatus, now)
	return err
}

// MarkCampaignCancelled stops further batches; in-flight batches finish.
func (s *Store) MarkCampaignCancelled(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='cancelled', finished_at=$2, updated_at=$2
		WHERE id=$1 AND status IN ('sending','paused','scheduled')
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CampaignSendable(ctx context.Context, campaignID, ownerID string) (bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT status FROM campaigns WHERE id=$1 AND owner_id=$2
	`, campaignID, ownerID)
	var st string
	if err := row.Scan(&st); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return st == "sending" || st == "paused", nil
}

// --- contacts ---

func (s *Store) ListSubscribedContacts(ctx context.Context, ownerID, listID string) ([]store.Contact, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT c.id, c.owner_id, c.phone, COALESCE(c.vars_json,'{}'), c.is_subscribed
		FROM contacts c
		JOIN list_memberships lm ON lm.contact_id = c.id
		WHERE lm.list_id=$1 AND c.owner_id=$2 AND c.is_subscribed
		ORDER BY c.id
	`, listID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Contact
	for rows.Next() {
		var c store.Contact
		var varsJSON []byte
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Phone, &varsJSON, &c.IsSubscribed); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(varsJSON, &c.Vars)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- messages ---

func (s *Store) HasMessages(ctx context.Context, campaignID string) (bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT 1 FROM campaign_messages WHERE campaign_id=$1 LIMIT 1`, campaignID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) InsertMessages(ctx context.Context, inserts []store.MessageInsert) error {
	if len(inserts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, in := range inserts {
		batch.Queue(`
			INSERT INTO campaign_messages
				(id, campaign_id, owner_id, contact_id, to_phone, text, tracking_id,
				 status, billing_status, attempts, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,'queued','pending',0,$8,$8)
			ON CONFLICT (campaign_id, contact_id) DO NOTHING
		`, in.ID, in.CampaignID, in.OwnerID, in.ContactID, in.To, in.Text, in.TrackingID, in.Now)
	}
	br := s.DB.SendBatch(ctx, batch)
	defer br.Close()
	for range inserts {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) QueuedMessageIDs(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id FROM campaign_messages
		WHERE campaign_id=$1 AND status='queued' AND provider_msg_id IS NULL
		ORDER BY id
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, id string) (store.Message, bool, error) {
	m, err := scanMessage(s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM campaign_messages WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Message{}, false, nil
		}
		return store.Message{}, false, err
	}
	return m, true, nil
}

// MessagesByClaimToken returns rows already claimed under this job token.
// A retried job reuses its earlier claim instead of claiming again.
func (s *Store) MessagesByClaimToken(ctx context.Context, token string) ([]store.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+` FROM campaign_messages
		WHERE claim_token=$1 AND status='processing'
		ORDER BY id
	`, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ClaimBatch is the only synchronization point between workers: a conditional
// update that moves queued, unclaimed, unsent rows to processing under the
// job's claim token. Only rows actually matched are claimed.
func (s *Store) ClaimBatch(ctx context.Context, ids []string, campaignID, ownerID, token string, now time.Time) ([]store.Message, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE campaign_messages
		SET status='processing', claim_token=$4, claimed_at=$5, attempts=attempts+1, updated_at=$5
		WHERE id = ANY($1) AND campaign_id=$2 AND owner_id=$3
		  AND status='queued' AND claimed_at IS NULL AND provider_msg_id IS NULL
		RETURNING `+messageColumns,
		ids, campaignID, ownerID, token, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ReleaseToQueued reverts claimed-but-unsent rows so another attempt can
// re-claim them. Only legal while no provider id exists.
func (s *Store) ReleaseToQueued(ctx context.Context, ids []string, token, lastError string, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET status='queued', claim_token=NULL, claimed_at=NULL, last_error=$3, updated_at=$4
		WHERE id = ANY($1) AND claim_token=$2 AND status='processing' AND provider_msg_id IS NULL
	`, ids, token, nullIfEmpty(lastError), now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// MarkSubmitted records provider acceptance. The provider_msg_id IS NULL
// guard makes the id immutable: it is set at most once, ever.
func (s *Store) MarkSubmitted(ctx context.Context, id, token, providerMsgID, providerBulkID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET status='submitted', provider_msg_id=$3, provider_bulk_id=$4, submitted_at=$5,
		    claim_token=NULL, claimed_at=NULL, last_error=NULL, updated_at=$5
		WHERE id=$1 AND claim_token=$2 AND status='processing' AND provider_msg_id IS NULL
	`, id, token, providerMsgID, nullIfEmpty(providerBulkID), now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkSendFailed(ctx context.Context, id, token, lastError string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET status='failed', failed_at=$4, last_error=$3, claim_token=NULL, claimed_at=NULL, updated_at=$4
		WHERE id=$1 AND claim_token=$2 AND status='processing'
	`, id, token, nullIfEmpty(lastError), now)
	return err
}

// MarkBillingFailed flags a post-send billing error on the row. The send
// stands; billing is reconciled out of band.
func (s *Store) MarkBillingFailed(ctx context.Context, id, billingError string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET billing_status='failed', billing_error=$2, updated_at=$3
		WHERE id=$1 AND billing_status <> 'paid'
	`, id, nullIfEmpty(billingError), now)
	return err
}

// MarkDelivery applies a delivery receipt, gated on the message still being
// submitted with a matching provider id. Duplicate or late receipts match
// zero rows and that is fine.
func (s *Store) MarkDelivery(ctx context.Context, in store.DeliveryUpdate) (bool, error) {
	var ct pgconn.CommandTag
	var err error
	switch in.NewState {
	case "delivered":
		ct, err = s.DB.Exec(ctx, `
			UPDATE campaign_messages
			SET status='delivered', delivered_at=$2, delivery_status=$3, updated_at=$2
			WHERE provider_msg_id=$1 AND status='submitted'
		`, in.ProviderMsgID, in.Now, nullIfEmpty(in.RawStatus))
	case "failed":
		ct, err = s.DB.Exec(ctx, `
			UPDATE campaign_messages
			SET status='failed', failed_at=$2, delivery_status=$3, last_error=$4, updated_at=$2
			WHERE provider_msg_id=$1 AND status='submitted'
		`, in.ProviderMsgID, in.Now, nullIfEmpty(in.RawStatus), nullIfEmpty(in.ErrorCode))
	default:
		return false, errors.New("unsupported delivery state: " + in.NewState)
	}
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CampaignForProviderMsgID(ctx context.Context, providerMsgID string) (campaignID, ownerID string, found bool, err error) {
	row := s.DB.QueryRow(ctx, `
		SELECT campaign_id, owner_id FROM campaign_messages WHERE provider_msg_id=$1
	`, providerMsgID)
	if err := row.Scan(&campaignID, &ownerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	return campaignID, ownerID, true, nil
}

// --- reconciliation queries ---

func (s *Store) ListStaleSubmitted(ctx context.Context, olderThan time.Time, limit int) ([]store.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+` FROM campaign_messages
		WHERE status='submitted' AND provider_msg_id IS NOT NULL AND submitted_at < $1
		ORDER BY submitted_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *Store) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]store.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+` FROM campaign_messages
		WHERE status='processing' AND (claimed_at < $1 OR claimed_at IS NULL)
		ORDER BY claimed_at NULLS FIRST
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ResolveStaleToSubmitted recovers a crashed worker's row that does carry a
// provider id: the send happened, only the bookkeeping is missing.
func (s *Store) ResolveStaleToSubmitted(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET status='submitted', submitted_at=COALESCE(submitted_at, claimed_at, $2),
		    claim_token=NULL, claimed_at=NULL, updated_at=$2
		WHERE id=$1 AND status='processing' AND provider_msg_id IS NOT NULL
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ResolveStaleToUnknown parks a stale claim without proof of send. Never back
// to queued: the provider may have received the message before the crash.
func (s *Store) ResolveStaleToUnknown(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_messages
		SET status='unknown', last_error=$2, claim_token=NULL, claimed_at=NULL, updated_at=$3
		WHERE id=$1 AND status='processing' AND provider_msg_id IS NULL
	`, id, nullIfEmpty(reason), now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// --- aggregates ---

func (s *Store) CountsForCampaign(ctx context.Context, campaignID, ownerID string) (store.Counts, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status='queued'),
		       COUNT(*) FILTER (WHERE status='processing'),
		       COUNT(*) FILTER (WHERE provider_msg_id IS NOT NULL),
		       COUNT(*) FILTER (WHERE status='delivered'),
		       COUNT(*) FILTER (WHERE status IN ('failed','unknown'))
		FROM campaign_messages
		WHERE campaign_id=$1 AND owner_id=$2
	`, campaignID, ownerID)
	var c store.Counts
	err := row.Scan(&c.Total, &c.Queued, &c.Processing, &c.Accepted, &c.Delivered, &c.FailedDelivery)
	return c, err
}

// RecomputeAggregates refreshes the campaign's derived counters and status
// from current message counts. Recomputation is commutative, so concurrent
// callers cannot corrupt the counters.
func (s *Store) RecomputeAggregates(ctx context.Context, campaignID, ownerID string, now time.Time) error {
	c, err := s.CountsForCampaign(ctx, campaignID, ownerID)
	if err != nil {
		return err
	}

	camp, found, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !found || camp.OwnerID != ownerID {
		return nil
	}
	if camp.Status == "cancelled" {
		// cancelled campaigns keep their status; only counters refresh
		_, err = s.DB.Exec(ctx, `
			UPDATE campaigns SET total=$3, delivered=$4, failed=$5, processed=$6, updated_at=$7
			WHERE id=$1 AND owner_id=$2
		`, campaignID, ownerID, c.Total, c.Delivered, c.FailedDelivery, c.Processed(), now)
		if err != nil {
			return err
		}
		s.releaseReservation(ctx, campaignID, ownerID, c, now)
		return nil
	}

	status := store.DeriveCampaignStatus(c, camp.StartedAt, now, store.DefaultSLA(c.Total))
	if status == "" {
		status = camp.Status
	}

	var finishedAt any
	if camp.FinishedAt != nil {
		finishedAt = *camp.FinishedAt
	} else if status == "completed" || status == "failed" {
		finishedAt = now
	}

	_, err = s.DB.Exec(ctx, `
		UPDATE campaigns
		SET total=$3, delivered=$4, failed=$5, processed=$6, status=$7, finished_at=$8, updated_at=$9
		WHERE id=$1 AND owner_id=$2
	`, campaignID, ownerID, c.Total, c.Delivered, c.FailedDelivery, c.Processed(), status, finishedAt, now)
	if err != nil {
		return err
	}
	if status == "completed" || status == "failed" {
		s.releaseReservation(ctx, campaignID, ownerID, c, now)
	}
	return nil
}

// releaseReservation hands the unconsumed remainder back once no row can
// consume anymore. Release is idempotent per campaign, so repeated
// recomputations of a terminal campaign are harmless.
func (s *Store) releaseReservation(ctx context.Context, campaignID, ownerID string, c store.Counts, now time.Time) {
	if s.Billing == nil || c.Queued+c.Processing > 0 {
		return
	}
	if err := s.Billing.Release(ctx, ownerID, campaignID, now); err != nil {
		slog.Error("reservation release failed", "campaign_id", campaignID, "error", err)
	}
}

// --- helpers ---

func collectMessages(rows pgx.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
