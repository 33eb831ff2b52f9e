// Package ledger is the billing ledger for outbound messages. Balances are
// a projection over an append-only entry log; every mutation carries an
// idempotency key, so replaying any operation is harmless.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulksms/internal/domain"
)

type Ledger struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Ledger { return &Ledger{DB: db} }

// Balance is the spendable funds of an owner: a per-period free allowance
// consumed before paid credits.
type Balance struct {
	Allowance int64 `json:"allowance"`
	Credits   int64 `json:"credits"`
}

func (b Balance) Total() int64 { return b.Allowance + b.Credits }

// Reservation holds funds aside for a campaign. Per-message consumption
// draws from the reservation; the unconsumed remainder is returned when the
// campaign reaches a terminal state.
type Reservation struct {
	ID             string
	OwnerID        string
	CampaignID     string
	AllowanceUnits int64
	CreditUnits    int64
	ConsumedUnits  int64
	Status         string // active | released
}

func (r Reservation) TotalUnits() int64     { return r.AllowanceUnits + r.CreditUnits }
func (r Reservation) RemainingUnits() int64 { return r.TotalUnits() - r.ConsumedUnits }

func (l *Ledger) Available(ctx context.Context, ownerID string) (Balance, error) {
	row := l.DB.QueryRow(ctx, `
		SELECT allowance_remaining, credit_balance FROM billing_accounts WHERE owner_id=$1
	`, ownerID)
	var b Balance
	if err := row.Scan(&b.Allowance, &b.Credits); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, nil
		}
		return Balance{}, err
	}
	return b, nil
}

// Reserve sets aside units for a campaign, allowance first. Idempotent per
// campaign: a second call returns the existing reservation untouched.
func (l *Ledger) Reserve(ctx context.Context, ownerID, campaignID string, units int64, now time.Time) (Reservation, error) {
	if units <= 0 {
		return Reservation{}, fmt.Errorf("reserve: non-positive units %d", units)
	}

	var res Reservation
	err := pgx.BeginFunc(ctx, l.DB, func(tx pgx.Tx) error {
		existing, found, err := reservationForCampaign(ctx, tx, ownerID, campaignID)
		if err != nil {
			return err
		}
		if found {
			res = existing
			return nil
		}

		bal, err := lockAccount(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		if bal.Total() < units {
			return domain.ErrInsufficientCredits
		}

		fromAllowance := min64(units, bal.Allowance)
		fromCredits := units - fromAllowance

		if err := applyAccountDelta(ctx, tx, ownerID, -fromAllowance, -fromCredits, now); err != nil {
			return err
		}
		if _, err := insertEntry(ctx, tx, entry{
			OwnerID:        ownerID,
			IdempotencyKey: "sms:campaign:" + campaignID + ":reserve",
			EntryType:      "reserve",
			AllowanceDelta: -fromAllowance,
			CreditDelta:    -fromCredits,
			Ref:            campaignID,
			Now:            now,
		}); err != nil {
			return err
		}

		res = Reservation{
			ID:             uuid.NewString(),
			OwnerID:        ownerID,
			CampaignID:     campaignID,
			AllowanceUnits: fromAllowance,
			CreditUnits:    fromCredits,
			Status:         "active",
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO credit_reservations
				(id, owner_id, campaign_id, allowance_units, credit_units, consumed_units, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,0,'active',$6,$6)
		`, res.ID, res.OwnerID, res.CampaignID, res.AllowanceUnits, res.CreditUnits, now)
		return err
	})
	return res, err
}

// ConsumeForMessage settles billing for one accepted message. It is the
// at-least-once half of the billing contract: callers may invoke it any
// number of times per message and exactly one unit is ever charged, keyed by
// the message-derived idempotency key. The message's billing status flips to
// paid in the same transaction.
func (l *Ledger) ConsumeForMessage(ctx context.Context, ownerID, campaignID, messageID string, now time.Time) error {
	return pgx.BeginFunc(ctx, l.DB, func(tx pgx.Tx) error {
		inserted, err := insertEntry(ctx, tx, entry{
			OwnerID:        ownerID,
			IdempotencyKey: "sms:msg:" + messageID,
			EntryType:      "consume",
			Ref:            messageID,
			Now:            now,
		})
		if err != nil {
			return err
		}
		if inserted {
			// consume from the campaign reservation when one covers this
			// message; otherwise draw from the live balance
			ct, err := tx.Exec(ctx, `
				UPDATE credit_reservations
				SET consumed_units=consumed_units+1, updated_at=$3
				WHERE owner_id=$1 AND campaign_id=$2 AND status='active'
				  AND consumed_units < allowance_units + credit_units
			`, ownerID, campaignID, now)
			if err != nil {
				return err
			}
			if ct.RowsAffected() == 0 {
				bal, err := lockAccount(ctx, tx, ownerID)
				if err != nil {
					return err
				}
				fromAllowance := min64(1, bal.Allowance)
				if err := applyAccountDelta(ctx, tx, ownerID, -fromAllowance, -(1 - fromAllowance), now); err != nil {
					return err
				}
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE campaign_messages
			SET billing_status='paid', billing_error=NULL, billed_at=$2, updated_at=$2
			WHERE id=$1 AND billing_status <> 'paid'
		`, messageID, now)
		return err
	})
}

// Release returns a reservation's unconsumed remainder to the account,
// allowance portion first. Idempotent per campaign.
func (l *Ledger) Release(ctx context.Context, ownerID, campaignID string, now time.Time) error {
	return pgx.BeginFunc(ctx, l.DB, func(tx pgx.Tx) error {
		res, found, err := reservationForCampaign(ctx, tx, ownerID, campaignID)
		if err != nil || !found || res.Status != "active" {
			return err
		}

		remaining := res.RemainingUnits()
		// the first allowance_units consumed count against the allowance
		backToAllowance := max64(0, res.AllowanceUnits-res.ConsumedUnits)
		backToCredits := remaining - backToAllowance

		ct, err := tx.Exec(ctx, `
			UPDATE credit_reservations SET status='released', updated_at=$2
			WHERE id=$1 AND status='active'
		`, res.ID, now)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 || remaining == 0 {
			return nil
		}

		if err := applyAccountDelta(ctx, tx, ownerID, backToAllowance, backToCredits, now); err != nil {
			return err
		}
		_, err = insertEntry(ctx, tx, entry{
			OwnerID:        ownerID,
			IdempotencyKey: "sms:campaign:" + campaignID + ":release",
			EntryType:      "release",
			AllowanceDelta: backToAllowance,
			CreditDelta:    backToCredits,
			Ref:            campaignID,
			Now:            now,
		})
		return err
	})
}

// TopUp adds paid credits. The caller supplies the idempotency key, usually
// a payment reference.
func (l *Ledger) TopUp(ctx context.Context, ownerID string, credits int64, idempotencyKey string, now time.Time) error {
	if credits <= 0 {
		return fmt.Errorf("topup: non-positive credits %d", credits)
	}
	return pgx.BeginFunc(ctx, l.DB, func(tx pgx.Tx) error {
		inserted, err := insertEntry(ctx, tx, entry{
			OwnerID:        ownerID,
			IdempotencyKey: "topup:" + idempotencyKey,
			EntryType:      "topup",
			CreditDelta:    credits,
			Ref:            idempotencyKey,
			Now:            now,
		})
		if err != nil || !inserted {
			return err
		}
		return applyAccountDelta(ctx, tx, ownerID, 0, credits, now)
	})
}

// ResetAllowance starts a new allowance period at the given quota.
func (l *Ledger) ResetAllowance(ctx context.Context, ownerID string, quota int64, periodKey string, now time.Time) error {
	return pgx.BeginFunc(ctx, l.DB, func(tx pgx.Tx) error {
		inserted, err := insertEntry(ctx, tx, entry{
			OwnerID:        ownerID,
			IdempotencyKey: "allowance:" + periodKey,
			EntryType:      "allowance_reset",
			AllowanceDelta: quota,
			Ref:            periodKey,
			Now:            now,
		})
		if err != nil || !inserted {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO billing_accounts (owner_id, allowance_remaining, credit_balance, updated_at)
			VALUES ($1,$2,0,$3)
			ON CONFLICT (owner_id) DO UPDATE SET allowance_remaining=$2, updated_at=$3
		`, ownerID, quota, now)
		return err
	})
}

type entry struct {
	OwnerID        string
	IdempotencyKey string
	EntryType      string
	AllowanceDelta int64
	CreditDelta    int64
	Ref            string
	Now            time.Time
}

// insertEntry appends to the ledger. False means the idempotency key was
// seen before and the operation must not re-apply its effects.
func insertEntry(ctx context.Context, tx pgx.Tx, e entry) (bool, error) {
	ct, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, owner_id, idempotency_key, entry_type, allowance_delta, credit_delta, ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (owner_id, idempotency_key) DO NOTHING
	`, uuid.NewString(), e.OwnerID, e.IdempotencyKey, e.EntryType, e.AllowanceDelta, e.CreditDelta, e.Ref, e.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, ownerID string) (Balance, error) {
	row := tx.QueryRow(ctx, `
		SELECT allowance_remaining, credit_balance FROM billing_accounts WHERE owner_id=$1 FOR UPDATE
	`, ownerID)
	var b Balance
	if err := row.Scan(&b.Allowance, &b.Credits); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, nil
		}
		return Balance{}, err
	}
	return b, nil
}

func applyAccountDelta(ctx context.Context, tx pgx.Tx, ownerID string, allowanceDelta, creditDelta int64, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO billing_accounts (owner_id, allowance_remaining, credit_balance, updated_at)
		VALUES ($1, GREATEST($2,0), GREATEST($3,0), $4)
		ON CONFLICT (owner_id) DO UPDATE SET
			allowance_remaining = GREATEST(billing_accounts.allowance_remaining + $2, 0),
			credit_balance      = billing_accounts.credit_balance + $3,
			updated_at          = $4
	`, ownerID, allowanceDelta, creditDelta, now)
	return err
}

func reservationForCampaign(ctx context.Context, tx pgx.Tx, ownerID, campaignID string) (Reservation, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, owner_id, campaign_id, allowance_units, credit_units, consumed_units, status
		FROM credit_reservations
		WHERE owner_id=$1 AND campaign_id=$2
		FOR UPDATE
	`, ownerID, campaignID)
	var r Reservation
	err := row.Scan(&r.ID, &r.OwnerID, &r.CampaignID, &r.AllowanceUnits, &r.CreditUnits, &r.ConsumedUnits, &r.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, false, nil
		}
		return Reservation{}, false, err
	}
	return r, true, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
