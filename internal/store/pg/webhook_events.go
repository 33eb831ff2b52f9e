package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"bulksms/internal/store"
)

// InsertEvent records a webhook event before any side effect runs. The
// unique key on (provider, event_id) is the replay guard: a duplicate
// matches zero rows and the caller must not process the event again.
func (s *Store) InsertEvent(ctx context.Context, in store.WebhookEventInsert) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_events (provider, event_id, payload_hash, event_type, owner_id, payload, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, in.Provider, in.EventID, in.PayloadHash, in.EventType, nullIfEmpty(in.OwnerID), in.Payload, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// MarkEventProcessed stamps a successfully handled event. Events inserted
// but never stamped show up in the unprocessed listing for an operator.
func (s *Store) MarkEventProcessed(ctx context.Context, provider, eventID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE webhook_events SET processed_at=$3 WHERE provider=$1 AND event_id=$2
	`, provider, eventID, now)
	return err
}

func (s *Store) EventProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT processed_at IS NOT NULL FROM webhook_events WHERE provider=$1 AND event_id=$2
	`, provider, eventID)
	var done bool
	if err := row.Scan(&done); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return done, nil
}

// ListUnprocessedEvents returns events that were recorded but whose handler
// failed mid-way, oldest first.
func (s *Store) ListUnprocessedEvents(ctx context.Context, olderThan time.Time, limit int) ([]store.WebhookEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT provider, event_id, COALESCE(payload_hash,''), COALESCE(event_type,''),
		       COALESCE(owner_id,''), payload, received_at
		FROM webhook_events
		WHERE processed_at IS NULL AND received_at < $1
		ORDER BY received_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.WebhookEvent
	for rows.Next() {
		var e store.WebhookEvent
		if err := rows.Scan(&e.Provider, &e.EventID, &e.PayloadHash, &e.EventType, &e.OwnerID, &e.Payload, &e.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
