package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertLink claims a short code for a target URL. False without error means
// the code is already taken (by this URL or another one); callers inspect
// LinkByCode to tell which.
func (s *Store) InsertLink(ctx context.Context, code, ownerID, targetURL string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO short_links (code, owner_id, target_url, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (code) DO NOTHING
	`, code, ownerID, targetURL, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) LinkByCode(ctx context.Context, code string) (string, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT target_url FROM short_links WHERE code=$1`, code)
	var target string
	if err := row.Scan(&target); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return target, true, nil
}
