package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/openseats/warden/internal/warden/domain"
)

type seatProtectionsRepo struct {
	db *sql.DB
}

// ListActiveProtectedEmails returns the normalized allowlist. A NULL expiry
// protects indefinitely; an expired row protects nobody.
func (r *seatProtectionsRepo) ListActiveProtectedEmails(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT target_email
		FROM seat_protections
		WHERE TRIM(target_email) <> ''
		  AND (expires_at IS NULL OR expires_at > ?)`,
		time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		if normalized := domain.NormalizeEmail(email); normalized != "" {
			out[normalized] = struct{}{}
		}
	}
	return out, rows.Err()
}

func (r *seatProtectionsRepo) CreateSeatProtection(ctx context.Context, p domain.SeatProtection) error {
	var expires sql.NullTime
	if p.ExpiresAt != nil {
		expires = sql.NullTime{Time: p.ExpiresAt.UTC(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO seat_protections (target_email, expires_at, created_at)
		VALUES (?, ?, ?)`,
		domain.NormalizeEmail(p.TargetEmail), expires, time.Now().UTC())
	return err
}
