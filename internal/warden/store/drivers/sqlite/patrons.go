package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/openseats/warden/internal/warden/domain"
)

type patronsRepo struct {
	db *sql.DB
}

// ClearWorkspaceAssignment detaches patrons whose seat reference points at
// the given account through the evicted member's email. Matching is against
// either the patron's own email or the recorded workspace email, both
// case-insensitive.
func (r *patronsRepo) ClearWorkspaceAssignment(ctx context.Context, accountID int64, email string) error {
	normalized := domain.NormalizeEmail(email)
	if normalized == "" {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE patrons
		SET current_account_id = NULL,
		    current_account_email = '',
		    updated_at = ?
		WHERE current_account_id = ?
		  AND (lower(email) = ? OR lower(current_account_email) = ?)`,
		time.Now().UTC(), accountID, normalized, normalized)
	return err
}

func (r *patronsRepo) GetPatronByEmail(ctx context.Context, email string) (domain.Patron, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, current_account_id, current_account_email,
		       created_at, updated_at
		FROM patrons
		WHERE lower(email) = ?`,
		domain.NormalizeEmail(email))

	var p domain.Patron
	var accountID sql.NullInt64
	err := row.Scan(&p.ID, &p.Email, &accountID, &p.CurrentAccountEmail,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Patron{}, mapNotFound(err)
	}
	if accountID.Valid {
		p.CurrentAccountID = &accountID.Int64
	}
	return p, nil
}

func (r *patronsRepo) CreatePatron(ctx context.Context, p domain.Patron) error {
	now := time.Now().UTC()
	var accountID sql.NullInt64
	if p.CurrentAccountID != nil {
		accountID = sql.NullInt64{Int64: *p.CurrentAccountID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patrons (email, current_account_id, current_account_email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		domain.NormalizeEmail(p.Email), accountID, p.CurrentAccountEmail, now, now)
	return err
}
