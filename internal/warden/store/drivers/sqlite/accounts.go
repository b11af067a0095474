package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openseats/warden/internal/warden/domain"
)

type accountsRepo struct {
	db *sql.DB
}

const accountColumns = `
	id, email, remote_account_id, device_id, access_token, refresh_token,
	user_count, invite_count, expire_at, is_open, is_demoted, is_banned,
	ban_processed, space_type, COALESCE(sort_order, id), space_status_code,
	space_status_reason, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var a domain.Account
	var spaceType, statusCode string
	err := row.Scan(
		&a.ID, &a.Email, &a.RemoteAccountID, &a.DeviceID, &a.AccessToken,
		&a.RefreshToken, &a.UserCount, &a.InviteCount, &a.ExpireAt, &a.IsOpen,
		&a.IsDemoted, &a.IsBanned, &a.BanProcessed, &spaceType, &a.SortOrder,
		&statusCode, &a.SpaceStatusReason, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.Account{}, err
	}
	a.SpaceType = domain.NormalizeSpaceType(spaceType)
	a.SpaceStatusCode = domain.SpaceStatusCode(statusCode)
	return a, nil
}

func (r *accountsRepo) CreateAccount(ctx context.Context, a domain.Account) (int64, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (
			email, remote_account_id, device_id, access_token, refresh_token,
			user_count, invite_count, expire_at, is_open, is_demoted, is_banned,
			ban_processed, space_type, sort_order, space_status_code,
			space_status_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Email, a.RemoteAccountID, a.DeviceID, a.AccessToken, a.RefreshToken,
		a.UserCount, a.InviteCount, domain.FormatExpireAt(a.ExpireAt), a.IsOpen,
		a.IsDemoted, a.IsBanned, a.BanProcessed,
		string(domain.NormalizeSpaceType(string(a.SpaceType))),
		mapSortOrder(a.SortOrder),
		string(domain.NormalizeSpaceStatusCode(a.SpaceStatusCode)),
		a.SpaceStatusReason, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *accountsRepo) GetAccountByID(ctx context.Context, id int64) (domain.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)

	a, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, mapNotFound(err)
	}
	return a, nil
}

func (r *accountsRepo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *accountsRepo) ListOpenAccounts(ctx context.Context, createdWithinDays int) ([]domain.AccountRef, error) {
	query := `SELECT id, email FROM accounts WHERE is_open = 1 AND is_banned = 0`
	args := []any{}
	if createdWithinDays > 0 {
		query += ` AND created_at >= DATETIME('now', ?)`
		args = append(args, fmt.Sprintf("-%d days", createdWithinDays))
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AccountRef
	for rows.Next() {
		var ref domain.AccountRef
		if err := rows.Scan(&ref.ID, &ref.Email); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (r *accountsRepo) ListOpenAccountIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM accounts
		WHERE is_open = 1 AND is_banned = 0
		ORDER BY COALESCE(sort_order, id) ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *accountsRepo) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string) error {
	return r.exec(ctx, `
		UPDATE accounts SET access_token = ?, refresh_token = ?, updated_at = ?
		WHERE id = ?`,
		accessToken, refreshToken, time.Now().UTC(), id)
}

func (r *accountsRepo) UpdateUserCount(ctx context.Context, id int64, userCount int) error {
	return r.exec(ctx,
		`UPDATE accounts SET user_count = ?, updated_at = ? WHERE id = ?`,
		userCount, time.Now().UTC(), id)
}

func (r *accountsRepo) UpdateInviteCount(ctx context.Context, id int64, inviteCount int) error {
	return r.exec(ctx,
		`UPDATE accounts SET invite_count = ?, updated_at = ? WHERE id = ?`,
		inviteCount, time.Now().UTC(), id)
}

func (r *accountsRepo) MarkBanned(ctx context.Context, id int64) error {
	return r.exec(ctx, `
		UPDATE accounts
		SET is_open = 0, is_banned = 1, ban_processed = 0, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id)
}

func (r *accountsRepo) SetSpaceStatus(ctx context.Context, id int64, code domain.SpaceStatusCode, reason string) error {
	return r.exec(ctx, `
		UPDATE accounts
		SET space_status_code = ?, space_status_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(code), reason, time.Now().UTC(), id)
}

func mapSortOrder(n int) sql.NullInt64 {
	if n <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func (r *accountsRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mapNotFound(sql.ErrNoRows)
	}
	return nil
}
