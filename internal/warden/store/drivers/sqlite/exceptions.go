package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/openseats/warden/internal/warden/domain"
)

type exceptionsRepo struct {
	db *sql.DB
}

func (r *exceptionsRepo) Upsert(ctx context.Context, rec domain.ExceptionRecord) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exception_history (
			account_id, account_name, exception_type, exception_code,
			exception_message, source, status, first_seen_at, last_seen_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			account_name      = COALESCE(excluded.account_name, exception_history.account_name),
			exception_type    = excluded.exception_type,
			exception_code    = excluded.exception_code,
			exception_message = excluded.exception_message,
			source            = excluded.source,
			status            = excluded.status,
			last_seen_at      = excluded.last_seen_at,
			updated_at        = excluded.updated_at`,
		rec.AccountID, mapStringNull(rec.AccountName), rec.Type,
		mapStringNull(rec.Code), mapStringNull(rec.Message), rec.Source,
		string(rec.Status), now, now, now, now)
	return err
}

func (r *exceptionsRepo) GetByAccountID(ctx context.Context, accountID int64) (domain.ExceptionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT account_id, COALESCE(account_name, ''), exception_type,
		       COALESCE(exception_code, ''), COALESCE(exception_message, ''),
		       source, status, first_seen_at, last_seen_at
		FROM exception_history
		WHERE account_id = ?`, accountID)

	var rec domain.ExceptionRecord
	var status string
	err := row.Scan(
		&rec.AccountID, &rec.AccountName, &rec.Type, &rec.Code, &rec.Message,
		&rec.Source, &status, &rec.FirstSeenAt, &rec.LastSeenAt,
	)
	if err != nil {
		return domain.ExceptionRecord{}, mapNotFound(err)
	}
	rec.Status = domain.NormalizeExceptionStatus(status)
	return rec, nil
}

func (r *exceptionsRepo) EnqueueParseFailure(ctx context.Context, f domain.ParseFailure) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exception_parse_failures (source, reason, raw_payload, created_at)
		VALUES (?, ?, ?, ?)`,
		f.Source, f.Reason, mapStringNull(f.RawPayload), time.Now().UTC())
	return err
}

func (r *exceptionsRepo) CountParseFailures(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exception_parse_failures`).Scan(&n)
	return n, err
}

func (r *exceptionsRepo) DeleteParseFailuresBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM exception_parse_failures WHERE created_at < ?`, cutoff.UTC())
	return err
}
