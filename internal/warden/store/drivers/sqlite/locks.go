package sqlite

import (
	"context"
	"database/sql"
	"time"
)

type locksRepo struct {
	db *sql.DB
}

// Acquire sweeps expired rows, then races for the unique lock_key slot.
// INSERT OR IGNORE keeps the collision on the primary key from surfacing as
// a driver error: zero rows affected simply means somebody else holds a
// live lock.
func (r *locksRepo) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM locks WHERE expires_at_epoch <= ?`, now.Unix()); err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO locks (lock_key, lock_value, expires_at_epoch, created_at)
		VALUES (?, ?, ?, ?)`,
		key, holder, now.Add(ttl).Unix(), now.UTC())
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release is fenced on the holder value: a worker that overran its TTL and
// lost the lock to a new holder deletes nothing here.
func (r *locksRepo) Release(ctx context.Context, key, holder string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM locks WHERE lock_key = ? AND lock_value = ?`, key, holder)
	return err
}

func (r *locksRepo) DeleteExpired(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM locks WHERE expires_at_epoch <= ?`, time.Now().Unix())
	return err
}
