package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Lock is a named singleton lock backed by the study database. Only
// one dispatcher instance may run a cadence pass at a time across all
// processes sharing the database; the lock's TTL lets a surviving
// instance take over after a crash without operator intervention.
type Lock struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLock creates a lock manager on the study database.
func NewLock(db *sql.DB, log zerolog.Logger) *Lock {
	return &Lock{
		db:  db,
		log: log.With().Str("component", "dispatch_lock").Logger(),
	}
}

// Acquire attempts to take the named lock for the given holder.
// Returns true if the holder now owns the lock. A lock whose TTL has
// passed is stolen, not respected.
func (l *Lock) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO dispatch_locks (name, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE dispatch_locks.expires_at < ?`,
		name, holder, now.UnixMilli(), expires.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result for %s: %w", name, err)
	}
	if affected == 1 {
		return true, nil
	}

	// The upsert did not fire; someone holds an unexpired lock.
	var currentHolder string
	err = l.db.QueryRowContext(ctx,
		`SELECT holder FROM dispatch_locks WHERE name = ?`, name).Scan(&currentHolder)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to inspect lock %s: %w", name, err)
	}
	l.log.Debug().
		Str("lock", name).
		Str("held_by", currentHolder).
		Msg("Lock unavailable")
	return false, nil
}

// Release frees the named lock if this holder still owns it. Releasing
// a lock stolen by another holder is a no-op.
func (l *Lock) Release(ctx context.Context, name, holder string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM dispatch_locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
