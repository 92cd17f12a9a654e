package repository

import (
	"context"
	"database/sql"

	"soloboard/internal/session/model"
	"soloboard/pkg/logger"
)

// QuotaLedger tracks per-owner snapshot storage usage. Every mutation runs in
// an owner-scoped transaction holding a row lock, so concurrent snapshot
// writes and GC decrements serialize per owner.
type QuotaLedger struct {
	DB *sql.DB
}

func NewQuotaLedger(db *sql.DB) *QuotaLedger {
	return &QuotaLedger{DB: db}
}

// Reserve charges delta bytes against the owner's quota, creating the ledger
// row lazily. A quota of 0 means unlimited. On overflow nothing is committed
// and a QuotaExceededError carries the usage figures for the response.
func (l *QuotaLedger) Reserve(ctx context.Context, ownerID string, delta int64) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_storage (owner_id, used_bytes, quota_bytes)
		VALUES ($1, 0, 0) ON CONFLICT (owner_id) DO NOTHING`, ownerID); err != nil {
		logger.Sugar.Errorf("Failed to ensure quota row for owner %s: %v", ownerID, err)
		return err
	}

	var used, quota int64
	if err := tx.QueryRowContext(ctx,
		"SELECT used_bytes, quota_bytes FROM user_storage WHERE owner_id = $1 FOR UPDATE", ownerID).
		Scan(&used, &quota); err != nil {
		logger.Sugar.Errorf("Failed to read quota row for owner %s: %v", ownerID, err)
		return err
	}

	if quota > 0 && used+delta > quota {
		remaining := quota - used
		if remaining < 0 {
			remaining = 0
		}
		return &model.QuotaExceededError{Used: used, Quota: quota, Remaining: remaining}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE user_storage SET used_bytes = $1, updated_at = NOW() WHERE owner_id = $2",
		used+delta, ownerID); err != nil {
		logger.Sugar.Errorf("Failed to update quota row for owner %s: %v", ownerID, err)
		return err
	}
	return tx.Commit()
}

// Release returns freed bytes to the owner, flooring at zero so a double
// decrement can never drive usage negative.
func (l *QuotaLedger) Release(ctx context.Context, ownerID string, freed int64) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var used int64
	err = tx.QueryRowContext(ctx,
		"SELECT used_bytes FROM user_storage WHERE owner_id = $1 FOR UPDATE", ownerID).Scan(&used)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to read quota row for owner %s: %v", ownerID, err)
		return err
	}

	used -= freed
	if used < 0 {
		used = 0
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE user_storage SET used_bytes = $1, updated_at = NOW() WHERE owner_id = $2",
		used, ownerID); err != nil {
		logger.Sugar.Errorf("Failed to update quota row for owner %s: %v", ownerID, err)
		return err
	}
	return tx.Commit()
}

// Usage reports the owner's current ledger, zeroes if no row exists yet.
func (l *QuotaLedger) Usage(ctx context.Context, ownerID string) (used, quota int64, err error) {
	err = l.DB.QueryRowContext(ctx,
		"SELECT used_bytes, quota_bytes FROM user_storage WHERE owner_id = $1", ownerID).
		Scan(&used, &quota)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return used, quota, err
}
