package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"soloboard/internal/session/model"
	"soloboard/pkg/logger"
)

type SessionRepository struct {
	DB *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{DB: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, name, state, page_count, rev, state_digest, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		s.ID, s.OwnerID, s.Name, string(s.State), s.PageCount, s.Rev, s.StateDigest)
	if err != nil {
		logger.Sugar.Errorf("Failed to create session %s: %v", s.ID, err)
	}
	return err
}

func (r *SessionRepository) GetByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Session, error) {
	var s model.Session
	var state []byte
	var lastWriteAt sql.NullTime
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, owner_id, name, state, page_count, rev, state_digest, last_write_at, created_at, updated_at
		FROM sessions WHERE id = $1 AND owner_id = $2`, id, ownerID).
		Scan(&s.ID, &s.OwnerID, &s.Name, &state, &s.PageCount, &s.Rev, &s.StateDigest, &lastWriteAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get session %s: %v", id, err)
		return nil, err
	}
	s.State = state
	if lastWriteAt.Valid {
		t := lastWriteAt.Time
		s.LastWriteAt = &t
	}
	return &s, nil
}

func (r *SessionRepository) ListByOwner(ctx context.Context, ownerID string) ([]model.SessionSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, name, page_count, rev, updated_at
		FROM sessions WHERE owner_id = $1 ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list sessions for owner %s: %v", ownerID, err)
		return nil, err
	}
	defer rows.Close()

	sessions := []model.SessionSummary{}
	for rows.Next() {
		var s model.SessionSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.PageCount, &s.Rev, &s.UpdatedAt); err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateState commits a new state together with its revision, digest and page
// count. Callers hold the per-session lock, so a plain UPDATE is race-free.
func (r *SessionRepository) UpdateState(ctx context.Context, id, ownerID string, state []byte, rev int64, digest string, pageCount int, lastWriteAt time.Time) error {
	result, err := r.DB.ExecContext(ctx, `
		UPDATE sessions
		SET state = $1, rev = $2, state_digest = $3, page_count = $4, last_write_at = $5, updated_at = NOW()
		WHERE id = $6 AND owner_id = $7`,
		string(state), rev, digest, pageCount, lastWriteAt, id, ownerID)
	if err != nil {
		logger.Sugar.Errorf("Failed to update state for session %s: %v", id, err)
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// Touch refreshes the write timestamp without changing state or revision.
func (r *SessionRepository) Touch(ctx context.Context, id, ownerID string, lastWriteAt time.Time) error {
	result, err := r.DB.ExecContext(ctx, `
		UPDATE sessions SET last_write_at = $1, updated_at = NOW()
		WHERE id = $2 AND owner_id = $3`, lastWriteAt, id, ownerID)
	if err != nil {
		logger.Sugar.Errorf("Failed to touch session %s: %v", id, err)
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, id, ownerID string) error {
	result, err := r.DB.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1 AND owner_id = $2", id, ownerID)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete session %s: %v", id, err)
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ListAll returns every session handle. The GC sweeper iterates this; sessions
// are small rows so a full scan per sweep is acceptable.
func (r *SessionRepository) ListAll(ctx context.Context) ([]model.SessionRef, error) {
	rows, err := r.DB.QueryContext(ctx, "SELECT id, owner_id FROM sessions ORDER BY id ASC")
	if err != nil {
		logger.Sugar.Errorf("Failed to list sessions: %v", err)
		return nil, err
	}
	defer rows.Close()

	var refs []model.SessionRef
	for rows.Next() {
		var ref model.SessionRef
		if err := rows.Scan(&ref.ID, &ref.OwnerID); err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
