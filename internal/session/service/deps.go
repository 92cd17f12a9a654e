package service

import (
	"context"
	"time"

	"soloboard/internal/session/model"
	"soloboard/internal/session/snapshot"
	"soloboard/storage"
)

// SessionStore is the document-persistence capability the controller consumes.
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	GetByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Session, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.SessionSummary, error)
	UpdateState(ctx context.Context, id, ownerID string, state []byte, rev int64, digest string, pageCount int, lastWriteAt time.Time) error
	Touch(ctx context.Context, id, ownerID string, lastWriteAt time.Time) error
	Delete(ctx context.Context, id, ownerID string) error
	ListAll(ctx context.Context) ([]model.SessionRef, error)
}

// QuotaStore is the per-owner byte accounting capability.
type QuotaStore interface {
	Reserve(ctx context.Context, ownerID string, delta int64) error
	Release(ctx context.Context, ownerID string, freed int64) error
}

// SnapshotStore is the revision-keyed blob persistence capability.
type SnapshotStore interface {
	Persist(ctx context.Context, ownerID, sessionID string, rev int64, payload []byte) (*snapshot.Meta, error)
	ListRevisions(ctx context.Context, ownerID, sessionID string) ([]int64, error)
	Head(ctx context.Context, ownerID, sessionID string, rev int64) (*storage.ObjectInfo, error)
	Delete(ctx context.Context, ownerID, sessionID string, rev int64) (int64, error)
	URL(ownerID, sessionID string, rev int64) (string, error)
}

// Scheduler defers work past the response with at-least-once execution.
type Scheduler interface {
	Enqueue(name string, payload []byte) error
}

// Notifier fans committed writes out to live watchers. Implementations must
// never block the caller.
type Notifier interface {
	NotifyCommit(sessionID string, rev int64, digest string)
	NotifySnapshot(sessionID string, rev int64)
	NotifyRemoved(sessionID string)
}

// noopNotifier lets the service run without a feed attached (tests, tools).
type noopNotifier struct{}

func (noopNotifier) NotifyCommit(string, int64, string) {}
func (noopNotifier) NotifySnapshot(string, int64)       {}
func (noopNotifier) NotifyRemoved(string)               {}
