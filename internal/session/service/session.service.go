package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"soloboard/internal/session/diff"
	"soloboard/internal/session/model"
	"soloboard/pkg/logger"
)

// Task names handled by the background runner.
const (
	TaskPersistSnapshot  = "snapshot.persist"
	TaskCleanupSnapshots = "snapshot.cleanup"
)

// SnapshotTaskPayload is the wire form of both snapshot task payloads; Rev is
// ignored by the cleanup task.
type SnapshotTaskPayload struct {
	OwnerID   string `json:"owner_id"`
	SessionID string `json:"session_id"`
	Rev       int64  `json:"rev,omitempty"`
}

// SessionService is the write controller. Every mutating call runs inside a
// per-(owner,session) exclusive section so two writers racing from the same
// revision cannot both pass the optimistic check.
type SessionService struct {
	repo   SessionStore
	quota  QuotaStore
	snaps  SnapshotStore
	sched  Scheduler
	feed   Notifier
	locks  *mapmutex.Mutex
	idem   *gocache.Cache
	maxOps int
	ttl    time.Duration
}

func NewSessionService(repo SessionStore, quota QuotaStore, snaps SnapshotStore, sched Scheduler, maxOps int, idemTTL time.Duration) *SessionService {
	return &SessionService{
		repo:  repo,
		quota: quota,
		snaps: snaps,
		sched: sched,
		feed:  noopNotifier{},
		// Plenty of tries with capped backoff, so TryLock only fails under
		// real contention. maxDelay 0.1s, baseDelay 10ns.
		locks:  mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		idem:   gocache.New(idemTTL, 2*idemTTL),
		maxOps: maxOps,
		ttl:    idemTTL,
	}
}

// SetNotifier attaches the live event feed. Optional; defaults to a no-op.
func (s *SessionService) SetNotifier(n Notifier) {
	if n != nil {
		s.feed = n
	}
}

func (s *SessionService) lockKey(ownerID, sessionID string) string {
	return ownerID + "/" + sessionID
}

func (s *SessionService) idemKey(scope, ownerID, sessionID, key string) string {
	return fmt.Sprintf("%s:%s:%s:%s", scope, ownerID, sessionID, key)
}

// Create starts a new empty session at revision 0.
func (s *SessionService) Create(ctx context.Context, ownerID, name string) (*model.Session, error) {
	if name == "" {
		name = "Untitled Session"
	}
	state, err := diff.Apply(nil, nil)
	if err != nil {
		return nil, err
	}
	raw := diff.Canonical(state)

	sess := &model.Session{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        name,
		State:       raw,
		PageCount:   diff.PageCount(state),
		Rev:         0,
		StateDigest: diff.Digest(state),
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SessionService) Get(ctx context.Context, ownerID, sessionID string) (*model.Session, error) {
	return s.repo.GetByIDAndOwner(ctx, sessionID, ownerID)
}

func (s *SessionService) List(ctx context.Context, ownerID string) ([]model.SessionSummary, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// Delete removes the session and schedules best-effort cleanup of its
// snapshots. The cleanup task failing leaves orphan blobs for the next sweep.
func (s *SessionService) Delete(ctx context.Context, ownerID, sessionID string) error {
	if err := s.repo.Delete(ctx, sessionID, ownerID); err != nil {
		return err
	}
	s.feed.NotifyRemoved(sessionID)

	payload, _ := json.Marshal(SnapshotTaskPayload{OwnerID: ownerID, SessionID: sessionID})
	if err := s.sched.Enqueue(TaskCleanupSnapshots, payload); err != nil {
		logger.Sugar.Errorf("Failed to enqueue snapshot cleanup for session %s: %v", sessionID, err)
	}
	return nil
}

// checkPrecondition validates the caller's expected revision against the
// stored one. The structured header and the fallback header fail differently
// on purpose: If-Match clients resync via a fresh GET, X-Rev clients resync
// straight from the server_rev in the conflict body.
func checkPrecondition(sess *model.Session, pre Precondition, requireRev bool) error {
	if pre.HasIfMatch {
		rev, ok := parseIfMatch(pre.IfMatch)
		if !ok || rev != sess.Rev {
			return model.ErrPreconditionFailed
		}
		return nil
	}
	if pre.HasFallback {
		rev, err := strconv.ParseInt(pre.Fallback, 10, 64)
		if err != nil || rev != sess.Rev {
			return &model.RevConflictError{ServerRev: sess.Rev}
		}
		return nil
	}
	if requireRev {
		return &model.RevRequiredError{ServerRev: sess.Rev}
	}
	return &model.RevConflictError{ServerRev: sess.Rev}
}

// ApplyDiff applies an incremental operation batch under optimistic locking.
// A successful diff save always advances the revision, even when the batch
// happens to produce identical content.
func (s *SessionService) ApplyDiff(ctx context.Context, ownerID, sessionID string, ops []diff.Operation, clientTS string, pre Precondition) (*model.DiffResult, error) {
	if s.maxOps > 0 && len(ops) > s.maxOps {
		return nil, diff.NewOpError(fmt.Sprintf("operation batch exceeds %d ops", s.maxOps))
	}

	key := s.lockKey(ownerID, sessionID)
	if !s.locks.TryLock(key) {
		return nil, s.lockBusy(ctx, ownerID, sessionID)
	}
	defer s.locks.Unlock(key)

	sess, err := s.repo.GetByIDAndOwner(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := checkPrecondition(sess, pre, true); err != nil {
		return nil, err
	}

	var state map[string]interface{}
	if len(sess.State) > 0 {
		if err := json.Unmarshal(sess.State, &state); err != nil {
			return nil, fmt.Errorf("stored state for session %s is corrupt: %w", sessionID, err)
		}
	}

	newState, err := diff.Apply(state, ops)
	if err != nil {
		return nil, err
	}

	digest := diff.Digest(newState)
	raw := diff.Canonical(newState)
	now := time.Now().UTC()
	nextRev := sess.Rev + 1

	if err := s.repo.UpdateState(ctx, sessionID, ownerID, raw, nextRev, digest, diff.PageCount(newState), now); err != nil {
		return nil, err
	}

	s.feed.NotifyCommit(sessionID, nextRev, digest)
	logger.Sugar.Infow("diff_save",
		"session_id", sessionID,
		"prev_rev", sess.Rev,
		"next_rev", nextRev,
		"ops_count", len(ops),
		"digest", digest,
		"client_ts", clientTS,
	)
	return &model.DiffResult{ServerTS: now, NextRev: nextRev, Digest: digest}, nil
}

// ReplaceState replaces the full session state. Content-equal submissions are
// acknowledged as no-change: the write timestamp moves, the revision does not.
func (s *SessionService) ReplaceState(ctx context.Context, ownerID, sessionID string, state map[string]interface{}, idempotencyKey string, pre Precondition) (*model.SaveResult, error) {
	if idempotencyKey != "" {
		if cached, found := s.idem.Get(s.idemKey("stream", ownerID, sessionID, idempotencyKey)); found {
			return cached.(*model.SaveResult), nil
		}
	}

	key := s.lockKey(ownerID, sessionID)
	if !s.locks.TryLock(key) {
		return nil, s.lockBusy(ctx, ownerID, sessionID)
	}
	defer s.locks.Unlock(key)

	sess, err := s.repo.GetByIDAndOwner(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := checkPrecondition(sess, pre, false); err != nil {
		return nil, err
	}

	digest := diff.Digest(state)
	now := time.Now().UTC()

	var result *model.SaveResult
	if sess.StateDigest != "" && sess.StateDigest == digest {
		if err := s.repo.Touch(ctx, sessionID, ownerID, now); err != nil {
			return nil, err
		}
		result = &model.SaveResult{NoChange: true, Detail: "no_change", Rev: sess.Rev, Digest: sess.StateDigest}
	} else {
		raw := diff.Canonical(state)
		nextRev := sess.Rev + 1
		if err := s.repo.UpdateState(ctx, sessionID, ownerID, raw, nextRev, digest, diff.PageCount(state), now); err != nil {
			return nil, err
		}
		result = &model.SaveResult{Detail: "accepted", Rev: nextRev, Digest: digest}

		// Snapshot persistence is deferred and must never block or fail
		// the commit; the session row is the source of truth.
		payload, _ := json.Marshal(SnapshotTaskPayload{OwnerID: ownerID, SessionID: sessionID, Rev: nextRev})
		if err := s.sched.Enqueue(TaskPersistSnapshot, payload); err != nil {
			logger.Sugar.Errorf("Failed to enqueue snapshot persist for session %s rev %d: %v", sessionID, nextRev, err)
		}
		s.feed.NotifyCommit(sessionID, nextRev, digest)
	}

	if idempotencyKey != "" {
		s.idem.Set(s.idemKey("stream", ownerID, sessionID, idempotencyKey), result, s.ttl)
	}

	logger.Sugar.Infow("stream_save",
		"session_id", sessionID,
		"rev", result.Rev,
		"digest", result.Digest,
		"no_change", result.NoChange,
	)
	return result, nil
}

// Beacon refreshes the write timestamp without touching state or revision.
func (s *SessionService) Beacon(ctx context.Context, ownerID, sessionID, clientTS string) error {
	if err := s.repo.Touch(ctx, sessionID, ownerID, time.Now().UTC()); err != nil {
		return err
	}
	logger.Sugar.Infow("beacon",
		"session_id", sessionID,
		"client_ts", clientTS,
	)
	return nil
}

// CreateSnapshot persists the current revision's state as an immutable blob,
// charging the owner's quota for the size delta at that key.
func (s *SessionService) CreateSnapshot(ctx context.Context, ownerID, sessionID, idempotencyKey string) (*model.SnapshotResult, error) {
	if idempotencyKey != "" {
		if cached, found := s.idem.Get(s.idemKey("snapshot", ownerID, sessionID, idempotencyKey)); found {
			return cached.(*model.SnapshotResult), nil
		}
	}

	sess, err := s.repo.GetByIDAndOwner(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}

	var state map[string]interface{}
	if len(sess.State) > 0 {
		if err := json.Unmarshal(sess.State, &state); err != nil {
			return nil, fmt.Errorf("stored state for session %s is corrupt: %w", sessionID, err)
		}
	}

	meta, err := s.writeSnapshot(ctx, ownerID, sessionID, sess.Rev, diff.Canonical(state))
	if err != nil {
		return nil, err
	}

	result := &model.SnapshotResult{Rev: sess.Rev, URL: meta.URL}
	if idempotencyKey != "" {
		s.idem.Set(s.idemKey("snapshot", ownerID, sessionID, idempotencyKey), result, s.ttl)
	}
	s.feed.NotifySnapshot(sessionID, sess.Rev)
	return result, nil
}

// writeSnapshot runs the quota-checked snapshot write shared by the explicit
// endpoint and the deferred persistence task. The charged delta is the growth
// at this exact key, so re-snapshotting the same revision is nearly free.
func (s *SessionService) writeSnapshot(ctx context.Context, ownerID, sessionID string, rev int64, payload []byte) (*snapshotMeta, error) {
	var existingSize int64
	if info, err := s.snaps.Head(ctx, ownerID, sessionID, rev); err != nil {
		return nil, err
	} else if info != nil {
		existingSize = info.Size
	}

	delta := int64(len(payload)) - existingSize
	if delta < 0 {
		delta = 0
	}
	if err := s.quota.Reserve(ctx, ownerID, delta); err != nil {
		return nil, err
	}

	meta, err := s.snaps.Persist(ctx, ownerID, sessionID, rev, payload)
	if err != nil {
		logger.Sugar.Errorf("Snapshot persist failed for session %s rev %d: %v", sessionID, rev, err)
		// No blob was written, so nothing will ever list this charge for
		// release. Undo the reservation here.
		if delta > 0 {
			if relErr := s.quota.Release(ctx, ownerID, delta); relErr != nil {
				logger.Sugar.Errorf("Failed to release %d reserved bytes for owner %s: %v", delta, ownerID, relErr)
			}
		}
		return nil, err
	}
	return &snapshotMeta{URL: meta.URL, Size: meta.Size, Hash: meta.Hash}, nil
}

type snapshotMeta struct {
	URL  string
	Size int64
	Hash string
}

// LatestSnapshot returns an access reference for the current revision's
// snapshot, or ErrSnapshotNotFound if that revision was never persisted.
func (s *SessionService) LatestSnapshot(ctx context.Context, ownerID, sessionID string) (*model.SnapshotResult, error) {
	sess, err := s.repo.GetByIDAndOwner(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}

	info, err := s.snaps.Head(ctx, ownerID, sessionID, sess.Rev)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, model.ErrSnapshotNotFound
	}

	url, err := s.snaps.URL(ownerID, sessionID, sess.Rev)
	if err != nil {
		return nil, err
	}
	return &model.SnapshotResult{Rev: sess.Rev, URL: url}, nil
}

// HandlePersistSnapshot is the deferred snapshot task. It re-reads the session
// and skips silently when the revision has already moved on; the newer commit
// enqueued its own task.
func (s *SessionService) HandlePersistSnapshot(ctx context.Context, raw []byte) error {
	var payload SnapshotTaskPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	sess, err := s.repo.GetByIDAndOwner(ctx, payload.SessionID, payload.OwnerID)
	if err != nil {
		if err == model.ErrNotFound {
			logger.Sugar.Infof("Session %s gone before snapshot persist, skipping", payload.SessionID)
			return nil
		}
		return err
	}
	if sess.Rev != payload.Rev {
		logger.Sugar.Infof("Session %s moved to rev %d before snapshot of rev %d, skipping",
			payload.SessionID, sess.Rev, payload.Rev)
		return nil
	}

	var state map[string]interface{}
	if len(sess.State) > 0 {
		if err := json.Unmarshal(sess.State, &state); err != nil {
			return err
		}
	}
	_, err = s.writeSnapshot(ctx, payload.OwnerID, payload.SessionID, payload.Rev, diff.Canonical(state))
	if _, quotaFull := err.(*model.QuotaExceededError); quotaFull {
		// Deferred snapshots yield to the quota; the commit stands.
		logger.Sugar.Warnf("Skipping deferred snapshot for session %s rev %d: %v", payload.SessionID, payload.Rev, err)
		return nil
	}
	return err
}

// HandleCleanupSnapshots deletes every snapshot of a removed session and
// returns the freed bytes to the owner's ledger.
func (s *SessionService) HandleCleanupSnapshots(ctx context.Context, raw []byte) error {
	var payload SnapshotTaskPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	revs, err := s.snaps.ListRevisions(ctx, payload.OwnerID, payload.SessionID)
	if err != nil {
		return err
	}

	var freed int64
	for _, rev := range revs {
		size, err := s.snaps.Delete(ctx, payload.OwnerID, payload.SessionID, rev)
		if err != nil {
			logger.Sugar.Errorf("Failed to delete snapshot %s/%s/%d: %v", payload.OwnerID, payload.SessionID, rev, err)
			continue
		}
		freed += size
	}
	if freed > 0 {
		if err := s.quota.Release(ctx, payload.OwnerID, freed); err != nil {
			return err
		}
	}
	return nil
}

// lockBusy maps a failed lock acquisition to the same conflict shape a lost
// revision race produces; the caller's retry path is identical.
func (s *SessionService) lockBusy(ctx context.Context, ownerID, sessionID string) error {
	serverRev := int64(0)
	if sess, err := s.repo.GetByIDAndOwner(ctx, sessionID, ownerID); err == nil {
		serverRev = sess.Rev
	}
	return &model.RevConflictError{ServerRev: serverRev}
}
