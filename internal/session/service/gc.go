package service

import (
	"context"

	"soloboard/pkg/logger"
)

// GCSweeper trims each session's snapshot history down to the newest keepLast
// revisions and returns the freed bytes to the owners' ledgers.
type GCSweeper struct {
	repo     SessionStore
	snaps    SnapshotStore
	quota    QuotaStore
	keepLast int
}

func NewGCSweeper(repo SessionStore, snaps SnapshotStore, quota QuotaStore, keepLast int) *GCSweeper {
	if keepLast < 0 {
		keepLast = 0
	}
	return &GCSweeper{repo: repo, snaps: snaps, quota: quota, keepLast: keepLast}
}

// Sweep walks every session once. A failure in one session is logged and does
// not stop the sweep; the next run picks up whatever was left behind.
func (g *GCSweeper) Sweep(ctx context.Context) (deleted int, freed int64, err error) {
	refs, err := g.repo.ListAll(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, ref := range refs {
		n, bytes, sweepErr := g.sweepSession(ctx, ref.OwnerID, ref.ID)
		if sweepErr != nil {
			logger.Sugar.Errorf("Snapshot GC failed for session %s: %v", ref.ID, sweepErr)
			continue
		}
		deleted += n
		freed += bytes
	}

	if deleted > 0 {
		logger.Sugar.Infow("snapshot_gc", "deleted", deleted, "freed_bytes", freed, "keep_last", g.keepLast)
	}
	return deleted, freed, nil
}

// sweepSession deletes the oldest revisions beyond keepLast and releases the
// freed bytes in one ledger call per session. A revision whose delete fails is
// skipped, not fatal: its blob is still listed next sweep, while the bytes of
// everything actually deleted must be released now or they never will be.
func (g *GCSweeper) sweepSession(ctx context.Context, ownerID, sessionID string) (int, int64, error) {
	revs, err := g.snaps.ListRevisions(ctx, ownerID, sessionID)
	if err != nil {
		return 0, 0, err
	}
	if len(revs) <= g.keepLast {
		return 0, 0, nil
	}

	var deleted int
	var freed int64
	for _, rev := range revs[:len(revs)-g.keepLast] {
		size, err := g.snaps.Delete(ctx, ownerID, sessionID, rev)
		if err != nil {
			logger.Sugar.Errorf("Failed to delete snapshot %s/%s/%d: %v", ownerID, sessionID, rev, err)
			continue
		}
		deleted++
		freed += size
	}

	if freed > 0 {
		if err := g.quota.Release(ctx, ownerID, freed); err != nil {
			return deleted, freed, err
		}
	}
	return deleted, freed, nil
}
