// Package snapshot persists immutable point-in-time session states, keyed by
// owner, session and revision, on top of the blob storage capability.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"soloboard/storage"
)

// Meta describes a persisted snapshot.
type Meta struct {
	Rev  int64
	Size int64
	Hash string
	URL  string
}

type Store struct {
	backend   storage.Backend
	urlExpiry time.Duration
}

func NewStore(backend storage.Backend, urlExpiry time.Duration) *Store {
	return &Store{backend: backend, urlExpiry: urlExpiry}
}

// Key returns the three-level namespace path for one snapshot.
func Key(ownerID, sessionID string, rev int64) string {
	return fmt.Sprintf("solo/%s/%s/%d.json", ownerID, sessionID, rev)
}

func prefix(ownerID, sessionID string) string {
	return fmt.Sprintf("solo/%s/%s/", ownerID, sessionID)
}

// Persist writes the payload under its revision key. Revisions are monotonic
// so the key is normally fresh; a repeat write is last-write-wins.
func (s *Store) Persist(ctx context.Context, ownerID, sessionID string, rev int64, payload []byte) (*Meta, error) {
	path := Key(ownerID, sessionID, rev)
	if err := s.backend.Put(ctx, path, payload, "application/json"); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(payload)
	url, err := s.backend.SignedURL(path, s.urlExpiry)
	if err != nil {
		return nil, err
	}
	return &Meta{
		Rev:  rev,
		Size: int64(len(payload)),
		Hash: hex.EncodeToString(sum[:]),
		URL:  url,
	}, nil
}

// ListRevisions returns all persisted revisions for a session in ascending
// order. Keys that do not parse as "<rev>.json" are skipped.
func (s *Store) ListRevisions(ctx context.Context, ownerID, sessionID string) ([]int64, error) {
	paths, err := s.backend.ListByPrefix(ctx, prefix(ownerID, sessionID))
	if err != nil {
		return nil, err
	}

	revs := make([]int64, 0, len(paths))
	for _, p := range paths {
		name := p[strings.LastIndex(p, "/")+1:]
		name, ok := strings.CutSuffix(name, ".json")
		if !ok {
			continue
		}
		rev, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		revs = append(revs, rev)
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i] < revs[j] })
	return revs, nil
}

// Head returns snapshot metadata, or nil when the revision was never written.
func (s *Store) Head(ctx context.Context, ownerID, sessionID string, rev int64) (*storage.ObjectInfo, error) {
	return s.backend.Head(ctx, Key(ownerID, sessionID, rev))
}

// Delete removes one revision and returns the bytes freed, 0 if it was absent.
func (s *Store) Delete(ctx context.Context, ownerID, sessionID string, rev int64) (int64, error) {
	path := Key(ownerID, sessionID, rev)
	info, err := s.backend.Head(ctx, path)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, nil
	}
	deleted, err := s.backend.Delete(ctx, path)
	if err != nil {
		return 0, err
	}
	if !deleted {
		return 0, nil
	}
	return info.Size, nil
}

// URL returns a fresh time-limited access reference for one revision.
func (s *Store) URL(ownerID, sessionID string, rev int64) (string, error) {
	return s.backend.SignedURL(Key(ownerID, sessionID, rev), s.urlExpiry)
}
