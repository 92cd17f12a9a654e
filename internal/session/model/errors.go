package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers sessions the caller does not own as well as truly
	// missing ids; the two are indistinguishable on the wire on purpose.
	ErrNotFound = errors.New("session not found")

	// ErrSnapshotNotFound means the current revision was never snapshotted.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrPreconditionFailed is returned for a malformed or stale If-Match
	// header. It deliberately carries no server revision.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// RevConflictError is the fallback-header conflict: the caller's X-Rev did not
// match, and the response tells them where the server actually is.
type RevConflictError struct {
	ServerRev int64
}

func (e *RevConflictError) Error() string {
	return fmt.Sprintf("revision conflict, server rev %d", e.ServerRev)
}

// RevRequiredError is returned on the diff path when neither If-Match nor a
// fallback revision header was supplied at all.
type RevRequiredError struct {
	ServerRev int64
}

func (e *RevRequiredError) Error() string {
	return fmt.Sprintf("expected revision required, server rev %d", e.ServerRev)
}

// QuotaExceededError rejects a snapshot write whose delta does not fit in the
// owner's remaining storage quota.
type QuotaExceededError struct {
	Used      int64
	Quota     int64
	Remaining int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: used %d of %d bytes", e.Used, e.Quota)
}
