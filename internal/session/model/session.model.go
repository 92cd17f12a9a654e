package model

import (
	"encoding/json"
	"time"

	"soloboard/internal/session/diff"
)

// Session is a saved board session: free-form JSON state guarded by an
// optimistic revision counter and a canonical content digest.
type Session struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Name        string          `json:"name"`
	State       json.RawMessage `json:"state"`
	PageCount   int             `json:"page_count"`
	Rev         int64           `json:"rev"`
	StateDigest string          `json:"state_digest"`
	LastWriteAt *time.Time      `json:"last_write_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SessionRef is the minimal handle the GC sweeper iterates over.
type SessionRef struct {
	ID      string
	OwnerID string
}

type SessionSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PageCount int       `json:"page_count"`
	Rev       int64     `json:"rev"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateSessionRequest struct {
	Name string `json:"name"`
}

type DiffSaveRequest struct {
	Ops      []diff.Operation `json:"ops"`
	ClientTS string           `json:"client_ts,omitempty"`
}

type DiffResult struct {
	ServerTS time.Time `json:"server_ts"`
	NextRev  int64     `json:"next_rev"`
	Digest   string    `json:"digest"`
}

type SaveResult struct {
	NoChange bool   `json:"-"`
	Detail   string `json:"detail"`
	Rev      int64  `json:"rev"`
	Digest   string `json:"digest"`
}

type SnapshotResult struct {
	Rev int64  `json:"rev"`
	URL string `json:"url"`
}
