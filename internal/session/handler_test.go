package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soloboard/config"
	"soloboard/internal/session/model"
	"soloboard/internal/session/service"
	"soloboard/internal/session/snapshot"
	"soloboard/middleware"
	"soloboard/pkg/logger"
	"soloboard/storage"
)

func init() {
	logger.Init()
}

type memSessions struct {
	sessions map[string]*model.Session
}

func (m *memSessions) Create(_ context.Context, s *model.Session) error {
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) GetByIDAndOwner(_ context.Context, id, ownerID string) (*model.Session, error) {
	s, ok := m.sessions[id]
	if !ok || s.OwnerID != ownerID {
		return nil, model.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) ListByOwner(_ context.Context, ownerID string) ([]model.SessionSummary, error) {
	var out []model.SessionSummary
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			out = append(out, model.SessionSummary{ID: s.ID, Name: s.Name, Rev: s.Rev})
		}
	}
	return out, nil
}

func (m *memSessions) UpdateState(_ context.Context, id, ownerID string, state []byte, rev int64, digest string, pageCount int, lastWriteAt time.Time) error {
	s, ok := m.sessions[id]
	if !ok || s.OwnerID != ownerID {
		return model.ErrNotFound
	}
	s.State = state
	s.Rev = rev
	s.StateDigest = digest
	s.PageCount = pageCount
	s.LastWriteAt = &lastWriteAt
	return nil
}

func (m *memSessions) Touch(_ context.Context, id, ownerID string, lastWriteAt time.Time) error {
	s, ok := m.sessions[id]
	if !ok || s.OwnerID != ownerID {
		return model.ErrNotFound
	}
	s.LastWriteAt = &lastWriteAt
	return nil
}

func (m *memSessions) Delete(_ context.Context, id, ownerID string) error {
	s, ok := m.sessions[id]
	if !ok || s.OwnerID != ownerID {
		return model.ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *memSessions) ListAll(_ context.Context) ([]model.SessionRef, error) {
	var out []model.SessionRef
	for _, s := range m.sessions {
		out = append(out, model.SessionRef{ID: s.ID, OwnerID: s.OwnerID})
	}
	return out, nil
}

type memQuota struct{ used map[string]int64 }

func (m *memQuota) Reserve(_ context.Context, ownerID string, delta int64) error {
	m.used[ownerID] += delta
	return nil
}

func (m *memQuota) Release(_ context.Context, ownerID string, freed int64) error {
	m.used[ownerID] -= freed
	return nil
}

type memSnapshots struct{ blobs map[string][]byte }

func (m *memSnapshots) key(ownerID, sessionID string, rev int64) string {
	return fmt.Sprintf("%s/%s/%d", ownerID, sessionID, rev)
}

func (m *memSnapshots) Persist(_ context.Context, ownerID, sessionID string, rev int64, payload []byte) (*snapshot.Meta, error) {
	m.blobs[m.key(ownerID, sessionID, rev)] = payload
	return &snapshot.Meta{Rev: rev, Size: int64(len(payload)), URL: "https://example.test/" + m.key(ownerID, sessionID, rev)}, nil
}

func (m *memSnapshots) ListRevisions(context.Context, string, string) ([]int64, error) {
	return nil, nil
}

func (m *memSnapshots) Head(_ context.Context, ownerID, sessionID string, rev int64) (*storage.ObjectInfo, error) {
	blob, ok := m.blobs[m.key(ownerID, sessionID, rev)]
	if !ok {
		return nil, nil
	}
	return &storage.ObjectInfo{Size: int64(len(blob))}, nil
}

func (m *memSnapshots) Delete(context.Context, string, string, int64) (int64, error) {
	return 0, nil
}

func (m *memSnapshots) URL(ownerID, sessionID string, rev int64) (string, error) {
	return "https://example.test/" + m.key(ownerID, sessionID, rev), nil
}

type dropScheduler struct{}

func (dropScheduler) Enqueue(string, []byte) error { return nil }

func newTestHandler(t *testing.T) (*SessionHandler, *model.Session) {
	t.Helper()
	svc := service.NewSessionService(
		&memSessions{sessions: make(map[string]*model.Session)},
		&memQuota{used: make(map[string]int64)},
		&memSnapshots{blobs: make(map[string][]byte)},
		dropScheduler{},
		100,
		time.Minute,
	)
	sess, err := svc.Create(context.Background(), "u1", "board")
	require.NoError(t, err)

	cfg := config.Config{
		StreamMaxBytes: 2048,
		DiffMaxBytes:   1024,
		BeaconMaxBytes: 256,
	}
	return NewSessionHandler(svc, cfg), sess
}

// do routes the request through a mux with the real path patterns and an
// authenticated owner in the context.
func do(t *testing.T, h *SessionHandler, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", h.CreateSession)
	mux.HandleFunc("GET /api/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.DeleteSession)
	mux.HandleFunc("PATCH /api/sessions/{id}/diff", h.DiffSave)
	mux.HandleFunc("POST /api/sessions/{id}/save-stream", h.StreamSave)
	mux.HandleFunc("POST /api/sessions/{id}/beacon", h.Beacon)
	mux.HandleFunc("POST /api/sessions/{id}/snapshot", h.SnapshotCreate)
	mux.HandleFunc("GET /api/sessions/{id}/snapshot/latest", h.SnapshotLatest)

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req = req.WithContext(context.WithValue(req.Context(), middleware.OwnerIDKey, "u1"))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func diffBody(t *testing.T, ids ...string) []byte {
	t.Helper()
	ops := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, map[string]interface{}{
			"op":    "add",
			"kind":  "stroke",
			"value": map[string]interface{}{"id": id},
		})
	}
	body, err := json.Marshal(map[string]interface{}{"ops": ops})
	require.NoError(t, err)
	return body
}

func TestDiffSaveHappyPath(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodPatch, "/api/sessions/"+sess.ID+"/diff", diffBody(t, "s1"),
		map[string]string{"X-Rev": "0"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `W/"rev:1"`, rec.Header().Get("ETag"))

	var body struct {
		ServerTS time.Time `json:"server_ts"`
		NextRev  int64     `json:"next_rev"`
		Digest   string    `json:"digest"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.NextRev)
	assert.NotEmpty(t, body.Digest)
	assert.False(t, body.ServerTS.IsZero())
}

func TestDiffSaveStaleIfMatchIs412(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodPatch, "/api/sessions/"+sess.ID+"/diff", diffBody(t, "s1"),
		map[string]string{"If-Match": `W/"rev:9"`})

	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.JSONEq(t, `{"error":"precondition_failed"}`, rec.Body.String())
}

func TestDiffSaveStaleXRevIs409(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodPatch, "/api/sessions/"+sess.ID+"/diff", diffBody(t, "s1"),
		map[string]string{"X-Rev": "9"})

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"rev_mismatch","server_rev":0}`, rec.Body.String())
}

func TestDiffSaveMissingRevIs428(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodPatch, "/api/sessions/"+sess.ID+"/diff", diffBody(t, "s1"), nil)

	require.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.JSONEq(t, `{"error":"revision_required","server_rev":0}`, rec.Body.String())
}

func TestDiffSaveEmptyOpsRejected(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodPatch, "/api/sessions/"+sess.ID+"/diff", []byte(`{"ops":[]}`),
		map[string]string{"X-Rev": "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiffSaveInvalidOpIs422(t *testing.T) {
	h, sess := newTestHandler(t)

	body := []byte(`{"ops":[{"op":"merge","kind":"stroke","id":"s1"}]}`)
	rec := do(t, h, http.MethodPatch, "/api/sessions/"+sess.ID+"/diff", body,
		map[string]string{"X-Rev": "0"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var parsed map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	assert.Equal(t, "invalid_ops", parsed["detail"])
	assert.Contains(t, parsed["message"], "merge")
}

func TestDiffSaveUnknownSessionIs404(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPatch, "/api/sessions/ghost/diff", diffBody(t, "s1"),
		map[string]string{"X-Rev": "0"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiffSavePayloadTooLarge(t *testing.T) {
	h, sess := newTestHandler(t)

	big := diffBody(t, strings.Repeat("x", 2000))
	rec := do(t, h, http.MethodPatch, "/api/sessions/"+sess.ID+"/diff", big,
		map[string]string{"X-Rev": "0"})

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	assert.Equal(t, "payload_too_large", parsed["detail"])
	assert.Equal(t, float64(1024), parsed["limit"])
	assert.Equal(t, "diff", parsed["endpoint"])
}

func TestStreamSaveAcceptedThenNoChange(t *testing.T) {
	h, sess := newTestHandler(t)

	state := []byte(`{"state":{"pages":[{"id":"p1"}]}}`)
	rec := do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/save-stream", state,
		map[string]string{"X-Rev": "0"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var body struct {
		Detail string `json:"detail"`
		Rev    int64  `json:"rev"`
		Digest string `json:"digest"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "accepted", body.Detail)
	assert.Equal(t, int64(1), body.Rev)

	rec = do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/save-stream", state,
		map[string]string{"X-Rev": "1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestStreamSaveRawStateBody(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/save-stream",
		[]byte(`{"pages":[{"id":"p1"}]}`), map[string]string{"X-Rev": "0"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestStreamSaveNullStateRejected(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/save-stream",
		[]byte(`{"state":null}`), map[string]string{"X-Rev": "0"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"state_required"}`, rec.Body.String())
}

func TestStreamSaveEmptyStateRejected(t *testing.T) {
	h, sess := newTestHandler(t)

	for _, body := range []string{`{"state":{}}`, `{}`} {
		rec := do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/save-stream",
			[]byte(body), map[string]string{"X-Rev": "0"})
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
		assert.JSONEq(t, `{"error":"state_required"}`, rec.Body.String(), "body %s", body)
	}
}

func TestStreamSaveGzipBody(t *testing.T) {
	h, sess := newTestHandler(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(`{"state":{"pages":[{"id":"p1"}]}}`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	rec := do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/save-stream", buf.Bytes(),
		map[string]string{"X-Rev": "0", "Content-Encoding": "gzip"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestStreamSaveInvalidGzip(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/save-stream",
		[]byte("not gzip at all"), map[string]string{"X-Rev": "0", "Content-Encoding": "gzip"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"detail":"invalid_gzip"}`, rec.Body.String())
}

func TestStreamSaveUnsupportedEncoding(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/save-stream",
		[]byte(`{}`), map[string]string{"X-Rev": "0", "Content-Encoding": "br"})
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestBeaconAlwaysNoContent(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/beacon",
		[]byte(`{"state":{"pages":[]}}`), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Empty body is a valid keepalive.
	rec = do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/beacon", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBeaconInvalidJSONRejected(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/beacon", []byte("{broken"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotCreateAndLatest(t *testing.T) {
	h, sess := newTestHandler(t)

	rec := do(t, h, http.MethodGet, "/api/sessions/"+sess.ID+"/snapshot/latest", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/snapshot", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Rev int64  `json:"rev"`
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(0), created.Rev)
	assert.NotEmpty(t, created.URL)

	rec = do(t, h, http.MethodGet, "/api/sessions/"+sess.ID+"/snapshot/latest", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/sessions", []byte(`{"name":"fresh"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "fresh", created.Name)

	rec = do(t, h, http.MethodGet, "/api/sessions/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `W/"rev:0"`, rec.Header().Get("ETag"))

	rec = do(t, h, http.MethodDelete, "/api/sessions/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/sessions/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
