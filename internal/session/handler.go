package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"soloboard/config"
	"soloboard/internal/session/diff"
	"soloboard/internal/session/model"
	"soloboard/internal/session/service"
	"soloboard/middleware"
	"soloboard/pkg/logger"
	"soloboard/pkg/payload"
)

// SessionHandler translates HTTP to service calls. Revision semantics live in
// the service; this layer only parses headers and maps errors to status codes.
type SessionHandler struct {
	Service *service.SessionService
	Cfg     config.Config
}

func NewSessionHandler(svc *service.SessionService, cfg config.Config) *SessionHandler {
	return &SessionHandler{Service: svc, Cfg: cfg}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// precondition collects the expected-revision headers. If-Match wins over the
// X-Rev / X-Revision fallbacks when both are present.
func precondition(r *http.Request) service.Precondition {
	var pre service.Precondition
	if v := r.Header.Get("If-Match"); v != "" {
		pre.IfMatch = v
		pre.HasIfMatch = true
	}
	fallback := r.Header.Get("X-Rev")
	if fallback == "" {
		fallback = r.Header.Get("X-Revision")
	}
	if fallback != "" {
		pre.Fallback = strings.TrimSpace(fallback)
		pre.HasFallback = true
	}
	return pre
}

// handleServiceError maps domain errors to their wire shapes. Unrecognized
// errors become an opaque 500.
func (h *SessionHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch e := err.(type) {
	case *model.RevConflictError:
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":      "rev_mismatch",
			"server_rev": e.ServerRev,
		})
		return
	case *model.RevRequiredError:
		writeJSON(w, http.StatusPreconditionRequired, map[string]interface{}{
			"error":      "revision_required",
			"server_rev": e.ServerRev,
		})
		return
	case *model.QuotaExceededError:
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":     "quota_exceeded",
			"used":      e.Used,
			"quota":     e.Quota,
			"remaining": e.Remaining,
		})
		return
	case *diff.OpError:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"detail":  "invalid_ops",
			"message": e.Error(),
		})
		return
	}

	switch err {
	case model.ErrNotFound, model.ErrSnapshotNotFound:
		writeError(w, http.StatusNotFound, "not_found")
	case model.ErrPreconditionFailed:
		writeError(w, http.StatusPreconditionFailed, "precondition_failed")
	default:
		logger.Sugar.Errorf("Unhandled error on %s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

// handlePayloadError maps body-reading failures. The endpoint name goes into
// the 413 body so clients can tell which budget they hit.
func handlePayloadError(w http.ResponseWriter, err error, endpoint string) bool {
	if tooLarge, ok := err.(*payload.TooLargeError); ok {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{
			"detail":   "payload_too_large",
			"error":    "payload_too_large",
			"limit":    tooLarge.Limit,
			"encoding": tooLarge.Encoding,
			"endpoint": endpoint,
		})
		return true
	}
	switch err {
	case payload.ErrUnsupportedEncoding:
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type")
		return true
	case payload.ErrInvalidGzip:
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid_gzip"})
		return true
	}
	return false
}

func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSessionRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // empty body means default name
	}

	sess, err := h.Service.Create(r.Context(), middleware.OwnerID(r), req.Name)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Service.List(r.Context(), middleware.OwnerID(r))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Service.Get(r.Context(), middleware.OwnerID(r), r.PathValue("id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf(`W/"rev:%d"`, sess.Rev))
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Delete(r.Context(), middleware.OwnerID(r), r.PathValue("id")); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DiffSave applies an incremental operation batch under the caller's expected
// revision.
func (h *SessionHandler) DiffSave(w http.ResponseWriter, r *http.Request) {
	body, err := payload.ReadBody(r, h.Cfg.DiffMaxBytes)
	if err != nil {
		if !handlePayloadError(w, err, "diff") {
			h.handleServiceError(w, r, err)
		}
		return
	}

	var req model.DiffSaveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	if len(req.Ops) == 0 {
		writeError(w, http.StatusBadRequest, "ops_required")
		return
	}

	result, err := h.Service.ApplyDiff(r.Context(), middleware.OwnerID(r), r.PathValue("id"), req.Ops, req.ClientTS, precondition(r))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	w.Header().Set("ETag", fmt.Sprintf(`W/"rev:%d"`, result.NextRev))
	writeJSON(w, http.StatusOK, result)
}

type streamSaveRequest struct {
	State          map[string]interface{} `json:"state"`
	ClientTS       string                 `json:"client_ts"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// StreamSave replaces the full state. Accepts either an envelope with a state
// field or the raw state object itself.
func (h *SessionHandler) StreamSave(w http.ResponseWriter, r *http.Request) {
	body, err := payload.ReadBody(r, h.Cfg.StreamMaxBytes)
	if err != nil {
		if !handlePayloadError(w, err, "save-stream") {
			h.handleServiceError(w, r, err)
		}
		return
	}

	var req streamSaveRequest
	if err := json.Unmarshal(body, &req); err != nil || req.State == nil {
		// Fall back to treating the whole body as the state object.
		var raw map[string]interface{}
		if err := json.Unmarshal(body, &raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload")
			return
		}
		if _, enveloped := raw["state"]; enveloped {
			writeError(w, http.StatusBadRequest, "state_required")
			return
		}
		req.State = raw
	}
	if len(req.State) == 0 {
		writeError(w, http.StatusBadRequest, "state_required")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = req.IdempotencyKey
	}

	result, err := h.Service.ReplaceState(r.Context(), middleware.OwnerID(r), r.PathValue("id"), req.State, idempotencyKey, precondition(r))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	if result.NoChange {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf(`W/"rev:%d"`, result.Rev))
	writeJSON(w, http.StatusAccepted, result)
}

// Beacon is the page-unload save path. It always answers 204 on success so
// sendBeacon callers never see a body; malformed JSON is still rejected.
func (h *SessionHandler) Beacon(w http.ResponseWriter, r *http.Request) {
	body, err := payload.ReadBody(r, h.Cfg.BeaconMaxBytes)
	if err != nil {
		if !handlePayloadError(w, err, "beacon") {
			h.handleServiceError(w, r, err)
		}
		return
	}

	var clientTS string
	if len(body) > 0 {
		var parsed map[string]interface{}
		if err := json.Unmarshal(body, &parsed); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload")
			return
		}
		clientTS, _ = parsed["client_ts"].(string)
	}

	if err := h.Service.Beacon(r.Context(), middleware.OwnerID(r), r.PathValue("id"), clientTS); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) SnapshotCreate(w http.ResponseWriter, r *http.Request) {
	result, err := h.Service.CreateSnapshot(r.Context(), middleware.OwnerID(r), r.PathValue("id"), r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *SessionHandler) SnapshotLatest(w http.ResponseWriter, r *http.Request) {
	result, err := h.Service.LatestSnapshot(r.Context(), middleware.OwnerID(r), r.PathValue("id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
