// Package diff applies incremental edit operations to a session state and
// computes canonical content digests. It is pure: no I/O, and a failed apply
// leaves the caller's state untouched.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const defaultPageID = "page-1"

const (
	OpAdd    = "add"
	OpUpdate = "update"
	OpRemove = "remove"

	KindStroke = "stroke"
	KindAsset  = "asset"
	KindMeta   = "meta"
)

// Operation is one incremental edit. Stroke and asset operations target an
// item collection on a page; meta operations target the session-wide meta map.
type Operation struct {
	Op     string                 `json:"op"`
	Kind   string                 `json:"kind"`
	ID     string                 `json:"id,omitempty"`
	PageID string                 `json:"page_id,omitempty"`
	Value  map[string]interface{} `json:"value,omitempty"`
	Patch  map[string]interface{} `json:"patch,omitempty"`
}

// OpError reports an operation that cannot be applied. The whole batch is
// rejected; nothing was mutated.
type OpError struct {
	msg string
}

func (e *OpError) Error() string { return e.msg }

// NewOpError builds an OpError for batch-level rejections raised by callers.
func NewOpError(msg string) *OpError {
	return &OpError{msg: msg}
}

func opErrorf(format string, args ...interface{}) *OpError {
	return &OpError{msg: fmt.Sprintf(format, args...)}
}

// Digest returns the SHA-256 hex digest of the canonical JSON form of state.
// encoding/json marshals map keys in sorted order with no incidental
// whitespace, so content-equal states always hash identically.
func Digest(state map[string]interface{}) string {
	if state == nil {
		state = map[string]interface{}{}
	}
	normalized, _ := json.Marshal(state)
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}

// Canonical returns the canonical JSON bytes of state, the same form Digest
// hashes. Snapshot payloads are written in this form so a snapshot's hash
// matches the session digest at that revision.
func Canonical(state map[string]interface{}) []byte {
	if state == nil {
		state = map[string]interface{}{}
	}
	normalized, _ := json.Marshal(state)
	return normalized
}

// Apply runs ops in order against a working copy of state and returns the new
// state. The first failing operation aborts the batch with an *OpError.
func Apply(state map[string]interface{}, ops []Operation) (map[string]interface{}, error) {
	next, err := clone(state)
	if err != nil {
		return nil, err
	}
	if err := normalizePages(next); err != nil {
		return nil, err
	}

	for i := range ops {
		if err := applyOne(next, &ops[i]); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// clone deep-copies via a JSON round trip, which also guarantees the working
// copy only contains JSON-shaped values.
func clone(state map[string]interface{}) (map[string]interface{}, error) {
	if state == nil {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, opErrorf("state is not JSON-shaped: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, opErrorf("state is not JSON-shaped: %v", err)
	}
	return out, nil
}

// normalizePages guarantees at least one page exists, every page carries both
// item collections, and activePageId points somewhere.
func normalizePages(state map[string]interface{}) error {
	pages, err := pagesOf(state)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		id := stringOf(state["activePageId"])
		if id == "" {
			id = defaultPageID
		}
		pages = append(pages, newPage(id))
	}
	for i, raw := range pages {
		page, ok := raw.(map[string]interface{})
		if !ok {
			return opErrorf("page %d is not an object", i)
		}
		ensureCollection(page, "strokes")
		ensureCollection(page, "assets")
	}
	state["pages"] = pages
	if stringOf(state["activePageId"]) == "" {
		first := pages[0].(map[string]interface{})
		state["activePageId"] = stringOf(first["id"])
	}
	return nil
}

func pagesOf(state map[string]interface{}) ([]interface{}, error) {
	raw, ok := state["pages"]
	if !ok || raw == nil {
		return nil, nil
	}
	pages, ok := raw.([]interface{})
	if !ok {
		return nil, opErrorf("state pages must be a list")
	}
	return pages, nil
}

func newPage(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":      id,
		"strokes": []interface{}{},
		"assets":  []interface{}{},
	}
}

func ensureCollection(page map[string]interface{}, name string) {
	if _, ok := page[name].([]interface{}); !ok {
		page[name] = []interface{}{}
	}
}

func applyOne(state map[string]interface{}, op *Operation) error {
	switch op.Op {
	case OpAdd, OpUpdate, OpRemove:
	default:
		return opErrorf("unsupported op %q", op.Op)
	}

	switch op.Kind {
	case KindMeta:
		return applyMeta(state, op)
	case KindStroke, KindAsset:
		return applyCollection(state, op)
	default:
		return opErrorf("unsupported kind %q", op.Kind)
	}
}

func applyMeta(state map[string]interface{}, op *Operation) error {
	meta, ok := state["meta"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
		state["meta"] = meta
	}

	if op.Op == OpRemove {
		// Removing an absent meta key is a no-op so repeated cleanup
		// writes stay idempotent.
		delete(meta, op.ID)
		return nil
	}

	patch := op.Patch
	if patch == nil {
		patch = op.Value
	}
	if patch == nil {
		return opErrorf("meta op requires a patch or value object")
	}
	for k, v := range patch {
		meta[k] = v
	}
	return nil
}

func applyCollection(state map[string]interface{}, op *Operation) error {
	page := resolvePage(state, op)
	collection := "strokes"
	if op.Kind == KindAsset {
		collection = "assets"
	}
	items := page[collection].([]interface{})

	if op.Op == OpAdd {
		if op.Value == nil {
			return opErrorf("add op requires a value object")
		}
		itemID := stringOf(op.Value["id"])
		if itemID == "" {
			return opErrorf("add op value must include id")
		}
		if findItem(items, itemID) >= 0 {
			return opErrorf("item %s already exists", itemID)
		}
		page[collection] = append(items, op.Value)
		return nil
	}

	if op.ID == "" {
		return opErrorf("update/remove ops require id")
	}
	idx := findItem(items, op.ID)
	if idx < 0 {
		return opErrorf("item %s not found", op.ID)
	}

	if op.Op == OpRemove {
		page[collection] = append(items[:idx:idx], items[idx+1:]...)
		return nil
	}

	patch := op.Patch
	if patch == nil {
		patch = op.Value
	}
	if patch == nil {
		return opErrorf("update requires a patch or value object")
	}
	item := items[idx].(map[string]interface{})
	for k, v := range patch {
		if k == "id" {
			// Item ids are immutable; a patched id is silently dropped.
			continue
		}
		item[k] = v
	}
	return nil
}

// resolvePage picks the operation's target page: explicit page_id on the op,
// page_id inside the value, the active page, then the first page. A matching
// page is synthesized only when the state has no pages at all, which
// normalizePages already rules out here.
func resolvePage(state map[string]interface{}, op *Operation) map[string]interface{} {
	targetID := op.PageID
	if targetID == "" && op.Value != nil {
		targetID = stringOf(op.Value["page_id"])
	}
	if targetID == "" {
		targetID = stringOf(state["activePageId"])
	}

	pages := state["pages"].([]interface{})
	for _, raw := range pages {
		page := raw.(map[string]interface{})
		if stringOf(page["id"]) == targetID {
			return page
		}
	}
	return pages[0].(map[string]interface{})
}

func findItem(items []interface{}, id string) int {
	for i, raw := range items {
		if item, ok := raw.(map[string]interface{}); ok {
			if stringOf(item["id"]) == id {
				return i
			}
		}
	}
	return -1
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

// PageCount reports how many pages a state carries, never less than one.
func PageCount(state map[string]interface{}) int {
	if pages, ok := state["pages"].([]interface{}); ok && len(pages) > 1 {
		return len(pages)
	}
	return 1
}
