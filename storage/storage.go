// Package storage defines the blob storage capability the session core
// consumes, plus a local filesystem and a postgres implementation. The backend
// is chosen once at startup and injected into everything that needs it.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ObjectInfo is blob metadata returned by Head without fetching the content.
type ObjectInfo struct {
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Backend is the storage capability interface. Keys are slash-separated paths;
// implementations must support prefix enumeration so revision listings work.
type Backend interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	// Head returns nil, nil when the object does not exist.
	Head(ctx context.Context, path string) (*ObjectInfo, error)
	// Delete reports whether an object was actually removed.
	Delete(ctx context.Context, path string) (bool, error)
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)
	// SignedURL returns a time-limited access reference for the object.
	SignedURL(path string, expiresIn time.Duration) (string, error)
}

// URLSigner builds expiring HMAC-signed URLs. Both backends share it since
// neither has a native presigner.
type URLSigner struct {
	base string
	key  []byte
}

func NewURLSigner(base, key string) *URLSigner {
	return &URLSigner{base: base, key: []byte(key)}
}

func (s *URLSigner) Sign(path string, expiresIn time.Duration) string {
	expires := time.Now().Add(expiresIn).Unix()
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s|%d", path, expires)
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s/%s?expires=%d&signature=%s", s.base, path, expires, sig)
}

// Verify checks a signature produced by Sign and that it has not expired yet.
func (s *URLSigner) Verify(path string, expires int64, signature string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s|%d", path, expires)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
