// Package payload bounds request body sizes per endpoint class. Compressed
// bodies are decoded through a capped reader so a small gzip bomb can never
// allocate more than the endpoint's budget plus one byte.
package payload

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var (
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	ErrInvalidGzip         = errors.New("invalid gzip payload")
)

// TooLargeError reports which budget was exceeded and in which encoding the
// overflow was detected.
type TooLargeError struct {
	Limit    int64
	Encoding string
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("payload exceeds %d byte limit (%s)", e.Limit, e.Encoding)
}

// CheckDeclaredLength rejects a request whose declared Content-Length already
// exceeds the budget, before any of the body is read.
func CheckDeclaredLength(r *http.Request, limit int64) error {
	if r.ContentLength > limit {
		return &TooLargeError{Limit: limit, Encoding: "raw"}
	}
	return nil
}

// ReadBody returns the decoded request body, at most limit bytes. Identity
// bodies are measured after a bounded read; gzip bodies are decompressed into
// a buffer capped at limit+1 bytes so the overflow is detected exactly at the
// boundary. Any other Content-Encoding is rejected without decoding.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if err := CheckDeclaredLength(r, limit); err != nil {
		return nil, err
	}

	encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > limit {
			return nil, &TooLargeError{Limit: limit, Encoding: "raw"}
		}
		return body, nil

	case "gzip":
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, ErrInvalidGzip
		}
		defer gz.Close()

		decoded, err := io.ReadAll(io.LimitReader(gz, limit+1))
		if err != nil {
			return nil, ErrInvalidGzip
		}
		if int64(len(decoded)) > limit {
			return nil, &TooLargeError{Limit: limit, Encoding: "gzip"}
		}
		return decoded, nil

	default:
		return nil, ErrUnsupportedEncoding
	}
}
