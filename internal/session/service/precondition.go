package service

import (
	"regexp"
	"strconv"
	"strings"
)

var revHeaderPattern = regexp.MustCompile(`(?i)rev:(\d+)`)

// Precondition carries the caller's expected-revision markers as received.
// IfMatch is the structured header; Fallback is the plain numeric X-Rev /
// X-Revision value. The Has flags distinguish absent from empty.
type Precondition struct {
	IfMatch     string
	HasIfMatch  bool
	Fallback    string
	HasFallback bool
}

// parseIfMatch extracts the expected revision from a structured match header.
// Accepted forms: `rev:7`, `"rev:7"`, `W/"rev:7"`, and a bare or quoted
// integer, optionally in a weak-ETag envelope.
func parseIfMatch(value string) (int64, bool) {
	if m := revHeaderPattern.FindStringSubmatch(value); m != nil {
		rev, err := strconv.ParseInt(m[1], 10, 64)
		return rev, err == nil
	}
	candidate := strings.TrimSpace(value)
	candidate = strings.TrimPrefix(candidate, "W/")
	candidate = strings.TrimSpace(candidate)
	candidate = strings.Trim(candidate, `"`)
	rev, err := strconv.ParseInt(candidate, 10, 64)
	return rev, err == nil
}
