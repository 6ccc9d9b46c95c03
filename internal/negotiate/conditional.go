package negotiate

import (
	"net/http"
	"strings"
	"time"

	"streamgate/pkg/object"
)

// Condition is the outcome of evaluating a request's cache validators.
type Condition int

const (
	Proceed Condition = iota
	NotModified
)

func (c Condition) String() string {
	if c == NotModified {
		return "not-modified"
	}
	return "proceed"
}

// EvaluateConditional decides whether the client's cached copy of meta is
// still current.
//
// If-None-Match is checked first: any listed tag equal to meta's tag (weak
// prefixes and quotes ignored), or "*", means NotModified. Otherwise a
// parseable If-Modified-Since at or after the object's last-modified time
// means NotModified. The object's last-modified time is truncated to whole
// seconds first, because HTTP dates carry no finer precision.
func EvaluateConditional(ifNoneMatch string, ifModifiedSince string, meta object.Metadata) Condition {
	if etagListMatches(ifNoneMatch, meta.ETag) {
		return NotModified
	}

	if ifModifiedSince == "" || meta.LastModified.IsZero() {
		return Proceed
	}

	since, err := http.ParseTime(strings.TrimSpace(ifModifiedSince))
	if err != nil {
		return Proceed
	}

	if !since.Before(meta.LastModified.Truncate(time.Second)) {
		return NotModified
	}
	return Proceed
}

func etagListMatches(header string, etag string) bool {
	if strings.TrimSpace(header) == "" {
		return false
	}

	current := object.NormalizeETag(etag)
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if current != "" && object.NormalizeETag(candidate) == current {
			return true
		}
	}
	return false
}
