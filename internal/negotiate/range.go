// Package negotiate turns request headers into response decisions for a
// stored object: which bytes to send, and whether the client's copy is
// already current.
package negotiate

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RangeKind is the outcome of evaluating a Range header.
type RangeKind int

const (
	// RangeFull means the whole object is sent with 200.
	RangeFull RangeKind = iota
	// RangePartial means a single byte range is sent with 206.
	RangePartial
	// RangeNotSatisfiable means the request is answered with 416.
	RangeNotSatisfiable
)

func (k RangeKind) String() string {
	switch k {
	case RangeFull:
		return "full"
	case RangePartial:
		return "partial"
	case RangeNotSatisfiable:
		return "not-satisfiable"
	default:
		return fmt.Sprintf("RangeKind(%d)", int(k))
	}
}

// RangeSpec is an inclusive byte range within an object of Total bytes.
type RangeSpec struct {
	Start int64
	End   int64
	Total int64
}

// Length is the number of bytes covered by the range.
func (r RangeSpec) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the range for a 206 Content-Range header.
func (r RangeSpec) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// UnsatisfiedContentRange formats the Content-Range header sent with 416.
func UnsatisfiedContentRange(total int64) string {
	return fmt.Sprintf("bytes */%d", total)
}

// RangeResult is the decision made by ResolveRange. Spec is only meaningful
// when Kind is RangePartial.
type RangeResult struct {
	Kind RangeKind
	Spec RangeSpec
}

// ResolveRange evaluates a Range header value against an object of total
// bytes.
//
// Only a single "bytes=" range is honoured. An empty, multi-range or
// malformed header yields RangeFull so the client receives the whole object.
// A syntactically valid range that does not fit inside the object yields
// RangeNotSatisfiable; ends past the last byte are rejected, not clamped.
// Suffix ranges ("bytes=-N") longer than the object start at byte zero.
func ResolveRange(header string, total int64) RangeResult {
	full := RangeResult{Kind: RangeFull}

	header = strings.TrimSpace(header)
	if header == "" {
		return full
	}

	unit, set, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return full
	}
	set = strings.TrimSpace(set)
	if set == "" || strings.Contains(set, ",") {
		return full
	}

	first, last, ok := strings.Cut(set, "-")
	if !ok {
		return full
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	var start, end int64
	switch {
	case first == "" && last == "":
		return full

	case first == "":
		suffix, ok := parseOffset(last)
		if !ok {
			return full
		}
		if suffix == 0 || total == 0 {
			return notSatisfiable(total)
		}
		start = max(total-suffix, 0)
		end = total - 1

	default:
		var ok bool
		if start, ok = parseOffset(first); !ok {
			return full
		}
		if last == "" {
			end = total - 1
		} else if end, ok = parseOffset(last); !ok {
			return full
		}
	}

	if start >= total || end >= total || start > end {
		return notSatisfiable(total)
	}

	return RangeResult{
		Kind: RangePartial,
		Spec: RangeSpec{Start: start, End: end, Total: total},
	}
}

func notSatisfiable(total int64) RangeResult {
	return RangeResult{Kind: RangeNotSatisfiable, Spec: RangeSpec{Total: total}}
}

// parseOffset accepts only plain decimal digits. Values too large for an
// int64 saturate, so they still compare as past the end of any object.
func parseOffset(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxInt64, true
	}
	if err != nil {
		return 0, false
	}
	return v, true
}
