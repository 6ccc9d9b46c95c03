package resumable

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrInvalidState is returned when an operation is attempted in a
	// session state that does not allow it.
	ErrInvalidState = errors.New("resumable: invalid session state")

	// ErrSessionURIMissing means the initiation response carried no
	// Location header.
	ErrSessionURIMissing = errors.New("resumable: session URI missing from initiation response")

	// ErrSessionExpired means the store no longer recognises the session.
	ErrSessionExpired = errors.New("resumable: session expired")

	// ErrUnexpectedStatus covers any status the protocol does not allow at
	// that point of the session.
	ErrUnexpectedStatus = errors.New("resumable: unexpected response status")

	// ErrMalformedRange means a 308 response carried an unparseable Range.
	ErrMalformedRange = errors.New("resumable: malformed Range header")

	// ErrOffsetRegressed means the store reported fewer bytes than it had
	// already confirmed.
	ErrOffsetRegressed = errors.New("resumable: confirmed offset moved backwards")

	// ErrOffsetOverrun means the store claimed bytes that were never sent.
	ErrOffsetOverrun = errors.New("resumable: confirmed offset beyond bytes sent")

	// ErrTransport wraps network failures that outlasted the retry budget.
	ErrTransport = errors.New("resumable: transport failure")

	// ErrShortSource means the source ended before the declared length.
	ErrShortSource = errors.New("resumable: source shorter than declared length")

	// ErrNoProgress means the store kept answering 308 without accepting
	// any new bytes.
	ErrNoProgress = errors.New("resumable: store is not accepting data")

	// ErrInvalidChunkSize means the chunk size is not a positive multiple of
	// ChunkAlignment.
	ErrInvalidChunkSize = errors.New("resumable: chunk size must be a positive multiple of 256 KiB")
)

const maxDiagnosticBody = 64 << 10

// ProtocolError carries the raw response of a rejected protocol step so
// callers can see exactly what the store said.
type ProtocolError struct {
	Status int
	Body   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("resumable: %s (status %d)", e.Reason, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(resp *http.Response, reason string, kind error) *ProtocolError {
	pe := &ProtocolError{Status: resp.StatusCode, Reason: reason, Err: kind}
	if resp.Body != nil {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBody))
		pe.Body = strings.TrimSpace(string(data))
	}
	return pe
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(body, maxDiagnosticBody))
	body.Close()
}
