package resumable

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
)

// StatusResumeIncomplete is the status a store answers with while an
// upload still has bytes outstanding.
const StatusResumeIncomplete = http.StatusPermanentRedirect

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// State is the lifecycle stage of a Session.
type State int

const (
	StateUninitialized State = iota
	StateInitiating
	StateActive
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitiating:
		return "initiating"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Session tracks one resumable upload. The confirmed offset only ever moves
// to what the store reports it has persisted, never to what was offered.
// Completed and Failed are terminal.
type Session struct {
	mu          sync.Mutex
	uri         string
	objectName  string
	contentType string
	total       int64
	confirmed   int64
	state       State
	err         error
}

// NewSession creates an uninitialized session for an upload of total bytes.
func NewSession(objectName string, total int64, contentType string) *Session {
	return &Session{
		objectName:  objectName,
		contentType: contentType,
		total:       total,
		state:       StateUninitialized,
	}
}

// Reopen rebuilds an active session from a previously issued session URI,
// typically after a restart. The offset is only a hint until the session
// has been probed.
func Reopen(uri string, objectName string, total int64, contentType string, confirmed int64) *Session {
	return &Session{
		uri:         uri,
		objectName:  objectName,
		contentType: contentType,
		total:       total,
		confirmed:   min(max(confirmed, 0), total),
		state:       StateActive,
	}
}

func (s *Session) URI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uri
}

func (s *Session) ObjectName() string {
	return s.objectName
}

func (s *Session) ContentType() string {
	return s.contentType
}

func (s *Session) TotalLength() int64 {
	return s.total
}

// Offset is the number of bytes the store has confirmed.
func (s *Session) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session into StateFailed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Fail moves the session into StateFailed with err, unless it already
// reached a terminal state. It returns err for convenience.
func (s *Session) Fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLocked(err)
}

func (s *Session) failLocked(err error) error {
	if s.state == StateCompleted || s.state == StateFailed {
		return err
	}
	s.state = StateFailed
	s.err = err
	return err
}

// Initiate opens the session by POSTing to initURL with the resumable start
// header. The session URI is taken from the Location header, resolved
// against initURL when relative.
func (s *Session) Initiate(ctx context.Context, client Doer, initURL string) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot initiate from %s", ErrInvalidState, state)
	}
	s.state = StateInitiating
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, initURL, http.NoBody)
	if err != nil {
		return s.Fail(fmt.Errorf("resumable: build initiation request: %w", err))
	}
	req.Header.Set("x-goog-resumable", "start")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(s.total, 10))
	if s.contentType != "" {
		req.Header.Set("Content-Type", s.contentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return s.Fail(fmt.Errorf("%w: %w", ErrTransport, err))
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return s.Fail(newProtocolError(resp, "session initiation rejected", ErrUnexpectedStatus))
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return s.Fail(newProtocolError(resp, "session initiation returned no Location", ErrSessionURIMissing))
	}

	uri, err := req.URL.Parse(location)
	if err != nil {
		return s.Fail(fmt.Errorf("%w: unparseable Location %q", ErrSessionURIMissing, location))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uri = uri.String()
	s.confirmed = 0
	s.state = StateActive
	return nil
}

// Advance applies the store's response to chunk. A 308 moves the confirmed
// offset to what the Range header reports; 200 or 201 completes the session
// when chunk was final or a zero-length probe. Every other outcome fails
// the session with a *ProtocolError. The response body is read for
// diagnostics but not closed.
func (s *Session) Advance(resp *http.Response, chunk ChunkDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return fmt.Errorf("%w: cannot advance from %s", ErrInvalidState, s.state)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if !chunk.IsFinal && chunk.Length > 0 {
			return s.failLocked(newProtocolError(resp, "completion reported before the final chunk", ErrUnexpectedStatus))
		}
		s.confirmed = s.total
		s.state = StateCompleted
		return nil

	case StatusResumeIncomplete:
		next, err := NextOffset(resp.Header.Get("Range"))
		if err != nil {
			return s.failLocked(newProtocolError(resp, err.Error(), ErrMalformedRange))
		}

		limit := s.total
		if chunk.Length > 0 {
			limit = chunk.Offset + int64(chunk.Length)
		}

		switch {
		case next < s.confirmed:
			return s.failLocked(newProtocolError(resp, fmt.Sprintf("store reported offset %d after confirming %d", next, s.confirmed), ErrOffsetRegressed))
		case next > limit:
			return s.failLocked(newProtocolError(resp, fmt.Sprintf("store reported offset %d but only %d bytes were sent", next, limit), ErrOffsetOverrun))
		case next == s.total:
			return s.failLocked(newProtocolError(resp, "store holds every byte but did not finalize", ErrUnexpectedStatus))
		}

		s.confirmed = next
		return nil

	case http.StatusNotFound, http.StatusGone:
		return s.failLocked(newProtocolError(resp, "session no longer exists", ErrSessionExpired))

	default:
		return s.failLocked(newProtocolError(resp, "unexpected response to chunk "+chunk.ContentRange(s.total), ErrUnexpectedStatus))
	}
}
