package tweetvault

import (
	"errors"
	"fmt"
)

// ErrAccountSuspended marks the pagination engine's terminal state for
// suspended accounts. It is not a failure: callers distinguish it from a
// clean end of results to decide whether the range is worth retrying.
var ErrAccountSuspended = errors.New("account is suspended")

// TransportError wraps an HTTP-level failure. Status is zero for
// network-level errors.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: status %d for %s", e.Status, e.URL)
	}
	return fmt.Sprintf("transport: %v for %s", e.Err, e.URL)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError signals markup the parser does not recognize. It is never
// retried: unknown structure means the site changed shape and the
// classifier needs updating, and a loud stop beats a silent misparse.
type ParseError struct {
	TweetID int64
	Msg     string
}

func (e *ParseError) Error() string {
	if e.TweetID != 0 {
		return fmt.Sprintf("parse: %s (tweet %d)", e.Msg, e.TweetID)
	}
	return "parse: " + e.Msg
}

// IntegrityError signals a violated data-model invariant: hash or size
// mismatches, poll choice-count mismatches, a post carrying both images
// and video. Always fatal; it means either corrupted data or a bug.
type IntegrityError struct {
	TweetID int64
	Msg     string
}

func (e *IntegrityError) Error() string {
	if e.TweetID != 0 {
		return fmt.Sprintf("integrity: %s (tweet %d)", e.Msg, e.TweetID)
	}
	return "integrity: " + e.Msg
}

func parseErrf(tweetID int64, format string, args ...any) *ParseError {
	return &ParseError{TweetID: tweetID, Msg: fmt.Sprintf(format, args...)}
}

func integrityErrf(tweetID int64, format string, args ...any) *IntegrityError {
	return &IntegrityError{TweetID: tweetID, Msg: fmt.Sprintf(format, args...)}
}
