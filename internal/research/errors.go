// Package research defines the error kinds shared across the orchestration
// engine and the propagation policy each kind carries.
package research

import "errors"

// Kind classifies an error by how the orchestrator must react to it, not by
// which component raised it.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindTransport      Kind = "transport"
	KindUpstreamRefused Kind = "upstream_refused"
	KindRateLimited    Kind = "rate_limited"
	KindParse          Kind = "parse"
	KindDatastore      Kind = "datastore"
	KindCancelled      Kind = "cancelled"
	KindInvariant      Kind = "invariant"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// errors.As without depending on the originating package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a Kind-tagged error.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the propagation policy (spec §7) allows a retry:
// Transport and RateLimited errors are retried with backoff up to a budget;
// all others are not.
func Retryable(err error) bool {
	return Is(err, KindTransport) || Is(err, KindRateLimited)
}
