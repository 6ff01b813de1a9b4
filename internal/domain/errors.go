package domain

import (
	"errors"
	"fmt"
)

// FailureKind classifies a failed remote retrieval.
type FailureKind string

const (
	// FailureTransient covers connection errors, timeouts, 5xx and 429 responses.
	// These are retried up to the configured limit.
	FailureTransient FailureKind = "transient"
	// FailurePermanent covers 4xx responses (except 429) and malformed URLs.
	FailurePermanent FailureKind = "permanent"
)

// FetchError is the typed failure returned by the feed client.
type FetchError struct {
	Kind       FailureKind
	URL        string
	StatusCode int // 0 when no response was received
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch failure after %d attempt(s): %s: status %d", e.Kind, e.Attempts, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s fetch failure after %d attempt(s): %s: %v", e.Kind, e.Attempts, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Reason returns a short code for logs and metrics labels.
func (e *FetchError) Reason() string {
	switch {
	case e.StatusCode == 429:
		return "throttled"
	case e.StatusCode >= 500:
		return "server_error"
	case e.StatusCode >= 400:
		return "client_error"
	case e.Kind == FailurePermanent:
		return "bad_request"
	default:
		return "network"
	}
}

// IsPermanent reports whether err is a remote failure that must not be retried.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FailurePermanent
}

// ErrSchemaMismatch marks a payload whose overall shape is not what the parser expects.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Rejection reasons.
const (
	ReasonMissingField   = "missing_field"
	ReasonBadTimestamp   = "unparseable_timestamp"
	ReasonSchemaMismatch = "schema_mismatch"
	ReasonInvalidValue   = "invalid_value"
)

// Rejection explains why a single record was dropped during normalization.
// It is an expected outcome, not an exceptional one.
type Rejection struct {
	Kind   Kind
	Key    string // station code, or station code plus record detail
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	if r.Field == "" {
		return fmt.Sprintf("%s %s rejected: %s", r.Kind, r.Key, r.Reason)
	}
	return fmt.Sprintf("%s %s rejected: %s (%s)", r.Kind, r.Key, r.Reason, r.Field)
}

func reject(kind Kind, key, field, reason string) *Rejection {
	return &Rejection{Kind: kind, Key: key, Field: field, Reason: reason}
}
