package catalog

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	// ErrNotFound signals a missing row; it is not a failure in the
	// retrieval ladder, only a reason to try the next step.
	ErrNotFound = errors.New("not found")

	// ErrFetchBlocked marks a fetch rejected by bot protection. Blocked
	// URLs are failed with a distinguishing code instead of retried
	// indefinitely.
	ErrFetchBlocked = errors.New("fetch blocked")

	// ErrParseMismatch marks a page whose structured extractor did not
	// match; callers fall back to the generic cleaner.
	ErrParseMismatch = errors.New("parse mismatch")
)

// FetchError wraps a fetch failure with retryability information.
type FetchError struct {
	URL       string
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransientFetch reports whether err is a retryable fetch failure.
func IsTransientFetch(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}
