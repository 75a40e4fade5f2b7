package vizstate

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the pipeline and the profile store.
// Callers branch on them with errors.Is.
var (
	// ErrRemoteRequestFailed covers transport failures, service-reported
	// errors and malformed responses. Retryable; never retried here.
	ErrRemoteRequestFailed = errors.New("remote request failed")

	// ErrProfileNotFound is returned when no durable record exists for a
	// profile name, including an empty or null record.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrProfileCorrupt is returned when a record exists but does not parse
	// into {params, filter}.
	ErrProfileCorrupt = errors.New("profile corrupt")

	// ErrInvalidFieldValue is reserved. Values are forwarded as-is and the
	// remote service decides what is legal.
	ErrInvalidFieldValue = errors.New("invalid field value")

	ErrUnknownField   = errors.New("unknown parameter field")
	ErrUnknownChannel = errors.New("unknown filter channel")
	ErrUnknownLevel   = errors.New("unknown filter level")
)

// MutationError carries the attempted target and value of a failed mutation
// so it can be shown to the user.
type MutationError struct {
	Target string
	Value  interface{}
	Err    error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("failed to set %s to %v: %v", e.Target, e.Value, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// ProfileError ties a profile failure to the profile name.
type ProfileError struct {
	Name string
	Err  error
}

func (e *ProfileError) Error() string {
	return fmt.Sprintf("profile %q: %v", e.Name, e.Err)
}

func (e *ProfileError) Unwrap() error { return e.Err }

// remoteErr wraps err so that it matches ErrRemoteRequestFailed.
func remoteErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRemoteRequestFailed, fmt.Sprintf(format, args...))
}
