package apperror

import "errors"

var (
	// ErrSessionNotFound is returned when an upload session does not exist
	// in the local log or the recordings store.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrRecordingNotFound is returned when a recording row does not exist.
	ErrRecordingNotFound = errors.New("recording not found")

	// ErrRecoveryDataMissing is returned when recovery is requested for a
	// session that has no local record. There is nothing to recover.
	ErrRecoveryDataMissing = errors.New("no recovery data for session")

	// ErrDurableWriteFailed wraps a failed local-log write. The durability
	// guarantee is broken at this point, so capture must not continue.
	ErrDurableWriteFailed = errors.New("durable log write failed")

	// ErrSessionFailed is returned for operations on a session that has
	// already transitioned to the failed state.
	ErrSessionFailed = errors.New("upload session failed")

	// ErrInvalidStateTransition is returned when an operation is attempted
	// in a state that does not permit it.
	ErrInvalidStateTransition = errors.New("invalid upload state transition")
)
