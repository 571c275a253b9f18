package cloudstore

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is matched by every NotAuthenticatedError.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrClosed is returned by writes on a closed handle.
var ErrClosed = errors.New("handle closed")

// RetrievalError reports a failed remote read. The handle recovers by
// falling back to the local cache or the initial value.
type RetrievalError struct {
	Key string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("failed to retrieve %s: %v", e.Key, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// NotAuthenticatedError is returned by writes attempted without an identity.
type NotAuthenticatedError struct {
	Key string
}

func (e *NotAuthenticatedError) Error() string {
	return fmt.Sprintf("cannot write %s: not authenticated", e.Key)
}

// Is reports ErrNotAuthenticated as a match.
func (e *NotAuthenticatedError) Is(target error) bool {
	return target == ErrNotAuthenticated
}

// SerializationError reports a value that could not be encoded, or a stored
// payload that could not be decoded.
type SerializationError struct {
	Key    string
	Origin string // "value", "remote", "local" or "push"
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("invalid %s payload for %s: %v", e.Origin, e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// WriteError reports a failed remote upsert. The in-memory and local cache
// values already reflect the write.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
