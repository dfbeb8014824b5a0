package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable marks failures of the backing store. Callers retry these.
	ErrStorageUnavailable = errors.New("eventlog: storage unavailable")
	// ErrInvalidEvent marks events rejected before they reach storage.
	ErrInvalidEvent = errors.New("eventlog: invalid event")
	// ErrDuplicateKey is returned by stores when a unique append key was already used.
	ErrDuplicateKey = errors.New("eventlog: duplicate unique key")
)

// ValidationError describes why an event was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("eventlog: invalid event %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidEvent }

// StorageError wraps a store failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("eventlog: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
