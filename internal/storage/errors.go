package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no object exists at the key.
	ErrNotFound = errors.New("object not found")

	// ErrKeyExists is returned by Put without Overwrite when the key is taken.
	ErrKeyExists = errors.New("object already exists at this key")

	// ErrInvalidKey rejects keys that are empty, absolute or escape the
	// user's prefix.
	ErrInvalidKey = errors.New("invalid storage key")

	// ErrTooLarge means the object is over the caller's byte limit.
	ErrTooLarge = errors.New("object exceeds maximum size")

	// ErrAccessDenied is the backend refusing the request, for example an
	// R2 token without read access to the bucket.
	ErrAccessDenied = errors.New("access denied")
)

// StorageError records which operation and key failed.
type StorageError struct {
	Op  string // Put, Get, Delete or URL
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsInvalidKey(err error) bool   { return errors.Is(err, ErrInvalidKey) }
func IsTooLarge(err error) bool     { return errors.Is(err, ErrTooLarge) }
func IsAccessDenied(err error) bool { return errors.Is(err, ErrAccessDenied) }

// Reason describes a read failure in words safe to place in a prompt or a
// response. Keys, bucket names and backend messages never appear in it.
func Reason(err error) string {
	switch {
	case IsNotFound(err), IsInvalidKey(err):
		return "file not found"
	case IsTooLarge(err):
		return "file too large"
	case IsAccessDenied(err):
		return "access denied"
	default:
		return "storage unavailable"
	}
}
