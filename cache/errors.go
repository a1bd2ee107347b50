package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrLoadFailed matches (via errors.Is) every *LoadError.
	ErrLoadFailed = errors.New("cache: load failed")

	// ErrEntryDisposed is returned when a reference is taken or released on
	// an entry that has already been marked for destruction.
	ErrEntryDisposed = errors.New("cache: entry disposed")

	// ErrHandleDisposed is returned by Handle accessors and Clone after the
	// Handle was disposed.
	ErrHandleDisposed = errors.New("cache: handle disposed")

	// ErrAlreadyDisposed is returned by a second Dispose of the same Handle
	// (or entry). It signals a broken ownership contract in the caller.
	ErrAlreadyDisposed = errors.New("cache: already disposed")

	// ErrNoLoader is returned by Get when no Loader was configured in Options.
	ErrNoLoader = errors.New("cache: no Loader provided")

	// ErrClosed is returned by Get after Close.
	ErrClosed = errors.New("cache: closed")

	// errEntryInUse keeps a referenced entry out of a sweep.
	errEntryInUse = errors.New("cache: entry in use")
)

// LoadError reports a failed Loader.Load. One LoadError is shared by every
// caller awaiting the same entry.
type LoadError struct {
	Key any
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cache: load %v: %v", e.Key, e.Err)
}

// Unwrap returns the Loader's error.
func (e *LoadError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrLoadFailed) true for any LoadError.
func (e *LoadError) Is(target error) bool { return target == ErrLoadFailed }
