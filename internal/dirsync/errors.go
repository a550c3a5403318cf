package dirsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why a poll cycle did not succeed.
type ErrorKind int

const (
	KindTransient ErrorKind = iota + 1
	KindAuthentication
	KindCookieRejected
	KindStoreWrite
	KindDelivery
	KindUnsupported
	KindCancelled
)

// Sentinel errors, one per kind, for use with errors.Is.
var (
	ErrTransient      = errors.New("transient directory error")
	ErrAuthentication = errors.New("directory authentication failed")
	ErrCookieRejected = errors.New("directory rejected the sync cookie")
	ErrStoreWrite     = errors.New("cookie store write failed")
	ErrDelivery       = errors.New("change delivery failed")
	ErrUnsupported    = errors.New("directory does not support incremental sync")
	ErrCancelled      = errors.New("poll cancelled")

	// ErrResyncRequired is returned by Poll while the session waits for an
	// operator to confirm a full resynchronisation.
	ErrResyncRequired = errors.New("session requires a confirmed resync")
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthentication:
		return "authentication"
	case KindCookieRejected:
		return "cookie_rejected"
	case KindStoreWrite:
		return "store_write"
	case KindDelivery:
		return "delivery"
	case KindUnsupported:
		return "unsupported"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fatal reports whether the kind ends the session without retry.
func (k ErrorKind) Fatal() bool {
	return k == KindAuthentication || k == KindUnsupported
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindAuthentication:
		return ErrAuthentication
	case KindCookieRejected:
		return ErrCookieRejected
	case KindStoreWrite:
		return ErrStoreWrite
	case KindDelivery:
		return ErrDelivery
	case KindUnsupported:
		return ErrUnsupported
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// DirectoryError is returned by Directory implementations to classify a
// failed search.
type DirectoryError struct {
	Kind ErrorKind
	Err  error
}

func (e *DirectoryError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

func (e *DirectoryError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Transient marks err as a retryable network or server condition.
func Transient(err error) error {
	return &DirectoryError{Kind: KindTransient, Err: err}
}

// AuthenticationFailure marks err as a credential or permission problem.
func AuthenticationFailure(err error) error {
	return &DirectoryError{Kind: KindAuthentication, Err: err}
}

// CookieRejected marks err as the server refusing the presented cookie.
func CookieRejected(err error) error {
	return &DirectoryError{Kind: KindCookieRejected, Err: err}
}

// Unsupported marks err as the server not offering the sync control.
func Unsupported(err error) error {
	return &DirectoryError{Kind: KindUnsupported, Err: err}
}

// SyncError is reported for every poll cycle that did not commit.
type SyncError struct {
	SessionID string
	Kind      ErrorKind
	State     State
	At        time.Time
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("session %s: %s in state %s: %v", e.SessionID, e.Kind, e.State, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func (e *SyncError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf classifies err. Unclassified errors are transient.
func KindOf(err error) ErrorKind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}

	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return dirErr.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	return KindTransient
}
