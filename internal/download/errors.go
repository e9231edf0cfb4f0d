package download

import (
	"errors"
	"fmt"
)

// Shared error taxonomy. Backend adapters map their transport-specific
// failures onto these so callers never see protocol error shapes.
var (
	ErrInvalidURL         = errors.New("invalid download URL")
	ErrBackendUnavailable = errors.New("download backend unavailable")
	ErrBackendNotStarted  = errors.New("download backend not started")
	ErrTaskNotFound       = errors.New("download task not found")
	ErrInvalidTransition  = errors.New("invalid task state transition")
	ErrNetwork            = errors.New("network error")
	ErrIO                 = errors.New("io error")
	ErrProtocol           = errors.New("control protocol error")
	ErrCancelled          = errors.New("download cancelled")
)

// NetworkErrorf wraps a transfer-level failure so errors.Is(err, ErrNetwork)
// holds.
func NetworkErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNetwork, fmt.Sprintf(format, args...))
}

// IOErrorf wraps a disk-level failure.
func IOErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIO, fmt.Sprintf(format, args...))
}

// ProtocolErrorf wraps a malformed or unexpected control-protocol response.
func ProtocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
