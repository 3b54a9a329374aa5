package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrEngineUnavailable = errors.New("transfer engine unavailable")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("transfer not found")
	ErrPersistence       = errors.New("persistence io error")
	ErrLoadFailed        = errors.New("load failed")
	ErrSessionStarted    = errors.New("session already started")
)

// TransferError is an engine reported failure of a single transfer.
type TransferError struct {
	ReleaseID string
	Message   string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %s", e.ReleaseID, e.Message)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
