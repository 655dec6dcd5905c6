package reminder

import (
	"errors"
	"fmt"

	"remindbot/internal/model"
)

var (
	// ErrNotCancellable is returned for a record that was already sent.
	ErrNotCancellable = errors.New("notification already sent")
	ErrNotStarted     = errors.New("reminder service not running")
	ErrInvalidSpec    = model.ErrInvalidSpec
)

// DeliveryError is one recipient that could not be reached. It is logged and
// never aborts the rest of the batch.
type DeliveryError struct {
	UserID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
