package knowledge

import (
	"errors"
	"fmt"

	"github.com/orneryd/tierstore/pkg/storage"
)

// Errors returned by the knowledge store.
var (
	// ErrNotFound is returned by reads for unknown keys.
	ErrNotFound = storage.ErrNotFound

	// ErrValidationFailure marks a write whose combined trust score did not
	// pass the gate. Use errors.As with *ValidationError for details.
	ErrValidationFailure = errors.New("validation failure")

	// ErrPendingReview marks a write staged for manual review.
	ErrPendingReview = errors.New("accepted pending review")

	// ErrPersistence marks a failure of the backing store after validation
	// passed. The record is left at its pre-mutation version and the write
	// can be retried unchanged.
	ErrPersistence = errors.New("persistence error")

	ErrInvalidMutation = errors.New("invalid mutation")
	ErrVersionConflict = errors.New("version conflict")
	ErrStaleConflict   = errors.New("record changed since the conflict was staged")
	ErrClosed          = errors.New("knowledge store closed")
)

// ValidationError reports a write that did not commit because of the trust
// gate. It matches ErrValidationFailure, and ErrPendingReview when staged.
type ValidationError struct {
	Receipt Receipt
}

func (e *ValidationError) Error() string {
	r := e.Receipt
	if r.Status == StatusPendingReview {
		return fmt.Sprintf("%s: score %.3f below threshold, staged as conflict %s", r.Key, r.Score, r.ConflictID)
	}
	return fmt.Sprintf("%s: validation failure: score %.3f below threshold", r.Key, r.Score)
}

func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrValidationFailure:
		return true
	case ErrPendingReview:
		return e.Receipt.Status == StatusPendingReview
	}
	return false
}

// IsRetryable reports whether err is a transient failure that may succeed if
// the same request is sent again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

func persistenceError(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrPersistence, op, key, err)
}
