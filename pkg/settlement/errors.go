package settlement

import (
	"errors"

	"settlement-engine/pkg/progress"
	"settlement-engine/pkg/store"
)

var (
	// ErrInvalidInput marks a record the engine cannot reason about. The
	// record is skipped and never marked Completed.
	ErrInvalidInput = progress.ErrInvalidInput

	// ErrTransitionLost is the benign race outcome. Reconcile absorbs it and
	// reports OutcomeLost with a nil error.
	ErrTransitionLost = store.ErrTransitionLost

	// ErrStoreUnavailable marks a record that could not be read or written.
	// It is retried on the next sweep and never assumed settled.
	ErrStoreUnavailable = errors.New("settlement: store unavailable")
)

// IsInvalidInput checks if err marks a malformed record.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsStoreUnavailable checks if err marks a store failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
