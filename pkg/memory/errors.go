package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an id is absent or lazily expired.
	ErrNotFound = errors.New("memory not found")

	// ErrValidation covers out-of-range inputs and malformed filters.
	ErrValidation = errors.New("validation failed")

	// ErrBackendUnavailable indicates a backend could not be reached or initialized.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendIntegrity indicates a write reported success but the
	// post-condition does not hold.
	ErrBackendIntegrity = errors.New("backend integrity violation")

	// ErrBackendTimeout indicates a backend call exceeded its deadline.
	// The item's state is unknown; callers must re-read before retrying.
	ErrBackendTimeout = errors.New("backend timeout")

	// ErrMaintenanceBusy is returned when a maintenance run is already in flight.
	ErrMaintenanceBusy = errors.New("maintenance already running")

	// ErrNotInitialized is returned when the manager is used before Initialize
	// or after Shutdown.
	ErrNotInitialized = errors.New("memory engine not initialized")
)

// ConsolidationError reports a partial cross-tier move: one side of the
// store/delete pair succeeded and the other failed. It is surfaced to the
// caller and never retried automatically.
type ConsolidationError struct {
	ID     string
	Source Tier
	Target Tier
	// StoredInTarget tells the caller which tier currently holds the item.
	StoredInTarget bool
	Err            error
}

func (e *ConsolidationError) Error() string {
	side := "target store failed after source read"
	if e.StoredInTarget {
		side = "source delete failed after target store"
	}
	return fmt.Sprintf("consolidation of %s (%s -> %s) incomplete: %s: %v",
		e.ID, e.Source, e.Target, side, e.Err)
}

func (e *ConsolidationError) Unwrap() error { return e.Err }
