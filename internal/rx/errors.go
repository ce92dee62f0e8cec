package rx

import (
	"errors"
	"fmt"
)

// Fatal: abort, nothing committed.
var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrAlreadyAssigned         = errors.New("prescription already assigned")
	ErrPrescriptionNotApproved = errors.New("prescription not approved")
	ErrAddressMissing          = errors.New("delivery address missing or incomplete")
	ErrNoAvailableVerifiers    = errors.New("no available verifiers")
	ErrNotAssignee             = errors.New("reviewer does not hold this assignment")
)

// Capacity-related: abort unless force override.
var (
	ErrVerifierUnavailable = errors.New("verifier unavailable")
)

// Per-item store-level conditions. The pipeline converts these into reported
// item outcomes instead of aborting.
var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOrderExists       = errors.New("prescription already has a linked order")
)

// CapacityError reports the snapshot that failed the check so the caller can
// surface current/max in the response payload.
type CapacityError struct {
	Snapshot CapacitySnapshot
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d/%d", e.Snapshot.DailyCount, e.Snapshot.Max)
}

// TransitionError wraps ErrInvalidStateTransition with the offending edge.
type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }
