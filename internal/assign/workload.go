// Package assign routes prescriptions to reviewers: manual assignment,
// reassignment, reviewer decisions, and the three batch strategies.
package assign

import (
	"context"

	"github.com/apotekly/rx-verify/internal/rx"
)

// Tracker reads reviewer workload. Every number it reports is recomputed by
// the store from the live prescription set in one consistent snapshot; there
// is no counter here that can drift from reality.
type Tracker struct {
	Store rx.ReviewerStore
}

// Capacity returns the reviewer's current load, daily count, and whether
// another assignment would be accepted.
func (t *Tracker) Capacity(ctx context.Context, reviewerID string) (rx.CapacitySnapshot, error) {
	return t.Store.Snapshot(ctx, reviewerID)
}

// Candidates returns snapshots for all available reviewers, ascending by id.
// An empty result means a batch assignment must fail before processing.
func (t *Tracker) Candidates(ctx context.Context) ([]rx.CapacitySnapshot, error) {
	return t.Store.AvailableSnapshots(ctx)
}
