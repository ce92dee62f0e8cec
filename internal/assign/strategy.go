package assign

import (
	"context"
	"errors"
	"fmt"

	"github.com/apotekly/rx-verify/internal/rx"
)

type Strategy string

const (
	StrategyBalanced   Strategy = "balanced"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyFastest    Strategy = "fastest"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyBalanced, StrategyRoundRobin, StrategyFastest:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// BatchItem is the per-prescription outcome of a bulk assignment.
type BatchItem struct {
	PrescriptionID string `json:"prescription_id"`
	ReviewerID     string `json:"reviewer_id,omitempty"`
	Reason         string `json:"reason,omitempty"` // set when skipped
}

type BatchResult struct {
	Assigned []BatchItem `json:"assigned"`
	Skipped  []BatchItem `json:"skipped"`
}

// BulkAssign processes prescriptions in the order given. The whole batch
// fails only when no reviewer is available before processing begins; after
// that every prescription gets an independent assigned/skipped outcome.
//
// Candidate bookkeeping is local and greedy: after each successful claim the
// candidate's snapshot is replaced with the store's post-claim numbers, so
// balanced re-evaluates real loads and all strategies notice a candidate
// reaching capacity mid-batch.
func (e *Engine) BulkAssign(ctx context.Context, prescriptionIDs []string, strategy Strategy) (BatchResult, error) {
	snaps, err := e.Tracker.Candidates(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	if len(snaps) == 0 {
		return BatchResult{}, rx.ErrNoAvailableVerifiers
	}

	var res BatchResult
	rrCursor := 0

	// Fastest uses a static order computed once from pre-batch snapshots.
	var fastOrder []int
	if strategy == StrategyFastest {
		fastOrder = fastestOrder(snaps)
	}

	for _, pid := range prescriptionIDs {
		assigned := false
		tried := make(map[int]bool)

		for attempt := 0; attempt < len(snaps); attempt++ {
			var idx int
			var ok bool
			switch strategy {
			case StrategyBalanced:
				idx, ok = pickBalanced(snaps, tried)
			case StrategyRoundRobin:
				idx, ok = pickRoundRobin(snaps, tried, rrCursor)
			case StrategyFastest:
				idx, ok = pickFastest(snaps, fastOrder, tried)
			default:
				return res, fmt.Errorf("unknown strategy %q", strategy)
			}
			if !ok {
				break // nobody left under capacity
			}
			tried[idx] = true

			after, err := e.Store.ClaimForReview(ctx, pid, snaps[idx].ReviewerID, false)
			if err == nil {
				snaps[idx] = after
				res.Assigned = append(res.Assigned, BatchItem{PrescriptionID: pid, ReviewerID: after.ReviewerID})
				if strategy == StrategyRoundRobin {
					rrCursor = idx + 1
				}
				assigned = true
				break
			}

			var capErr *rx.CapacityError
			switch {
			case errors.As(err, &capErr):
				// reached capacity mid-batch, take them out of the rotation
				snaps[idx] = capErr.Snapshot
				snaps[idx].CanAcceptMore = false
				continue
			case errors.Is(err, rx.ErrVerifierUnavailable):
				snaps[idx].CanAcceptMore = false
				continue
			case errors.Is(err, rx.ErrAlreadyAssigned):
				res.Skipped = append(res.Skipped, BatchItem{PrescriptionID: pid, Reason: "already assigned"})
				assigned = true // outcome decided, stop trying candidates
			case errors.Is(err, rx.ErrNotFound):
				res.Skipped = append(res.Skipped, BatchItem{PrescriptionID: pid, Reason: "prescription not found"})
				assigned = true
			default:
				return res, err
			}
			break
		}

		if !assigned {
			res.Skipped = append(res.Skipped, BatchItem{PrescriptionID: pid, Reason: "no reviewer with remaining capacity"})
		}
	}
	return res, nil
}

// pickBalanced picks the untried candidate with the lowest in_review load,
// tie-break ascending reviewer id (candidates arrive id-sorted).
func pickBalanced(snaps []rx.CapacitySnapshot, tried map[int]bool) (int, bool) {
	best := -1
	for i, s := range snaps {
		if tried[i] || !s.CanAcceptMore {
			continue
		}
		if best == -1 || s.Current < snaps[best].Current {
			best = i
		}
	}
	return best, best != -1
}

// pickRoundRobin walks the fixed id-ordered ring from the cursor, skipping
// candidates at capacity at their turn.
func pickRoundRobin(snaps []rx.CapacitySnapshot, tried map[int]bool, cursor int) (int, bool) {
	n := len(snaps)
	for k := 0; k < n; k++ {
		i := (cursor + k) % n
		if tried[i] || !snaps[i].CanAcceptMore {
			continue
		}
		return i, true
	}
	return -1, false
}

// fastestOrder ranks candidates ascending by average processing time.
// Reviewers with no history are worst-case, ordered last; ties fall back to
// ascending reviewer id, which the input order already provides.
func fastestOrder(snaps []rx.CapacitySnapshot) []int {
	order := make([]int, len(snaps))
	for i := range order {
		order[i] = i
	}
	// insertion sort keeps the id-sorted order stable on ties
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && fasterThan(snaps[order[j]], snaps[order[j-1]]); j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}

func fasterThan(a, b rx.CapacitySnapshot) bool {
	if a.HasHistory != b.HasHistory {
		return a.HasHistory
	}
	if !a.HasHistory {
		return false // both unknown, keep id order
	}
	return a.AvgSeconds < b.AvgSeconds
}

// pickFastest takes the best-ranked untried candidate still under capacity,
// preserving the static fastest-to-slowest order.
func pickFastest(snaps []rx.CapacitySnapshot, order []int, tried map[int]bool) (int, bool) {
	for _, i := range order {
		if tried[i] || !snaps[i].CanAcceptMore {
			continue
		}
		return i, true
	}
	return -1, false
}
