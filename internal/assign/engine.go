package assign

import (
	"context"
	"fmt"
	"log"

	"github.com/apotekly/rx-verify/internal/rx"
)

// Engine applies assignment and verification decisions through the store
// choke points. It never mutates state directly, so every change it makes is
// logged to the activity trail by construction.
type Engine struct {
	Store   rx.Store
	Tracker *Tracker
}

func NewEngine(store rx.Store) *Engine {
	return &Engine{Store: store, Tracker: &Tracker{Store: store}}
}

// Assign claims a pending prescription for one reviewer. force bypasses the
// capacity check only; a prescription that already left pending still fails
// with ErrAlreadyAssigned.
func (e *Engine) Assign(ctx context.Context, prescriptionID, reviewerID string, force bool) (rx.CapacitySnapshot, error) {
	snap, err := e.Store.ClaimForReview(ctx, prescriptionID, reviewerID, force)
	if err != nil {
		return snap, err
	}
	log.Printf("assigned prescription=%s reviewer=%s daily=%d/%d force=%v",
		prescriptionID, reviewerID, snap.DailyCount, snap.Max, force)
	return snap, nil
}

// Reassign moves an in_review prescription to another reviewer. The prior
// reviewer's slot is released by the move itself (counts are derived from
// the record, not kept separately).
func (e *Engine) Reassign(ctx context.Context, prescriptionID, newReviewerID, reason string) error {
	if reason == "" {
		reason = "unspecified"
	}
	if err := e.Store.ReassignReview(ctx, prescriptionID, newReviewerID, reason); err != nil {
		return err
	}
	log.Printf("reassigned prescription=%s to reviewer=%s reason=%q", prescriptionID, newReviewerID, reason)
	return nil
}

// Decide applies a reviewer decision through the state machine. Only the
// assignee (or an admin override) may decide, and an illegal transition
// leaves the record unchanged.
func (e *Engine) Decide(ctx context.Context, prescriptionID, reviewerID string, decision rx.Decision, notes string, adminOverride bool) (*rx.Prescription, error) {
	if decision.TargetStatus() == "" {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}
	p, err := e.Store.ApplyDecision(ctx, prescriptionID, reviewerID, decision, notes, adminOverride)
	if err != nil {
		return nil, err
	}
	log.Printf("decision prescription=%s reviewer=%s -> %s", prescriptionID, reviewerID, p.Status)
	return p, nil
}

// Resubmit returns a clarification_needed prescription to the pending queue.
func (e *Engine) Resubmit(ctx context.Context, prescriptionID string) (*rx.Prescription, error) {
	return e.Store.Resubmit(ctx, prescriptionID)
}
