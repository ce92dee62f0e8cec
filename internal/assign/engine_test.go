package assign

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apotekly/rx-verify/internal/rx"
)

func TestEngineAssignAndWorkload(t *testing.T) {
	store := rx.NewMemoryStore()
	ctx := context.Background()
	e := NewEngine(store)
	seedReviewer(t, store, "rev-a", 3)
	ids := seedPending(t, store, 2)

	snap, err := e.Assign(ctx, ids[0], "rev-a", false)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Current)
	assert.Equal(t, 1, snap.DailyCount)
	assert.True(t, snap.CanAcceptMore)

	load, err := e.Tracker.Capacity(ctx, "rev-a")
	require.NoError(t, err)
	assert.Equal(t, snap.Current, load.Current)
	assert.Equal(t, 3, load.Max)

	_, err = e.Assign(ctx, ids[0], "rev-a", false)
	assert.ErrorIs(t, err, rx.ErrAlreadyAssigned)
}

func TestEngineReassign(t *testing.T) {
	store := rx.NewMemoryStore()
	ctx := context.Background()
	e := NewEngine(store)
	seedReviewer(t, store, "rev-a", 5)
	seedReviewer(t, store, "rev-b", 5)
	seedReviewer(t, store, "rev-full", 0)
	seedReviewer(t, store, "rev-off", 5)
	require.NoError(t, store.SetReviewerAvailability(ctx, "rev-off", false))
	ids := seedPending(t, store, 2)

	_, err := e.Assign(ctx, ids[0], "rev-a", false)
	require.NoError(t, err)

	// capacity and availability are enforced on the target, no force path
	err = e.Reassign(ctx, ids[0], "rev-full", "vacation")
	var capErr *rx.CapacityError
	assert.ErrorAs(t, err, &capErr)
	err = e.Reassign(ctx, ids[0], "rev-off", "vacation")
	assert.ErrorIs(t, err, rx.ErrVerifierUnavailable)

	require.NoError(t, e.Reassign(ctx, ids[0], "rev-b", ""))

	// the move itself releases the old slot
	snapA, err := e.Tracker.Capacity(ctx, "rev-a")
	require.NoError(t, err)
	assert.Equal(t, 0, snapA.Current)
	snapB, err := e.Tracker.Capacity(ctx, "rev-b")
	require.NoError(t, err)
	assert.Equal(t, 1, snapB.Current)

	// empty reason is recorded as unspecified
	entries, err := store.ListActivity(ctx, ids[0])
	require.NoError(t, err)
	var reassignDesc string
	for _, en := range entries {
		if en.Action == rx.ActionReassigned {
			reassignDesc = en.Description
		}
	}
	assert.Contains(t, reassignDesc, "unspecified")

	// only in_review prescriptions can move
	err = e.Reassign(ctx, ids[1], "rev-b", "x")
	assert.ErrorIs(t, err, rx.ErrInvalidStateTransition)
}

func TestEngineDecide(t *testing.T) {
	store := rx.NewMemoryStore()
	ctx := context.Background()
	e := NewEngine(store)
	seedReviewer(t, store, "rev-a", 5)
	ids := seedPending(t, store, 1)

	_, err := e.Decide(ctx, ids[0], "rev-a", rx.Decision("escalate"), "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown decision")

	_, err = e.Assign(ctx, ids[0], "rev-a", false)
	require.NoError(t, err)

	p, err := e.Decide(ctx, ids[0], "rev-a", rx.DecisionReject, "illegible", false)
	require.NoError(t, err)
	assert.Equal(t, rx.StatusRejected, p.Status)

	// rejected is terminal
	_, err = e.Decide(ctx, ids[0], "rev-a", rx.DecisionApprove, "", false)
	assert.ErrorIs(t, err, rx.ErrInvalidStateTransition)
}

func TestEngineResubmit(t *testing.T) {
	store := rx.NewMemoryStore()
	ctx := context.Background()
	e := NewEngine(store)
	seedReviewer(t, store, "rev-a", 5)
	ids := seedPending(t, store, 1)

	_, err := e.Assign(ctx, ids[0], "rev-a", false)
	require.NoError(t, err)
	_, err = e.Decide(ctx, ids[0], "rev-a", rx.DecisionRequestClarification, "missing dosage", false)
	require.NoError(t, err)

	p, err := e.Resubmit(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, rx.StatusPending, p.Status)
	assert.Empty(t, p.ReviewerID)
}

func TestTrackerCandidates(t *testing.T) {
	store := rx.NewMemoryStore()
	ctx := context.Background()
	tr := &Tracker{Store: store}
	seedReviewer(t, store, "rev-b", 5)
	seedReviewer(t, store, "rev-a", 5)

	snaps, err := tr.Candidates(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "rev-a", snaps[0].ReviewerID)
	assert.Equal(t, "rev-b", snaps[1].ReviewerID)
}
