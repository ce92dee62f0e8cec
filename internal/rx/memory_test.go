package rx

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newPending(t *testing.T, m *MemoryStore) *Prescription {
	t.Helper()
	p := &Prescription{CustomerID: "cust-1", Meds: []Medication{{Name: "Amoxicillin", Dosage: "500mg"}}}
	require.NoError(t, m.CreatePrescription(context.Background(), p))
	return p
}

func newReviewer(t *testing.T, m *MemoryStore, id string, capacity int) {
	t.Helper()
	require.NoError(t, m.CreateReviewer(context.Background(), &Reviewer{
		ID: id, Name: id, Available: true, DailyCapacity: capacity,
	}))
}

func TestClaimForReviewSingleWinner(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	p := newPending(t, m)

	const n = 16
	for i := 0; i < n; i++ {
		newReviewer(t, m, fmt.Sprintf("rev-%02d", i), 10)
	}

	var wins, losses int64
	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		rid := fmt.Sprintf("rev-%02d", i)
		g.Go(func() error {
			_, err := m.ClaimForReview(ctx, p.ID, rid, false)
			switch {
			case err == nil:
				atomic.AddInt64(&wins, 1)
			case errors.Is(err, ErrAlreadyAssigned):
				atomic.AddInt64(&losses, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, wins)
	assert.EqualValues(t, n-1, losses)

	got, err := m.GetPrescription(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInReview, got.Status)
	assert.NotEmpty(t, got.ReviewerID)
	assert.NotNil(t, got.AssignedAt)
}

func TestReserveStockNeverNegative(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.CreateProduct(ctx, &Product{
		ID: "prod-1", SKU: "AMX-500", Name: "Amoxicillin 500mg Capsule",
		Published: true, Stock: 5, PriceCents: 1500,
	}))

	var reserved int64
	g := new(errgroup.Group)
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			err := m.ReserveStock(ctx, "prod-1", 1)
			if err == nil {
				atomic.AddInt64(&reserved, 1)
				return nil
			}
			if errors.Is(err, ErrInsufficientStock) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 5, reserved)
	got, err := m.GetProduct(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Stock)
}

func TestClaimCapacityAndForce(t *testing.T) {
	m := NewMemoryStore()
	m.now = fixedClock(time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	newReviewer(t, m, "rev-a", 2)

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = newPending(t, m).ID
	}

	for i := 0; i < 2; i++ {
		_, err := m.ClaimForReview(ctx, ids[i], "rev-a", false)
		require.NoError(t, err)
	}

	snap, err := m.ClaimForReview(ctx, ids[2], "rev-a", false)
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 2, capErr.Snapshot.DailyCount)
	assert.Equal(t, 2, capErr.Snapshot.Max)
	assert.False(t, capErr.Snapshot.CanAcceptMore)
	assert.Equal(t, 2, snap.DailyCount)

	// refused claim leaves the record pending
	got, err := m.GetPrescription(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.ReviewerID)

	// force bypasses the capacity check
	after, err := m.ClaimForReview(ctx, ids[2], "rev-a", true)
	require.NoError(t, err)
	assert.Equal(t, 3, after.DailyCount)
	assert.Equal(t, 3, after.Current)

	// but not the state check
	_, err = m.ClaimForReview(ctx, ids[2], "rev-a", true)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
}

func TestClaimUnavailableReviewer(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newReviewer(t, m, "rev-a", 5)
	require.NoError(t, m.SetReviewerAvailability(ctx, "rev-a", false))

	p := newPending(t, m)
	_, err := m.ClaimForReview(ctx, p.ID, "rev-a", false)
	assert.ErrorIs(t, err, ErrVerifierUnavailable)

	// force overrides availability too
	_, err = m.ClaimForReview(ctx, p.ID, "rev-a", true)
	assert.NoError(t, err)
}

func TestDailyCountResetsAtMidnight(t *testing.T) {
	m := NewMemoryStore()
	m.now = fixedClock(time.Date(2026, 8, 27, 23, 0, 0, 0, time.UTC))
	ctx := context.Background()
	newReviewer(t, m, "rev-a", 1)

	p := newPending(t, m)
	snap, err := m.ClaimForReview(ctx, p.ID, "rev-a", false)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.DailyCount)
	assert.False(t, snap.CanAcceptMore)

	m.now = fixedClock(time.Date(2026, 8, 28, 0, 30, 0, 0, time.UTC))
	snap, err = m.Snapshot(ctx, "rev-a")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.DailyCount)
	assert.Equal(t, 1, snap.Current) // still holding yesterday's review
	assert.True(t, snap.CanAcceptMore)
}

func TestApplyDecisionGuards(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newReviewer(t, m, "rev-a", 5)
	newReviewer(t, m, "rev-b", 5)

	p := newPending(t, m)
	_, err := m.ClaimForReview(ctx, p.ID, "rev-a", false)
	require.NoError(t, err)

	// only the assignee decides
	_, err = m.ApplyDecision(ctx, p.ID, "rev-b", DecisionApprove, "", false)
	assert.ErrorIs(t, err, ErrNotAssignee)

	// unless an admin overrides
	got, err := m.ApplyDecision(ctx, p.ID, "rev-b", DecisionApprove, "admin sign-off", true)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	require.NotNil(t, got.VerifiedAt)

	rb, err := m.GetReviewer(ctx, "rev-b")
	require.NoError(t, err)
	assert.Equal(t, 1, rb.TotalVerified)
	assert.Equal(t, 1, rb.TotalApproved)

	// terminal state rejects further decisions, record unchanged
	_, err = m.ApplyDecision(ctx, p.ID, "rev-b", DecisionReject, "", true)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	after, err := m.GetPrescription(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, after.Status)
}

func TestApplyDecisionAdminOverrideUnknownReviewer(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newReviewer(t, m, "rev-a", 5)

	p := newPending(t, m)
	_, err := m.ClaimForReview(ctx, p.ID, "rev-a", false)
	require.NoError(t, err)

	got, err := m.ApplyDecision(ctx, p.ID, "admin-9", DecisionApprove, "admin sign-off", true)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	// no ghost reviewer record appears under the unknown id
	_, err = m.GetReviewer(ctx, "admin-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClarificationRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newReviewer(t, m, "rev-a", 5)

	p := newPending(t, m)
	_, err := m.ClaimForReview(ctx, p.ID, "rev-a", false)
	require.NoError(t, err)

	got, err := m.ApplyDecision(ctx, p.ID, "rev-a", DecisionRequestClarification, "dosage unreadable", false)
	require.NoError(t, err)
	assert.Equal(t, StatusClarificationNeeded, got.Status)
	assert.Nil(t, got.VerifiedAt)

	// no direct claim out of clarification_needed
	_, err = m.ClaimForReview(ctx, p.ID, "rev-a", false)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	// resubmit re-enters the queue with the assignment cleared
	got, err = m.Resubmit(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.ReviewerID)
	assert.Nil(t, got.AssignedAt)

	_, err = m.ClaimForReview(ctx, p.ID, "rev-a", false)
	assert.NoError(t, err)

	// resubmit is only legal from clarification_needed
	_, err = m.Resubmit(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestCreateOrderWithInvoiceGuards(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newReviewer(t, m, "rev-a", 5)

	pending := newPending(t, m)
	err := m.CreateOrderWithInvoice(ctx, &Order{PrescriptionID: pending.ID, CustomerID: "cust-1"}, &Invoice{})
	assert.ErrorIs(t, err, ErrPrescriptionNotApproved)

	p := newPending(t, m)
	_, err = m.ClaimForReview(ctx, p.ID, "rev-a", false)
	require.NoError(t, err)
	_, err = m.ApplyDecision(ctx, p.ID, "rev-a", DecisionApprove, "", false)
	require.NoError(t, err)

	o := &Order{PrescriptionID: p.ID, CustomerID: "cust-1", TotalCents: 2165}
	inv := &Invoice{TotalCents: 2165}
	require.NoError(t, m.CreateOrderWithInvoice(ctx, o, inv))
	assert.Equal(t, "INV-000001", inv.Number)
	assert.Equal(t, o.ID, inv.OrderID)

	got, err := m.GetPrescription(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.OrderID)

	// at most one order per prescription
	err = m.CreateOrderWithInvoice(ctx, &Order{PrescriptionID: p.ID, CustomerID: "cust-1"}, &Invoice{})
	assert.ErrorIs(t, err, ErrOrderExists)

	entries, err := m.ListActivity(ctx, p.ID)
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, ActionOrderCreated)
	assert.Contains(t, actions, ActionInvoiceCreated)
}

func TestSnapshotAverageProcessing(t *testing.T) {
	m := NewMemoryStore()
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	m.now = fixedClock(base)
	ctx := context.Background()
	newReviewer(t, m, "rev-a", 10)

	// two decided prescriptions, 100s and 300s upload-to-verdict
	for _, age := range []time.Duration{100 * time.Second, 300 * time.Second} {
		p := &Prescription{CustomerID: "cust-1", UploadedAt: base.Add(-age), Meds: []Medication{{Name: "Med"}}}
		require.NoError(t, m.CreatePrescription(ctx, p))
		_, err := m.ClaimForReview(ctx, p.ID, "rev-a", false)
		require.NoError(t, err)
		_, err = m.ApplyDecision(ctx, p.ID, "rev-a", DecisionApprove, "", false)
		require.NoError(t, err)
	}

	snap, err := m.Snapshot(ctx, "rev-a")
	require.NoError(t, err)
	assert.True(t, snap.HasHistory)
	assert.InDelta(t, 200.0, snap.AvgSeconds, 0.001)
	assert.Equal(t, 0, snap.Current) // both decided, nothing in review
}

func TestAvailableSnapshotsOrderAndFilter(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newReviewer(t, m, "rev-c", 5)
	newReviewer(t, m, "rev-a", 5)
	newReviewer(t, m, "rev-b", 5)
	require.NoError(t, m.SetReviewerAvailability(ctx, "rev-b", false))

	snaps, err := m.AvailableSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "rev-a", snaps[0].ReviewerID)
	assert.Equal(t, "rev-c", snaps[1].ReviewerID)
}
