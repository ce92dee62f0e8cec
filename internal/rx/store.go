package rx

import (
	"context"
	"time"
)

// Store is the single choke point for state. Every mutating method both
// applies the change and appends the matching ActivityEntry inside the same
// critical section (transaction in postgres, store lock in memory), so no
// code path can move a prescription without leaving a trail.
type Store interface {
	PrescriptionStore
	ReviewerStore
	CatalogStore
	OrderStore
	CustomerStore
	ActivityStore
}

type PrescriptionStore interface {
	CreatePrescription(ctx context.Context, p *Prescription) error
	GetPrescription(ctx context.Context, id string) (*Prescription, error)

	// ClaimForReview atomically performs the pending -> in_review claim:
	// it fails with ErrAlreadyAssigned when the prescription is not pending,
	// with ErrVerifierUnavailable / *CapacityError when the reviewer cannot
	// take the item (unless force), and otherwise assigns and logs in one
	// step. Two concurrent claims on the same prescription yield exactly one
	// success. The returned snapshot reflects the load after assignment.
	ClaimForReview(ctx context.Context, prescriptionID, reviewerID string, force bool) (CapacitySnapshot, error)

	// ReassignReview moves an in_review item to another reviewer, releasing
	// the prior slot. Both reviewers and the reason end up in the activity log.
	ReassignReview(ctx context.Context, prescriptionID, newReviewerID, reason string) error

	// ApplyDecision validates the transition against the status graph and the
	// acting reviewer against the held assignment (adminOverride bypasses the
	// assignee check only), sets verified_at on terminal decisions and updates
	// the reviewer's cumulative totals. The record is untouched on failure.
	ApplyDecision(ctx context.Context, prescriptionID, reviewerID string, decision Decision, notes string, adminOverride bool) (*Prescription, error)

	// Resubmit moves clarification_needed back to pending and clears the
	// assignment.
	Resubmit(ctx context.Context, prescriptionID string) (*Prescription, error)
}

type ReviewerStore interface {
	CreateReviewer(ctx context.Context, r *Reviewer) error
	GetReviewer(ctx context.Context, id string) (*Reviewer, error)
	SetReviewerAvailability(ctx context.Context, id string, available bool) error

	// Snapshot recomputes one reviewer's load from the live prescription set:
	// current = in_review items held, daily = assignments dated today, avg =
	// mean(verified_at - uploaded_at) over that reviewer's terminal decisions.
	Snapshot(ctx context.Context, reviewerID string) (CapacitySnapshot, error)

	// AvailableSnapshots returns snapshots for every reviewer with
	// available=true, in ascending reviewer id order.
	AvailableSnapshots(ctx context.Context) ([]CapacitySnapshot, error)
}

type CatalogStore interface {
	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListPublishedProducts(ctx context.Context) ([]Product, error)

	// ReserveStock is an atomic check-and-decrement. Concurrent reservations
	// never drive stock negative; losers get ErrInsufficientStock.
	ReserveStock(ctx context.Context, productID string, qty int) error

	// ReleaseStock returns previously reserved units, used when the order they
	// were reserved for could not be committed.
	ReleaseStock(ctx context.Context, productID string, qty int) error
}

type OrderStore interface {
	// CreateOrderWithInvoice persists the order and its invoice and links the
	// order to the prescription in one step. Fails with ErrOrderExists if the
	// prescription already carries a linked order.
	CreateOrderWithInvoice(ctx context.Context, o *Order, inv *Invoice) error

	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByPrescription(ctx context.Context, prescriptionID string) (*Order, error)
	GetInvoiceByOrder(ctx context.Context, orderID string) (*Invoice, error)

	// AttachDocument records the rendered document reference on the invoice.
	AttachDocument(ctx context.Context, invoiceID, documentRef string) error

	RecordPayment(ctx context.Context, invoiceID string, p Payment) error
}

type CustomerStore interface {
	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
}

type ActivityStore interface {
	// LogActivity appends a standalone entry (pipeline step outcomes and other
	// events that happen outside a store mutation).
	LogActivity(ctx context.Context, e ActivityEntry) error
	ListActivity(ctx context.Context, prescriptionID string) ([]ActivityEntry, error)
}

// DayStart returns the UTC midnight boundary used for daily capacity counts.
func DayStart(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
