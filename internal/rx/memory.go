package rx

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory Store implementation. A single mutex covers
// every operation, which gives the same atomicity guarantees the postgres
// store gets from row locks: one winner per claim, serialized capacity
// checks, and stock that never goes negative.
type MemoryStore struct {
	mu sync.Mutex

	prescriptions map[string]Prescription
	reviewers     map[string]Reviewer
	products      map[string]Product
	customers     map[string]Customer
	orders        map[string]Order
	invoices      map[string]Invoice
	invByOrder    map[string]string
	activities    []ActivityEntry
	invoiceSeq    int

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prescriptions: make(map[string]Prescription),
		reviewers:     make(map[string]Reviewer),
		products:      make(map[string]Product),
		customers:     make(map[string]Customer),
		orders:        make(map[string]Order),
		invoices:      make(map[string]Invoice),
		invByOrder:    make(map[string]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) logLocked(prescriptionID, reviewerID, action, desc string) {
	m.activities = append(m.activities, ActivityEntry{
		ID:             uuid.NewString(),
		PrescriptionID: prescriptionID,
		ReviewerID:     reviewerID,
		Action:         action,
		Description:    desc,
		CreatedAt:      m.now(),
	})
}

// ---- PrescriptionStore ----

func (m *MemoryStore) CreatePrescription(ctx context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = StatusPending
	if p.UploadedAt.IsZero() {
		p.UploadedAt = m.now()
	}
	p.UpdatedAt = p.UploadedAt
	m.prescriptions[p.ID] = *p
	m.logLocked(p.ID, "", ActionSubmitted, fmt.Sprintf("prescription submitted with %d medication(s)", len(p.Meds)))
	return nil
}

func (m *MemoryStore) GetPrescription(ctx context.Context, id string) (*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prescriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (m *MemoryStore) snapshotLocked(reviewerID string) (CapacitySnapshot, error) {
	r, ok := m.reviewers[reviewerID]
	if !ok {
		return CapacitySnapshot{}, ErrNotFound
	}
	day := DayStart(m.now())

	snap := CapacitySnapshot{
		ReviewerID: reviewerID,
		Max:        r.DailyCapacity,
		Available:  r.Available,
	}
	var totalSecs float64
	var decided int
	for _, p := range m.prescriptions {
		if p.ReviewerID != reviewerID {
			continue
		}
		if p.Status == StatusInReview {
			snap.Current++
		}
		if p.AssignedAt != nil && !p.AssignedAt.Before(day) {
			snap.DailyCount++
		}
		if p.VerifiedAt != nil {
			totalSecs += p.VerifiedAt.Sub(p.UploadedAt).Seconds()
			decided++
		}
	}
	if decided > 0 {
		snap.AvgSeconds = totalSecs / float64(decided)
		snap.HasHistory = true
	}
	snap.CanAcceptMore = snap.Available && snap.DailyCount < snap.Max
	return snap, nil
}

func (m *MemoryStore) ClaimForReview(ctx context.Context, prescriptionID, reviewerID string, force bool) (CapacitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prescriptions[prescriptionID]
	if !ok {
		return CapacitySnapshot{}, ErrNotFound
	}
	if p.Status != StatusPending {
		return CapacitySnapshot{}, ErrAlreadyAssigned
	}
	snap, err := m.snapshotLocked(reviewerID)
	if err != nil {
		return CapacitySnapshot{}, err
	}
	if !force && !snap.CanAcceptMore {
		if !snap.Available {
			return snap, ErrVerifierUnavailable
		}
		return snap, &CapacityError{Snapshot: snap}
	}

	now := m.now()
	p.Status = StatusInReview
	p.ReviewerID = reviewerID
	p.AssignedAt = &now
	p.UpdatedAt = now
	m.prescriptions[p.ID] = p

	r := m.reviewers[reviewerID]
	r.LastActivityAt = now
	m.reviewers[reviewerID] = r

	desc := "assigned for review"
	if force {
		desc = "assigned for review (capacity override)"
	}
	m.logLocked(p.ID, reviewerID, ActionAssigned, desc)

	after, _ := m.snapshotLocked(reviewerID)
	return after, nil
}

func (m *MemoryStore) ReassignReview(ctx context.Context, prescriptionID, newReviewerID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prescriptions[prescriptionID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusInReview {
		return &TransitionError{From: p.Status, To: StatusInReview}
	}
	snap, err := m.snapshotLocked(newReviewerID)
	if err != nil {
		return err
	}
	if !snap.Available {
		return ErrVerifierUnavailable
	}
	if !snap.CanAcceptMore {
		return &CapacityError{Snapshot: snap}
	}

	now := m.now()
	prev := p.ReviewerID
	p.ReviewerID = newReviewerID
	p.AssignedAt = &now
	p.UpdatedAt = now
	m.prescriptions[p.ID] = p

	r := m.reviewers[newReviewerID]
	r.LastActivityAt = now
	m.reviewers[newReviewerID] = r

	m.logLocked(p.ID, newReviewerID, ActionReassigned,
		fmt.Sprintf("reassigned from %s to %s: %s", prev, newReviewerID, reason))
	return nil
}

func (m *MemoryStore) ApplyDecision(ctx context.Context, prescriptionID, reviewerID string, decision Decision, notes string, adminOverride bool) (*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prescriptions[prescriptionID]
	if !ok {
		return nil, ErrNotFound
	}
	target := decision.TargetStatus()
	if !CanTransition(p.Status, target) {
		return nil, &TransitionError{From: p.Status, To: target}
	}
	if !adminOverride && p.ReviewerID != reviewerID {
		return nil, ErrNotAssignee
	}

	now := m.now()
	p.Status = target
	p.UpdatedAt = now
	if target.Terminal() {
		p.VerifiedAt = &now

		// an admin override may carry an id with no reviewer record; the
		// decision still applies, only the totals have nowhere to go
		if r, ok := m.reviewers[reviewerID]; ok {
			r.TotalVerified++
			if target == StatusApproved {
				r.TotalApproved++
			} else {
				r.TotalRejected++
			}
			r.LastActivityAt = now
			m.reviewers[reviewerID] = r
		}
	}
	m.prescriptions[p.ID] = p

	m.logLocked(p.ID, reviewerID, ActionDecision, fmt.Sprintf("decision %s: %s", decision, notes))
	cp := p
	return &cp, nil
}

func (m *MemoryStore) Resubmit(ctx context.Context, prescriptionID string) (*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prescriptions[prescriptionID]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(p.Status, StatusPending) {
		return nil, &TransitionError{From: p.Status, To: StatusPending}
	}
	now := m.now()
	p.Status = StatusPending
	p.ReviewerID = ""
	p.AssignedAt = nil
	p.UpdatedAt = now
	m.prescriptions[p.ID] = p
	m.logLocked(p.ID, "", ActionResubmitted, "prescription re-submitted after clarification")
	cp := p
	return &cp, nil
}

// ---- ReviewerStore ----

func (m *MemoryStore) CreateReviewer(ctx context.Context, r *Reviewer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.reviewers[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetReviewer(ctx context.Context, id string) (*Reviewer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviewers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (m *MemoryStore) SetReviewerAvailability(ctx context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviewers[id]
	if !ok {
		return ErrNotFound
	}
	r.Available = available
	m.reviewers[id] = r
	return nil
}

func (m *MemoryStore) Snapshot(ctx context.Context, reviewerID string) (CapacitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(reviewerID)
}

func (m *MemoryStore) AvailableSnapshots(ctx context.Context) ([]CapacitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.reviewers))
	for id, r := range m.reviewers {
		if r.Available {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]CapacitySnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := m.snapshotLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// ---- CatalogStore ----

func (m *MemoryStore) CreateProduct(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := m.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.products[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (m *MemoryStore) ListPublishedProducts(ctx context.Context) ([]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Product, 0, len(m.products))
	for _, p := range m.products {
		if p.Published {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (m *MemoryStore) ReserveStock(ctx context.Context, productID string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return ErrNotFound
	}
	if p.Stock < qty {
		return ErrInsufficientStock
	}
	p.Stock -= qty
	p.UpdatedAt = m.now()
	m.products[productID] = p
	return nil
}

func (m *MemoryStore) ReleaseStock(ctx context.Context, productID string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return ErrNotFound
	}
	p.Stock += qty
	p.UpdatedAt = m.now()
	m.products[productID] = p
	return nil
}

// ---- OrderStore ----

func (m *MemoryStore) CreateOrderWithInvoice(ctx context.Context, o *Order, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prescriptions[o.PrescriptionID]
	if !ok {
		return ErrNotFound
	}
	if p.OrderID != "" {
		return ErrOrderExists
	}
	if p.Status != StatusApproved {
		return ErrPrescriptionNotApproved
	}

	now := m.now()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.CreatedAt = now
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	inv.OrderID = o.ID
	if inv.Number == "" {
		m.invoiceSeq++
		inv.Number = fmt.Sprintf("INV-%06d", m.invoiceSeq)
	}
	inv.CreatedAt = now

	m.orders[o.ID] = *o
	m.invoices[inv.ID] = *inv
	m.invByOrder[o.ID] = inv.ID

	p.OrderID = o.ID
	p.UpdatedAt = now
	m.prescriptions[p.ID] = p

	m.logLocked(p.ID, "", ActionOrderCreated,
		fmt.Sprintf("order %s created with %d item(s), total %d cents", o.ID, len(o.Items), o.TotalCents))
	m.logLocked(p.ID, "", ActionInvoiceCreated, fmt.Sprintf("invoice %s generated", inv.Number))
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := o
	return &cp, nil
}

func (m *MemoryStore) GetOrderByPrescription(ctx context.Context, prescriptionID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prescriptions[prescriptionID]
	if !ok || p.OrderID == "" {
		return nil, ErrNotFound
	}
	o, ok := m.orders[p.OrderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := o
	return &cp, nil
}

func (m *MemoryStore) GetInvoiceByOrder(ctx context.Context, orderID string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	invID, ok := m.invByOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	inv := m.invoices[invID]
	cp := inv
	return &cp, nil
}

func (m *MemoryStore) AttachDocument(ctx context.Context, invoiceID, documentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	inv.DocumentRef = documentRef
	m.invoices[invoiceID] = inv
	return nil
}

func (m *MemoryStore) RecordPayment(ctx context.Context, invoiceID string, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = m.now()
	}
	inv.Payments = append(inv.Payments, p)
	m.invoices[invoiceID] = inv
	return nil
}

// ---- CustomerStore ----

func (m *MemoryStore) CreateCustomer(ctx context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.customers[c.ID] = *c
	return nil
}

func (m *MemoryStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := c
	return &cp, nil
}

// ---- ActivityStore ----

func (m *MemoryStore) LogActivity(ctx context.Context, e ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.activities = append(m.activities, e)
	return nil
}

func (m *MemoryStore) ListActivity(ctx context.Context, prescriptionID string) ([]ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ActivityEntry
	for _, e := range m.activities {
		if e.PrescriptionID == prescriptionID {
			out = append(out, e)
		}
	}
	return out, nil
}
