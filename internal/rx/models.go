package rx

import "time"

type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

type Prescription struct {
	ID         string       `json:"id"`
	CustomerID string       `json:"customer_id"`
	Status     Status       `json:"status"` // lihat status.go
	ReviewerID string       `json:"reviewer_id,omitempty"`
	Priority   int          `json:"priority"`
	Urgent     bool         `json:"urgent"`
	Meds       []Medication `json:"medications"`
	UploadedAt time.Time    `json:"uploaded_at"`
	AssignedAt *time.Time   `json:"assigned_at,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
	VerifiedAt *time.Time   `json:"verified_at,omitempty"` // set on terminal decision
	OrderID    string       `json:"order_id,omitempty"`    // set at most once, only when approved
}

// Reviewer carries the per-verifier workload record. The counts here are
// always recomputed from the live prescription set, never incremented blind.
type Reviewer struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Available      bool      `json:"available"`
	DailyCapacity  int       `json:"daily_capacity"`
	TotalVerified  int       `json:"total_verified"`
	TotalApproved  int       `json:"total_approved"`
	TotalRejected  int       `json:"total_rejected"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// CapacitySnapshot is one consistent read of a reviewer's load, taken under
// the same lock (or transaction) as the assignment decision that uses it.
type CapacitySnapshot struct {
	ReviewerID    string  `json:"reviewer_id"`
	Current       int     `json:"current_workload"` // in_review right now
	DailyCount    int     `json:"daily_count"`      // assignments recorded today
	Max           int     `json:"daily_capacity"`
	Available     bool    `json:"available"`
	CanAcceptMore bool    `json:"can_accept_more"`
	AvgSeconds    float64 `json:"avg_processing_seconds"` // 0 when no history
	HasHistory    bool    `json:"-"`
}

type Product struct {
	ID         string    `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Published  bool      `json:"published"`
	Stock      int       `json:"stock"`
	PriceCents int       `json:"price_cents"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Address struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Complete reports whether the address is usable as a delivery target.
func (a Address) Complete() bool {
	return a.Line1 != "" && a.City != "" && a.PostalCode != "" && a.Country != ""
}

type Customer struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Address Address `json:"address"`
}

type OrderItem struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Qty         int    `json:"qty"`
	PriceCents  int    `json:"price_cents"`
}

type Order struct {
	ID             string      `json:"id"`
	PrescriptionID string      `json:"prescription_id"`
	CustomerID     string      `json:"customer_id"`
	Items          []OrderItem `json:"items"`
	SubtotalCents  int         `json:"subtotal_cents"`
	TaxCents       int         `json:"tax_cents"`
	ShippingCents  int         `json:"shipping_cents"`
	DiscountCents  int         `json:"discount_cents"`
	TotalCents     int         `json:"total_cents"`
	ShipTo         Address     `json:"ship_to"` // snapshot at creation time
	CreatedAt      time.Time   `json:"created_at"`
}

type InvoiceItem struct {
	Description string `json:"description"`
	Qty         int    `json:"qty"`
	PriceCents  int    `json:"price_cents"`
}

type Payment struct {
	AmountCents int       `json:"amount_cents"`
	Method      string    `json:"method"`
	PaidAt      time.Time `json:"paid_at"`
}

type Invoice struct {
	ID          string        `json:"id"`
	OrderID     string        `json:"order_id"`
	Number      string        `json:"number"`
	Items       []InvoiceItem `json:"items"`
	TotalCents  int           `json:"total_cents"`
	DocumentRef string        `json:"document_ref,omitempty"` // rendered PDF, when available
	Payments    []Payment     `json:"payments,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ActivityEntry is append-only: created once, never mutated or deleted.
type ActivityEntry struct {
	ID             string    `json:"id"`
	PrescriptionID string    `json:"prescription_id"`
	ReviewerID     string    `json:"reviewer_id,omitempty"`
	Action         string    `json:"action"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
}

// Action tags recorded in the activity trail.
const (
	ActionSubmitted        = "submitted"
	ActionAssigned         = "assigned"
	ActionReassigned       = "reassigned"
	ActionDecision         = "decision"
	ActionResubmitted      = "resubmitted"
	ActionOrderCreated     = "order_created"
	ActionItemUnmatched    = "item_unmatched"
	ActionItemOutOfStock   = "item_out_of_stock"
	ActionInvoiceCreated   = "invoice_created"
	ActionDocumentRendered = "document_rendered"
	ActionDocumentFailed   = "document_failed"
	ActionNotifySent       = "notification_sent"
	ActionNotifyFailed     = "notification_failed"
)
