package rx

import (
	"encoding/json"
	"time"
)

const (
	EventPrescriptionApproved = "PrescriptionApproved"
	EventOrderCreated         = "OrderCreated"
	EventInvoiceCreated       = "InvoiceCreated"
	EventNotifyRequested      = "NotifyRequested"
	EventNotifySent           = "NotifySent"
	EventNotifyFailed         = "NotifyFailed"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "rx-verify-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // prescription_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- Payload per event ----

type PrescriptionApprovedPayload struct {
	PrescriptionID string `json:"prescription_id"`
	CustomerID     string `json:"customer_id"`
	ReviewerID     string `json:"reviewer_id"`
}

type OrderCreatedPayload struct {
	OrderID        string      `json:"order_id"`
	PrescriptionID string      `json:"prescription_id"`
	CustomerID     string      `json:"customer_id"`
	Items          []OrderItem `json:"items"`
	TotalCents     int         `json:"total_cents"`
}

type InvoiceCreatedPayload struct {
	InvoiceID      string `json:"invoice_id"`
	OrderID        string `json:"order_id"`
	PrescriptionID string `json:"prescription_id"`
	TotalCents     int    `json:"total_cents"`
}

// NotifyRequestedPayload asks the notifier worker to (re)attempt delivery of
// the order confirmation to the customer.
type NotifyRequestedPayload struct {
	PrescriptionID string `json:"prescription_id"`
	OrderID        string `json:"order_id"`
	InvoiceID      string `json:"invoice_id"`
	CustomerEmail  string `json:"customer_email"`
	DocumentRef    string `json:"document_ref,omitempty"`
	Attempt        int    `json:"attempt"`
}

type NotifyResultPayload struct {
	PrescriptionID string `json:"prescription_id"`
	OrderID        string `json:"order_id"`
	Reason         string `json:"reason,omitempty"` // set when failed
}
