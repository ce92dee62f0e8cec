// Package pipeline converts an approved prescription into a priced order,
// an invoice, a rendered document, and a customer notification. Order and
// invoice creation are mandatory; rendering and notification degrade
// gracefully without rolling back committed work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/apotekly/rx-verify/internal/kafka"
	"github.com/apotekly/rx-verify/internal/redisx"
	"github.com/apotekly/rx-verify/internal/rx"
)

// Renderer produces the invoice document. External collaborator; failures
// are non-fatal.
type Renderer interface {
	RenderInvoice(ctx context.Context, inv *rx.Invoice, o *rx.Order, c *rx.Customer) (documentRef string, err error)
}

// Notifier delivers the order confirmation. External collaborator; failures
// are non-fatal and retried by the notifier worker via Kafka.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, c *rx.Customer, o *rx.Order, inv *rx.Invoice, documentRef string) error
}

type Pipeline struct {
	Store    rx.Store
	Renderer Renderer
	Notifier Notifier

	// Optional collaborators: event stream and idempotency fast path.
	Producer    *kafkax.Producer
	Redis       *redis.Client
	ServiceName string

	// Pricing knobs, see config.
	TaxRateBP              int // basis points, e.g. 1100 = 11%
	ShippingCents          int
	DiscountThresholdCents int
	DiscountCents          int
}

// ItemOutcome reports one prescribed medication that was dropped from the
// order and why.
type ItemOutcome struct {
	Medication string `json:"medication"`
	Reason     string `json:"reason"`
}

type OrderResult struct {
	Order            *rx.Order     `json:"order"`
	Invoice          *rx.Invoice   `json:"invoice"`
	Unmatched        []string      `json:"unmatched_items,omitempty"`
	OutOfStock       []string      `json:"out_of_stock_items,omitempty"`
	DocumentAttached bool          `json:"document_attached"`
	NotificationSent bool          `json:"notification_sent"`
	Existing         bool          `json:"existing"` // idempotent re-invocation
	Stages           []StageResult `json:"stages,omitempty"`
}

// CreateOrder runs the full pipeline for one approved prescription. Fatal
// failures return an error with nothing committed; per-item and tail-stage
// failures are logged, audited, and surfaced in the result instead.
//
// overrides maps a medication name (case-insensitive) to an explicit product
// id, bypassing substring matching for that item.
func (pl *Pipeline) CreateOrder(ctx context.Context, prescriptionID string, overrides map[string]string) (*OrderResult, error) {
	p, err := pl.Store.GetPrescription(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}

	// Idempotence: a prescription with a linked order returns the existing
	// order/invoice, no new side effects.
	if p.OrderID != "" {
		return pl.existingResult(ctx, p)
	}

	// 1) precondition: fatal, nothing committed
	if p.Status != rx.StatusApproved {
		return nil, rx.ErrPrescriptionNotApproved
	}
	cust, err := pl.Store.GetCustomer(ctx, p.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("customer lookup: %w", err)
	}
	if !cust.Address.Complete() {
		return nil, rx.ErrAddressMissing
	}

	res := &OrderResult{}
	res.addStage(stagePrecondition, StageCommitted, "")

	// 2) medication resolution: per-item, non-fatal
	items, unmatched, err := pl.resolveMedications(ctx, p, overrides)
	if err != nil {
		return nil, err
	}
	res.Unmatched = unmatched
	for _, u := range unmatched {
		pl.audit(ctx, p.ID, rx.ActionItemUnmatched, fmt.Sprintf("no catalog match for %q, excluded from order", u))
	}
	if len(unmatched) > 0 {
		res.addStage(stageResolution, StageSkipped, fmt.Sprintf("%d item(s) unmatched", len(unmatched)))
	} else {
		res.addStage(stageResolution, StageCommitted, "")
	}

	// 3) stock reservation: per-item, non-fatal, atomic check-and-decrement
	reserved := items[:0]
	for _, it := range items {
		if err := pl.Store.ReserveStock(ctx, it.ProductID, it.Qty); err != nil {
			if errors.Is(err, rx.ErrInsufficientStock) {
				res.OutOfStock = append(res.OutOfStock, it.ProductName)
				pl.audit(ctx, p.ID, rx.ActionItemOutOfStock,
					fmt.Sprintf("insufficient stock for %q, excluded from order", it.ProductName))
				continue
			}
			pl.releaseStock(ctx, reserved)
			return nil, fmt.Errorf("reserve stock: %w", err)
		}
		reserved = append(reserved, it)
	}
	if len(res.OutOfStock) > 0 {
		res.addStage(stageStock, StageSkipped, fmt.Sprintf("%d item(s) out of stock", len(res.OutOfStock)))
	} else {
		res.addStage(stageStock, StageCommitted, "")
	}

	// 4) order: built from whatever survived. A zero-item order is legal and
	// left visible in the audit trail.
	order := pl.buildOrder(p, cust, reserved)

	// 5) invoice: mandatory, derived from the order
	inv := buildInvoice(order)

	if err := pl.Store.CreateOrderWithInvoice(ctx, order, inv); err != nil {
		pl.releaseStock(ctx, order.Items)
		if errors.Is(err, rx.ErrOrderExists) {
			// lost a concurrent race; hand back the winner's order
			return pl.existingResult(ctx, p)
		}
		return nil, fmt.Errorf("persist order/invoice: %w", err)
	}
	res.Order = order
	res.Invoice = inv
	res.addStage(stageOrder, StageCommitted, "")
	res.addStage(stageInvoice, StageCommitted, "")
	if len(order.Items) == 0 {
		pl.audit(ctx, p.ID, rx.ActionOrderCreated, "order has zero resolvable items")
	}

	pl.cacheOrderID(ctx, p.ID, order.ID)
	pl.publish(ctx, rx.EventOrderCreated, rx.TopicOrderCreated, p.ID, rx.OrderCreatedPayload{
		OrderID: order.ID, PrescriptionID: p.ID, CustomerID: p.CustomerID,
		Items: order.Items, TotalCents: order.TotalCents,
	})
	pl.publish(ctx, rx.EventInvoiceCreated, rx.TopicInvoiceCreated, p.ID, rx.InvoiceCreatedPayload{
		InvoiceID: inv.ID, OrderID: order.ID, PrescriptionID: p.ID, TotalCents: inv.TotalCents,
	})

	// 6) document rendering: non-fatal
	docRef := ""
	if ref, err := pl.Renderer.RenderInvoice(ctx, inv, order, cust); err != nil {
		log.Printf("document rendering failed prescription=%s: %v", p.ID, err)
		pl.audit(ctx, p.ID, rx.ActionDocumentFailed, fmt.Sprintf("document rendering failed: %v", err))
		res.addStage(stageDocument, StageFailed, err.Error())
	} else {
		docRef = ref
		if err := pl.Store.AttachDocument(ctx, inv.ID, ref); err != nil {
			log.Printf("attach document failed invoice=%s: %v", inv.ID, err)
			res.addStage(stageDocument, StageFailed, err.Error())
		} else {
			inv.DocumentRef = ref
			res.DocumentAttached = true
			pl.audit(ctx, p.ID, rx.ActionDocumentRendered, fmt.Sprintf("invoice document rendered: %s", ref))
			res.addStage(stageDocument, StageCommitted, "")
		}
	}

	// 7) notification: non-fatal, attempted with or without the attachment
	if err := pl.Notifier.SendOrderConfirmation(ctx, cust, order, inv, docRef); err != nil {
		log.Printf("notification failed prescription=%s: %v", p.ID, err)
		pl.audit(ctx, p.ID, rx.ActionNotifyFailed, fmt.Sprintf("notification delivery failed: %v", err))
		res.addStage(stageNotify, StageFailed, err.Error())
		pl.publish(ctx, rx.EventNotifyRequested, rx.TopicNotifyRequested, p.ID, rx.NotifyRequestedPayload{
			PrescriptionID: p.ID, OrderID: order.ID, InvoiceID: inv.ID,
			CustomerEmail: cust.Email, DocumentRef: docRef, Attempt: 1,
		})
	} else {
		res.NotificationSent = true
		pl.audit(ctx, p.ID, rx.ActionNotifySent, fmt.Sprintf("order confirmation sent to %s", cust.Email))
		res.addStage(stageNotify, StageCommitted, "")
	}

	return res, nil
}

// PublishApproved announces a terminal approval on the event stream.
func (pl *Pipeline) PublishApproved(ctx context.Context, p *rx.Prescription) {
	pl.publish(ctx, rx.EventPrescriptionApproved, rx.TopicPrescriptionApproved, p.ID, rx.PrescriptionApprovedPayload{
		PrescriptionID: p.ID, CustomerID: p.CustomerID, ReviewerID: p.ReviewerID,
	})
}

func (pl *Pipeline) existingResult(ctx context.Context, p *rx.Prescription) (*OrderResult, error) {
	order, err := pl.Store.GetOrderByPrescription(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	inv, err := pl.Store.GetInvoiceByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		Order:            order,
		Invoice:          inv,
		DocumentAttached: inv.DocumentRef != "",
		Existing:         true,
	}, nil
}

// resolveMedications matches prescribed names against the published catalog:
// case-insensitive substring, first match in SKU order wins. One unit per
// medication. Substring matching can pair a short name with a combination
// product; overrides exist as the manual escape hatch.
func (pl *Pipeline) resolveMedications(ctx context.Context, p *rx.Prescription, overrides map[string]string) ([]rx.OrderItem, []string, error) {
	products, err := pl.Store.ListPublishedProducts(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog lookup: %w", err)
	}

	byID := make(map[string]rx.Product, len(products))
	for _, pr := range products {
		byID[pr.ID] = pr
	}
	lowOverrides := make(map[string]string, len(overrides))
	for name, id := range overrides {
		lowOverrides[strings.ToLower(name)] = id
	}

	var items []rx.OrderItem
	var unmatched []string
	for _, med := range p.Meds {
		var match *rx.Product
		if id, ok := lowOverrides[strings.ToLower(med.Name)]; ok {
			if pr, ok := byID[id]; ok {
				match = &pr
			}
		}
		if match == nil {
			needle := strings.ToLower(med.Name)
			for i := range products {
				if strings.Contains(strings.ToLower(products[i].Name), needle) {
					match = &products[i]
					break
				}
			}
		}
		if match == nil {
			unmatched = append(unmatched, med.Name)
			continue
		}
		items = append(items, rx.OrderItem{
			ProductID:   match.ID,
			ProductName: match.Name,
			Qty:         1,
			PriceCents:  match.PriceCents,
		})
	}
	return items, unmatched, nil
}

func (pl *Pipeline) buildOrder(p *rx.Prescription, cust *rx.Customer, items []rx.OrderItem) *rx.Order {
	subtotal := 0
	for _, it := range items {
		subtotal += it.PriceCents * it.Qty
	}
	tax := subtotal * pl.TaxRateBP / 10000
	shipping := 0
	if len(items) > 0 {
		shipping = pl.ShippingCents
	}
	discount := 0
	if pl.DiscountThresholdCents > 0 && subtotal >= pl.DiscountThresholdCents {
		discount = pl.DiscountCents
	}
	return &rx.Order{
		ID:             uuid.NewString(),
		PrescriptionID: p.ID,
		CustomerID:     cust.ID,
		Items:          items,
		SubtotalCents:  subtotal,
		TaxCents:       tax,
		ShippingCents:  shipping,
		DiscountCents:  discount,
		TotalCents:     subtotal + tax + shipping - discount,
		ShipTo:         cust.Address,
	}
}

func buildInvoice(o *rx.Order) *rx.Invoice {
	items := make([]rx.InvoiceItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, rx.InvoiceItem{Description: it.ProductName, Qty: it.Qty, PriceCents: it.PriceCents})
	}
	return &rx.Invoice{
		ID:         uuid.NewString(),
		Items:      items,
		TotalCents: o.TotalCents,
	}
}

// releaseStock hands reserved units back after the order they were reserved
// for could not be committed.
func (pl *Pipeline) releaseStock(ctx context.Context, items []rx.OrderItem) {
	for _, it := range items {
		if err := pl.Store.ReleaseStock(ctx, it.ProductID, it.Qty); err != nil {
			log.Printf("release stock failed product=%s qty=%d: %v", it.ProductID, it.Qty, err)
		}
	}
}

// audit appends an activity entry; a failing audit write is logged but never
// turns a non-fatal stage into a fatal one.
func (pl *Pipeline) audit(ctx context.Context, prescriptionID, action, desc string) {
	if err := pl.Store.LogActivity(ctx, rx.ActivityEntry{
		PrescriptionID: prescriptionID,
		Action:         action,
		Description:    desc,
	}); err != nil {
		log.Printf("activity log write failed prescription=%s action=%s: %v", prescriptionID, action, err)
	}
}

func (pl *Pipeline) cacheOrderID(ctx context.Context, prescriptionID, orderID string) {
	if pl.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderByPrescription, prescriptionID)
	_ = pl.Redis.Set(ctx, key, orderID, redisx.TTLIdempotency).Err()
}

func (pl *Pipeline) publish(ctx context.Context, eventType, topic, prescriptionID string, payload any) {
	if pl.Producer == nil {
		return
	}
	ev := rx.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      pl.ServiceName,
		CorrelationID: prescriptionID,
		Payload:       kafkax.MustMarshal(payload),
	}
	pl.Producer.Publish(topic, rx.PartitionKey(prescriptionID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

// RecordPayment appends a payment record to an invoice (totals only; real
// payment processing lives elsewhere).
func (pl *Pipeline) RecordPayment(ctx context.Context, invoiceID string, amountCents int, method string) error {
	if amountCents <= 0 {
		return fmt.Errorf("invalid amount: %d", amountCents)
	}
	return pl.Store.RecordPayment(ctx, invoiceID, rx.Payment{AmountCents: amountCents, Method: method})
}

func (r *OrderResult) addStage(stage string, outcome Outcome, reason string) {
	r.Stages = append(r.Stages, StageResult{Stage: stage, Outcome: outcome, Reason: reason})
}
