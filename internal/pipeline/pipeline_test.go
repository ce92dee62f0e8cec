package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apotekly/rx-verify/internal/rx"
)

type stubRenderer struct {
	ref   string
	err   error
	calls int
}

func (s *stubRenderer) RenderInvoice(ctx context.Context, inv *rx.Invoice, o *rx.Order, c *rx.Customer) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.ref, nil
}

type stubNotifier struct {
	err        error
	calls      int
	lastDocRef string
}

func (s *stubNotifier) SendOrderConfirmation(ctx context.Context, c *rx.Customer, o *rx.Order, inv *rx.Invoice, documentRef string) error {
	s.calls++
	s.lastDocRef = documentRef
	return s.err
}

type pipeEnv struct {
	store *rx.MemoryStore
	rend  *stubRenderer
	noti  *stubNotifier
	pl    *Pipeline
}

func newPipeEnv(t *testing.T) *pipeEnv {
	t.Helper()
	store := rx.NewMemoryStore()
	rend := &stubRenderer{ref: "doc://invoices/1.pdf"}
	noti := &stubNotifier{}
	return &pipeEnv{
		store: store,
		rend:  rend,
		noti:  noti,
		pl: &Pipeline{
			Store:       store,
			Renderer:    rend,
			Notifier:    noti,
			ServiceName: "rx-verify-test",

			TaxRateBP:              1100,
			ShippingCents:          500,
			DiscountThresholdCents: 10000,
			DiscountCents:          1000,
		},
	}
}

func (e *pipeEnv) seedCustomer(t *testing.T) {
	t.Helper()
	require.NoError(t, e.store.CreateCustomer(context.Background(), &rx.Customer{
		ID: "cust-1", Name: "Budi Santoso", Email: "budi@example.com",
		Address: rx.Address{Line1: "Jl. Melati 1", City: "Jakarta", PostalCode: "10110", Country: "ID"},
	}))
}

func (e *pipeEnv) seedProduct(t *testing.T, id, sku, name string, stock, priceCents int) {
	t.Helper()
	require.NoError(t, e.store.CreateProduct(context.Background(), &rx.Product{
		ID: id, SKU: sku, Name: name, Published: true, Stock: stock, PriceCents: priceCents,
	}))
}

// approvedPrescription walks a prescription through submit, claim, and
// approve so the pipeline precondition holds.
func (e *pipeEnv) approvedPrescription(t *testing.T, meds ...string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.CreateReviewer(ctx, &rx.Reviewer{
		ID: "rev-1", Name: "apt. Sari", Available: true, DailyCapacity: 100,
	}))
	ms := make([]rx.Medication, 0, len(meds))
	for _, m := range meds {
		ms = append(ms, rx.Medication{Name: m, Dosage: "1x", Frequency: "daily", Duration: "7d"})
	}
	p := &rx.Prescription{CustomerID: "cust-1", Meds: ms}
	require.NoError(t, e.store.CreatePrescription(ctx, p))
	_, err := e.store.ClaimForReview(ctx, p.ID, "rev-1", false)
	require.NoError(t, err)
	_, err = e.store.ApplyDecision(ctx, p.ID, "rev-1", rx.DecisionApprove, "ok", false)
	require.NoError(t, err)
	return p.ID
}

func hasAction(entries []rx.ActivityEntry, action string) bool {
	for _, e := range entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

func stageOutcome(res *OrderResult, stage string) Outcome {
	for _, s := range res.Stages {
		if s.Stage == stage {
			return s.Outcome
		}
	}
	return ""
}

func TestCreateOrderPartialMatch(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.seedProduct(t, "prod-amox", "AMX-500", "Amoxicillin 500mg Capsule", 10, 1500)
	pid := env.approvedPrescription(t, "Amoxicillin", "Obscuridol")

	res, err := env.pl.CreateOrder(ctx, pid, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	require.Len(t, res.Order.Items, 1)
	assert.Equal(t, "prod-amox", res.Order.Items[0].ProductID)
	assert.Equal(t, 1, res.Order.Items[0].Qty)
	assert.Equal(t, []string{"Obscuridol"}, res.Unmatched)

	// 1500 + 11% tax + 500 shipping, no discount below the threshold
	assert.Equal(t, 1500, res.Order.SubtotalCents)
	assert.Equal(t, 165, res.Order.TaxCents)
	assert.Equal(t, 500, res.Order.ShippingCents)
	assert.Equal(t, 0, res.Order.DiscountCents)
	assert.Equal(t, 2165, res.Order.TotalCents)
	assert.Equal(t, res.Order.TotalCents, res.Invoice.TotalCents)
	assert.Equal(t, "INV-000001", res.Invoice.Number)

	assert.True(t, res.DocumentAttached)
	assert.True(t, res.NotificationSent)
	assert.Equal(t, StageSkipped, stageOutcome(res, stageResolution))
	assert.Equal(t, StageCommitted, stageOutcome(res, stageOrder))

	pr, err := env.store.GetProduct(ctx, "prod-amox")
	require.NoError(t, err)
	assert.Equal(t, 9, pr.Stock)

	entries, err := env.store.ListActivity(ctx, pid)
	require.NoError(t, err)
	assert.True(t, hasAction(entries, rx.ActionItemUnmatched))
	assert.True(t, hasAction(entries, rx.ActionNotifySent))
}

func TestCreateOrderIdempotent(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.seedProduct(t, "prod-amox", "AMX-500", "Amoxicillin 500mg Capsule", 10, 1500)
	pid := env.approvedPrescription(t, "Amoxicillin")

	first, err := env.pl.CreateOrder(ctx, pid, nil)
	require.NoError(t, err)

	second, err := env.pl.CreateOrder(ctx, pid, nil)
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, first.Invoice.Number, second.Invoice.Number)

	// no repeated side effects
	assert.Equal(t, 1, env.noti.calls)
	assert.Equal(t, 1, env.rend.calls)
	pr, err := env.store.GetProduct(ctx, "prod-amox")
	require.NoError(t, err)
	assert.Equal(t, 9, pr.Stock)
}

// stalePrescriptionStore serves the prescription as it looked before another
// run linked an order, reproducing the read-then-commit race window.
type stalePrescriptionStore struct {
	rx.Store
	stale map[string]rx.Prescription
}

func (s *stalePrescriptionStore) GetPrescription(ctx context.Context, id string) (*rx.Prescription, error) {
	if p, ok := s.stale[id]; ok {
		cp := p
		return &cp, nil
	}
	return s.Store.GetPrescription(ctx, id)
}

func TestCreateOrderRaceLoserReleasesStock(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.seedProduct(t, "prod-amox", "AMX-500", "Amoxicillin 500mg Capsule", 10, 1500)
	pid := env.approvedPrescription(t, "Amoxicillin")

	before, err := env.store.GetPrescription(ctx, pid)
	require.NoError(t, err)

	winner, err := env.pl.CreateOrder(ctx, pid, nil)
	require.NoError(t, err)

	// the loser raced past the idempotence read, reserves stock, and loses at
	// the commit; it must hand back the winner's order and its reserved unit
	env.pl.Store = &stalePrescriptionStore{Store: env.store, stale: map[string]rx.Prescription{pid: *before}}
	res, err := env.pl.CreateOrder(ctx, pid, nil)
	require.NoError(t, err)
	assert.True(t, res.Existing)
	assert.Equal(t, winner.Order.ID, res.Order.ID)

	pr, err := env.store.GetProduct(ctx, "prod-amox")
	require.NoError(t, err)
	assert.Equal(t, 9, pr.Stock)
}

type failingReserveStore struct {
	rx.Store
	failID string
}

func (s *failingReserveStore) ReserveStock(ctx context.Context, productID string, qty int) error {
	if productID == s.failID {
		return errors.New("connection reset")
	}
	return s.Store.ReserveStock(ctx, productID, qty)
}

func TestCreateOrderReserveErrorReleasesEarlierItems(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.seedProduct(t, "prod-a", "SKU-A", "Atorvastatin 20mg", 10, 6000)
	env.seedProduct(t, "prod-b", "SKU-B", "Bisoprolol 5mg", 10, 6000)
	pid := env.approvedPrescription(t, "Atorvastatin", "Bisoprolol")

	env.pl.Store = &failingReserveStore{Store: env.store, failID: "prod-b"}
	_, err := env.pl.CreateOrder(ctx, pid, nil)
	require.Error(t, err)

	// the unit reserved before the failure goes back, nothing committed
	pr, err := env.store.GetProduct(ctx, "prod-a")
	require.NoError(t, err)
	assert.Equal(t, 10, pr.Stock)
	_, err = env.store.GetOrderByPrescription(ctx, pid)
	assert.ErrorIs(t, err, rx.ErrNotFound)
}

func TestCreateOrderRenderFailureDegrades(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.seedProduct(t, "prod-amox", "AMX-500", "Amoxicillin 500mg Capsule", 10, 1500)
	pid := env.approvedPrescription(t, "Amoxicillin")
	env.rend.err = errors.New("renderer backend down")

	res, err := env.pl.CreateOrder(ctx, pid, nil)
	require.NoError(t, err)
	assert.False(t, res.DocumentAttached)
	assert.Equal(t, StageFailed, stageOutcome(res, stageDocument))

	// notification still goes out, just without the attachment
	assert.True(t, res.NotificationSent)
	assert.Equal(t, "", env.noti.lastDocRef)

	// order and invoice committed despite the failed tail stage
	o, err := env.store.GetOrderByPrescription(ctx, pid)
	require.NoError(t, err)
	_, err = env.store.GetInvoiceByOrder(ctx, o.ID)
	require.NoError(t, err)

	entries, err := env.store.ListActivity(ctx, pid)
	require.NoError(t, err)
	assert.True(t, hasAction(entries, rx.ActionDocumentFailed))
}

func TestCreateOrderNotifyFailureDegrades(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.seedProduct(t, "prod-amox", "AMX-500", "Amoxicillin 500mg Capsule", 10, 1500)
	pid := env.approvedPrescription(t, "Amoxicillin")
	env.noti.err = errors.New("mail gateway timeout")

	res, err := env.pl.CreateOrder(ctx, pid, nil)
	require.NoError(t, err)
	assert.False(t, res.NotificationSent)
	assert.True(t, res.DocumentAttached)
	assert.Equal(t, StageFailed, stageOutcome(res, stageNotify))

	_, err = env.store.GetOrderByPrescription(ctx, pid)
	require.NoError(t, err)

	entries, err := env.store.ListActivity(ctx, pid)
	require.NoError(t, err)
	assert.True(t, hasAction(entries, rx.ActionNotifyFailed))
}

func TestCreateOrderPreconditions(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)

	// not approved: fatal, nothing committed
	p := &rx.Prescription{CustomerID: "cust-1", Meds: []rx.Medication{{Name: "Amoxicillin"}}}
	require.NoError(t, env.store.CreatePrescription(ctx, p))
	_, err := env.pl.CreateOrder(ctx, p.ID, nil)
	assert.ErrorIs(t, err, rx.ErrPrescriptionNotApproved)
	_, err = env.store.GetOrderByPrescription(ctx, p.ID)
	assert.ErrorIs(t, err, rx.ErrNotFound)
}

func TestCreateOrderAddressMissing(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.CreateCustomer(ctx, &rx.Customer{
		ID: "cust-1", Name: "Budi Santoso", Email: "budi@example.com",
		Address: rx.Address{Line1: "Jl. Melati 1", City: "Jakarta"}, // no postal code, no country
	}))
	pid := env.approvedPrescription(t, "Amoxicillin")

	_, err := env.pl.CreateOrder(ctx, pid, nil)
	assert.ErrorIs(t, err, rx.ErrAddressMissing)
	_, err = env.store.GetOrderByPrescription(ctx, pid)
	assert.ErrorIs(t, err, rx.ErrNotFound)
	assert.Equal(t, 0, env.noti.calls)
}

func TestCreateOrderOutOfStockZeroItems(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.seedProduct(t, "prod-amox", "AMX-500", "Amoxicillin 500mg Capsule", 0, 1500)
	pid := env.approvedPrescription(t, "Amoxicillin")

	res, err := env.pl.CreateOrder(ctx, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Amoxicillin 500mg Capsule"}, res.OutOfStock)
	require.NotNil(t, res.Order)
	assert.Empty(t, res.Order.Items)

	// zero-item order: no shipping, no tax, total zero
	assert.Equal(t, 0, res.Order.ShippingCents)
	assert.Equal(t, 0, res.Order.TotalCents)
	assert.Equal(t, StageSkipped, stageOutcome(res, stageStock))

	entries, err := env.store.ListActivity(ctx, pid)
	require.NoError(t, err)
	assert.True(t, hasAction(entries, rx.ActionItemOutOfStock))
}

func TestCreateOrderOverrides(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.seedProduct(t, "prod-para", "PCM-500", "Paracetamol 500mg Tablet", 10, 800)
	env.seedProduct(t, "prod-forte", "PCM-650", "Paracetamol Forte 650mg Tablet", 10, 1200)
	pid := env.approvedPrescription(t, "Paracetamol")

	// substring match would pick the first product in SKU order; the override
	// pins the item to an explicit product
	res, err := env.pl.CreateOrder(ctx, pid, map[string]string{"paracetamol": "prod-forte"})
	require.NoError(t, err)
	require.Len(t, res.Order.Items, 1)
	assert.Equal(t, "prod-forte", res.Order.Items[0].ProductID)
	assert.Empty(t, res.Unmatched)
}

func TestCreateOrderDiscountThreshold(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.seedProduct(t, "prod-a", "SKU-A", "Atorvastatin 20mg", 10, 6000)
	env.seedProduct(t, "prod-b", "SKU-B", "Bisoprolol 5mg", 10, 6000)
	pid := env.approvedPrescription(t, "Atorvastatin", "Bisoprolol")

	res, err := env.pl.CreateOrder(ctx, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, 12000, res.Order.SubtotalCents)
	assert.Equal(t, 1320, res.Order.TaxCents)
	assert.Equal(t, 1000, res.Order.DiscountCents)
	assert.Equal(t, 12000+1320+500-1000, res.Order.TotalCents)
}

func TestRecordPayment(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	env.seedCustomer(t)
	env.seedProduct(t, "prod-amox", "AMX-500", "Amoxicillin 500mg Capsule", 10, 1500)
	pid := env.approvedPrescription(t, "Amoxicillin")

	res, err := env.pl.CreateOrder(ctx, pid, nil)
	require.NoError(t, err)

	err = env.pl.RecordPayment(ctx, res.Invoice.ID, 0, "transfer")
	assert.Error(t, err)

	require.NoError(t, env.pl.RecordPayment(ctx, res.Invoice.ID, 2165, "transfer"))
	inv, err := env.store.GetInvoiceByOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Len(t, inv.Payments, 1)
	assert.Equal(t, 2165, inv.Payments[0].AmountCents)
	assert.Equal(t, "transfer", inv.Payments[0].Method)
}
