package rx

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ---- catalog ----

func (s *PGStore) CreateProduct(ctx context.Context, p *Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.DB.QueryRow(ctx, `
		INSERT INTO products(id, sku, name, published, stock, price_cents)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		p.ID, p.SKU, p.Name, p.Published, p.Stock, p.PriceCents,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (s *PGStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := s.DB.QueryRow(ctx, `
		SELECT id, sku, name, published, stock, price_cents, created_at, updated_at
		FROM products WHERE id=$1`, id,
	).Scan(&p.ID, &p.SKU, &p.Name, &p.Published, &p.Stock, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *PGStore) ListPublishedProducts(ctx context.Context) ([]Product, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, sku, name, published, stock, price_cents, created_at, updated_at
		FROM products WHERE published = true ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Published, &p.Stock, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReserveStock locks the product row, checks, then decrements. Losers of a
// concurrent race see ErrInsufficientStock, never a negative count.
func (s *PGStore) ReserveStock(ctx context.Context, productID string, qty int) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stock int
	err = tx.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1 FOR UPDATE`, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if stock < qty {
		return ErrInsufficientStock
	}
	if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock - $2, updated_at = now() WHERE id=$1`, productID, qty); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) ReleaseStock(ctx context.Context, productID string, qty int) error {
	ct, err := s.DB.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// ---- orders & invoices ----

func (s *PGStore) CreateOrderWithInvoice(ctx context.Context, o *Order, inv *Invoice) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status Status
	var linked *string
	err = tx.QueryRow(ctx, `SELECT status, order_id FROM prescriptions WHERE id=$1 FOR UPDATE`, o.PrescriptionID).
		Scan(&status, &linked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if linked != nil {
		return ErrOrderExists
	}
	if status != StatusApproved {
		return ErrPrescriptionNotApproved
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO orders(id, prescription_id, customer_id,
			subtotal_cents, tax_cents, shipping_cents, discount_cents, total_cents,
			ship_line1, ship_city, ship_postal_code, ship_country)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at`,
		o.ID, o.PrescriptionID, o.CustomerID,
		o.SubtotalCents, o.TaxCents, o.ShippingCents, o.DiscountCents, o.TotalCents,
		o.ShipTo.Line1, o.ShipTo.City, o.ShipTo.PostalCode, o.ShipTo.Country,
	).Scan(&o.CreatedAt)
	if err != nil {
		return err
	}
	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, product_name, qty, price_cents)
			VALUES ($1,$2,$3,$4,$5)`,
			o.ID, it.ProductID, it.ProductName, it.Qty, it.PriceCents); err != nil {
			return err
		}
	}

	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	inv.OrderID = o.ID
	if inv.Number == "" {
		var seq int
		if err := tx.QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&seq); err != nil {
			return err
		}
		inv.Number = fmt.Sprintf("INV-%06d", seq)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO invoices(id, order_id, number, total_cents)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at`,
		inv.ID, inv.OrderID, inv.Number, inv.TotalCents,
	).Scan(&inv.CreatedAt)
	if err != nil {
		return err
	}
	for _, it := range inv.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO invoice_items(invoice_id, description, qty, price_cents)
			VALUES ($1,$2,$3,$4)`,
			inv.ID, it.Description, it.Qty, it.PriceCents); err != nil {
			return err
		}
	}

	ct, err := tx.Exec(ctx, `
		UPDATE prescriptions SET order_id=$2, updated_at=now()
		WHERE id=$1 AND order_id IS NULL`,
		o.PrescriptionID, o.ID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrOrderExists
	}

	if err := insertActivity(ctx, tx, o.PrescriptionID, "", ActionOrderCreated,
		fmt.Sprintf("order %s created with %d item(s), total %d cents", o.ID, len(o.Items), o.TotalCents)); err != nil {
		return err
	}
	if err := insertActivity(ctx, tx, o.PrescriptionID, "", ActionInvoiceCreated,
		fmt.Sprintf("invoice %s generated", inv.Number)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) getOrder(ctx context.Context, where string, arg any) (*Order, error) {
	var o Order
	err := s.DB.QueryRow(ctx, `
		SELECT id, prescription_id, customer_id,
			subtotal_cents, tax_cents, shipping_cents, discount_cents, total_cents,
			ship_line1, ship_city, ship_postal_code, ship_country, created_at
		FROM orders WHERE `+where, arg,
	).Scan(&o.ID, &o.PrescriptionID, &o.CustomerID,
		&o.SubtotalCents, &o.TaxCents, &o.ShippingCents, &o.DiscountCents, &o.TotalCents,
		&o.ShipTo.Line1, &o.ShipTo.City, &o.ShipTo.PostalCode, &o.ShipTo.Country, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.DB.Query(ctx, `
		SELECT product_id, product_name, qty, price_cents
		FROM order_items WHERE order_id=$1`, o.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ProductID, &it.ProductName, &it.Qty, &it.PriceCents); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (s *PGStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.getOrder(ctx, `id=$1`, id)
}

func (s *PGStore) GetOrderByPrescription(ctx context.Context, prescriptionID string) (*Order, error) {
	return s.getOrder(ctx, `prescription_id=$1`, prescriptionID)
}

func (s *PGStore) GetInvoiceByOrder(ctx context.Context, orderID string) (*Invoice, error) {
	var inv Invoice
	var docRef *string
	err := s.DB.QueryRow(ctx, `
		SELECT id, order_id, number, total_cents, document_ref, created_at
		FROM invoices WHERE order_id=$1`, orderID,
	).Scan(&inv.ID, &inv.OrderID, &inv.Number, &inv.TotalCents, &docRef, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if docRef != nil {
		inv.DocumentRef = *docRef
	}

	rows, err := s.DB.Query(ctx, `
		SELECT description, qty, price_cents FROM invoice_items WHERE invoice_id=$1`, inv.ID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var it InvoiceItem
		if err := rows.Scan(&it.Description, &it.Qty, &it.PriceCents); err != nil {
			rows.Close()
			return nil, err
		}
		inv.Items = append(inv.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := s.DB.Query(ctx, `
		SELECT amount_cents, method, paid_at FROM payments WHERE invoice_id=$1 ORDER BY paid_at`, inv.ID)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var p Payment
		if err := prows.Scan(&p.AmountCents, &p.Method, &p.PaidAt); err != nil {
			return nil, err
		}
		inv.Payments = append(inv.Payments, p)
	}
	return &inv, prows.Err()
}

func (s *PGStore) AttachDocument(ctx context.Context, invoiceID, documentRef string) error {
	ct, err := s.DB.Exec(ctx, `UPDATE invoices SET document_ref=$2 WHERE id=$1`, invoiceID, documentRef)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) RecordPayment(ctx context.Context, invoiceID string, p Payment) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO payments(invoice_id, amount_cents, method)
		VALUES ($1,$2,$3)`,
		invoiceID, p.AmountCents, p.Method)
	return err
}

// ---- customers ----

func (s *PGStore) CreateCustomer(ctx context.Context, c *Customer) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO customers(id, name, email, addr_line1, addr_city, addr_postal_code, addr_country)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.Name, c.Email, c.Address.Line1, c.Address.City, c.Address.PostalCode, c.Address.Country)
	return err
}

func (s *PGStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	err := s.DB.QueryRow(ctx, `
		SELECT id, name, email, addr_line1, addr_city, addr_postal_code, addr_country
		FROM customers WHERE id=$1`, id,
	).Scan(&c.ID, &c.Name, &c.Email, &c.Address.Line1, &c.Address.City, &c.Address.PostalCode, &c.Address.Country)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ---- activity ----

func (s *PGStore) LogActivity(ctx context.Context, e ActivityEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var rid any
	if e.ReviewerID != "" {
		rid = e.ReviewerID
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO activity_log(id, prescription_id, reviewer_id, action, description)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.PrescriptionID, rid, e.Action, e.Description)
	return err
}

func (s *PGStore) ListActivity(ctx context.Context, prescriptionID string) ([]ActivityEntry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, prescription_id, COALESCE(reviewer_id::text, ''), action, description, created_at
		FROM activity_log WHERE prescription_id=$1 ORDER BY created_at, id`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		if err := rows.Scan(&e.ID, &e.PrescriptionID, &e.ReviewerID, &e.Action, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
