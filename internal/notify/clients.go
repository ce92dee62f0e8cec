// Package notify holds the outbound collaborator clients (document renderer,
// mail gateway) and the Kafka worker that retries failed deliveries.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/apotekly/rx-verify/internal/rx"
)

// DocRenderer posts the invoice to an external rendering service and returns
// the document reference it minted. The rendering engine itself is not ours.
type DocRenderer struct {
	URL    string
	Client *http.Client
}

func NewDocRenderer(url string) *DocRenderer {
	return &DocRenderer{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type renderReq struct {
	Invoice  *rx.Invoice  `json:"invoice"`
	Order    *rx.Order    `json:"order"`
	Customer *rx.Customer `json:"customer"`
}

type renderResp struct {
	DocumentRef string `json:"document_ref"`
}

func (d *DocRenderer) RenderInvoice(ctx context.Context, inv *rx.Invoice, o *rx.Order, c *rx.Customer) (string, error) {
	body, err := json.Marshal(renderReq{Invoice: inv, Order: o, Customer: c})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("render service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("render service: status %d", resp.StatusCode)
	}
	var out renderResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("render service: %w", err)
	}
	if out.DocumentRef == "" {
		return "", fmt.Errorf("render service: empty document_ref")
	}
	return out.DocumentRef, nil
}

// MailNotifier delivers the order confirmation through an external mail
// gateway.
type MailNotifier struct {
	URL    string
	From   string
	Client *http.Client
}

func NewMailNotifier(url, from string) *MailNotifier {
	return &MailNotifier{URL: url, From: from, Client: &http.Client{Timeout: 10 * time.Second}}
}

type mailReq struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	DocumentRef string `json:"document_ref,omitempty"`
}

func (n *MailNotifier) SendOrderConfirmation(ctx context.Context, c *rx.Customer, o *rx.Order, inv *rx.Invoice, documentRef string) error {
	msg := mailReq{
		From:    n.From,
		To:      c.Email,
		Subject: fmt.Sprintf("Your order %s is confirmed", o.ID),
		Body: fmt.Sprintf("Hi %s, your prescription order has been confirmed. Invoice %s, total %d cents.",
			c.Name, inv.Number, inv.TotalCents),
		DocumentRef: documentRef,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mail gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mail gateway: status %d", resp.StatusCode)
	}
	return nil
}
