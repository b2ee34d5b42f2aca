package quickbooks

import (
	"context"
	"net/http"
	"net/url"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// requestQuery carries the idempotency key. The platform answers a repeated
// requestid with the document created by the first call.
func requestQuery(requestID string) url.Values {
	q := url.Values{}
	if requestID != "" {
		q.Set("requestid", requestID)
	}
	return q
}

// CreatePurchase posts an expense (money out of the bank account).
func (c *Client) CreatePurchase(ctx context.Context, conn *domain.Connection, requestID string, p *domain.Purchase) (*domain.RemoteTransaction, error) {
	ctx, span := tracer.Start(ctx, "QuickBooks.CreatePurchase")
	defer span.End()
	span.SetAttributes(attribute.String("realm.id", conn.RealmID), attribute.String("request.id", requestID))

	var resp struct {
		Purchase struct {
			ID string `json:"Id"`
		} `json:"Purchase"`
	}
	if err := c.doRequest(ctx, conn, "create_purchase", http.MethodPost, "purchase", requestQuery(requestID), p, &resp); err != nil {
		return nil, err
	}
	return &domain.RemoteTransaction{
		ID:   resp.Purchase.ID,
		Type: domain.PostingPurchase,
		Link: c.Link(domain.PostingPurchase, resp.Purchase.ID),
	}, nil
}

// CreateDeposit posts a deposit (money into the bank account).
func (c *Client) CreateDeposit(ctx context.Context, conn *domain.Connection, requestID string, d *domain.Deposit) (*domain.RemoteTransaction, error) {
	ctx, span := tracer.Start(ctx, "QuickBooks.CreateDeposit")
	defer span.End()
	span.SetAttributes(attribute.String("realm.id", conn.RealmID), attribute.String("request.id", requestID))

	var resp struct {
		Deposit struct {
			ID string `json:"Id"`
		} `json:"Deposit"`
	}
	if err := c.doRequest(ctx, conn, "create_deposit", http.MethodPost, "deposit", requestQuery(requestID), d, &resp); err != nil {
		return nil, err
	}
	return &domain.RemoteTransaction{
		ID:   resp.Deposit.ID,
		Type: domain.PostingDeposit,
		Link: c.Link(domain.PostingDeposit, resp.Deposit.ID),
	}, nil
}
