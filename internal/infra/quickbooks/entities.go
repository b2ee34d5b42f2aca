package quickbooks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Chart of accounts, vendors and customers
// ============================================================

// queryPageSize is the platform's maximum MAXRESULTS.
const queryPageSize = 1000

type qboAccount struct {
	ID                 string `json:"Id"`
	Name               string `json:"Name"`
	FullyQualifiedName string `json:"FullyQualifiedName"`
	AccountType        string `json:"AccountType"`
	AccountSubType     string `json:"AccountSubType"`
	Active             bool   `json:"Active"`
}

type qboEntity struct {
	ID          string `json:"Id,omitempty"`
	DisplayName string `json:"DisplayName"`
	Active      bool   `json:"Active"`
}

type queryResponse struct {
	QueryResponse struct {
		Account       []qboAccount `json:"Account"`
		Vendor        []qboEntity  `json:"Vendor"`
		Customer      []qboEntity  `json:"Customer"`
		StartPosition int          `json:"startPosition"`
		MaxResults    int          `json:"maxResults"`
	} `json:"QueryResponse"`
}

// query pages through "select * from <entity>" and hands every page to fn.
func (c *Client) query(ctx context.Context, conn *domain.Connection, entity string, fn func(*queryResponse) int) error {
	for start := 1; ; start += queryPageSize {
		q := url.Values{}
		q.Set("query", fmt.Sprintf("select * from %s where Active = true startposition %d maxresults %d",
			entity, start, queryPageSize))

		var resp queryResponse
		if err := c.doRequest(ctx, conn, "query_"+entity, http.MethodGet, "query", q, nil, &resp); err != nil {
			return err
		}
		if n := fn(&resp); n < queryPageSize {
			return nil
		}
	}
}

// QueryAccounts lists the company's active accounts.
func (c *Client) QueryAccounts(ctx context.Context, conn *domain.Connection) ([]domain.RemoteAccount, error) {
	ctx, span := tracer.Start(ctx, "QuickBooks.QueryAccounts")
	defer span.End()
	span.SetAttributes(attribute.String("realm.id", conn.RealmID))

	out := []domain.RemoteAccount{}
	err := c.query(ctx, conn, "Account", func(r *queryResponse) int {
		for _, a := range r.QueryResponse.Account {
			out = append(out, domain.RemoteAccount{
				ID:             a.ID,
				Name:           a.Name,
				FullyQualified: a.FullyQualifiedName,
				AccountType:    a.AccountType,
				AccountSubType: a.AccountSubType,
				Active:         a.Active,
			})
		}
		return len(r.QueryResponse.Account)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryVendors lists the company's active vendors.
func (c *Client) QueryVendors(ctx context.Context, conn *domain.Connection) ([]domain.RemoteEntity, error) {
	ctx, span := tracer.Start(ctx, "QuickBooks.QueryVendors")
	defer span.End()
	span.SetAttributes(attribute.String("realm.id", conn.RealmID))

	out := []domain.RemoteEntity{}
	err := c.query(ctx, conn, "Vendor", func(r *queryResponse) int {
		out = appendEntities(out, r.QueryResponse.Vendor, domain.EntityVendor)
		return len(r.QueryResponse.Vendor)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryCustomers lists the company's active customers.
func (c *Client) QueryCustomers(ctx context.Context, conn *domain.Connection) ([]domain.RemoteEntity, error) {
	ctx, span := tracer.Start(ctx, "QuickBooks.QueryCustomers")
	defer span.End()
	span.SetAttributes(attribute.String("realm.id", conn.RealmID))

	out := []domain.RemoteEntity{}
	err := c.query(ctx, conn, "Customer", func(r *queryResponse) int {
		out = appendEntities(out, r.QueryResponse.Customer, domain.EntityCustomer)
		return len(r.QueryResponse.Customer)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateVendor creates a vendor with the given display name.
func (c *Client) CreateVendor(ctx context.Context, conn *domain.Connection, name string) (*domain.RemoteEntity, error) {
	ctx, span := tracer.Start(ctx, "QuickBooks.CreateVendor")
	defer span.End()
	span.SetAttributes(attribute.String("realm.id", conn.RealmID))

	var resp struct {
		Vendor qboEntity `json:"Vendor"`
	}
	if err := c.doRequest(ctx, conn, "create_vendor", http.MethodPost, "vendor", nil,
		qboEntity{DisplayName: name, Active: true}, &resp); err != nil {
		return nil, err
	}
	return &domain.RemoteEntity{ID: resp.Vendor.ID, DisplayName: resp.Vendor.DisplayName, Kind: domain.EntityVendor, Active: true}, nil
}

// CreateCustomer creates a customer with the given display name.
func (c *Client) CreateCustomer(ctx context.Context, conn *domain.Connection, name string) (*domain.RemoteEntity, error) {
	ctx, span := tracer.Start(ctx, "QuickBooks.CreateCustomer")
	defer span.End()
	span.SetAttributes(attribute.String("realm.id", conn.RealmID))

	var resp struct {
		Customer qboEntity `json:"Customer"`
	}
	if err := c.doRequest(ctx, conn, "create_customer", http.MethodPost, "customer", nil,
		qboEntity{DisplayName: name, Active: true}, &resp); err != nil {
		return nil, err
	}
	return &domain.RemoteEntity{ID: resp.Customer.ID, DisplayName: resp.Customer.DisplayName, Kind: domain.EntityCustomer, Active: true}, nil
}

func appendEntities(out []domain.RemoteEntity, in []qboEntity, kind string) []domain.RemoteEntity {
	for _, e := range in {
		out = append(out, domain.RemoteEntity{ID: e.ID, DisplayName: e.DisplayName, Kind: kind, Active: e.Active})
	}
	return out
}
