package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/infra/cache"
	"github.com/boddenberg/ledger-sync-go/internal/infra/observability"
	"github.com/boddenberg/ledger-sync-go/internal/infra/resilience"
	"github.com/boddenberg/ledger-sync-go/internal/service"

	"go.uber.org/zap"
)

func TestGateway_ListAccountsCachedPerRealm(t *testing.T) {
	api := newMockAPI()
	gw := newGateway(api, &mockConnections{conn: activeConnection("conn-1")})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		accounts, err := gw.ListAccounts(ctx, "user-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(accounts) != 5 {
			t.Fatalf("expected 5 accounts, got %d", len(accounts))
		}
	}
	if n := api.count("accounts"); n != 1 {
		t.Fatalf("expected one remote query, got %d", n)
	}
}

func TestGateway_CreateVendorInvalidatesCache(t *testing.T) {
	api := newMockAPI()
	gw := newGateway(api, &mockConnections{conn: activeConnection("conn-1")})
	ctx := context.Background()

	if _, err := gw.ListVendors(ctx, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	created, err := gw.CreateVendor(ctx, "user-1", "Corner Store")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vendors, err := gw.ListVendors(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.count("vendors") != 2 {
		t.Fatalf("expected the vendor list to be re-fetched, got %d queries", api.count("vendors"))
	}
	found := false
	for _, v := range vendors {
		found = found || v.ID == created.ID
	}
	if !found {
		t.Fatalf("expected %s in %+v", created.ID, vendors)
	}
}

func TestGateway_ListEntities(t *testing.T) {
	gw := newGateway(newMockAPI(), &mockConnections{conn: activeConnection("conn-1")})

	vendors, customers, err := gw.ListEntities(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vendors) != 1 || len(customers) != 1 {
		t.Fatalf("unexpected entities: %+v / %+v", vendors, customers)
	}
}

func TestGateway_RetriesThrottledCalls(t *testing.T) {
	api := newMockAPI()
	api.throttle = 2
	conns := &mockConnections{conn: activeConnection("conn-1")}
	gw := newGateway(api, conns)

	remote, err := gw.Post(context.Background(), "user-1", "req-1", &domain.Posting{
		Type:     domain.PostingPurchase,
		Purchase: &domain.Purchase{Line: []domain.PurchaseLine{{Description: "coffee"}}},
	})
	if err != nil {
		t.Fatalf("expected throttling to be absorbed, got %v", err)
	}
	if remote.ID == "" {
		t.Fatal("expected a remote id")
	}
	if api.count("purchase") != 3 {
		t.Fatalf("expected 3 attempts, got %d", api.count("purchase"))
	}
	if conns.calls != 3 {
		t.Fatalf("expected a fresh connection per attempt, got %d lookups", conns.calls)
	}
	if api.requestIDs[0] != "req-1" {
		t.Fatalf("expected request id to be passed through, got %v", api.requestIDs)
	}
}

func TestGateway_RemoteFaultNotRetried(t *testing.T) {
	api := newMockAPI()
	fault := &domain.ErrRemoteFault{Status: 400, Code: "6000", Message: "A business validation error has occurred"}
	api.failLines["bad"] = fault
	gw := newGateway(api, &mockConnections{conn: activeConnection("conn-1")})

	_, err := gw.Post(context.Background(), "user-1", "req-1", &domain.Posting{
		Type:     domain.PostingPurchase,
		Purchase: &domain.Purchase{Line: []domain.PurchaseLine{{Description: "bad"}}},
	})
	var got *domain.ErrRemoteFault
	if !errors.As(err, &got) || got.Code != "6000" || got.Message != fault.Message {
		t.Fatalf("expected the fault intact, got %v", err)
	}
	if api.count("purchase") != 1 {
		t.Fatalf("expected a single attempt, got %d", api.count("purchase"))
	}
}

func TestGateway_AuthErrorSurfaces(t *testing.T) {
	api := newMockAPI()
	gw := newGateway(api, &mockConnections{err: &domain.ErrAuth{Reason: domain.AuthReasonNotConnected}})

	_, err := gw.ListAccounts(context.Background(), "user-1")
	var authErr *domain.ErrAuth
	if !errors.As(err, &authErr) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if api.count("accounts") != 0 {
		t.Fatal("expected no remote call without a connection")
	}
}

func TestGateway_WaitsForRateLimitSlot(t *testing.T) {
	current := time.Unix(0, 0)
	var slept time.Duration
	limiter := resilience.NewSlidingWindow(2, time.Minute, resilience.WithClock(
		func() time.Time { return current },
		func(_ context.Context, d time.Duration) error {
			slept += d
			current = current.Add(d)
			return nil
		},
	))
	api := newMockAPI()
	gw := service.NewGateway(api, &mockConnections{conn: activeConnection("conn-1")}, limiter,
		resilience.NewCircuitBreaker("quickbooks-limit-test", service.IsRemoteSuccess),
		resilience.Config{MaxRetries: 1, InitialBackoff: time.Millisecond},
		cache.New[[]domain.RemoteAccount](time.Minute), cache.New[[]domain.RemoteEntity](time.Minute),
		observability.NewMetrics(), zap.NewNop())

	for i := 0; i < 5; i++ {
		if _, err := gw.CreateCustomer(context.Background(), "user-1", "customer"); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if api.count("create_customer") != 5 {
		t.Fatalf("expected every call to go through, got %d", api.count("create_customer"))
	}
	if gw.Waits() < 2 {
		t.Fatalf("expected at least 2 wait cycles, got %d", gw.Waits())
	}
	if slept < 2*time.Minute {
		t.Fatalf("expected at least two windows of waiting, got %v", slept)
	}
}

func TestIsRemoteSuccess(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"validation fault", &domain.ErrRemoteFault{Status: 400}, true},
		{"server fault", &domain.ErrRemoteFault{Status: 503}, false},
		{"auth", &domain.ErrAuth{}, true},
		{"cancelled", context.Canceled, true},
		{"throttled after retries", &domain.ErrRateLimited{}, false},
		{"transport", errors.New("connection reset"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := service.IsRemoteSuccess(tc.err); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
