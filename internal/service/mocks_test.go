package service_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/infra/cache"
	"github.com/boddenberg/ledger-sync-go/internal/infra/observability"
	"github.com/boddenberg/ledger-sync-go/internal/infra/resilience"
	"github.com/boddenberg/ledger-sync-go/internal/port"
	"github.com/boddenberg/ledger-sync-go/internal/service"

	"go.uber.org/zap"
)

// --- Mocks ---

type mockConnections struct {
	mu     sync.Mutex
	conn   *domain.Connection
	err    error
	calls  int
	marked []string
	// failAfter makes every call after the first n fail with err.
	failAfter int
}

func (m *mockConnections) GetValidConnection(_ context.Context, _ string) (*domain.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil && (m.failAfter == 0 || m.calls > m.failAfter) {
		return nil, m.err
	}
	c := *m.conn
	return &c, nil
}

func (m *mockConnections) MarkSynced(_ context.Context, connectionID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, connectionID)
	return nil
}

type mockAPI struct {
	mu         sync.Mutex
	accounts   []domain.RemoteAccount
	vendors    []domain.RemoteEntity
	customers  []domain.RemoteEntity
	queries    map[string]int
	purchases  []*domain.Purchase
	deposits   []*domain.Deposit
	requestIDs []string
	created    []string
	tokens     []string
	// failLines fails a posting whose first line has this description.
	failLines map[string]error
	// attempts holds the request id of every posting attempt by line description.
	attempts map[string][]string
	// createErr fails vendor and customer creation.
	createErr error
	// throttle answers this many calls with ErrRateLimited first.
	throttle int
	// onPost runs before every posting, outside the lock.
	onPost func()
	nextID int
}

func newMockAPI() *mockAPI {
	return &mockAPI{
		accounts: []domain.RemoteAccount{
			{ID: "35", Name: "Checking", AccountType: "Bank", Active: true},
			{ID: "64", Name: "Groceries", AccountType: "Expense", Active: true},
			{ID: "70", Name: "Meals and Entertainment", AccountType: "Expense", Active: true},
			{ID: "79", Name: "Sales of Product Income", AccountType: "Income", Active: true},
			{ID: "90", Name: "Old Expenses", AccountType: "Expense", Active: false},
		},
		vendors:   []domain.RemoteEntity{{ID: "56", DisplayName: "Whole Foods", Kind: domain.EntityVendor, Active: true}},
		customers: []domain.RemoteEntity{{ID: "3", DisplayName: "Acme Corp", Kind: domain.EntityCustomer, Active: true}},
		queries:   map[string]int{},
		failLines: map[string]error{},
		attempts:  map[string][]string{},
	}
}

func (m *mockAPI) enter(conn *domain.Connection, op string) error {
	m.tokens = append(m.tokens, conn.AccessToken)
	m.queries[op]++
	if m.throttle > 0 {
		m.throttle--
		return &domain.ErrRateLimited{Operation: op}
	}
	return nil
}

func (m *mockAPI) QueryAccounts(_ context.Context, conn *domain.Connection) ([]domain.RemoteAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(conn, "accounts"); err != nil {
		return nil, err
	}
	return append([]domain.RemoteAccount(nil), m.accounts...), nil
}

func (m *mockAPI) QueryVendors(_ context.Context, conn *domain.Connection) ([]domain.RemoteEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(conn, "vendors"); err != nil {
		return nil, err
	}
	return append([]domain.RemoteEntity(nil), m.vendors...), nil
}

func (m *mockAPI) QueryCustomers(_ context.Context, conn *domain.Connection) ([]domain.RemoteEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(conn, "customers"); err != nil {
		return nil, err
	}
	return append([]domain.RemoteEntity(nil), m.customers...), nil
}

func (m *mockAPI) CreateVendor(_ context.Context, conn *domain.Connection, name string) (*domain.RemoteEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(conn, "create_vendor"); err != nil {
		return nil, err
	}
	if m.createErr != nil {
		return nil, m.createErr
	}
	for _, v := range m.vendors {
		if v.DisplayName == name {
			return nil, &domain.ErrRemoteFault{Status: 400, Code: "6240", Message: "Duplicate Name Exists Error"}
		}
	}
	m.nextID++
	v := domain.RemoteEntity{ID: fmt.Sprintf("v-%d", m.nextID), DisplayName: name, Kind: domain.EntityVendor, Active: true}
	m.vendors = append(m.vendors, v)
	m.created = append(m.created, name)
	return &v, nil
}

func (m *mockAPI) CreateCustomer(_ context.Context, conn *domain.Connection, name string) (*domain.RemoteEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(conn, "create_customer"); err != nil {
		return nil, err
	}
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.nextID++
	c := domain.RemoteEntity{ID: fmt.Sprintf("c-%d", m.nextID), DisplayName: name, Kind: domain.EntityCustomer, Active: true}
	m.customers = append(m.customers, c)
	m.created = append(m.created, name)
	return &c, nil
}

func (m *mockAPI) CreatePurchase(_ context.Context, conn *domain.Connection, requestID string, p *domain.Purchase) (*domain.RemoteTransaction, error) {
	if m.onPost != nil {
		m.onPost()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(conn, "purchase"); err != nil {
		return nil, err
	}
	desc := p.Line[0].Description
	m.attempts[desc] = append(m.attempts[desc], requestID)
	if err := m.failLines[desc]; err != nil {
		return nil, err
	}
	m.nextID++
	m.purchases = append(m.purchases, p)
	m.requestIDs = append(m.requestIDs, requestID)
	return &domain.RemoteTransaction{ID: fmt.Sprintf("p-%d", m.nextID), Type: domain.PostingPurchase}, nil
}

func (m *mockAPI) CreateDeposit(_ context.Context, conn *domain.Connection, requestID string, d *domain.Deposit) (*domain.RemoteTransaction, error) {
	if m.onPost != nil {
		m.onPost()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(conn, "deposit"); err != nil {
		return nil, err
	}
	desc := d.Line[0].Description
	m.attempts[desc] = append(m.attempts[desc], requestID)
	if err := m.failLines[desc]; err != nil {
		return nil, err
	}
	m.nextID++
	m.deposits = append(m.deposits, d)
	m.requestIDs = append(m.requestIDs, requestID)
	return &domain.RemoteTransaction{ID: fmt.Sprintf("d-%d", m.nextID), Type: domain.PostingDeposit}, nil
}

func (m *mockAPI) Link(kind domain.PostingType, id string) string {
	return "https://app.example.test/" + string(kind) + "/" + id
}

func (m *mockAPI) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries[op]
}

type mockOracle struct {
	categories []domain.CategorySuggestion
	merchants  []domain.MerchantSuggestion
	err        error
	delay      time.Duration
	lastCat    *domain.CategoryMappingRequest
	lastMer    *domain.MerchantMappingRequest
}

func (m *mockOracle) wait(ctx context.Context) error {
	if m.delay == 0 {
		return nil
	}
	select {
	case <-time.After(m.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockOracle) SuggestCategoryMappings(ctx context.Context, req *domain.CategoryMappingRequest) ([]domain.CategorySuggestion, error) {
	m.lastCat = req
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.categories, m.err
}

func (m *mockOracle) SuggestMerchantMappings(ctx context.Context, req *domain.MerchantMappingRequest) ([]domain.MerchantSuggestion, error) {
	m.lastMer = req
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.merchants, m.err
}

// --- Helpers ---

func newGateway(api port.AccountingAPI, conns service.ConnectionProvider) *service.Gateway {
	return service.NewGateway(
		api,
		conns,
		resilience.NewSlidingWindow(1000, time.Minute),
		resilience.NewCircuitBreaker("quickbooks-test", service.IsRemoteSuccess),
		resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond},
		cache.New[[]domain.RemoteAccount](time.Minute),
		cache.New[[]domain.RemoteEntity](time.Minute),
		observability.NewMetrics(),
		zap.NewNop(),
	)
}

func activeConnection(id string) *domain.Connection {
	return &domain.Connection{
		ID:           id,
		UserID:       "user-1",
		RealmID:      "realm-1",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
		IsActive:     true,
	}
}

func intPtr(v int) *int { return &v }
