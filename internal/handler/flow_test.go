package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/handler"
	"github.com/boddenberg/ledger-sync-go/internal/infra/cache"
	"github.com/boddenberg/ledger-sync-go/internal/infra/observability"
	"github.com/boddenberg/ledger-sync-go/internal/infra/oracle"
	"github.com/boddenberg/ledger-sync-go/internal/infra/quickbooks"
	"github.com/boddenberg/ledger-sync-go/internal/infra/resilience"
	"github.com/boddenberg/ledger-sync-go/internal/infra/sqlite"
	"github.com/boddenberg/ledger-sync-go/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fakeQuickBooks serves the handful of v3 endpoints the engine calls.
type fakeQuickBooks struct {
	mu         sync.Mutex
	nextID     int
	postings   []string
	requestIDs []string
	entities   []string
}

func (f *fakeQuickBooks) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer access-flow" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/query"):
		q := r.URL.Query().Get("query")
		switch {
		case strings.Contains(q, "from Account"):
			fmt.Fprint(w, `{"QueryResponse":{"Account":[
				{"Id":"35","Name":"Checking","AccountType":"Bank","Active":true},
				{"Id":"64","Name":"Groceries","AccountType":"Expense","Active":true},
				{"Id":"79","Name":"Sales","AccountType":"Income","Active":true}]}}`)
		default:
			fmt.Fprint(w, `{"QueryResponse":{}}`)
		}

	case r.Method == http.MethodPost && (strings.HasSuffix(r.URL.Path, "/vendor") || strings.HasSuffix(r.URL.Path, "/customer")):
		var body struct {
			DisplayName string `json:"DisplayName"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.nextID++
		f.entities = append(f.entities, body.DisplayName)
		kind := "Vendor"
		if strings.HasSuffix(r.URL.Path, "/customer") {
			kind = "Customer"
		}
		fmt.Fprintf(w, `{%q:{"Id":"e-%d","DisplayName":%q,"Active":true}}`, kind, f.nextID, body.DisplayName)

	case r.Method == http.MethodPost && (strings.HasSuffix(r.URL.Path, "/purchase") || strings.HasSuffix(r.URL.Path, "/deposit")):
		f.nextID++
		kind := "Purchase"
		if strings.HasSuffix(r.URL.Path, "/deposit") {
			kind = "Deposit"
		}
		f.postings = append(f.postings, kind)
		f.requestIDs = append(f.requestIDs, r.URL.Query().Get("requestid"))
		fmt.Fprintf(w, `{%q:{"Id":"%d"}}`, kind, f.nextID)

	default:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"Fault":{"Error":[{"Message":"Unsupported","Detail":"unsupported","code":"4000"}],"type":"ValidationFault"}}`)
	}
}

// TestFlow_MapValidateSync drives a file from mapping to a finished job over
// HTTP, with a fake QuickBooks behind the real client.
func TestFlow_MapValidateSync(t *testing.T) {
	qbo := &fakeQuickBooks{}
	qboServer := httptest.NewServer(qbo)
	defer qboServer.Close()

	// --- Storage ---
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "flow.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sealer, err := sqlite.NewSealer("flow-key")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	store := sqlite.NewStore(db, sealer, zap.NewNop())
	ctx := context.Background()

	if _, err := store.UpsertConnection(ctx, &domain.Connection{
		UserID:           "user-flow",
		RealmID:          "realm-flow",
		AccessToken:      "access-flow",
		RefreshToken:     "refresh-flow",
		ExpiresAt:        time.Now().Add(time.Hour),
		RefreshExpiresAt: time.Now().Add(90 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	if err := store.InsertTransactions(ctx, []domain.Transaction{
		{ID: "f1", UserID: "user-flow", FileID: "file-flow", Date: "2024-02-01", Description: "WHOLEFDS #12", NormalizedMerchant: "Whole Foods", Amount: decimal.RequireFromString("-45.67"), Category: "Food", Subcategory: "Groceries"},
		{ID: "f2", UserID: "user-flow", FileID: "file-flow", Date: "2024-02-02", Description: "TRADER JOES", NormalizedMerchant: "Trader Joes", Amount: decimal.RequireFromString("-12.30"), Category: "Food", Subcategory: "Groceries"},
		{ID: "f3", UserID: "user-flow", FileID: "file-flow", Date: "2024-02-03", Description: "ACME PAYMENT", NormalizedMerchant: "Acme Corp", Amount: decimal.RequireFromString("1500"), Category: "Income"},
	}); err != nil {
		t.Fatalf("seed transactions: %v", err)
	}

	// --- Services ---
	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	httpClient := &http.Client{Timeout: 5 * time.Second}

	oauth := quickbooks.NewOAuth(quickbooks.OAuthConfig{ClientID: "id", ClientSecret: "secret", TokenURL: qboServer.URL + "/token"}, httpClient)
	tokens := service.NewTokenManager(store, oauth, "flow-state-secret", metrics, logger)
	gateway := service.NewGateway(
		quickbooks.NewClient(httpClient, qboServer.URL, "https://app.example.test", "75", logger),
		tokens,
		resilience.NewSlidingWindow(100, time.Minute),
		resilience.NewCircuitBreaker("quickbooks-flow", service.IsRemoteSuccess),
		resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond},
		cache.New[[]domain.RemoteAccount](time.Minute),
		cache.New[[]domain.RemoteEntity](time.Minute),
		metrics,
		logger,
	)
	resolver := service.NewMappingResolver(store, gateway, oracle.NewFuzzy(), tokens, store, time.Second, metrics, logger)
	orch := service.NewSyncOrchestrator(store, store, tokens, gateway, resolver,
		service.SyncConfig{BatchSize: 2, DefaultMinConfidence: 70}, metrics, logger)
	runner := service.NewSyncRunner(orch, resilience.NewBulkhead(2), time.Minute, logger)
	defer runner.Shutdown(ctx)

	router := handler.NewRouter(handler.Services{
		Tokens: tokens, Gateway: gateway, Mappings: resolver, Sync: orch, Runner: runner,
		Database: store, DefaultMinConfidence: 70,
	}, handler.NewTokenVerifier(testSecret), metrics, logger)
	token := signToken(t, testSecret, "user-flow", time.Now().Add(time.Hour))

	// --- Connection status ---
	rec := serve(router, http.MethodGet, "/v1/connections/quickbooks", token, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"connected":true`) {
		t.Fatalf("connection status: %d %s", rec.Code, rec.Body.String())
	}

	// --- Mappings ---
	for _, body := range []string{
		`{"category":"Food","subcategory":"Groceries","account_id":"64"}`,
		`{"category":"Income","account_id":"79"}`,
	} {
		if rec := serve(router, http.MethodPut, "/v1/mappings/categories", token, body); rec.Code != http.StatusOK {
			t.Fatalf("set mapping %s: %d %s", body, rec.Code, rec.Body.String())
		}
	}
	if rec := serve(router, http.MethodPut, "/v1/mappings/categories", token, `{"category":"Food","account_id":"35"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected a bank account to be rejected as a target, got %d", rec.Code)
	}

	rec = serve(router, http.MethodGet, "/v1/files/file-flow/mapping-coverage", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("coverage: %d %s", rec.Code, rec.Body.String())
	}
	var report domain.MappingReport
	json.NewDecoder(rec.Body).Decode(&report)
	if !report.Ready || report.Total != 3 || report.CoveragePercent != 100 {
		t.Fatalf("unexpected coverage: %+v", report)
	}

	// --- Sync ---
	rec = serve(router, http.MethodPost, "/v1/sync/jobs?process=true", token,
		`{"file_id":"file-flow","settings":{"bank_account_id":"35","bank_account_name":"Checking"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create and process: %d %s", rec.Code, rec.Body.String())
	}
	var job domain.SyncJob
	json.NewDecoder(rec.Body).Decode(&job)

	var status domain.SyncJobStatusResponse
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = serve(router, http.MethodGet, "/v1/sync/jobs/"+job.ID, token, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
		}
		status = domain.SyncJobStatusResponse{}
		json.NewDecoder(rec.Body).Decode(&status)
		if status.Job.Status.Terminal() && !runner.Running(job.ID) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish: %+v", status.Job)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if status.Job.Status != domain.JobCompleted || status.Job.SyncedTransactions != 3 || status.Progress != 100 {
		t.Fatalf("unexpected job: %+v (progress %v)", status.Job, status.Progress)
	}
	for _, rec := range status.Transactions {
		if !strings.HasPrefix(rec.RemoteLink, "https://app.example.test/app/") {
			t.Errorf("expected a deep link on %s, got %q", rec.TransactionID, rec.RemoteLink)
		}
	}

	qbo.mu.Lock()
	defer qbo.mu.Unlock()
	if strings.Join(qbo.postings, ",") != "Purchase,Purchase,Deposit" {
		t.Errorf("unexpected postings: %v", qbo.postings)
	}
	for _, id := range qbo.requestIDs {
		if id == "" {
			t.Errorf("expected every posting to carry a request id, got %v", qbo.requestIDs)
			break
		}
	}
	if len(qbo.entities) != 3 {
		t.Errorf("expected a vendor or customer per merchant, got %v", qbo.entities)
	}
}
