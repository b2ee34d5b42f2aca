package oracle_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/infra/oracle"
	"github.com/boddenberg/ledger-sync-go/internal/infra/resilience"

	"google.golang.org/genai"
)

var accounts = []domain.RemoteAccount{
	{ID: "64", Name: "Groceries", AccountType: "Expense", Active: true},
	{ID: "70", Name: "Meals and Entertainment", AccountType: "Expense", Active: true},
	{ID: "80", Name: "Sales", AccountType: "Income", Active: true},
}

// --- decode ---

func TestDecodeCategorySuggestions(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"bare array", `[{"category":"Food","account_id":"64","confidence":90}]`, 1, false},
		{"fenced", "```json\n[{\"category\":\"Food\",\"account_id\":\"64\"}]\n```", 1, false},
		{"prose around", `Here you go: [{"category":"Food"},{"category":"Rent"}] hope it helps`, 0, true},
		{"prose inside fence", "```json\nHere you go: [{\"category\":\"Food\"}]\n```", 0, true},
		{"trailing text after envelope", `{"mappings":[{"category":"Food"}]} done`, 0, true},
		{"envelope", `{"mappings":[{"category":"Food","account_id":"64"}]}`, 1, false},
		{"empty array", `[]`, 0, false},
		{"not json", `I cannot help with that`, 0, true},
		{"wrong shape", `{"answer":"64"}`, 0, true},
		{"wrong types", `[{"category":"Food","confidence":"high"}]`, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := oracle.DecodeCategorySuggestions([]byte(tc.raw))
			if tc.wantErr {
				if !errors.Is(err, oracle.ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("expected %d suggestions, got %d", tc.want, len(got))
			}
		})
	}
}

// --- agent ---

func TestAgent_SuggestCategoryMappings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/mappings/categories" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req domain.CategoryMappingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Categories) != 1 || len(req.Accounts) != 3 {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Write([]byte(`[{"category":"Food","subcategory":"Groceries","account_id":"64","account_name":"Groceries","confidence":92}]`))
	}))
	defer srv.Close()

	agent := oracle.NewAgent(srv.Client(), srv.URL, resilience.NewCircuitBreaker("test-agent", nil),
		resilience.Config{MaxRetries: 1, InitialBackoff: time.Millisecond})

	got, err := agent.SuggestCategoryMappings(context.Background(), &domain.CategoryMappingRequest{
		Categories: []domain.CategoryKey{{Category: "Food", Subcategory: "Groceries"}},
		Accounts:   accounts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].AccountID != "64" || got[0].Confidence != 92 {
		t.Fatalf("unexpected suggestions: %+v", got)
	}
}

func TestAgent_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	agent := oracle.NewAgent(srv.Client(), srv.URL, resilience.NewCircuitBreaker("test-agent-4xx", nil),
		resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond})

	_, err := agent.SuggestMerchantMappings(context.Background(), &domain.MerchantMappingRequest{Merchants: []string{"acme"}})
	var ext *domain.ErrExternalService
	if !errors.As(err, &ext) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestAgent_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"mappings":[{"merchant":"acme","entity_id":"58","entity_type":"vendor","confidence":88}]}`))
	}))
	defer srv.Close()

	agent := oracle.NewAgent(srv.Client(), srv.URL, resilience.NewCircuitBreaker("test-agent-5xx", nil),
		resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond})

	got, err := agent.SuggestMerchantMappings(context.Background(), &domain.MerchantMappingRequest{Merchants: []string{"acme"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].EntityID != "58" {
		t.Fatalf("unexpected suggestions: %+v", got)
	}
}

// --- gemini ---

type fakeGenerator struct {
	text   string
	err    error
	config *genai.GenerateContentConfig
	model  string
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, _ []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.config = model, config
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: f.text}}},
		}},
	}, nil
}

func TestGemini_SuggestCategoryMappings(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n[{\"category\":\"Food\",\"account_id\":\"64\",\"confidence\":80}]\n```"}
	g := oracle.NewGeminiWithGenerator(gen, "gemini-test", resilience.NewCircuitBreaker("test-gemini", nil))

	got, err := g.SuggestCategoryMappings(context.Background(), &domain.CategoryMappingRequest{
		Categories: []domain.CategoryKey{{Category: "Food"}},
		Accounts:   accounts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].AccountID != "64" {
		t.Fatalf("unexpected suggestions: %+v", got)
	}
	if gen.model != "gemini-test" || gen.config.ResponseMIMEType != "application/json" {
		t.Fatalf("unexpected call: model=%s config=%+v", gen.model, gen.config)
	}
}

func TestGemini_Errors(t *testing.T) {
	g := oracle.NewGeminiWithGenerator(&fakeGenerator{err: errors.New("quota")}, "m", resilience.NewCircuitBreaker("test-gemini-err", nil))
	_, err := g.SuggestMerchantMappings(context.Background(), &domain.MerchantMappingRequest{})
	var ext *domain.ErrExternalService
	if !errors.As(err, &ext) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}

	g = oracle.NewGeminiWithGenerator(&fakeGenerator{text: ""}, "m", resilience.NewCircuitBreaker("test-gemini-empty", nil))
	_, err = g.SuggestMerchantMappings(context.Background(), &domain.MerchantMappingRequest{})
	if !errors.Is(err, oracle.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

// --- fuzzy ---

func TestFuzzy_Categories(t *testing.T) {
	f := oracle.NewFuzzy()
	got, err := f.SuggestCategoryMappings(context.Background(), &domain.CategoryMappingRequest{
		Categories: []domain.CategoryKey{
			{Category: "Food", Subcategory: "Groceries"},
			{Category: "Food", Subcategory: "Meals"},
			{Category: "Zzyzx"},
		},
		Accounts: accounts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected one answer per category, got %d", len(got))
	}
	if got[0].AccountID != "64" || got[0].Confidence != 100 {
		t.Fatalf("expected exact Groceries match, got %+v", got[0])
	}
	if got[1].AccountID != "70" || got[1].Confidence < 60 {
		t.Fatalf("expected Meals to match account 70, got %+v", got[1])
	}
	if !got[2].CreateNew || got[2].AccountID != "" {
		t.Fatalf("expected create_new for unknown category, got %+v", got[2])
	}
}

func TestFuzzy_Merchants(t *testing.T) {
	f := oracle.NewFuzzy()
	got, err := f.SuggestMerchantMappings(context.Background(), &domain.MerchantMappingRequest{
		Merchants: []string{"acme corp", "jane doe"},
		Vendors:   []domain.RemoteEntity{{ID: "58", DisplayName: "ACME Corp.", Kind: domain.EntityVendor}},
		Customers: []domain.RemoteEntity{{ID: "9", DisplayName: "Globex", Kind: domain.EntityCustomer}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].EntityID != "58" || got[0].EntityType != domain.EntityVendor {
		t.Fatalf("expected acme to match vendor 58, got %+v", got[0])
	}
	if !got[1].CreateNew || got[1].EntityName != "jane doe" {
		t.Fatalf("expected create_new for unknown merchant, got %+v", got[1])
	}
}
