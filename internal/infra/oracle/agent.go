package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
)

// maxAnswerBytes bounds how much of an agent response is read.
const maxAnswerBytes = 1 << 20

// Agent calls an HTTP mapping agent service.
type Agent struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewAgent creates a new Agent.
func NewAgent(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *Agent {
	return &Agent{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}
}

// SuggestCategoryMappings asks the agent to map categories onto accounts.
func (a *Agent) SuggestCategoryMappings(ctx context.Context, req *domain.CategoryMappingRequest) ([]domain.CategorySuggestion, error) {
	ctx, span := tracer.Start(ctx, "Agent.SuggestCategoryMappings")
	defer span.End()
	span.SetAttributes(attribute.Int("categories.count", len(req.Categories)))

	raw, err := a.invoke(ctx, "/v1/mappings/categories", req)
	if err != nil {
		return nil, err
	}
	return DecodeCategorySuggestions(raw)
}

// SuggestMerchantMappings asks the agent to map merchants onto vendors and customers.
func (a *Agent) SuggestMerchantMappings(ctx context.Context, req *domain.MerchantMappingRequest) ([]domain.MerchantSuggestion, error) {
	ctx, span := tracer.Start(ctx, "Agent.SuggestMerchantMappings")
	defer span.End()
	span.SetAttributes(attribute.Int("merchants.count", len(req.Merchants)))

	raw, err := a.invoke(ctx, "/v1/mappings/merchants", req)
	if err != nil {
		return nil, err
	}
	return DecodeMerchantSuggestions(raw)
}

func (a *Agent) invoke(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	result, err := a.cb.Execute(func() (any, error) {
		var raw []byte
		innerErr := resilience.RetryWithBackoff(ctx, a.cfg, func() error {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
			if err != nil {
				return resilience.Permanent(err)
			}
			httpReq.Header.Set("Content-Type", "application/json")

			resp, err := a.httpClient.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return resilience.Permanent(fmt.Errorf("agent API returned status %d", resp.StatusCode))
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("agent API returned status %d", resp.StatusCode)
			}

			raw, err = io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
			return err
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return raw, nil
	})

	if err != nil {
		return nil, &domain.ErrExternalService{Service: "oracle/agent", Err: err}
	}

	return result.([]byte), nil
}
