package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"
)

const categoryInstructions = `You map bank-statement categories onto accounts from a chart of accounts.
For every entry in "categories" pick the single best account from "accounts".
Answer with a JSON array. Each element has: category, subcategory, account_id, account_name,
account_type, confidence (integer 0-100), rationale, create_new (true only when no account fits;
then leave account_id empty and propose account_name).
Only use account ids that appear in the input.`

const merchantInstructions = `You map merchant names from bank statements onto vendors and customers.
For every entry in "merchants" pick the best match from "vendors" (money paid out) or "customers"
(money received). Answer with a JSON array. Each element has: merchant, entity_id, entity_name,
entity_type ("vendor" or "customer"), confidence (integer 0-100), rationale, create_new (true when
nothing matches; then leave entity_id empty and propose entity_name).
Only use entity ids that appear in the input.`

// Generator is the part of the genai client used here; *genai.Models
// satisfies it.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini asks a Gemini model for mapping suggestions.
type Gemini struct {
	models Generator
	model  string
	cb     *gobreaker.CircuitBreaker
}

// NewGemini creates a Gemini oracle backed by the Gemini API.
func NewGemini(ctx context.Context, apiKey, model string, cb *gobreaker.CircuitBreaker) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return NewGeminiWithGenerator(client.Models, model, cb), nil
}

// NewGeminiWithGenerator wires an existing generator.
func NewGeminiWithGenerator(g Generator, model string, cb *gobreaker.CircuitBreaker) *Gemini {
	return &Gemini{models: g, model: model, cb: cb}
}

// SuggestCategoryMappings implements port.MappingOracle.
func (g *Gemini) SuggestCategoryMappings(ctx context.Context, req *domain.CategoryMappingRequest) ([]domain.CategorySuggestion, error) {
	ctx, span := tracer.Start(ctx, "Gemini.SuggestCategoryMappings")
	defer span.End()
	span.SetAttributes(attribute.String("model", g.model), attribute.Int("categories.count", len(req.Categories)))

	text, err := g.generate(ctx, categoryInstructions, req)
	if err != nil {
		return nil, err
	}
	return DecodeCategorySuggestions([]byte(text))
}

// SuggestMerchantMappings implements port.MappingOracle.
func (g *Gemini) SuggestMerchantMappings(ctx context.Context, req *domain.MerchantMappingRequest) ([]domain.MerchantSuggestion, error) {
	ctx, span := tracer.Start(ctx, "Gemini.SuggestMerchantMappings")
	defer span.End()
	span.SetAttributes(attribute.String("model", g.model), attribute.Int("merchants.count", len(req.Merchants)))

	text, err := g.generate(ctx, merchantInstructions, req)
	if err != nil {
		return nil, err
	}
	return DecodeMerchantSuggestions([]byte(text))
}

func (g *Gemini) generate(ctx context.Context, instructions string, input any) (string, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return "", err
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: instructions},
				{Text: string(payload)},
			},
		},
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	}

	result, err := g.cb.Execute(func() (any, error) {
		resp, err := g.models.GenerateContent(ctx, g.model, contents, config)
		if err != nil {
			return nil, err
		}
		return resp.Text(), nil
	})
	if err != nil {
		return "", &domain.ErrExternalService{Service: "oracle/gemini", Err: err}
	}

	text := result.(string)
	if text == "" {
		return "", fmt.Errorf("%w: empty response from model", ErrMalformed)
	}
	return text, nil
}
