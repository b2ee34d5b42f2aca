// Package oracle holds the MappingOracle adapters: an HTTP agent, Gemini and
// a local fuzzy matcher. Adapters only translate; the mapping resolver checks
// every answer against the live remote entities before using it.
package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("oracle")

// ErrMalformed is returned when an oracle answer cannot be decoded.
var ErrMalformed = errors.New("oracle: malformed response")

// cleanJSON strips a Markdown code fence. Anything else around the JSON is
// left in place and fails decoding.
func cleanJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	idx := strings.Index(s, "\n")
	if idx == -1 {
		return s
	}
	s = strings.TrimSpace(s[idx+1:])
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

// envelope accepts either a bare array or {"mappings": [...]}.
type envelope[T any] struct {
	Mappings    []T `json:"mappings"`
	Suggestions []T `json:"suggestions"`
}

func decodeList[T any](raw []byte) ([]T, error) {
	clean := []byte(cleanJSON(string(raw)))
	if len(clean) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	if clean[0] == '[' {
		var out []T
		if err := json.Unmarshal(clean, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return out, nil
	}

	var env envelope[T]
	if err := json.Unmarshal(clean, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Mappings != nil {
		return env.Mappings, nil
	}
	if env.Suggestions != nil {
		return env.Suggestions, nil
	}
	return nil, fmt.Errorf("%w: no mappings field", ErrMalformed)
}

// DecodeCategorySuggestions parses an oracle answer for categories.
func DecodeCategorySuggestions(raw []byte) ([]domain.CategorySuggestion, error) {
	return decodeList[domain.CategorySuggestion](raw)
}

// DecodeMerchantSuggestions parses an oracle answer for merchants.
func DecodeMerchantSuggestions(raw []byte) ([]domain.MerchantSuggestion, error) {
	return decodeList[domain.MerchantSuggestion](raw)
}
