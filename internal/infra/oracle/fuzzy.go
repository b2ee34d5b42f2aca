package oracle

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"github.com/agnivade/levenshtein"
)

// Fuzzy matches names by edit distance. It needs no network and is the
// default when no model is configured.
type Fuzzy struct {
	// Threshold is the minimum similarity (0..1) for a match. Below it the
	// answer proposes creating a new entity.
	Threshold float64
}

// NewFuzzy returns a matcher with the default threshold.
func NewFuzzy() *Fuzzy {
	return &Fuzzy{Threshold: 0.6}
}

// SuggestCategoryMappings implements port.MappingOracle.
func (f *Fuzzy) SuggestCategoryMappings(ctx context.Context, req *domain.CategoryMappingRequest) ([]domain.CategorySuggestion, error) {
	_, span := tracer.Start(ctx, "Fuzzy.SuggestCategoryMappings")
	defer span.End()

	out := make([]domain.CategorySuggestion, 0, len(req.Categories))
	for _, key := range req.Categories {
		needle := key.Subcategory
		if needle == "" {
			needle = key.Category
		}

		var (
			best      *domain.RemoteAccount
			bestScore float64
		)
		for i := range req.Accounts {
			acc := &req.Accounts[i]
			score := max(similarity(needle, acc.Name), similarity(needle, acc.FullyQualified))
			if key.Subcategory != "" {
				// The parent category alone is a weaker signal.
				score = max(score, 0.9*similarity(key.Category, acc.Name))
			}
			if score > bestScore {
				best, bestScore = acc, score
			}
		}

		s := domain.CategorySuggestion{Category: key.Category, Subcategory: key.Subcategory}
		if best != nil && bestScore >= f.Threshold {
			s.AccountID = best.ID
			s.AccountName = best.Name
			s.AccountType = best.AccountType
			s.Confidence = percent(bestScore)
			s.Rationale = "name similarity"
		} else {
			s.AccountName = needle
			s.CreateNew = true
			s.Rationale = "no similar account"
		}
		out = append(out, s)
	}
	return out, nil
}

// SuggestMerchantMappings implements port.MappingOracle.
func (f *Fuzzy) SuggestMerchantMappings(ctx context.Context, req *domain.MerchantMappingRequest) ([]domain.MerchantSuggestion, error) {
	_, span := tracer.Start(ctx, "Fuzzy.SuggestMerchantMappings")
	defer span.End()

	candidates := make([]domain.RemoteEntity, 0, len(req.Vendors)+len(req.Customers))
	candidates = append(candidates, req.Vendors...)
	candidates = append(candidates, req.Customers...)

	out := make([]domain.MerchantSuggestion, 0, len(req.Merchants))
	for _, merchant := range req.Merchants {
		var (
			best      *domain.RemoteEntity
			bestScore float64
		)
		for i := range candidates {
			if score := similarity(merchant, candidates[i].DisplayName); score > bestScore {
				best, bestScore = &candidates[i], score
			}
		}

		s := domain.MerchantSuggestion{Merchant: merchant}
		if best != nil && bestScore >= f.Threshold {
			s.EntityID = best.ID
			s.EntityName = best.DisplayName
			s.EntityType = best.Kind
			s.Confidence = percent(bestScore)
			s.Rationale = "name similarity"
		} else {
			s.EntityName = merchant
			s.EntityType = domain.EntityVendor
			s.CreateNew = true
			s.Rationale = "no similar vendor or customer"
		}
		out = append(out, s)
	}
	return out, nil
}

// similarity is 1 - normalized edit distance over case-folded names. A name
// contained in the other scores at least 0.85.
func similarity(a, b string) float64 {
	a, b = domain.NormalizeMerchant(a), domain.NormalizeMerchant(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	score := 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
	if strings.Contains(a, b) || strings.Contains(b, a) {
		score = max(score, 0.85)
	}
	return score
}

func percent(score float64) int {
	return int(math.Round(math.Min(1, math.Max(0, score)) * 100))
}
