package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one line extracted from a bank statement. Rows are produced by
// the extraction pipeline and are read-only for the sync engine.
type Transaction struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	FileID             string          `json:"file_id"`
	FileName           string          `json:"file_name,omitempty"`
	Date               string          `json:"date"`
	Description        string          `json:"description"`
	NormalizedMerchant string          `json:"normalized_merchant,omitempty"`
	Amount             decimal.Decimal `json:"amount"` // negative = money out
	Category           string          `json:"category,omitempty"`
	Subcategory        string          `json:"subcategory,omitempty"`
	Confidence         *int            `json:"confidence,omitempty"` // categorization confidence 0..100
	CreatedAt          time.Time       `json:"created_at"`
}

// MerchantName is the name used to look up a transaction's merchant mapping.
func (t *Transaction) MerchantName() string {
	if t.NormalizedMerchant != "" {
		return t.NormalizedMerchant
	}
	return t.Description
}
