package service

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	isoDate        = "2006-01-02"
	maxPrivateNote = 4000
	notePrefix     = "Imported by LedgerSync"
)

// Accepted statement date layouts, tried in order.
var dateLayouts = []string{
	isoDate,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"01/02/2006",
}

// ResolvedMapping is what the orchestrator resolved for one transaction.
// Vendor is used by purchases, Customer by deposits; both are optional.
type ResolvedMapping struct {
	Account  domain.CategoryMapping
	Vendor   *domain.Ref
	Customer *domain.Ref
}

// PostingTypeFor returns deposit for money in and purchase for everything
// else, zero included.
func PostingTypeFor(amount decimal.Decimal) domain.PostingType {
	if amount.IsPositive() {
		return domain.PostingDeposit
	}
	return domain.PostingPurchase
}

// ValidateTransaction lists what keeps tx from being posted.
func ValidateTransaction(tx *domain.Transaction) []string {
	var problems []string
	if tx.ID == "" {
		problems = append(problems, "transaction id is missing")
	}
	if _, err := ParseTransactionDate(tx.Date); err != nil {
		problems = append(problems, fmt.Sprintf("invalid date %q", tx.Date))
	}
	if tx.Amount.IsZero() {
		problems = append(problems, "amount is zero")
	}
	if strings.TrimSpace(tx.Description) == "" && strings.TrimSpace(tx.NormalizedMerchant) == "" {
		problems = append(problems, "description or merchant is required")
	}
	return problems
}

// ParseTransactionDate accepts the statement date layouts and returns the
// calendar date.
func ParseTransactionDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &domain.ErrValidation{Field: "date", Message: fmt.Sprintf("unrecognized date %q", s)}
}

// ConvertTransaction builds the platform payload for tx.
func ConvertTransaction(tx *domain.Transaction, resolved *ResolvedMapping, settings domain.SyncSettings) (*domain.Posting, error) {
	if resolved == nil || resolved.Account.AccountID == "" {
		return nil, &domain.ErrMapping{Category: tx.Category, Subcategory: tx.Subcategory}
	}
	if settings.BankAccountID == "" {
		return nil, &domain.ErrValidation{Field: "bank_account_id", Message: "required"}
	}
	date, err := ParseTransactionDate(tx.Date)
	if err != nil {
		return nil, err
	}
	if tx.Amount.IsZero() {
		return nil, &domain.ErrValidation{Field: "amount", Message: "amount is zero"}
	}

	amount := tx.Amount.Abs().Round(2).InexactFloat64()
	txnDate := date.Format(isoDate)
	description := describe(tx, settings.DescriptionPolicy)
	note := privateNote(tx, resolved.Account.Confidence)
	bank := domain.Ref{Value: settings.BankAccountID, Name: settings.BankAccountName}
	target := domain.Ref{Value: resolved.Account.AccountID, Name: resolved.Account.AccountName}

	if PostingTypeFor(tx.Amount) == domain.PostingDeposit {
		return &domain.Posting{
			Type: domain.PostingDeposit,
			Deposit: &domain.Deposit{
				DepositToAccountRef: bank,
				TxnDate:             txnDate,
				PrivateNote:         note,
				Line: []domain.DepositLine{{
					Amount:      amount,
					DetailType:  "DepositLineDetail",
					Description: description,
					DepositLineDetail: &domain.DepositLineDetail{
						AccountRef: target,
						Entity:     resolved.Customer,
					},
				}},
			},
		}, nil
	}

	return &domain.Posting{
		Type: domain.PostingPurchase,
		Purchase: &domain.Purchase{
			PaymentType: "Cash",
			AccountRef:  bank,
			EntityRef:   resolved.Vendor,
			TxnDate:     txnDate,
			PrivateNote: note,
			Line: []domain.PurchaseLine{{
				Amount:      amount,
				DetailType:  "AccountBasedExpenseLineDetail",
				Description: description,
				AccountBasedExpenseLineDetail: &domain.AccountLineDetail{
					AccountRef: target,
				},
			}},
		},
	}, nil
}

func describe(tx *domain.Transaction, policy string) string {
	if policy == domain.DescriptionMerchant && strings.TrimSpace(tx.NormalizedMerchant) != "" {
		return strings.TrimSpace(tx.NormalizedMerchant)
	}
	if d := strings.TrimSpace(tx.Description); d != "" {
		return d
	}
	return strings.TrimSpace(tx.NormalizedMerchant)
}

// privateNote records provenance. The transaction's own confidence wins over
// the mapping's.
func privateNote(tx *domain.Transaction, mappingConfidence int) string {
	confidence := mappingConfidence
	if tx.Confidence != nil {
		confidence = *tx.Confidence
	}

	parts := []string{
		notePrefix,
		"Txn: " + tx.ID,
		fmt.Sprintf("Confidence: %d%%", confidence),
	}
	original := strings.TrimSpace(tx.Description)
	if original != "" && domain.NormalizeMerchant(original) != domain.NormalizeMerchant(tx.NormalizedMerchant) {
		parts = append(parts, "Original: "+original)
	}
	if tx.FileName != "" {
		parts = append(parts, "File: "+tx.FileName)
	}
	return truncate(strings.Join(parts, " | "), maxPrivateNote)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
