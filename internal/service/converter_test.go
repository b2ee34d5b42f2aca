package service_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/service"

	"github.com/shopspring/decimal"
)

var bankSettings = domain.SyncSettings{BankAccountID: "35", BankAccountName: "Checking"}

func groceriesMapping() *service.ResolvedMapping {
	return &service.ResolvedMapping{
		Account: domain.CategoryMapping{Category: "Food", Subcategory: "Groceries", AccountID: "64", AccountName: "Groceries", Confidence: 90},
		Vendor:  &domain.Ref{Value: "56", Name: "Whole Foods"},
	}
}

func TestPostingTypeFor(t *testing.T) {
	tests := []struct {
		amount string
		want   domain.PostingType
	}{
		{"0.01", domain.PostingDeposit},
		{"1500", domain.PostingDeposit},
		{"0", domain.PostingPurchase},
		{"-0.01", domain.PostingPurchase},
		{"-45.67", domain.PostingPurchase},
	}
	for _, tc := range tests {
		t.Run(tc.amount, func(t *testing.T) {
			if got := service.PostingTypeFor(decimal.RequireFromString(tc.amount)); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestConvertTransaction_GroceriesPurchase(t *testing.T) {
	tx := &domain.Transaction{
		ID:                 "tx-1",
		Date:               "2024-01-15",
		Description:        "WHOLEFDS MKT #123",
		NormalizedMerchant: "Whole Foods",
		Amount:             decimal.RequireFromString("-45.67"),
		Category:           "Food",
		Subcategory:        "Groceries",
		FileName:           "january.pdf",
	}

	posting, err := service.ConvertTransaction(tx, groceriesMapping(), bankSettings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if posting.Type != domain.PostingPurchase || posting.Purchase == nil || posting.Deposit != nil {
		t.Fatalf("expected a purchase, got %+v", posting)
	}

	p := posting.Purchase
	if p.AccountRef.Value != "35" {
		t.Errorf("expected bank account 35, got %s", p.AccountRef.Value)
	}
	if p.EntityRef == nil || p.EntityRef.Value != "56" {
		t.Errorf("expected vendor 56, got %+v", p.EntityRef)
	}
	if p.TxnDate != "2024-01-15" {
		t.Errorf("expected date 2024-01-15, got %s", p.TxnDate)
	}
	if len(p.Line) != 1 {
		t.Fatalf("expected one line, got %d", len(p.Line))
	}
	line := p.Line[0]
	if line.Amount != 45.67 {
		t.Errorf("expected amount 45.67, got %v", line.Amount)
	}
	if line.AccountBasedExpenseLineDetail.AccountRef.Value != "64" {
		t.Errorf("expected account 64, got %s", line.AccountBasedExpenseLineDetail.AccountRef.Value)
	}
	if line.Description != "WHOLEFDS MKT #123" {
		t.Errorf("expected the original description, got %q", line.Description)
	}
	for _, want := range []string{"Imported by LedgerSync", "Txn: tx-1", "Confidence: 90%", "Original: WHOLEFDS MKT #123", "File: january.pdf"} {
		if !strings.Contains(p.PrivateNote, want) {
			t.Errorf("expected %q in note %q", want, p.PrivateNote)
		}
	}
}

func TestConvertTransaction_Deposit(t *testing.T) {
	tx := &domain.Transaction{
		ID:                 "tx-2",
		Date:               "03/31/2024",
		Description:        "Acme Corp",
		NormalizedMerchant: "acme corp",
		Amount:             decimal.RequireFromString("1200.005"),
		Confidence:         intPtr(77),
	}
	resolved := &service.ResolvedMapping{
		Account:  domain.CategoryMapping{AccountID: "79", AccountName: "Sales of Product Income", Confidence: 95},
		Customer: &domain.Ref{Value: "3", Name: "Acme Corp"},
	}
	settings := bankSettings
	settings.DescriptionPolicy = domain.DescriptionMerchant

	posting, err := service.ConvertTransaction(tx, resolved, settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := posting.Deposit
	if posting.Type != domain.PostingDeposit || d == nil || posting.Purchase != nil {
		t.Fatalf("expected a deposit, got %+v", posting)
	}
	if d.DepositToAccountRef.Value != "35" || d.TxnDate != "2024-03-31" {
		t.Errorf("unexpected header: %+v", d)
	}
	line := d.Line[0]
	if line.Amount != 1200.01 {
		t.Errorf("expected amount rounded to 1200.01, got %v", line.Amount)
	}
	if line.DepositLineDetail.AccountRef.Value != "79" || line.DepositLineDetail.Entity.Value != "3" {
		t.Errorf("unexpected line detail: %+v", line.DepositLineDetail)
	}
	if line.Description != "acme corp" {
		t.Errorf("expected the merchant as description, got %q", line.Description)
	}
	if !strings.Contains(d.PrivateNote, "Confidence: 77%") {
		t.Errorf("expected the transaction confidence in the note, got %q", d.PrivateNote)
	}
	if strings.Contains(d.PrivateNote, "Original:") {
		t.Errorf("expected no original when it matches the merchant, got %q", d.PrivateNote)
	}
}

func TestConvertTransaction_Errors(t *testing.T) {
	base := domain.Transaction{ID: "tx-3", Date: "2024-01-15", Description: "x", Amount: decimal.RequireFromString("-1"), Category: "Food"}

	_, err := service.ConvertTransaction(&base, &service.ResolvedMapping{}, bankSettings)
	var mapErr *domain.ErrMapping
	if !errors.As(err, &mapErr) || mapErr.Category != "Food" {
		t.Errorf("expected ErrMapping, got %v", err)
	}

	badDate := base
	badDate.Date = "15th of January"
	_, err = service.ConvertTransaction(&badDate, groceriesMapping(), bankSettings)
	var valErr *domain.ErrValidation
	if !errors.As(err, &valErr) || valErr.Field != "date" {
		t.Errorf("expected ErrValidation(date), got %v", err)
	}

	zero := base
	zero.Amount = decimal.Zero
	_, err = service.ConvertTransaction(&zero, groceriesMapping(), bankSettings)
	if !errors.As(err, &valErr) || valErr.Field != "amount" {
		t.Errorf("expected ErrValidation(amount), got %v", err)
	}
}

func TestValidateTransaction(t *testing.T) {
	good := domain.Transaction{ID: "tx", Date: "2024-01-15T10:00:00Z", Description: "x", Amount: decimal.NewFromInt(5)}
	if problems := service.ValidateTransaction(&good); len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}

	bad := domain.Transaction{Date: "yesterday", Amount: decimal.Zero}
	if problems := service.ValidateTransaction(&bad); len(problems) != 4 {
		t.Fatalf("expected 4 problems, got %v", problems)
	}
}

func TestConvertTransaction_NoteTruncated(t *testing.T) {
	tx := &domain.Transaction{
		ID:          "tx-4",
		Date:        "2024-01-15",
		Description: strings.Repeat("a", 5000),
		Amount:      decimal.RequireFromString("-1"),
	}
	posting, err := service.ConvertTransaction(tx, groceriesMapping(), bankSettings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len([]rune(posting.Purchase.PrivateNote)); n != 4000 {
		t.Fatalf("expected note truncated to 4000 chars, got %d", n)
	}
}
