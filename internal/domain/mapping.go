package domain

import (
	"strings"
	"time"
)

// ============================================================
// Category → account and merchant → vendor/customer mappings
// ============================================================

// CategoryMapping binds a local (category, subcategory) pair to a remote
// account. An empty Subcategory applies to the whole category.
type CategoryMapping struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Category     string    `json:"category"`
	Subcategory  string    `json:"subcategory"`
	AccountID    string    `json:"account_id"`
	AccountName  string    `json:"account_name"`
	AccountType  string    `json:"account_type,omitempty"`
	Confidence   int       `json:"confidence"`
	AutoMapped   bool      `json:"auto_mapped"`
	Rationale    string    `json:"rationale,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MerchantMapping binds a normalized merchant name to a vendor and/or customer.
type MerchantMapping struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Merchant     string    `json:"merchant"`
	VendorID     string    `json:"vendor_id,omitempty"`
	VendorName   string    `json:"vendor_name,omitempty"`
	CustomerID   string    `json:"customer_id,omitempty"`
	CustomerName string    `json:"customer_name,omitempty"`
	Confidence   int       `json:"confidence"`
	AutoCreated  bool      `json:"auto_created"`
	AutoMapped   bool      `json:"auto_mapped"`
	Rationale    string    `json:"rationale,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CategoryKey is a (category, subcategory) pair to be mapped.
type CategoryKey struct {
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
}

// CategorySuggestion is one oracle answer for a category.
type CategorySuggestion struct {
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	AccountType string `json:"account_type,omitempty"`
	Confidence  int    `json:"confidence"`
	Rationale   string `json:"rationale,omitempty"`
	CreateNew   bool   `json:"create_new"`
}

// MerchantSuggestion is one oracle answer for a merchant.
type MerchantSuggestion struct {
	Merchant   string `json:"merchant"`
	EntityID   string `json:"entity_id"`
	EntityName string `json:"entity_name"`
	EntityType string `json:"entity_type"` // vendor | customer
	Confidence int    `json:"confidence"`
	Rationale  string `json:"rationale,omitempty"`
	CreateNew  bool   `json:"create_new"`
}

// CategoryMappingRequest is sent to the mapping oracle.
type CategoryMappingRequest struct {
	Categories []CategoryKey   `json:"categories"`
	Accounts   []RemoteAccount `json:"accounts"`
}

// MerchantMappingRequest is sent to the mapping oracle.
type MerchantMappingRequest struct {
	Merchants []string       `json:"merchants"`
	Vendors   []RemoteEntity `json:"vendors"`
	Customers []RemoteEntity `json:"customers"`
}

// MappingReport is the pre-flight coverage check for a set of transactions.
type MappingReport struct {
	Total              int      `json:"total"`
	Valid              int      `json:"valid"`
	UnmappedCategories []string `json:"unmapped_categories"`
	UnmappedMerchants  []string `json:"unmapped_merchants"`
	LowConfidence      []string `json:"low_confidence"`
	CoveragePercent    float64  `json:"coverage_percent"`
	Ready              bool     `json:"ready"`
}

// UncategorizedLabel reports transactions that carry no category at all.
const UncategorizedLabel = "(uncategorized)"

// NormalizeMerchant produces the lookup key for a merchant name.
func NormalizeMerchant(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// CategoryLabel renders a (category, subcategory) pair for reports.
func CategoryLabel(category, subcategory string) string {
	if subcategory == "" {
		return category
	}
	return category + " / " + subcategory
}

// GenerateMappingsRequest is the body of POST /v1/mappings/*/generate. With a
// FileID, the file's unmapped keys are added to the explicit ones.
type GenerateMappingsRequest struct {
	FileID     string        `json:"file_id,omitempty"`
	Categories []CategoryKey `json:"categories,omitempty"`
	Merchants  []string      `json:"merchants,omitempty"`
}

// GeneratedCategoryMappings is the outcome of a category generation run.
// Suggestions include "create new" answers, which are never stored.
type GeneratedCategoryMappings struct {
	Suggestions []CategorySuggestion `json:"suggestions"`
	Stored      []CategoryMapping    `json:"stored"`
}

// GeneratedMerchantMappings is the outcome of a merchant generation run.
type GeneratedMerchantMappings struct {
	Suggestions []MerchantSuggestion `json:"suggestions"`
	Stored      []MerchantMapping    `json:"stored"`
}

// SetCategoryMappingRequest is the body of PUT /v1/mappings/categories.
type SetCategoryMappingRequest struct {
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
	AccountID   string `json:"account_id"`
}

// SetMerchantMappingRequest is the body of PUT /v1/mappings/merchants. At
// least one of VendorID or CustomerID is required.
type SetMerchantMappingRequest struct {
	Merchant   string `json:"merchant"`
	VendorID   string `json:"vendor_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
}
