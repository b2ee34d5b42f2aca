package domain

// ============================================================
// Accounting platform entities and write payloads
// ============================================================

// Account types eligible as targets for category mappings.
var MappableAccountTypes = map[string]bool{
	"Expense":            true,
	"Other Expense":      true,
	"Cost of Goods Sold": true,
	"Income":             true,
	"Other Income":       true,
}

// RemoteAccount is a chart-of-accounts entry on the platform.
type RemoteAccount struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	FullyQualified string `json:"fully_qualified_name,omitempty"`
	AccountType    string `json:"account_type"`
	AccountSubType string `json:"account_sub_type,omitempty"`
	Active         bool   `json:"active"`
}

// Remote entity kinds.
const (
	EntityVendor   = "vendor"
	EntityCustomer = "customer"
)

// RemoteEntity is a vendor or customer on the platform.
type RemoteEntity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Kind        string `json:"kind"`
	Active      bool   `json:"active"`
}

// Ref is the platform's reference object ({"value": id, "name": name}).
type Ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
}

// PostingType selects which remote document a transaction becomes.
type PostingType string

const (
	PostingPurchase PostingType = "purchase"
	PostingDeposit  PostingType = "deposit"
)

// AccountLineDetail is AccountBasedExpenseLineDetail on a purchase line.
type AccountLineDetail struct {
	AccountRef Ref `json:"AccountRef"`
}

// DepositLineDetail carries the income account and optional payer.
type DepositLineDetail struct {
	AccountRef Ref  `json:"AccountRef"`
	Entity     *Ref `json:"Entity,omitempty"`
}

// PurchaseLine is one line of a purchase.
type PurchaseLine struct {
	Amount                        float64            `json:"Amount"`
	DetailType                    string             `json:"DetailType"`
	Description                   string             `json:"Description,omitempty"`
	AccountBasedExpenseLineDetail *AccountLineDetail `json:"AccountBasedExpenseLineDetail,omitempty"`
}

// Purchase is the platform payload for money leaving the bank account.
type Purchase struct {
	PaymentType string         `json:"PaymentType"`
	AccountRef  Ref            `json:"AccountRef"`
	EntityRef   *Ref           `json:"EntityRef,omitempty"`
	TxnDate     string         `json:"TxnDate"`
	PrivateNote string         `json:"PrivateNote,omitempty"`
	Line        []PurchaseLine `json:"Line"`
}

// DepositLine is one line of a deposit.
type DepositLine struct {
	Amount            float64            `json:"Amount"`
	DetailType        string             `json:"DetailType"`
	Description       string             `json:"Description,omitempty"`
	DepositLineDetail *DepositLineDetail `json:"DepositLineDetail,omitempty"`
}

// Deposit is the platform payload for money entering the bank account.
type Deposit struct {
	DepositToAccountRef Ref           `json:"DepositToAccountRef"`
	TxnDate             string        `json:"TxnDate"`
	PrivateNote         string        `json:"PrivateNote,omitempty"`
	Line                []DepositLine `json:"Line"`
}

// Posting is the converter output: exactly one of Purchase or Deposit is set.
type Posting struct {
	Type     PostingType `json:"type"`
	Purchase *Purchase   `json:"purchase,omitempty"`
	Deposit  *Deposit    `json:"deposit,omitempty"`
}

// RemoteTransaction identifies a document created on the platform.
type RemoteTransaction struct {
	ID   string      `json:"id"`
	Type PostingType `json:"type"`
	Link string      `json:"link,omitempty"`
}
