// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
)

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

// OAuthProvider talks to the accounting platform's authorization server.
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*domain.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenSet, error)
	Revoke(ctx context.Context, token string) error
}

// AccountingAPI is the raw accounting platform REST surface. Every call is made
// with an explicit connection; rate limiting and token freshness are the
// caller's concern.
type AccountingAPI interface {
	QueryAccounts(ctx context.Context, conn *domain.Connection) ([]domain.RemoteAccount, error)
	QueryVendors(ctx context.Context, conn *domain.Connection) ([]domain.RemoteEntity, error)
	QueryCustomers(ctx context.Context, conn *domain.Connection) ([]domain.RemoteEntity, error)
	CreateVendor(ctx context.Context, conn *domain.Connection, name string) (*domain.RemoteEntity, error)
	CreateCustomer(ctx context.Context, conn *domain.Connection, name string) (*domain.RemoteEntity, error)
	CreatePurchase(ctx context.Context, conn *domain.Connection, requestID string, p *domain.Purchase) (*domain.RemoteTransaction, error)
	CreateDeposit(ctx context.Context, conn *domain.Connection, requestID string, d *domain.Deposit) (*domain.RemoteTransaction, error)
}

// MappingOracle suggests mappings for categories and merchants. Implementations
// may be slow or unavailable; callers bound them with a deadline.
type MappingOracle interface {
	SuggestCategoryMappings(ctx context.Context, req *domain.CategoryMappingRequest) ([]domain.CategorySuggestion, error)
	SuggestMerchantMappings(ctx context.Context, req *domain.MerchantMappingRequest) ([]domain.MerchantSuggestion, error)
}

// ConnectionStore persists connections. Token fields are owned by the token
// manager; nothing else writes them.
type ConnectionStore interface {
	// UpsertConnection inserts or re-activates the row for (user, realm) and
	// deactivates the user's other connections.
	UpsertConnection(ctx context.Context, conn *domain.Connection) (*domain.Connection, error)
	// GetActiveConnection returns nil, nil when the user has none.
	GetActiveConnection(ctx context.Context, userID string) (*domain.Connection, error)
	GetConnection(ctx context.Context, id string) (*domain.Connection, error)
	UpdateTokens(ctx context.Context, id string, tokens *domain.TokenSet) error
	DeactivateConnection(ctx context.Context, id string) error
	TouchLastSynced(ctx context.Context, id string, at time.Time) error
}

// MappingStore persists category and merchant mappings with upsert semantics.
type MappingStore interface {
	UpsertCategoryMapping(ctx context.Context, m *domain.CategoryMapping) (*domain.CategoryMapping, error)
	ListCategoryMappings(ctx context.Context, connectionID string) ([]domain.CategoryMapping, error)
	UpsertMerchantMapping(ctx context.Context, m *domain.MerchantMapping) (*domain.MerchantMapping, error)
	ListMerchantMappings(ctx context.Context, connectionID string) ([]domain.MerchantMapping, error)
}

// SyncStore persists jobs and their per-transaction records.
type SyncStore interface {
	// FindSyncJob returns nil, nil when no job exists for (connection, file).
	FindSyncJob(ctx context.Context, connectionID, fileID string) (*domain.SyncJob, error)
	CreateSyncJob(ctx context.Context, job *domain.SyncJob, transactionIDs []string) error
	// AddTransactionSyncs inserts pending records for ids not yet in the job
	// and returns how many were added.
	AddTransactionSyncs(ctx context.Context, jobID string, transactionIDs []string) (int, error)
	GetSyncJob(ctx context.Context, id string) (*domain.SyncJob, error)
	ListSyncJobs(ctx context.Context, userID string, limit int) ([]domain.SyncJob, error)
	UpdateSyncJob(ctx context.Context, job *domain.SyncJob) error
	// TransitionSyncJob writes status, counters, error log and timestamps only
	// if the stored status is one of from. It reports whether the row changed.
	TransitionSyncJob(ctx context.Context, job *domain.SyncJob, from ...domain.SyncJobStatus) (bool, error)
	UpdateSyncJobCounters(ctx context.Context, jobID string, counts domain.SyncCounts) error
	// ListTransactionSyncs filters by status; an empty status returns all.
	ListTransactionSyncs(ctx context.Context, jobID string, status domain.TransactionSyncStatus) ([]domain.TransactionSync, error)
	RecordTransactionSync(ctx context.Context, rec *domain.TransactionSync) error
	// ReopenSyncJob is TransitionSyncJob plus moving the job's failed records
	// back to pending with retry_count+1, atomically. It reports whether the
	// job was claimed and how many records were reset.
	ReopenSyncJob(ctx context.Context, job *domain.SyncJob, from ...domain.SyncJobStatus) (bool, int, error)
	CountTransactionSyncs(ctx context.Context, jobID string) (domain.SyncCounts, error)
}

// TransactionSource reads extracted statement transactions.
type TransactionSource interface {
	// ListTransactionsByFile returns a file's transactions ordered by date.
	ListTransactionsByFile(ctx context.Context, userID, fileID string) ([]domain.Transaction, error)
	// GetTransactions returns the given transactions ordered by date.
	GetTransactions(ctx context.Context, ids []string) ([]domain.Transaction, error)
}
