package domain

import "time"

// ============================================================
// Sync jobs
// ============================================================

// SyncJobStatus is the lifecycle state of a job.
type SyncJobStatus string

const (
	JobPending    SyncJobStatus = "pending"
	JobProcessing SyncJobStatus = "processing"
	JobCompleted  SyncJobStatus = "completed"
	JobPartial    SyncJobStatus = "partial"
	JobFailed     SyncJobStatus = "failed"
)

// Terminal reports whether no further processing happens without a retry.
func (s SyncJobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartial || s == JobFailed
}

// TransactionSyncStatus is the per-transaction outcome within a job.
type TransactionSyncStatus string

const (
	SyncPending TransactionSyncStatus = "pending"
	SyncSynced  TransactionSyncStatus = "synced"
	SyncFailed  TransactionSyncStatus = "failed"
	SyncSkipped TransactionSyncStatus = "skipped"
)

// Description policies for converted postings.
const (
	DescriptionOriginal = "original"
	DescriptionMerchant = "merchant"
)

// CancelledNote is written to the error log when a user cancels a job.
const CancelledNote = "cancelled by user"

// SyncSettings are the per-job options chosen by the user.
type SyncSettings struct {
	BankAccountID      string `json:"bank_account_id"`
	BankAccountName    string `json:"bank_account_name,omitempty"`
	MinConfidence      *int   `json:"min_confidence,omitempty"`
	DescriptionPolicy  string `json:"description_policy,omitempty"`
	AutoCreateEntities *bool  `json:"auto_create_entities,omitempty"`
}

// ConfidenceFloor returns the configured floor or def when unset.
func (s SyncSettings) ConfidenceFloor(def int) int {
	if s.MinConfidence == nil {
		return def
	}
	return *s.MinConfidence
}

// AutoCreate reports whether unmapped merchants get a vendor/customer created.
func (s SyncSettings) AutoCreate() bool {
	return s.AutoCreateEntities == nil || *s.AutoCreateEntities
}

// SyncErrorEntry is one line of a job's error log.
type SyncErrorEntry struct {
	TransactionID string   `json:"transaction_id,omitempty"`
	Errors        []string `json:"errors"`
}

// SyncJob tracks one attempt to post a file's transactions.
type SyncJob struct {
	ID                  string           `json:"id"`
	ConnectionID        string           `json:"connection_id"`
	UserID              string           `json:"user_id"`
	FileID              string           `json:"file_id"`
	Status              SyncJobStatus    `json:"status"`
	TotalTransactions   int              `json:"total_transactions"`
	SyncedTransactions  int              `json:"synced_transactions"`
	FailedTransactions  int              `json:"failed_transactions"`
	SkippedTransactions int              `json:"skipped_transactions"`
	Settings            SyncSettings     `json:"settings"`
	ErrorLog            []SyncErrorEntry `json:"error_log"`
	StartedAt           *time.Time       `json:"started_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	CancelledAt         *time.Time       `json:"cancelled_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Progress returns (synced+failed+skipped)/total*100, or 0 for an empty job.
func (j *SyncJob) Progress() float64 {
	if j.TotalTransactions == 0 {
		return 0
	}
	done := j.SyncedTransactions + j.FailedTransactions + j.SkippedTransactions
	return float64(done) / float64(j.TotalTransactions) * 100
}

// TransactionSync is the outcome record for one transaction within a job.
type TransactionSync struct {
	ID            string                `json:"id"`
	JobID         string                `json:"job_id"`
	TransactionID string                `json:"transaction_id"`
	Status        TransactionSyncStatus `json:"status"`
	RemoteID      string                `json:"remote_id,omitempty"`
	RemoteType    PostingType           `json:"remote_type,omitempty"`
	RemoteLink    string                `json:"remote_link,omitempty"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	RetryCount    int                   `json:"retry_count"`
	SyncedAt      *time.Time            `json:"synced_at,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// SyncCounts are the per-status record counts of a job.
type SyncCounts struct {
	Pending int
	Synced  int
	Failed  int
	Skipped int
}

// Total is the number of records in the job.
func (c SyncCounts) Total() int {
	return c.Pending + c.Synced + c.Failed + c.Skipped
}

// CreateSyncJobRequest is the body of POST /v1/sync/jobs.
type CreateSyncJobRequest struct {
	FileID   string       `json:"file_id"`
	Settings SyncSettings `json:"settings"`
}

// SyncJobStatusResponse is returned by GET /v1/sync/jobs/{jobId}.
type SyncJobStatusResponse struct {
	Job          *SyncJob          `json:"job"`
	Progress     float64           `json:"progress"`
	Transactions []TransactionSync `json:"transactions"`
}
