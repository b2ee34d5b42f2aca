package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/infra/observability"
	"github.com/boddenberg/ledger-sync-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var syncTracer = otel.Tracer("service/sync")

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// ConnectionTracker is the part of the token manager the orchestrator needs.
type ConnectionTracker interface {
	ConnectionProvider
	MarkSynced(ctx context.Context, connectionID string, at time.Time) error
}

// SyncConfig holds the orchestrator's tuning knobs.
type SyncConfig struct {
	BatchSize            int
	BatchDelay           time.Duration
	DefaultMinConfidence int
}

// SyncOrchestrator owns sync jobs and their per-transaction records.
type SyncOrchestrator struct {
	store    port.SyncStore
	txs      port.TransactionSource
	conns    ConnectionTracker
	gateway  *Gateway
	resolver *MappingResolver
	cfg      SyncConfig
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewSyncOrchestrator creates the orchestrator.
func NewSyncOrchestrator(
	store port.SyncStore,
	txs port.TransactionSource,
	conns ConnectionTracker,
	gateway *Gateway,
	resolver *MappingResolver,
	cfg SyncConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *SyncOrchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &SyncOrchestrator{
		store:    store,
		txs:      txs,
		conns:    conns,
		gateway:  gateway,
		resolver: resolver,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// ============================================================
// Job creation: POST /v1/sync/jobs
// ============================================================

// CreateSyncJob creates the job for (connection, file), or refreshes the
// existing one: its settings are replaced and records for new transactions
// are added, re-opening it if any were.
func (o *SyncOrchestrator) CreateSyncJob(ctx context.Context, userID string, req *domain.CreateSyncJobRequest) (*domain.SyncJob, error) {
	ctx, span := syncTracer.Start(ctx, "SyncOrchestrator.CreateSyncJob")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("file.id", req.FileID))

	if req.FileID == "" {
		return nil, &domain.ErrValidation{Field: "file_id", Message: "required"}
	}
	settings, err := o.normalizeSettings(req.Settings)
	if err != nil {
		return nil, err
	}

	conn, err := o.conns.GetValidConnection(ctx, userID)
	if err != nil {
		return nil, err
	}

	txs, err := o.txs.ListTransactionsByFile(ctx, userID, req.FileID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil, &domain.ErrValidation{Field: "file_id", Message: "file has no transactions"}
	}
	ids := make([]string, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID
	}

	existing, err := o.store.FindSyncJob(ctx, conn.ID, req.FileID)
	if err != nil {
		return nil, fmt.Errorf("find sync job: %w", err)
	}
	if existing != nil {
		return o.refreshJob(ctx, existing, settings, ids)
	}

	job := &domain.SyncJob{
		ConnectionID:      conn.ID,
		UserID:            userID,
		FileID:            req.FileID,
		Status:            domain.JobPending,
		TotalTransactions: len(ids),
		Settings:          settings,
		ErrorLog:          []domain.SyncErrorEntry{},
	}
	if err := o.store.CreateSyncJob(ctx, job, ids); err != nil {
		return nil, fmt.Errorf("create sync job: %w", err)
	}

	o.logger.Info("sync job created",
		zap.String("job_id", job.ID),
		zap.String("user_id", userID),
		zap.String("file_id", req.FileID),
		zap.Int("transactions", len(ids)),
	)
	return job, nil
}

func (o *SyncOrchestrator) refreshJob(ctx context.Context, job *domain.SyncJob, settings domain.SyncSettings, ids []string) (*domain.SyncJob, error) {
	if job.Status == domain.JobProcessing {
		return nil, &domain.ErrConflict{Message: "sync job is running"}
	}

	added, err := o.store.AddTransactionSyncs(ctx, job.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("add transaction syncs: %w", err)
	}
	counts, err := o.store.CountTransactionSyncs(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	job.Settings = settings
	applyCounts(job, counts)
	if added > 0 {
		job.Status = domain.JobPending
		job.CompletedAt = nil
		job.CancelledAt = nil
	}
	if err := o.store.UpdateSyncJob(ctx, job); err != nil {
		return nil, fmt.Errorf("update sync job: %w", err)
	}

	o.logger.Info("sync job refreshed",
		zap.String("job_id", job.ID),
		zap.Int("added", added),
		zap.String("status", string(job.Status)),
	)
	return job, nil
}

func (o *SyncOrchestrator) normalizeSettings(s domain.SyncSettings) (domain.SyncSettings, error) {
	s.BankAccountID = strings.TrimSpace(s.BankAccountID)
	if s.BankAccountID == "" {
		return s, &domain.ErrValidation{Field: "settings.bank_account_id", Message: "required"}
	}
	floor := s.ConfidenceFloor(o.cfg.DefaultMinConfidence)
	if floor < 0 || floor > 100 {
		return s, &domain.ErrValidation{Field: "settings.min_confidence", Message: "must be between 0 and 100"}
	}
	s.MinConfidence = &floor

	switch s.DescriptionPolicy {
	case "":
		s.DescriptionPolicy = domain.DescriptionOriginal
	case domain.DescriptionOriginal, domain.DescriptionMerchant:
	default:
		return s, &domain.ErrValidation{Field: "settings.description_policy", Message: "must be original or merchant"}
	}

	auto := s.AutoCreate()
	s.AutoCreateEntities = &auto
	return s, nil
}

// ============================================================
// Processing: POST /v1/sync/jobs/{jobId}/process|retry
// ============================================================

// ProcessSyncJob claims a pending job and runs it to the end.
func (o *SyncOrchestrator) ProcessSyncJob(ctx context.Context, userID, jobID string) (*domain.SyncJob, error) {
	job, err := o.StartSyncJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return o.RunSyncJob(ctx, job)
}

// RetryFailedTransactions re-opens the failed records of a finished job and
// runs it again. Synced and skipped records are left alone.
func (o *SyncOrchestrator) RetryFailedTransactions(ctx context.Context, userID, jobID string) (*domain.SyncJob, error) {
	job, err := o.StartRetry(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return o.RunSyncJob(ctx, job)
}

// StartSyncJob moves a pending job to processing.
func (o *SyncOrchestrator) StartSyncJob(ctx context.Context, userID, jobID string) (*domain.SyncJob, error) {
	job, err := o.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobPending {
		return nil, &domain.ErrConflict{Message: fmt.Sprintf("sync job is %s, not pending", job.Status)}
	}
	return o.claim(ctx, job, domain.JobPending)
}

// StartRetry moves a finished job to processing and its failed records back
// to pending in one store transaction.
func (o *SyncOrchestrator) StartRetry(ctx context.Context, userID, jobID string) (*domain.SyncJob, error) {
	job, err := o.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobPartial && job.Status != domain.JobFailed {
		return nil, &domain.ErrConflict{Message: fmt.Sprintf("sync job is %s, nothing to retry", job.Status)}
	}
	counts, err := o.store.CountTransactionSyncs(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if counts.Failed+counts.Pending == 0 {
		return nil, &domain.ErrConflict{Message: "sync job has no failed transactions"}
	}

	o.markProcessing(job)
	ok, reset, err := o.store.ReopenSyncJob(ctx, job, domain.JobPartial, domain.JobFailed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.ErrConflict{Message: "sync job changed state, try again"}
	}
	o.logger.Info("retrying failed transactions", zap.String("job_id", job.ID), zap.Int("reset", reset))
	return job, nil
}

func (o *SyncOrchestrator) markProcessing(job *domain.SyncJob) {
	started := o.now().UTC()
	job.Status = domain.JobProcessing
	job.StartedAt = &started
	job.CompletedAt = nil
	job.CancelledAt = nil
}

func (o *SyncOrchestrator) claim(ctx context.Context, job *domain.SyncJob, from ...domain.SyncJobStatus) (*domain.SyncJob, error) {
	o.markProcessing(job)
	ok, err := o.store.TransitionSyncJob(ctx, job, from...)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.ErrConflict{Message: "sync job changed state, try again"}
	}
	return job, nil
}

// workItem pairs a record with its transaction; tx is nil when the
// transaction no longer exists.
type workItem struct {
	rec *domain.TransactionSync
	tx  *domain.Transaction
}

// runState carries what a single run accumulates.
type runState struct {
	job     *domain.SyncJob
	conn    *domain.Connection
	snap    *MappingSnapshot
	floor   int
	authErr error
}

// RunSyncJob processes every pending record of a claimed job, window by
// window, then finalizes the job. Cancellation is observed between windows.
func (o *SyncOrchestrator) RunSyncJob(ctx context.Context, job *domain.SyncJob) (*domain.SyncJob, error) {
	ctx, span := syncTracer.Start(ctx, "SyncOrchestrator.RunSyncJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID))

	start := o.now()
	logger := o.logger.With(zap.String("job_id", job.ID), zap.String("user_id", job.UserID))
	logger.Info("sync job started")

	items, err := o.loadWork(ctx, job)
	if err != nil {
		return o.abort(ctx, job, err)
	}

	st := &runState{job: job, floor: job.Settings.ConfidenceFloor(o.cfg.DefaultMinConfidence)}
	st.conn, err = o.conns.GetValidConnection(ctx, job.UserID)
	if err == nil && st.conn.ID != job.ConnectionID {
		err = &domain.ErrAuth{UserID: job.UserID, Reason: domain.AuthReasonChanged}
	}
	var authErr *domain.ErrAuth
	if errors.As(err, &authErr) {
		st.authErr = err
		o.failRemaining(ctx, items, err)
		return o.finalize(ctx, st, start)
	}
	if err != nil {
		return o.abort(ctx, job, err)
	}

	st.snap, err = o.resolver.Snapshot(ctx, st.conn.ID)
	if err != nil {
		return o.abort(ctx, job, err)
	}

	for offset := 0; offset < len(items); offset += o.cfg.BatchSize {
		if offset > 0 {
			if err := sleepContext(ctx, o.cfg.BatchDelay); err != nil {
				break
			}
			if o.cancelled(ctx, job.ID) {
				logger.Info("sync job cancelled, stopping")
				o.syncCounters(ctx, job.ID)
				return o.reload(ctx, job)
			}
		}

		end := min(offset+o.cfg.BatchSize, len(items))
		o.processWindow(ctx, st, items[offset:end])
		o.syncCounters(ctx, job.ID)

		if st.authErr != nil {
			logger.Warn("connection lost, failing remaining transactions", zap.Error(st.authErr))
			o.failRemaining(ctx, items[end:], st.authErr)
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		logger.Warn("sync job interrupted", zap.Error(ctx.Err()))
		o.failPending(ctx, job.ID, fmt.Errorf("sync interrupted: %w", ctx.Err()))
	}
	return o.finalize(ctx, st, start)
}

func (o *SyncOrchestrator) loadWork(ctx context.Context, job *domain.SyncJob) ([]workItem, error) {
	pending, err := o.store.ListTransactionSyncs(ctx, job.ID, domain.SyncPending)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(pending))
	byTx := make(map[string]*domain.TransactionSync, len(pending))
	for i := range pending {
		ids[i] = pending[i].TransactionID
		byTx[pending[i].TransactionID] = &pending[i]
	}

	txs, err := o.txs.GetTransactions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	// Records whose transaction vanished go first; the rest follow by date.
	items := make([]workItem, 0, len(pending))
	found := make(map[string]bool, len(txs))
	for i := range txs {
		found[txs[i].ID] = true
	}
	for i := range pending {
		if !found[pending[i].TransactionID] {
			items = append(items, workItem{rec: &pending[i]})
		}
	}
	for i := range txs {
		if rec, ok := byTx[txs[i].ID]; ok {
			items = append(items, workItem{rec: rec, tx: &txs[i]})
		}
	}
	return items, nil
}

// outcome is the prepared or final result for one work item.
type outcome struct {
	posting *domain.Posting
	status  domain.TransactionSyncStatus
	message string
	remote  *domain.RemoteTransaction
}

// processWindow prepares every item, submits the postings one by one, then
// records every outcome in load order.
func (o *SyncOrchestrator) processWindow(ctx context.Context, st *runState, window []workItem) {
	outcomes := make([]outcome, len(window))

	for i, it := range window {
		if st.authErr != nil {
			outcomes[i] = outcome{status: domain.SyncFailed, message: st.authErr.Error()}
			continue
		}
		outcomes[i] = o.prepare(ctx, st, it)
	}

	for i, it := range window {
		out := &outcomes[i]
		if out.posting == nil {
			continue
		}
		if st.authErr != nil {
			*out = outcome{status: domain.SyncFailed, message: st.authErr.Error()}
			continue
		}
		if ctx.Err() != nil {
			// Left pending; the interrupted run fails them afterwards.
			out.posting, out.status = nil, ""
			continue
		}

		remote, err := o.gateway.Post(ctx, st.job.UserID, postingRequestID(it.rec), out.posting)
		var authErr *domain.ErrAuth
		switch {
		case err == nil:
			*out = outcome{status: domain.SyncSynced, remote: remote}
		case errors.As(err, &authErr):
			st.authErr = err
			*out = outcome{status: domain.SyncFailed, message: err.Error()}
		case ctx.Err() != nil:
			out.posting, out.status = nil, ""
		default:
			*out = outcome{status: domain.SyncFailed, message: err.Error()}
		}
	}

	for i, it := range window {
		if outcomes[i].status == "" {
			continue
		}
		o.record(ctx, st, it, outcomes[i])
	}
}

// postingRequestID is the platform idempotency key for one attempt of a
// record. Throttle retries inside an attempt reuse it; a user retry gets a new
// one so the platform does not replay the earlier rejection.
func postingRequestID(rec *domain.TransactionSync) string {
	return fmt.Sprintf("%s-%d", rec.ID, rec.RetryCount)
}

// prepare runs validate, category mapping, confidence floor, merchant
// resolution and conversion. A nil posting means the outcome is final.
func (o *SyncOrchestrator) prepare(ctx context.Context, st *runState, it workItem) outcome {
	if it.tx == nil {
		return outcome{status: domain.SyncFailed, message: "transaction not found"}
	}
	tx := it.tx

	if problems := ValidateTransaction(tx); len(problems) > 0 {
		return outcome{status: domain.SyncFailed, message: strings.Join(problems, "; ")}
	}

	mapping, ok := st.snap.Category(tx.Category, tx.Subcategory)
	if !ok {
		return outcome{status: domain.SyncFailed, message: (&domain.ErrMapping{Category: tx.Category, Subcategory: tx.Subcategory}).Error()}
	}
	if mapping.Confidence < st.floor {
		return outcome{
			status:  domain.SyncSkipped,
			message: fmt.Sprintf("confidence %d below floor %d", mapping.Confidence, st.floor),
		}
	}

	resolved := &ResolvedMapping{Account: mapping}
	kind := PostingTypeFor(tx.Amount)
	ref, err := o.resolveEntity(ctx, st, tx.MerchantName(), kind)
	if err != nil {
		var authErr *domain.ErrAuth
		if errors.As(err, &authErr) {
			st.authErr = err
			return outcome{status: domain.SyncFailed, message: err.Error()}
		}
		// The posting is valid without an entity.
		o.logger.Warn("could not resolve merchant entity",
			zap.String("job_id", st.job.ID),
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
	if kind == domain.PostingDeposit {
		resolved.Customer = ref
	} else {
		resolved.Vendor = ref
	}

	posting, err := ConvertTransaction(tx, resolved, st.job.Settings)
	if err != nil {
		return outcome{status: domain.SyncFailed, message: err.Error()}
	}
	return outcome{posting: posting}
}

// resolveEntity returns the vendor (purchase) or customer (deposit) for a
// merchant, creating it on the platform when allowed.
func (o *SyncOrchestrator) resolveEntity(ctx context.Context, st *runState, merchant string, kind domain.PostingType) (*domain.Ref, error) {
	if domain.NormalizeMerchant(merchant) == "" {
		return nil, nil
	}

	if m, ok := st.snap.Merchant(merchant); ok {
		if kind == domain.PostingDeposit && m.CustomerID != "" {
			return &domain.Ref{Value: m.CustomerID, Name: m.CustomerName}, nil
		}
		if kind == domain.PostingPurchase && m.VendorID != "" {
			return &domain.Ref{Value: m.VendorID, Name: m.VendorName}, nil
		}
	}
	if !st.job.Settings.AutoCreate() {
		return nil, nil
	}

	name := strings.Join(strings.Fields(merchant), " ")
	var (
		entity *domain.RemoteEntity
		err    error
	)
	if kind == domain.PostingDeposit {
		entity, err = o.gateway.CreateCustomer(ctx, st.job.UserID, name)
	} else {
		entity, err = o.gateway.CreateVendor(ctx, st.job.UserID, name)
	}
	var fault *domain.ErrRemoteFault
	if errors.As(err, &fault) {
		// Usually a duplicate name: adopt the existing entity.
		entity, err = o.findEntityByName(ctx, st.job.UserID, name, kind)
	}
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, fmt.Errorf("no %s named %q", kind, name)
	}

	stored, err := o.resolver.RecordAutoCreatedMerchant(ctx, st.conn.ID, merchant, entity)
	if err != nil {
		o.logger.Error("failed to record auto-created merchant", zap.String("job_id", st.job.ID), zap.Error(err))
	} else {
		st.snap.Remember(*stored)
	}
	return &domain.Ref{Value: entity.ID, Name: entity.DisplayName}, nil
}

func (o *SyncOrchestrator) findEntityByName(ctx context.Context, userID, name string, kind domain.PostingType) (*domain.RemoteEntity, error) {
	var (
		list []domain.RemoteEntity
		err  error
	)
	if kind == domain.PostingDeposit {
		list, err = o.gateway.ListCustomers(ctx, userID)
	} else {
		list, err = o.gateway.ListVendors(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	key := domain.NormalizeMerchant(name)
	for i := range list {
		if domain.NormalizeMerchant(list[i].DisplayName) == key {
			return &list[i], nil
		}
	}
	return nil, nil
}

func (o *SyncOrchestrator) record(ctx context.Context, st *runState, it workItem, out outcome) {
	rec := *it.rec
	rec.Status = out.status
	rec.ErrorMessage = out.message
	if out.remote != nil {
		at := o.now().UTC()
		rec.RemoteID = out.remote.ID
		rec.RemoteType = out.remote.Type
		rec.RemoteLink = out.remote.Link
		if rec.RemoteLink == "" {
			rec.RemoteLink = o.gateway.RemoteLink(out.remote.Type, out.remote.ID)
		}
		rec.SyncedAt = &at
	}

	// Outcomes must land even when the run's context is done.
	if err := o.store.RecordTransactionSync(context.WithoutCancel(ctx), &rec); err != nil {
		o.logger.Error("failed to record transaction outcome",
			zap.String("job_id", st.job.ID),
			zap.String("transaction_id", rec.TransactionID),
			zap.Error(err),
		)
		return
	}
	o.metrics.IncrSyncRecord(rec.Status)
}

func (o *SyncOrchestrator) failRemaining(ctx context.Context, items []workItem, cause error) {
	ctx = context.WithoutCancel(ctx)
	for _, it := range items {
		rec := *it.rec
		rec.Status = domain.SyncFailed
		rec.ErrorMessage = cause.Error()
		if err := o.store.RecordTransactionSync(ctx, &rec); err != nil {
			o.logger.Error("failed to record transaction outcome", zap.String("transaction_id", rec.TransactionID), zap.Error(err))
			continue
		}
		o.metrics.IncrSyncRecord(domain.SyncFailed)
	}
}

func (o *SyncOrchestrator) failPending(ctx context.Context, jobID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	pending, err := o.store.ListTransactionSyncs(ctx, jobID, domain.SyncPending)
	if err != nil {
		o.logger.Error("failed to list pending transactions", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	items := make([]workItem, len(pending))
	for i := range pending {
		items[i] = workItem{rec: &pending[i]}
	}
	o.failRemaining(ctx, items, cause)
}

func (o *SyncOrchestrator) cancelled(ctx context.Context, jobID string) bool {
	job, err := o.store.GetSyncJob(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status != domain.JobProcessing
}

func (o *SyncOrchestrator) syncCounters(ctx context.Context, jobID string) {
	ctx = context.WithoutCancel(ctx)
	counts, err := o.store.CountTransactionSyncs(ctx, jobID)
	if err == nil {
		err = o.store.UpdateSyncJobCounters(ctx, jobID, counts)
	}
	if err != nil {
		o.logger.Warn("failed to update job counters", zap.String("job_id", jobID), zap.Error(err))
	}
}

// finalize recomputes the counters from the records and settles the status:
// failed when every record failed, completed when none did, partial
// otherwise.
func (o *SyncOrchestrator) finalize(ctx context.Context, st *runState, start time.Time) (*domain.SyncJob, error) {
	ctx = context.WithoutCancel(ctx)
	job := st.job

	counts, err := o.store.CountTransactionSyncs(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	failed, err := o.store.ListTransactionSyncs(ctx, job.ID, domain.SyncFailed)
	if err != nil {
		return nil, err
	}

	applyCounts(job, counts)
	job.ErrorLog = make([]domain.SyncErrorEntry, 0, len(failed)+1)
	if st.authErr != nil {
		job.ErrorLog = append(job.ErrorLog, domain.SyncErrorEntry{Errors: []string{st.authErr.Error()}})
	}
	for _, rec := range failed {
		job.ErrorLog = append(job.ErrorLog, domain.SyncErrorEntry{
			TransactionID: rec.TransactionID,
			Errors:        strings.Split(rec.ErrorMessage, "; "),
		})
	}

	switch {
	case counts.Total() > 0 && counts.Failed == counts.Total():
		job.Status = domain.JobFailed
	case counts.Failed == 0:
		job.Status = domain.JobCompleted
	default:
		job.Status = domain.JobPartial
	}
	done := o.now().UTC()
	job.CompletedAt = &done

	ok, err := o.store.TransitionSyncJob(ctx, job, domain.JobProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Cancelled while the last window ran; the cancel stands.
		o.syncCounters(ctx, job.ID)
		return o.reload(ctx, job)
	}

	o.metrics.RecordJob(job.Status, o.now().Sub(start))
	if st.conn != nil && st.authErr == nil {
		if err := o.conns.MarkSynced(ctx, st.conn.ID, done); err != nil {
			o.logger.Warn("failed to touch connection", zap.String("connection_id", st.conn.ID), zap.Error(err))
		}
	}

	o.logger.Info("sync job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("synced", counts.Synced),
		zap.Int("failed", counts.Failed),
		zap.Int("skipped", counts.Skipped),
		zap.Duration("duration", o.now().Sub(start)),
	)
	return job, nil
}

// abort fails the job when the run cannot even start. Records stay pending.
func (o *SyncOrchestrator) abort(ctx context.Context, job *domain.SyncJob, cause error) (*domain.SyncJob, error) {
	ctx = context.WithoutCancel(ctx)
	o.logger.Error("sync job aborted", zap.String("job_id", job.ID), zap.Error(cause))

	done := o.now().UTC()
	job.Status = domain.JobFailed
	job.CompletedAt = &done
	job.ErrorLog = append(job.ErrorLog, domain.SyncErrorEntry{Errors: []string{cause.Error()}})
	if _, err := o.store.TransitionSyncJob(ctx, job, domain.JobProcessing); err != nil {
		o.logger.Error("failed to mark job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	o.metrics.RecordJob(domain.JobFailed, 0)
	return nil, cause
}

func (o *SyncOrchestrator) reload(ctx context.Context, job *domain.SyncJob) (*domain.SyncJob, error) {
	return o.store.GetSyncJob(context.WithoutCancel(ctx), job.ID)
}

func applyCounts(job *domain.SyncJob, c domain.SyncCounts) {
	job.TotalTransactions = c.Total()
	job.SyncedTransactions = c.Synced
	job.FailedTransactions = c.Failed
	job.SkippedTransactions = c.Skipped
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ============================================================
// Cancel, status, history
// ============================================================

// CancelSyncJob stops a pending or running job. Records already posted stay
// posted; the runner stops at the next window boundary.
func (o *SyncOrchestrator) CancelSyncJob(ctx context.Context, userID, jobID string) (*domain.SyncJob, error) {
	ctx, span := syncTracer.Start(ctx, "SyncOrchestrator.CancelSyncJob")
	defer span.End()

	job, err := o.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, &domain.ErrConflict{Message: fmt.Sprintf("sync job is already %s", job.Status)}
	}

	counts, err := o.store.CountTransactionSyncs(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	previous := job.Status
	at := o.now().UTC()
	applyCounts(job, counts)
	job.Status = domain.JobFailed
	job.CancelledAt = &at
	job.CompletedAt = &at
	job.ErrorLog = append(job.ErrorLog, domain.SyncErrorEntry{Errors: []string{domain.CancelledNote}})

	ok, err := o.store.TransitionSyncJob(ctx, job, domain.JobPending, domain.JobProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.ErrConflict{Message: "sync job finished before it could be cancelled"}
	}

	o.logger.Info("sync job cancelled",
		zap.String("job_id", job.ID),
		zap.String("user_id", userID),
		zap.String("previous_status", string(previous)),
	)
	return job, nil
}

// GetSyncJobStatus returns the job, its records and its progress.
func (o *SyncOrchestrator) GetSyncJobStatus(ctx context.Context, userID, jobID string) (*domain.SyncJobStatusResponse, error) {
	job, err := o.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	records, err := o.store.ListTransactionSyncs(ctx, job.ID, "")
	if err != nil {
		return nil, err
	}
	return &domain.SyncJobStatusResponse{
		Job:          job,
		Progress:     job.Progress(),
		Transactions: records,
	}, nil
}

// GetSyncJobHistory returns the user's most recent jobs.
func (o *SyncOrchestrator) GetSyncJobHistory(ctx context.Context, userID string, limit int) ([]domain.SyncJob, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	return o.store.ListSyncJobs(ctx, userID, limit)
}

// ownedJob hides other users' jobs behind not-found.
func (o *SyncOrchestrator) ownedJob(ctx context.Context, userID, jobID string) (*domain.SyncJob, error) {
	job, err := o.store.GetSyncJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, &domain.ErrNotFound{Resource: "sync job", ID: jobID}
	}
	return job, nil
}
