package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/boddenberg/ledger-sync-go/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Sync jobs and per-transaction records (implements port.SyncStore)
// ============================================================

const syncJobColumns = `id, connection_id, user_id, file_id, status, total_transactions,
	synced_transactions, failed_transactions, skipped_transactions, settings, error_log,
	started_at, completed_at, cancelled_at, created_at, updated_at`

const transactionSyncColumns = `id, job_id, transaction_id, status, remote_id, remote_type,
	remote_link, error_message, retry_count, synced_at, created_at, updated_at`

// FindSyncJob returns the job for (connection, file), or nil.
func (s *Store) FindSyncJob(ctx context.Context, connectionID, fileID string) (*domain.SyncJob, error) {
	ctx, span := tracer.Start(ctx, "Store.FindSyncJob")
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE connection_id = ? AND file_id = ?`,
		connectionID, fileID)
	job, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// CreateSyncJob inserts the job and one pending record per transaction.
func (s *Store) CreateSyncJob(ctx context.Context, job *domain.SyncJob, transactionIDs []string) error {
	ctx, span := tracer.Start(ctx, "Store.CreateSyncJob")
	defer span.End()
	span.SetAttributes(attribute.Int("transactions.count", len(transactionIDs)))

	settings, errorLog, err := encodeJobJSON(job)
	if err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	ts := now()
	job.CreatedAt, job.UpdatedAt = ts, ts

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_jobs (id, connection_id, user_id, file_id, status, total_transactions,
				synced_transactions, failed_transactions, skipped_transactions, settings, error_log,
				started_at, completed_at, cancelled_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.ConnectionID, job.UserID, job.FileID, string(job.Status), job.TotalTransactions,
			job.SyncedTransactions, job.FailedTransactions, job.SkippedTransactions, settings, errorLog,
			formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt), formatTimePtr(job.CancelledAt),
			formatTime(ts), formatTime(ts),
		)
		if err != nil {
			return fmt.Errorf("insert sync job: %w", err)
		}
		_, err = insertTransactionSyncs(ctx, tx, job.ID, transactionIDs)
		return err
	})
}

// AddTransactionSyncs inserts pending records for transactions not yet in
// the job and returns how many were added.
func (s *Store) AddTransactionSyncs(ctx context.Context, jobID string, transactionIDs []string) (int, error) {
	ctx, span := tracer.Start(ctx, "Store.AddTransactionSyncs")
	defer span.End()

	var added int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		added, err = insertTransactionSyncs(ctx, tx, jobID, transactionIDs)
		return err
	})
	return added, err
}

func insertTransactionSyncs(ctx context.Context, tx *sql.Tx, jobID string, transactionIDs []string) (int, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO transaction_syncs (id, job_id, transaction_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare transaction sync insert: %w", err)
	}
	defer stmt.Close()

	ts := formatTime(now())
	added := 0
	for _, txID := range transactionIDs {
		res, err := stmt.ExecContext(ctx, uuid.NewString(), jobID, txID, string(domain.SyncPending), ts, ts)
		if err != nil {
			return added, fmt.Errorf("insert transaction sync %s: %w", txID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, nil
}

// GetSyncJob loads a job by id.
func (s *Store) GetSyncJob(ctx context.Context, id string) (*domain.SyncJob, error) {
	ctx, span := tracer.Start(ctx, "Store.GetSyncJob")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = ?`, id)
	job, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "sync job", ID: id}
	}
	return job, err
}

// ListSyncJobs returns a user's jobs, newest first.
func (s *Store) ListSyncJobs(ctx context.Context, userID string, limit int) ([]domain.SyncJob, error) {
	ctx, span := tracer.Start(ctx, "Store.ListSyncJobs")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync jobs: %w", err)
	}
	defer rows.Close()

	out := []domain.SyncJob{}
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// UpdateSyncJob writes every mutable column of the job unconditionally.
func (s *Store) UpdateSyncJob(ctx context.Context, job *domain.SyncJob) error {
	ctx, span := tracer.Start(ctx, "Store.UpdateSyncJob")
	defer span.End()

	settings, errorLog, err := encodeJobJSON(job)
	if err != nil {
		return err
	}
	job.UpdatedAt = now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, total_transactions = ?, synced_transactions = ?,
			failed_transactions = ?, skipped_transactions = ?, settings = ?, error_log = ?,
			started_at = ?, completed_at = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ?`,
		string(job.Status), job.TotalTransactions, job.SyncedTransactions,
		job.FailedTransactions, job.SkippedTransactions, settings, errorLog,
		formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt), formatTimePtr(job.CancelledAt),
		formatTime(job.UpdatedAt), job.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync job: %w", err)
	}
	return expectOne(res, "sync job", job.ID)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TransitionSyncJob is a compare-and-set on the job status.
func (s *Store) TransitionSyncJob(ctx context.Context, job *domain.SyncJob, from ...domain.SyncJobStatus) (bool, error) {
	ctx, span := tracer.Start(ctx, "Store.TransitionSyncJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.String("job.status", string(job.Status)))

	return transitionSyncJob(ctx, s.db, job, from)
}

// ReopenSyncJob claims the job with the same compare-and-set as
// TransitionSyncJob and, in the same transaction, moves its failed records
// back to pending with retry_count+1. Nothing changes when the claim fails.
func (s *Store) ReopenSyncJob(ctx context.Context, job *domain.SyncJob, from ...domain.SyncJobStatus) (bool, int, error) {
	ctx, span := tracer.Start(ctx, "Store.ReopenSyncJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID))

	var (
		claimed bool
		reset   int
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := transitionSyncJob(ctx, tx, job, from)
		if err != nil || !ok {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE transaction_syncs SET status = ?, retry_count = retry_count + 1, error_message = '', updated_at = ?
			WHERE job_id = ? AND status = ?`,
			string(domain.SyncPending), formatTime(now()), job.ID, string(domain.SyncFailed))
		if err != nil {
			return fmt.Errorf("reset failed transaction syncs: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed, reset = true, int(n)
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return claimed, reset, nil
}

func transitionSyncJob(ctx context.Context, ex execer, job *domain.SyncJob, from []domain.SyncJobStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition sync job: no source status")
	}
	_, errorLog, err := encodeJobJSON(job)
	if err != nil {
		return false, err
	}
	job.UpdatedAt = now()

	args := []any{
		string(job.Status), job.TotalTransactions, job.SyncedTransactions,
		job.FailedTransactions, job.SkippedTransactions, errorLog,
		formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt), formatTimePtr(job.CancelledAt),
		formatTime(job.UpdatedAt), job.ID,
	}
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	res, err := ex.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, total_transactions = ?, synced_transactions = ?,
			failed_transactions = ?, skipped_transactions = ?, error_log = ?,
			started_at = ?, completed_at = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition sync job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateSyncJobCounters refreshes the progress counters without touching status.
func (s *Store) UpdateSyncJobCounters(ctx context.Context, jobID string, counts domain.SyncCounts) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET total_transactions = ?, synced_transactions = ?, failed_transactions = ?,
			skipped_transactions = ?, updated_at = ?
		WHERE id = ?`,
		counts.Total(), counts.Synced, counts.Failed, counts.Skipped, formatTime(now()), jobID)
	if err != nil {
		return fmt.Errorf("update sync job counters: %w", err)
	}
	return nil
}

// ListTransactionSyncs returns a job's records in creation order. An empty
// status returns all of them.
func (s *Store) ListTransactionSyncs(ctx context.Context, jobID string, status domain.TransactionSyncStatus) ([]domain.TransactionSync, error) {
	ctx, span := tracer.Start(ctx, "Store.ListTransactionSyncs")
	defer span.End()

	query := `SELECT ` + transactionSyncColumns + ` FROM transaction_syncs WHERE job_id = ?`
	args := []any{jobID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transaction syncs: %w", err)
	}
	defer rows.Close()

	out := []domain.TransactionSync{}
	for rows.Next() {
		rec, err := scanTransactionSync(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// RecordTransactionSync stores the outcome of one attempt.
func (s *Store) RecordTransactionSync(ctx context.Context, rec *domain.TransactionSync) error {
	rec.UpdatedAt = now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE transaction_syncs SET status = ?, remote_id = ?, remote_type = ?, remote_link = ?,
			error_message = ?, synced_at = ?, updated_at = ?
		WHERE id = ?`,
		string(rec.Status), rec.RemoteID, string(rec.RemoteType), rec.RemoteLink,
		rec.ErrorMessage, formatTimePtr(rec.SyncedAt), formatTime(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("record transaction sync: %w", err)
	}
	return expectOne(res, "transaction sync", rec.ID)
}

// CountTransactionSyncs returns per-status record counts for a job.
func (s *Store) CountTransactionSyncs(ctx context.Context, jobID string) (domain.SyncCounts, error) {
	var counts domain.SyncCounts
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM transaction_syncs WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return counts, fmt.Errorf("count transaction syncs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch domain.TransactionSyncStatus(status) {
		case domain.SyncPending:
			counts.Pending = n
		case domain.SyncSynced:
			counts.Synced = n
		case domain.SyncFailed:
			counts.Failed = n
		case domain.SyncSkipped:
			counts.Skipped = n
		}
	}
	return counts, rows.Err()
}

func encodeJobJSON(job *domain.SyncJob) (settings, errorLog string, err error) {
	sb, err := json.Marshal(job.Settings)
	if err != nil {
		return "", "", fmt.Errorf("encode settings: %w", err)
	}
	entries := job.ErrorLog
	if entries == nil {
		entries = []domain.SyncErrorEntry{}
	}
	eb, err := json.Marshal(entries)
	if err != nil {
		return "", "", fmt.Errorf("encode error log: %w", err)
	}
	return string(sb), string(eb), nil
}

func scanSyncJob(row scanner) (*domain.SyncJob, error) {
	var (
		j                             domain.SyncJob
		status, settings, errorLog    string
		started, completed, cancelled sql.NullString
		createdAt, updatedAt          string
	)
	if err := row.Scan(&j.ID, &j.ConnectionID, &j.UserID, &j.FileID, &status, &j.TotalTransactions,
		&j.SyncedTransactions, &j.FailedTransactions, &j.SkippedTransactions, &settings, &errorLog,
		&started, &completed, &cancelled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Status = domain.SyncJobStatus(status)
	if err := json.Unmarshal([]byte(settings), &j.Settings); err != nil {
		return nil, fmt.Errorf("decode settings for job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(errorLog), &j.ErrorLog); err != nil {
		return nil, fmt.Errorf("decode error log for job %s: %w", j.ID, err)
	}
	j.StartedAt = parseTimePtr(started)
	j.CompletedAt = parseTimePtr(completed)
	j.CancelledAt = parseTimePtr(cancelled)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func scanTransactionSync(row scanner) (*domain.TransactionSync, error) {
	var (
		r                    domain.TransactionSync
		status, remoteType   string
		syncedAt             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &r.JobID, &r.TransactionID, &status, &r.RemoteID, &remoteType,
		&r.RemoteLink, &r.ErrorMessage, &r.RetryCount, &syncedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Status = domain.TransactionSyncStatus(status)
	r.RemoteType = domain.PostingType(remoteType)
	r.SyncedAt = parseTimePtr(syncedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}
