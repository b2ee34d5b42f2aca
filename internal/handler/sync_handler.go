package handler

import (
	"net/http"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Sync job handlers
// ============================================================

// createSyncJobHandler creates (or refreshes) the job for a file. With
// ?process=true the job is also started in the background.
func createSyncJobHandler(orch *service.SyncOrchestrator, runner *service.SyncRunner, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /sync/jobs")
		defer span.End()
		userID := UserIDFromContext(ctx)

		var req domain.CreateSyncJobRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		job, err := orch.CreateSyncJob(ctx, userID, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		if !queryBool(r, "process") || runner == nil || job.Status != domain.JobPending {
			writeJSON(w, http.StatusCreated, job)
			return
		}
		started, err := runner.Process(ctx, userID, job.ID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusAccepted, started)
	}
}

func syncHistoryHandler(orch *service.SyncOrchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /sync/jobs")
		defer span.End()
		jobs, err := orch.GetSyncJobHistory(ctx, UserIDFromContext(ctx), queryInt(r, "limit", 0))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.SyncJob]{Data: jobs, Total: len(jobs)})
	}
}

func syncJobStatusHandler(orch *service.SyncOrchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /sync/jobs/{jobId}")
		defer span.End()
		status, err := orch.GetSyncJobStatus(ctx, UserIDFromContext(ctx), chi.URLParam(r, "jobId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func processSyncJobHandler(runner *service.SyncRunner, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /sync/jobs/{jobId}/process")
		defer span.End()
		job, err := runner.Process(ctx, UserIDFromContext(ctx), chi.URLParam(r, "jobId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func retrySyncJobHandler(runner *service.SyncRunner, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /sync/jobs/{jobId}/retry")
		defer span.End()
		job, err := runner.Retry(ctx, UserIDFromContext(ctx), chi.URLParam(r, "jobId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func cancelSyncJobHandler(orch *service.SyncOrchestrator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /sync/jobs/{jobId}/cancel")
		defer span.End()
		job, err := orch.CancelSyncJob(ctx, UserIDFromContext(ctx), chi.URLParam(r, "jobId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}
