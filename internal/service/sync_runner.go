package service

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/domain"
	"github.com/boddenberg/ledger-sync-go/internal/infra/resilience"

	"go.uber.org/zap"
)

// SyncRunner runs jobs in the background. The bulkhead caps how many jobs run
// at once and a job never runs twice concurrently.
type SyncRunner struct {
	orch       *SyncOrchestrator
	bulkhead   *resilience.Bulkhead
	jobTimeout time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSyncRunner creates a runner. jobTimeout bounds a single run; zero means
// no bound.
func NewSyncRunner(orch *SyncOrchestrator, bulkhead *resilience.Bulkhead, jobTimeout time.Duration, logger *zap.Logger) *SyncRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncRunner{
		orch:       orch,
		bulkhead:   bulkhead,
		jobTimeout: jobTimeout,
		logger:     logger,
		running:    make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Process claims a pending job and runs it in the background.
func (r *SyncRunner) Process(ctx context.Context, userID, jobID string) (*domain.SyncJob, error) {
	return r.launch(jobID, func() (*domain.SyncJob, error) {
		return r.orch.StartSyncJob(ctx, userID, jobID)
	})
}

// Retry re-opens a job's failed records and runs it in the background.
func (r *SyncRunner) Retry(ctx context.Context, userID, jobID string) (*domain.SyncJob, error) {
	return r.launch(jobID, func() (*domain.SyncJob, error) {
		return r.orch.StartRetry(ctx, userID, jobID)
	})
}

// Running reports whether a job is being processed by this runner.
func (r *SyncRunner) Running(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[jobID]
}

func (r *SyncRunner) launch(jobID string, claim func() (*domain.SyncJob, error)) (*domain.SyncJob, error) {
	if !r.bulkhead.TryAcquire() {
		return nil, &domain.ErrConflict{Message: "too many sync jobs running, try again later"}
	}

	r.mu.Lock()
	if r.running[jobID] {
		r.mu.Unlock()
		r.bulkhead.Release()
		return nil, &domain.ErrConflict{Message: "sync job is already running"}
	}
	r.running[jobID] = true
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.running, jobID)
		r.mu.Unlock()
		r.bulkhead.Release()
	}

	job, err := claim()
	if err != nil {
		release()
		return nil, err
	}

	// The goroutine works on its own copy.
	snapshot := *job
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer release()

		ctx, cancel := r.ctx, context.CancelFunc(func() {})
		if r.jobTimeout > 0 {
			ctx, cancel = context.WithTimeout(r.ctx, r.jobTimeout)
		}
		defer cancel()

		if _, err := r.orch.RunSyncJob(ctx, &snapshot); err != nil {
			r.logger.Error("background sync job failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return job, nil
}

// Shutdown interrupts running jobs and waits for them to record their state.
func (r *SyncRunner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
