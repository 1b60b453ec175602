package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"creative-engine/internal/config"
	"creative-engine/internal/models"
	"creative-engine/internal/queue"
	"creative-engine/internal/retry"
	"creative-engine/internal/telemetry"
)

// JobReader is the slice of the record store the run loop needs to decide
// retry versus give-up for transiently failed batches.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.GenerationJob, error)
	MarkFailed(ctx context.Context, id, msg string) error
}

// Worker pulls dispatched batches from the queue and hands them to the
// orchestrator, holding a visibility lease for the duration.
type Worker struct {
	cfg    config.Config
	queue  *queue.RedisQueue
	jobs   JobReader
	orch   *Orchestrator
	logger zerolog.Logger
}

// New constructs a worker run loop.
func New(cfg config.Config, q *queue.RedisQueue, jobs JobReader, orch *Orchestrator, logger zerolog.Logger) *Worker {
	return &Worker{cfg: cfg, queue: q, jobs: jobs, orch: orch, logger: logger}
}

// Run polls for batches until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = w.queue.PromoteScheduled(ctx, time.Now(), 100)
		if reclaimed, _ := w.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			w.logger.Warn().Strs("job_ids", reclaimed).Msg("reclaimed expired batch leases")
		}
		if depth, err := w.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := w.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.WorkerPollInterval):
			}
			continue
		}

		w.runBatch(ctx, jobID)
	}
}

func (w *Worker) runBatch(ctx context.Context, jobID string) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// Keep the lease alive while the batch runs so a healthy worker is not
	// raced by lease reclamation.
	leaseCtx, stopLease := context.WithCancel(ctx)
	defer stopLease()
	go func() {
		ticker := time.NewTicker(w.cfg.VisibilityTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				_ = w.queue.ExtendLease(leaseCtx, jobID, w.cfg.VisibilityTimeout)
			}
		}
	}()

	err := w.orch.ProcessBatch(ctx, jobID)
	if err == nil {
		_ = w.queue.Ack(ctx, jobID)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Shutdown mid-batch: leave the lease to expire so another worker
		// picks the job up.
		return
	}

	w.logger.Error().Err(err).Str("job_id", jobID).Msg("batch processing failed")
	job, gerr := w.jobs.GetJob(ctx, jobID)
	if gerr != nil {
		// Store unreachable, the likely cause of the batch error itself.
		// Keep the lease so expiry re-dispatches the batch once it recovers.
		w.logger.Error().Err(gerr).Str("job_id", jobID).Msg("job lookup failed, leaving lease to expire")
		return
	}
	if job.Attempts >= w.cfg.MaxAttempts {
		_ = w.jobs.MarkFailed(ctx, jobID, err.Error())
		_ = w.queue.Ack(ctx, jobID)
		telemetry.BatchesCompleted.Inc()
		return
	}
	_ = w.queue.Ack(ctx, jobID)
	_ = w.queue.Schedule(ctx, jobID, time.Now().Add(retry.BackoffWithJitter(w.cfg.BackoffInitial, w.cfg.BackoffMax, job.Attempts)))
}
