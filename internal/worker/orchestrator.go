package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"creative-engine/internal/config"
	"creative-engine/internal/models"
	"creative-engine/internal/render"
	"creative-engine/internal/storage"
	"creative-engine/internal/store"
	"creative-engine/internal/telemetry"
)

// RecordStore is the job/creative bookkeeping surface the orchestrator
// mutates. *store.Store satisfies it; tests supply in-memory fakes.
type RecordStore interface {
	ClaimJob(ctx context.Context, id string) (models.GenerationJob, bool, error)
	SetTotalItems(ctx context.Context, id string, total int) error
	RecordItemSuccess(ctx context.Context, jobID string, creative models.GeneratedCreative) error
	RecordItemFailure(ctx context.Context, jobID string, creative models.GeneratedCreative, itemErr models.ItemError) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, msg string) error
	MarkCancelled(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// Catalog is the read-only template/data-source surface.
type Catalog interface {
	GetTemplate(ctx context.Context, id string) (*models.TemplateDocument, error)
	CountRows(ctx context.Context, dataSourceID string, filter *models.RowFilter) (int, error)
	ListRows(ctx context.Context, dataSourceID string, filter *models.RowFilter, offset, limit int) ([]models.DataRow, error)
}

// Publisher uploads one encoded buffer to durable storage.
type Publisher interface {
	Publish(ctx context.Context, body []byte, params storage.PublishParams) (storage.Reference, error)
}

// Orchestrator drives one claimed batch end to end: enumerate the row ×
// aspect-ratio cross product, render and publish each item under a bounded
// concurrency, and keep the job record's counters consistent throughout.
type Orchestrator struct {
	cfg       config.Config
	records   RecordStore
	catalog   Catalog
	renderer  *render.Renderer
	publisher Publisher
	logger    zerolog.Logger
}

// NewOrchestrator wires the batch pipeline.
func NewOrchestrator(cfg config.Config, records RecordStore, catalog Catalog, renderer *render.Renderer, publisher Publisher, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		records:   records,
		catalog:   catalog,
		renderer:  renderer,
		publisher: publisher,
		logger:    logger,
	}
}

// ProcessBatch runs one dispatched batch to a terminal state. A returned
// error means a transient job-level problem worth re-dispatching; fatal
// job-level errors are persisted on the record and return nil.
func (o *Orchestrator) ProcessBatch(ctx context.Context, jobID string) error {
	job, claimed, err := o.records.ClaimJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		o.logger.Info().Str("job_id", jobID).Msg("batch no longer claimable, dropping dispatch")
		return nil
	}
	log := o.logger.With().Str("job_id", job.ID).Logger()

	if job.CancelRequested {
		_ = o.records.MarkCancelled(ctx, job.ID)
		telemetry.BatchesCompleted.Inc()
		log.Info().Msg("batch cancelled before any items started")
		return nil
	}

	doc, err := o.catalog.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.failBatch(ctx, job.ID, log, fmt.Sprintf("load template: %v", err))
		}
		return fmt.Errorf("load template: %w", err)
	}

	rowCount, err := o.catalog.CountRows(ctx, job.DataSourceID, job.RowFilter)
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}
	if rowCount == 0 {
		return o.failBatch(ctx, job.ID, log, fmt.Sprintf("data source %s has no matching rows", job.DataSourceID))
	}

	// The batch size is a snapshot: fixed now, never revised even if the
	// data source changes mid-batch.
	total := rowCount * len(job.AspectRatios)
	if err := o.records.SetTotalItems(ctx, job.ID, total); err != nil {
		return fmt.Errorf("set total items: %w", err)
	}
	log.Info().Int("rows", rowCount).Int("ratios", len(job.AspectRatios)).Int("total_items", total).Msg("batch claimed")

	cancelled, itemsErr := o.runItems(ctx, &job, doc, rowCount)
	if err := ctx.Err(); err != nil {
		// Worker shutdown mid-batch: leave the job processing, the lease
		// expiry re-dispatches it.
		return err
	}
	if itemsErr != nil {
		// Enumeration died mid-batch with items unattempted. Completing now
		// would leave the counters short of the snapshot forever, so the job
		// stays processing and the retry machinery re-dispatches it.
		return itemsErr
	}

	if cancelled {
		if err := o.records.MarkCancelled(ctx, job.ID); err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}
		log.Info().Msg("batch cancelled")
	} else {
		if err := o.records.MarkCompleted(ctx, job.ID); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		log.Info().Msg("batch completed")
	}
	telemetry.BatchesCompleted.Inc()
	return nil
}

// runItems fans the cross product out under the render concurrency bound.
// It reports whether a cancel request was observed. Item failures are data,
// not errors: they never abort the remaining items. A non-nil error means
// enumeration itself failed and items remain unattempted.
func (o *Orchestrator) runItems(ctx context.Context, job *models.GenerationJob, doc *models.TemplateDocument, rowCount int) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.RenderConcurrency)

	pageSize := o.cfg.RowPageSize
	if pageSize <= 0 {
		pageSize = 200
	}

	cancelled := false
	var pageErr error
enumerate:
	for offset := 0; offset < rowCount; offset += pageSize {
		limit := pageSize
		if remaining := rowCount - offset; remaining < limit {
			limit = remaining
		}
		rows, err := o.catalog.ListRows(gctx, job.DataSourceID, job.RowFilter, offset, limit)
		if err != nil {
			pageErr = fmt.Errorf("list rows at offset %d: %w", offset, err)
			break
		}
		for _, row := range rows {
			for _, ratio := range job.AspectRatios {
				if gctx.Err() != nil {
					break enumerate
				}
				if flag, err := o.records.CancelRequested(gctx, job.ID); err == nil && flag {
					cancelled = true
					break enumerate
				}
				row, ratio := row, ratio
				g.Go(func() error {
					o.processItem(gctx, job, doc, row, ratio)
					return nil
				})
			}
		}
	}

	// In-flight items run to completion and are recorded even when the
	// batch was cancelled or enumeration failed mid-way.
	_ = g.Wait()
	return cancelled, pageErr
}

// processItem renders, publishes, and records one (row, ratio) work item.
// Every failure mode lands in the job's error log instead of propagating.
func (o *Orchestrator) processItem(ctx context.Context, job *models.GenerationJob, doc *models.TemplateDocument, row models.DataRow, ratio models.AspectRatio) {
	creativeID := uuid.New().String()

	res, err := o.renderer.RenderItem(ctx, doc, row, ratio, job.OutputFormat, job.Quality)
	if err != nil {
		o.recordFailure(ctx, job, row, ratio, creativeID, nil, err)
		return
	}
	telemetry.RenderDuration.Observe(res.Duration.Seconds())

	// A render missing its image variables is a failed attempt for batch
	// accounting, even though the pipeline degraded instead of erroring.
	if len(res.Skipped) > 0 {
		o.recordFailure(ctx, job, row, ratio, creativeID, res.Snapshot,
			fmt.Errorf("image variable %s could not be fetched", strings.Join(res.Skipped, ", ")))
		return
	}

	ref, err := o.publisher.Publish(ctx, res.Data, storage.PublishParams{
		TeamID:     job.TeamID,
		BatchID:    job.ID,
		CreativeID: creativeID,
		Format:     job.OutputFormat,
	})
	if err != nil {
		o.recordFailure(ctx, job, row, ratio, creativeID, res.Snapshot, err)
		return
	}

	creative := models.GeneratedCreative{
		ID:               creativeID,
		TeamID:           job.TeamID,
		TemplateID:       job.TemplateID,
		DataRowID:        row.ID,
		BatchID:          job.ID,
		VariableValues:   res.Snapshot,
		StorageKey:       ref.StorageKey,
		CDNURL:           ref.CDNURL,
		Width:            res.Width,
		Height:           res.Height,
		FileSizeBytes:    int64(len(res.Data)),
		Format:           res.Format,
		Status:           models.CreativeStatusSucceeded,
		RenderDurationMs: res.Duration.Milliseconds(),
	}
	if err := o.records.RecordItemSuccess(ctx, job.ID, creative); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Str("creative_id", creativeID).Msg("record item success failed")
		return
	}
	telemetry.ItemsProcessed.Inc()
}

func (o *Orchestrator) recordFailure(ctx context.Context, job *models.GenerationJob, row models.DataRow, ratio models.AspectRatio, creativeID string, snapshot map[string]string, cause error) {
	msg := cause.Error()
	o.logger.Warn().Err(cause).Str("job_id", job.ID).Str("row_id", row.ID).Stringer("ratio", ratio).Msg("item failed")

	creative := models.GeneratedCreative{
		ID:             creativeID,
		TeamID:         job.TeamID,
		TemplateID:     job.TemplateID,
		DataRowID:      row.ID,
		BatchID:        job.ID,
		VariableValues: snapshot,
		Width:          ratio.Width,
		Height:         ratio.Height,
		Format:         job.OutputFormat,
		Status:         models.CreativeStatusFailed,
		ErrorMessage:   &msg,
	}
	itemErr := models.ItemError{RowID: row.ID, AspectRatio: ratio, Error: msg}
	if err := o.records.RecordItemFailure(ctx, job.ID, creative, itemErr); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("record item failure failed")
		return
	}
	telemetry.ItemsFailed.Inc()
}

func (o *Orchestrator) failBatch(ctx context.Context, jobID string, log zerolog.Logger, msg string) error {
	if err := o.records.MarkFailed(ctx, jobID, msg); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	telemetry.BatchesCompleted.Inc()
	log.Error().Str("reason", msg).Msg("batch failed before dispatching items")
	return nil
}
