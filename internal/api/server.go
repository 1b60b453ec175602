package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"creative-engine/internal/config"
	"creative-engine/internal/models"
	"creative-engine/internal/render"
	"creative-engine/internal/storage"
	"creative-engine/internal/store"
	"creative-engine/internal/telemetry"
)

// Store is the persistence surface the handlers consume. *store.Store
// satisfies it; handler tests supply in-memory fakes.
type Store interface {
	GetTemplate(ctx context.Context, id string) (*models.TemplateDocument, error)
	GetRow(ctx context.Context, dataSourceID, rowID string) (models.DataRow, error)
	CountRows(ctx context.Context, dataSourceID string, filter *models.RowFilter) (int, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.GenerationJob, bool, error)
	GetJob(ctx context.Context, id string) (models.GenerationJob, error)
	ListCreatives(ctx context.Context, batchID string, page, limit int) ([]models.GeneratedCreative, error)
	InsertCreative(ctx context.Context, c models.GeneratedCreative) error
	RequestCancel(ctx context.Context, id string) (string, error)
	MarkFailed(ctx context.Context, id, msg string) error
}

// Dispatcher hands accepted batches to workers. *queue.RedisQueue satisfies it.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string) error
	Remove(ctx context.Context, jobID string) error
}

// RateLimiter gates StartBatch per tenant. *ratelimit.TokenBucket satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Publisher uploads one encoded buffer. *storage.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, body []byte, params storage.PublishParams) (storage.Reference, error)
}

// Server wires the HTTP surface: synchronous preview and single-creative
// rendering, and the asynchronous batch lifecycle.
type Server struct {
	cfg       config.Config
	store     Store
	queue     Dispatcher
	limiter   RateLimiter
	renderer  *render.Renderer
	publisher Publisher
	logger    zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st Store, q Dispatcher, limiter RateLimiter, renderer *render.Renderer, publisher Publisher, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		limiter:   limiter,
		renderer:  renderer,
		publisher: publisher,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/previews", s.handlePreview)
	r.Post("/v1/creatives", s.handleGenerateSingle)
	r.Post("/v1/batches", s.handleStartBatch)
	r.Get("/v1/batches/{id}", s.handleGetJob)
	r.Get("/v1/batches/{id}/creatives", s.handleListResults)
	r.Post("/v1/batches/{id}/cancel", s.handleCancel)
	return r
}

type previewRequest struct {
	TemplateID   string             `json:"template_id"`
	VariableData map[string]any     `json:"variable_data"`
	AspectRatio  models.AspectRatio `json:"aspect_ratio"`
	Format       string             `json:"format"`
	Quality      int                `json:"quality"`
}

type previewResponse struct {
	ImageDataURI     string `json:"image_data_uri"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	RenderDurationMs int64  `json:"render_duration_ms"`
}

// handlePreview renders synchronously and returns the image inline. Nothing
// is persisted and storage is never touched.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	applyFormatDefaults(&req.Format, &req.Quality)
	if !req.AspectRatio.Valid() {
		http.Error(w, "aspect_ratio must have positive width and height", http.StatusBadRequest)
		return
	}

	doc, err := s.store.GetTemplate(r.Context(), req.TemplateID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	res, err := s.renderer.Preview(r.Context(), doc, req.VariableData, req.AspectRatio, req.Format, req.Quality)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	telemetry.Previews.Inc()

	writeJSON(w, http.StatusOK, previewResponse{
		ImageDataURI:     fmt.Sprintf("data:%s;base64,%s", render.ContentType(res.Format), base64.StdEncoding.EncodeToString(res.Data)),
		Width:            res.Width,
		Height:           res.Height,
		RenderDurationMs: res.Duration.Milliseconds(),
	})
}

type generateSingleRequest struct {
	TemplateID   string             `json:"template_id"`
	DataSourceID string             `json:"data_source_id"`
	DataRowID    string             `json:"data_row_id"`
	AspectRatio  models.AspectRatio `json:"aspect_ratio"`
	Format       string             `json:"format"`
	Quality      int                `json:"quality"`
}

// handleGenerateSingle renders one creative synchronously and persists its
// record; errors surface directly to the caller, with no job indirection.
func (s *Server) handleGenerateSingle(w http.ResponseWriter, r *http.Request) {
	var req generateSingleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	applyFormatDefaults(&req.Format, &req.Quality)
	if !req.AspectRatio.Valid() {
		http.Error(w, "aspect_ratio must have positive width and height", http.StatusBadRequest)
		return
	}

	doc, err := s.store.GetTemplate(r.Context(), req.TemplateID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	row, err := s.store.GetRow(r.Context(), req.DataSourceID, req.DataRowID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	res, err := s.renderer.RenderItem(r.Context(), doc, row, req.AspectRatio, req.Format, req.Quality)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if len(res.Skipped) > 0 {
		// The synchronous caller gets the same verdict a batch would record:
		// an unreachable image source fails the item, not just the layer.
		http.Error(w, fmt.Sprintf("image variable %s could not be fetched", strings.Join(res.Skipped, ", ")), http.StatusUnprocessableEntity)
		return
	}

	creativeID := uuid.New().String()
	ref, err := s.publisher.Publish(r.Context(), res.Data, storage.PublishParams{
		TeamID:     doc.TeamID,
		BatchID:    "single",
		CreativeID: creativeID,
		Format:     res.Format,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	creative := models.GeneratedCreative{
		ID:               creativeID,
		TeamID:           doc.TeamID,
		TemplateID:       doc.ID,
		DataRowID:        row.ID,
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
	if err := s.store.InsertCreative(r.Context(), creative); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, creative)
}

type startBatchRequest struct {
	TemplateID   string               `json:"template_id"`
	DataSourceID string               `json:"data_source_id"`
	AspectRatios []models.AspectRatio `json:"aspect_ratios"`
	RowFilter    *models.RowFilter    `json:"row_filter,omitempty"`
	Format       string               `json:"format"`
	Quality      int                  `json:"quality"`
}

type startBatchResponse struct {
	Job        models.GenerationJob `json:"job"`
	Idempotent bool                 `json:"idempotent"`
}

// handleStartBatch validates the request, persists a pending job, and
// enqueues it for worker dispatch. It returns immediately; progress is
// observed via GetJob.
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	applyFormatDefaults(&req.Format, &req.Quality)
	if !models.ValidFormat(req.Format) {
		http.Error(w, "format must be png or jpeg", http.StatusBadRequest)
		return
	}
	if len(req.AspectRatios) == 0 {
		http.Error(w, "at least one aspect_ratio is required", http.StatusBadRequest)
		return
	}
	for _, ratio := range req.AspectRatios {
		if !ratio.Valid() {
			http.Error(w, fmt.Sprintf("invalid aspect ratio %s", ratio), http.StatusBadRequest)
			return
		}
	}
	if req.Quality < 1 || req.Quality > 100 {
		http.Error(w, "quality must be 1-100", http.StatusBadRequest)
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	// Unknown template or data source is detectable now, so it fails the
	// request instead of surfacing asynchronously.
	doc, err := s.store.GetTemplate(r.Context(), req.TemplateID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	count, err := s.store.CountRows(r.Context(), req.DataSourceID, req.RowFilter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if count == 0 {
		// An unknown data source and an empty one are indistinguishable at
		// the row table; either way there is nothing to generate.
		http.Error(w, fmt.Sprintf("data source %s has no matching rows", req.DataSourceID), http.StatusNotFound)
		return
	}

	job, idempotent, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		TeamID:         doc.TeamID,
		TemplateID:     req.TemplateID,
		DataSourceID:   req.DataSourceID,
		AspectRatios:   req.AspectRatios,
		RowFilter:      req.RowFilter,
		OutputFormat:   req.Format,
		Quality:        req.Quality,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !idempotent {
		if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
			msg := "enqueue failed: " + err.Error()
			_ = s.store.MarkFailed(r.Context(), job.ID, msg)
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		telemetry.BatchesStarted.Inc()
	}

	writeJSON(w, http.StatusAccepted, startBatchResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	creatives, err := s.store.ListCreatives(r.Context(), id, page, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": creatives,
		"page":  page,
		"limit": limit,
	})
}

// handleCancel requests cooperative cancellation: pending batches terminate
// immediately, processing batches stop claiming new items once the
// orchestrator observes the flag.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.store.RequestCancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if status == models.StatusCancelled {
		// Never claimed; drop it from the dispatch queue too.
		_ = s.queue.Remove(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func applyFormatDefaults(format *string, quality *int) {
	if *format == "" {
		*format = models.FormatPNG
	}
	if *quality == 0 {
		*quality = 90
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 1 {
		return def
	}
	return n
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
