package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"creative-engine/internal/config"
	"creative-engine/internal/models"
	"creative-engine/internal/render"
	"creative-engine/internal/storage"
	"creative-engine/internal/store"
	"creative-engine/internal/template"
)

type fakeRecords struct {
	mu sync.Mutex

	job       models.GenerationJob
	claimable bool
	claimErr  error

	cancelAfter int // flip CancelRequested true after this many polls; -1 never
	cancelPolls int

	creatives []models.GeneratedCreative
}

func newFakeRecords(job models.GenerationJob) *fakeRecords {
	return &fakeRecords{job: job, claimable: true, cancelAfter: -1}
}

func (f *fakeRecords) ClaimJob(ctx context.Context, id string) (models.GenerationJob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return models.GenerationJob{}, false, f.claimErr
	}
	if !f.claimable || f.job.ID != id {
		return models.GenerationJob{}, false, nil
	}
	f.job.Status = models.StatusProcessing
	f.job.Attempts++
	return f.job, true, nil
}

func (f *fakeRecords) SetTotalItems(ctx context.Context, id string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.TotalItems = total
	return nil
}

func (f *fakeRecords) RecordItemSuccess(ctx context.Context, jobID string, creative models.GeneratedCreative) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creatives = append(f.creatives, creative)
	f.job.ProcessedItems++
	f.job.OutputCreativeIDs = append(f.job.OutputCreativeIDs, creative.ID)
	return nil
}

func (f *fakeRecords) RecordItemFailure(ctx context.Context, jobID string, creative models.GeneratedCreative, itemErr models.ItemError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creatives = append(f.creatives, creative)
	f.job.FailedItems++
	f.job.ErrorLog = append(f.job.ErrorLog, itemErr)
	return nil
}

func (f *fakeRecords) MarkCompleted(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.Status = models.StatusCompleted
	return nil
}

func (f *fakeRecords) MarkFailed(ctx context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.Status = models.StatusFailed
	f.job.Error = &msg
	return nil
}

func (f *fakeRecords) MarkCancelled(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.Status = models.StatusCancelled
	return nil
}

func (f *fakeRecords) CancelRequested(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelPolls++
	if f.cancelAfter >= 0 && f.cancelPolls > f.cancelAfter {
		return true, nil
	}
	return false, nil
}

func (f *fakeRecords) snapshot() models.GenerationJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.job
}

type fakeCatalog struct {
	doc  *models.TemplateDocument
	rows []models.DataRow

	failListAtOffset int // page fetches at or past this offset error; 0 value disables via listFailEnabled
	listFailEnabled  bool
}

func (f *fakeCatalog) GetTemplate(ctx context.Context, id string) (*models.TemplateDocument, error) {
	if f.doc == nil || f.doc.ID != id {
		return nil, store.ErrNotFound
	}
	return f.doc, nil
}

func (f *fakeCatalog) CountRows(ctx context.Context, dataSourceID string, filter *models.RowFilter) (int, error) {
	return len(f.rows), nil
}

func (f *fakeCatalog) ListRows(ctx context.Context, dataSourceID string, filter *models.RowFilter, offset, limit int) ([]models.DataRow, error) {
	if f.listFailEnabled && offset >= f.failListAtOffset {
		return nil, errors.New("row store unavailable")
	}
	if offset >= len(f.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	return f.rows[offset:end], nil
}

type fakePublisher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakePublisher) Publish(ctx context.Context, body []byte, params storage.PublishParams) (storage.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := storage.Key(params)
	return storage.Reference{StorageKey: key, CDNURL: "https://cdn.example.com/" + key}, nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() config.Config {
	return config.Config{
		RenderConcurrency: 3,
		RowPageSize:       4,
		FetchTimeout:      2 * time.Second,
		FetchMaxBytes:     1 << 20,
	}
}

func newTestOrchestrator(t *testing.T, cfg config.Config, records RecordStore, catalog Catalog, pub Publisher) *Orchestrator {
	t.Helper()
	fetcher := render.NewFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes)
	engine := render.NewEngine(fetcher, render.NewSlots(cfg.RenderConcurrency), zerolog.Nop())
	resolver := &template.Resolver{MissingValue: cfg.MissingValueText, Fetcher: fetcher, Logger: zerolog.Nop()}
	renderer := render.NewRenderer(resolver, engine)
	return NewOrchestrator(cfg, records, catalog, renderer, pub, zerolog.Nop())
}

func textOnlyTemplate() *models.TemplateDocument {
	return &models.TemplateDocument{
		ID:     "tpl-1",
		TeamID: "team-1",
		Name:   "promo",
		Width:  400,
		Height: 400,
		Layers: []models.Layer{
			{Kind: models.LayerText, Name: "headline", X: 20, Y: 20, Width: 360, Height: 80,
				Text: "Hello {{name}}", FontSize: 24, Color: "#000000", ParentGroup: models.NoParent},
		},
	}
}

func makeRows(n int) []models.DataRow {
	rows := make([]models.DataRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, models.DataRow{
			ID:           fmt.Sprintf("row-%d", i),
			DataSourceID: "ds-1",
			Values:       map[string]any{"name": fmt.Sprintf("customer %d", i)},
		})
	}
	return rows
}

func baseJob() models.GenerationJob {
	return models.GenerationJob{
		ID:           "job-1",
		TeamID:       "team-1",
		TemplateID:   "tpl-1",
		DataSourceID: "ds-1",
		AspectRatios: []models.AspectRatio{{Width: 200, Height: 200}, {Width: 300, Height: 150}},
		OutputFormat: models.FormatPNG,
		Quality:      90,
		Status:       models.StatusPending,
	}
}

func TestProcessBatchCompletesEveryItem(t *testing.T) {
	records := newFakeRecords(baseJob())
	catalog := &fakeCatalog{doc: textOnlyTemplate(), rows: makeRows(10)}
	pub := &fakePublisher{}
	orch := newTestOrchestrator(t, testConfig(), records, catalog, pub)

	if err := orch.ProcessBatch(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	job := records.snapshot()
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.TotalItems != 20 {
		t.Fatalf("total_items = %d, want 20", job.TotalItems)
	}
	if job.ProcessedItems != 20 || job.FailedItems != 0 {
		t.Fatalf("processed = %d failed = %d, want 20/0", job.ProcessedItems, job.FailedItems)
	}
	if len(job.OutputCreativeIDs) != 20 {
		t.Fatalf("output creative ids = %d, want 20", len(job.OutputCreativeIDs))
	}
	if pub.count() != 20 {
		t.Fatalf("publish calls = %d, want 20", pub.count())
	}
}

func TestProcessBatchIsolatesItemFailures(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	doc := textOnlyTemplate()
	doc.Layers = append(doc.Layers, models.Layer{
		Kind: models.LayerImage, Name: "photo", X: 0, Y: 120, Width: 200, Height: 200,
		Source: "{{photo}}", ParentGroup: models.NoParent,
	})

	rows := makeRows(5)
	for i := range rows {
		rows[i].Values["photo"] = srv.URL + "/ok.png"
	}
	rows[2].Values["photo"] = srv.URL + "/missing.png"

	job := baseJob()
	job.AspectRatios = []models.AspectRatio{{Width: 200, Height: 200}}
	records := newFakeRecords(job)
	catalog := &fakeCatalog{doc: doc, rows: rows}
	orch := newTestOrchestrator(t, testConfig(), records, catalog, &fakePublisher{})

	if err := orch.ProcessBatch(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	got := records.snapshot()
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ProcessedItems != 4 || got.FailedItems != 1 {
		t.Fatalf("processed = %d failed = %d, want 4/1", got.ProcessedItems, got.FailedItems)
	}
	if len(got.ErrorLog) != 1 {
		t.Fatalf("error log entries = %d, want 1", len(got.ErrorLog))
	}
	if got.ErrorLog[0].RowID != "row-2" {
		t.Fatalf("error log row = %s, want row-2", got.ErrorLog[0].RowID)
	}
	if !strings.Contains(got.ErrorLog[0].Error, "photo") {
		t.Fatalf("error log message %q does not name the variable", got.ErrorLog[0].Error)
	}
}

func TestProcessBatchRetriesWhenEnumerationDies(t *testing.T) {
	job := baseJob()
	job.AspectRatios = []models.AspectRatio{{Width: 100, Height: 100}}
	records := newFakeRecords(job)
	// First page (4 rows) succeeds, every later page errors.
	catalog := &fakeCatalog{doc: textOnlyTemplate(), rows: makeRows(10), listFailEnabled: true, failListAtOffset: 4}
	orch := newTestOrchestrator(t, testConfig(), records, catalog, &fakePublisher{})

	err := orch.ProcessBatch(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected a transient error so the batch is re-dispatched")
	}

	got := records.snapshot()
	if models.TerminalStatus(got.Status) {
		t.Fatalf("status = %s, a short batch must never go terminal", got.Status)
	}
	if got.Status != models.StatusProcessing {
		t.Fatalf("status = %s, want processing for re-dispatch", got.Status)
	}
	if got.TotalItems != 10 {
		t.Fatalf("total_items = %d, want the 10-item snapshot", got.TotalItems)
	}
	if attempted := got.ProcessedItems + got.FailedItems; attempted != 4 {
		t.Fatalf("attempted = %d, want only the first page's 4 items", attempted)
	}
}

func TestProcessBatchHonoursCancelMidway(t *testing.T) {
	records := newFakeRecords(baseJob())
	records.cancelAfter = 5
	catalog := &fakeCatalog{doc: textOnlyTemplate(), rows: makeRows(10)}
	orch := newTestOrchestrator(t, testConfig(), records, catalog, &fakePublisher{})

	if err := orch.ProcessBatch(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	job := records.snapshot()
	if job.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
	attempted := job.ProcessedItems + job.FailedItems
	if attempted > 5+testConfig().RenderConcurrency {
		t.Fatalf("attempted %d items after cancel, want at most dispatched+in-flight", attempted)
	}
	if attempted >= job.TotalItems {
		t.Fatalf("attempted %d of %d items, cancel had no effect", attempted, job.TotalItems)
	}
}

func TestProcessBatchCancelledBeforeStart(t *testing.T) {
	job := baseJob()
	job.CancelRequested = true
	records := newFakeRecords(job)
	catalog := &fakeCatalog{doc: textOnlyTemplate(), rows: makeRows(3)}
	orch := newTestOrchestrator(t, testConfig(), records, catalog, &fakePublisher{})

	if err := orch.ProcessBatch(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	got := records.snapshot()
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.ProcessedItems != 0 || got.FailedItems != 0 {
		t.Fatalf("items ran on a pre-cancelled batch: %d/%d", got.ProcessedItems, got.FailedItems)
	}
}

func TestProcessBatchFailsOnMissingTemplate(t *testing.T) {
	job := baseJob()
	job.TemplateID = "tpl-gone"
	records := newFakeRecords(job)
	catalog := &fakeCatalog{doc: textOnlyTemplate(), rows: makeRows(3)}
	orch := newTestOrchestrator(t, testConfig(), records, catalog, &fakePublisher{})

	if err := orch.ProcessBatch(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	got := records.snapshot()
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || !strings.Contains(*got.Error, "template") {
		t.Fatalf("job error = %v, want template load failure", got.Error)
	}
}

func TestProcessBatchFailsOnEmptyDataSource(t *testing.T) {
	records := newFakeRecords(baseJob())
	catalog := &fakeCatalog{doc: textOnlyTemplate()}
	orch := newTestOrchestrator(t, testConfig(), records, catalog, &fakePublisher{})

	if err := orch.ProcessBatch(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	got := records.snapshot()
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestProcessBatchDropsUnclaimableJob(t *testing.T) {
	records := newFakeRecords(baseJob())
	records.claimable = false
	catalog := &fakeCatalog{doc: textOnlyTemplate(), rows: makeRows(2)}
	orch := newTestOrchestrator(t, testConfig(), records, catalog, &fakePublisher{})

	if err := orch.ProcessBatch(context.Background(), "job-1"); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if got := records.snapshot(); got.Status != models.StatusPending {
		t.Fatalf("status = %s, want untouched pending record", got.Status)
	}
}
