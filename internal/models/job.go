package models

import (
	"fmt"
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Output formats accepted for encoded creatives.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// ValidFormat reports whether format names a supported encoding.
func ValidFormat(format string) bool {
	return format == FormatPNG || format == FormatJPEG
}

// AspectRatio is one target output size in pixels.
type AspectRatio struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (a AspectRatio) String() string {
	return fmt.Sprintf("%dx%d", a.Width, a.Height)
}

// Valid reports whether both dimensions are positive.
func (a AspectRatio) Valid() bool {
	return a.Width > 0 && a.Height > 0
}

// RowFilter optionally narrows the data rows included in a batch.
type RowFilter struct {
	Column string `json:"column"`
	Equals string `json:"equals"`
}

// ItemError is one entry in a job's error log, identifying the failed item.
type ItemError struct {
	RowID       string      `json:"row_id"`
	AspectRatio AspectRatio `json:"aspect_ratio"`
	Error       string      `json:"error"`
}

// GenerationJob is the aggregate root for one batch request. Counters are
// mutated only through atomic store increments; the struct itself is a read
// snapshot.
type GenerationJob struct {
	ID                string        `json:"id"`
	TeamID            string        `json:"team_id"`
	TemplateID        string        `json:"template_id"`
	DataSourceID      string        `json:"data_source_id"`
	AspectRatios      []AspectRatio `json:"aspect_ratios"`
	RowFilter         *RowFilter    `json:"row_filter,omitempty"`
	OutputFormat      string        `json:"output_format"`
	Quality           int           `json:"quality"`
	Status            string        `json:"status"`
	CancelRequested   bool          `json:"cancel_requested,omitempty"`
	TotalItems        int           `json:"total_items"`
	ProcessedItems    int           `json:"processed_items"`
	FailedItems       int           `json:"failed_items"`
	OutputCreativeIDs []string      `json:"output_creative_ids"`
	ErrorLog          []ItemError   `json:"error_log"`
	Error             *string       `json:"error,omitempty"`
	Attempts          int           `json:"attempts"`
	IdempotencyKey    *string       `json:"idempotency_key,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Creative attempt outcomes.
const (
	CreativeStatusSucceeded = "succeeded"
	CreativeStatusFailed    = "failed"
)

// GeneratedCreative is one attempted render. Records are append-only: one is
// written exactly once per work item and never mutated afterwards.
type GeneratedCreative struct {
	ID               string            `json:"id"`
	TeamID           string            `json:"team_id"`
	TemplateID       string            `json:"template_id"`
	DataRowID        string            `json:"data_row_id"`
	BatchID          string            `json:"generation_batch_id"`
	VariableValues   map[string]string `json:"variable_values_snapshot"`
	StorageKey       string            `json:"storage_key"`
	CDNURL           string            `json:"cdn_url"`
	Width            int               `json:"width"`
	Height           int               `json:"height"`
	FileSizeBytes    int64             `json:"file_size_bytes"`
	Format           string            `json:"format"`
	Status           string            `json:"status"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	RenderDurationMs int64             `json:"render_duration_ms"`
	CreatedAt        time.Time         `json:"created_at"`
}

// DataRow is one flat record from a data source, immutable once fetched.
type DataRow struct {
	ID           string         `json:"id"`
	DataSourceID string         `json:"data_source_id"`
	Values       map[string]any `json:"values"`
}

// Lookup returns the row value for a column rendered as a string, and
// whether the column was present and non-null.
func (r DataRow) Lookup(column string) (string, bool) {
	v, ok := r.Values[column]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case float64:
		// JSON numbers decode as float64; render whole numbers without a fraction.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t)), true
		}
		return fmt.Sprintf("%g", t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}
