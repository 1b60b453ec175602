package render

import (
	"context"
	"fmt"
	"time"

	"creative-engine/internal/models"
	"creative-engine/internal/template"
)

// Result is one encoded render plus its timing metadata. Skipped lists
// image variables whose fetch failed; the pixels render without those layers
// and the caller decides whether that degrades or fails the item.
type Result struct {
	Data     []byte
	Width    int
	Height   int
	Format   string
	Snapshot map[string]string
	Skipped  []string
	Duration time.Duration
}

// Renderer drives one (template, row, aspect ratio) triple end to end:
// resolve variables, rasterize, encode.
type Renderer struct {
	resolver *template.Resolver
	engine   *Engine
}

// NewRenderer wires a resolver and engine into the single-item pipeline.
func NewRenderer(resolver *template.Resolver, engine *Engine) *Renderer {
	return &Renderer{resolver: resolver, engine: engine}
}

// RenderItem produces one encoded creative buffer. The canvas backing the
// render is released before returning, on success and failure alike.
func (r *Renderer) RenderItem(ctx context.Context, doc *models.TemplateDocument, row models.DataRow, ratio models.AspectRatio, format string, quality int) (*Result, error) {
	if !ratio.Valid() {
		return nil, fmt.Errorf("invalid aspect ratio %s", ratio)
	}
	if !models.ValidFormat(format) {
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	start := time.Now()
	values := r.resolver.Resolve(ctx, doc, row)

	canvas, err := r.engine.Render(ctx, doc, values, ratio.Width, ratio.Height)
	if err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}
	defer canvas.Release()

	data, err := Encode(canvas.Image(), format, quality)
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:     data,
		Width:    ratio.Width,
		Height:   ratio.Height,
		Format:   format,
		Snapshot: values.Snapshot(),
		Skipped:  values.Skipped,
		Duration: time.Since(start),
	}, nil
}

// Preview renders ad-hoc variable data without touching storage or the
// database. It is the synchronous feedback path and shares every pipeline
// stage with batch items.
func (r *Renderer) Preview(ctx context.Context, doc *models.TemplateDocument, variableData map[string]any, ratio models.AspectRatio, format string, quality int) (*Result, error) {
	row := models.DataRow{ID: "preview", Values: variableData}
	return r.RenderItem(ctx, doc, row, ratio, format, quality)
}
