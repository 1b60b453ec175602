package template

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"creative-engine/internal/models"
)

// httpFetcher is a minimal ImageFetcher for tests; the production fetcher
// lives in the render package, which this package must not import.
type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) FetchImage(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	return img, err
}

func testDoc() *models.TemplateDocument {
	return &models.TemplateDocument{
		ID: "tpl-1", Width: 1080, Height: 1080,
		Layers: []models.Layer{
			{Kind: models.LayerText, Text: "Hello {{name}}, welcome {{name}}!", ParentGroup: models.NoParent},
			{Kind: models.LayerText, Text: "{{price}} only today", ParentGroup: models.NoParent},
			{Kind: models.LayerImage, Source: "{{photo}}", ParentGroup: models.NoParent},
			{Kind: models.LayerImage, Source: "https://cdn.example.com/logo.png", ParentGroup: models.NoParent},
			{Kind: models.LayerShape, Fill: "#ff0000", ParentGroup: models.NoParent},
		},
	}
}

func TestExtractVariables(t *testing.T) {
	got := ExtractVariables(testDoc())
	want := []string{"name", "photo", "price"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("extract = %v, want %v", got, want)
	}
}

func TestExtractVariablesIgnoresLiteralImageURL(t *testing.T) {
	doc := &models.TemplateDocument{
		Width: 10, Height: 10,
		Layers: []models.Layer{
			{Kind: models.LayerImage, Source: "https://cdn.example.com/{{almost}}.png", ParentGroup: models.NoParent},
		},
	}
	// A URL merely containing braces is not a single-placeholder source.
	if got := ExtractVariables(doc); len(got) != 0 {
		t.Fatalf("expected no variables, got %v", got)
	}
}

func TestResolveSubstitutesEveryOccurrence(t *testing.T) {
	r := &Resolver{Logger: zerolog.Nop()}
	row := models.DataRow{ID: "r1", Values: map[string]any{"name": "Ada", "price": float64(42)}}

	rv := r.Resolve(context.Background(), testDoc(), row)
	if got := rv.SubstituteText("Hello {{name}}, welcome {{name}}!"); got != "Hello Ada, welcome Ada!" {
		t.Fatalf("substitute = %q", got)
	}
	if got := rv.SubstituteText("{{price}} only today"); got != "42 only today" {
		t.Fatalf("substitute price = %q", got)
	}
}

func TestResolveMissingColumnFallsBack(t *testing.T) {
	r := &Resolver{MissingValue: "", Logger: zerolog.Nop()}
	row := models.DataRow{ID: "r1", Values: map[string]any{"name": "Ada"}}

	rv := r.Resolve(context.Background(), testDoc(), row)
	if got := rv.Text["price"]; got != "" {
		t.Fatalf("missing value = %q, want empty fallback", got)
	}
	if len(rv.Missing) != 2 { // price and photo
		t.Fatalf("missing = %v", rv.Missing)
	}
	if got := rv.SubstituteText("{{price}} only today"); got != " only today" {
		t.Fatalf("substitute = %q", got)
	}
}

func TestResolveConfigurableMissingMarker(t *testing.T) {
	r := &Resolver{MissingValue: "[missing]", Logger: zerolog.Nop()}
	rv := r.Resolve(context.Background(), testDoc(), models.DataRow{ID: "r1", Values: map[string]any{}})
	if got := rv.Text["name"]; got != "[missing]" {
		t.Fatalf("marker = %q", got)
	}
}

func TestResolveFetchesImageVariable(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	r := &Resolver{Fetcher: &httpFetcher{client: &http.Client{Timeout: 2 * time.Second}}, Logger: zerolog.Nop()}
	row := models.DataRow{ID: "r1", Values: map[string]any{"name": "Ada", "price": "9.99", "photo": srv.URL}}

	rv := r.Resolve(context.Background(), testDoc(), row)
	if rv.Images["photo"] == nil {
		t.Fatal("expected fetched image handle for photo")
	}
	if len(rv.Skipped) != 0 {
		t.Fatalf("skipped = %v", rv.Skipped)
	}
	if rv.Snapshot()["photo"] != srv.URL {
		t.Fatalf("snapshot should pin the source url, got %q", rv.Snapshot()["photo"])
	}
}

func TestResolveSkipsUnreachableImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	r := &Resolver{Fetcher: &httpFetcher{client: &http.Client{Timeout: 2 * time.Second}}, Logger: zerolog.Nop()}
	row := models.DataRow{ID: "r1", Values: map[string]any{"name": "Ada", "price": "1", "photo": srv.URL}}

	rv := r.Resolve(context.Background(), testDoc(), row)
	if rv.Images["photo"] != nil {
		t.Fatal("unreachable image should not resolve")
	}
	if len(rv.Skipped) != 1 || rv.Skipped[0] != "photo" {
		t.Fatalf("skipped = %v, want [photo]", rv.Skipped)
	}
	// Text values still resolved; the row did not abort.
	if rv.Text["name"] != "Ada" {
		t.Fatalf("text resolution aborted: %v", rv.Text)
	}
}
