package template

import (
	"context"
	"image"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"creative-engine/internal/models"
)

// varPattern matches one {{identifier}} placeholder and captures the name.
var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.-]*)\s*\}\}`)

// ImageFetcher loads a remote image with a bounded timeout.
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) (image.Image, error)
}

// Resolver computes per-row variable values for a template. MissingValue is
// substituted for variables absent from a row; resolution never fails just
// because a field is blank.
type Resolver struct {
	MissingValue string
	Fetcher      ImageFetcher
	Logger       zerolog.Logger
}

// ResolvedValues is the per-(template, row) substitution map. Text holds
// string values for text placeholders; Images holds fetched handles for
// image variables that resolved and loaded. Missing lists variables that had
// no row value, and failed image fetches land in Skipped.
type ResolvedValues struct {
	Text    map[string]string
	Images  map[string]image.Image
	Missing []string
	Skipped []string
}

// ExtractVariables returns the deduplicated, sorted union of placeholder
// names across every text layer and image-layer source pattern.
func ExtractVariables(doc *models.TemplateDocument) []string {
	seen := map[string]struct{}{}
	for i := range doc.Layers {
		l := &doc.Layers[i]
		switch l.Kind {
		case models.LayerText:
			for _, m := range varPattern.FindAllStringSubmatch(l.Text, -1) {
				seen[m[1]] = struct{}{}
			}
		case models.LayerImage:
			if name, ok := ImageVariable(l); ok {
				seen[name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ImageVariable reports the placeholder name of an image layer whose source
// is a single {{variable}} pattern rather than a literal URL.
func ImageVariable(l *models.Layer) (string, bool) {
	src := strings.TrimSpace(l.Source)
	m := varPattern.FindStringSubmatch(src)
	if m == nil || m[0] != src {
		return "", false
	}
	return m[1], true
}

// Resolve looks up every extracted variable in row. Missing values fall back
// to MissingValue; image variables are fetched eagerly so compositing never
// blocks on the network, and a failed fetch skips the variable instead of
// aborting the row.
func (r *Resolver) Resolve(ctx context.Context, doc *models.TemplateDocument, row models.DataRow) *ResolvedValues {
	rv := &ResolvedValues{
		Text:   map[string]string{},
		Images: map[string]image.Image{},
	}
	for _, name := range ExtractVariables(doc) {
		val, ok := row.Lookup(name)
		if !ok {
			rv.Text[name] = r.MissingValue
			rv.Missing = append(rv.Missing, name)
			continue
		}
		rv.Text[name] = val
	}

	if r.Fetcher == nil {
		return rv
	}
	for i := range doc.Layers {
		l := &doc.Layers[i]
		if l.Kind != models.LayerImage {
			continue
		}
		name, ok := ImageVariable(l)
		if !ok {
			continue
		}
		url := rv.Text[name]
		if url == "" {
			continue
		}
		if _, done := rv.Images[name]; done {
			continue
		}
		img, err := r.Fetcher.FetchImage(ctx, url)
		if err != nil {
			r.Logger.Warn().Err(err).Str("variable", name).Str("row_id", row.ID).Msg("image variable fetch failed, skipping")
			rv.Skipped = append(rv.Skipped, name)
			continue
		}
		rv.Images[name] = img
	}
	return rv
}

// SubstituteText replaces every placeholder occurrence in s with its resolved
// value. Only the literal text changes; styling lives outside the text field
// and is never rewritten.
func (rv *ResolvedValues) SubstituteText(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(tok string) string {
		m := varPattern.FindStringSubmatch(tok)
		if v, ok := rv.Text[m[1]]; ok {
			return v
		}
		return ""
	})
}

// Snapshot pins the exact values substituted for this render, for the
// creative record's reproducibility snapshot.
func (rv *ResolvedValues) Snapshot() map[string]string {
	out := make(map[string]string, len(rv.Text))
	for k, v := range rv.Text {
		out[k] = v
	}
	return out
}
