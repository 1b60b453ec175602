package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"creative-engine/internal/models"
	"creative-engine/internal/template"
)

// Engine rasterizes a template document onto an exact-size canvas. It holds
// no mutable render state of its own; each Render call draws into its own
// acquired canvas, so concurrent renders within one process are safe.
type Engine struct {
	fetcher *Fetcher
	slots   *Slots
	logger  zerolog.Logger
}

// NewEngine builds an engine sharing a fetcher and a canvas slot bound.
func NewEngine(fetcher *Fetcher, slots *Slots, logger zerolog.Logger) *Engine {
	return &Engine{fetcher: fetcher, slots: slots, logger: logger}
}

// placement is a layer's absolute position and effective opacity after
// walking its group chain.
type placement struct {
	x, y    float64
	opacity float64
}

// Render composites every layer in paint order at targetWidth x targetHeight.
// The template's native space is scaled per-axis to the target, so the output
// dimensions always match the request exactly. The returned canvas must be
// Released by the caller on every path.
func (e *Engine) Render(ctx context.Context, doc *models.TemplateDocument, values *template.ResolvedValues, targetWidth, targetHeight int) (*Canvas, error) {
	if targetWidth <= 0 || targetHeight <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", targetWidth, targetHeight)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	canvas, err := e.slots.Acquire(ctx, targetWidth, targetHeight)
	if err != nil {
		return nil, fmt.Errorf("acquire canvas: %w", err)
	}
	// The deferred release covers every early return and any panic in a
	// layer draw; the success path detaches so the caller owns the canvas.
	handedOff := false
	defer func() {
		if !handedOff {
			canvas.Release()
		}
	}()

	sx := float64(targetWidth) / float64(doc.Width)
	sy := float64(targetHeight) / float64(doc.Height)
	fontScale := math.Min(sx, sy)

	// Resolve group nesting into absolute placements. Parents always precede
	// children in the arena, so a single forward pass suffices.
	placements := make([]placement, len(doc.Layers))
	for i := range doc.Layers {
		l := &doc.Layers[i]
		p := placement{x: l.X, y: l.Y, opacity: layerOpacity(l)}
		if l.ParentGroup != models.NoParent {
			parent := placements[l.ParentGroup]
			p.x += parent.x
			p.y += parent.y
			p.opacity *= parent.opacity
		}
		placements[i] = p
	}

	dst := canvas.Image()
	for i := range doc.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l := &doc.Layers[i]
		if l.Kind == models.LayerGroup {
			continue
		}
		p := placements[i]
		rect := image.Rect(
			int(math.Round(p.x*sx)),
			int(math.Round(p.y*sy)),
			int(math.Round((p.x+l.Width)*sx)),
			int(math.Round((p.y+l.Height)*sy)),
		)
		if rect.Empty() || p.opacity <= 0 {
			continue
		}

		switch l.Kind {
		case models.LayerShape:
			e.drawShape(dst, l, rect, p.opacity, fontScale)
		case models.LayerImage:
			e.drawImage(ctx, dst, l, values, rect, p.opacity)
		case models.LayerText:
			e.drawText(dst, l, values, rect, p.opacity, fontScale)
		}
	}

	handedOff = true
	return canvas, nil
}

func layerOpacity(l *models.Layer) float64 {
	if l.Opacity <= 0 {
		// Zero means unset in editor exports; fully transparent layers are
		// expressed by omitting the layer instead.
		return 1
	}
	if l.Opacity > 1 {
		return 1
	}
	return l.Opacity
}

func (e *Engine) drawShape(dst *image.NRGBA, l *models.Layer, rect image.Rectangle, opacity, scale float64) {
	if fill, err := parseHexColor(l.Fill); err == nil {
		fillRect(dst, rect, fill, opacity)
	} else if l.Fill != "" {
		e.logger.Warn().Str("fill", l.Fill).Msg("unparseable shape fill, skipping")
	}
	if l.Stroke == "" || l.StrokeWidth <= 0 {
		return
	}
	stroke, err := parseHexColor(l.Stroke)
	if err != nil {
		e.logger.Warn().Str("stroke", l.Stroke).Msg("unparseable shape stroke, skipping")
		return
	}
	w := int(math.Max(1, math.Round(l.StrokeWidth*scale)))
	fillRect(dst, image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+w), stroke, opacity)
	fillRect(dst, image.Rect(rect.Min.X, rect.Max.Y-w, rect.Max.X, rect.Max.Y), stroke, opacity)
	fillRect(dst, image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+w, rect.Max.Y), stroke, opacity)
	fillRect(dst, image.Rect(rect.Max.X-w, rect.Min.Y, rect.Max.X, rect.Max.Y), stroke, opacity)
}

// drawImage composites an image layer, cover-fitted to its rect. A missing
// resolved variable or a failed literal-URL fetch omits the layer; the
// render carries on.
func (e *Engine) drawImage(ctx context.Context, dst *image.NRGBA, l *models.Layer, values *template.ResolvedValues, rect image.Rectangle, opacity float64) {
	var src image.Image
	if name, ok := template.ImageVariable(l); ok {
		if values != nil {
			src = values.Images[name]
		}
		if src == nil {
			e.logger.Warn().Str("variable", name).Msg("image variable unresolved, omitting layer")
			return
		}
	} else {
		if l.Source == "" {
			return
		}
		img, err := e.fetcher.FetchImage(ctx, l.Source)
		if err != nil {
			e.logger.Warn().Err(err).Str("source", l.Source).Msg("image layer fetch failed, omitting layer")
			return
		}
		src = img
	}

	fitted := imaging.Fill(src, rect.Dx(), rect.Dy(), imaging.Center, imaging.Lanczos)
	pasteWithOpacity(dst, rect, fitted, opacity)
}

func (e *Engine) drawText(dst *image.NRGBA, l *models.Layer, values *template.ResolvedValues, rect image.Rectangle, opacity, scale float64) {
	text := l.Text
	if values != nil {
		text = values.SubstituteText(text)
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	col, err := parseHexColor(l.Color)
	if err != nil {
		col = color.NRGBA{A: 0xff}
	}
	col.A = uint8(math.Round(float64(col.A) * opacity))

	size := l.FontSize
	if size <= 0 {
		size = 16
	}
	face, closeFace := fonts().face(l.FontFamily, size*scale)
	if closeFace != nil {
		defer closeFace()
	}

	metrics := face.Metrics()
	lineHeight := int(math.Round(float64(metrics.Height.Ceil()) * 1.2))
	if lineHeight <= 0 {
		lineHeight = metrics.Ascent.Ceil() + metrics.Descent.Ceil()
	}

	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: face,
	}

	y := rect.Min.Y + metrics.Ascent.Ceil()
	for _, line := range wrapText(face, text, rect.Dx()) {
		if y-metrics.Ascent.Ceil() >= rect.Max.Y {
			break
		}
		width := font.MeasureString(face, line).Ceil()
		x := rect.Min.X
		switch l.Align {
		case models.AlignCenter:
			x += (rect.Dx() - width) / 2
		case models.AlignRight:
			x += rect.Dx() - width
		}
		drawer.Dot = fixed.P(x, y)
		drawer.DrawString(line)
		y += lineHeight
	}
}

// wrapText reflows text into lines no wider than maxWidth, honoring explicit
// newlines. A single word wider than the box gets its own line rather than
// being dropped.
func wrapText(face font.Face, text string, maxWidth int) []string {
	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		current := words[0]
		for _, word := range words[1:] {
			candidate := current + " " + word
			if font.MeasureString(face, candidate).Ceil() > maxWidth {
				lines = append(lines, current)
				current = word
				continue
			}
			current = candidate
		}
		lines = append(lines, current)
	}
	return lines
}

func fillRect(dst *image.NRGBA, rect image.Rectangle, col color.NRGBA, opacity float64) {
	col.A = uint8(math.Round(float64(col.A) * opacity))
	draw.Draw(dst, rect, image.NewUniform(col), image.Point{}, draw.Over)
}

func pasteWithOpacity(dst *image.NRGBA, rect image.Rectangle, src image.Image, opacity float64) {
	if opacity >= 1 {
		draw.Draw(dst, rect, src, src.Bounds().Min, draw.Over)
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(math.Round(opacity * 0xff))})
	draw.DrawMask(dst, rect, src, src.Bounds().Min, mask, image.Point{}, draw.Over)
}

// parseHexColor parses #rgb, #rrggbb, and #rrggbbaa notations.
func parseHexColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '#' {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	hex := s[1:]
	parse := func(b []byte) (uint8, error) {
		var v uint8
		for _, c := range b {
			v <<= 4
			switch {
			case c >= '0' && c <= '9':
				v |= c - '0'
			case c >= 'a' && c <= 'f':
				v |= c - 'a' + 10
			case c >= 'A' && c <= 'F':
				v |= c - 'A' + 10
			default:
				return 0, fmt.Errorf("invalid hex digit %q", c)
			}
		}
		return v, nil
	}
	c := color.NRGBA{A: 0xff}
	var err error
	switch len(hex) {
	case 3:
		if c.R, err = parse([]byte{hex[0], hex[0]}); err != nil {
			return c, err
		}
		if c.G, err = parse([]byte{hex[1], hex[1]}); err != nil {
			return c, err
		}
		if c.B, err = parse([]byte{hex[2], hex[2]}); err != nil {
			return c, err
		}
	case 8:
		if c.A, err = parse([]byte(hex[6:8])); err != nil {
			return c, err
		}
		fallthrough
	case 6:
		if c.R, err = parse([]byte(hex[0:2])); err != nil {
			return c, err
		}
		if c.G, err = parse([]byte(hex[2:4])); err != nil {
			return c, err
		}
		if c.B, err = parse([]byte(hex[4:6])); err != nil {
			return c, err
		}
	default:
		return c, fmt.Errorf("invalid color length %q", s)
	}
	return c, nil
}
