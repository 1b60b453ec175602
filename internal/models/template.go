package models

import "fmt"

// LayerKind discriminates the layer union.
type LayerKind string

const (
	LayerText  LayerKind = "text"
	LayerImage LayerKind = "image"
	LayerShape LayerKind = "shape"
	LayerGroup LayerKind = "group"
)

// Text alignment within a text layer's box.
const (
	AlignLeft   = "left"
	AlignCenter = "center"
	AlignRight  = "right"
)

// NoParent marks a layer that belongs to no group.
const NoParent = -1

// Layer is one entry in a template's flat layer arena. The slice order is
// the paint order; ParentGroup is an index into the same slice and must
// reference an earlier group layer, which makes nesting acyclic by
// construction. Coordinates and sizes are in the template's native pixel
// space.
type Layer struct {
	Kind        LayerKind `json:"kind"`
	Name        string    `json:"name,omitempty"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Width       float64   `json:"width"`
	Height      float64   `json:"height"`
	Opacity     float64   `json:"opacity"` // 0..1; 0 means unset and is treated as 1
	ParentGroup int       `json:"parent_group"`

	// Text layers.
	Text       string  `json:"text,omitempty"`
	FontFamily string  `json:"font_family,omitempty"`
	FontSize   float64 `json:"font_size,omitempty"`
	Color      string  `json:"color,omitempty"` // #rrggbb
	Align      string  `json:"align,omitempty"`

	// Image layers: either a literal URL or a single {{variable}} placeholder.
	Source string `json:"source,omitempty"`

	// Shape layers.
	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"stroke_width,omitempty"`
}

// TemplateDocument is the layered visual design generation renders against.
// It is produced by the external template editor and consumed read-only here.
type TemplateDocument struct {
	ID     string  `json:"id"`
	TeamID string  `json:"team_id"`
	Name   string  `json:"name"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Layers []Layer `json:"layers"`
}

// Validate checks the structural invariants the renderer relies on: positive
// native dimensions and parent indices that point backwards at group layers.
func (t *TemplateDocument) Validate() error {
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("template %s: non-positive native size %dx%d", t.ID, t.Width, t.Height)
	}
	for i, l := range t.Layers {
		switch l.Kind {
		case LayerText, LayerImage, LayerShape, LayerGroup:
		default:
			return fmt.Errorf("template %s: layer %d has unknown kind %q", t.ID, i, l.Kind)
		}
		if l.ParentGroup == NoParent {
			continue
		}
		if l.ParentGroup < 0 || l.ParentGroup >= i {
			return fmt.Errorf("template %s: layer %d parent index %d out of range", t.ID, i, l.ParentGroup)
		}
		if t.Layers[l.ParentGroup].Kind != LayerGroup {
			return fmt.Errorf("template %s: layer %d parent %d is not a group", t.ID, i, l.ParentGroup)
		}
	}
	return nil
}
