// Package segmentation holds the segmentation layers painted over the base
// volume and the ordered list that owns them.
package segmentation

import (
	"fmt"
	"math"

	"labelstation/internal/models"
	"labelstation/pkg/events"
	"labelstation/pkg/volume"
)

// ChangeKind identifies which property of a layer changed.
type ChangeKind int

const (
	ChangeMask ChangeKind = iota
	ChangeName
	ChangeColor
	ChangeAlpha
	ChangeVisibility
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeMask:
		return "mask"
	case ChangeName:
		return "name"
	case ChangeColor:
		return "color"
	case ChangeAlpha:
		return "alpha"
	case ChangeVisibility:
		return "visibility"
	default:
		return fmt.Sprintf("change(%d)", int(k))
	}
}

// Change is emitted by Layer.Changed.
type Change struct {
	Layer   *Layer
	Kind    ChangeKind
	OldName string // set for ChangeName
}

// DefaultAlpha is the opacity of a newly created layer.
const DefaultAlpha = 0.5

// Layer is a named voxel mask co-registered with the base volume.
type Layer struct {
	name     string
	color    models.Color
	alpha    float64
	visible  bool
	modified bool
	mask     *volume.Mask

	// owner validates renames against the other members of the list
	owner *LayerList

	// Changed fires after every property change, on the goroutine that made it
	Changed events.Signal[Change]
}

// NewLayer creates a visible layer with DefaultAlpha around mask. A new layer
// starts out modified since it has never been saved.
func NewLayer(name string, color models.Color, mask *volume.Mask) (*Layer, error) {
	if err := models.ValidateName(name); err != nil {
		return nil, err
	}
	if mask == nil {
		return nil, fmt.Errorf("%w: layer %q has no mask", models.ErrDimensionMismatch, name)
	}
	return &Layer{
		name:     name,
		color:    color,
		alpha:    DefaultAlpha,
		visible:  true,
		modified: true,
		mask:     mask,
	}, nil
}

// Name returns the layer name.
func (l *Layer) Name() string { return l.name }

// Color returns the overlay color.
func (l *Layer) Color() models.Color { return l.color }

// Alpha returns the overlay opacity in [0, 1].
func (l *Layer) Alpha() float64 { return l.alpha }

// Visible reports whether the layer is drawn.
func (l *Layer) Visible() bool { return l.visible }

// Modified reports whether the layer changed since the last save or load.
func (l *Layer) Modified() bool { return l.modified }

// Mask returns the voxel mask. Callers that write into it must call
// MarkModified afterwards.
func (l *Layer) Mask() *volume.Mask { return l.mask }

// Geometry returns the grid of the mask.
func (l *Layer) Geometry() volume.Geometry { return l.mask.Geometry() }

func (l *Layer) changed(kind ChangeKind, oldName string) {
	l.modified = true
	l.Changed.Emit(Change{Layer: l, Kind: kind, OldName: oldName})
}

// SetName renames the layer. An invalid name, or a name already used in the
// owning list, is rejected and leaves the layer unchanged.
func (l *Layer) SetName(name string) error {
	if name == l.name {
		return nil
	}
	if err := models.ValidateName(name); err != nil {
		return err
	}
	if l.owner != nil {
		if err := l.owner.claimName(l, name); err != nil {
			return err
		}
	}
	old := l.name
	l.name = name
	l.changed(ChangeName, old)
	return nil
}

// SetColor sets the overlay color.
func (l *Layer) SetColor(c models.Color) {
	if c == l.color {
		return
	}
	l.color = c
	l.changed(ChangeColor, "")
}

// SetAlpha sets the overlay opacity, clamped to [0, 1].
func (l *Layer) SetAlpha(alpha float64) {
	if math.IsNaN(alpha) {
		return
	}
	alpha = math.Max(0, math.Min(1, alpha))
	if alpha == l.alpha {
		return
	}
	l.alpha = alpha
	l.changed(ChangeAlpha, "")
}

// SetVisible shows or hides the layer.
func (l *Layer) SetVisible(visible bool) {
	if visible == l.visible {
		return
	}
	l.visible = visible
	l.changed(ChangeVisibility, "")
}

// MarkModified records an edit of the mask contents.
func (l *Layer) MarkModified() {
	l.changed(ChangeMask, "")
}

// ResetModified clears the modified flag after a save or load.
func (l *Layer) ResetModified() { l.modified = false }

// DeepCopy returns an unattached copy with its own mask and the given name.
func (l *Layer) DeepCopy(name string) (*Layer, error) {
	c, err := NewLayer(name, l.color, l.mask.Clone())
	if err != nil {
		return nil, err
	}
	c.alpha = l.alpha
	c.visible = l.visible
	return c, nil
}
