// Package annotation manages the named point, line and rectangle annotations
// of a workspace. Geometry is kept in world millimetres; views draw handles
// from the read-only accessors and write back through the manager setters.
package annotation

import (
	"fmt"
	"math"

	"labelstation/internal/models"
)

// MinRectExtent is the smallest in-plane width and height of a rectangle in mm.
const MinRectExtent = 1.0

// DefaultLineWidth is the width of a new line in screen pixels.
const DefaultLineWidth = 2.0

// Item is implemented by *Point, *Line and *Rect.
type Item interface {
	Name() string
	Color() models.Color
	Visible() bool
	// Handles returns the draggable positions of the annotation
	Handles() []models.Vec3

	setName(string)
	setColor(models.Color)
	setVisible(bool)
	setHandle(i int, p models.Vec3) error
}

type base struct {
	name    string
	color   models.Color
	visible bool
}

func (b *base) Name() string            { return b.name }
func (b *base) Color() models.Color     { return b.color }
func (b *base) Visible() bool           { return b.visible }
func (b *base) setName(n string)        { b.name = n }
func (b *base) setColor(c models.Color) { b.color = c }
func (b *base) setVisible(v bool)       { b.visible = v }

func handleError(i, n int) error {
	return fmt.Errorf("%w: handle %d not in [0, %d)", models.ErrIndexOutOfBounds, i, n)
}

// Point is a single marked position.
type Point struct {
	base
	position models.Vec3
}

// NewPoint creates a visible point. An empty name is replaced when added to a manager.
func NewPoint(name string, position models.Vec3, color models.Color) *Point {
	return &Point{base: base{name: name, color: color, visible: true}, position: position}
}

// Position returns the point position.
func (p *Point) Position() models.Vec3 { return p.position }

func (p *Point) Handles() []models.Vec3 { return []models.Vec3{p.position} }

func (p *Point) setHandle(i int, pos models.Vec3) error {
	if i != 0 {
		return handleError(i, 1)
	}
	p.position = pos
	return nil
}

// Line is a measured segment between two positions.
type Line struct {
	base
	p1, p2 models.Vec3
	width  float64
}

// NewLine creates a visible line of DefaultLineWidth.
func NewLine(name string, p1, p2 models.Vec3, color models.Color) *Line {
	return &Line{base: base{name: name, color: color, visible: true}, p1: p1, p2: p2, width: DefaultLineWidth}
}

// Endpoints returns both endpoints.
func (l *Line) Endpoints() (models.Vec3, models.Vec3) { return l.p1, l.p2 }

// Width returns the drawn width.
func (l *Line) Width() float64 { return l.width }

// SetWidth sets the drawn width; non-positive widths are ignored. Use it
// before the line is added to a manager.
func (l *Line) SetWidth(w float64) {
	if w > 0 {
		l.width = w
	}
}

// Length returns the world length in mm.
func (l *Line) Length() float64 { return l.p1.Distance(l.p2) }

func (l *Line) Handles() []models.Vec3 { return []models.Vec3{l.p1, l.p2} }

func (l *Line) setHandle(i int, p models.Vec3) error {
	switch i {
	case 0:
		l.p1 = p
	case 1:
		l.p2 = p
	default:
		return handleError(i, 2)
	}
	return nil
}

// Label is the distance text of a line and its screen anchor.
type Label struct {
	Text string
	X, Y float64
}

// Label formats the line length and anchors it at the screen midpoint of the
// projected endpoints.
func (l *Line) Label(project func(models.Vec3) (float64, float64)) Label {
	x1, y1 := project(l.p1)
	x2, y2 := project(l.p2)
	return Label{
		Text: fmt.Sprintf("%.2f mm", l.Length()),
		X:    (x1 + x2) / 2,
		Y:    (y1 + y2) / 2,
	}
}

// Rect is an axis-aligned rectangle lying in a slice plane perpendicular to
// Axis, given by two diagonal corners.
type Rect struct {
	base
	axis   models.Axis
	c1, c2 models.Vec3
}

// NewRect creates a visible rectangle in the plane of axis through corner1.
// corner2 is projected onto that plane and pushed out to the minimum extent.
func NewRect(name string, axis models.Axis, corner1, corner2 models.Vec3, color models.Color) (*Rect, error) {
	if err := axis.Check(); err != nil {
		return nil, err
	}
	r := &Rect{base: base{name: name, color: color, visible: true}, axis: axis, c1: corner1}
	r.c2 = r.constrain(corner2, corner1)
	return r, nil
}

// RectAxis infers the plane axis of two corners: the axis along which they
// coincide, preferring Z.
func RectAxis(c1, c2 models.Vec3) models.Axis {
	for _, a := range []models.Axis{models.AxisZ, models.AxisY, models.AxisX} {
		if math.Abs(c1[a]-c2[a]) < 1e-9 {
			return a
		}
	}
	return models.AxisZ
}

// Axis returns the normal axis of the rectangle plane.
func (r *Rect) Axis() models.Axis { return r.axis }

// Corners returns the two diagonal corners.
func (r *Rect) Corners() (models.Vec3, models.Vec3) { return r.c1, r.c2 }

// Extent returns the in-plane width and height in mm.
func (r *Rect) Extent() (float64, float64) {
	a, b := inPlane(r.axis)
	return math.Abs(r.c2[a] - r.c1[a]), math.Abs(r.c2[b] - r.c1[b])
}

func (r *Rect) Handles() []models.Vec3 { return []models.Vec3{r.c1, r.c2} }

func (r *Rect) setHandle(i int, p models.Vec3) error {
	switch i {
	case 0:
		r.c1 = r.constrain(p, r.c2)
	case 1:
		r.c2 = r.constrain(p, r.c1)
	default:
		return handleError(i, 2)
	}
	return nil
}

// constrain places moved in the plane of fixed and keeps it at least
// MinRectExtent away from fixed along both in-plane axes.
func (r *Rect) constrain(moved, fixed models.Vec3) models.Vec3 {
	moved[r.axis] = fixed[r.axis]
	a, b := inPlane(r.axis)
	for _, d := range []models.Axis{a, b} {
		delta := moved[d] - fixed[d]
		if math.Abs(delta) >= MinRectExtent {
			continue
		}
		if delta < 0 {
			moved[d] = fixed[d] - MinRectExtent
		} else {
			moved[d] = fixed[d] + MinRectExtent
		}
	}
	return moved
}

func inPlane(a models.Axis) (models.Axis, models.Axis) {
	switch a {
	case models.AxisX:
		return models.AxisY, models.AxisZ
	case models.AxisY:
		return models.AxisX, models.AxisZ
	default:
		return models.AxisX, models.AxisY
	}
}
