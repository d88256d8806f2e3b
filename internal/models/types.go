package models

import (
	"fmt"
	"math"
	"strings"
)

// Axis identifies one of the three image axes. The numeric value is the
// index of the axis in a voxel index triple (i, j, k).
type Axis int

const (
	// AxisX is the sagittal axis (image i).
	AxisX Axis = iota
	// AxisY is the coronal axis (image j).
	AxisY
	// AxisZ is the axial axis (image k).
	AxisZ
)

// Anatomical aliases for the three reformatted views.
const (
	Sagittal = AxisX
	Coronal  = AxisY
	Axial    = AxisZ
)

// Axes lists the axes in index order.
var Axes = [3]Axis{AxisX, AxisY, AxisZ}

// Valid reports whether a is one of X, Y or Z.
func (a Axis) Valid() bool {
	return a >= AxisX && a <= AxisZ
}

// Check returns ErrInvalidAxis when a is not X, Y or Z.
func (a Axis) Check() error {
	if !a.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidAxis, int(a))
	}
	return nil
}

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// ViewName returns the anatomical view name for the axis.
func (a Axis) ViewName() string {
	switch a {
	case AxisX:
		return "sagittal"
	case AxisY:
		return "coronal"
	case AxisZ:
		return "axial"
	default:
		return a.String()
	}
}

// ParseAxis accepts x/y/z as well as sagittal/coronal/axial.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x", "sagittal":
		return AxisX, nil
	case "y", "coronal":
		return AxisY, nil
	case "z", "axial":
		return AxisZ, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAxis, s)
}

// Vec3 is a point or direction in 3D world (millimetre) space.
type Vec3 [3]float64

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

// Scale returns v * s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}

// Dot returns the dot product of v and o.
func (v Vec3) Dot(o Vec3) float64 {
	return v[0]*o[0] + v[1]*o[1] + v[2]*o[2]
}

// Cross returns the cross product v x o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Distance returns the Euclidean distance between v and o.
func (v Vec3) Distance(o Vec3) float64 {
	return v.Sub(o).Norm()
}

// Normalize returns v scaled to unit length. The zero vector is returned unchanged.
func (v Vec3) Normalize() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// Index3 is an integer voxel index (i, j, k).
type Index3 [3]int

// Add returns the component-wise sum.
func (p Index3) Add(o Index3) Index3 {
	return Index3{p[0] + o[0], p[1] + o[1], p[2] + o[2]}
}

// Color is an 8-bit RGB color.
type Color struct {
	R, G, B uint8
}

// Slice returns the color as a [r, g, b] triple for JSON manifests.
func (c Color) Slice() []int {
	return []int{int(c.R), int(c.G), int(c.B)}
}

// ColorFromSlice converts a manifest [r, g, b] triple. Components are clamped to 0..255.
func ColorFromSlice(v []int) (Color, error) {
	if len(v) != 3 {
		return Color{}, fmt.Errorf("color must have 3 components, got %d", len(v))
	}
	clamp := func(x int) uint8 {
		if x < 0 {
			return 0
		}
		if x > 255 {
			return 255
		}
		return uint8(x)
	}
	return Color{R: clamp(v[0]), G: clamp(v[1]), B: clamp(v[2])}, nil
}

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// A few named colors used as defaults.
var (
	Red    = Color{R: 255}
	Green  = Color{G: 255}
	Blue   = Color{B: 255}
	Yellow = Color{R: 255, G: 255}
)

// reservedNameChars are rejected in layer and annotation names since layer
// names become file names inside a workspace.
const reservedNameChars = `<>:"/\|?*`

// ValidateName checks a user supplied name: non-empty after trimming and free
// of filesystem-reserved characters.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	}
	if i := strings.IndexAny(name, reservedNameChars); i >= 0 {
		return fmt.Errorf("%w: name %q contains reserved character %q", ErrInvalidName, name, name[i])
	}
	return nil
}

// UniqueName returns base if it is free, otherwise the first of base_1,
// base_2, ... for which taken reports false.
func UniqueName(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d", base, n)
		if !taken(candidate) {
			return candidate
		}
	}
}
