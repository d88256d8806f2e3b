// Package brush paints disk and ball stamps into segmentation layers.
package brush

import (
	"fmt"

	"labelstation/internal/models"
	"labelstation/pkg/segmentation"
	"labelstation/pkg/volume"
)

// Mode selects a flat disk or a ball stamp.
type Mode int

const (
	// Mode2D stamps a disk in the plane perpendicular to the view axis
	Mode2D Mode = iota
	// Mode3D stamps a ball
	Mode3D
)

func (m Mode) String() string {
	if m == Mode3D {
		return "3d"
	}
	return "2d"
}

// ParseMode accepts "2d" and "3d".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "2d", "2D":
		return Mode2D, nil
	case "3d", "3D":
		return Mode3D, nil
	}
	return Mode2D, fmt.Errorf("unknown brush mode %q", s)
}

// Values written by the brush.
const (
	Erase uint8 = 0
	Paint uint8 = 1
)

// Brush holds the current stamp settings. The radius is measured in voxels
// along every axis, regardless of spacing.
type Brush struct {
	Radius  int
	Mode    Mode
	Value   uint8
	Enabled bool
}

// New returns an enabled 2D paint brush.
func New(radius int) *Brush {
	return &Brush{Radius: radius, Mode: Mode2D, Value: Paint, Enabled: true}
}

// Offsets lists the voxel offsets covered by a stamp of the given radius.
// In 2D mode the offsets lie in the plane perpendicular to axis.
func Offsets(radius int, mode Mode, axis models.Axis) ([]models.Index3, error) {
	if err := axis.Check(); err != nil {
		return nil, err
	}
	if radius < 0 {
		radius = 0
	}
	r2 := radius * radius

	var out []models.Index3
	if mode == Mode3D {
		for dk := -radius; dk <= radius; dk++ {
			for dj := -radius; dj <= radius; dj++ {
				for di := -radius; di <= radius; di++ {
					if di*di+dj*dj+dk*dk <= r2 {
						out = append(out, models.Index3{di, dj, dk})
					}
				}
			}
		}
		return out, nil
	}

	// The two in-plane axes
	p, q := inPlane(axis)
	for b := -radius; b <= radius; b++ {
		for a := -radius; a <= radius; a++ {
			if a*a+b*b <= r2 {
				var off models.Index3
				off[p] = a
				off[q] = b
				out = append(out, off)
			}
		}
	}
	return out, nil
}

func inPlane(axis models.Axis) (int, int) {
	switch axis {
	case models.AxisX:
		return 1, 2
	case models.AxisY:
		return 0, 2
	default:
		return 0, 1
	}
}

// Stamp writes the brush value into every covered voxel around center that
// lies inside the mask. It returns the number of voxels that changed and marks
// the layer modified when that number is positive.
func (b *Brush) Stamp(layer *segmentation.Layer, axis models.Axis, center models.Index3) (int, error) {
	if layer == nil {
		return 0, models.ErrNoActiveLayer
	}
	offsets, err := Offsets(b.Radius, b.Mode, axis)
	if err != nil {
		return 0, err
	}
	value := Paint
	if b.Value == Erase {
		value = Erase
	}

	changed := 0
	mask := layer.Mask()
	for _, off := range offsets {
		p := center.Add(off)
		if mask.Set(p[0], p[1], p[2], value) {
			changed++
		}
	}
	if changed > 0 {
		layer.MarkModified()
	}
	return changed, nil
}

// StampWorld converts a world point to the nearest voxel with the layer's
// I_H_W and stamps there.
func (b *Brush) StampWorld(layer *segmentation.Layer, axis models.Axis, world models.Vec3) (int, error) {
	if layer == nil {
		return 0, models.ErrNoActiveLayer
	}
	return b.Stamp(layer, axis, layer.Geometry().NearestIndex(world))
}

// Footprint returns the world-space outline radius of the brush in the plane
// of a slice, for drawing the brush cursor.
func (b *Brush) Footprint(g volume.Geometry, axis models.Axis) (float64, float64) {
	p, q := inPlane(axis)
	return float64(b.Radius) * g.Spacing[p], float64(b.Radius) * g.Spacing[q]
}
