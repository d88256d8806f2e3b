// Package reslice extracts axis-aligned 2D slices from a 3D image.
//
// Every slice carries a 4x4 W_H_SliceOrigin frame placing its pixel grid in
// world space, so drawing code can work in slice-local pixel coordinates
// regardless of the direction matrix of the source image. The in-plane
// orientation convention is:
//
//   - axial (Z):    u = i,          v = j
//   - coronal (Y):  u = i,          v = nz-1-k   (Z flipped into the vertical)
//   - sagittal (X): u = ny-1-j,     v = nz-1-k   (Y and Z flipped)
//
// Pixel (u, v) maps to world W_H_SliceOrigin · (u·su, v·sv, 0, 1).
package reslice

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"labelstation/internal/models"
	"labelstation/pkg/volume"
)

// Background values for pixels that fall outside the source image.
const (
	ScalarBackground = -1000.0
	MaskBackground   = 0.0
)

// Interpolation selects how the source grid is sampled.
type Interpolation int

const (
	// InterpNearest preserves mask labels.
	InterpNearest Interpolation = iota
	// InterpLinear is trilinear interpolation for scalar images.
	InterpLinear
)

// snapTolerance absorbs round-off when a sample position lies on a voxel centre.
const snapTolerance = 1e-6

// Frame describes where a slice of a given geometry lies in world space.
type Frame struct {
	Axis  models.Axis
	Index int

	// Width and Height are the pixel dimensions of the slice
	Width, Height int

	// Spacing is the in-plane pixel size (su, sv) in mm
	Spacing [2]float64

	// Origin is the world position of pixel (0, 0)
	Origin models.Vec3

	// Direction is the row-major 3x3 matrix whose columns are the world
	// directions of u, v and the slice normal
	Direction [9]float64
}

// NewFrame computes the slice frame for index along axis of g.
func NewFrame(g volume.Geometry, axis models.Axis, index int) (Frame, error) {
	if err := axis.Check(); err != nil {
		return Frame{}, err
	}
	if index < 0 || index >= g.Dims[axis] {
		return Frame{}, fmt.Errorf("%w: %s index %d not in [0, %d)", models.ErrIndexOutOfBounds, axis, index, g.Dims[axis])
	}

	colI := g.Column(models.AxisX)
	colJ := g.Column(models.AxisY)
	colK := g.Column(models.AxisZ)
	nx, ny, nz := g.Dims[0], g.Dims[1], g.Dims[2]

	f := Frame{Axis: axis, Index: index}
	var originIndex models.Vec3
	var du, dv models.Vec3
	switch axis {
	case models.AxisZ:
		f.Width, f.Height = nx, ny
		f.Spacing = [2]float64{g.Spacing[0], g.Spacing[1]}
		originIndex = models.Vec3{0, 0, float64(index)}
		du, dv = colI, colJ
	case models.AxisY:
		f.Width, f.Height = nx, nz
		f.Spacing = [2]float64{g.Spacing[0], g.Spacing[2]}
		originIndex = models.Vec3{0, float64(index), float64(nz - 1)}
		du, dv = colI, colK.Scale(-1)
	case models.AxisX:
		f.Width, f.Height = ny, nz
		f.Spacing = [2]float64{g.Spacing[1], g.Spacing[2]}
		originIndex = models.Vec3{float64(index), float64(ny - 1), float64(nz - 1)}
		du, dv = colJ.Scale(-1), colK.Scale(-1)
	}
	normal := du.Cross(dv).Normalize()
	f.Origin = g.IndexToWorld(originIndex)
	for r := 0; r < 3; r++ {
		f.Direction[3*r+0] = du[r]
		f.Direction[3*r+1] = dv[r]
		f.Direction[3*r+2] = normal[r]
	}
	return f, nil
}

// WHS returns W_H_SliceOrigin, the 4x4 frame of the slice origin.
func (f Frame) WHS() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, f.Direction[3*r+c])
		}
		m.Set(r, 3, f.Origin[r])
	}
	m.Set(3, 3, 1)
	return m
}

// U returns the world direction of increasing u.
func (f Frame) U() models.Vec3 {
	return models.Vec3{f.Direction[0], f.Direction[3], f.Direction[6]}
}

// V returns the world direction of increasing v.
func (f Frame) V() models.Vec3 {
	return models.Vec3{f.Direction[1], f.Direction[4], f.Direction[7]}
}

// Normal returns the slice normal u x v.
func (f Frame) Normal() models.Vec3 {
	return models.Vec3{f.Direction[2], f.Direction[5], f.Direction[8]}
}

// PlaneToWorld maps in-plane millimetre coordinates (x = u·su, y = v·sv) to world.
func (f Frame) PlaneToWorld(x, y float64) models.Vec3 {
	return f.Origin.Add(f.U().Scale(x)).Add(f.V().Scale(y))
}

// PixelToWorld maps a (possibly fractional) pixel position to world space.
func (f Frame) PixelToWorld(u, v float64) models.Vec3 {
	return f.PlaneToWorld(u*f.Spacing[0], v*f.Spacing[1])
}

// WorldToPlane projects a world point onto the slice plane, returning the
// in-plane millimetre coordinates and the signed distance from the plane.
func (f Frame) WorldToPlane(w models.Vec3) (x, y, dist float64) {
	d := w.Sub(f.Origin)
	return d.Dot(f.U()), d.Dot(f.V()), d.Dot(f.Normal())
}

// WorldToPixel projects a world point to fractional pixel coordinates.
func (f Frame) WorldToPixel(w models.Vec3) (u, v float64) {
	x, y, _ := f.WorldToPlane(w)
	return x / f.Spacing[0], y / f.Spacing[1]
}

// Corners returns the world positions of the four outer pixel corners in the
// order (0,0), (W,0), (W,H), (0,H), offset by half a pixel so the quad covers
// the full pixel footprint.
func (f Frame) Corners() [4]models.Vec3 {
	u0, v0 := -0.5, -0.5
	u1, v1 := float64(f.Width)-0.5, float64(f.Height)-0.5
	return [4]models.Vec3{
		f.PixelToWorld(u0, v0),
		f.PixelToWorld(u1, v0),
		f.PixelToWorld(u1, v1),
		f.PixelToWorld(u0, v1),
	}
}

// SliceImage is the output of Reslice: a 2D grid (third dimension 1) together
// with its frame.
type SliceImage struct {
	Frame

	// Data holds Width*Height samples, u fastest
	Data []float32

	// Background is the value used outside the source image
	Background float64
}

// Dims returns the slice dimensions (width, height, 1).
func (s *SliceImage) Dims() [3]int {
	return [3]int{s.Width, s.Height, 1}
}

// At returns the sample at pixel (u, v), or the background outside the slice.
func (s *SliceImage) At(u, v int) float64 {
	if u < 0 || v < 0 || u >= s.Width || v >= s.Height {
		return s.Background
	}
	return float64(s.Data[v*s.Width+u])
}

// Reslice samples src on the slice plane at index along axis. Reslicing is
// pure: the same inputs always yield the same output.
func Reslice(src volume.Sampler, axis models.Axis, index int, background float64, interp Interpolation) (*SliceImage, error) {
	g := src.Geometry()
	frame, err := NewFrame(g, axis, index)
	if err != nil {
		return nil, err
	}

	// Pixel -> continuous source index: I_H_W · W_H_S · diag(su, sv, 1)
	ihs := volume.AffineOf(volume.Compose(g.IHW(), frame.WHS()))
	out := &SliceImage{
		Frame:      frame,
		Data:       make([]float32, frame.Width*frame.Height),
		Background: background,
	}
	for v := 0; v < frame.Height; v++ {
		for u := 0; u < frame.Width; u++ {
			c := ihs.Apply(models.Vec3{float64(u) * frame.Spacing[0], float64(v) * frame.Spacing[1], 0})
			var val float64
			if interp == InterpLinear {
				val = sampleLinear(src, g, c, background)
			} else {
				val = sampleNearest(src, g, c, background)
			}
			out.Data[v*frame.Width+u] = float32(val)
		}
	}
	return out, nil
}

// ResliceVolume reslices a scalar volume with linear interpolation and the
// scalar background.
func ResliceVolume(v *volume.Volume, axis models.Axis, index int) (*SliceImage, error) {
	return Reslice(v, axis, index, ScalarBackground, InterpLinear)
}

// ResliceMask reslices a mask with nearest-neighbour sampling and background 0.
func ResliceMask(m *volume.Mask, axis models.Axis, index int) (*SliceImage, error) {
	return Reslice(m, axis, index, MaskBackground, InterpNearest)
}

func snap(x float64) float64 {
	r := math.Round(x)
	if math.Abs(x-r) < snapTolerance {
		return r
	}
	return x
}

func sampleNearest(src volume.Sampler, g volume.Geometry, c models.Vec3, background float64) float64 {
	i := int(math.Round(c[0]))
	j := int(math.Round(c[1]))
	k := int(math.Round(c[2]))
	if !g.Contains(i, j, k) {
		return background
	}
	return src.Value(i, j, k)
}

func sampleLinear(src volume.Sampler, g volume.Geometry, c models.Vec3, background float64) float64 {
	x, y, z := snap(c[0]), snap(c[1]), snap(c[2])
	i0, j0, k0 := int(math.Floor(x)), int(math.Floor(y)), int(math.Floor(z))
	fx, fy, fz := x-float64(i0), y-float64(j0), z-float64(k0)

	// Exactly on a voxel centre
	if fx == 0 && fy == 0 && fz == 0 {
		if !g.Contains(i0, j0, k0) {
			return background
		}
		return src.Value(i0, j0, k0)
	}

	var sum, weight float64
	for dk := 0; dk <= 1; dk++ {
		wz := fz
		if dk == 0 {
			wz = 1 - fz
		}
		for dj := 0; dj <= 1; dj++ {
			wy := fy
			if dj == 0 {
				wy = 1 - fy
			}
			for di := 0; di <= 1; di++ {
				wx := fx
				if di == 0 {
					wx = 1 - fx
				}
				w := wx * wy * wz
				if w == 0 {
					continue
				}
				val := background
				if g.Contains(i0+di, j0+dj, k0+dk) {
					val = src.Value(i0+di, j0+dj, k0+dk)
				}
				sum += w * val
				weight += w
			}
		}
	}
	if weight == 0 {
		return background
	}
	return sum / weight
}
