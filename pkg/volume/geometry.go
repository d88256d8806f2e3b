// Package volume holds the base 3D scalar image, its geometric frame and the
// binary masks that are co-registered with it.
package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"labelstation/internal/models"
)

// geometryTolerance is the absolute tolerance used when comparing spacing,
// origin and direction of two grids.
const geometryTolerance = 1e-6

// Geometry describes the voxel grid of an image: its dimensions, the physical
// size of a voxel, the world position of voxel (0,0,0) and the orientation of
// the index axes.
//
// The affine mapping a voxel index (i,j,k) to world space is
//
//	W_H_I = T(Origin) · D · diag(Spacing)
//
// where D is the row-major 3x3 Direction matrix whose columns are the world
// directions of the i, j and k axes.
type Geometry struct {
	Dims      [3]int
	Spacing   models.Vec3
	Origin    models.Vec3
	Direction [9]float64
}

// IdentityDirection returns the row-major 3x3 identity.
func IdentityDirection() [9]float64 {
	return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// NewGeometry creates a geometry with an identity direction.
func NewGeometry(dims [3]int, spacing, origin models.Vec3) Geometry {
	return Geometry{
		Dims:      dims,
		Spacing:   spacing,
		Origin:    origin,
		Direction: IdentityDirection(),
	}
}

// Validate checks that the dimensions and spacing are positive and the
// direction matrix is invertible.
func (g Geometry) Validate() error {
	for a := 0; a < 3; a++ {
		if g.Dims[a] <= 0 {
			return fmt.Errorf("%w: dimension %d is %d", models.ErrInvalidGeometry, a, g.Dims[a])
		}
		if !(g.Spacing[a] > 0) {
			return fmt.Errorf("%w: spacing %d is %g", models.ErrInvalidGeometry, a, g.Spacing[a])
		}
	}
	if math.Abs(mat.Det(g.directionDense())) < 1e-12 {
		return fmt.Errorf("%w: direction matrix is singular", models.ErrInvalidGeometry)
	}
	return nil
}

// NumVoxels returns nx*ny*nz.
func (g Geometry) NumVoxels() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// Offset returns the linear offset of voxel (i,j,k) in index-fastest order.
func (g Geometry) Offset(i, j, k int) int {
	return i + g.Dims[0]*(j+g.Dims[1]*k)
}

// Contains reports whether (i,j,k) lies inside the grid.
func (g Geometry) Contains(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < g.Dims[0] && j < g.Dims[1] && k < g.Dims[2]
}

// ContainsIndex is Contains for an Index3.
func (g Geometry) ContainsIndex(p models.Index3) bool {
	return g.Contains(p[0], p[1], p[2])
}

// Column returns the world direction of the given index axis (a column of D).
func (g Geometry) Column(a models.Axis) models.Vec3 {
	c := int(a)
	return models.Vec3{g.Direction[c], g.Direction[3+c], g.Direction[6+c]}
}

func (g Geometry) directionDense() *mat.Dense {
	d := g.Direction
	return mat.NewDense(3, 3, d[:])
}

// WHI returns the 4x4 homogeneous matrix mapping voxel indices to world points.
func (g Geometry) WHI() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, g.Direction[3*r+c]*g.Spacing[c])
		}
		m.Set(r, 3, g.Origin[r])
	}
	m.Set(3, 3, 1)
	return m
}

// IHW returns the inverse of WHI, mapping world points to continuous indices.
func (g Geometry) IHW() *mat.Dense {
	var inv mat.Dense
	if err := inv.Inverse(g.WHI()); err != nil {
		// Validate guarantees an invertible direction; a failure here means the
		// geometry was never validated.
		panic(fmt.Sprintf("volume: non-invertible geometry: %v", err))
	}
	return &inv
}

// WHO returns the world-from-origin frame T(Origin)·D, which places the image
// axes at the origin without voxel scaling.
func (g Geometry) WHO() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, g.Direction[3*r+c])
		}
		m.Set(r, 3, g.Origin[r])
	}
	m.Set(3, 3, 1)
	return m
}

// IndexToWorld maps a continuous index to world space.
func (g Geometry) IndexToWorld(c models.Vec3) models.Vec3 {
	var w models.Vec3
	for r := 0; r < 3; r++ {
		w[r] = g.Origin[r]
		for k := 0; k < 3; k++ {
			w[r] += g.Direction[3*r+k] * g.Spacing[k] * c[k]
		}
	}
	return w
}

// WorldToIndex maps a world point to a continuous index.
func (g Geometry) WorldToIndex(w models.Vec3) models.Vec3 {
	return AffineOf(g.IHW()).Apply(w)
}

// NearestIndex maps a world point to the nearest integer voxel index. The
// result may lie outside the grid.
func (g Geometry) NearestIndex(w models.Vec3) models.Index3 {
	c := g.WorldToIndex(w)
	return models.Index3{int(math.Round(c[0])), int(math.Round(c[1])), int(math.Round(c[2]))}
}

// Center returns the world position of the grid centre.
func (g Geometry) Center() models.Vec3 {
	return g.IndexToWorld(models.Vec3{
		float64(g.Dims[0]-1) / 2,
		float64(g.Dims[1]-1) / 2,
		float64(g.Dims[2]-1) / 2,
	})
}

// Equal compares two geometries with a small tolerance on the floating point fields.
func (g Geometry) Equal(o Geometry) bool {
	if g.Dims != o.Dims {
		return false
	}
	for a := 0; a < 3; a++ {
		if math.Abs(g.Spacing[a]-o.Spacing[a]) > geometryTolerance ||
			math.Abs(g.Origin[a]-o.Origin[a]) > geometryTolerance {
			return false
		}
	}
	for i := range g.Direction {
		if math.Abs(g.Direction[i]-o.Direction[i]) > geometryTolerance {
			return false
		}
	}
	return true
}

// CheckCompatible returns ErrDimensionMismatch describing the first field in
// which o differs from g.
func (g Geometry) CheckCompatible(o Geometry) error {
	if g.Dims != o.Dims {
		return fmt.Errorf("%w: dimensions %v vs %v", models.ErrDimensionMismatch, g.Dims, o.Dims)
	}
	if !g.Equal(o) {
		return fmt.Errorf("%w: spacing/origin/direction differ", models.ErrDimensionMismatch)
	}
	return nil
}

// inPlane returns the two index axes (p, q) spanning the plane perpendicular
// to a, ordered so that p x q points along a.
func inPlane(a models.Axis) (models.Axis, models.Axis) {
	switch a {
	case models.AxisX:
		return models.AxisY, models.AxisZ
	case models.AxisY:
		return models.AxisZ, models.AxisX
	default:
		return models.AxisX, models.AxisY
	}
}

// rotated90 returns the geometry of an image rotated by 90 degrees about the
// axis: in-plane dimensions and spacing swap, direction is kept and the origin
// moves so that the world centre is unchanged.
func (g Geometry) rotated90(a models.Axis) Geometry {
	p, q := inPlane(a)
	out := g
	out.Dims[p], out.Dims[q] = g.Dims[q], g.Dims[p]
	out.Spacing[p], out.Spacing[q] = g.Spacing[q], g.Spacing[p]

	center := g.Center()
	half := models.Vec3{
		out.Spacing[0] * float64(out.Dims[0]-1) / 2,
		out.Spacing[1] * float64(out.Dims[1]-1) / 2,
		out.Spacing[2] * float64(out.Dims[2]-1) / 2,
	}
	for r := 0; r < 3; r++ {
		off := 0.0
		for k := 0; k < 3; k++ {
			off += g.Direction[3*r+k] * half[k]
		}
		out.Origin[r] = center[r] - off
	}
	return out
}

// rotateIndex maps an index of the source grid to the rotated grid.
func rotateIndex(a models.Axis, sign int, dims [3]int, src models.Index3) models.Index3 {
	p, q := inPlane(a)
	dst := src
	if sign > 0 {
		dst[p] = dims[q] - 1 - src[q]
		dst[q] = src[p]
	} else {
		dst[p] = src[q]
		dst[q] = dims[p] - 1 - src[p]
	}
	return dst
}

// remap copies src into a new buffer laid out on newDims, using mapping to
// find the destination of every source voxel.
func remap[T any](src []T, dims, newDims [3]int, mapping func(models.Index3) models.Index3) []T {
	dst := make([]T, len(src))
	n := 0
	for k := 0; k < dims[2]; k++ {
		for j := 0; j < dims[1]; j++ {
			for i := 0; i < dims[0]; i++ {
				d := mapping(models.Index3{i, j, k})
				dst[d[0]+newDims[0]*(d[1]+newDims[1]*d[2])] = src[n]
				n++
			}
		}
	}
	return dst
}

func checkSign(sign int) error {
	if sign != 1 && sign != -1 {
		return fmt.Errorf("%w: rotation sign must be +1 or -1, got %d", models.ErrInvalidGeometry, sign)
	}
	return nil
}
