package volume

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"labelstation/internal/models"
)

// ScalarType is the voxel storage type of an image on disk.
type ScalarType int

const (
	Int16 ScalarType = iota
	UInt16
	Float32
	UInt8
)

func (s ScalarType) String() string {
	switch s {
	case Int16:
		return "int16"
	case UInt16:
		return "uint16"
	case Float32:
		return "float32"
	case UInt8:
		return "uint8"
	default:
		return fmt.Sprintf("scalar(%d)", int(s))
	}
}

// Size returns the number of bytes per voxel.
func (s ScalarType) Size() int {
	switch s {
	case Int16, UInt16:
		return 2
	case Float32:
		return 4
	case UInt8:
		return 1
	default:
		return 0
	}
}

// Clamp limits v to the representable range of the scalar type.
func (s ScalarType) Clamp(v float64) float64 {
	switch s {
	case Int16:
		return math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(v)))
	case UInt16:
		return math.Max(0, math.Min(math.MaxUint16, math.Round(v)))
	case UInt8:
		return math.Max(0, math.Min(math.MaxUint8, math.Round(v)))
	default:
		return v
	}
}

// Sampler is anything that can be read voxel by voxel on a Geometry. Volume
// and Mask both implement it so they can share the reslicer.
type Sampler interface {
	Geometry() Geometry
	Value(i, j, k int) float64
}

// Volume is an immutable 3D scalar image. All voxels are stored as float32 in
// index-fastest (i, then j, then k) order; ScalarType records the on-disk type.
type Volume struct {
	geom   Geometry
	scalar ScalarType
	data   []float32

	min, max float64
}

// New creates a volume. The data slice is owned by the volume afterwards and
// must not be modified by the caller.
func New(g Geometry, scalar ScalarType, data []float32) (*Volume, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if scalar.Size() == 0 {
		return nil, fmt.Errorf("%w: %v", models.ErrUnsupportedScalars, scalar)
	}
	if len(data) != g.NumVoxels() {
		return nil, fmt.Errorf("%w: %d voxels for dimensions %v", models.ErrDimensionMismatch, len(data), g.Dims)
	}
	v := &Volume{geom: g, scalar: scalar, data: data}
	v.computeRange()
	return v, nil
}

// NewFromFunc creates a volume whose voxels are filled by f(i, j, k).
func NewFromFunc(g Geometry, scalar ScalarType, f func(i, j, k int) float64) (*Volume, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	data := make([]float32, g.NumVoxels())
	n := 0
	for k := 0; k < g.Dims[2]; k++ {
		for j := 0; j < g.Dims[1]; j++ {
			for i := 0; i < g.Dims[0]; i++ {
				data[n] = float32(scalar.Clamp(f(i, j, k)))
				n++
			}
		}
	}
	return New(g, scalar, data)
}

func (v *Volume) computeRange() {
	v.min, v.max = math.Inf(1), math.Inf(-1)
	for _, x := range v.data {
		f := float64(x)
		if f < v.min {
			v.min = f
		}
		if f > v.max {
			v.max = f
		}
	}
}

// Geometry returns the voxel grid of the volume.
func (v *Volume) Geometry() Geometry { return v.geom }

// Dims returns (nx, ny, nz).
func (v *Volume) Dims() [3]int { return v.geom.Dims }

// Spacing returns the voxel size in mm.
func (v *Volume) Spacing() models.Vec3 { return v.geom.Spacing }

// Origin returns the world position of voxel (0,0,0).
func (v *Volume) Origin() models.Vec3 { return v.geom.Origin }

// Direction returns the row-major direction matrix.
func (v *Volume) Direction() [9]float64 { return v.geom.Direction }

// ScalarType returns the storage type.
func (v *Volume) ScalarType() ScalarType { return v.scalar }

// WHI returns the index-to-world matrix.
func (v *Volume) WHI() *mat.Dense { return v.geom.WHI() }

// IHW returns the world-to-index matrix.
func (v *Volume) IHW() *mat.Dense { return v.geom.IHW() }

// WHO returns the world-from-origin frame.
func (v *Volume) WHO() *mat.Dense { return v.geom.WHO() }

// Center returns the world centre of the volume.
func (v *Volume) Center() models.Vec3 { return v.geom.Center() }

// ScalarRange returns the minimum and maximum voxel values.
func (v *Volume) ScalarRange() (float64, float64) { return v.min, v.max }

// Value returns the voxel at (i,j,k). The index must be inside the grid.
func (v *Volume) Value(i, j, k int) float64 {
	return float64(v.data[v.geom.Offset(i, j, k)])
}

// At is Value with bounds checking.
func (v *Volume) At(p models.Index3) (float64, error) {
	if !v.geom.ContainsIndex(p) {
		return 0, fmt.Errorf("%w: %v not in %v", models.ErrIndexOutOfBounds, p, v.geom.Dims)
	}
	return v.Value(p[0], p[1], p[2]), nil
}

// Data exposes the voxel buffer for read-only use (serialization).
func (v *Volume) Data() []float32 { return v.data }

// autoWindowSamples bounds the number of voxels inspected by AutoWindow.
const autoWindowSamples = 1 << 16

// AutoWindow proposes a window/level spanning the 1st to 99th percentile of
// the voxel values.
func (v *Volume) AutoWindow() models.WindowLevel {
	step := len(v.data) / autoWindowSamples
	if step < 1 {
		step = 1
	}
	sample := make([]float64, 0, len(v.data)/step+1)
	for n := 0; n < len(v.data); n += step {
		sample = append(sample, float64(v.data[n]))
	}
	sort.Float64s(sample)
	lo := stat.Quantile(0.01, stat.Empirical, sample, nil)
	hi := stat.Quantile(0.99, stat.Empirical, sample, nil)
	width := hi - lo
	if width < 1 {
		width = 1
	}
	return models.WindowLevel{Width: width, Level: (hi + lo) / 2}
}

// Rotate90 returns a new volume rotated by 90 degrees about the axis, counter-
// clockwise for sign +1 and clockwise for sign -1 (looking down the axis).
func (v *Volume) Rotate90(a models.Axis, sign int) (*Volume, error) {
	if err := a.Check(); err != nil {
		return nil, err
	}
	if err := checkSign(sign); err != nil {
		return nil, err
	}
	g := v.geom.rotated90(a)
	data := remap(v.data, v.geom.Dims, g.Dims, func(p models.Index3) models.Index3 {
		return rotateIndex(a, sign, v.geom.Dims, p)
	})
	return &Volume{geom: g, scalar: v.scalar, data: data, min: v.min, max: v.max}, nil
}

// Flip returns a new volume with the voxel order reversed along the axis. The
// geometry is unchanged, so the content is mirrored about the centre plane.
func (v *Volume) Flip(a models.Axis) (*Volume, error) {
	if err := a.Check(); err != nil {
		return nil, err
	}
	n := v.geom.Dims[a]
	data := remap(v.data, v.geom.Dims, v.geom.Dims, func(p models.Index3) models.Index3 {
		p[a] = n - 1 - p[a]
		return p
	})
	return &Volume{geom: v.geom, scalar: v.scalar, data: data, min: v.min, max: v.max}, nil
}

// Equal reports whether two volumes have the same geometry, scalar type and voxels.
func (v *Volume) Equal(o *Volume) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.scalar != o.scalar || !v.geom.Equal(o.geom) || len(v.data) != len(o.data) {
		return false
	}
	for i := range v.data {
		if v.data[i] != o.data[i] {
			return false
		}
	}
	return true
}
