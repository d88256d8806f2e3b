package volume

import (
	"fmt"

	"labelstation/internal/models"
)

// Mask is a binary uint8 voxel grid co-registered with a base volume. Voxels
// hold 0 or 1. Unlike Volume a Mask is mutable; it is owned by exactly one
// segmentation layer.
type Mask struct {
	geom Geometry
	data []uint8
}

// NewMask creates an empty mask on g.
func NewMask(g Geometry) *Mask {
	return &Mask{geom: g, data: make([]uint8, g.NumVoxels())}
}

// MaskFromData wraps data as a mask. Non-zero voxels are normalised to 1.
func MaskFromData(g Geometry, data []uint8) (*Mask, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(data) != g.NumVoxels() {
		return nil, fmt.Errorf("%w: %d voxels for dimensions %v", models.ErrDimensionMismatch, len(data), g.Dims)
	}
	for i, v := range data {
		if v != 0 {
			data[i] = 1
		}
	}
	return &Mask{geom: g, data: data}, nil
}

// MaskFromVolume thresholds a label volume: voxels equal to label become 1.
func MaskFromVolume(v *Volume, label float64) *Mask {
	m := NewMask(v.geom)
	for i, x := range v.data {
		if float64(x) == label {
			m.data[i] = 1
		}
	}
	return m
}

// Geometry returns the grid of the mask.
func (m *Mask) Geometry() Geometry { return m.geom }

// Get returns the voxel at (i,j,k), or 0 outside the grid.
func (m *Mask) Get(i, j, k int) uint8 {
	if !m.geom.Contains(i, j, k) {
		return 0
	}
	return m.data[m.geom.Offset(i, j, k)]
}

// Value implements Sampler.
func (m *Mask) Value(i, j, k int) float64 {
	return float64(m.data[m.geom.Offset(i, j, k)])
}

// Set writes v (0 or non-zero) at (i,j,k). It reports whether the voxel
// changed; indices outside the grid are ignored.
func (m *Mask) Set(i, j, k int, v uint8) bool {
	if !m.geom.Contains(i, j, k) {
		return false
	}
	if v != 0 {
		v = 1
	}
	off := m.geom.Offset(i, j, k)
	if m.data[off] == v {
		return false
	}
	m.data[off] = v
	return true
}

// Data exposes the voxel buffer.
func (m *Mask) Data() []uint8 { return m.data }

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	data := make([]uint8, len(m.data))
	copy(data, m.data)
	return &Mask{geom: m.geom, data: data}
}

// Count returns the number of set voxels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Empty reports whether no voxel is set.
func (m *Mask) Empty() bool {
	for _, v := range m.data {
		if v != 0 {
			return false
		}
	}
	return true
}

// Clear resets every voxel to 0.
func (m *Mask) Clear() {
	for i := range m.data {
		m.data[i] = 0
	}
}

// Equal compares geometry and voxels.
func (m *Mask) Equal(o *Mask) bool {
	if !m.geom.Equal(o.geom) || len(m.data) != len(o.data) {
		return false
	}
	for i := range m.data {
		if m.data[i] != o.data[i] {
			return false
		}
	}
	return true
}

// Rotate90 returns a rotated copy, matching Volume.Rotate90.
func (m *Mask) Rotate90(a models.Axis, sign int) (*Mask, error) {
	if err := a.Check(); err != nil {
		return nil, err
	}
	if err := checkSign(sign); err != nil {
		return nil, err
	}
	g := m.geom.rotated90(a)
	data := remap(m.data, m.geom.Dims, g.Dims, func(p models.Index3) models.Index3 {
		return rotateIndex(a, sign, m.geom.Dims, p)
	})
	return &Mask{geom: g, data: data}, nil
}

// Flip returns a mirrored copy, matching Volume.Flip.
func (m *Mask) Flip(a models.Axis) (*Mask, error) {
	if err := a.Check(); err != nil {
		return nil, err
	}
	n := m.geom.Dims[a]
	data := remap(m.data, m.geom.Dims, m.geom.Dims, func(p models.Index3) models.Index3 {
		p[a] = n - 1 - p[a]
		return p
	})
	return &Mask{geom: m.geom, data: data}, nil
}
