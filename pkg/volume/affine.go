package volume

import (
	"gonum.org/v1/gonum/mat"

	"labelstation/internal/models"
)

// Affine is the upper 3x4 block of a homogeneous 4x4 transform, unpacked for
// use in per-voxel loops.
type Affine [3][4]float64

// AffineOf extracts the affine part of a 4x4 matrix.
func AffineOf(m mat.Matrix) Affine {
	var a Affine
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			a[r][c] = m.At(r, c)
		}
	}
	return a
}

// Apply transforms a point.
func (a Affine) Apply(p models.Vec3) models.Vec3 {
	return models.Vec3{
		a[0][0]*p[0] + a[0][1]*p[1] + a[0][2]*p[2] + a[0][3],
		a[1][0]*p[0] + a[1][1]*p[1] + a[1][2]*p[2] + a[1][3],
		a[2][0]*p[0] + a[2][1]*p[1] + a[2][2]*p[2] + a[2][3],
	}
}

// ApplyVector transforms a direction (ignores translation).
func (a Affine) ApplyVector(v models.Vec3) models.Vec3 {
	return models.Vec3{
		a[0][0]*v[0] + a[0][1]*v[1] + a[0][2]*v[2],
		a[1][0]*v[0] + a[1][1]*v[1] + a[1][2]*v[2],
		a[2][0]*v[0] + a[2][1]*v[1] + a[2][2]*v[2],
	}
}

// Dense converts the affine back to a 4x4 gonum matrix.
func (a Affine) Dense() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, a[r][c])
		}
	}
	m.Set(3, 3, 1)
	return m
}

// Compose returns the product a·b of two homogeneous transforms.
func Compose(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}
