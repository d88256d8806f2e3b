package reslice

import (
	"errors"
	"math"
	"testing"

	"labelstation/internal/models"
	"labelstation/pkg/volume"
)

// createIndexVolume builds a volume with V(i,j,k) = i + 10j + 100k
func createIndexVolume(t *testing.T, g volume.Geometry) *volume.Volume {
	t.Helper()
	v, err := volume.NewFromFunc(g, volume.Float32, func(i, j, k int) float64 {
		return float64(i + 10*j + 100*k)
	})
	if err != nil {
		t.Fatalf("Failed to create volume: %v", err)
	}
	return v
}

// TestResliceCenter reslices the middle axial plane of a 4x4x4 volume
func TestResliceCenter(t *testing.T) {
	v := createIndexVolume(t, volume.NewGeometry([3]int{4, 4, 4}, models.Vec3{1, 1, 1}, models.Vec3{}))

	s, err := ResliceVolume(v, models.AxisZ, 2)
	if err != nil {
		t.Fatalf("Reslice failed: %v", err)
	}

	if s.Dims() != [3]int{4, 4, 1} {
		t.Errorf("Expected slice dims (4,4,1), got %v", s.Dims())
	}
	if got := s.At(1, 3); got != 231 {
		t.Errorf("Expected pixel (1,3) = 231, got %f", got)
	}
}

// TestResliceOutOfBounds verifies IndexOutOfBounds and InvalidAxis
func TestResliceOutOfBounds(t *testing.T) {
	v := createIndexVolume(t, volume.NewGeometry([3]int{4, 4, 4}, models.Vec3{1, 1, 1}, models.Vec3{}))

	if _, err := ResliceVolume(v, models.AxisZ, -1); !errors.Is(err, models.ErrIndexOutOfBounds) {
		t.Errorf("Expected ErrIndexOutOfBounds for index -1, got %v", err)
	}
	if _, err := ResliceVolume(v, models.AxisX, 4); !errors.Is(err, models.ErrIndexOutOfBounds) {
		t.Errorf("Expected ErrIndexOutOfBounds for index 4, got %v", err)
	}
	if _, err := ResliceVolume(v, models.Axis(7), 0); !errors.Is(err, models.ErrInvalidAxis) {
		t.Errorf("Expected ErrInvalidAxis, got %v", err)
	}
}

// TestOrientationConvention checks the coronal and sagittal flips
func TestOrientationConvention(t *testing.T) {
	v := createIndexVolume(t, volume.NewGeometry([3]int{3, 4, 5}, models.Vec3{1, 2, 3}, models.Vec3{}))
	nx, ny, nz := 3, 4, 5

	coronal, err := ResliceVolume(v, models.AxisY, 1)
	if err != nil {
		t.Fatalf("Coronal reslice failed: %v", err)
	}
	if coronal.Width != nx || coronal.Height != nz {
		t.Fatalf("Expected coronal %dx%d, got %dx%d", nx, nz, coronal.Width, coronal.Height)
	}
	if coronal.Spacing != [2]float64{1, 3} {
		t.Errorf("Expected coronal spacing (1,3), got %v", coronal.Spacing)
	}
	// u = i, v = nz-1-k
	if got, want := coronal.At(2, 0), v.Value(2, 1, nz-1); got != want {
		t.Errorf("Coronal (2,0): expected %f, got %f", want, got)
	}

	sagittal, err := ResliceVolume(v, models.AxisX, 2)
	if err != nil {
		t.Fatalf("Sagittal reslice failed: %v", err)
	}
	if sagittal.Width != ny || sagittal.Height != nz {
		t.Fatalf("Expected sagittal %dx%d, got %dx%d", ny, nz, sagittal.Width, sagittal.Height)
	}
	// u = ny-1-j, v = nz-1-k
	if got, want := sagittal.At(0, 1), v.Value(2, ny-1, nz-2); got != want {
		t.Errorf("Sagittal (0,1): expected %f, got %f", want, got)
	}
	if n := sagittal.Normal(); math.Abs(n[0]-1) > 1e-9 {
		t.Errorf("Expected sagittal normal along +X, got %v", n)
	}
}

// TestReslicePixelMatchesNearestVoxel checks the frame property on an oblique volume:
// every pixel equals the voxel nearest to W_H_S · (u·su, v·sv, 0, 1)
func TestReslicePixelMatchesNearestVoxel(t *testing.T) {
	g := volume.NewGeometry([3]int{5, 6, 7}, models.Vec3{0.5, 1.5, 2}, models.Vec3{12, -3, 40})
	c, s := math.Cos(math.Pi/6), math.Sin(math.Pi/6)
	g.Direction = [9]float64{c, -s, 0, s, c, 0, 0, 0, 1}
	v := createIndexVolume(t, g)

	for _, axis := range models.Axes {
		for index := 0; index < g.Dims[axis]; index += 2 {
			sl, err := Reslice(v, axis, index, ScalarBackground, InterpNearest)
			if err != nil {
				t.Fatalf("Reslice(%v, %d) failed: %v", axis, index, err)
			}
			for pv := 0; pv < sl.Height; pv++ {
				for pu := 0; pu < sl.Width; pu++ {
					world := sl.PixelToWorld(float64(pu), float64(pv))
					idx := g.NearestIndex(world)
					want := v.Value(idx[0], idx[1], idx[2])
					if got := sl.At(pu, pv); got != want {
						t.Fatalf("%v slice %d pixel (%d,%d): expected %f, got %f", axis, index, pu, pv, want, got)
					}
				}
			}
		}
	}
}

// TestLinearMatchesNearestOnGrid verifies linear sampling is exact on voxel centres
func TestLinearMatchesNearestOnGrid(t *testing.T) {
	v := createIndexVolume(t, volume.NewGeometry([3]int{4, 5, 6}, models.Vec3{0.7, 1.1, 2.3}, models.Vec3{-5, 5, 1}))

	for _, axis := range models.Axes {
		lin, err := Reslice(v, axis, 1, ScalarBackground, InterpLinear)
		if err != nil {
			t.Fatalf("Linear reslice failed: %v", err)
		}
		nn, err := Reslice(v, axis, 1, ScalarBackground, InterpNearest)
		if err != nil {
			t.Fatalf("Nearest reslice failed: %v", err)
		}
		for n := range lin.Data {
			if math.Abs(float64(lin.Data[n]-nn.Data[n])) > 1e-3 {
				t.Fatalf("%v: linear %f differs from nearest %f at %d", axis, lin.Data[n], nn.Data[n], n)
			}
		}
	}
}

// TestResliceMask verifies label preservation for masks
func TestResliceMask(t *testing.T) {
	g := volume.NewGeometry([3]int{4, 4, 4}, models.Vec3{1, 1, 1}, models.Vec3{})
	m := volume.NewMask(g)
	m.Set(1, 2, 3, 1)

	s, err := ResliceMask(m, models.AxisZ, 3)
	if err != nil {
		t.Fatalf("Mask reslice failed: %v", err)
	}
	if s.Background != MaskBackground {
		t.Errorf("Expected mask background 0, got %f", s.Background)
	}
	if s.At(1, 2) != 1 {
		t.Errorf("Expected painted pixel at (1,2)")
	}
	sum := 0.0
	for _, x := range s.Data {
		sum += float64(x)
	}
	if sum != 1 {
		t.Errorf("Expected exactly one painted pixel, got %f", sum)
	}
}

// TestFrameRoundTrip checks WorldToPixel inverts PixelToWorld
func TestFrameRoundTrip(t *testing.T) {
	g := volume.NewGeometry([3]int{8, 9, 10}, models.Vec3{0.8, 0.9, 2.5}, models.Vec3{1, 2, 3})
	for _, axis := range models.Axes {
		f, err := NewFrame(g, axis, 3)
		if err != nil {
			t.Fatalf("NewFrame failed: %v", err)
		}
		w := f.PixelToWorld(2.5, 4)
		u, v := f.WorldToPixel(w)
		if math.Abs(u-2.5) > 1e-9 || math.Abs(v-4) > 1e-9 {
			t.Errorf("%v: expected (2.5, 4), got (%f, %f)", axis, u, v)
		}
		if _, _, d := f.WorldToPlane(w); math.Abs(d) > 1e-9 {
			t.Errorf("%v: point off plane by %f", axis, d)
		}
	}
}

// BenchmarkResliceAxial benchmarks linear reslicing of a 128^3 volume
func BenchmarkResliceAxial(b *testing.B) {
	g := volume.NewGeometry([3]int{128, 128, 128}, models.Vec3{1, 1, 1}, models.Vec3{})
	v, err := volume.NewFromFunc(g, volume.Int16, func(i, j, k int) float64 { return float64(i ^ j ^ k) })
	if err != nil {
		b.Fatalf("Failed to create volume: %v", err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ResliceVolume(v, models.AxisZ, i%128); err != nil {
			b.Fatal(err)
		}
	}
}
