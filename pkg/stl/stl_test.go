package stl

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"labelstation/internal/models"
	"labelstation/pkg/volume"
)

// sphereData fills a size^3 grid with 1 inside a sphere of radius size/4
func sphereData(size int) ([]float64, float64) {
	data := make([]float64, size*size*size)
	radius := float64(size) / 4.0
	center := float64(size) / 2.0

	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx := float64(x) - center
				dy := float64(y) - center
				dz := float64(z) - center
				if math.Sqrt(dx*dx+dy*dy+dz*dz) < radius {
					data[z*size*size+y*size+x] = 1.0
				}
			}
		}
	}
	return data, center
}

// TestMarchingCubes verifies the contouring of a sphere produces outward facets
func TestMarchingCubes(t *testing.T) {
	size := 20
	data, center := sphereData(size)

	mc := NewMarchingCubes(data, size, size, size, 0.5)
	triangles := mc.GenerateTriangles()

	// A sphere at this resolution has well over 100 facets
	if len(triangles) < 100 {
		t.Fatalf("Expected at least 100 triangles for sphere, got %d", len(triangles))
	}

	// Every normal points away from the centre
	for i, tri := range triangles {
		c := [3]float32{
			(tri.Vertex1[0] + tri.Vertex2[0] + tri.Vertex3[0]) / 3,
			(tri.Vertex1[1] + tri.Vertex2[1] + tri.Vertex3[1]) / 3,
			(tri.Vertex1[2] + tri.Vertex2[2] + tri.Vertex3[2]) / 3,
		}
		v := models.Vec3{float64(c[0]) - center, float64(c[1]) - center, float64(c[2]) - center}.Normalize()
		n := models.Vec3{float64(tri.Normal[0]), float64(tri.Normal[1]), float64(tri.Normal[2])}
		if v.Dot(n) < -0.5 {
			t.Fatalf("Triangle %d normal points inward, dot product: %f", i, v.Dot(n))
		}
	}

	if vol := SignedVolume(triangles); vol <= 0 {
		t.Errorf("Expected positive enclosed volume, got %f", vol)
	}
}

// TestWorkerCountDoesNotChangeOutput verifies parallel slabs are merged in order
func TestWorkerCountDoesNotChangeOutput(t *testing.T) {
	data, _ := sphereData(12)

	single := NewMarchingCubes(data, 12, 12, 12, 0.5)
	single.SetWorkers(1)
	many := NewMarchingCubes(data, 12, 12, 12, 0.5)
	many.SetWorkers(7)

	a, b := single.GenerateTriangles(), many.GenerateTriangles()
	if len(a) != len(b) {
		t.Fatalf("Triangle counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Triangle %d differs between worker counts", i)
		}
	}
}

// TestSetScale verifies that the scale multiplies grid coordinates
func TestSetScale(t *testing.T) {
	data := []float64{
		1, 0,
		0, 0,

		0, 0,
		0, 0,
	}

	plain := NewMarchingCubes(data, 2, 2, 2, 0.5).GenerateTriangles()
	mc := NewMarchingCubes(data, 2, 2, 2, 0.5)
	mc.SetScale(2.5, 1.5, 3.0)
	scaled := mc.GenerateTriangles()

	if len(plain) == 0 || len(plain) != len(scaled) {
		t.Fatalf("Expected equal non-zero triangle counts, got %d and %d", len(plain), len(scaled))
	}
	scale := [3]float32{2.5, 1.5, 3.0}
	for i := range plain {
		for a := 0; a < 3; a++ {
			want := plain[i].Vertex1[a] * scale[a]
			if math.Abs(float64(scaled[i].Vertex1[a]-want)) > 1e-5 {
				t.Fatalf("Triangle %d axis %d: expected %f, got %f", i, a, want, scaled[i].Vertex1[a])
			}
		}
	}
}

// TestTriangleInterpolation verifies vertices lie half way along crossing edges
func TestTriangleInterpolation(t *testing.T) {
	data := []float64{
		1, 0,
		0, 0,

		0, 0,
		0, 0,
	}

	triangles := NewMarchingCubes(data, 2, 2, 2, 0.5).GenerateTriangles()
	if len(triangles) == 0 {
		t.Fatal("No triangles generated, cannot test interpolation")
	}

	for _, tri := range triangles {
		for _, v := range [3][3]float32{tri.Vertex1, tri.Vertex2, tri.Vertex3} {
			// Every crossing edge starts at the corner (0,0,0), so each
			// coordinate is either 0 or 0.5
			for a := 0; a < 3; a++ {
				if v[a] != 0 && v[a] != 0.5 {
					t.Fatalf("Unexpected vertex coordinate %f", v[a])
				}
			}
		}
		if tri.Normal == [3]float32{} {
			t.Error("Triangle normal is zero")
		}
	}
}

type edgeKey [2][3]int32

func quantize(v [3]float32) [3]int32 {
	return [3]int32{
		int32(math.Round(float64(v[0]) * 1e4)),
		int32(math.Round(float64(v[1]) * 1e4)),
		int32(math.Round(float64(v[2]) * 1e4)),
	}
}

// countOpenEdges returns the number of edges not shared by exactly two facets
func countOpenEdges(triangles []Triangle) int {
	edges := make(map[edgeKey]int)
	for _, tri := range triangles {
		vs := [3][3]int32{quantize(tri.Vertex1), quantize(tri.Vertex2), quantize(tri.Vertex3)}
		for i := 0; i < 3; i++ {
			a, b := vs[i], vs[(i+1)%3]
			if a[0] > b[0] || (a[0] == b[0] && (a[1] > b[1] || (a[1] == b[1] && a[2] > b[2]))) {
				a, b = b, a
			}
			edges[edgeKey{a, b}]++
		}
	}
	open := 0
	for _, n := range edges {
		if n != 2 {
			open++
		}
	}
	return open
}

// TestPaddingClosesBorderSurfaces verifies a mask touching the border yields a closed mesh
func TestPaddingClosesBorderSurfaces(t *testing.T) {
	g := volume.NewGeometry([3]int{3, 3, 3}, models.Vec3{1, 1, 1}, models.Vec3{})
	m := volume.NewMask(g)
	m.Set(0, 0, 0, 1)
	m.Set(1, 0, 0, 1)

	triangles := FromMask(m).GenerateTriangles()
	if len(triangles) == 0 {
		t.Fatal("Expected a surface around the border voxels")
	}
	if open := countOpenEdges(triangles); open != 0 {
		t.Errorf("Expected closed mesh, found %d open edges", open)
	}
	if vol := SignedVolume(triangles); vol <= 0 {
		t.Errorf("Expected positive enclosed volume, got %f", vol)
	}
}

// TestFromMaskUsesWorldCoordinates verifies vertices are placed by W_H_I
func TestFromMaskUsesWorldCoordinates(t *testing.T) {
	g := volume.NewGeometry([3]int{4, 4, 4}, models.Vec3{2, 2, 2}, models.Vec3{100, -50, 10})
	m := volume.NewMask(g)
	m.Set(2, 2, 2, 1)

	triangles := FromMask(m).GenerateTriangles()
	lo, hi := Bounds(triangles)
	center := g.IndexToWorld(models.Vec3{2, 2, 2})
	for a := 0; a < 3; a++ {
		mid := float64(lo[a]+hi[a]) / 2
		if math.Abs(mid-center[a]) > 1e-4 {
			t.Errorf("Axis %d: mesh centred at %f, voxel at %f", a, mid, center[a])
		}
		// The surface crosses half way to the neighbours
		if math.Abs(float64(hi[a]-lo[a])-2) > 1e-4 {
			t.Errorf("Axis %d: expected extent 2mm, got %f", a, hi[a]-lo[a])
		}
	}
}

// TestEmptyGrid verifies an empty mask produces no triangles
func TestEmptyGrid(t *testing.T) {
	m := volume.NewMask(volume.NewGeometry([3]int{5, 5, 5}, models.Vec3{1, 1, 1}, models.Vec3{}))
	if triangles := FromMask(m).GenerateTriangles(); len(triangles) != 0 {
		t.Errorf("Expected no triangles, got %d", len(triangles))
	}
}

// TestSaveAndLoadSTL verifies the binary layout and the round trip
func TestSaveAndLoadSTL(t *testing.T) {
	triangles := []Triangle{
		{
			Normal:  [3]float32{0, 0, 1},
			Vertex1: [3]float32{0, 0, 0},
			Vertex2: [3]float32{1, 0, 0},
			Vertex3: [3]float32{0, 1, 0},
		},
		{
			Normal:  [3]float32{0, 0, -1},
			Vertex1: [3]float32{0, 0, 0},
			Vertex2: [3]float32{0, 1, 0},
			Vertex3: [3]float32{1, 0, 0},
		},
	}

	path := filepath.Join(t.TempDir(), "mesh.stl")
	if err := SaveToSTL(path, triangles); err != nil {
		t.Fatalf("Failed to save STL: %v", err)
	}

	// 80 byte header, 4 byte count, 50 bytes per facet
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat output file: %v", err)
	}
	if want := int64(80 + 4 + 50*len(triangles)); info.Size() != want {
		t.Errorf("Expected %d bytes, got %d", want, info.Size())
	}

	loaded, err := LoadSTL(path)
	if err != nil {
		t.Fatalf("Failed to load STL: %v", err)
	}
	if len(loaded) != len(triangles) {
		t.Fatalf("Expected %d triangles, got %d", len(triangles), len(loaded))
	}
	for i := range triangles {
		if loaded[i] != triangles[i] {
			t.Errorf("Triangle %d differs after round trip", i)
		}
	}
}

// BenchmarkMarchingCubes benchmarks contouring a 32^3 sphere
func BenchmarkMarchingCubes(b *testing.B) {
	data, _ := sphereData(32)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		NewMarchingCubes(data, 32, 32, 32, 0.5).GenerateTriangles()
	}
}
