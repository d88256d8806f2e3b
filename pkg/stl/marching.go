// Package stl contours scalar grids into triangle meshes and reads and writes
// them as binary STL files.
//
// Contouring decomposes every grid cell into six tetrahedra sharing the cell
// diagonal from corner 0 to corner 6. Neighbouring cells then agree on their
// face diagonals, so the resulting surface is closed wherever the iso-surface
// does not leave the grid. With padding enabled the grid is surrounded by one
// layer of outside samples, which closes surfaces that touch the border.
package stl

import (
	"math"
	"runtime"
	"sync"

	"labelstation/internal/models"
	"labelstation/pkg/volume"
)

// Triangle is one facet of a mesh. Vertices are ordered counter-clockwise
// when seen from outside, and Normal is the outward unit normal.
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// MarchingCubes extracts the iso-surface of a scalar grid stored with x
// varying fastest (index x + width*(y + height*z)).
type MarchingCubes struct {
	data                 []float64
	width, height, depth int
	isoLevel             float64

	// scale multiplies grid coordinates when no transform is set
	scale [3]float32

	// transform maps grid coordinates to output coordinates
	transform    volume.Affine
	hasTransform bool

	padding bool
	workers int
}

// cube corner offsets
var corners = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
}

// tetrahedra of a cube, all sharing the 0-6 diagonal
var tetrahedra = [6][4]int{
	{0, 5, 1, 6},
	{0, 1, 2, 6},
	{0, 2, 3, 6},
	{0, 3, 7, 6},
	{0, 7, 4, 6},
	{0, 4, 5, 6},
}

// NewMarchingCubes creates a contouring job for data with the given dimensions.
// Values above isoLevel are inside.
func NewMarchingCubes(data []float64, width, height, depth int, isoLevel float64) *MarchingCubes {
	return &MarchingCubes{
		data:     data,
		width:    width,
		height:   height,
		depth:    depth,
		isoLevel: isoLevel,
		scale:    [3]float32{1, 1, 1},
		workers:  runtime.NumCPU(),
	}
}

// FromMask prepares a padded contouring job at 0.5 over a binary mask,
// producing vertices in world coordinates.
func FromMask(m *volume.Mask) *MarchingCubes {
	g := m.Geometry()
	src := m.Data()
	data := make([]float64, len(src))
	for i, v := range src {
		data[i] = float64(v)
	}
	mc := NewMarchingCubes(data, g.Dims[0], g.Dims[1], g.Dims[2], 0.5)
	mc.SetPadding(true)
	mc.SetTransform(volume.AffineOf(g.WHI()))
	return mc
}

// SetScale sets the physical size of a grid step along each axis.
func (mc *MarchingCubes) SetScale(x, y, z float32) {
	mc.scale = [3]float32{x, y, z}
}

// SetTransform sets an affine applied to grid coordinates. It takes
// precedence over SetScale.
func (mc *MarchingCubes) SetTransform(a volume.Affine) {
	mc.transform = a
	mc.hasTransform = true
}

// SetPadding surrounds the grid with outside samples so that surfaces touching
// the border are closed.
func (mc *MarchingCubes) SetPadding(padding bool) {
	mc.padding = padding
}

// SetWorkers limits the number of goroutines used by GenerateTriangles.
func (mc *MarchingCubes) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	mc.workers = n
}

// value returns the sample at (x,y,z), or a value below the iso level outside the grid.
func (mc *MarchingCubes) value(x, y, z int) float64 {
	if x < 0 || y < 0 || z < 0 || x >= mc.width || y >= mc.height || z >= mc.depth {
		return math.Min(mc.isoLevel-1, 0)
	}
	return mc.data[x+mc.width*(y+mc.height*z)]
}

func (mc *MarchingCubes) position(p models.Vec3) models.Vec3 {
	if mc.hasTransform {
		return mc.transform.Apply(p)
	}
	return models.Vec3{
		p[0] * float64(mc.scale[0]),
		p[1] * float64(mc.scale[1]),
		p[2] * float64(mc.scale[2]),
	}
}

// GenerateTriangles contours the grid. Slabs of cells along z are processed in
// parallel; the output order does not depend on the number of workers.
func (mc *MarchingCubes) GenerateTriangles() []Triangle {
	if mc.width <= 0 || mc.height <= 0 || mc.depth <= 0 || len(mc.data) < mc.width*mc.height*mc.depth {
		return nil
	}

	// Cell range: cell (x,y,z) spans samples x..x+1 and so on
	lo, hiX, hiY, hiZ := 0, mc.width-1, mc.height-1, mc.depth-1
	if mc.padding {
		lo, hiX, hiY, hiZ = -1, mc.width, mc.height, mc.depth
	}
	numSlabs := hiZ - lo
	if numSlabs <= 0 || hiX-lo <= 0 || hiY-lo <= 0 {
		return nil
	}

	// Each slab collects its own triangles
	slabs := make([][]Triangle, numSlabs)
	workers := mc.workers
	if workers > numSlabs {
		workers = numSlabs
	}
	slabsPerWorker := (numSlabs + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			start := workerID * slabsPerWorker
			end := start + slabsPerWorker
			if end > numSlabs {
				end = numSlabs
			}
			for s := start; s < end; s++ {
				z := lo + s
				for y := lo; y < hiY; y++ {
					for x := lo; x < hiX; x++ {
						slabs[s] = mc.polygonizeCell(x, y, z, slabs[s])
					}
				}
			}
		}(w)
	}
	wg.Wait()

	// Concatenate in slab order
	total := 0
	for _, s := range slabs {
		total += len(s)
	}
	triangles := make([]Triangle, 0, total)
	for _, s := range slabs {
		triangles = append(triangles, s...)
	}
	return triangles
}

func (mc *MarchingCubes) polygonizeCell(x, y, z int, out []Triangle) []Triangle {
	var vals [8]float64
	inside := 0
	for c, off := range corners {
		vals[c] = mc.value(x+off[0], y+off[1], z+off[2])
		if vals[c] > mc.isoLevel {
			inside++
		}
	}
	// Entirely inside or outside
	if inside == 0 || inside == 8 {
		return out
	}

	var pts [8]models.Vec3
	for c, off := range corners {
		pts[c] = models.Vec3{float64(x + off[0]), float64(y + off[1]), float64(z + off[2])}
	}
	for _, tet := range tetrahedra {
		out = mc.polygonizeTetrahedron(
			[4]models.Vec3{pts[tet[0]], pts[tet[1]], pts[tet[2]], pts[tet[3]]},
			[4]float64{vals[tet[0]], vals[tet[1]], vals[tet[2]], vals[tet[3]]},
			out,
		)
	}
	return out
}

func (mc *MarchingCubes) polygonizeTetrahedron(p [4]models.Vec3, v [4]float64, out []Triangle) []Triangle {
	var in, outside []int
	for i := 0; i < 4; i++ {
		if v[i] > mc.isoLevel {
			in = append(in, i)
		} else {
			outside = append(outside, i)
		}
	}

	edge := func(a, b int) models.Vec3 {
		return mc.position(interpolate(mc.isoLevel, p[a], p[b], v[a], v[b]))
	}

	// Outward direction: from the inside corners towards the outside corners
	var inC, outC models.Vec3
	for _, i := range in {
		inC = inC.Add(p[i])
	}
	for _, i := range outside {
		outC = outC.Add(p[i])
	}
	switch len(in) {
	case 0, 4:
		return out
	}
	inC = mc.position(inC.Scale(1 / float64(len(in))))
	outC = mc.position(outC.Scale(1 / float64(len(outside))))
	dir := outC.Sub(inC)

	switch len(in) {
	case 1:
		a := in[0]
		out = appendOriented(out, edge(a, outside[0]), edge(a, outside[1]), edge(a, outside[2]), dir)
	case 3:
		b := outside[0]
		out = appendOriented(out, edge(in[0], b), edge(in[1], b), edge(in[2], b), dir)
	case 2:
		a, b := in[0], in[1]
		c, d := outside[0], outside[1]
		ac, ad, bd, bc := edge(a, c), edge(a, d), edge(b, d), edge(b, c)
		out = appendOriented(out, ac, ad, bd, dir)
		out = appendOriented(out, ac, bd, bc, dir)
	}
	return out
}

// interpolate finds the iso crossing on the edge p1-p2.
func interpolate(iso float64, p1, p2 models.Vec3, v1, v2 float64) models.Vec3 {
	if math.Abs(v2-v1) < 1e-12 {
		return p1.Add(p2).Scale(0.5)
	}
	t := (iso - v1) / (v2 - v1)
	return p1.Add(p2.Sub(p1).Scale(t))
}

// appendOriented appends the triangle wound so that its normal points along dir.
func appendOriented(out []Triangle, a, b, c, dir models.Vec3) []Triangle {
	n := b.Sub(a).Cross(c.Sub(a))
	if n.Dot(dir) < 0 {
		b, c = c, b
		n = n.Scale(-1)
	}
	norm := n.Norm()
	if norm < 1e-12 {
		return out
	}
	n = n.Scale(1 / norm)
	return append(out, Triangle{
		Normal:  toFloat32(n),
		Vertex1: toFloat32(a),
		Vertex2: toFloat32(b),
		Vertex3: toFloat32(c),
	})
}

func toFloat32(v models.Vec3) [3]float32 {
	return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
}
