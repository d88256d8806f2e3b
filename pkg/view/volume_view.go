package view

import (
	"image"
	"image/color"
	"log/slog"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"labelstation/internal/models"
	"labelstation/pkg/events"
	"labelstation/pkg/reslice"
	"labelstation/pkg/segmentation"
	"labelstation/pkg/surface"
	"labelstation/pkg/visualization"
	"labelstation/pkg/volume"
)

// SliceQuad is the textured plane showing one 2D view's slice in 3D.
type SliceQuad struct {
	Axis    models.Axis
	Index   int
	Corners [4]models.Vec3
	Texture *image.Gray
}

// MeshActor is the surface of one visible layer.
type MeshActor struct {
	Layer *segmentation.Layer
	Mesh  *surface.Mesh
	Color models.Color
	Alpha float64
}

// VolumeView is the 3D scene-model: a maximum intensity projection of the
// base volume, one quad per slice view and one mesh per visible layer.
type VolumeView struct {
	vol    *volume.Volume
	window models.WindowLevel
	list   *segmentation.LayerList
	logger *slog.Logger

	quads  map[models.Axis]*SliceQuad
	meshes map[*segmentation.Layer]*surface.Mesh

	viewAxis models.Axis
	viewport [2]int
	subs     events.Group

	Redraw events.Signal[*VolumeView]
}

// NewVolumeView creates the 3D view. Meshes arrive from ext and follow the
// membership of list.
func NewVolumeView(list *segmentation.LayerList, ext *surface.Extractor, logger *slog.Logger) *VolumeView {
	if logger == nil {
		logger = slog.Default()
	}
	vv := &VolumeView{
		list:     list,
		logger:   logger.With("view", "3d"),
		window:   models.WindowLevel{Width: 400, Level: 40},
		quads:    make(map[models.Axis]*SliceQuad),
		meshes:   make(map[*segmentation.Layer]*surface.Mesh),
		viewAxis: models.AxisY,
		viewport: [2]int{512, 512},
	}
	if ext != nil {
		vv.subs.Add(ext.SurfaceReady.Connect(func(r surface.Ready) {
			vv.meshes[r.Layer] = r.Mesh
			vv.Redraw.Emit(vv)
		}))
	}
	vv.subs.Add(list.LayerRemoved.Connect(func(l *segmentation.Layer) {
		delete(vv.meshes, l)
		vv.Redraw.Emit(vv)
	}))
	vv.subs.Add(list.LayerChanged.Connect(func(segmentation.Change) { vv.Redraw.Emit(vv) }))
	return vv
}

// Close detaches the view from its sources.
func (vv *VolumeView) Close() { vv.subs.DisconnectAll() }

// Attach keeps the quad of a slice view current.
func (vv *VolumeView) Attach(sv *SliceView) {
	vv.subs.Add(sv.SliceChanged.Connect(func(e SliceChanged) { vv.updateQuad(e.View) }))
	vv.subs.Add(sv.WindowChanged.Connect(vv.updateQuad))
	vv.updateQuad(sv)
}

func (vv *VolumeView) updateQuad(sv *SliceView) {
	s := sv.Slice()
	if s == nil {
		delete(vv.quads, sv.Axis())
		return
	}
	vv.quads[sv.Axis()] = &SliceQuad{
		Axis:    sv.Axis(),
		Index:   sv.Index(),
		Corners: s.Corners(),
		Texture: visualization.GrayImage(s, sv.Window()),
	}
	vv.Redraw.Emit(vv)
}

// SetVolume sets the rendered volume.
func (vv *VolumeView) SetVolume(vol *volume.Volume) {
	vv.vol = vol
	if vol == nil {
		vv.quads = make(map[models.Axis]*SliceQuad)
		vv.meshes = make(map[*segmentation.Layer]*surface.Mesh)
	}
	vv.Redraw.Emit(vv)
}

// SetWindowLevel sets the transfer function of the projection.
func (vv *VolumeView) SetWindowLevel(wl models.WindowLevel) {
	if wl.Width > 0 {
		vv.window = wl
		vv.Redraw.Emit(vv)
	}
}

// SetViewAxis chooses the projection direction of Render.
func (vv *VolumeView) SetViewAxis(a models.Axis) error {
	if err := a.Check(); err != nil {
		return err
	}
	vv.viewAxis = a
	vv.Redraw.Emit(vv)
	return nil
}

// SetViewport sets the render size in pixels.
func (vv *VolumeView) SetViewport(w, h int) {
	if w > 0 && h > 0 {
		vv.viewport = [2]int{w, h}
	}
}

// Quad returns the slice quad of an axis, or nil.
func (vv *VolumeView) Quad(a models.Axis) *SliceQuad { return vv.quads[a] }

// Mesh returns the latest mesh of a layer, or nil.
func (vv *VolumeView) Mesh(l *segmentation.Layer) *surface.Mesh { return vv.meshes[l] }

// VisibleMeshes returns the meshes of visible layers in list order.
func (vv *VolumeView) VisibleMeshes() []MeshActor {
	var out []MeshActor
	for _, l := range vv.list.Layers() {
		m, ok := vv.meshes[l]
		if !ok || !l.Visible() || m.Empty() {
			continue
		}
		out = append(out, MeshActor{Layer: l, Mesh: m, Color: l.Color(), Alpha: l.Alpha()})
	}
	return out
}

// MIP computes the windowed maximum intensity projection along axis, laid
// out like a reslice on that axis.
func (vv *VolumeView) MIP(axis models.Axis) (*image.Gray, reslice.Frame, error) {
	if vv.vol == nil {
		return nil, reslice.Frame{}, models.ErrNoVolumeLoaded
	}
	f, err := reslice.NewFrame(vv.vol.Geometry(), axis, 0)
	if err != nil {
		return nil, reslice.Frame{}, err
	}
	dims := vv.vol.Dims()
	n := dims[axis]
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	for v := 0; v < f.Height; v++ {
		for u := 0; u < f.Width; u++ {
			best := math.Inf(-1)
			for d := 0; d < n; d++ {
				i, j, k := sliceToIndex(axis, dims, u, v, d)
				if val := vv.vol.Value(i, j, k); val > best {
					best = val
				}
			}
			img.Pix[v*img.Stride+u] = vv.window.Gray(best)
		}
	}
	return img, f, nil
}

// sliceToIndex inverts the reslice orientation convention.
func sliceToIndex(axis models.Axis, dims [3]int, u, v, d int) (int, int, int) {
	switch axis {
	case models.AxisZ:
		return u, v, d
	case models.AxisY:
		return u, d, dims[2] - 1 - v
	default:
		return d, dims[1] - 1 - u, dims[2] - 1 - v
	}
}

// Render draws the projection along the view axis with the visible meshes
// flat-shaded on top and the slice quads outlined.
func (vv *VolumeView) Render() (*image.RGBA, error) {
	w, h := vv.viewport[0], vv.viewport[1]
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(InactiveBackground), image.Point{}, draw.Src)

	mip, f, err := vv.MIP(vv.viewAxis)
	if err != nil {
		return dst, err
	}
	su, sv := f.Spacing[0], f.Spacing[1]
	cam := frame(float64(f.Width)*su, float64(f.Height)*sv, su, sv, w, h)
	mpp := cam.mmPerPixel(h)
	s2d := f64.Aff3{
		su / mpp, 0, float64(w)/2 - (su/2+cam.Focal[0])/mpp,
		0, sv / mpp, float64(h)/2 - (sv/2+cam.Focal[1])/mpp,
	}
	draw.BiLinear.Transform(dst, s2d, mip, mip.Bounds(), draw.Over, nil)

	project := func(p models.Vec3) (float64, float64, float64) {
		x, y, d := f.WorldToPlane(p)
		sx, sy := cam.PlaneToScreen(x, y, w, h)
		return sx, sy, d
	}

	depth := make([]float64, w*h)
	for i := range depth {
		depth[i] = math.Inf(-1)
	}
	view := f.Normal()
	for _, actor := range vv.VisibleMeshes() {
		for _, t := range actor.Mesh.Triangles {
			var xs, ys, ds [3]float64
			for n, vert := range [3][3]float32{t.Vertex1, t.Vertex2, t.Vertex3} {
				xs[n], ys[n], ds[n] = project(models.Vec3{float64(vert[0]), float64(vert[1]), float64(vert[2])})
			}
			normal := models.Vec3{float64(t.Normal[0]), float64(t.Normal[1]), float64(t.Normal[2])}
			shade := 0.3 + 0.7*math.Abs(normal.Dot(view))
			c := color.RGBA{
				R: uint8(float64(actor.Color.R) * shade),
				G: uint8(float64(actor.Color.G) * shade),
				B: uint8(float64(actor.Color.B) * shade),
				A: 255,
			}
			fillTriangle(dst, depth, xs, ys, ds, c)
		}
	}

	for _, a := range models.Axes {
		q, ok := vv.quads[a]
		if !ok || a == vv.viewAxis {
			continue
		}
		for n := 0; n < 4; n++ {
			ax, ay, _ := project(q.Corners[n])
			bx, by, _ := project(q.Corners[(n+1)%4])
			drawLine(dst, ax, ay, bx, by, axisColors[a])
		}
	}
	return dst, nil
}

// fillTriangle rasterizes a triangle with a depth test; larger depth is
// closer to the camera.
func fillTriangle(dst *image.RGBA, depth []float64, xs, ys, ds [3]float64, c color.RGBA) {
	b := dst.Bounds()
	minX := int(math.Max(float64(b.Min.X), math.Floor(math.Min(xs[0], math.Min(xs[1], xs[2])))))
	maxX := int(math.Min(float64(b.Max.X-1), math.Ceil(math.Max(xs[0], math.Max(xs[1], xs[2])))))
	minY := int(math.Max(float64(b.Min.Y), math.Floor(math.Min(ys[0], math.Min(ys[1], ys[2])))))
	maxY := int(math.Min(float64(b.Max.Y-1), math.Ceil(math.Max(ys[0], math.Max(ys[1], ys[2])))))

	area := (xs[1]-xs[0])*(ys[2]-ys[0]) - (xs[2]-xs[0])*(ys[1]-ys[0])
	if math.Abs(area) < 1e-12 {
		return
	}
	w := b.Dx()
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			px, py := float64(x)+0.5, float64(y)+0.5
			w0 := ((xs[1]-px)*(ys[2]-py) - (xs[2]-px)*(ys[1]-py)) / area
			w1 := ((xs[2]-px)*(ys[0]-py) - (xs[0]-px)*(ys[2]-py)) / area
			w2 := 1 - w0 - w1
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}
			d := w0*ds[0] + w1*ds[1] + w2*ds[2]
			i := (y-b.Min.Y)*w + (x - b.Min.X)
			if d <= depth[i] {
				continue
			}
			depth[i] = d
			dst.SetRGBA(x, y, c)
		}
	}
}
