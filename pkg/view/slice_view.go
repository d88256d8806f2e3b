package view

import (
	"fmt"
	"image/color"
	"log/slog"
	"math"

	"labelstation/internal/models"
	"labelstation/pkg/brush"
	"labelstation/pkg/events"
	"labelstation/pkg/reslice"
	"labelstation/pkg/segmentation"
	"labelstation/pkg/volume"
)

// Mode is the exclusive interaction mode of a slice view.
type Mode int

const (
	ModeSlicing Mode = iota
	ModePanning
	ModeZooming
	ModePainting
)

func (m Mode) String() string {
	switch m {
	case ModeSlicing:
		return "slicing"
	case ModePanning:
		return "panning"
	case ModeZooming:
		return "zooming"
	case ModePainting:
		return "painting"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Button identifies a mouse button.
type Button int

const (
	ButtonLeft Button = iota
	ButtonMiddle
	ButtonRight
)

// Key identifies a navigation key.
type Key int

const (
	KeyUp Key = iota
	KeyDown
	KeyPageUp
	KeyPageDown
)

// SliceChanged is emitted when the slice index of a view changes.
type SliceChanged struct {
	View     *SliceView
	New, Old int
}

// Picked is emitted on double-click with the world point under the cursor.
type Picked struct {
	View  *SliceView
	World models.Vec3
}

// Zoomed is emitted when the user zooms a view.
type Zoomed struct {
	View   *SliceView
	Factor float64
}

// Hovered is emitted when the pointer moves over a view, in slice pixels.
type Hovered struct {
	View *SliceView
	U, V float64
}

// Indicator is the intersection of another view's slice plane with this view,
// as a segment in slice-plane millimetres.
type Indicator struct {
	Source models.Axis
	A, B   [2]float64
	Color  color.RGBA
}

// BrushCursor is the brush outline shown while painting. Center is shifted
// from the slice plane towards the camera so it draws above the slice.
type BrushCursor struct {
	Visible bool
	Center  models.Vec3
	Plane   [2]float64
	Radii   [2]float64
}

// Axis colors used for cross-view indicators.
var axisColors = map[models.Axis]color.RGBA{
	models.AxisX: {R: 255, G: 64, B: 64, A: 255},
	models.AxisY: {R: 64, G: 255, B: 64, A: 255},
	models.AxisZ: {R: 64, G: 128, B: 255, A: 255},
}

// Background colors of the active and inactive views.
var (
	ActiveBackground   = color.RGBA{R: 26, G: 26, B: 51, A: 255}
	InactiveBackground = color.RGBA{A: 255}
)

// cursorLift is how far the brush cursor is moved towards the camera, as a
// fraction of the slice spacing.
const cursorLift = 0.5

type overlay struct {
	slice *reslice.SliceImage
}

// SliceView is the view-model of one reformatted 2D view.
type SliceView struct {
	axis   models.Axis
	vol    *volume.Volume
	list   *segmentation.LayerList
	brush  *brush.Brush
	logger *slog.Logger

	index    int
	window   models.WindowLevel
	slice    *reslice.SliceImage
	overlays map[*segmentation.Layer]*overlay

	camera   Camera
	viewport [2]int
	mode     Mode

	background color.RGBA
	indicators map[models.Axis]Indicator
	cursor     BrushCursor

	leftDown bool
	panStart [2]float64
	subs     events.Group

	SliceChanged  events.Signal[SliceChanged]
	WindowChanged events.Signal[*SliceView]
	Picked        events.Signal[Picked]
	Activated     events.Signal[*SliceView]
	Zoomed        events.Signal[Zoomed]
	Hovered       events.Signal[Hovered]
	// Redraw fires whenever the rendered content changes
	Redraw events.Signal[*SliceView]
}

// NewSliceView creates a view along axis that overlays the layers of list and
// paints with b.
func NewSliceView(axis models.Axis, list *segmentation.LayerList, b *brush.Brush, logger *slog.Logger) *SliceView {
	if logger == nil {
		logger = slog.Default()
	}
	v := &SliceView{
		axis:       axis,
		list:       list,
		brush:      b,
		logger:     logger.With("view", axis.ViewName()),
		overlays:   make(map[*segmentation.Layer]*overlay),
		viewport:   [2]int{512, 512},
		window:     models.WindowLevel{Width: 400, Level: 40},
		background: InactiveBackground,
		indicators: make(map[models.Axis]Indicator),
	}

	v.subs.Add(list.LayerAdded.Connect(func(l *segmentation.Layer) { v.updateOverlay(l) }))
	v.subs.Add(list.LayerModified.Connect(func(l *segmentation.Layer) { v.updateOverlay(l) }))
	v.subs.Add(list.LayerRemoved.Connect(func(l *segmentation.Layer) {
		delete(v.overlays, l)
		v.Redraw.Emit(v)
	}))
	v.subs.Add(list.LayerChanged.Connect(func(segmentation.Change) { v.Redraw.Emit(v) }))
	return v
}

// Close detaches the view from the layer list.
func (v *SliceView) Close() { v.subs.DisconnectAll() }

// Axis returns the view axis.
func (v *SliceView) Axis() models.Axis { return v.axis }

// Name returns the anatomical name of the view.
func (v *SliceView) Name() string { return v.axis.ViewName() }

// Volume returns the displayed volume or nil.
func (v *SliceView) Volume() *volume.Volume { return v.vol }

// Index returns the current slice index.
func (v *SliceView) Index() int { return v.index }

// Slice returns the current base slice or nil when no volume is loaded.
func (v *SliceView) Slice() *reslice.SliceImage { return v.slice }

// Frame returns the current slice frame.
func (v *SliceView) Frame() (reslice.Frame, error) {
	if v.slice == nil {
		return reslice.Frame{}, models.ErrNoVolumeLoaded
	}
	return v.slice.Frame, nil
}

// Window returns the current window/level.
func (v *SliceView) Window() models.WindowLevel { return v.window }

// Camera returns the current camera.
func (v *SliceView) Camera() Camera { return v.camera }

// Mode returns the interaction mode.
func (v *SliceView) Mode() Mode { return v.mode }

// SetMode switches the interaction mode.
func (v *SliceView) SetMode(m Mode) {
	v.mode = m
	v.leftDown = false
	if m != ModePainting && v.cursor.Visible {
		v.cursor.Visible = false
		v.Redraw.Emit(v)
	}
}

// Cursor returns the brush cursor.
func (v *SliceView) Cursor() BrushCursor { return v.cursor }

// Indicators returns the cross-view indicators drawn on this view.
func (v *SliceView) Indicators() []Indicator {
	out := make([]Indicator, 0, len(v.indicators))
	for _, a := range models.Axes {
		if ind, ok := v.indicators[a]; ok {
			out = append(out, ind)
		}
	}
	return out
}

// SetViewport sets the size of the render target in pixels.
func (v *SliceView) SetViewport(w, h int) {
	if w > 0 && h > 0 {
		v.viewport = [2]int{w, h}
	}
}

// Viewport returns the render target size.
func (v *SliceView) Viewport() (int, int) { return v.viewport[0], v.viewport[1] }

// SetBackground sets the background color.
func (v *SliceView) SetBackground(c color.RGBA) {
	if c != v.background {
		v.background = c
		v.Redraw.Emit(v)
	}
}

// Background returns the background color.
func (v *SliceView) Background() color.RGBA { return v.background }

// SetVolume displays vol, centring the slice index and resetting the camera.
// A nil volume clears the view.
func (v *SliceView) SetVolume(vol *volume.Volume) error {
	v.vol = vol
	v.slice = nil
	v.overlays = make(map[*segmentation.Layer]*overlay)
	v.indicators = make(map[models.Axis]Indicator)
	if vol == nil {
		v.Redraw.Emit(v)
		return nil
	}
	old := v.index
	v.index = vol.Dims()[v.axis] / 2
	if err := v.reslice(); err != nil {
		return err
	}
	v.ResetCamera()
	if old != v.index {
		v.SliceChanged.Emit(SliceChanged{View: v, New: v.index, Old: old})
	}
	v.Redraw.Emit(v)
	return nil
}

// SetWindowLevel changes the gray mapping of the base slice.
func (v *SliceView) SetWindowLevel(wl models.WindowLevel) {
	if wl.Width <= 0 || wl == v.window {
		return
	}
	v.window = wl
	v.WindowChanged.Emit(v)
	v.Redraw.Emit(v)
}

// SetIndex moves to slice index. It fails with ErrIndexOutOfBounds outside
// the volume and leaves the view unchanged.
func (v *SliceView) SetIndex(index int) error {
	if v.vol == nil {
		return models.ErrNoVolumeLoaded
	}
	if index < 0 || index >= v.vol.Dims()[v.axis] {
		return fmt.Errorf("%w: %s slice %d not in [0, %d)", models.ErrIndexOutOfBounds, v.Name(), index, v.vol.Dims()[v.axis])
	}
	if index == v.index && v.slice != nil {
		return nil
	}
	old := v.index
	v.index = index
	if err := v.reslice(); err != nil {
		v.index = old
		return err
	}
	v.SliceChanged.Emit(SliceChanged{View: v, New: index, Old: old})
	v.Redraw.Emit(v)
	return nil
}

// Step moves the slice by delta, clamped to the volume.
func (v *SliceView) Step(delta int) error {
	if v.vol == nil {
		return models.ErrNoVolumeLoaded
	}
	n := v.vol.Dims()[v.axis]
	target := v.index + delta
	if target < 0 {
		target = 0
	}
	if target >= n {
		target = n - 1
	}
	return v.SetIndex(target)
}

func (v *SliceView) reslice() error {
	s, err := reslice.ResliceVolume(v.vol, v.axis, v.index)
	if err != nil {
		return err
	}
	v.slice = s
	for _, l := range v.list.Layers() {
		v.resliceLayer(l)
	}
	return nil
}

func (v *SliceView) resliceLayer(l *segmentation.Layer) {
	s, err := reslice.ResliceMask(l.Mask(), v.axis, v.index)
	if err != nil {
		v.logger.Warn("Failed to reslice layer", "layer", l.Name(), "error", err)
		delete(v.overlays, l)
		return
	}
	v.overlays[l] = &overlay{slice: s}
}

// updateOverlay skips layers built for another volume; they are resliced by
// the SetVolume that follows a workspace load.
func (v *SliceView) updateOverlay(l *segmentation.Layer) {
	if v.vol == nil || !l.Geometry().Equal(v.vol.Geometry()) {
		return
	}
	v.resliceLayer(l)
	v.Redraw.Emit(v)
}

// OverlaySlice returns the resliced mask of a layer on the current slice.
func (v *SliceView) OverlaySlice(l *segmentation.Layer) *reslice.SliceImage {
	if o, ok := v.overlays[l]; ok {
		return o.slice
	}
	return nil
}

// ResetCamera frames the whole slice in the viewport.
func (v *SliceView) ResetCamera() {
	if v.slice == nil {
		return
	}
	su, sv := v.slice.Spacing[0], v.slice.Spacing[1]
	v.camera = frame(float64(v.slice.Width)*su, float64(v.slice.Height)*sv, su, sv, v.viewport[0], v.viewport[1])
	v.Redraw.Emit(v)
}

// ApplyZoom scales the camera without emitting Zoomed.
func (v *SliceView) ApplyZoom(factor float64) {
	v.camera.Zoom(factor)
	v.Redraw.Emit(v)
}

// Zoom scales the camera and emits Zoomed.
func (v *SliceView) Zoom(factor float64) {
	v.ApplyZoom(factor)
	v.Zoomed.Emit(Zoomed{View: v, Factor: factor})
}

// ScreenToPixel converts a screen position to fractional slice pixels.
func (v *SliceView) ScreenToPixel(sx, sy float64) (float64, float64, error) {
	if v.slice == nil {
		return 0, 0, models.ErrNoVolumeLoaded
	}
	x, y := v.camera.ScreenToPlane(sx, sy, v.viewport[0], v.viewport[1])
	return x / v.slice.Spacing[0], y / v.slice.Spacing[1], nil
}

// ScreenToWorld converts a screen position to the world point on the slice plane.
func (v *SliceView) ScreenToWorld(sx, sy float64) (models.Vec3, error) {
	if v.slice == nil {
		return models.Vec3{}, models.ErrNoVolumeLoaded
	}
	x, y := v.camera.ScreenToPlane(sx, sy, v.viewport[0], v.viewport[1])
	return v.slice.PlaneToWorld(x, y), nil
}

// PixelToIndex maps a slice pixel to the base volume voxel index via
// I_H_W · W_H_SliceOrigin · (u·su, v·sv, 0, 1).
func (v *SliceView) PixelToIndex(u, w float64) (models.Vec3, models.Index3, error) {
	if v.slice == nil {
		return models.Vec3{}, models.Index3{}, models.ErrNoVolumeLoaded
	}
	world := v.slice.PixelToWorld(u, w)
	return world, v.vol.Geometry().NearestIndex(world), nil
}

// WorldToScreen projects a world point onto the viewport.
func (v *SliceView) WorldToScreen(p models.Vec3) (float64, float64, error) {
	if v.slice == nil {
		return 0, 0, models.ErrNoVolumeLoaded
	}
	x, y, _ := v.slice.WorldToPlane(p)
	sx, sy := v.camera.PlaneToScreen(x, y, v.viewport[0], v.viewport[1])
	return sx, sy, nil
}

// SetIndicator places the intersection line of the source plane (through
// world point origin with the given normal) on this view.
func (v *SliceView) SetIndicator(source models.Axis, origin, normal models.Vec3) {
	if v.slice == nil || source == v.axis {
		return
	}
	f := v.slice.Frame
	// Points of this plane: O + x·u + y·v. On the source plane when
	// x (u·n) + y (v·n) = (origin - O)·n.
	a := f.U().Dot(normal)
	b := f.V().Dot(normal)
	c := origin.Sub(f.Origin).Dot(normal)

	su, sv := f.Spacing[0], f.Spacing[1]
	xmin, xmax := -su/2, (float64(f.Width)-0.5)*su
	ymin, ymax := -sv/2, (float64(f.Height)-0.5)*sv

	var ind Indicator
	switch {
	case math.Abs(a) < 1e-9 && math.Abs(b) < 1e-9:
		// Parallel planes never intersect
		delete(v.indicators, source)
		return
	case math.Abs(b) >= math.Abs(a):
		ind.A = [2]float64{xmin, (c - a*xmin) / b}
		ind.B = [2]float64{xmax, (c - a*xmax) / b}
	default:
		ind.A = [2]float64{(c - b*ymin) / a, ymin}
		ind.B = [2]float64{(c - b*ymax) / a, ymax}
	}
	ind.Source = source
	ind.Color = axisColors[source]
	v.indicators[source] = ind
	v.Redraw.Emit(v)
}

// Wheel handles a mouse wheel step: slice in Slicing mode, zoom in Zooming mode.
func (v *SliceView) Wheel(delta int) error {
	switch v.mode {
	case ModeZooming:
		if delta > 0 {
			v.Zoom(ZoomInFactor)
		} else if delta < 0 {
			v.Zoom(ZoomOutFactor)
		}
		return nil
	default:
		if delta == 0 {
			return nil
		}
		return v.Step(sign(delta))
	}
}

// KeyPress handles navigation keys.
func (v *SliceView) KeyPress(k Key) error {
	switch k {
	case KeyUp, KeyPageUp:
		return v.Step(1)
	case KeyDown, KeyPageDown:
		return v.Step(-1)
	}
	return nil
}

// MouseDown handles a button press at screen position (sx, sy).
func (v *SliceView) MouseDown(b Button, sx, sy float64) error {
	if b != ButtonLeft {
		return nil
	}
	v.leftDown = true
	switch v.mode {
	case ModePanning:
		if v.slice == nil {
			return models.ErrNoVolumeLoaded
		}
		x, y := v.camera.ScreenToPlane(sx, sy, v.viewport[0], v.viewport[1])
		v.panStart = [2]float64{x, y}
	case ModePainting:
		return v.paint(sx, sy)
	}
	return nil
}

// MouseMove handles pointer motion.
func (v *SliceView) MouseMove(sx, sy float64) error {
	if v.slice == nil {
		return nil
	}
	if u, w, err := v.ScreenToPixel(sx, sy); err == nil {
		v.Hovered.Emit(Hovered{View: v, U: u, V: w})
	}
	switch v.mode {
	case ModePanning:
		if v.leftDown {
			// Keep the plane point grabbed on MouseDown under the pointer
			x, y := v.camera.ScreenToPlane(sx, sy, v.viewport[0], v.viewport[1])
			v.camera.Focal[0] += v.panStart[0] - x
			v.camera.Focal[1] += v.panStart[1] - y
			v.Redraw.Emit(v)
		}
	case ModePainting:
		v.moveCursor(sx, sy)
		if v.leftDown {
			return v.paint(sx, sy)
		}
	}
	return nil
}

// MouseUp handles a button release. Releasing the left button activates the view.
func (v *SliceView) MouseUp(b Button, sx, sy float64) error {
	if b != ButtonLeft {
		return nil
	}
	v.leftDown = false
	v.Activated.Emit(v)
	return nil
}

// DoubleClick emits Picked with the world point under the pointer.
func (v *SliceView) DoubleClick(sx, sy float64) error {
	world, err := v.ScreenToWorld(sx, sy)
	if err != nil {
		return err
	}
	v.Picked.Emit(Picked{View: v, World: world})
	return nil
}

func (v *SliceView) moveCursor(sx, sy float64) {
	if v.slice == nil || v.brush == nil {
		return
	}
	x, y := v.camera.ScreenToPlane(sx, sy, v.viewport[0], v.viewport[1])
	rx, ry := v.brush.Footprint(v.vol.Geometry(), v.axis)
	lift := cursorLift * v.vol.Spacing()[v.axis]
	v.cursor = BrushCursor{
		Visible: true,
		Plane:   [2]float64{x, y},
		Center:  v.slice.PlaneToWorld(x, y).Add(v.slice.Normal().Scale(lift)),
		Radii:   [2]float64{math.Max(rx, v.slice.Spacing[0]/2), math.Max(ry, v.slice.Spacing[1]/2)},
	}
	v.Redraw.Emit(v)
}

// paint stamps the brush at the voxel under the pointer.
func (v *SliceView) paint(sx, sy float64) error {
	if v.slice == nil {
		return models.ErrNoVolumeLoaded
	}
	if v.brush == nil || !v.brush.Enabled {
		return nil
	}
	layer := v.list.Active()
	if layer == nil {
		return models.ErrNoActiveLayer
	}
	world, err := v.ScreenToWorld(sx, sy)
	if err != nil {
		return err
	}
	idx := v.vol.Geometry().NearestIndex(world)
	// Stay on the displayed slice regardless of round-off
	idx[v.axis] = v.index
	_, err = v.brush.Stamp(layer, v.axis, idx)
	return err
}

func sign(x int) int {
	if x < 0 {
		return -1
	}
	return 1
}
