package view

import (
	"log/slog"
	"math"

	"labelstation/internal/models"
	"labelstation/pkg/brush"
	"labelstation/pkg/events"
	"labelstation/pkg/segmentation"
	"labelstation/pkg/surface"
	"labelstation/pkg/volume"
)

// Readout describes the voxel under the pointer.
type Readout struct {
	View   models.Axis
	World  models.Vec3
	Index  models.Index3
	Value  float64
	Inside bool
}

// Coordinator owns the three slice views and the 3D view and keeps them
// consistent: shared volume and window, cross-view indicators, pick
// navigation, active view tracking and zoom.
type Coordinator struct {
	views  [3]*SliceView
	volume *VolumeView
	list   *segmentation.LayerList
	logger *slog.Logger

	vol    *volume.Volume
	window models.WindowLevel
	active *SliceView
	subs   events.Group

	ReadoutChanged events.Signal[Readout]
	ActiveChanged  events.Signal[*SliceView]
}

// NewCoordinator builds the sagittal, coronal and axial views on list. The
// 3D view takes its meshes from ext, which may be nil.
func NewCoordinator(list *segmentation.LayerList, b *brush.Brush, ext *surface.Extractor, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		list:   list,
		logger: logger,
		window: models.WindowLevel{Width: 400, Level: 40},
	}
	c.volume = NewVolumeView(list, ext, logger)
	for _, a := range models.Axes {
		v := NewSliceView(a, list, b, logger)
		c.views[a] = v
		c.volume.Attach(v)
		c.subs.Add(v.SliceChanged.Connect(c.onSliceChanged))
		c.subs.Add(v.Picked.Connect(c.onPicked))
		c.subs.Add(v.Activated.Connect(c.SetActive))
		c.subs.Add(v.Zoomed.Connect(c.onZoomed))
		c.subs.Add(v.Hovered.Connect(c.onHovered))
	}
	return c
}

// Close disconnects all views.
func (c *Coordinator) Close() {
	c.subs.DisconnectAll()
	for _, v := range c.views {
		v.Close()
	}
	c.volume.Close()
}

// View returns the slice view of an axis.
func (c *Coordinator) View(a models.Axis) *SliceView {
	if !a.Valid() {
		return nil
	}
	return c.views[a]
}

// Views returns the slice views in axis order.
func (c *Coordinator) Views() []*SliceView { return c.views[:] }

// VolumeView returns the 3D view.
func (c *Coordinator) VolumeView() *VolumeView { return c.volume }

// Volume returns the displayed volume.
func (c *Coordinator) Volume() *volume.Volume { return c.vol }

// Window returns the shared window/level.
func (c *Coordinator) Window() models.WindowLevel { return c.window }

// Active returns the last activated view or nil.
func (c *Coordinator) Active() *SliceView { return c.active }

// SetVolume shows vol in every view with an automatic window/level.
func (c *Coordinator) SetVolume(vol *volume.Volume) error {
	c.vol = vol
	if vol != nil {
		c.window = vol.AutoWindow()
	}
	for _, v := range c.views {
		if err := v.SetVolume(vol); err != nil {
			return err
		}
	}
	c.volume.SetVolume(vol)
	if vol == nil {
		return nil
	}
	c.SetWindowLevel(c.window)
	for _, v := range c.views {
		c.volume.updateQuad(v)
		c.updateIndicators(v)
	}
	c.logger.Info("Volume displayed", "dims", vol.Dims(), "window", c.window.Width, "level", c.window.Level)
	return nil
}

// SetWindowLevel applies wl to every view.
func (c *Coordinator) SetWindowLevel(wl models.WindowLevel) {
	if wl.Width <= 0 {
		return
	}
	c.window = wl
	for _, v := range c.views {
		v.SetWindowLevel(wl)
	}
	c.volume.SetWindowLevel(wl)
}

// SetMode sets the interaction mode of all slice views.
func (c *Coordinator) SetMode(m Mode) {
	for _, v := range c.views {
		v.SetMode(m)
	}
}

// SetActive marks v as the active view and updates the backgrounds.
func (c *Coordinator) SetActive(v *SliceView) {
	if v == c.active {
		return
	}
	c.active = v
	for _, o := range c.views {
		if o == v {
			o.SetBackground(ActiveBackground)
		} else {
			o.SetBackground(InactiveBackground)
		}
	}
	c.ActiveChanged.Emit(v)
}

func (c *Coordinator) onSliceChanged(e SliceChanged) {
	c.updateIndicators(e.View)
}

// updateIndicators draws the plane of src on the other two views.
func (c *Coordinator) updateIndicators(src *SliceView) {
	f, err := src.Frame()
	if err != nil {
		return
	}
	for _, v := range c.views {
		if v != src {
			v.SetIndicator(src.Axis(), f.Origin, f.Normal())
		}
	}
}

// onPicked moves the other two views through the picked point.
func (c *Coordinator) onPicked(e Picked) {
	if c.vol == nil {
		return
	}
	g := c.vol.Geometry()
	idx := g.WorldToIndex(e.World)
	for _, v := range c.views {
		if v == e.View {
			continue
		}
		a := v.Axis()
		target := clamp(int(math.Round(idx[a])), 0, g.Dims[a]-1)
		if err := v.SetIndex(target); err != nil {
			c.logger.Warn("Failed to jump to picked point", "view", v.Name(), "error", err)
		}
	}
}

func (c *Coordinator) onZoomed(e Zoomed) {
	for _, v := range c.views {
		if v != e.View {
			v.ApplyZoom(e.Factor)
		}
	}
}

func (c *Coordinator) onHovered(e Hovered) {
	world, idx, err := e.View.PixelToIndex(e.U, e.V)
	if err != nil {
		return
	}
	r := Readout{View: e.View.Axis(), World: world, Index: idx}
	if c.vol != nil && c.vol.Geometry().ContainsIndex(idx) {
		r.Inside = true
		r.Value = c.vol.Value(idx[0], idx[1], idx[2])
	}
	c.ReadoutChanged.Emit(r)
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
