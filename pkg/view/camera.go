// Package view contains the headless view-models of the workstation: the
// three reformatted slice views, the 3D scene and the coordinator that keeps
// them in lock-step. Views own their camera, interaction state and overlays
// and rasterize themselves to image.RGBA; a GUI toolkit only has to blit the
// result and forward input events.
package view

// Zoom factors applied per wheel step.
const (
	ZoomInFactor  = 0.8
	ZoomOutFactor = 1.2
)

// Camera is an orthographic camera looking at a slice plane. Focal and
// ParallelScale are in slice-plane millimetres: Focal is the plane point at
// the viewport centre and ParallelScale is half the visible height.
type Camera struct {
	Focal         [2]float64
	ParallelScale float64
}

// mmPerPixel returns the plane distance covered by one screen pixel.
func (c Camera) mmPerPixel(viewportHeight int) float64 {
	if viewportHeight <= 0 {
		return 1
	}
	return 2 * c.ParallelScale / float64(viewportHeight)
}

// ScreenToPlane converts a screen position (origin top-left, y down) to slice
// plane millimetres.
func (c Camera) ScreenToPlane(sx, sy float64, w, h int) (float64, float64) {
	mpp := c.mmPerPixel(h)
	return c.Focal[0] + (sx-float64(w)/2)*mpp, c.Focal[1] + (sy-float64(h)/2)*mpp
}

// PlaneToScreen is the inverse of ScreenToPlane.
func (c Camera) PlaneToScreen(x, y float64, w, h int) (float64, float64) {
	mpp := c.mmPerPixel(h)
	return (x-c.Focal[0])/mpp + float64(w)/2, (y-c.Focal[1])/mpp + float64(h)/2
}

// Zoom scales the visible area by factor (< 1 zooms in).
func (c *Camera) Zoom(factor float64) {
	if factor > 0 {
		c.ParallelScale *= factor
	}
}

// frame returns a camera showing a width x height mm rectangle whose top-left
// pixel centre is at the plane origin, fitted into a w x h viewport.
func frame(widthMM, heightMM float64, su, sv float64, w, h int) Camera {
	aspect := 1.0
	if h > 0 {
		aspect = float64(w) / float64(h)
	}
	scale := heightMM / 2
	if widthMM/2/aspect > scale {
		scale = widthMM / 2 / aspect
	}
	return Camera{
		Focal:         [2]float64{widthMM/2 - su/2, heightMM/2 - sv/2},
		ParallelScale: scale,
	}
}
