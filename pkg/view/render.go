package view

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"

	"labelstation/pkg/visualization"
)

// TextAnchors returns the two on-screen texts of the view: the slice readout
// (top-left) and the window/level readout (bottom-left).
func (v *SliceView) TextAnchors() (topLeft, bottomLeft string) {
	if v.vol == nil {
		return v.Name(), ""
	}
	n := v.vol.Dims()[v.axis]
	topLeft = fmt.Sprintf("%s %d/%d", v.Name(), v.index+1, n)
	bottomLeft = fmt.Sprintf("W %.0f L %.0f", v.window.Width, v.window.Level)
	return topLeft, bottomLeft
}

// Composite blends the windowed base slice with every visible layer overlay
// in list order.
func (v *SliceView) Composite() *image.RGBA {
	var overlays []visualization.Overlay
	for _, l := range v.list.Layers() {
		o, ok := v.overlays[l]
		if !ok || !l.Visible() {
			continue
		}
		overlays = append(overlays, visualization.Overlay{Mask: o.slice, Color: l.Color(), Alpha: l.Alpha()})
	}
	return visualization.Composite(v.slice, v.window, overlays)
}

// Render rasterizes the view into its viewport: background, the composited
// slice through the camera, cross-view indicators, the brush cursor and the
// two text anchors.
func (v *SliceView) Render() *image.RGBA {
	w, h := v.viewport[0], v.viewport[1]
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(v.background), image.Point{}, draw.Src)

	if v.slice != nil {
		src := v.Composite()
		su, sv := v.slice.Spacing[0], v.slice.Spacing[1]
		mpp := v.camera.mmPerPixel(h)
		fx, fy := v.camera.Focal[0], v.camera.Focal[1]

		// Source pixel (x, y) covers plane [(x-0.5)·su, (x+0.5)·su)
		s2d := f64.Aff3{
			su / mpp, 0, float64(w)/2 - (su/2+fx)/mpp,
			0, sv / mpp, float64(h)/2 - (sv/2+fy)/mpp,
		}
		draw.NearestNeighbor.Transform(dst, s2d, src, src.Bounds(), draw.Over, nil)

		for _, ind := range v.Indicators() {
			ax, ay := v.camera.PlaneToScreen(ind.A[0], ind.A[1], w, h)
			bx, by := v.camera.PlaneToScreen(ind.B[0], ind.B[1], w, h)
			drawLine(dst, ax, ay, bx, by, ind.Color)
		}

		if v.mode == ModePainting && v.cursor.Visible {
			cx, cy := v.camera.PlaneToScreen(v.cursor.Plane[0], v.cursor.Plane[1], w, h)
			drawEllipse(dst, cx, cy, v.cursor.Radii[0]/mpp, v.cursor.Radii[1]/mpp, color.RGBA{R: 255, G: 255, A: 255})
		}
	}

	top, bottom := v.TextAnchors()
	drawText(dst, 4, 14, top)
	drawText(dst, 4, h-6, bottom)
	return dst
}

func drawText(dst *image.RGBA, x, y int, s string) {
	if s == "" {
		return
	}
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawLine(dst *image.RGBA, x0, y0, x1, y1 float64, c color.RGBA) {
	steps := int(math.Ceil(math.Max(math.Abs(x1-x0), math.Abs(y1-y0))))
	if steps < 1 {
		steps = 1
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := int(math.Round(x0 + t*(x1-x0)))
		y := int(math.Round(y0 + t*(y1-y0)))
		if image.Pt(x, y).In(dst.Bounds()) {
			dst.SetRGBA(x, y, c)
		}
	}
}

func drawEllipse(dst *image.RGBA, cx, cy, rx, ry float64, c color.RGBA) {
	steps := int(math.Ceil(2 * math.Pi * math.Max(rx, ry)))
	if steps < 16 {
		steps = 16
	}
	for i := 0; i < steps; i++ {
		t := 2 * math.Pi * float64(i) / float64(steps)
		x := int(math.Round(cx + rx*math.Cos(t)))
		y := int(math.Round(cy + ry*math.Sin(t)))
		if image.Pt(x, y).In(dst.Bounds()) {
			dst.SetRGBA(x, y, c)
		}
	}
}
