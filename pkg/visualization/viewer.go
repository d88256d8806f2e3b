// Package visualization turns resliced volumes into images: windowed gray
// slices, layer overlays composited on top, and slice sequences written to
// disk.
package visualization

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"labelstation/internal/models"
	"labelstation/pkg/reslice"
	"labelstation/pkg/segmentation"
	"labelstation/pkg/volume"
)

// Overlay is a resliced layer mask drawn over a slice.
type Overlay struct {
	Mask  *reslice.SliceImage
	Color models.Color
	Alpha float64
}

// GrayImage maps a slice through a window/level into an 8-bit image with one
// pixel per slice sample.
func GrayImage(s *reslice.SliceImage, wl models.WindowLevel) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, s.Width, s.Height))
	for v := 0; v < s.Height; v++ {
		for u := 0; u < s.Width; u++ {
			img.Pix[v*img.Stride+u] = wl.Gray(float64(s.Data[v*s.Width+u]))
		}
	}
	return img
}

// Composite blends the windowed slice with overlays in order: the overlay
// color at overlay alpha inside the mask and the opaque color on the mask
// border.
func Composite(s *reslice.SliceImage, wl models.WindowLevel, overlays []Overlay) *image.RGBA {
	if s == nil {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	w, h := s.Width, s.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := wl.Gray(float64(s.Data[y*w+x]))
			off := y*img.Stride + 4*x
			img.Pix[off+0] = g
			img.Pix[off+1] = g
			img.Pix[off+2] = g
			img.Pix[off+3] = 255
		}
	}
	for _, o := range overlays {
		blend(img, o)
	}
	return img
}

func blend(img *image.RGBA, o Overlay) {
	m := o.Mask
	if m == nil {
		return
	}
	c := o.Color
	w, h := min(m.Width, img.Rect.Dx()), min(m.Height, img.Rect.Dy())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if m.Data[y*m.Width+x] == 0 {
				continue
			}
			off := y*img.Stride + 4*x
			if isBorder(m, x, y) {
				img.Pix[off+0], img.Pix[off+1], img.Pix[off+2] = c.R, c.G, c.B
				continue
			}
			img.Pix[off+0] = mix(img.Pix[off+0], c.R, o.Alpha)
			img.Pix[off+1] = mix(img.Pix[off+1], c.G, o.Alpha)
			img.Pix[off+2] = mix(img.Pix[off+2], c.B, o.Alpha)
		}
	}
}

// isBorder reports whether a set mask pixel has an unset 4-neighbour.
func isBorder(m *reslice.SliceImage, x, y int) bool {
	return m.At(x-1, y) == 0 || m.At(x+1, y) == 0 || m.At(x, y-1) == 0 || m.At(x, y+1) == 0
}

func mix(dst, src uint8, alpha float64) uint8 {
	return uint8(math.Round(float64(dst)*(1-alpha) + float64(src)*alpha))
}

// Viewer exports slices of a volume with its visible layers.
type Viewer struct {
	// vol is the base volume
	vol *volume.Volume

	// window maps scalars to gray values
	window models.WindowLevel

	// layers are drawn over each slice in order
	layers []*segmentation.Layer

	// format is the image encoding of saved slices, "png" or "jpg"
	format string
}

// NewViewer creates a viewer of vol using its automatic window.
func NewViewer(vol *volume.Volume) *Viewer {
	return &Viewer{
		vol:    vol,
		window: vol.AutoWindow(),
		format: "png",
	}
}

// SetWindowLevel changes the gray mapping.
func (v *Viewer) SetWindowLevel(wl models.WindowLevel) {
	if wl.Width > 0 {
		v.window = wl
	}
}

// SetLayers sets the overlays; invisible layers are skipped when drawing.
func (v *Viewer) SetLayers(layers []*segmentation.Layer) {
	v.layers = layers
}

// SetFormat selects png or jpg output.
func (v *Viewer) SetFormat(format string) error {
	switch f := strings.ToLower(strings.TrimPrefix(format, ".")); f {
	case "png":
		v.format = f
	case "jpg", "jpeg":
		v.format = "jpg"
	default:
		return fmt.Errorf("unsupported image format %q (must be png or jpg)", format)
	}
	return nil
}

// ExtractSlice reslices the volume and its layers at position along axis and
// composites them.
func (v *Viewer) ExtractSlice(axis models.Axis, position int) (image.Image, error) {
	s, err := reslice.ResliceVolume(v.vol, axis, position)
	if err != nil {
		return nil, err
	}
	var overlays []Overlay
	for _, l := range v.layers {
		if !l.Visible() {
			continue
		}
		m, err := reslice.ResliceMask(l.Mask(), axis, position)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name(), err)
		}
		overlays = append(overlays, Overlay{Mask: m, Color: l.Color(), Alpha: l.Alpha()})
	}
	if len(overlays) == 0 {
		return GrayImage(s, v.window), nil
	}
	return Composite(s, v.window, overlays), nil
}

// SaveSlice saves an extracted slice, encoded by the file extension.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(file, img)
	}
	if err != nil {
		file.Close()
		return fmt.Errorf("encode %s: %w", filename, err)
	}
	return file.Close()
}

// SliceFileName names slice position of axis in a sequence.
func SliceFileName(axis models.Axis, position int, format string) string {
	return fmt.Sprintf("slice_%s_%03d.%s", strings.ToLower(axis.String()), position, format)
}

// SaveSliceSequence extracts and saves every slice along axis and returns
// the number of files written.
func (v *Viewer) SaveSliceSequence(axis models.Axis, outputDir string) (int, error) {
	if err := axis.Check(); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	n := v.vol.Dims()[axis]
	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for pos := 0; pos < n; pos++ {
		pos := pos
		g.Go(func() error {
			img, err := v.ExtractSlice(axis, pos)
			if err != nil {
				return err
			}
			return v.SaveSlice(img, filepath.Join(outputDir, SliceFileName(axis, pos, v.format)))
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return n, nil
}
