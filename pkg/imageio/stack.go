package imageio

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"labelstation/internal/models"
	"labelstation/pkg/volume"
)

// StackOptions describes the physical layout of an image stack.
type StackOptions struct {
	// PixelSpacing is the in-plane pixel size in mm
	PixelSpacing float64
	// SliceGap is the distance between consecutive slices in mm
	SliceGap float64
	Origin   models.Vec3
}

// DefaultStackOptions returns unit pixel spacing and the slice gap used for
// typical MRI series.
func DefaultStackOptions() StackOptions {
	return StackOptions{PixelSpacing: 1, SliceGap: 1.5}
}

// StackFiles lists the JPEG and PNG files of dir ordered by the number in
// their name.
func StackFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no JPEG or PNG images found in %s", dir)
	}

	// Order by slice number so "slice_10" follows "slice_9"
	sort.SliceStable(files, func(i, j int) bool {
		return extractNumber(files[i]) < extractNumber(files[j])
	})
	return files, nil
}

// extractNumber returns the digits of a file name as a number, or 0.
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return n
}

// LoadStack reads every image of dir as one axial slice of a UInt16 volume.
// Image rows map to j and columns to i; all slices must share one size.
func LoadStack(dir string, opts StackOptions) (*volume.Volume, error) {
	files, err := StackFiles(dir)
	if err != nil {
		return nil, err
	}

	slices := make([]*image.Gray16, len(files))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for n, name := range files {
		n, name := n, name
		g.Go(func() error {
			img, err := loadImage(filepath.Join(dir, name))
			if err != nil {
				return fmt.Errorf("failed to load image %s: %w", name, err)
			}
			slices[n] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	w, h := slices[0].Bounds().Dx(), slices[0].Bounds().Dy()
	for n, s := range slices {
		if s.Bounds().Dx() != w || s.Bounds().Dy() != h {
			return nil, fmt.Errorf("%w: %s is %dx%d, expected %dx%d", models.ErrDimensionMismatch,
				files[n], s.Bounds().Dx(), s.Bounds().Dy(), w, h)
		}
	}

	if opts.PixelSpacing <= 0 {
		opts.PixelSpacing = 1
	}
	if opts.SliceGap <= 0 {
		opts.SliceGap = 1
	}
	geom := volume.NewGeometry([3]int{w, h, len(slices)},
		models.Vec3{opts.PixelSpacing, opts.PixelSpacing, opts.SliceGap}, opts.Origin)
	vol, err := volume.NewFromFunc(geom, volume.UInt16, func(i, j, k int) float64 {
		s := slices[k]
		return float64(s.Gray16At(s.Rect.Min.X+i, s.Rect.Min.Y+j).Y)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded image stack", "dir", dir, "slices", len(slices), "width", w, "height", h, "slice_gap", opts.SliceGap)
	return vol, nil
}

// loadImage decodes a JPEG or PNG file into 16-bit gray.
func loadImage(path string) (*image.Gray16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	if g, ok := img.(*image.Gray16); ok {
		return g, nil
	}
	b := img.Bounds()
	gray := image.NewGray16(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.SetGray16(x, y, color.Gray16Model.Convert(img.At(x, y)).(color.Gray16))
		}
	}
	return gray, nil
}
