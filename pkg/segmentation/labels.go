package segmentation

import (
	"fmt"

	"labelstation/internal/models"
	"labelstation/pkg/volume"
)

// Label pairs a label name with its pixel value in a multi-label image.
type Label struct {
	Name  string
	Value int
}

// BackgroundLabel is the reserved name of label value 0.
const BackgroundLabel = "background"

// Palette cycles through the colors given to layers created from labels.
var Palette = []models.Color{
	models.Red,
	models.Green,
	models.Blue,
	models.Yellow,
	{R: 255, B: 255},
	{G: 255, B: 255},
	{R: 255, G: 128},
	{R: 128, B: 255},
}

// Combine merges layers into a uint16 label image on g. Labels are applied in
// the given order, so a later label wins where masks overlap. Layers whose
// name matches no label, and the background label, are skipped. The returned
// slice lists the skipped layer names.
func Combine(g volume.Geometry, layers []*Layer, labels []Label) (*volume.Volume, []string, error) {
	byName := make(map[string]*Layer, len(layers))
	for _, l := range layers {
		if err := g.CheckCompatible(l.Geometry()); err != nil {
			return nil, nil, fmt.Errorf("layer %q: %w", l.Name(), err)
		}
		byName[l.Name()] = l
	}

	data := make([]float32, g.NumVoxels())
	used := make(map[string]bool, len(labels))
	for _, lb := range labels {
		if lb.Name == BackgroundLabel || lb.Value == 0 {
			continue
		}
		if lb.Value < 0 || lb.Value > 0xffff {
			return nil, nil, fmt.Errorf("%w: label %q value %d does not fit uint16", models.ErrInvalidName, lb.Name, lb.Value)
		}
		l, ok := byName[lb.Name]
		if !ok {
			continue
		}
		used[lb.Name] = true
		for i, m := range l.Mask().Data() {
			if m != 0 {
				data[i] = float32(lb.Value)
			}
		}
	}

	var skipped []string
	for _, l := range layers {
		if !used[l.Name()] {
			skipped = append(skipped, l.Name())
		}
	}

	v, err := volume.New(g, volume.UInt16, data)
	if err != nil {
		return nil, nil, err
	}
	return v, skipped, nil
}

// Split turns a label image into one layer per non-background label, in label
// order. Layer names follow the label names; colors come from Palette.
func Split(labelImage *volume.Volume, labels []Label) ([]*Layer, error) {
	var out []*Layer
	n := 0
	for _, lb := range labels {
		if lb.Name == BackgroundLabel || lb.Value == 0 {
			continue
		}
		layer, err := NewLayer(lb.Name, Palette[n%len(Palette)], volume.MaskFromVolume(labelImage, float64(lb.Value)))
		if err != nil {
			return nil, fmt.Errorf("label %q: %w", lb.Name, err)
		}
		out = append(out, layer)
		n++
	}
	return out, nil
}
