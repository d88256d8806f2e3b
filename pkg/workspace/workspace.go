// Package workspace saves and restores a labeling session: the base volume,
// every segmentation layer, the annotations and the window/level.
//
// On disk a workspace is a JSON manifest at path and a data directory
// path + ".data" holding input_image.mhd and one <layer>.mha per layer.
package workspace

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"labelstation/internal/models"
	"labelstation/pkg/annotation"
	"labelstation/pkg/imageio"
	"labelstation/pkg/segmentation"
	"labelstation/pkg/volume"
)

// BaseImageFile is the name of the base volume inside the data directory.
const BaseImageFile = "input_image.mhd"

//go:embed manifest.schema.json
var manifestSchemaJSON string

var manifestSchema = jsonschema.MustCompileString("manifest.schema.json", manifestSchemaJSON)

// Manifest is the JSON document written at the workspace path.
type Manifest struct {
	WindowSettings models.WindowSettings `json:"window_settings"`
	Segmentations  []SegmentationEntry   `json:"segmentations"`
	Points         []PointEntry          `json:"points"`
	Lines          []LineEntry           `json:"lines"`
	Rects          []RectEntry           `json:"rects"`
}

// SegmentationEntry describes one layer file.
type SegmentationEntry struct {
	Name  string  `json:"name"`
	Color []int   `json:"color"`
	Alpha float64 `json:"alpha"`
	File  string  `json:"file"`
}

type PointEntry struct {
	Name        string      `json:"name"`
	Coordinates models.Vec3 `json:"coordinates"`
	Color       []int       `json:"color"`
}

type LineEntry struct {
	Name    string      `json:"name"`
	Point1W models.Vec3 `json:"point1_w"`
	Point2W models.Vec3 `json:"point2_w"`
	Color   []int       `json:"color"`
	Width   float64     `json:"width"`
	Visible bool        `json:"visible"`
}

type RectEntry struct {
	Name    string      `json:"name"`
	Corner1 models.Vec3 `json:"corner1"`
	Corner2 models.Vec3 `json:"corner2"`
	Color   []int       `json:"color"`
}

// DataDir returns the data directory of a workspace manifest path.
func DataDir(path string) string { return path + ".data" }

// Workspace groups the state that is persisted together.
type Workspace struct {
	Volume *volume.Volume
	Layers *segmentation.LayerList
	Points *annotation.Points
	Lines  *annotation.Lines
	Rects  *annotation.Rects

	window        models.WindowSettings
	windowChanged bool

	// LoadErrors holds the per-layer failures of the last Load
	LoadErrors []error
}

// Empty returns a workspace without a volume.
func Empty() *Workspace {
	return &Workspace{
		Layers: segmentation.NewLayerList(volume.Geometry{}),
		Points: annotation.NewPoints(),
		Lines:  annotation.NewLines(),
		Rects:  annotation.NewRects(),
	}
}

// New creates an empty workspace on vol.
func New(vol *volume.Volume) *Workspace {
	ws := Empty()
	ws.SetVolume(vol)
	return ws
}

// SetVolume starts over on vol: layers and annotations are dropped and the
// window is chosen automatically. The layer list itself is kept, so its
// subscribers see the removals.
func (ws *Workspace) SetVolume(vol *volume.Volume) {
	ws.Volume = vol
	ws.LoadErrors = nil
	ws.Layers.Reset(vol.Geometry())
	ws.Points.Clear()
	ws.Lines.Clear()
	ws.Rects.Clear()
	ws.window = settingsFor(vol, vol.AutoWindow())
	ws.ResetModified()
}

// Open loads the workspace stored at path.
func Open(path string) (*Workspace, error) {
	ws := Empty()
	if err := ws.Load(path); err != nil {
		return nil, err
	}
	return ws, nil
}

func settingsFor(vol *volume.Volume, wl models.WindowLevel) models.WindowSettings {
	lo, hi := vol.ScalarRange()
	return models.WindowSettings{Level: wl.Level, Width: wl.Width, RangeMin: lo, RangeMax: hi}
}

// Window returns the persisted window settings.
func (ws *Workspace) Window() models.WindowSettings { return ws.window }

// SetWindow records the current window/level.
func (ws *Workspace) SetWindow(wl models.WindowLevel) {
	next := settingsFor(ws.Volume, wl)
	if next != ws.window {
		ws.window = next
		ws.windowChanged = true
	}
}

// Modified reports whether anything changed since the last save or load.
func (ws *Workspace) Modified() bool {
	return ws.windowChanged || ws.Layers.Modified() || ws.Points.Modified() ||
		ws.Lines.Modified() || ws.Rects.Modified()
}

// ResetModified clears the modified flag of every manager.
func (ws *Workspace) ResetModified() {
	ws.windowChanged = false
	ws.Layers.ResetModified()
	ws.Points.ResetModified()
	ws.Lines.ResetModified()
	ws.Rects.ResetModified()
}

// Manifest builds the manifest describing the current state.
func (ws *Workspace) Manifest() Manifest {
	m := Manifest{
		WindowSettings: ws.window,
		Segmentations:  []SegmentationEntry{},
		Points:         []PointEntry{},
		Lines:          []LineEntry{},
		Rects:          []RectEntry{},
	}
	for _, l := range ws.Layers.Layers() {
		m.Segmentations = append(m.Segmentations, SegmentationEntry{
			Name:  l.Name(),
			Color: l.Color().Slice(),
			Alpha: l.Alpha(),
			File:  l.Name() + ".mha",
		})
	}
	for _, p := range ws.Points.Items() {
		m.Points = append(m.Points, PointEntry{Name: p.Name(), Coordinates: p.Position(), Color: p.Color().Slice()})
	}
	for _, l := range ws.Lines.Items() {
		p1, p2 := l.Endpoints()
		m.Lines = append(m.Lines, LineEntry{
			Name:    l.Name(),
			Point1W: p1,
			Point2W: p2,
			Color:   l.Color().Slice(),
			Width:   l.Width(),
			Visible: l.Visible(),
		})
	}
	for _, r := range ws.Rects.Items() {
		c1, c2 := r.Corners()
		m.Rects = append(m.Rects, RectEntry{Name: r.Name(), Corner1: c1, Corner2: c2, Color: r.Color().Slice()})
	}
	return m
}

// Save writes the workspace to path and clears every modified flag.
func (ws *Workspace) Save(path string) error {
	dataDir := DataDir(path)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating workspace data directory: %w", err)
	}
	if err := imageio.Write(filepath.Join(dataDir, BaseImageFile), ws.Volume, imageio.WriteOptions{}); err != nil {
		return fmt.Errorf("writing base volume: %w", err)
	}

	m := ws.Manifest()
	layers := ws.Layers.Layers()
	var g errgroup.Group
	for i, l := range layers {
		l := l
		file := filepath.Join(dataDir, m.Segmentations[i].File)
		mask := l.Mask()
		g.Go(func() error {
			if err := imageio.WriteMask(file, mask, imageio.WriteOptions{Compress: true}); err != nil {
				return fmt.Errorf("writing layer %q: %w", l.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	removeStaleLayers(dataDir, m)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("writing workspace manifest: %w", err)
	}
	ws.ResetModified()
	slog.Info("Workspace saved", "path", path, "layers", len(layers),
		"points", len(m.Points), "lines", len(m.Lines), "rects", len(m.Rects))
	return nil
}

// removeStaleLayers deletes layer files left over from removed or renamed layers.
func removeStaleLayers(dataDir string, m Manifest) {
	keep := make(map[string]bool, len(m.Segmentations))
	for _, s := range m.Segmentations {
		keep[s.File] = true
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".mha") || keep[name] {
			continue
		}
		if err := os.Remove(filepath.Join(dataDir, name)); err != nil {
			slog.Warn("Failed to remove stale layer file", "file", name, "error", err)
		}
	}
}

// writeAtomic replaces path with data through a temporary file in the same
// directory.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadManifest parses and validates the manifest at path.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("%w: %v", models.ErrWorkspaceCorrupt, err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return m, fmt.Errorf("%w: manifest is not JSON: %v", models.ErrWorkspaceCorrupt, err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return m, fmt.Errorf("%w: %v", models.ErrWorkspaceCorrupt, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", models.ErrWorkspaceCorrupt, err)
	}
	return m, nil
}

// Load replaces the workspace content with the one stored at path. A missing
// data directory, manifest or base volume fails with ErrWorkspaceCorrupt and
// leaves the workspace unchanged. Layers that cannot be loaded are skipped and
// reported in LoadErrors wrapping ErrLoadError. Nothing is modified after a
// successful load.
func (ws *Workspace) Load(path string) error {
	m, err := ReadManifest(path)
	if err != nil {
		return err
	}
	dataDir := DataDir(path)
	if st, err := os.Stat(dataDir); err != nil || !st.IsDir() {
		return fmt.Errorf("%w: missing data directory %s", models.ErrWorkspaceCorrupt, dataDir)
	}
	vol, err := imageio.Read(filepath.Join(dataDir, BaseImageFile))
	if err != nil {
		return fmt.Errorf("%w: base volume: %v", models.ErrWorkspaceCorrupt, err)
	}

	ws.Volume = vol
	ws.LoadErrors = nil
	ws.Layers.Reset(vol.Geometry())
	for _, entry := range m.Segmentations {
		if err := ws.loadLayer(dataDir, entry); err != nil {
			slog.Warn("Failed to load layer", "layer", entry.Name, "kind", models.Kind(err), "error", err)
			ws.LoadErrors = append(ws.LoadErrors, err)
		}
	}

	ws.Points.Clear()
	for _, e := range m.Points {
		if _, err := ws.Points.Add(annotation.NewPoint(e.Name, e.Coordinates, colorOf(e.Color))); err != nil {
			ws.LoadErrors = append(ws.LoadErrors, fmt.Errorf("%w: point %q: %v", models.ErrLoadError, e.Name, err))
		}
	}
	ws.Lines.Clear()
	for _, e := range m.Lines {
		l := annotation.NewLine(e.Name, e.Point1W, e.Point2W, colorOf(e.Color))
		l.SetWidth(e.Width)
		name, err := ws.Lines.Add(l)
		if err != nil {
			ws.LoadErrors = append(ws.LoadErrors, fmt.Errorf("%w: line %q: %v", models.ErrLoadError, e.Name, err))
			continue
		}
		ws.Lines.SetVisible(name, e.Visible)
	}
	ws.Rects.Clear()
	for _, e := range m.Rects {
		r, err := annotation.NewRect(e.Name, annotation.RectAxis(e.Corner1, e.Corner2), e.Corner1, e.Corner2, colorOf(e.Color))
		if err == nil {
			_, err = ws.Rects.Add(r)
		}
		if err != nil {
			ws.LoadErrors = append(ws.LoadErrors, fmt.Errorf("%w: rect %q: %v", models.ErrLoadError, e.Name, err))
		}
	}

	ws.window = m.WindowSettings
	ws.ResetModified()
	slog.Info("Workspace loaded", "path", path, "layers", ws.Layers.Len(), "failed", len(ws.LoadErrors))
	return nil
}

func (ws *Workspace) loadLayer(dataDir string, entry SegmentationEntry) error {
	file := entry.File
	if !filepath.IsAbs(file) {
		file = filepath.Join(dataDir, file)
	}
	mask, err := imageio.ReadMask(file)
	if err != nil {
		return fmt.Errorf("%w: layer %q: %v", models.ErrLoadError, entry.Name, err)
	}
	layer, err := segmentation.NewLayer(entry.Name, colorOf(entry.Color), mask)
	if err != nil {
		return fmt.Errorf("%w: layer %q: %v", models.ErrLoadError, entry.Name, err)
	}
	layer.SetAlpha(entry.Alpha)
	if err := ws.Layers.Add(layer); err != nil {
		return fmt.Errorf("%w: layer %q: %v", models.ErrLoadError, entry.Name, err)
	}
	return nil
}

func colorOf(v []int) models.Color {
	c, err := models.ColorFromSlice(v)
	if err != nil {
		return models.Red
	}
	return c
}
