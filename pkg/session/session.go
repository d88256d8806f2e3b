// Package session assembles one labeling session: the UI loop, the
// workspace, the brush, the surface extractor, the synchronized views, the
// status bar and, on demand, the remote client.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"labelstation/internal/models"
	"labelstation/pkg/brush"
	"labelstation/pkg/config"
	"labelstation/pkg/eventloop"
	"labelstation/pkg/imageio"
	"labelstation/pkg/remote"
	"labelstation/pkg/segmentation"
	"labelstation/pkg/status"
	"labelstation/pkg/stl"
	"labelstation/pkg/surface"
	"labelstation/pkg/view"
	"labelstation/pkg/visualization"
	"labelstation/pkg/volume"
	"labelstation/pkg/workspace"
)

// DefaultLayerName is the base name of layers created without a name.
const DefaultLayerName = "Segmentation"

// Session owns every component of a running workstation. All methods except
// FetchPrediction must be called on the loop goroutine.
type Session struct {
	ID string

	Loop      *eventloop.Loop
	Workspace *workspace.Workspace
	Brush     *brush.Brush
	Surfaces  *surface.Extractor
	Views     *view.Coordinator
	Status    *status.Bar

	cfg    *config.Config
	logger *slog.Logger
	path   string
	remote *remote.Client
}

// New builds a session from cfg. A nil cfg uses the defaults.
func New(cfg *config.Config, logger *slog.Logger) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	mode, err := brush.ParseMode(cfg.Brush.Mode)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger = logger.With("session", id[:8])

	b := brush.New(cfg.Brush.Radius)
	b.Mode = mode
	loop := eventloop.New()
	ws := workspace.Empty()
	ext := surface.NewExtractor(loop, ws.Layers, surface.Options{
		Debounce: cfg.Surface.Debounce,
		Workers:  cfg.Surface.Workers,
		Logger:   logger,
	})
	coord := view.NewCoordinator(ws.Layers, b, ext, logger)
	for _, v := range coord.Views() {
		v.SetViewport(cfg.View.Width, cfg.View.Height)
	}
	coord.VolumeView().SetViewport(cfg.View.Width, cfg.View.Height)

	s := &Session{
		ID:        id,
		Loop:      loop,
		Workspace: ws,
		Brush:     b,
		Surfaces:  ext,
		Views:     coord,
		Status:    status.NewBar(logger),
		cfg:       cfg,
		logger:    logger,
	}
	logger.Debug("Session started", "brush_radius", b.Radius, "brush_mode", b.Mode, "debounce", cfg.Surface.Debounce)
	return s, nil
}

// Close stops the surface workers and the loop.
func (s *Session) Close() {
	s.Views.Close()
	s.Surfaces.Close()
	s.Loop.Close()
}

// Config returns the session configuration.
func (s *Session) Config() *config.Config { return s.cfg }

// Path returns the workspace path of the last open or save.
func (s *Session) Path() string { return s.path }

// Volume returns the base volume or nil.
func (s *Session) Volume() *volume.Volume { return s.Workspace.Volume }

// Layers returns the segmentation layer list.
func (s *Session) Layers() *segmentation.LayerList { return s.Workspace.Layers }

func (s *Session) requireVolume() error {
	if s.Workspace.Volume == nil {
		return models.ErrNoVolumeLoaded
	}
	return nil
}

// LoadImage opens a MetaImage file or a directory of numbered 2D slices and
// starts a new workspace on it.
func (s *Session) LoadImage(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		s.Status.Error(err)
		return err
	}
	var vol *volume.Volume
	if info.IsDir() {
		vol, err = imageio.LoadStack(path, imageio.StackOptions{
			PixelSpacing: s.cfg.Import.PixelSpacing,
			SliceGap:     s.cfg.Import.SliceGap,
		})
	} else {
		vol, err = imageio.Read(path)
	}
	if err != nil {
		s.Status.Error(err)
		return err
	}
	if err := s.SetVolume(vol); err != nil {
		return err
	}
	s.Status.Infof("Loaded %s", path)
	return nil
}

// SetVolume starts a new unsaved workspace on vol.
func (s *Session) SetVolume(vol *volume.Volume) error {
	if vol == nil {
		return models.ErrNoVolumeLoaded
	}
	s.Workspace.SetVolume(vol)
	s.path = ""
	if err := s.Views.SetVolume(vol); err != nil {
		s.Status.Error(err)
		return err
	}
	return nil
}

// OpenWorkspace replaces the session state with the workspace at path.
// Layers that fail to load are reported as warnings.
func (s *Session) OpenWorkspace(path string) error {
	if err := s.Workspace.Load(path); err != nil {
		s.Status.Error(err)
		return err
	}
	if err := s.Views.SetVolume(s.Workspace.Volume); err != nil {
		s.Status.Error(err)
		return err
	}
	s.Views.SetWindowLevel(s.Workspace.Window().WindowLevel())
	s.path = path
	for _, err := range s.Workspace.LoadErrors {
		s.Status.Warnf("%s: %v", models.Kind(err), err)
	}
	s.Status.Infof("Opened workspace %s (%d layers)", path, s.Workspace.Layers.Len())
	return nil
}

// SaveWorkspace saves to path, or to the last used path when path is empty.
func (s *Session) SaveWorkspace(path string) error {
	if err := s.requireVolume(); err != nil {
		s.Status.Error(err)
		return err
	}
	if path == "" {
		path = s.path
	}
	if path == "" {
		err := fmt.Errorf("no workspace path")
		s.Status.Error(err)
		return err
	}
	s.Workspace.SetWindow(s.Views.Window())
	if err := s.Workspace.Save(path); err != nil {
		s.Status.Error(err)
		return err
	}
	s.path = path
	s.Status.Infof("Saved workspace %s", path)
	return nil
}

// Modified reports unsaved changes, including a changed window/level.
func (s *Session) Modified() bool {
	if s.Workspace.Volume == nil {
		return false
	}
	return s.Workspace.Modified() || s.Views.Window() != s.Workspace.Window().WindowLevel()
}

// SetWindowLevel applies wl to every view.
func (s *Session) SetWindowLevel(wl models.WindowLevel) {
	s.Views.SetWindowLevel(wl)
}

func (s *Session) uniqueLayerName(base string) string {
	return models.UniqueName(base, func(n string) bool {
		_, ok := s.Workspace.Layers.Get(n)
		return ok
	})
}

// AddLayer creates an empty layer with the next palette color and makes it
// active. An empty name picks a free default name.
func (s *Session) AddLayer(name string) (*segmentation.Layer, error) {
	if err := s.requireVolume(); err != nil {
		s.Status.Error(err)
		return nil, err
	}
	if name == "" {
		name = s.uniqueLayerName(DefaultLayerName)
	}
	list := s.Workspace.Layers
	l, err := list.NewLayer(name, segmentation.Palette[list.Len()%len(segmentation.Palette)])
	if err != nil {
		s.Status.Error(err)
		return nil, err
	}
	if err := list.SetActive(l.Name()); err != nil {
		return nil, err
	}
	return l, nil
}

// addLayers attaches layers, renaming them when their names are taken, and
// returns the final names.
func (s *Session) addLayers(layers []*segmentation.Layer) ([]string, error) {
	var names []string
	for _, l := range layers {
		if name := s.uniqueLayerName(l.Name()); name != l.Name() {
			if err := l.SetName(name); err != nil {
				return names, err
			}
		}
		if err := s.Workspace.Layers.Add(l); err != nil {
			return names, err
		}
		names = append(names, l.Name())
	}
	return names, nil
}

// ExportMesh contours a layer and writes it as binary STL. It returns the
// number of triangles.
func (s *Session) ExportMesh(layerName, path string) (int, error) {
	l, ok := s.Workspace.Layers.Get(layerName)
	if !ok {
		return 0, fmt.Errorf("%w: layer %q", models.ErrNotFound, layerName)
	}
	mesh := surface.Extract(l.Mask(), s.cfg.Surface.Workers)
	if err := stl.SaveToSTL(path, mesh.Triangles); err != nil {
		return 0, err
	}
	s.Status.Infof("Exported %d triangles of %s to %s", len(mesh.Triangles), layerName, path)
	return len(mesh.Triangles), nil
}

// ExportSlices writes every slice along axis with the visible layers
// composited, using the current window/level.
func (s *Session) ExportSlices(axis models.Axis, dir, format string) (int, error) {
	if err := s.requireVolume(); err != nil {
		return 0, err
	}
	if format == "" {
		format = s.cfg.View.ExportFormat
	}
	v := visualization.NewViewer(s.Workspace.Volume)
	if err := v.SetFormat(format); err != nil {
		return 0, err
	}
	v.SetWindowLevel(s.Views.Window())
	v.SetLayers(s.Workspace.Layers.Layers())
	n, err := v.SaveSliceSequence(axis, dir)
	if err != nil {
		s.Status.Error(err)
		return 0, err
	}
	s.Status.Infof("Exported %d %s slices to %s", n, axis.ViewName(), dir)
	return n, nil
}

// Remote returns the client for the configured server.
func (s *Session) Remote() (*remote.Client, error) {
	if s.remote != nil {
		return s.remote, nil
	}
	if err := s.cfg.RequireServer(); err != nil {
		return nil, err
	}
	c, err := remote.New(s.cfg.Server.URL, s.cfg.Server.Token,
		remote.WithTimeout(s.cfg.Server.Timeout), remote.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	s.remote = c
	return c, nil
}

// UploadLayers adds the base volume and all layers, combined in dataset
// label order, to a dataset split.
func (s *Session) UploadLayers(ctx context.Context, ds remote.Dataset, split remote.Split) (remote.Dataset, error) {
	if err := s.requireVolume(); err != nil {
		return remote.Dataset{}, err
	}
	c, err := s.Remote()
	if err != nil {
		return remote.Dataset{}, err
	}
	out, err := c.UploadLayers(ctx, ds, split, s.Workspace.Volume, s.Workspace.Layers.Layers(), s.cfg.Paths.TempDir)
	s.Status.Report(err, "Uploaded image and labels to %s", ds.Name)
	return out, err
}

// FetchPrediction downloads a prediction off the loop and attaches its
// labels as new layers on the loop. done runs on the loop with the names of
// the added layers. Nothing changes when the download fails.
func (s *Session) FetchPrediction(ctx context.Context, ds remote.Dataset, requestID string, imageNum int, done func([]string, error)) {
	finish := func(names []string, err error) {
		s.Status.Report(err, "Imported %d predicted layers", len(names))
		if done != nil {
			done(names, err)
		}
	}
	vol := s.Workspace.Volume
	if vol == nil {
		finish(nil, models.ErrNoVolumeLoaded)
		return
	}
	c, err := s.Remote()
	if err != nil {
		finish(nil, err)
		return
	}
	g := vol.Geometry()
	dir := s.cfg.Paths.TempDir

	go func() {
		layers, err := c.FetchPrediction(ctx, ds, requestID, imageNum, dir, g)
		s.Loop.Post(func() {
			if err != nil {
				finish(nil, err)
				return
			}
			if s.Workspace.Volume != vol {
				finish(nil, fmt.Errorf("%w: volume changed during download", models.ErrDimensionMismatch))
				return
			}
			names, err := s.addLayers(layers)
			finish(names, err)
		})
	}()
}
