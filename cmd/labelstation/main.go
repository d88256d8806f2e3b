package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"labelstation/internal/models"
	"labelstation/pkg/config"
	"labelstation/pkg/logging"
	"labelstation/pkg/session"
	"labelstation/pkg/visualization"
	"labelstation/pkg/workspace"
)

var (
	configPath string
	logLevel   string

	cfg      *config.Config
	closeLog = func() error { return nil }
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "labelstation",
		Short:         "3D medical image labeling workstation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirs(); err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			level, err := logging.ParseLevel(cfg.Logging.Level)
			if err != nil {
				return err
			}
			_, closeLog = logging.Setup(logging.Options{
				Level:      level,
				Dir:        cfg.Paths.LogDir,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
			})
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultFileName, "configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(resliceCmd())
	rootCmd.AddCommand(exportSlicesCmd())
	rootCmd.AddCommand(meshCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(initConfigCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", models.Kind(err), err)
		os.Exit(1)
	}
}

// isWorkspace reports whether path is a workspace manifest with its data directory.
func isWorkspace(path string) bool {
	info, err := os.Stat(workspace.DataDir(path))
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = workspace.ReadManifest(path)
	return err == nil
}

// openSession starts a session on a workspace or an image file or slice directory.
func openSession(path string) (*session.Session, error) {
	s, err := session.New(cfg, slog.Default())
	if err != nil {
		return nil, err
	}
	if isWorkspace(path) {
		err = s.OpenWorkspace(path)
	} else {
		err = s.LoadImage(path)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [image|workspace]",
		Short: "Show volume geometry and layers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			vol := s.Volume()
			lo, hi := vol.ScalarRange()
			bytes := uint64(vol.Geometry().NumVoxels() * vol.ScalarType().Size())
			fmt.Printf("Dimensions: %v\n", vol.Dims())
			fmt.Printf("Spacing:    %.4g mm\n", vol.Spacing())
			fmt.Printf("Origin:     %.4g mm\n", vol.Origin())
			fmt.Printf("Direction:  %.4g\n", vol.Direction())
			fmt.Printf("Scalars:    %s, range [%g, %g], %s\n", vol.ScalarType(), lo, hi, humanize.Bytes(bytes))
			wl := s.Views.Window()
			fmt.Printf("Window:     %g / level %g\n", wl.Width, wl.Level)

			layers := s.Layers().Layers()
			if len(layers) == 0 {
				return nil
			}
			fmt.Printf("\nLayers (%d):\n", len(layers))
			for _, l := range layers {
				fmt.Printf("  %-20s %s alpha %.2f  %s voxels\n", l.Name(), l.Color(), l.Alpha(), humanize.Comma(int64(l.Mask().Count())))
			}
			return nil
		},
	}
}

func resliceCmd() *cobra.Command {
	var (
		axisName      string
		index         int
		out           string
		width, level  float64
		includeLayers bool
	)

	cmd := &cobra.Command{
		Use:   "reslice [image|workspace]",
		Short: "Write one slice as an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			axis, err := models.ParseAxis(axisName)
			if err != nil {
				return err
			}
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			if index < 0 {
				index = s.Views.View(axis).Index()
			}
			v := visualization.NewViewer(s.Volume())
			v.SetWindowLevel(s.Views.Window())
			if width > 0 {
				v.SetWindowLevel(models.WindowLevel{Width: width, Level: level})
			}
			if includeLayers {
				v.SetLayers(s.Layers().Layers())
			}
			img, err := v.ExtractSlice(axis, index)
			if err != nil {
				return err
			}
			if out == "" {
				out = visualization.SliceFileName(axis, index, "png")
			}
			if err := v.SaveSlice(img, out); err != nil {
				return err
			}
			fmt.Printf("Saved %s slice %d to %s\n", axis.ViewName(), index, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&axisName, "axis", "z", "slice axis")
	cmd.Flags().IntVar(&index, "index", -1, "slice index (default: centre)")
	cmd.Flags().StringVarP(&out, "output", "o", "", "output image (.png or .jpg)")
	cmd.Flags().Float64Var(&width, "window", 0, "window width (default: automatic)")
	cmd.Flags().Float64Var(&level, "level", 0, "window level")
	cmd.Flags().BoolVar(&includeLayers, "layers", true, "draw visible layers")
	return cmd
}

func exportSlicesCmd() *cobra.Command {
	var (
		axes   []string
		outDir string
		format string
	)

	cmd := &cobra.Command{
		Use:   "export-slices [image|workspace]",
		Short: "Write every slice along the given axes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			start := time.Now()
			for _, name := range axes {
				axis, err := models.ParseAxis(name)
				if err != nil {
					return err
				}
				dir := filepath.Join(outDir, axis.String())
				n, err := s.ExportSlices(axis, dir, format)
				if err != nil {
					return err
				}
				fmt.Printf("Saved %d %s slices to %s\n", n, axis.ViewName(), dir)
			}
			fmt.Printf("Slice export completed in %.2f seconds\n", time.Since(start).Seconds())
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&axes, "axis", []string{"x", "y", "z"}, "axes to export")
	cmd.Flags().StringVarP(&outDir, "output", "o", "slices", "output directory")
	cmd.Flags().StringVar(&format, "format", "", "png or jpg (default from config)")
	return cmd
}

func meshCmd() *cobra.Command {
	var (
		layer string
		out   string
	)

	cmd := &cobra.Command{
		Use:   "mesh [workspace]",
		Short: "Export the surface of a layer as STL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			names := []string{layer}
			if layer == "" {
				names = s.Layers().Names()
			}
			if len(names) == 0 {
				return fmt.Errorf("%w: workspace has no layers", models.ErrNotFound)
			}
			for _, name := range names {
				path := out
				if path == "" || len(names) > 1 {
					path = name + ".stl"
				}
				n, err := s.ExportMesh(name, path)
				if err != nil {
					return err
				}
				fmt.Printf("Saved %s (%s triangles) to %s\n", name, humanize.Comma(int64(n)), path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&layer, "layer", "", "layer name (default: all layers)")
	cmd.Flags().StringVarP(&out, "output", "o", "", "output STL file")
	return cmd
}

func workspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Create and inspect workspaces",
	}

	show := &cobra.Command{
		Use:   "show [workspace]",
		Short: "Print the workspace manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := workspace.ReadManifest(args[0])
			if err != nil {
				return err
			}
			ws := m.WindowSettings
			fmt.Printf("Window: %g / level %g (range %g..%g)\n", ws.Width, ws.Level, ws.RangeMin, ws.RangeMax)
			fmt.Printf("Segmentations (%d):\n", len(m.Segmentations))
			for _, s := range m.Segmentations {
				fmt.Printf("  %-20s %v alpha %.2f  %s\n", s.Name, s.Color, s.Alpha, s.File)
			}
			fmt.Printf("Points (%d):\n", len(m.Points))
			for _, p := range m.Points {
				fmt.Printf("  %-20s %.2f\n", p.Name, p.Coordinates)
			}
			fmt.Printf("Lines (%d):\n", len(m.Lines))
			for _, l := range m.Lines {
				fmt.Printf("  %-20s %.2f -> %.2f  %.2f mm\n", l.Name, l.Point1W, l.Point2W, l.Point1W.Distance(l.Point2W))
			}
			fmt.Printf("Rects (%d):\n", len(m.Rects))
			for _, r := range m.Rects {
				fmt.Printf("  %-20s %.2f -> %.2f\n", r.Name, r.Corner1, r.Corner2)
			}
			return nil
		},
	}

	var layers []string
	create := &cobra.Command{
		Use:   "new [image] [workspace]",
		Short: "Create a workspace from an image file or slice directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			for _, name := range layers {
				if _, err := s.AddLayer(name); err != nil {
					return err
				}
			}
			if err := s.SaveWorkspace(args[1]); err != nil {
				return err
			}
			fmt.Printf("Created workspace %s\n", args[1])
			return nil
		},
	}
	create.Flags().StringSliceVar(&layers, "layer", nil, "empty layers to create")

	cmd.AddCommand(show, create)
	return cmd
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultFileName
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}
