// Package config provides configuration loading and management for labelstation.
// It handles loading configuration from YAML files, applies environment
// overrides and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the configuration file looked up in the working directory.
const DefaultFileName = "labelstation.yaml"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Paths used at startup; both directories are created if missing
	Paths struct {
		// LogDir receives the rotating log file
		LogDir string `yaml:"logDir"`

		// TempDir holds uploads and downloaded predictions
		TempDir string `yaml:"tempDir"`
	} `yaml:"paths"`

	// Remote nnU-Net service
	Server struct {
		// URL is the base address of the service
		URL string `yaml:"url"`

		// Token is sent as a bearer token with every request
		Token string `yaml:"token"`

		// Timeout bounds control calls; uploads and downloads are unbounded
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"server"`

	// Surface extraction parameters
	Surface struct {
		// Debounce is the quiet period after the last brush stroke before a
		// surface is rebuilt
		Debounce time.Duration `yaml:"debounce"`

		// Workers specifies how many CPU cores contour one mask
		Workers int `yaml:"workers"`
	} `yaml:"surface"`

	// Brush defaults
	Brush struct {
		// Radius in voxels
		Radius int `yaml:"radius"`

		// Mode is "2d" or "3d"
		Mode string `yaml:"mode"`
	} `yaml:"brush"`

	// View parameters
	View struct {
		// Width and Height of the rendered viewports in pixels
		Width  int `yaml:"width"`
		Height int `yaml:"height"`

		// Format of exported slices, "png" or "jpg"
		ExportFormat string `yaml:"exportFormat"`
	} `yaml:"view"`

	// Slice-stack import parameters
	Import struct {
		// PixelSpacing is the in-plane spacing of imported images in mm
		PixelSpacing float64 `yaml:"pixelSpacing"`

		// SliceGap represents the physical distance between consecutive slices in mm
		SliceGap float64 `yaml:"sliceGap"`
	} `yaml:"import"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// MaxSizeMB is the size at which the log file is rotated
		MaxSizeMB int `yaml:"maxSizeMB"`

		// MaxBackups is the number of rotated files kept
		MaxBackups int `yaml:"maxBackups"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	base := filepath.Join(os.TempDir(), "labelstation")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.TempDir = filepath.Join(base, "tmp")

	cfg.Server.Timeout = 10 * time.Second

	cfg.Surface.Debounce = time.Second
	cfg.Surface.Workers = runtime.NumCPU() // Use all available cores by default

	cfg.Brush.Radius = 2
	cfg.Brush.Mode = "2d"

	cfg.View.Width = 512
	cfg.View.Height = 512
	cfg.View.ExportFormat = "png"

	cfg.Import.PixelSpacing = 1.0
	cfg.Import.SliceGap = 1.5

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 50
	cfg.Logging.MaxBackups = 3

	return cfg
}

// envOverrides lists the environment variables read by ApplyEnv. The upper
// case name wins when both are set.
var envOverrides = []struct {
	names []string
	apply func(*Config, string)
}{
	{[]string{"LOG_DIR", "log_dir"}, func(c *Config, v string) { c.Paths.LogDir = v }},
	{[]string{"TEMP_DIR", "temp_dir"}, func(c *Config, v string) { c.Paths.TempDir = v }},
	{[]string{"NNUNET_SERVER_URL", "nnunet_server_url"}, func(c *Config, v string) { c.Server.URL = v }},
	{[]string{"NNUNET_TOKEN", "nnunet_token"}, func(c *Config, v string) { c.Server.Token = v }},
}

// ApplyEnv overrides configuration values from the environment.
func (c *Config) ApplyEnv() {
	c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		for _, name := range o.names {
			if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
				o.apply(c, strings.TrimSpace(v))
				break
			}
		}
	}
}

// Validate reports values that cannot be used.
func (c *Config) Validate() error {
	if c.Paths.LogDir == "" || c.Paths.TempDir == "" {
		return fmt.Errorf("log and temp directories must be set")
	}
	if c.Brush.Radius < 0 {
		return fmt.Errorf("brush radius must not be negative, got %d", c.Brush.Radius)
	}
	switch strings.ToLower(c.Brush.Mode) {
	case "2d", "3d":
	default:
		return fmt.Errorf("brush mode must be 2d or 3d, got %q", c.Brush.Mode)
	}
	if c.View.Width <= 0 || c.View.Height <= 0 {
		return fmt.Errorf("view size must be positive, got %dx%d", c.View.Width, c.View.Height)
	}
	if c.Import.PixelSpacing <= 0 || c.Import.SliceGap <= 0 {
		return fmt.Errorf("import spacing must be positive")
	}
	return nil
}

// RequireServer reports a missing server URL.
func (c *Config) RequireServer() error {
	if c.Server.URL == "" {
		return fmt.Errorf("nnU-Net server URL is not configured; set NNUNET_SERVER_URL or server.url")
	}
	return nil
}

// EnsureDirs creates the log and temp directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Paths.LogDir, c.Paths.TempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, it starts from the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
