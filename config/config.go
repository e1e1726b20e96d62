package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/gridpaint/atlas"
	"github.com/gogpu/gridpaint/budget"
	"github.com/gogpu/gridpaint/grid"
	"github.com/gogpu/gridpaint/status"
	"github.com/gogpu/gridpaint/paint"
	"github.com/gogpu/gridpaint/pool"
	"github.com/gogpu/gridpaint/render"
	"github.com/gogpu/gridpaint/rotation"
)

// Errors returned by Load and Validate.
var (
	// ErrUnknownFormat is returned for files that are neither TOML nor YAML.
	ErrUnknownFormat = errors.New("config: unknown file format")

	// ErrInvalid is wrapped by every validation error.
	ErrInvalid = errors.New("config: invalid")
)

// Config is the complete configuration of gridpaint-sim. The zero value of
// every field means the component default.
type Config struct {
	Log       Log       `toml:"log" yaml:"log"`
	Pool      Pool      `toml:"pool" yaml:"pool"`
	Atlas     Atlas     `toml:"atlas" yaml:"atlas"`
	Rotation  Rotation  `toml:"rotation" yaml:"rotation"`
	Budget    Budget    `toml:"budget" yaml:"budget"`
	Scheduler Scheduler `toml:"scheduler" yaml:"scheduler"`
	Render    Render    `toml:"render" yaml:"render"`
	Grid      Grid      `toml:"grid" yaml:"grid"`
	Status    Status    `toml:"status" yaml:"status"`
	Sim       Sim       `toml:"sim" yaml:"sim"`
}

// Log configures the slog handler.
type Log struct {
	Level slog.Level `toml:"level" yaml:"level"`
}

// Pool configures the pooled buffer allocator.
type Pool struct {
	MaxFreePerClass int `toml:"max_free_per_class" yaml:"max_free_per_class"`
}

// Atlas configures the texture atlas.
type Atlas struct {
	InitialSize int `toml:"initial_size" yaml:"initial_size"`
	// MaxSize of 0 means the device limit.
	MaxSize int `toml:"max_size" yaml:"max_size"`
	// Padding of -1 disables padding.
	Padding int `toml:"padding" yaml:"padding"`
}

// Rotation configures render target rotation.
type Rotation struct {
	Depth            int      `toml:"depth" yaml:"depth"`
	StarvationFrames int      `toml:"starvation_frames" yaml:"starvation_frames"`
	RecoveryFrames   int      `toml:"recovery_frames" yaml:"recovery_frames"`
	StatsInterval    Duration `toml:"stats_interval" yaml:"stats_interval"`
}

// Budget configures the frame budget tracker and pacer.
type Budget struct {
	Target            Duration `toml:"target" yaml:"target"`
	Window            int      `toml:"window" yaml:"window"`
	RecomputeInterval Duration `toml:"recompute_interval" yaml:"recompute_interval"`
	RefreshHz         int      `toml:"refresh_hz" yaml:"refresh_hz"`
}

// Scheduler configures the frame scheduler.
type Scheduler struct {
	MaxPasses int `toml:"max_passes" yaml:"max_passes"`
}

// Render configures the quad renderer.
type Render struct {
	// Clear is the RGBA clear color; empty means transparent.
	Clear []float64 `toml:"clear" yaml:"clear"`
}

// Grid configures the layout cache.
type Grid struct {
	CacheSize int `toml:"cache_size" yaml:"cache_size"`
}

// Status configures the status script.
type Status struct {
	Script    string   `toml:"script" yaml:"script"`
	Timeout   Duration `toml:"timeout" yaml:"timeout"`
	CacheSize int      `toml:"cache_size" yaml:"cache_size"`
}

// Sim configures the headless simulation.
type Sim struct {
	Windows int `toml:"windows" yaml:"windows"`
	Width   int `toml:"width" yaml:"width"`
	Height  int `toml:"height" yaml:"height"`
	Frames  int `toml:"frames" yaml:"frames"`
	// Images is the number of images placed in each window.
	Images int `toml:"images" yaml:"images"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: Log{Level: slog.LevelInfo},
		Atlas: Atlas{
			InitialSize: atlas.DefaultInitialSize,
			MaxSize:     4096,
			Padding:     atlas.DefaultPadding,
		},
		Rotation: Rotation{
			Depth:            rotation.DefaultDepth,
			StarvationFrames: rotation.DefaultStarvationFrames,
			RecoveryFrames:   rotation.DefaultRecoveryFrames,
			StatsInterval:    Duration(rotation.DefaultStatsInterval),
		},
		Budget: Budget{
			Target:            Duration(budget.DefaultTarget),
			Window:            budget.DefaultWindow,
			RecomputeInterval: Duration(budget.DefaultRecomputeInterval),
			RefreshHz:         budget.DefaultRefreshHz,
		},
		Scheduler: Scheduler{MaxPasses: paint.DefaultMaxPasses},
		Status:    Status{Timeout: Duration(50 * time.Millisecond)},
		Sim: Sim{
			Windows: 2,
			Width:   640,
			Height:  390,
			Frames:  300,
			Images:  1,
		},
	}
}

// Load reads a TOML or YAML file, chosen by extension, over Default and
// validates the result. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext (".toml", ".yaml" or
// ".yml") over Default and validates the result.
func Parse(data []byte, ext string) (Config, error) {
	cfg := Default()
	switch strings.ToLower(ext) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return Config{}, fmt.Errorf("%w: %s", ErrInvalid, strict.String())
			}
			return Config{}, err
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Pool.MaxFreePerClass >= 0, "pool.max_free_per_class must not be negative")

	check(c.Atlas.InitialSize >= 0, "atlas.initial_size must not be negative")
	check(c.Atlas.MaxSize >= 0, "atlas.max_size must not be negative")
	check(c.Atlas.MaxSize == 0 || c.Atlas.MaxSize >= c.Atlas.InitialSize,
		"atlas.max_size %d is smaller than atlas.initial_size %d", c.Atlas.MaxSize, c.Atlas.InitialSize)
	check(c.Atlas.Padding >= -1, "atlas.padding must be -1 or more")

	check(c.Rotation.Depth == 0 || c.Rotation.Depth >= rotation.MinDepth,
		"rotation.depth must be at least %d", rotation.MinDepth)
	check(c.Rotation.StarvationFrames >= 0, "rotation.starvation_frames must not be negative")
	check(c.Rotation.RecoveryFrames >= 0, "rotation.recovery_frames must not be negative")

	check(c.Budget.Target >= 0, "budget.target must not be negative")
	check(c.Budget.Window >= 0, "budget.window must not be negative")
	check(c.Budget.RefreshHz >= 0 && c.Budget.RefreshHz <= 1000, "budget.refresh_hz must be within 0..1000")

	check(c.Scheduler.MaxPasses == 0 || c.Scheduler.MaxPasses >= 2, "scheduler.max_passes must be at least 2")

	check(len(c.Render.Clear) == 0 || len(c.Render.Clear) == 4,
		"render.clear must have 4 components, got %d", len(c.Render.Clear))

	check(c.Status.Timeout >= 0, "status.timeout must not be negative")

	check(c.Sim.Windows >= 1, "sim.windows must be at least 1")
	check(c.Sim.Width > 0 && c.Sim.Height > 0, "sim.width and sim.height must be positive")
	check(c.Sim.Frames >= 0, "sim.frames must not be negative")
	check(c.Sim.Images >= 0, "sim.images must not be negative")

	return errors.Join(errs...)
}

// PoolConfig returns the pool configuration.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{MaxFreePerClass: c.Pool.MaxFreePerClass}
}

// AtlasConfig returns the atlas configuration.
func (c *Config) AtlasConfig() atlas.Config {
	return atlas.Config{
		InitialSize: c.Atlas.InitialSize,
		MaxSize:     c.Atlas.MaxSize,
		Padding:     c.Atlas.Padding,
	}
}

// RotationConfig returns the rotation configuration for targets of the
// given size.
func (c *Config) RotationConfig(width, height int) rotation.Config {
	return rotation.Config{
		Depth:            c.Rotation.Depth,
		StarvationFrames: c.Rotation.StarvationFrames,
		RecoveryFrames:   c.Rotation.RecoveryFrames,
		StatsInterval:    c.Rotation.StatsInterval.Std(),
		Width:            width,
		Height:           height,
	}
}

// BudgetConfig returns the frame budget configuration.
func (c *Config) BudgetConfig() budget.Config {
	return budget.Config{
		Window:            c.Budget.Window,
		RecomputeInterval: c.Budget.RecomputeInterval.Std(),
		Target:            c.Budget.Target.Std(),
	}
}

// SchedulerOptions returns the scheduler options the configuration sets.
func (c *Config) SchedulerOptions() []paint.Option {
	var opts []paint.Option
	if c.Scheduler.MaxPasses > 0 {
		opts = append(opts, paint.WithMaxPasses(c.Scheduler.MaxPasses))
	}
	return opts
}

// RenderConfig returns the renderer configuration.
func (c *Config) RenderConfig() render.Config {
	var cfg render.Config
	if len(c.Render.Clear) == 4 {
		cfg.Clear = gputypes.Color{R: c.Render.Clear[0], G: c.Render.Clear[1], B: c.Render.Clear[2], A: c.Render.Clear[3]}
	}
	return cfg
}

// LayoutConfig returns the layout configuration for the given cell size.
func (c *Config) LayoutConfig(cellW, cellH int) grid.LayoutConfig {
	return grid.LayoutConfig{CellWidth: cellW, CellHeight: cellH, CacheSize: c.Grid.CacheSize}
}

// StatusConfig returns the status provider configuration.
func (c *Config) StatusConfig() status.Config {
	return status.Config{Timeout: c.Status.Timeout.Std(), CacheSize: c.Status.CacheSize}
}
