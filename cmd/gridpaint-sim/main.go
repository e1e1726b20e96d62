// Command gridpaint-sim runs terminal windows headless on the noop GPU
// backend and reports how the render resources behaved.
//
// Each window has its own device, atlas, buffer pool, rotation and frame
// scheduler and renders on its own goroutine. A simulated compositor
// confirms presented buffers one frame later.
//
// Usage:
//
//	gridpaint-sim [-config gridpaint.toml] [-frames 300] [-script status.lua] [-watch] [-v]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gridpaint"
	"github.com/gogpu/gridpaint/config"
	"github.com/gogpu/gridpaint/status"
)

// options are the command line settings that override the config file.
type options struct {
	configPath string
	frames     int
	script     string
	watch      bool
	verbose    bool
	paced      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "configuration file (.toml, .yaml)")
	flag.IntVar(&opts.frames, "frames", 0, "frames per window (overrides sim.frames)")
	flag.StringVar(&opts.script, "script", "", "Lua status script (overrides status.script)")
	flag.BoolVar(&opts.watch, "watch", false, "reload the status script when it changes")
	flag.BoolVar(&opts.verbose, "v", false, "debug logging")
	flag.BoolVar(&opts.paced, "paced", false, "pace frames to the simulated refresh rate")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "gridpaint-sim:", err)
		os.Exit(1)
	}
}

func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, err
		}
	}
	if opts.frames > 0 {
		cfg.Sim.Frames = opts.frames
	}
	if opts.script != "" {
		cfg.Status.Script = opts.script
	}
	if opts.verbose {
		cfg.Log.Level = slog.LevelDebug
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, opts options, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	gridpaint.SetLogger(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Log.Level})))
	defer gridpaint.SetLogger(nil)

	var provider *status.Provider
	if cfg.Status.Script != "" {
		src, err := os.ReadFile(cfg.Status.Script)
		if err != nil {
			return fmt.Errorf("read status script: %w", err)
		}
		if provider, err = status.New(string(src), cfg.StatusConfig()); err != nil {
			return err
		}
		defer provider.Close()
	}

	windows := make([]*window, 0, cfg.Sim.Windows)
	defer func() {
		for _, w := range windows {
			w.close()
		}
	}()
	for i := range cfg.Sim.Windows {
		w, err := newWindow(i, &cfg, provider, opts.paced)
		if err != nil {
			return err
		}
		windows = append(windows, w)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	var watchers errgroup.Group
	if opts.watch && provider != nil {
		watchers.Go(func() error {
			return watchScript(watchCtx, provider, cfg.Status.Script, nil)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range windows {
		g.Go(func() error { return w.run(gctx, cfg.Sim.Frames) })
	}
	err = g.Wait()
	stopWatch()
	if werr := watchers.Wait(); werr != nil {
		logger().Warn("watcher stopped", "error", werr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	reports := make([]windowReport, len(windows))
	for i, w := range windows {
		reports[i] = w.report()
	}
	var script *status.Stats
	if provider != nil {
		st := provider.Stats()
		script = &st
	}
	writeReport(stdout, reports, script)
	return nil
}

func logger() *slog.Logger { return gridpaint.LoggerFor("sim") }
