package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"slices"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gridpaint/atlas"
	"github.com/gogpu/gridpaint/budget"
	"github.com/gogpu/gridpaint/config"
	"github.com/gogpu/gridpaint/grid"
	"github.com/gogpu/gridpaint/internal/glyph"
	"github.com/gogpu/gridpaint/status"
	"github.com/gogpu/gridpaint/paint"
	"github.com/gogpu/gridpaint/pool"
	"github.com/gogpu/gridpaint/render"
	"github.com/gogpu/gridpaint/rotation"
)

// scrollback is what the simulated shell prints, one line per frame.
var scrollback = []string{
	"$ ls -la",
	"drwxr-xr-x  5 user staff   160 Oct 19 09:12 .",
	"-rw-r--r--  1 user staff  1024 Oct 19 09:12 README.md",
	"$ cat greeting.txt",
	"こんにちは、世界",
	"Grüße aus Köln",
	"$ go test ./...",
	"ok   github.com/gogpu/gridpaint/atlas  0.412s",
	"日本語のテキストと English text",
	"λ → ∀x. x ≠ ∅",
}

// window is one simulated terminal window with its own device and the
// full render stack.
type window struct {
	id    int
	title string

	dev      *device
	pool     *pool.Pool
	atlas    *atlas.Manager
	rot      *rotation.Manager
	tracker  *budget.Tracker
	pacer    *budget.Pacer
	renderer *render.QuadRenderer
	layout   *grid.Layout
	sched    *paint.Scheduler
	status   *status.Provider

	paced bool
	// presented holds buffers handed to the compositor this frame. They
	// are confirmed at the start of the next frame.
	presented []rotation.BufferID
	tabs      []string
	scroll    int
	// cols and rows are the window size in cells.
	cols, rows int

	frames     int
	partial    int
	aborted    int
	statusErrs int
}

func newWindow(id int, cfg *config.Config, provider *status.Provider, paced bool) (_ *window, err error) {
	dev, err := openDevice()
	if err != nil {
		return nil, err
	}
	w := &window{
		id:     id,
		title:  fmt.Sprintf("term-%d", id),
		dev:    dev,
		status: provider,
		paced:  paced,
	}
	defer func() {
		if err != nil {
			w.close()
		}
	}()

	width, height := cfg.Sim.Width, cfg.Sim.Height
	w.atlas, err = atlas.New(dev, dev.queue, cfg.AtlasConfig())
	if err != nil {
		return nil, fmt.Errorf("window %d: %w", id, err)
	}
	w.pool = pool.New(dev, cfg.PoolConfig())
	w.rot = rotation.New(dev, cfg.RotationConfig(width, height))
	w.tracker = budget.New(cfg.BudgetConfig())
	w.pacer = budget.NewPacer(cfg.Budget.RefreshHz)

	raster := glyph.New(nil)
	w.renderer = render.New(dev, dev.queue, w.atlas, raster, cfg.RenderConfig())

	cw, ch := raster.CellSize()
	w.cols, w.rows = width/cw, height/ch
	w.layout = grid.NewLayout(grid.New(width/cw, height/ch), cfg.LayoutConfig(cw, ch))
	w.layout.SetStatus(w.statusLine)
	w.layout.SetCursor(2, 0, true)
	for i := range cfg.Sim.Images {
		w.layout.PlaceImage(4+i*12, 1, gradient(64+32*i, 48, id+i))
	}

	opts := append([]paint.Option{
		paint.WithInvalidator(w.layout),
		paint.WithPresenter(rotation.PresenterFunc(w.present)),
		paint.WithWindow(gpucontext.NullWindowProvider{W: width, H: height, SF: 1}),
	}, cfg.SchedulerOptions()...)

	w.sched, err = paint.New(paint.Resources{
		Queue:    dev.queue,
		Pool:     w.pool,
		Atlas:    w.atlas,
		Rotation: w.rot,
		Budget:   w.tracker,
	}, w.renderer, w.layout, opts...)
	if err != nil {
		return nil, fmt.Errorf("window %d: %w", id, err)
	}
	return w, nil
}

// present is the compositor hand-off. It runs inside PaintFrame.
func (w *window) present(id rotation.BufferID, _ hal.TextureView) error {
	w.presented = append(w.presented, id)
	return nil
}

// confirm plays the compositor: everything presented last frame is now on
// screen.
func (w *window) confirm() {
	if len(w.presented) == 0 {
		return
	}
	for _, id := range w.presented {
		if err := w.rot.MarkDisplayed(id); err != nil {
			logger().Debug("confirm failed", "window", w.id, "buffer", id, "error", err)
		}
	}
	w.presented = w.presented[:0]
	w.pacer.RecordFeedback(budget.Feedback{
		PresentTime:     time.Now(),
		RefreshInterval: w.pacer.RefreshInterval(),
		Flags:           budget.FlagVSync | budget.FlagHWCompletion,
	})
}

// statusWindow must not call into the layout: it runs inside Layout.
func (w *window) statusWindow() status.Window {
	return status.Window{
		Title:   w.title,
		Cols:    w.cols,
		Rows:    w.rows,
		Tab:     w.id % 2,
		Quality: w.atlas.Quality().String(),
		Clock:   time.Now().Format("15:04:05"),
	}
}

// statusLine is called by the layout on every frame.
func (w *window) statusLine() string {
	fallback := fmt.Sprintf(" %s | frame %d | %s", w.title, w.frames, w.atlas.Quality())
	if w.status == nil {
		return fallback
	}
	text, err := w.status.Status(context.Background(), w.statusWindow())
	if err != nil {
		w.statusErrs++
		logger().Debug("status script failed", "window", w.id, "error", err)
		return fallback
	}
	return text
}

func (w *window) updateTabs(ctx context.Context) {
	tabs := []string{"shell", "logs"}
	if w.status != nil {
		if got, err := w.status.Tabs(ctx, w.statusWindow()); err == nil {
			tabs = got
		}
	}
	if slices.Equal(tabs, w.tabs) {
		return
	}
	w.tabs = tabs
	active := 0
	if len(tabs) > 0 {
		active = w.id % len(tabs)
	}
	w.layout.SetTabs(tabs, active)
}

// scrollOne prints the next scrollback line at the bottom of the grid.
func (w *window) scrollOne() {
	w.scroll++
	w.layout.Update(func(g *grid.Grid) {
		_, rows := g.Size()
		for row := range rows {
			i := (w.scroll + row) % len(scrollback)
			style := grid.DefaultStyle
			if i%4 == 0 {
				style.Underline = true
			}
			g.SetLine(row, scrollback[i], style)
		}
	})
}

// pace waits for the render start the pacer predicts for a typical frame.
func (w *window) pace(ctx context.Context) error {
	if !w.paced {
		return nil
	}
	d := time.Until(w.pacer.OptimalRenderStart(w.tracker.Stats().P95))
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// run paints frames until the count is reached or ctx is canceled.
// Aborted frames are counted, not returned.
func (w *window) run(ctx context.Context, frames int) error {
	for range frames {
		if err := w.pace(ctx); err != nil {
			return err
		}
		w.confirm()
		w.updateTabs(ctx)
		w.scrollOne()

		res, err := w.sched.PaintFrame(ctx)
		w.frames++
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			w.aborted++
			if !errors.Is(err, paint.ErrFrameAborted) {
				return fmt.Errorf("window %d: %w", w.id, err)
			}
			continue
		}
		if res.Partial {
			w.partial++
		}
	}
	return nil
}

func (w *window) report() windowReport {
	return windowReport{
		ID:         w.id,
		Title:      w.title,
		Frames:     w.frames,
		Partial:    w.partial,
		Aborted:    w.aborted,
		StatusErrs: w.statusErrs,
		Scheduler:  w.sched.Stats(),
		Atlas:      w.atlas.Stats(),
		Pool:       w.pool.Stats(),
		Rotation:   w.rot.Stats(),
		Budget:     w.tracker.Stats(),
		Pacer:      w.pacer.Stats(),
		Renderer:   w.renderer.Stats(),
		Layout:     w.layout.Stats(),
	}
}

func (w *window) close() {
	if w.renderer != nil {
		w.renderer.Close()
	}
	if w.rot != nil {
		w.rot.Close()
	}
	if w.pool != nil {
		w.pool.Close()
	}
	if w.atlas != nil {
		w.atlas.Close()
	}
	w.dev.close()
}

// gradient is a test image for the overlay layer.
func gradient(width, height, seed int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 255 / width),   //nolint:gosec // < 256
				G: uint8(y * 255 / height),  //nolint:gosec // < 256
				B: uint8((seed * 64) % 256), //nolint:gosec // < 256
				A: 255,
			})
		}
	}
	return img
}
