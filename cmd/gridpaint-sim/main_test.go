package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gridpaint"
	"github.com/gogpu/gridpaint/config"
	"github.com/gogpu/gridpaint/status"
	"github.com/gogpu/gridpaint/rotation"
)

const testScript = `
function status(w)
  return string.format("%s %s %dx%d", w.title, w.quality, w.cols, w.rows)
end

function tabs(w)
  return { "zsh", "vim", "htop" }
end
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunReports(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), options{frames: 5}, &out, io.Discard)
	require.NoError(t, err)

	report := out.String()
	assert.Contains(t, report, "gridpaint-sim report")
	assert.Contains(t, report, "window 0 (term-0)")
	assert.Contains(t, report, "window 1 (term-1)")
	assert.Contains(t, report, "Scheduler[5 frames")
	assert.NotContains(t, report, "script")
}

func TestRunWithConfigAndScript(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "status.lua", testScript)
	cfgPath := writeFile(t, dir, "sim.yaml", `
sim:
  windows: 1
  frames: 4
  width: 320
  height: 130
  images: 0
atlas:
  initial_size: 64
`)

	var out bytes.Buffer
	err := run(context.Background(), options{configPath: cfgPath, script: script}, &out, io.Discard)
	require.NoError(t, err)

	report := out.String()
	assert.Contains(t, report, "window 0")
	assert.NotContains(t, report, "window 1")
	assert.Contains(t, report, "Scheduler[4 frames")
	assert.Contains(t, report, "Status[gen=1")
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()

	err := run(context.Background(), options{configPath: filepath.Join(dir, "missing.toml")}, io.Discard, io.Discard)
	require.Error(t, err)

	bad := writeFile(t, dir, "bad.toml", "[sim]\nwindows = 0\n")
	err = run(context.Background(), options{configPath: bad}, io.Discard, io.Discard)
	require.ErrorIs(t, err, config.ErrInvalid)

	err = run(context.Background(), options{script: filepath.Join(dir, "missing.lua")}, io.Discard, io.Discard)
	require.Error(t, err)

	broken := writeFile(t, dir, "broken.lua", "function status(")
	err = run(context.Background(), options{script: broken}, io.Discard, io.Discard)
	require.Error(t, err)
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	require.NoError(t, run(ctx, options{frames: 1000}, &out, io.Discard))
	assert.Contains(t, out.String(), "gridpaint-sim report")
}

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := loadConfig(options{frames: 7, script: "x.lua", verbose: true})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sim.Frames)
	assert.Equal(t, "x.lua", cfg.Status.Script)
	assert.Equal(t, "DEBUG", cfg.Log.Level.String())
}

func TestWindowConfirmsOneFrameLater(t *testing.T) {
	cfg := config.Default()
	cfg.Sim.Images = 0
	w, err := newWindow(0, &cfg, nil, false)
	require.NoError(t, err)
	defer w.close()

	require.NoError(t, w.run(context.Background(), 1))
	require.NotEmpty(t, w.presented, "first frame is still with the compositor")
	for _, id := range w.presented {
		assert.Contains(t, w.rot.States(id.Layer), rotation.StateQueued)
	}
	layer := w.presented[0].Layer

	require.NoError(t, w.run(context.Background(), 1))
	assert.Contains(t, w.rot.States(layer), rotation.StateDisplayed)
	assert.Equal(t, uint64(1), w.pacer.Stats().Feedbacks)
	assert.Equal(t, []string{"shell", "logs"}, w.tabs)
}

func TestWindowStatusFallback(t *testing.T) {
	p, err := status.New(`function status(w) error("no") end`, status.Config{})
	require.NoError(t, err)
	defer p.Close()

	cfg := config.Default()
	w, err := newWindow(1, &cfg, p, false)
	require.NoError(t, err)
	defer w.close()

	assert.Contains(t, w.statusLine(), "term-1")
	assert.Equal(t, 1, w.statusErrs)
}

func TestWatchReloadsScript(t *testing.T) {
	gridpaint.SetLogger(nil)
	dir := t.TempDir()
	path := writeFile(t, dir, "status.lua", `function status(w) return "one" end`)

	p, err := status.New(`function status(w) return "one" end`, status.Config{})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- watchScript(ctx, p, path, ready) }()
	<-ready

	require.NoError(t, os.WriteFile(path, []byte(`function status(w) return "two" end`), 0o600))
	require.Eventually(t, func() bool {
		got, err := p.Status(context.Background(), status.Window{})
		return err == nil && got == "two"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestGradient(t *testing.T) {
	img := gradient(32, 16, 1)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())
	c := img.RGBAAt(31, 15)
	assert.Equal(t, uint8(255), c.A)
	assert.Greater(t, c.R, uint8(200))
}
