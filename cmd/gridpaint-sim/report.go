package main

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"

	"github.com/gogpu/gridpaint/atlas"
	"github.com/gogpu/gridpaint/budget"
	"github.com/gogpu/gridpaint/grid"
	"github.com/gogpu/gridpaint/status"
	"github.com/gogpu/gridpaint/paint"
	"github.com/gogpu/gridpaint/pool"
	"github.com/gogpu/gridpaint/render"
	"github.com/gogpu/gridpaint/rotation"
)

// windowReport is the end-of-run summary of one window.
type windowReport struct {
	ID         int
	Title      string
	Frames     int
	Partial    int
	Aborted    int
	StatusErrs int

	Scheduler paint.Stats
	Atlas     atlas.Stats
	Pool      pool.Stats
	Rotation  rotation.Stats
	Budget    budget.Stats
	Pacer     budget.PacerStats
	Renderer  render.Stats
	Layout    grid.LayoutStats
}

// verdict is the one-word health of a window.
func (r *windowReport) verdict() string {
	switch {
	case r.Aborted > 0:
		return "aborted frames"
	case r.Partial > 0:
		return "degraded"
	default:
		return "ok"
	}
}

func writeReport(w io.Writer, reports []windowReport, script *status.Stats) {
	out := termenv.NewOutput(w)
	colors := map[string]termenv.Color{
		"ok":             out.Color("2"),
		"degraded":       out.Color("3"),
		"aborted frames": out.Color("1"),
	}
	label := func(s string) string {
		return out.String(fmt.Sprintf("  %-10s", s)).Faint().String()
	}

	fmt.Fprintln(w, out.String("gridpaint-sim report").Bold())
	for i := range reports {
		r := &reports[i]
		v := r.verdict()
		fmt.Fprintf(w, "%s %s\n",
			out.String(fmt.Sprintf("window %d (%s)", r.ID, r.Title)).Bold(),
			out.String(v).Foreground(colors[v]))
		fmt.Fprintf(w, "%s %d frames, %d partial, %d aborted\n", label("frames"), r.Frames, r.Partial, r.Aborted)
		fmt.Fprintf(w, "%s %s\n", label("scheduler"), r.Scheduler)
		fmt.Fprintf(w, "%s %s\n", label("atlas"), r.Atlas)
		fmt.Fprintf(w, "%s %s\n", label("pool"), r.Pool)
		fmt.Fprintf(w, "%s %s\n", label("rotation"), r.Rotation)
		fmt.Fprintf(w, "%s %s\n", label("budget"), r.Budget)
		fmt.Fprintf(w, "%s %s\n", label("pacer"), r.Pacer)
		fmt.Fprintf(w, "%s %s\n", label("renderer"), r.Renderer)
		fmt.Fprintf(w, "%s %s\n", label("layout"), r.Layout)
		if r.StatusErrs > 0 {
			fmt.Fprintf(w, "%s %s\n", label("status"),
				out.String(fmt.Sprintf("%d script errors", r.StatusErrs)).Foreground(colors["degraded"]))
		}
	}
	if script != nil {
		fmt.Fprintf(w, "%s %s\n", label("script"), script)
	}
}
