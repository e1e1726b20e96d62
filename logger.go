package gridpaint

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// ComponentKey is the attribute naming the sub-package a record comes
// from.
const ComponentKey = "component"

// logState is the active logger and the component loggers derived from
// it. SetLogger replaces the whole state, so a component logger never
// outlives the logger it was derived from.
type logState struct {
	base       *slog.Logger
	components sync.Map // string -> *slog.Logger
}

// state is accessed atomically so that SetLogger can be called while
// windows render on other goroutines.
var state atomic.Pointer[logState]

func init() {
	state.Store(&logState{base: newNopLogger()})
}

// SetLogger configures the logger for gridpaint and all its sub-packages.
// By default, gridpaint produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the default
// silent behavior.
//
// Log levels used by gridpaint:
//   - [slog.LevelDebug]: per-frame diagnostics (pass outcomes, allocations)
//   - [slog.LevelInfo]: periodic statistics summaries
//   - [slog.LevelWarn]: rate-limited resource pressure events (deferred
//     atlas growth, quality degradation, rotation starvation)
//
// Example:
//
//	gridpaint.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	state.Store(&logState{base: l})
}

// Logger returns the current logger used by gridpaint.
func Logger() *slog.Logger {
	return state.Load().base
}

// LoggerFor returns the current logger with the ComponentKey attribute set
// to component. Sub-packages (pool/, atlas/, rotation/, paint/, ...) log
// through it so that a single SetLogger call configures the whole module
// and every record names its source. The derived logger is built once per
// component and SetLogger call.
func LoggerFor(component string) *slog.Logger {
	st := state.Load()
	if l, ok := st.components.Load(component); ok {
		return l.(*slog.Logger)
	}
	l, _ := st.components.LoadOrStore(component, st.base.With(ComponentKey, component))
	return l.(*slog.Logger)
}
