// Package status runs the user's Lua script that produces status-line and
// tab-bar text.
//
// A script defines either or both of
//
//	function status(window) return "..." end
//	function tabs(window) return { "shell", "logs" } end
//
// where window is a table with the fields of Window. Results are cached per
// Window value; Reload swaps the script and invalidates every result.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/gogpu/gridpaint"
	"github.com/gogpu/gridpaint/internal/cache"
)

// Errors returned by Provider.
var (
	// ErrNoFunction is returned when the script does not define the
	// function being called.
	ErrNoFunction = errors.New("status: script does not define function")

	// ErrBadResult is returned when a script function returns a value of
	// the wrong type.
	ErrBadResult = errors.New("status: unexpected result type")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("status: provider closed")
)

// Function names looked up in the script.
const (
	StatusFunc = "status"
	TabsFunc   = "tabs"
)

// Window is the input passed to script functions. It is comparable and
// used as the cache key, so it should only carry what the script needs.
type Window struct {
	Title   string
	Cols    int
	Rows    int
	Tab     int
	Quality string
	// Clock is the displayed wall time, truncated by the caller to the
	// resolution the status line shows.
	Clock string
}

// Config holds configuration for a Provider.
type Config struct {
	// Timeout bounds one script call. Defaults to 50ms.
	Timeout time.Duration

	// CacheSize bounds the number of cached results. Defaults to 64.
	CacheSize int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 50 * time.Millisecond
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 64
	}
	return c
}

type callKey struct {
	fn string
	w  Window
}

// Provider evaluates a status script. Calls are serialized because a Lua
// state is single-threaded.
type Provider struct {
	mu     sync.Mutex
	cfg    Config
	state  *lua.LState
	gen    uint64
	closed bool

	results *cache.Cache[callKey, []string]

	calls  uint64
	errors uint64
}

// New compiles src and returns a provider running it.
func New(src string, cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()
	state, err := compile(src)
	if err != nil {
		return nil, err
	}
	return &Provider{
		cfg:     cfg,
		state:   state,
		gen:     1,
		results: cache.New[callKey, []string](cfg.CacheSize),
	}, nil
}

// compile runs src in a fresh state with the base, string, table and math
// libraries.
func compile(src string) (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.TabLibName, lua.OpenTable},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("status: load script: %w", err)
	}
	return L, nil
}

// Reload replaces the script. On error the previous script stays active.
func (p *Provider) Reload(src string) error {
	state, err := compile(src)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		state.Close()
		return ErrClosed
	}
	p.state.Close()
	p.state = state
	p.gen++

	logger().Debug("script reloaded", "generation", p.gen)
	return nil
}

// Generation returns a counter that changes on every successful Reload.
func (p *Provider) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// Status calls status(window).
func (p *Provider) Status(ctx context.Context, w Window) (string, error) {
	out, err := p.call(ctx, StatusFunc, w)
	if err != nil {
		return "", err
	}
	return out[0], nil
}

// Tabs calls tabs(window).
func (p *Provider) Tabs(ctx context.Context, w Window) ([]string, error) {
	return p.call(ctx, TabsFunc, w)
}

func (p *Provider) call(ctx context.Context, fn string, w Window) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	key := callKey{fn: fn, w: w}
	if out, ok := p.results.Get(key, p.gen); ok {
		return slices.Clone(out), nil
	}

	p.calls++
	out, err := p.invokeLocked(ctx, fn, w)
	if err != nil {
		p.errors++
		return nil, err
	}
	p.results.Set(key, p.gen, out)
	return slices.Clone(out), nil
}

func (p *Provider) invokeLocked(ctx context.Context, fn string, w Window) ([]string, error) {
	L := p.state
	f, ok := L.GetGlobal(fn).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFunction, fn)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{Fn: f, NRet: 1, Protect: true}, windowTable(L, w)); err != nil {
		return nil, fmt.Errorf("status: %s(): %w", fn, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case lua.LString:
		return []string{string(v)}, nil
	case lua.LNumber:
		return []string{v.String()}, nil
	case *lua.LTable:
		if fn == StatusFunc {
			break
		}
		out := make([]string, 0, v.Len())
		for i := 1; i <= v.Len(); i++ {
			out = append(out, lua.LVAsString(v.RawGetInt(i)))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s() returned %s", ErrBadResult, fn, ret.Type())
}

func windowTable(L *lua.LState, w Window) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("title", lua.LString(w.Title))
	t.RawSetString("cols", lua.LNumber(w.Cols))
	t.RawSetString("rows", lua.LNumber(w.Rows))
	t.RawSetString("tab", lua.LNumber(w.Tab))
	t.RawSetString("quality", lua.LString(w.Quality))
	t.RawSetString("clock", lua.LString(w.Clock))
	return t
}

// Close releases the Lua state.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.state.Close()
	p.results.Clear()
}

// Stats returns provider statistics.
func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs := p.results.Stats()
	return Stats{
		Generation: p.gen,
		Calls:      p.calls,
		Errors:     p.errors,
		Hits:       cs.Hits,
		Stale:      cs.Stale,
	}
}

// Stats contains provider statistics.
type Stats struct {
	Generation uint64
	// Calls counts script invocations, cache hits excluded.
	Calls  uint64
	Errors uint64
	Hits   uint64
	Stale  uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("Status[gen=%d calls=%d errors=%d hits=%d stale=%d]",
		s.Generation, s.Calls, s.Errors, s.Hits, s.Stale)
}

func logger() *slog.Logger { return gridpaint.LoggerFor("status") }
