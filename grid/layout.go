package grid

import (
	"fmt"
	"image"
	"slices"
	"sync"

	"github.com/go-text/typesetting/segmenter"

	"github.com/gogpu/gridpaint"
	"github.com/gogpu/gridpaint/atlas"
	"github.com/gogpu/gridpaint/internal/cache"
	"github.com/gogpu/gridpaint/paint"
)

// layerSlots is the number of well-known layers Layout produces.
const layerSlots = int(gridpaint.LayerOverlay) + 1

// Palette holds the colors Layout uses for its own chrome.
type Palette struct {
	Background [4]float32
	TabBar     [4]float32
	TabActive  [4]float32
	TabText    [4]float32
	StatusBar  [4]float32
	StatusText [4]float32
	Cursor     [4]float32
}

// DefaultPalette is a dark theme.
var DefaultPalette = Palette{
	Background: [4]float32{0.08, 0.08, 0.10, 1},
	TabBar:     [4]float32{0.15, 0.15, 0.18, 1},
	TabActive:  [4]float32{0.25, 0.25, 0.32, 1},
	TabText:    [4]float32{0.80, 0.80, 0.85, 1},
	StatusBar:  [4]float32{0.12, 0.20, 0.30, 1},
	StatusText: [4]float32{0.90, 0.90, 0.90, 1},
	Cursor:     [4]float32{0.90, 0.90, 0.90, 0.5},
}

// LayoutConfig configures a Layout.
type LayoutConfig struct {
	// CellWidth and CellHeight are the cell size in pixels. They must match
	// the rasterizer the renderer uses.
	CellWidth  int
	CellHeight int

	Palette *Palette

	// CacheSize bounds the number of cached layer layouts. Defaults to 32.
	CacheSize int
}

func (c LayoutConfig) withDefaults() LayoutConfig {
	if c.CellWidth <= 0 {
		c.CellWidth = 7
	}
	if c.CellHeight <= 0 {
		c.CellHeight = 13
	}
	if c.Palette == nil {
		p := DefaultPalette
		c.Palette = &p
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 32
	}
	return c
}

// StatusFunc returns the text of the status line.
type StatusFunc func() string

// Layout turns a Grid and its window chrome into per-layer quads. It
// implements paint.LayoutSource and paint.Invalidator.
//
// Each layer's quads are cached per surface size and rebuilt only after
// the layer is invalidated, either by a mutation through Layout or by the
// scheduler after the atlas changed. The returned quads are shared with
// the cache and must not be modified.
//
// Layout is safe for concurrent use.
type Layout struct {
	mu  sync.Mutex
	cfg LayoutConfig

	grid *Grid
	// scratch lays out tab and status lines.
	scratch []Cell
	seg     segmenter.Segmenter

	tabs      []string
	activeTab int

	status     StatusFunc
	lastStatus string

	cursorCol, cursorRow int
	cursorVisible        bool

	images    map[uint32]placedImage
	nextImage uint32

	gens   [layerSlots]uint64
	layers *cache.Cache[layoutKey, []paint.Quad]
	builds uint64
}

type layoutKey struct {
	layer         gridpaint.LayerID
	width, height int
}

type placedImage struct {
	col, row int
	img      image.Image
}

// NewLayout creates a layout drawing g.
func NewLayout(g *Grid, cfg LayoutConfig) *Layout {
	cfg = cfg.withDefaults()
	if g == nil {
		g = New(80, 24)
	}
	return &Layout{
		cfg:    cfg,
		grid:   g,
		images: make(map[uint32]placedImage),
		layers: cache.New[layoutKey, []paint.Quad](cfg.CacheSize),
	}
}

// Update runs fn with the grid and invalidates the grid layers.
func (l *Layout) Update(fn func(*Grid)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.grid)
	l.bumpLocked(gridpaint.LayerBackground)
	l.bumpLocked(gridpaint.LayerText)
}

// GridSize returns the grid size as of the last Layout.
func (l *Layout) GridSize() (cols, rows int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grid.Size()
}

// SetTabs replaces the tab bar. An empty list hides it.
func (l *Layout) SetTabs(names []string, active int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tabs = append(l.tabs[:0], names...)
	l.activeTab = active
	l.bumpAllLocked()
}

// SetStatus sets the function providing the status line. Nil hides it.
// The function is called on every Layout; the status layer is rebuilt
// when its text changes.
func (l *Layout) SetStatus(fn StatusFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = fn
	l.lastStatus = ""
	l.bumpAllLocked()
}

// SetCursor moves the cursor. It is drawn on the overlay layer.
func (l *Layout) SetCursor(col, row int, visible bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursorCol, l.cursorRow, l.cursorVisible = col, row, visible
	l.bumpLocked(gridpaint.LayerOverlay)
}

// PlaceImage shows img with its top-left corner at the given cell and
// returns its id. Images are drawn on the overlay layer at the atlas
// quality of the frame.
func (l *Layout) PlaceImage(col, row int, img image.Image) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextImage++
	l.images[l.nextImage] = placedImage{col: col, row: row, img: img}
	l.bumpLocked(gridpaint.LayerOverlay)
	return l.nextImage
}

// RemoveImage removes an image placed with PlaceImage.
func (l *Layout) RemoveImage(id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.images[id]; ok {
		delete(l.images, id)
		l.bumpLocked(gridpaint.LayerOverlay)
	}
}

// InvalidateLayer implements paint.Invalidator.
func (l *Layout) InvalidateLayer(layer gridpaint.LayerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bumpLocked(layer)
}

func (l *Layout) bumpLocked(layer gridpaint.LayerID) {
	if int(layer) < layerSlots {
		l.gens[layer]++
	}
}

// bumpAllLocked is used when the rows available to the grid change.
func (l *Layout) bumpAllLocked() {
	for i := range l.gens {
		l.gens[i]++
	}
}

// Layout implements paint.LayoutSource. The grid is resized to the rows
// left between the tab bar and the status line.
func (l *Layout) Layout(width, height int) []paint.LayerDesc {
	l.mu.Lock()
	defer l.mu.Unlock()

	cw, ch := l.cfg.CellWidth, l.cfg.CellHeight
	cols, rows := width/cw, height/ch
	if cols <= 0 || rows <= 0 {
		return nil
	}

	tabRows, statusRows := 0, 0
	if len(l.tabs) > 0 && rows > 1 {
		tabRows = 1
	}
	if l.status != nil && rows-tabRows > 1 {
		statusRows = 1
		if text := l.status(); text != l.lastStatus {
			l.lastStatus = text
			l.bumpLocked(gridpaint.LayerStatus)
		}
	}
	textRows := rows - tabRows - statusRows

	if gc, gr := l.grid.Size(); gc != cols || gr != textRows {
		l.grid.Resize(cols, textRows)
		l.bumpLocked(gridpaint.LayerBackground)
		l.bumpLocked(gridpaint.LayerText)
	}

	top := float32(tabRows * ch)
	descs := []paint.LayerDesc{
		{Layer: gridpaint.LayerBackground, Quads: l.cached(gridpaint.LayerBackground, width, height, func() []paint.Quad {
			return l.backgroundQuads(width, height, top)
		})},
		{Layer: gridpaint.LayerText, Quads: l.cached(gridpaint.LayerText, width, height, func() []paint.Quad {
			return l.textQuads(top)
		})},
	}
	if tabRows > 0 {
		descs = append(descs, paint.LayerDesc{Layer: gridpaint.LayerTabBar, Quads: l.cached(gridpaint.LayerTabBar, width, height, func() []paint.Quad {
			return l.tabQuads(cols)
		})})
	}
	if statusRows > 0 {
		y := float32((rows - 1) * ch)
		descs = append(descs, paint.LayerDesc{Layer: gridpaint.LayerStatus, Quads: l.cached(gridpaint.LayerStatus, width, height, func() []paint.Quad {
			return l.statusQuads(cols, y)
		})})
	}
	if l.cursorVisible || len(l.images) > 0 {
		descs = append(descs, paint.LayerDesc{
			Layer: gridpaint.LayerOverlay,
			Quads: l.cached(gridpaint.LayerOverlay, width, height, func() []paint.Quad {
				return l.overlayQuads(top, textRows)
			}),
			Optional: true,
		})
	}
	return descs
}

func (l *Layout) cached(layer gridpaint.LayerID, width, height int, build func() []paint.Quad) []paint.Quad {
	key := layoutKey{layer: layer, width: width, height: height}
	return l.layers.GetOrCreate(key, l.gens[layer], func() []paint.Quad {
		l.builds++
		return build()
	})
}

func (l *Layout) backgroundQuads(width, height int, top float32) []paint.Quad {
	quads := []paint.Quad{{W: float32(width), H: float32(height), Color: l.cfg.Palette.Background}}
	cw, ch := float32(l.cfg.CellWidth), float32(l.cfg.CellHeight)
	cols, rows := l.grid.Size()
	for row := range rows {
		// Adjacent cells with the same background share one quad.
		start := -1
		var bg [4]float32
		flush := func(end int) {
			if start >= 0 {
				quads = append(quads, paint.Quad{
					X: float32(start) * cw, Y: top + float32(row)*ch,
					W: float32(end-start) * cw, H: ch,
					Color: bg,
				})
			}
			start = -1
		}
		for col := range cols {
			c := l.grid.Cell(col, row)
			switch {
			case c.BG[3] == 0:
				flush(col)
			case start < 0:
				start, bg = col, c.BG
			case c.BG != bg:
				flush(col)
				start, bg = col, c.BG
			}
		}
		flush(cols)
	}
	return quads
}

func (l *Layout) textQuads(top float32) []paint.Quad {
	cols, rows := l.grid.Size()
	quads := make([]paint.Quad, 0, cols*rows/2)
	for row := range rows {
		for col := range cols {
			c := l.grid.Cell(col, row)
			if c.Blank() {
				continue
			}
			quads = append(quads, l.glyphQuad(c, col, top+float32(row*l.cfg.CellHeight)))
		}
	}
	return quads
}

func (l *Layout) glyphQuad(c Cell, col int, y float32) paint.Quad {
	cw := float32(l.cfg.CellWidth)
	return paint.Quad{
		X: float32(col) * cw, Y: y,
		W: float32(c.Width) * cw, H: float32(l.cfg.CellHeight),
		Glyph:     atlas.GlyphKey{Rune: c.Rune(), Cells: uint8(c.Width)}, //nolint:gosec // width is 1 or 2
		Color:     c.FG,
		Underline: c.Underline,
	}
}

// lineQuads lays out s on one line at y, clipped to cols.
func (l *Layout) lineQuads(dst []paint.Quad, s string, style Style, startCol, cols int, y float32) []paint.Quad {
	if startCol >= cols {
		return dst
	}
	l.scratch = appendCells(&l.seg, l.scratch[:0], s, style, cols-startCol)
	for i, c := range l.scratch {
		if !c.Blank() {
			dst = append(dst, l.glyphQuad(c, startCol+i, y))
		}
	}
	return dst
}

func (l *Layout) tabQuads(cols int) []paint.Quad {
	pal := l.cfg.Palette
	cw, ch := float32(l.cfg.CellWidth), float32(l.cfg.CellHeight)
	quads := []paint.Quad{{W: float32(cols) * cw, H: ch, Color: pal.TabBar}}

	col := 0
	for i, name := range l.tabs {
		label := " " + name + " "
		w := min(StringWidth(label), cols-col)
		if w <= 0 {
			break
		}
		if i == l.activeTab {
			quads = append(quads, paint.Quad{X: float32(col) * cw, W: float32(w) * cw, H: ch, Color: pal.TabActive})
		}
		quads = l.lineQuads(quads, label, Style{FG: pal.TabText}, col, cols, 0)
		col += w + 1
	}
	return quads
}

func (l *Layout) statusQuads(cols int, y float32) []paint.Quad {
	pal := l.cfg.Palette
	cw, ch := float32(l.cfg.CellWidth), float32(l.cfg.CellHeight)
	quads := []paint.Quad{{Y: y, W: float32(cols) * cw, H: ch, Color: pal.StatusBar}}
	return l.lineQuads(quads, l.lastStatus, Style{FG: pal.StatusText}, 0, cols, y)
}

func (l *Layout) overlayQuads(top float32, textRows int) []paint.Quad {
	cw, ch := float32(l.cfg.CellWidth), float32(l.cfg.CellHeight)
	var quads []paint.Quad

	// Images in id order so that later placements draw on top.
	ids := make([]uint32, 0, len(l.images))
	for id := range l.images {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		p := l.images[id]
		if p.img == nil || p.row >= textRows {
			continue
		}
		b := p.img.Bounds()
		quads = append(quads, paint.Quad{
			X: float32(p.col) * cw, Y: top + float32(p.row)*ch,
			W: float32(b.Dx()), H: float32(b.Dy()),
			Glyph: atlas.GlyphKey{Image: id},
			Color: [4]float32{1, 1, 1, 1},
			Image: p.img,
		})
	}

	if l.cursorVisible && l.cursorRow < textRows {
		quads = append(quads, paint.Quad{
			X: float32(l.cursorCol) * cw, Y: top + float32(l.cursorRow)*ch,
			W: cw, H: ch,
			Color: l.cfg.Palette.Cursor,
		})
	}
	return quads
}

// Stats returns layout statistics.
func (l *Layout) Stats() LayoutStats {
	l.mu.Lock()
	builds := l.builds
	l.mu.Unlock()
	cs := l.layers.Stats()
	return LayoutStats{Builds: builds, Hits: cs.Hits, Stale: cs.Stale, Cached: cs.Len}
}

// LayoutStats contains layout statistics.
type LayoutStats struct {
	// Builds counts layer layouts computed.
	Builds uint64
	// Hits counts layer layouts served from the cache.
	Hits  uint64
	Stale uint64
	// Cached is the number of cached layer layouts.
	Cached int
}

func (s LayoutStats) String() string {
	return fmt.Sprintf("Layout[builds=%d hits=%d stale=%d cached=%d]", s.Builds, s.Hits, s.Stale, s.Cached)
}
