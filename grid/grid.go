package grid

import (
	"github.com/go-text/typesetting/segmenter"
	"golang.org/x/text/width"
)

// Cell is one grid position. A wide character occupies its cell with
// Width 2 and the next cell with Width 0.
type Cell struct {
	// Text is one grapheme cluster, empty for a blank cell.
	Text      string
	Width     int
	FG        [4]float32
	BG        [4]float32
	Underline bool
}

// Rune returns the first rune of the cell's cluster, or 0 for a blank.
func (c Cell) Rune() rune {
	for _, r := range c.Text {
		return r
	}
	return 0
}

// Blank reports whether the cell draws no glyph.
func (c Cell) Blank() bool {
	return c.Text == "" || c.Text == " " || c.Width == 0
}

// Style is applied to text written with SetLine.
type Style struct {
	FG        [4]float32
	BG        [4]float32
	Underline bool
}

// DefaultStyle is light grey on transparent.
var DefaultStyle = Style{FG: [4]float32{0.85, 0.85, 0.85, 1}}

// Grid is a fixed-size matrix of cells. Grid is not safe for concurrent
// use; Layout serializes access to the grid it owns.
type Grid struct {
	cols  int
	rows  int
	cells []Cell

	seg segmenter.Segmenter
}

// New creates a blank grid.
func New(cols, rows int) *Grid {
	cols, rows = max(cols, 1), max(rows, 1)
	g := &Grid{cols: cols, rows: rows, cells: make([]Cell, cols*rows)}
	g.Clear()
	return g
}

// Size returns the number of columns and rows.
func (g *Grid) Size() (cols, rows int) { return g.cols, g.rows }

// Cell returns the cell at col, row. Positions outside the grid return a
// blank cell.
func (g *Grid) Cell(col, row int) Cell {
	if col < 0 || row < 0 || col >= g.cols || row >= g.rows {
		return Cell{Width: 1}
	}
	return g.cells[row*g.cols+col]
}

// Clear blanks every cell.
func (g *Grid) Clear() {
	for i := range g.cells {
		g.cells[i] = Cell{Width: 1}
	}
}

// Resize changes the grid size, keeping the overlapping cells.
func (g *Grid) Resize(cols, rows int) {
	cols, rows = max(cols, 1), max(rows, 1)
	if cols == g.cols && rows == g.rows {
		return
	}
	cells := make([]Cell, cols*rows)
	for i := range cells {
		cells[i] = Cell{Width: 1}
	}
	for r := range min(rows, g.rows) {
		copy(cells[r*cols:r*cols+min(cols, g.cols)], g.cells[r*g.cols:])
	}
	g.cols, g.rows, g.cells = cols, rows, cells
}

// SetLine replaces row with s, split into grapheme clusters. Wide clusters
// take two cells and a wide cluster that would straddle the right edge
// ends the line. Text past the last column is dropped. Returns the number
// of columns written.
func (g *Grid) SetLine(row int, s string, style Style) int {
	if row < 0 || row >= g.rows {
		return 0
	}
	line := g.cells[row*g.cols : (row+1)*g.cols]
	n := len(appendCells(&g.seg, line[:0], s, style, g.cols))
	for i := n; i < len(line); i++ {
		line[i] = Cell{Width: 1, BG: style.BG}
	}
	return n
}

// appendCells appends the clusters of s to dst until dst holds limit
// cells.
func appendCells(seg *segmenter.Segmenter, dst []Cell, s string, style Style, limit int) []Cell {
	if s == "" {
		return dst
	}
	seg.InitWithString(s)
	iter := seg.GraphemeIterator()
	for len(dst) < limit && iter.Next() {
		cluster := iter.Grapheme().Text
		w := clusterWidth(cluster)
		if len(dst)+w > limit {
			break
		}
		dst = append(dst, Cell{
			Text:      string(cluster),
			Width:     w,
			FG:        style.FG,
			BG:        style.BG,
			Underline: style.Underline,
		})
		if w == 2 {
			dst = append(dst, Cell{Width: 0, BG: style.BG})
		}
	}
	return dst
}

// StringWidth returns the number of cells s occupies.
func StringWidth(s string) int {
	var seg segmenter.Segmenter
	seg.InitWithString(s)
	iter := seg.GraphemeIterator()
	n := 0
	for iter.Next() {
		n += clusterWidth(iter.Grapheme().Text)
	}
	return n
}

// clusterWidth returns 2 for East Asian wide and fullwidth clusters and 1
// otherwise. The first rune decides; combining marks never widen a cell.
func clusterWidth(cluster []rune) int {
	if len(cluster) == 0 {
		return 1
	}
	switch width.LookupRune(cluster[0]).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return 2
	default:
		return 1
	}
}
