// Package grid holds terminal cell content and lays it out as paint
// layers.
//
// A Grid stores one grapheme cluster per cell. Clusters are found with the
// Unicode segmenter from go-text/typesetting, and East Asian wide and
// fullwidth clusters occupy two cells.
//
// Layout places the grid between an optional tab bar and status line and
// produces the quads of five layers:
//
//	background  window fill and cell backgrounds
//	text        one glyph quad per non-blank cell
//	tab-bar     top row, present when tabs are set
//	status      bottom row, present when a status function is set
//	overlay     cursor and images, skipped while frames run over budget
//
// Layers are cached per surface size. The scheduler invalidates them when
// the atlas is rebuilt or image quality changes.
package grid
