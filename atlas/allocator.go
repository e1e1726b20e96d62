package atlas

import (
	"fmt"
	"slices"
)

// Region is a rectangular area of the atlas texture.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// IsValid returns true if the region has positive dimensions.
func (r Region) IsValid() bool {
	return r.Width > 0 && r.Height > 0
}

// String returns a string representation of the region.
func (r Region) String() string {
	return fmt.Sprintf("Region(%d,%d %dx%d)", r.X, r.Y, r.Width, r.Height)
}

// shelf is one horizontal strip of the shelf packer.
type shelf struct {
	y      int // top edge
	height int // tallest item placed so far, padding included
	nextX  int // next free x position
}

// ShelfAllocator packs rectangles into horizontal shelves. A rectangle goes
// onto the first shelf with room, otherwise a new shelf opens below the
// last one.
//
// Growing the allocator widens every shelf and adds vertical room while
// keeping existing regions where they are, so a grown atlas only needs the
// old texels copied to the same coordinates.
//
// ShelfAllocator is not safe for concurrent use; Manager guards it.
type ShelfAllocator struct {
	width   int
	height  int
	padding int

	shelves []shelf

	allocCount int
	usedArea   int
}

// NewShelfAllocator creates an allocator for a width x height area.
func NewShelfAllocator(width, height, padding int) *ShelfAllocator {
	if padding < 0 {
		padding = 0
	}
	return &ShelfAllocator{
		width:   width,
		height:  height,
		padding: padding,
		shelves: make([]shelf, 0, 16),
	}
}

// Allocate finds space for a width x height rectangle.
// Returns an invalid region if it does not fit.
func (a *ShelfAllocator) Allocate(width, height int) Region {
	if width <= 0 || height <= 0 {
		return Region{}
	}

	pw := width + a.padding
	ph := height + a.padding
	if pw > a.width || ph > a.height {
		return Region{}
	}

	for i := range a.shelves {
		s := &a.shelves[i]
		if s.nextX+pw > a.width {
			continue
		}
		// A shelf that already holds items cannot get taller, except the
		// last one when there is room below it.
		if ph > s.height && s.nextX > 0 {
			if i != len(a.shelves)-1 || s.y+ph > a.height {
				continue
			}
		}
		return a.place(s, width, height, pw, ph)
	}

	y := 0
	if n := len(a.shelves); n > 0 {
		last := a.shelves[n-1]
		y = last.y + last.height
	}
	if y+ph > a.height {
		return Region{}
	}
	a.shelves = append(a.shelves, shelf{y: y})
	return a.place(&a.shelves[len(a.shelves)-1], width, height, pw, ph)
}

func (a *ShelfAllocator) place(s *shelf, width, height, pw, ph int) Region {
	r := Region{X: s.nextX, Y: s.y, Width: width, Height: height}
	s.nextX += pw
	if ph > s.height {
		s.height = ph
	}
	a.allocCount++
	a.usedArea += width * height
	return r
}

// Grow enlarges the packing area. Shrinking is ignored.
func (a *ShelfAllocator) Grow(width, height int) {
	if width > a.width {
		a.width = width
	}
	if height > a.height {
		a.height = height
	}
}

// Fits reports whether a width x height rectangle could ever be placed in
// an empty allocator of the given side length.
func (a *ShelfAllocator) Fits(width, height, side int) bool {
	return width+a.padding <= side && height+a.padding <= side
}

// clone returns an independent copy for trial packing.
func (a *ShelfAllocator) clone() *ShelfAllocator {
	c := *a
	c.shelves = slices.Clone(a.shelves)
	return &c
}

// Reset clears all allocations.
func (a *ShelfAllocator) Reset() {
	a.shelves = a.shelves[:0]
	a.allocCount = 0
	a.usedArea = 0
}

// Size returns the packing area dimensions.
func (a *ShelfAllocator) Size() (width, height int) {
	return a.width, a.height
}

// AllocCount returns the number of successful allocations.
func (a *ShelfAllocator) AllocCount() int { return a.allocCount }

// Utilization returns the fraction of area used (0.0 to 1.0).
func (a *ShelfAllocator) Utilization() float64 {
	total := a.width * a.height
	if total == 0 {
		return 0
	}
	return float64(a.usedArea) / float64(total)
}
