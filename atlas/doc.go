// Package atlas manages the glyph and image atlas texture of a window.
//
// Entries are packed with a shelf allocator into a square RGBA texture.
// When the atlas is full, Insert returns an *OutOfSpaceError carrying the
// side length that would hold the entry. The caller decides how to grow:
//
//   - Grow reallocates immediately and copies the old texels into the new
//     texture. Used by the first pass of a frame.
//   - RequestGrowth records a single pending target; the next frame applies
//     it with ApplyPendingGrowth before any pass runs. Repeated requests
//     while a target is pending are ignored.
//
// While a growth is pending, DegradeOneStep walks the Quality ladder
// (Full, Scale2, Scale4, Scale8, Suppressed) at most one step per frame.
// A completed growth resets the ladder to Full.
//
// Textures replaced by growth stay alive until Collect observes that the
// GPU finished the copy out of them.
package atlas
