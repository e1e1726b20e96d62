// Package cache provides a generic LRU cache with generation stamps.
//
// Every entry remembers the generation it was stored under and a lookup
// only hits for the same generation. Callers keep their own counters and
// bump them to invalidate everything built from older state:
//
//	c := cache.New[gridpaint.LayerID, []paint.Quad](8)
//	quads := c.GetOrCreate(layer, gens[layer], build)
//	gens[layer]++ // the next lookup rebuilds
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache
