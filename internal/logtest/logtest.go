// Package logtest captures slog records in tests.
package logtest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

type store struct {
	mu      sync.Mutex
	records []slog.Record
}

// Recorder is a slog.Handler that keeps every record it receives.
// Handlers derived through WithAttrs share the same records.
type Recorder struct {
	s     *store
	attrs []slog.Attr
}

// New returns a logger writing to a fresh Recorder at debug level.
func New() (*slog.Logger, *Recorder) {
	r := &Recorder{s: &store{}}
	return slog.New(r), r
}

func (r *Recorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *Recorder) Handle(_ context.Context, rec slog.Record) error {
	rec = rec.Clone()
	rec.AddAttrs(r.attrs...)
	r.s.mu.Lock()
	r.s.records = append(r.s.records, rec)
	r.s.mu.Unlock()
	return nil
}

func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	all := append(append([]slog.Attr(nil), r.attrs...), attrs...)
	return &Recorder{s: r.s, attrs: all}
}

func (r *Recorder) WithGroup(string) slog.Handler { return r }

// Count returns how many records at level contain substr in their message.
func (r *Recorder) Count(level slog.Level, substr string) int {
	return r.count(func(rec slog.Record) bool {
		return rec.Level == level && strings.Contains(rec.Message, substr)
	})
}

// CountAttr returns how many records carry the string attribute key=value.
func (r *Recorder) CountAttr(key, value string) int {
	return r.count(func(rec slog.Record) bool {
		found := false
		rec.Attrs(func(a slog.Attr) bool {
			if a.Key == key && a.Value.String() == value {
				found = true
				return false
			}
			return true
		})
		return found
	})
}

func (r *Recorder) count(match func(slog.Record) bool) int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, rec := range r.s.records {
		if match(rec) {
			n++
		}
	}
	return n
}

// Reset drops all captured records.
func (r *Recorder) Reset() {
	r.s.mu.Lock()
	r.s.records = nil
	r.s.mu.Unlock()
}
