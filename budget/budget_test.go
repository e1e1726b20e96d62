package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestStatsPercentiles(t *testing.T) {
	tr := New(Config{Window: 100})
	for i := 1; i <= 100; i++ {
		tr.Record(ms(i))
	}

	st := tr.Stats()
	assert.Equal(t, 100, st.Samples)
	assert.Equal(t, 50500*time.Microsecond, st.Mean)
	assert.Equal(t, ms(50), st.Median)
	assert.Equal(t, ms(95), st.P95)
	assert.Equal(t, ms(99), st.P99)
	assert.Equal(t, ms(1), st.Min)
	assert.Equal(t, ms(100), st.Max)
	assert.Equal(t, ms(99), st.Spread)
}

func TestStatsEmpty(t *testing.T) {
	tr := New(Config{})
	st := tr.Stats()
	assert.Zero(t, st.Samples)
	assert.Zero(t, st.P95)
	assert.False(t, tr.ShouldSkipOptional())
}

func TestWindowKeepsMostRecent(t *testing.T) {
	tr := New(Config{Window: 4})
	for _, d := range []int{100, 100, 1, 2, 3, 4} {
		tr.Record(ms(d))
	}
	st := tr.Stats()
	assert.Equal(t, 4, st.Samples)
	assert.Equal(t, ms(4), st.Max)
	assert.Equal(t, uint64(6), st.Recorded)
}

func TestStatsRecomputedAtBoundedRate(t *testing.T) {
	now := time.Unix(0, 0)
	tr := New(Config{RecomputeInterval: time.Second})
	tr.SetClock(func() time.Time { return now })

	tr.Record(ms(5))
	require.Equal(t, ms(5), tr.Stats().Max)

	tr.Record(ms(50))
	assert.Equal(t, ms(5), tr.Stats().Max, "cached until the interval passes")
	assert.Equal(t, uint64(2), tr.Stats().Recorded, "counters are always current")

	now = now.Add(time.Second)
	assert.Equal(t, ms(50), tr.Stats().Max)
}

func TestShouldSkipOptional(t *testing.T) {
	now := time.Unix(0, 0)
	tr := New(Config{Window: 20, Target: ms(16)})
	tr.SetClock(func() time.Time { return now })

	for range 20 {
		tr.Record(ms(10))
	}
	assert.False(t, tr.ShouldSkipOptional())

	for range 5 {
		tr.Record(ms(30))
	}
	now = now.Add(2 * time.Second)
	assert.True(t, tr.ShouldSkipOptional())
	assert.Equal(t, uint64(5), tr.Stats().OverBudget)
}

func TestReset(t *testing.T) {
	tr := New(Config{})
	tr.Record(ms(40))
	require.Equal(t, 1, tr.Stats().Samples)

	tr.Reset()
	st := tr.Stats()
	assert.Zero(t, st.Samples)
	assert.Equal(t, uint64(1), st.Recorded)
}

func TestStatsString(t *testing.T) {
	tr := New(Config{})
	tr.Record(ms(8))
	assert.Contains(t, tr.Stats().String(), "Budget[1 frames, mean 8ms")
}

func BenchmarkRecord(b *testing.B) {
	tr := New(Config{})
	b.ReportAllocs()
	for b.Loop() {
		tr.Record(ms(8))
	}
}
