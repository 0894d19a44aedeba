package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestWindowPrunesOldEntries(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	w := newWindowAt(5*time.Minute, clock.now)

	w.Add(1, clock.t)
	clock.advance(2 * time.Minute)
	w.Add(2, clock.t)
	clock.advance(2 * time.Minute)
	w.Add(3, clock.t)

	require.Equal(t, 3, w.Count())
	require.Equal(t, 6.0, w.Sum())

	// At exactly the horizon the first entry is still in; one tick past
	// it falls out.
	clock.advance(time.Minute)
	require.Equal(t, 3, w.Count())
	clock.advance(time.Nanosecond)
	require.Equal(t, 2, w.Count())
	require.Equal(t, 5.0, w.Sum())
	require.InDelta(t, 2.5, w.Mean(), 1e-9)
	require.Equal(t, 2.0, w.Min())
	require.Equal(t, 3.0, w.Max())

	// Everything expires.
	clock.advance(10 * time.Minute)
	require.Equal(t, 0, w.Count())
	require.Equal(t, 0.0, w.Sum())
	require.Equal(t, 0.0, w.Mean())
}

func TestWindowZeroTimestampMeansNow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	w := newWindowAt(time.Minute, clock.now)

	w.Add(7, time.Time{})
	require.Equal(t, 1, w.Count())

	clock.advance(59 * time.Second)
	require.Equal(t, 1, w.Count())
	clock.advance(2 * time.Second)
	require.Equal(t, 0, w.Count())
}

func TestWindowCompaction(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	w := newWindowAt(time.Minute, clock.now)

	for i := 0; i < 100; i++ {
		w.Add(float64(i), clock.t)
		clock.advance(time.Second)
	}
	// 60s horizon: only the last 60 additions are live.
	require.Equal(t, 60, w.Count())

	want := 0.0
	for i := 40; i < 100; i++ {
		want += float64(i)
	}
	require.InDelta(t, want, w.Sum(), 1e-9)
	require.Equal(t, 40.0, w.Min())
	require.Equal(t, 99.0, w.Max())
}

func TestWindowEmptyMinMax(t *testing.T) {
	w := NewWindow(time.Minute)
	require.Equal(t, 0.0, w.Min())
	require.Equal(t, 0.0, w.Max())
	require.Equal(t, time.Minute, w.Horizon())
}
