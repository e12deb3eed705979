package storage

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuaanNguyen/PhoenixProject/internal/data"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func fixedClock() time.Time { return testNow }

func reading(id string, ts int64, pm25 float64) data.SensorReading {
	return data.SensorReading{ID: id, Lat: 38.8, Lon: -120.4, PM25: pm25, Timestamp: ts}
}

// ago returns an epoch-ms timestamp d before testNow.
func ago(d time.Duration) int64 {
	return testNow.Add(-d).UnixMilli()
}

func newTestStore(maxPoints int) *PointStore {
	return NewPointStore(maxPoints, DefaultTimeWindowMinutes, WithClock(fixedClock))
}

func ids(rs []data.SensorReading) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestOlderReadingIsRejected(t *testing.T) {
	s := newTestStore(10)
	s.AddReadings([]data.SensorReading{reading("a", 100, 5)})
	s.AddReadings([]data.SensorReading{reading("a", 50, 99)})

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(100), got.Timestamp)
	assert.Equal(t, 5.0, got.PM25)
	assert.Equal(t, 1, s.Len())
}

func TestEqualTimestampDoesNotReplace(t *testing.T) {
	s := newTestStore(10)
	s.Add(reading("a", 100, 5))
	s.Add(reading("a", 100, 7))

	got, _ := s.Get("a")
	assert.Equal(t, 5.0, got.PM25)
}

func TestDuplicatesWithinBatchKeepNewest(t *testing.T) {
	s := newTestStore(10)
	s.AddReadings([]data.SensorReading{
		reading("a", 10, 1),
		reading("a", 30, 3),
		reading("a", 20, 2),
	})

	got, _ := s.Get("a")
	assert.Equal(t, int64(30), got.Timestamp)
	assert.Equal(t, 3.0, got.PM25)
}

func TestCapacityKeepsMostRecent(t *testing.T) {
	s := newTestStore(2)
	s.AddReadings([]data.SensorReading{
		reading("one", 1, 0),
		reading("two", 2, 0),
		reading("three", 3, 0),
	})

	assert.Equal(t, 2, s.Len())
	assert.ElementsMatch(t, []string{"two", "three"}, ids(s.Points()))
}

func TestCapacityAcrossBatches(t *testing.T) {
	s := newTestStore(3)
	s.AddReadings([]data.SensorReading{reading("a", 5, 0), reading("b", 1, 0), reading("c", 3, 0)})
	s.AddReadings([]data.SensorReading{reading("d", 4, 0)})

	assert.ElementsMatch(t, []string{"a", "c", "d"}, ids(s.Points()))

	// refreshing an old sensor saves it from the next eviction
	s.AddReadings([]data.SensorReading{reading("c", 10, 0), reading("e", 6, 0)})
	assert.ElementsMatch(t, []string{"a", "c", "e"}, ids(s.Points()))
}

func TestDedupAndCapacityProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const maxPoints = 8
	unbounded := newTestStore(100)
	bounded := newTestStore(maxPoints)
	newest := map[string]int64{}

	for round := 0; round < 50; round++ {
		batch := make([]data.SensorReading, rng.Intn(6))
		for i := range batch {
			id := fmt.Sprintf("s%02d", rng.Intn(12))
			ts := int64(rng.Intn(1000))
			batch[i] = reading(id, ts, rng.Float64()*100)
			if prev, ok := newest[id]; !ok || ts > prev {
				newest[id] = ts
			}
		}
		unbounded.AddReadings(batch)
		bounded.AddReadings(batch)

		for _, r := range unbounded.Points() {
			require.Equal(t, newest[r.ID], r.Timestamp, "id %s", r.ID)
		}

		require.LessOrEqual(t, bounded.Len(), maxPoints)
		seen := map[string]bool{}
		for _, r := range bounded.Points() {
			require.False(t, seen[r.ID], "duplicate id %s", r.ID)
			seen[r.ID] = true
		}
	}
	assert.Len(t, unbounded.Points(), len(newest))
}

func TestFilteredRespectsWindow(t *testing.T) {
	s := newTestStore(10)
	s.AddReadings([]data.SensorReading{
		reading("fresh", ago(time.Minute), 20),
		reading("edge", ago(10*time.Minute), 20),
		reading("stale", ago(11*time.Minute), 20),
	})

	assert.Equal(t, []string{"fresh", "edge"}, ids(s.Filtered()))

	s.SetTimeWindow(30)
	assert.Equal(t, 30, s.TimeWindow())
	assert.Equal(t, []string{"fresh", "edge", "stale"}, ids(s.Filtered()))
	assert.Equal(t, 3, s.Len())
}

func TestZeroWindowIsEmpty(t *testing.T) {
	s := newTestStore(10)
	s.Add(reading("now", testNow.UnixMilli(), 50))
	s.SetTimeWindow(0)

	assert.Empty(t, s.Filtered())
	assert.Empty(t, s.Hotspots())
	assert.Equal(t, 1, s.Len())

	s.SetTimeWindow(-5)
	assert.Equal(t, 0, s.TimeWindow())
}

func TestWindowMonotonicity(t *testing.T) {
	s := newTestStore(100)
	batch := make([]data.SensorReading, 0, 40)
	for i := 0; i < 40; i++ {
		batch = append(batch, reading(fmt.Sprintf("s%d", i), ago(time.Duration(i)*time.Minute), float64(i)))
	}
	s.AddReadings(batch)

	prev := map[string]bool{}
	for w := 0; w <= 45; w += 5 {
		s.SetTimeWindow(w)
		cur := map[string]bool{}
		for _, r := range s.Filtered() {
			cur[r.ID] = true
		}
		for id := range prev {
			assert.True(t, cur[id], "window %d lost %s", w, id)
		}
		prev = cur
	}
}

func TestHotspots(t *testing.T) {
	s := newTestStore(100)
	s.AddReadings([]data.SensorReading{
		reading("low", ago(time.Minute), 10),
		reading("a", ago(time.Minute), 40),
		reading("b", ago(time.Minute), 80),
		reading("c", ago(time.Minute), 15),
		reading("d", ago(time.Minute), 80),
		reading("e", ago(time.Minute), 120),
		reading("f", ago(time.Minute), 60),
		reading("old", ago(time.Hour), 500),
	})

	hot := s.Hotspots()
	assert.Equal(t, []string{"e", "b", "d", "f", "a"}, ids(hot))
	for i, r := range hot {
		assert.Greater(t, r.PM25, 10.0)
		if i > 0 {
			assert.GreaterOrEqual(t, hot[i-1].PM25, r.PM25)
		}
	}

	view := s.View()
	assert.Equal(t, 8, view.Total)
	assert.Equal(t, 7, view.Filtered)
	assert.Len(t, view.Hotspots, 5)
}

func TestClearEmptiesEverything(t *testing.T) {
	s := newTestStore(10)
	s.Add(reading("a", ago(time.Minute), 50))
	require.Len(t, s.Hotspots(), 1)

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Filtered())
	assert.Empty(t, s.Hotspots())
	assert.Empty(t, s.Points())
}

func TestEmptyBatchRecomputesAgainstClock(t *testing.T) {
	now := testNow
	s := NewPointStore(10, 10, WithClock(func() time.Time { return now }))
	s.Add(reading("a", testNow.UnixMilli(), 50))
	require.Len(t, s.Filtered(), 1)

	now = now.Add(20 * time.Minute)
	s.AddReadings(nil)
	assert.Empty(t, s.Filtered())
}

func TestViewsAreCopies(t *testing.T) {
	s := newTestStore(10)
	s.Add(reading("a", ago(time.Minute), 50))

	f := s.Filtered()
	f[0].PM25 = 0
	assert.Equal(t, 50.0, s.Filtered()[0].PM25)
}

func TestOnRecomputeHook(t *testing.T) {
	var views []View
	s := NewPointStore(10, 10, WithClock(fixedClock), OnRecompute(func(v View) { views = append(views, v) }))

	s.AddReadings([]data.SensorReading{reading("a", ago(time.Minute), 50), reading("b", ago(time.Minute), 5)})
	s.SetTimeWindow(5)
	s.Clear()

	require.Len(t, views, 3)
	assert.Equal(t, 2, views[0].Total)
	assert.Equal(t, 1, len(views[0].Hotspots))
	assert.Equal(t, 5, views[1].WindowMin)
	assert.Equal(t, 0, views[2].Total)
}

func TestNewPointStoreDefaults(t *testing.T) {
	s := NewPointStore(0, -1)
	assert.Equal(t, DefaultMaxPoints, s.MaxPoints())
	assert.Equal(t, DefaultTimeWindowMinutes, s.TimeWindow())
}
