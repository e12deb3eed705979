// internal/storage/points.go
package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/LuaanNguyen/PhoenixProject/internal/data"
)

const (
	DefaultMaxPoints         = 3000
	DefaultTimeWindowMinutes = 10

	hotspotLimit     = 5
	hotspotThreshold = 10.0 // pm25 must exceed this to rank
)

type entry struct {
	reading data.SensorReading
	seq     uint64 // first-insertion order of the sensor id
}

// PointStore holds the latest reading per sensor and the views derived from
// them. Views are rebuilt on every mutation so reads are cheap copies.
type PointStore struct {
	mu          sync.RWMutex
	points      map[string]*entry
	nextSeq     uint64
	maxPoints   int
	windowMin   int
	filtered    []data.SensorReading
	hotspots    []data.SensorReading
	now         func() time.Time
	onRecompute func(View)
}

// View is a snapshot of the derived state.
type View struct {
	Total     int                  `json:"total"`
	WindowMin int                  `json:"time_window_minutes"`
	Filtered  int                  `json:"filtered"`
	Hotspots  []data.SensorReading `json:"hotspots"`
}

// Option customises a PointStore.
type Option func(*PointStore)

// WithClock replaces time.Now for window calculations.
func WithClock(now func() time.Time) Option {
	return func(s *PointStore) { s.now = now }
}

// OnRecompute registers a hook called after every view rebuild, outside the lock.
func OnRecompute(fn func(View)) Option {
	return func(s *PointStore) { s.onRecompute = fn }
}

// NewPointStore creates a store retaining at most maxPoints sensors.
// Non-positive arguments fall back to the defaults.
func NewPointStore(maxPoints, windowMinutes int, opts ...Option) *PointStore {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	if windowMinutes < 0 {
		windowMinutes = DefaultTimeWindowMinutes
	}
	s := &PointStore{
		points:    make(map[string]*entry),
		maxPoints: maxPoints,
		windowMin: windowMinutes,
		filtered:  []data.SensorReading{},
		hotspots:  []data.SensorReading{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddReadings folds a batch into the store. A reading replaces the stored one
// for its id only when its timestamp is strictly newer. When the store grows
// past capacity the most recent readings are kept. Views are rebuilt once,
// even for an empty batch, so the window follows the clock.
func (s *PointStore) AddReadings(batch []data.SensorReading) {
	s.mu.Lock()
	for _, r := range batch {
		existing, ok := s.points[r.ID]
		if !ok {
			s.points[r.ID] = &entry{reading: r, seq: s.nextSeq}
			s.nextSeq++
			continue
		}
		if r.Timestamp > existing.reading.Timestamp {
			existing.reading = r
		}
	}
	if len(s.points) > s.maxPoints {
		s.evictLocked()
	}
	view := s.recomputeLocked()
	s.mu.Unlock()
	s.notify(view)
}

// Add folds a single reading.
func (s *PointStore) Add(r data.SensorReading) {
	s.AddReadings([]data.SensorReading{r})
}

// Clear drops every reading and both views.
func (s *PointStore) Clear() {
	s.mu.Lock()
	s.points = make(map[string]*entry)
	s.filtered = []data.SensorReading{}
	s.hotspots = []data.SensorReading{}
	view := s.viewLocked()
	s.mu.Unlock()
	s.notify(view)
}

// SetTimeWindow changes the trailing window and rebuilds the views.
// Negative values are treated as zero.
func (s *PointStore) SetTimeWindow(minutes int) {
	if minutes < 0 {
		minutes = 0
	}
	s.mu.Lock()
	s.windowMin = minutes
	view := s.recomputeLocked()
	s.mu.Unlock()
	s.notify(view)
}

// TimeWindow returns the current window in minutes.
func (s *PointStore) TimeWindow() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windowMin
}

// MaxPoints returns the retention capacity.
func (s *PointStore) MaxPoints() int {
	return s.maxPoints
}

// Len returns the number of retained sensors.
func (s *PointStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Get returns the stored reading for id.
func (s *PointStore) Get(id string) (data.SensorReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.points[id]
	if !ok {
		return data.SensorReading{}, false
	}
	return e.reading, true
}

// Points returns every retained reading in first-insertion order.
func (s *PointStore) Points() []data.SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]data.SensorReading, 0, len(s.points))
	for _, e := range s.orderedLocked() {
		out = append(out, e.reading)
	}
	return out
}

// Filtered returns the readings inside the time window.
func (s *PointStore) Filtered() []data.SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]data.SensorReading, len(s.filtered))
	copy(result, s.filtered)
	return result
}

// Hotspots returns up to five windowed readings with the highest pm25.
func (s *PointStore) Hotspots() []data.SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]data.SensorReading, len(s.hotspots))
	copy(result, s.hotspots)
	return result
}

// View returns a summary of the derived state.
func (s *PointStore) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

func (s *PointStore) orderedLocked() []*entry {
	entries := make([]*entry, 0, len(s.points))
	for _, e := range s.points {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

// evictLocked keeps the maxPoints newest readings. Equal timestamps keep the
// sensor that was inserted first.
func (s *PointStore) evictLocked() {
	entries := s.orderedLocked()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].reading.Timestamp > entries[j].reading.Timestamp
	})
	for _, e := range entries[s.maxPoints:] {
		delete(s.points, e.reading.ID)
	}
}

func (s *PointStore) recomputeLocked() View {
	filtered := []data.SensorReading{}
	var candidates []data.SensorReading
	if s.windowMin > 0 {
		cutoff := s.now().UnixMilli() - int64(s.windowMin)*60*1000
		for _, e := range s.orderedLocked() {
			if e.reading.Timestamp < cutoff {
				continue
			}
			filtered = append(filtered, e.reading)
			if e.reading.PM25 > hotspotThreshold {
				candidates = append(candidates, e.reading)
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].PM25 > candidates[j].PM25
	})
	if len(candidates) > hotspotLimit {
		candidates = candidates[:hotspotLimit]
	}
	hotspots := make([]data.SensorReading, len(candidates))
	copy(hotspots, candidates)

	s.filtered = filtered
	s.hotspots = hotspots
	return s.viewLocked()
}

func (s *PointStore) viewLocked() View {
	hotspots := make([]data.SensorReading, len(s.hotspots))
	copy(hotspots, s.hotspots)
	return View{
		Total:     len(s.points),
		WindowMin: s.windowMin,
		Filtered:  len(s.filtered),
		Hotspots:  hotspots,
	}
}

func (s *PointStore) notify(v View) {
	if s.onRecompute != nil {
		s.onRecompute(v)
	}
}
