// internal/mock/generator.go
package mock

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LuaanNguyen/PhoenixProject/internal/data"
)

// Sensor is a fixed station of the mock network.
type Sensor struct {
	ID   string
	Name string
	Lat  float64
	Lon  float64
}

// EldoradoSensors are spread over Eldorado National Forest, CA.
var EldoradoSensors = []Sensor{
	{ID: "eldorado_01", Name: "Crystal Basin", Lat: 38.82, Lon: -120.35},
	{ID: "eldorado_02", Name: "Desolation Wilderness", Lat: 38.75, Lon: -120.45},
	{ID: "eldorado_03", Name: "Lake Tahoe Basin", Lat: 38.88, Lon: -120.28},
	{ID: "eldorado_04", Name: "American River", Lat: 38.71, Lon: -120.52},
	{ID: "eldorado_05", Name: "Granite Chief", Lat: 38.93, Lon: -120.41},
	{ID: "eldorado_06", Name: "Silver Fork", Lat: 38.67, Lon: -120.38},
	{ID: "eldorado_07", Name: "Hell Hole Reservoir", Lat: 38.85, Lon: -120.48},
	{ID: "eldorado_08", Name: "Echo Lake", Lat: 38.78, Lon: -120.32},
}

const (
	minBase     = 5.0
	maxBase     = 200.0
	fireRadius  = 0.2 // degrees, roughly 22 km
	fireBoost   = 50.0
	noiseSpread = 5.0
)

type sensorState struct {
	Sensor
	base       float64
	trend      float64
	lastUpdate time.Time
}

// Frame is an outbound feed frame.
type Frame struct {
	Type   data.MessageType     `json:"type"`
	Points []data.SensorReading `json:"points,omitempty"`
	Point  *data.SensorReading  `json:"point,omitempty"`
	Data   any                  `json:"data,omitempty"`
}

// Generator random-walks each sensor's PM2.5 level. It is safe for
// concurrent use.
type Generator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	now    func() time.Time
	states []*sensorState
}

func NewGenerator(sensors []Sensor, rng *rand.Rand, now func() time.Time) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if now == nil {
		now = time.Now
	}
	g := &Generator{rng: rng, now: now}
	g.states = make([]*sensorState, len(sensors))
	for i, s := range sensors {
		g.states[i] = &sensorState{Sensor: s}
	}
	g.Reset()
	return g
}

// Reset gives every sensor a fresh 10–30 µg/m³ base and a small trend.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for _, st := range g.states {
		st.base = 10 + g.rng.Float64()*20
		st.trend = (g.rng.Float64() - 0.5) * 0.5
		st.lastUpdate = now
	}
}

// Len returns the number of sensors.
func (g *Generator) Len() int {
	return len(g.states)
}

// Chance reports true with probability p.
func (g *Generator) Chance(p float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64() < p
}

func (g *Generator) readingLocked(st *sensorState) data.SensorReading {
	now := g.now()
	elapsed := now.Sub(st.lastUpdate).Seconds()

	step := (g.rng.Float64() - 0.5) * 2
	drift := st.trend * elapsed * 0.1
	st.base = math.Max(minBase, math.Min(maxBase, st.base+step+drift))
	st.lastUpdate = now

	pm25 := math.Max(0, st.base+(g.rng.Float64()-0.5)*noiseSpread)
	r := data.SensorReading{
		ID:        st.ID,
		Lat:       st.Lat,
		Lon:       st.Lon,
		PM25:      math.Round(pm25*10) / 10,
		Timestamp: now.UnixMilli(),
	}
	return r.WithExtra("humidity", 40+g.rng.Float64()*30).
		WithExtra("tempC", 18+g.rng.Float64()*12).
		WithExtra("name", st.Name)
}

// Batch returns a batch frame for up to n distinct random sensors.
func (g *Generator) Batch(n int) Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > len(g.states) || n <= 0 {
		n = len(g.states)
	}
	points := make([]data.SensorReading, 0, n)
	for _, i := range g.rng.Perm(len(g.states))[:n] {
		points = append(points, g.readingLocked(g.states[i]))
	}
	return Frame{Type: data.TypeBatch, Points: points}
}

// Delta returns a delta frame for one random sensor.
func (g *Generator) Delta() Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.readingLocked(g.states[g.rng.Intn(len(g.states))])
	return Frame{Type: data.TypeDelta, Point: &r}
}

// FireEvent ignites at a random sensor and returns its id.
func (g *Generator) FireEvent() string {
	g.mu.Lock()
	origin := g.states[g.rng.Intn(len(g.states))]
	g.mu.Unlock()
	g.StartFire(origin.Lat, origin.Lon, 1)
	return origin.ID
}

// StartFire raises the level of sensors within fireRadius of the point,
// closer sensors more, and returns how many were affected.
func (g *Generator) StartFire(lat, lon, intensity float64) int {
	if intensity <= 0 {
		intensity = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	affected := 0
	for _, st := range g.states {
		dist := math.Hypot(st.Lat-lat, st.Lon-lon)
		if dist >= fireRadius {
			continue
		}
		proximity := math.Max(0.1, 1-dist/fireRadius)
		st.base = math.Min(maxBase, st.base+fireBoost*proximity*intensity)
		st.trend = math.Max(st.trend, 0.5*proximity)
		affected++
	}
	return affected
}

// AveragePM25 returns the mean base level across sensors.
func (g *Generator) AveragePM25() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.states) == 0 {
		return 0
	}
	var sum float64
	for _, st := range g.states {
		sum += st.base
	}
	return sum / float64(len(g.states))
}
