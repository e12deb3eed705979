// Package sim generates synthetic smoke plumes for exercising the dashboard
// without a live feed.
package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LuaanNguyen/PhoenixProject/internal/data"
)

const (
	DefaultMinIntensity = 50.0
	DefaultMaxIntensity = 200.0
	DefaultDuration     = 30 * time.Second
	DefaultCount        = 50
	DefaultRadius       = 0.1
	DefaultInterval     = 500 * time.Millisecond

	onsetSpread = 0.3 // the last sensor starts 30% of the way through
)

// SmokeOptions describes a plume. Zero fields take the defaults above.
type SmokeOptions struct {
	Center       data.Coordinates `json:"center"`
	MinIntensity float64          `json:"min_intensity"`
	MaxIntensity float64          `json:"max_intensity"`
	Duration     time.Duration    `json:"duration"`
	Count        int              `json:"count"`
	RadiusDeg    float64          `json:"radius_deg"`
	Interval     time.Duration    `json:"-"`
	Rand         *rand.Rand       `json:"-"`
}

func (o *SmokeOptions) defaults() {
	if o.MinIntensity == 0 && o.MaxIntensity == 0 {
		o.MinIntensity, o.MaxIntensity = DefaultMinIntensity, DefaultMaxIntensity
	}
	if o.Duration <= 0 {
		o.Duration = DefaultDuration
	}
	if o.Count <= 0 {
		o.Count = DefaultCount
	}
	if o.RadiusDeg <= 0 {
		o.RadiusDeg = DefaultRadius
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

type smokeSensor struct {
	id       string
	lat, lon float64
	base     float64
}

// SimulateSmoke emits one batch per interval until the plume has fully
// developed or ctx is cancelled. Sensor i starts rising at
// i/count·30% of the duration; readings climb from MinIntensity to
// MaxIntensity above a 10–30 µg/m³ base with ±20% jitter.
func SimulateSmoke(ctx context.Context, opts SmokeOptions, emit func([]data.SensorReading)) error {
	opts.defaults()
	rng := opts.Rand

	sensors := make([]smokeSensor, opts.Count)
	for i := range sensors {
		sensors[i] = smokeSensor{
			id:   "sim_" + uuid.NewString(),
			lat:  opts.Center.Lat + (rng.Float64()-0.5)*opts.RadiusDeg*2,
			lon:  opts.Center.Lon + (rng.Float64()-0.5)*opts.RadiusDeg*2,
			base: rng.Float64()*20 + 10,
		}
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	start := time.Now()

	for {
		now := time.Now()
		progress := math.Min(float64(now.Sub(start))/float64(opts.Duration), 1)

		batch := make([]data.SensorReading, 0, len(sensors))
		for i, s := range sensors {
			delay := float64(i) / float64(len(sensors)) * onsetSpread
			adjusted := math.Max(0, (progress-delay)/(1-delay))
			if adjusted <= 0 {
				continue
			}
			increase := opts.MinIntensity + (opts.MaxIntensity-opts.MinIntensity)*adjusted
			jitter := 0.8 + rng.Float64()*0.4
			temp := 20 + rng.Float64()*15

			r := data.SensorReading{
				ID:        s.id,
				Lat:       s.lat,
				Lon:       s.lon,
				PM25:      math.Round((s.base+increase*jitter)*10) / 10,
				Timestamp: now.UnixMilli(),
			}
			r = r.WithExtra("humidity", 45+rng.Float64()*20).
				WithExtra("tempC", temp).
				WithExtra("temperature", temp)
			batch = append(batch, r)
		}
		if len(batch) > 0 {
			emit(batch)
		}
		if progress >= 1 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Runner keeps at most one plume running.
type Runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	runID  uint64
}

// Start replaces any running plume with a new one.
func (r *Runner) Start(parent context.Context, opts SmokeOptions, emit func([]data.SensorReading)) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.runID++
	id := r.runID
	r.mu.Unlock()

	go func() {
		SimulateSmoke(ctx, opts, emit)
		r.mu.Lock()
		if r.runID == id {
			r.cancel = nil
		}
		r.mu.Unlock()
		cancel()
	}()
}

// Stop cancels the running plume and reports whether there was one.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	r.cancel = nil
	return true
}

// Running reports whether a plume is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}
