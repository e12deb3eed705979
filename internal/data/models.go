// internal/data/models.go
package data

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// SensorReading is one sensor's observation at one instant.
// Fields other than the five below travel in Extra untouched.
type SensorReading struct {
	ID        string                     `json:"id"`
	Lat       float64                    `json:"lat"`
	Lon       float64                    `json:"lon"`
	PM25      float64                    `json:"pm25"`
	Timestamp int64                      `json:"ts"` // epoch ms
	Extra     map[string]json.RawMessage `json:"-"`
}

var readingKeys = map[string]bool{"id": true, "lat": true, "lon": true, "pm25": true, "ts": true}

// Time returns the reading timestamp as a time.Time.
func (r SensorReading) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Number looks up a numeric pass-through field such as "temperature".
func (r SensorReading) Number(key string) (float64, bool) {
	raw, ok := r.Extra[key]
	if !ok {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

// NumericFields returns every numeric pass-through field, sorted by name.
func (r SensorReading) NumericFields() []string {
	var keys []string
	for k := range r.Extra {
		if _, ok := r.Number(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// WithExtra returns a copy of r with key set to the JSON encoding of v.
func (r SensorReading) WithExtra(key string, v any) SensorReading {
	b, err := json.Marshal(v)
	if err != nil || readingKeys[key] {
		return r
	}
	extra := make(map[string]json.RawMessage, len(r.Extra)+1)
	for k, raw := range r.Extra {
		extra[k] = raw
	}
	extra[key] = b
	r.Extra = extra
	return r
}

// MarshalJSON writes the known fields followed by the pass-through ones.
func (r SensorReading) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+5)
	for k, raw := range r.Extra {
		out[k] = raw
	}
	var err error
	set := func(key string, v any) {
		if err != nil {
			return
		}
		out[key], err = json.Marshal(v)
	}
	set("id", r.ID)
	set("lat", r.Lat)
	set("lon", r.Lon)
	set("pm25", r.PM25)
	set("ts", r.Timestamp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts a reading without validating it; use Parse for frames.
func (r *SensorReading) UnmarshalJSON(b []byte) error {
	w, err := decodeWireReading(bytes.TrimSpace(b))
	if err != nil {
		return err
	}
	*r = w.reading()
	return nil
}

// Alert is pushed to dashboard clients when a reading breaks a rule.
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"` // "WARN" or "CRITICAL"
	Message   string    `json:"message"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	DeviceID  string    `json:"device_id,omitempty"`
	Band      string    `json:"band,omitempty"`
}

// MessageType discriminates inbound frames.
type MessageType string

const (
	TypeBatch          MessageType = "batch"
	TypeDelta          MessageType = "delta"
	TypeSensorBatch    MessageType = "sensor_batch"
	TypeSimulationInit MessageType = "simulation_init"
	TypeControlState   MessageType = "control_state"
)

// Coordinates is a lat/lon pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ControlState mirrors the server's playback controls.
type ControlState struct {
	CurrentStep   int     `json:"current_step"`
	MaxSteps      int     `json:"max_steps"`
	IsPlaying     bool    `json:"is_playing"`
	PlaybackSpeed float64 `json:"playback_speed"`
}

// SimulationInit describes a replayed fire simulation.
type SimulationInit struct {
	TotalSteps        int         `json:"total_steps"`
	SensorCount       int         `json:"sensor_count"`
	GridSize          int         `json:"grid_size"`
	SimulationAreaKm2 float64     `json:"simulation_area_km2"`
	BaseCoordinates   Coordinates `json:"base_coordinates"`
	CurrentStep       int         `json:"current_step"`
	IsPlaying         bool        `json:"is_playing"`
	PlaybackSpeed     float64     `json:"playback_speed"`
}

// Message is a validated inbound frame. Exactly the fields matching Type are set.
type Message struct {
	Type     MessageType
	Points   []SensorReading // batch, sensor_batch
	Point    *SensorReading  // delta
	Step     *int            // sensor_batch from a stepped replay
	Control  *ControlState
	InitInfo *SimulationInit
}

// Readings returns the sensor readings carried by the message, if any.
func (m Message) Readings() []SensorReading {
	switch {
	case m.Point != nil:
		return []SensorReading{*m.Point}
	default:
		return m.Points
	}
}
