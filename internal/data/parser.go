// internal/data/parser.go
package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformedJSON means the frame is not a JSON object.
	ErrMalformedJSON = errors.New("malformed JSON")
	// ErrUnknownType means the frame's "type" is missing or not recognised.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidMessage means the frame does not match its schema.
	ErrInvalidMessage = errors.New("invalid message")
)

var validate = validator.New()

// ValidationError lists the fields that failed schema checks.
type ValidationError struct {
	Type   MessageType
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s message: %s", e.Type, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidMessage }

type wireReading struct {
	ID    *string  `json:"id" validate:"required,min=1"`
	Lat   *float64 `json:"lat" validate:"required"`
	Lon   *float64 `json:"lon" validate:"required"`
	PM25  *float64 `json:"pm25" validate:"required,gte=0"`
	TS    *float64 `json:"ts" validate:"required,gte=0,lte=9.2e18"` // epoch ms, must fit int64
	extra map[string]json.RawMessage
}

func decodeWireReading(b []byte) (wireReading, error) {
	var w wireReading
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return w, err
	}
	type plain wireReading
	if err := json.Unmarshal(b, (*plain)(&w)); err != nil {
		return w, err
	}
	for k := range readingKeys {
		delete(fields, k)
	}
	if len(fields) > 0 {
		w.extra = fields
	}
	return w, nil
}

func (w *wireReading) UnmarshalJSON(b []byte) error {
	d, err := decodeWireReading(b)
	if err != nil {
		return err
	}
	*w = d
	return nil
}

func (w wireReading) reading() SensorReading {
	r := SensorReading{Extra: w.extra}
	if w.ID != nil {
		r.ID = *w.ID
	}
	if w.Lat != nil {
		r.Lat = *w.Lat
	}
	if w.Lon != nil {
		r.Lon = *w.Lon
	}
	if w.PM25 != nil {
		r.PM25 = *w.PM25
	}
	if w.TS != nil {
		r.Timestamp = int64(math.Round(*w.TS))
	}
	return r
}

type batchFrame struct {
	Points []wireReading `json:"points" validate:"required,dive"`
}

type deltaFrame struct {
	Point *wireReading `json:"point" validate:"required"`
}

type sensorBatchFrame struct {
	Sensors []wireReading `json:"sensors" validate:"required,dive"`
	Step    *int          `json:"step" validate:"omitempty,gte=0"`
}

type controlFrame struct {
	Data *struct {
		CurrentStep   *int     `json:"current_step" validate:"required,gte=0"`
		MaxSteps      *int     `json:"max_steps" validate:"required,gte=0"`
		IsPlaying     *bool    `json:"is_playing" validate:"required"`
		PlaybackSpeed *float64 `json:"playback_speed" validate:"required,gt=0"`
	} `json:"data" validate:"required"`
}

type initFrame struct {
	Data *struct {
		TotalSteps        *int     `json:"total_steps" validate:"required,gte=0"`
		SensorCount       *int     `json:"sensor_count" validate:"required,gte=0"`
		GridSize          *int     `json:"grid_size" validate:"required,gte=0"`
		SimulationAreaKm2 *float64 `json:"simulation_area_km2" validate:"required"`
		BaseCoordinates   *struct {
			Lat *float64 `json:"lat" validate:"required"`
			Lon *float64 `json:"lon" validate:"required"`
		} `json:"base_coordinates" validate:"required"`
		CurrentStep   *int     `json:"current_step" validate:"required,gte=0"`
		IsPlaying     *bool    `json:"is_playing" validate:"required"`
		PlaybackSpeed *float64 `json:"playback_speed" validate:"required,gt=0"`
	} `json:"data" validate:"required"`
}

// Parse decodes and validates one inbound frame.
func Parse(raw []byte) (Message, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if head.Type == nil {
		return Message{}, fmt.Errorf("%w: missing type", ErrUnknownType)
	}

	msg := Message{Type: MessageType(*head.Type)}
	switch msg.Type {
	case TypeBatch:
		var f batchFrame
		if err := decodeFrame(raw, msg.Type, &f); err != nil {
			return Message{}, err
		}
		msg.Points = toReadings(f.Points)
	case TypeDelta:
		var f deltaFrame
		if err := decodeFrame(raw, msg.Type, &f); err != nil {
			return Message{}, err
		}
		r := f.Point.reading()
		msg.Point = &r
	case TypeSensorBatch:
		var f sensorBatchFrame
		if err := decodeFrame(raw, msg.Type, &f); err != nil {
			return Message{}, err
		}
		msg.Points = toReadings(f.Sensors)
		msg.Step = f.Step
	case TypeControlState:
		var f controlFrame
		if err := decodeFrame(raw, msg.Type, &f); err != nil {
			return Message{}, err
		}
		msg.Control = &ControlState{
			CurrentStep:   *f.Data.CurrentStep,
			MaxSteps:      *f.Data.MaxSteps,
			IsPlaying:     *f.Data.IsPlaying,
			PlaybackSpeed: *f.Data.PlaybackSpeed,
		}
	case TypeSimulationInit:
		var f initFrame
		if err := decodeFrame(raw, msg.Type, &f); err != nil {
			return Message{}, err
		}
		d := f.Data
		msg.InitInfo = &SimulationInit{
			TotalSteps:        *d.TotalSteps,
			SensorCount:       *d.SensorCount,
			GridSize:          *d.GridSize,
			SimulationAreaKm2: *d.SimulationAreaKm2,
			BaseCoordinates:   Coordinates{Lat: *d.BaseCoordinates.Lat, Lon: *d.BaseCoordinates.Lon},
			CurrentStep:       *d.CurrentStep,
			IsPlaying:         *d.IsPlaying,
			PlaybackSpeed:     *d.PlaybackSpeed,
		}
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

func decodeFrame(raw []byte, t MessageType, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			field := typeErr.Field
			if field == "" {
				field = "(" + typeErr.Value + ")"
			}
			return &ValidationError{Type: t, Fields: []string{field}}
		}
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
		}
		return &ValidationError{Type: t, Fields: fields}
	}
	return nil
}

func toReadings(ws []wireReading) []SensorReading {
	out := make([]SensorReading, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.reading())
	}
	return out
}
