// Package ingest turns validated feed messages into store updates, alerts
// and archive writes.
package ingest

import (
	"log"
	"sync"

	"github.com/LuaanNguyen/PhoenixProject/internal/alerting"
	"github.com/LuaanNguyen/PhoenixProject/internal/anomaly"
	"github.com/LuaanNguyen/PhoenixProject/internal/data"
	"github.com/LuaanNguyen/PhoenixProject/internal/metrics"
	"github.com/LuaanNguyen/PhoenixProject/internal/storage"
)

// Archiver accepts readings for long-term storage without blocking.
type Archiver interface {
	Enqueue(readings []data.SensorReading) bool
}

// Playback is the last known replay state reported by the feed server.
type Playback struct {
	Init    *data.SimulationInit `json:"init,omitempty"`
	Control *data.ControlState   `json:"control,omitempty"`
	Step    *int                 `json:"step,omitempty"`
}

type Processor struct {
	store    *storage.PointStore
	detector *anomaly.Detector
	alerter  *alerting.Alerter
	archive  Archiver
	hub      alerting.Broadcaster
	stats    metrics.IngestStats

	mu       sync.RWMutex
	playback Playback
}

type Option func(*Processor)

func WithArchive(a Archiver) Option {
	return func(p *Processor) { p.archive = a }
}

// WithStats counts handled messages by type.
func WithStats(s metrics.IngestStats) Option {
	return func(p *Processor) { p.stats = s }
}

// WithBroadcaster pushes playback changes to dashboard clients.
func WithBroadcaster(b alerting.Broadcaster) Option {
	return func(p *Processor) { p.hub = b }
}

func NewProcessor(store *storage.PointStore, detector *anomaly.Detector, alerter *alerting.Alerter, opts ...Option) *Processor {
	p := &Processor{
		store:    store,
		detector: detector,
		alerter:  alerter,
		stats:    metrics.Discard{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleMessage is the feed's message callback.
func (p *Processor) HandleMessage(msg data.Message) {
	p.stats.IncMessage(string(msg.Type))

	switch msg.Type {
	case data.TypeBatch, data.TypeDelta:
		p.Ingest(msg.Readings())
	case data.TypeSensorBatch:
		if msg.Step != nil {
			step := *msg.Step
			p.mu.Lock()
			p.playback.Step = &step
			p.mu.Unlock()
		}
		p.Ingest(msg.Points)
	case data.TypeSimulationInit:
		info := *msg.InitInfo
		log.Printf("Simulation init: %d steps, %d sensors", info.TotalSteps, info.SensorCount)
		p.mu.Lock()
		p.playback.Init = &info
		p.mu.Unlock()
		p.pushPlayback()
	case data.TypeControlState:
		control := *msg.Control
		p.mu.Lock()
		p.playback.Control = &control
		p.mu.Unlock()
		p.pushPlayback()
	default:
		log.Printf("Ignoring %s message", msg.Type)
	}
}

// Ingest adds one batch of readings to the store, then checks and archives it.
func (p *Processor) Ingest(readings []data.SensorReading) {
	p.store.AddReadings(readings)
	if len(readings) == 0 {
		return
	}
	if p.detector != nil && p.alerter != nil {
		p.alerter.ProcessAlerts(p.detector.CheckAll(readings))
	}
	if p.archive != nil {
		p.archive.Enqueue(readings)
	}
}

// Playback returns a copy of the replay state.
func (p *Processor) Playback() Playback {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := Playback{}
	if p.playback.Init != nil {
		v := *p.playback.Init
		out.Init = &v
	}
	if p.playback.Control != nil {
		v := *p.playback.Control
		out.Control = &v
	}
	if p.playback.Step != nil {
		v := *p.playback.Step
		out.Step = &v
	}
	return out
}

func (p *Processor) pushPlayback() {
	if p.hub != nil {
		p.hub.Broadcast("playback", p.Playback())
	}
}
