// internal/mock/server.go
package mock

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/LuaanNguyen/PhoenixProject/internal/data"
	"github.com/LuaanNguyen/PhoenixProject/internal/websocket"
)

const (
	minSpeed = 0.1
	maxSpeed = 5.0
)

type Options struct {
	UpdateInterval    time.Duration
	FireCheckInterval time.Duration
	FireProbability   float64
	InitialBatch      int
	UpdateBatch       int
	MaxSteps          int // 0 means unbounded
}

func (o *Options) defaults() {
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = 5 * time.Second
	}
	if o.FireCheckInterval <= 0 {
		o.FireCheckInterval = 30 * time.Second
	}
	if o.InitialBatch <= 0 {
		o.InitialBatch = 8
	}
	if o.UpdateBatch <= 0 {
		o.UpdateBatch = 3
	}
}

// Server streams generated readings to every connected socket and obeys
// playback commands sent back by clients.
type Server struct {
	opts Options
	gen  *Generator
	hub  *websocket.Hub

	mu      sync.Mutex
	playing bool
	step    int
	speed   float64
	retime  chan struct{}
}

func NewServer(opts Options, gen *Generator) *Server {
	opts.defaults()
	s := &Server{
		opts:    opts,
		gen:     gen,
		playing: true,
		speed:   1,
		retime:  make(chan struct{}, 1),
	}
	s.hub = websocket.NewHub(
		websocket.WithGreeting(s.greeting),
		websocket.WithHandler(s.handleCommand),
	)
	return s
}

// Handler serves /ws and /healthz.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.hub.ServeWS)
	r.Get("/healthz", s.handleHealth)
	return r
}

// Run drives the hub and the emission and fire timers until ctx ends.
func (s *Server) Run(ctx context.Context) {
	go s.hub.Run(ctx)

	updates := time.NewTicker(s.interval())
	defer updates.Stop()
	fires := time.NewTicker(s.opts.FireCheckInterval)
	defer fires.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.retime:
			updates.Reset(s.interval())
		case <-updates.C:
			s.tick()
		case <-fires.C:
			if s.gen.Chance(s.opts.FireProbability) {
				origin := s.gen.FireEvent()
				log.Printf("Simulating fire event at %s", origin)
			}
		}
	}
}

// State returns the playback controls.
func (s *Server) State() data.ControlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Server) stateLocked() data.ControlState {
	return data.ControlState{
		CurrentStep:   s.step,
		MaxSteps:      s.opts.MaxSteps,
		IsPlaying:     s.playing,
		PlaybackSpeed: s.speed,
	}
}

func (s *Server) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(float64(s.opts.UpdateInterval) / s.speed)
}

func (s *Server) tick() {
	s.mu.Lock()
	if !s.playing {
		s.mu.Unlock()
		return
	}
	s.step++
	finished := s.opts.MaxSteps > 0 && s.step >= s.opts.MaxSteps
	if finished {
		s.playing = false
	}
	s.mu.Unlock()

	var frame Frame
	if s.gen.Chance(0.7) {
		frame = s.gen.Delta()
	} else {
		frame = s.gen.Batch(s.opts.UpdateBatch)
	}
	s.hub.BroadcastJSON(frame)
	if finished {
		log.Printf("Playback finished at step %d", s.opts.MaxSteps)
		s.broadcastControl()
	}
}

func (s *Server) greeting() [][]byte {
	b, err := json.Marshal(s.gen.Batch(s.opts.InitialBatch))
	if err != nil {
		log.Printf("Error marshalling initial batch: %v", err)
		return nil
	}
	return [][]byte{b}
}

func (s *Server) broadcastControl() {
	s.hub.BroadcastJSON(Frame{Type: data.TypeControlState, Data: s.State()})
}

func (s *Server) handleCommand(c *websocket.Client, raw []byte) {
	cmd, err := data.ParseCommand(raw)
	if err != nil {
		log.Printf("Ignoring command from %s: %v", c.ID, err)
		return
	}

	switch cmd.Type {
	case data.CmdStartFire:
		n := s.gen.StartFire(*cmd.Lat, *cmd.Lon, *cmd.Intensity)
		log.Printf("Fire started at %.4f,%.4f (%d sensors affected)", *cmd.Lat, *cmd.Lon, n)
		s.hub.BroadcastJSON(s.gen.Batch(0))
		return
	case data.CmdClearFires:
		s.gen.Reset()
		log.Printf("Fires cleared")
		s.hub.BroadcastJSON(s.gen.Batch(0))
		return
	}

	s.mu.Lock()
	switch cmd.Type {
	case data.CmdPlay:
		if s.opts.MaxSteps == 0 || s.step < s.opts.MaxSteps {
			s.playing = true
		}
	case data.CmdPause:
		s.playing = false
	case data.CmdReset:
		s.playing = false
		s.step = 0
	case data.CmdSetStep:
		if s.opts.MaxSteps > 0 && *cmd.Step >= s.opts.MaxSteps {
			s.mu.Unlock()
			log.Printf("Ignoring set_step %d beyond %d steps", *cmd.Step, s.opts.MaxSteps)
			return
		}
		s.step = *cmd.Step
	case data.CmdSetSpeed:
		s.speed = math.Max(minSpeed, math.Min(maxSpeed, *cmd.Speed))
		select {
		case s.retime <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()

	if cmd.Type == data.CmdReset {
		s.gen.Reset()
	}
	s.broadcastControl()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"clients":  s.hub.ClientCount(),
		"sensors":  s.gen.Len(),
		"avg_pm25": math.Round(s.gen.AveragePM25()*10) / 10,
		"control":  s.State(),
	})
}
