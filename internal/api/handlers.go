package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/LuaanNguyen/PhoenixProject/internal/alerting"
	"github.com/LuaanNguyen/PhoenixProject/internal/auth"
	"github.com/LuaanNguyen/PhoenixProject/internal/data"
	"github.com/LuaanNguyen/PhoenixProject/internal/feed"
	"github.com/LuaanNguyen/PhoenixProject/internal/ingest"
	"github.com/LuaanNguyen/PhoenixProject/internal/metrics"
	"github.com/LuaanNguyen/PhoenixProject/internal/sim"
	"github.com/LuaanNguyen/PhoenixProject/internal/storage"
	"github.com/LuaanNguyen/PhoenixProject/internal/websocket"
)

// ErrFeedOffline is returned when a command cannot be sent because the feed
// socket is not open.
var ErrFeedOffline = errors.New("feed not connected")

var validate = validator.New()

// Feed is the live connection the dashboard controls.
type Feed interface {
	Connect()
	Disconnect()
	Send(payload any) bool
	Status() feed.Status
	Stats() feed.Stats
	URL() string
}

type APIHandler struct {
	ctx       context.Context
	store     *storage.PointStore
	feed      Feed
	processor *ingest.Processor
	alerter   *alerting.Alerter
	hub       *websocket.Hub
	auth      *auth.AuthManager
	stats     *metrics.PrometheusStats
	smoke     *sim.Runner
	webDir    string
}

// NewAPIHandler wires the handler set. ctx bounds background work started
// from requests, such as smoke simulations.
func NewAPIHandler(ctx context.Context, store *storage.PointStore, f Feed, processor *ingest.Processor,
	alerter *alerting.Alerter, hub *websocket.Hub, am *auth.AuthManager, stats *metrics.PrometheusStats, webDir string) *APIHandler {
	return &APIHandler{
		ctx:       ctx,
		store:     store,
		feed:      f,
		processor: processor,
		alerter:   alerter,
		hub:       hub,
		auth:      am,
		stats:     stats,
		smoke:     &sim.Runner{},
		webDir:    webDir,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// decode reads a JSON body into dst and runs its validate tags.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

// Point is a reading annotated with its AQI band for display.
type Point struct {
	data.SensorReading
	AQI data.AQIBand `json:"-"`
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.SensorReading.WithExtra("aqi", p.AQI))
}

func annotate(rs []data.SensorReading) []Point {
	out := make([]Point, len(rs))
	for i, r := range rs {
		out[i] = Point{SensorReading: r, AQI: data.BandFor(r.PM25)}
	}
	return out
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type StatusResponse struct {
	Feed struct {
		URL string `json:"url"`
		feed.Stats
	} `json:"feed"`
	Store struct {
		storage.View
		MaxPoints int `json:"max_points"`
	} `json:"store"`
	Playback     ingest.Playback   `json:"playback"`
	Counters     *metrics.Snapshot `json:"counters,omitempty"`
	Clients      int               `json:"clients"`
	SmokeRunning bool              `json:"smoke_running"`
	AuthEnabled  bool              `json:"auth_enabled"`
}

func (h *APIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	resp.Feed.URL = h.feed.URL()
	resp.Feed.Stats = h.feed.Stats()
	resp.Store.View = h.store.View()
	resp.Store.MaxPoints = h.store.MaxPoints()
	resp.Playback = h.processor.Playback()
	if h.stats != nil {
		snap := h.stats.Snapshot()
		resp.Counters = &snap
	}
	resp.Clients = h.hub.ClientCount()
	resp.SmokeRunning = h.smoke.Running()
	resp.AuthEnabled = h.auth.Enabled()
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) HandleFilteredPoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, annotate(h.store.Filtered()))
}

func (h *APIHandler) HandleAllPoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Points())
}

func (h *APIHandler) HandleHotspots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, annotate(h.store.Hotspots()))
}

func (h *APIHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.alerter.Recent(limit))
}

type windowRequest struct {
	Minutes *int `json:"minutes" validate:"required,gte=0,lte=10080"`
}

func (h *APIHandler) HandleSetWindow(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	h.store.SetTimeWindow(*req.Minutes)
	writeJSON(w, http.StatusOK, h.store.View())
}

func (h *APIHandler) HandleClearPoints(w http.ResponseWriter, r *http.Request) {
	h.store.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) HandleLiveStart(w http.ResponseWriter, r *http.Request) {
	h.feed.Connect()
	writeJSON(w, http.StatusAccepted, map[string]feed.Status{"status": h.feed.Status()})
}

func (h *APIHandler) HandleLiveStop(w http.ResponseWriter, r *http.Request) {
	h.feed.Disconnect()
	writeJSON(w, http.StatusOK, map[string]feed.Status{"status": h.feed.Status()})
}

// sendCommand forwards cmd to the feed server.
func (h *APIHandler) sendCommand(w http.ResponseWriter, cmd data.Command) {
	if !h.feed.Send(cmd) {
		writeError(w, http.StatusServiceUnavailable, "feed_offline", ErrFeedOffline.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

type fireRequest struct {
	Lat       *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon       *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
	Intensity *float64 `json:"intensity" validate:"omitempty,gt=0"`
}

func (h *APIHandler) HandleStartFire(w http.ResponseWriter, r *http.Request) {
	var req fireRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	intensity := 1.0
	if req.Intensity != nil {
		intensity = *req.Intensity
	}
	h.sendCommand(w, data.StartFire(*req.Lat, *req.Lon, intensity))
}

func (h *APIHandler) HandleClearFires(w http.ResponseWriter, r *http.Request) {
	h.sendCommand(w, data.ClearFires())
}

func (h *APIHandler) HandlePlayback(w http.ResponseWriter, r *http.Request) {
	cmd, ok := data.PlaybackCommand(chi.URLParam(r, "action"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_action", "action must be play, pause or reset")
		return
	}
	h.sendCommand(w, cmd)
}

type stepRequest struct {
	Step *int `json:"step" validate:"required,gte=0"`
}

func (h *APIHandler) HandleSetStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	h.sendCommand(w, data.SetStep(*req.Step))
}

type speedRequest struct {
	Speed *float64 `json:"speed" validate:"required,gt=0"`
}

func (h *APIHandler) HandleSetSpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	h.sendCommand(w, data.SetSpeed(*req.Speed))
}

type smokeRequest struct {
	Center *struct {
		Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
		Lon *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
	} `json:"center" validate:"required"`
	MinIntensity float64 `json:"min_intensity" validate:"gte=0"`
	MaxIntensity float64 `json:"max_intensity" validate:"gte=0,gtefield=MinIntensity"`
	DurationMs   int     `json:"duration_ms" validate:"gte=0,lte=600000"`
	Count        int     `json:"count" validate:"gte=0,lte=1000"`
	RadiusDeg    float64 `json:"radius_deg" validate:"gte=0,lte=5"`
}

func (h *APIHandler) HandleStartSmoke(w http.ResponseWriter, r *http.Request) {
	var req smokeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	opts := sim.SmokeOptions{
		Center:       data.Coordinates{Lat: *req.Center.Lat, Lon: *req.Center.Lon},
		MinIntensity: req.MinIntensity,
		MaxIntensity: req.MaxIntensity,
		Duration:     time.Duration(req.DurationMs) * time.Millisecond,
		Count:        req.Count,
		RadiusDeg:    req.RadiusDeg,
	}
	h.smoke.Start(h.ctx, opts, h.processor.Ingest)
	log.Printf("Smoke simulation started at %.4f,%.4f", opts.Center.Lat, opts.Center.Lon)
	writeJSON(w, http.StatusAccepted, map[string]bool{"running": true})
}

func (h *APIHandler) HandleStopSmoke(w http.ResponseWriter, r *http.Request) {
	if !h.smoke.Stop() {
		writeError(w, http.StatusNotFound, "not_running", "no smoke simulation is running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
}

func (h *APIHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	role, err := h.auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
		return
	}
	token, expires, err := h.auth.GenerateJWT(req.Username, role)
	if err != nil {
		if errors.Is(err, auth.ErrNoSecret) {
			writeError(w, http.StatusNotImplemented, "login_disabled", err.Error())
			return
		}
		log.Printf("Error signing token for %s: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires, Role: role})
}

func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}

// StopSmoke cancels any running simulation; used on shutdown.
func (h *APIHandler) StopSmoke() {
	h.smoke.Stop()
}
