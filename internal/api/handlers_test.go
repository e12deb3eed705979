package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuaanNguyen/PhoenixProject/internal/alerting"
	"github.com/LuaanNguyen/PhoenixProject/internal/anomaly"
	"github.com/LuaanNguyen/PhoenixProject/internal/auth"
	"github.com/LuaanNguyen/PhoenixProject/internal/config"
	"github.com/LuaanNguyen/PhoenixProject/internal/data"
	"github.com/LuaanNguyen/PhoenixProject/internal/feed"
	"github.com/LuaanNguyen/PhoenixProject/internal/ingest"
	"github.com/LuaanNguyen/PhoenixProject/internal/metrics"
	"github.com/LuaanNguyen/PhoenixProject/internal/storage"
	"github.com/LuaanNguyen/PhoenixProject/internal/websocket"
)

type fakeFeed struct {
	mu     sync.Mutex
	status feed.Status
	sent   []data.Command
}

func (f *fakeFeed) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = feed.StatusConnected
}

func (f *fakeFeed) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = feed.StatusDisconnected
}

func (f *fakeFeed) Send(payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != feed.StatusConnected {
		return false
	}
	f.sent = append(f.sent, payload.(data.Command))
	return true
}

func (f *fakeFeed) Status() feed.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeFeed) Stats() feed.Stats { return feed.Stats{Status: f.Status(), ReconnectAttempts: 2} }
func (f *fakeFeed) URL() string       { return "ws://mock/ws" }

type fixture struct {
	router    http.Handler
	feed      *fakeFeed
	store     *storage.PointStore
	auth      *auth.AuthManager
	processor *ingest.Processor
}

func newFixture(t *testing.T, authCfg auth.Config) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := storage.NewPointStore(100, 10)
	hub := websocket.NewHub()
	go hub.Run(ctx)
	alerter := alerting.NewAlerter(hub, 0)
	detector := anomaly.NewDetector(map[string]config.Rule{"pm25": {Min: 0, Max: 150}})
	stats := metrics.NewPrometheusStats(prometheus.NewRegistry())
	processor := ingest.NewProcessor(store, detector, alerter, ingest.WithStats(stats))
	f := &fakeFeed{status: feed.StatusDisconnected}
	am := auth.NewAuthManager(authCfg)

	h := NewAPIHandler(ctx, store, f, processor, alerter, hub, am, stats, "")
	t.Cleanup(h.StopSmoke)
	return &fixture{router: SetupRouter(h, []string{"*"}), feed: f, store: store, auth: am, processor: processor}
}

func (fx *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func nowMs() int64 { return time.Now().UnixMilli() }

func TestHealthAndStatus(t *testing.T) {
	fx := newFixture(t, auth.Config{})
	assert.Equal(t, http.StatusOK, fx.do(http.MethodGet, "/healthz", "").Code)

	fx.processor.HandleMessage(data.Message{Type: data.TypeBatch, Points: []data.SensorReading{{ID: "a", PM25: 50, Timestamp: nowMs()}}})
	rec := fx.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	feedPart := body["feed"].(map[string]any)
	assert.Equal(t, "ws://mock/ws", feedPart["url"])
	assert.Equal(t, "disconnected", feedPart["status"])
	assert.Equal(t, float64(2), feedPart["reconnect_attempts"])
	counters := body["counters"].(map[string]any)
	assert.Equal(t, map[string]any{"batch": float64(1)}, counters["messages"])
	store := body["store"].(map[string]any)
	assert.Equal(t, float64(1), store["total"])
	assert.Equal(t, float64(100), store["max_points"])
	assert.Equal(t, false, body["auth_enabled"])
}

func TestPointsAreAnnotated(t *testing.T) {
	fx := newFixture(t, auth.Config{})
	fx.store.AddReadings([]data.SensorReading{
		{ID: "good", PM25: 5, Timestamp: nowMs()},
		{ID: "bad", PM25: 200, Timestamp: nowMs()},
		{ID: "old", PM25: 90, Timestamp: nowMs() - int64(time.Hour/time.Millisecond)},
	})

	var points []map[string]any
	rec := fx.do(http.MethodGet, "/api/points", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 2)
	for _, p := range points {
		aqi := p["aqi"].(map[string]any)
		if p["id"] == "bad" {
			assert.Equal(t, "Hazardous", aqi["label"])
		} else {
			assert.Equal(t, "Good", aqi["label"])
		}
	}

	rec = fx.do(http.MethodGet, "/api/points/all", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	assert.Len(t, points, 3)

	rec = fx.do(http.MethodGet, "/api/hotspots", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 1)
	assert.Equal(t, "bad", points[0]["id"])
}

func TestWindowAndClear(t *testing.T) {
	fx := newFixture(t, auth.Config{})
	fx.store.AddReadings([]data.SensorReading{{ID: "old", PM25: 90, Timestamp: nowMs() - int64(30*time.Minute/time.Millisecond)}})

	rec := fx.do(http.MethodPut, "/api/window", `{"minutes":60}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 60, fx.store.TimeWindow())
	assert.Len(t, fx.store.Filtered(), 1)

	assert.Equal(t, http.StatusBadRequest, fx.do(http.MethodPut, "/api/window", `{"minutes":-1}`).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(http.MethodPut, "/api/window", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(http.MethodPut, "/api/window", `{"minutes":"ten"}`).Code)

	assert.Equal(t, http.StatusNoContent, fx.do(http.MethodDelete, "/api/points", "").Code)
	assert.Equal(t, 0, fx.store.Len())
}

func TestCommandsNeedLiveFeed(t *testing.T) {
	fx := newFixture(t, auth.Config{})

	rec := fx.do(http.MethodPost, "/api/fires", `{"lat":38.8,"lon":-120.4}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrFeedOffline.Error())

	assert.Equal(t, http.StatusAccepted, fx.do(http.MethodPost, "/api/live/start", "").Code)

	assert.Equal(t, http.StatusAccepted, fx.do(http.MethodPost, "/api/fires", `{"lat":38.8,"lon":-120.4}`).Code)
	assert.Equal(t, http.StatusAccepted, fx.do(http.MethodDelete, "/api/fires", "").Code)
	assert.Equal(t, http.StatusAccepted, fx.do(http.MethodPost, "/api/playback/pause", "").Code)
	assert.Equal(t, http.StatusNotFound, fx.do(http.MethodPost, "/api/playback/rewind", "").Code)
	assert.Equal(t, http.StatusAccepted, fx.do(http.MethodPut, "/api/playback/step", `{"step":0}`).Code)
	assert.Equal(t, http.StatusAccepted, fx.do(http.MethodPut, "/api/playback/speed", `{"speed":2.5}`).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(http.MethodPut, "/api/playback/speed", `{"speed":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(http.MethodPost, "/api/fires", `{"lat":120,"lon":0}`).Code)

	fx.feed.mu.Lock()
	sent := append([]data.Command(nil), fx.feed.sent...)
	fx.feed.mu.Unlock()
	require.Len(t, sent, 5)
	assert.Equal(t, data.CmdStartFire, sent[0].Type)
	assert.Equal(t, 1.0, *sent[0].Intensity)
	assert.Equal(t, data.CmdClearFires, sent[1].Type)
	assert.Equal(t, data.CmdPause, sent[2].Type)
	assert.Equal(t, 0, *sent[3].Step)
	assert.Equal(t, 2.5, *sent[4].Speed)

	assert.Equal(t, http.StatusOK, fx.do(http.MethodPost, "/api/live/stop", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, fx.do(http.MethodDelete, "/api/fires", "").Code)
}

func TestProtectedRoutes(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	fx := newFixture(t, auth.Config{
		JWTSecret: "s3cret",
		APIKeys:   []string{"key-1"},
		AllowedUsers: []auth.User{
			{Username: "ops", PasswordHash: hash, Role: "admin"},
		},
	})
	fx.feed.Connect()

	assert.Equal(t, http.StatusUnauthorized, fx.do(http.MethodDelete, "/api/fires", "").Code)
	assert.Equal(t, http.StatusAccepted, fx.do(http.MethodDelete, "/api/fires", "", "X-API-Key", "key-1").Code)
	assert.Equal(t, http.StatusOK, fx.do(http.MethodGet, "/api/points", "").Code, "reads stay open")

	assert.Equal(t, http.StatusUnauthorized, fx.do(http.MethodPost, "/auth/login", `{"username":"ops","password":"nope"}`).Code)
	rec := fx.do(http.MethodPost, "/auth/login", `{"username":"ops","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var login loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	assert.Equal(t, "admin", login.Role)

	assert.Equal(t, http.StatusAccepted,
		fx.do(http.MethodPost, "/api/playback/play", "", "Authorization", "Bearer "+login.Token).Code)
}

func TestLoginWithoutSecret(t *testing.T) {
	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	fx := newFixture(t, auth.Config{AllowedUsers: []auth.User{{Username: "u", PasswordHash: hash}}})

	assert.Equal(t, http.StatusNotImplemented, fx.do(http.MethodPost, "/auth/login", `{"username":"u","password":"pw"}`).Code)
}

func TestSmokeSimulation(t *testing.T) {
	fx := newFixture(t, auth.Config{})

	assert.Equal(t, http.StatusNotFound, fx.do(http.MethodDelete, "/api/simulate/smoke", "").Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(http.MethodPost, "/api/simulate/smoke", `{"count":5}`).Code)

	rec := fx.do(http.MethodPost, "/api/simulate/smoke", `{"center":{"lat":38.78,"lon":-120.42},"count":5,"duration_ms":60000}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return fx.store.Len() > 0 }, 2*time.Second, 10*time.Millisecond)
	for _, p := range fx.store.Points() {
		assert.True(t, strings.HasPrefix(p.ID, "sim_"))
	}

	assert.Equal(t, http.StatusNoContent, fx.do(http.MethodDelete, "/api/simulate/smoke", "").Code)
}

func TestAlertsEndpoint(t *testing.T) {
	fx := newFixture(t, auth.Config{})
	assert.Equal(t, http.StatusBadRequest, fx.do(http.MethodGet, "/api/alerts?limit=x", "").Code)

	rec := fx.do(http.MethodGet, "/api/alerts?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	fx := newFixture(t, auth.Config{})
	req := httptest.NewRequest(http.MethodOptions, "/api/window", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t, auth.Config{})
	fx.processor.HandleMessage(data.Message{Type: data.TypeDelta, Point: &data.SensorReading{ID: "a", PM25: 5, Timestamp: nowMs()}})

	rec := fx.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `phoenix_ingest_messages_total{type="delta"} 1`)
	assert.Contains(t, rec.Body.String(), "phoenix_feed_messages_delivered_total 0")
}
