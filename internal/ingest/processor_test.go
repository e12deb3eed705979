package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuaanNguyen/PhoenixProject/internal/alerting"
	"github.com/LuaanNguyen/PhoenixProject/internal/anomaly"
	"github.com/LuaanNguyen/PhoenixProject/internal/config"
	"github.com/LuaanNguyen/PhoenixProject/internal/data"
	"github.com/LuaanNguyen/PhoenixProject/internal/metrics"
	"github.com/LuaanNguyen/PhoenixProject/internal/storage"
)

type recordingHub struct {
	mu   sync.Mutex
	msgs map[string][]any
}

func (h *recordingHub) Broadcast(t string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.msgs == nil {
		h.msgs = map[string][]any{}
	}
	h.msgs[t] = append(h.msgs[t], payload)
}

type fakeArchive struct{ batches [][]data.SensorReading }

func (f *fakeArchive) Enqueue(rs []data.SensorReading) bool {
	f.batches = append(f.batches, rs)
	return true
}

func setup(t *testing.T) (*Processor, *storage.PointStore, *recordingHub, *fakeArchive, *int) {
	t.Helper()
	recomputes := 0
	store := storage.NewPointStore(100, 10, storage.OnRecompute(func(storage.View) { recomputes++ }))
	hub := &recordingHub{}
	archive := &fakeArchive{}
	detector := anomaly.NewDetector(map[string]config.Rule{"pm25": {Min: 0, Max: 150}})
	alerter := alerting.NewAlerter(hub, 0)
	return NewProcessor(store, detector, alerter, WithArchive(archive), WithBroadcaster(hub)), store, hub, archive, &recomputes
}

func now() int64 { return time.Now().UnixMilli() }

func TestBatchIsOneStoreUpdate(t *testing.T) {
	p, store, hub, archive, recomputes := setup(t)
	stats := metrics.NewPrometheusStats(prometheus.NewRegistry())
	WithStats(stats)(p)

	p.HandleMessage(data.Message{Type: data.TypeBatch, Points: []data.SensorReading{
		{ID: "a", PM25: 20, Timestamp: now()},
		{ID: "b", PM25: 400, Timestamp: now()},
	}})

	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 1, *recomputes)
	require.Len(t, archive.batches, 1)
	assert.Len(t, hub.msgs["alert"], 1)
	assert.Equal(t, map[string]uint64{"batch": 1}, stats.Snapshot().Messages)
}

func TestDeltaAndEmptyBatch(t *testing.T) {
	p, store, _, archive, recomputes := setup(t)

	p.HandleMessage(data.Message{Type: data.TypeDelta, Point: &data.SensorReading{ID: "a", PM25: 5, Timestamp: now()}})
	p.HandleMessage(data.Message{Type: data.TypeBatch, Points: []data.SensorReading{}})

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 2, *recomputes, "empty batch still recomputes")
	assert.Len(t, archive.batches, 1)
}

func TestSensorBatchTracksStep(t *testing.T) {
	p, store, _, _, _ := setup(t)
	step := 7
	p.HandleMessage(data.Message{Type: data.TypeSensorBatch, Step: &step, Points: []data.SensorReading{{ID: "x", PM25: 1, Timestamp: now()}}})

	assert.Equal(t, 1, store.Len())
	pb := p.Playback()
	require.NotNil(t, pb.Step)
	assert.Equal(t, 7, *pb.Step)

	*pb.Step = 99
	assert.Equal(t, 7, *p.Playback().Step)
}

func TestControlMessagesUpdatePlayback(t *testing.T) {
	p, store, hub, _, _ := setup(t)

	p.HandleMessage(data.Message{Type: data.TypeSimulationInit, InitInfo: &data.SimulationInit{TotalSteps: 40, SensorCount: 64}})
	p.HandleMessage(data.Message{Type: data.TypeControlState, Control: &data.ControlState{CurrentStep: 3, MaxSteps: 40, IsPlaying: true, PlaybackSpeed: 2}})

	pb := p.Playback()
	require.NotNil(t, pb.Init)
	require.NotNil(t, pb.Control)
	assert.Equal(t, 40, pb.Init.TotalSteps)
	assert.Equal(t, 2.0, pb.Control.PlaybackSpeed)
	assert.Len(t, hub.msgs["playback"], 2)
	assert.Equal(t, 0, store.Len())
}

func TestIngestWithoutOptionalParts(t *testing.T) {
	store := storage.NewPointStore(10, 10)
	p := NewProcessor(store, nil, nil)

	p.Ingest([]data.SensorReading{{ID: "a", PM25: 900, Timestamp: now()}})
	p.HandleMessage(data.Message{Type: data.TypeControlState, Control: &data.ControlState{PlaybackSpeed: 1}})
	assert.Equal(t, 1, store.Len())
}
