// internal/archive/influx.go
package archive

import (
	"context"
	"fmt"
	"log"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LuaanNguyen/PhoenixProject/internal/data"
	"github.com/LuaanNguyen/PhoenixProject/internal/metrics"
)

const (
	measurement      = "sensor_reading"
	defaultQueueSize = 256
)

// InfluxArchive writes accepted readings to an InfluxDB bucket. Enqueue never
// blocks the caller; Run drains the queue.
type InfluxArchive struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queue    chan []data.SensorReading
	stats    metrics.ArchiveStats
}

type Option func(*InfluxArchive)

// WithStats counts written and dropped readings.
func WithStats(s metrics.ArchiveStats) Option {
	return func(a *InfluxArchive) { a.stats = s }
}

func NewInfluxArchive(url, token, org, bucket string, queueSize int, opts ...Option) *InfluxArchive {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	client := influxdb2.NewClient(url, token)
	a := &InfluxArchive{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		queue:    make(chan []data.SensorReading, queueSize),
		stats:    metrics.Discard{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Point converts a reading to a line-protocol point. Numeric pass-through
// fields become extra fields.
func Point(r data.SensorReading) *write.Point {
	fields := map[string]interface{}{
		"pm25": r.PM25,
		"lat":  r.Lat,
		"lon":  r.Lon,
	}
	for _, name := range r.NumericFields() {
		if _, taken := fields[name]; taken {
			continue
		}
		v, _ := r.Number(name)
		fields[name] = v
	}
	return influxdb2.NewPoint(measurement, map[string]string{"sensor_id": r.ID}, fields, r.Time())
}

// Write stores readings synchronously.
func (a *InfluxArchive) Write(ctx context.Context, readings []data.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		points = append(points, Point(r))
	}
	if err := a.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("error writing to InfluxDB: %w", err)
	}
	a.stats.AddWritten(len(readings))
	return nil
}

// Enqueue hands readings to Run. When the queue is full the batch is dropped.
func (a *InfluxArchive) Enqueue(readings []data.SensorReading) bool {
	if len(readings) == 0 {
		return true
	}
	select {
	case a.queue <- readings:
		return true
	default:
		a.stats.AddDropped(len(readings))
		log.Printf("Archive queue full, dropped %d readings", len(readings))
		return false
	}
}

// Run writes queued batches until ctx is cancelled.
func (a *InfluxArchive) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case readings := <-a.queue:
			if err := a.Write(ctx, readings); err != nil {
				log.Printf("Archive write failed: %v", err)
			}
		}
	}
}

func (a *InfluxArchive) Close() {
	a.client.Close()
}
