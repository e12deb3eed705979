// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "phoenix"

type FeedStats interface {
	// inbound frames
	IncDelivered()
	IncThrottled()
	IncInvalid()

	// errors
	IncSendFailed()
	IncReconnectAttempt()
}

type IngestStats interface {
	IncMessage(msgType string)
}

type ArchiveStats interface {
	AddWritten(n int)
	AddDropped(n int)
}

// Discard drops every observation. Components fall back to it when no stats
// sink is configured.
type Discard struct{}

func (Discard) IncDelivered()        {}
func (Discard) IncThrottled()        {}
func (Discard) IncInvalid()          {}
func (Discard) IncSendFailed()       {}
func (Discard) IncReconnectAttempt() {}
func (Discard) IncMessage(string)    {}
func (Discard) AddWritten(int)       {}
func (Discard) AddDropped(int)       {}

type PrometheusStats struct {
	// feed
	FeedDelivered  prometheus.Counter
	FeedThrottled  prometheus.Counter
	FeedInvalid    prometheus.Counter
	FeedSendFailed prometheus.Counter
	FeedReconnects prometheus.Counter

	// ingest
	Messages *prometheus.CounterVec

	// archive
	ArchiveWritten prometheus.Counter
	ArchiveDropped prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewPrometheusStats registers the pipeline counters with reg. When reg is
// also a Gatherer, Handler serves it; otherwise Handler serves the default
// registry.
func NewPrometheusStats(reg prometheus.Registerer) *PrometheusStats {
	m := &PrometheusStats{
		FeedDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_delivered_total",
			Help:      "Total number of valid feed messages handed to the consumer",
		}),
		FeedThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_throttled_total",
			Help:      "Total number of valid feed messages dropped by the throttle",
		}),
		FeedInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_invalid_total",
			Help:      "Total number of feed frames that failed validation",
		}),
		FeedSendFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "send_failed_total",
			Help:      "Total number of outbound commands that could not be written",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnect attempts",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Total number of handled feed messages by type",
		}, []string{"type"}),
		ArchiveWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "readings_written_total",
			Help:      "Total number of readings written to InfluxDB",
		}),
		ArchiveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "readings_dropped_total",
			Help:      "Total number of readings dropped because the archive queue was full",
		}),
		gatherer: prometheus.DefaultGatherer,
	}

	reg.MustRegister(
		m.FeedDelivered,
		m.FeedThrottled,
		m.FeedInvalid,
		m.FeedSendFailed,
		m.FeedReconnects,
		m.Messages,
		m.ArchiveWritten,
		m.ArchiveDropped,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *PrometheusStats) IncDelivered() {
	m.FeedDelivered.Inc()
}

func (m *PrometheusStats) IncThrottled() {
	m.FeedThrottled.Inc()
}

func (m *PrometheusStats) IncInvalid() {
	m.FeedInvalid.Inc()
}

func (m *PrometheusStats) IncSendFailed() {
	m.FeedSendFailed.Inc()
}

func (m *PrometheusStats) IncReconnectAttempt() {
	m.FeedReconnects.Inc()
}

func (m *PrometheusStats) IncMessage(msgType string) {
	m.Messages.WithLabelValues(msgType).Inc()
}

func (m *PrometheusStats) AddWritten(n int) {
	m.ArchiveWritten.Add(float64(n))
}

func (m *PrometheusStats) AddDropped(n int) {
	m.ArchiveDropped.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusStats) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Snapshot is a point-in-time read of the counters for the status endpoint.
type Snapshot struct {
	Delivered      uint64            `json:"delivered"`
	Throttled      uint64            `json:"throttled"`
	Invalid        uint64            `json:"invalid"`
	SendFailures   uint64            `json:"send_failures"`
	Reconnects     uint64            `json:"reconnects"`
	Messages       map[string]uint64 `json:"messages"`
	ArchiveWritten uint64            `json:"archive_written"`
	ArchiveDropped uint64            `json:"archive_dropped"`
}

func (m *PrometheusStats) Snapshot() Snapshot {
	s := Snapshot{
		Delivered:      counterValue(m.FeedDelivered),
		Throttled:      counterValue(m.FeedThrottled),
		Invalid:        counterValue(m.FeedInvalid),
		SendFailures:   counterValue(m.FeedSendFailed),
		Reconnects:     counterValue(m.FeedReconnects),
		Messages:       make(map[string]uint64),
		ArchiveWritten: counterValue(m.ArchiveWritten),
		ArchiveDropped: counterValue(m.ArchiveDropped),
	}

	ch := make(chan prometheus.Metric)
	go func() {
		m.Messages.Collect(ch)
		close(ch)
	}()
	for metric := range ch {
		var pb dto.Metric
		if err := metric.Write(&pb); err != nil {
			continue
		}
		for _, label := range pb.GetLabel() {
			if label.GetName() == "type" {
				s.Messages[label.GetValue()] = uint64(pb.GetCounter().GetValue())
			}
		}
	}
	return s
}

func counterValue(c prometheus.Counter) uint64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}
