// internal/anomaly/detector.go
package anomaly

import (
	"fmt"
	"log"
	"sort"

	"github.com/LuaanNguyen/PhoenixProject/internal/config"
	"github.com/LuaanNguyen/PhoenixProject/internal/data"
)

const (
	SeverityWarn     = "WARN"
	SeverityCritical = "CRITICAL"
)

type Detector struct {
	rules map[string]config.Rule
}

func NewDetector(rules map[string]config.Rule) *Detector {
	copied := make(map[string]config.Rule, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	return &Detector{rules: copied}
}

// Check tests pm25 and every numeric pass-through field of a reading against
// the configured min/max rules. Metrics without a rule are ignored.
func (d *Detector) Check(r data.SensorReading) []data.Alert {
	var alerts []data.Alert

	metrics := map[string]float64{"pm25": r.PM25}
	for _, name := range r.NumericFields() {
		v, _ := r.Number(name)
		metrics[name] = v
	}

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rule, ok := d.rules[name]
		if !ok {
			continue
		}
		value := metrics[name]
		if value >= rule.Min && value <= rule.Max {
			continue
		}

		alert := data.Alert{
			Timestamp: r.Time(),
			Severity:  SeverityWarn,
			Message:   fmt.Sprintf("Anomaly detected for %s on %s: value %.2f is outside range [%.2f, %.2f]", name, r.ID, value, rule.Min, rule.Max),
			Metric:    name,
			Value:     value,
			DeviceID:  r.ID,
		}
		if name == "pm25" {
			idx := data.BandIndex(value)
			alert.Band = data.AQIBands[idx].Label
			if idx == len(data.AQIBands)-1 {
				alert.Severity = SeverityCritical
			}
		}
		alerts = append(alerts, alert)
		log.Printf("ALERT: %s", alert.Message)
	}
	return alerts
}

// CheckAll runs Check over a batch.
func (d *Detector) CheckAll(readings []data.SensorReading) []data.Alert {
	var alerts []data.Alert
	for _, r := range readings {
		alerts = append(alerts, d.Check(r)...)
	}
	return alerts
}
