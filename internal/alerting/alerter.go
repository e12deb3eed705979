// internal/alerting/alerter.go
package alerting

import (
	"log"
	"sync"
	"time"

	"github.com/LuaanNguyen/PhoenixProject/internal/data"
)

const (
	DefaultCooldown = 30 * time.Second
	historySize     = 100
)

// Broadcaster is the push channel alerts go out on.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// Alerter fans alerts out to dashboard clients. A device/metric pair that
// alerted within the cooldown is not re-sent.
type Alerter struct {
	hub      Broadcaster
	cooldown time.Duration
	now      func() time.Time

	mu     sync.Mutex
	last   map[string]time.Time
	recent []data.Alert
}

func NewAlerter(hub Broadcaster, cooldown time.Duration) *Alerter {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Alerter{
		hub:      hub,
		cooldown: cooldown,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// ProcessAlerts sends alerts that are not on cooldown and returns how many went out.
func (a *Alerter) ProcessAlerts(alerts []data.Alert) int {
	if len(alerts) == 0 {
		return 0
	}

	now := a.now()
	var out []data.Alert
	a.mu.Lock()
	for _, alert := range alerts {
		key := alert.DeviceID + "/" + alert.Metric
		if t, ok := a.last[key]; ok && now.Sub(t) < a.cooldown {
			continue
		}
		a.last[key] = now
		out = append(out, alert)
		a.recent = append(a.recent, alert)
	}
	if over := len(a.recent) - historySize; over > 0 {
		a.recent = append([]data.Alert(nil), a.recent[over:]...)
	}
	a.mu.Unlock()

	if len(out) > 0 {
		log.Printf("Processing %d alerts (%d suppressed)", len(out), len(alerts)-len(out))
	}
	if a.hub != nil {
		for _, alert := range out {
			a.hub.Broadcast("alert", alert)
		}
	}
	return len(out)
}

// Recent returns up to n of the latest sent alerts, newest last.
func (a *Alerter) Recent(n int) []data.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.recent) {
		n = len(a.recent)
	}
	out := make([]data.Alert, n)
	copy(out, a.recent[len(a.recent)-n:])
	return out
}

// Reset forgets cooldowns and history.
func (a *Alerter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = make(map[string]time.Time)
	a.recent = nil
}
