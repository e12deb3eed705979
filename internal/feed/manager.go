// internal/feed/manager.go
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LuaanNguyen/PhoenixProject/internal/data"
	"github.com/LuaanNguyen/PhoenixProject/internal/metrics"
)

// Status is the connection state reported to observers.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 2 * time.Second
	DefaultThrottleInterval     = 100 * time.Millisecond

	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 4 << 20 // full-network batches run to a few hundred KB
)

// Options configures a Manager. Zero values select the defaults; a negative
// MaxReconnectAttempts disables reconnects and a negative ThrottleInterval
// disables throttling.
type Options struct {
	URL                  string
	Header               http.Header
	Dialer               *websocket.Dialer
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ThrottleInterval     time.Duration

	// Metrics receives frame and reconnect counts. Nil discards them.
	Metrics metrics.FeedStats

	OnMessage      func(data.Message)
	OnStatusChange func(Status)
	OnError        func(error)
	OnReconnect    func(attempt int, delay time.Duration)
}

// Stats is the connection state together with the reconnect attempts used
// in the current failure episode.
type Stats struct {
	Status            Status `json:"status"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

type reconnectInfo struct {
	attempt int
	delay   time.Duration
}

// event is a queued callback invocation. Messages carry the generation of the
// socket that produced them so frames from a dead socket are never delivered.
type event struct {
	status    Status
	msg       *data.Message
	err       error
	reconnect *reconnectInfo
	gen       uint64
}

// Manager keeps at most one live socket to a feed endpoint, validates inbound
// frames and reconnects with exponential backoff after unexpected closes.
//
// All state transitions happen under mu. Every socket, dial and timer is
// tagged with the generation current when it started; Connect and Disconnect
// bump the generation, which turns anything older into a no-op. Callbacks are
// queued under mu and run afterwards, in order, by whichever goroutine wins
// flushMu, so they may call back into the Manager.
type Manager struct {
	opts    Options
	dialer  *websocket.Dialer
	metrics metrics.FeedStats

	mu            sync.Mutex
	status        Status
	conn          *websocket.Conn
	gen           uint64
	dialing       bool
	cancelDial    context.CancelFunc
	attempts      int
	manual        bool
	timer         *time.Timer
	lastDelivered time.Time
	queue         []event

	flushMu sync.Mutex
	writeMu sync.Mutex
}

// New creates a Manager for opts.URL. It does not connect.
func New(opts Options) *Manager {
	switch {
	case opts.MaxReconnectAttempts == 0:
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	case opts.MaxReconnectAttempts < 0:
		opts.MaxReconnectAttempts = 0
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ThrottleInterval == 0 {
		opts.ThrottleInterval = DefaultThrottleInterval
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	stats := opts.Metrics
	if stats == nil {
		stats = metrics.Discard{}
	}
	return &Manager{
		opts:    opts,
		dialer:  dialer,
		metrics: stats,
		status:  StatusDisconnected,
	}
}

// URL returns the endpoint this Manager connects to.
func (m *Manager) URL() string {
	return m.opts.URL
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Status: m.status, ReconnectAttempts: m.attempts}
}

// Connect opens the socket unless one is already open or being dialed.
// It starts a new failure episode: the reconnect counter is reset.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.status == StatusConnected || m.dialing {
		m.mu.Unlock()
		return
	}
	m.manual = false
	m.attempts = 0
	m.stopTimerLocked()
	m.dialLocked()
	m.mu.Unlock()
	m.flush()
}

// Disconnect closes the socket and cancels any pending reconnect. Nothing
// from the old socket is delivered once it returns, and no reconnect happens
// until Connect is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	m.stopTimerLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.dialing = false
	conn := m.conn
	m.conn = nil
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if conn != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		conn.Close()
	}
	m.flush()
}

// Send writes payload as one JSON text frame. It reports false without
// queueing when the socket is not open; encode and write failures go to
// OnError.
func (m *Manager) Send(payload any) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.status == StatusConnected && conn != nil
	m.mu.Unlock()
	if !open {
		return false
	}

	b, err := json.Marshal(payload)
	if err != nil {
		m.sendFailed(fmt.Errorf("failed to send message: %w", err))
		return false
	}

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, b)
	m.writeMu.Unlock()
	if err != nil {
		m.sendFailed(fmt.Errorf("failed to send message: %w", err))
		return false
	}
	return true
}

func (m *Manager) sendFailed(err error) {
	m.metrics.IncSendFailed()
	m.mu.Lock()
	m.enqueueLocked(event{err: err})
	m.mu.Unlock()
	m.flush()
}

// dialLocked starts an asynchronous dial under a fresh generation.
func (m *Manager) dialLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	m.cancelDial = cancel
	m.dialing = true
	m.setStatusLocked(StatusConnecting)
	go m.dial(ctx, cancel, gen)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	conn, resp, err := m.dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.dialing = false
	m.cancelDial = nil
	if err != nil {
		log.Printf("Feed dial %s failed: %v", m.opts.URL, err)
		m.closedLocked()
		m.mu.Unlock()
		m.flush()
		return
	}

	m.conn = conn
	m.attempts = 0
	m.setStatusLocked(StatusConnected)
	m.mu.Unlock()
	m.flush()

	done := make(chan struct{})
	go m.pingLoop(conn, done)
	m.readLoop(conn, gen, done)
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen == m.gen && m.conn == conn {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("Feed read error: %v", err)
				}
				m.conn = nil
				m.closedLocked()
			}
			m.mu.Unlock()
			m.flush()
			return
		}

		msg, perr := data.Parse(raw)
		now := time.Now()

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		switch {
		case perr != nil:
			m.metrics.IncInvalid()
			m.enqueueLocked(event{err: fmt.Errorf("invalid message format: %w", perr)})
		case m.throttledLocked(now):
			m.metrics.IncThrottled()
		default:
			m.lastDelivered = now
			m.enqueueLocked(event{msg: &msg, gen: gen})
		}
		m.mu.Unlock()
		m.flush()
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (m *Manager) throttledLocked(now time.Time) bool {
	interval := m.opts.ThrottleInterval
	if interval <= 0 || m.lastDelivered.IsZero() {
		return false
	}
	return now.Sub(m.lastDelivered) < interval
}

// closedLocked handles a socket or dial that ended without Disconnect.
func (m *Manager) closedLocked() {
	if m.manual {
		m.setStatusLocked(StatusDisconnected)
		return
	}
	m.setStatusLocked(StatusError)
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the single reconnect timer, or settles into
// disconnected once the attempts for this episode are used up.
func (m *Manager) scheduleReconnectLocked() {
	if m.timer != nil {
		return
	}
	if m.manual || m.attempts >= m.opts.MaxReconnectAttempts {
		log.Printf("Feed giving up after %d reconnect attempts", m.attempts)
		m.setStatusLocked(StatusDisconnected)
		return
	}
	m.attempts++
	m.metrics.IncReconnectAttempt()
	delay := m.opts.ReconnectDelay * time.Duration(1<<(m.attempts-1))
	gen := m.gen
	m.enqueueLocked(event{reconnect: &reconnectInfo{attempt: m.attempts, delay: delay}})
	m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.dialLocked()
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	m.enqueueLocked(event{status: s})
}

func (m *Manager) enqueueLocked(ev event) {
	m.queue = append(m.queue, ev)
}

// flush runs queued callbacks in order. Only one goroutine drains at a time;
// a callback that re-enters the Manager just appends to the queue it is
// being drained from.
func (m *Manager) flush() {
	for {
		if !m.flushMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			ev := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			m.dispatch(ev)
		}
		m.flushMu.Unlock()

		// An event queued between the last check and Unlock would otherwise
		// wait for the next flush.
		m.mu.Lock()
		empty := len(m.queue) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

func (m *Manager) dispatch(ev event) {
	switch {
	case ev.status != "":
		log.Printf("Feed status: %s", ev.status)
		if m.opts.OnStatusChange != nil {
			m.opts.OnStatusChange(ev.status)
		}
	case ev.msg != nil:
		// Checked at the last moment: a Disconnect that ran while this event
		// sat in the queue, or while an earlier callback ran, voids it.
		m.mu.Lock()
		current := ev.gen == m.gen
		m.mu.Unlock()
		if !current {
			return
		}
		m.metrics.IncDelivered()
		if m.opts.OnMessage != nil {
			m.opts.OnMessage(*ev.msg)
		}
	case ev.err != nil:
		if m.opts.OnError != nil {
			m.opts.OnError(ev.err)
		} else {
			log.Printf("Feed error: %v", ev.err)
		}
	case ev.reconnect != nil:
		log.Printf("Feed reconnect attempt %d in %s", ev.reconnect.attempt, ev.reconnect.delay)
		if m.opts.OnReconnect != nil {
			m.opts.OnReconnect(ev.reconnect.attempt, ev.reconnect.delay)
		}
	}
}
