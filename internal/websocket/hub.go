// internal/websocket/hub.go
package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Envelope is the frame the dashboard hub pushes to browsers.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub maintains the set of active clients and broadcasts messages.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	greeting func() [][]byte
	handler  func(*Client, []byte)
}

type Option func(*Hub)

// WithGreeting sets the frames sent to each client right after it registers.
func WithGreeting(fn func() [][]byte) Option {
	return func(h *Hub) { h.greeting = fn }
}

// WithHandler sets the callback for frames received from clients.
func WithHandler(fn func(*Client, []byte)) Option {
	return func(h *Hub) { h.handler = fn }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("WebSocket client registered: %s (%s)", client.ID, client.conn.RemoteAddr())
			if h.greeting != nil {
				for _, frame := range h.greeting() {
					select {
					case client.send <- frame:
					default:
					}
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Printf("WebSocket client unregistered: %s", client.ID)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					log.Printf("WebSocket client %s send buffer full, removing", client.ID)
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ServeWS upgrades the request and registers the connection as a client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{ID: uuid.NewString(), hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast wraps payload in an Envelope and sends it to every client.
func (h *Hub) Broadcast(msgType string, payload any) {
	b, err := json.Marshal(Envelope{Type: msgType, Payload: payload})
	if err != nil {
		log.Printf("Error marshalling %s for broadcast: %v", msgType, err)
		return
	}
	h.BroadcastRaw(b)
}

// BroadcastJSON sends v, encoded as is, to every client.
func (h *Hub) BroadcastJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("Error marshalling frame for broadcast: %v", err)
		return
	}
	h.BroadcastRaw(b)
}

// BroadcastRaw sends an encoded frame to every client. It is a no-op once
// the hub has stopped.
func (h *Hub) BroadcastRaw(b []byte) {
	select {
	case h.broadcast <- b:
	case <-h.done:
	}
}
