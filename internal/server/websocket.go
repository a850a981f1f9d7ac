package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Event is the wire shape of one broadcast engine event.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// EventHub fans engine lifecycle events out to WebSocket subscribers. It
// implements engine.EventPublisher. Slow subscribers are disconnected rather
// than allowed to stall the broadcast loop.
type EventHub struct {
	clients    map[subscriber]bool
	broadcast  chan Event
	register   chan subscriber
	unregister chan subscriber
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// subscriber allows for both real connections and mocks in tests.
type subscriber interface {
	sendChannel() chan []byte
	close()
}

type wsClient struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte { return c.send }

func (c *wsClient) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// NewEventHub creates an event hub. Call Run in a goroutine to start it.
func NewEventHub() *EventHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventHub{
		clients:    make(map[subscriber]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan subscriber),
		unregister: make(chan subscriber),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Publish satisfies engine.EventPublisher. A full broadcast queue drops the
// event; events are advisory, never load-bearing.
func (h *EventHub) Publish(kind string, payload any) {
	event := Event{Type: kind, Timestamp: time.Now().UTC(), Payload: payload}
	select {
	case h.broadcast <- event:
	default:
		log.Println("server: event queue full, dropping event")
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: event subscriber connected (total: %d)", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.sendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: event subscriber disconnected (total: %d)", count)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("server: event marshal failed: %v", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.sendChannel() <- data:
				default:
					// Slow subscriber: drop it instead of stalling.
					close(client.sendChannel())
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts down the hub and disconnects every subscriber.
func (h *EventHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.sendChannel())
		client.close()
	}
	h.clients = make(map[subscriber]bool)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and subscribes the connection to events.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 64)}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		client.close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	defer c.close()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			c.hub.unsubscribe(c)
			return
		}
	}
}

// readPump drains client frames to detect disconnection; subscribers never
// send meaningful messages.
func (c *wsClient) readPump() {
	defer c.close()

	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			c.hub.unsubscribe(c)
			return
		}
	}
}

func (h *EventHub) unsubscribe(s subscriber) {
	select {
	case h.unregister <- s:
	case <-h.ctx.Done():
	}
}
