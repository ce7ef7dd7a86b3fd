// Package websocket streams escrow lifecycle events to connected clients,
// optionally filtered to a single transaction.
package websocket

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/deedflow/backend/internal/events"
)

// Streamer is a fan-out hub: every envelope published on the event bus is
// written to all connected clients whose filter matches.
type Streamer struct {
	clients    map[*client]bool
	broadcast  chan *events.Envelope
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

type client struct {
	conn *websocket.Conn
	// transactionID filters the stream; empty receives everything.
	transactionID string
}

// NewStreamer creates the hub. Call Run before serving connections.
func NewStreamer() *Streamer {
	return &Streamer{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *events.Envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[Stream] ", log.LstdFlags),
	}
}

// Run pumps registrations and broadcasts until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for c := range s.clients {
				c.conn.Close()
				delete(s.clients, c)
			}
			s.mu.Unlock()
			return

		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client connected (total: %d)", total)

		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				c.conn.Close()
			}
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client disconnected (total: %d)", total)

		case event := <-s.broadcast:
			s.mu.Lock()
			for c := range s.clients {
				if c.transactionID != "" && c.transactionID != event.Subject {
					continue
				}
				if err := c.conn.WriteJSON(event); err != nil {
					s.logger.Printf("write error: %v", err)
					c.conn.Close()
					delete(s.clients, c)
				}
			}
			s.mu.Unlock()
		}
	}
}

// ConsumeBus forwards bus events to the hub until ctx is cancelled.
func (s *Streamer) ConsumeBus(ctx context.Context, bus *events.EventBus) {
	ch := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				select {
				case s.broadcast <- event:
				default:
					s.logger.Printf("broadcast queue full, dropping event %s", event.ID)
				}
			}
		}
	}()
}

// HandleWebSocket upgrades the connection. A ?transaction_id= query filters
// the stream to one transaction.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, transactionID: r.URL.Query().Get("transaction_id")}
	s.register <- c

	go func() {
		defer func() { s.unregister <- c }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Stats reports hub occupancy for the health endpoint.
func (s *Streamer) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"broadcast_queue":   len(s.broadcast),
	}
}
