package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"astrobox-agent/internal/events"
)

// wsClient is one connected browser session.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub fans agent events out to connected WebSocket clients.
type WSHub struct {
	logger     *slog.Logger
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	clients    map[*wsClient]struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:     logger.With("component", "ws-hub"),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 64),
		clients:    make(map[*wsClient]struct{}),
		done:       make(chan struct{}),
	}
}

// Run processes hub events until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Debug("ws client connected", "clients", len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client, drop it rather than block the hub.
					delete(h.clients, c)
					close(c.send)
				}
			}
		case <-h.done:
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*wsClient]struct{})
			return
		}
	}
}

// Stop shuts the hub down. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues an event for all connected clients. Messages are
// dropped when the queue is full.
func (h *WSHub) Broadcast(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal ws event", "type", event.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Warn("ws broadcast queue full, dropping event", "type", event.Type)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.allowedOrigins,
	})
	if err != nil {
		s.logger.Warn("ws accept failed", "err", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 32),
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(c *wsClient) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			break
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump drains the connection so pings are handled and we notice
// the peer going away. Inbound messages are ignored.
func (s *Server) wsReadPump(c *wsClient) {
	ctx := context.Background()
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			break
		}
	}
	select {
	case s.wsHub.unregister <- c:
	case <-s.wsHub.done:
	}
}
