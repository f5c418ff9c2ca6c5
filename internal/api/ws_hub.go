package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type           string `json:"type"`
	OrderID        int64  `json:"order_id,omitempty"`
	OrderBookID    string `json:"order_book_id,omitempty"`
	Side           string `json:"side,omitempty"`
	Status         string `json:"status,omitempty"`
	Quantity       int64  `json:"quantity,omitempty"`
	FilledQuantity int64  `json:"filled_quantity,omitempty"`
	Price          string `json:"price,omitempty"`
	Message        string `json:"message,omitempty"`
	ExecID         string `json:"exec_id,omitempty"`
	TotalValue     string `json:"total_value,omitempty"`
	Datetime       string `json:"datetime"`
}

// WSHub manages WebSocket connections and broadcasts order lifecycle,
// trade and settlement messages to every connected client.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called
// in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the run loop.
	}
}

// Observe streams eng's order, trade and settlement events. Call it
// before eng.Run.
func (h *WSHub) Observe(eng *engine.Engine) {
	for _, t := range []event.Type{
		event.OrderCreationPass,
		event.OrderCreationReject,
		event.OrderCancellationPass,
		event.OrderCancellationReject,
		event.OrderUnsolicitedUpdate,
		event.Trade,
	} {
		eng.Subscribe(t, func(e *event.Event) error {
			h.Broadcast(messageOf(e))
			return nil
		})
	}
	eng.Subscribe(event.PostSettlement, func(e *event.Event) error {
		h.Broadcast(WSMessage{
			Type:       e.Type.String(),
			TotalValue: eng.Portfolio().TotalValue().StringFixed(2),
			Datetime:   e.TradingDT.Format(time.DateOnly),
		})
		return nil
	})
}

func messageOf(e *event.Event) WSMessage {
	msg := WSMessage{Type: e.Type.String(), Datetime: e.CalendarDT.Format(time.DateTime)}
	if o := e.Order; o != nil {
		msg.OrderID = o.ID()
		msg.OrderBookID = o.OrderBookID()
		msg.Side = string(o.Side())
		msg.Status = string(o.Status())
		msg.Quantity = o.Quantity()
		msg.FilledQuantity = o.FilledQuantity()
		msg.Message = o.Message()
	}
	if t := e.Trade; t != nil {
		msg.ExecID = t.ExecID
		msg.OrderBookID = t.OrderBookID
		msg.Side = string(t.Side)
		msg.Quantity = t.LastQuantity
		msg.Price = t.LastPrice.String()
	}
	return msg
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
