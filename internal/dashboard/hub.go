// Package dashboard exposes the engine's inbound event HTTP surface
// (mindmap/actor-trade ingest, health, metrics, paper-balance debug) and
// its outbound WebSocket broadcast of trade_update/price_update
// messages.
package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 65536
	clientSendBuffer = 256
	broadcastBuffer  = 1024
)

// TradeUpdate is broadcast whenever a position opens, closes, or
// advances its trailing-stop state.
type TradeUpdate struct {
	Type        string  `json:"type"`
	PositionID  string  `json:"positionId"`
	TokenMint   string  `json:"tokenMint"`
	Status      string  `json:"status"`
	EntryPrice  float64 `json:"entryPrice"`
	ExitPrice   float64 `json:"exitPrice,omitempty"`
	RealizedPnL float64 `json:"realizedPnL,omitempty"`
}

// PriceUpdate is broadcast on every cached price refresh for a watched
// token.
type PriceUpdate struct {
	Type      string  `json:"type"`
	TokenMint string  `json:"tokenMint"`
	Price     float64 `json:"price"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub fans broadcast messages out to every connected WebSocket client.
// It is the outbound-broadcast worker referenced by the engine's
// concurrency model: a single goroutine (Run) draining a channel fed by
// the position store's event bus.
type Hub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewHub constructs an idle Hub; call Run in its own goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run drains register/unregister/broadcast until doneCh is closed.
func (h *Hub) Run(doneCh <-chan struct{}) {
	for {
		select {
		case <-doneCh:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = nil
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*wsClient, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()
			for _, c := range targets {
				select {
				case c.send <- msg:
				default:
					h.unregister <- c
				}
			}
		}
	}
}

// ClientCount reports currently connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastJSON(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
		log.Warn().Msg("dashboard: broadcast buffer full, dropping message")
	}
}

// ServeWS upgrades r to a WebSocket and registers the connection with
// the hub. Intended to be mounted on a dedicated net/http server, since
// fiber's fasthttp transport cannot hijack a gorilla/websocket upgrade.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("dashboard: websocket upgrade failed")
		return
	}
	c := &wsClient{conn: conn, hub: hub, send: make(chan []byte, clientSendBuffer)}
	hub.register <- c
	go c.writePump()
	go c.readPump()
}
