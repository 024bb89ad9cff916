package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bank-sync/internal/messaging"
	"github.com/bank-sync/pkg/config"
	"github.com/bank-sync/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Manager streams balance updates to connected WebSocket clients. It is
// fed by the NATS balance subscription, so every instance sees updates
// regardless of which coordinator produced them.
type Manager struct {
	cfg      *config.WebSocketConfig
	upgrader websocket.Upgrader
	nats     *messaging.NATSClient
	logger   *logrus.Entry

	clients   map[*client]struct{}
	clientsMu sync.RWMutex
	broadcast chan *models.BalanceUpdate
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewManager creates a new WebSocket manager
func NewManager(cfg *config.WebSocketConfig, natsClient *messaging.NATSClient, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		nats:      natsClient,
		logger:    logger.WithField("component", "websocket"),
		clients:   make(map[*client]struct{}),
		broadcast: make(chan *models.BalanceUpdate, 64),
	}
}

// Run forwards NATS balance updates to all connected clients until the
// context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	if m.nats != nil {
		if err := m.nats.SubscribeBalances(func(update *models.BalanceUpdate) {
			select {
			case m.broadcast <- update:
			default:
				m.logger.Warn("Broadcast buffer full, dropping balance update")
			}
		}); err != nil {
			m.logger.WithError(err).Error("Failed to subscribe to balance updates")
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case update := <-m.broadcast:
			m.send(update)
		}
	}
}

// HandleWebSocket upgrades an HTTP request to a WebSocket subscription
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.clientsMu.RLock()
	count := len(m.clients)
	m.clientsMu.RUnlock()

	if count >= m.cfg.MaxClients {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, 16),
	}

	m.clientsMu.Lock()
	m.clients[c] = struct{}{}
	m.clientsMu.Unlock()

	m.logger.WithField("remote", conn.RemoteAddr().String()).Debug("WebSocket client connected")

	go m.writePump(c)
	go m.readPump(c)
}

// ConnectionCount returns the number of connected clients
func (m *Manager) ConnectionCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

func (m *Manager) send(update *models.BalanceUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		m.logger.WithError(err).Error("Failed to marshal balance update")
		return
	}

	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()

	for c := range m.clients {
		select {
		case c.send <- data:
		default:
			// Slow client, drop the frame rather than block the fan-out
		}
	}
}

func (m *Manager) writePump(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			m.remove(c)
			return
		}
	}
	c.conn.Close()
}

// readPump discards inbound frames and detects disconnects
func (m *Manager) readPump(c *client) {
	defer m.remove(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *Manager) remove(c *client) {
	m.clientsMu.Lock()
	if _, ok := m.clients[c]; ok {
		delete(m.clients, c)
		close(c.send)
	}
	m.clientsMu.Unlock()

	c.conn.Close()
}

func (m *Manager) closeAll() {
	m.clientsMu.Lock()
	for c := range m.clients {
		close(c.send)
		c.conn.Close()
		delete(m.clients, c)
	}
	m.clientsMu.Unlock()
}
