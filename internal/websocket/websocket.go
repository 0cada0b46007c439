package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ping-upload-coordinator/internal/logging"
)

const writeWait = 5 * time.Second

// Snapshot produces the state pushed to clients
type Snapshot func(ctx context.Context) (any, error)

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Manager manages WebSocket connections and broadcasts
type Manager struct {
	clients   map[*client]bool
	clientsMu sync.Mutex
	snapshot  Snapshot
	logger    *slog.Logger
}

// New creates a new WebSocket manager
func New(snapshot Snapshot, logger *slog.Logger) *Manager {
	return &Manager{
		clients:  make(map[*client]bool),
		snapshot: snapshot,
		logger:   logging.OrDiscard(logger).With("component", "websocket"),
	}
}

// AddClient adds a new WebSocket client
func (m *Manager) AddClient(conn *websocket.Conn) {
	c := &client{conn: conn}

	m.clientsMu.Lock()
	m.clients[c] = true
	total := len(m.clients)
	m.clientsMu.Unlock()

	m.logger.Info("client connected", "clients", total)

	// Send initial data
	m.sendUpdate(c)

	// Handle disconnection
	go func() {
		defer m.removeClient(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends the current snapshot to all connected clients
func (m *Manager) Broadcast() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	for c := range m.clients {
		go m.sendUpdate(c)
	}
}

// sendUpdate sends the current snapshot to one client
func (m *Manager) sendUpdate(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	update, err := m.snapshot(ctx)
	if err != nil {
		m.logger.Warn("failed to build status snapshot", "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(update); err != nil {
		m.logger.Debug("failed to send update", "error", err)
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// Close disconnects every client
func (m *Manager) Close() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for c := range m.clients {
		c.conn.Close()
	}
}

func (m *Manager) removeClient(c *client) {
	m.clientsMu.Lock()
	delete(m.clients, c)
	total := len(m.clients)
	m.clientsMu.Unlock()

	c.conn.Close()
	m.logger.Info("client disconnected", "clients", total)
}
