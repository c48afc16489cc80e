package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// Client wraps a WebSocket connection.
type Client struct {
	conn *websocket.Conn
	// gorilla connections support one concurrent writer.
	writeMu sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages active WebSocket connections per tenant.
// A tenant can hold several connections at once (several agents or tabs).
type Hub struct {
	mu           sync.RWMutex
	clients      map[string]map[*Client]struct{} // tenantID -> set of clients
	maxPerTenant int
	logger       *zap.Logger
}

// NewHub creates a new Hub with a per-tenant connection limit.
func NewHub(maxPerTenant int, logger *zap.Logger) *Hub {
	if maxPerTenant <= 0 {
		maxPerTenant = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:      make(map[string]map[*Client]struct{}),
		maxPerTenant: maxPerTenant,
		logger:       logger.Named("websocket"),
	}
}

// Register adds a WebSocket connection for the given tenant.
// If the per-tenant limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(tenantID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	tenantClients, ok := h.clients[tenantID]
	if !ok {
		tenantClients = make(map[*Client]struct{})
		h.clients[tenantID] = tenantClients
	}

	if len(tenantClients) >= h.maxPerTenant {
		h.logger.Warn("Tenant exceeded max connections, closing new connection",
			zap.String("tenant_id", tenantID), zap.Int("max", h.maxPerTenant))
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this tenant"),
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	tenantClients[client] = struct{}{}
	return client
}

// Unregister removes a client for the given tenant and closes the connection.
func (h *Hub) Unregister(tenantID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if tenantClients, ok := h.clients[tenantID]; ok {
		delete(tenantClients, client)
		if len(tenantClients) == 0 {
			delete(h.clients, tenantID)
		}
	}

	_ = client.conn.Close()
}

// Send broadcasts a message to all active clients of the tenant.
func (h *Hub) Send(tenantID string, msg []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[tenantID]))
	for client := range h.clients[tenantID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(msg); err != nil {
			h.logger.Debug("Failed to write message, dropping client", zap.String("tenant_id", tenantID), zap.Error(err))
			go h.Unregister(tenantID, client)
		}
	}
}

// Notify serializes the event and sends it to the event's tenant.
func (h *Hub) Notify(event *models.Event) {
	if event == nil || event.TenantID == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	h.Send(event.TenantID, payload)
}

// ActiveConnections returns the number of active WebSocket connections for a tenant.
func (h *Hub) ActiveConnections(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[tenantID])
}
