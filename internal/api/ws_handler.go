package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/vdavid/mailsync/internal/auth"
	ws "github.com/vdavid/mailsync/internal/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler handles the /api/v1/ws endpoint for real-time message events.
type WebSocketHandler struct {
	auth   *auth.Authenticator
	hub    *ws.Hub
	logger *zap.Logger
}

func NewWebSocketHandler(authenticator *auth.Authenticator, hub *ws.Hub, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{auth: authenticator, hub: hub, logger: logger.Named("ws")}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Deployed behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and registers it under the tenant.
// Browsers cannot set headers on WebSocket requests, so the token may come as ?token=...;
// the Authorization header is accepted as well.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}

	tenantID, err := h.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Upgrade failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}

	client := h.hub.Register(tenantID, conn)
	if client == nil {
		return
	}
	h.logger.Debug("WebSocket connected", zap.String("tenant_id", tenantID))

	go h.readLoop(tenantID, client)
}

// readLoop reads until the peer goes away, then unregisters the client.
func (h *WebSocketHandler) readLoop(tenantID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(tenantID, client)
}
