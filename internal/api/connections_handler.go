package api

import (
	"context"
	"net/http"

	"github.com/vdavid/mailsync/internal/channel"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

// ConnectionManager is the part of *channel.Manager the HTTP layer drives.
type ConnectionManager interface {
	Verify(ctx context.Context, cfg *models.ConnectionConfig) error
	Open(ctx context.Context, connectionID string) error
	Close(ctx context.Context, connectionID string) error
	Status(ctx context.Context, connectionID string) (*models.ConnectionStatusReport, error)
	ListMailboxFolders(ctx context.Context, connectionID string) ([]models.Folder, error)
	TriggerSync(ctx context.Context, connectionID string) (*channel.SyncResult, error)
	Send(ctx context.Context, connectionID string, req *models.SendRequest) (*models.Message, error)
}

// ConnectionRepository stores connection settings. *credentials.Store implements it.
type ConnectionRepository interface {
	ConfigFromRequest(tenantID string, req *models.ConnectionSettingsRequest) *models.ConnectionConfig
	SaveConnection(ctx context.Context, tenantID string, req *models.ConnectionSettingsRequest) (*models.EmailConnection, error)
	ConnectionForTenant(ctx context.Context, tenantID, connectionID string) (*models.EmailConnection, error)
}

// ConnectionsHandler serves /api/v1/email/connections.
type ConnectionsHandler struct {
	manager ConnectionManager
	repo    ConnectionRepository
	logger  *zap.Logger
}

func NewConnectionsHandler(manager ConnectionManager, repo ConnectionRepository, logger *zap.Logger) *ConnectionsHandler {
	return &ConnectionsHandler{manager: manager, repo: repo, logger: logger.Named("api")}
}

// Register mounts the routes on mux, each wrapped by requireAuth.
func (h *ConnectionsHandler) Register(mux *http.ServeMux, requireAuth func(http.Handler) http.Handler) {
	routes := map[string]http.HandlerFunc{
		"POST /api/v1/email/connections":                 h.Create,
		"POST /api/v1/email/connections/{id}/connect":    h.Connect,
		"POST /api/v1/email/connections/{id}/disconnect": h.Disconnect,
		"GET /api/v1/email/connections/{id}/status":      h.Status,
		"GET /api/v1/email/connections/{id}/folders":     h.Folders,
		"POST /api/v1/email/connections/{id}/sync":       h.Sync,
		"POST /api/v1/email/connections/{id}/send":       h.Send,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, requireAuth(handler))
	}
}

type createConnectionResponse struct {
	Connection   *models.EmailConnection `json:"connection"`
	Connected    bool                    `json:"connected"`
	ConnectError string                  `json:"connect_error,omitempty"`
}

// Create verifies the settings against both servers, stores them, and opens the connection.
func (h *ConnectionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req models.ConnectionSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	if err := h.manager.Verify(ctx, h.repo.ConfigFromRequest(tenantID, &req)); err != nil {
		h.logger.Info("Connection settings rejected", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, h.logger, err)
		return
	}

	record, err := h.repo.SaveConnection(ctx, tenantID, &req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	response := createConnectionResponse{Connection: record, Connected: true}
	if err := h.manager.Open(ctx, record.ID); err != nil {
		h.logger.Warn("Saved connection failed to open", zap.String("connection_id", record.ID), zap.Error(err))
		response.Connected = false
		response.ConnectError = err.Error()
	}

	writeJSON(w, h.logger, http.StatusCreated, response)
}

func (h *ConnectionsHandler) Connect(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	if err := h.manager.Open(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.writeStatus(w, r, id)
}

func (h *ConnectionsHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	if err := h.manager.Close(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.writeStatus(w, r, id)
}

func (h *ConnectionsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	h.writeStatus(w, r, id)
}

func (h *ConnectionsHandler) Folders(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	folders, err := h.manager.ListMailboxFolders(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, folders)
}

type syncResponse struct {
	Queued bool                `json:"queued"`
	Result *channel.SyncResult `json:"result,omitempty"`
}

// Sync asks for an early sync. A running poller picks it up asynchronously (202); otherwise
// the cycle runs inline and its result is returned.
func (h *ConnectionsHandler) Sync(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	result, err := h.manager.TriggerSync(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if result == nil {
		writeJSON(w, h.logger, http.StatusAccepted, syncResponse{Queued: true})
		return
	}
	writeJSON(w, h.logger, http.StatusOK, syncResponse{Result: result})
}

func (h *ConnectionsHandler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}

	var req models.SendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.To == "" {
		writeJSON(w, h.logger, http.StatusBadRequest, errorResponse{Error: "to is required"})
		return
	}

	message, err := h.manager.Send(r.Context(), id, &req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, message)
}

// ownedConnection reads {id} and checks it belongs to the caller's tenant. Connections of
// other tenants answer 404, same as unknown ones.
func (h *ConnectionsHandler) ownedConnection(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return "", false
	}
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, h.logger, http.StatusBadRequest, errorResponse{Error: "connection id is required"})
		return "", false
	}
	if _, err := h.repo.ConnectionForTenant(r.Context(), tenantID, id); err != nil {
		writeError(w, h.logger, err)
		return "", false
	}
	return id, true
}

func (h *ConnectionsHandler) writeStatus(w http.ResponseWriter, r *http.Request, id string) {
	report, err := h.manager.Status(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, report)
}
