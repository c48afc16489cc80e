package api

import (
	"context"
	"net/http"

	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

// DebugService is the operational view of the connection manager.
type DebugService interface {
	PollingStatus(ctx context.Context, connectionID string) (*models.PollingStatus, error)
	AllPollingStatus(ctx context.Context) ([]*models.PollingStatus, error)
	DebugInfo() models.ServiceDebugInfo
	CleanupOrphans(ctx context.Context) ([]string, error)
}

// DebugHandler serves /debug/email. It is only mounted when debug endpoints are enabled.
type DebugHandler struct {
	service DebugService
	logger  *zap.Logger
}

func NewDebugHandler(service DebugService, logger *zap.Logger) *DebugHandler {
	return &DebugHandler{service: service, logger: logger.Named("debug")}
}

func (h *DebugHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /debug/email/polling", h.AllPolling)
	mux.HandleFunc("GET /debug/email/polling/{id}", h.Polling)
	mux.HandleFunc("POST /debug/email/cleanup", h.Cleanup)
}

type allPollingResponse struct {
	Connections []*models.PollingStatus `json:"connections"`
	Service     models.ServiceDebugInfo `json:"service"`
}

func (h *DebugHandler) AllPolling(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.service.AllPollingStatus(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if statuses == nil {
		statuses = []*models.PollingStatus{}
	}
	writeJSON(w, h.logger, http.StatusOK, allPollingResponse{Connections: statuses, Service: h.service.DebugInfo()})
}

func (h *DebugHandler) Polling(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.PollingStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, status)
}

type cleanupResponse struct {
	Removed []string `json:"removed"`
}

func (h *DebugHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.service.CleanupOrphans(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	h.logger.Info("Orphan cleanup requested", zap.Strings("removed", removed))
	writeJSON(w, h.logger, http.StatusOK, cleanupResponse{Removed: removed})
}
