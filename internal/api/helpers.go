package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/channel"
	"github.com/vdavid/mailsync/internal/db"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies; send requests carry attachments inline.
const maxBodyBytes = 25 << 20

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing,omitempty"`
}

// tenantFromRequest returns the authenticated tenant or writes 401.
func tenantFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, ok := auth.GetTenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return tenantID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, nil, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// writeJSON encodes to a buffer first so a failed encode never leaves a partial response.
func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		if logger != nil {
			logger.Error("Failed to encode response", zap.Error(err))
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil && logger != nil {
		logger.Debug("Failed to write response", zap.Error(err))
	}
}

// writeError maps the channel error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		cfgErr      *channel.ConfigurationError
		deliveryErr *channel.DeliveryError
		connectErr  *channel.ConnectError
	)

	switch {
	case errors.As(err, &cfgErr):
		writeJSON(w, logger, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Missing: cfgErr.Missing})
	case errors.As(err, &deliveryErr), errors.As(err, &connectErr):
		writeJSON(w, logger, http.StatusBadGateway, errorResponse{Error: err.Error()})
	case errors.Is(err, db.ErrConnectionNotFound):
		writeJSON(w, logger, http.StatusNotFound, errorResponse{Error: "connection not found"})
	case errors.Is(err, channel.ErrNotConnected), errors.Is(err, channel.ErrReconnectInProgress):
		writeJSON(w, logger, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		logger.Error("Request failed", zap.Error(err))
		writeJSON(w, logger, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
