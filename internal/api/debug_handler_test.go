package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

func newDebugMux(t *testing.T) (*http.ServeMux, *mockManager) {
	t.Helper()
	manager := newMockManager(t)
	mux := http.NewServeMux()
	NewDebugHandler(manager, zap.NewNop()).Register(mux)
	return mux, manager
}

func TestDebugHandler_AllPolling(t *testing.T) {
	t.Run("lists every connection with the service summary", func(t *testing.T) {
		mux, manager := newDebugMux(t)
		manager.On("AllPollingStatus", mock.Anything).Return([]*models.PollingStatus{
			{ConnectionID: "conn-1", ConfigExists: true, HasPollingTimer: true, HasHealthCheck: true},
		}, nil)
		manager.On("DebugInfo").Return(models.ServiceDebugInfo{
			ActiveConnections: []string{"conn-1"},
			PollingTimers:     []string{"conn-1"},
			HealthChecks:      []string{"conn-1"},
		})

		rr := serveMux(mux, newRequest(t, http.MethodGet, "/debug/email/polling", "", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		body := decodeBody[allPollingResponse](t, rr)
		require.Len(t, body.Connections, 1)
		assert.True(t, body.Connections[0].HasPollingTimer)
		assert.Equal(t, []string{"conn-1"}, body.Service.ActiveConnections)
	})

	t.Run("empty list is not null", func(t *testing.T) {
		mux, manager := newDebugMux(t)
		manager.On("AllPollingStatus", mock.Anything).Return(nil, nil)
		manager.On("DebugInfo").Return(models.ServiceDebugInfo{})

		rr := serveMux(mux, newRequest(t, http.MethodGet, "/debug/email/polling", "", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"connections":[]`)
	})

	t.Run("store failure", func(t *testing.T) {
		mux, manager := newDebugMux(t)
		manager.On("AllPollingStatus", mock.Anything).Return(nil, errors.New("connection refused"))

		rr := serveMux(mux, newRequest(t, http.MethodGet, "/debug/email/polling", "", nil))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestDebugHandler_Polling(t *testing.T) {
	t.Run("known connection", func(t *testing.T) {
		mux, manager := newDebugMux(t)
		manager.On("PollingStatus", mock.Anything, "conn-1").
			Return(&models.PollingStatus{ConnectionID: "conn-1", ConfigExists: true, HasIdleListener: true}, nil)

		rr := serveMux(mux, newRequest(t, http.MethodGet, "/debug/email/polling/conn-1", "", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, decodeBody[models.PollingStatus](t, rr).HasIdleListener)
	})

	t.Run("unknown connection", func(t *testing.T) {
		mux, manager := newDebugMux(t)
		manager.On("PollingStatus", mock.Anything, "missing").Return(nil, db.ErrConnectionNotFound)

		rr := serveMux(mux, newRequest(t, http.MethodGet, "/debug/email/polling/missing", "", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestDebugHandler_Cleanup(t *testing.T) {
	mux, manager := newDebugMux(t)
	manager.On("CleanupOrphans", mock.Anything).Return([]string{"deleted-1", "deleted-2"}, nil)

	rr := serveMux(mux, newRequest(t, http.MethodPost, "/debug/email/cleanup", "", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"deleted-1", "deleted-2"}, decodeBody[cleanupResponse](t, rr).Removed)

	rr = serveMux(mux, newRequest(t, http.MethodGet, "/debug/email/cleanup", "", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
