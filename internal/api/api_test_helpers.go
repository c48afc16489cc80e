package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/channel"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

// mockManager is a testify mock of ConnectionManager and DebugService.
type mockManager struct {
	mock.Mock
}

func newMockManager(t *testing.T) *mockManager {
	m := &mockManager{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *mockManager) Verify(ctx context.Context, cfg *models.ConnectionConfig) error {
	return m.Called(ctx, cfg).Error(0)
}

func (m *mockManager) Open(ctx context.Context, connectionID string) error {
	return m.Called(ctx, connectionID).Error(0)
}

func (m *mockManager) Close(ctx context.Context, connectionID string) error {
	return m.Called(ctx, connectionID).Error(0)
}

func (m *mockManager) Status(ctx context.Context, connectionID string) (*models.ConnectionStatusReport, error) {
	args := m.Called(ctx, connectionID)
	report, _ := args.Get(0).(*models.ConnectionStatusReport)
	return report, args.Error(1)
}

func (m *mockManager) ListMailboxFolders(ctx context.Context, connectionID string) ([]models.Folder, error) {
	args := m.Called(ctx, connectionID)
	folders, _ := args.Get(0).([]models.Folder)
	return folders, args.Error(1)
}

func (m *mockManager) TriggerSync(ctx context.Context, connectionID string) (*channel.SyncResult, error) {
	args := m.Called(ctx, connectionID)
	result, _ := args.Get(0).(*channel.SyncResult)
	return result, args.Error(1)
}

func (m *mockManager) Send(ctx context.Context, connectionID string, req *models.SendRequest) (*models.Message, error) {
	args := m.Called(ctx, connectionID, req)
	message, _ := args.Get(0).(*models.Message)
	return message, args.Error(1)
}

func (m *mockManager) PollingStatus(ctx context.Context, connectionID string) (*models.PollingStatus, error) {
	args := m.Called(ctx, connectionID)
	status, _ := args.Get(0).(*models.PollingStatus)
	return status, args.Error(1)
}

func (m *mockManager) AllPollingStatus(ctx context.Context) ([]*models.PollingStatus, error) {
	args := m.Called(ctx)
	statuses, _ := args.Get(0).([]*models.PollingStatus)
	return statuses, args.Error(1)
}

func (m *mockManager) DebugInfo() models.ServiceDebugInfo {
	return m.Called().Get(0).(models.ServiceDebugInfo)
}

func (m *mockManager) CleanupOrphans(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	removed, _ := args.Get(0).([]string)
	return removed, args.Error(1)
}

// fakeRepo keeps connections in memory, keyed by id.
type fakeRepo struct {
	connections map[string]*models.EmailConnection
	saved       []*models.ConnectionSettingsRequest
}

func newFakeRepo(connections ...*models.EmailConnection) *fakeRepo {
	r := &fakeRepo{connections: make(map[string]*models.EmailConnection)}
	for _, c := range connections {
		r.connections[c.ID] = c
	}
	return r
}

func (r *fakeRepo) ConfigFromRequest(tenantID string, req *models.ConnectionSettingsRequest) *models.ConnectionConfig {
	return &models.ConnectionConfig{
		TenantID:     tenantID,
		EmailAddress: req.EmailAddress,
		Inbound:      models.Endpoint{Host: req.IMAPHost, Port: req.IMAPPort, Password: req.IMAPPassword},
		Outbound:     models.Endpoint{Host: req.SMTPHost, Port: req.SMTPPort, Password: req.SMTPPassword},
	}
}

func (r *fakeRepo) SaveConnection(_ context.Context, tenantID string, req *models.ConnectionSettingsRequest) (*models.EmailConnection, error) {
	r.saved = append(r.saved, req)
	c := &models.EmailConnection{ID: "new-connection", TenantID: tenantID, EmailAddress: req.EmailAddress, Status: models.StatusInactive}
	r.connections[c.ID] = c
	return c, nil
}

func (r *fakeRepo) ConnectionForTenant(_ context.Context, tenantID, connectionID string) (*models.EmailConnection, error) {
	c, ok := r.connections[connectionID]
	if !ok || c.TenantID != tenantID {
		return nil, db.ErrConnectionNotFound
	}
	return c, nil
}

// newRequest builds a request authenticated as tenantID (empty for anonymous) with an optional
// JSON body.
func newRequest(t *testing.T, method, target, tenantID string, body any) *http.Request {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	if tenantID != "" {
		req = req.WithContext(auth.WithTenantID(req.Context(), tenantID))
	}
	return req
}

// serveMux routes req through a mux so path values are populated.
func serveMux(mux *http.ServeMux, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}
