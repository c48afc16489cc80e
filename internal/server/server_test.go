package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment:         "test",
		EncryptionKeyBase64: testutil.TestEncryptionKey,
		APITokens:           map[string]string{"test-token": "tenant-1"},
		Attachments:         config.AttachmentConfig{Dir: t.TempDir(), URLPrefix: "/email-attachments"},
		Email: config.EmailConfig{
			DefaultSyncInterval: time.Minute,
			MinSyncInterval:     10 * time.Second,
			ResumeStagger:       time.Millisecond,
		},
	}
}

func TestEmailOptions(t *testing.T) {
	opts := EmailOptions(config.EmailConfig{
		SafetyBuffer:            3 * time.Minute,
		FirstSyncLookback:       12 * time.Hour,
		FallbackRecentCount:     50,
		MaxSyncMessages:         25,
		HealthCheckInterval:     time.Minute,
		StaleThreshold:          10 * time.Minute,
		SendMaxAttempts:         4,
		SendBackoffBase:         2 * time.Second,
		SendBackoffMax:          8 * time.Second,
		ConnectTimeout:          5 * time.Second,
		GreetingTimeout:         6 * time.Second,
		CommandTimeout:          7 * time.Second,
		OutboundIdleTimeout:     20 * time.Minute,
		OutboundCleanupInterval: 5 * time.Minute,
		ResumeStagger:           time.Second,
		DeadLetterMaxAttempts:   2,
		DeadLetterRetryInterval: time.Hour,
		IdleEnabled:             true,
	})

	assert.Equal(t, 3*time.Minute, opts.SafetyBuffer)
	assert.Equal(t, 12*time.Hour, opts.FirstSyncLookback)
	assert.Equal(t, 50, opts.FallbackRecentCount)
	assert.Equal(t, 25, opts.MaxSyncMessages)
	assert.Equal(t, 4, opts.SendMaxAttempts)
	assert.Equal(t, 8*time.Second, opts.SendBackoffMax)
	assert.Equal(t, 2, opts.DeadLetterMaxAttempts)
	assert.True(t, opts.IdleEnabled)
	assert.Equal(t, 5*time.Second, opts.InboundTimeouts.Connect)
	assert.Equal(t, 6*time.Second, opts.InboundTimeouts.Greeting)
	assert.Equal(t, 7*time.Second, opts.InboundTimeouts.Command)
	assert.Equal(t, 5*time.Second, opts.OutboundTimeouts.Connect)
	assert.Equal(t, 7*time.Second, opts.OutboundTimeouts.Command)
	assert.Equal(t, 5*time.Minute, opts.OutboundTimeouts.Submission)
}

func TestHandleRoot(t *testing.T) {
	rr := httptest.NewRecorder()
	handleRoot(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, "Mailsync API is running", rr.Body.String())
}

func TestRoutes(t *testing.T) {
	pool := testutil.NewTestDB(t)

	get := func(t *testing.T, app *App, method, target, token string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, target, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		app.Mux().ServeHTTP(rr, req)
		return rr
	}

	t.Run("without debug endpoints", func(t *testing.T) {
		app, err := New(context.Background(), testConfig(t), pool, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(app.Close)

		assert.Equal(t, http.StatusOK, get(t, app, http.MethodGet, "/", "").Code)
		assert.Equal(t, http.StatusOK, get(t, app, http.MethodGet, "/health/live", "").Code)
		assert.Equal(t, http.StatusOK, get(t, app, http.MethodGet, "/health/ready", "").Code)

		metrics := get(t, app, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, metrics.Code)
		assert.Contains(t, metrics.Body.String(), "go_goroutines")

		assert.Equal(t, http.StatusUnauthorized, get(t, app, http.MethodGet, "/api/v1/email/connections/some-id/status", "").Code)
		assert.Equal(t, http.StatusNotFound,
			get(t, app, http.MethodGet, "/api/v1/email/connections/00000000-0000-0000-0000-000000000000/status", "test-token").Code)

		assert.Equal(t, http.StatusNotFound, get(t, app, http.MethodGet, "/debug/email/polling", "").Code)
		assert.Equal(t, http.StatusNotFound, get(t, app, http.MethodGet, "/email-attachments/missing.pdf", "").Code)
	})

	t.Run("with debug endpoints", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DebugEndpoints = true
		app, err := New(context.Background(), cfg, pool, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(app.Close)

		rr := get(t, app, http.MethodGet, "/debug/email/polling", "")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"connections":[]`)
	})

	t.Run("liveness fails after shutdown", func(t *testing.T) {
		app, err := New(context.Background(), testConfig(t), pool, zap.NewNop())
		require.NoError(t, err)
		app.Close()

		assert.Equal(t, http.StatusServiceUnavailable, get(t, app, http.MethodGet, "/health/live", "").Code)
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	pool := testutil.NewTestDB(t)
	app, err := New(context.Background(), testConfig(t), pool, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Error(t, app.Manager().Running())
}
