package monitoring

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.SetActiveConnections(3)
	m.ObserveSync("ok", 150*time.Millisecond)
	m.AddSyncMessages("new", 2)
	m.AddSyncMessages("duplicate", 0)
	m.IncSendAttempt("transient")
	m.IncReconnect("ok")
	m.IncEvent("new_message")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncCycles.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncMessages.WithLabelValues("new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendAttempts.WithLabelValues("transient")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mailsync_sync_cycles_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.SetActiveConnections(1)
	m.ObserveSync("error", time.Second)
	m.AddSyncMessages("new", 1)
	m.IncSendAttempt("ok")
	m.ObserveSend(time.Second)
	m.IncReconnect("error")
	m.SetDeadLetters(1)
	m.IncEvent("x")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
