package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// ConnectionState is the in-memory entry for one live connection. Sessions are swapped in
// place on reconnect, so the pointer stays valid for everyone holding it.
type ConnectionState struct {
	ID       string
	TenantID string

	mu                  sync.Mutex
	inbound             InboundSession
	outbound            OutboundSession
	status              models.ConnectionStatus
	lastActivity        time.Time
	reconnectAttempts   int
	lastError           string
	lastDeadLetterRetry time.Time

	reconnecting atomic.Bool
}

func newConnectionState(id, tenantID string, now time.Time) *ConnectionState {
	return &ConnectionState{
		ID:                  id,
		TenantID:            tenantID,
		status:              models.StatusInactive,
		lastActivity:        now,
		lastDeadLetterRetry: now,
	}
}

// Inbound returns the current IMAP session, which may be nil.
func (s *ConnectionState) Inbound() InboundSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound
}

// SetInbound installs a new IMAP session and returns the previous one.
func (s *ConnectionState) SetInbound(session InboundSession) InboundSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.inbound
	s.inbound = session
	return old
}

// Outbound returns the current SMTP session, which may be nil.
func (s *ConnectionState) Outbound() OutboundSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound
}

// SetOutbound installs a new SMTP session and returns the previous one.
func (s *ConnectionState) SetOutbound(session OutboundSession) OutboundSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.outbound
	s.outbound = session
	return old
}

// dropOutbound clears the SMTP session if it is still the given one.
func (s *ConnectionState) dropOutbound(session OutboundSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outbound != session {
		return false
	}
	s.outbound = nil
	return true
}

func (s *ConnectionState) Status() models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *ConnectionState) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// SetStatus records the status and the error that caused it (empty for healthy states).
func (s *ConnectionState) SetStatus(status models.ConnectionStatus, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.lastError = lastError
}

// Touch marks the connection as active at t.
func (s *ConnectionState) Touch(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastActivity) {
		s.lastActivity = t
	}
}

func (s *ConnectionState) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *ConnectionState) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

func (s *ConnectionState) incReconnectAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts++
}

func (s *ConnectionState) resetReconnectAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts = 0
}

// tryBeginReconnect claims the reconnect flag. Only one caller wins until endReconnect.
func (s *ConnectionState) tryBeginReconnect() bool {
	return s.reconnecting.CompareAndSwap(false, true)
}

func (s *ConnectionState) endReconnect() {
	s.reconnecting.Store(false)
}

// ReconnectInProgress reports whether a reconnect currently holds the flag.
func (s *ConnectionState) ReconnectInProgress() bool {
	return s.reconnecting.Load()
}

// dueForDeadLetterRetry reports whether interval has passed since the last retry pass and, if
// so, stamps now as the new pass.
func (s *ConnectionState) dueForDeadLetterRetry(now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastDeadLetterRetry.IsZero() && now.Sub(s.lastDeadLetterRetry) < interval {
		return false
	}
	s.lastDeadLetterRetry = now
	return true
}

// Info returns a snapshot for the debug endpoint.
func (s *ConnectionState) Info() models.ActiveConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ActiveConnectionInfo{
		Status:               s.status,
		LastActivity:         s.lastActivity,
		ReconnectAttempts:    s.reconnectAttempts,
		ReconnectInProgress:  s.reconnecting.Load(),
		OutboundSessionReady: s.outbound != nil,
	}
}

// closeSessions logs out of both protocols and forgets the handles. Errors are ignored.
func (s *ConnectionState) closeSessions() {
	s.mu.Lock()
	inbound, outbound := s.inbound, s.outbound
	s.inbound, s.outbound = nil, nil
	s.mu.Unlock()

	if inbound != nil {
		_ = inbound.Logout()
	}
	if outbound != nil {
		_ = outbound.Close()
	}
}
