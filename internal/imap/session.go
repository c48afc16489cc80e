package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

// ErrSessionClosed is returned when a command is issued on a session that was logged out or dropped.
var ErrSessionClosed = errors.New("imap session is closed")

// AuthError wraps a LOGIN rejection so callers can tell bad credentials from network trouble.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("imap login rejected: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Timeouts bounds each phase of an IMAP conversation.
type Timeouts struct {
	Connect  time.Duration
	Greeting time.Duration
	Command  time.Duration
}

// Session is an authenticated IMAP connection. Each session has its own mutex, so commands on
// one session are serialized while different sessions run concurrently.
//
// Deadlines are set on the raw connection around each command and cleared afterwards, so an
// idle session is not torn down by a stale deadline.
type Session struct {
	mu       sync.Mutex
	client   *client.Client
	conn     net.Conn
	timeouts Timeouts
	lastUsed time.Time
	closed   bool
}

// Dial connects, waits for the greeting, and logs in.
func Dial(ctx context.Context, endpoint models.Endpoint, timeouts Timeouts, logger *zap.Logger) (*Session, error) {
	c, conn, err := connect(ctx, endpoint, timeouts, logger)
	if err != nil {
		return nil, err
	}

	if err := withDeadline(conn, timeouts.Command, func() error {
		return c.Login(endpoint.Username, endpoint.Password)
	}); err != nil {
		_ = conn.Close()
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
		return nil, &AuthError{Err: err}
	}

	return &Session{
		client:   c,
		conn:     conn,
		timeouts: timeouts,
		lastUsed: time.Now(),
	}, nil
}

// connect opens the TCP (and optionally TLS) connection and reads the server greeting.
func connect(ctx context.Context, endpoint models.Endpoint, timeouts Timeouts, logger *zap.Logger) (*client.Client, net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeouts.Connect}

	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Address())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", endpoint.Address(), err)
	}

	if endpoint.UseTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: endpoint.Host})
		if err := withDeadline(tlsConn, timeouts.Connect, tlsConn.Handshake); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed TLS handshake with %s: %w", endpoint.Address(), err)
		}
		conn = tlsConn
	}

	var c *client.Client
	err = withDeadline(conn, timeouts.Greeting, func() error {
		var newErr error
		c, newErr = client.New(conn)
		return newErr
	})
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to read greeting from %s: %w", endpoint.Address(), err)
	}

	if logger != nil {
		c.ErrorLog = zap.NewStdLog(logger.Named("imap-client"))
	}

	return c, conn, nil
}

func withDeadline(conn net.Conn, timeout time.Duration, fn func() error) error {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	return fn()
}

// Do runs fn with exclusive access to the client and the command deadline applied.
func (s *Session) Do(fn func(c *client.Client) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	err := withDeadline(s.conn, s.timeouts.Command, func() error {
		return fn(s.client)
	})
	if err == nil {
		s.lastUsed = time.Now()
	}
	return err
}

// Usable reports whether the session is still logged in and its connection alive.
func (s *Session) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case <-s.client.LoggedOut():
		return false
	default:
	}

	state := s.client.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

// LastUsed returns the time of the last successful command.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Noop pings the server.
func (s *Session) Noop() error {
	return s.Do(func(c *client.Client) error {
		return c.Noop()
	})
}

// SupportsSort reports whether the server advertises the SORT extension.
func (s *Session) SupportsSort() bool {
	var ok bool
	_ = s.Do(func(c *client.Client) error {
		var err error
		ok, err = c.Support("SORT")
		return err
	})
	return ok
}

// Logout ends the session. It is safe to call more than once and always closes the connection.
func (s *Session) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := withDeadline(s.conn, s.timeouts.Command, s.client.Logout)
	_ = s.conn.Close()

	if errors.Is(err, client.ErrAlreadyLoggedOut) {
		return nil
	}
	return err
}
