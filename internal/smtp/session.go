package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrSessionClosed is returned when sending on a session that was already closed.
var ErrSessionClosed = errors.New("smtp session is closed")

// AuthError wraps an AUTH rejection.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("smtp auth rejected: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Timeouts bounds each phase of an SMTP conversation.
type Timeouts struct {
	Connect    time.Duration
	Command    time.Duration
	Submission time.Duration
}

// Session is an authenticated SMTP connection that can send several messages in a row.
type Session struct {
	mu       sync.Mutex
	client   *gosmtp.Client
	lastUsed time.Time
	closed   bool
}

// Dial connects to the submission server, says hello, upgrades to TLS when possible, and
// authenticates with PLAIN.
//
// UseTLS means implicit TLS (port 465). Without it, STARTTLS is used whenever the server
// offers it.
func Dial(ctx context.Context, endpoint models.Endpoint, timeouts Timeouts, localName string) (*Session, error) {
	return dial(ctx, endpoint, timeouts, localName, &tls.Config{ServerName: endpoint.Host})
}

func dial(ctx context.Context, endpoint models.Endpoint, timeouts Timeouts, localName string, tlsConfig *tls.Config) (*Session, error) {
	c, err := open(ctx, endpoint, timeouts, localName, tlsConfig)
	if err != nil {
		return nil, err
	}

	if err := c.Auth(sasl.NewPlainClient("", endpoint.Username, endpoint.Password)); err != nil {
		_ = c.Close()
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			return nil, &AuthError{Err: err}
		}
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	return &Session{client: c, lastUsed: time.Now()}, nil
}

// open returns a greeted client. On a plain connection the EHLO reply decides whether a second
// connection is made with STARTTLS, since the client cannot upgrade a session in place.
func open(ctx context.Context, endpoint models.Endpoint, timeouts Timeouts, localName string, tlsConfig *tls.Config) (*gosmtp.Client, error) {
	conn, err := connect(ctx, endpoint, timeouts)
	if err != nil {
		return nil, err
	}

	if endpoint.UseTLS {
		c := newClient(tls.Client(conn, tlsConfig), timeouts)
		if err := c.Hello(localName); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to greet %s: %w", endpoint.Address(), err)
		}
		return c, nil
	}

	c := newClient(conn, timeouts)
	if err := c.Hello(localName); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to greet %s: %w", endpoint.Address(), err)
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return c, nil
	}
	if err := c.Quit(); err != nil {
		_ = c.Close()
	}

	conn, err = connect(ctx, endpoint, timeouts)
	if err != nil {
		return nil, err
	}
	c, err = gosmtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed STARTTLS with %s: %w", endpoint.Address(), err)
	}
	applyTimeouts(c, timeouts)
	// The upgrade resets the greeting, so the local name can still be chosen.
	if err := c.Hello(localName); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to greet %s after STARTTLS: %w", endpoint.Address(), err)
	}
	return c, nil
}

func connect(ctx context.Context, endpoint models.Endpoint, timeouts Timeouts) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeouts.Connect}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint.Address(), err)
	}
	return conn, nil
}

func newClient(conn net.Conn, timeouts Timeouts) *gosmtp.Client {
	c := gosmtp.NewClient(conn)
	applyTimeouts(c, timeouts)
	return c
}

func applyTimeouts(c *gosmtp.Client, timeouts Timeouts) {
	if timeouts.Command > 0 {
		c.CommandTimeout = timeouts.Command
	}
	if timeouts.Submission > 0 {
		c.SubmissionTimeout = timeouts.Submission
	}
}

// Send submits one message. The session stays open for the next one.
func (s *Session) Send(from string, recipients []string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if err := s.client.Mail(from, nil); err != nil {
		s.reset()
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}

	for _, rcpt := range recipients {
		if err := s.client.Rcpt(rcpt, nil); err != nil {
			s.reset()
			return fmt.Errorf("RCPT TO %s failed: %w", rcpt, err)
		}
	}

	w, err := s.client.Data()
	if err != nil {
		s.reset()
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}

	s.lastUsed = time.Now()
	return nil
}

// reset clears a half-finished transaction so the next Send starts clean.
func (s *Session) reset() {
	_ = s.client.Reset()
}

// Noop checks that the server still answers.
func (s *Session) Noop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	return s.client.Noop()
}

// LastUsed returns the time of the last successful send.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Close says QUIT and closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.client.Quit(); err != nil {
		_ = s.client.Close()
	}
	return nil
}
