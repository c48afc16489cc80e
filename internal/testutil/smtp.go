package testutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/vdavid/mailsync/internal/models"
)

// ReceivedMessage is one message accepted by the memory SMTP backend.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
	// TLS reports whether the session was encrypted when the message arrived.
	TLS bool
}

// MemoryBackend is a simple in-memory SMTP backend for testing.
type MemoryBackend struct {
	mu        sync.Mutex
	messages  []*ReceivedMessage
	username  string
	password  string
	failNext  int
	failError error
}

// NewMemoryBackend creates a new in-memory SMTP backend that accepts the given credentials.
func NewMemoryBackend(username, password string) *MemoryBackend {
	return &MemoryBackend{
		messages: make([]*ReceivedMessage, 0),
		username: username,
		password: password,
	}
}

// NewSession creates a new SMTP session.
func (b *MemoryBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	_, isTLS := c.TLSConnectionState()
	return &memorySession{backend: b, tls: isTLS}, nil
}

// GetMessages returns all received messages.
func (b *MemoryBackend) GetMessages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ReceivedMessage(nil), b.messages...)
}

// ClearMessages clears all stored messages.
func (b *MemoryBackend) ClearMessages() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = make([]*ReceivedMessage, 0)
}

// FailNextData makes the next n DATA commands fail with err.
func (b *MemoryBackend) FailNextData(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
	b.failError = err
}

type memorySession struct {
	backend *MemoryBackend
	tls     bool
	from    string
	to      []string
}

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *memorySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Invalid credentials",
			}
		}
		return nil
	}), nil
}

func (s *memorySession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	if s.backend.failNext > 0 {
		s.backend.failNext--
		return s.backend.failError
	}

	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From: s.from,
		To:   s.to,
		Data: data,
		TLS:  s.tls,
	})

	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer represents a test SMTP server instance.
type TestSMTPServer struct {
	Server  *smtp.Server
	Address string
	Backend *MemoryBackend
	// RootCAs trusts the server certificate when the server offers STARTTLS.
	RootCAs  *x509.CertPool
	cleanup  func()
	username string
	password string
}

// NewTestSMTPServer starts an SMTP server on a random local port. It accepts PLAIN auth
// with Username and Password over plain text.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	s, err := startSMTPServer("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("Failed to start SMTP server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// NewTestSMTPServerStartTLS starts an SMTP server that advertises STARTTLS with a self-signed
// certificate. RootCAs trusts it.
func NewTestSMTPServerStartTLS(t *testing.T) *TestSMTPServer {
	t.Helper()

	cert, pool, err := selfSignedCert()
	if err != nil {
		t.Fatalf("Failed to create test certificate: %v", err)
	}

	s, err := startSMTPServer("127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}}, pool)
	if err != nil {
		t.Fatalf("Failed to start SMTP server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// NewTestSMTPServerAt starts a test SMTP server on a fixed address, for local manual testing.
func NewTestSMTPServerAt(addr string) (*TestSMTPServer, error) {
	return startSMTPServer(addr, nil, nil)
}

func startSMTPServer(addr string, tlsConfig *tls.Config, rootCAs *x509.CertPool) (*TestSMTPServer, error) {
	username := "test-user"
	password := "test-pass"
	be := NewMemoryBackend(username, password)

	s := smtp.NewServer(be)
	s.AllowInsecureAuth = true
	s.Domain = "localhost"
	s.TLSConfig = tlsConfig

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	return &TestSMTPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		RootCAs:  rootCAs,
		cleanup:  func() { _ = s.Close() },
		username: username,
		password: password,
	}, nil
}

// Close shuts down the test SMTP server.
func (s *TestSMTPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Username returns the test username.
func (s *TestSMTPServer) Username() string {
	return s.username
}

// Password returns the test password.
func (s *TestSMTPServer) Password() string {
	return s.password
}

// Endpoint returns plain-text connection details for the server.
func (s *TestSMTPServer) Endpoint() models.Endpoint {
	host, portStr, _ := net.SplitHostPort(s.Address)
	port, _ := strconv.Atoi(portStr)
	return models.Endpoint{
		Host:     host,
		Port:     port,
		Username: s.username,
		Password: s.password,
	}
}

// GetMessages returns all messages received by the server.
func (s *TestSMTPServer) GetMessages() []*ReceivedMessage {
	return s.Backend.GetMessages()
}

// ClearMessages clears all stored messages.
func (s *TestSMTPServer) ClearMessages() {
	s.Backend.ClearMessages()
}
