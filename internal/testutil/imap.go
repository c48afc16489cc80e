package testutil

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/vdavid/mailsync/internal/models"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer creates a new test IMAP server with an in-memory backend.
// The memory backend creates a default user with username "username" and password "password",
// and seeds INBOX with one message. Call EmptyMailbox to start from a clean folder.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	ts, err := StartIMAPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(ts.Close)

	return ts
}

// StartIMAPServer starts an in-memory IMAP server on addr, for harnesses outside tests.
func StartIMAPServer(addr string) (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		cleanup:  func() { _ = s.Close() },
		username: "username",
		password: "password",
	}, nil
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Endpoint returns plain-text connection details for the server.
func (s *TestIMAPServer) Endpoint() models.Endpoint {
	host, portStr, _ := net.SplitHostPort(s.Address)
	port, _ := strconv.Atoi(portStr)
	return models.Endpoint{
		Host:     host,
		Port:     port,
		Username: s.username,
		Password: s.password,
	}
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// CreateFolder creates a mailbox for the default user.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// EmptyMailbox deletes every message in the folder, including the seeded one in INBOX.
func (s *TestIMAPServer) EmptyMailbox(t *testing.T, folderName string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	status, err := client.Select(folderName, false)
	if err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	if status.Messages == 0 {
		return
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, status.Messages)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := client.Store(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag messages deleted: %v", err)
	}
	if err := client.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge: %v", err)
	}
}

// AddMessage appends a plain-text message whose Date header and arrival time are both
// receivedAt, and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, receivedAt time.Time) uint32 {
	t.Helper()

	raw := fmt.Sprintf("Message-ID: %s\r\n"+
		"Date: %s\r\n"+
		"From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Test message body.\r\n", messageID, receivedAt.Format(time.RFC1123Z), from, to, subject)

	return s.AddRawMessage(t, folderName, []byte(raw), receivedAt)
}

// AddRawMessage appends raw with the given arrival time and returns its UID.
func (s *TestIMAPServer) AddRawMessage(t *testing.T, folderName string, raw []byte, receivedAt time.Time) uint32 {
	t.Helper()

	uid, err := s.AppendMessage(folderName, raw, receivedAt)
	if err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
	return uid
}

// AppendMessage appends raw with the given arrival time and returns its UID.
func (s *TestIMAPServer) AppendMessage(folderName string, raw []byte, receivedAt time.Time) (uint32, error) {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return 0, fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = client.Logout() }()

	if err := client.Login(s.username, s.password); err != nil {
		return 0, fmt.Errorf("failed to login: %w", err)
	}
	if err := client.Append(folderName, nil, receivedAt, bytes.NewReader(raw)); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	status, err := client.Select(folderName, true)
	if err != nil {
		return 0, fmt.Errorf("failed to select folder: %w", err)
	}
	return status.UidNext - 1, nil
}
