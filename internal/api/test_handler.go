package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/channel"
	"go.uber.org/zap"
)

// MailboxAppender drops a raw message into a mailbox folder, like the in-memory test IMAP server.
type MailboxAppender interface {
	AppendMessage(folder string, raw []byte, receivedAt time.Time) (uint32, error)
}

// SyncTrigger runs or queues an early sync.
type SyncTrigger interface {
	TriggerSync(ctx context.Context, connectionID string) (*channel.SyncResult, error)
}

// TestHandler provides test-only endpoints used by end-to-end tests.
// These endpoints are only registered by the test server.
type TestHandler struct {
	mailbox MailboxAppender
	syncer  SyncTrigger
	logger  *zap.Logger
}

func NewTestHandler(mailbox MailboxAppender, syncer SyncTrigger, logger *zap.Logger) *TestHandler {
	return &TestHandler{mailbox: mailbox, syncer: syncer, logger: logger.Named("test")}
}

type addIMAPMessageRequest struct {
	ConnectionID string   `json:"connection_id"`
	Folder       string   `json:"folder"`
	MessageID    string   `json:"message_id"`
	Subject      string   `json:"subject"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	Body         string   `json:"body"`
	InReplyTo    string   `json:"in_reply_to"`
	References   []string `json:"references"`
}

type addIMAPMessageResponse struct {
	UID       uint32              `json:"uid"`
	MessageID string              `json:"message_id"`
	Sync      *channel.SyncResult `json:"sync,omitempty"`
}

// AddIMAPMessage appends a test message to the mailbox and, when a connection id is given,
// triggers a sync so the message flows through the ingest path.
func (h *TestHandler) AddIMAPMessage(w http.ResponseWriter, r *http.Request) {
	var req addIMAPMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Folder == "" {
		req.Folder = "INBOX"
	}
	if req.Subject == "" || req.From == "" || req.To == "" {
		writeJSON(w, h.logger, http.StatusBadRequest, errorResponse{Error: "subject, from, and to are required"})
		return
	}
	if req.MessageID == "" {
		req.MessageID = "<" + uuid.NewString() + "@test.local>"
	}

	now := time.Now()
	uid, err := h.mailbox.AppendMessage(req.Folder, buildTestMessage(&req, now), now)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	response := addIMAPMessageResponse{UID: uid, MessageID: req.MessageID}
	if req.ConnectionID != "" {
		result, err := h.syncer.TriggerSync(r.Context(), req.ConnectionID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.Sync = result
	}

	writeJSON(w, h.logger, http.StatusCreated, response)
}

func buildTestMessage(req *addIMAPMessageRequest, at time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", req.MessageID)
	fmt.Fprintf(&b, "Date: %s\r\n", at.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", req.From)
	fmt.Fprintf(&b, "To: %s\r\n", req.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", req.Subject)
	if req.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", req.InReplyTo)
	}
	if len(req.References) > 0 {
		fmt.Fprintf(&b, "References: %s\r\n", strings.Join(req.References, " "))
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	body := req.Body
	if body == "" {
		body = "Test message body."
	}
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
