package imap

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrNoSender is returned for messages without a parsable From address.
var ErrNoSender = errors.New("message has no sender address")

// ParseInbound parses a raw RFC 822 message. receivedAt is the server's INTERNALDATE; when it
// is zero the Date header is used instead.
func ParseInbound(raw []byte, uid uint32, receivedAt time.Time) (*models.InboundMessage, error) {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message %d: %w", uid, err)
	}

	from, err := envelope.AddressList("From")
	if err != nil || len(from) == 0 || from[0].Address == "" {
		return nil, fmt.Errorf("message %d: %w", uid, ErrNoSender)
	}

	msg := &models.InboundMessage{
		UID:         uid,
		MessageID:   normalizeMessageID(envelope.GetHeader("Message-ID")),
		Subject:     envelope.GetHeader("Subject"),
		FromAddress: strings.ToLower(from[0].Address),
		FromName:    from[0].Name,
		To:          addressStrings(envelope, "To"),
		CC:          addressStrings(envelope, "Cc"),
		InReplyTo:   normalizeMessageID(envelope.GetHeader("In-Reply-To")),
		References:  splitReferences(envelope.GetHeader("References")),
		TextBody:    envelope.Text,
		HTMLBody:    envelope.HTML,
	}

	if replyTo := addressStrings(envelope, "Reply-To"); len(replyTo) > 0 {
		msg.ReplyTo = replyTo[0]
	}

	if date, err := mail.ParseDate(envelope.GetHeader("Date")); err == nil {
		msg.Date = date
	}

	msg.ReceivedAt = receivedAt
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = msg.Date
	}

	if msg.MessageID == "" {
		msg.MessageID = SyntheticMessageID(raw)
	}

	for _, part := range envelope.Attachments {
		msg.Attachments = append(msg.Attachments, toAttachment(part, false))
	}
	for _, part := range envelope.Inlines {
		msg.Attachments = append(msg.Attachments, toAttachment(part, true))
	}

	return msg, nil
}

// SyntheticMessageID derives a stable identifier for messages that lack a Message-ID header,
// so re-fetching the same bytes deduplicates.
func SyntheticMessageID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "<" + hex.EncodeToString(sum[:16]) + "@mailsync.generated>"
}

func toAttachment(part *enmime.Part, inline bool) models.AttachmentData {
	return models.AttachmentData{
		Filename:    part.FileName,
		ContentType: part.ContentType,
		ContentID:   strings.Trim(part.ContentID, "<>"),
		IsInline:    inline || part.ContentID != "",
		Content:     part.Content,
	}
}

func addressStrings(envelope *enmime.Envelope, header string) []string {
	list, err := envelope.AddressList(header)
	if err != nil {
		return nil
	}
	result := make([]string, 0, len(list))
	for _, address := range list {
		if address.Address != "" {
			result = append(result, strings.ToLower(address.Address))
		}
	}
	return result
}

// normalizeMessageID trims whitespace and makes sure the id is wrapped in angle brackets.
func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	// In-Reply-To may carry several ids; the first one is the parent.
	if fields := strings.Fields(id); len(fields) > 1 {
		id = fields[0]
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id += ">"
	}
	return id
}

func splitReferences(header string) []string {
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return nil
	}
	refs := make([]string, 0, len(fields))
	for _, field := range fields {
		if id := normalizeMessageID(field); id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}
