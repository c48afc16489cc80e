package smtp

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrNoRecipient is returned when a send request has no usable To address.
var ErrNoRecipient = errors.New("recipient address is required")

const noSubject = "(no subject)"

// Outgoing is a fully encoded message ready for submission.
type Outgoing struct {
	MessageID  string
	From       string
	Recipients []string
	Subject    string
	References []string
	Body       string
	Data       []byte
}

// Compose builds the MIME message for req as sent from the connection's mailbox. The
// connection's signature is appended to the body, and threading headers are set when the
// request replies to an earlier message.
func Compose(cfg *models.ConnectionConfig, req *models.SendRequest, now time.Time) (*Outgoing, error) {
	to, err := mail.ParseAddress(strings.TrimSpace(req.To))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRecipient, err)
	}

	cc, err := parseAddresses(req.CC)
	if err != nil {
		return nil, fmt.Errorf("invalid cc: %w", err)
	}
	bcc, err := parseAddresses(req.BCC)
	if err != nil {
		return nil, fmt.Errorf("invalid bcc: %w", err)
	}

	subject := req.Subject
	if strings.TrimSpace(subject) == "" {
		subject = noSubject
	}

	body := withSignature(req.Content, cfg.Signature, req.IsHTML)
	messageID := newMessageID(cfg.EmailAddress)

	builder := enmime.Builder().
		From(cfg.DisplayName, cfg.EmailAddress).
		ToAddrs([]mail.Address{*to}).
		Subject(subject).
		Date(now)
	if len(cc) > 0 {
		builder = builder.CCAddrs(cc)
	}
	if len(bcc) > 0 {
		builder = builder.BCCAddrs(bcc)
	}
	if req.ReplyTo != "" {
		builder = builder.ReplyTo("", req.ReplyTo)
	}
	if req.IsHTML {
		builder = builder.HTML([]byte(body))
	} else {
		builder = builder.Text([]byte(body))
	}

	references := append([]string(nil), req.References...)
	if req.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", req.InReplyTo)
		if !contains(references, req.InReplyTo) {
			references = append(references, req.InReplyTo)
		}
	}
	if len(references) > 0 {
		builder = builder.Header("References", strings.Join(references, " "))
	}

	for _, att := range req.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if att.IsInline && att.ContentID != "" {
			builder = builder.AddInline(att.Content, contentType, att.Filename, att.ContentID)
			continue
		}
		builder = builder.AddAttachment(att.Content, contentType, att.Filename)
	}

	root, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	root.Header.Set("Message-ID", messageID)

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	recipients := []string{to.Address}
	for _, a := range cc {
		recipients = append(recipients, a.Address)
	}
	for _, a := range bcc {
		recipients = append(recipients, a.Address)
	}

	return &Outgoing{
		MessageID:  messageID,
		From:       cfg.EmailAddress,
		Recipients: recipients,
		Subject:    subject,
		References: references,
		Body:       body,
		Data:       buf.Bytes(),
	}, nil
}

func withSignature(content, signature string, isHTML bool) string {
	if strings.TrimSpace(signature) == "" {
		return content
	}
	if isHTML {
		sig := strings.ReplaceAll(html.EscapeString(signature), "\n", "<br>")
		return content + "<br><br>" + sig
	}
	return content + "\n\n" + signature
}

func newMessageID(address string) string {
	domain := "localhost"
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		domain = address[at+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

func parseAddresses(raw []string) ([]mail.Address, error) {
	var result []mail.Address
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		a, err := mail.ParseAddress(r)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
