package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/monitoring"
	"go.uber.org/zap"
)

// Outcome says what happened to one ingested message.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeOwnMessage Outcome = "own_message"
)

// IngestResult is returned by Ingest. Message and Conversation are set only for OutcomeCreated.
type IngestResult struct {
	Outcome      Outcome
	MessageID    string
	Message      *models.Message
	Conversation *models.Conversation
}

// Ingestor turns a raw inbound message into a stored message in the right conversation.
type Ingestor struct {
	store    Store
	blobs    BlobStore
	notifier Notifier
	flows    FlowRunner
	seen     SeenCache
	resolver *ThreadResolver
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Ingest parses raw and persists it. Parse failures come back as *ParseError. Messages sent
// from the connection's own address are dropped so replies we send are not ingested again.
func (i *Ingestor) Ingest(ctx context.Context, cfg *models.ConnectionConfig, raw *imap.RawMessage) (*IngestResult, error) {
	parsed, err := imap.ParseInbound(raw.Body, raw.UID, raw.ReceivedAt)
	if err != nil {
		return nil, &ParseError{UID: raw.UID, Err: err}
	}

	if strings.EqualFold(parsed.FromAddress, cfg.EmailAddress) {
		return &IngestResult{Outcome: OutcomeOwnMessage, MessageID: parsed.MessageID}, nil
	}

	receivedAt := parsed.ReceivedAt
	message := &models.Message{
		ConnectionID: cfg.ConnectionID,
		ExternalID:   parsed.MessageID,
		Direction:    models.DirectionInbound,
		Status:       models.MessageStatusDelivered,
		ContentType:  models.ContentTypeText,
		Content:      parsed.TextBody,
		ReceivedAt:   &receivedAt,
		Metadata: models.MessageMetadata{
			UID:             raw.UID,
			Folder:          raw.Folder,
			MessageID:       parsed.MessageID,
			Subject:         parsed.Subject,
			From:            parsed.FromAddress,
			To:              parsed.To,
			CC:              parsed.CC,
			ReplyTo:         parsed.ReplyTo,
			InReplyTo:       parsed.InReplyTo,
			References:      parsed.References,
			HTML:            parsed.HTMLBody,
			PlainText:       parsed.TextBody,
			AttachmentCount: len(parsed.Attachments),
		},
	}
	if parsed.HTMLBody != "" {
		message.ContentType = models.ContentTypeHTML
		message.Content = parsed.HTMLBody
	}

	stored, err := i.persist(ctx, cfg, persistRequest{
		contactEmail: parsed.FromAddress,
		contactName:  parsed.FromName,
		inReplyTo:    parsed.InReplyTo,
		references:   parsed.References,
		message:      message,
		attachments:  parsed.Attachments,
		at:           receivedAt,
		newEmail:     true,
	})
	if errors.Is(err, db.ErrDuplicateMessage) {
		i.markSeen(ctx, cfg.ConnectionID, parsed.MessageID)
		return &IngestResult{Outcome: OutcomeDuplicate, MessageID: parsed.MessageID}, nil
	}
	if err != nil {
		return nil, err
	}

	i.markSeen(ctx, cfg.ConnectionID, parsed.MessageID)
	return &IngestResult{
		Outcome:      OutcomeCreated,
		MessageID:    parsed.MessageID,
		Message:      stored.message,
		Conversation: stored.conversation,
	}, nil
}

type persistRequest struct {
	contactEmail string
	contactName  string
	inReplyTo    string
	references   []string
	message      *models.Message
	attachments  []models.AttachmentData
	at           time.Time
	// newEmail adds the new_email event and runs flows; set for inbound mail only.
	newEmail bool
}

type persisted struct {
	message      *models.Message
	conversation *models.Conversation
	contact      *models.Contact
}

// persist stores a message with its contact, conversation and attachments, then emits events.
// It is shared by the inbound and outbound paths.
func (i *Ingestor) persist(ctx context.Context, cfg *models.ConnectionConfig, req persistRequest) (*persisted, error) {
	contact, err := i.store.GetOrCreateContact(ctx, cfg.TenantID, req.contactEmail, req.contactName)
	if err != nil {
		return nil, err
	}

	conversation, err := i.resolver.Resolve(ctx, contact.ID, cfg.ConnectionID, req.inReplyTo, req.references)
	if err != nil {
		i.logger.Warn("Thread lookup failed, using the contact's conversation",
			zap.String("connection_id", cfg.ConnectionID), zap.Error(err))
	}
	if conversation == nil {
		conversation, err = i.store.GetOrCreateConversation(ctx, cfg.TenantID, contact.ID, cfg.ConnectionID)
		if err != nil {
			return nil, err
		}
	}

	req.message.ConversationID = conversation.ID
	if err := i.store.CreateMessage(ctx, req.message); err != nil {
		return nil, err
	}

	i.saveAttachments(ctx, req.message, req.attachments)

	at := req.at
	if at.IsZero() {
		at = i.now()
	}
	if err := i.store.TouchConversation(ctx, conversation.ID, at); err != nil {
		i.logger.Warn("Failed to update conversation", zap.String("conversation_id", conversation.ID), zap.Error(err))
	} else {
		conversation.LastMessageAt = at
		conversation.Status = "active"
	}

	i.emit(ctx, cfg, req.message, conversation, contact, req.newEmail)
	return &persisted{message: req.message, conversation: conversation, contact: contact}, nil
}

// saveAttachments stores bodies and rows. Failures are logged; the message stays.
func (i *Ingestor) saveAttachments(ctx context.Context, message *models.Message, attachments []models.AttachmentData) {
	if i.blobs == nil {
		return
	}
	for _, data := range attachments {
		attachment, err := i.blobs.Save(ctx, data)
		if err != nil {
			i.logger.Warn("Failed to store attachment",
				zap.String("message_id", message.ID), zap.String("filename", data.Filename), zap.Error(err))
			continue
		}
		attachment.MessageID = message.ID
		if err := i.store.SaveAttachment(ctx, attachment); err != nil {
			i.logger.Warn("Failed to record attachment",
				zap.String("message_id", message.ID), zap.String("filename", data.Filename), zap.Error(err))
			continue
		}
		message.Attachments = append(message.Attachments, *attachment)
	}
}

func (i *Ingestor) emit(ctx context.Context, cfg *models.ConnectionConfig, message *models.Message, conversation *models.Conversation, contact *models.Contact, newEmail bool) {
	types := []string{models.EventNewMessage, models.EventConversationUpdated}
	if newEmail {
		types = append(types, models.EventNewEmail)
	}

	for _, eventType := range types {
		event := &models.Event{
			Type:           eventType,
			TenantID:       cfg.TenantID,
			ConnectionID:   cfg.ConnectionID,
			ConversationID: conversation.ID,
			Message:        message,
			Conversation:   conversation,
			Contact:        contact,
		}
		if i.notifier != nil {
			i.notifier.Notify(event)
		}
		i.metrics.IncEvent(eventType)

		if eventType == models.EventNewEmail && i.flows != nil {
			if err := i.flows.RunFlows(ctx, event); err != nil {
				i.logger.Warn("Flow execution failed",
					zap.String("connection_id", cfg.ConnectionID), zap.String("message_id", message.ID), zap.Error(err))
			}
		}
	}
}

func (i *Ingestor) markSeen(ctx context.Context, connectionID, messageID string) {
	if i.seen == nil {
		return
	}
	if err := i.seen.MarkSeen(ctx, connectionID, messageID); err != nil {
		i.logger.Debug("Failed to mark message as seen", zap.String("connection_id", connectionID), zap.Error(err))
	}
}

// isDuplicate checks the seen cache, then the database.
func (i *Ingestor) isDuplicate(ctx context.Context, connectionID, messageID string) (bool, error) {
	if i.seen != nil {
		seen, err := i.seen.Seen(ctx, connectionID, messageID)
		if err != nil {
			i.logger.Debug("Seen cache lookup failed", zap.String("connection_id", connectionID), zap.Error(err))
		} else if seen {
			return true, nil
		}
	}

	exists, err := i.store.MessageExists(ctx, connectionID, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate message: %w", err)
	}
	return exists, nil
}
