package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// ErrDuplicateMessage is returned when a message with the same protocol ID already exists for the connection.
var ErrDuplicateMessage = errors.New("message already exists")

// CreateMessage inserts a message. Each (connection, external ID) pair is stored at most once;
// a second insert returns ErrDuplicateMessage and leaves the existing row untouched.
func CreateMessage(ctx context.Context, pool *pgxpool.Pool, message *models.Message) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO messages (
			conversation_id,
			connection_id,
			external_id,
			direction,
			status,
			content_type,
			content,
			metadata,
			received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (connection_id, external_id) DO NOTHING
		RETURNING id, created_at
	`,
		message.ConversationID,
		message.ConnectionID,
		message.ExternalID,
		message.Direction,
		message.Status,
		message.ContentType,
		message.Content,
		message.Metadata,
		message.ReceivedAt,
	).Scan(&message.ID, &message.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	return nil
}

const messageColumns = `
	id,
	conversation_id,
	connection_id,
	external_id,
	direction,
	status,
	content_type,
	content,
	metadata,
	received_at,
	created_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.ConnectionID,
		&msg.ExternalID,
		&msg.Direction,
		&msg.Status,
		&msg.ContentType,
		&msg.Content,
		&msg.Metadata,
		&msg.ReceivedAt,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessageByExternalID returns the connection's message with the given protocol message ID.
func GetMessageByExternalID(ctx context.Context, pool *pgxpool.Pool, connectionID, externalID string) (*models.Message, error) {
	msg, err := scanMessage(pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE connection_id = $1 AND external_id = $2
	`, connectionID, externalID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return msg, nil
}

// MessageExists reports whether the connection already stored a message with the given protocol ID.
func MessageExists(ctx context.Context, pool *pgxpool.Pool, connectionID, externalID string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM messages WHERE connection_id = $1 AND external_id = $2)
	`, connectionID, externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return exists, nil
}

// GetMessagesForConversation returns all messages of a conversation in insertion order.
func GetMessagesForConversation(ctx context.Context, pool *pgxpool.Pool, conversationID string) ([]*models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY created_at, id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// SaveAttachment saves an attachment row and populates its ID.
func SaveAttachment(ctx context.Context, pool *pgxpool.Pool, attachment *models.Attachment) error {
	var contentID *string
	if attachment.ContentID != "" {
		contentID = &attachment.ContentID
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO attachments (message_id, filename, stored_name, content_type, size_bytes, is_inline, content_id, download_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		attachment.MessageID,
		attachment.Filename,
		attachment.StoredName,
		attachment.ContentType,
		attachment.SizeBytes,
		attachment.IsInline,
		contentID,
		attachment.DownloadURL,
	).Scan(&attachment.ID)

	if err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}

	return nil
}

// GetAttachmentsForMessage returns all attachments of a message.
func GetAttachmentsForMessage(ctx context.Context, pool *pgxpool.Pool, messageID string) ([]models.Attachment, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, message_id, filename, stored_name, content_type, size_bytes, is_inline, COALESCE(content_id, ''), download_url
		FROM attachments
		WHERE message_id = $1
		ORDER BY created_at, id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.StoredName, &a.ContentType, &a.SizeBytes, &a.IsInline, &a.ContentID, &a.DownloadURL); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return attachments, nil
}
