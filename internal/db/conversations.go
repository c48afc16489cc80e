package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrConversationNotFound is returned when a conversation cannot be found.
var ErrConversationNotFound = errors.New("conversation not found")

const conversationColumns = `id, tenant_id, contact_id, connection_id, channel_type, status, last_message_at, created_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	if err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.ContactID,
		&c.ConnectionID,
		&c.ChannelType,
		&c.Status,
		&c.LastMessageAt,
		&c.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOrCreateConversation returns the conversation between a contact and a connection, creating it if needed.
func GetOrCreateConversation(ctx context.Context, pool *pgxpool.Pool, tenantID, contactID, connectionID string) (*models.Conversation, error) {
	c, err := scanConversation(pool.QueryRow(ctx, `
		INSERT INTO conversations (tenant_id, contact_id, connection_id, channel_type, status)
		VALUES ($1, $2, $3, 'email', 'active')
		ON CONFLICT (contact_id, connection_id) DO UPDATE SET contact_id = conversations.contact_id
		RETURNING `+conversationColumns,
		tenantID, contactID, connectionID))
	if err != nil {
		return nil, fmt.Errorf("failed to get or create conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation by ID.
func GetConversation(ctx context.Context, pool *pgxpool.Pool, conversationID string) (*models.Conversation, error) {
	c, err := scanConversation(pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE id = $1
	`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// FindConversationsByExternalID returns the conversations holding a message with the given
// protocol message ID, oldest message first.
func FindConversationsByExternalID(ctx context.Context, pool *pgxpool.Pool, externalID string) ([]*models.Conversation, error) {
	rows, err := pool.Query(ctx, `
		SELECT c.id, c.tenant_id, c.contact_id, c.connection_id, c.channel_type, c.status, c.last_message_at, c.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.external_id = $1
		ORDER BY m.created_at
	`, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to find conversations by message id: %w", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	return conversations, nil
}

// TouchConversation marks a conversation active and bumps its last message time.
func TouchConversation(ctx context.Context, pool *pgxpool.Pool, conversationID string, at time.Time) error {
	tag, err := pool.Exec(ctx, `
		UPDATE conversations SET last_message_at = GREATEST(last_message_at, $2), status = 'active'
		WHERE id = $1
	`, conversationID, at)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}
