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

// ErrConnectionNotFound is returned when an email connection record does not exist.
var ErrConnectionNotFound = errors.New("email connection not found")

const connectionColumns = `
	id,
	tenant_id,
	email_address,
	display_name,
	signature,
	imap_host,
	imap_port,
	imap_use_tls,
	imap_username,
	encrypted_imap_password,
	smtp_host,
	smtp_port,
	smtp_use_tls,
	smtp_username,
	encrypted_smtp_password,
	sync_folder,
	sync_frequency_seconds,
	max_sync_messages,
	last_sync_at,
	status,
	last_error,
	created_at,
	updated_at`

func scanConnection(row pgx.Row) (*models.EmailConnection, error) {
	var c models.EmailConnection
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.EmailAddress,
		&c.DisplayName,
		&c.Signature,
		&c.IMAPHost,
		&c.IMAPPort,
		&c.IMAPUseTLS,
		&c.IMAPUsername,
		&c.EncryptedIMAPPassword,
		&c.SMTPHost,
		&c.SMTPPort,
		&c.SMTPUseTLS,
		&c.SMTPUsername,
		&c.EncryptedSMTPPassword,
		&c.SyncFolder,
		&c.SyncFrequencySeconds,
		&c.MaxSyncMessages,
		&c.LastSyncAt,
		&c.Status,
		&c.LastError,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConnection inserts a new email connection and populates its ID and timestamps.
func CreateConnection(ctx context.Context, pool *pgxpool.Pool, c *models.EmailConnection) error {
	if c.Status == "" {
		c.Status = models.StatusInactive
	}

	err := pool.QueryRow(ctx, `
		INSERT INTO email_connections (
			tenant_id,
			email_address,
			display_name,
			signature,
			imap_host,
			imap_port,
			imap_use_tls,
			imap_username,
			encrypted_imap_password,
			smtp_host,
			smtp_port,
			smtp_use_tls,
			smtp_username,
			encrypted_smtp_password,
			sync_folder,
			sync_frequency_seconds,
			max_sync_messages,
			status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, created_at, updated_at
	`,
		c.TenantID,
		c.EmailAddress,
		c.DisplayName,
		c.Signature,
		c.IMAPHost,
		c.IMAPPort,
		c.IMAPUseTLS,
		c.IMAPUsername,
		c.EncryptedIMAPPassword,
		c.SMTPHost,
		c.SMTPPort,
		c.SMTPUseTLS,
		c.SMTPUsername,
		c.EncryptedSMTPPassword,
		c.SyncFolder,
		c.SyncFrequencySeconds,
		c.MaxSyncMessages,
		c.Status,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create email connection: %w", err)
	}

	return nil
}

// GetConnection returns the connection with the given ID.
func GetConnection(ctx context.Context, pool *pgxpool.Pool, connectionID string) (*models.EmailConnection, error) {
	c, err := scanConnection(pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM email_connections WHERE id = $1`, connectionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email connection: %w", err)
	}
	return c, nil
}

// GetConnectionForTenant returns the connection only if it belongs to the tenant.
func GetConnectionForTenant(ctx context.Context, pool *pgxpool.Pool, tenantID, connectionID string) (*models.EmailConnection, error) {
	c, err := scanConnection(pool.QueryRow(ctx, `
		SELECT `+connectionColumns+` FROM email_connections WHERE id = $1 AND tenant_id = $2
	`, connectionID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email connection: %w", err)
	}
	return c, nil
}

// ListConnectionIDsByStatus returns the IDs of all connections in the given status.
func ListConnectionIDsByStatus(ctx context.Context, pool *pgxpool.Pool, status models.ConnectionStatus) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT id FROM email_connections WHERE status = $1 ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list email connections: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan email connection ids: %w", err)
	}
	return ids, nil
}

// ConnectionExists reports whether a connection record is still present.
func ConnectionExists(ctx context.Context, pool *pgxpool.Pool, connectionID string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM email_connections WHERE id = $1)
	`, connectionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check email connection existence: %w", err)
	}
	return exists, nil
}

// UpdateConnectionStatus persists the durable status and the last error message.
func UpdateConnectionStatus(ctx context.Context, pool *pgxpool.Pool, connectionID string, status models.ConnectionStatus, lastError string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE email_connections
		SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`, connectionID, status, lastError)
	if err != nil {
		return fmt.Errorf("failed to update email connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// UpdateLastSync advances the sync checkpoint. An older timestamp never overwrites a newer one.
func UpdateLastSync(ctx context.Context, pool *pgxpool.Pool, connectionID string, syncedAt time.Time) error {
	tag, err := pool.Exec(ctx, `
		UPDATE email_connections
		SET last_sync_at = GREATEST(COALESCE(last_sync_at, $2), $2), updated_at = now()
		WHERE id = $1
	`, connectionID, syncedAt)
	if err != nil {
		return fmt.Errorf("failed to update last sync time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// DeleteConnection removes a connection and, through cascades, its conversations and messages.
func DeleteConnection(ctx context.Context, pool *pgxpool.Pool, connectionID string) error {
	tag, err := pool.Exec(ctx, `DELETE FROM email_connections WHERE id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to delete email connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}
