package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// RecordFailedIngest adds a message to the retry list, or bumps its attempt counter if already listed.
func RecordFailedIngest(ctx context.Context, pool *pgxpool.Pool, f *models.FailedIngest) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO email_failed_ingests (connection_id, folder, imap_uid, message_id, last_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connection_id, folder, imap_uid) DO UPDATE SET
			attempts = email_failed_ingests.attempts + 1,
			last_error = EXCLUDED.last_error,
			message_id = COALESCE(NULLIF(EXCLUDED.message_id, ''), email_failed_ingests.message_id),
			last_failed_at = now()
	`, f.ConnectionID, f.Folder, int64(f.UID), f.MessageID, f.LastError)
	if err != nil {
		return fmt.Errorf("failed to record failed ingest: %w", err)
	}
	return nil
}

// ListFailedIngests returns the connection's pending retries, oldest first.
func ListFailedIngests(ctx context.Context, pool *pgxpool.Pool, connectionID string) ([]*models.FailedIngest, error) {
	rows, err := pool.Query(ctx, `
		SELECT connection_id, folder, imap_uid, message_id, attempts, last_error, last_failed_at
		FROM email_failed_ingests
		WHERE connection_id = $1
		ORDER BY first_failed_at
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed ingests: %w", err)
	}
	defer rows.Close()

	var result []*models.FailedIngest
	for rows.Next() {
		var f models.FailedIngest
		var uid int64
		if err := rows.Scan(&f.ConnectionID, &f.Folder, &uid, &f.MessageID, &f.Attempts, &f.LastError, &f.LastFailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed ingest: %w", err)
		}
		f.UID = uint32(uid)
		result = append(result, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed ingests: %w", err)
	}

	return result, nil
}

// DeleteFailedIngest removes a message from the retry list.
func DeleteFailedIngest(ctx context.Context, pool *pgxpool.Pool, connectionID, folder string, uid uint32) error {
	_, err := pool.Exec(ctx, `
		DELETE FROM email_failed_ingests WHERE connection_id = $1 AND folder = $2 AND imap_uid = $3
	`, connectionID, folder, int64(uid))
	if err != nil {
		return fmt.Errorf("failed to delete failed ingest: %w", err)
	}
	return nil
}
