package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// GetOrCreateContact returns the tenant's contact for the address, creating it if needed.
// Addresses are matched case-insensitively and stored lowercased.
func GetOrCreateContact(ctx context.Context, pool *pgxpool.Pool, tenantID, email, name string) (*models.Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" {
		name = email
	}

	var c models.Contact
	err := pool.QueryRow(ctx, `
		INSERT INTO contacts (tenant_id, email, name, source)
		VALUES ($1, $2, $3, 'email')
		ON CONFLICT (tenant_id, lower(email)) DO UPDATE SET email = contacts.email
		RETURNING id, tenant_id, email, name, source, created_at
	`, tenantID, email, name).Scan(&c.ID, &c.TenantID, &c.Email, &c.Name, &c.Source, &c.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to get or create contact: %w", err)
	}

	return &c, nil
}
