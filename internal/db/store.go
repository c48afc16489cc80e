package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// Store exposes the package functions as methods so callers can depend on an interface
// and be tested with fakes.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) GetConnection(ctx context.Context, connectionID string) (*models.EmailConnection, error) {
	return GetConnection(ctx, s.pool, connectionID)
}

func (s *Store) ConnectionExists(ctx context.Context, connectionID string) (bool, error) {
	return ConnectionExists(ctx, s.pool, connectionID)
}

func (s *Store) ListConnectionIDsByStatus(ctx context.Context, status models.ConnectionStatus) ([]string, error) {
	return ListConnectionIDsByStatus(ctx, s.pool, status)
}

func (s *Store) UpdateConnectionStatus(ctx context.Context, connectionID string, status models.ConnectionStatus, lastError string) error {
	return UpdateConnectionStatus(ctx, s.pool, connectionID, status, lastError)
}

func (s *Store) MessageExists(ctx context.Context, connectionID, externalID string) (bool, error) {
	return MessageExists(ctx, s.pool, connectionID, externalID)
}

func (s *Store) FindConversationsByExternalID(ctx context.Context, externalID string) ([]*models.Conversation, error) {
	return FindConversationsByExternalID(ctx, s.pool, externalID)
}

func (s *Store) GetOrCreateContact(ctx context.Context, tenantID, email, name string) (*models.Contact, error) {
	return GetOrCreateContact(ctx, s.pool, tenantID, email, name)
}

func (s *Store) GetOrCreateConversation(ctx context.Context, tenantID, contactID, connectionID string) (*models.Conversation, error) {
	return GetOrCreateConversation(ctx, s.pool, tenantID, contactID, connectionID)
}

func (s *Store) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	return TouchConversation(ctx, s.pool, conversationID, at)
}

func (s *Store) CreateMessage(ctx context.Context, message *models.Message) error {
	return CreateMessage(ctx, s.pool, message)
}

func (s *Store) SaveAttachment(ctx context.Context, attachment *models.Attachment) error {
	return SaveAttachment(ctx, s.pool, attachment)
}

func (s *Store) RecordFailedIngest(ctx context.Context, f *models.FailedIngest) error {
	return RecordFailedIngest(ctx, s.pool, f)
}

func (s *Store) ListFailedIngests(ctx context.Context, connectionID string) ([]*models.FailedIngest, error) {
	return ListFailedIngests(ctx, s.pool, connectionID)
}

func (s *Store) DeleteFailedIngest(ctx context.Context, connectionID, folder string, uid uint32) error {
	return DeleteFailedIngest(ctx, s.pool, connectionID, folder, uid)
}
