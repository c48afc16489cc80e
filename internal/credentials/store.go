package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

const (
	defaultSyncFolder      = "INBOX"
	defaultSyncFrequency   = 60
	defaultMaxSyncMessages = 100
)

// Store turns stored connection records into decrypted ConnectionConfig values and owns the sync checkpoint.
type Store struct {
	pool                *pgxpool.Pool
	encryptor           *crypto.Encryptor
	minSyncInterval     time.Duration
	defaultSyncInterval time.Duration
}

// NewStore creates a credential store. Sync intervals below minSyncInterval are raised to it.
func NewStore(pool *pgxpool.Pool, encryptor *crypto.Encryptor, minSyncInterval time.Duration) *Store {
	return &Store{
		pool:                pool,
		encryptor:           encryptor,
		minSyncInterval:     minSyncInterval,
		defaultSyncInterval: defaultSyncFrequency * time.Second,
	}
}

// WithDefaultSyncInterval sets the interval used for connections saved without one.
func (s *Store) WithDefaultSyncInterval(d time.Duration) *Store {
	if d > 0 {
		s.defaultSyncInterval = d
	}
	return s
}

// GetConfig loads and decrypts a connection. Returns db.ErrConnectionNotFound if the record is gone.
func (s *Store) GetConfig(ctx context.Context, connectionID string) (*models.ConnectionConfig, error) {
	record, err := db.GetConnection(ctx, s.pool, connectionID)
	if err != nil {
		return nil, err
	}
	return s.toConfig(record)
}

// ConnectionForTenant returns the stored record if it belongs to the tenant.
func (s *Store) ConnectionForTenant(ctx context.Context, tenantID, connectionID string) (*models.EmailConnection, error) {
	return db.GetConnectionForTenant(ctx, s.pool, tenantID, connectionID)
}

// UpdateCheckpoint advances the last sync time. The stored value never decreases.
func (s *Store) UpdateCheckpoint(ctx context.Context, connectionID string, ts time.Time) error {
	return db.UpdateLastSync(ctx, s.pool, connectionID, ts)
}

// SaveConnection encrypts the passwords, applies defaults, and inserts a new connection.
func (s *Store) SaveConnection(ctx context.Context, tenantID string, req *models.ConnectionSettingsRequest) (*models.EmailConnection, error) {
	imapPassword, err := s.encryptor.EncryptOptional(req.IMAPPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt IMAP password: %w", err)
	}

	smtpPassword, err := s.encryptor.EncryptOptional(req.SMTPPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt SMTP password: %w", err)
	}

	record := &models.EmailConnection{
		TenantID:              tenantID,
		EmailAddress:          strings.TrimSpace(req.EmailAddress),
		DisplayName:           req.DisplayName,
		Signature:             req.Signature,
		IMAPHost:              req.IMAPHost,
		IMAPPort:              req.IMAPPort,
		IMAPUseTLS:            req.IMAPUseTLS,
		IMAPUsername:          req.IMAPUsername,
		EncryptedIMAPPassword: imapPassword,
		SMTPHost:              req.SMTPHost,
		SMTPPort:              req.SMTPPort,
		SMTPUseTLS:            req.SMTPUseTLS,
		SMTPUsername:          req.SMTPUsername,
		EncryptedSMTPPassword: smtpPassword,
		SyncFolder:            req.SyncFolder,
		SyncFrequencySeconds:  req.SyncFrequencySeconds,
		MaxSyncMessages:       req.MaxSyncMessages,
		Status:                models.StatusInactive,
	}
	s.applyDefaults(record)

	if err := db.CreateConnection(ctx, s.pool, record); err != nil {
		return nil, err
	}

	return record, nil
}

// ConfigFromRequest builds an unsaved ConnectionConfig, used to verify settings before storing them.
func (s *Store) ConfigFromRequest(tenantID string, req *models.ConnectionSettingsRequest) *models.ConnectionConfig {
	record := &models.EmailConnection{
		TenantID:             tenantID,
		EmailAddress:         strings.TrimSpace(req.EmailAddress),
		DisplayName:          req.DisplayName,
		Signature:            req.Signature,
		IMAPHost:             req.IMAPHost,
		IMAPPort:             req.IMAPPort,
		IMAPUseTLS:           req.IMAPUseTLS,
		IMAPUsername:         req.IMAPUsername,
		SMTPHost:             req.SMTPHost,
		SMTPPort:             req.SMTPPort,
		SMTPUseTLS:           req.SMTPUseTLS,
		SMTPUsername:         req.SMTPUsername,
		SyncFolder:           req.SyncFolder,
		SyncFrequencySeconds: req.SyncFrequencySeconds,
		MaxSyncMessages:      req.MaxSyncMessages,
	}
	s.applyDefaults(record)

	cfg := s.build(record)
	cfg.Inbound.Password = req.IMAPPassword
	cfg.Outbound.Password = req.SMTPPassword
	return cfg
}

func (s *Store) toConfig(record *models.EmailConnection) (*models.ConnectionConfig, error) {
	imapPassword, err := s.encryptor.DecryptOptional(record.EncryptedIMAPPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	smtpPassword, err := s.encryptor.DecryptOptional(record.EncryptedSMTPPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	cfg := s.build(record)
	cfg.Inbound.Password = imapPassword
	cfg.Outbound.Password = smtpPassword
	return cfg, nil
}

func (s *Store) build(record *models.EmailConnection) *models.ConnectionConfig {
	interval := time.Duration(record.SyncFrequencySeconds) * time.Second
	if interval <= 0 {
		interval = s.defaultSyncInterval
	}
	if interval < s.minSyncInterval {
		interval = s.minSyncInterval
	}

	// Many providers use the address as the login; fall back to it when no username was given.
	imapUsername := record.IMAPUsername
	if imapUsername == "" {
		imapUsername = record.EmailAddress
	}
	smtpUsername := record.SMTPUsername
	if smtpUsername == "" {
		smtpUsername = record.EmailAddress
	}

	syncFolder := record.SyncFolder
	if syncFolder == "" {
		syncFolder = defaultSyncFolder
	}

	return &models.ConnectionConfig{
		ConnectionID: record.ID,
		TenantID:     record.TenantID,
		EmailAddress: record.EmailAddress,
		DisplayName:  record.DisplayName,
		Signature:    record.Signature,
		Inbound: models.Endpoint{
			Host:     record.IMAPHost,
			Port:     record.IMAPPort,
			UseTLS:   record.IMAPUseTLS,
			Username: imapUsername,
		},
		Outbound: models.Endpoint{
			Host:     record.SMTPHost,
			Port:     record.SMTPPort,
			UseTLS:   record.SMTPUseTLS,
			Username: smtpUsername,
		},
		SyncFolder:      syncFolder,
		SyncInterval:    interval,
		MaxSyncMessages: record.MaxSyncMessages,
		LastSyncAt:      record.LastSyncAt,
		Status:          record.Status,
	}
}

func (s *Store) applyDefaults(record *models.EmailConnection) {
	if record.SyncFolder == "" {
		record.SyncFolder = defaultSyncFolder
	}
	if record.SyncFrequencySeconds <= 0 {
		record.SyncFrequencySeconds = int(s.defaultSyncInterval / time.Second)
	}
	if record.MaxSyncMessages <= 0 {
		record.MaxSyncMessages = defaultMaxSyncMessages
	}
}
