package channel

import (
	"context"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/mailsync/internal/credentials"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/smtp"
)

// CredentialStore loads decrypted connection settings and moves the sync checkpoint.
type CredentialStore interface {
	GetConfig(ctx context.Context, connectionID string) (*models.ConnectionConfig, error)
	UpdateCheckpoint(ctx context.Context, connectionID string, ts time.Time) error
}

// Store is the persistence the manager needs. *db.Store implements it.
type Store interface {
	GetConnection(ctx context.Context, connectionID string) (*models.EmailConnection, error)
	ConnectionExists(ctx context.Context, connectionID string) (bool, error)
	ListConnectionIDsByStatus(ctx context.Context, status models.ConnectionStatus) ([]string, error)
	UpdateConnectionStatus(ctx context.Context, connectionID string, status models.ConnectionStatus, lastError string) error

	MessageExists(ctx context.Context, connectionID, externalID string) (bool, error)
	FindConversationsByExternalID(ctx context.Context, externalID string) ([]*models.Conversation, error)
	GetOrCreateContact(ctx context.Context, tenantID, email, name string) (*models.Contact, error)
	GetOrCreateConversation(ctx context.Context, tenantID, contactID, connectionID string) (*models.Conversation, error)
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
	CreateMessage(ctx context.Context, message *models.Message) error
	SaveAttachment(ctx context.Context, attachment *models.Attachment) error

	RecordFailedIngest(ctx context.Context, f *models.FailedIngest) error
	ListFailedIngests(ctx context.Context, connectionID string) ([]*models.FailedIngest, error)
	DeleteFailedIngest(ctx context.Context, connectionID, folder string, uid uint32) error
}

// Notifier broadcasts events to the tenant's live subscribers.
type Notifier interface {
	Notify(event *models.Event)
}

// BlobStore persists attachment bodies and returns the stored metadata.
type BlobStore interface {
	Save(ctx context.Context, data models.AttachmentData) (*models.Attachment, error)
}

// FlowRunner runs tenant automations for a newly received message.
type FlowRunner interface {
	RunFlows(ctx context.Context, event *models.Event) error
}

// SeenCache is a fast path in front of the database duplicate check.
type SeenCache interface {
	Seen(ctx context.Context, connectionID, messageID string) (bool, error)
	MarkSeen(ctx context.Context, connectionID, messageID string) error
}

// InboundSession is an authenticated IMAP session. *imap.Session implements it.
type InboundSession interface {
	Select(folder string) (*goimap.MailboxStatus, error)
	SearchSince(since time.Time) ([]uint32, error)
	FetchSummaries(uids []uint32) ([]imap.Summary, error)
	FetchRecent(total uint32, n int) ([]imap.Summary, error)
	FetchRaw(uid uint32) ([]byte, error)
	ListFolders() ([]models.Folder, error)
	Usable() bool
	Noop() error
	LastUsed() time.Time
	Logout() error
}

// OutboundSession is an authenticated SMTP session. *smtp.Session implements it.
type OutboundSession interface {
	Send(from string, recipients []string, data []byte) error
	Noop() error
	LastUsed() time.Time
	Close() error
}

// InboundDialer opens an inbound session.
type InboundDialer func(ctx context.Context, endpoint models.Endpoint) (InboundSession, error)

// OutboundDialer opens an outbound session.
type OutboundDialer func(ctx context.Context, endpoint models.Endpoint) (OutboundSession, error)

// WatchFunc blocks while watching a folder for new mail and calls onNew on every change.
type WatchFunc func(ctx context.Context, endpoint models.Endpoint, folder string, onNew func())

var (
	_ Store           = (*db.Store)(nil)
	_ CredentialStore = (*credentials.Store)(nil)
	_ InboundSession  = (*imap.Session)(nil)
	_ OutboundSession = (*smtp.Session)(nil)
)
