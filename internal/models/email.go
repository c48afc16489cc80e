package models

import "time"

type Folder struct {
	Name       string   `json:"name"`
	Delimiter  string   `json:"delimiter"`
	Attributes []string `json:"attributes,omitempty"`
}

type Contact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ContactID     string    `json:"contact_id"`
	ConnectionID  string    `json:"connection_id"`
	ChannelType   string    `json:"channel_type"`
	Status        string    `json:"status"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	MessageStatusDelivered = "delivered"
	MessageStatusSent      = "sent"

	ContentTypeText = "text"
	ContentTypeHTML = "html"
)

type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	ConnectionID   string          `json:"connection_id"`
	ExternalID     string          `json:"external_id"`
	Direction      string          `json:"direction"`
	Status         string          `json:"status"`
	ContentType    string          `json:"content_type"`
	Content        string          `json:"content"`
	Metadata       MessageMetadata `json:"metadata"`
	ReceivedAt     *time.Time      `json:"received_at"`
	CreatedAt      time.Time       `json:"created_at"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
}

// MessageMetadata holds the email headers kept alongside a message row.
type MessageMetadata struct {
	UID             uint32   `json:"uid,omitempty"`
	Folder          string   `json:"folder,omitempty"`
	MessageID       string   `json:"message_id"`
	Subject         string   `json:"subject"`
	From            string   `json:"from"`
	To              []string `json:"to,omitempty"`
	CC              []string `json:"cc,omitempty"`
	BCC             []string `json:"bcc,omitempty"`
	ReplyTo         string   `json:"reply_to,omitempty"`
	InReplyTo       string   `json:"in_reply_to,omitempty"`
	References      []string `json:"references,omitempty"`
	HTML            string   `json:"html,omitempty"`
	PlainText       string   `json:"plain_text,omitempty"`
	AttachmentCount int      `json:"attachment_count"`
}

type Attachment struct {
	ID          string `json:"id"`
	MessageID   string `json:"message_id"`
	Filename    string `json:"filename"`
	StoredName  string `json:"-"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	IsInline    bool   `json:"is_inline"`
	ContentID   string `json:"content_id,omitempty"`
	DownloadURL string `json:"download_url"`
}

// InboundMessage is a parsed message fetched from the mailbox.
type InboundMessage struct {
	UID         uint32
	MessageID   string
	Subject     string
	FromAddress string
	FromName    string
	To          []string
	CC          []string
	ReplyTo     string
	Date        time.Time
	ReceivedAt  time.Time
	TextBody    string
	HTMLBody    string
	InReplyTo   string
	References  []string
	Attachments []AttachmentData
}

// AttachmentData is an attachment body with its metadata, before it is stored.
type AttachmentData struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id,omitempty"`
	IsInline    bool   `json:"is_inline"`
	Content     []byte `json:"content"`
}

// SendRequest is an outbound email composed by the inbox layer.
type SendRequest struct {
	To          string           `json:"to"`
	CC          []string         `json:"cc,omitempty"`
	BCC         []string         `json:"bcc,omitempty"`
	Subject     string           `json:"subject"`
	Content     string           `json:"content"`
	IsHTML      bool             `json:"is_html"`
	ReplyTo     string           `json:"reply_to,omitempty"`
	InReplyTo   string           `json:"in_reply_to,omitempty"`
	References  []string         `json:"references,omitempty"`
	Attachments []AttachmentData `json:"attachments,omitempty"`
}

// FailedIngest is a message that could not be ingested and waits for a retry.
type FailedIngest struct {
	ConnectionID string
	Folder       string
	UID          uint32
	MessageID    string
	Attempts     int
	LastError    string
	LastFailedAt time.Time
}

const (
	EventNewMessage          = "new_message"
	EventConversationUpdated = "conversation_updated"
	EventNewEmail            = "new_email"
)

// Event is pushed to the tenant's subscribers after a message has been stored.
type Event struct {
	Type           string        `json:"type"`
	TenantID       string        `json:"tenant_id"`
	ConnectionID   string        `json:"connection_id"`
	ConversationID string        `json:"conversation_id"`
	Message        *Message      `json:"message,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	Contact        *Contact      `json:"contact,omitempty"`
}
