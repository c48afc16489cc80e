package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ConnectionStatus is the durable state of an email connection.
type ConnectionStatus string

const (
	StatusActive       ConnectionStatus = "active"
	StatusInactive     ConnectionStatus = "inactive"
	StatusError        ConnectionStatus = "error"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

// EmailConnection is a tenant mailbox as stored in the database.
type EmailConnection struct {
	ID                    string           `json:"id"`
	TenantID              string           `json:"tenant_id"`
	EmailAddress          string           `json:"email_address"`
	DisplayName           string           `json:"display_name"`
	Signature             string           `json:"signature"`
	IMAPHost              string           `json:"imap_host"`
	IMAPPort              int              `json:"imap_port"`
	IMAPUseTLS            bool             `json:"imap_use_tls"`
	IMAPUsername          string           `json:"imap_username"`
	EncryptedIMAPPassword []byte           `json:"-"`
	SMTPHost              string           `json:"smtp_host"`
	SMTPPort              int              `json:"smtp_port"`
	SMTPUseTLS            bool             `json:"smtp_use_tls"`
	SMTPUsername          string           `json:"smtp_username"`
	EncryptedSMTPPassword []byte           `json:"-"`
	SyncFolder            string           `json:"sync_folder"`
	SyncFrequencySeconds  int              `json:"sync_frequency_seconds"`
	MaxSyncMessages       int              `json:"max_sync_messages"`
	LastSyncAt            *time.Time       `json:"last_sync_at"`
	Status                ConnectionStatus `json:"status"`
	LastError             string           `json:"last_error"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// ConnectionSettingsRequest is the payload for creating an email connection.
type ConnectionSettingsRequest struct {
	EmailAddress         string `json:"email_address"`
	DisplayName          string `json:"display_name"`
	Signature            string `json:"signature"`
	IMAPHost             string `json:"imap_host"`
	IMAPPort             int    `json:"imap_port"`
	IMAPUseTLS           bool   `json:"imap_use_tls"`
	IMAPUsername         string `json:"imap_username"`
	IMAPPassword         string `json:"imap_password"`
	SMTPHost             string `json:"smtp_host"`
	SMTPPort             int    `json:"smtp_port"`
	SMTPUseTLS           bool   `json:"smtp_use_tls"`
	SMTPUsername         string `json:"smtp_username"`
	SMTPPassword         string `json:"smtp_password"`
	SyncFolder           string `json:"sync_folder"`
	SyncFrequencySeconds int    `json:"sync_frequency_seconds"`
	MaxSyncMessages      int    `json:"max_sync_messages"`
}

// Endpoint is one protocol server of a mailbox with decrypted credentials.
type Endpoint struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ConnectionConfig is the decrypted, read-only view of a connection used by the sync and send paths.
type ConnectionConfig struct {
	ConnectionID    string
	TenantID        string
	EmailAddress    string
	DisplayName     string
	Signature       string
	Inbound         Endpoint
	Outbound        Endpoint
	SyncFolder      string
	SyncInterval    time.Duration
	MaxSyncMessages int
	LastSyncAt      *time.Time
	Status          ConnectionStatus
}

// MissingFields lists the required fields that are empty.
func (c *ConnectionConfig) MissingFields() []string {
	var missing []string
	if c.EmailAddress == "" {
		missing = append(missing, "email_address")
	}
	if c.Inbound.Host == "" {
		missing = append(missing, "imap_host")
	}
	if c.Inbound.Port == 0 {
		missing = append(missing, "imap_port")
	}
	if c.Inbound.Password == "" {
		missing = append(missing, "imap_password")
	}
	if c.Outbound.Host == "" {
		missing = append(missing, "smtp_host")
	}
	if c.Outbound.Port == 0 {
		missing = append(missing, "smtp_port")
	}
	if c.Outbound.Password == "" {
		missing = append(missing, "smtp_password")
	}
	return missing
}

// FromHeader formats the sender as "Display Name <address>".
func (c *ConnectionConfig) FromHeader() string {
	name := c.DisplayName
	if name == "" {
		name = c.EmailAddress
	}
	return fmt.Sprintf("%s <%s>", name, c.EmailAddress)
}

// ConnectionStatusReport is returned by the status endpoint.
type ConnectionStatusReport struct {
	ConnectionID string           `json:"connection_id"`
	Status       ConnectionStatus `json:"status"`
	LastSyncAt   *time.Time       `json:"last_sync_at"`
	Error        string           `json:"error,omitempty"`
	Connected    bool             `json:"connected"`
}

// ActiveConnectionInfo describes the in-memory state of a registered connection.
type ActiveConnectionInfo struct {
	Status               ConnectionStatus `json:"status"`
	LastActivity         time.Time        `json:"last_activity"`
	ReconnectAttempts    int              `json:"reconnect_attempts"`
	ReconnectInProgress  bool             `json:"reconnect_in_progress"`
	OutboundSessionReady bool             `json:"outbound_session_ready"`
}

// PollingStatus is the operational view of one connection's background work.
type PollingStatus struct {
	ConnectionID        string                `json:"connection_id"`
	ConfigExists        bool                  `json:"config_exists"`
	HasPollingTimer     bool                  `json:"has_polling_timer"`
	HasActiveConnection bool                  `json:"has_active_connection"`
	HasHealthCheck      bool                  `json:"has_health_check"`
	HasIdleListener     bool                  `json:"has_idle_listener"`
	LastSyncAt          *time.Time            `json:"last_sync_at,omitempty"`
	Connection          *ActiveConnectionInfo `json:"connection,omitempty"`
}

// ServiceDebugInfo summarizes every piece of background work the manager holds.
type ServiceDebugInfo struct {
	ActiveConnections []string `json:"active_connections"`
	PollingTimers     []string `json:"polling_timers"`
	HealthChecks      []string `json:"health_checks"`
	IdleListeners     []string `json:"idle_listeners"`
}
