package channel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned when an operation needs a registered connection.
	ErrNotConnected = errors.New("connection is not active")
	// ErrReconnectInProgress is returned to a caller that loses the race for the reconnect flag.
	ErrReconnectInProgress = errors.New("reconnect already in progress")
)

// ConfigurationError means required settings are missing or invalid. It is terminal until an
// operator fixes the connection; nothing retries it.
type ConfigurationError struct {
	ConnectionID string
	Missing      []string
	Err          error
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("connection %s is missing required settings: %s", e.ConnectionID, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("connection %s is misconfigured: %v", e.ConnectionID, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ConnectError means a protocol session could not be opened (auth refused, host unreachable).
type ConnectError struct {
	ConnectionID string
	Protocol     string
	Err          error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect %s for %s: %v", e.Protocol, e.ConnectionID, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TransientProtocolError marks a failure that may succeed on retry or after a reconnect.
type TransientProtocolError struct {
	Op  string
	Err error
}

func (e *TransientProtocolError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientProtocolError) Unwrap() error {
	return e.Err
}

// DeliveryError is returned by Send when the message could not be submitted.
type DeliveryError struct {
	ConnectionID string
	Attempts     int
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed for %s after %d attempt(s): %v", e.ConnectionID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// ParseError means one inbound message could not be parsed. The message is skipped.
type ParseError struct {
	UID       uint32
	MessageID string
	Err       error
}

func (e *ParseError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("failed to parse message %s (uid %d): %v", e.MessageID, e.UID, e.Err)
	}
	return fmt.Sprintf("failed to parse message uid %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
