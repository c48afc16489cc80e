package channel

import (
	"time"

	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/smtp"
)

// Options tunes the connection manager. Zero values are replaced by DefaultOptions.
type Options struct {
	SafetyBuffer        time.Duration
	FirstSyncLookback   time.Duration
	FallbackRecentCount int
	MaxSyncMessages     int

	HealthCheckInterval time.Duration
	StaleThreshold      time.Duration

	SendMaxAttempts int
	SendBackoffBase time.Duration
	SendBackoffMax  time.Duration

	OutboundIdleTimeout     time.Duration
	OutboundCleanupInterval time.Duration

	ResumeStagger time.Duration

	DeadLetterMaxAttempts   int
	DeadLetterRetryInterval time.Duration

	IdleEnabled bool

	InboundTimeouts  imap.Timeouts
	OutboundTimeouts smtp.Timeouts
	// LocalName is sent in EHLO.
	LocalName string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		SafetyBuffer:            5 * time.Minute,
		FirstSyncLookback:       24 * time.Hour,
		FallbackRecentCount:     200,
		MaxSyncMessages:         100,
		HealthCheckInterval:     5 * time.Minute,
		StaleThreshold:          30 * time.Minute,
		SendMaxAttempts:         3,
		SendBackoffBase:         time.Second,
		SendBackoffMax:          5 * time.Second,
		OutboundIdleTimeout:     30 * time.Minute,
		OutboundCleanupInterval: 10 * time.Minute,
		ResumeStagger:           2 * time.Second,
		DeadLetterMaxAttempts:   5,
		DeadLetterRetryInterval: 15 * time.Minute,
		InboundTimeouts: imap.Timeouts{
			Connect:  30 * time.Second,
			Greeting: 30 * time.Second,
			Command:  60 * time.Second,
		},
		OutboundTimeouts: smtp.Timeouts{
			Connect:    30 * time.Second,
			Command:    60 * time.Second,
			Submission: 5 * time.Minute,
		},
		LocalName: "localhost",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SafetyBuffer <= 0 {
		o.SafetyBuffer = d.SafetyBuffer
	}
	if o.FirstSyncLookback <= 0 {
		o.FirstSyncLookback = d.FirstSyncLookback
	}
	if o.FallbackRecentCount <= 0 {
		o.FallbackRecentCount = d.FallbackRecentCount
	}
	if o.MaxSyncMessages <= 0 {
		o.MaxSyncMessages = d.MaxSyncMessages
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = d.HealthCheckInterval
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = d.StaleThreshold
	}
	if o.SendMaxAttempts <= 0 {
		o.SendMaxAttempts = d.SendMaxAttempts
	}
	if o.SendBackoffBase <= 0 {
		o.SendBackoffBase = d.SendBackoffBase
	}
	if o.SendBackoffMax <= 0 {
		o.SendBackoffMax = d.SendBackoffMax
	}
	if o.OutboundIdleTimeout <= 0 {
		o.OutboundIdleTimeout = d.OutboundIdleTimeout
	}
	if o.OutboundCleanupInterval <= 0 {
		o.OutboundCleanupInterval = d.OutboundCleanupInterval
	}
	if o.ResumeStagger <= 0 {
		o.ResumeStagger = d.ResumeStagger
	}
	if o.DeadLetterMaxAttempts <= 0 {
		o.DeadLetterMaxAttempts = d.DeadLetterMaxAttempts
	}
	if o.DeadLetterRetryInterval <= 0 {
		o.DeadLetterRetryInterval = d.DeadLetterRetryInterval
	}
	if o.InboundTimeouts == (imap.Timeouts{}) {
		o.InboundTimeouts = d.InboundTimeouts
	}
	if o.OutboundTimeouts == (smtp.Timeouts{}) {
		o.OutboundTimeouts = d.OutboundTimeouts
	}
	if o.LocalName == "" {
		o.LocalName = d.LocalName
	}
	return o
}
