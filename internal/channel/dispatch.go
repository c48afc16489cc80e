package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/monitoring"
	"github.com/vdavid/mailsync/internal/smtp"
	"go.uber.org/zap"
)

// Dispatcher sends outbound mail over a connection's SMTP session and stores the sent copy.
type Dispatcher struct {
	credentials CredentialStore
	registry    *Registry
	ingestor    *Ingestor
	dial        OutboundDialer
	opts        Options
	metrics     *monitoring.Metrics
	logger      *zap.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// Send composes and submits req. Transient failures are retried with exponential backoff up to
// the configured attempt count; anything else fails at once. Every submission failure comes back
// as *DeliveryError. On success the stored outbound message is returned.
func (d *Dispatcher) Send(ctx context.Context, connectionID string, req *models.SendRequest) (*models.Message, error) {
	logger := d.logger.With(zap.String("connection_id", connectionID))

	cfg, err := d.credentials.GetConfig(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection config: %w", err)
	}
	if missing := missingOutbound(cfg); len(missing) > 0 {
		return nil, &ConfigurationError{ConnectionID: connectionID, Missing: missing}
	}

	outgoing, err := smtp.Compose(cfg, req, d.now())
	if err != nil {
		return nil, fmt.Errorf("failed to compose message: %w", err)
	}

	started := time.Now()
	attempts, err := d.submit(ctx, cfg, outgoing, logger)
	d.metrics.ObserveSend(time.Since(started))
	if err != nil {
		logger.Error("Failed to send email", zap.Int("attempts", attempts), zap.Error(err))
		return nil, &DeliveryError{ConnectionID: connectionID, Attempts: attempts, Err: err}
	}

	if state, ok := d.registry.Get(connectionID); ok {
		state.Touch(d.now())
	}
	logger.Info("Email sent", zap.String("message_id", outgoing.MessageID), zap.Int("attempts", attempts))

	return d.store(ctx, cfg, req, outgoing)
}

func missingOutbound(cfg *models.ConnectionConfig) []string {
	var missing []string
	if cfg.EmailAddress == "" {
		missing = append(missing, "email_address")
	}
	if cfg.Outbound.Host == "" {
		missing = append(missing, "smtp_host")
	}
	if cfg.Outbound.Port == 0 {
		missing = append(missing, "smtp_port")
	}
	if cfg.Outbound.Password == "" {
		missing = append(missing, "smtp_password")
	}
	return missing
}

// submit runs the attempt loop and returns how many attempts were made.
func (d *Dispatcher) submit(ctx context.Context, cfg *models.ConnectionConfig, outgoing *smtp.Outgoing, logger *zap.Logger) (int, error) {
	lease := d.lease(cfg)
	defer lease.release()

	var lastErr error
	for attempt := 1; attempt <= d.opts.SendMaxAttempts; attempt++ {
		session, err := lease.session(ctx)
		if err == nil {
			err = session.Send(outgoing.From, outgoing.Recipients, outgoing.Data)
			if err == nil {
				d.metrics.IncSendAttempt("ok")
				return attempt, nil
			}
			if sessionDead(err) {
				lease.discard(session)
			}
		}
		lastErr = err

		if !IsTransient(err) {
			d.metrics.IncSendAttempt("rejected")
			return attempt, err
		}
		d.metrics.IncSendAttempt("retry")
		if attempt == d.opts.SendMaxAttempts {
			break
		}

		delay := backoff(attempt, d.opts.SendBackoffBase, d.opts.SendBackoffMax)
		logger.Warn("Send failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
		if err := d.sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
	return d.opts.SendMaxAttempts, lastErr
}

// store persists the sent message in the recipient's conversation.
func (d *Dispatcher) store(ctx context.Context, cfg *models.ConnectionConfig, req *models.SendRequest, outgoing *smtp.Outgoing) (*models.Message, error) {
	now := d.now()
	contentType := models.ContentTypeText
	if req.IsHTML {
		contentType = models.ContentTypeHTML
	}

	references := outgoing.References
	message := &models.Message{
		ConnectionID: cfg.ConnectionID,
		ExternalID:   outgoing.MessageID,
		Direction:    models.DirectionOutbound,
		Status:       models.MessageStatusSent,
		ContentType:  contentType,
		Content:      outgoing.Body,
		ReceivedAt:   &now,
		Metadata: models.MessageMetadata{
			MessageID:       outgoing.MessageID,
			Subject:         outgoing.Subject,
			From:            cfg.EmailAddress,
			To:              []string{req.To},
			CC:              req.CC,
			BCC:             req.BCC,
			ReplyTo:         req.ReplyTo,
			InReplyTo:       req.InReplyTo,
			References:      references,
			AttachmentCount: len(req.Attachments),
		},
	}
	if req.IsHTML {
		message.Metadata.HTML = outgoing.Body
	} else {
		message.Metadata.PlainText = outgoing.Body
	}

	stored, err := d.ingestor.persist(ctx, cfg, persistRequest{
		contactEmail: outgoing.Recipients[0],
		inReplyTo:    req.InReplyTo,
		references:   references,
		message:      message,
		attachments:  req.Attachments,
		at:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("email was sent but could not be stored: %w", err)
	}
	d.ingestor.markSeen(ctx, cfg.ConnectionID, outgoing.MessageID)
	return stored.message, nil
}

// sessionLease hands out the outbound session for one send. Registered connections reuse the
// session kept on their state; others get a temporary session closed by release.
type sessionLease struct {
	d       *Dispatcher
	cfg     *models.ConnectionConfig
	state   *ConnectionState
	current OutboundSession
}

func (d *Dispatcher) lease(cfg *models.ConnectionConfig) *sessionLease {
	l := &sessionLease{d: d, cfg: cfg}
	if state, ok := d.registry.Get(cfg.ConnectionID); ok {
		l.state = state
	}
	return l
}

func (l *sessionLease) session(ctx context.Context) (OutboundSession, error) {
	if l.state != nil {
		if s := l.state.Outbound(); s != nil {
			return s, nil
		}
	} else if l.current != nil {
		return l.current, nil
	}

	s, err := l.d.dial(ctx, l.cfg.Outbound)
	if err != nil {
		return nil, err
	}
	if l.state != nil {
		if old := l.state.SetOutbound(s); old != nil && old != s {
			_ = old.Close()
		}
		return s, nil
	}
	l.current = s
	return s, nil
}

// discard closes a session that failed at the connection level so the next attempt re-dials.
func (l *sessionLease) discard(s OutboundSession) {
	if l.state != nil {
		l.state.dropOutbound(s)
	} else if l.current == s {
		l.current = nil
	}
	_ = s.Close()
}

func (l *sessionLease) release() {
	if l.state == nil && l.current != nil {
		_ = l.current.Close()
		l.current = nil
	}
}
