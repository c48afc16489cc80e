package channel

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
)

func replyRequest() *models.SendRequest {
	return &models.SendRequest{
		To:      "customer@example.org",
		Subject: "Re: Hello",
		Content: "Thanks for reaching out",
	}
}

func tempFailure() error {
	return &gosmtp.SMTPError{Code: 421, Message: "Service not available, try again later"}
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("retries transient failures and stores the sent message", func(t *testing.T) {
		h := newHarness(t, Options{})
		require.NoError(t, h.manager.Open(ctx, testConnectionID))
		h.relay.failNext(tempFailure(), fmt.Errorf("write tcp: %w", syscall.ECONNRESET))

		message, err := h.manager.Send(ctx, testConnectionID, replyRequest())

		require.NoError(t, err)
		assert.Equal(t, models.DirectionOutbound, message.Direction)
		assert.Equal(t, models.MessageStatusSent, message.Status)
		assert.NotEmpty(t, message.ID)
		assert.NotEmpty(t, message.ConversationID)
		assert.Equal(t, 1, h.relay.sentCount())
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.recordedSleeps())
		// One session from Open plus a fresh dial after each dead one.
		assert.Equal(t, 3, h.relay.sessionCount())
		assert.Equal(t, 1, h.notifier.count(models.EventNewMessage))
		assert.Equal(t, 0, h.notifier.count(models.EventNewEmail))
	})

	t.Run("gives up after three transient failures", func(t *testing.T) {
		h := newHarness(t, Options{})
		require.NoError(t, h.manager.Open(ctx, testConnectionID))
		h.relay.failNext(tempFailure(), tempFailure(), tempFailure())

		_, err := h.manager.Send(ctx, testConnectionID, replyRequest())

		var deliveryErr *DeliveryError
		require.ErrorAs(t, err, &deliveryErr)
		assert.Equal(t, 3, deliveryErr.Attempts)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.recordedSleeps())
		assert.Equal(t, 0, h.relay.sentCount())
		assert.Empty(t, h.store.storedMessages())
	})

	t.Run("permanent rejection is not retried", func(t *testing.T) {
		h := newHarness(t, Options{})
		require.NoError(t, h.manager.Open(ctx, testConnectionID))
		h.relay.failNext(&gosmtp.SMTPError{Code: 550, Message: "mailbox unavailable"})

		_, err := h.manager.Send(ctx, testConnectionID, replyRequest())

		var deliveryErr *DeliveryError
		require.ErrorAs(t, err, &deliveryErr)
		assert.Equal(t, 1, deliveryErr.Attempts)
		assert.Empty(t, h.recordedSleeps())

		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 550, smtpErr.Code)
	})

	t.Run("unregistered connection uses a temporary session", func(t *testing.T) {
		h := newHarness(t, Options{})

		_, err := h.manager.Send(ctx, testConnectionID, replyRequest())

		require.NoError(t, err)
		require.Equal(t, 1, h.relay.sessionCount())
		assert.True(t, h.relay.sessions[0].isClosed())
	})

	t.Run("missing outbound settings", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.store.updateConfig(testConnectionID, func(cfg *models.ConnectionConfig) { cfg.Outbound.Password = "" })

		_, err := h.manager.Send(ctx, testConnectionID, replyRequest())

		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, []string{"smtp_password"}, cfgErr.Missing)
		assert.Equal(t, 0, h.relay.sessionCount())
	})

	t.Run("reply joins the conversation of the original message", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.addMessage("<question@example.org>", time.Hour)
		h.sync()
		inbound := h.store.storedMessages()
		require.Len(t, inbound, 1)

		req := replyRequest()
		req.InReplyTo = "<question@example.org>"
		message, err := h.manager.Send(ctx, testConnectionID, req)

		require.NoError(t, err)
		assert.Equal(t, inbound[0].ConversationID, message.ConversationID)
		assert.Equal(t, []string{"<question@example.org>"}, message.Metadata.References)

		// The customer's answer to our reply lands in the same conversation.
		h.clock.Advance(time.Minute)
		at := h.clock.Now()
		h.mailbox.add("INBOX", buildRaw(rawOpts{
			messageID:  "<answer@example.org>",
			inReplyTo:  message.ExternalID,
			references: "<question@example.org> " + message.ExternalID,
			date:       at,
		}), at)
		result := h.sync()
		require.Equal(t, 1, result.New)

		all := h.store.storedMessages()
		assert.Equal(t, message.ConversationID, all[len(all)-1].ConversationID)
	})

	t.Run("the sent copy is never ingested again", func(t *testing.T) {
		h := newHarness(t, Options{})
		message, err := h.manager.Send(ctx, testConnectionID, replyRequest())
		require.NoError(t, err)

		exists, err := h.store.MessageExists(ctx, testConnectionID, message.ExternalID)
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 5 * time.Second},
		{attempt: 10, want: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, backoff(tt.attempt, time.Second, 5*time.Second))
		})
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleep(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
}
