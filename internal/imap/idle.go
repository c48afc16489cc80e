package imap

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

// idleRetryDelay is the backoff after the listener connection fails.
const idleRetryDelay = 10 * time.Second

// WatchMailbox keeps a dedicated connection idling on folder and calls onNew whenever the
// server reports a new message count. Servers without IDLE are polled with NOOP instead.
// It blocks until ctx is canceled.
func WatchMailbox(ctx context.Context, endpoint models.Endpoint, timeouts Timeouts, folder string, onNew func(), logger *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := watchOnce(ctx, endpoint, timeouts, folder, onNew, logger)
		if err != nil && ctx.Err() == nil {
			logger.Warn("IDLE listener stopped, retrying", zap.String("folder", folder), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idleRetryDelay):
		}
	}
}

func watchOnce(ctx context.Context, endpoint models.Endpoint, timeouts Timeouts, folder string, onNew func(), logger *zap.Logger) error {
	session, err := Dial(ctx, endpoint, timeouts, logger)
	if err != nil {
		return err
	}
	defer func() { _ = session.Logout() }()

	if _, err := session.Select(folder); err != nil {
		return err
	}

	// The listener owns this connection, so it talks to the client directly without the
	// per-command deadline: IDLE blocks for as long as the mailbox stays quiet.
	c := session.client
	updates := make(chan imapclient.Update, 10)
	c.Updates = updates

	idleClient := idle.NewClient(c)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, 5*time.Second)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			for {
				select {
				case <-done:
					return nil
				case <-updates:
				}
			}
		case err := <-done:
			return err
		case update := <-updates:
			mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
			if !ok || mboxUpdate.Mailbox == nil || mboxUpdate.Mailbox.Messages == 0 {
				continue
			}
			onNew()
		}
	}
}
