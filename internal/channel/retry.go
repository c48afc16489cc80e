package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/smtp"
)

var transientPatterns = []string{
	"connection reset",
	"connection closed",
	"broken pipe",
	"timeout",
	"timed out",
	"no such host",
	"use of closed network connection",
	"temporary failure",
	"unexpected eof",
}

// IsTransient reports whether err is worth retrying: timeouts, resets, closed connections,
// DNS failures and SMTP 421. Authentication and content rejections are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transient *TransientProtocolError
	if errors.As(err, &transient) {
		return true
	}

	var imapAuth *imap.AuthError
	var smtpAuth *smtp.AuthError
	if errors.As(err, &imapAuth) || errors.As(err, &smtpAuth) {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, imap.ErrSessionClosed) || errors.Is(err, smtp.ErrSessionClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout || dnsErr.IsNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code == 421
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// sessionDead reports whether a send error means the outbound session itself is gone and
// must be re-dialed, as opposed to a failure of this one message.
func sessionDead(err error) bool {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code == 421
	}
	return IsTransient(err)
}

// backoff returns base * 2^(attempt-1), capped at ceiling. attempt starts at 1.
func backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
