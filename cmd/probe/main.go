// Command probe checks a mailbox's IMAP and SMTP settings the same way the connection manager
// does, and prints what the server offers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/spf13/cobra"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logger"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/smtp"
	"go.uber.org/zap"
)

type probeOptions struct {
	inbound  models.Endpoint
	outbound models.Endpoint
	folder   string
	since    time.Duration
	timeout  time.Duration
	skipSMTP bool
	verbose  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &probeOptions{}

	cmd := &cobra.Command{
		Use:           "probe",
		Short:         "Check IMAP and SMTP settings for a mailbox",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.inbound.Password == "" {
				opts.inbound.Password = os.Getenv("MAILSYNC_PROBE_IMAP_PASSWORD")
			}
			if opts.outbound.Password == "" {
				opts.outbound.Password = os.Getenv("MAILSYNC_PROBE_SMTP_PASSWORD")
			}
			if opts.outbound.Password == "" {
				opts.outbound.Password = opts.inbound.Password
			}
			if opts.outbound.Username == "" {
				opts.outbound.Username = opts.inbound.Username
			}
			if err := opts.validate(); err != nil {
				return err
			}

			log := zap.NewNop()
			if opts.verbose {
				log = logger.NewDevelopmentLogger()
			}
			return probe(cmd.Context(), opts, cmd.OutOrStdout(), log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.inbound.Host, "imap-host", "", "IMAP server host")
	flags.IntVar(&opts.inbound.Port, "imap-port", 993, "IMAP server port")
	flags.BoolVar(&opts.inbound.UseTLS, "imap-tls", true, "use implicit TLS for IMAP")
	flags.StringVar(&opts.inbound.Username, "user", "", "login name, also used for SMTP unless --smtp-user is set")
	flags.StringVar(&opts.inbound.Password, "password", "", "password (or MAILSYNC_PROBE_IMAP_PASSWORD)")
	flags.StringVar(&opts.outbound.Host, "smtp-host", "", "SMTP server host")
	flags.IntVar(&opts.outbound.Port, "smtp-port", 465, "SMTP server port")
	flags.BoolVar(&opts.outbound.UseTLS, "smtp-tls", true, "use implicit TLS for SMTP")
	flags.StringVar(&opts.outbound.Username, "smtp-user", "", "SMTP login name")
	flags.StringVar(&opts.outbound.Password, "smtp-password", "", "SMTP password (or MAILSYNC_PROBE_SMTP_PASSWORD)")
	flags.StringVar(&opts.folder, "folder", "INBOX", "folder to inspect")
	flags.DurationVar(&opts.since, "since", 24*time.Hour, "count messages received within this window")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "connect and command timeout")
	flags.BoolVar(&opts.skipSMTP, "skip-smtp", false, "only check IMAP")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log protocol steps")

	return cmd
}

func (o *probeOptions) validate() error {
	var missing []string
	if o.inbound.Host == "" {
		missing = append(missing, "--imap-host")
	}
	if o.inbound.Username == "" {
		missing = append(missing, "--user")
	}
	if o.inbound.Password == "" {
		missing = append(missing, "--password")
	}
	if !o.skipSMTP && o.outbound.Host == "" {
		missing = append(missing, "--smtp-host")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required flags: %v", missing)
	}
	return nil
}

func probe(ctx context.Context, opts *probeOptions, out io.Writer, log *zap.Logger) error {
	imapErr := probeIMAP(ctx, opts, out, log)
	if imapErr != nil {
		fmt.Fprintf(out, "IMAP: FAILED: %v\n", imapErr)
	}

	var smtpErr error
	if !opts.skipSMTP {
		smtpErr = probeSMTP(ctx, opts, out)
		if smtpErr != nil {
			fmt.Fprintf(out, "SMTP: FAILED: %v\n", smtpErr)
		}
	}

	return errors.Join(imapErr, smtpErr)
}

func probeIMAP(ctx context.Context, opts *probeOptions, out io.Writer, log *zap.Logger) error {
	timeouts := imap.Timeouts{Connect: opts.timeout, Greeting: opts.timeout, Command: opts.timeout}
	session, err := imap.Dial(ctx, opts.inbound, timeouts, log)
	if err != nil {
		return err
	}
	defer func() { _ = session.Logout() }()
	fmt.Fprintf(out, "IMAP: logged in to %s\n", opts.inbound.Address())

	var caps map[string]bool
	if err := session.Do(func(c *client.Client) error {
		var err error
		caps, err = c.Capability()
		return err
	}); err != nil {
		return fmt.Errorf("failed to read capabilities: %w", err)
	}
	names := make([]string, 0, len(caps))
	for name := range caps {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(out, "IMAP: capabilities %v\n", names)
	fmt.Fprintf(out, "IMAP: SORT %s, IDLE %s\n", yesNo(session.SupportsSort()), yesNo(caps["IDLE"]))

	folders, err := session.ListFolders()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "IMAP: %d folders\n", len(folders))
	for _, f := range folders {
		fmt.Fprintf(out, "  %s\n", f.Name)
	}

	status, err := session.Select(opts.folder)
	if err != nil {
		return fmt.Errorf("folder %q: %w", opts.folder, err)
	}
	fmt.Fprintf(out, "IMAP: %s has %d messages, next UID %d\n", opts.folder, status.Messages, status.UidNext)

	uids, err := session.SearchSince(time.Now().Add(-opts.since))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "IMAP: %d messages since %s ago\n", len(uids), opts.since)
	return nil
}

func probeSMTP(ctx context.Context, opts *probeOptions, out io.Writer) error {
	timeouts := smtp.Timeouts{Connect: opts.timeout, Command: opts.timeout}
	session, err := smtp.Dial(ctx, opts.outbound, timeouts, "localhost")
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	if err := session.Noop(); err != nil {
		return err
	}
	fmt.Fprintf(out, "SMTP: logged in to %s\n", opts.outbound.Address())
	return nil
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
