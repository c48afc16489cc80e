package imap

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
)

// Summary is the envelope-level view of a message used to decide whether it needs ingesting.
type Summary struct {
	UID          uint32
	MessageID    string
	Subject      string
	From         string
	Date         time.Time
	InternalDate time.Time
	Size         uint32
}

// ReceivedAt prefers the server's arrival time and falls back to the Date header.
func (s Summary) ReceivedAt() time.Time {
	if !s.InternalDate.IsZero() {
		return s.InternalDate
	}
	return s.Date
}

// RawMessage is the full source of one fetched message with where it came from.
type RawMessage struct {
	UID        uint32
	Folder     string
	ReceivedAt time.Time
	Body       []byte
}

var summaryItems = []imap.FetchItem{
	imap.FetchUid,
	imap.FetchEnvelope,
	imap.FetchInternalDate,
	imap.FetchRFC822Size,
}

// Select opens a folder read-only so fetching bodies never changes flags.
func (s *Session) Select(folder string) (*imap.MailboxStatus, error) {
	var status *imap.MailboxStatus
	err := s.Do(func(c *client.Client) error {
		var err error
		status, err = c.Select(folder, true)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}
	return status, nil
}

// SearchSince returns the UIDs of messages that arrived on or after since, in arrival order
// when the server can sort and in UID order otherwise.
//
// IMAP SINCE has day granularity, so callers must re-check the exact timestamp.
func (s *Session) SearchSince(since time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	useSort := s.SupportsSort()

	var uids []uint32
	err := s.Do(func(c *client.Client) error {
		var err error
		if useSort {
			sortClient := sortthread.NewSortClient(c)
			uids, err = sortClient.UidSort([]sortthread.SortCriterion{{Field: sortthread.SortArrival}}, criteria)
			return err
		}
		uids, err = c.UidSearch(criteria)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search since %s: %w", since.Format(time.RFC3339), err)
	}
	return uids, nil
}

// FetchSummaries fetches envelopes for the given UIDs.
func (s *Session) FetchSummaries(uids []uint32) ([]Summary, error) {
	if len(uids) == 0 {
		return []Summary{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	var result []Summary
	err := s.Do(func(c *client.Client) error {
		var err error
		result, err = collectSummaries(len(uids), func(ch chan *imap.Message) error {
			return c.UidFetch(seqSet, summaryItems, ch)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch summaries: %w", err)
	}
	return result, nil
}

// FetchRecent fetches envelopes for the last n messages by sequence number. total is the
// message count reported by the last SELECT.
func (s *Session) FetchRecent(total uint32, n int) ([]Summary, error) {
	if total == 0 || n <= 0 {
		return []Summary{}, nil
	}

	from := uint32(1)
	if total > uint32(n) {
		from = total - uint32(n) + 1
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, total)

	var result []Summary
	err := s.Do(func(c *client.Client) error {
		var err error
		result, err = collectSummaries(int(total-from+1), func(ch chan *imap.Message) error {
			return c.Fetch(seqSet, summaryItems, ch)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent %d messages: %w", n, err)
	}
	return result, nil
}

func collectSummaries(size int, fetch func(chan *imap.Message) error) ([]Summary, error) {
	messages := make(chan *imap.Message, size)
	done := make(chan error, 1)

	go func() {
		done <- fetch(messages)
	}()

	result := make([]Summary, 0, size)
	for msg := range messages {
		result = append(result, toSummary(msg))
	}

	if err := <-done; err != nil {
		return nil, err
	}
	return result, nil
}

func toSummary(msg *imap.Message) Summary {
	summary := Summary{
		UID:          msg.Uid,
		InternalDate: msg.InternalDate,
		Size:         msg.Size,
	}
	if env := msg.Envelope; env != nil {
		summary.MessageID = env.MessageId
		summary.Subject = env.Subject
		summary.Date = env.Date
		if len(env.From) > 0 && env.From[0] != nil {
			summary.From = strings.ToLower(env.From[0].Address())
		}
	}
	return summary
}

// FetchRaw fetches the full RFC 822 source of one message without setting \Seen.
func (s *Session) FetchRaw(uid uint32) ([]byte, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	var raw []byte
	err := s.Do(func(c *client.Client) error {
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)

		go func() {
			done <- c.UidFetch(seqSet, items, messages)
		}()

		var readErr error
		for msg := range messages {
			body := msg.GetBody(section)
			if body == nil {
				continue
			}
			raw, readErr = io.ReadAll(body)
		}

		if err := <-done; err != nil {
			return err
		}
		return readErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("server did not return message %d", uid)
	}
	return raw, nil
}

// ListFolders lists all folders visible to the account.
func (s *Session) ListFolders() ([]models.Folder, error) {
	var folders []models.Folder
	err := s.Do(func(c *client.Client) error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)

		go func() {
			done <- c.List("", "*", mailboxes)
		}()

		for m := range mailboxes {
			folders = append(folders, models.Folder{
				Name:       m.Name,
				Delimiter:  m.Delimiter,
				Attributes: m.Attributes,
			})
		}

		return <-done
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}
