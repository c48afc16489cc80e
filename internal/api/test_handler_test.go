package api

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/channel"
	"go.uber.org/zap"
)

type appendedMessage struct {
	folder string
	raw    string
}

type fakeMailbox struct {
	appended []appendedMessage
	err      error
}

func (f *fakeMailbox) AppendMessage(folder string, raw []byte, _ time.Time) (uint32, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.appended = append(f.appended, appendedMessage{folder: folder, raw: string(raw)})
	return uint32(len(f.appended)), nil
}

func newTestMux(t *testing.T, mailbox *fakeMailbox) (*http.ServeMux, *mockManager) {
	t.Helper()
	manager := newMockManager(t)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /test/add-imap-message", NewTestHandler(mailbox, manager, zap.NewNop()).AddIMAPMessage)
	return mux, manager
}

func TestTestHandler_AddIMAPMessage(t *testing.T) {
	t.Run("appends to INBOX by default", func(t *testing.T) {
		mailbox := &fakeMailbox{}
		mux, _ := newTestMux(t, mailbox)

		rr := serveMux(mux, newRequest(t, http.MethodPost, "/test/add-imap-message", "", addIMAPMessageRequest{
			Subject:    "Order question",
			From:       "customer@example.org",
			To:         "support@example.com",
			InReplyTo:  "<prev@example.com>",
			References: []string{"<root@example.com>", "<prev@example.com>"},
		}))

		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		body := decodeBody[addIMAPMessageResponse](t, rr)
		assert.Equal(t, uint32(1), body.UID)
		assert.True(t, strings.HasSuffix(body.MessageID, "@test.local>"))
		assert.Nil(t, body.Sync)

		require.Len(t, mailbox.appended, 1)
		raw := mailbox.appended[0].raw
		assert.Equal(t, "INBOX", mailbox.appended[0].folder)
		assert.Contains(t, raw, "Message-ID: "+body.MessageID+"\r\n")
		assert.Contains(t, raw, "In-Reply-To: <prev@example.com>\r\n")
		assert.Contains(t, raw, "References: <root@example.com> <prev@example.com>\r\n")
		assert.Contains(t, raw, "\r\n\r\nTest message body.")
	})

	t.Run("triggers a sync for the connection", func(t *testing.T) {
		mailbox := &fakeMailbox{}
		mux, manager := newTestMux(t, mailbox)
		manager.On("TriggerSync", mock.Anything, "conn-1").Return(&channel.SyncResult{Candidates: 1, New: 1}, nil)

		rr := serveMux(mux, newRequest(t, http.MethodPost, "/test/add-imap-message", "", addIMAPMessageRequest{
			ConnectionID: "conn-1",
			Folder:       "Support",
			MessageID:    "<fixed@example.org>",
			Subject:      "Hi",
			From:         "customer@example.org",
			To:           "support@example.com",
			Body:         "Hello there",
		}))

		require.Equal(t, http.StatusCreated, rr.Code)
		body := decodeBody[addIMAPMessageResponse](t, rr)
		assert.Equal(t, "<fixed@example.org>", body.MessageID)
		require.NotNil(t, body.Sync)
		assert.Equal(t, 1, body.Sync.New)
		assert.Equal(t, "Support", mailbox.appended[0].folder)
	})

	t.Run("required fields", func(t *testing.T) {
		mux, _ := newTestMux(t, &fakeMailbox{})
		rr := serveMux(mux, newRequest(t, http.MethodPost, "/test/add-imap-message", "", addIMAPMessageRequest{Subject: "x"}))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("append failure", func(t *testing.T) {
		mux, _ := newTestMux(t, &fakeMailbox{err: errors.New("mailbox not found")})
		rr := serveMux(mux, newRequest(t, http.MethodPost, "/test/add-imap-message", "", addIMAPMessageRequest{
			Subject: "x", From: "a@example.org", To: "b@example.com",
		}))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}
