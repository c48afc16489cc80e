package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/smtp"
	"go.uber.org/zap"
)

const (
	testConnectionID = "conn-1"
	testTenantID     = "tenant-1"
	testAddress      = "support@example.com"
)

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock {
	return &clock{now: t}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStore is an in-memory Store and CredentialStore.
type fakeStore struct {
	mu sync.Mutex

	configs     map[string]*models.ConnectionConfig
	checkpoints map[string]time.Time
	statuses    map[string]models.ConnectionStatus
	lastErrors  map[string]string

	messages      []*models.Message
	contacts      map[string]*models.Contact
	conversations map[string]*models.Conversation
	attachments   []*models.Attachment
	failed        map[string]*models.FailedIngest

	// createErr fails CreateMessage for the given external ids.
	createErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		configs:       make(map[string]*models.ConnectionConfig),
		checkpoints:   make(map[string]time.Time),
		statuses:      make(map[string]models.ConnectionStatus),
		lastErrors:    make(map[string]string),
		contacts:      make(map[string]*models.Contact),
		conversations: make(map[string]*models.Conversation),
		failed:        make(map[string]*models.FailedIngest),
		createErr:     make(map[string]error),
	}
}

func (s *fakeStore) addConfig(cfg *models.ConnectionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ConnectionID] = cfg
	s.statuses[cfg.ConnectionID] = cfg.Status
}

func (s *fakeStore) updateConfig(id string, fn func(cfg *models.ConnectionConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.configs[id])
}

func (s *fakeStore) deleteConfig(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, id)
}

func (s *fakeStore) setCheckpoint(id string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[id] = ts
}

func (s *fakeStore) checkpoint(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.checkpoints[id]
	return ts, ok
}

func (s *fakeStore) status(id string) models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

func (s *fakeStore) failCreate(externalID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.createErr, externalID)
		return
	}
	s.createErr[externalID] = err
}

func (s *fakeStore) storedMessages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Message(nil), s.messages...)
}

func (s *fakeStore) failedIngests() []*models.FailedIngest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*models.FailedIngest, 0, len(s.failed))
	for _, f := range s.failed {
		c := *f
		result = append(result, &c)
	}
	return result
}

func (s *fakeStore) GetConfig(_ context.Context, connectionID string) (*models.ConnectionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[connectionID]
	if !ok {
		return nil, db.ErrConnectionNotFound
	}
	c := *cfg
	c.Status = s.statuses[connectionID]
	if ts, ok := s.checkpoints[connectionID]; ok {
		c.LastSyncAt = &ts
	}
	return &c, nil
}

func (s *fakeStore) UpdateCheckpoint(_ context.Context, connectionID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.checkpoints[connectionID]; !ok || ts.After(current) {
		s.checkpoints[connectionID] = ts
	}
	return nil
}

func (s *fakeStore) GetConnection(_ context.Context, connectionID string) (*models.EmailConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[connectionID]
	if !ok {
		return nil, db.ErrConnectionNotFound
	}
	record := &models.EmailConnection{
		ID:           connectionID,
		TenantID:     cfg.TenantID,
		EmailAddress: cfg.EmailAddress,
		Status:       s.statuses[connectionID],
		LastError:    s.lastErrors[connectionID],
	}
	if ts, ok := s.checkpoints[connectionID]; ok {
		record.LastSyncAt = &ts
	}
	return record, nil
}

func (s *fakeStore) ConnectionExists(_ context.Context, connectionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.configs[connectionID]
	return ok, nil
}

func (s *fakeStore) ListConnectionIDsByStatus(_ context.Context, status models.ConnectionStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.configs {
		if s.statuses[id] == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeStore) UpdateConnectionStatus(_ context.Context, connectionID string, status models.ConnectionStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[connectionID]; !ok {
		return db.ErrConnectionNotFound
	}
	s.statuses[connectionID] = status
	s.lastErrors[connectionID] = lastError
	return nil
}

func (s *fakeStore) MessageExists(_ context.Context, connectionID, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ConnectionID == connectionID && m.ExternalID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) FindConversationsByExternalID(_ context.Context, externalID string) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*models.Conversation
	seen := make(map[string]bool)
	for _, m := range s.messages {
		if m.ExternalID != externalID || seen[m.ConversationID] {
			continue
		}
		seen[m.ConversationID] = true
		c := *s.conversations[m.ConversationID]
		result = append(result, &c)
	}
	return result, nil
}

func (s *fakeStore) GetOrCreateContact(_ context.Context, tenantID, email, name string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(email)
	key := tenantID + "|" + email
	if c, ok := s.contacts[key]; ok {
		return c, nil
	}
	if name == "" {
		name = email
	}
	c := &models.Contact{ID: uuid.NewString(), TenantID: tenantID, Email: email, Name: name, Source: "email"}
	s.contacts[key] = c
	return c, nil
}

func (s *fakeStore) GetOrCreateConversation(_ context.Context, tenantID, contactID, connectionID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.ContactID == contactID && c.ConnectionID == connectionID {
			copied := *c
			return &copied, nil
		}
	}
	c := &models.Conversation{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		ContactID:    contactID,
		ConnectionID: connectionID,
		ChannelType:  "email",
		Status:       "active",
	}
	s.conversations[c.ID] = c
	copied := *c
	return &copied, nil
}

// addConversation stores a conversation directly, for threading tests.
func (s *fakeStore) addConversation(c *models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
}

func (s *fakeStore) TouchConversation(_ context.Context, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return db.ErrConversationNotFound
	}
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	c.Status = "active"
	return nil
}

func (s *fakeStore) CreateMessage(_ context.Context, message *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createErr[message.ExternalID]; err != nil {
		return err
	}
	for _, m := range s.messages {
		if m.ConnectionID == message.ConnectionID && m.ExternalID == message.ExternalID {
			return db.ErrDuplicateMessage
		}
	}
	message.ID = uuid.NewString()
	message.CreatedAt = time.Now()
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeStore) SaveAttachment(_ context.Context, attachment *models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attachment.ID = uuid.NewString()
	s.attachments = append(s.attachments, attachment)
	return nil
}

func failedKey(connectionID, folder string, uid uint32) string {
	return fmt.Sprintf("%s|%s|%d", connectionID, folder, uid)
}

func (s *fakeStore) RecordFailedIngest(_ context.Context, f *models.FailedIngest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := failedKey(f.ConnectionID, f.Folder, f.UID)
	if existing, ok := s.failed[key]; ok {
		existing.Attempts++
		existing.LastError = f.LastError
		return nil
	}
	c := *f
	c.Attempts = 1
	s.failed[key] = &c
	return nil
}

func (s *fakeStore) ListFailedIngests(_ context.Context, connectionID string) ([]*models.FailedIngest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*models.FailedIngest
	for _, f := range s.failed {
		if f.ConnectionID == connectionID {
			c := *f
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}

func (s *fakeStore) DeleteFailedIngest(_ context.Context, connectionID, folder string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failed, failedKey(connectionID, folder, uid))
	return nil
}

type fakeMessage struct {
	summary imap.Summary
	raw     []byte
}

// fakeMailbox is the server side shared by every fakeInbound session.
type fakeMailbox struct {
	mu        sync.Mutex
	folders   map[string][]fakeMessage
	nextUID   uint32
	searchErr error
	rawErr    map[uint32]error
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		folders: map[string][]fakeMessage{"INBOX": nil},
		nextUID: 1,
		rawErr:  make(map[uint32]error),
	}
}

// add stores raw in folder as received at receivedAt. The envelope Message-ID is taken from
// the raw headers.
func (b *fakeMailbox) add(folder string, raw []byte, receivedAt time.Time) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	uid := b.nextUID
	b.nextUID++
	b.folders[folder] = append(b.folders[folder], fakeMessage{
		summary: imap.Summary{
			UID:          uid,
			MessageID:    headerValue(raw, "Message-ID"),
			InternalDate: receivedAt,
			Size:         uint32(len(raw)),
		},
		raw: raw,
	})
	return uid
}

func headerValue(raw []byte, name string) string {
	for _, line := range strings.Split(string(raw), "\r\n") {
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), strings.ToLower(name)+":") {
			return strings.TrimSpace(line[len(name)+1:])
		}
	}
	return ""
}

type fakeInbound struct {
	mu       sync.Mutex
	box      *fakeMailbox
	selected string
	broken   bool
	closed   bool
	recent   int
}

func (s *fakeInbound) Select(folder string) (*goimap.MailboxStatus, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	messages, ok := s.box.folders[folder]
	if !ok {
		return nil, fmt.Errorf("no such mailbox: %s", folder)
	}
	s.mu.Lock()
	s.selected = folder
	s.mu.Unlock()
	return &goimap.MailboxStatus{Name: folder, Messages: uint32(len(messages))}, nil
}

func (s *fakeInbound) current() []fakeMessage {
	s.mu.Lock()
	folder := s.selected
	s.mu.Unlock()
	return s.box.folders[folder]
}

func (s *fakeInbound) SearchSince(since time.Time) ([]uint32, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if s.box.searchErr != nil {
		return nil, s.box.searchErr
	}
	day := time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, since.Location())
	var uids []uint32
	for _, m := range s.current() {
		if !m.summary.InternalDate.Before(day) {
			uids = append(uids, m.summary.UID)
		}
	}
	return uids, nil
}

func (s *fakeInbound) FetchSummaries(uids []uint32) ([]imap.Summary, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	wanted := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		wanted[uid] = true
	}
	var result []imap.Summary
	for _, m := range s.current() {
		if wanted[m.summary.UID] {
			result = append(result, m.summary)
		}
	}
	return result, nil
}

func (s *fakeInbound) FetchRecent(total uint32, n int) ([]imap.Summary, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	s.mu.Lock()
	s.recent++
	s.mu.Unlock()
	messages := s.current()
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	result := make([]imap.Summary, 0, len(messages))
	for _, m := range messages {
		result = append(result, m.summary)
	}
	return result, nil
}

func (s *fakeInbound) FetchRaw(uid uint32) ([]byte, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.rawErr[uid]; err != nil {
		return nil, err
	}
	for _, m := range s.current() {
		if m.summary.UID == uid {
			return m.raw, nil
		}
	}
	return nil, fmt.Errorf("message %d not found", uid)
}

func (s *fakeInbound) ListFolders() ([]models.Folder, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	var folders []models.Folder
	for name := range s.box.folders {
		folders = append(folders, models.Folder{Name: name, Delimiter: "/"})
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}

func (s *fakeInbound) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.broken && !s.closed
}

func (s *fakeInbound) breakSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = true
}

func (s *fakeInbound) Noop() error {
	if !s.Usable() {
		return imap.ErrSessionClosed
	}
	return nil
}

func (s *fakeInbound) LastUsed() time.Time {
	return time.Now()
}

func (s *fakeInbound) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeRelay is the server side of fakeOutbound sessions. Queued errors fail sends in order.
type fakeRelay struct {
	mu       sync.Mutex
	failures []error
	sent     [][]byte
	sessions []*fakeOutbound
}

func (r *fakeRelay) failNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

func (r *fakeRelay) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *fakeRelay) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type fakeOutbound struct {
	relay    *fakeRelay
	mu       sync.Mutex
	closed   bool
	lastUsed time.Time
}

func (s *fakeOutbound) Send(_ string, _ []string, data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.lastUsed = time.Now()
	s.mu.Unlock()
	if closed {
		return smtp.ErrSessionClosed
	}

	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	if len(s.relay.failures) > 0 {
		err := s.relay.failures[0]
		s.relay.failures = s.relay.failures[1:]
		return err
	}
	s.relay.sent = append(s.relay.sent, data)
	return nil
}

func (s *fakeOutbound) Noop() error {
	return nil
}

func (s *fakeOutbound) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *fakeOutbound) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeOutbound) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*models.Event
}

func (n *fakeNotifier) Notify(event *models.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.events {
		if e.Type == eventType {
			count++
		}
	}
	return count
}

// messageIDs returns the external ids carried by events of eventType, in emission order.
func (n *fakeNotifier) messageIDs(eventType string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var ids []string
	for _, e := range n.events {
		if e.Type == eventType && e.Message != nil {
			ids = append(ids, e.Message.ExternalID)
		}
	}
	return ids
}

type fakeBlobs struct{}

func (fakeBlobs) Save(_ context.Context, data models.AttachmentData) (*models.Attachment, error) {
	name := uuid.NewString() + ".bin"
	return &models.Attachment{
		Filename:    data.Filename,
		StoredName:  name,
		ContentType: data.ContentType,
		SizeBytes:   int64(len(data.Content)),
		IsInline:    data.IsInline,
		ContentID:   data.ContentID,
		DownloadURL: "/email-attachments/" + name,
	}, nil
}

// harness wires a Manager to fakes.
type harness struct {
	t        *testing.T
	clock    *clock
	store    *fakeStore
	mailbox  *fakeMailbox
	relay    *fakeRelay
	notifier *fakeNotifier
	manager  *Manager

	mu          sync.Mutex
	inbound     []*fakeInbound
	inboundErr  error
	outboundErr error
	dialGate    chan struct{}
	sleeps      []time.Duration
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    newClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)),
		store:    newFakeStore(),
		mailbox:  newFakeMailbox(),
		relay:    &fakeRelay{},
		notifier: &fakeNotifier{},
	}
	h.store.addConfig(testConfig())

	h.manager = NewManager(Deps{
		Credentials:  h.store,
		Store:        h.store,
		Blobs:        fakeBlobs{},
		Notifier:     h.notifier,
		DialInbound:  h.dialInbound,
		DialOutbound: h.dialOutbound,
		Logger:       zap.NewNop(),
		Now:          h.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
	}, opts)
	t.Cleanup(h.manager.Shutdown)
	return h
}

func testConfig() *models.ConnectionConfig {
	return &models.ConnectionConfig{
		ConnectionID: testConnectionID,
		TenantID:     testTenantID,
		EmailAddress: testAddress,
		DisplayName:  "Support",
		Inbound:      models.Endpoint{Host: "imap.example.com", Port: 993, UseTLS: true, Username: testAddress, Password: "secret"},
		Outbound:     models.Endpoint{Host: "smtp.example.com", Port: 465, UseTLS: true, Username: testAddress, Password: "secret"},
		SyncFolder:   "INBOX",
		SyncInterval: time.Hour,
		Status:       models.StatusInactive,
	}
}

func (h *harness) dialInbound(ctx context.Context, _ models.Endpoint) (InboundSession, error) {
	h.mu.Lock()
	gate, err := h.dialGate, h.inboundErr
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &fakeInbound{box: h.mailbox}
	h.mu.Lock()
	h.inbound = append(h.inbound, s)
	h.mu.Unlock()
	return s, nil
}

func (h *harness) dialOutbound(_ context.Context, _ models.Endpoint) (OutboundSession, error) {
	h.mu.Lock()
	err := h.outboundErr
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s := &fakeOutbound{relay: h.relay, lastUsed: time.Now()}
	h.relay.mu.Lock()
	h.relay.sessions = append(h.relay.sessions, s)
	h.relay.mu.Unlock()
	return s, nil
}

func (h *harness) inboundDials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inbound)
}

func (h *harness) lastInbound() *fakeInbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inbound[len(h.inbound)-1]
}

func (h *harness) setInboundErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inboundErr = err
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

// sync runs one cycle directly, bypassing the poller.
func (h *harness) sync() *SyncResult {
	h.t.Helper()
	result, err := h.manager.syncer.SyncNewMessages(context.Background(), testConnectionID)
	if err != nil {
		h.t.Fatalf("sync failed: %v", err)
	}
	return result
}

type rawOpts struct {
	from       string
	subject    string
	messageID  string
	inReplyTo  string
	references string
	date       time.Time
	body       string
}

func buildRaw(o rawOpts) []byte {
	if o.from == "" {
		o.from = "Customer <customer@example.org>"
	}
	if o.subject == "" {
		o.subject = "Hello"
	}
	if o.body == "" {
		o.body = "Hi there"
	}
	var b strings.Builder
	b.WriteString("From: " + o.from + "\r\n")
	b.WriteString("To: " + testAddress + "\r\n")
	b.WriteString("Subject: " + o.subject + "\r\n")
	if !o.date.IsZero() {
		b.WriteString("Date: " + o.date.Format(time.RFC1123Z) + "\r\n")
	}
	if o.messageID != "" {
		b.WriteString("Message-ID: " + o.messageID + "\r\n")
	}
	if o.inReplyTo != "" {
		b.WriteString("In-Reply-To: " + o.inReplyTo + "\r\n")
	}
	if o.references != "" {
		b.WriteString("References: " + o.references + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(o.body + "\r\n")
	return []byte(b.String())
}

// addMessage puts a message with the given id into INBOX, received at ago before the clock.
func (h *harness) addMessage(messageID string, ago time.Duration) uint32 {
	at := h.clock.Now().Add(-ago)
	return h.mailbox.add("INBOX", buildRaw(rawOpts{messageID: messageID, date: at}), at)
}
