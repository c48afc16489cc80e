package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/monitoring"
	"github.com/vdavid/mailsync/internal/smtp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Deps are the collaborators of a Manager. Credentials, Store and Logger are required; the
// dialers default to the real IMAP and SMTP clients.
type Deps struct {
	Credentials CredentialStore
	Store       Store
	Blobs       BlobStore
	Notifier    Notifier
	Flows       FlowRunner
	Seen        SeenCache

	DialInbound  InboundDialer
	DialOutbound OutboundDialer
	Watch        WatchFunc

	Metrics *monitoring.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
}

// Manager owns the lifecycle of every email connection in the process: it opens and closes
// protocol sessions, schedules sync cycles, watches health and dispatches outbound mail.
type Manager struct {
	opts        Options
	credentials CredentialStore
	store       Store
	dialIn      InboundDialer
	dialOut     OutboundDialer

	registry   *Registry
	scheduler  *Scheduler
	health     *HealthMonitor
	listeners  *Listeners
	syncer     *SyncEngine
	ingestor   *Ingestor
	dispatcher *Dispatcher

	metrics *monitoring.Metrics
	logger  *zap.Logger
	now     func() time.Time

	base   context.Context
	cancel context.CancelFunc
}

func NewManager(deps Deps, opts Options) *Manager {
	opts = opts.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	sleepFn := deps.Sleep
	if sleepFn == nil {
		sleepFn = sleep
	}

	dialIn := deps.DialInbound
	if dialIn == nil {
		timeouts := opts.InboundTimeouts
		imapLogger := logger.Named("imap")
		dialIn = func(ctx context.Context, endpoint models.Endpoint) (InboundSession, error) {
			s, err := imap.Dial(ctx, endpoint, timeouts, imapLogger)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	dialOut := deps.DialOutbound
	if dialOut == nil {
		timeouts, localName := opts.OutboundTimeouts, opts.LocalName
		dialOut = func(ctx context.Context, endpoint models.Endpoint) (OutboundSession, error) {
			s, err := smtp.Dial(ctx, endpoint, timeouts, localName)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	watch := deps.Watch
	if watch == nil && opts.IdleEnabled {
		timeouts := opts.InboundTimeouts
		idleLogger := logger.Named("idle")
		watch = func(ctx context.Context, endpoint models.Endpoint, folder string, onNew func()) {
			imap.WatchMailbox(ctx, endpoint, timeouts, folder, onNew, idleLogger)
		}
	}

	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:        opts,
		credentials: deps.Credentials,
		store:       deps.Store,
		dialIn:      dialIn,
		dialOut:     dialOut,
		registry:    NewRegistry(opts.OutboundIdleTimeout, opts.OutboundCleanupInterval, logger),
		metrics:     deps.Metrics,
		logger:      logger.Named("manager"),
		now:         now,
		base:        base,
		cancel:      cancel,
	}

	m.ingestor = &Ingestor{
		store:    deps.Store,
		blobs:    deps.Blobs,
		notifier: deps.Notifier,
		flows:    deps.Flows,
		seen:     deps.Seen,
		resolver: NewThreadResolver(deps.Store),
		metrics:  deps.Metrics,
		logger:   logger.Named("ingest"),
		now:      now,
	}
	m.syncer = &SyncEngine{
		credentials: deps.Credentials,
		store:       deps.Store,
		registry:    m.registry,
		ingestor:    m.ingestor,
		dial:        dialIn,
		reconnect:   m.Reconnect,
		opts:        opts,
		metrics:     deps.Metrics,
		logger:      logger.Named("sync"),
		now:         now,
	}
	m.dispatcher = &Dispatcher{
		credentials: deps.Credentials,
		registry:    m.registry,
		ingestor:    m.ingestor,
		dial:        dialOut,
		opts:        opts,
		metrics:     deps.Metrics,
		logger:      logger.Named("send"),
		now:         now,
		sleep:       sleepFn,
	}
	m.scheduler = NewScheduler(base, func(ctx context.Context, id string) error {
		_, err := m.syncer.SyncNewMessages(ctx, id)
		return err
	}, deps.Store.ConnectionExists, m.forget, logger)
	m.health = NewHealthMonitor(base, m.registry, m.Reconnect, opts.HealthCheckInterval, opts.StaleThreshold, logger)
	m.health.now = now
	m.listeners = NewListeners(base, watch, m.scheduler.Trigger)
	return m
}

// Open connects both protocols for a connection, runs the first sync and starts background
// work. Missing settings return *ConfigurationError and start nothing. A refused connection
// returns *ConnectError but still starts the poller and health monitor, which keep retrying.
func (m *Manager) Open(ctx context.Context, connectionID string) error {
	logger := m.logger.With(zap.String("connection_id", connectionID))

	cfg, err := m.credentials.GetConfig(ctx, connectionID)
	if err != nil {
		if !errors.Is(err, db.ErrConnectionNotFound) {
			m.persistStatus(ctx, connectionID, models.StatusError, err.Error())
		}
		return fmt.Errorf("failed to load connection config: %w", err)
	}
	if missing := cfg.MissingFields(); len(missing) > 0 {
		cfgErr := &ConfigurationError{ConnectionID: connectionID, Missing: missing}
		m.persistStatus(ctx, connectionID, models.StatusError, cfgErr.Error())
		logger.Warn("Connection is misconfigured", zap.Strings("missing", missing))
		return cfgErr
	}

	state, created := m.registry.Register(newConnectionState(connectionID, cfg.TenantID, m.now()))
	if !created && state.Status() == models.StatusActive && state.Inbound() != nil {
		return nil
	}
	m.metrics.SetActiveConnections(m.registry.Len())

	if err := m.connect(ctx, cfg, state); err != nil {
		state.SetStatus(models.StatusError, err.Error())
		m.persistStatus(ctx, connectionID, models.StatusError, err.Error())
		logger.Warn("Failed to connect, will keep retrying", zap.Error(err))
		m.startBackground(cfg, false)
		return err
	}

	state.SetStatus(models.StatusActive, "")
	state.Touch(m.now())
	m.persistStatus(ctx, connectionID, models.StatusActive, "")
	logger.Info("Email connection opened", zap.String("folder", cfg.SyncFolder))

	if _, err := m.syncer.SyncNewMessages(ctx, connectionID); err != nil {
		logger.Warn("Initial sync failed", zap.Error(err))
	}

	m.startBackground(cfg, true)
	return nil
}

// connect logs in to IMAP and verifies SMTP, installing both sessions on state.
func (m *Manager) connect(ctx context.Context, cfg *models.ConnectionConfig, state *ConnectionState) error {
	inbound, err := m.dialIn(ctx, cfg.Inbound)
	if err != nil {
		return &ConnectError{ConnectionID: cfg.ConnectionID, Protocol: "imap", Err: err}
	}

	outbound, err := m.dialOut(ctx, cfg.Outbound)
	if err == nil {
		if err = outbound.Noop(); err != nil {
			_ = outbound.Close()
		}
	}
	if err != nil {
		_ = inbound.Logout()
		return &ConnectError{ConnectionID: cfg.ConnectionID, Protocol: "smtp", Err: err}
	}

	if old := state.SetInbound(inbound); old != nil {
		_ = old.Logout()
	}
	if old := state.SetOutbound(outbound); old != nil {
		_ = old.Close()
	}
	return nil
}

func (m *Manager) startBackground(cfg *models.ConnectionConfig, connected bool) {
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = time.Minute
	}
	m.scheduler.Start(cfg.ConnectionID, interval, false)
	m.health.Start(cfg.ConnectionID)
	if connected && m.opts.IdleEnabled {
		m.listeners.Start(cfg.ConnectionID, cfg.Inbound, cfg.SyncFolder)
	}
}

// Close stops background work for a connection, logs out its sessions and marks it inactive.
func (m *Manager) Close(ctx context.Context, connectionID string) error {
	m.scheduler.Stop(connectionID)
	m.health.Stop(connectionID)
	m.listeners.Stop(connectionID)

	if state := m.registry.Remove(connectionID); state != nil {
		state.closeSessions()
	}
	m.metrics.SetActiveConnections(m.registry.Len())

	err := m.store.UpdateConnectionStatus(ctx, connectionID, models.StatusInactive, "")
	if err != nil && !errors.Is(err, db.ErrConnectionNotFound) {
		return fmt.Errorf("failed to mark connection inactive: %w", err)
	}
	m.logger.Info("Email connection closed", zap.String("connection_id", connectionID))
	return nil
}

// forget drops in-memory state for a connection whose record was deleted. It is called from the
// connection's own poller, which has already removed itself.
func (m *Manager) forget(connectionID string) {
	m.health.Stop(connectionID)
	m.listeners.Stop(connectionID)
	if state := m.registry.Remove(connectionID); state != nil {
		state.closeSessions()
	}
	m.metrics.SetActiveConnections(m.registry.Len())
}

// Reconnect replaces the inbound session of a registered connection. Only one reconnect per
// connection runs at a time; a concurrent caller gets ErrReconnectInProgress.
func (m *Manager) Reconnect(ctx context.Context, connectionID string) error {
	state, ok := m.registry.Get(connectionID)
	if !ok {
		return ErrNotConnected
	}
	if !state.tryBeginReconnect() {
		return ErrReconnectInProgress
	}
	defer state.endReconnect()

	logger := m.logger.With(zap.String("connection_id", connectionID))
	state.SetStatus(models.StatusReconnecting, "")
	m.persistStatus(ctx, connectionID, models.StatusReconnecting, "")

	cfg, err := m.credentials.GetConfig(ctx, connectionID)
	if err == nil {
		if missing := cfg.MissingFields(); len(missing) > 0 {
			err = &ConfigurationError{ConnectionID: connectionID, Missing: missing}
		}
	}
	if err != nil {
		state.SetStatus(models.StatusError, err.Error())
		m.persistStatus(ctx, connectionID, models.StatusError, err.Error())
		m.metrics.IncReconnect("error")
		return err
	}

	if old := state.SetInbound(nil); old != nil {
		_ = old.Logout()
	}
	state.incReconnectAttempts()

	session, err := m.dialIn(ctx, cfg.Inbound)
	if err != nil {
		connErr := &ConnectError{ConnectionID: connectionID, Protocol: "imap", Err: err}
		state.SetStatus(models.StatusError, connErr.Error())
		m.persistStatus(ctx, connectionID, models.StatusError, connErr.Error())
		m.metrics.IncReconnect("error")
		logger.Warn("Reconnect failed", zap.Int("attempt", state.ReconnectAttempts()), zap.Error(err))
		return connErr
	}

	state.SetInbound(session)
	// Close may have run while dialing. Its closeSessions either already took this session or
	// ran before it was set, in which case it is still ours to log out.
	if current, ok := m.registry.Get(connectionID); !ok || current != state {
		if orphan := state.SetInbound(nil); orphan != nil {
			_ = orphan.Logout()
		}
		logger.Info("Connection closed during reconnect, dropping the new session")
		return ErrNotConnected
	}
	state.SetStatus(models.StatusActive, "")
	state.Touch(m.now())
	m.persistStatus(ctx, connectionID, models.StatusActive, "")
	m.metrics.IncReconnect("ok")
	logger.Info("Reconnected", zap.Int("attempt", state.ReconnectAttempts()))
	return nil
}

// Status reports the durable and live state of a connection.
func (m *Manager) Status(ctx context.Context, connectionID string) (*models.ConnectionStatusReport, error) {
	record, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	report := &models.ConnectionStatusReport{
		ConnectionID: connectionID,
		Status:       record.Status,
		LastSyncAt:   record.LastSyncAt,
		Error:        record.LastError,
	}
	if state, ok := m.registry.Get(connectionID); ok {
		report.Status = state.Status()
		report.Error = state.LastError()
		session := state.Inbound()
		report.Connected = session != nil && session.Usable()
	}
	return report, nil
}

// ListMailboxFolders lists the mailbox folders, using the live session when there is one.
func (m *Manager) ListMailboxFolders(ctx context.Context, connectionID string) ([]models.Folder, error) {
	if state, ok := m.registry.Get(connectionID); ok {
		if session := state.Inbound(); session != nil && session.Usable() {
			folders, err := session.ListFolders()
			if err == nil {
				return folders, nil
			}
			m.logger.Debug("Listing folders on the live session failed", zap.String("connection_id", connectionID), zap.Error(err))
		}
	}

	cfg, err := m.credentials.GetConfig(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection config: %w", err)
	}
	session, err := m.dialIn(ctx, cfg.Inbound)
	if err != nil {
		return nil, &ConnectError{ConnectionID: connectionID, Protocol: "imap", Err: err}
	}
	defer func() { _ = session.Logout() }()

	return session.ListFolders()
}

// Verify checks that both protocols accept the settings without registering anything.
func (m *Manager) Verify(ctx context.Context, cfg *models.ConnectionConfig) error {
	if missing := cfg.MissingFields(); len(missing) > 0 {
		return &ConfigurationError{ConnectionID: cfg.ConnectionID, Missing: missing}
	}

	inbound, err := m.dialIn(ctx, cfg.Inbound)
	if err != nil {
		return &ConnectError{ConnectionID: cfg.ConnectionID, Protocol: "imap", Err: err}
	}
	_ = inbound.Logout()

	outbound, err := m.dialOut(ctx, cfg.Outbound)
	if err != nil {
		return &ConnectError{ConnectionID: cfg.ConnectionID, Protocol: "smtp", Err: err}
	}
	defer func() { _ = outbound.Close() }()
	if err := outbound.Noop(); err != nil {
		return &ConnectError{ConnectionID: cfg.ConnectionID, Protocol: "smtp", Err: err}
	}
	return nil
}

// ResumeAll reopens every connection that was active or reconnecting when the process last
// stopped, pacing the opens so a restart does not hit all mail servers at once. It returns the
// number of connections that opened cleanly.
func (m *Manager) ResumeAll(ctx context.Context) (int, error) {
	var ids []string
	for _, status := range []models.ConnectionStatus{models.StatusActive, models.StatusReconnecting} {
		found, err := m.store.ListConnectionIDsByStatus(ctx, status)
		if err != nil {
			return 0, fmt.Errorf("failed to list %s connections: %w", status, err)
		}
		ids = append(ids, found...)
	}

	limiter := rate.NewLimiter(rate.Every(m.opts.ResumeStagger), 1)
	opened := 0
	for _, id := range ids {
		if err := limiter.Wait(ctx); err != nil {
			return opened, err
		}
		if err := m.Open(ctx, id); err != nil {
			m.logger.Warn("Failed to resume connection", zap.String("connection_id", id), zap.Error(err))
			continue
		}
		opened++
	}

	m.logger.Info("Resumed email connections", zap.Int("opened", opened), zap.Int("total", len(ids)))
	return opened, nil
}

// CleanupOrphans stops background work for connections whose record no longer exists and
// returns their ids.
func (m *Manager) CleanupOrphans(ctx context.Context) ([]string, error) {
	var removed []string
	for _, id := range m.trackedIDs() {
		exists, err := m.store.ConnectionExists(ctx, id)
		if err != nil {
			return removed, fmt.Errorf("failed to check connection %s: %w", id, err)
		}
		if exists {
			continue
		}
		m.scheduler.Stop(id)
		m.forget(id)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		m.logger.Info("Removed orphaned connections", zap.Strings("connection_ids", removed))
	}
	return removed, nil
}

// PollingStatus returns the operational view of one connection.
func (m *Manager) PollingStatus(ctx context.Context, connectionID string) (*models.PollingStatus, error) {
	exists, err := m.store.ConnectionExists(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	status := &models.PollingStatus{
		ConnectionID:    connectionID,
		ConfigExists:    exists,
		HasPollingTimer: m.scheduler.Has(connectionID),
		HasHealthCheck:  m.health.Has(connectionID),
		HasIdleListener: m.listeners.Has(connectionID),
	}
	if exists {
		if record, err := m.store.GetConnection(ctx, connectionID); err == nil {
			status.LastSyncAt = record.LastSyncAt
		}
	}
	if state, ok := m.registry.Get(connectionID); ok {
		info := state.Info()
		status.HasActiveConnection = true
		status.Connection = &info
	}
	return status, nil
}

// AllPollingStatus returns PollingStatus for every connection the manager tracks.
func (m *Manager) AllPollingStatus(ctx context.Context) ([]*models.PollingStatus, error) {
	ids := m.trackedIDs()
	result := make([]*models.PollingStatus, 0, len(ids))
	for _, id := range ids {
		status, err := m.PollingStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, status)
	}
	return result, nil
}

// DebugInfo lists the ids held by each kind of background work.
func (m *Manager) DebugInfo() models.ServiceDebugInfo {
	return models.ServiceDebugInfo{
		ActiveConnections: m.registry.IDs(),
		PollingTimers:     m.scheduler.IDs(),
		HealthChecks:      m.health.IDs(),
		IdleListeners:     m.listeners.IDs(),
	}
}

// Snapshot returns the in-memory state of every registered connection.
func (m *Manager) Snapshot() map[string]models.ActiveConnectionInfo {
	return m.registry.Snapshot()
}

// ActiveCount is the number of registered connections.
func (m *Manager) ActiveCount() int {
	return m.registry.Len()
}

// Send dispatches an outbound email. See Dispatcher.Send.
func (m *Manager) Send(ctx context.Context, connectionID string, req *models.SendRequest) (*models.Message, error) {
	return m.dispatcher.Send(ctx, connectionID, req)
}

// TriggerSync asks for an early cycle. A polled connection syncs on its poller and the result
// is nil; otherwise the cycle runs here and its result is returned.
func (m *Manager) TriggerSync(ctx context.Context, connectionID string) (*SyncResult, error) {
	if m.scheduler.Trigger(connectionID) {
		return nil, nil
	}
	return m.syncer.SyncNewMessages(ctx, connectionID)
}

// Shutdown stops all background work and logs out all sessions. Durable statuses are left as
// they are so ResumeAll picks the connections up on the next start.
func (m *Manager) Shutdown() {
	m.cancel()
	m.listeners.StopAll()
	m.scheduler.StopAll()
	m.health.StopAll()
	m.registry.Close()
	m.metrics.SetActiveConnections(0)
	m.logger.Info("Connection manager stopped")
}

// Running returns an error once Shutdown was called.
func (m *Manager) Running() error {
	if err := m.base.Err(); err != nil {
		return fmt.Errorf("connection manager stopped: %w", err)
	}
	return nil
}

func (m *Manager) trackedIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, group := range [][]string{m.registry.IDs(), m.scheduler.IDs(), m.health.IDs(), m.listeners.IDs()} {
		for _, id := range group {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) persistStatus(ctx context.Context, connectionID string, status models.ConnectionStatus, lastError string) {
	if err := m.store.UpdateConnectionStatus(ctx, connectionID, status, lastError); err != nil {
		m.logger.Warn("Failed to persist connection status",
			zap.String("connection_id", connectionID), zap.String("status", string(status)), zap.Error(err))
	}
}
